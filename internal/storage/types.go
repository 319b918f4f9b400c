package storage

import (
	"context"
	"errors"
	"time"

	"bangremind/internal/reminder"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("storage: reminder not found")
	// ErrConflict means the row changed since it was read; the caller lost
	// an optimistic race and should skip the row.
	ErrConflict = errors.New("storage: version conflict")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "postgres": PostgreSQL via DSN
//   - "memory": process-local, for tests and dry runs
type Config struct {
	Driver       string
	Path         string        // sqlite only
	DSN          string        // postgres only
	BusyTimeout  time.Duration // sqlite only; 0 means default
	MaxOpenConns int           // postgres only; 0 means default
}

// Store is the persistence API used by the sweep and the CLI.
type Store interface {
	Create(ctx context.Context, rec reminder.Record) (reminder.Record, error)
	Get(ctx context.Context, id int64) (reminder.Record, error)
	ListByOwner(ctx context.Context, ownerID int64, limit int) ([]reminder.Record, error)

	// SelectDueCandidates returns unclaimed, unflagged, incomplete rows with
	// next_due <= now, oldest first, at most limit rows.
	SelectDueCandidates(ctx context.Context, now time.Time, limit int) ([]reminder.Record, error)

	// ConditionalUpdate applies p to row id only if its version still equals
	// expectedVersion, and returns the new version. It returns ErrConflict if
	// the version moved and ErrNotFound if the row is gone.
	ConditionalUpdate(ctx context.Context, id, expectedVersion int64, p Patch) (int64, error)

	// ListStuck returns unflagged rows claimed at or before claimedBefore.
	ListStuck(ctx context.Context, claimedBefore time.Time, limit int) ([]reminder.Record, error)
	ListFlagged(ctx context.Context, limit int) ([]reminder.Record, error)

	AppendFiring(ctx context.Context, f Firing) error
	ListFirings(ctx context.Context, reminderID int64, limit int) ([]Firing, error)
	CountFirings(ctx context.Context, reminderID int64) (int64, error)

	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	Close() error
}

// Claim stamps a row as owned by one sweep execution.
type Claim struct {
	By string
	At time.Time
}

// Patch is a partial update. Zero fields are left untouched.
type Patch struct {
	// At is written to updated_at; zero means time.Now.
	At time.Time

	SetNextDue bool
	NextDue    *time.Time // nil with SetNextDue clears next_due

	Completed *bool

	Claim        *Claim
	ReleaseClaim bool

	Flag      string
	ClearFlag bool

	FiredAt      *time.Time
	IncFireCount bool
}

// Well-known flag reasons.
const (
	FlagInvalidSchedule = "invalid_schedule"
	FlagStuckClaim      = "stuck_claim"
)

// Firing is one audit row per dispatched occurrence.
type Firing struct {
	ReminderID  int64
	Occurrence  time.Time
	FiredAt     time.Time
	SweepID     string
	Instance    string
	DispatchOK  bool
	DispatchErr string
	TookMS      int64
}

func boolPtr(v bool) *bool { return &v }

// CompletePatch and friends build the patches the sweep issues.
func CompletePatch(at time.Time) Patch {
	return Patch{At: at, SetNextDue: true, Completed: boolPtr(true), ReleaseClaim: true, FiredAt: &at, IncFireCount: true}
}

func ReschedulePatch(at, next time.Time) Patch {
	return Patch{At: at, SetNextDue: true, NextDue: &next, ReleaseClaim: true, FiredAt: &at, IncFireCount: true}
}

func ClaimPatch(by string, at time.Time) Patch {
	return Patch{At: at, Claim: &Claim{By: by, At: at}}
}

func ReleasePatch(at time.Time) Patch {
	return Patch{At: at, ReleaseClaim: true}
}

func FlagPatch(reason string, at time.Time) Patch {
	return Patch{At: at, Flag: reason}
}
