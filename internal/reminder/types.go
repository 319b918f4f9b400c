package reminder

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidFrequency = errors.New("reminder: invalid frequency")
	ErrInvalidKind      = errors.New("reminder: invalid reminder type")
	ErrMissingNextDue   = errors.New("reminder: next_due is required")
	ErrCompleted        = errors.New("reminder: already completed")
	ErrInvalid          = errors.New("reminder: invalid")
)

// Frequency is the cadence of a recurring reminder.
type Frequency string

const (
	Daily    Frequency = "daily"
	Weekly   Frequency = "weekly"
	Biweekly Frequency = "biweekly"
	Monthly  Frequency = "monthly"
)

func (f Frequency) Valid() bool {
	switch f {
	case Daily, Weekly, Biweekly, Monthly:
		return true
	default:
		return false
	}
}

func (f Frequency) String() string { return string(f) }

// ParseFrequency accepts the persisted spelling, case-insensitively.
func ParseFrequency(s string) (Frequency, error) {
	f := Frequency(strings.ToLower(strings.TrimSpace(s)))
	if !f.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidFrequency, s)
	}
	return f, nil
}

// Kind mirrors the persisted reminder_type column.
type Kind string

const (
	KindOnce      Kind = "once"
	KindRecurring Kind = "recurring"
)

func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindOnce, KindRecurring:
		return k, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidKind, s)
	}
}

// Schedule is either Once or Recurring with a frequency.
// The zero value is a Once schedule.
type Schedule struct {
	recurring bool
	freq      Frequency
}

func OnceSchedule() Schedule { return Schedule{} }

// RecurringSchedule panics on an invalid frequency; use ParseFrequency for
// untrusted input.
func RecurringSchedule(f Frequency) Schedule {
	if !f.Valid() {
		panic(fmt.Sprintf("reminder: RecurringSchedule(%q)", string(f)))
	}
	return Schedule{recurring: true, freq: f}
}

func (s Schedule) Kind() Kind {
	if s.recurring {
		return KindRecurring
	}
	return KindOnce
}

func (s Schedule) IsRecurring() bool { return s.recurring }

// Frequency reports the cadence; ok is false for Once schedules.
func (s Schedule) Frequency() (Frequency, bool) {
	if !s.recurring {
		return "", false
	}
	return s.freq, true
}

func (s Schedule) String() string {
	if s.recurring {
		return string(KindRecurring) + "/" + string(s.freq)
	}
	return string(KindOnce)
}

// Reminder is the decoded domain entity.
type Reminder struct {
	ID        int64
	OwnerID   int64
	Title     string
	URL       string
	Schedule  Schedule
	NextDue   *time.Time
	Completed bool
	CreatedAt time.Time
	UpdatedAt time.Time

	// Version is the optimistic concurrency token; every write bumps it.
	Version int64
}

// DueCandidate reports whether r may be claimed at now.
func (r Reminder) DueCandidate(now time.Time) bool {
	return !r.Completed && r.NextDue != nil && !r.NextDue.After(now)
}

// Payload is what a dispatcher delivers for one due occurrence.
type Payload struct {
	ReminderID int64
	OwnerID    int64
	Title      string
	URL        string
	Kind       Kind
	Frequency  Frequency // empty for Once
	Occurrence time.Time // the nextDue being fired
}

// State is the lifecycle position of a reminder.
type State int

const (
	StatePending State = iota
	StateDue
	StateFiredOnce
	StateFiredRecurring
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateDue:
		return "due"
	case StateFiredOnce:
		return "fired_once"
	case StateFiredRecurring:
		return "fired_recurring"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Transition is the new persisted state produced by Advance.
type Transition struct {
	From State
	To   State

	// NextDue is nil when the reminder completed.
	NextDue   *time.Time
	Completed bool
}
