package reminder

import (
	"fmt"
	"time"
)

// Record is the flat row as persisted in the reminders table.
// Frequency is nullable and only meaningful for recurring rows.
type Record struct {
	ID           int64
	UserID       int64
	Title        string
	URL          string
	ReminderType string
	Frequency    *string
	NextDue      *time.Time
	IsCompleted  bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Version      int64

	ClaimedAt   *time.Time
	ClaimedBy   string
	FlagReason  string
	FlaggedAt   *time.Time
	LastFiredAt *time.Time
	FireCount   int64
}

func (r Record) Claimed() bool { return r.ClaimedAt != nil }

func (r Record) Flagged() bool { return r.FlagReason != "" }

// Decode turns a row into a Reminder, rejecting rows that violate the
// kind/frequency union. A frequency stored on a once row is ignored.
func (r Record) Decode() (Reminder, error) {
	kind, err := ParseKind(r.ReminderType)
	if err != nil {
		return Reminder{}, fmt.Errorf("reminder %d: %w", r.ID, err)
	}

	var sched Schedule
	if kind == KindRecurring {
		if r.Frequency == nil {
			return Reminder{}, fmt.Errorf("reminder %d: %w: missing", r.ID, ErrInvalidFrequency)
		}
		f, err := ParseFrequency(*r.Frequency)
		if err != nil {
			return Reminder{}, fmt.Errorf("reminder %d: %w", r.ID, err)
		}
		sched = RecurringSchedule(f)
	}

	if !r.IsCompleted && r.NextDue == nil {
		return Reminder{}, fmt.Errorf("reminder %d: %w", r.ID, ErrMissingNextDue)
	}

	out := Reminder{
		ID:        r.ID,
		OwnerID:   r.UserID,
		Title:     r.Title,
		URL:       r.URL,
		Schedule:  sched,
		Completed: r.IsCompleted,
		CreatedAt: r.CreatedAt.UTC(),
		UpdatedAt: r.UpdatedAt.UTC(),
		Version:   r.Version,
	}
	if r.NextDue != nil {
		t := r.NextDue.UTC()
		out.NextDue = &t
	}
	return out, nil
}

// Encode flattens a Reminder into a Record; claim and flag columns are left zero.
func Encode(r Reminder) Record {
	rec := Record{
		ID:           r.ID,
		UserID:       r.OwnerID,
		Title:        r.Title,
		URL:          r.URL,
		ReminderType: string(r.Schedule.Kind()),
		IsCompleted:  r.Completed,
		CreatedAt:    r.CreatedAt.UTC(),
		UpdatedAt:    r.UpdatedAt.UTC(),
		Version:      r.Version,
	}
	if f, ok := r.Schedule.Frequency(); ok {
		s := string(f)
		rec.Frequency = &s
	}
	if r.NextDue != nil {
		t := r.NextDue.UTC()
		rec.NextDue = &t
	}
	return rec
}
