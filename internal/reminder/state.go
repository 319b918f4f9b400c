package reminder

import (
	"fmt"
	"strings"
	"time"
)

// Advance fires a claimed reminder.
//
// The payload is always built. Once reminders complete and lose their
// nextDue; recurring reminders move to ComputeNext(freq, previous nextDue)
// and stay pending. Advance is pure: the caller dispatches and commits.
func Advance(r Reminder) (Payload, Transition, error) {
	if r.Completed {
		return Payload{}, Transition{}, fmt.Errorf("%w: id=%d", ErrCompleted, r.ID)
	}
	if r.NextDue == nil {
		return Payload{}, Transition{}, fmt.Errorf("%w: id=%d", ErrMissingNextDue, r.ID)
	}
	prev := r.NextDue.UTC()

	p := Payload{
		ReminderID: r.ID,
		OwnerID:    r.OwnerID,
		Title:      r.Title,
		URL:        r.URL,
		Kind:       r.Schedule.Kind(),
		Occurrence: prev,
	}

	freq, recurring := r.Schedule.Frequency()
	if !recurring {
		return p, Transition{From: StateDue, To: StateFiredOnce, Completed: true}, nil
	}

	next, err := ComputeNext(freq, prev)
	if err != nil {
		return Payload{}, Transition{}, err
	}
	p.Frequency = freq
	return p, Transition{From: StateDue, To: StateFiredRecurring, NextDue: &next}, nil
}

// Validate checks the invariants a create or edit must respect.
func Validate(r Reminder) error {
	if r.OwnerID <= 0 {
		return fmt.Errorf("%w: owner id must be positive", ErrInvalid)
	}
	if strings.TrimSpace(r.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrInvalid)
	}
	if !r.Completed && r.NextDue == nil {
		return ErrMissingNextDue
	}
	return nil
}

// StateOf reports the observable state of r at now. A claimed row is Due.
// Recurring reminders never complete through Advance, so a completed one
// was cancelled.
func StateOf(r Reminder, claimed bool, now time.Time) State {
	switch {
	case r.Completed && r.Schedule.IsRecurring():
		return StateCancelled
	case r.Completed:
		return StateFiredOnce
	case claimed:
		return StateDue
	case r.DueCandidate(now):
		return StateDue
	default:
		return StatePending
	}
}
