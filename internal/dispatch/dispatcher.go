// Package dispatch delivers fired reminders to their owners.
//
// A Dispatcher is handed one reminder.Payload per firing. Delivery outcome
// is reported as an error and never changes scheduling: the sweep commits
// the state transition either way.
package dispatch

import (
	"context"
	"errors"

	"bangremind/internal/reminder"
	logx "bangremind/pkg/logx"
)

var (
	ErrNoRoute  = errors.New("dispatch: no chat for owner")
	ErrRejected = errors.New("dispatch: rejected")
)

type Dispatcher interface {
	Deliver(ctx context.Context, p reminder.Payload) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, p reminder.Payload) error

func (f DispatcherFunc) Deliver(ctx context.Context, p reminder.Payload) error { return f(ctx, p) }

// LogDispatcher writes reminders to the log instead of sending them.
type LogDispatcher struct {
	log logx.Logger
}

func NewLogDispatcher(log logx.Logger) *LogDispatcher {
	return &LogDispatcher{log: log.With(logx.String("comp", "dispatch.log"))}
}

func (d *LogDispatcher) Deliver(ctx context.Context, p reminder.Payload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.log.Info("reminder delivered",
		logx.Int64("reminder_id", p.ReminderID),
		logx.Int64("owner_id", p.OwnerID),
		logx.String("title", p.Title),
		logx.String("url", p.URL),
		logx.String("kind", string(p.Kind)),
		logx.String("frequency", p.Frequency.String()),
		logx.Time("occurrence", p.Occurrence),
	)
	return nil
}
