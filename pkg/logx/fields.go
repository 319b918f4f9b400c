// Package logx is the structured logger shared by every bangremind component.
//
// It wraps zerolog behind a small value type so components can carry a
// logger with fixed fields (comp=sweep, reminder_id=...) while the process
// swaps sinks and levels at runtime through Service.Apply.
package logx

import (
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Field mutates a zerolog event. Fields are applied in order; later keys win.
type Field func(e *zerolog.Event)

func String(k, v string) Field { return func(e *zerolog.Event) { e.Str(k, v) } }

func Int(k string, v int) Field { return func(e *zerolog.Event) { e.Int(k, v) } }

func Int64(k string, v int64) Field { return func(e *zerolog.Event) { e.Int64(k, v) } }

func Uint64(k string, v uint64) Field { return func(e *zerolog.Event) { e.Uint64(k, v) } }

func Bool(k string, v bool) Field { return func(e *zerolog.Event) { e.Bool(k, v) } }

func Duration(k string, v time.Duration) Field { return func(e *zerolog.Event) { e.Dur(k, v) } }

// Time logs t in UTC; reminder timestamps are always UTC.
func Time(k string, v time.Time) Field {
	return func(e *zerolog.Event) { e.Time(k, v.UTC()) }
}

// TimePtr logs a nullable timestamp, or null.
func TimePtr(k string, v *time.Time) Field {
	return func(e *zerolog.Event) {
		if v == nil {
			e.Interface(k, nil)
			return
		}
		e.Time(k, v.UTC())
	}
}

func Any(k string, v any) Field { return func(e *zerolog.Event) { e.Interface(k, v) } }

func Err(err error) Field {
	return func(e *zerolog.Event) {
		if err != nil {
			e.Err(err)
		}
	}
}

func Stack(stack string) Field {
	return func(e *zerolog.Event) {
		if strings.TrimSpace(stack) != "" {
			e.Str("stack", stack)
		}
	}
}
