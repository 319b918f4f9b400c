package sweep

import (
	"context"
	"time"

	"bangremind/internal/notifier"
	"bangremind/internal/reminder"
)

type Config struct {
	Enabled    bool
	Schedule   string // Go duration, HH:MM interval or cron expression
	BatchLimit int
	Workers    int
	StuckAfter time.Duration
	RunOnStart bool

	// DispatchTimeout bounds a single Deliver call.
	DispatchTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Schedule == "" {
		c.Schedule = "60s"
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = 100
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.StuckAfter <= 0 {
		c.StuckAfter = 10 * time.Minute
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = 30 * time.Second
	}
	return c
}

// Dispatcher delivers one payload. Errors are reported, never retried in
// the same cycle.
type Dispatcher interface {
	Deliver(ctx context.Context, p reminder.Payload) error
}

type Alerter interface {
	Alert(ctx context.Context, a notifier.Alert) error
}

// Recorder receives sweep metrics.
type Recorder interface {
	SweepFinished(r Report)
	ReminderProcessed(result string, took time.Duration)
	StuckFlagged(n int)
}

type nopRecorder struct{}

func (nopRecorder) SweepFinished(Report)                    {}
func (nopRecorder) ReminderProcessed(string, time.Duration) {}
func (nopRecorder) StuckFlagged(int)                        {}

type nopAlerter struct{}

func (nopAlerter) Alert(context.Context, notifier.Alert) error { return nil }

// Claimed is a row this sweep owns. Record.Version is the claim version.
type Claimed struct {
	Record   reminder.Record
	Reminder reminder.Reminder
	SweepID  string
}

// Processing results.
const (
	ResultFired          = "fired"
	ResultDispatchFailed = "dispatch_failed"
	ResultStuck          = "stuck"
	ResultReleased       = "released"
	ResultFlagged        = "flagged"
	ResultLost           = "lost"
)

// Outcome is what Process did with one claimed reminder.
type Outcome struct {
	ReminderID int64
	Result     string
	Err        error
	NextDue    *time.Time
	Completed  bool
	Took       time.Duration
}

// Report summarizes one sweep cycle.
type Report struct {
	SweepID        string        `json:"sweep_id"`
	StartedAt      time.Time     `json:"started_at"`
	Took           time.Duration `json:"took"`
	Candidates     int           `json:"candidates"`
	Claimed        int           `json:"claimed"`
	Conflicts      int           `json:"conflicts"`
	Invalid        int           `json:"invalid"`
	Fired          int           `json:"fired"`
	DispatchFailed int           `json:"dispatch_failed"`
	Stuck          int           `json:"stuck"`
	Released       int           `json:"released"`
	Lost           int           `json:"lost"`
	Err            string        `json:"err,omitempty"`
}

func (r *Report) add(o Outcome) {
	switch o.Result {
	case ResultFired:
		r.Fired++
	case ResultDispatchFailed:
		r.DispatchFailed++
	case ResultStuck:
		r.Stuck++
	case ResultReleased:
		r.Released++
	case ResultFlagged:
		r.Invalid++
	case ResultLost:
		r.Lost++
	}
}
