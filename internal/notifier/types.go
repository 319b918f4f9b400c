package notifier

import (
	"time"

	kit "bangremind/internal/transport"
)

// Config controls the async alert pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool

	// Target receives alerts. A zero target means alerts are only logged.
	Target  kit.ChatTarget
	Channel string
}

// Alert priorities, highest first.
const (
	PriorityCritical = 9
	PriorityWarn     = 7
	PriorityInfo     = 5
)

// Alert is an operator-facing message. Alerts with the same Key are
// suppressed for the dedup window; an empty Key dedups on the text.
type Alert struct {
	Key      string
	Priority int
	Text     string
}

type HistoryItem struct {
	At   time.Time `json:"at"`
	Key  string    `json:"key,omitempty"`
	Text string    `json:"text"`
}

// Outcomes reported to Metrics.
const (
	OutcomeQueued  = "queued"
	OutcomeDeduped = "deduped"
	OutcomeDropped = "dropped"
	OutcomeSent    = "sent"
	OutcomeFailed  = "failed"
)

// Metrics receives pipeline outcomes. Implementations must be cheap and
// safe for concurrent use.
type Metrics interface {
	NotifyOutcome(outcome string)
}

type nopMetrics struct{}

func (nopMetrics) NotifyOutcome(string) {}
