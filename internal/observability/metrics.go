// Package observability holds the prometheus collectors for the sweep and
// the alert pipeline. The ops HTTP server that exposes them lives in
// observability/ops.
package observability

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"bangremind/internal/sweep"
)

const defaultNamespace = "bangremind"

// Metrics implements sweep.Recorder and notifier.Metrics.
type Metrics struct {
	reg *prometheus.Registry

	sweeps          *prometheus.CounterVec
	sweepDuration   prometheus.Histogram
	lastSweep       prometheus.Gauge
	candidates      prometheus.Counter
	conflicts       prometheus.Counter
	invalid         prometheus.Counter
	processed       *prometheus.CounterVec
	processDuration *prometheus.HistogramVec
	stuckFlagged    prometheus.Counter
	alerts          *prometheus.CounterVec
}

// NewMetrics registers the collectors on reg. A nil reg gets a fresh
// registry with the go and process collectors.
func NewMetrics(namespace string, reg *prometheus.Registry) (*Metrics, error) {
	if namespace == "" {
		namespace = defaultNamespace
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	m := &Metrics{
		reg: reg,
		sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "runs_total",
			Help:      "Sweep cycles by status (ok, aborted).",
		}, []string{"status"}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "duration_seconds",
			Help:      "Wall time of one sweep cycle.",
			Buckets:   prometheus.DefBuckets,
		}),
		lastSweep: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last sweep that was not aborted.",
		}),
		candidates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "candidates_total",
			Help:      "Due reminders selected as claim candidates.",
		}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "claim_conflicts_total",
			Help:      "Claims lost to a concurrent writer.",
		}),
		invalid: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "invalid_total",
			Help:      "Reminders flagged invalid_schedule.",
		}),
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reminder",
			Name:      "processed_total",
			Help:      "Claimed reminders by processing result.",
		}, []string{"result"}),
		processDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reminder",
			Name:      "process_seconds",
			Help:      "Time from claim processing start to commit.",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"result"}),
		stuckFlagged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reminder",
			Name:      "stuck_flagged_total",
			Help:      "Reminders flagged stuck_claim.",
		}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifier",
			Name:      "alerts_total",
			Help:      "Operator alerts by outcome (queued, deduped, dropped, sent, failed).",
		}, []string{"outcome"}),
	}

	for _, c := range []prometheus.Collector{
		m.sweeps, m.sweepDuration, m.lastSweep, m.candidates, m.conflicts, m.invalid,
		m.processed, m.processDuration, m.stuckFlagged, m.alerts,
	} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				return nil, fmt.Errorf("register metrics: duplicate collector in namespace %q", namespace)
			}
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}
	return m, nil
}

// Registry is the registry to serve on /metrics.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) SweepFinished(r sweep.Report) {
	m.sweepDuration.Observe(r.Took.Seconds())
	m.candidates.Add(float64(r.Candidates))
	m.conflicts.Add(float64(r.Conflicts))
	m.invalid.Add(float64(r.Invalid))
	if r.Err != "" {
		m.sweeps.WithLabelValues("aborted").Inc()
		return
	}
	m.sweeps.WithLabelValues("ok").Inc()
	m.lastSweep.Set(float64(r.StartedAt.Add(r.Took).Unix()))
}

func (m *Metrics) ReminderProcessed(result string, took time.Duration) {
	m.processed.WithLabelValues(result).Inc()
	m.processDuration.WithLabelValues(result).Observe(took.Seconds())
}

func (m *Metrics) StuckFlagged(n int) {
	if n > 0 {
		m.stuckFlagged.Add(float64(n))
	}
}

func (m *Metrics) NotifyOutcome(outcome string) {
	m.alerts.WithLabelValues(outcome).Inc()
}
