package notifier

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	rtsup "bangremind/internal/runtime/supervisor"
	kit "bangremind/internal/transport"
	logx "bangremind/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
	ErrNoTarget  = errors.New("notifier has no target")
)

// DedupStore persists suppress-until windows across restarts.
type DedupStore interface {
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
}

type job struct {
	n kit.Notification
	// dedupKey is computed at enqueue time.
	dedupKey string
}

// Service implements an async alert pipeline:
// queue + worker pool + rate limit + retry + dedup.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log     logx.Logger
	adapter kit.Adapter
	store   DedupStore
	metrics Metrics

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan job
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping

	dedup *dedupCache

	persistCh chan dedupWrite

	hmu     sync.Mutex
	history []HistoryItem
}

type dedupWrite struct {
	key   string
	until time.Time
}

type Option func(*Service)

// WithStore enables persisted dedup when Config.PersistDedup is set.
func WithStore(st DedupStore) Option { return func(s *Service) { s.store = st } }

func WithMetrics(m Metrics) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

func New(cfg Config, adapter kit.Adapter, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		adapter: adapter,
		log:     log.With(logx.String("comp", "notifier")),
		metrics: nopMetrics{},
		dedup:   newDedupCache(),
	}
	for _, o := range opts {
		o(s)
	}
	s.applyLocked(cfg)
	return s
}

// Supervisor returns the internal supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps limits, dedup and target. Worker count and queue size take
// effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}
	if cfg.Channel == "" {
		cfg.Channel = "telegram"
	}

	s.cfg = cfg
	// Burst equals the per-second rate.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	workers := s.cfg.Workers
	if s.cfg.PersistDedup && s.store != nil {
		s.persistCh = make(chan dedupWrite, 1024)
	}
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	sup, q, pch, st := s.sup, s.queue, s.persistCh, s.store
	s.mu.Unlock()

	if pch != nil {
		sup.GoRestart("dedup.persist", func(c context.Context) error {
			s.persistLoop(c, pch, st)
			return s.loopExit(c, "persist loop")
		}, rtsup.WithPublishFirstError(true))
	}

	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			return s.loopExit(c, "worker")
		}, rtsup.WithPublishFirstError(true))
	}
}

// loopExit maps a returned loop to a restart decision: shutdown is clean,
// anything else is restarted.
func (s *Service) loopExit(ctx context.Context, what string) error {
	s.mu.Lock()
	stopping := s.stopDone != nil
	s.mu.Unlock()
	if stopping {
		return context.Canceled
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return fmt.Errorf("notifier %s exited unexpectedly", what)
}

// Stop stops intake and drains the queue best-effort until ctx deadline.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, pch, sup := s.queue, s.persistCh, s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		// In-flight enqueues finish before the queue closes.
		s.sendWG.Wait()
		if pch != nil {
			close(pch)
		}
		close(q)
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.queue = nil
		s.persistCh = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

// Alert sends a to the configured target. With no target or a disabled
// pipeline the alert is still logged.
func (s *Service) Alert(ctx context.Context, a Alert) error {
	s.mu.Lock()
	target, channel, enabled := s.cfg.Target, s.cfg.Channel, s.cfg.Enabled
	s.mu.Unlock()

	if !enabled || target.IsZero() {
		s.log.Warn("alert", logx.String("key", a.Key), logx.Int("priority", a.Priority), logx.String("text", a.Text))
		if !enabled {
			return ErrDisabled
		}
		return ErrNoTarget
	}
	return s.enqueue(ctx, kit.Notification{
		Channel:  channel,
		Priority: a.Priority,
		Target:   target,
		Text:     a.Text,
		Options:  &kit.SendOptions{ParseMode: "HTML", DisablePreview: true},
	}, a.Key)
}

// Notify enqueues an arbitrary notification; the dedup key is derived from
// its target, priority and text.
func (s *Service) Notify(ctx context.Context, n kit.Notification) error {
	return s.enqueue(ctx, n, "")
}

func (s *Service) enqueue(ctx context.Context, n kit.Notification, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	window, maxEntries := s.cfg.DedupWindow, s.cfg.DedupMaxEntries
	var st DedupStore
	if s.cfg.PersistDedup {
		st = s.store
	}
	pch := s.persistCh
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	if key == "" {
		key = notificationKey(n)
	} else {
		key = "alert:" + key
	}
	if window > 0 && key != "" {
		if !s.dedupAllow(ctx, key, window, maxEntries, st, pch) {
			s.metrics.NotifyOutcome(OutcomeDeduped)
			return nil
		}
	}

	select {
	case q <- job{n: n, dedupKey: key}:
		s.metrics.NotifyOutcome(OutcomeQueued)
		return nil
	default:
		s.metrics.NotifyOutcome(OutcomeDropped)
		return ErrQueueFull
	}
}

func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(key, text string) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: time.Now().UTC(), Key: key, Text: text})
	if len(s.history) > 300 {
		s.history = s.history[len(s.history)-300:]
	}
	s.hmu.Unlock()
}

func (s *Service) persistLoop(ctx context.Context, ch <-chan dedupWrite, st DedupStore) {
	for {
		select {
		case <-ctx.Done():
			return
		case w, ok := <-ch:
			if !ok {
				return
			}
			cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
			if err := st.PutDedup(cctx, w.key, w.until); err != nil {
				s.log.Debug("dedup persist failed", logx.Err(err))
			}
			cancel()
		}
	}
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.sendWithRetry(ctx, j)
		}
	}
}

func (s *Service) sendWithRetry(ctx context.Context, j job) {
	s.mu.Lock()
	cfg, lim, ad := s.cfg, s.limiter, s.adapter
	s.mu.Unlock()

	if ad == nil {
		return
	}
	text := prefixForPriority(j.n.Priority) + j.n.Text
	if text == "" {
		return
	}

	maxAttempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}

		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		_, err := ad.SendText(callCtx, j.n.Target, text, j.n.Options)
		cancel()
		if err == nil {
			s.appendHistory(j.dedupKey, text)
			s.metrics.NotifyOutcome(OutcomeSent)
			return
		}
		lastErr = err
		s.log.Debug("notify send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", maxAttempts))

		if attempt >= maxAttempts {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}

	s.metrics.NotifyOutcome(OutcomeFailed)
	s.log.Warn("notify gave up", logx.Err(lastErr), logx.String("key", j.dedupKey), logx.String("to", j.n.Target.String()))
}

func prefixForPriority(p int) string {
	switch {
	case p >= PriorityCritical:
		return "🚨 "
	case p >= PriorityWarn:
		return "⚠️ "
	case p >= PriorityInfo:
		return "ℹ️ "
	default:
		return ""
	}
}

func retryDelay(cfg Config, attempt int) time.Duration {
	// attempt starts at 1; the delay is for the next attempt.
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	// Jitter 0.7..1.3
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d < 0 {
		return 0
	}
	return min(d, cfg.RetryMaxDelay)
}
