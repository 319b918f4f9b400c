package sweep

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"bangremind/internal/notifier"
	"bangremind/internal/storage"
	logx "bangremind/pkg/logx"
)

// Deps are the collaborators of a Scheduler. Store and Dispatcher are
// required.
type Deps struct {
	Store      storage.Store
	Dispatcher Dispatcher
	Alerter    Alerter
	Metrics    Recorder
	// Instance names this process in claims and firings.
	Instance string
	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
}

// Totals are counters since Start.
type Totals struct {
	Sweeps         uint64 `json:"sweeps"`
	Aborted        uint64 `json:"aborted"`
	Fired          uint64 `json:"fired"`
	DispatchFailed uint64 `json:"dispatch_failed"`
	Conflicts      uint64 `json:"conflicts"`
	Invalid        uint64 `json:"invalid"`
	Stuck          uint64 `json:"stuck"`
	Lost           uint64 `json:"lost"`
	StuckFlagged   uint64 `json:"stuck_flagged"`
}

type Snapshot struct {
	Enabled    bool          `json:"enabled"`
	Schedule   string        `json:"schedule"`
	BatchLimit int           `json:"batch_limit"`
	Workers    int           `json:"workers"`
	StuckAfter time.Duration `json:"stuck_after"`
	Running    bool          `json:"running"`
	Next       time.Time     `json:"next,omitempty"`
	Prev       time.Time     `json:"prev,omitempty"`
	Last       *Report       `json:"last,omitempty"`
	LastOKAt   time.Time     `json:"last_ok_at,omitempty"`
	Totals     Totals        `json:"totals"`
}

type Scheduler struct {
	mu sync.Mutex

	log      logx.Logger
	cfg      Config
	spec     ParsedSpec
	store    storage.Store
	metrics  Recorder
	alert    Alerter
	instance string
	now      func() time.Time

	claimer *Claimer
	proc    *Processor
	stuck   *StuckDetector

	c      *cron.Cron
	entry  cron.EntryID
	runCtx context.Context
	cancel context.CancelFunc

	sweepMu sync.Mutex // serializes RunOnce within this process

	smu      sync.Mutex
	last     *Report
	lastOKAt time.Time
	totals   Totals
}

func New(cfg Config, deps Deps, log logx.Logger) (*Scheduler, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("sweep: store required")
	}
	if deps.Dispatcher == nil {
		return nil, fmt.Errorf("sweep: dispatcher required")
	}
	cfg = cfg.withDefaults()
	spec, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("sweep.interval: %w", err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "sweep"))
	if deps.Metrics == nil {
		deps.Metrics = nopRecorder{}
	}
	if deps.Alerter == nil {
		deps.Alerter = nopAlerter{}
	}
	if deps.Instance == "" {
		deps.Instance = uuid.NewString()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	proc := NewProcessor(deps.Store, deps.Dispatcher, deps.Alerter, deps.Instance, cfg.DispatchTimeout, log)
	proc.now = now
	return &Scheduler{
		log:      log,
		cfg:      cfg,
		spec:     spec,
		store:    deps.Store,
		metrics:  deps.Metrics,
		alert:    deps.Alerter,
		instance: deps.Instance,
		now:      now,
		claimer:  NewClaimer(deps.Store, deps.Instance, deps.Alerter, log),
		proc:     proc,
		stuck:    NewStuckDetector(deps.Store, deps.Alerter, log),
	}, nil
}

// Apply swaps the config. A schedule change re-registers the cron entry.
func (s *Scheduler) Apply(cfg Config) error {
	cfg = cfg.withDefaults()
	spec, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return fmt.Errorf("sweep.interval: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.cfg
	s.cfg, s.spec = cfg, spec
	s.proc.setDispatchTimeout(cfg.DispatchTimeout)

	if s.c == nil {
		return nil
	}
	if !cfg.Enabled {
		s.removeEntryLocked()
		return nil
	}
	if old.Schedule != cfg.Schedule || !old.Enabled || s.entry == 0 {
		s.removeEntryLocked()
		if err := s.addEntryLocked(); err != nil {
			return err
		}
		s.log.Info("sweep schedule changed", logx.String("schedule", spec.String()))
	}
	return nil
}

func (s *Scheduler) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Start registers the sweep with cron. Ticks that arrive while the previous
// one still runs are skipped.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	s.runCtx, s.cancel = context.WithCancel(ctx)
	logger := cronLogger{log: s.log}
	s.c = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithParser(cronParser),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if s.cfg.Enabled {
		if err := s.addEntryLocked(); err != nil {
			s.cancel()
			s.c = nil
			return err
		}
	}
	s.c.Start()
	s.log.Info("sweep scheduler started",
		logx.Bool("enabled", s.cfg.Enabled),
		logx.String("schedule", s.spec.String()),
		logx.Int("batch_limit", s.cfg.BatchLimit),
		logx.Int("workers", s.cfg.Workers),
		logx.String("instance", s.instance),
	)

	if s.cfg.Enabled && s.cfg.RunOnStart {
		runCtx := s.runCtx
		go s.tick(runCtx)
	}
	return nil
}

// Stop halts triggering, cancels a running sweep and waits for it until
// ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	c, cancel := s.c, s.cancel
	s.c, s.cancel, s.entry = nil, nil, 0
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	cancel()
	select {
	case <-c.Stop().Done():
		s.log.Info("sweep scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) addEntryLocked() error {
	sched, err := s.spec.Schedule()
	if err != nil {
		return err
	}
	runCtx := s.runCtx
	s.entry = s.c.Schedule(sched, cron.FuncJob(func() { s.tick(runCtx) }))
	return nil
}

func (s *Scheduler) removeEntryLocked() {
	if s.entry != 0 {
		s.c.Remove(s.entry)
		s.entry = 0
	}
}

// tick runs one sweep and then the stuck scan.
func (s *Scheduler) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := s.RunOnce(ctx); err != nil {
		s.log.Warn("sweep aborted", logx.Err(err))
	}

	s.mu.Lock()
	stuckAfter, limit := s.cfg.StuckAfter, s.cfg.BatchLimit
	s.mu.Unlock()
	n, err := s.stuck.Scan(ctx, s.now(), stuckAfter, limit)
	if err != nil {
		s.log.Warn("stuck scan failed", logx.Err(err))
	}
	if n > 0 {
		s.metrics.StuckFlagged(n)
		s.smu.Lock()
		s.totals.StuckFlagged += uint64(n)
		s.smu.Unlock()
	}
}

// RunOnce runs a single sweep cycle: claim a batch, then process the
// claimed reminders with at most Workers in flight. A storage failure
// while claiming aborts the cycle and is returned; per-reminder failures
// are reported in the Report.
func (s *Scheduler) RunOnce(ctx context.Context) (Report, error) {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	s.mu.Lock()
	limit := claimBudget(s.cfg.BatchLimit, s.cfg.Workers, s.cfg.StuckAfter, s.cfg.DispatchTimeout)
	workers := s.cfg.Workers
	s.mu.Unlock()

	started := time.Now()
	rep := Report{SweepID: uuid.NewString(), StartedAt: s.now().UTC()}
	log := s.log.With(logx.String("sweep_id", rep.SweepID))

	claimed, st, err := s.claimer.claim(ctx, rep.StartedAt, limit, rep.SweepID)
	rep.Candidates, rep.Claimed, rep.Conflicts, rep.Invalid = st.Candidates, st.Claimed, st.Conflicts, st.Invalid
	if err != nil {
		rep.Took = time.Since(started)
		rep.Err = err.Error()
		s.finish(rep, false)
		if ctx.Err() == nil {
			_ = s.alert.Alert(ctx, notifier.Alert{
				Key:      "sweep:aborted",
				Priority: notifier.PriorityCritical,
				Text:     fmt.Sprintf("Sweep aborted: %v", err),
			})
		}
		return rep, err
	}

	outcomes := make([]Outcome, len(claimed))
	var g errgroup.Group
	g.SetLimit(workers)
	for i := range claimed {
		g.Go(func() error {
			outcomes[i] = s.proc.Process(ctx, claimed[i])
			s.metrics.ReminderProcessed(outcomes[i].Result, outcomes[i].Took)
			return nil
		})
	}
	_ = g.Wait()

	for _, o := range outcomes {
		rep.add(o)
	}
	rep.Took = time.Since(started)
	s.finish(rep, true)

	if rep.Candidates > 0 || rep.Invalid > 0 {
		log.Info("sweep finished",
			logx.Int("candidates", rep.Candidates),
			logx.Int("claimed", rep.Claimed),
			logx.Int("conflicts", rep.Conflicts),
			logx.Int("fired", rep.Fired),
			logx.Int("dispatch_failed", rep.DispatchFailed),
			logx.Int("stuck", rep.Stuck),
			logx.Int("lost", rep.Lost),
			logx.Int("invalid", rep.Invalid),
			logx.Duration("took", rep.Took),
		)
	} else {
		log.Debug("sweep finished; nothing due", logx.Duration("took", rep.Took))
	}
	return rep, nil
}

// claimBudget caps a batch so every worker reaches its last queued claim
// before stuck_after, counting a full dispatch timeout and commit per row.
func claimBudget(limit, workers int, stuckAfter, dispatchTimeout time.Duration) int {
	per := dispatchTimeout + commitTimeout
	if stuckAfter <= 0 || workers <= 0 {
		return limit
	}
	rounds := max(int(stuckAfter/per), 1)
	return min(limit, rounds*workers)
}

func (s *Scheduler) finish(rep Report, ok bool) {
	s.metrics.SweepFinished(rep)
	s.smu.Lock()
	defer s.smu.Unlock()
	r := rep
	s.last = &r
	s.totals.Sweeps++
	if !ok {
		s.totals.Aborted++
		return
	}
	s.lastOKAt = time.Now()
	s.totals.Fired += uint64(rep.Fired)
	s.totals.DispatchFailed += uint64(rep.DispatchFailed)
	s.totals.Conflicts += uint64(rep.Conflicts)
	s.totals.Invalid += uint64(rep.Invalid)
	s.totals.Stuck += uint64(rep.Stuck)
	s.totals.Lost += uint64(rep.Lost)
}

func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Enabled:    s.cfg.Enabled,
		Schedule:   s.spec.String(),
		BatchLimit: s.cfg.BatchLimit,
		Workers:    s.cfg.Workers,
		StuckAfter: s.cfg.StuckAfter,
		Running:    s.c != nil,
	}
	if s.c != nil && s.entry != 0 {
		e := s.c.Entry(s.entry)
		snap.Next, snap.Prev = e.Next, e.Prev
	}
	s.mu.Unlock()

	s.smu.Lock()
	if s.last != nil {
		r := *s.last
		snap.Last = &r
	}
	snap.LastOKAt = s.lastOKAt
	snap.Totals = s.totals
	s.smu.Unlock()
	return snap
}

// Healthy reports whether a sweep succeeded within maxAge. A scheduler that
// has not run yet counts as healthy for maxAge after Start.
func (s *Scheduler) Healthy(maxAge time.Duration, startedAt time.Time) bool {
	s.smu.Lock()
	last := s.lastOKAt
	s.smu.Unlock()
	if last.IsZero() {
		last = startedAt
	}
	return time.Since(last) <= maxAge
}
