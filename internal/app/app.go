package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"bangremind/internal/config"
	"bangremind/internal/dispatch"
	"bangremind/internal/notifier"
	"bangremind/internal/observability"
	"bangremind/internal/observability/ops"
	rtsup "bangremind/internal/runtime/supervisor"
	"bangremind/internal/storage"
	"bangremind/internal/sweep"
	kit "bangremind/internal/transport"
	telegram "bangremind/internal/transport/telegram/adapter"
	logx "bangremind/pkg/logx"
	"bangremind/pkg/systemd"
)

const minHealthAge = 2 * time.Minute

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service

	store   storage.Store
	adapter kit.Adapter
	metrics *observability.Metrics

	driver string
	guard  *dispatch.Guard
	chat   *dispatch.ChatDispatcher // nil for the log driver

	sweep *sweep.Scheduler
	notif *notifier.Service
	ops   *ops.Server

	instance  string
	startedAt time.Time
}

// New loads the config at cfgPath and builds every component. Nothing runs
// until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	return NewFromConfig(cfgm, cfg)
}

func NewFromConfig(cfgm *config.ConfigManager, cfg *config.Config) (*App, error) {
	if err := Validate(context.Background(), cfg); err != nil {
		return nil, err
	}
	logSvc, root := logx.New(mapLoggingConfig(cfg))
	log := root.With(logx.String("comp", "app"))

	fail := func(err error, closers ...func() error) (*App, error) {
		for _, c := range closers {
			_ = c()
		}
		_ = logSvc.Close()
		return nil, err
	}

	store, err := OpenStore(cfg, root)
	if err != nil {
		return fail(err)
	}

	tc, _ := mapTelegramConfig(cfg)
	var adapter kit.Adapter
	if tc.Token != "" {
		ad, err := telegram.New(tc, root)
		if err != nil {
			return fail(err, store.Close)
		}
		adapter = ad
	} else {
		adapter = kit.NewLogAdapter(root)
	}

	metrics, err := observability.NewMetrics("", nil)
	if err != nil {
		return fail(err, store.Close)
	}

	nc, _ := mapNotifierConfig(cfg)
	notif := notifier.New(nc, adapter, root,
		notifier.WithStore(store),
		notifier.WithMetrics(metrics),
	)

	ds, _ := mapDispatchConfig(cfg)
	a := &App{
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		store:    store,
		adapter:  adapter,
		metrics:  metrics,
		driver:   ds.Driver,
		notif:    notif,
		instance: instanceID(cfg),
	}
	var base dispatch.Dispatcher
	if ds.Driver == DriverTelegram {
		a.chat = dispatch.NewChatDispatcher(adapter, ds.Routes)
		base = a.chat
	} else {
		base = dispatch.NewLogDispatcher(root)
	}
	a.guard = dispatch.NewGuard(base, ds.Guard, root)

	swc, _ := mapSweepConfig(cfg)
	a.sweep, err = sweep.New(swc, sweep.Deps{
		Store:      store,
		Dispatcher: a.guard,
		Alerter:    notif,
		Metrics:    metrics,
		Instance:   a.instance,
	}, root)
	if err != nil {
		return fail(err, store.Close)
	}

	oc, _ := mapOpsConfig(cfg)
	a.ops = ops.New(oc, root,
		ops.WithRegistry(metrics.Registry()),
		ops.WithHealth(a.health),
		ops.WithStatus(a.status),
	)
	return a, nil
}

// OpenStore opens the configured store. Schema migrations run on open.
func OpenStore(cfg *config.Config, log logx.Logger) (storage.Store, error) {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	st, err := storage.Open(sc, log)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	return st, nil
}

func instanceID(cfg *config.Config) string {
	if s := strings.TrimSpace(cfg.Sweep.ClaimOwner); s != "" {
		return s
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "reminderd"
	}
	return host + "-" + uuid.NewString()[:8]
}

func (a *App) Logger() logx.Logger { return a.log }

func (a *App) Store() storage.Store { return a.store }

func (a *App) Sweep() *sweep.Scheduler { return a.sweep }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.startedAt = time.Now()
	runCtx := a.sup.Context()

	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
		a.cfgm.SetValidator(Validate)
	}

	if err := a.adapter.Start(runCtx); err != nil {
		return err
	}
	if a.notif.Enabled() {
		a.notif.Start(runCtx)
	}
	if err := a.sweep.Start(runCtx); err != nil {
		return err
	}
	if a.ops.Enabled() {
		a.ops.Start(runCtx)
	}

	if a.cfgm != nil {
		sub := a.cfgm.Subscribe(8)
		a.sup.Go0("config.reload", func(c context.Context) {
			defer a.cfgm.Unsubscribe(sub)
			a.reloadLoop(c, sub)
		})
		a.sup.Go("config.watch", func(c context.Context) error {
			return a.cfgm.Watch(c)
		})
	}

	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		systemd.Watchdog(c, a.log, a.healthy)
	})
	systemd.Ready(a.log)
	systemd.Status(a.log, "sweeping "+a.sweep.Snapshot().Schedule)

	a.log.Info("app started",
		logx.String("instance", a.instance),
		logx.String("dispatch_driver", a.driver),
		logx.Bool("notifier", a.notif.Enabled()),
		logx.Bool("ops", a.ops.Enabled()),
	)
	return nil
}

// reloadLoop applies published configs. Bursts are coalesced to the latest.
func (a *App) reloadLoop(c context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					goto APPLY
				}
			}
		APPLY:
			a.applyConfig(c, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(c context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	systemd.Reloading(a.log)
	defer systemd.Ready(a.log)

	changed := strings.Join(sections, ",")
	a.log.Debug("config change summary", append([]logx.Field{logx.String("changed", changed)}, attrs...)...)

	for _, s := range sections {
		if s == "storage" {
			a.log.Warn("storage config changed; restart required for changes to take effect")
		}
	}
	if prev != nil && strings.TrimSpace(prev.Telegram.Token) != strings.TrimSpace(next.Telegram.Token) {
		a.log.Warn("telegram token changed; restart required for changes to take effect")
	}

	a.logs.Apply(mapLoggingConfig(next))

	if swc, err := mapSweepConfig(next); err != nil {
		a.log.Warn("invalid sweep config; keeping previous", logx.Err(err))
	} else if err := a.sweep.Apply(swc); err != nil {
		a.log.Warn("apply sweep config failed", logx.Err(err))
	}

	if ds, err := mapDispatchConfig(next); err != nil {
		a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
	} else {
		a.guard.Apply(ds.Guard)
		if a.chat != nil {
			a.chat.SetRoutes(ds.Routes)
		}
		if ds.Driver != a.driver {
			a.log.Warn("dispatch.driver changed; restart required for changes to take effect",
				logx.String("running", a.driver), logx.String("configured", ds.Driver))
		}
	}

	prevNotif := a.notif.Enabled()
	if nc, err := mapNotifierConfig(next); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(nc)
		switch {
		case prevNotif && !nc.Enabled:
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		case !prevNotif && nc.Enabled:
			a.log.Info("notifier enabled via config")
			a.notif.Start(c)
		}
	}

	if oc, err := mapOpsConfig(next); err != nil {
		a.log.Warn("invalid ops config; keeping previous", logx.Err(err))
	} else {
		a.ops.Reconfigure(c, oc)
	}

	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", changed)}, attrs...)...)
}

// SweepOnce runs a single sweep cycle outside the cron trigger, with the
// adapter and notifier running for its duration.
func (a *App) SweepOnce(ctx context.Context) (sweep.Report, error) {
	if err := a.adapter.Start(ctx); err != nil {
		return sweep.Report{}, err
	}
	if a.notif.Enabled() {
		a.notif.Start(ctx)
	}
	rep, err := a.sweep.RunOnce(ctx)

	// Let queued alerts drain.
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	a.notif.Stop(stopCtx)
	if serr := a.adapter.Stop(stopCtx); serr != nil {
		a.log.Warn("adapter stop failed", logx.Err(serr))
	}
	return rep, err
}

// Close releases storage and log sinks. Use it after SweepOnce; Stop
// already closes them.
func (a *App) Close() error {
	err := a.store.Close()
	_ = a.logs.Close()
	return err
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	systemd.Stopping(a.log)

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		if dl, ok := ctx.Deadline(); ok {
			// never extend the caller's deadline
			max = min(max, time.Until(dl))
		}
		if max > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// The sweep goes first: in-flight reminders still commit.
	step("sweep", 15*time.Second, a.sweep.Stop)
	step("ops", 1*time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("adapter", 2*time.Second, a.adapter.Stop)
	step("storage", 1*time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped", logx.String("instance", a.instance))
	_ = a.logs.Close()
	return nil
}

// health fails when a supervised loop died or no sweep succeeded recently.
func (a *App) health(context.Context) error {
	if a.sup != nil {
		if err := a.sup.Err(); err != nil {
			return err
		}
	}
	snap := a.sweep.Snapshot()
	if !snap.Enabled {
		return nil
	}
	if !a.sweep.Healthy(sweepMaxAge(snap, a.startedAt), a.startedAt) {
		if snap.LastOKAt.IsZero() {
			return errors.New("no successful sweep since start")
		}
		return fmt.Errorf("no successful sweep since %s", snap.LastOKAt.UTC().Format(time.RFC3339))
	}
	return nil
}

func (a *App) healthy() bool { return a.health(context.Background()) == nil }

// sweepMaxAge allows three trigger periods without a successful sweep.
func sweepMaxAge(snap sweep.Snapshot, startedAt time.Time) time.Duration {
	var period time.Duration
	switch {
	case !snap.Prev.IsZero() && !snap.Next.IsZero():
		period = snap.Next.Sub(snap.Prev)
	case !snap.Next.IsZero():
		period = snap.Next.Sub(startedAt)
	}
	return max(3*period, minHealthAge)
}

// Status is the /status document.
type Status struct {
	Instance    string                    `json:"instance"`
	StartedAt   time.Time                 `json:"started_at"`
	Uptime      string                    `json:"uptime"`
	Driver      string                    `json:"dispatch_driver"`
	Health      string                    `json:"health"`
	Sweep       sweep.Snapshot            `json:"sweep"`
	Flagged     int                       `json:"flagged"`
	Alerts      []notifier.HistoryItem    `json:"recent_alerts,omitempty"`
	Supervisors map[string]rtsup.Snapshot `json:"supervisors"`
}

func (a *App) status(ctx context.Context) any {
	st := Status{
		Instance:  a.instance,
		StartedAt: a.startedAt,
		Uptime:    time.Since(a.startedAt).Truncate(time.Second).String(),
		Driver:    a.driver,
		Health:    "ok",
		Sweep:     a.sweep.Snapshot(),
		Alerts:    a.notif.Snapshot(),
		Supervisors: map[string]rtsup.Snapshot{
			"app":      a.sup.Snapshot(),
			"notifier": a.notif.Supervisor().Snapshot(),
			"ops":      a.ops.Supervisor().Snapshot(),
		},
	}
	if err := a.health(ctx); err != nil {
		st.Health = err.Error()
	}
	if flagged, err := a.store.ListFlagged(ctx, 500); err == nil {
		st.Flagged = len(flagged)
	} else {
		a.log.Debug("list flagged failed", logx.Err(err))
	}
	return st
}
