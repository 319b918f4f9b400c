package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"bangremind/internal/config"
	"bangremind/internal/dispatch"
	"bangremind/internal/notifier"
	"bangremind/internal/observability/ops"
	"bangremind/internal/storage"
	"bangremind/internal/sweep"
	kit "bangremind/internal/transport"
	telegram "bangremind/internal/transport/telegram/adapter"
	logx "bangremind/pkg/logx"
)

const (
	DriverLog      = "log"
	DriverTelegram = "telegram"

	defaultSQLitePath = "./data/bangremind.db"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		path := strings.TrimSpace(sc.Path)
		if path == "" {
			path = defaultSQLitePath
		}
		busy, err := config.ParseDurationField("storage.busy_timeout", sc.BusyTimeout)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "postgres", "postgresql", "pg":
		if strings.TrimSpace(sc.DSN) == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=postgres (or set %s)", config.EnvStorageDSN)
		}
		if sc.MaxOpenConns < 0 {
			return storage.Config{}, fmt.Errorf("storage.max_open_conns must be >= 0")
		}
		return storage.Config{Driver: "postgres", DSN: strings.TrimSpace(sc.DSN), MaxOpenConns: sc.MaxOpenConns}, nil
	case "memory", "mem":
		return storage.Config{Driver: "memory"}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapSweepConfig(cfg *config.Config) (sweep.Config, error) {
	s := cfg.Sweep
	if s.BatchLimit < 0 {
		return sweep.Config{}, fmt.Errorf("sweep.batch_limit must be >= 0")
	}
	if s.Workers < 0 {
		return sweep.Config{}, fmt.Errorf("sweep.workers must be >= 0")
	}
	interval := strings.TrimSpace(s.Interval)
	if interval != "" {
		if _, err := sweep.ParseSchedule(interval); err != nil {
			return sweep.Config{}, fmt.Errorf("sweep.interval: %w", err)
		}
	}
	stuckAfter, err := config.ParseDurationField("sweep.stuck_after", s.StuckAfter)
	if err != nil {
		return sweep.Config{}, err
	}
	dispatchTimeout, err := config.ParseDurationField("dispatch.timeout", cfg.Dispatch.Timeout)
	if err != nil {
		return sweep.Config{}, err
	}
	if stuckAfter > 0 && dispatchTimeout > 0 && stuckAfter <= dispatchTimeout {
		return sweep.Config{}, fmt.Errorf("sweep.stuck_after (%s) must exceed dispatch.timeout (%s)", stuckAfter, dispatchTimeout)
	}
	return sweep.Config{
		Enabled:         cfg.SweepEnabled(),
		Schedule:        interval,
		BatchLimit:      s.BatchLimit,
		Workers:         s.Workers,
		StuckAfter:      stuckAfter,
		RunOnStart:      s.RunOnStart,
		DispatchTimeout: dispatchTimeout,
	}, nil
}

// dispatchSettings is the mapped dispatch section.
type dispatchSettings struct {
	Driver string
	Guard  dispatch.GuardConfig
	Routes dispatch.Routes
}

func mapDispatchConfig(cfg *config.Config) (dispatchSettings, error) {
	d := cfg.Dispatch
	driver := strings.ToLower(strings.TrimSpace(d.Driver))
	switch driver {
	case "":
		driver = DriverLog
	case DriverLog:
	case DriverTelegram:
		if strings.TrimSpace(cfg.Telegram.Token) == "" {
			return dispatchSettings{}, fmt.Errorf("dispatch.driver=telegram requires telegram.token (or %s)", config.EnvTelegramToken)
		}
	default:
		return dispatchSettings{}, fmt.Errorf("unknown dispatch.driver: %s", d.Driver)
	}
	if d.RatePerSec < 0 {
		return dispatchSettings{}, fmt.Errorf("dispatch.rate_per_sec must be >= 0")
	}
	if d.Burst < 0 {
		return dispatchSettings{}, fmt.Errorf("dispatch.burst must be >= 0")
	}
	timeout, err := config.ParseDurationField("dispatch.timeout", d.Timeout)
	if err != nil {
		return dispatchSettings{}, err
	}
	routes, err := dispatch.ParseRoutes(d.Chats, d.DefaultChat)
	if err != nil {
		return dispatchSettings{}, err
	}
	if routes, err = routes.WithZones(d.Timezones, d.DefaultTimezone); err != nil {
		return dispatchSettings{}, err
	}
	return dispatchSettings{
		Driver: driver,
		Guard:  dispatch.GuardConfig{Timeout: timeout, RatePerSec: d.RatePerSec, Burst: d.Burst},
		Routes: routes,
	}, nil
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	timeout, err := config.ParseDurationOrDefault("telegram.send_timeout", cfg.Telegram.SendTimeout, 15*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{Token: strings.TrimSpace(cfg.Telegram.Token), SendTimeout: timeout}, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	nc := config.DefaultNotifier()
	if cfg.Notifier != nil {
		nc = *cfg.Notifier
	}
	if nc.Workers < 0 || nc.QueueSize < 0 || nc.RatePerSec < 0 || nc.RetryMax < 0 || nc.DedupMaxEntries < 0 {
		return notifier.Config{}, fmt.Errorf("notifier: numeric fields must be >= 0")
	}
	retryBase, err := config.ParseDurationField("notifier.retry_base", nc.RetryBase)
	if err != nil {
		return notifier.Config{}, err
	}
	retryMaxDelay, err := config.ParseDurationField("notifier.retry_max_delay", nc.RetryMaxDelay)
	if err != nil {
		return notifier.Config{}, err
	}
	dedupWindow, err := config.ParseDurationField("notifier.dedup_window", nc.DedupWindow)
	if err != nil {
		return notifier.Config{}, err
	}

	var target kit.ChatTarget
	if s := strings.TrimSpace(cfg.Telegram.AlertChat); s != "" {
		target, err = kit.ParseChatTarget(s)
		if err != nil {
			return notifier.Config{}, fmt.Errorf("telegram.alert_chat: %w", err)
		}
	}
	channel := DriverTelegram
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		channel = DriverLog
	}

	return notifier.Config{
		Enabled:         nc.Enabled,
		Workers:         nc.Workers,
		QueueSize:       nc.QueueSize,
		RatePerSec:      nc.RatePerSec,
		RetryMax:        nc.RetryMax,
		RetryBase:       retryBase,
		RetryMaxDelay:   retryMaxDelay,
		DedupWindow:     dedupWindow,
		DedupMaxEntries: nc.DedupMaxEntries,
		PersistDedup:    nc.PersistDedup,
		Target:          target,
		Channel:         channel,
	}, nil
}

func mapOpsConfig(cfg *config.Config) (ops.Config, error) {
	o := cfg.Ops
	read, err := config.ParseDurationOrDefault("ops.read_timeout", o.ReadTimeout, 10*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	// pprof profile and trace stream for up to 30s by default.
	write, err := config.ParseDurationOrDefault("ops.write_timeout", o.WriteTimeout, 60*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("ops.idle_timeout", o.IdleTimeout, 60*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	if o.MutexProfileFraction < 0 || o.BlockProfileRate < 0 {
		return ops.Config{}, fmt.Errorf("ops profile rates must be >= 0")
	}
	return ops.Config{
		Enabled:              o.Enabled,
		Addr:                 strings.TrimSpace(o.Addr),
		Token:                strings.TrimSpace(o.Token),
		AllowInsecure:        o.AllowInsecure,
		Pprof:                o.Pprof,
		ReadTimeout:          read,
		WriteTimeout:         write,
		IdleTimeout:          idle,
		MutexProfileFraction: o.MutexProfileFraction,
		BlockProfileRate:     o.BlockProfileRate,
	}, nil
}

// Validate rejects a config that any component would refuse. It runs on
// load and before a hot reload is committed.
func Validate(_ context.Context, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSweepConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDispatchConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTelegramConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, err := mapOpsConfig(cfg); err != nil {
		return err
	}
	return nil
}
