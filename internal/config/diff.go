package config

import (
	"reflect"
	"sort"
	"strings"

	logx "bangremind/pkg/logx"
)

// DefaultNotifier is the effective notifier section when it is omitted.
func DefaultNotifier() NotifierConfig {
	return NotifierConfig{
		Enabled:         true,
		Workers:         2,
		QueueSize:       512,
		RatePerSec:      3,
		RetryMax:        3,
		RetryBase:       "500ms",
		RetryMaxDelay:   "10s",
		DedupWindow:     "1m",
		DedupMaxEntries: 2000,
	}
}

// SummarizeConfigChange returns the sorted list of changed sections and
// log-safe fields describing the new values. Secrets (tokens, DSNs) are
// only reported as set/unset.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	oS, nS := oldCfg.Storage, newCfg.Storage
	if trim(oS.Driver) != trim(nS.Driver) || trim(oS.Path) != trim(nS.Path) ||
		trim(oS.DSN) != trim(nS.DSN) || trim(oS.BusyTimeout) != trim(nS.BusyTimeout) ||
		oS.MaxOpenConns != nS.MaxOpenConns {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", trim(nS.Driver)),
			logx.Bool("storage.path_set", trim(nS.Path) != ""),
			logx.Bool("storage.dsn_set", trim(nS.DSN) != ""),
		)
	}

	if oldCfg.SweepEnabled() != newCfg.SweepEnabled() ||
		trim(oldCfg.Sweep.Interval) != trim(newCfg.Sweep.Interval) ||
		oldCfg.Sweep.BatchLimit != newCfg.Sweep.BatchLimit ||
		oldCfg.Sweep.Workers != newCfg.Sweep.Workers ||
		trim(oldCfg.Sweep.StuckAfter) != trim(newCfg.Sweep.StuckAfter) ||
		oldCfg.Sweep.RunOnStart != newCfg.Sweep.RunOnStart ||
		trim(oldCfg.Sweep.ClaimOwner) != trim(newCfg.Sweep.ClaimOwner) {
		changed = append(changed, "sweep")
		attrs = append(attrs,
			logx.Bool("sweep.enabled", newCfg.SweepEnabled()),
			logx.String("sweep.interval", trim(newCfg.Sweep.Interval)),
			logx.Int("sweep.batch_limit", newCfg.Sweep.BatchLimit),
			logx.Int("sweep.workers", newCfg.Sweep.Workers),
			logx.String("sweep.stuck_after", trim(newCfg.Sweep.StuckAfter)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.String("dispatch.driver", trim(newCfg.Dispatch.Driver)),
			logx.String("dispatch.timeout", trim(newCfg.Dispatch.Timeout)),
			logx.Int("dispatch.chat_count", len(newCfg.Dispatch.Chats)),
			logx.Bool("dispatch.default_chat_set", trim(newCfg.Dispatch.DefaultChat) != ""),
		)
	}

	if trim(oldCfg.Telegram.Token) != trim(newCfg.Telegram.Token) ||
		trim(oldCfg.Telegram.AlertChat) != trim(newCfg.Telegram.AlertChat) ||
		trim(oldCfg.Telegram.SendTimeout) != trim(newCfg.Telegram.SendTimeout) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_set", trim(newCfg.Telegram.Token) != ""),
			logx.Bool("telegram.alert_chat_set", trim(newCfg.Telegram.AlertChat) != ""),
		)
	}

	def := DefaultNotifier()
	oN, nN := &def, &def
	if oldCfg.Notifier != nil {
		oN = oldCfg.Notifier
	}
	if newCfg.Notifier != nil {
		nN = newCfg.Notifier
	}
	if !reflect.DeepEqual(*oN, *nN) {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", nN.Enabled),
			logx.Int("notifier.workers", nN.Workers),
			logx.Int("notifier.rate_per_sec", nN.RatePerSec),
			logx.Bool("notifier.persist_dedup", nN.PersistDedup),
		)
	}

	oO, nO := oldCfg.Ops, newCfg.Ops
	oO.Token, nO.Token = boolStr(trim(oO.Token) != ""), boolStr(trim(nO.Token) != "")
	if !reflect.DeepEqual(oO, nO) {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", trim(newCfg.Ops.Addr)),
			logx.Bool("ops.pprof", newCfg.Ops.Pprof),
			logx.Bool("ops.token_set", trim(newCfg.Ops.Token) != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func trim(s string) string { return strings.TrimSpace(s) }

func boolStr(b bool) string {
	if b {
		return "set"
	}
	return ""
}
