// Package systemd wraps the sd_notify protocol. Every call is a no-op when
// the process is not run by systemd (NOTIFY_SOCKET unset).
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "bangremind/pkg/logx"
)

// notify is swapped in tests.
var notify = daemon.SdNotify

var watchdogInterval = daemon.SdWatchdogEnabled

func Ready(log logx.Logger) { send(log, daemon.SdNotifyReady) }

func Stopping(log logx.Logger) { send(log, daemon.SdNotifyStopping) }

func Reloading(log logx.Logger) { send(log, daemon.SdNotifyReloading) }

// Status sets the free-form STATUS= line shown by systemctl status.
func Status(log logx.Logger, s string) { send(log, "STATUS="+s) }

func send(log logx.Logger, state string) {
	sent, err := notify(false, state)
	if err != nil {
		log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		log.Trace("sd_notify", logx.String("state", state))
	}
}

// Watchdog pings WATCHDOG=1 at half the unit's WatchdogSec while healthy
// returns true. It returns immediately when the watchdog is not enabled.
func Watchdog(ctx context.Context, log logx.Logger, healthy func() bool) {
	every, err := watchdogInterval(false)
	if err != nil {
		log.Warn("watchdog config invalid", logx.Err(err))
		return
	}
	if every <= 0 {
		return
	}
	every /= 2
	log.Info("systemd watchdog enabled", logx.Duration("ping_every", every))

	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if healthy != nil && !healthy() {
				log.Warn("skipping watchdog ping; service unhealthy")
				continue
			}
			send(log, daemon.SdNotifyWatchdog)
		}
	}
}
