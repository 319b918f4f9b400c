package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	logx "bangremind/pkg/logx"
)

type RestartOption func(*restartCfg)

type restartCfg struct {
	minBackoff      time.Duration
	maxBackoff      time.Duration
	maxRestarts     int // <=0 means unlimited
	publishFirstErr bool
}

// WithRestartBackoff sets the exponential backoff window between restarts.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(c *restartCfg) {
		if min > 0 {
			c.minBackoff = min
		}
		if max > 0 {
			c.maxBackoff = max
		}
	}
}

// WithMaxRestarts gives up after n restarts. The first run is not counted.
func WithMaxRestarts(n int) RestartOption { return func(c *restartCfg) { c.maxRestarts = n } }

// WithPublishFirstError records the first failure as the supervisor error
// while still restarting, so health output shows it.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(c *restartCfg) { c.publishFirstErr = enabled }
}

// stableRun is how long a run must last before backoff resets.
const stableRun = 30 * time.Second

// GoRestart runs fn and restarts it after an error or panic with jittered
// exponential backoff. A nil return, context.Canceled, or a cancelled
// context ends the loop.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	cfg := restartCfg{minBackoff: 250 * time.Millisecond, maxBackoff: 30 * time.Second}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.maxBackoff < cfg.minBackoff {
		cfg.maxBackoff = cfg.minBackoff
	}

	s.Go0(name+".restart", func(ctx context.Context) {
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		backoff := cfg.minBackoff
		for restarts := 0; ctx.Err() == nil; restarts++ {
			startedAt := s.stats.start(name, restarts > 0)
			err, pan, stack := runGuarded(ctx, fn)
			if pan != nil {
				s.stats.panic(name, pan)
				s.log.Error("goroutine panicked (restart)", logx.String("name", name), logx.Any("panic", pan), logx.Stack(stack))
				err = fmt.Errorf("panic: %v", pan)
			}
			if ctx.Err() != nil || err == nil || errors.Is(err, context.Canceled) {
				s.stats.stop(name, startedAt, nil)
				return
			}

			err = fmt.Errorf("%s: %w", name, err)
			s.stats.stop(name, startedAt, err)
			if cfg.publishFirstErr {
				s.firstErr.CompareAndSwap(nil, &err)
			}
			if cfg.maxRestarts > 0 && restarts >= cfg.maxRestarts {
				s.log.Error("goroutine gave up after restarts", logx.String("name", name), logx.Int("restarts", restarts), logx.Err(err))
				return
			}

			if time.Since(startedAt) >= stableRun {
				backoff = cfg.minBackoff
			}
			wait := backoff + time.Duration(rng.Int63n(int64(backoff/5)+1))
			if wait > cfg.maxBackoff {
				wait = cfg.maxBackoff
			}
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))

			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			if backoff *= 2; backoff > cfg.maxBackoff {
				backoff = cfg.maxBackoff
			}
		}
	})
}
