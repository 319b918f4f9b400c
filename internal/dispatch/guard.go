package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"bangremind/internal/reminder"
	logx "bangremind/pkg/logx"
)

type GuardConfig struct {
	Timeout    time.Duration
	RatePerSec float64 // <=0 disables rate limiting
	Burst      int
}

// Guard wraps a Dispatcher with a per-call timeout, a token bucket and
// panic capture. Every failure comes back as an error.
type Guard struct {
	next Dispatcher
	log  logx.Logger

	mu      sync.RWMutex
	timeout time.Duration
	limiter *rate.Limiter
}

func NewGuard(next Dispatcher, cfg GuardConfig, log logx.Logger) *Guard {
	g := &Guard{next: next, log: log.With(logx.String("comp", "dispatch.guard"))}
	g.Apply(cfg)
	return g
}

func (g *Guard) Apply(cfg GuardConfig) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	var lim *rate.Limiter
	if cfg.RatePerSec > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = max(1, int(cfg.RatePerSec))
		}
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	g.mu.Lock()
	g.timeout, g.limiter = timeout, lim
	g.mu.Unlock()
}

func (g *Guard) Deliver(ctx context.Context, p reminder.Payload) (err error) {
	g.mu.RLock()
	timeout, lim := g.timeout, g.limiter
	g.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return fmt.Errorf("dispatch rate limit: %w", err)
		}
	}

	defer func() {
		if r := recover(); r != nil {
			g.log.Error("dispatcher panicked", logx.Int64("reminder_id", p.ReminderID), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("%w: panic: %v", ErrRejected, r)
		}
	}()
	return g.next.Deliver(ctx, p)
}
