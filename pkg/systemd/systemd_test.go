package systemd

import (
	"context"
	"sync"
	"testing"
	"time"

	logx "bangremind/pkg/logx"
)

type recorder struct {
	mu     sync.Mutex
	states []string
}

func (r *recorder) notify(_ bool, state string) (bool, error) {
	r.mu.Lock()
	r.states = append(r.states, state)
	r.mu.Unlock()
	return true, nil
}

func (r *recorder) count(state string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.states {
		if s == state {
			n++
		}
	}
	return n
}

// Not parallel: swaps package-level hooks.
func TestWatchdogPingsOnlyWhenHealthy(t *testing.T) {
	rec := &recorder{}
	oldNotify, oldInterval := notify, watchdogInterval
	notify = rec.notify
	watchdogInterval = func(bool) (time.Duration, error) { return 20 * time.Millisecond, nil }
	t.Cleanup(func() { notify, watchdogInterval = oldNotify, oldInterval })

	var mu sync.Mutex
	healthy := false
	isHealthy := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return healthy
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		Watchdog(ctx, logx.Nop(), isHealthy)
	}()

	time.Sleep(60 * time.Millisecond)
	if n := rec.count("WATCHDOG=1"); n != 0 {
		t.Fatalf("pinged %d times while unhealthy", n)
	}
	mu.Lock()
	healthy = true
	mu.Unlock()

	deadline := time.Now().Add(2 * time.Second)
	for rec.count("WATCHDOG=1") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no watchdog ping")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	Ready(logx.Nop())
	Stopping(logx.Nop())
	if rec.count("READY=1") != 1 || rec.count("STOPPING=1") != 1 {
		t.Fatalf("states = %v", rec.states)
	}
}

func TestWatchdogDisabledReturns(t *testing.T) {
	oldInterval := watchdogInterval
	watchdogInterval = func(bool) (time.Duration, error) { return 0, nil }
	t.Cleanup(func() { watchdogInterval = oldInterval })

	done := make(chan struct{})
	go func() {
		Watchdog(context.Background(), logx.Nop(), nil)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Watchdog should return when disabled")
	}
}
