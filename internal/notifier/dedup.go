package notifier

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	kit "bangremind/internal/transport"
)

// dedupCache maps key -> suppress until.
type dedupCache struct {
	mu sync.Mutex
	m  map[string]time.Time
}

func newDedupCache() *dedupCache { return &dedupCache{m: map[string]time.Time{}} }

func (c *dedupCache) suppressed(key string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	until, ok := c.m[key]
	return ok && now.Before(until)
}

func (c *dedupCache) set(key string, until time.Time, now time.Time, maxEntries int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key] = until
	for k, u := range c.m {
		if !now.Before(u) {
			delete(c.m, k)
		}
	}
	// Evict earliest expiry until within cap.
	for maxEntries > 0 && len(c.m) > maxEntries {
		var (
			minKey string
			minT   time.Time
		)
		for k, t := range c.m {
			if minKey == "" || t.Before(minT) {
				minKey, minT = k, t
			}
		}
		delete(c.m, minKey)
	}
}

func (c *dedupCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.m)
}

func notificationKey(n kit.Notification) string {
	if n.Channel == "" {
		return ""
	}
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%d:%d:%d|", n.Channel, n.Target.ChatID, n.Target.ThreadID, n.Priority)
	_, _ = h.Write([]byte(n.Text))
	return fmt.Sprintf("%x", h.Sum64())
}

// dedupAllow reports whether key may be sent now and, if so, opens a new
// suppression window. st may be nil.
func (s *Service) dedupAllow(ctx context.Context, key string, window time.Duration, maxEntries int, st DedupStore, pch chan<- dedupWrite) bool {
	now := time.Now()
	if s.dedup.suppressed(key, now) {
		return false
	}

	// Cross-restart check, kept short so a slow store never blocks callers.
	if st != nil {
		cctx, cancel := context.WithTimeout(ctx, 25*time.Millisecond)
		until, ok, err := st.GetDedup(cctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			s.dedup.set(key, until, now, maxEntries)
			return false
		}
	}

	until := now.Add(window)
	s.dedup.set(key, until, now, maxEntries)

	if st != nil && pch != nil {
		select {
		case pch <- dedupWrite{key: key, until: until}:
		default:
		}
	}
	return true
}
