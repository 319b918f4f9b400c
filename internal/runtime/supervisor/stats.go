package supervisor

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// GoroutineStats aggregates runs by name. Observability only.
type GoroutineStats struct {
	Name        string        `json:"name"`
	Active      int64         `json:"active"`
	Started     uint64        `json:"started"`
	Panics      uint64        `json:"panics"`
	Restarts    uint64        `json:"restarts"`
	LastStartAt time.Time     `json:"last_start_at"`
	LastStopAt  time.Time     `json:"last_stop_at"`
	LastErr     string        `json:"last_err,omitempty"`
	LastPanic   string        `json:"last_panic,omitempty"`
	LastRuntime time.Duration `json:"last_runtime"`
}

type Snapshot struct {
	Active     int64            `json:"active"`
	Started    uint64           `json:"started"`
	FirstError string           `json:"first_error,omitempty"`
	Goroutines []GoroutineStats `json:"goroutines"`
}

type statsTable struct {
	mu sync.Mutex
	m  map[string]*GoroutineStats
}

func (t *statsTable) get(name string) *GoroutineStats {
	if t.m == nil {
		t.m = map[string]*GoroutineStats{}
	}
	st := t.m[name]
	if st == nil {
		st = &GoroutineStats{Name: name}
		t.m[name] = st
	}
	return st
}

func (t *statsTable) start(name string, restart bool) time.Time {
	now := time.Now()
	t.mu.Lock()
	st := t.get(name)
	st.Started++
	st.Active++
	if restart {
		st.Restarts++
	}
	st.LastStartAt = now
	t.mu.Unlock()
	return now
}

func (t *statsTable) stop(name string, startedAt time.Time, err error) {
	now := time.Now()
	t.mu.Lock()
	st := t.get(name)
	if st.Active > 0 {
		st.Active--
	}
	st.LastStopAt = now
	st.LastRuntime = now.Sub(startedAt)
	if err != nil {
		st.LastErr = err.Error()
	}
	t.mu.Unlock()
}

func (t *statsTable) panic(name string, p any) {
	t.mu.Lock()
	st := t.get(name)
	st.Panics++
	st.LastPanic = fmt.Sprint(p)
	t.mu.Unlock()
}

// Snapshot lists goroutines, active first, then most recently started.
func (s *Supervisor) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	var snap Snapshot
	if err := s.Err(); err != nil {
		snap.FirstError = err.Error()
	}

	s.stats.mu.Lock()
	for _, st := range s.stats.m {
		snap.Active += st.Active
		snap.Started += st.Started
		snap.Goroutines = append(snap.Goroutines, *st)
	}
	s.stats.mu.Unlock()

	gs := snap.Goroutines
	sort.Slice(gs, func(i, j int) bool {
		if gs[i].Active != gs[j].Active {
			return gs[i].Active > gs[j].Active
		}
		if !gs[i].LastStartAt.Equal(gs[j].LastStartAt) {
			return gs[i].LastStartAt.After(gs[j].LastStartAt)
		}
		return gs[i].Name < gs[j].Name
	})
	return snap
}
