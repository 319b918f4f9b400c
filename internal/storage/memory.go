package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"bangremind/internal/reminder"
)

// memoryStore keeps everything in process. Timestamps are truncated to
// milliseconds so it orders and compares exactly like the SQL drivers.
type memoryStore struct {
	mu      sync.Mutex
	nextID  int64
	rows    map[int64]reminder.Record
	firings []Firing
	dedup   map[string]int64
	closed  bool
}

// NewMemory returns an empty in-process Store.
func NewMemory() Store {
	return &memoryStore{rows: map[int64]reminder.Record{}, dedup: map[string]int64{}}
}

func (m *memoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) Create(ctx context.Context, rec reminder.Record) (reminder.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return reminder.Record{}, ErrDisabled
	}
	m.nextID++
	rec.ID = m.nextID
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	rec.CreatedAt = truncMS(rec.CreatedAt)
	rec.UpdatedAt = rec.CreatedAt
	rec.NextDue = truncPtr(rec.NextDue)
	rec.Version = 0
	rec.ClaimedAt, rec.ClaimedBy = nil, ""
	rec.FlagReason, rec.FlaggedAt = "", nil
	rec.LastFiredAt, rec.FireCount = nil, 0
	if rec.Frequency != nil {
		v := *rec.Frequency
		rec.Frequency = &v
	}
	m.rows[rec.ID] = rec
	return cloneRecord(rec), nil
}

func (m *memoryStore) Get(ctx context.Context, id int64) (reminder.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return reminder.Record{}, ErrDisabled
	}
	rec, ok := m.rows[id]
	if !ok {
		return reminder.Record{}, ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (m *memoryStore) ListByOwner(ctx context.Context, ownerID int64, limit int) ([]reminder.Record, error) {
	return m.filter(limit, func(r reminder.Record) bool { return r.UserID == ownerID }, byNextDue)
}

func (m *memoryStore) SelectDueCandidates(ctx context.Context, now time.Time, limit int) ([]reminder.Record, error) {
	cut := truncMS(now)
	return m.filter(limit, func(r reminder.Record) bool {
		return !r.IsCompleted && r.NextDue != nil && !r.NextDue.After(cut) && r.ClaimedAt == nil && r.FlagReason == ""
	}, byNextDue)
}

func (m *memoryStore) ListStuck(ctx context.Context, claimedBefore time.Time, limit int) ([]reminder.Record, error) {
	cut := truncMS(claimedBefore)
	return m.filter(limit, func(r reminder.Record) bool {
		return r.ClaimedAt != nil && !r.ClaimedAt.After(cut) && r.FlagReason == ""
	}, func(a, b reminder.Record) bool {
		if !a.ClaimedAt.Equal(*b.ClaimedAt) {
			return a.ClaimedAt.Before(*b.ClaimedAt)
		}
		return a.ID < b.ID
	})
}

func (m *memoryStore) ListFlagged(ctx context.Context, limit int) ([]reminder.Record, error) {
	return m.filter(limit, func(r reminder.Record) bool { return r.FlagReason != "" }, func(a, b reminder.Record) bool {
		if !a.FlaggedAt.Equal(*b.FlaggedAt) {
			return a.FlaggedAt.Before(*b.FlaggedAt)
		}
		return a.ID < b.ID
	})
}

// byNextDue matches SQL ORDER BY next_due, id where NULLs sort first.
func byNextDue(a, b reminder.Record) bool {
	switch {
	case a.NextDue == nil && b.NextDue != nil:
		return true
	case a.NextDue != nil && b.NextDue == nil:
		return false
	case a.NextDue != nil && b.NextDue != nil && !a.NextDue.Equal(*b.NextDue):
		return a.NextDue.Before(*b.NextDue)
	}
	return a.ID < b.ID
}

func (m *memoryStore) filter(limit int, keep func(reminder.Record) bool, less func(a, b reminder.Record) bool) ([]reminder.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrDisabled
	}
	var out []reminder.Record
	for _, r := range m.rows {
		if keep(r) {
			out = append(out, cloneRecord(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	if n := clampLimit(limit); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (m *memoryStore) ConditionalUpdate(ctx context.Context, id, expectedVersion int64, p Patch) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrDisabled
	}
	rec, ok := m.rows[id]
	if !ok {
		return 0, ErrNotFound
	}
	if rec.Version != expectedVersion {
		return 0, ErrConflict
	}

	at := p.At
	if at.IsZero() {
		at = time.Now()
	}
	at = truncMS(at)
	rec.Version++
	rec.UpdatedAt = at
	if p.SetNextDue {
		rec.NextDue = truncPtr(p.NextDue)
	}
	if p.Completed != nil {
		rec.IsCompleted = *p.Completed
	}
	switch {
	case p.Claim != nil:
		t := truncMS(p.Claim.At)
		rec.ClaimedAt, rec.ClaimedBy = &t, p.Claim.By
	case p.ReleaseClaim:
		rec.ClaimedAt, rec.ClaimedBy = nil, ""
	}
	switch {
	case p.Flag != "":
		rec.FlagReason, rec.FlaggedAt = p.Flag, &at
	case p.ClearFlag:
		rec.FlagReason, rec.FlaggedAt = "", nil
	}
	if p.FiredAt != nil {
		rec.LastFiredAt = truncPtr(p.FiredAt)
	}
	if p.IncFireCount {
		rec.FireCount++
	}
	m.rows[id] = rec
	return rec.Version, nil
}

func (m *memoryStore) AppendFiring(ctx context.Context, f Firing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrDisabled
	}
	if f.FiredAt.IsZero() {
		f.FiredAt = time.Now()
	}
	f.Occurrence = truncMS(f.Occurrence)
	f.FiredAt = truncMS(f.FiredAt)
	m.firings = append(m.firings, f)
	return nil
}

func (m *memoryStore) ListFirings(ctx context.Context, reminderID int64, limit int) ([]Firing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrDisabled
	}
	var out []Firing
	for _, f := range m.firings {
		if f.ReminderID == reminderID {
			out = append(out, f)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Occurrence.Before(out[j].Occurrence) })
	if n := clampLimit(limit); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (m *memoryStore) CountFirings(ctx context.Context, reminderID int64) (int64, error) {
	fs, err := m.ListFirings(ctx, reminderID, 0)
	return int64(len(fs)), err
}

func (m *memoryStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrDisabled
	}
	m.dedup[key] = until.UnixMilli()
	return nil
}

func (m *memoryStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return time.Time{}, false, ErrDisabled
	}
	ms, ok := m.dedup[key]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func truncMS(t time.Time) time.Time { return time.UnixMilli(t.UnixMilli()).UTC() }

func truncPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := truncMS(*t)
	return &v
}

func cloneRecord(r reminder.Record) reminder.Record {
	if r.Frequency != nil {
		v := *r.Frequency
		r.Frequency = &v
	}
	r.NextDue = clonePtr(r.NextDue)
	r.ClaimedAt = clonePtr(r.ClaimedAt)
	r.FlaggedAt = clonePtr(r.FlaggedAt)
	r.LastFiredAt = clonePtr(r.LastFiredAt)
	return r
}

func clonePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
