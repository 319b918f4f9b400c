package sweep

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"bangremind/internal/notifier"
	"bangremind/internal/reminder"
	"bangremind/internal/storage"
	logx "bangremind/pkg/logx"
)

type recordingDispatcher struct {
	mu       sync.Mutex
	payloads []reminder.Payload
	err      error
	hook     func(p reminder.Payload)
}

func (d *recordingDispatcher) Deliver(ctx context.Context, p reminder.Payload) error {
	if d.hook != nil {
		d.hook(p)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.payloads = append(d.payloads, p)
	return d.err
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.payloads)
}

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []notifier.Alert
}

func (a *recordingAlerter) Alert(ctx context.Context, al notifier.Alert) error {
	a.mu.Lock()
	a.alerts = append(a.alerts, al)
	a.mu.Unlock()
	return nil
}

func (a *recordingAlerter) keys() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.alerts))
	for _, al := range a.alerts {
		out = append(out, al.Key)
	}
	return out
}

// clock is a settable time source.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func utc(y int, m time.Month, d, h, min int) time.Time {
	return time.Date(y, m, d, h, min, 0, 0, time.UTC)
}

func createReminder(t *testing.T, st storage.Store, r reminder.Reminder) reminder.Record {
	t.Helper()
	rec, err := st.Create(context.Background(), reminder.Encode(r))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return rec
}

func recurring(owner int64, f reminder.Frequency, due time.Time) reminder.Reminder {
	return reminder.Reminder{OwnerID: owner, Title: "standup", URL: "https://example.com", Schedule: reminder.RecurringSchedule(f), NextDue: &due}
}

func once(owner int64, due time.Time) reminder.Reminder {
	return reminder.Reminder{OwnerID: owner, Title: "renew passport", Schedule: reminder.OnceSchedule(), NextDue: &due}
}

type harness struct {
	store  storage.Store
	disp   *recordingDispatcher
	alerts *recordingAlerter
	clock  *clock
	sched  *Scheduler
}

func newHarness(t *testing.T, st storage.Store, instance string) *harness {
	t.Helper()
	if st == nil {
		st = storage.NewMemory()
	}
	h := &harness{
		store:  st,
		disp:   &recordingDispatcher{},
		alerts: &recordingAlerter{},
		clock:  &clock{},
	}
	s, err := New(Config{Enabled: true, Schedule: "60s", BatchLimit: 50, Workers: 4}, Deps{
		Store:      st,
		Dispatcher: h.disp,
		Alerter:    h.alerts,
		Instance:   instance,
		Now:        h.clock.Now,
	}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	h.sched = s
	return h
}

func (h *harness) runAt(t *testing.T, now time.Time) Report {
	t.Helper()
	h.clock.Set(now)
	rep, err := h.sched.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	return rep
}

func TestWeeklyEndToEnd(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil, "test")
	rec := createReminder(t, h.store, recurring(42, reminder.Weekly, utc(2025, 1, 6, 9, 0)))

	rep := h.runAt(t, utc(2025, 1, 6, 9, 5))
	if rep.Fired != 1 || rep.Claimed != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if h.disp.count() != 1 {
		t.Fatalf("dispatched %d, want 1", h.disp.count())
	}
	p := h.disp.payloads[0]
	if p.ReminderID != rec.ID || p.OwnerID != 42 || p.Title != "standup" || p.Frequency != reminder.Weekly {
		t.Fatalf("payload = %+v", p)
	}
	if !p.Occurrence.Equal(utc(2025, 1, 6, 9, 0)) {
		t.Fatalf("occurrence = %v", p.Occurrence)
	}

	got, err := h.store.Get(context.Background(), rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.NextDue == nil || !got.NextDue.Equal(utc(2025, 1, 13, 9, 0)) {
		t.Fatalf("nextDue = %v, want 2025-01-13T09:00Z", got.NextDue)
	}
	if got.IsCompleted || got.Claimed() || got.FireCount != 1 {
		t.Fatalf("record after sweep = %+v", got)
	}
	n, _ := h.store.CountFirings(context.Background(), rec.ID)
	if n != 1 {
		t.Fatalf("firings = %d", n)
	}
}

func TestOnceCompletesAndIsNeverClaimedAgain(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil, "test")
	rec := createReminder(t, h.store, once(1, utc(2025, 3, 1, 8, 0)))

	h.runAt(t, utc(2025, 3, 2, 0, 0))
	got, _ := h.store.Get(context.Background(), rec.ID)
	if !got.IsCompleted || got.NextDue != nil {
		t.Fatalf("once reminder after sweep = %+v", got)
	}

	for i := 1; i <= 3; i++ {
		rep := h.runAt(t, utc(2025, 3, 2, 0, 0).AddDate(0, 0, i*30))
		if rep.Candidates != 0 || rep.Claimed != 0 {
			t.Fatalf("completed reminder seen again: %+v", rep)
		}
	}
	if h.disp.count() != 1 {
		t.Fatalf("dispatched %d, want 1", h.disp.count())
	}
}

func TestDailyStaysAnchored(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil, "test")
	T := utc(2025, 1, 1, 9, 0)
	rec := createReminder(t, h.store, recurring(1, reminder.Daily, T))

	const N = 12
	for k := 0; k < N; k++ {
		jitter := time.Duration((k*37)%120) * time.Minute
		h.runAt(t, T.AddDate(0, 0, k).Add(jitter))
	}

	got, _ := h.store.Get(context.Background(), rec.ID)
	if want := T.AddDate(0, 0, N); got.NextDue == nil || !got.NextDue.Equal(want) {
		t.Fatalf("nextDue = %v, want %v", got.NextDue, want)
	}
	if h.disp.count() != N {
		t.Fatalf("fired %d times, want %d", h.disp.count(), N)
	}
	for i, p := range h.disp.payloads {
		if want := T.AddDate(0, 0, i); !p.Occurrence.Equal(want) {
			t.Fatalf("occurrence %d = %v, want %v", i, p.Occurrence, want)
		}
	}
}

func TestCatchUpFiresOneOccurrencePerCycle(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil, "test")
	T := utc(2025, 1, 1, 9, 0)
	rec := createReminder(t, h.store, recurring(1, reminder.Daily, T))

	now := T.AddDate(0, 0, 3).Add(time.Hour)
	h.runAt(t, now)
	got, _ := h.store.Get(context.Background(), rec.ID)
	if !got.NextDue.Equal(T.AddDate(0, 0, 1)) {
		t.Fatalf("nextDue = %v", got.NextDue)
	}
	h.runAt(t, now)
	h.runAt(t, now)
	h.runAt(t, now)
	got, _ = h.store.Get(context.Background(), rec.ID)
	if !got.NextDue.Equal(T.AddDate(0, 0, 4)) || h.disp.count() != 4 {
		t.Fatalf("nextDue = %v after %d firings", got.NextDue, h.disp.count())
	}
	if rep := h.runAt(t, now); rep.Claimed != 0 {
		t.Fatalf("future reminder claimed: %+v", rep)
	}
}

func TestSweepIsIdempotentWhenNothingDue(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil, "test")
	now := utc(2025, 5, 1, 12, 0)
	rec := createReminder(t, h.store, recurring(1, reminder.Monthly, now.Add(time.Hour)))

	for i := 0; i < 3; i++ {
		rep := h.runAt(t, now)
		if rep.Candidates != 0 || rep.Claimed != 0 || rep.Fired != 0 {
			t.Fatalf("report = %+v", rep)
		}
	}
	got, _ := h.store.Get(context.Background(), rec.ID)
	if got.Version != rec.Version || !got.UpdatedAt.Equal(rec.UpdatedAt) {
		t.Fatalf("row mutated: before %+v after %+v", rec, got)
	}
}

func TestConcurrentClaimersSplitWork(t *testing.T) {
	t.Parallel()
	sq, err := storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "sweep.db")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = sq.Close() })

	for name, st := range map[string]storage.Store{"memory": storage.NewMemory(), "sqlite": sq} {
		t.Run(name, func(t *testing.T) {
			due := utc(2025, 1, 1, 0, 0)
			const rows = 30
			for i := 0; i < rows; i++ {
				createReminder(t, st, recurring(int64(i+1), reminder.Daily, due))
			}

			const claimers = 4
			results := make([][]Claimed, claimers)
			var wg sync.WaitGroup
			start := make(chan struct{})
			for i := 0; i < claimers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					c := NewClaimer(st, "claimer", nil, logx.Nop())
					<-start
					out, err := c.ClaimBatch(context.Background(), due.Add(time.Minute), rows)
					if err != nil {
						t.Error(err)
						return
					}
					results[i] = out
				}()
			}
			close(start)
			wg.Wait()

			seen := map[int64]int{}
			for _, out := range results {
				for _, c := range out {
					seen[c.Record.ID]++
				}
			}
			if len(seen) != rows {
				t.Fatalf("claimed %d distinct rows, want %d", len(seen), rows)
			}
			for id, n := range seen {
				if n != 1 {
					t.Fatalf("row %d claimed %d times", id, n)
				}
			}
		})
	}
}

func TestTwoClaimsOnOneRowOneWins(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	due := utc(2025, 1, 1, 0, 0)
	createReminder(t, st, once(1, due))

	a := NewClaimer(st, "a", nil, logx.Nop())
	b := NewClaimer(st, "b", nil, logx.Nop())

	ctx := context.Background()
	cands, _ := st.SelectDueCandidates(ctx, due, 10)
	if len(cands) != 1 {
		t.Fatalf("candidates = %d", len(cands))
	}
	outA, stA, err := a.claim(ctx, due, 10, "sa")
	if err != nil {
		t.Fatal(err)
	}
	outB, stB, err := b.claim(ctx, due, 10, "sb")
	if err != nil {
		t.Fatal(err)
	}
	if len(outA)+len(outB) != 1 {
		t.Fatalf("claims: a=%d b=%d", len(outA), len(outB))
	}
	if stA.Candidates+stB.Candidates < 1 {
		t.Fatal("no candidates observed")
	}

	// A claim built on the stale read loses.
	_, err = st.ConditionalUpdate(ctx, cands[0].ID, cands[0].Version, storage.ClaimPatch("late", due))
	if !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("stale claim err = %v, want ErrConflict", err)
	}
}

func TestTwoSchedulersNeverDuplicateDispatch(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	due := utc(2025, 2, 1, 9, 0)
	const rows = 40
	for i := 0; i < rows; i++ {
		createReminder(t, st, recurring(int64(i+1), reminder.Weekly, due))
	}
	h1 := newHarness(t, st, "node-1")
	h2 := newHarness(t, st, "node-2")
	now := due.Add(time.Minute)
	h1.clock.Set(now)
	h2.clock.Set(now)

	var wg sync.WaitGroup
	for _, h := range []*harness{h1, h2} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.sched.RunOnce(context.Background()); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if got := h1.disp.count() + h2.disp.count(); got != rows {
		t.Fatalf("dispatched %d, want %d", got, rows)
	}
	seen := map[int64]bool{}
	for _, h := range []*harness{h1, h2} {
		for _, p := range h.disp.payloads {
			if seen[p.ReminderID] {
				t.Fatalf("reminder %d dispatched twice", p.ReminderID)
			}
			seen[p.ReminderID] = true
		}
	}
}

func TestInvalidFrequencyIsFlaggedAndSkipped(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil, "test")
	due := utc(2025, 1, 1, 0, 0)
	bad := "fortnightly"
	badRec, err := h.store.Create(context.Background(), reminder.Record{
		UserID: 1, Title: "broken", ReminderType: "recurring", Frequency: &bad, NextDue: &due,
	})
	if err != nil {
		t.Fatal(err)
	}
	good := createReminder(t, h.store, once(2, due))

	rep := h.runAt(t, due.Add(time.Minute))
	if rep.Invalid != 1 || rep.Fired != 1 {
		t.Fatalf("report = %+v", rep)
	}
	got, _ := h.store.Get(context.Background(), badRec.ID)
	if got.FlagReason != storage.FlagInvalidSchedule || got.Claimed() {
		t.Fatalf("bad row = %+v", got)
	}
	if g, _ := h.store.Get(context.Background(), good.ID); !g.IsCompleted {
		t.Fatal("good row should still be processed")
	}
	if rep := h.runAt(t, due.Add(time.Hour)); rep.Candidates != 0 {
		t.Fatalf("flagged row selected again: %+v", rep)
	}
	if keys := h.alerts.keys(); len(keys) != 1 || keys[0] != "invalid:1" {
		t.Fatalf("alerts = %v", keys)
	}
}

func TestDispatchFailureStillCommits(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil, "test")
	h.disp.err = errors.New("telegram down")
	due := utc(2025, 1, 6, 9, 0)
	rec := createReminder(t, h.store, recurring(1, reminder.Weekly, due))

	rep := h.runAt(t, due.Add(time.Minute))
	if rep.DispatchFailed != 1 || rep.Fired != 0 {
		t.Fatalf("report = %+v", rep)
	}
	got, _ := h.store.Get(context.Background(), rec.ID)
	if !got.NextDue.Equal(due.AddDate(0, 0, 7)) || got.Claimed() {
		t.Fatalf("record = %+v", got)
	}
	fs, _ := h.store.ListFirings(context.Background(), rec.ID, 10)
	if len(fs) != 1 || fs[0].DispatchOK || fs[0].DispatchErr == "" {
		t.Fatalf("firings = %+v", fs)
	}
	if keys := h.alerts.keys(); len(keys) != 1 || keys[0] != "dispatch:1" {
		t.Fatalf("alerts = %v", keys)
	}
	// Not retried in the next cycle.
	h.runAt(t, due.Add(2*time.Minute))
	if h.disp.count() != 1 {
		t.Fatalf("dispatched %d, want 1", h.disp.count())
	}
}

func TestCommitConflictLeavesReminderStuck(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil, "test")
	due := utc(2025, 1, 6, 9, 0)
	rec := createReminder(t, h.store, recurring(1, reminder.Daily, due))

	// An out-of-band write during delivery moves the version under the claim.
	h.disp.hook = func(p reminder.Payload) {
		cur, _ := h.store.Get(context.Background(), p.ReminderID)
		if _, err := h.store.ConditionalUpdate(context.Background(), cur.ID, cur.Version, storage.Patch{At: due}); err != nil {
			t.Errorf("bump: %v", err)
		}
	}
	now := due.Add(time.Minute)
	rep := h.runAt(t, now)
	if rep.Stuck != 1 {
		t.Fatalf("report = %+v", rep)
	}
	got, _ := h.store.Get(context.Background(), rec.ID)
	if !got.Claimed() || !got.NextDue.Equal(due) {
		t.Fatalf("stuck row = %+v", got)
	}
	if rep := h.runAt(t, now.Add(time.Minute)); rep.Candidates != 0 {
		t.Fatal("claimed row must not be re-fired automatically")
	}

	d := NewStuckDetector(h.store, h.alerts, logx.Nop())
	if n, err := d.Scan(context.Background(), now.Add(5*time.Minute), 10*time.Minute, 10); err != nil || n != 0 {
		t.Fatalf("early scan n=%d err=%v", n, err)
	}
	n, err := d.Scan(context.Background(), now.Add(11*time.Minute), 10*time.Minute, 10)
	if err != nil || n != 1 {
		t.Fatalf("scan n=%d err=%v", n, err)
	}
	got, _ = h.store.Get(context.Background(), rec.ID)
	if got.FlagReason != storage.FlagStuckClaim {
		t.Fatalf("flag = %q", got.FlagReason)
	}

	if err := Release(context.Background(), h.store, rec.ID, now.Add(12*time.Minute)); err != nil {
		t.Fatal(err)
	}
	h.disp.hook = nil
	rep = h.runAt(t, now.Add(13*time.Minute))
	if rep.Fired != 1 {
		t.Fatalf("released reminder should fire again: %+v", rep)
	}
}

func TestQueuedClaimsAreRenewedAtPickup(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	disp := &recordingDispatcher{}
	clk := &clock{}
	s, err := New(Config{Enabled: true, Schedule: "60s", BatchLimit: 10, Workers: 1}, Deps{
		Store: st, Dispatcher: disp, Instance: "a", Now: clk.Now,
	}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	due := utc(2025, 1, 6, 9, 0)
	r1 := createReminder(t, st, recurring(1, reminder.Daily, due))
	r2 := createReminder(t, st, recurring(2, reminder.Daily, due))
	r3 := createReminder(t, st, recurring(3, reminder.Daily, due))

	// Deliveries are slow enough that the rows still queued age past
	// stuck_after, and another instance scans while r2 is in flight.
	peer := NewStuckDetector(st, nil, logx.Nop())
	flagged := -1
	disp.hook = func(p reminder.Payload) {
		switch p.ReminderID {
		case r1.ID:
			clk.Set(due.Add(9 * time.Minute))
		case r2.ID:
			clk.Set(due.Add(11 * time.Minute))
			n, err := peer.Scan(context.Background(), clk.Now(), 10*time.Minute, 10)
			if err != nil {
				t.Errorf("peer scan: %v", err)
			}
			flagged = n
		}
	}

	clk.Set(due)
	rep, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if flagged != 1 {
		t.Fatalf("peer flagged %d rows, want only the queued one", flagged)
	}
	if rep.Fired != 2 || rep.Lost != 1 || rep.Stuck != 0 || disp.count() != 2 {
		t.Fatalf("report = %+v dispatched=%d", rep, disp.count())
	}

	got2, _ := st.Get(context.Background(), r2.ID)
	if got2.Flagged() || got2.Claimed() || !got2.NextDue.Equal(due.Add(24*time.Hour)) {
		t.Fatalf("in-flight row = %+v", got2)
	}
	got3, _ := st.Get(context.Background(), r3.ID)
	if got3.FlagReason != storage.FlagStuckClaim || !got3.NextDue.Equal(due) {
		t.Fatalf("queued row = %+v", got3)
	}

	// The skipped row was never delivered, so releasing it fires it once.
	if err := Release(context.Background(), st, r3.ID, due.Add(12*time.Minute)); err != nil {
		t.Fatal(err)
	}
	disp.hook = nil
	clk.Set(due.Add(13 * time.Minute))
	if rep, err := s.RunOnce(context.Background()); err != nil || rep.Fired != 1 {
		t.Fatalf("after release: %+v %v", rep, err)
	}
	seen := map[int64]int{}
	for _, p := range disp.payloads {
		seen[p.ReminderID]++
	}
	if seen[r1.ID] != 1 || seen[r2.ID] != 1 || seen[r3.ID] != 1 {
		t.Fatalf("deliveries per reminder = %v", seen)
	}
}

func TestClaimBudget(t *testing.T) {
	t.Parallel()
	cases := []struct {
		limit, workers  int
		stuck, dispatch time.Duration
		want            int
	}{
		{limit: 100, workers: 4, stuck: 10 * time.Minute, dispatch: 30 * time.Second, want: 60},
		{limit: 20, workers: 4, stuck: 10 * time.Minute, dispatch: 30 * time.Second, want: 20},
		{limit: 100, workers: 2, stuck: 30 * time.Second, dispatch: 25 * time.Second, want: 2},
		{limit: 7, workers: 0, stuck: time.Minute, dispatch: time.Second, want: 7},
	}
	for _, tc := range cases {
		if got := claimBudget(tc.limit, tc.workers, tc.stuck, tc.dispatch); got != tc.want {
			t.Fatalf("claimBudget(%d, %d, %s, %s) = %d, want %d", tc.limit, tc.workers, tc.stuck, tc.dispatch, got, tc.want)
		}
	}
}

func TestClaimBatchRejectsNonPositiveLimit(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	due := utc(2025, 1, 1, 0, 0)
	rec := createReminder(t, st, once(1, due))
	c := NewClaimer(st, "x", nil, logx.Nop())
	for _, limit := range []int{0, -1} {
		if out, err := c.ClaimBatch(context.Background(), due, limit); err == nil || len(out) != 0 {
			t.Fatalf("limit %d: out=%d err=%v", limit, len(out), err)
		}
	}
	if got, _ := st.Get(context.Background(), rec.ID); got.Claimed() {
		t.Fatal("rejected batch must not claim")
	}
}

func TestCancelledBeforeDispatchReleasesClaim(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	due := utc(2025, 1, 1, 0, 0)
	rec := createReminder(t, st, once(1, due))

	claimed, err := NewClaimer(st, "x", nil, logx.Nop()).ClaimBatch(context.Background(), due, 10)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim: %v %d", err, len(claimed))
	}
	disp := &recordingDispatcher{}
	p := NewProcessor(st, disp, nil, "x", time.Second, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := p.Process(ctx, claimed[0])
	if out.Result != ResultReleased || disp.count() != 0 {
		t.Fatalf("outcome = %+v dispatched=%d", out, disp.count())
	}
	got, _ := st.Get(context.Background(), rec.ID)
	if got.Claimed() || got.IsCompleted {
		t.Fatalf("record = %+v", got)
	}
}

type failingStore struct {
	storage.Store
	mu    sync.Mutex
	calls int
	after int
}

func (f *failingStore) ConditionalUpdate(ctx context.Context, id, v int64, p storage.Patch) (int64, error) {
	f.mu.Lock()
	f.calls++
	fail := p.Claim != nil && f.calls > f.after
	f.mu.Unlock()
	if fail {
		return 0, errors.New("database is gone")
	}
	return f.Store.ConditionalUpdate(ctx, id, v, p)
}

func TestStorageErrorAbortsAndReleases(t *testing.T) {
	t.Parallel()
	mem := storage.NewMemory()
	due := utc(2025, 1, 1, 0, 0)
	first := createReminder(t, mem, once(1, due))
	createReminder(t, mem, once(2, due))

	st := &failingStore{Store: mem, after: 1}
	h := newHarness(t, st, "test")
	h.clock.Set(due)
	if _, err := h.sched.RunOnce(context.Background()); err == nil {
		t.Fatal("expected abort")
	}
	if h.disp.count() != 0 {
		t.Fatal("aborted sweep must not dispatch")
	}
	got, _ := mem.Get(context.Background(), first.ID)
	if got.Claimed() {
		t.Fatal("won claim should be released on abort")
	}
	if snap := h.sched.Snapshot(); snap.Totals.Aborted != 1 || snap.Last == nil || snap.Last.Err == "" {
		t.Fatalf("snapshot = %+v", snap)
	}
	if keys := h.alerts.keys(); len(keys) != 1 || keys[0] != "sweep:aborted" {
		t.Fatalf("alerts = %v", keys)
	}
}

func TestSchedulerRunOnStartAndApply(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	createReminder(t, st, once(1, time.Now().UTC().Add(-time.Minute)))
	disp := &recordingDispatcher{}
	s, err := New(Config{Enabled: true, Schedule: "1h", RunOnStart: true}, Deps{Store: st, Dispatcher: disp}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})

	deadline := time.Now().Add(3 * time.Second)
	for disp.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("run_on_start sweep did not fire")
		}
		time.Sleep(10 * time.Millisecond)
	}

	snap := s.Snapshot()
	if !snap.Running || snap.Schedule != "every 1h0m0s" || snap.Next.IsZero() {
		t.Fatalf("snapshot = %+v", snap)
	}
	if err := s.Apply(Config{Enabled: true, Schedule: "*/5 * * * *"}); err != nil {
		t.Fatal(err)
	}
	if got := s.Snapshot().Schedule; got != "*/5 * * * *" {
		t.Fatalf("schedule after apply = %q", got)
	}
	if err := s.Apply(Config{Enabled: true, Schedule: "soon"}); err == nil {
		t.Fatal("invalid schedule accepted")
	}
}

func TestParseSchedule(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in      string
		kind    SpecKind
		every   time.Duration
		wantErr bool
	}{
		{in: "60s", kind: SpecInterval, every: time.Minute},
		{in: "00:15", kind: SpecInterval, every: 15 * time.Minute},
		{in: "interval:01:30", kind: SpecInterval, every: 90 * time.Minute},
		{in: "every:2m", kind: SpecInterval, every: 2 * time.Minute},
		{in: "*/15 * * * *", kind: SpecCron},
		{in: "0 */1 * * * *", kind: SpecCron},
		{in: "@every 90s", kind: SpecCron},
		{in: "cron:@hourly", kind: SpecCron},
		{in: "", wantErr: true},
		{in: "500ms", wantErr: true},
		{in: "00:75", wantErr: true},
		{in: "* * *", wantErr: true},
		{in: "whenever", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParseSchedule(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("ParseSchedule(%q) = %+v, want error", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseSchedule(%q): %v", tc.in, err)
		}
		if got.Kind != tc.kind || (tc.kind == SpecInterval && got.Every != tc.every) {
			t.Fatalf("ParseSchedule(%q) = %+v", tc.in, got)
		}
		if _, err := got.Schedule(); err != nil {
			t.Fatalf("Schedule(%q): %v", tc.in, err)
		}
	}
}
