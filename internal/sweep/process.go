package sweep

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"bangremind/internal/notifier"
	"bangremind/internal/reminder"
	"bangremind/internal/storage"
	logx "bangremind/pkg/logx"
)

const commitTimeout = 10 * time.Second

// Processor applies the state machine to one claimed reminder.
type Processor struct {
	store    storage.Store
	dispatch Dispatcher
	alert    Alerter
	log      logx.Logger
	instance string
	now      func() time.Time

	mu              sync.RWMutex
	dispatchTimeout time.Duration
}

func (p *Processor) setDispatchTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	p.mu.Lock()
	p.dispatchTimeout = d
	p.mu.Unlock()
}

func NewProcessor(store storage.Store, d Dispatcher, alert Alerter, instance string, dispatchTimeout time.Duration, log logx.Logger) *Processor {
	if alert == nil {
		alert = nopAlerter{}
	}
	if dispatchTimeout <= 0 {
		dispatchTimeout = 30 * time.Second
	}
	return &Processor{
		store:           store,
		dispatch:        d,
		alert:           alert,
		log:             log.With(logx.String("comp", "sweep.process")),
		instance:        instance,
		now:             time.Now,
		dispatchTimeout: dispatchTimeout,
	}
}

// Process advances c: build payload, deliver, commit under the claim
// version, record the firing. It never returns an error; the Outcome says
// what happened.
func (p *Processor) Process(ctx context.Context, c Claimed) Outcome {
	start := time.Now()
	rec := c.Record
	out := Outcome{ReminderID: rec.ID}
	log := p.log.With(logx.Int64("reminder_id", rec.ID), logx.String("sweep_id", c.SweepID))

	// Nothing delivered yet, so the claim can go back.
	if err := ctx.Err(); err != nil {
		p.release(ctx, rec, log)
		out.Result, out.Err, out.Took = ResultReleased, err, time.Since(start)
		return out
	}

	// Restamp the claim at pickup so time spent queued behind other rows
	// does not count towards stuck_after. A moved version means the row was
	// flagged or released while queued.
	v, err := p.store.ConditionalUpdate(ctx, rec.ID, rec.Version, storage.ClaimPatch(rec.ClaimedBy, p.now().UTC()))
	switch {
	case errors.Is(err, storage.ErrConflict), errors.Is(err, storage.ErrNotFound):
		log.Warn("claim lost before dispatch; skipped", logx.Err(err))
		out.Result, out.Err, out.Took = ResultLost, err, time.Since(start)
		return out
	case err != nil:
		p.release(ctx, rec, log)
		out.Result, out.Err, out.Took = ResultReleased, err, time.Since(start)
		return out
	}
	rec.Version = v

	payload, tr, err := reminder.Advance(c.Reminder)
	if err != nil {
		p.flag(ctx, rec, err, log)
		out.Result, out.Err, out.Took = ResultFlagged, err, time.Since(start)
		return out
	}

	p.mu.RLock()
	timeout := p.dispatchTimeout
	p.mu.RUnlock()
	dctx, cancel := context.WithTimeout(ctx, timeout)
	derr := p.deliver(dctx, payload)
	cancel()
	dispatchTook := time.Since(start)

	// Commit even if the sweep was cancelled during delivery: the payload
	// may already be out.
	cctx, ccancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer ccancel()

	firedAt := p.now().UTC()
	patch := storage.CompletePatch(firedAt)
	if !tr.Completed {
		patch = storage.ReschedulePatch(firedAt, *tr.NextDue)
	}
	if _, err := p.store.ConditionalUpdate(cctx, rec.ID, rec.Version, patch); err != nil {
		log.Error("commit after dispatch failed; reminder left claimed", logx.Err(err), logx.Bool("dispatched", derr == nil))
		_ = p.alert.Alert(cctx, notifier.Alert{
			Key:      fmt.Sprintf("commit:%d", rec.ID),
			Priority: notifier.PriorityCritical,
			Text:     fmt.Sprintf("Reminder %d fired but its new state was not saved: %v. It stays claimed until released.", rec.ID, err),
		})
		out.Result, out.Err, out.Took = ResultStuck, err, time.Since(start)
		return out
	}
	out.NextDue, out.Completed = tr.NextDue, tr.Completed

	f := storage.Firing{
		ReminderID: rec.ID,
		Occurrence: payload.Occurrence,
		FiredAt:    firedAt,
		SweepID:    c.SweepID,
		Instance:   p.instance,
		DispatchOK: derr == nil,
		TookMS:     dispatchTook.Milliseconds(),
	}
	if derr != nil {
		f.DispatchErr = derr.Error()
	}
	if err := p.store.AppendFiring(cctx, f); err != nil {
		log.Warn("append firing failed", logx.Err(err))
	}

	if derr != nil {
		log.Warn("dispatch failed; state committed", logx.Err(derr), logx.TimePtr("next_due", tr.NextDue))
		_ = p.alert.Alert(cctx, notifier.Alert{
			Key:      fmt.Sprintf("dispatch:%d", rec.ID),
			Priority: notifier.PriorityWarn,
			Text:     fmt.Sprintf("Reminder %d (%q) was not delivered: %v", rec.ID, payload.Title, derr),
		})
		out.Result, out.Err = ResultDispatchFailed, derr
	} else {
		log.Debug("reminder fired", logx.Time("occurrence", payload.Occurrence), logx.TimePtr("next_due", tr.NextDue), logx.Bool("completed", tr.Completed))
		out.Result = ResultFired
	}
	out.Took = time.Since(start)
	return out
}

// deliver calls the dispatcher and turns a panic into an error.
func (p *Processor) deliver(ctx context.Context, payload reminder.Payload) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatcher panic: %v", r)
		}
	}()
	if p.dispatch == nil {
		return errors.New("no dispatcher")
	}
	return p.dispatch.Deliver(ctx, payload)
}

func (p *Processor) release(ctx context.Context, rec reminder.Record, log logx.Logger) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()
	if _, err := p.store.ConditionalUpdate(cctx, rec.ID, rec.Version, storage.ReleasePatch(p.now().UTC())); err != nil {
		log.Warn("release claim failed", logx.Err(err))
	}
}

func (p *Processor) flag(ctx context.Context, rec reminder.Record, cause error, log logx.Logger) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()
	patch := storage.FlagPatch(storage.FlagInvalidSchedule, p.now().UTC())
	patch.ReleaseClaim = true
	if _, err := p.store.ConditionalUpdate(cctx, rec.ID, rec.Version, patch); err != nil {
		log.Error("flag reminder failed", logx.Err(err))
	}
	log.Error("reminder cannot advance; flagged", logx.Err(cause))
	_ = p.alert.Alert(cctx, notifier.Alert{
		Key:      fmt.Sprintf("invalid:%d", rec.ID),
		Priority: notifier.PriorityWarn,
		Text:     fmt.Sprintf("Reminder %d flagged %s: %v", rec.ID, storage.FlagInvalidSchedule, cause),
	})
}
