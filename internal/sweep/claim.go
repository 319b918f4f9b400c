package sweep

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bangremind/internal/notifier"
	"bangremind/internal/reminder"
	"bangremind/internal/storage"
	logx "bangremind/pkg/logx"
)

// ClaimStats counts what happened to the candidates of one batch.
type ClaimStats struct {
	Candidates int
	Claimed    int
	Conflicts  int
	Invalid    int
}

// Claimer turns due candidates into claims owned by one sweep.
type Claimer struct {
	store storage.Store
	owner string
	log   logx.Logger
	alert Alerter
}

func NewClaimer(store storage.Store, owner string, alert Alerter, log logx.Logger) *Claimer {
	if alert == nil {
		alert = nopAlerter{}
	}
	return &Claimer{store: store, owner: owner, alert: alert, log: log.With(logx.String("comp", "sweep.claim"))}
}

// ClaimBatch claims up to limit rows due at now; limit must be positive. Rows lost to another sweep
// are skipped silently. A storage error aborts the batch.
func (c *Claimer) ClaimBatch(ctx context.Context, now time.Time, limit int) ([]Claimed, error) {
	out, _, err := c.claim(ctx, now, limit, "")
	return out, err
}

func (c *Claimer) claim(ctx context.Context, now time.Time, limit int, sweepID string) ([]Claimed, ClaimStats, error) {
	var st ClaimStats
	if limit <= 0 {
		return nil, st, fmt.Errorf("claim batch limit must be positive, got %d", limit)
	}
	now = now.UTC()

	candidates, err := c.store.SelectDueCandidates(ctx, now, limit)
	if err != nil {
		return nil, st, fmt.Errorf("select due candidates: %w", err)
	}
	st.Candidates = len(candidates)

	by := c.owner
	if sweepID != "" {
		by = c.owner + "/" + sweepID
	}

	out := make([]Claimed, 0, len(candidates))
	for _, rec := range candidates {
		if err := ctx.Err(); err != nil {
			c.releaseAll(out, now)
			return nil, st, err
		}

		v, err := c.store.ConditionalUpdate(ctx, rec.ID, rec.Version, storage.ClaimPatch(by, now))
		switch {
		case errors.Is(err, storage.ErrConflict), errors.Is(err, storage.ErrNotFound):
			st.Conflicts++
			c.log.Trace("claim lost", logx.Int64("reminder_id", rec.ID), logx.Int64("version", rec.Version))
			continue
		case err != nil:
			c.releaseAll(out, now)
			return nil, st, fmt.Errorf("claim reminder %d: %w", rec.ID, err)
		}

		rec.Version = v
		at := now
		rec.ClaimedAt, rec.ClaimedBy = &at, by

		r, derr := rec.Decode()
		if derr != nil {
			st.Invalid++
			c.flagInvalid(ctx, rec, derr, now)
			continue
		}
		out = append(out, Claimed{Record: rec, Reminder: r, SweepID: sweepID})
	}
	st.Claimed = len(out)
	return out, st, nil
}

// flagInvalid parks an undecodable row so it is no longer selected.
func (c *Claimer) flagInvalid(ctx context.Context, rec reminder.Record, cause error, now time.Time) {
	p := storage.FlagPatch(storage.FlagInvalidSchedule, now)
	p.ReleaseClaim = true
	if _, err := c.store.ConditionalUpdate(ctx, rec.ID, rec.Version, p); err != nil {
		c.log.Error("flag invalid reminder failed", logx.Int64("reminder_id", rec.ID), logx.Err(err))
	}
	c.log.Error("reminder has an invalid schedule; flagged", logx.Int64("reminder_id", rec.ID), logx.Err(cause))
	_ = c.alert.Alert(ctx, notifier.Alert{
		Key:      fmt.Sprintf("invalid:%d", rec.ID),
		Priority: notifier.PriorityWarn,
		Text:     fmt.Sprintf("Reminder %d flagged %s: %v", rec.ID, storage.FlagInvalidSchedule, cause),
	})
}

// releaseAll gives back claims won before an abort so the rows are
// re-discovered next cycle instead of waiting for the stuck detector.
func (c *Claimer) releaseAll(claimed []Claimed, now time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, cl := range claimed {
		if _, err := c.store.ConditionalUpdate(ctx, cl.Record.ID, cl.Record.Version, storage.ReleasePatch(now)); err != nil {
			c.log.Warn("release claim failed", logx.Int64("reminder_id", cl.Record.ID), logx.Err(err))
		}
	}
}
