package sweep

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bangremind/internal/notifier"
	"bangremind/internal/storage"
	logx "bangremind/pkg/logx"
)

// StuckDetector flags rows whose claim was never committed.
type StuckDetector struct {
	store storage.Store
	alert Alerter
	log   logx.Logger
}

func NewStuckDetector(store storage.Store, alert Alerter, log logx.Logger) *StuckDetector {
	if alert == nil {
		alert = nopAlerter{}
	}
	return &StuckDetector{store: store, alert: alert, log: log.With(logx.String("comp", "sweep.stuck"))}
}

// Scan flags every row claimed at or before now-stuckAfter and alerts once
// per row. It returns the number of rows flagged.
func (d *StuckDetector) Scan(ctx context.Context, now time.Time, stuckAfter time.Duration, limit int) (int, error) {
	now = now.UTC()
	recs, err := d.store.ListStuck(ctx, now.Add(-stuckAfter), limit)
	if err != nil {
		return 0, fmt.Errorf("list stuck: %w", err)
	}
	flagged := 0
	for _, rec := range recs {
		if _, err := d.store.ConditionalUpdate(ctx, rec.ID, rec.Version, storage.FlagPatch(storage.FlagStuckClaim, now)); err != nil {
			if errors.Is(err, storage.ErrConflict) || errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return flagged, fmt.Errorf("flag stuck reminder %d: %w", rec.ID, err)
		}
		flagged++
		d.log.Warn("stuck claim flagged",
			logx.Int64("reminder_id", rec.ID),
			logx.String("claimed_by", rec.ClaimedBy),
			logx.TimePtr("claimed_at", rec.ClaimedAt),
		)
		since := "unknown"
		if rec.ClaimedAt != nil {
			since = rec.ClaimedAt.UTC().Format(time.RFC3339)
		}
		_ = d.alert.Alert(ctx, notifier.Alert{
			Key:      fmt.Sprintf("stuck:%d", rec.ID),
			Priority: notifier.PriorityCritical,
			Text: fmt.Sprintf("Reminder %d has been claimed by %s since %s without completing. Run `reminderd stuck release %d` after checking its delivery.",
				rec.ID, rec.ClaimedBy, since, rec.ID),
		})
	}
	return flagged, nil
}

// Release clears the claim and any flag on id so the next sweep picks it up
// again if it is still due.
func Release(ctx context.Context, store storage.Store, id int64, now time.Time) error {
	rec, err := store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !rec.Claimed() && !rec.Flagged() {
		return nil
	}
	_, err = store.ConditionalUpdate(ctx, id, rec.Version, storage.Patch{At: now.UTC(), ReleaseClaim: true, ClearFlag: true})
	return err
}
