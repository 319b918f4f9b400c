package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"bangremind/internal/reminder"
	logx "bangremind/pkg/logx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// sqlStore implements Store over database/sql. SQLite and PostgreSQL share
// every statement; queries are written with ? and rebound for postgres.
// Timestamps are stored as UTC unix milliseconds.
type sqlStore struct {
	db      *sql.DB
	log     logx.Logger
	dialect string

	opCount    atomic.Uint64
	pruneEvery uint64
}

const reminderCols = `id, user_id, title, url, reminder_type, frequency, next_due, is_completed,
 created_at, updated_at, version, claimed_at, claimed_by, flag_reason, flagged_at, last_fired_at, fire_count`

func newSQLStore(db *sql.DB, dialect string, log logx.Logger) *sqlStore {
	return &sqlStore{db: db, dialect: dialect, log: log, pruneEvery: 500}
}

func (s *sqlStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations/" + s.dialect + ".sql")
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, string(b)); err != nil {
		return fmt.Errorf("migrate %s: %w", s.dialect, err)
	}
	return nil
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *sqlStore) rebind(q string) string {
	if s.dialect != "postgres" {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 16)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

func (s *sqlStore) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(q), args...)
}

func (s *sqlStore) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(q), args...)
}

func (s *sqlStore) queryRow(ctx context.Context, q string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(q), args...)
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) Create(ctx context.Context, rec reminder.Record) (reminder.Record, error) {
	if s == nil || s.db == nil {
		return reminder.Record{}, ErrDisabled
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = rec.CreatedAt
	rec.Version = 0

	var id int64
	err := s.queryRow(ctx,
		`INSERT INTO reminders(user_id, title, url, reminder_type, frequency, next_due, is_completed, created_at, updated_at, version)
		 VALUES(?,?,?,?,?,?,?,?,?,0) RETURNING id`,
		rec.UserID, rec.Title, nullStr(rec.URL), rec.ReminderType, rec.Frequency, msPtr(rec.NextDue), rec.IsCompleted,
		rec.CreatedAt.UnixMilli(), rec.UpdatedAt.UnixMilli(),
	).Scan(&id)
	if err != nil {
		return reminder.Record{}, fmt.Errorf("insert reminder: %w", err)
	}
	return s.Get(ctx, id)
}

func (s *sqlStore) Get(ctx context.Context, id int64) (reminder.Record, error) {
	if s == nil || s.db == nil {
		return reminder.Record{}, ErrDisabled
	}
	rec, err := scanRecord(s.queryRow(ctx, `SELECT `+reminderCols+` FROM reminders WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return reminder.Record{}, ErrNotFound
	}
	return rec, err
}

func (s *sqlStore) ListByOwner(ctx context.Context, ownerID int64, limit int) ([]reminder.Record, error) {
	return s.list(ctx,
		`SELECT `+reminderCols+` FROM reminders WHERE user_id = ? ORDER BY next_due, id LIMIT ?`,
		ownerID, clampLimit(limit))
}

func (s *sqlStore) SelectDueCandidates(ctx context.Context, now time.Time, limit int) ([]reminder.Record, error) {
	return s.list(ctx,
		`SELECT `+reminderCols+` FROM reminders
		 WHERE is_completed = ? AND next_due IS NOT NULL AND next_due <= ?
		   AND claimed_at IS NULL AND flag_reason IS NULL
		 ORDER BY next_due, id LIMIT ?`,
		false, now.UTC().UnixMilli(), clampLimit(limit))
}

func (s *sqlStore) ListStuck(ctx context.Context, claimedBefore time.Time, limit int) ([]reminder.Record, error) {
	return s.list(ctx,
		`SELECT `+reminderCols+` FROM reminders
		 WHERE claimed_at IS NOT NULL AND claimed_at <= ? AND flag_reason IS NULL
		 ORDER BY claimed_at, id LIMIT ?`,
		claimedBefore.UTC().UnixMilli(), clampLimit(limit))
}

func (s *sqlStore) ListFlagged(ctx context.Context, limit int) ([]reminder.Record, error) {
	return s.list(ctx,
		`SELECT `+reminderCols+` FROM reminders WHERE flag_reason IS NOT NULL ORDER BY flagged_at, id LIMIT ?`,
		clampLimit(limit))
}

func (s *sqlStore) list(ctx context.Context, q string, args ...any) ([]reminder.Record, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []reminder.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *sqlStore) ConditionalUpdate(ctx context.Context, id, expectedVersion int64, p Patch) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	sets, args := p.assignments()
	args = append(args, id, expectedVersion)
	res, err := s.exec(ctx,
		`UPDATE reminders SET `+strings.Join(sets, ", ")+` WHERE id = ? AND version = ?`,
		args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 1 {
		return expectedVersion + 1, nil
	}

	var one int
	err = s.queryRow(ctx, `SELECT 1 FROM reminders WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return 0, ErrConflict
}

// assignments renders the SET clause; version and updated_at always change.
func (p Patch) assignments() ([]string, []any) {
	at := p.At
	if at.IsZero() {
		at = time.Now()
	}
	sets := []string{"version = version + 1", "updated_at = ?"}
	args := []any{at.UTC().UnixMilli()}

	if p.SetNextDue {
		sets = append(sets, "next_due = ?")
		args = append(args, msPtr(p.NextDue))
	}
	if p.Completed != nil {
		sets = append(sets, "is_completed = ?")
		args = append(args, *p.Completed)
	}
	switch {
	case p.Claim != nil:
		sets = append(sets, "claimed_at = ?", "claimed_by = ?")
		args = append(args, p.Claim.At.UTC().UnixMilli(), nullStr(p.Claim.By))
	case p.ReleaseClaim:
		sets = append(sets, "claimed_at = NULL", "claimed_by = NULL")
	}
	switch {
	case p.Flag != "":
		sets = append(sets, "flag_reason = ?", "flagged_at = ?")
		args = append(args, p.Flag, at.UTC().UnixMilli())
	case p.ClearFlag:
		sets = append(sets, "flag_reason = NULL", "flagged_at = NULL")
	}
	if p.FiredAt != nil {
		sets = append(sets, "last_fired_at = ?")
		args = append(args, p.FiredAt.UTC().UnixMilli())
	}
	if p.IncFireCount {
		sets = append(sets, "fire_count = fire_count + 1")
	}
	return sets, args
}

func (s *sqlStore) AppendFiring(ctx context.Context, f Firing) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if f.FiredAt.IsZero() {
		f.FiredAt = time.Now()
	}
	_, err := s.exec(ctx,
		`INSERT INTO firings(reminder_id, occurrence, fired_at, sweep_id, instance, dispatch_ok, dispatch_err, took_ms)
		 VALUES(?,?,?,?,?,?,?,?)`,
		f.ReminderID, f.Occurrence.UTC().UnixMilli(), f.FiredAt.UTC().UnixMilli(),
		nullStr(f.SweepID), nullStr(f.Instance), f.DispatchOK, nullStr(f.DispatchErr), f.TookMS,
	)
	return err
}

func (s *sqlStore) ListFirings(ctx context.Context, reminderID int64, limit int) ([]Firing, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.query(ctx,
		`SELECT reminder_id, occurrence, fired_at, sweep_id, instance, dispatch_ok, dispatch_err, took_ms
		 FROM firings WHERE reminder_id = ? ORDER BY occurrence, id LIMIT ?`,
		reminderID, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Firing
	for rows.Next() {
		var (
			f                          Firing
			occ, fired                 int64
			sweepID, instance, errText sql.NullString
		)
		if err := rows.Scan(&f.ReminderID, &occ, &fired, &sweepID, &instance, &f.DispatchOK, &errText, &f.TookMS); err != nil {
			return nil, err
		}
		f.Occurrence = time.UnixMilli(occ).UTC()
		f.FiredAt = time.UnixMilli(fired).UTC()
		f.SweepID = sweepID.String
		f.Instance = instance.String
		f.DispatchErr = errText.String
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *sqlStore) CountFirings(ctx context.Context, reminderID int64) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	var n int64
	err := s.queryRow(ctx, `SELECT COUNT(*) FROM firings WHERE reminder_id = ?`, reminderID).Scan(&n)
	return n, err
}

func (s *sqlStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if key == "" {
		return nil
	}
	_, err := s.exec(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until = excluded.until`,
		key, until.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		if perr := s.pruneExpired(pctx); perr != nil {
			s.log.Debug("dedup prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqlStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if s == nil || s.db == nil {
		return time.Time{}, false, ErrDisabled
	}
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.queryRow(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqlStore) pruneExpired(ctx context.Context) error {
	_, err := s.exec(ctx, `DELETE FROM dedup WHERE until < ?`, time.Now().UnixMilli())
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc rowScanner) (reminder.Record, error) {
	var (
		rec                                      reminder.Record
		url, freq, claimedBy, flagReason         sql.NullString
		nextDue, claimedAt, flaggedAt, lastFired sql.NullInt64
		createdAt, updatedAt                     int64
	)
	err := sc.Scan(&rec.ID, &rec.UserID, &rec.Title, &url, &rec.ReminderType, &freq, &nextDue, &rec.IsCompleted,
		&createdAt, &updatedAt, &rec.Version, &claimedAt, &claimedBy, &flagReason, &flaggedAt, &lastFired, &rec.FireCount)
	if err != nil {
		return reminder.Record{}, err
	}
	rec.URL = url.String
	if freq.Valid {
		v := freq.String
		rec.Frequency = &v
	}
	rec.NextDue = fromMS(nextDue)
	rec.CreatedAt = time.UnixMilli(createdAt).UTC()
	rec.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	rec.ClaimedAt = fromMS(claimedAt)
	rec.ClaimedBy = claimedBy.String
	rec.FlagReason = flagReason.String
	rec.FlaggedAt = fromMS(flaggedAt)
	rec.LastFiredAt = fromMS(lastFired)
	return rec, nil
}

func fromMS(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func msPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().UnixMilli()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

const maxListLimit = 10_000

func clampLimit(n int) int {
	if n <= 0 || n > maxListLimit {
		return maxListLimit
	}
	return n
}
