package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	casework "github.com/goliatone/go-casework"
)

// SQLiteJournal persists runs, steps and scheduled events in SQLite.
// Timestamps are stored as unix nanoseconds so range predicates compare
// numerically.
type SQLiteJournal struct {
	db             *sql.DB
	runsTable      string
	stepsTable     string
	scheduledTable string
	now            func() time.Time

	schemaMu    sync.Mutex
	schemaReady bool
}

// NewSQLiteJournal builds a journal using the given DB and table prefix.
func NewSQLiteJournal(db *sql.DB, prefix string) *SQLiteJournal {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "casework"
	}
	return &SQLiteJournal{
		db:             db,
		runsTable:      prefix + "_runs",
		stepsTable:     prefix + "_steps",
		scheduledTable: prefix + "_scheduled",
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the clock used for row timestamps.
func (s *SQLiteJournal) SetClock(now func() time.Time) {
	if s != nil && now != nil {
		s.now = now
	}
}

func (s *SQLiteJournal) CreateRun(ctx context.Context, run *Run) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if run == nil || strings.TrimSpace(run.ID) == "" {
		return errors.New("run id required")
	}
	eventJSON, err := json.Marshal(run.Event)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	if run.Status == "" {
		run.Status = RunRunning
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now

	q := fmt.Sprintf(`INSERT OR IGNORE INTO %s
		(id, function_id, event, status, cursor, attempts, output, error, created_at, updated_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`, s.runsTable)
	result, err := s.db.ExecContext(ctx, q,
		run.ID,
		run.FunctionID,
		string(eventJSON),
		string(run.Status),
		run.Cursor,
		run.Attempts,
		nullableJSON(run.Output),
		run.Error,
		toNanos(run.CreatedAt),
		toNanos(run.UpdatedAt),
	)
	if err != nil {
		return err
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return ErrRunExists
	}
	return nil
}

func (s *SQLiteJournal) LoadRun(ctx context.Context, id string) (*Run, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, runColumns, s.runsTable)
	run, err := scanRun(s.db.QueryRowContext(ctx, q, strings.TrimSpace(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (s *SQLiteJournal) TouchRun(ctx context.Context, id string, attempts int, cursor string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	q := fmt.Sprintf(`UPDATE %s
		SET attempts = max(attempts, ?),
			cursor = CASE WHEN ? = '' THEN cursor ELSE ? END,
			updated_at = ?
		WHERE id = ?`, s.runsTable)
	cursor = strings.TrimSpace(cursor)
	result, err := s.db.ExecContext(ctx, q, attempts, cursor, cursor, toNanos(s.now()), id)
	if err != nil {
		return err
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return ErrRunNotFound
	}
	return nil
}

func (s *SQLiteJournal) FinishRun(ctx context.Context, id string, status RunStatus, output json.RawMessage, errText string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if !status.Finished() {
		return errors.New("terminal status required")
	}
	now := toNanos(s.now())
	q := fmt.Sprintf(`UPDATE %s
		SET status = ?, output = coalesce(?, output), error = ?, updated_at = ?, finished_at = ?
		WHERE id = ? AND status = ?`, s.runsTable)
	result, err := s.db.ExecContext(ctx, q, string(status), nullableJSON(output), errText, now, now, id, string(RunRunning))
	if err != nil {
		return err
	}
	affected, _ := result.RowsAffected()
	if affected > 0 {
		return nil
	}
	if _, err := s.LoadRun(ctx, id); err != nil {
		return err
	}
	return ErrRunFinished
}

func (s *SQLiteJournal) ListRuns(ctx context.Context, filter RunFilter) ([]Run, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	where := make([]string, 0, 3)
	args := make([]any, 0, 4)
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.FunctionID != "" {
		where = append(where, "function_id = ?")
		args = append(args, filter.FunctionID)
	}
	if !filter.UpdatedBefore.IsZero() {
		where = append(where, "updated_at < ?")
		args = append(args, toNanos(filter.UpdatedBefore))
	}
	q := fmt.Sprintf(`SELECT %s FROM %s`, runColumns, s.runsTable)
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, id ASC"
	if filter.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Run, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func (s *SQLiteJournal) DeleteFinishedBefore(ctx context.Context, before time.Time) (int, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() {
		if tx != nil {
			_ = tx.Rollback()
		}
	}()

	cutoff := toNanos(before)
	stepsQ := fmt.Sprintf(`DELETE FROM %s WHERE run_id IN (
		SELECT id FROM %s WHERE finished_at IS NOT NULL AND finished_at < ?
	)`, s.stepsTable, s.runsTable)
	if _, err := tx.ExecContext(ctx, stepsQ, cutoff); err != nil {
		return 0, err
	}
	runsQ := fmt.Sprintf(`DELETE FROM %s WHERE finished_at IS NOT NULL AND finished_at < ?`, s.runsTable)
	result, err := tx.ExecContext(ctx, runsQ, cutoff)
	if err != nil {
		return 0, err
	}
	affected, _ := result.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	tx = nil
	return int(affected), nil
}

func (s *SQLiteJournal) LoadStep(ctx context.Context, runID, name string) (*StepRecord, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT run_id, name, output, completed_at FROM %s WHERE run_id = ? AND name = ?`, s.stepsTable)
	rec, err := scanStep(s.db.QueryRowContext(ctx, q, runID, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *SQLiteJournal) SaveStep(ctx context.Context, rec *StepRecord) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if rec == nil || strings.TrimSpace(rec.RunID) == "" || strings.TrimSpace(rec.Name) == "" {
		return errors.New("step run id and name required")
	}
	if rec.CompletedAt.IsZero() {
		rec.CompletedAt = s.now().UTC()
	}
	q := fmt.Sprintf(`INSERT OR IGNORE INTO %s (run_id, name, output, completed_at) VALUES (?, ?, ?, ?)`, s.stepsTable)
	result, err := s.db.ExecContext(ctx, q, rec.RunID, rec.Name, nullableJSON(rec.Output), toNanos(rec.CompletedAt))
	if err != nil {
		return err
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return ErrStepExists
	}
	return nil
}

func (s *SQLiteJournal) ListSteps(ctx context.Context, runID string) ([]StepRecord, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT run_id, name, output, completed_at FROM %s WHERE run_id = ? ORDER BY completed_at ASC, name ASC`, s.stepsTable)
	rows, err := s.db.QueryContext(ctx, q, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]StepRecord, 0)
	for rows.Next() {
		rec, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteJournal) Schedule(ctx context.Context, evt *ScheduledEvent) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if evt == nil {
		return errors.New("scheduled event required")
	}
	normalizeScheduled(evt, s.now().UTC())
	if evt.ID == "" {
		return errors.New("scheduled event id required")
	}
	eventJSON, err := json.Marshal(evt.Event)
	if err != nil {
		return err
	}
	q := fmt.Sprintf(`INSERT OR IGNORE INTO %s
		(id, event, due_at, dedupe_key, status, attempts, lease_owner, lease_until, last_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, '', 0, ?, ?)`, s.scheduledTable)
	_, err = s.db.ExecContext(ctx, q,
		evt.ID,
		string(eventJSON),
		toNanos(evt.DueAt),
		nullableString(evt.DedupeKey),
		string(evt.Status),
		evt.Attempts,
		evt.LastError,
		toNanos(evt.CreatedAt),
	)
	return err
}

// ClaimDue leases due events, and events whose previous lease expired, for workerID.
func (s *SQLiteJournal) ClaimDue(
	ctx context.Context,
	workerID string,
	now time.Time,
	limit int,
	leaseTTL time.Duration,
) ([]ScheduledEvent, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	workerID = strings.TrimSpace(workerID)
	if workerID == "" {
		return nil, errors.New("worker id required")
	}
	if limit <= 0 {
		limit = 100
	}
	if leaseTTL <= 0 {
		leaseTTL = 30 * time.Second
	}
	nowNanos := toNanos(now)
	leaseUntil := toNanos(now.Add(leaseTTL))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if tx != nil {
			_ = tx.Rollback()
		}
	}()

	claimableWhere := `((status = 'pending' AND due_at <= ?) OR (status = 'leased' AND lease_until <= ?))`
	selectQ := fmt.Sprintf(`SELECT id FROM %s WHERE %s ORDER BY due_at ASC, id ASC LIMIT ?`, s.scheduledTable, claimableWhere)
	rows, err := tx.QueryContext(ctx, selectQ, nowNanos, nowNanos, limit)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	update := fmt.Sprintf(`UPDATE %s
		SET status = 'leased', lease_owner = ?, lease_until = ?, attempts = attempts + 1
		WHERE id = ? AND %s`, s.scheduledTable, claimableWhere)
	load := fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, scheduledColumns, s.scheduledTable)

	claimed := make([]ScheduledEvent, 0, len(ids))
	for _, id := range ids {
		result, err := tx.ExecContext(ctx, update, workerID, leaseUntil, id, nowNanos, nowNanos)
		if err != nil {
			return nil, err
		}
		affected, _ := result.RowsAffected()
		if affected == 0 {
			continue
		}
		evt, err := scanScheduled(tx.QueryRowContext(ctx, load, id))
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, evt)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	tx = nil
	return claimed, nil
}

func (s *SQLiteJournal) MarkDelivered(ctx context.Context, id string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	q := fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, s.scheduledTable)
	return s.expectRow(s.db.ExecContext(ctx, q, id))
}

func (s *SQLiteJournal) MarkFailed(ctx context.Context, id string, retryAt time.Time, reason string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	q := fmt.Sprintf(`UPDATE %s
		SET status = 'pending', lease_owner = '', lease_until = 0, due_at = ?, last_error = ?
		WHERE id = ?`, s.scheduledTable)
	return s.expectRow(s.db.ExecContext(ctx, q, toNanos(retryAt), strings.TrimSpace(reason), id))
}

func (s *SQLiteJournal) MarkDead(ctx context.Context, id, reason string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	q := fmt.Sprintf(`UPDATE %s
		SET status = 'dead', lease_owner = '', lease_until = 0, last_error = ?
		WHERE id = ?`, s.scheduledTable)
	return s.expectRow(s.db.ExecContext(ctx, q, strings.TrimSpace(reason), id))
}

func (s *SQLiteJournal) Pending(ctx context.Context) ([]ScheduledEvent, error) {
	return s.listScheduled(ctx, `status != 'dead'`, 0)
}

func (s *SQLiteJournal) ListDead(ctx context.Context, limit int) ([]ScheduledEvent, error) {
	return s.listScheduled(ctx, `status = 'dead'`, limit)
}

func (s *SQLiteJournal) HasPendingDedupe(ctx context.Context, prefix string) (bool, error) {
	if err := s.ready(ctx); err != nil {
		return false, err
	}
	q := fmt.Sprintf(`SELECT count(1) FROM %s WHERE status != 'dead' AND dedupe_key IS NOT NULL AND substr(dedupe_key, 1, ?) = ?`, s.scheduledTable)
	var n int
	if err := s.db.QueryRowContext(ctx, q, len(prefix), prefix).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteJournal) listScheduled(ctx context.Context, where string, limit int) ([]ScheduledEvent, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE %s ORDER BY due_at ASC, id ASC`, scheduledColumns, s.scheduledTable, where)
	args := []any{}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]ScheduledEvent, 0)
	for rows.Next() {
		evt, err := scanScheduled(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

func (s *SQLiteJournal) expectRow(result sql.Result, err error) error {
	if err != nil {
		return err
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return ErrScheduleNotFound
	}
	return nil
}

func (s *SQLiteJournal) ready(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite journal not configured")
	}
	s.schemaMu.Lock()
	defer s.schemaMu.Unlock()
	if s.schemaReady {
		return nil
	}
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	s.schemaReady = true
	return nil
}

func (s *SQLiteJournal) ensureSchema(ctx context.Context) error {
	ddl := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			function_id TEXT NOT NULL,
			event TEXT NOT NULL,
			status TEXT NOT NULL,
			cursor TEXT NOT NULL DEFAULT '',
			attempts INTEGER NOT NULL DEFAULT 0,
			output TEXT,
			error TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			finished_at INTEGER
		)`, s.runsTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_status_idx ON %s (status, updated_at)`, s.runsTable, s.runsTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			run_id TEXT NOT NULL,
			name TEXT NOT NULL,
			output TEXT,
			completed_at INTEGER NOT NULL,
			PRIMARY KEY (run_id, name)
		)`, s.stepsTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			event TEXT NOT NULL,
			due_at INTEGER NOT NULL,
			dedupe_key TEXT UNIQUE,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			lease_owner TEXT NOT NULL DEFAULT '',
			lease_until INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		)`, s.scheduledTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_due_idx ON %s (status, due_at)`, s.scheduledTable, s.scheduledTable),
	}
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

const (
	runColumns       = `id, function_id, event, status, cursor, attempts, output, error, created_at, updated_at, finished_at`
	scheduledColumns = `id, event, due_at, dedupe_key, status, attempts, lease_owner, lease_until, last_error, created_at`
)

type sqlRowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row sqlRowScanner) (Run, error) {
	var (
		run        Run
		eventJSON  string
		status     string
		output     sql.NullString
		createdAt  int64
		updatedAt  int64
		finishedAt sql.NullInt64
	)
	if err := row.Scan(
		&run.ID,
		&run.FunctionID,
		&eventJSON,
		&status,
		&run.Cursor,
		&run.Attempts,
		&output,
		&run.Error,
		&createdAt,
		&updatedAt,
		&finishedAt,
	); err != nil {
		return Run{}, err
	}
	if err := json.Unmarshal([]byte(eventJSON), &run.Event); err != nil {
		return Run{}, fmt.Errorf("decode run %s event: %w", run.ID, err)
	}
	run.Status = RunStatus(status)
	if output.Valid {
		run.Output = json.RawMessage(output.String)
	}
	run.CreatedAt = fromNanos(createdAt)
	run.UpdatedAt = fromNanos(updatedAt)
	if finishedAt.Valid {
		ts := fromNanos(finishedAt.Int64)
		run.FinishedAt = &ts
	}
	return run, nil
}

func scanStep(row sqlRowScanner) (StepRecord, error) {
	var (
		rec         StepRecord
		output      sql.NullString
		completedAt int64
	)
	if err := row.Scan(&rec.RunID, &rec.Name, &output, &completedAt); err != nil {
		return StepRecord{}, err
	}
	if output.Valid {
		rec.Output = json.RawMessage(output.String)
	}
	rec.CompletedAt = fromNanos(completedAt)
	return rec, nil
}

func scanScheduled(row sqlRowScanner) (ScheduledEvent, error) {
	var (
		evt        ScheduledEvent
		eventJSON  string
		dueAt      int64
		dedupe     sql.NullString
		status     string
		leaseUntil int64
		createdAt  int64
	)
	if err := row.Scan(
		&evt.ID,
		&eventJSON,
		&dueAt,
		&dedupe,
		&status,
		&evt.Attempts,
		&evt.LeaseOwner,
		&leaseUntil,
		&evt.LastError,
		&createdAt,
	); err != nil {
		return ScheduledEvent{}, err
	}
	var event casework.Event
	if err := json.Unmarshal([]byte(eventJSON), &event); err != nil {
		return ScheduledEvent{}, fmt.Errorf("decode scheduled event %s: %w", evt.ID, err)
	}
	evt.Event = event
	evt.DueAt = fromNanos(dueAt)
	evt.DedupeKey = dedupe.String
	evt.Status = ScheduleStatus(status)
	if leaseUntil > 0 {
		evt.LeaseUntil = fromNanos(leaseUntil)
	}
	evt.CreatedAt = fromNanos(createdAt)
	return evt, nil
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func nullableJSON(raw json.RawMessage) any {
	if raw == nil {
		return nil
	}
	return string(raw)
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
