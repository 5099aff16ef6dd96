package records

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema is the minimal layout PostgresStore expects. Production databases
// own their schema; this is applied by EnsureSchema for local runs and tests.
const Schema = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	email TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL DEFAULT '',
	deletion_scheduled_at TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS verification_tokens (
	token TEXT PRIMARY KEY,
	kind TEXT NOT NULL DEFAULT 'account_deletion',
	identifier TEXT NOT NULL,
	expires TIMESTAMPTZ NOT NULL
);
ALTER TABLE verification_tokens ADD COLUMN IF NOT EXISTS kind TEXT NOT NULL DEFAULT 'account_deletion';
CREATE TABLE IF NOT EXISTS case_analyses (
	case_id TEXT PRIMARY KEY,
	status TEXT NOT NULL DEFAULT 'pending',
	explanation TEXT NOT NULL DEFAULT '',
	total_counts JSONB,
	oldest_stage_detected TEXT,
	pmi_days DOUBLE PRECISION,
	pmi_hours DOUBLE PRECISION,
	pmi_minutes DOUBLE PRECISION,
	stage_used TEXT,
	accumulated_degree_hours DOUBLE PRECISION,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`

// PostgresStore is a PostgreSQL implementation of Store.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates the tables when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, Schema)
	return err
}

const userColumns = "id, email, name, deletion_scheduled_at"

func scanUser(row pgx.Row) (*User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.Email, &u.Name, &u.DeletionScheduledAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	if u.DeletionScheduledAt != nil {
		at := u.DeletionScheduledAt.UTC()
		u.DeletionScheduledAt = &at
	}
	return &u, nil
}

func (s *PostgresStore) FindUser(ctx context.Context, id string) (*User, error) {
	return scanUser(s.db.QueryRow(ctx, "SELECT "+userColumns+" FROM users WHERE id = $1", id))
}

func (s *PostgresStore) FindUserByEmail(ctx context.Context, email string) (*User, error) {
	return scanUser(s.db.QueryRow(ctx, "SELECT "+userColumns+" FROM users WHERE lower(email) = lower($1)", email))
}

// CreateUser inserts a user row.
func (s *PostgresStore) CreateUser(ctx context.Context, u User) error {
	_, err := s.db.Exec(ctx,
		"INSERT INTO users (id, email, name, deletion_scheduled_at) VALUES ($1, $2, $3, $4)",
		u.ID, u.Email, u.Name, u.DeletionScheduledAt)
	return err
}

func (s *PostgresStore) ScheduleDeletion(ctx context.Context, userID string, at time.Time) error {
	tag, err := s.db.Exec(ctx, "UPDATE users SET deletion_scheduled_at = $1 WHERE id = $2", at.UTC(), userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// CancelDeletion takes the same row lock as the deletion transaction, so it
// either runs before the delete or finds the user gone.
func (s *PostgresStore) CancelDeletion(ctx context.Context, userID string) (bool, error) {
	var pending bool
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		u, err := scanUser(tx.QueryRow(ctx, "SELECT "+userColumns+" FROM users WHERE id = $1 FOR UPDATE", userID))
		if err != nil {
			return err
		}
		pending = u.DeletionScheduled()
		if !pending {
			return nil
		}
		_, err = tx.Exec(ctx, "UPDATE users SET deletion_scheduled_at = NULL WHERE id = $1", userID)
		return err
	})
	if err != nil {
		return false, err
	}
	return pending, nil
}

func (s *PostgresStore) IssueToken(ctx context.Context, kind TokenKind, identifier string, ttl time.Duration) (Token, error) {
	t := Token{
		Kind:       kind,
		Identifier: identifier,
		Value:      uuid.NewString(),
		Expires:    time.Now().Add(ttl).UTC(),
	}
	if err := s.PutToken(ctx, t); err != nil {
		return Token{}, err
	}
	return t, nil
}

// PutToken stores a token as is.
func (s *PostgresStore) PutToken(ctx context.Context, t Token) error {
	_, err := s.db.Exec(ctx,
		"INSERT INTO verification_tokens (token, kind, identifier, expires) VALUES ($1, $2, $3, $4)",
		t.Value, string(t.Kind), t.Identifier, t.Expires.UTC())
	return err
}

func (s *PostgresStore) FindToken(ctx context.Context, value string) (*Token, error) {
	var t Token
	var kind string
	err := s.db.QueryRow(ctx,
		"SELECT token, kind, identifier, expires FROM verification_tokens WHERE token = $1", value).
		Scan(&t.Value, &kind, &t.Identifier, &t.Expires)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTokenNotFound
		}
		return nil, err
	}
	t.Kind = TokenKind(kind)
	t.Expires = t.Expires.UTC()
	return &t, nil
}

func (s *PostgresStore) DeleteToken(ctx context.Context, value string) error {
	_, err := s.db.Exec(ctx, "DELETE FROM verification_tokens WHERE token = $1", value)
	return err
}

// CreateAnalysis inserts a pending analysis record.
func (s *PostgresStore) CreateAnalysis(ctx context.Context, caseID string) error {
	_, err := s.db.Exec(ctx,
		"INSERT INTO case_analyses (case_id, status) VALUES ($1, $2)", caseID, AnalysisPending)
	return err
}

func (s *PostgresStore) LoadAnalysis(ctx context.Context, caseID string) (*Analysis, error) {
	var (
		a      Analysis
		status string
		counts []byte
		oldest *string
		stage  *string
		f      DetectionFields
	)
	err := s.db.QueryRow(ctx, `SELECT case_id, status, explanation, total_counts, oldest_stage_detected,
		pmi_days, pmi_hours, pmi_minutes, stage_used, accumulated_degree_hours, updated_at
		FROM case_analyses WHERE case_id = $1`, caseID).
		Scan(&a.CaseID, &status, &a.Explanation, &counts, &oldest,
			&f.PMIDays, &f.PMIHours, &f.PMIMinutes, &stage, &f.AccumulatedDegreeHours, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAnalysisNotFound
		}
		return nil, err
	}
	a.Status = AnalysisStatus(status)
	a.UpdatedAt = a.UpdatedAt.UTC()

	if len(counts) > 0 {
		if err := json.Unmarshal(counts, &f.TotalCounts); err != nil {
			return nil, fmt.Errorf("decode total_counts for case %s: %w", caseID, err)
		}
	}
	if oldest != nil {
		f.OldestStageDetected = *oldest
	}
	if stage != nil {
		f.StageUsed = *stage
	}
	if f.TotalCounts != nil || oldest != nil || f.PMIDays != nil || stage != nil {
		a.Result = &f
	}
	return &a, nil
}

func (s *PostgresStore) UpdateAnalysis(ctx context.Context, caseID string, update AnalysisUpdate) error {
	sets := []string{"updated_at = now()"}
	args := []any{caseID}
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if update.Status != "" {
		add("status", string(update.Status))
	}
	if update.Explanation != nil {
		add("explanation", *update.Explanation)
	}
	if r := update.Result; r != nil {
		var counts []byte
		if r.TotalCounts != nil {
			raw, err := json.Marshal(r.TotalCounts)
			if err != nil {
				return err
			}
			counts = raw
		}
		add("total_counts", counts)
		add("oldest_stage_detected", nullString(r.OldestStageDetected))
		add("pmi_days", r.PMIDays)
		add("pmi_hours", r.PMIHours)
		add("pmi_minutes", r.PMIMinutes)
		add("stage_used", nullString(r.StageUsed))
		add("accumulated_degree_hours", r.AccumulatedDegreeHours)
	}

	tag, err := s.db.Exec(ctx,
		"UPDATE case_analyses SET "+strings.Join(sets, ", ")+" WHERE case_id = $1", args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAnalysisNotFound
	}
	return nil
}

func (s *PostgresStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		return fn(ctx, &postgresTx{tx: tx})
	})
}

func (s *PostgresStore) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type postgresTx struct {
	tx pgx.Tx
}

func (t *postgresTx) LockUser(ctx context.Context, id string) (*User, error) {
	return scanUser(t.tx.QueryRow(ctx, "SELECT "+userColumns+" FROM users WHERE id = $1 FOR UPDATE", id))
}

func (t *postgresTx) DeleteUser(ctx context.Context, id string) error {
	tag, err := t.tx.Exec(ctx, "DELETE FROM users WHERE id = $1", id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

func nullString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

var _ Store = (*PostgresStore)(nil)
