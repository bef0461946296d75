// Package store persists events, executions, and task-context snapshots in
// Postgres. Events are append-only; task contexts are snapshot-replaced.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Sentinel errors.
var (
	ErrNotFound          = errors.New("not found")
	ErrLiveExecution     = errors.New("a live execution already exists for this project")
	ErrIllegalTransition = errors.New("illegal status transition")
)

// ExecStatus is the execution lifecycle state.
type ExecStatus string

// Execution statuses.
const (
	StatusQueued       ExecStatus = "queued"
	StatusInitializing ExecStatus = "initializing"
	StatusRunning      ExecStatus = "running"
	StatusPaused       ExecStatus = "paused"
	StatusStopped      ExecStatus = "stopped"
	StatusDone         ExecStatus = "done"
	StatusError        ExecStatus = "error"
)

// Live reports whether the status counts toward the one-live-execution rule.
func (s ExecStatus) Live() bool {
	switch s {
	case StatusQueued, StatusInitializing, StatusRunning, StatusPaused:
		return true
	default:
		return false
	}
}

// Event is an immutable inbound event envelope.
type Event struct {
	ID             uuid.UUID `db:"id"`
	ProjectID      string    `db:"project_id"`
	Type           string    `db:"type"`
	CorrelationID  string    `db:"correlation_id"`
	IdempotencyKey *string   `db:"idempotency_key"`
	Payload        []byte    `db:"payload"`
	CreatedAt      time.Time `db:"created_at"`
}

// Execution is the durable execution record.
type Execution struct {
	ExecutionID uuid.UUID  `db:"execution_id"`
	ProjectID   string     `db:"project_id"`
	EventID     uuid.UUID  `db:"event_id"`
	Status      ExecStatus `db:"status"`
	CreatedAt   time.Time  `db:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at"`
}

// Store wraps the database handle.
type Store struct {
	db      *sqlx.DB
	idemTTL time.Duration
}

// Open connects to the database and verifies connectivity.
func Open(ctx context.Context, dsn string, idemTTL time.Duration) (*Store, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{db: db, idemTTL: idemTTL}, nil
}

// NewWithDB wraps an existing handle (tests).
func NewWithDB(db *sqlx.DB, idemTTL time.Duration) *Store {
	return &Store{db: db, idemTTL: idemTTL}
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate applies embedded schema migrations.
func (s *Store) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.UpContext(ctx, s.db.DB, "migrations")
}

// AppendEvent stores the event, honoring the idempotency window. When the
// key was seen for the same project inside the TTL, the prior stored event
// is returned with replayed=true and nothing new is written.
func (s *Store) AppendEvent(ctx context.Context, ev *Event) (stored *Event, replayed bool, err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = tx.Rollback() }()

	if ev.IdempotencyKey != nil && *ev.IdempotencyKey != "" {
		var prior Event
		err := tx.GetContext(ctx, &prior, `
			SELECT e.id, e.project_id, e.type, e.correlation_id, e.idempotency_key, e.payload, e.created_at
			FROM idempotency_keys k JOIN events e ON e.id = k.event_id
			WHERE k.project_id = $1 AND k.key = $2 AND k.created_at > $3`,
			ev.ProjectID, *ev.IdempotencyKey, time.Now().UTC().Add(-s.idemTTL))
		if err == nil {
			return &prior, true, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, false, err
		}
	}

	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	ev.CreatedAt = time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO events (id, project_id, type, correlation_id, idempotency_key, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ev.ID, ev.ProjectID, ev.Type, ev.CorrelationID, ev.IdempotencyKey, ev.Payload, ev.CreatedAt); err != nil {
		return nil, false, fmt.Errorf("insert event: %w", err)
	}
	if ev.IdempotencyKey != nil && *ev.IdempotencyKey != "" {
		// Keys older than the TTL are treated as fresh: overwrite them.
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO idempotency_keys (project_id, key, event_id, created_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (project_id, key) DO UPDATE
			SET event_id = EXCLUDED.event_id, created_at = EXCLUDED.created_at
			WHERE idempotency_keys.created_at <= $5`,
			ev.ProjectID, *ev.IdempotencyKey, ev.ID, ev.CreatedAt, time.Now().UTC().Add(-s.idemTTL)); err != nil {
			return nil, false, fmt.Errorf("insert idempotency key: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return ev, false, nil
}

// GetEvent loads an event by id.
func (s *Store) GetEvent(ctx context.Context, id uuid.UUID) (*Event, error) {
	var ev Event
	err := s.db.GetContext(ctx, &ev, `
		SELECT id, project_id, type, correlation_id, idempotency_key, payload, created_at
		FROM events WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// CreateExecution inserts an execution, enforcing at most one live execution
// per project via the partial unique index. Returns ErrLiveExecution when
// another live execution holds the slot.
func (s *Store) CreateExecution(ctx context.Context, ex *Execution) error {
	if ex.ExecutionID == uuid.Nil {
		ex.ExecutionID = uuid.New()
	}
	now := time.Now().UTC()
	ex.CreatedAt, ex.UpdatedAt = now, now
	if ex.Status == "" {
		ex.Status = StatusQueued
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO executions (execution_id, project_id, event_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		ex.ExecutionID, ex.ProjectID, ex.EventID, ex.Status, ex.CreatedAt, ex.UpdatedAt)
	if err != nil && isUniqueViolation(err) {
		return ErrLiveExecution
	}
	return err
}

// UpdateExecutionStatus transitions an execution.
func (s *Store) UpdateExecutionStatus(ctx context.Context, id uuid.UUID, status ExecStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE executions SET status = $2, updated_at = $3 WHERE execution_id = $1`,
		id, status, time.Now().UTC())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetExecution loads an execution by id.
func (s *Store) GetExecution(ctx context.Context, id uuid.UUID) (*Execution, error) {
	var ex Execution
	err := s.db.GetContext(ctx, &ex, `
		SELECT execution_id, project_id, event_id, status, created_at, updated_at
		FROM executions WHERE execution_id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ex, nil
}

// ExecutionByEvent returns the execution created for the given event, used
// to treat queue redeliveries as resume signals.
func (s *Store) ExecutionByEvent(ctx context.Context, eventID uuid.UUID) (*Execution, error) {
	var ex Execution
	err := s.db.GetContext(ctx, &ex, `
		SELECT execution_id, project_id, event_id, status, created_at, updated_at
		FROM executions WHERE event_id = $1`, eventID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ex, nil
}

// LiveExecution returns the live execution for a project, or ErrNotFound.
func (s *Store) LiveExecution(ctx context.Context, projectID string) (*Execution, error) {
	var ex Execution
	err := s.db.GetContext(ctx, &ex, `
		SELECT execution_id, project_id, event_id, status, created_at, updated_at
		FROM executions
		WHERE project_id = $1 AND status IN ('queued','initializing','running','paused')`,
		projectID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ex, nil
}

// LiveExecutions returns every live execution across all projects, oldest
// first. The worker re-enqueues their events at startup so executions
// interrupted by a shutdown resume.
func (s *Store) LiveExecutions(ctx context.Context) ([]*Execution, error) {
	var exs []*Execution
	err := s.db.SelectContext(ctx, &exs, `
		SELECT execution_id, project_id, event_id, status, created_at, updated_at
		FROM executions
		WHERE status IN ('queued','initializing','running','paused')
		ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	return exs, nil
}

// LatestExecution returns the most recent execution for a project.
func (s *Store) LatestExecution(ctx context.Context, projectID string) (*Execution, error) {
	var ex Execution
	err := s.db.GetContext(ctx, &ex, `
		SELECT execution_id, project_id, event_id, status, created_at, updated_at
		FROM executions WHERE project_id = $1
		ORDER BY created_at DESC LIMIT 1`, projectID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ex, nil
}

// SaveContext snapshot-replaces the task context for an execution.
func (s *Store) SaveContext(ctx context.Context, executionID uuid.UUID, data []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_contexts (execution_id, updated_at, data)
		VALUES ($1, $2, $3)
		ON CONFLICT (execution_id) DO UPDATE
		SET updated_at = EXCLUDED.updated_at, data = EXCLUDED.data`,
		executionID, time.Now().UTC(), data)
	return err
}

// LoadContext returns the latest task-context snapshot.
func (s *Store) LoadContext(ctx context.Context, executionID uuid.UUID) ([]byte, time.Time, error) {
	var row struct {
		UpdatedAt time.Time `db:"updated_at"`
		Data      []byte    `db:"data"`
	}
	err := s.db.GetContext(ctx, &row, `
		SELECT updated_at, data FROM task_contexts WHERE execution_id = $1`, executionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, time.Time{}, ErrNotFound
	}
	if err != nil {
		return nil, time.Time{}, err
	}
	return row.Data, row.UpdatedAt, nil
}

// PurgeExpiredKeys deletes idempotency keys older than the TTL. Events are
// never deleted.
func (s *Store) PurgeExpiredKeys(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM idempotency_keys WHERE created_at <= $1`,
		time.Now().UTC().Add(-s.idemTTL))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// isUniqueViolation reports whether err is a Postgres unique violation
// (SQLSTATE 23505) without importing pgconn in every caller.
func isUniqueViolation(err error) bool {
	type coder interface{ SQLState() string }
	var c coder
	if errors.As(err, &c) {
		return c.SQLState() == "23505"
	}
	return false
}
