package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Siddhartha-nandan/harness-core-sub015/internal/model"

	_ "modernc.org/sqlite"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS plan_executions (
    id            TEXT PRIMARY KEY,
    status        TEXT NOT NULL,
    rollback_mode INTEGER NOT NULL DEFAULT 0,
    error         TEXT,
    owner         TEXT,
    definition    BLOB,
    created_at    DATETIME NOT NULL,
    started_at    DATETIME,
    finished_at   DATETIME
)`,
	`CREATE TABLE IF NOT EXISTS node_executions (
    id                    TEXT PRIMARY KEY,
    plan_execution_id     TEXT NOT NULL,
    plan_node_id          TEXT NOT NULL,
    parent_id             TEXT,
    strategy_execution_id TEXT,
    scope                 TEXT,
    fan_out_index         INTEGER NOT NULL DEFAULT 0,
    status                TEXT NOT NULL,
    retry_count           INTEGER NOT NULL DEFAULT 0,
    rollback              INTEGER NOT NULL DEFAULT 0,
    adviser_action        TEXT,
    outcome_refs          TEXT,
    failure_info          TEXT,
    created_at            DATETIME NOT NULL,
    start_time            DATETIME,
    end_time              DATETIME
)`,
	`CREATE INDEX IF NOT EXISTS idx_node_executions_plan ON node_executions (plan_execution_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS dispatched_tasks (
    task_id           TEXT PRIMARY KEY,
    node_execution_id TEXT NOT NULL,
    plan_execution_id TEXT NOT NULL,
    executor_id       TEXT NOT NULL,
    category          TEXT NOT NULL,
    capacity          INTEGER NOT NULL,
    payload           TEXT,
    deadline          DATETIME NOT NULL,
    status            TEXT NOT NULL,
    created_at        DATETIME NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_dispatched_tasks_plan ON dispatched_tasks (plan_execution_id, status)`,
	`CREATE TABLE IF NOT EXISTS outcomes (
    ref               TEXT PRIMARY KEY,
    plan_execution_id TEXT NOT NULL,
    body              TEXT NOT NULL,
    created_at        DATETIME NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS plan_leases (
    plan_execution_id TEXT PRIMARY KEY,
    owner             TEXT NOT NULL,
    expires_at        INTEGER NOT NULL
)`,
}

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

// Ping checks that the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreatePlanExecution inserts a plan execution together with the plan
// definition it runs.
func (s *SQLiteStore) CreatePlanExecution(ctx context.Context, pe *model.PlanExecution, definition []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO plan_executions (
			id, status, rollback_mode, error, owner, definition,
			created_at, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		pe.ID, pe.Status, pe.RollbackMode, pe.Error, pe.Owner, definition,
		pe.CreatedAt, pe.StartedAt, pe.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert plan execution: %w", err)
	}
	return nil
}

// UpdatePlanExecution overwrites the mutable fields of a plan execution.
func (s *SQLiteStore) UpdatePlanExecution(ctx context.Context, pe *model.PlanExecution) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE plan_executions SET
			status = ?, rollback_mode = ?, error = ?, owner = ?,
			started_at = ?, finished_at = ?
		WHERE id = ?`,
		pe.Status, pe.RollbackMode, pe.Error, pe.Owner,
		pe.StartedAt, pe.FinishedAt, pe.ID,
	)
	if err != nil {
		return fmt.Errorf("update plan execution: %w", err)
	}
	return expectRow(result)
}

const planColumns = `id, status, rollback_mode, error, owner, created_at, started_at, finished_at`

func scanPlan(row interface{ Scan(...any) error }) (*model.PlanExecution, error) {
	pe := &model.PlanExecution{}
	var errText, owner sql.NullString
	if err := row.Scan(
		&pe.ID, &pe.Status, &pe.RollbackMode, &errText, &owner,
		&pe.CreatedAt, &pe.StartedAt, &pe.FinishedAt,
	); err != nil {
		return nil, err
	}
	pe.Error = errText.String
	pe.Owner = owner.String
	return pe, nil
}

// GetPlanExecution retrieves a plan execution by ID.
func (s *SQLiteStore) GetPlanExecution(ctx context.Context, id string) (*model.PlanExecution, error) {
	pe, err := scanPlan(s.db.QueryRowContext(ctx,
		`SELECT `+planColumns+` FROM plan_executions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get plan execution: %w", err)
	}
	return pe, nil
}

// GetPlanDefinition returns the plan definition stored with a plan execution.
func (s *SQLiteStore) GetPlanDefinition(ctx context.Context, id string) ([]byte, error) {
	var def []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT definition FROM plan_executions WHERE id = ?`, id,
	).Scan(&def)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get plan definition: %w", err)
	}
	return def, nil
}

// ListPlanExecutions returns plan executions ordered by created_at, limited to
// the given statuses when any are passed.
func (s *SQLiteStore) ListPlanExecutions(ctx context.Context, statuses ...model.PlanStatus) ([]*model.PlanExecution, error) {
	query := `SELECT ` + planColumns + ` FROM plan_executions`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		query += ` WHERE status IN (?` + strings.Repeat(`, ?`, len(statuses)-1) + `)`
		for _, st := range statuses {
			args = append(args, st)
		}
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list plan executions: %w", err)
	}
	defer rows.Close()

	var out []*model.PlanExecution
	for rows.Next() {
		pe, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan plan execution: %w", err)
		}
		out = append(out, pe)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate plan executions: %w", err)
	}
	return out, nil
}

// SaveNodeExecution inserts or updates a node execution. An update must follow
// the status state machine; a terminal status is never overwritten.
func (s *SQLiteStore) SaveNodeExecution(ctx context.Context, ne *model.NodeExecution) error {
	refs, err := json.Marshal(ne.OutcomeRefs)
	if err != nil {
		return fmt.Errorf("encode outcome refs: %w", err)
	}
	var failure []byte
	if ne.FailureInfo != nil {
		if failure, err = json.Marshal(ne.FailureInfo); err != nil {
			return fmt.Errorf("encode failure info: %w", err)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current model.Status
	err = tx.QueryRowContext(ctx, "SELECT status FROM node_executions WHERE id = ?", ne.ID).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("get node execution status: %w", err)
	case current != ne.Status && !model.ValidTransition(current, ne.Status):
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, ne.Status)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO node_executions (
			id, plan_execution_id, plan_node_id, parent_id, strategy_execution_id, scope,
			fan_out_index, status, retry_count, rollback, adviser_action,
			outcome_refs, failure_info, created_at, start_time, end_time
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			adviser_action = excluded.adviser_action,
			outcome_refs = excluded.outcome_refs,
			failure_info = excluded.failure_info,
			start_time = excluded.start_time,
			end_time = excluded.end_time`,
		ne.ID, ne.PlanExecutionID, ne.PlanNodeID, ne.ParentID, ne.StrategyExecutionID, ne.Scope,
		ne.FanOutIndex, ne.Status, ne.RetryCount, ne.Rollback, ne.AdviserAction,
		string(refs), nullableText(failure), ne.CreatedAt, ne.StartTime, ne.EndTime,
	)
	if err != nil {
		return fmt.Errorf("save node execution: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit node execution: %w", err)
	}
	return nil
}

const nodeColumns = `id, plan_execution_id, plan_node_id, parent_id, strategy_execution_id, scope,
	fan_out_index, status, retry_count, rollback, adviser_action,
	outcome_refs, failure_info, created_at, start_time, end_time`

func scanNode(row interface{ Scan(...any) error }) (*model.NodeExecution, error) {
	ne := &model.NodeExecution{}
	var parent, strategy, scope, action, refs, failure sql.NullString
	if err := row.Scan(
		&ne.ID, &ne.PlanExecutionID, &ne.PlanNodeID, &parent, &strategy, &scope,
		&ne.FanOutIndex, &ne.Status, &ne.RetryCount, &ne.Rollback, &action,
		&refs, &failure, &ne.CreatedAt, &ne.StartTime, &ne.EndTime,
	); err != nil {
		return nil, err
	}
	ne.ParentID = parent.String
	ne.StrategyExecutionID = strategy.String
	ne.Scope = scope.String
	ne.AdviserAction = model.Action(action.String)
	if refs.Valid && refs.String != "" {
		if err := json.Unmarshal([]byte(refs.String), &ne.OutcomeRefs); err != nil {
			return nil, fmt.Errorf("decode outcome refs: %w", err)
		}
	}
	if failure.Valid && failure.String != "" {
		ne.FailureInfo = &model.FailureInfo{}
		if err := json.Unmarshal([]byte(failure.String), ne.FailureInfo); err != nil {
			return nil, fmt.Errorf("decode failure info: %w", err)
		}
	}
	return ne, nil
}

// GetNodeExecution retrieves a node execution by ID.
func (s *SQLiteStore) GetNodeExecution(ctx context.Context, id string) (*model.NodeExecution, error) {
	ne, err := scanNode(s.db.QueryRowContext(ctx,
		`SELECT `+nodeColumns+` FROM node_executions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get node execution: %w", err)
	}
	return ne, nil
}

// ListNodeExecutions returns the node executions of a plan execution in
// creation order.
func (s *SQLiteStore) ListNodeExecutions(ctx context.Context, planExecutionID string) ([]*model.NodeExecution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+nodeColumns+` FROM node_executions
		WHERE plan_execution_id = ? ORDER BY created_at, id`, planExecutionID)
	if err != nil {
		return nil, fmt.Errorf("list node executions: %w", err)
	}
	defer rows.Close()

	var out []*model.NodeExecution
	for rows.Next() {
		ne, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan node execution: %w", err)
		}
		out = append(out, ne)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate node executions: %w", err)
	}
	return out, nil
}

// SaveTask inserts or updates a dispatched task.
func (s *SQLiteStore) SaveTask(ctx context.Context, task model.DispatchedTask) error {
	payload, err := json.Marshal(task.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO dispatched_tasks (
			task_id, node_execution_id, plan_execution_id, executor_id, category,
			capacity, payload, deadline, status, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET status = excluded.status`,
		task.TaskID, task.NodeExecutionID, task.PlanExecutionID, task.ExecutorID, task.Category,
		task.Capacity, string(payload), task.Deadline, task.Status, task.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

// ListOpenTasks returns the unresolved tasks of a plan execution.
func (s *SQLiteStore) ListOpenTasks(ctx context.Context, planExecutionID string) ([]model.DispatchedTask, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id, node_execution_id, plan_execution_id, executor_id, category,
			capacity, payload, deadline, status, created_at
		FROM dispatched_tasks
		WHERE plan_execution_id = ? AND status IN (?, ?)
		ORDER BY created_at, task_id`,
		planExecutionID, model.TaskPending, model.TaskDelivered,
	)
	if err != nil {
		return nil, fmt.Errorf("list open tasks: %w", err)
	}
	defer rows.Close()

	var out []model.DispatchedTask
	for rows.Next() {
		var t model.DispatchedTask
		var payload sql.NullString
		if err := rows.Scan(
			&t.TaskID, &t.NodeExecutionID, &t.PlanExecutionID, &t.ExecutorID, &t.Category,
			&t.Capacity, &payload, &t.Deadline, &t.Status, &t.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &t.Payload); err != nil {
				return nil, fmt.Errorf("decode payload: %w", err)
			}
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return out, nil
}

// SaveOutcome stores an outcome body under ref.
func (s *SQLiteStore) SaveOutcome(ctx context.Context, ref, planExecutionID string, body map[string]any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode outcome: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO outcomes (ref, plan_execution_id, body, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(ref) DO UPDATE SET body = excluded.body`,
		ref, planExecutionID, string(data), s.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save outcome: %w", err)
	}
	return nil
}

// GetOutcome returns the outcome body stored under ref.
func (s *SQLiteStore) GetOutcome(ctx context.Context, ref string) (map[string]any, error) {
	var data string
	err := s.db.QueryRowContext(ctx, "SELECT body FROM outcomes WHERE ref = ?", ref).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get outcome: %w", err)
	}
	var body map[string]any
	if err := json.Unmarshal([]byte(data), &body); err != nil {
		return nil, fmt.Errorf("decode outcome: %w", err)
	}
	return body, nil
}

// AcquireLease takes ownership of a plan execution for ttl. It succeeds when
// the lease is free, expired or already held by owner, and returns
// ErrLeaseHeld otherwise.
func (s *SQLiteStore) AcquireLease(ctx context.Context, planExecutionID, owner string, ttl time.Duration) (Lease, error) {
	now := s.now()
	expires := now.Add(ttl)
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO plan_leases (plan_execution_id, owner, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(plan_execution_id) DO UPDATE SET
			owner = excluded.owner,
			expires_at = excluded.expires_at
		WHERE plan_leases.owner = excluded.owner OR plan_leases.expires_at <= ?`,
		planExecutionID, owner, expires.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return Lease{}, fmt.Errorf("acquire lease: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return Lease{}, fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return Lease{}, fmt.Errorf("plan %s: %w", planExecutionID, ErrLeaseHeld)
	}
	return Lease{PlanExecutionID: planExecutionID, Owner: owner, ExpiresAt: time.UnixMilli(expires.UnixMilli())}, nil
}

// RenewLease extends a lease held by owner. It returns ErrLeaseHeld when the
// lease has been taken over.
func (s *SQLiteStore) RenewLease(ctx context.Context, planExecutionID, owner string, ttl time.Duration) (Lease, error) {
	expires := s.now().Add(ttl)
	result, err := s.db.ExecContext(ctx,
		`UPDATE plan_leases SET expires_at = ? WHERE plan_execution_id = ? AND owner = ?`,
		expires.UnixMilli(), planExecutionID, owner,
	)
	if err != nil {
		return Lease{}, fmt.Errorf("renew lease: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return Lease{}, fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return Lease{}, fmt.Errorf("plan %s: %w", planExecutionID, ErrLeaseHeld)
	}
	return Lease{PlanExecutionID: planExecutionID, Owner: owner, ExpiresAt: time.UnixMilli(expires.UnixMilli())}, nil
}

// ReleaseLease drops a lease held by owner. Releasing a lease that is not
// held is a no-op.
func (s *SQLiteStore) ReleaseLease(ctx context.Context, planExecutionID, owner string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM plan_leases WHERE plan_execution_id = ? AND owner = ?`,
		planExecutionID, owner,
	)
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

func expectRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullableText(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}
