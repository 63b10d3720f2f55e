package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/bifrost-run/bifrost/internal/execution"
)

// ErrNotFound is returned when no record exists for an execution ID.
var ErrNotFound = errors.New("store: execution not found")

// ErrAlreadyTerminal is returned by Finalize when the record is already
// in a terminal state. Terminal states are write-once.
var ErrAlreadyTerminal = errors.New("store: execution already terminal")

// executionColumns is the list of columns to select for execution queries.
const executionColumns = `id, kind, target_id, tenant_id, user_id, status,
	started_at, finished_at, result, error_kind, error_message, logs_ref,
	duration_ms, peak_memory_bytes, integrations, created_at, updated_at`

// ExecutionRepository persists execution records using SQLite.
type ExecutionRepository struct {
	db *sql.DB
}

func newExecutionRepository(db *sql.DB) *ExecutionRepository {
	return &ExecutionRepository{db: db}
}

// scanExecution scans a row into an ExecutionModel.
func scanExecution(scanner interface{ Scan(...any) error }) (*ExecutionModel, error) {
	var model ExecutionModel
	err := scanner.Scan(
		&model.ID, &model.Kind, &model.TargetID, &model.TenantID, &model.UserID, &model.Status,
		&model.StartedAt, &model.FinishedAt, &model.Result, &model.ErrorKind, &model.ErrorMessage, &model.LogsRef,
		&model.DurationMS, &model.PeakMemoryBytes, &model.Integrations, &model.CreatedAt, &model.UpdatedAt,
	)
	return &model, err
}

// Create inserts a new PENDING record. The ID must be unique.
func (r *ExecutionRepository) Create(rec *execution.Record, now int64) error {
	model := toExecutionModel(rec)
	_, err := r.db.Exec(
		`INSERT INTO executions (
			id, kind, target_id, tenant_id, user_id, status,
			started_at, finished_at, result, error_kind, error_message, logs_ref,
			duration_ms, peak_memory_bytes, integrations, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		model.ID, model.Kind, model.TargetID, model.TenantID, model.UserID, model.Status,
		model.StartedAt, model.FinishedAt, model.Result, model.ErrorKind, model.ErrorMessage, model.LogsRef,
		model.DurationMS, model.PeakMemoryBytes, model.Integrations, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to insert execution: %w", err)
	}
	return nil
}

// UpsertRunning marks an execution RUNNING and returns the prior status.
// Duplicate queue deliveries make this idempotent: a record that is
// already terminal is left untouched and its status returned, letting the
// caller skip redundant work. A missing record (crash between the record
// write and the queue write was survived by neither) is created directly
// in RUNNING with prior status "".
func (r *ExecutionRepository) UpsertRunning(rec *execution.Record, startedAt int64) (execution.Status, error) {
	tx, err := r.db.Begin()
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var prior string
	err = tx.QueryRow(`SELECT status FROM executions WHERE id = ?`, string(rec.ID)).Scan(&prior)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		model := toExecutionModel(rec)
		model.Status = string(execution.StatusRunning)
		_, err = tx.Exec(
			`INSERT INTO executions (
				id, kind, target_id, tenant_id, user_id, status,
				started_at, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			model.ID, model.Kind, model.TargetID, model.TenantID, model.UserID, model.Status,
			startedAt, startedAt, startedAt,
		)
		if err != nil {
			return "", fmt.Errorf("failed to insert running execution: %w", err)
		}
		return "", tx.Commit()

	case err != nil:
		return "", fmt.Errorf("failed to read execution status: %w", err)
	}

	priorStatus := execution.Status(prior)
	if priorStatus.IsTerminal() {
		return priorStatus, tx.Commit()
	}

	_, err = tx.Exec(
		`UPDATE executions SET status = ?, started_at = COALESCE(started_at, ?), updated_at = ?
		 WHERE id = ?`,
		string(execution.StatusRunning), startedAt, startedAt, string(rec.ID),
	)
	if err != nil {
		return priorStatus, fmt.Errorf("failed to mark execution running: %w", err)
	}
	return priorStatus, tx.Commit()
}

// Finalize writes the terminal outcome for an execution. The update is
// guarded so terminal states are write-once: finalizing a record that is
// already terminal returns ErrAlreadyTerminal and leaves it untouched.
func (r *ExecutionRepository) Finalize(res *execution.Result, logsRef string, finishedAt int64) error {
	var resultJSON, errorKind, errorMessage, logsRefPtr, integrations *string
	if len(res.Result) > 0 {
		s := string(res.Result)
		resultJSON = &s
	}
	if res.ErrorKind != "" {
		s := string(res.ErrorKind)
		errorKind = &s
	}
	if res.ErrorMessage != "" {
		s := res.ErrorMessage
		errorMessage = &s
	}
	if logsRef != "" {
		logsRefPtr = &logsRef
	}
	if len(res.Usage.Integrations) > 0 {
		model := toExecutionModel(&execution.Record{Usage: res.Usage})
		integrations = model.Integrations
	}

	result, err := r.db.Exec(
		`UPDATE executions SET
			status = ?, finished_at = ?, result = ?, error_kind = ?, error_message = ?,
			logs_ref = ?, duration_ms = ?, peak_memory_bytes = ?, integrations = ?, updated_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		string(res.Status), finishedAt, resultJSON, errorKind, errorMessage,
		logsRefPtr, res.Usage.DurationMS, res.Usage.PeakMemoryBytes, integrations, finishedAt,
		string(res.ExecutionID), string(execution.StatusPending), string(execution.StatusRunning),
	)
	if err != nil {
		return fmt.Errorf("failed to finalize execution: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		if _, err := r.Get(res.ExecutionID); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrAlreadyTerminal
	}
	return nil
}

// Get retrieves an execution record by ID.
func (r *ExecutionRepository) Get(id execution.ID) (*execution.Record, error) {
	row := r.db.QueryRow(
		`SELECT `+executionColumns+` FROM executions WHERE id = ?`,
		string(id),
	)
	model, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}
	return model.toDomain(), nil
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	TenantID string
	Status   execution.Status
	Limit    int
}

// List retrieves execution records matching the filter, newest first.
func (r *ExecutionRepository) List(filter ListFilter) ([]*execution.Record, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE 1=1`
	args := []any{}

	if filter.TenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, filter.TenantID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*execution.Record
	for rows.Next() {
		model, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution row: %w", err)
		}
		records = append(records, model.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating execution rows: %w", err)
	}
	return records, nil
}
