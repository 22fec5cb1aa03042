package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"labplane/internal/store"
)

const executionColumns = `id, fingerprint, lab_id, user_id, status, server_info, started_at, finished_at`

func scanExecution(row *sql.Row) (*store.Execution, error) {
	var e store.Execution
	err := row.Scan(
		&e.ID, &e.Fingerprint, &e.LabID, &e.UserID,
		&e.Status, &e.ServerInfo, &e.StartedAt, &e.FinishedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *Store) CreateExecution(ctx context.Context, execution *store.Execution) error {
	if execution.Status == "" {
		execution.Status = store.ExecutionStatusExecuting
	}

	query := `
		INSERT INTO executions (id, fingerprint, lab_id, user_id, status, server_info)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING started_at
	`
	err := s.db.QueryRowContext(ctx, query,
		execution.ID, execution.Fingerprint, execution.LabID,
		execution.UserID, execution.Status, execution.ServerInfo,
	).Scan(&execution.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to create execution %s: %w", execution.ID, err)
	}
	execution.FinishedAt = nil
	return nil
}

// CompleteExecution marks the execution finished. A second call keeps the first finish time.
func (s *Store) CompleteExecution(ctx context.Context, executionID string) error {
	query := `
		UPDATE executions
		SET status = $2, finished_at = COALESCE(finished_at, NOW())
		WHERE id = $1
	`
	res, err := s.db.ExecContext(ctx, query, executionID, store.ExecutionStatusFinished)
	if err != nil {
		return fmt.Errorf("failed to complete execution %s: %w", executionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) GetExecutionByID(ctx context.Context, id string) (*store.Execution, error) {
	query := "SELECT " + executionColumns + " FROM executions WHERE id = $1"
	return scanExecution(s.db.QueryRowContext(ctx, query, id))
}
