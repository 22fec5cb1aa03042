package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"labplane/internal/store"
)

func (s *Store) GetExecutionByFingerprint(ctx context.Context, fingerprint string) (*store.Execution, error) {
	query := `
		SELECT e.id, e.fingerprint, e.lab_id, e.user_id, e.status, e.server_info, e.started_at, e.finished_at
		FROM executions_by_hash h
		JOIN executions e ON e.id = h.execution_id
		WHERE h.fingerprint = $1
	`
	return scanExecution(s.db.QueryRowContext(ctx, query, fingerprint))
}

// PutFingerprint is a single atomic upsert; concurrent writers race and the last one wins.
func (s *Store) PutFingerprint(ctx context.Context, fingerprint, executionID string) error {
	query := `
		INSERT INTO executions_by_hash (fingerprint, execution_id)
		VALUES ($1, $2)
		ON CONFLICT (fingerprint) DO UPDATE
		SET execution_id = EXCLUDED.execution_id, updated_at = NOW()
	`
	if _, err := s.db.ExecContext(ctx, query, fingerprint, executionID); err != nil {
		return fmt.Errorf("failed to index fingerprint %s: %w", fingerprint, err)
	}
	return nil
}

func (s *Store) LabsForFingerprint(ctx context.Context, fingerprint string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT lab_id FROM lab_fingerprints WHERE fingerprint = $1 ORDER BY lab_id`, fingerprint)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) AssociateLab(ctx context.Context, fingerprint, labID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := s.ensureLab(ctx, tx, labID); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO lab_fingerprints (fingerprint, lab_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, fingerprint, labID)
	if err != nil {
		return fmt.Errorf("failed to associate lab %s: %w", labID, err)
	}
	return tx.Commit()
}

func (s *Store) ensureLab(ctx context.Context, tx store.DBTransaction, labID string) error {
	executor := s.getExecutor(tx)
	_, err := executor.ExecContext(ctx, `INSERT INTO labs (id) VALUES ($1) ON CONFLICT DO NOTHING`, labID)
	if err != nil {
		return fmt.Errorf("failed to create lab %s: %w", labID, err)
	}
	return nil
}

func (s *Store) MarkLabsCachedRun(ctx context.Context, labIDs []string) error {
	if len(labIDs) == 0 {
		return nil
	}
	query := `
		INSERT INTO labs (id, has_cached_run)
		SELECT unnest($1::text[]), TRUE
		ON CONFLICT (id) DO UPDATE SET has_cached_run = TRUE
	`
	if _, err := s.db.ExecContext(ctx, query, pq.Array(labIDs)); err != nil {
		return fmt.Errorf("failed to mark labs: %w", err)
	}
	return nil
}

func (s *Store) GetLab(ctx context.Context, labID string) (*store.LabRecord, error) {
	var lab store.LabRecord
	err := s.db.QueryRowContext(ctx, `SELECT id, has_cached_run FROM labs WHERE id = $1`, labID).
		Scan(&lab.ID, &lab.HasCachedRun)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &lab, nil
}
