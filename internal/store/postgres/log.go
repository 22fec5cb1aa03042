package postgres

import (
	"context"
	"fmt"

	"labplane/internal/store"
)

func (s *Store) AddMessage(ctx context.Context, msg *store.ExecutionMessage) error {
	query := `
		INSERT INTO execution_messages (execution_id, id, seq, kind, data)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`
	err := s.db.QueryRowContext(ctx, query,
		msg.ExecutionID, msg.ID, msg.Seq, msg.Kind, msg.Data,
	).Scan(&msg.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to add message %d to execution %s: %w", msg.Seq, msg.ExecutionID, err)
	}
	return nil
}

// GetMessages pages through an execution's log. A limit <= 0 returns everything after afterSeq.
func (s *Store) GetMessages(ctx context.Context, executionID string, afterSeq int64, limit int) ([]store.ExecutionMessage, error) {
	query := `
		SELECT id, execution_id, seq, kind, data, created_at
		FROM execution_messages
		WHERE execution_id = $1 AND seq > $2
		ORDER BY seq ASC
		LIMIT $3
	`
	var limitArg interface{}
	if limit > 0 {
		limitArg = limit
	}

	rows, err := s.db.QueryContext(ctx, query, executionID, afterSeq, limitArg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []store.ExecutionMessage
	for rows.Next() {
		var m store.ExecutionMessage
		if err := rows.Scan(&m.ID, &m.ExecutionID, &m.Seq, &m.Kind, &m.Data, &m.Timestamp); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}
