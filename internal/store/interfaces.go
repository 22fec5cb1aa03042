package store

import (
	"context"
	"database/sql"
	"errors"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// DBTransaction defines the methods shared by *sql.DB and *sql.Tx
// This allows us to pass either a connection pool or an active transaction to the repository methods.
type DBTransaction interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// ResultIndex maps lab fingerprints to the execution that produced their output.
type ResultIndex interface {
	// GetExecutionByFingerprint returns the authoritative execution for a fingerprint.
	// Returns ErrNotFound on a cache miss.
	GetExecutionByFingerprint(ctx context.Context, fingerprint string) (*Execution, error)

	// PutFingerprint points a fingerprint at an execution. Last writer wins.
	PutFingerprint(ctx context.Context, fingerprint, executionID string) error

	// LabsForFingerprint returns the IDs of all labs associated with a fingerprint.
	LabsForFingerprint(ctx context.Context, fingerprint string) ([]string, error)

	// AssociateLab adds a lab to the set of labs sharing a fingerprint.
	AssociateLab(ctx context.Context, fingerprint, labID string) error

	// MarkLabsCachedRun flags every given lab as having a cached run available.
	MarkLabsCachedRun(ctx context.Context, labIDs []string) error

	// GetLab returns the bookkeeping record of a lab.
	GetLab(ctx context.Context, labID string) (*LabRecord, error)
}

// ExecutionLedger is the durable record of executions and their message logs.
type ExecutionLedger interface {
	// CreateExecution inserts a new execution. StartedAt is assigned by the store.
	CreateExecution(ctx context.Context, execution *Execution) error

	// CompleteExecution marks an execution as finished. FinishedAt is assigned by the store.
	CompleteExecution(ctx context.Context, executionID string) error

	// GetExecutionByID returns an execution by its ID.
	GetExecutionByID(ctx context.Context, id string) (*Execution, error)

	// AddMessage appends a message to its execution's log.
	// The persisted timestamp is assigned by the store.
	AddMessage(ctx context.Context, msg *ExecutionMessage) error

	// GetMessages returns up to limit messages with Seq greater than afterSeq, in order.
	GetMessages(ctx context.Context, executionID string, afterSeq int64, limit int) ([]ExecutionMessage, error)
}

// Store combines everything the orchestrator and the controller need.
type Store interface {
	InvocationSource
	ResultIndex
	ExecutionLedger
	Ping(ctx context.Context) error
	Close() error
}
