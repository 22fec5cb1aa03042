// Package store contains the persistence layer for labplane.
package store

import "time"

// InvocationKind tells the orchestrator what an invocation asks for.
type InvocationKind string

const (
	InvocationKindStart InvocationKind = "start_execution"
	InvocationKindStop  InvocationKind = "stop_execution"
)

// LabFile is a single file of a code bundle.
type LabFile struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// Lab is the code bundle an invocation wants to run.
type Lab struct {
	ID    string    `json:"id"`
	Files []LabFile `json:"files"`
}

// Invocation is a request to start or stop the execution of a lab.
// It is created by a submitter and is read-only to the orchestrator.
type Invocation struct {
	ID        string         `json:"id"`
	ServerID  string         `json:"server_id"`
	UserID    string         `json:"user_id"`
	Kind      InvocationKind `json:"kind"`
	Lab       Lab            `json:"lab"`
	CreatedAt time.Time      `json:"created_at"`
}

// ExecutionStatus represents the state of an execution.
type ExecutionStatus string

const (
	ExecutionStatusExecuting ExecutionStatus = "executing"
	ExecutionStatusFinished  ExecutionStatus = "finished"
)

// Execution is the record of one actual run of a lab.
// Its ID is the ID of the invocation that caused it.
type Execution struct {
	ID          string          `json:"id"`
	Fingerprint string          `json:"fingerprint"`
	LabID       string          `json:"lab_id"`
	UserID      string          `json:"user_id"`
	Status      ExecutionStatus `json:"status"`
	ServerInfo  string          `json:"server_info"`
	StartedAt   time.Time       `json:"started_at"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
}

// MessageKind classifies an execution message.
type MessageKind string

const (
	MessageKindOutputRedirected  MessageKind = "output_redirected"
	MessageKindExecutionRejected MessageKind = "execution_rejected"
	MessageKindStdout            MessageKind = "stdout"
	MessageKindStderr            MessageKind = "stderr"
	MessageKindExecutionFinished MessageKind = "execution_finished"
)

// Terminal reports whether no further message can follow one of this kind.
func (k MessageKind) Terminal() bool {
	switch k {
	case MessageKindOutputRedirected, MessageKindExecutionRejected, MessageKindExecutionFinished:
		return true
	}
	return false
}

// ExecutionMessage is one unit of output or status of an execution.
// Messages are append-only and ordered by Seq within an execution.
type ExecutionMessage struct {
	ID          string      `json:"id"`
	ExecutionID string      `json:"execution_id"`
	Seq         int64       `json:"seq"`
	Kind        MessageKind `json:"kind"`
	Data        string      `json:"data"`
	Timestamp   time.Time   `json:"timestamp"`
}

// LabRecord is the bookkeeping kept per lab.
type LabRecord struct {
	ID           string `json:"id"`
	HasCachedRun bool   `json:"has_cached_run"`
}
