// Package api contains shared JSON request/response structs.
// This package is shared between the CLI and Controller.
package api

import "time"

// LabFile is one file of a lab bundle.
type LabFile struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// Lab is the code bundle submitted for execution.
type Lab struct {
	ID    string    `json:"id"`
	Files []LabFile `json:"files"`
}

// CreateInvocationRequest is the request body for submitting a lab.
type CreateInvocationRequest struct {
	ServerID string `json:"server_id"`
	Lab      Lab    `json:"lab"`
}

// CreateInvocationResponse is the response body after submitting a lab.
// The invocation ID is also the ID of the execution it may produce.
type CreateInvocationResponse struct {
	InvocationID string `json:"invocation_id"`
}

// ExecutionResponse represents an execution in API responses.
type ExecutionResponse struct {
	ID          string     `json:"id"`
	Fingerprint string     `json:"fingerprint"`
	LabID       string     `json:"lab_id"`
	UserID      string     `json:"user_id"`
	Status      string     `json:"status"`
	ServerInfo  string     `json:"server_info"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// Message is a single execution message in the response.
type Message struct {
	ID        string    `json:"id"`
	Seq       int64     `json:"seq"`
	Kind      string    `json:"kind"`
	Data      string    `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// MessagesResponse is the response body for fetching execution messages.
// NextSeq is the after_seq value to pass to fetch the following page.
type MessagesResponse struct {
	Messages []Message `json:"messages"`
	NextSeq  int64     `json:"next_seq"`
}

// LabResponse is the bookkeeping record of a lab.
type LabResponse struct {
	ID           string `json:"id"`
	HasCachedRun bool   `json:"has_cached_run"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// Message kinds.
const (
	KindOutputRedirected  = "output_redirected"
	KindExecutionRejected = "execution_rejected"
	KindStdout            = "stdout"
	KindStderr            = "stderr"
	KindExecutionFinished = "execution_finished"
)

// Terminal reports whether a message of the given kind ends an execution's log.
func Terminal(kind string) bool {
	switch kind {
	case KindOutputRedirected, KindExecutionRejected, KindExecutionFinished:
		return true
	}
	return false
}
