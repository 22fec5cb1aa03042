// Package runtime provides the Runner interface for lab execution backends.
package runtime

import (
	"context"
	"errors"

	"labplane/internal/store"
)

// ErrMalformedBundle is returned by Start when a lab bundle cannot be run.
var ErrMalformedBundle = errors.New("malformed bundle")

// Origin is the output channel an event was written to.
type Origin string

const (
	OriginStdout Origin = "stdout"
	OriginStderr Origin = "stderr"
)

// Event is a chunk of output produced by a running lab.
type Event struct {
	Origin  Origin
	Content string
}

// Runner defines the interface for executing labs.
// Implementations include a simulated runner, raw processes, Docker and Kubernetes.
type Runner interface {
	// Start begins execution of a lab and returns a handle to its output.
	// A malformed bundle fails fast with ErrMalformedBundle.
	Start(ctx context.Context, opts StartOptions) (Handle, error)

	// Stop terminates a running execution. It is safe to call on an
	// execution that already finished or was already stopped.
	Stop(ctx context.Context, executionID string) error
}

// StartOptions contains the parameters for starting a lab.
type StartOptions struct {
	ExecutionID string
	Lab         store.Lab
	Env         map[string]string
}

// ExitResult describes how a run ended.
type ExitResult struct {
	ExitCode int
	Stopped  bool
	Error    error
}

// Handle represents a running lab execution.
type Handle interface {
	// Events streams output in the order the lab produced it.
	// The channel is closed once the run has ended.
	Events() <-chan Event

	// Wait blocks until the run has ended and returns how it ended.
	Wait(ctx context.Context) (ExitResult, error)
}
