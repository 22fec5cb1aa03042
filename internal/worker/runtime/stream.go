package runtime

import (
	"context"
	"fmt"
	"sync"
)

// stream is the Handle shared by all runners. The producing goroutine
// calls emit for each chunk and finish exactly once.
type stream struct {
	events chan Event
	done   chan struct{}
	result ExitResult
}

func newStream() *stream {
	return &stream{
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}
}

func (s *stream) Events() <-chan Event {
	return s.events
}

func (s *stream) Wait(ctx context.Context) (ExitResult, error) {
	select {
	case <-s.done:
		return s.result, nil
	case <-ctx.Done():
		return ExitResult{ExitCode: -1, Error: ctx.Err()}, ctx.Err()
	}
}

// emit forwards an event unless the run context is gone.
func (s *stream) emit(ctx context.Context, origin Origin, content string) bool {
	if content == "" {
		return true
	}
	select {
	case s.events <- Event{Origin: origin, Content: content}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *stream) finish(result ExitResult) {
	close(s.events)
	s.result = result
	close(s.done)
}

// eventWriter turns writes into events of one origin.
type eventWriter struct {
	ctx    context.Context
	s      *stream
	origin Origin
}

func (w *eventWriter) Write(p []byte) (int, error) {
	if !w.s.emit(w.ctx, w.origin, string(p)) {
		return 0, w.ctx.Err()
	}
	return len(p), nil
}

// registry tracks every execution from the moment its start begins until
// its run ends.
type registry struct {
	mu      sync.Mutex
	running map[string]*entry
}

// entry is one registered execution. Until the backend is up it has no
// halt function, and a stop cancels the start context instead.
type entry struct {
	mu      sync.Mutex
	cancel  context.CancelFunc
	halt    func(context.Context) error
	stopped bool
}

func (e *entry) stop(ctx context.Context) error {
	e.mu.Lock()
	e.stopped = true
	halt := e.halt
	e.mu.Unlock()
	if halt == nil {
		e.cancel()
		return nil
	}
	return halt(ctx)
}

// running installs halt once the backend is up. It reports false when a
// stop arrived first; the caller then owns halting the backend.
func (e *entry) running(halt func(context.Context) error) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return false
	}
	e.halt = halt
	return true
}

func (e *entry) isStopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopped
}

func newRegistry() *registry {
	return &registry{running: make(map[string]*entry)}
}

// begin registers an execution whose backend is still being prepared.
// The returned context is cancelled by a stop that arrives before running.
func (r *registry) begin(ctx context.Context, executionID string) (context.Context, *entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.running[executionID]; ok {
		return nil, nil, fmt.Errorf("execution %s is already running", executionID)
	}
	startCtx, cancel := context.WithCancel(ctx)
	e := &entry{cancel: cancel}
	r.running[executionID] = e
	return startCtx, e, nil
}

// add registers an execution whose backend is already running.
func (r *registry) add(executionID string, stop func(context.Context) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.running[executionID]; ok {
		return fmt.Errorf("execution %s is already running", executionID)
	}
	r.running[executionID] = &entry{cancel: func() {}, halt: stop}
	return nil
}

func (r *registry) remove(executionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.running[executionID]; ok {
		e.cancel()
		delete(r.running, executionID)
	}
}

// stop halts a registered execution. Unknown executions are ignored.
func (r *registry) stop(ctx context.Context, executionID string) error {
	r.mu.Lock()
	e, ok := r.running[executionID]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return e.stop(ctx)
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.running)
}

// stoppedStream is the handle of a run that was stopped before its backend started.
func stoppedStream() *stream {
	s := newStream()
	s.finish(ExitResult{ExitCode: -1, Stopped: true})
	return s
}
