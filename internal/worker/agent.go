package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"sync"
	"time"

	"labplane/internal/store"
)

// ErrFeedClosed is returned by Run when a subscription ends before the agent is cancelled.
var ErrFeedClosed = errors.New("invocation feed closed")

// AgentConfig holds configuration for the worker agent.
type AgentConfig struct {
	// ServerID selects the invocations this agent handles.
	ServerID string
	// Concurrency bounds in-flight invocations (default: 64).
	Concurrency int
	// StopTimeout bounds a single Stop call (default: 10s).
	StopTimeout time.Duration
}

// Agent listens on the invocation and stop feeds and dispatches them.
type Agent struct {
	source       store.InvocationSource
	orchestrator *Orchestrator
	config       AgentConfig
	logger       *slog.Logger
	done         chan struct{}
}

// NewAgent creates a new worker agent.
func NewAgent(source store.InvocationSource, orchestrator *Orchestrator, config AgentConfig, logger *slog.Logger) *Agent {
	if config.Concurrency <= 0 {
		config.Concurrency = 64
	}
	if config.StopTimeout <= 0 {
		config.StopTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		source:       source,
		orchestrator: orchestrator,
		config:       config,
		logger:       logger.With("server_id", config.ServerID),
		done:         make(chan struct{}),
	}
}

// Run subscribes to both feeds and blocks until ctx is cancelled.
// Invocations already started are allowed to finish before Run returns.
func (a *Agent) Run(ctx context.Context) error {
	defer close(a.done)

	invocations, err := a.source.SubscribeInvocations(ctx, a.config.ServerID)
	if err != nil {
		return fmt.Errorf("failed to subscribe to invocations: %w", err)
	}
	stops, err := a.source.SubscribeStops(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to stops: %w", err)
	}

	log.Printf("Agent %s listening with concurrency %d", a.config.ServerID, a.config.Concurrency)

	// Semaphore to limit concurrency. Waiting for a slot happens off the
	// loop so stop requests are never held up by a saturated agent.
	sem := make(chan struct{}, a.config.Concurrency)
	var wg sync.WaitGroup

	for {
		select {
		case <-ctx.Done():
			log.Println("Context cancelled, waiting for running invocations to finish...")
			wg.Wait()
			return ctx.Err()

		case inv, ok := <-invocations:
			if !ok {
				wg.Wait()
				return a.feedEnded(ctx)
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				select {
				case sem <- struct{}{}:
				case <-ctx.Done():
					// Still unhandled in the store, so the next subscription replays it.
					a.logger.Warn("leaving invocation for the next subscription, agent is shutting down", "invocation_id", inv.ID)
					return
				}
				defer func() { <-sem }()
				a.process(ctx, inv)
			}()

		case inv, ok := <-stops:
			if !ok {
				wg.Wait()
				return a.feedEnded(ctx)
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				a.stop(inv)
			}()
		}
	}
}

func (a *Agent) feedEnded(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return ErrFeedClosed
}

// Done returns a channel that is closed when the agent has fully stopped.
func (a *Agent) Done() <-chan struct{} {
	return a.done
}

// process drives one invocation to its terminal message. The run itself
// does not depend on ctx, so a shutdown only stops the draining here.
func (a *Agent) process(ctx context.Context, inv store.Invocation) {
	logger := a.logger.With("invocation_id", inv.ID)
	logger.Info("processing invocation", "lab_id", inv.Lab.ID, "user_id", inv.UserID)

	stream := a.orchestrator.Handle(ctx, inv)
	var last store.ExecutionMessage
	for msg := range stream.Messages() {
		last = msg
	}
	if err := stream.Err(); err != nil {
		logger.Error("invocation completed with errors", "error", err)
		return
	}
	logger.Info("invocation completed", "terminal", last.Kind)
}

func (a *Agent) stop(inv store.Invocation) {
	ctx, cancel := context.WithTimeout(context.Background(), a.config.StopTimeout)
	defer cancel()

	a.logger.Info("stopping execution", "execution_id", inv.ID)
	if err := a.orchestrator.Stop(ctx, inv.ID); err != nil {
		a.logger.Error("failed to stop execution", "execution_id", inv.ID, "error", err)
	}
}
