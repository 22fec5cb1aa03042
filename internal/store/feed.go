package store

import "context"

// InvocationSource is the feed of invocations the orchestrator listens on.
// A subscription first replays what a listener could have missed while no
// one was subscribed, then delivers invocations created or changed later.
type InvocationSource interface {
	// CreateInvocation stores a new invocation and publishes it to subscribers.
	// ID and CreatedAt are assigned when empty.
	CreateInvocation(ctx context.Context, inv *Invocation) error

	// GetInvocation returns an invocation by its ID.
	GetInvocation(ctx context.Context, id string) (*Invocation, error)

	// RequestStop turns an invocation into a stop request and publishes the change.
	RequestStop(ctx context.Context, id string) error

	// SubscribeInvocations streams start invocations addressed to serverID.
	// Invocations without any recorded message or execution are replayed
	// first, oldest first. The channel is closed when ctx is done.
	SubscribeInvocations(ctx context.Context, serverID string) (<-chan Invocation, error)

	// SubscribeStops streams invocations whose kind changed to stop. Stops
	// of executions still running are replayed first. The channel is closed
	// when ctx is done.
	SubscribeStops(ctx context.Context) (<-chan Invocation, error)
}
