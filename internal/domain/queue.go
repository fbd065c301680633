package domain

import "context"

// TaskQueue defines the contract for moving tasks to remote pools and outcomes back.
// It decouples the application from the underlying message broker (Redis, in-memory).
type TaskQueue interface {
	// Send enqueues a task on the stream of the pool behind handle.
	Send(ctx context.Context, handle PoolHandle, task Task) error

	// Subscribe returns a read-only channel that streams the tasks addressed to handle.
	// It handles the details of consumer groups internally.
	Subscribe(ctx context.Context, handle PoolHandle) (<-chan Task, error)

	// Acknowledge confirms that a task has been answered.
	// This removes it from the Pending Entry list (PEL).
	Acknowledge(ctx context.Context, handle PoolHandle, rawID string) error

	// Reply publishes an outcome to the requester listening on replyTo.
	Reply(ctx context.Context, replyTo string, outcome Outcome) error

	// SubscribeReplies streams the outcomes published to replyTo.
	SubscribeReplies(ctx context.Context, replyTo string) (<-chan Outcome, error)
}
