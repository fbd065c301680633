// Package gateway is the HTTP entry point of the cluster. It hands every
// submission to a load balancer picked at random and waits, for a bounded
// time, for the outcome to come back on the node's reply channel.
package gateway

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dontdude/goxec-cluster/internal/domain"
)

// PoolSource provides the current snapshot of live worker pools.
type PoolSource interface {
	Pools() []domain.PoolHandle
}

type dispatch struct {
	ctx    context.Context
	task   domain.Task
	result chan<- error
}

// Balancer is a dispatch actor. It cycles through the pool snapshot and sends
// each task to the next pool in turn. Its index is private to its goroutine.
type Balancer struct {
	id     int
	inbox  chan dispatch
	pools  PoolSource
	queue  domain.TaskQueue
	logger *slog.Logger

	next int
}

func newBalancer(id int, pools PoolSource, queue domain.TaskQueue, logger *slog.Logger) *Balancer {
	return &Balancer{
		id:     id,
		inbox:  make(chan dispatch),
		pools:  pools,
		queue:  queue,
		logger: logger.With("balancerID", id),
	}
}

func (b *Balancer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-b.inbox:
			d.result <- b.send(d.ctx, d.task)
		}
	}
}

func (b *Balancer) send(ctx context.Context, task domain.Task) error {
	pools := b.pools.Pools()
	if len(pools) == 0 {
		return domain.ErrNoPools
	}
	h := pools[b.next%len(pools)]
	b.next = (b.next + 1) % len(pools)

	if err := b.queue.Send(ctx, h, task); err != nil {
		return fmt.Errorf("send to pool %s: %w", h.ID, err)
	}
	b.logger.Debug("Dispatched task", "taskID", task.ID, "poolID", h.ID, "nodeID", h.NodeID)
	return nil
}

// Dispatch asks the balancer to forward task and waits for the send to finish.
func (b *Balancer) Dispatch(ctx context.Context, task domain.Task) error {
	result := make(chan error, 1)
	select {
	case b.inbox <- dispatch{ctx: ctx, task: task, result: result}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
