package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dontdude/goxec-cluster/internal/domain"
)

const replyTimeout = 5 * time.Second

// Consumer feeds a pool from the task stream addressed to its handle and sends
// every outcome back to the requester's reply address.
type Consumer struct {
	queue  domain.TaskQueue
	pool   *Pool
	handle domain.PoolHandle
	logger *slog.Logger

	wg sync.WaitGroup
}

// NewConsumer binds a pool to the stream named by handle.
func NewConsumer(queue domain.TaskQueue, pool *Pool, handle domain.PoolHandle, logger *slog.Logger) *Consumer {
	return &Consumer{
		queue:  queue,
		pool:   pool,
		handle: handle,
		logger: logger.With("component", "consumer", "poolID", handle.ID),
	}
}

// Run consumes until ctx is done, then waits for the outcomes still in flight.
func (c *Consumer) Run(ctx context.Context) error {
	tasks, err := c.queue.Subscribe(ctx, c.handle)
	if err != nil {
		return err
	}
	c.logger.Info("Consuming tasks", "stream", c.handle.Stream)

	for task := range tasks {
		c.dispatch(ctx, task)
	}

	c.wg.Wait()
	c.logger.Info("Consumer stopped")
	return nil
}

func (c *Consumer) dispatch(ctx context.Context, task domain.Task) {
	reply := make(chan domain.Outcome, 1)
	task.Reply = reply

	if err := c.pool.Submit(task); err != nil {
		c.logger.Warn("Rejecting task", "taskID", task.ID, "error", err)
		reason := domain.ErrPoolSaturated.Error()
		if errors.Is(err, domain.ErrStopped) {
			reason = "worker pool stopping"
		}
		reply <- domain.Failed(domain.FailurePoolSaturated, reason).For(task.ID)
	}

	c.wg.Add(1)
	go c.await(ctx, task, reply)
}

// await relays the outcome and acknowledges the entry once the reply is out.
// A failed reply leaves the entry pending for the recovery routine.
func (c *Consumer) await(ctx context.Context, task domain.Task, reply <-chan domain.Outcome) {
	defer c.wg.Done()
	outcome := <-reply

	// Answer even while shutting down; the requester may still be waiting.
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), replyTimeout)
	defer cancel()

	if err := c.queue.Reply(sendCtx, task.ReplyTo, outcome); err != nil {
		c.logger.Error("Failed to send outcome", "taskID", task.ID, "replyTo", task.ReplyTo, "error", err)
		return
	}
	if err := c.queue.Acknowledge(sendCtx, c.handle, task.RawID); err != nil {
		c.logger.Error("Failed to ack task", "taskID", task.ID, "error", err)
	}
}
