package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dontdude/goxec-cluster/internal/domain"
	"github.com/dontdude/goxec-cluster/internal/platform/metrics"
)

// GenericFailure is the only reason a caller sees when the cluster gave no answer.
const GenericFailure = "execution unavailable, please try again"

// Options configures a Gateway.
type Options struct {
	NodeID       string
	ReplyTo      string
	Balancers    int
	ReplyTimeout time.Duration
}

// Gateway owns the balancers of a node and the table of requests awaiting an outcome.
type Gateway struct {
	opts      Options
	queue     domain.TaskQueue
	balancers []*Balancer
	logger    *slog.Logger

	mu       sync.Mutex
	inflight map[string]chan domain.Outcome
}

// New creates a gateway whose balancers dispatch over pools.
func New(opts Options, queue domain.TaskQueue, pools PoolSource, logger *slog.Logger) *Gateway {
	logger = logger.With("component", "gateway", "nodeID", opts.NodeID)
	if opts.Balancers < 1 {
		opts.Balancers = 1
	}
	g := &Gateway{
		opts:     opts,
		queue:    queue,
		logger:   logger,
		inflight: make(map[string]chan domain.Outcome),
	}
	for i := 0; i < opts.Balancers; i++ {
		g.balancers = append(g.balancers, newBalancer(i, pools, queue, logger))
	}
	return g
}

// Start subscribes to the node's reply channel and launches the balancers.
// Everything stops when ctx is done.
func (g *Gateway) Start(ctx context.Context) error {
	replies, err := g.queue.SubscribeReplies(ctx, g.opts.ReplyTo)
	if err != nil {
		return fmt.Errorf("subscribe replies: %w", err)
	}
	for _, b := range g.balancers {
		go b.run(ctx)
	}
	go g.deliver(ctx, replies)

	g.logger.Info("Gateway started", "balancers", len(g.balancers), "replyTo", g.opts.ReplyTo, "replyTimeout", g.opts.ReplyTimeout)
	return nil
}

func (g *Gateway) deliver(ctx context.Context, replies <-chan domain.Outcome) {
	for {
		select {
		case <-ctx.Done():
			return
		case outcome, ok := <-replies:
			if !ok {
				return
			}
			g.mu.Lock()
			ch, waiting := g.inflight[outcome.TaskID]
			g.mu.Unlock()
			if !waiting {
				g.logger.Debug("Dropping late outcome", "taskID", outcome.TaskID)
				continue
			}
			select {
			case ch <- outcome:
			default:
			}
		}
	}
}

// Execute runs code through the cluster and returns its outcome. When no
// outcome arrives within the reply timeout the caller gets a generic failure;
// a late outcome is dropped.
func (g *Gateway) Execute(ctx context.Context, language, code string) domain.Outcome {
	task := domain.Task{
		ID:       uuid.NewString(),
		Code:     code,
		Language: language,
		ReplyTo:  g.opts.ReplyTo,
	}
	logger := g.logger.With("taskID", task.ID, "language", language)

	reply := make(chan domain.Outcome, 1)
	g.mu.Lock()
	g.inflight[task.ID] = reply
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.inflight, task.ID)
		g.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, g.opts.ReplyTimeout)
	defer cancel()

	b := g.balancers[rand.IntN(len(g.balancers))]
	if err := b.Dispatch(ctx, task); err != nil {
		reason := "send"
		switch {
		case errors.Is(err, domain.ErrNoPools):
			reason = "no_pools"
		case errors.Is(err, context.DeadlineExceeded):
			reason = "timeout"
		}
		logger.Warn("Dispatch failed", "reason", reason, "error", err)
		return g.failure(task.ID, reason)
	}

	select {
	case outcome := <-reply:
		return outcome
	case <-ctx.Done():
		logger.Warn("No outcome within reply timeout", "timeout", g.opts.ReplyTimeout)
		return g.failure(task.ID, "timeout")
	}
}

func (g *Gateway) failure(taskID, reason string) domain.Outcome {
	metrics.DispatchFailures.WithLabelValues(reason).Inc()
	return domain.Failed(domain.FailureDispatchTimeout, GenericFailure).For(taskID)
}
