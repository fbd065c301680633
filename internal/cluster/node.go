// Package cluster keeps a node present in the cluster and gives gateways a
// live view of the worker pools published under the service key.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dontdude/goxec-cluster/internal/domain"
)

// Node heartbeats its membership entry and refreshes the pools it published.
type Node struct {
	self       domain.ClusterNode
	membership domain.Membership
	registry   domain.Registry
	serviceKey string
	interval   time.Duration
	logger     *slog.Logger

	mu    sync.Mutex
	pools map[string]domain.PoolHandle
}

// NewNode prepares a node; nothing is written to the cluster until Join.
func NewNode(self domain.ClusterNode, membership domain.Membership, registry domain.Registry, serviceKey string, interval time.Duration, logger *slog.Logger) *Node {
	return &Node{
		self:       self,
		membership: membership,
		registry:   registry,
		serviceKey: serviceKey,
		interval:   interval,
		logger:     logger.With("nodeID", self.ID, "role", self.Role),
		pools:      make(map[string]domain.PoolHandle),
	}
}

// ID returns the node id.
func (n *Node) ID() string { return n.self.ID }

// Join announces the node to the cluster.
func (n *Node) Join(ctx context.Context) error {
	if err := n.membership.Join(ctx, n.self); err != nil {
		return fmt.Errorf("join cluster: %w", err)
	}
	n.logger.Info("Joined cluster", "addr", n.self.Addr)
	return nil
}

// Publish registers h under the service key and keeps it refreshed while Run is active.
func (n *Node) Publish(ctx context.Context, h domain.PoolHandle) error {
	if err := n.registry.Register(ctx, n.serviceKey, h); err != nil {
		return fmt.Errorf("publish pool %s: %w", h.ID, err)
	}
	n.mu.Lock()
	n.pools[h.ID] = h
	n.mu.Unlock()
	n.logger.Info("Published pool", "poolID", h.ID, "stream", h.Stream, "size", h.Size)
	return nil
}

// Run heartbeats every interval until ctx is done. Failed beats are logged and
// retried on the next tick; peers mark the node unreachable if they keep failing.
func (n *Node) Run(ctx context.Context) error {
	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := n.beat(ctx); err != nil && ctx.Err() == nil {
				n.logger.Warn("Heartbeat failed", "error", err)
			}
		}
	}
}

func (n *Node) beat(ctx context.Context) error {
	var errs []error
	if err := n.membership.Heartbeat(ctx, n.self.ID); err != nil {
		errs = append(errs, err)
	}

	n.mu.Lock()
	pools := make([]domain.PoolHandle, 0, len(n.pools))
	for _, h := range n.pools {
		pools = append(pools, h)
	}
	n.mu.Unlock()

	for _, h := range pools {
		if err := n.registry.Register(ctx, n.serviceKey, h); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Leave withdraws every published pool and the node itself.
func (n *Node) Leave(ctx context.Context) error {
	n.mu.Lock()
	ids := make([]string, 0, len(n.pools))
	for id := range n.pools {
		ids = append(ids, id)
	}
	n.pools = make(map[string]domain.PoolHandle)
	n.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := n.registry.Deregister(ctx, n.serviceKey, id); err != nil {
			errs = append(errs, err)
		}
	}
	if err := n.membership.Leave(ctx, n.self.ID); err != nil {
		errs = append(errs, err)
	}
	n.logger.Info("Left cluster", "pools", len(ids))
	return errors.Join(errs...)
}
