package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dontdude/goxec-cluster/internal/domain"
	"github.com/dontdude/goxec-cluster/internal/platform/metrics"
)

// PoolWatcher holds the latest snapshot of the pools resolvable under a service key.
// Readers never block: Pools returns whatever the last refresh produced.
type PoolWatcher struct {
	registry   domain.Registry
	membership domain.Membership
	key        string
	interval   time.Duration
	logger     *slog.Logger

	snapshot atomic.Pointer[[]domain.PoolHandle]
}

// NewPoolWatcher creates a watcher. membership may be nil, in which case only
// the periodic refresh keeps the snapshot current.
func NewPoolWatcher(registry domain.Registry, membership domain.Membership, key string, interval time.Duration, logger *slog.Logger) *PoolWatcher {
	w := &PoolWatcher{
		registry:   registry,
		membership: membership,
		key:        key,
		interval:   interval,
		logger:     logger.With("component", "pool-watcher", "serviceKey", key),
	}
	empty := []domain.PoolHandle{}
	w.snapshot.Store(&empty)
	return w
}

// Pools returns the current snapshot. The slice must not be modified.
func (w *PoolWatcher) Pools() []domain.PoolHandle {
	return *w.snapshot.Load()
}

// Refresh resolves the service key and swaps the snapshot.
// With a membership view it also runs failure detection and keeps only
// pools whose node is up. On error the previous snapshot is kept.
func (w *PoolWatcher) Refresh(ctx context.Context) error {
	resolved, err := w.registry.Resolve(ctx, w.key)
	if err != nil {
		return fmt.Errorf("refresh pools: %w", err)
	}
	pools := make([]domain.PoolHandle, 0, len(resolved))
	if w.membership == nil {
		pools = append(pools, resolved...)
	} else {
		members, err := w.membership.Members(ctx)
		if err != nil {
			return fmt.Errorf("refresh members: %w", err)
		}
		up := make(map[string]bool, len(members))
		for _, n := range members {
			up[n.ID] = n.Liveness == domain.LivenessUp
		}
		for _, h := range resolved {
			if up[h.NodeID] {
				pools = append(pools, h)
			}
		}
	}
	prev := w.snapshot.Swap(&pools)
	if len(*prev) != len(pools) {
		w.logger.Info("Pool set changed", "pools", len(pools), "previous", len(*prev))
	}
	metrics.LivePools.Set(float64(len(pools)))
	return nil
}

// Run refreshes on every interval and on every membership change until ctx is done.
func (w *PoolWatcher) Run(ctx context.Context) error {
	if err := w.Refresh(ctx); err != nil {
		w.logger.Warn("Initial pool refresh failed", "error", err)
	}

	var events <-chan domain.MemberEvent
	if w.membership != nil {
		ch, err := w.membership.Events(ctx)
		if err != nil {
			w.logger.Warn("Membership events unavailable, polling only", "error", err)
		} else {
			events = ch
		}
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			w.logger.Debug("Membership changed", "event", ev.Type, "nodeID", ev.Node.ID)
		case <-ticker.C:
		}
		if err := w.Refresh(ctx); err != nil && ctx.Err() == nil {
			w.logger.Warn("Pool refresh failed", "error", err)
		}
	}
}
