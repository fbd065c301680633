package cluster

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/dontdude/goxec-cluster/internal/domain"
	"github.com/dontdude/goxec-cluster/internal/platform/discovery"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNodeLifecycle(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	membership := discovery.NewMemoryMembership(time.Second)
	registry := discovery.NewMemoryRegistry(time.Second)
	node := NewNode(domain.ClusterNode{ID: "w1", Role: domain.RoleWorker}, membership, registry, "svc", 10*time.Millisecond, discardLogger())

	if err := node.Join(ctx); err != nil {
		t.Fatalf("Join: %v", err)
	}
	h := domain.PoolHandle{ID: "p1", NodeID: "w1", Stream: "goxec:pool:p1", Size: 2}
	if err := node.Publish(ctx, h); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- node.Run(runCtx) }()
	time.Sleep(50 * time.Millisecond)
	stop()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	pools, _ := registry.Resolve(ctx, "svc")
	if len(pools) != 1 || pools[0] != h {
		t.Fatalf("Resolve = %+v, want [%+v]", pools, h)
	}
	members, _ := membership.Members(ctx)
	if len(members) != 1 || members[0].Liveness != domain.LivenessUp {
		t.Fatalf("members = %+v", members)
	}

	if err := node.Leave(ctx); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if pools, _ := registry.Resolve(ctx, "svc"); len(pools) != 0 {
		t.Errorf("pools after leave = %+v", pools)
	}
	if members, _ := membership.Members(ctx); len(members) != 0 {
		t.Errorf("members after leave = %+v", members)
	}
}

func TestPoolWatcherRefresh(t *testing.T) {
	ctx := context.Background()
	registry := discovery.NewMemoryRegistry(time.Minute)
	w := NewPoolWatcher(registry, nil, "svc", time.Hour, discardLogger())

	if got := w.Pools(); len(got) != 0 {
		t.Fatalf("initial snapshot = %+v", got)
	}

	registry.Register(ctx, "svc", domain.PoolHandle{ID: "a"})
	registry.Register(ctx, "svc", domain.PoolHandle{ID: "b"})
	if err := w.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if got := w.Pools(); len(got) != 2 {
		t.Fatalf("snapshot = %+v, want 2 pools", got)
	}

	registry.Deregister(ctx, "svc", "a")
	w.Refresh(ctx)
	if got := w.Pools(); len(got) != 1 || got[0].ID != "b" {
		t.Fatalf("snapshot = %+v, want [b]", got)
	}
}

func TestPoolWatcherFollowsMembershipEvents(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	membership := discovery.NewMemoryMembership(time.Second)
	registry := discovery.NewMemoryRegistry(time.Minute)
	w := NewPoolWatcher(registry, membership, "svc", time.Hour, discardLogger())
	go w.Run(ctx)

	// Give Run time to subscribe before the join is announced.
	time.Sleep(20 * time.Millisecond)
	registry.Register(ctx, "svc", domain.PoolHandle{ID: "p1", NodeID: "w1"})
	membership.Join(ctx, domain.ClusterNode{ID: "w1", Role: domain.RoleWorker})

	for len(w.Pools()) != 1 {
		select {
		case <-ctx.Done():
			t.Fatal("watcher never saw the new pool")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestPoolWatcherDropsCrashedNode(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	membership := discovery.NewMemoryMembership(20 * time.Millisecond)
	registry := discovery.NewMemoryRegistry(time.Minute)
	events, _ := membership.Events(ctx)

	// w1 joins and publishes, then never heartbeats again.
	crashed := NewNode(domain.ClusterNode{ID: "w1", Role: domain.RoleWorker}, membership, registry, "svc", time.Hour, discardLogger())
	crashed.Join(ctx)
	crashed.Publish(ctx, domain.PoolHandle{ID: "p1", NodeID: "w1"})

	alive := NewNode(domain.ClusterNode{ID: "w2", Role: domain.RoleWorker}, membership, registry, "svc", 2*time.Millisecond, discardLogger())
	alive.Join(ctx)
	alive.Publish(ctx, domain.PoolHandle{ID: "p2", NodeID: "w2"})
	go alive.Run(ctx)

	w := NewPoolWatcher(registry, membership, "svc", 5*time.Millisecond, discardLogger())
	go w.Run(ctx)

	left := false
	for !left {
		select {
		case ev := <-events:
			left = ev.Type == domain.MemberLeft && ev.Node.ID == "w1"
		case <-ctx.Done():
			t.Fatal("crashed node was never announced as left")
		}
	}

	for {
		got := w.Pools()
		if len(got) == 1 && got[0].ID == "p2" {
			break
		}
		select {
		case <-ctx.Done():
			t.Fatalf("snapshot = %+v, want only p2", got)
		case <-time.After(5 * time.Millisecond):
		}
	}

	members, _ := membership.Members(ctx)
	if len(members) != 1 || members[0].ID != "w2" {
		t.Errorf("members = %+v, want only w2", members)
	}
}
