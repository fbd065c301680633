// Package discovery implements the cluster registry and membership
// on Redis, with in-memory twins used as test doubles.
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/dontdude/goxec-cluster/internal/domain"
	"github.com/redis/go-redis/v9"
)

const (
	nodesKey          = "goxec:nodes"
	membershipChannel = "goxec:membership"
)

func serviceKey(key string) string { return "goxec:service:" + key }
func handlesKey(key string) string { return "goxec:handles:" + key }

// RedisRegistry publishes pool handles in a sorted set scored by last refresh.
// A handle resolves while its owner keeps refreshing it within ttl.
type RedisRegistry struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

var _ domain.Registry = (*RedisRegistry)(nil)

// NewRedisRegistry returns a registry whose entries expire after ttl without refresh.
func NewRedisRegistry(client *redis.Client, ttl time.Duration) *RedisRegistry {
	return &RedisRegistry{client: client, ttl: ttl, now: time.Now}
}

// Register publishes or refreshes h under key.
func (r *RedisRegistry) Register(ctx context.Context, key string, h domain.PoolHandle) error {
	data, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("marshal handle: %w", err)
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, handlesKey(key), h.ID, data)
		pipe.ZAdd(ctx, serviceKey(key), redis.Z{Score: float64(r.now().UnixMilli()), Member: h.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("register %s under %s: %w", h.ID, key, err)
	}
	return nil
}

// Deregister removes a pool from key.
func (r *RedisRegistry) Deregister(ctx context.Context, key string, poolID string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, serviceKey(key), poolID)
		pipe.HDel(ctx, handlesKey(key), poolID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("deregister %s from %s: %w", poolID, key, err)
	}
	return nil
}

// Resolve returns the handles refreshed within ttl, ordered by pool id, and
// prunes the rest. Scores move with every refresh, so they never decide order.
func (r *RedisRegistry) Resolve(ctx context.Context, key string) ([]domain.PoolHandle, error) {
	cutoff := strconv.FormatInt(r.now().Add(-r.ttl).UnixMilli(), 10)

	stale, err := r.client.ZRangeByScore(ctx, serviceKey(key), &redis.ZRangeBy{Min: "-inf", Max: "(" + cutoff}).Result()
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", key, err)
	}
	if len(stale) > 0 {
		members := make([]interface{}, len(stale))
		for i, id := range stale {
			members[i] = id
		}
		r.client.ZRem(ctx, serviceKey(key), members...)
		r.client.HDel(ctx, handlesKey(key), stale...)
	}

	ids, err := r.client.ZRangeByScore(ctx, serviceKey(key), &redis.ZRangeBy{Min: cutoff, Max: "+inf"}).Result()
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", key, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	values, err := r.client.HMGet(ctx, handlesKey(key), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", key, err)
	}
	handles := make([]domain.PoolHandle, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue // pruned between the two reads
		}
		var h domain.PoolHandle
		if err := json.Unmarshal([]byte(s), &h); err != nil {
			continue
		}
		handles = append(handles, h)
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i].ID < handles[j].ID })
	return handles, nil
}

// RedisMembership keeps one hash field per node and announces changes on Pub/Sub.
// Nodes silent for ttl are unreachable; after three ttl they are removed.
type RedisMembership struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

var _ domain.Membership = (*RedisMembership)(nil)

// NewRedisMembership returns a membership view with the given failure-detection ttl.
func NewRedisMembership(client *redis.Client, ttl time.Duration, logger *slog.Logger) *RedisMembership {
	return &RedisMembership{client: client, ttl: ttl, now: time.Now, logger: logger.With("component", "membership")}
}

func (m *RedisMembership) write(ctx context.Context, node domain.ClusterNode) error {
	data, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("marshal node: %w", err)
	}
	return m.client.HSet(ctx, nodesKey, node.ID, data).Err()
}

func (m *RedisMembership) publish(ctx context.Context, ev domain.MemberEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return m.client.Publish(ctx, membershipChannel, data).Err()
}

// Join records the node as up and announces it.
func (m *RedisMembership) Join(ctx context.Context, node domain.ClusterNode) error {
	node.Liveness = domain.LivenessUp
	node.LastSeen = m.now()
	if err := m.write(ctx, node); err != nil {
		return fmt.Errorf("join %s: %w", node.ID, err)
	}
	return m.publish(ctx, domain.MemberEvent{Type: domain.MemberJoined, Node: node})
}

// Heartbeat refreshes the node's last-seen time.
func (m *RedisMembership) Heartbeat(ctx context.Context, nodeID string) error {
	data, err := m.client.HGet(ctx, nodesKey, nodeID).Result()
	if errors.Is(err, redis.Nil) {
		return errNotJoined(nodeID)
	}
	if err != nil {
		return fmt.Errorf("heartbeat %s: %w", nodeID, err)
	}
	var node domain.ClusterNode
	if err := json.Unmarshal([]byte(data), &node); err != nil {
		return fmt.Errorf("heartbeat %s: %w", nodeID, err)
	}
	node.LastSeen = m.now()
	node.Liveness = domain.LivenessUp
	return m.write(ctx, node)
}

// Leave removes the node and announces it.
func (m *RedisMembership) Leave(ctx context.Context, nodeID string) error {
	data, err := m.client.HGet(ctx, nodesKey, nodeID).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("leave %s: %w", nodeID, err)
	}
	node := domain.ClusterNode{ID: nodeID}
	if data != "" {
		json.Unmarshal([]byte(data), &node)
	}
	if err := m.client.HDel(ctx, nodesKey, nodeID).Err(); err != nil {
		return fmt.Errorf("leave %s: %w", nodeID, err)
	}
	node.Liveness = domain.LivenessUnreachable
	return m.publish(ctx, domain.MemberEvent{Type: domain.MemberLeft, Node: node})
}

// Members returns every known node with liveness derived from its last heartbeat.
func (m *RedisMembership) Members(ctx context.Context) ([]domain.ClusterNode, error) {
	all, err := m.client.HGetAll(ctx, nodesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("members: %w", err)
	}

	now := m.now()
	nodes := make([]domain.ClusterNode, 0, len(all))
	for id, data := range all {
		var node domain.ClusterNode
		if err := json.Unmarshal([]byte(data), &node); err != nil {
			m.logger.Warn("Skipping malformed member", "nodeID", id, "error", err)
			continue
		}
		silent := now.Sub(node.LastSeen)
		if silent > 3*m.ttl {
			m.logger.Info("Removing failed member", "nodeID", id, "silent", silent)
			m.client.HDel(ctx, nodesKey, id)
			node.Liveness = domain.LivenessUnreachable
			m.publish(ctx, domain.MemberEvent{Type: domain.MemberLeft, Node: node})
			continue
		}
		node.Liveness = livenessAt(node.LastSeen, now, m.ttl)
		nodes = append(nodes, node)
	}
	return nodes, nil
}

// Events streams membership changes until ctx is done.
func (m *RedisMembership) Events(ctx context.Context) (<-chan domain.MemberEvent, error) {
	pubsub := m.client.Subscribe(ctx, membershipChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe membership: %w", err)
	}

	out := make(chan domain.MemberEvent)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev domain.MemberEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					m.logger.Error("Failed to unmarshal member event", "error", err)
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func errNotJoined(nodeID string) error {
	return fmt.Errorf("heartbeat %s: node not joined", nodeID)
}

func livenessAt(lastSeen, now time.Time, ttl time.Duration) domain.Liveness {
	if now.Sub(lastSeen) > ttl {
		return domain.LivenessUnreachable
	}
	return domain.LivenessUp
}
