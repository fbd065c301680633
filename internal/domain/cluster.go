package domain

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNoPools is returned when discovery knows no live worker pool.
	ErrNoPools = errors.New("no live worker pool")
	// ErrPoolSaturated is returned when the selected worker mailbox is full.
	ErrPoolSaturated = errors.New("worker pool saturated")
	// ErrUnknownPool is returned when a handle does not address a known pool.
	ErrUnknownPool = errors.New("unknown worker pool")
	// ErrStopped is returned by components that have been shut down.
	ErrStopped = errors.New("stopped")
)

// Role is the part a node plays in the cluster.
type Role string

const (
	RoleWorker  Role = "worker"
	RoleGateway Role = "gateway"
)

// Liveness is the failure detector's view of a node.
type Liveness string

const (
	LivenessUp          Liveness = "up"
	LivenessUnreachable Liveness = "unreachable"
)

// ClusterNode is one member of the cluster.
type ClusterNode struct {
	ID       string    `json:"id"`
	Role     Role      `json:"role"`
	Addr     string    `json:"addr"`
	Liveness Liveness  `json:"liveness"`
	LastSeen time.Time `json:"last_seen"`
}

// PoolHandle is a location-transparent reference to a worker pool on some node.
// Stream is the transport address tasks for this pool are sent to.
type PoolHandle struct {
	ID     string `json:"id"`
	NodeID string `json:"node_id"`
	Stream string `json:"stream"`
	Size   int    `json:"size"`
}

// MemberEventType tells whether a node joined or left.
type MemberEventType string

const (
	MemberJoined MemberEventType = "joined"
	MemberLeft   MemberEventType = "left"
)

// MemberEvent is published whenever cluster membership changes.
type MemberEvent struct {
	Type MemberEventType `json:"type"`
	Node ClusterNode     `json:"node"`
}

// Registry maps a well-known service key to the pools published under it.
// Handles are never owned by the registry; they simply stop resolving once
// their node stops refreshing them.
type Registry interface {
	// Register publishes (or refreshes) a handle under key.
	Register(ctx context.Context, key string, h PoolHandle) error

	// Deregister removes a handle from key.
	Deregister(ctx context.Context, key string, poolID string) error

	// Resolve returns the handles currently reachable under key.
	Resolve(ctx context.Context, key string) ([]PoolHandle, error)
}

// Membership tracks the nodes of the cluster and their liveness.
type Membership interface {
	Join(ctx context.Context, node ClusterNode) error
	Heartbeat(ctx context.Context, nodeID string) error
	Leave(ctx context.Context, nodeID string) error

	// Members returns every known node with its current liveness.
	Members(ctx context.Context) ([]ClusterNode, error)

	// Events streams join and leave notifications until ctx is done.
	Events(ctx context.Context) (<-chan MemberEvent, error)
}
