package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dontdude/goxec-cluster/internal/domain"
	"github.com/redis/go-redis/v9"
)

const (
	// ConsumerGroup is the group every worker node reads its pool stream with.
	ConsumerGroup = "goxec:workers"

	// streamMaxLen caps every pool stream; answered tasks are useless after the reply timeout.
	streamMaxLen = 10000
)

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// Dial connects to Redis and verifies the connection with a PING.
func Dial(ctx context.Context, opts Options) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}
	return rdb, nil
}

// RedisQueue implements domain.TaskQueue using one Redis Stream per pool
// and Pub/Sub channels for replies.
type RedisQueue struct {
	client   *redis.Client
	group    string
	consumer string
	logger   *slog.Logger
}

// Ensure RedisQueue satisfies the interface
var _ domain.TaskQueue = (*RedisQueue)(nil)

// NewRedisQueue returns a Redis-backed queue. consumer names this node inside the
// consumer group of every stream it subscribes to.
func NewRedisQueue(client *redis.Client, group, consumer string, logger *slog.Logger) *RedisQueue {
	return &RedisQueue{
		client:   client,
		group:    group,
		consumer: consumer,
		logger:   logger.With("component", "queue"),
	}
}

// StreamName is the stream a pool with the given id consumes.
func StreamName(poolID string) string {
	return "goxec:pool:" + poolID
}

// ReplyChannel is the Pub/Sub channel a gateway with the given node id listens on.
func ReplyChannel(nodeID string) string {
	return "goxec:replies:" + nodeID
}

// Send enqueues a task on the pool's stream using XADD.
func (r *RedisQueue) Send(ctx context.Context, handle domain.PoolHandle, task domain.Task) error {
	if handle.Stream == "" {
		return fmt.Errorf("pool %s: %w", handle.ID, domain.ErrUnknownPool)
	}
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	// "*" lets Redis generate a timestamp-based ID.
	err = r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: handle.Stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"task": data},
	}).Err()
	if err != nil {
		return fmt.Errorf("redis send to %s failed: %w", handle.Stream, err)
	}
	return nil
}

// Subscribe returns a channel of tasks read with XREADGROUP from the pool's stream.
func (r *RedisQueue) Subscribe(ctx context.Context, handle domain.PoolHandle) (<-chan domain.Task, error) {
	// MkStream guarantees the stream exists even if empty. Starting at 0 keeps
	// entries added between publishing the handle and this call.
	err := r.client.XGroupCreateMkStream(ctx, handle.Stream, r.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	outCh := make(chan domain.Task)
	go func() {
		defer close(outCh)

		for {
			if ctx.Err() != nil {
				return
			}
			// Block for 2s at most so a cancelled context is noticed.
			streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
				Group:    r.group,
				Consumer: r.consumer,
				Streams:  []string{handle.Stream, ">"},
				Count:    1,
				Block:    2 * time.Second,
			}).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					continue
				}
				if ctx.Err() != nil {
					return
				}
				r.logger.Error("Redis read error", "stream", handle.Stream, "error", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
				continue
			}

			for _, stream := range streams {
				for _, msg := range stream.Messages {
					task, err := decodeTask(msg)
					if err != nil {
						r.logger.Error("Dropping malformed task", "msgID", msg.ID, "error", err)
						r.client.XAck(ctx, handle.Stream, r.group, msg.ID)
						continue
					}
					select {
					case outCh <- task:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return outCh, nil
}

func decodeTask(msg redis.XMessage) (domain.Task, error) {
	val, ok := msg.Values["task"].(string)
	if !ok {
		return domain.Task{}, errors.New("missing task field")
	}
	var task domain.Task
	if err := json.Unmarshal([]byte(val), &task); err != nil {
		return domain.Task{}, fmt.Errorf("failed to unmarshal task: %w", err)
	}
	// Capture the Redis Stream ID so the pool can ACK later.
	task.RawID = msg.ID
	return task, nil
}

// Acknowledge confirms processing using XACK.
func (r *RedisQueue) Acknowledge(ctx context.Context, handle domain.PoolHandle, rawID string) error {
	return r.client.XAck(ctx, handle.Stream, r.group, rawID).Err()
}

// Reply publishes the outcome on the requester's channel.
func (r *RedisQueue) Reply(ctx context.Context, replyTo string, outcome domain.Outcome) error {
	data, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("failed to marshal outcome: %w", err)
	}
	return r.client.Publish(ctx, replyTo, data).Err()
}

// SubscribeReplies subscribes to replyTo and streams outcomes to a Go channel.
func (r *RedisQueue) SubscribeReplies(ctx context.Context, replyTo string) (<-chan domain.Outcome, error) {
	pubsub := r.client.Subscribe(ctx, replyTo)

	// Wait for confirmation that we are subscribed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to replies: %w", err)
	}

	outCh := make(chan domain.Outcome)
	go func() {
		defer close(outCh)
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
				var outcome domain.Outcome
				if err := json.Unmarshal([]byte(msg.Payload), &outcome); err != nil {
					r.logger.Error("Failed to unmarshal reply", "error", err)
					continue
				}
				select {
				case outCh <- outcome:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return outCh, nil
}

// Drop removes a pool's stream once the pool has shut down.
func (r *RedisQueue) Drop(ctx context.Context, handle domain.PoolHandle) error {
	return r.client.Del(ctx, handle.Stream).Err()
}
