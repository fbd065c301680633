package queue

import (
	"context"
	"time"

	"github.com/dontdude/goxec-cluster/internal/domain"
	"github.com/redis/go-redis/v9"
)

// recoveryConsumer is the consumer name stale entries are claimed to.
const recoveryConsumer = "recovery-agent"

// StartRecoveryRoutine polls the PEL of the pool's stream for entries idle longer
// than maxAge and acknowledges them. By then the gateway has stopped waiting,
// so running the task again would only produce a reply nobody reads.
func (r *RedisQueue) StartRecoveryRoutine(ctx context.Context, handle domain.PoolHandle, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info("Starting Redis recovery routine", "stream", handle.Stream, "interval", interval, "maxAge", maxAge)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := r.reclaimStale(ctx, handle, maxAge); err != nil {
				if ctx.Err() == nil {
					r.logger.Error("Recovery routine failed", "stream", handle.Stream, "error", err)
				}
			} else if n > 0 {
				r.logger.Warn("Dropped stale tasks", "stream", handle.Stream, "count", n)
			}
		}
	}
}

// reclaimStale claims stale entries in batches of 10 with XAUTOCLAIM and acks them.
func (r *RedisQueue) reclaimStale(ctx context.Context, handle domain.PoolHandle, maxAge time.Duration) (int, error) {
	dropped := 0
	start := "-"
	for {
		messages, next, err := r.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   handle.Stream,
			Group:    r.group,
			MinIdle:  maxAge,
			Start:    start,
			Count:    10,
			Consumer: recoveryConsumer,
		}).Result()
		if err != nil {
			return dropped, err
		}

		for _, msg := range messages {
			if err := r.client.XAck(ctx, handle.Stream, r.group, msg.ID).Err(); err != nil {
				return dropped, err
			}
			dropped++
		}

		if len(messages) == 0 || next == "0-0" {
			return dropped, nil
		}
		start = next
	}
}
