package queue

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/dontdude/goxec-cluster/internal/domain"
)

// MemoryQueue is an in-process domain.TaskQueue used as a test double.
// Streams and reply channels are Go channels keyed by their address.
type MemoryQueue struct {
	mu      sync.Mutex
	streams map[string]chan domain.Task
	replies map[string]chan domain.Outcome
	seq     int
	acked   map[string]bool
}

var _ domain.TaskQueue = (*MemoryQueue)(nil)

// NewMemoryQueue returns an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		streams: make(map[string]chan domain.Task),
		replies: make(map[string]chan domain.Outcome),
		acked:   make(map[string]bool),
	}
}

func (q *MemoryQueue) stream(name string) chan domain.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	ch, ok := q.streams[name]
	if !ok {
		ch = make(chan domain.Task, 64)
		q.streams[name] = ch
	}
	return ch
}

// Send buffers the task on the pool's stream.
func (q *MemoryQueue) Send(ctx context.Context, handle domain.PoolHandle, task domain.Task) error {
	if handle.Stream == "" {
		return fmt.Errorf("pool %s: %w", handle.ID, domain.ErrUnknownPool)
	}
	q.mu.Lock()
	q.seq++
	task.RawID = strconv.Itoa(q.seq)
	q.mu.Unlock()

	// Reply channels never cross the queue, just like on the wire.
	task.Reply = nil
	select {
	case q.stream(handle.Stream) <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe streams the tasks sent to handle until ctx is done.
func (q *MemoryQueue) Subscribe(ctx context.Context, handle domain.PoolHandle) (<-chan domain.Task, error) {
	in := q.stream(handle.Stream)
	out := make(chan domain.Task)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case task := <-in:
				select {
				case out <- task:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Acknowledge records the raw id as answered.
func (q *MemoryQueue) Acknowledge(_ context.Context, _ domain.PoolHandle, rawID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked[rawID] = true
	return nil
}

// Acked reports whether a raw id was acknowledged.
func (q *MemoryQueue) Acked(rawID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.acked[rawID]
}

// Reply delivers the outcome to the subscriber of replyTo. Outcomes for an
// address nobody listens on are dropped, as with Pub/Sub.
func (q *MemoryQueue) Reply(ctx context.Context, replyTo string, outcome domain.Outcome) error {
	q.mu.Lock()
	ch, ok := q.replies[replyTo]
	q.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case ch <- outcome:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubscribeReplies registers the listener of replyTo.
func (q *MemoryQueue) SubscribeReplies(ctx context.Context, replyTo string) (<-chan domain.Outcome, error) {
	ch := make(chan domain.Outcome, 64)
	q.mu.Lock()
	q.replies[replyTo] = ch
	q.mu.Unlock()

	go func() {
		<-ctx.Done()
		q.mu.Lock()
		delete(q.replies, replyTo)
		q.mu.Unlock()
	}()
	return ch, nil
}
