package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/dontdude/goxec-cluster/internal/domain"
	"github.com/dontdude/goxec-cluster/internal/platform/metrics"
)

// PoolConfig sizes a pool.
type PoolConfig struct {
	// Size is the number of worker slots, i.e. how many sandboxes can run at once.
	Size int
	// MailboxSize bounds the tasks queued per slot.
	MailboxSize int
	Languages   domain.Languages
}

// Pool implements a fixed-size worker pool with round-robin dispatch.
// Each slot owns a bounded mailbox; a full mailbox rejects instead of blocking.
type Pool struct {
	id      string
	cfg     PoolConfig
	sandbox domain.Sandbox
	stager  *Stager
	logger  *slog.Logger

	inboxes []chan domain.Task
	next    atomic.Uint64

	// mu guards stopped against Submit racing with the close of the inboxes.
	mu      sync.RWMutex
	stopped bool
	// wg tracks active slots to ensure graceful shutdown.
	wg sync.WaitGroup
}

// NewPool initializes the pool. Workers do not run until Start.
func NewPool(id string, cfg PoolConfig, sandbox domain.Sandbox, stager *Stager, logger *slog.Logger) *Pool {
	inboxes := make([]chan domain.Task, cfg.Size)
	for i := range inboxes {
		inboxes[i] = make(chan domain.Task, cfg.MailboxSize)
	}
	return &Pool{
		id:      id,
		cfg:     cfg,
		sandbox: sandbox,
		stager:  stager,
		logger:  logger.With("poolID", id),
		inboxes: inboxes,
	}
}

// ID returns the pool id.
func (p *Pool) ID() string { return p.id }

// Size returns the number of worker slots.
func (p *Pool) Size() int { return p.cfg.Size }

// Start spawns one goroutine per slot. ctx bounds the sandbox runs of the
// workers; it returns immediately.
func (p *Pool) Start(ctx context.Context) {
	p.logger.Info("Starting worker pool", "size", p.cfg.Size, "mailbox", p.cfg.MailboxSize)

	for i := range p.inboxes {
		p.wg.Add(1)
		go p.slot(ctx, i)
	}
}

// slot keeps a worker alive on inbox i, replacing it after a panic.
func (p *Pool) slot(ctx context.Context, i int) {
	defer p.wg.Done()
	logger := p.logger.With("workerID", i)
	logger.Debug("Worker started")

	for {
		w := &worker{
			id:        i,
			inbox:     p.inboxes[i],
			languages: p.cfg.Languages,
			stager:    p.stager,
			sandbox:   p.sandbox,
			logger:    logger,
		}
		if w.run(ctx) {
			logger.Debug("Worker stopped")
			return
		}
		metrics.WorkerRestarts.Inc()
		logger.Warn("Restarting worker")
	}
}

// Submit hands the task to the next slot in round-robin order.
// task.Reply must be buffered for at least one outcome.
func (p *Pool) Submit(task domain.Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return fmt.Errorf("pool %s: %w", p.id, domain.ErrStopped)
	}

	i := (p.next.Add(1) - 1) % uint64(len(p.inboxes))
	select {
	case p.inboxes[i] <- task:
		return nil
	default:
		return fmt.Errorf("pool %s slot %d: %w", p.id, i, domain.ErrPoolSaturated)
	}
}

// Stop rejects new tasks, lets every slot drain its mailbox and blocks until all workers exit.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	for _, inbox := range p.inboxes {
		close(inbox)
	}
	p.mu.Unlock()

	p.logger.Info("Stopping worker pool, waiting for tasks to drain...")
	p.wg.Wait()
	p.logger.Info("Worker pool stopped")
}
