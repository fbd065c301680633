package worker

import (
	"context"
	"log/slog"

	"github.com/dontdude/goxec-cluster/internal/domain"
	"github.com/dontdude/goxec-cluster/internal/platform/metrics"
)

type state int

const (
	stateIdle state = iota
	stateAwaitingSupervisor
)

// worker handles one task at a time from its inbox. Known languages are handed
// to a fresh supervisor; the worker waits for its outcome and forwards it.
type worker struct {
	id        int
	inbox     <-chan domain.Task
	languages domain.Languages
	stager    *Stager
	sandbox   domain.Sandbox
	logger    *slog.Logger

	state state
}

// run processes the inbox until it is closed and reports whether it stopped
// cleanly. A recovered panic answers the task in hand and returns false so
// the pool can restart the slot.
func (w *worker) run(ctx context.Context) (clean bool) {
	var current *domain.Task

	defer func() {
		r := recover()
		if r == nil {
			return
		}
		clean = false
		w.logger.Error("Worker panicked", "panic", r)
		if w.state == stateAwaitingSupervisor {
			metrics.BusyWorkers.Dec()
			w.state = stateIdle
		}
		if current != nil {
			w.tryReply(*current, domain.Failed(domain.FailureInternal, "internal error"))
		}
	}()

	for task := range w.inbox {
		current = &task
		w.handle(ctx, task)
		current = nil
	}
	return true
}

func (w *worker) handle(ctx context.Context, task domain.Task) {
	logger := w.logger.With("taskID", task.ID, "language", task.Language)

	profile, ok := w.languages.Lookup(task.Language)
	if !ok {
		logger.Info("Rejecting unsupported language")
		metrics.TasksTotal.WithLabelValues("unknown", string(domain.FailureUnsupportedLanguage)).Inc()
		w.reply(task, domain.UnsupportedLanguage(task.Language))
		return
	}

	w.state = stateAwaitingSupervisor
	metrics.BusyWorkers.Inc()

	done := make(chan domain.Outcome, 1)
	sup := &supervisor{stager: w.stager, sandbox: w.sandbox, logger: w.logger}
	go sup.supervise(ctx, task, profile, done)
	outcome := <-done

	metrics.BusyWorkers.Dec()
	w.state = stateIdle

	metrics.TasksTotal.WithLabelValues(task.Language, metrics.OutcomeLabel(string(outcome.Kind))).Inc()
	logger.Debug("Task answered", "status", outcome.Status, "kind", outcome.Kind)
	w.reply(task, outcome)
}

// reply forwards the outcome verbatim. Reply channels are buffered for one value.
func (w *worker) reply(task domain.Task, outcome domain.Outcome) {
	task.Reply <- outcome.For(task.ID)
}

// tryReply is reply for the recovery path, where the reply channel itself may be the fault.
func (w *worker) tryReply(task domain.Task, outcome domain.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Warn("Dropped reply", "taskID", task.ID, "panic", r)
		}
	}()
	select {
	case task.Reply <- outcome.For(task.ID):
	default:
	}
}
