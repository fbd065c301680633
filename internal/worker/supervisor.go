package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/dontdude/goxec-cluster/internal/domain"
	"github.com/dontdude/goxec-cluster/internal/platform/metrics"
)

// supervisor owns one task from staging to reply. It is created per task and
// discarded after answering; it is never handed a second task.
type supervisor struct {
	stager  *Stager
	sandbox domain.Sandbox
	logger  *slog.Logger
}

// supervise stages the code, runs it and sends exactly one outcome on reply.
// The staged file is removed in the background after the reply is sent.
func (s *supervisor) supervise(ctx context.Context, task domain.Task, profile domain.LanguageProfile, reply chan<- domain.Outcome) {
	logger := s.logger.With("taskID", task.ID, "language", task.Language)
	replied := false
	answer := func(o domain.Outcome) {
		replied = true
		reply <- o.For(task.ID)
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Supervisor panicked", "panic", r)
			if !replied {
				answer(domain.Failed(domain.FailureInternal, "internal error"))
			}
		}
	}()

	file, err := s.stager.Stage(task.Code, profile.Extension)
	if err != nil {
		logger.Error("Staging failed", "error", err)
		answer(domain.Failed(domain.FailureStaging, "failed to stage source file"))
		return
	}
	defer func() { go s.stager.Remove(file) }()

	start := time.Now()
	outcome := s.sandbox.Run(ctx, domain.Invocation{
		TaskID:   task.ID,
		Command:  profile.Command,
		FilePath: file.Path,
		Image:    profile.Image,
	})
	metrics.SandboxDuration.WithLabelValues(task.Language).Observe(time.Since(start).Seconds())

	logger.Debug("Sandbox finished", "status", outcome.Status, "kind", outcome.Kind, "elapsed", time.Since(start))
	answer(outcome)
}
