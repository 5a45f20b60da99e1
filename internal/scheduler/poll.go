package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dagrunner/internal/models"
	"github.com/rs/zerolog/log"
)

type pollResult struct {
	status models.TaskStatus
	err    error
}

// poll asks the backend about a RUNNING task, giving up after the poll timeout. The inquiry runs under a
// context carrying the deadline so that its process is killed when the deadline passes.
func (s *TaskScheduler) poll(ctx context.Context, task *models.Task) (models.TaskStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.PollTimeout)
	defer cancel()

	done := make(chan pollResult, 1)
	start := time.Now()
	go func() {
		status, err := s.backend.Poll(ctx, task)
		done <- pollResult{status: status, err: err}
	}()

	var result pollResult
	select {
	case result = <-done:
	case <-ctx.Done():
		result.err = fmt.Errorf("%w: task %q: no answer after %s: %w", models.ErrPoll, task.Name, s.opts.PollTimeout, ctx.Err())
	}
	s.opts.Metrics.ObserveBatchCommand(s.backend.Name(), "poll", time.Since(start), result.err)

	if result.err != nil {
		if !errors.Is(result.err, models.ErrPoll) {
			result.err = fmt.Errorf("%w: task %q: %w", models.ErrPoll, task.Name, result.err)
		}
		log.Error().Err(result.err).Str("task", task.Name).Str("job_id", task.JobHandle.String).Msg("Status inquiry failed")
		return "", result.err
	}

	switch result.status {
	case models.StatusRunning, models.StatusCompleted, models.StatusError:
		log.Debug().Str("task", task.Name).Str("status", string(result.status)).Msg("Polled task")
		return result.status, nil
	default:
		return "", fmt.Errorf("%w: task %q: backend answered %q", models.ErrPoll, task.Name, result.status)
	}
}
