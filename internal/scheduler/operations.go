package scheduler

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"dagrunner/internal/models"
	"dagrunner/internal/store"
	"github.com/guregu/null/v6"
	"github.com/rs/zerolog/log"
)

// EndOfWorkflow reports whether every task is COMPLETED. It stops at the first one that is not.
func (s *TaskScheduler) EndOfWorkflow(ctx context.Context) (bool, error) {
	st, closeStore, err := s.open(store.Options{ReadOnly: true})
	if err != nil {
		return false, err
	}
	defer closeStore()

	done := true
	err = st.Scan(func(task *models.Task) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if task.IsRoot() || task.Status == models.StatusCompleted {
			return nil
		}

		log.Debug().Str("task", task.Name).Str("status", string(task.Status)).Msg("Workflow is not finished")
		done = false
		return store.ErrStopScan
	})
	if err != nil {
		return false, err
	}
	return done, nil
}

// Kill cancels every RUNNING task and marks it ERROR. With reset the killed tasks are made PENDING so
// that the next step submits them again. It returns the number of killed tasks.
func (s *TaskScheduler) Kill(ctx context.Context, reset bool) (int, error) {
	st, closeStore, err := s.open(store.Options{})
	if err != nil {
		return 0, err
	}
	defer closeStore()
	defer s.recordCounts(st)

	killed := 0
	err = st.Scan(func(task *models.Task) error {
		if task.IsRoot() {
			return nil
		}

		switch task.Status {
		case models.StatusPending, models.StatusCompleted, models.StatusError:
			return nil
		case models.StatusRunning:
		default:
			return fmt.Errorf("%w: task %q has unknown status %q", models.ErrInconsistent, task.Name, task.Status)
		}

		start := time.Now()
		err := s.backend.Kill(ctx, task)
		s.opts.Metrics.ObserveBatchCommand(s.backend.Name(), "kill", time.Since(start), err)
		if err != nil {
			log.Warn().Err(err).Str("task", task.Name).Str("job_id", task.JobHandle.String).Msg("Batch system refused to kill the job")
		}

		from := task.Status
		if err := task.Transition(models.StatusError); err != nil {
			return err
		}
		task.EndTime = null.TimeFrom(s.opts.Now())
		if err := s.save(ctx, st, task, from); err != nil {
			return err
		}
		killed++

		if reset {
			return s.reset(ctx, st, task)
		}
		return nil
	})

	log.Info().Int("killed", killed).Bool("reset", reset).Msg("Running tasks killed")
	return killed, err
}

// List writes one tab separated line per task: name, job id, status, fingerprint, duration, script
// file and prerequisites. Absent values are written as "*".
func (s *TaskScheduler) List(ctx context.Context, w io.Writer) error {
	st, closeStore, err := s.open(store.Options{ReadOnly: true})
	if err != nil {
		return err
	}
	defer closeStore()

	now := s.opts.Now()
	return st.Scan(func(task *models.Task) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if task.IsRoot() {
			return nil
		}

		_, err := fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			task.Name,
			orStar(task.JobHandle),
			task.Status,
			task.Fingerprint(),
			task.Duration(now),
			orStar(task.ScriptFile),
			strings.Join(task.Prerequisites, " "),
		)
		return err
	})
}

func orStar(s null.String) string {
	if !s.Valid || s.String == "" {
		return "*"
	}
	return s.String
}
