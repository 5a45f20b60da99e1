package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"dagrunner/internal/backend"
	"dagrunner/internal/dag"
	"dagrunner/internal/metrics"
	"dagrunner/internal/models"
	"dagrunner/internal/queue"
	"dagrunner/internal/store"
	"github.com/guregu/null/v6"
	"github.com/rs/zerolog/log"
)

const DefaultPollTimeout = 10 * time.Second

// Options holds the collaborators of a TaskScheduler. Zero values are replaced by defaults.
type Options struct {
	PollTimeout time.Duration // deadline of a single status inquiry
	Notifier    queue.Client  // receives every status transition
	Metrics     *metrics.Metrics
	Now         func() time.Time
	RunID       string // identifies the invocation in published events
}

// RunOptions controls a single step
type RunOptions struct {
	MaxConcurrent int  // upper bound on the number of RUNNING tasks
	ResetFailures bool // move ERROR tasks back to PENDING instead of stopping
}

// RunReport summarises what a step did
type RunReport struct {
	Polled     int
	Completed  int
	Failed     int
	Reset      int
	Submitted  int
	Running    int
	LastFailed string // name of the last task found in ERROR
}

// TaskScheduler drives the tasks of one working directory through a batch system. Every operation
// opens the store, does a bounded amount of work and closes it again.
type TaskScheduler struct {
	workDir string
	backend backend.Backend
	opts    Options
}

// New creates a scheduler for the store in workDir
func New(workDir string, b backend.Backend, opts Options) *TaskScheduler {
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = DefaultPollTimeout
	}
	if opts.Notifier == nil {
		opts.Notifier = queue.NopClient{}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &TaskScheduler{workDir: workDir, backend: b, opts: opts}
}

func (s *TaskScheduler) WorkDir() string {
	return s.workDir
}

// open opens the store and returns a function that closes it, logging any failure
func (s *TaskScheduler) open(opts store.Options) (*store.Store, func(), error) {
	st, err := store.Open(s.workDir, opts)
	if err != nil {
		return nil, nil, err
	}

	return st, func() {
		if err := st.Close(); err != nil {
			log.Error().Err(err).Str("workdir", s.workDir).Msg("Failed to close store")
		}
	}, nil
}

// Build loads the graph into a new store. Records already present with the same name are replaced.
func (s *TaskScheduler) Build(ctx context.Context, g *dag.Graph) error {
	st, closeStore, err := s.open(store.Options{Create: true})
	if err != nil {
		return err
	}
	defer closeStore()

	tasks := g.Tasks()
	for _, task := range tasks {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", models.ErrIngest, err)
		}
		if err := st.Put(task); err != nil {
			return fmt.Errorf("%w: %w", models.ErrIngest, err)
		}
	}

	if err := st.SetBaseDir(g.BaseDir); err != nil {
		return fmt.Errorf("%w: could not record base directory: %w", models.ErrIngest, err)
	}

	s.recordCounts(st)
	log.Info().
		Int("tasks", len(tasks)).
		Str("basedir", g.BaseDir).
		Str("workdir", s.workDir).
		Msg("Workflow built")
	return nil
}

// Run performs one step: it reconciles running tasks with the batch system, then submits ready tasks
// until MaxConcurrent tasks are running. A failed task stops the step with ErrTaskFailed unless
// ResetFailures is set, in which case failed tasks are made PENDING again and nothing is submitted.
// A task found failing by this step's own polls fails the step even with ResetFailures.
func (s *TaskScheduler) Run(ctx context.Context, opts RunOptions) (*RunReport, error) {
	st, closeStore, err := s.open(store.Options{})
	if err != nil {
		return nil, err
	}
	defer closeStore()
	defer s.recordCounts(st)

	baseDir, err := st.BaseDir()
	if err != nil {
		return nil, err
	}

	report := &RunReport{}
	newlyFailed, err := s.reconcile(ctx, st, opts.ResetFailures, report)
	if err != nil {
		return report, err
	}

	if newlyFailed != "" && opts.ResetFailures {
		log.Error().
			Str("task", newlyFailed).
			Int("reset", report.Reset).
			Msg("Task failed while resetting, it will be reset by the next reset")
		return report, fmt.Errorf("%w: %q", models.ErrTaskFailed, newlyFailed)
	}

	if report.LastFailed != "" && !opts.ResetFailures {
		log.Error().
			Str("task", report.LastFailed).
			Int("failed", report.Failed).
			Msg("Workflow has failed tasks, nothing submitted")
		return report, fmt.Errorf("%w: %q", models.ErrTaskFailed, report.LastFailed)
	}

	budget := max(opts.MaxConcurrent-report.Running, 0)
	ready, err := readyTasks(st, budget)
	if err != nil {
		return report, err
	}

	if opts.ResetFailures {
		log.Info().Int("reset", report.Reset).Msg("Failed tasks were reset")
		return report, nil
	}

	for _, task := range ready {
		if st.StopRequested() {
			log.Warn().Str("workdir", s.workDir).Msg("Stop file detected, submission interrupted")
			return report, fmt.Errorf("%w: %d tasks submitted before the stop", models.ErrStopRequested, report.Submitted)
		}

		if err := s.submit(ctx, st, task, baseDir, report); err != nil {
			return report, err
		}
	}

	log.Info().
		Int("polled", report.Polled).
		Int("completed", report.Completed).
		Int("submitted", report.Submitted).
		Int("running", report.Running).
		Msg("Step finished")
	return report, nil
}

// reconcile polls every RUNNING task and collects the failures. It returns the name of the last task
// its polls found failing.
func (s *TaskScheduler) reconcile(ctx context.Context, st *store.Store, reset bool, report *RunReport) (string, error) {
	var newlyFailed string
	err := st.Scan(func(task *models.Task) error {
		if task.IsRoot() {
			return nil
		}

		switch task.Status {
		case models.StatusRunning:
			status, err := s.poll(ctx, task)
			if err != nil {
				return err
			}
			report.Polled++

			switch status {
			case models.StatusRunning:
				report.Running++
				return nil
			case models.StatusCompleted:
				report.Completed++
				return s.complete(ctx, st, task)
			default:
				report.Failed++
				report.LastFailed = task.Name
				newlyFailed = task.Name
				return s.fail(ctx, st, task)
			}

		case models.StatusError:
			if !reset {
				report.Failed++
				report.LastFailed = task.Name
				return nil
			}
			report.Reset++
			return s.reset(ctx, st, task)

		case models.StatusPending, models.StatusCompleted:
			return nil

		default:
			return fmt.Errorf("%w: task %q has unknown status %q", models.ErrInconsistent, task.Name, task.Status)
		}
	})
	return newlyFailed, err
}

func (s *TaskScheduler) submit(ctx context.Context, st *store.Store, task *models.Task, baseDir string, report *RunReport) error {
	from := task.Status
	now := s.opts.Now()

	if task.IsPhony() {
		if err := task.Transition(models.StatusCompleted); err != nil {
			return err
		}
		task.StartTime = null.TimeFrom(now)
		task.EndTime = null.TimeFrom(now)
		log.Info().Str("task", task.Name).Msg("Nothing to run, task completed")
		return s.save(ctx, st, task, from)
	}

	start := time.Now()
	sub, err := s.backend.Submit(ctx, task, baseDir)
	s.opts.Metrics.ObserveBatchCommand(s.backend.Name(), "submit", time.Since(start), err)
	if err != nil {
		if !errors.Is(err, models.ErrSubmit) {
			err = fmt.Errorf("%w: %w", models.ErrSubmit, err)
		}
		return err
	}

	task.JobHandle = null.StringFrom(sub.JobHandle)
	task.ScriptFile = optionalPath(sub.ScriptFile)
	task.StdoutFile = optionalPath(sub.StdoutFile)
	task.StderrFile = optionalPath(sub.StderrFile)
	task.StartTime = null.TimeFrom(now)
	task.EndTime = null.Time{}
	if err := task.Transition(models.StatusRunning); err != nil {
		return err
	}

	if err := s.save(ctx, st, task, from); err != nil {
		log.Error().
			Err(err).
			Str("task", task.Name).
			Str("job_id", sub.JobHandle).
			Msg("Job was submitted but could not be recorded")
		return err
	}

	report.Submitted++
	report.Running++
	return nil
}

func optionalPath(path string) null.String {
	return null.NewString(path, path != "")
}

// complete records a successful task and removes its generated files
func (s *TaskScheduler) complete(ctx context.Context, st *store.Store, task *models.Task) error {
	from := task.Status
	if err := task.Transition(models.StatusCompleted); err != nil {
		return err
	}
	task.EndTime = null.TimeFrom(s.opts.Now())

	removeFiles(task)
	task.ClearArtifacts()

	log.Info().Str("task", task.Name).Str("job_id", task.JobHandle.String).Msg("Task completed")
	return s.save(ctx, st, task, from)
}

func (s *TaskScheduler) fail(ctx context.Context, st *store.Store, task *models.Task) error {
	from := task.Status
	if err := task.Transition(models.StatusError); err != nil {
		return err
	}
	task.EndTime = null.TimeFrom(s.opts.Now())

	log.Error().
		Str("task", task.Name).
		Str("job_id", task.JobHandle.String).
		Str("stderr", task.StderrFile.String).
		Msg("Task failed")
	return s.save(ctx, st, task, from)
}

// reset makes a failed task PENDING again, forgetting its previous attempt
func (s *TaskScheduler) reset(ctx context.Context, st *store.Store, task *models.Task) error {
	from := task.Status
	if err := task.Transition(models.StatusPending); err != nil {
		return err
	}

	removeFiles(task)
	task.ClearArtifacts()
	task.JobHandle = null.String{}
	task.StartTime = null.Time{}
	task.EndTime = null.Time{}

	log.Info().Str("task", task.Name).Msg("Task reset")
	return s.save(ctx, st, task, from)
}

// save persists a task that moved away from the given status and announces the transition
func (s *TaskScheduler) save(ctx context.Context, st *store.Store, task *models.Task, from models.TaskStatus) error {
	if err := st.Put(task); err != nil {
		return err
	}

	s.opts.Metrics.ObserveTransition(task.Status)
	event := queue.NewTaskEvent(s.opts.RunID, s.workDir, task, from, s.opts.Now())
	if err := s.opts.Notifier.Publish(ctx, event); err != nil {
		log.Warn().Err(err).Str("task", task.Name).Msg("Failed to publish transition")
	}
	return nil
}

func removeFiles(task *models.Task) {
	for _, path := range task.Artifacts() {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn().Err(err).Str("task", task.Name).Str("file", path).Msg("Could not remove generated file")
		}
	}
}

// recordCounts refreshes the per status gauges
func (s *TaskScheduler) recordCounts(st *store.Store) {
	counts := make(map[models.TaskStatus]int)
	err := st.Scan(func(task *models.Task) error {
		if !task.IsRoot() {
			counts[task.Status]++
		}
		return nil
	})
	if err != nil {
		log.Debug().Err(err).Msg("Could not count tasks")
		return
	}

	s.opts.Metrics.SetTaskCounts(counts)
	s.opts.Metrics.MarkRun(s.opts.Now())
}
