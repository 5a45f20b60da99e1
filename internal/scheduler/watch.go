package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

const DefaultWatchSchedule = "@every 1m"

// cronLogger routes the messages of the cron runner to zerolog
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}

// Watch runs a step immediately and then on every tick of the cron schedule until the workflow is
// finished, a step fails or ctx ends. A tick that comes while the previous step is still busy is
// skipped.
func (s *TaskScheduler) Watch(ctx context.Context, schedule string, opts RunOptions) error {
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	sched, err := parser.Parse(schedule)
	if err != nil {
		return fmt.Errorf("invalid watch schedule %q: %w", schedule, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	finished := make(chan error, 1)
	step := func() {
		if ctx.Err() != nil {
			return
		}

		if done, err := s.step(ctx, opts); err != nil || done {
			select {
			case finished <- err:
			default:
			}
			cancel()
		}
	}

	step()
	select {
	case err := <-finished:
		return err
	default:
	}

	c := cron.New(cron.WithLocation(time.UTC), cron.WithLogger(cronLogger{}))
	c.Schedule(sched, cron.NewChain(cron.SkipIfStillRunning(cronLogger{})).Then(cron.FuncJob(step)))
	c.Start()
	log.Info().Str("schedule", schedule).Str("workdir", s.workDir).Msg("Watching workflow")

	<-ctx.Done()
	<-c.Stop().Done()

	select {
	case err := <-finished:
		return err
	default:
		return ctx.Err()
	}
}

// step runs once and reports whether the workflow is finished
func (s *TaskScheduler) step(ctx context.Context, opts RunOptions) (bool, error) {
	if _, err := s.Run(ctx, opts); err != nil {
		return false, err
	}
	return s.EndOfWorkflow(ctx)
}
