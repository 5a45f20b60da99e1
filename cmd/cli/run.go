package cli

import (
	"context"

	"dagrunner/internal/scheduler"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Advances the workflow by one step",
	Long: `Polls the running targets, then submits the targets whose prerequisites are complete until
--jobs targets are running. With --reset, failed targets are made pending again instead.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		reset, err := cmd.Flags().GetBool("reset")
		if err != nil {
			return err
		}

		return withScheduler(cmd, func(ctx context.Context, s *scheduler.TaskScheduler) error {
			report, err := s.Run(ctx, scheduler.RunOptions{
				MaxConcurrent: conf.Scheduler.Jobs,
				ResetFailures: reset,
			})
			if report != nil && report.LastFailed != "" {
				log.Warn().Str("task", report.LastFailed).Int("failed", report.Failed).Msg("Last failed task")
			}
			return err
		})
	},
	Annotations: writesMetrics,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Runs steps on a schedule until the workflow is finished",
	Long: `Runs a step now and then on every tick of the cron schedule (e.g. "@every 5m" or "*/10 * * * *")
until the workflow is finished or a step fails.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withScheduler(cmd, func(ctx context.Context, s *scheduler.TaskScheduler) error {
			return interrupted(s.Watch(ctx, conf.Scheduler.WatchSchedule, scheduler.RunOptions{MaxConcurrent: conf.Scheduler.Jobs}))
		})
	},
	Annotations: writesMetrics,
}

func init() {
	runCmd.Flags().IntP("jobs", "j", 1, "maximum number of running targets")
	runCmd.Flags().Bool("reset", false, "make failed targets pending again")
	runCmd.Flags().Duration("poll-timeout", scheduler.DefaultPollTimeout, "deadline of a single status inquiry")

	watchCmd.Flags().IntP("jobs", "j", 1, "maximum number of running targets")
	watchCmd.Flags().String("schedule", scheduler.DefaultWatchSchedule, "cron schedule of the steps")
	watchCmd.Flags().Duration("poll-timeout", scheduler.DefaultPollTimeout, "deadline of a single status inquiry")
}
