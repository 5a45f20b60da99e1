package cli

import (
	"context"

	"dagrunner/internal/scheduler"
	"github.com/spf13/cobra"
)

var killCmd = &cobra.Command{
	Use:   "kill",
	Short: "Cancels every running target",
	Long: `Asks the batch system to cancel every running target and marks them failed. With --reset they
are made pending so that the next step submits them again.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		reset, err := cmd.Flags().GetBool("reset")
		if err != nil {
			return err
		}

		return withScheduler(cmd, func(ctx context.Context, s *scheduler.TaskScheduler) error {
			_, err := s.Kill(ctx, reset)
			return err
		})
	},
	Annotations: writesMetrics,
}

func init() {
	killCmd.Flags().Bool("reset", false, "make the killed targets pending again")
}
