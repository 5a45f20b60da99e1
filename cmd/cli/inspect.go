package cli

import (
	"context"
	"fmt"

	"dagrunner/internal/scheduler"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var eowCmd = &cobra.Command{
	Use:   "eow",
	Short: "Exits with 0 when every target is complete",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withScheduler(cmd, func(ctx context.Context, s *scheduler.TaskScheduler) error {
			done, err := s.EndOfWorkflow(ctx)
			if err != nil {
				return err
			}
			if !done {
				log.Info().Msg("Workflow is not finished")
				return errNotFinished
			}
			log.Info().Msg("Workflow is finished")
			return nil
		})
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "Prints the state of every target",
	Long: fmt.Sprintf(`Prints one tab separated line per target with its name, job id, status, fingerprint,
duration, script and prerequisites. Missing values are printed as %q.`, "*"),
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withScheduler(cmd, func(ctx context.Context, s *scheduler.TaskScheduler) error {
			return s.List(ctx, cmd.OutOrStdout())
		})
	},
}
