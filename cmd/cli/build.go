package cli

import (
	"context"

	"dagrunner/internal/dag"
	"dagrunner/internal/scheduler"
	"github.com/spf13/cobra"
)

var buildCmd = &cobra.Command{
	Use:   "build <graph.json|graph.yaml|->",
	Short: "Loads a build graph into the working directory",
	Long: `Loads the targets of a build graph into the store of the working directory. The graph is read
from a JSON or YAML file, or from standard input when the source is "-".`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		g, err := dag.Load(args[0])
		if err != nil {
			return err
		}

		return withScheduler(cmd, func(ctx context.Context, s *scheduler.TaskScheduler) error {
			return s.Build(ctx, g)
		})
	},
	Annotations: writesMetrics,
}
