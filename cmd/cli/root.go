package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dagrunner/internal/backend"
	"dagrunner/internal/config"
	"dagrunner/internal/metrics"
	"dagrunner/internal/queue"
	"dagrunner/internal/scheduler"
	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// errNotFinished makes eow exit with 1 without being reported as a failure
var errNotFinished = errors.New("workflow is not finished")

// writesMetrics marks the commands that change the store, only they refresh the metrics textfile
var writesMetrics = map[string]string{"metrics": "true"}

var RootCmd = &cobra.Command{
	Use:   "drctl",
	Short: "dagrunner - a restartable scheduler for build graphs on batch clusters",
	Long: `dagrunner drives the targets of a build graph through a batch system (SLURM or SGE).

Load a graph once with "build", then call "run" repeatedly (from cron, or with "watch") until
"eow" reports that the workflow is finished. Create a STOP file in the working directory to
block any further change.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
}

// settings of the current invocation, filled by setup
var (
	conf  *config.DRConfig
	runID string
)

func init() {
	flags := RootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "config file path")
	flags.StringP("workdir", "w", "", "absolute path of the working directory holding the workflow state")
	flags.String("backend", "", fmt.Sprintf("batch system, one of %v", backend.Kinds))
	flags.String("log-level", "", "log level (trace, debug, info, warn, error)")

	RootCmd.AddCommand(buildCmd, runCmd, eowCmd, killCmd, listCmd, watchCmd, eventsCmd)
}

func Execute() {
	if err := RootCmd.Execute(); err != nil {
		if !errors.Is(err, errNotFinished) {
			log.Error().Err(err).Msg("drctl failed")
		}
		os.Exit(1)
	}
}

func setup(cmd *cobra.Command, _ []string) error {
	var err error
	if conf, err = config.FromCobraCmd(cmd); err != nil {
		return err
	}

	level, err := conf.Level()
	if err != nil {
		return err
	}

	runID = uuid.NewString()
	setupLogging(os.Stderr, level, runID)
	return nil
}

func setupLogging(out *os.File, level zerolog.Level, id string) {
	zerolog.SetGlobalLevel(level)

	var w io.Writer = out
	if isatty.IsTerminal(out.Fd()) || isatty.IsCygwinTerminal(out.Fd()) {
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: time.DateTime}
	}
	log.Logger = zerolog.New(w).With().Timestamp().Str("run_id", id).Logger()
}

// interrupted turns a stop asked for by the operator (SIGINT, SIGTERM) into a clean exit
func interrupted(err error) error {
	if errors.Is(err, context.Canceled) {
		log.Info().Msg("Interrupted, stopping")
		return nil
	}
	return err
}

func newNotifier() queue.Client {
	if conf.Notify.Addr == "" {
		return queue.NopClient{}
	}

	client, err := queue.NewRedisClient(conf.Notify.Addr, conf.Notify.Password, conf.Notify.DB, conf.Notify.List)
	if err != nil {
		log.Warn().Err(err).Msg("Transition events are disabled")
		return queue.NopClient{}
	}
	return client
}

// withScheduler builds the scheduler of the configured working directory and runs fn with a context
// that ends on SIGINT or SIGTERM. Commands that change the store write the metrics afterwards, whatever
// the outcome.
func withScheduler(cmd *cobra.Command, fn func(ctx context.Context, s *scheduler.TaskScheduler) error) error {
	if conf.WorkDir == "" {
		return errors.New("the working directory is required, use --workdir or DR_WORKDIR")
	}

	b, err := backend.New(conf.Backend, conf.WorkDir, conf.BackendConfig())
	if err != nil {
		return err
	}

	notifier := newNotifier()
	defer func() {
		if err := notifier.Close(); err != nil {
			log.Warn().Err(err).Msg("Could not close event client cleanly")
		}
	}()

	m := metrics.New()
	s := scheduler.New(conf.WorkDir, b, scheduler.Options{
		PollTimeout: conf.Scheduler.PollTimeout,
		Notifier:    notifier,
		Metrics:     m,
		RunID:       runID,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = fn(ctx, s)

	if conf.Metrics.Textfile != "" && cmd.Annotations["metrics"] == "true" {
		if werr := m.WriteTextfile(conf.Metrics.Textfile); werr != nil {
			log.Warn().Err(werr).Str("path", conf.Metrics.Textfile).Msg("Could not write metrics")
		}
	}
	return err
}
