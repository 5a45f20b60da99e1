package cli

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"dagrunner/internal/queue"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Prints task transitions published to the event list",
	Long: `Pops the transitions published by other drctl invocations from the Redis list configured under
notify and prints them as JSON lines until interrupted.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if conf.Notify.Addr == "" {
			return errors.New("no event list configured, set notify.addr")
		}

		client, err := queue.NewRedisClient(conf.Notify.Addr, conf.Notify.Password, conf.Notify.DB, conf.Notify.List)
		if err != nil {
			return err
		}
		defer func() {
			if err := client.Close(); err != nil {
				log.Warn().Err(err).Msg("Could not close event client cleanly")
			}
		}()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		out := cmd.OutOrStdout()
		err = client.Subscribe(ctx, func(event queue.TaskEvent) {
			data, err := json.Marshal(event)
			if err != nil {
				log.Error().Err(err).Str("task", event.Task).Msg("Could not encode event")
				return
			}
			_, _ = fmt.Fprintln(out, string(data))
		})
		return interrupted(err)
	},
}
