package run

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tphakala/voiceengine/internal/conf"
	"github.com/tphakala/voiceengine/internal/engine"
)

// Command creates the command that runs the voice engine until interrupted
func Command(settings *conf.Settings) *cobra.Command {
	var driver string
	var channels int
	var metricsListen string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the voice engine",
		Long:  "Open the audio device, start the configured channels and run until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("driver") {
				settings.Audio.Driver = driver
			}
			if cmd.Flags().Changed("channels") {
				settings.Engine.Channels = channels
			}
			if cmd.Flags().Changed("metrics") {
				settings.Metrics.Enabled = true
				settings.Metrics.Listen = metricsListen
			}
			if err := conf.ValidateSettings(settings); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return engine.Run(ctx, settings)
		},
	}

	cmd.Flags().StringVar(&driver, "driver", conf.DriverMalgo, "Audio driver (malgo or loopback)")
	cmd.Flags().IntVar(&channels, "channels", 1, "Number of channels to start")
	cmd.Flags().StringVar(&metricsListen, "metrics", "127.0.0.1:9090", "Enable the Prometheus endpoint on this address")

	return cmd
}
