package cmd

import (
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/spf13/cobra"

	configcmd "github.com/tphakala/voiceengine/cmd/config"
	"github.com/tphakala/voiceengine/cmd/devices"
	"github.com/tphakala/voiceengine/cmd/run"
	"github.com/tphakala/voiceengine/internal/conf"
	"github.com/tphakala/voiceengine/internal/errors"
	"github.com/tphakala/voiceengine/internal/logger"
)

const sentryFlushTimeout = 2 * time.Second

// RootCommand creates and returns the root command
func RootCommand() *cobra.Command {
	settings := &conf.Settings{}
	var configFile string
	var debug bool
	var centralLogger *logger.CentralLogger

	rootCmd := &cobra.Command{
		Use:           "voiceengine",
		Short:         "Voice engine host",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to config file (default: search ./, ~/.config/voiceengine, /etc/voiceengine)")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	rootCmd.AddCommand(
		run.Command(settings),
		devices.Command(),
		configcmd.Command(settings),
	)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		loaded, err := conf.Load(configFile)
		if err != nil {
			return err
		}
		*settings = *loaded
		if debug {
			settings.Debug = true
			settings.Logging.DefaultLevel = "debug"
			if settings.Logging.Console != nil {
				settings.Logging.Console.Level = "debug"
			}
		}

		centralLogger, err = logger.NewCentralLogger(&settings.Logging)
		if err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}
		logger.SetGlobal(centralLogger)

		return initSentry(&settings.Sentry)
	}

	rootCmd.PersistentPostRunE = func(cmd *cobra.Command, args []string) error {
		if settings.Sentry.Enabled {
			sentry.Flush(sentryFlushTimeout)
		}
		if centralLogger != nil {
			return centralLogger.Close()
		}
		return nil
	}

	return rootCmd
}

// initSentry enables error telemetry when configured
func initSentry(settings *conf.SentrySettings) error {
	if !settings.Enabled {
		return nil
	}
	if err := sentry.Init(sentry.ClientOptions{
		Dsn:              settings.DSN,
		AttachStacktrace: true,
		SendDefaultPII:   false,
	}); err != nil {
		return fmt.Errorf("failed to initialize sentry: %w", err)
	}
	errors.SetTelemetryReporter(errors.NewSentryReporter(true))
	logger.Global().Module("telemetry").Info("error telemetry enabled")
	return nil
}
