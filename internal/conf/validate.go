// conf/validate.go

package conf

import (
	"fmt"
	"net"
	"slices"
	"strings"

	"github.com/tphakala/voiceengine/internal/errors"
)

var validLogLevels = []string{"trace", "debug", "info", "warn", "warning", "error"}

// ValidationError represents a collection of validation errors
type ValidationError struct {
	Errors []string
}

// Error returns a string representation of the validation errors
func (ve ValidationError) Error() string {
	return fmt.Sprintf("Validation errors: %v", ve.Errors)
}

// ValidateSettings validates the entire Settings struct
func ValidateSettings(settings *Settings) error {
	ve := ValidationError{}

	ve.Errors = append(ve.Errors, validateLoggingSettings(settings)...)
	ve.Errors = append(ve.Errors, validateEngineSettings(&settings.Engine)...)
	ve.Errors = append(ve.Errors, validateAudioSettings(&settings.Audio)...)
	ve.Errors = append(ve.Errors, validateMetricsSettings(&settings.Metrics)...)

	if settings.Sentry.Enabled && settings.Sentry.DSN == "" {
		ve.Errors = append(ve.Errors, "sentry.dsn is required when sentry is enabled")
	}

	if len(ve.Errors) > 0 {
		return errors.New(ve).
			Component("conf").
			Category(errors.CategoryValidation).
			Context("error_count", len(ve.Errors)).
			Build()
	}
	return nil
}

func validateLoggingSettings(settings *Settings) []string {
	var errs []string
	check := func(key, level string) {
		if level != "" && !slices.Contains(validLogLevels, strings.ToLower(level)) {
			errs = append(errs, fmt.Sprintf("%s: unknown log level %q", key, level))
		}
	}
	check("logging.default_level", settings.Logging.DefaultLevel)
	if settings.Logging.Console != nil {
		check("logging.console.level", settings.Logging.Console.Level)
	}
	if settings.Logging.FileOutput != nil {
		check("logging.file_output.level", settings.Logging.FileOutput.Level)
		if settings.Logging.FileOutput.Enabled && settings.Logging.FileOutput.Path == "" {
			errs = append(errs, "logging.file_output.path is required when file output is enabled")
		}
	}
	for module, level := range settings.Logging.ModuleLevels {
		check("logging.module_levels."+module, level)
	}
	return errs
}

func validateEngineSettings(settings *EngineSettings) []string {
	var errs []string
	if settings.MaxChannels < 0 {
		errs = append(errs, "engine.max_channels must not be negative")
	}
	if settings.Channels < 0 {
		errs = append(errs, "engine.channels must not be negative")
	}
	if settings.MaxChannels > 0 && settings.Channels > settings.MaxChannels {
		errs = append(errs, fmt.Sprintf("engine.channels (%d) exceeds engine.max_channels (%d)",
			settings.Channels, settings.MaxChannels))
	}
	if settings.ErrorSuppressWindow < 0 {
		errs = append(errs, "engine.error_suppress_window must not be negative")
	}
	if settings.MetricsInterval < 0 {
		errs = append(errs, "engine.metrics_interval must not be negative")
	}
	return errs
}

func validateAudioSettings(settings *AudioSettings) []string {
	var errs []string
	switch settings.Driver {
	case DriverMalgo, DriverLoopback:
	default:
		errs = append(errs, fmt.Sprintf("audio.driver: unsupported driver %q, use %s or %s",
			settings.Driver, DriverMalgo, DriverLoopback))
	}
	if settings.SampleRate < 8000 || settings.SampleRate > 192000 {
		errs = append(errs, fmt.Sprintf("audio.sample_rate %d out of range 8000-192000", settings.SampleRate))
	}
	if settings.Channels < 1 || settings.Channels > 2 {
		errs = append(errs, fmt.Sprintf("audio.channels must be 1 or 2, got %d", settings.Channels))
	}
	if settings.LoopbackBufferSize < 0 {
		errs = append(errs, "audio.loopback_buffer_size must not be negative")
	}
	if settings.Gain < 0 || settings.Gain > 16 {
		errs = append(errs, fmt.Sprintf("audio.gain %.2f out of range 0-16", settings.Gain))
	}
	return errs
}

func validateMetricsSettings(settings *MetricsSettings) []string {
	if !settings.Enabled {
		return nil
	}
	var errs []string
	if _, _, err := net.SplitHostPort(settings.Listen); err != nil {
		errs = append(errs, fmt.Sprintf("metrics.listen %q: %v", settings.Listen, err))
	}
	if !strings.HasPrefix(settings.Path, "/") {
		errs = append(errs, "metrics.path must start with /")
	}
	return errs
}
