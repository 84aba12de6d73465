// conf/defaults.go default values for settings
package conf

import (
	"time"

	"github.com/spf13/viper"
)

// setDefaultConfig registers default values. Every key must have a default
// for environment overrides to be picked up by Unmarshal.
func setDefaultConfig(v *viper.Viper) {
	v.SetDefault("debug", false)

	v.SetDefault("logging.timezone", "Local")
	v.SetDefault("logging.default_level", "info")
	v.SetDefault("logging.console.enabled", true)
	v.SetDefault("logging.console.level", "info")
	v.SetDefault("logging.file_output.enabled", false)
	v.SetDefault("logging.file_output.path", "logs/voiceengine.log")
	v.SetDefault("logging.file_output.level", "info")
	v.SetDefault("logging.module_levels", map[string]string{})

	v.SetDefault("engine.encoder_queue_name", "AudioEncoderQueue")
	v.SetDefault("engine.process_thread_name", "VoiceProcessThread")
	v.SetDefault("engine.max_channels", 32)
	v.SetDefault("engine.error_suppress_window", 5*time.Second)
	v.SetDefault("engine.metrics_interval", time.Second)
	v.SetDefault("engine.channels", 1)

	v.SetDefault("audio.driver", DriverMalgo)
	v.SetDefault("audio.sample_rate", 48000)
	v.SetDefault("audio.channels", 1)
	v.SetDefault("audio.frames_per_buffer", 480)
	v.SetDefault("audio.loopback_buffer_size", 0)
	v.SetDefault("audio.capture_device", "default")
	v.SetDefault("audio.playback_device", "default")
	v.SetDefault("audio.gain", 1.0)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", "127.0.0.1:9090")
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("sentry.enabled", false)
	v.SetDefault("sentry.dsn", "")
}
