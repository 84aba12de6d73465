// config.go: settings for the voice engine host and functions to load and save them
package conf

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/tphakala/voiceengine/internal/errors"
	"github.com/tphakala/voiceengine/internal/logger"
)

// EnvPrefix prefixes environment overrides, e.g. VOE_AUDIO_DRIVER
const EnvPrefix = "VOE"

// Audio drivers
const (
	DriverMalgo    = "malgo"
	DriverLoopback = "loopback"
)

// EngineSettings configures the shared resources of an engine instance
type EngineSettings struct {
	EncoderQueueName    string        `yaml:"encoder_queue_name" mapstructure:"encoder_queue_name"`
	ProcessThreadName   string        `yaml:"process_thread_name" mapstructure:"process_thread_name"`
	MaxChannels         int           `yaml:"max_channels" mapstructure:"max_channels"`
	// ErrorSuppressWindow is the repeat window for identical error traces
	ErrorSuppressWindow time.Duration `yaml:"error_suppress_window" mapstructure:"error_suppress_window"`
	MetricsInterval     time.Duration `yaml:"metrics_interval" mapstructure:"metrics_interval"`
	// Channels is the number of channels created at startup
	Channels            int           `yaml:"channels" mapstructure:"channels"`
}

// AudioSettings selects and configures the audio device
type AudioSettings struct {
	// Driver is malgo or loopback
	Driver             string  `yaml:"driver" mapstructure:"driver"`
	SampleRate         uint32  `yaml:"sample_rate" mapstructure:"sample_rate"`
	Channels           uint32  `yaml:"channels" mapstructure:"channels"`
	FramesPerBuffer    uint32  `yaml:"frames_per_buffer" mapstructure:"frames_per_buffer"`
	LoopbackBufferSize int     `yaml:"loopback_buffer_size" mapstructure:"loopback_buffer_size"`
	CaptureDevice      string  `yaml:"capture_device" mapstructure:"capture_device"`
	PlaybackDevice     string  `yaml:"playback_device" mapstructure:"playback_device"`
	// Gain is a linear gain applied to captured audio
	Gain               float64 `yaml:"gain" mapstructure:"gain"`
}

// MetricsSettings configures the Prometheus endpoint
type MetricsSettings struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Listen  string `yaml:"listen" mapstructure:"listen"`
	Path    string `yaml:"path" mapstructure:"path"`
}

// SentrySettings configures error telemetry
type SentrySettings struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	DSN     string `yaml:"dsn" mapstructure:"dsn"`
}

// Settings is the root configuration
type Settings struct {
	Debug   bool                 `yaml:"debug" mapstructure:"debug"`
	Logging logger.LoggingConfig `yaml:"logging" mapstructure:"logging"`
	Engine  EngineSettings       `yaml:"engine" mapstructure:"engine"`
	Audio   AudioSettings        `yaml:"audio" mapstructure:"audio"`
	Metrics MetricsSettings      `yaml:"metrics" mapstructure:"metrics"`
	Sentry  SentrySettings       `yaml:"sentry" mapstructure:"sentry"`
}

// Load reads settings from configFile, or from config.yaml in the default
// config paths when configFile is empty. A missing default file is not an
// error; defaults and environment overrides still apply.
func Load(configFile string) (*Settings, error) {
	v := viper.New()
	setDefaultConfig(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		for _, path := range GetDefaultConfigPaths() {
			v.AddConfigPath(path)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, errors.New(err).
				Component("conf").
				Category(errors.CategoryConfiguration).
				Context("operation", "read_config").
				Context("config_file", configFile).
				Build()
		}
		GetLogger().Debug("no config file found, using defaults")
	} else {
		GetLogger().Info("loaded config file", logger.String("path", v.ConfigFileUsed()))
	}

	settings := &Settings{}
	if err := v.Unmarshal(settings); err != nil {
		return nil, errors.New(err).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Context("operation", "unmarshal_config").
			Build()
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, err
	}
	return settings, nil
}

// Defaults returns the settings used when nothing is configured
func Defaults() *Settings {
	v := viper.New()
	setDefaultConfig(v)
	settings := &Settings{}
	// defaults are static and always decode
	_ = v.Unmarshal(settings)
	return settings
}

// GetDefaultConfigPaths returns the directories searched for config.yaml
func GetDefaultConfigPaths() []string {
	paths := []string{"."}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "voiceengine"))
	}
	return append(paths, "/etc/voiceengine")
}

// Dump renders settings as YAML
func Dump(settings *Settings) ([]byte, error) {
	data, err := yaml.Marshal(settings)
	if err != nil {
		return nil, errors.New(err).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Context("operation", "marshal_config").
			Build()
	}
	return data, nil
}

// SaveYAMLConfig writes settings to configPath. The file is written to a
// temporary file in the same directory and renamed into place.
func SaveYAMLConfig(configPath string, settings *Settings) error {
	data, err := Dump(settings)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return saveError(err, configPath, "create_directory")
	}

	tempFile, err := os.CreateTemp(filepath.Dir(configPath), "config-*.yaml")
	if err != nil {
		return saveError(err, configPath, "create_temp_file")
	}
	tempFileName := tempFile.Name()
	defer func() { _ = os.Remove(tempFileName) }()

	if _, err := tempFile.Write(data); err != nil {
		_ = tempFile.Close()
		return saveError(err, configPath, "write_temp_file")
	}
	if err := tempFile.Close(); err != nil {
		return saveError(err, configPath, "close_temp_file")
	}

	if err := os.Rename(tempFileName, configPath); err != nil {
		return saveError(err, configPath, "rename_temp_file")
	}
	return nil
}

func saveError(err error, path, op string) error {
	return errors.New(err).
		Component("conf").
		Category(errors.CategorySystem).
		Context("operation", op).
		Context("config_path", path).
		Build()
}
