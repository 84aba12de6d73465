package conf

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/voiceengine/internal/errors"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaultsWithoutConfigFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Chdir(t.TempDir())

	settings, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "AudioEncoderQueue", settings.Engine.EncoderQueueName)
	assert.Equal(t, "VoiceProcessThread", settings.Engine.ProcessThreadName)
	assert.Equal(t, 32, settings.Engine.MaxChannels)
	assert.Equal(t, 5*time.Second, settings.Engine.ErrorSuppressWindow)
	assert.Equal(t, DriverMalgo, settings.Audio.Driver)
	assert.Equal(t, uint32(48000), settings.Audio.SampleRate)
	assert.InDelta(t, 1.0, settings.Audio.Gain, 0)
	require.NotNil(t, settings.Logging.Console)
	assert.True(t, settings.Logging.Console.Enabled)
	assert.False(t, settings.Metrics.Enabled)
}

func TestLoadConfigFile(t *testing.T) {
	path := writeConfig(t, `
engine:
  encoder_queue_name: TestEncoder
  max_channels: 4
  channels: 2
  error_suppress_window: 250ms
audio:
  driver: loopback
  sample_rate: 16000
  frames_per_buffer: 160
metrics:
  enabled: true
  listen: ":9100"
`)

	settings, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "TestEncoder", settings.Engine.EncoderQueueName)
	assert.Equal(t, "VoiceProcessThread", settings.Engine.ProcessThreadName, "unset keys keep defaults")
	assert.Equal(t, 4, settings.Engine.MaxChannels)
	assert.Equal(t, 2, settings.Engine.Channels)
	assert.Equal(t, 250*time.Millisecond, settings.Engine.ErrorSuppressWindow)
	assert.Equal(t, DriverLoopback, settings.Audio.Driver)
	assert.Equal(t, uint32(16000), settings.Audio.SampleRate)
	assert.Equal(t, uint32(160), settings.Audio.FramesPerBuffer)
	assert.True(t, settings.Metrics.Enabled)
	assert.Equal(t, ":9100", settings.Metrics.Listen)
}

func TestEnvironmentOverrides(t *testing.T) {
	path := writeConfig(t, "audio:\n  driver: malgo\n")
	t.Setenv("VOE_AUDIO_DRIVER", "loopback")
	t.Setenv("VOE_ENGINE_MAX_CHANNELS", "8")
	t.Setenv("VOE_LOGGING_DEFAULT_LEVEL", "debug")

	settings, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, DriverLoopback, settings.Audio.Driver)
	assert.Equal(t, 8, settings.Engine.MaxChannels)
	assert.Equal(t, "debug", settings.Logging.DefaultLevel)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
}

func TestValidateSettings(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Settings)
		wantErr string
	}{
		{"defaults", func(*Settings) {}, ""},
		{"bad driver", func(s *Settings) { s.Audio.Driver = "pulse" }, "audio.driver"},
		{"sample rate", func(s *Settings) { s.Audio.SampleRate = 100 }, "audio.sample_rate"},
		{"channel count", func(s *Settings) { s.Audio.Channels = 6 }, "audio.channels"},
		{"gain", func(s *Settings) { s.Audio.Gain = -1 }, "audio.gain"},
		{"channels over max", func(s *Settings) {
			s.Engine.MaxChannels = 2
			s.Engine.Channels = 3
		}, "exceeds engine.max_channels"},
		{"negative window", func(s *Settings) { s.Engine.ErrorSuppressWindow = -time.Second }, "error_suppress_window"},
		{"log level", func(s *Settings) { s.Logging.DefaultLevel = "loud" }, "unknown log level"},
		{"module level", func(s *Settings) {
			s.Logging.ModuleLevels = map[string]string{"voe": "chatty"}
		}, "logging.module_levels.voe"},
		{"metrics listen", func(s *Settings) {
			s.Metrics.Enabled = true
			s.Metrics.Listen = "nope"
		}, "metrics.listen"},
		{"metrics disabled ignores listen", func(s *Settings) { s.Metrics.Listen = "nope" }, ""},
		{"sentry without dsn", func(s *Settings) { s.Sentry.Enabled = true }, "sentry.dsn"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			settings := Defaults()
			tt.mutate(settings)

			err := ValidateSettings(settings)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
		})
	}
}

func TestSaveAndReload(t *testing.T) {
	settings := Defaults()
	settings.Audio.Driver = DriverLoopback
	settings.Engine.ErrorSuppressWindow = 750 * time.Millisecond
	settings.Engine.Channels = 3
	settings.Logging.ModuleLevels = map[string]string{"voe": "debug"}

	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	require.NoError(t, SaveYAMLConfig(path, settings))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary file is cleaned up")

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DriverLoopback, loaded.Audio.Driver)
	assert.Equal(t, 750*time.Millisecond, loaded.Engine.ErrorSuppressWindow)
	assert.Equal(t, 3, loaded.Engine.Channels)
	assert.Equal(t, "debug", loaded.Logging.ModuleLevels["voe"])
}

func TestDump(t *testing.T) {
	data, err := Dump(Defaults())
	require.NoError(t, err)
	assert.Contains(t, string(data), "encoder_queue_name: AudioEncoderQueue")
	assert.Contains(t, string(data), "error_suppress_window: 5s")
}
