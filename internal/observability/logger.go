package observability

import "github.com/tphakala/voiceengine/internal/logger"

// GetLogger returns the observability logger from the current global logger
func GetLogger() logger.Logger {
	return logger.Global().Module("telemetry")
}
