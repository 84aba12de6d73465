package engine

import "github.com/tphakala/voiceengine/internal/logger"

func getLogger() logger.Logger {
	return logger.Global().Module("engine")
}
