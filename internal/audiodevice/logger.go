package audiodevice

import "github.com/tphakala/voiceengine/internal/logger"

// GetLogger returns the audiodevice logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("audiodevice")
}

func getLogger() logger.Logger {
	return GetLogger()
}
