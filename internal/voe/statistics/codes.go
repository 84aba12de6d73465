package statistics

import "fmt"

// TraceLevel is the severity attached to a recorded error
type TraceLevel uint16

const (
	TraceNone      TraceLevel = 0x0000
	TraceStateInfo TraceLevel = 0x0001
	TraceWarning   TraceLevel = 0x0002
	TraceError     TraceLevel = 0x0004
	TraceCritical  TraceLevel = 0x0008
	TraceAPICall   TraceLevel = 0x0010
	TraceDebug     TraceLevel = 0x0800
	TraceInfo      TraceLevel = 0x1000
)

// String returns the lower-case level name used in logs and metric labels
func (l TraceLevel) String() string {
	switch l {
	case TraceNone:
		return "none"
	case TraceStateInfo:
		return "stateinfo"
	case TraceWarning:
		return "warning"
	case TraceError:
		return "error"
	case TraceCritical:
		return "critical"
	case TraceAPICall:
		return "apicall"
	case TraceDebug:
		return "debug"
	case TraceInfo:
		return "info"
	default:
		return fmt.Sprintf("level(0x%04x)", uint16(l))
	}
}

// Engine error codes. Codes below 9000 report API misuse, 9000 and up report
// failures inside a subsystem.
const (
	CodeOK int32 = 0

	CodePortNotDefined           int32 = 8001
	CodeChannelNotValid          int32 = 8002
	CodeFuncNotSupported         int32 = 8003
	CodeInvalidArgument          int32 = 8005
	CodeNotSupported             int32 = 8011
	CodeChannelNotCreated        int32 = 8013
	CodeMaxActiveChannelsReached int32 = 8014
	CodeAlreadySending           int32 = 8018
	CodeAlreadyPlaying           int32 = 8020
	CodeNotInitialized           int32 = 8026
	CodeNotSending               int32 = 8027
	CodeNotPlaying               int32 = 8028
	CodeAlreadyInitialized       int32 = 8032

	CodeSoundcardError             int32 = 9001
	CodeAudioDeviceModuleError     int32 = 9002
	CodeAudioProcessingModuleError int32 = 9003
	CodeCannotStartRecording       int32 = 9004
	CodeCannotStopRecording        int32 = 9005
	CodeCannotStartPlayout         int32 = 9006
	CodeCannotStopPlayout          int32 = 9007
	CodeCannotAccessMicVolume      int32 = 9008
	CodeTaskQueueError             int32 = 9010
	CodeProcessThreadError         int32 = 9011
)

var codeNames = map[int32]string{
	CodeOK:                         "OK",
	CodePortNotDefined:             "PORT_NOT_DEFINED",
	CodeChannelNotValid:            "CHANNEL_NOT_VALID",
	CodeFuncNotSupported:           "FUNC_NOT_SUPPORTED",
	CodeInvalidArgument:            "INVALID_ARGUMENT",
	CodeNotSupported:               "NOT_SUPPORTED",
	CodeChannelNotCreated:          "CHANNEL_NOT_CREATED",
	CodeMaxActiveChannelsReached:   "MAX_ACTIVE_CHANNELS_REACHED",
	CodeAlreadySending:             "ALREADY_SENDING",
	CodeAlreadyPlaying:             "ALREADY_PLAYING",
	CodeNotInitialized:             "NOT_INITED",
	CodeNotSending:                 "NOT_SENDING",
	CodeNotPlaying:                 "NOT_PLAYING",
	CodeAlreadyInitialized:         "ALREADY_INITED",
	CodeSoundcardError:             "SOUNDCARD_ERROR",
	CodeAudioDeviceModuleError:     "AUDIO_DEVICE_MODULE_ERROR",
	CodeAudioProcessingModuleError: "APM_ERROR",
	CodeCannotStartRecording:       "CANNOT_START_RECORDING",
	CodeCannotStopRecording:        "CANNOT_STOP_RECORDING",
	CodeCannotStartPlayout:         "CANNOT_START_PLAYOUT",
	CodeCannotStopPlayout:          "CANNOT_STOP_PLAYOUT",
	CodeCannotAccessMicVolume:      "CANNOT_ACCESS_MIC_VOL",
	CodeTaskQueueError:             "TASK_QUEUE_ERROR",
	CodeProcessThreadError:         "PROCESS_THREAD_ERROR",
}

// CodeName returns the symbolic name of an engine error code
func CodeName(code int32) string {
	if name, ok := codeNames[code]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN_%d", code)
}

// IsSubsystemError reports whether code was raised by a failing subsystem
// rather than by API misuse
func IsSubsystemError(code int32) bool {
	return code >= 9000
}
