package statistics

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/voiceengine/internal/logger"
)

func newTestStatistics(t *testing.T, opts ...Option) (*Statistics, *bytes.Buffer) {
	t.Helper()
	buf := &bytes.Buffer{}
	opts = append([]Option{WithLogger(logger.NewSlogLogger(buf, logger.LogLevelDebug, time.UTC))}, opts...)
	return New(1, opts...), buf
}

func TestInitializationState(t *testing.T) {
	s, _ := newTestStatistics(t)
	assert.False(t, s.Initialized())

	s.SetInitialized()
	assert.True(t, s.Initialized())

	s.SetUnInitialized()
	assert.False(t, s.Initialized())
}

func TestSetLastErrorVariants(t *testing.T) {
	s, buf := newTestStatistics(t)
	assert.Equal(t, CodeOK, s.LastError())

	s.SetLastError(CodeChannelNotValid)
	assert.Equal(t, CodeChannelNotValid, s.LastError())
	assert.Empty(t, buf.String(), "code-only errors are not logged")

	s.SetLastErrorWithLevel(CodeNotInitialized, TraceError)
	rec := s.LastErrorRecord()
	assert.Equal(t, CodeNotInitialized, rec.Code)
	assert.Equal(t, TraceError, rec.Level)
	assert.Empty(t, rec.Message)
	assert.Contains(t, buf.String(), "NOT_INITED")

	s.SetLastErrorWithMessage(CodeSoundcardError, TraceCritical, "playout device lost")
	rec = s.LastErrorRecord()
	assert.Equal(t, CodeSoundcardError, rec.Code)
	assert.Equal(t, TraceCritical, rec.Level)
	assert.Equal(t, "playout device lost", rec.Message)
	assert.Contains(t, buf.String(), "playout device lost")
	assert.False(t, rec.Time.IsZero())
}

func TestConcurrentWritesLeaveOneSubmittedValue(t *testing.T) {
	s, _ := newTestStatistics(t, WithSuppressWindow(0))

	const writers = 64
	var wg sync.WaitGroup
	for i := range writers {
		wg.Go(func() {
			code := int32(8000 + i)
			switch i % 3 {
			case 0:
				s.SetLastError(code)
			case 1:
				s.SetLastErrorWithLevel(code, TraceWarning)
			default:
				s.SetLastErrorWithMessage(code, TraceError, fmt.Sprintf("writer %d", i))
			}
		})
	}
	wg.Wait()

	rec := s.LastErrorRecord()
	i := int(rec.Code - 8000)
	require.GreaterOrEqual(t, i, 0)
	require.Less(t, i, writers)

	// Every field must come from the same writer
	switch i % 3 {
	case 0:
		assert.Equal(t, TraceNone, rec.Level)
		assert.Empty(t, rec.Message)
	case 1:
		assert.Equal(t, TraceWarning, rec.Level)
		assert.Empty(t, rec.Message)
	default:
		assert.Equal(t, TraceError, rec.Level)
		assert.Equal(t, fmt.Sprintf("writer %d", i), rec.Message)
	}
}

func TestRepeatedErrorsAreSuppressedInLog(t *testing.T) {
	s, buf := newTestStatistics(t, WithSuppressWindow(time.Hour))

	for range 5 {
		s.SetLastErrorWithLevel(CodeAlreadySending, TraceWarning)
	}
	s.SetLastErrorWithLevel(CodeAlreadyPlaying, TraceWarning)

	assert.Equal(t, 1, strings.Count(buf.String(), "ALREADY_SENDING"))
	assert.Equal(t, 1, strings.Count(buf.String(), "ALREADY_PLAYING"))
	assert.Equal(t, int64(4), s.Suppressed())

	// Suppression never affects the recorded value
	assert.Equal(t, CodeAlreadyPlaying, s.LastError())
}

func TestSuppressionIsBoundedByCodeAndLevel(t *testing.T) {
	s, buf := newTestStatistics(t, WithSuppressWindow(time.Millisecond))

	for i := range 1000 {
		s.SetLastErrorWithMessage(CodeSoundcardError, TraceError, fmt.Sprintf("device failure %d", i))
	}
	assert.LessOrEqual(t, s.recent.ItemCount(), 1)

	time.Sleep(5 * time.Millisecond)
	s.SetLastErrorWithMessage(CodeSoundcardError, TraceWarning, "device recovered")
	s.SetLastErrorWithMessage(CodeSoundcardError, TraceError, "device failure again")
	assert.LessOrEqual(t, s.recent.ItemCount(), 2)
	assert.Contains(t, buf.String(), "device failure again")

	time.Sleep(5 * time.Millisecond)
	s.SetUnInitialized()
	assert.Zero(t, s.recent.ItemCount())
}

func TestSuppressionDisabled(t *testing.T) {
	s, buf := newTestStatistics(t, WithSuppressWindow(0))

	for range 3 {
		s.SetLastErrorWithLevel(CodeAlreadySending, TraceWarning)
	}
	assert.Equal(t, 3, strings.Count(buf.String(), "ALREADY_SENDING"))
	assert.Zero(t, s.Suppressed())
}

func TestCodeNames(t *testing.T) {
	tests := []struct {
		code int32
		want string
	}{
		{CodeOK, "OK"},
		{CodeChannelNotValid, "CHANNEL_NOT_VALID"},
		{CodeAudioDeviceModuleError, "AUDIO_DEVICE_MODULE_ERROR"},
		{12345, "UNKNOWN_12345"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, CodeName(tt.code))
		})
	}

	assert.False(t, IsSubsystemError(CodeChannelNotValid))
	assert.True(t, IsSubsystemError(CodeSoundcardError))
}

func TestTraceLevelString(t *testing.T) {
	assert.Equal(t, "critical", TraceCritical.String())
	assert.Equal(t, "stateinfo", TraceStateInfo.String())
	assert.Equal(t, "level(0x0100)", TraceLevel(0x0100).String())
}
