// Package audiodevice provides the platform audio I/O device used by the
// voice engine, a reference-counted handle to share it, and the interfaces
// through which the device drives the audio processing pipeline and the
// engine's transport.
package audiodevice

import (
	"sync/atomic"

	"github.com/tphakala/voiceengine/internal/errors"
	"github.com/tphakala/voiceengine/internal/logger"
)

// ComponentAudioDevice is the error component for this package
const ComponentAudioDevice = "audiodevice"

// AudioProcessing is the capture/render processing pipeline (echo control,
// gain, noise suppression). The device calls it from its audio callback
// with 16-bit interleaved frames which it may modify in place.
type AudioProcessing interface {
	ProcessCaptureStream(frame []int16, sampleRate, channels int) error
	ProcessRenderStream(frame []int16, sampleRate, channels int) error
}

// AudioTransport exchanges frames between the device and the engine
type AudioTransport interface {
	// RecordedDataIsAvailable delivers a processed capture frame
	RecordedDataIsAvailable(frame []int16, sampleRate, channels int)
	// NeedMorePlayData fills frame with the next playout samples
	NeedMorePlayData(frame []int16, sampleRate, channels int)
}

// Module is an audio I/O device
type Module interface {
	Init() error
	Terminate() error
	Initialized() bool

	StartPlayout() error
	StopPlayout() error
	Playing() bool

	StartRecording() error
	StopRecording() error
	Recording() bool

	// RegisterAudioProcessing sets the pipeline run on every frame; nil
	// disables processing
	RegisterAudioProcessing(apm AudioProcessing)
	AudioProcessing() AudioProcessing

	// RegisterAudioCallback sets the transport; nil detaches it
	RegisterAudioCallback(transport AudioTransport)
}

// Handle is a reference-counted owner of a Module. The handle starts with
// one reference held by its creator; the release that drops the count to
// zero terminates the module.
type Handle struct {
	module Module
	refs   atomic.Int32
	log    logger.Logger
}

// NewHandle wraps module in a handle holding one reference
func NewHandle(module Module) *Handle {
	h := &Handle{module: module, log: getLogger()}
	h.refs.Store(1)
	return h
}

// Module returns the wrapped device
func (h *Handle) Module() Module {
	return h.module
}

// AddRef takes an additional reference and returns the new count. A handle
// whose count already reached zero cannot be revived; AddRef then returns 0.
func (h *Handle) AddRef() int32 {
	for {
		n := h.refs.Load()
		if n <= 0 {
			return 0
		}
		if h.refs.CompareAndSwap(n, n+1) {
			return n + 1
		}
	}
}

// Release drops a reference and returns the remaining count. The module is
// terminated when the count reaches zero.
func (h *Handle) Release() int32 {
	n := h.refs.Add(-1)
	switch {
	case n == 0:
		if err := h.module.Terminate(); err != nil {
			h.log.Warn("terminating released audio device failed", logger.Error(err))
		}
	case n < 0:
		h.refs.Store(0)
		h.log.Error("audio device handle released too many times")
		return 0
	}
	return n
}

// RefCount returns the current reference count
func (h *Handle) RefCount() int32 {
	return h.refs.Load()
}

func notInitializedError(op string) error {
	return errors.Newf("audio device not initialized").
		Component(ComponentAudioDevice).
		Category(errors.CategoryState).
		Context("operation", op).
		Build()
}
