package audiodevice

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/tphakala/voiceengine/internal/logger"
)

type apmBox struct{ apm AudioProcessing }

type transportBox struct{ transport AudioTransport }

// framePipeline runs capture and render frames through the registered
// processing pipeline and transport. It is shared by the device
// implementations and is safe to reconfigure while the audio callback runs.
type framePipeline struct {
	apm       atomic.Pointer[apmBox]
	transport atomic.Pointer[transportBox]

	sampleRate int
	channels   int
	log        logger.Logger

	captureFrames  atomic.Uint64
	renderFrames   atomic.Uint64
	processingErrs atomic.Uint64
}

func (p *framePipeline) RegisterAudioProcessing(apm AudioProcessing) {
	if apm == nil {
		p.apm.Store(nil)
		return
	}
	p.apm.Store(&apmBox{apm: apm})
}

func (p *framePipeline) AudioProcessing() AudioProcessing {
	if box := p.apm.Load(); box != nil {
		return box.apm
	}
	return nil
}

func (p *framePipeline) RegisterAudioCallback(transport AudioTransport) {
	if transport == nil {
		p.transport.Store(nil)
		return
	}
	p.transport.Store(&transportBox{transport: transport})
}

// capture processes a recorded frame and hands it to the transport
func (p *framePipeline) capture(frame []int16) {
	if box := p.apm.Load(); box != nil {
		if err := box.apm.ProcessCaptureStream(frame, p.sampleRate, p.channels); err != nil {
			p.processingErrs.Add(1)
			p.log.Debug("capture processing failed", logger.Error(err))
		}
	}
	if box := p.transport.Load(); box != nil {
		box.transport.RecordedDataIsAvailable(frame, p.sampleRate, p.channels)
	}
	p.captureFrames.Add(1)
}

// render fills frame from the transport and runs render processing on it
func (p *framePipeline) render(frame []int16) {
	if box := p.transport.Load(); box != nil {
		box.transport.NeedMorePlayData(frame, p.sampleRate, p.channels)
	} else {
		clear(frame)
	}
	if box := p.apm.Load(); box != nil {
		if err := box.apm.ProcessRenderStream(frame, p.sampleRate, p.channels); err != nil {
			p.processingErrs.Add(1)
			p.log.Debug("render processing failed", logger.Error(err))
		}
	}
	p.renderFrames.Add(1)
}

// FrameStats counts frames handled by a device
type FrameStats struct {
	CaptureFrames    uint64
	RenderFrames     uint64
	ProcessingErrors uint64
}

func (p *framePipeline) stats() FrameStats {
	return FrameStats{
		CaptureFrames:    p.captureFrames.Load(),
		RenderFrames:     p.renderFrames.Load(),
		ProcessingErrors: p.processingErrs.Load(),
	}
}

// bytesToSamples decodes little-endian 16-bit PCM into dst and returns the
// number of samples written
func bytesToSamples(dst []int16, src []byte) int {
	n := min(len(dst), len(src)/2)
	for i := range n {
		dst[i] = int16(binary.LittleEndian.Uint16(src[i*2:]))
	}
	return n
}

// samplesToBytes encodes samples as little-endian 16-bit PCM into dst and
// returns the number of bytes written
func samplesToBytes(dst []byte, src []int16) int {
	n := min(len(dst)/2, len(src))
	for i := range n {
		binary.LittleEndian.PutUint16(dst[i*2:], uint16(src[i]))
	}
	return n * 2
}
