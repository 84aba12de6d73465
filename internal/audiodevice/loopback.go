package audiodevice

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/smallnest/ringbuffer"

	"github.com/tphakala/voiceengine/internal/errors"
	"github.com/tphakala/voiceengine/internal/logger"
)

// LoopbackConfig configures a LoopbackDevice
type LoopbackConfig struct {
	SampleRate      int
	Channels        int
	FramesPerBuffer int
	// BufferSize is the loop buffer capacity in bytes, rounded down to a
	// multiple of the sample frame size
	BufferSize int
	// Interval between frames when the device runs its own clock. Zero
	// disables the clock; frames are then driven with ProcessFrame.
	Interval time.Duration
}

func (c *LoopbackConfig) applyDefaults() {
	if c.SampleRate <= 0 {
		c.SampleRate = 48000
	}
	if c.Channels <= 0 {
		c.Channels = 1
	}
	if c.FramesPerBuffer <= 0 {
		c.FramesPerBuffer = c.SampleRate / 100
	}
	// Whole sample frames only, so a partial write never splits a sample
	frameBytes := 2 * c.Channels
	c.BufferSize -= c.BufferSize % frameBytes
	if c.BufferSize <= 0 {
		c.BufferSize = c.FramesPerBuffer * frameBytes * 50
	}
}

// LoopbackDevice is an in-memory device whose playout is fed back as its
// capture input through a ring buffer
type LoopbackDevice struct {
	framePipeline
	config LoopbackConfig

	mu          sync.Mutex
	loop        *ringbuffer.RingBuffer
	initialized atomic.Bool
	playing     atomic.Bool
	recording   atomic.Bool
	stopClock   chan struct{}
	clockDone   chan struct{}

	// frame buffers are only touched by ProcessFrame under frameMu
	frameMu    sync.Mutex
	renderBuf  []int16
	captureBuf []int16
	byteBuf    []byte

	overruns  atomic.Uint64
	underruns atomic.Uint64
}

// NewLoopbackDevice creates an uninitialized loopback device
func NewLoopbackDevice(config LoopbackConfig) *LoopbackDevice {
	config.applyDefaults()
	samples := config.FramesPerBuffer * config.Channels
	d := &LoopbackDevice{
		config:     config,
		renderBuf:  make([]int16, samples),
		captureBuf: make([]int16, samples),
		byteBuf:    make([]byte, samples*2),
	}
	d.sampleRate = config.SampleRate
	d.channels = config.Channels
	d.log = getLogger().With(logger.String("device", "loopback"))
	return d
}

// Init allocates the loop buffer and starts the device clock if configured
func (d *LoopbackDevice) Init() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.initialized.Load() {
		return nil
	}
	d.loop = ringbuffer.New(d.config.BufferSize)
	if d.config.Interval > 0 {
		d.stopClock = make(chan struct{})
		d.clockDone = make(chan struct{})
		go d.runClock(d.stopClock, d.clockDone)
	}
	d.initialized.Store(true)

	d.log.Debug("loopback device initialized",
		logger.Int("sample_rate", d.config.SampleRate),
		logger.Int("channels", d.config.Channels),
		logger.Int("buffer_size", d.config.BufferSize))
	return nil
}

// Terminate stops playout, recording and the device clock
func (d *LoopbackDevice) Terminate() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.initialized.Load() {
		return nil
	}
	d.playing.Store(false)
	d.recording.Store(false)
	if d.stopClock != nil {
		close(d.stopClock)
		<-d.clockDone
		d.stopClock, d.clockDone = nil, nil
	}
	d.initialized.Store(false)

	d.log.Debug("loopback device terminated")
	return nil
}

// Initialized reports whether Init has been called
func (d *LoopbackDevice) Initialized() bool { return d.initialized.Load() }

// StartPlayout starts feeding playout frames into the loop
func (d *LoopbackDevice) StartPlayout() error { return d.setState(&d.playing, true, "start_playout") }

// StopPlayout stops playout
func (d *LoopbackDevice) StopPlayout() error { return d.setState(&d.playing, false, "stop_playout") }

// Playing reports whether playout is active
func (d *LoopbackDevice) Playing() bool { return d.playing.Load() }

// StartRecording starts reading capture frames from the loop
func (d *LoopbackDevice) StartRecording() error {
	return d.setState(&d.recording, true, "start_recording")
}

// StopRecording stops recording
func (d *LoopbackDevice) StopRecording() error {
	return d.setState(&d.recording, false, "stop_recording")
}

// Recording reports whether recording is active
func (d *LoopbackDevice) Recording() bool { return d.recording.Load() }

// Stats returns frame counters
func (d *LoopbackDevice) Stats() FrameStats { return d.stats() }

// Overruns returns how many playout frames were dropped on a full loop
func (d *LoopbackDevice) Overruns() uint64 { return d.overruns.Load() }

// Underruns returns how many capture frames were padded with silence
func (d *LoopbackDevice) Underruns() uint64 { return d.underruns.Load() }

func (d *LoopbackDevice) setState(flag *atomic.Bool, on bool, op string) error {
	if !d.initialized.Load() {
		return notInitializedError(op)
	}
	flag.Store(on)
	return nil
}

// ProcessFrame runs one render and one capture cycle. It is what the device
// clock calls on every tick.
func (d *LoopbackDevice) ProcessFrame() error {
	if !d.initialized.Load() {
		return notInitializedError("process_frame")
	}

	d.frameMu.Lock()
	defer d.frameMu.Unlock()

	if d.playing.Load() {
		d.render(d.renderBuf)
		n := samplesToBytes(d.byteBuf, d.renderBuf)
		if _, err := d.loop.Write(d.byteBuf[:n]); err != nil {
			if errors.Is(err, ringbuffer.ErrIsFull) || errors.Is(err, ringbuffer.ErrTooMuchDataToWrite) {
				d.overruns.Add(1)
			} else {
				return errors.New(err).
					Component(ComponentAudioDevice).
					Category(errors.CategoryAudioDevice).
					Context("operation", "loop_write").
					Build()
			}
		}
	}

	if d.recording.Load() {
		n, err := d.loop.Read(d.byteBuf)
		if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
			return errors.New(err).
				Component(ComponentAudioDevice).
				Category(errors.CategoryAudioDevice).
				Context("operation", "loop_read").
				Build()
		}
		if n < len(d.byteBuf) {
			d.underruns.Add(1)
			clear(d.byteBuf[n:])
		}
		bytesToSamples(d.captureBuf, d.byteBuf)
		d.capture(d.captureBuf)
	}
	return nil
}

func (d *LoopbackDevice) runClock(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(d.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := d.ProcessFrame(); err != nil {
				d.log.Warn("loopback frame failed", logger.Error(err))
			}
		}
	}
}
