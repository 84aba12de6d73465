package audiodevice

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"

	"github.com/tphakala/voiceengine/internal/errors"
	"github.com/tphakala/voiceengine/internal/logger"
)

// MalgoConfig configures a MalgoDevice
type MalgoConfig struct {
	// CaptureDevice and PlaybackDevice select devices by name or decoded id;
	// empty or "default" picks the system default
	CaptureDevice   string
	PlaybackDevice  string
	SampleRate      uint32
	Channels        uint32
	FramesPerBuffer uint32
}

func (c *MalgoConfig) applyDefaults() {
	if c.SampleRate == 0 {
		c.SampleRate = 48000
	}
	if c.Channels == 0 {
		c.Channels = 1
	}
	if c.FramesPerBuffer == 0 {
		c.FramesPerBuffer = c.SampleRate / 100
	}
}

// MalgoDevice is a full-duplex sound card device backed by miniaudio
type MalgoDevice struct {
	framePipeline
	config MalgoConfig

	mu        sync.Mutex
	ctx       *malgo.AllocatedContext
	device    *malgo.Device
	started   bool
	playing   atomic.Bool
	recording atomic.Bool
	inited    atomic.Bool

	// callback scratch buffers, only touched from the device callback
	captureBuf []int16
	renderBuf  []int16

	stops atomic.Uint64
}

// NewMalgoDevice creates an uninitialized sound card device
func NewMalgoDevice(config MalgoConfig) *MalgoDevice {
	config.applyDefaults()
	d := &MalgoDevice{config: config}
	d.sampleRate = int(config.SampleRate)
	d.channels = int(config.Channels)
	d.log = getLogger().With(logger.String("device", "malgo"))
	return d
}

// Init opens the platform audio context and a duplex device
func (d *MalgoDevice) Init() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.inited.Load() {
		return nil
	}

	backend, err := backendForPlatform()
	if err != nil {
		return err
	}

	ctx, err := malgo.InitContext([]malgo.Backend{backend}, malgo.ContextConfig{}, func(message string) {
		d.log.Debug("malgo", logger.String("message", message))
	})
	if err != nil {
		return errors.New(err).
			Component(ComponentAudioDevice).
			Category(errors.CategoryAudioDevice).
			Context("operation", "init_context").
			Context("backend", runtime.GOOS).
			Build()
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Duplex)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = d.config.Channels
	deviceConfig.Playback.Format = malgo.FormatS16
	deviceConfig.Playback.Channels = d.config.Channels
	deviceConfig.SampleRate = d.config.SampleRate
	deviceConfig.PeriodSizeInFrames = d.config.FramesPerBuffer
	deviceConfig.Alsa.NoMMap = 1

	if err := selectDuplexDevices(ctx, &deviceConfig, d.config); err != nil {
		_ = ctx.Uninit()
		ctx.Free()
		return err
	}

	device, err := malgo.InitDevice(ctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: d.onData,
		Stop: d.onStop,
	})
	if err != nil {
		_ = ctx.Uninit()
		ctx.Free()
		return errors.New(err).
			Component(ComponentAudioDevice).
			Category(errors.CategoryAudioDevice).
			Context("operation", "init_device").
			Context("capture_device", d.config.CaptureDevice).
			Context("playback_device", d.config.PlaybackDevice).
			Build()
	}

	samples := int(d.config.FramesPerBuffer * d.config.Channels)
	d.captureBuf = make([]int16, samples)
	d.renderBuf = make([]int16, samples)
	d.ctx = ctx
	d.device = device
	d.inited.Store(true)

	d.log.Info("audio device initialized",
		logger.Uint32("sample_rate", d.config.SampleRate),
		logger.Uint32("channels", d.config.Channels),
		logger.Uint32("frames_per_buffer", d.config.FramesPerBuffer))
	return nil
}

// Terminate stops the device and releases the platform context
func (d *MalgoDevice) Terminate() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.inited.Load() {
		return nil
	}
	d.playing.Store(false)
	d.recording.Store(false)

	var stopErr error
	if d.started {
		stopErr = d.device.Stop()
		d.started = false
	}
	d.device.Uninit()
	d.device = nil

	ctxErr := d.ctx.Uninit()
	d.ctx.Free()
	d.ctx = nil
	d.inited.Store(false)

	d.log.Info("audio device terminated")

	if err := errors.Join(stopErr, ctxErr); err != nil {
		return errors.New(err).
			Component(ComponentAudioDevice).
			Category(errors.CategoryAudioDevice).
			Context("operation", "terminate").
			Build()
	}
	return nil
}

// Initialized reports whether Init succeeded
func (d *MalgoDevice) Initialized() bool { return d.inited.Load() }

// StartPlayout starts rendering frames to the playback device
func (d *MalgoDevice) StartPlayout() error { return d.setDirection(&d.playing, true, "start_playout") }

// StopPlayout stops rendering
func (d *MalgoDevice) StopPlayout() error { return d.setDirection(&d.playing, false, "stop_playout") }

// Playing reports whether playout is active
func (d *MalgoDevice) Playing() bool { return d.playing.Load() }

// StartRecording starts delivering captured frames
func (d *MalgoDevice) StartRecording() error {
	return d.setDirection(&d.recording, true, "start_recording")
}

// StopRecording stops delivering captured frames
func (d *MalgoDevice) StopRecording() error {
	return d.setDirection(&d.recording, false, "stop_recording")
}

// Recording reports whether recording is active
func (d *MalgoDevice) Recording() bool { return d.recording.Load() }

// Stats returns frame counters
func (d *MalgoDevice) Stats() FrameStats { return d.stats() }

// setDirection flips a direction flag and starts the duplex stream when the
// first direction becomes active or stops it when the last one goes idle
func (d *MalgoDevice) setDirection(flag *atomic.Bool, on bool, op string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.inited.Load() {
		return notInitializedError(op)
	}
	flag.Store(on)

	active := d.playing.Load() || d.recording.Load()
	switch {
	case active && !d.started:
		if err := d.device.Start(); err != nil {
			flag.Store(!on)
			return errors.New(err).
				Component(ComponentAudioDevice).
				Category(errors.CategoryAudioDevice).
				Context("operation", op).
				Build()
		}
		d.started = true
	case !active && d.started:
		if err := d.device.Stop(); err != nil {
			return errors.New(err).
				Component(ComponentAudioDevice).
				Category(errors.CategoryAudioDevice).
				Context("operation", op).
				Build()
		}
		d.started = false
	}
	return nil
}

// onData is the miniaudio data callback
func (d *MalgoDevice) onData(pOutput, pInput []byte, framecount uint32) {
	samples := int(framecount * d.config.Channels)

	if d.recording.Load() && len(pInput) > 0 {
		buf := d.scratch(&d.captureBuf, samples)
		n := bytesToSamples(buf, pInput)
		d.capture(buf[:n])
	}

	if len(pOutput) == 0 {
		return
	}
	if !d.playing.Load() {
		clear(pOutput)
		return
	}
	buf := d.scratch(&d.renderBuf, samples)
	d.render(buf)
	samplesToBytes(pOutput, buf)
}

func (d *MalgoDevice) scratch(buf *[]int16, samples int) []int16 {
	if cap(*buf) < samples {
		*buf = make([]int16, samples)
	}
	return (*buf)[:samples]
}

// onStop is called by miniaudio when the stream stops, including on device loss
func (d *MalgoDevice) onStop() {
	d.stops.Add(1)
	if d.playing.Load() || d.recording.Load() {
		d.log.Warn("audio device stopped while active",
			logger.Bool("playing", d.playing.Load()),
			logger.Bool("recording", d.recording.Load()))
	}
}

// backendForPlatform returns the miniaudio backend for the current OS
func backendForPlatform() (malgo.Backend, error) {
	switch runtime.GOOS {
	case "linux":
		return malgo.BackendAlsa, nil
	case "windows":
		return malgo.BackendWasapi, nil
	case "darwin":
		return malgo.BackendCoreaudio, nil
	default:
		return malgo.BackendNull, errors.Newf("unsupported operating system").
			Component(ComponentAudioDevice).
			Category(errors.CategoryAudioDevice).
			Context("os", runtime.GOOS).
			Build()
	}
}

func selectDuplexDevices(ctx *malgo.AllocatedContext, deviceConfig *malgo.DeviceConfig, config MalgoConfig) error {
	if !isDefaultName(config.CaptureDevice) {
		infos, err := ctx.Devices(malgo.Capture)
		if err != nil {
			return enumerationError(err, "capture")
		}
		info, err := SelectDevice(infos, config.CaptureDevice)
		if err != nil {
			return err
		}
		deviceConfig.Capture.DeviceID = info.ID.Pointer()
	}

	if !isDefaultName(config.PlaybackDevice) {
		infos, err := ctx.Devices(malgo.Playback)
		if err != nil {
			return enumerationError(err, "playback")
		}
		info, err := SelectDevice(infos, config.PlaybackDevice)
		if err != nil {
			return err
		}
		deviceConfig.Playback.DeviceID = info.ID.Pointer()
	}
	return nil
}

func isDefaultName(name string) bool {
	return name == "" || name == "default" || name == "sysdefault"
}

func enumerationError(err error, direction string) error {
	return errors.New(err).
		Component(ComponentAudioDevice).
		Category(errors.CategoryAudioDevice).
		Context("operation", "enumerate_devices").
		Context("direction", direction).
		Build()
}
