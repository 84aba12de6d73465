// Package engine assembles a running voice engine from settings: the shared
// resource hub, an audio device, channels, mixers and a processing pipeline.
package engine

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tphakala/voiceengine/internal/audiodevice"
	"github.com/tphakala/voiceengine/internal/conf"
	"github.com/tphakala/voiceengine/internal/errors"
	"github.com/tphakala/voiceengine/internal/logger"
	"github.com/tphakala/voiceengine/internal/observability"
	"github.com/tphakala/voiceengine/internal/observability/metrics"
	"github.com/tphakala/voiceengine/internal/voe"
	"github.com/tphakala/voiceengine/internal/voe/channel"
	"github.com/tphakala/voiceengine/internal/voe/statistics"
)

const (
	// ComponentEngine is the error component for this package
	ComponentEngine = "engine"

	defaultToneHz = 440.0
)

// Option configures an Engine
type Option func(*Engine)

// WithLogger overrides the engine logger
func WithLogger(log logger.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// WithMetrics enables metrics on the hub and its execution contexts
func WithMetrics(m *metrics.VoiceEngineMetrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithDevice replaces the device built from settings
func WithDevice(module audiodevice.Module) Option {
	return func(e *Engine) { e.module = module }
}

// Stats is a snapshot of engine activity
type Stats struct {
	Channels        int
	SendingChannels int
	PlayingChannels int
	EncodedFrames   uint64
	DroppedFrames   uint64
	RenderedFrames  uint64
	CaptureLevelDB  float64
	ClippedSamples  uint64
	LastError       int32
}

// Engine owns a hub and the device and mixers attached to it. New and
// Close must run on the same goroutine.
type Engine struct {
	settings *conf.Settings
	log      logger.Logger
	metrics  *metrics.VoiceEngineMetrics
	module   audiodevice.Module

	hub      *voe.SharedData
	device   *audiodevice.Handle
	tx       *transmitMixer
	out      *outputMixer
	apm      *gainProcessing
	channels []*channel.BasicChannel
}

// New creates the hub, attaches the audio device and creates the configured
// number of channels. Nothing is started.
func New(settings *conf.Settings, opts ...Option) (*Engine, error) {
	e := &Engine{settings: settings, log: getLogger()}
	for _, opt := range opts {
		opt(e)
	}
	if e.module == nil {
		e.module = newDevice(&settings.Audio)
	}

	hub, err := voe.New(voe.Options{
		Logger:              e.log.Module("voe"),
		Metrics:             e.metrics,
		EncoderQueueName:    settings.Engine.EncoderQueueName,
		ProcessThreadName:   settings.Engine.ProcessThreadName,
		MaxChannels:         settings.Engine.MaxChannels,
		ErrorSuppressWindow: settings.Engine.ErrorSuppressWindow,
		MetricsInterval:     settings.Engine.MetricsInterval,
	})
	if err != nil {
		return nil, err
	}
	e.hub = hub

	// The engine keeps its own device reference until Close
	e.device = audiodevice.NewHandle(e.module)
	hub.SetAudioDevice(e.device)

	e.apm = newGainProcessing(settings.Audio.Gain)
	hub.SetAudioProcessing(e.apm)

	e.tx = newTransmitMixer(hub)
	e.out = newOutputMixer(hub, defaultToneHz)
	hub.SetTransmitMixer(e.tx)
	hub.SetOutputMixer(e.out)
	e.module.RegisterAudioCallback(transport{tx: e.tx, out: e.out})

	for range settings.Engine.Channels {
		ch, err := hub.ChannelManager().CreateChannel(channel.NewBasicChannel)
		if err != nil {
			_ = e.Close()
			return nil, err
		}
		e.channels = append(e.channels, ch.(*channel.BasicChannel))
	}

	e.log.Info("voice engine created",
		logger.Uint32("instance_id", hub.InstanceID()),
		logger.String("driver", settings.Audio.Driver),
		logger.Int("channels", len(e.channels)))
	return e, nil
}

// newDevice builds the device selected by settings
func newDevice(settings *conf.AudioSettings) audiodevice.Module {
	if settings.Driver == conf.DriverLoopback {
		interval := time.Duration(settings.FramesPerBuffer) * time.Second / time.Duration(max(settings.SampleRate, 1))
		return audiodevice.NewLoopbackDevice(audiodevice.LoopbackConfig{
			SampleRate:      int(settings.SampleRate),
			Channels:        int(settings.Channels),
			FramesPerBuffer: int(settings.FramesPerBuffer),
			BufferSize:      settings.LoopbackBufferSize,
			Interval:        interval,
		})
	}
	return audiodevice.NewMalgoDevice(audiodevice.MalgoConfig{
		CaptureDevice:   settings.CaptureDevice,
		PlaybackDevice:  settings.PlaybackDevice,
		SampleRate:      settings.SampleRate,
		Channels:        settings.Channels,
		FramesPerBuffer: settings.FramesPerBuffer,
	})
}

// Hub returns the engine's shared resources
func (e *Engine) Hub() *voe.SharedData {
	return e.hub
}

// Start initializes the device, starts send and playout on every channel
// and starts the audio streams
func (e *Engine) Start() error {
	if err := e.module.Init(); err != nil {
		e.hub.SetLastErrorWithMessage(statistics.CodeSoundcardError, statistics.TraceCritical, err.Error())
		return err
	}
	e.hub.Statistics().SetInitialized()

	for _, ch := range e.channels {
		if err := errors.Join(ch.StartSend(), ch.StartPlayout()); err != nil {
			return err
		}
	}

	if err := e.module.StartPlayout(); err != nil {
		e.hub.SetLastErrorWithLevel(statistics.CodeCannotStartPlayout, statistics.TraceError)
		return err
	}
	if err := e.module.StartRecording(); err != nil {
		e.hub.SetLastErrorWithLevel(statistics.CodeCannotStartRecording, statistics.TraceError)
		return err
	}

	e.log.Info("voice engine started",
		logger.Int("sending_channels", e.hub.NumOfSendingChannels()),
		logger.Int("playing_channels", e.hub.NumOfPlayingChannels()))
	return nil
}

// Stats returns a snapshot of engine activity
func (e *Engine) Stats() Stats {
	return Stats{
		Channels:        e.hub.NumOfChannels(),
		SendingChannels: e.hub.NumOfSendingChannels(),
		PlayingChannels: e.hub.NumOfPlayingChannels(),
		EncodedFrames:   e.tx.encoded.Load(),
		DroppedFrames:   e.tx.dropped.Load(),
		RenderedFrames:  e.out.rendered.Load(),
		CaptureLevelDB:  e.tx.lastLevel(),
		ClippedSamples:  e.apm.clipped.Load(),
		LastError:       e.hub.Statistics().LastError(),
	}
}

// Close stops the streams, destroys the mixers, closes the hub and drops
// the engine's device reference
func (e *Engine) Close() error {
	var errs []error
	if e.module.Initialized() {
		if err := e.module.StopRecording(); err != nil {
			e.hub.SetLastErrorWithLevel(statistics.CodeCannotStopRecording, statistics.TraceWarning)
			errs = append(errs, err)
		}
		if err := e.module.StopPlayout(); err != nil {
			e.hub.SetLastErrorWithLevel(statistics.CodeCannotStopPlayout, statistics.TraceWarning)
			errs = append(errs, err)
		}
	}
	e.module.RegisterAudioCallback(nil)

	e.tx.destroy()
	e.out.destroy()

	if err := e.hub.Close(); err != nil {
		errs = append(errs, err)
	}
	if e.device != nil {
		e.device.Release()
		e.device = nil
	}

	stats := e.Stats()
	e.log.Info("voice engine closed",
		logger.Int64("encoded_frames", int64(stats.EncodedFrames)),
		logger.Int64("dropped_frames", int64(stats.DroppedFrames)))
	return errors.Join(errs...)
}

// Run creates and starts an engine and serves metrics when enabled, until
// ctx is cancelled
func Run(ctx context.Context, settings *conf.Settings) error {
	var opts []Option
	var endpoint *observability.Endpoint
	if settings.Metrics.Enabled {
		m, err := observability.NewMetrics()
		if err != nil {
			return errors.New(err).
				Component(ComponentEngine).
				Category(errors.CategorySystem).
				Context("operation", "create_metrics").
				Build()
		}
		opts = append(opts, WithMetrics(m.VoiceEngine))
		endpoint = observability.NewEndpoint(settings.Metrics.Listen, settings.Metrics.Path, m)
	}

	e, err := New(settings, opts...)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	if endpoint != nil {
		g.Go(func() error { return endpoint.Run(gctx) })
	}

	if err := e.Start(); err != nil {
		closeErr := e.Close()
		cancel()
		return errors.Join(err, closeErr, g.Wait())
	}

	// Engine teardown stays on this goroutine; the hub checks it
	<-gctx.Done()
	closeErr := e.Close()
	return errors.Join(closeErr, g.Wait())
}
