// Package voe holds the shared resources of one voice engine instance: the
// audio device, the channel manager, the error sink and the execution
// contexts used by the engine's subsystems.
//
// A SharedData is created once when the engine starts and closed once when
// it shuts down. Close tears members down in a fixed order; the encoder
// queue always goes first so no queued task can observe a half-closed hub.
package voe

import (
	"cmp"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tphakala/voiceengine/internal/audiodevice"
	"github.com/tphakala/voiceengine/internal/errors"
	"github.com/tphakala/voiceengine/internal/logger"
	"github.com/tphakala/voiceengine/internal/observability/metrics"
	"github.com/tphakala/voiceengine/internal/voe/affinity"
	"github.com/tphakala/voiceengine/internal/voe/channel"
	"github.com/tphakala/voiceengine/internal/voe/processthread"
	"github.com/tphakala/voiceengine/internal/voe/statistics"
	"github.com/tphakala/voiceengine/internal/voe/taskqueue"
)

const (
	// ComponentVoE is the error component for this package
	ComponentVoE = "voe"

	DefaultEncoderQueueName  = "AudioEncoderQueue"
	DefaultProcessThreadName = "VoiceProcessThread"

	// DefaultMetricsInterval is how often channel gauges are refreshed
	DefaultMetricsInterval = time.Second
)

var instanceCounter atomic.Uint32

// Options configures a SharedData. The zero value is valid.
type Options struct {
	Logger  logger.Logger
	Metrics *metrics.VoiceEngineMetrics

	EncoderQueueName  string
	ProcessThreadName string
	MaxChannels       int

	// ErrorSuppressWindow is passed to the error sink; zero keeps its default
	ErrorSuppressWindow time.Duration
	// MetricsInterval is how often channel gauges are refreshed on the
	// process thread when Metrics is set
	MetricsInterval time.Duration
}

// TransmitMixer is the capture-side mixer owned by the engine. Done is
// closed when the mixer is destroyed.
type TransmitMixer interface {
	Done() <-chan struct{}
}

// OutputMixer is the playout-side mixer owned by the engine. Done is closed
// when the mixer is destroyed.
type OutputMixer interface {
	Done() <-chan struct{}
}

type transmitMixerRef struct{ mixer TransmitMixer }

type outputMixerRef struct{ mixer OutputMixer }

// SharedData owns the resources shared by the subsystems of one engine
// instance. Accessors are safe for concurrent use once New returns.
type SharedData struct {
	instanceID uint32
	sessionTag string
	log        logger.Logger
	metrics    *metrics.VoiceEngineMetrics
	owner      *affinity.Checker

	statistics    *statistics.Statistics
	channels      *channel.Manager
	processThread *processthread.ProcessThread
	reporter      *channelMetricsReporter

	// apiLock serializes device and mixer replacement and pipeline wiring
	apiLock     sync.Mutex
	audioDevice atomic.Pointer[audiodevice.Handle]
	// detached is set under apiLock once Close has dropped the device and
	// mixers; later attach calls are refused
	detached    bool

	// mixers are borrowed; the hub never closes them
	transmitMixer atomic.Pointer[transmitMixerRef]
	outputMixer   atomic.Pointer[outputMixerRef]

	// encoderQueue is stopped before any other member is touched by Close
	encoderQueue *taskqueue.TaskQueue

	closeMu sync.Mutex
	closed  atomic.Bool
}

// New creates the shared resources of a new engine instance and starts its
// process thread. No audio device is attached.
func New(opts Options) (*SharedData, error) {
	id := instanceCounter.Add(1)

	log := opts.Logger
	if log == nil {
		log = getLogger()
	}
	sessionTag := uuid.New().String()[:8]
	log = log.With(logger.Uint32("instance_id", id), logger.String("session", sessionTag))

	encoderName := cmp.Or(opts.EncoderQueueName, DefaultEncoderQueueName)
	threadName := cmp.Or(opts.ProcessThreadName, DefaultProcessThreadName)

	statsOpts := []statistics.Option{
		statistics.WithLogger(log.Module("statistics")),
		statistics.WithMetrics(opts.Metrics),
	}
	if opts.ErrorSuppressWindow > 0 {
		statsOpts = append(statsOpts, statistics.WithSuppressWindow(opts.ErrorSuppressWindow))
	}

	s := &SharedData{
		instanceID: id,
		sessionTag: sessionTag,
		log:        log,
		metrics:    opts.Metrics,
		owner:      affinity.NewChecker(),
		statistics: statistics.New(id, statsOpts...),
		channels: channel.NewManager(id,
			channel.WithLogger(log.Module("channel")),
			channel.WithMaxChannels(opts.MaxChannels)),
		processThread: processthread.New(threadName,
			processthread.WithLogger(log.Module("processthread")),
			processthread.WithMetrics(opts.Metrics)),
		encoderQueue: taskqueue.New(encoderName,
			taskqueue.WithLogger(log.Module("taskqueue")),
			taskqueue.WithMetrics(opts.Metrics)),
	}

	if s.metrics != nil {
		s.reporter = &channelMetricsReporter{
			hub:      s,
			interval: cmp.Or(opts.MetricsInterval, DefaultMetricsInterval),
		}
		if err := s.processThread.RegisterModule(s.reporter); err != nil {
			_ = s.encoderQueue.Stop()
			return nil, err
		}
	}

	if err := s.processThread.Start(); err != nil {
		_ = s.encoderQueue.Stop()
		return nil, errors.New(err).
			Component(ComponentVoE).
			Category(errors.CategoryProcessThread).
			Context("instance_id", id).
			Build()
	}

	s.metrics.HubCreated()
	s.log.Info("voice engine shared data created",
		logger.String("encoder_queue", encoderName),
		logger.String("process_thread", threadName))
	return s, nil
}

// InstanceID returns the id assigned at construction
func (s *SharedData) InstanceID() uint32 {
	return s.instanceID
}

// SessionTag returns a short random tag that correlates log lines of this
// instance across restarts of the same process
func (s *SharedData) SessionTag() string {
	return s.sessionTag
}

// Statistics returns the engine's error sink
func (s *SharedData) Statistics() *statistics.Statistics {
	return s.statistics
}

// ChannelManager returns the channel registry
func (s *SharedData) ChannelManager() *channel.Manager {
	return s.channels
}

// ProcessThread returns the background runner for periodic modules
func (s *SharedData) ProcessThread() *processthread.ProcessThread {
	return s.processThread
}

// EncoderQueue returns the serialized queue for audio encoding work
func (s *SharedData) EncoderQueue() *taskqueue.TaskQueue {
	return s.encoderQueue
}

// AudioDevice returns the attached device handle or nil. The hub holds its
// own reference; a caller that keeps using the device across a concurrent
// SetAudioDevice must take a reference with AddRef and release it when done.
func (s *SharedData) AudioDevice() *audiodevice.Handle {
	return s.audioDevice.Load()
}

// SetAudioDevice replaces the attached device. The hub takes a reference on
// device and releases its reference on the previous one; nil detaches.
// The previous device keeps whatever processing pipeline it had and the new
// device gets none from the hub until SetAudioProcessing is called.
// After Close the call is refused and recorded as not initialized.
func (s *SharedData) SetAudioDevice(device *audiodevice.Handle) {
	if device != nil && device.AddRef() == 0 {
		s.statistics.SetLastErrorWithMessage(statistics.CodeAudioDeviceModuleError, statistics.TraceError,
			"attempt to attach a released audio device")
		return
	}

	s.apiLock.Lock()
	if s.detached {
		s.apiLock.Unlock()
		if device != nil {
			device.Release()
		}
		s.refuseAfterClose("set_audio_device")
		return
	}
	previous := s.audioDevice.Swap(device)
	s.apiLock.Unlock()

	if previous != nil {
		previous.Release()
	}

	s.metrics.RecordDeviceChange(s.instanceID, device != nil)
	s.log.Debug("audio device changed",
		logger.Bool("attached", device != nil),
		logger.Bool("replaced", previous != nil))
}

// SetAudioProcessing forwards the processing pipeline to the attached
// device. Without a device the call is ignored; the pipeline is not kept
// for a device attached later.
func (s *SharedData) SetAudioProcessing(apm audiodevice.AudioProcessing) {
	s.apiLock.Lock()
	defer s.apiLock.Unlock()

	if device := s.audioDevice.Load(); device != nil {
		device.Module().RegisterAudioProcessing(apm)
	}
}

// SetTransmitMixer records the engine's transmit mixer; nil clears it.
// After Close the call is refused.
func (s *SharedData) SetTransmitMixer(mixer TransmitMixer) {
	s.apiLock.Lock()
	defer s.apiLock.Unlock()

	if s.detached {
		s.refuseAfterClose("set_transmit_mixer")
		return
	}
	if mixer == nil {
		s.transmitMixer.Store(nil)
		return
	}
	s.transmitMixer.Store(&transmitMixerRef{mixer: mixer})
}

// TransmitMixer returns the transmit mixer if one is set and not yet
// destroyed
func (s *SharedData) TransmitMixer() (TransmitMixer, bool) {
	ref := s.transmitMixer.Load()
	if ref == nil || isDone(ref.mixer.Done()) {
		return nil, false
	}
	return ref.mixer, true
}

// SetOutputMixer records the engine's output mixer; nil clears it.
// After Close the call is refused.
func (s *SharedData) SetOutputMixer(mixer OutputMixer) {
	s.apiLock.Lock()
	defer s.apiLock.Unlock()

	if s.detached {
		s.refuseAfterClose("set_output_mixer")
		return
	}
	if mixer == nil {
		s.outputMixer.Store(nil)
		return
	}
	s.outputMixer.Store(&outputMixerRef{mixer: mixer})
}

// OutputMixer returns the output mixer if one is set and not yet destroyed
func (s *SharedData) OutputMixer() (OutputMixer, bool) {
	ref := s.outputMixer.Load()
	if ref == nil || isDone(ref.mixer.Done()) {
		return nil, false
	}
	return ref.mixer, true
}

// NumOfChannels returns the number of live channels
func (s *SharedData) NumOfChannels() int {
	return s.channels.NumOfChannels()
}

// NumOfSendingChannels returns how many channels are sending right now
func (s *SharedData) NumOfSendingChannels() int {
	return s.channels.NumOfSendingChannels()
}

// NumOfPlayingChannels returns how many channels are playing right now
func (s *SharedData) NumOfPlayingChannels() int {
	return s.channels.NumOfPlayingChannels()
}

// SetLastError records an engine error code
func (s *SharedData) SetLastError(code int32) {
	s.statistics.SetLastError(code)
}

// SetLastErrorWithLevel records an engine error code and traces it at level
func (s *SharedData) SetLastErrorWithLevel(code int32, level statistics.TraceLevel) {
	s.statistics.SetLastErrorWithLevel(code, level)
}

// SetLastErrorWithMessage records an engine error code and traces msg
func (s *SharedData) SetLastErrorWithMessage(code int32, level statistics.TraceLevel, msg string) {
	s.statistics.SetLastErrorWithMessage(code, level, msg)
}

// Closed reports whether Close has completed
func (s *SharedData) Closed() bool {
	return s.closed.Load()
}

// Close tears the hub down in order: the encoder queue is stopped (pending
// tasks cancelled, the running one awaited), mixers are detached, the audio
// device reference is released, the process thread is stopped, channels are
// destroyed and the error sink is marked uninitialized. Close must be
// called from the goroutine that created the hub and never from a task on
// one of its execution contexts. Calling it again is a no-op.
func (s *SharedData) Close() error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()

	if s.closed.Load() {
		return nil
	}

	s.checkAffinity("close")

	if s.encoderQueue.IsCurrent() || s.processThread.IsCurrent() {
		return errors.Newf("shared data closed from one of its own execution contexts").
			Component(ComponentVoE).
			Category(errors.CategoryState).
			Context("instance_id", s.instanceID).
			Build()
	}

	var errs []error

	if err := s.encoderQueue.Stop(); err != nil {
		errs = append(errs, err)
	}

	s.apiLock.Lock()
	s.transmitMixer.Store(nil)
	s.outputMixer.Store(nil)
	device := s.audioDevice.Swap(nil)
	s.detached = true
	s.apiLock.Unlock()
	if device != nil {
		device.Release()
		s.metrics.RecordDeviceChange(s.instanceID, false)
	}

	if err := s.processThread.Stop(); err != nil {
		errs = append(errs, err)
	}
	if s.reporter != nil {
		_ = s.processThread.DeRegisterModule(s.reporter)
	}

	if err := s.channels.DestroyAllChannels(); err != nil {
		errs = append(errs, err)
	}

	s.statistics.SetUnInitialized()
	s.closed.Store(true)
	s.metrics.HubClosed(s.instanceID)

	if len(errs) > 0 {
		err := errors.Join(errs...)
		s.log.Warn("voice engine shared data closed with errors", logger.Error(err))
		return err
	}
	s.log.Info("voice engine shared data closed")
	return nil
}

func (s *SharedData) refuseAfterClose(op string) {
	s.statistics.SetLastErrorWithMessage(statistics.CodeNotInitialized, statistics.TraceWarning,
		op+" called on closed shared data")
}

// checkAffinity asserts that op runs on the constructing goroutine
func (s *SharedData) checkAffinity(op string) {
	if s.owner.IsCurrent() {
		return
	}
	msg := fmt.Sprintf("voe: %s called from goroutine %d, hub was created on goroutine %d",
		op, affinity.GoroutineID(), s.owner.Owner())
	if affinity.DebugChecks {
		panic(msg)
	}
	s.log.Warn("thread affinity violation",
		logger.String("operation", op),
		logger.String("detail", msg))
}

func isDone(done <-chan struct{}) bool {
	select {
	case <-done:
		return true
	default:
		return false
	}
}
