package voe

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tphakala/voiceengine/internal/audiodevice"
	"github.com/tphakala/voiceengine/internal/errors"
	"github.com/tphakala/voiceengine/internal/logger"
	"github.com/tphakala/voiceengine/internal/observability/metrics"
	"github.com/tphakala/voiceengine/internal/voe/affinity"
	"github.com/tphakala/voiceengine/internal/voe/channel"
	"github.com/tphakala/voiceengine/internal/voe/statistics"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestHub(t *testing.T, opts ...func(*Options)) *SharedData {
	t.Helper()
	o := Options{Logger: logger.NewDiscardLogger()}
	for _, fn := range opts {
		fn(&o)
	}
	hub, err := New(o)
	require.NoError(t, err)
	t.Cleanup(func() { _ = hub.Close() })
	return hub
}

func newTestDevice(t *testing.T) (*audiodevice.Handle, *audiodevice.LoopbackDevice) {
	t.Helper()
	dev := audiodevice.NewLoopbackDevice(audiodevice.LoopbackConfig{FramesPerBuffer: 4})
	require.NoError(t, dev.Init())
	return audiodevice.NewHandle(dev), dev
}

type nopProcessing struct{ name string }

func (nopProcessing) ProcessCaptureStream([]int16, int, int) error { return nil }
func (nopProcessing) ProcessRenderStream([]int16, int, int) error { return nil }

type fakeMixer struct{ done chan struct{} }

func newFakeMixer() *fakeMixer { return &fakeMixer{done: make(chan struct{})} }
func (m *fakeMixer) Done() <-chan struct{} { return m.done }
func (m *fakeMixer) destroy() { close(m.done) }

func TestInstanceIDStableAndUnique(t *testing.T) {
	a := newTestHub(t)
	b := newTestHub(t)

	assert.NotZero(t, a.InstanceID())
	assert.NotEqual(t, a.InstanceID(), b.InstanceID())
	for range 3 {
		assert.Equal(t, a.InstanceID(), a.InstanceID())
	}
	assert.Equal(t, a.InstanceID(), a.ChannelManager().InstanceID())
	assert.Len(t, a.SessionTag(), 8)
}

func TestConstructionDefaults(t *testing.T) {
	hub := newTestHub(t)

	assert.Nil(t, hub.AudioDevice())
	assert.Equal(t, DefaultEncoderQueueName, hub.EncoderQueue().Name())
	assert.Equal(t, DefaultProcessThreadName, hub.ProcessThread().Name())
	assert.True(t, hub.ProcessThread().Running())
	assert.Zero(t, hub.NumOfChannels())
	assert.Equal(t, statistics.CodeOK, hub.Statistics().LastError())

	_, ok := hub.TransmitMixer()
	assert.False(t, ok)
	_, ok = hub.OutputMixer()
	assert.False(t, ok)
}

func TestAccessorsReturnStableReferences(t *testing.T) {
	hub := newTestHub(t)

	assert.Same(t, hub.Statistics(), hub.Statistics())
	assert.Same(t, hub.ChannelManager(), hub.ChannelManager())
	assert.Same(t, hub.ProcessThread(), hub.ProcessThread())
	assert.Same(t, hub.EncoderQueue(), hub.EncoderQueue())
}

func TestSetAudioDeviceLastCallWins(t *testing.T) {
	hub := newTestHub(t)
	d1, _ := newTestDevice(t)
	d2, _ := newTestDevice(t)
	defer d1.Release()
	defer d2.Release()

	sequence := []*audiodevice.Handle{d1, nil, d2, d2, nil, nil, d1, d2}
	for _, d := range sequence {
		hub.SetAudioDevice(d)
		assert.Same(t, d, hub.AudioDevice())
	}

	// Hub holds exactly one reference on the attached device
	assert.Equal(t, int32(2), d2.RefCount())
	assert.Equal(t, int32(1), d1.RefCount())
}

func TestSetAudioProcessingWithoutDeviceIsDropped(t *testing.T) {
	hub := newTestHub(t)
	apm := nopProcessing{name: "early"}

	hub.SetAudioProcessing(apm)

	handle, dev := newTestDevice(t)
	hub.SetAudioDevice(handle)
	handle.Release()

	assert.Nil(t, dev.AudioProcessing(), "pipeline set before a device must not be replayed")
}

func TestSetAudioProcessingWiresIntoAttachedDevice(t *testing.T) {
	hub := newTestHub(t)
	handle, dev := newTestDevice(t)
	hub.SetAudioDevice(handle)
	handle.Release()

	p := nopProcessing{name: "p"}
	hub.SetAudioProcessing(p)
	assert.Equal(t, p, dev.AudioProcessing())

	q := nopProcessing{name: "q"}
	hub.SetAudioProcessing(q)
	assert.Equal(t, q, dev.AudioProcessing())

	// A replacement device starts without the old pipeline
	next, nextDev := newTestDevice(t)
	hub.SetAudioDevice(next)
	next.Release()
	assert.Nil(t, nextDev.AudioProcessing())
	assert.False(t, dev.Initialized(), "replaced device is terminated once its last reference goes")
}

func TestAttachingReleasedDeviceIsRejected(t *testing.T) {
	hub := newTestHub(t)
	current, _ := newTestDevice(t)
	hub.SetAudioDevice(current)
	defer current.Release()

	dead, _ := newTestDevice(t)
	dead.Release()

	hub.SetAudioDevice(dead)
	assert.Same(t, current, hub.AudioDevice())
	assert.Equal(t, statistics.CodeAudioDeviceModuleError, hub.Statistics().LastError())
}

// trackingDevice counts pipelines registered while another device is the
// hub's attached one
type trackingDevice struct {
	*audiodevice.LoopbackDevice
	hub       *SharedData
	misrouted *atomic.Int32
}

func (d *trackingDevice) RegisterAudioProcessing(apm audiodevice.AudioProcessing) {
	if attached := d.hub.AudioDevice(); attached == nil || attached.Module() != audiodevice.Module(d) {
		d.misrouted.Add(1)
	}
	d.LoopbackDevice.RegisterAudioProcessing(apm)
}

func TestConcurrentDeviceAndPipelineWiring(t *testing.T) {
	hub := newTestHub(t)

	const workers = 8
	var misrouted atomic.Int32
	handles := make([]*audiodevice.Handle, workers)
	for i := range workers {
		handles[i] = audiodevice.NewHandle(&trackingDevice{
			LoopbackDevice: audiodevice.NewLoopbackDevice(audiodevice.LoopbackConfig{FramesPerBuffer: 4}),
			hub:            hub,
			misrouted:      &misrouted,
		})
	}

	var wg sync.WaitGroup
	for i := range workers {
		wg.Go(func() {
			for j := range 100 {
				hub.SetAudioDevice(handles[i])
				hub.SetAudioProcessing(nopProcessing{name: fmt.Sprintf("w%d-%d", i, j)})
			}
		})
	}
	wg.Wait()

	assert.Zero(t, misrouted.Load(), "pipeline registered on a device the hub did not report")

	attached := hub.AudioDevice()
	require.NotNil(t, attached)
	assert.NotNil(t, attached.Module().AudioProcessing(), "last attach is followed by a pipeline")
	assert.Equal(t, int32(2), attached.RefCount())

	for _, h := range handles {
		h.Release()
	}
}

func TestAttachAfterCloseIsRefused(t *testing.T) {
	hub := newTestHub(t)
	require.NoError(t, hub.Close())

	handle, dev := newTestDevice(t)
	hub.SetAudioDevice(handle)
	assert.Nil(t, hub.AudioDevice())
	assert.Equal(t, int32(1), handle.RefCount(), "closed hub keeps no reference")
	assert.Equal(t, statistics.CodeNotInitialized, hub.Statistics().LastError())

	hub.SetTransmitMixer(newFakeMixer())
	hub.SetOutputMixer(newFakeMixer())
	_, ok := hub.TransmitMixer()
	assert.False(t, ok)
	_, ok = hub.OutputMixer()
	assert.False(t, ok)

	handle.Release()
	assert.False(t, dev.Initialized(), "device terminates with its owner's release")
	require.NoError(t, hub.Close())
}

func TestChannelCounts(t *testing.T) {
	tests := []struct {
		name        string
		states      [][2]bool
		wantSending int
		wantPlaying int
	}{
		{"empty", nil, 0, 0},
		{"idle", [][2]bool{{false, false}}, 0, 0},
		{"sending only", [][2]bool{{true, false}, {true, false}}, 2, 0},
		{"mixed", [][2]bool{{true, true}, {false, true}, {true, false}, {false, false}}, 2, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hub := newTestHub(t)
			for _, st := range tt.states {
				ch, err := hub.ChannelManager().CreateChannel(channel.NewBasicChannel)
				require.NoError(t, err)
				basic := ch.(*channel.BasicChannel)
				if st[0] {
					require.NoError(t, basic.StartSend())
				}
				if st[1] {
					require.NoError(t, basic.StartPlayout())
				}
			}

			assert.Equal(t, tt.wantSending, hub.NumOfSendingChannels())
			assert.Equal(t, tt.wantPlaying, hub.NumOfPlayingChannels())
			assert.Equal(t, len(tt.states), hub.NumOfChannels())
		})
	}
}

func TestSetLastErrorEntryPoints(t *testing.T) {
	hub := newTestHub(t)

	hub.SetLastError(statistics.CodeChannelNotValid)
	assert.Equal(t, statistics.CodeChannelNotValid, hub.Statistics().LastError())

	hub.SetLastErrorWithLevel(statistics.CodeNotInitialized, statistics.TraceWarning)
	rec := hub.Statistics().LastErrorRecord()
	assert.Equal(t, statistics.CodeNotInitialized, rec.Code)
	assert.Equal(t, statistics.TraceWarning, rec.Level)

	hub.SetLastErrorWithMessage(statistics.CodeSoundcardError, statistics.TraceCritical, "device gone")
	rec = hub.Statistics().LastErrorRecord()
	assert.Equal(t, statistics.CodeSoundcardError, rec.Code)
	assert.Equal(t, "device gone", rec.Message)
}

func TestConcurrentSetLastError(t *testing.T) {
	hub := newTestHub(t)

	const writers = 32
	var wg sync.WaitGroup
	for i := range writers {
		wg.Go(func() {
			hub.SetLastErrorWithMessage(int32(9100+i), statistics.TraceError, fmt.Sprintf("w%d", i))
		})
	}
	wg.Wait()

	rec := hub.Statistics().LastErrorRecord()
	i := int(rec.Code - 9100)
	require.GreaterOrEqual(t, i, 0)
	require.Less(t, i, writers)
	assert.Equal(t, fmt.Sprintf("w%d", i), rec.Message)
}

func TestMixerLiveness(t *testing.T) {
	hub := newTestHub(t)
	tx := newFakeMixer()
	out := newFakeMixer()

	hub.SetTransmitMixer(tx)
	hub.SetOutputMixer(out)

	got, ok := hub.TransmitMixer()
	require.True(t, ok)
	assert.Same(t, tx, got)
	gotOut, ok := hub.OutputMixer()
	require.True(t, ok)
	assert.Same(t, out, gotOut)

	tx.destroy()
	_, ok = hub.TransmitMixer()
	assert.False(t, ok, "destroyed mixer is not handed out")
	_, ok = hub.OutputMixer()
	assert.True(t, ok)

	hub.SetOutputMixer(nil)
	_, ok = hub.OutputMixer()
	assert.False(t, ok)
}

func TestCloseTearsDownEverything(t *testing.T) {
	hub := newTestHub(t)
	handle, dev := newTestDevice(t)
	hub.SetAudioDevice(handle)
	handle.Release()
	hub.SetTransmitMixer(newFakeMixer())
	hub.Statistics().SetInitialized()

	ch, err := hub.ChannelManager().CreateChannel(channel.NewBasicChannel)
	require.NoError(t, err)

	require.NoError(t, hub.Close())

	assert.True(t, hub.Closed())
	assert.Nil(t, hub.AudioDevice())
	assert.False(t, dev.Initialized())
	assert.Zero(t, hub.NumOfChannels())
	assert.True(t, ch.(*channel.BasicChannel).Closed())
	assert.False(t, hub.Statistics().Initialized())
	assert.False(t, hub.ProcessThread().Running())
	_, ok := hub.TransmitMixer()
	assert.False(t, ok)

	err = hub.EncoderQueue().PostTask(func() {})
	assert.True(t, errors.IsCategory(err, errors.CategoryState))
	err = hub.ProcessThread().PostTask(func() { t.Error("task ran after close") })
	assert.True(t, errors.IsCategory(err, errors.CategoryState))

	require.NoError(t, hub.Close(), "second close is a no-op")
}

func TestCloseStopsEncoderQueueBeforeOtherMembers(t *testing.T) {
	hub := newTestHub(t)
	handle, dev := newTestDevice(t)
	hub.SetAudioDevice(handle)
	handle.Release()
	_, err := hub.ChannelManager().CreateChannel(channel.NewBasicChannel)
	require.NoError(t, err)

	started := make(chan struct{})
	release := make(chan struct{})
	type observation struct {
		deviceAttached bool
		deviceAlive    bool
		channels       int
		threadRunning  bool
	}
	observed := make(chan observation, 1)

	require.NoError(t, hub.EncoderQueue().PostTask(func() {
		close(started)
		<-release
		observed <- observation{
			deviceAttached: hub.AudioDevice() != nil,
			deviceAlive:    dev.Initialized(),
			channels:       hub.NumOfChannels(),
			threadRunning:  hub.ProcessThread().Running(),
		}
	}))
	<-started

	var mu sync.Mutex
	lateRan := false
	for range 5 {
		require.NoError(t, hub.EncoderQueue().PostTask(func() {
			mu.Lock()
			lateRan = true
			mu.Unlock()
		}))
	}

	// Release the running task once Close has begun stopping the queue
	go func() {
		for hub.EncoderQueue().PostTask(func() {}) == nil {
			time.Sleep(time.Millisecond)
		}
		close(release)
	}()

	require.NoError(t, hub.Close())

	obs := <-observed
	assert.True(t, obs.deviceAttached)
	assert.True(t, obs.deviceAlive)
	assert.Equal(t, 1, obs.channels)
	assert.True(t, obs.threadRunning)

	mu.Lock()
	assert.False(t, lateRan, "queued tasks are cancelled, not run")
	mu.Unlock()
	assert.GreaterOrEqual(t, hub.EncoderQueue().Stats().Cancelled, int64(5))
}

func TestCloseFromEncoderTaskFails(t *testing.T) {
	hub := newTestHub(t)

	result := make(chan error, 1)
	require.NoError(t, hub.EncoderQueue().PostTask(func() { result <- hub.Close() }))

	err := <-result
	require.Error(t, err)
	assert.False(t, hub.Closed())
}

func TestCloseFromForeignGoroutine(t *testing.T) {
	hub := newTestHub(t)

	var recovered any
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() { recovered = recover() }()
		_ = hub.Close()
	}()
	<-done

	if affinity.DebugChecks {
		assert.NotNil(t, recovered, "debug builds panic on cross-goroutine close")
		require.NoError(t, hub.Close())
	} else {
		assert.Nil(t, recovered)
		assert.True(t, hub.Closed())
	}
}

func TestMetricsReporterUpdatesGauges(t *testing.T) {
	registry := prometheus.NewRegistry()
	m, err := metrics.NewVoiceEngineMetrics(registry)
	require.NoError(t, err)

	hub := newTestHub(t, func(o *Options) {
		o.Metrics = m
		o.MetricsInterval = 5 * time.Millisecond
	})
	ch, err := hub.ChannelManager().CreateChannel(channel.NewBasicChannel)
	require.NoError(t, err)
	require.NoError(t, ch.(*channel.BasicChannel).StartSend())

	label := fmt.Sprint(hub.InstanceID())
	require.Eventually(t, func() bool {
		return gaugeValue(t, registry, "voiceengine_channels_sending", label) == 1
	}, 5*time.Second, 5*time.Millisecond)
	assert.InDelta(t, 1, gaugeValue(t, registry, "voiceengine_channels", label), 0)
}

func gaugeValue(t *testing.T, registry *prometheus.Registry, name, instance string) float64 {
	t.Helper()
	families, err := registry.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "instance_id" && label.GetValue() == instance {
					return metric.GetGauge().GetValue()
				}
			}
		}
	}
	return -1
}
