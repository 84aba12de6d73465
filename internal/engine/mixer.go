package engine

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/tphakala/voiceengine/internal/voe"
	"github.com/tphakala/voiceengine/internal/voe/statistics"
)

// transmitMixer hands captured frames to the encoder queue while any
// channel is sending
type transmitMixer struct {
	hub  *voe.SharedData
	done chan struct{}
	once sync.Once

	encoded atomic.Uint64
	dropped atomic.Uint64
	// level is the last encoded frame's RMS in dBFS, stored as float bits
	level   atomic.Uint64
}

func newTransmitMixer(hub *voe.SharedData) *transmitMixer {
	m := &transmitMixer{hub: hub, done: make(chan struct{})}
	m.level.Store(math.Float64bits(math.Inf(-1)))
	return m
}

func (m *transmitMixer) Done() <-chan struct{} { return m.done }

func (m *transmitMixer) destroy() { m.once.Do(func() { close(m.done) }) }

// RecordedDataIsAvailable runs on the device callback. Encoding happens on
// the encoder queue so the callback never blocks.
func (m *transmitMixer) RecordedDataIsAvailable(frame []int16, _, _ int) {
	if m.hub.NumOfSendingChannels() == 0 {
		return
	}
	buf := append([]int16(nil), frame...)
	if err := m.hub.EncoderQueue().PostTask(func() { m.encode(buf) }); err != nil {
		if m.dropped.Add(1) == 1 {
			m.hub.SetLastErrorWithMessage(statistics.CodeTaskQueueError, statistics.TraceWarning,
				"encoder queue rejected a capture frame")
		}
	}
}

func (m *transmitMixer) encode(frame []int16) {
	m.level.Store(math.Float64bits(rmsDBFS(frame)))
	m.encoded.Add(1)
}

func (m *transmitMixer) lastLevel() float64 {
	return math.Float64frombits(m.level.Load())
}

// outputMixer renders a test tone while any channel is playing
type outputMixer struct {
	hub    *voe.SharedData
	done   chan struct{}
	once   sync.Once
	toneHz float64

	// phase is only touched from the device callback
	phase    float64
	rendered atomic.Uint64
}

func newOutputMixer(hub *voe.SharedData, toneHz float64) *outputMixer {
	return &outputMixer{hub: hub, done: make(chan struct{}), toneHz: toneHz}
}

func (m *outputMixer) Done() <-chan struct{} { return m.done }

func (m *outputMixer) destroy() { m.once.Do(func() { close(m.done) }) }

func (m *outputMixer) NeedMorePlayData(frame []int16, sampleRate, channels int) {
	if m.hub.NumOfPlayingChannels() == 0 || sampleRate <= 0 || channels <= 0 {
		clear(frame)
		return
	}
	step := 2 * math.Pi * m.toneHz / float64(sampleRate)
	for i := 0; i+channels <= len(frame); i += channels {
		sample := int16(math.Sin(m.phase) * 0.25 * math.MaxInt16)
		for c := range channels {
			frame[i+c] = sample
		}
		m.phase = math.Mod(m.phase+step, 2*math.Pi)
	}
	m.rendered.Add(1)
}

// transport joins both mixers into the device callback interface
type transport struct {
	tx  *transmitMixer
	out *outputMixer
}

func (t transport) RecordedDataIsAvailable(frame []int16, sampleRate, channels int) {
	t.tx.RecordedDataIsAvailable(frame, sampleRate, channels)
}

func (t transport) NeedMorePlayData(frame []int16, sampleRate, channels int) {
	t.out.NeedMorePlayData(frame, sampleRate, channels)
}

func rmsDBFS(frame []int16) float64 {
	if len(frame) == 0 {
		return math.Inf(-1)
	}
	var sum float64
	for _, s := range frame {
		v := float64(s) / math.MaxInt16
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(len(frame)))
	if rms == 0 {
		return math.Inf(-1)
	}
	return 20 * math.Log10(rms)
}
