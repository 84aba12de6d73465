package voe

import (
	"time"

	"github.com/tphakala/voiceengine/internal/voe/processthread"
)

// channelMetricsReporter refreshes the channel and queue gauges from the
// process thread
type channelMetricsReporter struct {
	hub      *SharedData
	interval time.Duration
	last     time.Time
}

func (r *channelMetricsReporter) Name() string { return "ChannelMetricsReporter" }

func (r *channelMetricsReporter) TimeUntilNextProcess() time.Duration {
	if r.last.IsZero() {
		return 0
	}
	return r.interval - time.Since(r.last)
}

func (r *channelMetricsReporter) Process() {
	r.last = time.Now()
	h := r.hub
	h.metrics.UpdateChannelCounts(h.instanceID,
		h.channels.NumOfChannels(),
		h.channels.NumOfSendingChannels(),
		h.channels.NumOfPlayingChannels())
	h.metrics.SetQueueDepth(h.encoderQueue.Name(), h.encoderQueue.Stats().Pending)
}

func (r *channelMetricsReporter) ProcessThreadAttached(pt *processthread.ProcessThread) {
	if pt == nil {
		r.last = time.Time{}
	}
}
