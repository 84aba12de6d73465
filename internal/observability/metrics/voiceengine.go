// Package metrics provides voice engine metrics for observability
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// VoiceEngineMetrics contains Prometheus metrics for the voice engine shared
// resources. All recording methods are safe to call on a nil receiver, which
// is how components run with metrics disabled.
type VoiceEngineMetrics struct {
	registry *prometheus.Registry

	// Hub metrics
	hubInstances    prometheus.Gauge
	channelsTotal   *prometheus.GaugeVec
	channelsSending *prometheus.GaugeVec
	channelsPlaying *prometheus.GaugeVec
	deviceAttached  *prometheus.GaugeVec
	deviceChanges   *prometheus.CounterVec

	// Error sink metrics
	errorsRecorded *prometheus.CounterVec

	// Execution context metrics
	queueDepth     *prometheus.GaugeVec
	tasksExecuted  *prometheus.CounterVec
	tasksCancelled *prometheus.CounterVec
	taskDuration   *prometheus.HistogramVec
	moduleRuns     *prometheus.CounterVec

	collectors []prometheus.Collector
}

// NewVoiceEngineMetrics creates and registers new voice engine metrics
func NewVoiceEngineMetrics(registry *prometheus.Registry) (*VoiceEngineMetrics, error) {
	m := &VoiceEngineMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *VoiceEngineMetrics) initMetrics() {
	m.hubInstances = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "voiceengine_hub_instances",
		Help: "Number of live shared-resource hubs",
	})

	m.channelsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "voiceengine_channels",
			Help: "Number of channels owned by the channel manager",
		},
		[]string{"instance_id"},
	)

	m.channelsSending = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "voiceengine_channels_sending",
			Help: "Number of channels currently sending",
		},
		[]string{"instance_id"},
	)

	m.channelsPlaying = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "voiceengine_channels_playing",
			Help: "Number of channels currently playing",
		},
		[]string{"instance_id"},
	)

	m.deviceAttached = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "voiceengine_audio_device_attached",
			Help: "1 when an audio device is attached to the hub",
		},
		[]string{"instance_id"},
	)

	m.deviceChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voiceengine_audio_device_changes_total",
			Help: "Total number of audio device attach and detach operations",
		},
		[]string{"instance_id", "operation"},
	)

	m.errorsRecorded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voiceengine_errors_recorded_total",
			Help: "Total number of engine errors recorded by code",
		},
		[]string{"instance_id", "code", "level"},
	)

	m.queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "voiceengine_task_queue_depth",
			Help: "Number of tasks waiting on a task queue",
		},
		[]string{"queue"},
	)

	m.tasksExecuted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voiceengine_tasks_executed_total",
			Help: "Total number of tasks executed per execution context",
		},
		[]string{"queue"},
	)

	m.tasksCancelled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voiceengine_tasks_cancelled_total",
			Help: "Total number of tasks dropped at shutdown per execution context",
		},
		[]string{"queue"},
	)

	m.taskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "voiceengine_task_duration_seconds",
			Help:    "Time spent running a single task",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14), // 100us to ~1.6s
		},
		[]string{"queue"},
	)

	m.moduleRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voiceengine_process_module_runs_total",
			Help: "Total number of Process calls made by the process thread",
		},
		[]string{"thread", "module"},
	)

	m.collectors = []prometheus.Collector{
		m.hubInstances,
		m.channelsTotal,
		m.channelsSending,
		m.channelsPlaying,
		m.deviceAttached,
		m.deviceChanges,
		m.errorsRecorded,
		m.queueDepth,
		m.tasksExecuted,
		m.tasksCancelled,
		m.taskDuration,
		m.moduleRuns,
	}
}

// Describe implements the Collector interface
func (m *VoiceEngineMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, collector := range m.collectors {
		collector.Describe(ch)
	}
}

// Collect implements the Collector interface
func (m *VoiceEngineMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, collector := range m.collectors {
		collector.Collect(ch)
	}
}

func instanceLabel(instanceID uint32) string {
	return strconv.FormatUint(uint64(instanceID), 10)
}

// HubCreated increments the live hub gauge
func (m *VoiceEngineMetrics) HubCreated() {
	if m == nil {
		return
	}
	m.hubInstances.Inc()
}

// HubClosed decrements the live hub gauge and drops the hub's labelled series
func (m *VoiceEngineMetrics) HubClosed(instanceID uint32) {
	if m == nil {
		return
	}
	m.hubInstances.Dec()
	label := instanceLabel(instanceID)
	m.channelsTotal.DeleteLabelValues(label)
	m.channelsSending.DeleteLabelValues(label)
	m.channelsPlaying.DeleteLabelValues(label)
	m.deviceAttached.DeleteLabelValues(label)
}

// UpdateChannelCounts records a snapshot of channel states
func (m *VoiceEngineMetrics) UpdateChannelCounts(instanceID uint32, total, sending, playing int) {
	if m == nil {
		return
	}
	label := instanceLabel(instanceID)
	m.channelsTotal.WithLabelValues(label).Set(float64(total))
	m.channelsSending.WithLabelValues(label).Set(float64(sending))
	m.channelsPlaying.WithLabelValues(label).Set(float64(playing))
}

// RecordDeviceChange records an attach (device != nil) or detach
func (m *VoiceEngineMetrics) RecordDeviceChange(instanceID uint32, attached bool) {
	if m == nil {
		return
	}
	label := instanceLabel(instanceID)
	operation := "detach"
	value := 0.0
	if attached {
		operation = "attach"
		value = 1
	}
	m.deviceChanges.WithLabelValues(label, operation).Inc()
	m.deviceAttached.WithLabelValues(label).Set(value)
}

// RecordError records an engine error code at the given trace level
func (m *VoiceEngineMetrics) RecordError(instanceID uint32, code int32, level string) {
	if m == nil {
		return
	}
	m.errorsRecorded.WithLabelValues(instanceLabel(instanceID), strconv.FormatInt(int64(code), 10), level).Inc()
}

// SetQueueDepth records the number of pending tasks on a queue
func (m *VoiceEngineMetrics) SetQueueDepth(queue string, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(queue).Set(float64(depth))
}

// RecordTaskExecuted records a completed task and how long it ran
func (m *VoiceEngineMetrics) RecordTaskExecuted(queue string, seconds float64) {
	if m == nil {
		return
	}
	m.tasksExecuted.WithLabelValues(queue).Inc()
	m.taskDuration.WithLabelValues(queue).Observe(seconds)
}

// RecordTasksCancelled records tasks dropped without running
func (m *VoiceEngineMetrics) RecordTasksCancelled(queue string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.tasksCancelled.WithLabelValues(queue).Add(float64(count))
}

// RecordModuleRun records one Process call on a process thread module
func (m *VoiceEngineMetrics) RecordModuleRun(thread, module string) {
	if m == nil {
		return
	}
	m.moduleRuns.WithLabelValues(thread, module).Inc()
}
