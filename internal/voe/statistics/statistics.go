// Package statistics records the engine's initialization state and the last
// error raised by any subsystem. All methods are safe for concurrent use.
package statistics

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/tphakala/voiceengine/internal/logger"
	"github.com/tphakala/voiceengine/internal/observability/metrics"
)

// DefaultSuppressWindow is how long a repeated code/level pair is kept out
// of the log after it was first written
const DefaultSuppressWindow = 5 * time.Second

// ErrorRecord is a single recorded error
type ErrorRecord struct {
	Code    int32
	Level   TraceLevel
	Message string
	Time    time.Time
}

// Option configures Statistics
type Option func(*Statistics)

// WithLogger sets the logger used for recorded errors
func WithLogger(log logger.Logger) Option {
	return func(s *Statistics) {
		if log != nil {
			s.log = log
		}
	}
}

// WithMetrics sets the metrics recorder
func WithMetrics(m *metrics.VoiceEngineMetrics) Option {
	return func(s *Statistics) {
		s.metrics = m
	}
}

// WithSuppressWindow sets how long duplicate log lines are suppressed.
// Zero disables suppression.
func WithSuppressWindow(d time.Duration) Option {
	return func(s *Statistics) {
		s.suppressWindow = d
	}
}

// Statistics is the engine's error sink
type Statistics struct {
	instanceID uint32
	log        logger.Logger
	metrics    *metrics.VoiceEngineMetrics

	mu          sync.Mutex
	initialized bool
	last        ErrorRecord

	suppressWindow time.Duration
	recent         *cache.Cache
	suppressed     atomic.Int64
}

// New creates a sink for the engine instance identified by instanceID
func New(instanceID uint32, opts ...Option) *Statistics {
	s := &Statistics{
		instanceID:     instanceID,
		suppressWindow: DefaultSuppressWindow,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = getLogger()
	}
	s.log = s.log.With(logger.Uint32("instance_id", instanceID))

	if s.suppressWindow > 0 {
		// Keys are code/level pairs, so the cache is bounded by the code
		// catalog and needs no janitor goroutine. Expired entries are
		// skipped on lookup and purged when the engine uninitializes.
		s.recent = cache.New(s.suppressWindow, 0)
	}
	return s
}

// SetInitialized marks the engine as initialized
func (s *Statistics) SetInitialized() {
	s.mu.Lock()
	s.initialized = true
	s.mu.Unlock()
}

// SetUnInitialized marks the engine as not initialized
func (s *Statistics) SetUnInitialized() {
	s.mu.Lock()
	s.initialized = false
	s.mu.Unlock()

	if s.recent != nil {
		s.recent.DeleteExpired()
	}
}

// Initialized reports whether the engine is initialized
func (s *Statistics) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

// SetLastError records code without logging it
func (s *Statistics) SetLastError(code int32) {
	s.record(ErrorRecord{Code: code, Level: TraceNone, Time: time.Now()})
}

// SetLastErrorWithLevel records code and logs it at level
func (s *Statistics) SetLastErrorWithLevel(code int32, level TraceLevel) {
	rec := ErrorRecord{Code: code, Level: level, Time: time.Now()}
	s.record(rec)
	s.trace(rec)
}

// SetLastErrorWithMessage records code and logs msg at level
func (s *Statistics) SetLastErrorWithMessage(code int32, level TraceLevel, msg string) {
	rec := ErrorRecord{Code: code, Level: level, Message: msg, Time: time.Now()}
	s.record(rec)
	s.trace(rec)
}

// LastError returns the most recently recorded error code
func (s *Statistics) LastError() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last.Code
}

// LastErrorRecord returns the most recently recorded error in full
func (s *Statistics) LastErrorRecord() ErrorRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Suppressed returns how many log lines were dropped as duplicates
func (s *Statistics) Suppressed() int64 {
	return s.suppressed.Load()
}

func (s *Statistics) record(rec ErrorRecord) {
	s.mu.Lock()
	s.last = rec
	s.mu.Unlock()

	s.metrics.RecordError(s.instanceID, rec.Code, rec.Level.String())
}

func (s *Statistics) trace(rec ErrorRecord) {
	if s.recent != nil {
		key := strconv.FormatInt(int64(rec.Code), 10) + "/" + rec.Level.String()
		if _, seen := s.recent.Get(key); seen {
			s.suppressed.Add(1)
			return
		}
		s.recent.Set(key, struct{}{}, cache.DefaultExpiration)
	}

	msg := rec.Message
	if msg == "" {
		msg = "error code is set"
	}
	s.log.Log(logLevelFor(rec.Level), msg,
		logger.Int32("code", rec.Code),
		logger.String("code_name", CodeName(rec.Code)),
		logger.String("trace_level", rec.Level.String()))
}

func logLevelFor(level TraceLevel) logger.LogLevel {
	switch level {
	case TraceCritical, TraceError:
		return logger.LogLevelError
	case TraceWarning:
		return logger.LogLevelWarn
	case TraceStateInfo, TraceInfo, TraceAPICall:
		return logger.LogLevelInfo
	default:
		return logger.LogLevelDebug
	}
}
