// Package processthread runs periodic module callbacks and posted tasks on a
// single dedicated goroutine.
//
// Modules report how long until they next need processing; the thread sleeps
// until the earliest deadline, a WakeUp or a posted task, whichever comes
// first. All Process calls and tasks run on the same goroutine so modules
// never observe concurrent callbacks from the thread.
package processthread

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tphakala/voiceengine/internal/errors"
	"github.com/tphakala/voiceengine/internal/logger"
	"github.com/tphakala/voiceengine/internal/observability/metrics"
	"github.com/tphakala/voiceengine/internal/voe/affinity"
)

const (
	// ComponentProcessThread is the error component for this package
	ComponentProcessThread = "processthread"

	// maxWait bounds a single sleep so a thread with idle modules still
	// re-evaluates deadlines periodically
	maxWait = time.Minute
)

// Module is a unit of periodic work driven by a ProcessThread
type Module interface {
	// TimeUntilNextProcess returns how long until Process should be called.
	// Zero or negative means as soon as possible.
	TimeUntilNextProcess() time.Duration
	// Process performs the module's periodic work
	Process()
	// ProcessThreadAttached is called with the thread when the module starts
	// being driven and with nil when it stops.
	ProcessThreadAttached(pt *ProcessThread)
}

// Task is a one-shot unit of work run on the thread
type Task func()

type moduleEntry struct {
	module  Module
	name    string
	next    time.Time
	wake    atomic.Bool
	removed atomic.Bool
}

// Option configures a ProcessThread
type Option func(*ProcessThread)

// WithLogger sets the logger used by the thread
func WithLogger(log logger.Logger) Option {
	return func(pt *ProcessThread) {
		if log != nil {
			pt.log = log
		}
	}
}

// WithMetrics sets the metrics recorder used by the thread
func WithMetrics(m *metrics.VoiceEngineMetrics) Option {
	return func(pt *ProcessThread) {
		pt.metrics = m
	}
}

// ProcessThread drives registered modules and posted tasks
type ProcessThread struct {
	name    string
	log     logger.Logger
	metrics *metrics.VoiceEngineMetrics

	mu      sync.Mutex
	modules []*moduleEntry
	tasks   []Task
	running bool
	stop    chan struct{}
	done    chan struct{}

	// procMu is held by the worker while it calls Process, which lets
	// DeRegisterModule guarantee no callback is in progress when it returns
	procMu sync.Mutex

	wake     chan struct{}
	workerID atomic.Uint64
}

// New creates a stopped process thread
func New(name string, opts ...Option) *ProcessThread {
	pt := &ProcessThread{
		name: name,
		wake: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(pt)
	}
	if pt.log == nil {
		pt.log = getLogger()
	}
	pt.log = pt.log.With(logger.String("thread", name))
	return pt
}

// Name returns the thread name
func (pt *ProcessThread) Name() string {
	return pt.name
}

// Start launches the worker goroutine and attaches every registered module.
// Starting a running thread is an error.
func (pt *ProcessThread) Start() error {
	pt.mu.Lock()
	if pt.running {
		pt.mu.Unlock()
		return errors.Newf("process thread %s already running", pt.name).
			Component(ComponentProcessThread).
			Category(errors.CategoryState).
			Context("thread", pt.name).
			Build()
	}
	pt.running = true
	pt.stop = make(chan struct{})
	pt.done = make(chan struct{})
	modules := slices.Clone(pt.modules)
	pt.mu.Unlock()

	for _, entry := range modules {
		entry.module.ProcessThreadAttached(pt)
	}

	go pt.run(pt.stop, pt.done)

	pt.log.Debug("process thread started", logger.Int("modules", len(modules)))
	return nil
}

// Stop halts the worker goroutine, waits for it to exit and detaches every
// registered module. Tasks that have not run are dropped. Stopping a thread
// that is not running is a no-op.
func (pt *ProcessThread) Stop() error {
	if pt.IsCurrent() {
		return errors.Newf("process thread %s stopped from its own goroutine", pt.name).
			Component(ComponentProcessThread).
			Category(errors.CategoryState).
			Context("thread", pt.name).
			Build()
	}

	pt.mu.Lock()
	if !pt.running {
		pt.mu.Unlock()
		return nil
	}
	pt.running = false
	stop, done := pt.stop, pt.done
	pt.mu.Unlock()

	close(stop)
	<-done

	pt.mu.Lock()
	dropped := len(pt.tasks)
	pt.tasks = nil
	modules := slices.Clone(pt.modules)
	pt.mu.Unlock()

	for _, entry := range modules {
		entry.module.ProcessThreadAttached(nil)
	}
	pt.metrics.RecordTasksCancelled(pt.name, dropped)

	pt.log.Debug("process thread stopped",
		logger.Int("modules", len(modules)),
		logger.Int("dropped_tasks", dropped))
	return nil
}

// RegisterModule adds a module to the thread. If the thread is running the
// module is attached immediately and processed on the next iteration.
func (pt *ProcessThread) RegisterModule(module Module) error {
	if module == nil {
		return errors.Newf("nil module").
			Component(ComponentProcessThread).
			Category(errors.CategoryValidation).
			Build()
	}

	pt.mu.Lock()
	if pt.indexOfLocked(module) >= 0 {
		pt.mu.Unlock()
		return errors.Newf("module already registered").
			Component(ComponentProcessThread).
			Category(errors.CategoryConflict).
			Context("thread", pt.name).
			Context("module", moduleName(module)).
			Build()
	}
	entry := &moduleEntry{module: module, name: moduleName(module)}
	pt.modules = append(pt.modules, entry)
	running := pt.running
	pt.mu.Unlock()

	if running {
		module.ProcessThreadAttached(pt)
		pt.signal()
	}

	pt.log.Debug("module registered", logger.String("module", entry.name))
	return nil
}

// DeRegisterModule removes a module. When it returns, the module's Process
// is not running and will not be called again by this thread.
func (pt *ProcessThread) DeRegisterModule(module Module) error {
	if !pt.IsCurrent() {
		pt.procMu.Lock()
		defer pt.procMu.Unlock()
	}

	pt.mu.Lock()
	idx := pt.indexOfLocked(module)
	if idx < 0 {
		pt.mu.Unlock()
		return errors.Newf("module not registered").
			Component(ComponentProcessThread).
			Category(errors.CategoryNotFound).
			Context("thread", pt.name).
			Build()
	}
	entry := pt.modules[idx]
	entry.removed.Store(true)
	pt.modules = slices.Delete(pt.modules, idx, idx+1)
	running := pt.running
	pt.mu.Unlock()

	if running {
		module.ProcessThreadAttached(nil)
	}

	pt.log.Debug("module deregistered", logger.String("module", entry.name))
	return nil
}

// WakeUp requests that module be processed on the next iteration,
// regardless of its reported deadline.
func (pt *ProcessThread) WakeUp(module Module) {
	pt.mu.Lock()
	idx := pt.indexOfLocked(module)
	if idx >= 0 {
		pt.modules[idx].wake.Store(true)
	}
	pt.mu.Unlock()

	if idx >= 0 {
		pt.signal()
	}
}

// PostTask queues a one-shot task to run on the thread. A stopped thread
// refuses new tasks.
func (pt *ProcessThread) PostTask(task Task) error {
	if task == nil {
		return errors.Newf("nil task").
			Component(ComponentProcessThread).
			Category(errors.CategoryValidation).
			Build()
	}

	pt.mu.Lock()
	if !pt.running {
		pt.mu.Unlock()
		return errors.Newf("process thread %s is not running", pt.name).
			Component(ComponentProcessThread).
			Category(errors.CategoryState).
			Context("thread", pt.name).
			Build()
	}
	pt.tasks = append(pt.tasks, task)
	pt.mu.Unlock()

	pt.signal()
	return nil
}

// IsCurrent reports whether the caller is running on the thread's goroutine
func (pt *ProcessThread) IsCurrent() bool {
	id := pt.workerID.Load()
	return id != 0 && id == affinity.GoroutineID()
}

// Running reports whether the worker goroutine is active
func (pt *ProcessThread) Running() bool {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.running
}

// ModuleCount returns the number of registered modules
func (pt *ProcessThread) ModuleCount() int {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return len(pt.modules)
}

func (pt *ProcessThread) signal() {
	select {
	case pt.wake <- struct{}{}:
	default:
	}
}

func (pt *ProcessThread) indexOfLocked(module Module) int {
	return slices.IndexFunc(pt.modules, func(e *moduleEntry) bool {
		return e.module == module
	})
}

func (pt *ProcessThread) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	pt.workerID.Store(affinity.GoroutineID())
	defer pt.workerID.Store(0)

	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	for {
		select {
		case <-stop:
			return
		default:
		}

		wait := pt.processModules()
		pt.runTasks()

		timer.Reset(wait)
		select {
		case <-stop:
			return
		case <-pt.wake:
		case <-timer.C:
		}
	}
}

// processModules calls Process on every due module and returns how long to
// sleep until the next deadline.
func (pt *ProcessThread) processModules() time.Duration {
	pt.procMu.Lock()
	defer pt.procMu.Unlock()

	pt.mu.Lock()
	modules := slices.Clone(pt.modules)
	pt.mu.Unlock()

	now := time.Now()
	next := now.Add(maxWait)
	for _, entry := range modules {
		if entry.removed.Load() {
			continue
		}
		if entry.next.IsZero() {
			entry.next = now.Add(entry.module.TimeUntilNextProcess())
		}
		if entry.wake.Swap(false) || !entry.next.After(now) {
			pt.processModule(entry)
			entry.next = time.Now().Add(entry.module.TimeUntilNextProcess())
		}
		if entry.next.Before(next) {
			next = entry.next
		}
	}

	return max(time.Until(next), 0)
}

func (pt *ProcessThread) processModule(entry *moduleEntry) {
	defer func() {
		if r := recover(); r != nil {
			pt.log.Error("module process panicked",
				logger.String("module", entry.name),
				logger.String("panic", fmt.Sprint(r)))
		}
	}()
	entry.module.Process()
	pt.metrics.RecordModuleRun(pt.name, entry.name)
}

func (pt *ProcessThread) runTasks() {
	pt.mu.Lock()
	tasks := pt.tasks
	pt.tasks = nil
	pt.mu.Unlock()

	for _, task := range tasks {
		start := time.Now()
		pt.runTask(task)
		pt.metrics.RecordTaskExecuted(pt.name, time.Since(start).Seconds())
	}
}

func (pt *ProcessThread) runTask(task Task) {
	defer func() {
		if r := recover(); r != nil {
			pt.log.Error("task panicked", logger.String("panic", fmt.Sprint(r)))
		}
	}()
	task()
}

// moduleName returns a label for a module, preferring its own Name method
func moduleName(module Module) string {
	if named, ok := module.(interface{ Name() string }); ok {
		return named.Name()
	}
	return fmt.Sprintf("%T", module)
}
