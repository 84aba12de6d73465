// Package taskqueue implements a serialized task queue: tasks posted to a
// queue run one at a time, in post order, on a goroutine owned by the queue
// and never synchronously on the posting goroutine.
package taskqueue

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tphakala/voiceengine/internal/errors"
	"github.com/tphakala/voiceengine/internal/logger"
	"github.com/tphakala/voiceengine/internal/observability/metrics"
	"github.com/tphakala/voiceengine/internal/voe/affinity"
)

// ComponentTaskQueue is the error component for this package
const ComponentTaskQueue = "taskqueue"

// ErrQueueStopped is returned when posting to a queue that has been stopped
var ErrQueueStopped = errors.New(nil).
	Component(ComponentTaskQueue).
	Category(errors.CategoryState).
	Context("error", "task queue stopped").
	Build()

// Task is a unit of work run on a queue
type Task func()

// Option configures a TaskQueue
type Option func(*TaskQueue)

// WithLogger sets the logger used by the queue
func WithLogger(log logger.Logger) Option {
	return func(q *TaskQueue) {
		if log != nil {
			q.log = log
		}
	}
}

// WithMetrics sets the metrics recorder used by the queue
func WithMetrics(m *metrics.VoiceEngineMetrics) Option {
	return func(q *TaskQueue) {
		q.metrics = m
	}
}

// Stats is a snapshot of queue counters
type Stats struct {
	Pending   int
	Delayed   int
	Executed  int64
	Cancelled int64
	Panics    int64
}

// TaskQueue runs posted tasks serially on its own goroutine
type TaskQueue struct {
	name    string
	id      string
	log     logger.Logger
	metrics *metrics.VoiceEngineMetrics

	mu       sync.Mutex
	cond     *sync.Cond
	tasks    []Task
	delayed  map[uint64]*time.Timer
	delaySeq uint64
	stopped  bool

	workerID atomic.Uint64
	done     chan struct{}

	executed  atomic.Int64
	cancelled atomic.Int64
	panics    atomic.Int64
}

// New creates a queue and starts its worker goroutine. The name is used in
// logs and metrics only.
func New(name string, opts ...Option) *TaskQueue {
	q := &TaskQueue{
		name:    name,
		id:      uuid.New().String()[:8],
		delayed: make(map[uint64]*time.Timer),
		done:    make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	for _, opt := range opts {
		opt(q)
	}
	if q.log == nil {
		q.log = getLogger()
	}
	q.log = q.log.With(logger.String("queue", name), logger.String("queue_id", q.id))

	go q.run()

	q.log.Debug("task queue started")
	return q
}

// Name returns the queue name
func (q *TaskQueue) Name() string {
	return q.name
}

// PostTask schedules task to run after every previously posted task.
// It never blocks on task execution.
func (q *TaskQueue) PostTask(task Task) error {
	if task == nil {
		return errors.Newf("nil task").
			Component(ComponentTaskQueue).
			Category(errors.CategoryValidation).
			Context("queue", q.name).
			Build()
	}

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return ErrQueueStopped
	}
	q.tasks = append(q.tasks, task)
	depth := len(q.tasks)
	q.cond.Signal()
	q.mu.Unlock()

	q.metrics.SetQueueDepth(q.name, depth)
	return nil
}

// PostDelayedTask schedules task to be posted once delay has elapsed.
// Delayed tasks that have not been posted when the queue stops are cancelled.
func (q *TaskQueue) PostDelayedTask(task Task, delay time.Duration) error {
	if delay <= 0 {
		return q.PostTask(task)
	}
	if task == nil {
		return q.PostTask(nil)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return ErrQueueStopped
	}

	q.delaySeq++
	seq := q.delaySeq
	q.delayed[seq] = time.AfterFunc(delay, func() {
		q.mu.Lock()
		if _, pending := q.delayed[seq]; !pending || q.stopped {
			q.mu.Unlock()
			return
		}
		delete(q.delayed, seq)
		q.tasks = append(q.tasks, task)
		depth := len(q.tasks)
		q.cond.Signal()
		q.mu.Unlock()

		q.metrics.SetQueueDepth(q.name, depth)
	})
	return nil
}

// IsCurrent reports whether the caller is running on this queue's goroutine
func (q *TaskQueue) IsCurrent() bool {
	id := q.workerID.Load()
	return id != 0 && id == affinity.GoroutineID()
}

// Stats returns a snapshot of the queue counters
func (q *TaskQueue) Stats() Stats {
	q.mu.Lock()
	pending, delayed := len(q.tasks), len(q.delayed)
	q.mu.Unlock()

	return Stats{
		Pending:   pending,
		Delayed:   delayed,
		Executed:  q.executed.Load(),
		Cancelled: q.cancelled.Load(),
		Panics:    q.panics.Load(),
	}
}

// Stop cancels every task that has not started, waits for the task in
// flight to return and stops the worker goroutine. Tasks posted after Stop
// are rejected. Stop is idempotent; it must not be called from a task
// running on the same queue.
func (q *TaskQueue) Stop() error {
	if q.IsCurrent() {
		return errors.Newf("task queue %s stopped from its own task", q.name).
			Component(ComponentTaskQueue).
			Category(errors.CategoryState).
			Context("queue", q.name).
			Build()
	}

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		<-q.done
		return nil
	}
	q.stopped = true

	cancelled := len(q.tasks)
	clear(q.tasks)
	q.tasks = nil
	for seq, timer := range q.delayed {
		if timer.Stop() {
			cancelled++
		}
		delete(q.delayed, seq)
	}
	q.cond.Broadcast()
	q.mu.Unlock()

	<-q.done

	q.cancelled.Add(int64(cancelled))
	q.metrics.RecordTasksCancelled(q.name, cancelled)
	q.metrics.SetQueueDepth(q.name, 0)

	q.log.Debug("task queue stopped",
		logger.Int("cancelled", cancelled),
		logger.Int64("executed", q.executed.Load()))
	return nil
}

// run is the worker loop; it exits once the queue is stopped and the task in
// flight, if any, has returned.
func (q *TaskQueue) run() {
	defer close(q.done)
	q.workerID.Store(affinity.GoroutineID())

	for {
		q.mu.Lock()
		for len(q.tasks) == 0 && !q.stopped {
			q.cond.Wait()
		}
		if q.stopped {
			q.mu.Unlock()
			return
		}
		task := q.tasks[0]
		q.tasks[0] = nil
		q.tasks = q.tasks[1:]
		depth := len(q.tasks)
		q.mu.Unlock()

		q.metrics.SetQueueDepth(q.name, depth)
		q.execute(task)
	}
}

// execute runs a single task, containing panics so one bad task cannot take
// the queue down.
func (q *TaskQueue) execute(task Task) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			q.panics.Add(1)
			q.log.Error("task panicked",
				logger.String("panic", fmt.Sprint(r)))
		}
		q.executed.Add(1)
		q.metrics.RecordTaskExecuted(q.name, time.Since(start).Seconds())
	}()
	task()
}
