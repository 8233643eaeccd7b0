// Package tick provides the deferred-continuation queue used for cooperative
// scheduling. A deferred task runs after the current synchronous batch, when
// the owner flushes the queue; nothing runs on another goroutine.
package tick

import (
	"log/slog"
	"sync"

	"github.com/aretw0/storyguard/internal/logging"
)

// DefaultMaxTasks bounds a single Flush so that tasks re-deferring themselves
// forever cannot hang the caller.
const DefaultMaxTasks = 1024

// Scheduler is the single "defer to next tick" primitive.
type Scheduler interface {
	Defer(fn func())
}

// Queue is a FIFO of deferred tasks. Safe for concurrent Defer calls.
type Queue struct {
	mu       sync.Mutex
	pending  []func()
	maxTasks int
	logger   *slog.Logger
}

// Option configures the Queue.
type Option func(*Queue)

// WithMaxTasks overrides DefaultMaxTasks.
func WithMaxTasks(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxTasks = n
		}
	}
}

// WithLogger configures a logger for dropped-task warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		q.logger = logger
	}
}

// New creates an empty queue.
func New(opts ...Option) *Queue {
	q := &Queue{
		maxTasks: DefaultMaxTasks,
		logger:   logging.NewNop(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Defer schedules fn to run on the next Flush.
func (q *Queue) Defer(fn func()) {
	if fn == nil {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, fn)
}

// Pending returns the number of queued tasks.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Flush runs queued tasks in order, including tasks deferred while flushing,
// until the queue is empty or the task bound is hit. It returns how many ran.
func (q *Queue) Flush() int {
	ran := 0
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.mu.Unlock()
			return ran
		}
		if ran >= q.maxTasks {
			dropped := len(q.pending)
			q.pending = nil
			q.mu.Unlock()
			q.logger.Warn("tick queue bound reached, dropping deferred tasks", "ran", ran, "dropped", dropped)
			return ran
		}
		fn := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()

		fn()
		ran++
	}
}
