package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/yungbote/huddle-backend/internal/observability"
	"github.com/yungbote/huddle-backend/internal/platform/logger"
)

const queueName = "tasks"

const (
	DefaultConcurrency = 4
	DefaultQueueSize   = 256
	DefaultMaxAttempts = 3
	DefaultBaseBackoff = 200 * time.Millisecond
)

// Task is one unit of fire-and-forget background work.
type Task struct {
	Kind    string
	Payload any
}

type Handler func(ctx context.Context, t Task) error

type Config struct {
	Concurrency int
	QueueSize   int
	MaxAttempts int
	BaseBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.Concurrency < 1 {
		c.Concurrency = DefaultConcurrency
	}
	if c.QueueSize < 1 {
		c.QueueSize = DefaultQueueSize
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = DefaultBaseBackoff
	}
	return c
}

// Queue is a bounded in-process task queue drained by a fixed pool of
// goroutines. Submit never blocks; a full queue drops the task.
type Queue struct {
	log *logger.Logger
	cfg Config

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	mu      sync.RWMutex
	closed  bool
	started bool
	tasks   chan Task

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewQueue(baseLog *logger.Logger, cfg Config) *Queue {
	cfg = cfg.withDefaults()
	return &Queue{
		log:      baseLog.With("component", "TaskQueue"),
		cfg:      cfg,
		handlers: map[string]Handler{},
		tasks:    make(chan Task, cfg.QueueSize),
	}
}

// Handle registers h for kind, replacing any previous handler.
func (q *Queue) Handle(kind string, h Handler) {
	q.handlersMu.Lock()
	defer q.handlersMu.Unlock()
	q.handlers[kind] = h
}

func (q *Queue) handler(kind string) (Handler, bool) {
	q.handlersMu.RLock()
	defer q.handlersMu.RUnlock()
	h, ok := q.handlers[kind]
	return h, ok
}

// Start launches the worker pool. Workers stop once Close has drained the
// queue or ctx is cancelled.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.closed {
		return
	}
	q.started = true
	runCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel

	q.log.Info("Starting task queue", "concurrency", q.cfg.Concurrency, "queue_size", q.cfg.QueueSize)
	for i := 0; i < q.cfg.Concurrency; i++ {
		q.wg.Add(1)
		go q.runLoop(runCtx, i+1)
	}
}

// Submit enqueues t and reports whether it was accepted.
func (q *Queue) Submit(t Task) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		q.log.Warn("Task submitted after close; dropping", "kind", t.Kind)
		observability.Current().IncQueueDropped(queueName)
		return false
	}
	select {
	case q.tasks <- t:
		observability.Current().SetQueueDepth(queueName, len(q.tasks))
		return true
	default:
		q.log.Warn("Task queue full; dropping", "kind", t.Kind, "capacity", cap(q.tasks))
		observability.Current().IncQueueDropped(queueName)
		return false
	}
}

// Len reports how many tasks are waiting.
func (q *Queue) Len() int { return len(q.tasks) }

// Close stops accepting tasks and waits for queued ones to finish. When ctx
// ends first the in-flight work is cancelled and ctx.Err is returned.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.tasks)
	started := q.started
	q.mu.Unlock()
	if !started {
		return nil
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		<-done
		return ctx.Err()
	}
}

func (q *Queue) runLoop(ctx context.Context, workerID int) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			q.log.Debug("Task worker stopped", "worker_id", workerID)
			return
		case t, ok := <-q.tasks:
			if !ok {
				q.log.Debug("Task worker drained", "worker_id", workerID)
				return
			}
			observability.Current().SetQueueDepth(queueName, len(q.tasks))
			q.process(ctx, workerID, t)
		}
	}
}

func (q *Queue) process(ctx context.Context, workerID int, t Task) {
	h, ok := q.handler(t.Kind)
	if !ok {
		q.log.Warn("No handler registered for task kind", "worker_id", workerID, "kind", t.Kind)
		observability.Current().IncTaskRun(t.Kind, "unhandled")
		return
	}

	var err error
	for attempt := 1; attempt <= q.cfg.MaxAttempts; attempt++ {
		var panicked bool
		panicked, err = q.runOnce(ctx, h, t)
		if err == nil {
			observability.Current().IncTaskRun(t.Kind, "succeeded")
			return
		}
		if panicked {
			q.log.Error("Task handler panic", "worker_id", workerID, "kind", t.Kind, "error", err)
			observability.Current().IncTaskRun(t.Kind, "panicked")
			return
		}
		if attempt == q.cfg.MaxAttempts {
			break
		}
		delay := q.cfg.BaseBackoff << (attempt - 1)
		q.log.Debug("Task failed; retrying", "kind", t.Kind, "attempt", attempt, "delay", delay, "error", err)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			observability.Current().IncTaskRun(t.Kind, "cancelled")
			return
		case <-timer.C:
		}
	}
	q.log.Warn("Task failed; giving up", "worker_id", workerID, "kind", t.Kind, "attempts", q.cfg.MaxAttempts, "error", err)
	observability.Current().IncTaskRun(t.Kind, "failed")
}

func (q *Queue) runOnce(ctx context.Context, h Handler, t Task) (panicked bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			panicked, err = true, &panicError{Val: r}
		}
	}()
	return false, h(ctx, t)
}

type panicError struct{ Val any }

func (e *panicError) Error() string { return fmt.Sprintf("panic: %v", e.Val) }
