package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Executor runs best-effort background work (embedding persists, status
// ticks) on a bounded worker pool. Task failures are logged and never
// surfaced to the request path. Tasks run detached from the request context
// so an early HTTP response does not cancel them.
type Executor struct {
	tasks   chan task
	logger  *slog.Logger
	wg      sync.WaitGroup
	timeout time.Duration

	closeOnce sync.Once
}

type task struct {
	name string
	fn   func(ctx context.Context) error
}

// NewExecutor starts workers goroutines draining a bounded queue.
func NewExecutor(workers, queueSize int, taskTimeout time.Duration, logger *slog.Logger) *Executor {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	if taskTimeout <= 0 {
		taskTimeout = time.Minute
	}

	e := &Executor{
		tasks:   make(chan task, queueSize),
		logger:  logger,
		timeout: taskTimeout,
	}
	for i := 0; i < workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	return e
}

func (e *Executor) worker() {
	defer e.wg.Done()
	for t := range e.tasks {
		ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
		if err := t.fn(ctx); err != nil {
			e.logger.Warn("background task failed", "task", t.name, "error", err)
		}
		cancel()
	}
}

// Submit enqueues a task. When the queue is full the task is dropped with a
// warning rather than blocking the request path.
func (e *Executor) Submit(name string, fn func(ctx context.Context) error) {
	select {
	case e.tasks <- task{name: name, fn: fn}:
	default:
		e.logger.Warn("background queue full, dropping task", "task", name)
	}
}

// Close stops accepting tasks and waits for in-flight work to finish.
func (e *Executor) Close() {
	e.closeOnce.Do(func() { close(e.tasks) })
	e.wg.Wait()
}
