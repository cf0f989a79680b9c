// Package taskq provides single-worker task queues. Tasks on one queue
// run one at a time in submission order; separate queues run
// concurrently.
package taskq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrStopped is returned by Do once the queue's Run has returned.
var ErrStopped = errors.New("task queue stopped")

const defaultSize = 256

// Task receives the queue's run context, which is cancelled at shutdown.
type Task func(ctx context.Context)

// Queue is a single-worker FIFO.
type Queue struct {
	name   string
	tasks  chan Task
	logger *slog.Logger

	done     chan struct{}
	stopOnce sync.Once
}

// New creates a queue with room for size pending tasks. Run must be
// called for tasks to execute.
func New(name string, size int, logger *slog.Logger) *Queue {
	if size <= 0 {
		size = defaultSize
	}

	return &Queue{
		name:   name,
		tasks:  make(chan Task, size),
		logger: logger.With(slog.String("queue", name)),
		done:   make(chan struct{}),
	}
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// Run executes tasks until ctx is cancelled. Pending tasks are dropped
// at shutdown. It always returns nil so it can run under an errgroup
// without cancelling its siblings.
func (q *Queue) Run(ctx context.Context) error {
	defer q.stopOnce.Do(func() { close(q.done) })

	for {
		select {
		case <-ctx.Done():
			return nil
		case task := <-q.tasks:
			q.run(ctx, task)
		}
	}
}

func (q *Queue) run(ctx context.Context, task Task) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("task panicked", slog.String("panic", fmt.Sprint(r)))
		}
	}()

	task(ctx)
}

// Submit enqueues task without waiting for it to run. It blocks while
// the queue is full and returns false once the queue has stopped.
func (q *Queue) Submit(task Task) bool {
	select {
	case <-q.done:
		return false
	default:
	}

	select {
	case q.tasks <- task:
		return true
	case <-q.done:
		return false
	}
}

// Do enqueues fn and waits for its result. A task must never call Do on
// its own queue.
func (q *Queue) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	result := make(chan error, 1)

	task := func(runCtx context.Context) {
		var err error

		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("task panicked: %v", r)
			}

			result <- err
		}()

		err = fn(runCtx)
	}

	select {
	case q.tasks <- task:
	case <-q.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-result:
		return err
	case <-q.done:
		select {
		case err := <-result:
			return err
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Call is Do for functions that return a value.
func Call[T any](ctx context.Context, q *Queue, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T

	err := q.Do(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		out = v

		return err
	})

	return out, err
}
