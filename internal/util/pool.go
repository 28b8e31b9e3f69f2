package util

import (
	"context"
	"sync"
)

// WorkerPool bounds how many heavy operations (browser automation, format
// probes, downloads) run at the same time, regardless of how many users are
// waiting on them.
type WorkerPool struct {
	maxWorkers int
	semaphore  chan struct{}
}

// NewWorkerPool creates a new worker pool with the specified max concurrent workers
func NewWorkerPool(maxWorkers int) *WorkerPool {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	return &WorkerPool{
		maxWorkers: maxWorkers,
		semaphore:  make(chan struct{}, maxWorkers),
	}
}

// Size returns the number of workers
func (wp *WorkerPool) Size() int {
	return wp.maxWorkers
}

// Task is the handle of a submitted job.
type Task struct {
	done   chan struct{}
	cancel context.CancelFunc

	mu  sync.Mutex
	err error
}

// Submit queues fn and returns immediately. fn receives a context that is
// cancelled when either ctx or the task is cancelled; a task cancelled while
// still waiting for a worker never runs.
func (wp *WorkerPool) Submit(ctx context.Context, fn func(ctx context.Context) error) *Task {
	ctx, cancel := context.WithCancel(ctx)
	task := &Task{done: make(chan struct{}), cancel: cancel}

	go func() {
		defer close(task.done)
		defer cancel()

		select {
		case wp.semaphore <- struct{}{}:
		case <-ctx.Done():
			task.setErr(ctx.Err())
			return
		}
		defer func() { <-wp.semaphore }()

		if ctx.Err() != nil {
			task.setErr(ctx.Err())
			return
		}
		err := fn(ctx)
		if err != nil && ctx.Err() != nil {
			// a killed child process reports its exit status, not the cancellation
			err = ctx.Err()
		}
		task.setErr(err)
	}()

	return task
}

func (t *Task) setErr(err error) {
	t.mu.Lock()
	t.err = err
	t.mu.Unlock()
}

// Done is closed once the task has finished or was abandoned.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Finished reports whether the task is done without blocking.
func (t *Task) Finished() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Cancel aborts the task.
func (t *Task) Cancel() {
	t.cancel()
}

// Wait blocks until the task finishes and returns its error.
func (t *Task) Wait() error {
	<-t.done
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}
