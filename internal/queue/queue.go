// Package queue runs trade tasks one at a time, in insertion order, with a
// minimum gap between dispatches.
//
// Concurrency = 1 is the engine's main serialization point: only the queue
// worker executes trade sequences, so two trades never interleave their
// exchange calls. Task errors are logged and never abort the worker.
package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Task is one queued unit of work. Name appears in logs only.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Queue is a strict-FIFO, single-worker task executor.
type Queue struct {
	minInterval time.Duration
	logger      *slog.Logger

	mu      sync.Mutex
	pending []Task
	wake    chan struct{}
}

// New creates a queue with the given minimum inter-task gap.
func New(minInterval time.Duration, logger *slog.Logger) *Queue {
	return &Queue{
		minInterval: minInterval,
		logger:      logger.With("component", "queue"),
		wake:        make(chan struct{}, 1),
	}
}

// Push appends a task. Never blocks; ordering is strict FIFO against
// insertion even across concurrent producers.
func (q *Queue) Push(t Task) {
	q.mu.Lock()
	q.pending = append(q.pending, t)
	depth := len(q.pending)
	q.mu.Unlock()

	q.logger.Debug("task queued", "task", t.Name, "depth", depth)

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Len returns the number of queued (not yet started) tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Run drains tasks until ctx is cancelled. Blocks; call in a goroutine.
func (q *Queue) Run(ctx context.Context) {
	var lastDispatch time.Time

	for {
		task, ok := q.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-q.wake:
				continue
			}
		}

		if wait := q.minInterval - time.Since(lastDispatch); wait > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		}
		lastDispatch = time.Now()

		start := time.Now()
		if err := task.Run(ctx); err != nil {
			q.logger.Error("task failed", "task", task.Name, "error", err, "took", time.Since(start))
		} else {
			q.logger.Debug("task done", "task", task.Name, "took", time.Since(start))
		}
	}
}

func (q *Queue) pop() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return Task{}, false
	}
	t := q.pending[0]
	q.pending = q.pending[1:]
	return t, true
}
