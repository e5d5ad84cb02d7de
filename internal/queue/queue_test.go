package queue

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunPreservesOrder(t *testing.T) {
	t.Parallel()

	q := New(0, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var got []int
	done := make(chan struct{})

	for i := 0; i < 5; i++ {
		i := i
		q.Push(Task{Name: "n", Run: func(context.Context) error {
			mu.Lock()
			got = append(got, i)
			n := len(got)
			mu.Unlock()
			if n == 5 {
				close(done)
			}
			return nil
		}})
	}

	go q.Run(ctx)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tasks did not drain")
	}
	require.Equal(t, []int{0, 1, 2, 3, 4}, got)
	require.Zero(t, q.Len())
}

func TestRunEnforcesMinInterval(t *testing.T) {
	t.Parallel()

	const gap = 30 * time.Millisecond
	q := New(gap, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var stamps []time.Time
	done := make(chan struct{})

	for i := 0; i < 3; i++ {
		q.Push(Task{Name: "t", Run: func(context.Context) error {
			mu.Lock()
			stamps = append(stamps, time.Now())
			n := len(stamps)
			mu.Unlock()
			if n == 3 {
				close(done)
			}
			return nil
		}})
	}

	go q.Run(ctx)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tasks did not drain")
	}
	for i := 1; i < len(stamps); i++ {
		require.GreaterOrEqual(t, stamps[i].Sub(stamps[i-1]), gap-5*time.Millisecond,
			"dispatch %d too soon", i)
	}
}

func TestTaskErrorDoesNotStopWorker(t *testing.T) {
	t.Parallel()

	q := New(0, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	q.Push(Task{Name: "boom", Run: func(context.Context) error {
		return context.DeadlineExceeded
	}})
	q.Push(Task{Name: "after", Run: func(context.Context) error {
		close(done)
		return nil
	}})

	go q.Run(ctx)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker stopped after task error")
	}
}

func TestPushWakesIdleWorker(t *testing.T) {
	t.Parallel()

	q := New(0, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go q.Run(ctx)
	time.Sleep(20 * time.Millisecond) // let the worker go idle

	done := make(chan struct{})
	q.Push(Task{Name: "late", Run: func(context.Context) error {
		close(done)
		return nil
	}})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("idle worker did not wake")
	}
}
