package commandqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T, capacity int) *Queue {
	t.Helper()
	q := New(Config{Capacity: capacity, Logger: zerolog.Nop()})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = q.Close(ctx)
	})
	return q
}

func TestQueue_Enqueue(t *testing.T) {
	q := newTestQueue(t, 0)

	executed := false
	err := q.Enqueue(context.Background(), "test", func(ctx context.Context) error {
		executed = true
		return nil
	})

	assert.NoError(t, err)
	assert.True(t, executed)
}

func TestQueue_TaskError(t *testing.T) {
	q := newTestQueue(t, 0)

	expectedErr := errors.New("task failed")
	err := q.Enqueue(context.Background(), "test", func(ctx context.Context) error {
		return expectedErr
	})

	assert.ErrorIs(t, err, expectedErr)
}

func TestQueue_TaskPanicIsContained(t *testing.T) {
	q := newTestQueue(t, 0)

	err := q.Enqueue(context.Background(), "test", func(ctx context.Context) error {
		panic("boom")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	// lane keeps working
	assert.NoError(t, q.Enqueue(context.Background(), "test", func(ctx context.Context) error { return nil }))
}

func TestQueue_SubmitPreservesOrder(t *testing.T) {
	q := newTestQueue(t, 0)

	var mu sync.Mutex
	var order []int

	for i := 0; i < 50; i++ {
		n := i
		require.NoError(t, q.Submit(context.Background(), "ordered", func(ctx context.Context) error {
			if n%7 == 0 {
				time.Sleep(time.Millisecond)
			}
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
			return nil
		}))
	}

	require.True(t, q.WaitForIdle(2*time.Second))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 50)
	for i, n := range order {
		assert.Equal(t, i, n)
	}
}

func TestQueue_SubmitDoesNotBlock(t *testing.T) {
	q := newTestQueue(t, 0)

	release := make(chan struct{})
	require.NoError(t, q.Submit(context.Background(), "slow", func(ctx context.Context) error {
		<-release
		return nil
	}))

	start := time.Now()
	require.NoError(t, q.Submit(context.Background(), "slow", func(ctx context.Context) error { return nil }))
	assert.Less(t, time.Since(start), 50*time.Millisecond)

	close(release)
	assert.True(t, q.WaitForIdle(time.Second))
}

func TestQueue_LanesRunConcurrently(t *testing.T) {
	q := newTestQueue(t, 0)

	release := make(chan struct{})
	require.NoError(t, q.Submit(context.Background(), "blocked", func(ctx context.Context) error {
		<-release
		return nil
	}))

	done := make(chan struct{})
	require.NoError(t, q.Submit(context.Background(), "free", func(ctx context.Context) error {
		close(done)
		return nil
	}))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("independent lane was blocked")
	}
	close(release)
}

func TestQueue_CapacityRejects(t *testing.T) {
	q := newTestQueue(t, 2)

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, q.Submit(context.Background(), "bounded", func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}))
	<-started

	noop := func(ctx context.Context) error { return nil }
	require.NoError(t, q.Submit(context.Background(), "bounded", noop))
	require.NoError(t, q.Submit(context.Background(), "bounded", noop))

	err := q.Submit(context.Background(), "bounded", noop)
	assert.ErrorIs(t, err, ErrQueueFull)

	close(release)
	assert.True(t, q.WaitForIdle(time.Second))
}

func TestQueue_GetStatsAndClearLane(t *testing.T) {
	q := newTestQueue(t, 0)

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, q.Submit(context.Background(), "test", func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}))
	<-started

	for i := 0; i < 3; i++ {
		require.NoError(t, q.Submit(context.Background(), "test", func(ctx context.Context) error { return nil }))
	}

	stats := q.GetStats()
	assert.Equal(t, 3, stats["test"]["queued"])
	assert.Equal(t, 1, stats["test"]["running"])
	assert.Equal(t, 3, q.GetQueueSize("test"))

	assert.Equal(t, 3, q.ClearLane("test"))
	assert.Equal(t, 0, q.GetQueueSize("test"))
	assert.Equal(t, 0, q.ClearLane("missing"))

	close(release)
	assert.True(t, q.WaitForIdle(time.Second))
}

func TestQueue_CloseDrainsAndRejects(t *testing.T) {
	q := New(Config{Logger: zerolog.Nop()})

	var ran sync.WaitGroup
	ran.Add(1)
	require.NoError(t, q.Submit(context.Background(), "test", func(ctx context.Context) error {
		time.Sleep(20 * time.Millisecond)
		ran.Done()
		return nil
	}))

	require.NoError(t, q.Close(context.Background()))
	ran.Wait()

	err := q.Submit(context.Background(), "test", func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrClosed)
}

func TestQueue_CloseTimeoutCancelsRunning(t *testing.T) {
	q := New(Config{Logger: zerolog.Nop()})

	cancelled := make(chan struct{})
	require.NoError(t, q.Submit(context.Background(), "test", func(ctx context.Context) error {
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := q.Close(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("running task was not cancelled")
	}
}

func TestQueue_EnqueueContextCancelled(t *testing.T) {
	q := newTestQueue(t, 0)

	release := make(chan struct{})
	require.NoError(t, q.Submit(context.Background(), "test", func(ctx context.Context) error {
		<-release
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := q.Enqueue(ctx, "test", func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)

	close(release)
}
