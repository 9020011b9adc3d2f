package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolProcessesAllItems(t *testing.T) {
	var processed int64
	pool, err := NewPool(4, 64, func(_ context.Context, n int) error {
		atomic.AddInt64(&processed, int64(n))
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, pool.Start(context.Background()))

	for i := 0; i < 10; i++ {
		require.NoError(t, pool.Submit(1))
	}
	require.NoError(t, pool.Stop(time.Second))

	assert.Equal(t, int64(10), atomic.LoadInt64(&processed))
	stats := pool.Stats()
	assert.Equal(t, int64(10), stats.Submitted)
	assert.Equal(t, int64(10), stats.Processed)
}

func TestPoolCountsFailures(t *testing.T) {
	pool, err := NewPool(1, 8, func(_ context.Context, fail bool) error {
		if fail {
			return errors.New("processing failed")
		}
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, pool.Start(context.Background()))

	require.NoError(t, pool.Submit(true))
	require.NoError(t, pool.Submit(false))
	require.NoError(t, pool.Stop(time.Second))

	stats := pool.Stats()
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(1), stats.Processed)
}

func TestPoolLifecycle(t *testing.T) {
	pool, err := NewPool(1, 1, func(_ context.Context, _ int) error { return nil })
	require.NoError(t, err)

	assert.ErrorIs(t, pool.Submit(1), ErrPoolNotStarted)

	require.NoError(t, pool.Start(context.Background()))
	assert.ErrorIs(t, pool.Start(context.Background()), ErrPoolAlreadyStarted)

	require.NoError(t, pool.Stop(time.Second))
	assert.ErrorIs(t, pool.Submit(1), ErrPoolStopped)

	// Stopping twice is a no-op.
	require.NoError(t, pool.Stop(time.Second))
}

func TestPoolRejectsNilProcessor(t *testing.T) {
	_, err := NewPool[int](1, 1, nil)
	assert.ErrorIs(t, err, ErrNilProcessor)
}

func TestPoolDropsWhenQueueFull(t *testing.T) {
	release := make(chan struct{})
	pool, err := NewPool(1, 1, func(_ context.Context, _ int) error {
		<-release
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, pool.Start(context.Background()))

	// First item occupies the worker, second fills the queue.
	require.NoError(t, pool.Submit(1))
	// Give the worker a moment to pick up the first item.
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, pool.Submit(2))

	err = pool.Submit(3)
	assert.ErrorIs(t, err, ErrQueueFull)

	close(release)
	require.NoError(t, pool.Stop(time.Second))
	assert.Equal(t, int64(1), pool.Stats().Dropped)
}
