package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/c360/attrstream/errors"
	"github.com/c360/attrstream/metric"
)

func TestNewPool_Defaults(t *testing.T) {
	pool := NewPool(0, 0, RunTask)
	assert.Equal(t, 10, pool.workers)
	assert.Equal(t, 1000, pool.queueSize)

	assert.Panics(t, func() { NewPool[Task](1, 1, nil) })
}

func TestPool_Lifecycle(t *testing.T) {
	var done int64
	pool := NewPool(2, 10, RunTask)

	assert.ErrorIs(t, pool.Submit(func(context.Context) error { return nil }), ErrPoolNotStarted)

	require.NoError(t, pool.Start(context.Background()))
	assert.ErrorIs(t, pool.Start(context.Background()), ErrPoolAlreadyStarted)

	for i := 0; i < 5; i++ {
		require.NoError(t, pool.Submit(func(context.Context) error {
			atomic.AddInt64(&done, 1)
			return nil
		}))
	}

	require.NoError(t, pool.Stop(time.Second))
	assert.Equal(t, int64(5), atomic.LoadInt64(&done), "Stop drains queued work")

	err := pool.Submit(func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolStopped)
	assert.ErrorIs(t, err, pkgerrors.ErrConnectorClosed)
	assert.NoError(t, pool.Stop(time.Second), "second Stop is a no-op")
}

func TestPool_QueueFull(t *testing.T) {
	release := make(chan struct{})
	pool := NewPool(1, 2, RunTask)
	require.NoError(t, pool.Start(context.Background()))
	defer func() {
		close(release)
		_ = pool.Stop(time.Second)
	}()

	block := func(context.Context) error {
		<-release
		return nil
	}

	var full int
	for i := 0; i < 6; i++ {
		if err := pool.Submit(block); err != nil {
			assert.ErrorIs(t, err, ErrQueueFull)
			assert.True(t, pkgerrors.IsTransient(err))
			full++
		}
	}

	assert.GreaterOrEqual(t, full, 3)
	assert.Equal(t, int64(full), pool.Stats().Dropped)
}

func TestPool_ProcessingErrors(t *testing.T) {
	pool := NewPool(2, 10, RunTask)
	require.NoError(t, pool.Start(context.Background()))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		fail := i%2 == 0
		require.NoError(t, pool.Submit(func(context.Context) error {
			defer wg.Done()
			if fail {
				return fmt.Errorf("simulated failure")
			}
			return nil
		}))
	}
	wg.Wait()
	require.NoError(t, pool.Stop(time.Second))

	stats := pool.Stats()
	assert.Equal(t, int64(10), stats.Submitted)
	assert.Equal(t, int64(10), stats.Processed)
	assert.Equal(t, int64(5), stats.Failed)
}

func TestPool_ContextCancellationStopsWorkers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	pool := NewPool(2, 10, RunTask)
	require.NoError(t, pool.Start(ctx))

	cancel()
	assert.NoError(t, pool.Stop(time.Second))
}

func TestPool_ConcurrentSubmissions(t *testing.T) {
	var processed int64
	pool := NewPool(5, 200, RunTask)
	require.NoError(t, pool.Start(context.Background()))

	var wg sync.WaitGroup
	for s := 0; s < 10; s++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				assert.NoError(t, pool.Submit(func(context.Context) error {
					atomic.AddInt64(&processed, 1)
					return nil
				}))
			}
		}()
	}
	wg.Wait()

	require.NoError(t, pool.Stop(time.Second))
	assert.Equal(t, int64(100), atomic.LoadInt64(&processed))
}

func TestPool_StopTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	pool := NewPool(1, 1, RunTask)
	require.NoError(t, pool.Start(context.Background()))

	started := make(chan struct{})
	require.NoError(t, pool.Submit(func(context.Context) error {
		close(started)
		<-release
		return nil
	}))
	<-started

	assert.ErrorIs(t, pool.Stop(20*time.Millisecond), ErrStopTimeout)
	assert.ErrorIs(t, pool.Submit(func(context.Context) error { return nil }), ErrPoolStopped)
}

func TestPool_Metrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	pool := NewPool(1, 4, RunTask, WithMetricsRegistry[Task](registry, "host1"))
	require.NotNil(t, pool.metrics)

	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, pool.Submit(func(context.Context) error { return nil }))
	require.NoError(t, pool.Stop(time.Second))

	assert.Equal(t, 1.0, testutil.ToFloat64(pool.metrics.submitted))
	assert.Equal(t, 1.0, testutil.ToFloat64(pool.metrics.processed))

	// A second pool with the same name keeps working with unregistered collectors.
	other := NewPool(1, 4, RunTask, WithMetricsRegistry[Task](registry, "host1"))
	assert.NotNil(t, other.metrics)
}
