package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fwerrors "github.com/amoahfrank/firewatch/errors"
	"github.com/amoahfrank/firewatch/metric"
)

type job struct {
	key string
	n   int
}

func TestNewPool_Defaults(t *testing.T) {
	noop := func(context.Context, job) error { return nil }

	p := NewPool(0, 0, noop)
	assert.Equal(t, 4, p.workers)
	assert.Equal(t, 1024, p.queueSize)

	p = NewPool(3, 10, noop)
	assert.Equal(t, 3, p.workers)
	assert.Equal(t, 9, p.queueSize, "capacity is split evenly across workers")

	assert.Panics(t, func() { NewPool[job](1, 1, nil) })
}

func TestPool_SubmitBeforeStart(t *testing.T) {
	p := NewPool(1, 1, func(context.Context, job) error { return nil })
	err := p.Submit(job{})
	assert.ErrorIs(t, err, ErrPoolNotStarted)
	assert.ErrorIs(t, err, fwerrors.ErrNotStarted)
}

func TestPool_ProcessesAllWork(t *testing.T) {
	var count atomic.Int64
	p := NewPool(4, 100, func(context.Context, job) error {
		count.Add(1)
		return nil
	})
	require.NoError(t, p.Start(context.Background()))

	for i := 0; i < 50; i++ {
		require.NoError(t, p.Submit(job{n: i}))
	}
	require.NoError(t, p.Stop(time.Second))

	assert.Equal(t, int64(50), count.Load())
	stats := p.Stats()
	assert.Equal(t, int64(50), stats.Submitted)
	assert.Equal(t, int64(50), stats.Processed)
	assert.Equal(t, 0, stats.QueueDepth)
}

func TestPool_KeyedOrderPreserved(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[string][]int)

	p := NewPool(4, 400, func(_ context.Context, j job) error {
		mu.Lock()
		seen[j.key] = append(seen[j.key], j.n)
		mu.Unlock()
		return nil
	})
	require.NoError(t, p.Start(context.Background()))

	for i := 0; i < 50; i++ {
		for _, k := range []string{"n1", "n2", "n3"} {
			require.NoError(t, p.SubmitKeyed(k, job{key: k, n: i}))
		}
	}
	require.NoError(t, p.Stop(time.Second))

	for _, k := range []string{"n1", "n2", "n3"} {
		require.Len(t, seen[k], 50)
		for i, n := range seen[k] {
			assert.Equal(t, i, n, "key %s out of order", k)
		}
	}
}

func TestPool_QueueFull(t *testing.T) {
	block := make(chan struct{})
	p := NewPool(1, 1, func(context.Context, job) error {
		<-block
		return nil
	})
	require.NoError(t, p.Start(context.Background()))

	require.NoError(t, p.Submit(job{n: 1}))
	// wait for the worker to take the first item off the queue
	require.Eventually(t, func() bool { return p.Stats().QueueDepth == 0 }, time.Second, time.Millisecond)
	require.NoError(t, p.Submit(job{n: 2}))

	err := p.Submit(job{n: 3})
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.True(t, fwerrors.IsTransient(err))
	assert.Equal(t, int64(1), p.Stats().Dropped)

	close(block)
	require.NoError(t, p.Stop(time.Second))
}

func TestPool_ErrorHandler(t *testing.T) {
	var failed []int
	var mu sync.Mutex

	p := NewPool(1, 10, func(_ context.Context, j job) error {
		if j.n%2 == 0 {
			return fmt.Errorf("job %d failed", j.n)
		}
		return nil
	}, WithErrorHandler(func(j job, err error) {
		mu.Lock()
		failed = append(failed, j.n)
		mu.Unlock()
	}))
	require.NoError(t, p.Start(context.Background()))

	for i := 0; i < 6; i++ {
		require.NoError(t, p.Submit(job{n: i}))
	}
	require.NoError(t, p.Stop(time.Second))

	assert.Equal(t, []int{0, 2, 4}, failed)
	assert.Equal(t, int64(3), p.Stats().Failed)
}

func TestPool_Lifecycle(t *testing.T) {
	p := NewPool(1, 1, func(context.Context, job) error { return nil })
	require.NoError(t, p.Start(context.Background()))
	assert.ErrorIs(t, p.Start(context.Background()), ErrPoolAlreadyStarted)

	require.NoError(t, p.Stop(time.Second))
	assert.NoError(t, p.Stop(time.Second), "second stop is a no-op")
	assert.ErrorIs(t, p.Submit(job{}), ErrPoolStopped)
}

func TestPool_StopTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)

	p := NewPool(1, 1, func(context.Context, job) error {
		<-block
		return nil
	})
	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.Submit(job{}))
	require.Eventually(t, func() bool { return p.Stats().QueueDepth == 0 }, time.Second, time.Millisecond)

	assert.True(t, errors.Is(p.Stop(20*time.Millisecond), ErrStopTimeout))
}

func TestPool_Metrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	p := NewPool(2, 10, func(_ context.Context, j job) error {
		if j.n < 0 {
			return errors.New("negative")
		}
		return nil
	}, WithMetricsRegistry[job](registry, "test_pool"))
	require.NotNil(t, p.metrics)
	require.NoError(t, p.Start(context.Background()))

	require.NoError(t, p.Submit(job{n: 1}))
	require.NoError(t, p.Submit(job{n: -1}))
	require.NoError(t, p.Stop(time.Second))

	assert.Equal(t, 2.0, testutil.ToFloat64(p.metrics.submitted))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.metrics.failed))
	assert.Equal(t, 0.0, testutil.ToFloat64(p.metrics.queueDepth))
}
