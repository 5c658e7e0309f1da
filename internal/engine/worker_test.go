package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/rowscript/pkg/schema"
)

func TestBatch_RunsEveryPartition(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Shutdown()

	results := make([]int, 5)
	b := pool.NewBatch(context.Background())
	for p := range results {
		require.NoError(t, b.Go(p, func(ctx context.Context) error {
			results[p] = p * p
			return nil
		}))
	}
	require.NoError(t, b.Wait())

	assert.Equal(t, []int{0, 1, 4, 9, 16}, results)
	assert.EqualValues(t, 5, pool.Metrics().Completed)
	assert.Zero(t, pool.Metrics().Active)
	assert.Equal(t, 2, pool.Size())
}

func TestBatch_ConcurrencyLimit(t *testing.T) {
	pool := NewWorkerPool(3)
	defer pool.Shutdown()

	var current, peak int64
	var mu sync.Mutex
	b := pool.NewBatch(context.Background())
	for p := 0; p < 10; p++ {
		require.NoError(t, b.Go(p, func(ctx context.Context) error {
			c := atomic.AddInt64(&current, 1)
			mu.Lock()
			if c > peak {
				peak = c
			}
			mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt64(&current, -1)
			return nil
		}))
	}
	require.NoError(t, b.Wait())

	assert.LessOrEqual(t, peak, int64(3))
	assert.EqualValues(t, 10, pool.Metrics().Completed)
}

func TestBatch_FirstErrorCancelsOthers(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Shutdown()

	boom := schema.NewError(schema.ErrCodeExecutionStopped, "row 3 aborted")
	b := pool.NewBatch(context.Background())
	require.NoError(t, b.Go(0, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))
	require.NoError(t, b.Go(1, func(ctx context.Context) error { return boom }))

	err := b.Wait()
	assert.ErrorIs(t, err, boom)
	assert.EqualValues(t, 2, pool.Metrics().Failed)
}

func TestBatch_PanicBecomesError(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Shutdown()

	b := pool.NewBatch(context.Background())
	require.NoError(t, b.Go(7, func(ctx context.Context) error {
		panic("partition exploded")
	}))
	err := b.Wait()
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeInternal, schema.Code(err))
	assert.Contains(t, err.Error(), "partition 7 panicked")

	// The slot is released after a panic.
	b = pool.NewBatch(context.Background())
	require.NoError(t, b.Go(0, func(ctx context.Context) error { return nil }))
	require.NoError(t, b.Wait())

	m := pool.Metrics()
	assert.EqualValues(t, 1, m.Panics)
	assert.EqualValues(t, 1, m.Failed)
	assert.EqualValues(t, 1, m.Completed)
}

func TestBatch_ContextCancellation(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Shutdown()

	release := make(chan struct{})
	busy := pool.NewBatch(context.Background())
	require.NoError(t, busy.Go(0, func(ctx context.Context) error {
		<-release
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b := pool.NewBatch(ctx)
	err := b.Go(0, func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, b.Wait(), context.Canceled)

	close(release)
	require.NoError(t, busy.Wait())
}

func TestBatch_Cancel(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Shutdown()

	b := pool.NewBatch(context.Background())
	bad := errors.New("factory failed")
	b.Cancel(bad)
	assert.Error(t, b.Context().Err())
	assert.ErrorIs(t, b.Wait(), bad)
}

func TestWorkerPool_GoAfterShutdown(t *testing.T) {
	pool := NewWorkerPool(2)
	pool.Shutdown()
	pool.Shutdown()

	b := pool.NewBatch(context.Background())
	err := b.Go(0, func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolShutdown)
	assert.ErrorIs(t, b.Wait(), ErrPoolShutdown)
}

func TestWorkerPool_ShutdownWaitsForPartitions(t *testing.T) {
	pool := NewWorkerPool(2)
	var done int64
	b := pool.NewBatch(context.Background())
	for p := 0; p < 4; p++ {
		require.NoError(t, b.Go(p, func(ctx context.Context) error {
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt64(&done, 1)
			return nil
		}))
	}
	pool.Shutdown()
	assert.EqualValues(t, 4, atomic.LoadInt64(&done))
}

func TestPoolCollector(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Shutdown()

	b := pool.NewBatch(context.Background())
	require.NoError(t, b.Go(0, func(ctx context.Context) error { return nil }))
	require.NoError(t, b.Wait())
	b = pool.NewBatch(context.Background())
	require.NoError(t, b.Go(0, func(ctx context.Context) error { return errors.New("bad row") }))
	require.Error(t, b.Wait())

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(NewPoolCollector(pool)))

	n, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	assert.EqualValues(t, 1, pool.Metrics().Failed)
	assert.EqualValues(t, 1, pool.Metrics().Completed)
}
