package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rendis/rowscript/internal/logging"
	"github.com/rendis/rowscript/pkg/schema"
)

// PoolMetrics counts the partitions a pool has run.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// ErrPoolShutdown is returned when a partition is started on a shut-down pool.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// WorkerPool bounds how many table partitions run at once across every node
// evaluation sharing it. Work is started through a Batch.
type WorkerPool struct {
	size    int
	slots   chan struct{}
	running sync.WaitGroup
	metrics PoolMetrics

	mu      sync.Mutex
	closing chan struct{}
	closed  bool
}

// NewWorkerPool creates a pool running at most size partitions at once.
func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	return &WorkerPool{
		size:    size,
		slots:   make(chan struct{}, size),
		closing: make(chan struct{}),
	}
}

// Size returns the maximum number of partitions running at once.
func (p *WorkerPool) Size() int { return p.size }

// acquire blocks until a slot is free, ctx ends or the pool shuts down.
func (p *WorkerPool) acquire(ctx context.Context) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrPoolShutdown
	}

	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-p.closing:
		return ErrPoolShutdown
	}

	// Shutdown may have won the race for the slot; running.Add must happen
	// under mu so Shutdown's Wait sees it.
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		<-p.slots
		return ErrPoolShutdown
	}
	p.running.Add(1)
	atomic.AddInt64(&p.metrics.Active, 1)
	return nil
}

func (p *WorkerPool) release(err error, panicked bool) {
	switch {
	case panicked:
		atomic.AddInt64(&p.metrics.Panics, 1)
		atomic.AddInt64(&p.metrics.Failed, 1)
	case err != nil:
		atomic.AddInt64(&p.metrics.Failed, 1)
	default:
		atomic.AddInt64(&p.metrics.Completed, 1)
	}
	atomic.AddInt64(&p.metrics.Active, -1)
	<-p.slots
	p.running.Done()
}

// Shutdown refuses new partitions and waits for running ones.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.closing)
	p.mu.Unlock()

	p.running.Wait()
}

// Metrics returns a snapshot of the pool counters.
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    atomic.LoadInt64(&p.metrics.Active),
		Completed: atomic.LoadInt64(&p.metrics.Completed),
		Failed:    atomic.LoadInt64(&p.metrics.Failed),
		Panics:    atomic.LoadInt64(&p.metrics.Panics),
	}
}

// Batch is the set of partitions of one table evaluation. The first failing
// partition cancels the context of the others.
type Batch struct {
	pool   *WorkerPool
	ctx    context.Context
	cancel context.CancelCauseFunc
	wg     sync.WaitGroup
}

// NewBatch starts an empty batch bound to ctx.
func (p *WorkerPool) NewBatch(ctx context.Context) *Batch {
	ctx, cancel := context.WithCancelCause(ctx)
	return &Batch{pool: p, ctx: ctx, cancel: cancel}
}

// Context is done once the batch failed or its parent ended.
func (b *Batch) Context() context.Context { return b.ctx }

// Cancel fails the batch with err.
func (b *Batch) Cancel(err error) { b.cancel(err) }

// Go runs fn for the given partition on a pool slot, blocking while the pool
// is full. fn's context carries the partition index for logging. An error
// means fn was not started; the batch is then cancelled.
func (b *Batch) Go(partition int, fn func(ctx context.Context) error) error {
	if err := b.pool.acquire(b.ctx); err != nil {
		b.cancel(err)
		return err
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.run(partition, fn)
	}()
	return nil
}

func (b *Batch) run(partition int, fn func(ctx context.Context) error) {
	var err error
	panicked := false
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			err = schema.NewErrorf(schema.ErrCodeInternal, "partition %d panicked: %v", partition, r)
		}
		if err != nil {
			b.cancel(err)
		}
		b.pool.release(err, panicked)
	}()
	err = fn(logging.WithPartition(b.ctx, partition))
}

// Wait blocks until every started partition returned and reports the first
// failure, or the parent context's cause.
func (b *Batch) Wait() error {
	b.wg.Wait()
	err := context.Cause(b.ctx)
	b.cancel(nil)
	return err
}
