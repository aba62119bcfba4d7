package worker

import (
	"context"
	"errors"
	"sync"
)

// ErrPoolClosed is returned when submitting to a drained pool.
var ErrPoolClosed = errors.New("worker pool closed")

// workerPool is a fixed-size goroutine pool with a bounded input queue.
// Submit blocks while the queue is full, so a slow pool slows its producer
// instead of losing work.
type workerPool[T, R any] struct {
	mu      sync.RWMutex
	closed  bool
	queue   chan T
	process func(ctx context.Context, t T) (R, error)
	done    func(t T, r R, err error)
	wg      sync.WaitGroup
}

// newWorkerPool creates and starts a pool with n goroutines and queue capacity size.
// done, if set, is called from the worker goroutine after each job.
func newWorkerPool[T, R any](ctx context.Context, n, size int, fn func(context.Context, T) (R, error), done func(T, R, error)) *workerPool[T, R] {
	if n <= 0 {
		n = 1
	}
	if size < 0 {
		size = 0
	}
	p := &workerPool[T, R]{
		queue:   make(chan T, size),
		process: fn,
		done:    done,
	}
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.run(ctx)
		}()
	}
	return p
}

// run processes jobs until the queue is closed and empty.
func (p *workerPool[T, R]) run(ctx context.Context) {
	for t := range p.queue {
		r, err := p.process(ctx, t)
		if p.done != nil {
			p.done(t, r, err)
		}
	}
}

// Submit enqueues a job, waiting for room until ctx is done.
func (p *workerPool[T, R]) Submit(ctx context.Context, t T) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.queue <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Drain stops accepting jobs and waits for queued ones to finish.
// Callers blocked in Submit must be released through their context first.
func (p *workerPool[T, R]) Drain() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()
	p.wg.Wait()
}

// QueueLen returns how many jobs are currently queued.
func (p *workerPool[T, R]) QueueLen() int {
	return len(p.queue)
}

// QueueCap returns the total queue capacity.
func (p *workerPool[T, R]) QueueCap() int {
	return cap(p.queue)
}
