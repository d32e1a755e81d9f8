package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"goa.design/codex/transport"
)

var (
	// ErrPoolShutdown reports an acquire on (or a wait interrupted by) a
	// shut-down pool.
	ErrPoolShutdown = errors.New("session: pool shut down")

	// ErrPoolExhausted reports a TryAcquire on a pool with no available
	// worker.
	ErrPoolExhausted = errors.New("session: pool exhausted")
)

type (
	// Factory builds the underlying transport for a new pooled worker.
	Factory func() transport.Transport

	// Pool coordinates a bounded set of workers. Workers are created lazily
	// up to the pool size; when all are busy, Acquire enqueues the caller in
	// FIFO order. A pool is safe for concurrent use from any number of
	// generation calls.
	Pool struct {
		factory     Factory
		size        int
		idleTimeout time.Duration

		mu      sync.Mutex
		workers map[*Worker]struct{}
		idle    []*Worker
		waiters []*waiter
		down    bool
	}

	waiter struct {
		ch      chan *Worker
		removed bool
	}
)

var poolBusy metric.Int64UpDownCounter

func init() {
	meter := otel.Meter("goa.design/codex/session")
	poolBusy, _ = meter.Int64UpDownCounter("codex.pool.busy",
		metric.WithDescription("Number of pooled app-server workers currently acquired."))
}

// NewPool builds a pool of at most size workers whose transports come from
// factory. idleTimeout tears down workers that stay released; zero disables
// expiry.
func NewPool(factory Factory, size int, idleTimeout time.Duration) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		factory:     factory,
		size:        size,
		idleTimeout: idleTimeout,
		workers:     make(map[*Worker]struct{}),
	}
}

// Size returns the maximum number of concurrently acquired workers.
func (p *Pool) Size() int { return p.size }

// IdleTimeout returns the worker idle expiry.
func (p *Pool) IdleTimeout() time.Duration { return p.idleTimeout }

// Acquire returns an available worker, creating one when the pool is under
// capacity. When all workers are busy the caller waits in FIFO order until a
// release or ctx cancellation. An acquired worker is never handed to two
// callers.
func (p *Pool) Acquire(ctx context.Context) (*Worker, error) {
	p.mu.Lock()
	w, wt, err := p.acquireLocked(true)
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if w != nil {
		poolBusy.Add(ctx, 1)
		return w, nil
	}

	select {
	case w, ok := <-wt.ch:
		if !ok {
			return nil, ErrPoolShutdown
		}
		poolBusy.Add(ctx, 1)
		return w, nil
	case <-ctx.Done():
		p.mu.Lock()
		wt.removed = true
		p.mu.Unlock()
		// A release may have raced the cancellation; recycle the worker.
		select {
		case w, ok := <-wt.ch:
			if ok {
				poolBusy.Add(ctx, 1)
				p.Release(w)
			}
		default:
		}
		return nil, fmt.Errorf("session: acquire canceled: %w", ctx.Err())
	}
}

// TryAcquire returns an available worker or fails immediately with
// ErrPoolExhausted.
func (p *Pool) TryAcquire(ctx context.Context) (*Worker, error) {
	p.mu.Lock()
	w, _, err := p.acquireLocked(false)
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, ErrPoolExhausted
	}
	poolBusy.Add(ctx, 1)
	return w, nil
}

// Release returns a worker to the pool: the head waiter receives it directly,
// otherwise the worker goes idle and its expiry timer is armed.
func (p *Pool) Release(w *Worker) {
	poolBusy.Add(context.Background(), -1)

	// Detach the old borrower's session listeners before the worker becomes
	// visible to anyone else.
	w.Recycle()

	p.mu.Lock()
	if p.down {
		p.mu.Unlock()
		w.Shutdown(context.Background())
		return
	}
	for len(p.waiters) > 0 {
		head := p.waiters[0]
		p.waiters = p.waiters[1:]
		if head.removed {
			continue
		}
		// Buffered send under the lock: linearized with the removed flag so a
		// cancelling waiter either sees the flag or drains the worker.
		head.ch <- w
		p.mu.Unlock()
		return
	}
	// Flip to idle and arm expiry before publishing; a new borrower can then
	// never observe a stale timer or have its listeners detached underneath.
	w.Release()
	p.idle = append(p.idle, w)
	p.mu.Unlock()
}

// Shutdown rejects all waiters with ErrPoolShutdown and tears down every
// worker. Idempotent.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	if p.down {
		p.mu.Unlock()
		return
	}
	p.down = true
	waiters := p.waiters
	p.waiters = nil
	workers := make([]*Worker, 0, len(p.workers))
	for w := range p.workers {
		workers = append(workers, w)
	}
	p.workers = make(map[*Worker]struct{})
	p.idle = nil
	p.mu.Unlock()

	for _, wt := range waiters {
		close(wt.ch)
	}
	for _, w := range workers {
		w.Shutdown(ctx)
	}
}

// acquireLocked pops an idle worker, creates one under capacity, or (when
// wait is set) registers a FIFO waiter. Exactly one of the returns is
// meaningful.
func (p *Pool) acquireLocked(wait bool) (*Worker, *waiter, error) {
	if p.down {
		return nil, nil, ErrPoolShutdown
	}
	if n := len(p.idle); n > 0 {
		w := p.idle[0]
		p.idle = p.idle[1:]
		w.Acquire()
		return w, nil, nil
	}
	if len(p.workers) < p.size {
		w := NewWorker(p.factory(), p.idleTimeout, p.forget)
		p.workers[w] = struct{}{}
		w.Acquire()
		return w, nil, nil
	}
	if !wait {
		return nil, nil, nil
	}
	wt := &waiter{ch: make(chan *Worker, 1)}
	p.waiters = append(p.waiters, wt)
	return nil, wt, nil
}

// forget removes an idle-expired worker so capacity frees up.
func (p *Pool) forget(w *Worker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.workers, w)
	for i, idle := range p.idle {
		if idle == w {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			break
		}
	}
}
