// Package dispatch runs background processing units with bounded
// concurrency, detached from the requests that scheduled them.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/tjfontaine/webhook-gateway/internal/telemetry"
)

// DefaultWorkers is the concurrency used when none is configured.
const DefaultWorkers = 4

// DefaultBacklog is the number of units that may wait for a worker.
const DefaultBacklog = 1024

var (
	// ErrPoolStopped is returned by Submit after Shutdown.
	ErrPoolStopped = errors.New("worker pool is stopped")

	// ErrPoolFull is returned by Submit when the backlog is exhausted.
	ErrPoolFull = errors.New("worker pool backlog is full")
)

// Unit is one background processing unit.
type Unit func(ctx context.Context)

// Pool runs units with at most a fixed number in flight. Submit never blocks
// on capacity: surplus units wait for a slot in their own goroutine, up to
// the backlog, after which Submit fails with ErrPoolFull.
type Pool struct {
	sem     *semaphore.Weighted
	queue   *semaphore.Weighted
	workers int
	backlog int
	logger  *slog.Logger
	metrics *telemetry.Metrics

	// base is the context handed to units. It is detached from any request
	// and cancelled only by Shutdown after its deadline passes.
	base   context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the pool logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithBacklog sets how many units may wait for a worker. Zero means units
// are only accepted while a worker is free.
func WithBacklog(n int) Option {
	return func(p *Pool) {
		if n >= 0 {
			p.backlog = n
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(p *Pool) {
		p.metrics = m
	}
}

// NewPool creates a pool running at most workers units at once.
func NewPool(workers int, opts ...Option) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	base, cancel := context.WithCancel(context.Background())
	p := &Pool{
		sem:     semaphore.NewWeighted(int64(workers)),
		workers: workers,
		backlog: DefaultBacklog,
		logger:  slog.Default(),
		base:    base,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.queue = semaphore.NewWeighted(int64(workers + p.backlog))
	return p
}

// Workers returns the concurrency limit.
func (p *Pool) Workers() int {
	return p.workers
}

// Submit schedules unit and returns immediately.
func (p *Pool) Submit(unit Unit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrPoolStopped
	}
	if !p.queue.TryAcquire(1) {
		return ErrPoolFull
	}

	p.wg.Add(1)
	go p.run(unit)
	return nil
}

func (p *Pool) run(unit Unit) {
	defer p.wg.Done()
	defer p.queue.Release(1)

	if err := p.sem.Acquire(p.base, 1); err != nil {
		p.logger.Warn("background unit dropped", slog.String("error", err.Error()))
		return
	}
	defer p.sem.Release(1)

	p.metrics.PoolInFlight(1)
	defer p.metrics.PoolInFlight(-1)

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("background unit panicked",
				slog.String("panic", fmt.Sprint(r)),
				slog.String("stack", string(debug.Stack())))
		}
	}()

	unit(p.base)
}

// Shutdown stops accepting units and waits for in-flight ones. When ctx ends
// first, remaining units see their context cancelled and ctx's error is
// returned.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}
