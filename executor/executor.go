// Package executor implements the two async query executor variants: a
// Simple executor that calls the services manager synchronously on the
// caller's thread, and a Pool executor backed by a bounded worker pool
// built on golang.org/x/sync/errgroup and golang.org/x/sync/semaphore,
// the combination golang.org/x/tools' internal gopls command runners
// reach for when they need bounded fan-out with clean shutdown.
package executor

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/wrpc/wrpc/codec"
	"github.com/wrpc/wrpc/internal/metrics"
	"github.com/wrpc/wrpc/message"
)

// Dispatcher is anything that can route a Query to its target service —
// satisfied by *server.Manager, kept as an interface here so executor
// does not need to import server.
type Dispatcher interface {
	Call(query *message.Query) bool
}

// Executor accepts queries for asynchronous execution with back-pressure.
// QueueRPC returns false when the executor is saturated; the caller (a
// transport) SHOULD synthesize a SYSTEM_ERROR reply in that case rather
// than blocking.
type Executor interface {
	QueueRPC(query *message.Query) bool
	// Shutdown drains pending queries, completing each with SYSTEM_ERROR,
	// then waits for in-flight work to finish.
	Shutdown(ctx context.Context) error
}

// Simple calls the Dispatcher synchronously on the caller's goroutine —
// suitable when every registered service is non-blocking, since it adds no
// concurrency of its own.
type Simple struct {
	dispatcher Dispatcher
}

// NewSimple returns a Simple executor over dispatcher.
func NewSimple(dispatcher Dispatcher) *Simple {
	return &Simple{dispatcher: dispatcher}
}

// QueueRPC never reports saturation for Simple: there is no queue to
// saturate, only the caller's own stack. It returns the dispatcher's own
// result, so it is false only when the dispatcher reports an internal
// failure.
func (s *Simple) QueueRPC(query *message.Query) bool {
	return s.dispatcher.Call(query)
}

// Shutdown is a no-op for Simple: there is no background state to drain.
func (s *Simple) Shutdown(ctx context.Context) error { return nil }

// Pool owns N worker goroutines reading off a bounded channel, with
// in-flight concurrency additionally capped by a weighted semaphore so
// QueueRPC can report back-pressure the instant the cap is hit rather than
// only once the channel itself fills.
type Pool struct {
	dispatcher Dispatcher
	sem        *semaphore.Weighted
	queue      chan *message.Query
	maxQueries int64
	metrics    *metrics.Registry

	group    *errgroup.Group
	groupCtx context.Context
	cancel   context.CancelFunc

	mu       sync.Mutex
	draining bool
}

// PoolOptions configures NewPool. WorkerCount is the number of draining
// goroutines; MaxConcurrentQueries bounds in-flight Queries regardless of
// worker count, defaulting to 999 per the configuration table. Metrics is
// optional; when set, every query QueueRPC or Shutdown's drain rejects for
// back-pressure increments its ExecutorDropped counter.
type PoolOptions struct {
	WorkerCount          int
	MaxConcurrentQueries int64
	QueueDepth           int
	Metrics              *metrics.Registry
}

// NewPool starts a Pool executor's worker goroutines immediately; callers
// must eventually call Shutdown to stop them.
func NewPool(dispatcher Dispatcher, opts PoolOptions) *Pool {
	if opts.WorkerCount <= 0 {
		opts.WorkerCount = 1
	}
	if opts.MaxConcurrentQueries <= 0 {
		opts.MaxConcurrentQueries = 999
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = opts.WorkerCount * 4
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, groupCtx := errgroup.WithContext(ctx)

	p := &Pool{
		dispatcher: dispatcher,
		sem:        semaphore.NewWeighted(opts.MaxConcurrentQueries),
		queue:      make(chan *message.Query, opts.QueueDepth),
		maxQueries: opts.MaxConcurrentQueries,
		metrics:    opts.Metrics,
		group:      group,
		groupCtx:   groupCtx,
		cancel:     cancel,
	}

	for i := 0; i < opts.WorkerCount; i++ {
		group.Go(p.worker)
	}
	return p
}

// QueueRPC acquires one concurrency slot with TryAcquire (never blocks —
// QueueRPC is called from a transport's event-loop thread, which must
// never stall) then drops the Query onto the bounded channel. Either
// failing to acquire or finding the channel full reports saturation. The
// draining check and the channel send happen under the same lock Shutdown
// uses to flip draining and close the channel, so a QueueRPC can never
// observe draining == false and then send past a close that already ran.
func (p *Pool) QueueRPC(query *message.Query) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.draining {
		p.recordDropped()
		return false
	}

	if !p.sem.TryAcquire(1) {
		p.recordDropped()
		return false
	}
	select {
	case p.queue <- query:
		return true
	default:
		p.sem.Release(1)
		p.recordDropped()
		return false
	}
}

func (p *Pool) recordDropped() {
	if p.metrics != nil {
		p.metrics.ExecutorDropped.Inc()
	}
}

func (p *Pool) worker() error {
	for {
		select {
		case <-p.groupCtx.Done():
			return nil
		case query, ok := <-p.queue:
			if !ok {
				return nil
			}
			p.dispatcher.Call(query)
			p.sem.Release(1)
		}
	}
}

// Shutdown stops accepting new work, drains anything still buffered in the
// queue by completing it with SYSTEM_ERROR, then waits (bounded by ctx)
// for in-flight workers to finish their current Query.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.draining = true
	close(p.queue)
	p.mu.Unlock()
	for query := range p.queue {
		if !query.Completed() {
			query.Complete(uint32(codec.SystemError), nil)
			p.recordDropped()
		}
		p.sem.Release(1)
	}

	done := make(chan error, 1)
	go func() { done <- p.group.Wait() }()

	select {
	case err := <-done:
		p.cancel()
		return err
	case <-ctx.Done():
		p.cancel()
		return ctx.Err()
	}
}
