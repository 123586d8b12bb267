package executor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wrpc/wrpc/codec"
	"github.com/wrpc/wrpc/message"
)

type countingDispatcher struct {
	calls int32
}

func (d *countingDispatcher) Call(q *message.Query) bool {
	atomic.AddInt32(&d.calls, 1)
	if !q.Completed() {
		q.Complete(uint32(codec.Success), nil)
	}
	return true
}

func newQuery(qid uint32) *message.Query {
	return message.NewQuery(message.Transport{}, qid, "sum", "sum", 0, nil)
}

func TestSimpleQueueRPCCallsDispatcherOnCallerGoroutine(t *testing.T) {
	d := &countingDispatcher{}
	s := NewSimple(d)

	q := newQuery(1)
	if !s.QueueRPC(q) {
		t.Fatal("QueueRPC returned false")
	}
	if atomic.LoadInt32(&d.calls) != 1 {
		t.Fatalf("dispatcher called %d times, want 1", d.calls)
	}
	if !q.Completed() {
		t.Fatal("query should be completed synchronously")
	}
	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

type blockingDispatcher struct {
	calls   int32
	block   chan struct{}
	started chan struct{}
}

func (d *blockingDispatcher) Call(q *message.Query) bool {
	atomic.AddInt32(&d.calls, 1)
	if q.QID == 1 {
		close(d.started)
		<-d.block
	}
	if !q.Completed() {
		q.Complete(uint32(codec.Success), nil)
	}
	return true
}

func TestPoolQueueRPCBackPressureWhenSaturated(t *testing.T) {
	d := &blockingDispatcher{block: make(chan struct{}), started: make(chan struct{})}
	p := NewPool(d, PoolOptions{WorkerCount: 1, MaxConcurrentQueries: 1, QueueDepth: 1})
	defer func() {
		close(d.block)
		p.Shutdown(context.Background())
	}()

	q1 := newQuery(1)
	if !p.QueueRPC(q1) {
		t.Fatal("first QueueRPC should succeed")
	}
	<-d.started

	q2 := newQuery(2)
	if p.QueueRPC(q2) {
		t.Fatal("second QueueRPC should report back-pressure while the sole slot is held")
	}
}

func waitCompleted(t *testing.T, q *message.Query, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if q.Completed() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("query %d did not complete within %s", q.QID, timeout)
}

func TestPoolShutdownDrainsBufferedQueriesWithSystemError(t *testing.T) {
	d := &blockingDispatcher{block: make(chan struct{}), started: make(chan struct{})}
	p := NewPool(d, PoolOptions{WorkerCount: 1, MaxConcurrentQueries: 3, QueueDepth: 3})

	q1 := newQuery(1)
	if !p.QueueRPC(q1) {
		t.Fatal("QueueRPC(q1) should succeed")
	}
	<-d.started // worker is now blocked inside dispatcher.Call(q1)

	q2 := newQuery(2)
	q3 := newQuery(3)
	if !p.QueueRPC(q2) || !p.QueueRPC(q3) {
		t.Fatal("buffered QueueRPC calls should succeed while a slot remains and the queue has room")
	}

	shutdownDone := make(chan error, 1)
	go func() { shutdownDone <- p.Shutdown(context.Background()) }()

	waitCompleted(t, q2, time.Second)
	waitCompleted(t, q3, time.Second)
	if q2.Status != uint32(codec.SystemError) || q3.Status != uint32(codec.SystemError) {
		t.Fatalf("drained queries should complete SYSTEM_ERROR: q2=%d q3=%d", q2.Status, q3.Status)
	}

	close(d.block) // let the blocked worker finish q1
	select {
	case err := <-shutdownDone:
		if err != nil {
			t.Fatalf("Shutdown: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Shutdown did not return after the blocked worker was released")
	}

	if !q1.Completed() {
		t.Fatal("q1 should have been completed by the dispatcher")
	}
}

// TestQueueRPCNeverPanicsConcurrentWithShutdown hammers QueueRPC from many
// goroutines while Shutdown runs concurrently, regression-testing the
// "draining check and channel send happen under the same lock Shutdown
// uses to close the channel" fix: before it, a QueueRPC observing
// draining == false just before Shutdown ran could send on a channel
// Shutdown had since closed and panic.
func TestQueueRPCNeverPanicsConcurrentWithShutdown(t *testing.T) {
	d := &countingDispatcher{}
	p := NewPool(d, PoolOptions{WorkerCount: 4, MaxConcurrentQueries: 8, QueueDepth: 8})

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for n := 0; ; n++ {
				select {
				case <-stop:
					return
				default:
				}
				func() {
					defer func() {
						if r := recover(); r != nil {
							t.Errorf("QueueRPC panicked: %v", r)
						}
					}()
					p.QueueRPC(newQuery(uint32(id*100000 + n)))
				}()
			}
		}(i)
	}

	time.Sleep(5 * time.Millisecond)
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	close(stop)
	wg.Wait()
}

func TestPoolShutdownRespectsContextDeadline(t *testing.T) {
	d := &blockingDispatcher{block: make(chan struct{}), started: make(chan struct{})}
	p := NewPool(d, PoolOptions{WorkerCount: 1, MaxConcurrentQueries: 1, QueueDepth: 1})
	defer close(d.block)

	q1 := newQuery(1)
	p.QueueRPC(q1)
	<-d.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := p.Shutdown(ctx); err == nil {
		t.Fatal("expected Shutdown to report the context deadline while a worker is stuck")
	}
}
