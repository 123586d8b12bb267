package client

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/wrpc/wrpc/codec"
)

type fakeSender struct {
	mu        sync.Mutex
	sent      []uint32
	failXID   uint32
	cancelled []uint32
}

func (s *fakeSender) Send(ctx context.Context, xid uint32, service, method string, params []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, xid)
	if xid == s.failXID {
		return errSendFailed
	}
	return nil
}

func (s *fakeSender) Cancel(xid uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = append(s.cancelled, xid)
}

var errSendFailed = &sendError{}

type sendError struct{}

func (*sendError) Error() string { return "send failed" }

func TestAsyncQueryCompletesOnResponse(t *testing.T) {
	sender := &fakeSender{}
	c := New(nil, sender)

	var gotStatus codec.ReplyStatus
	var gotResult []byte
	done := make(chan struct{})
	xid := c.AsyncQuery(context.Background(), "sum", "sum", nil, time.Second, func(status codec.ReplyStatus, result []byte) {
		gotStatus, gotResult = status, result
		close(done)
	})

	c.HandleResponse(xid, codec.Success, []byte("5"))
	<-done

	if gotStatus != codec.Success || string(gotResult) != "5" {
		t.Fatalf("got status=%v result=%q", gotStatus, gotResult)
	}
}

func TestSendFailureCompletesLocallyWithConnError(t *testing.T) {
	sender := &fakeSender{failXID: 1}
	c := New(nil, sender)

	var gotStatus codec.ReplyStatus
	done := make(chan struct{})
	c.AsyncQuery(context.Background(), "sum", "sum", nil, time.Second, func(status codec.ReplyStatus, result []byte) {
		gotStatus = status
		close(done)
	})
	<-done

	if gotStatus != codec.ConnError {
		t.Fatalf("status = %v, want ConnError", gotStatus)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close after sweep: %v", err)
	}
}

func TestTimeoutAndLateReplyRaceOnlyOneWins(t *testing.T) {
	sender := &fakeSender{}
	c := New(nil, sender)

	var calls int32
	done := make(chan struct{})
	xid := c.AsyncQuery(context.Background(), "sum", "sum", nil, 10*time.Millisecond, func(status codec.ReplyStatus, result []byte) {
		if atomic.AddInt32(&calls, 1) == 1 {
			close(done)
		}
	})

	<-done
	time.Sleep(5 * time.Millisecond)
	c.HandleResponse(xid, codec.Success, []byte("late"))

	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("callback invoked %d times, want exactly 1", n)
	}
}

func TestCompleteAllQueriesSweepsEveryPendingCall(t *testing.T) {
	sender := &fakeSender{}
	c := New(nil, sender)

	const n = 5
	var wg sync.WaitGroup
	wg.Add(n)
	var sweepStatus [n]codec.ReplyStatus
	for i := 0; i < n; i++ {
		i := i
		c.AsyncQuery(context.Background(), "sum", "sum", nil, time.Minute, func(status codec.ReplyStatus, result []byte) {
			sweepStatus[i] = status
			wg.Done()
		})
	}

	c.NotifyConnectionClosed()
	wg.Wait()

	var want [n]codec.ReplyStatus
	for i := range want {
		want[i] = codec.ConnClosed
	}
	if diff := cmp.Diff(want, sweepStatus); diff != "" {
		t.Fatalf("sweep statuses mismatch (-want +got):\n%s", diff)
	}
	require.NoError(t, c.Close(), "Close after sweep")
}

func TestCancelQueryDiscardsWithoutInvokingCallback(t *testing.T) {
	sender := &fakeSender{}
	c := New(nil, sender)

	invoked := false
	xid := c.AsyncQuery(context.Background(), "sum", "sum", nil, time.Minute, func(status codec.ReplyStatus, result []byte) {
		invoked = true
	})

	c.CancelQuery(xid)
	c.HandleResponse(xid, codec.Success, []byte("too late"))

	if invoked {
		t.Fatal("callback must not be invoked after CancelQuery")
	}
	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.cancelled) != 1 || sender.cancelled[0] != xid {
		t.Fatalf("sender.Cancel not called with expected xid: %v", sender.cancelled)
	}
}

func TestCloseFailsWithPendingCalls(t *testing.T) {
	sender := &fakeSender{}
	c := New(nil, sender)
	c.AsyncQuery(context.Background(), "sum", "sum", nil, time.Minute, func(codec.ReplyStatus, []byte) {})

	require.Error(t, c.Close(), "expected Close to fail with a call still in the transaction table")
}
