package message

import (
	"sync"
	"testing"

	"github.com/wrpc/wrpc/wire"
)

func TestQueryCompleteInvokesCallbackOnce(t *testing.T) {
	q := NewQuery(Transport{Protocol: TCP}, 1, "sum", "sum", 1, nil)

	var calls int
	var mu sync.Mutex
	q.OnComplete(func(done *Query) {
		mu.Lock()
		calls++
		mu.Unlock()
		if done.Status != 0 {
			t.Errorf("status = %d, want 0", done.Status)
		}
	})

	q.Complete(0, []byte("ok"))

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("callback invoked %d times, want 1", calls)
	}
	if !q.Completed() {
		t.Fatal("Completed() = false after Complete")
	}
}

func TestQueryCompleteTwicePanics(t *testing.T) {
	q := NewQuery(Transport{Protocol: HTTP}, 1, "sum", "sum", 2, nil)
	q.Complete(0, nil)

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic on second Complete")
		}
	}()
	q.Complete(0, nil)
}

func TestQuerySetDecoderIdempotent(t *testing.T) {
	q := NewQuery(Transport{Protocol: TCP}, 1, "sum", "sum", 1, nil)

	first := &fakeDecoder{}
	second := &fakeDecoder{}
	q.SetDecoder(first)
	q.SetDecoder(second)

	if q.Decoder != first {
		t.Fatal("SetDecoder should keep the first installed decoder")
	}
}

type fakeDecoder struct{}

func (fakeDecoder) More() (bool, error)        { return false, nil }
func (fakeDecoder) Arg(v interface{}) error    { return nil }

func TestProtocolString(t *testing.T) {
	cases := []struct {
		p    Protocol
		want string
	}{
		{TCP, "TCP"},
		{HTTP, "HTTP"},
	}
	for _, c := range cases {
		if got := c.p.String(); got != c.want {
			t.Errorf("Protocol(%d).String() = %q, want %q", c.p, got, c.want)
		}
	}
}

func TestMessageTypeRoundTrip(t *testing.T) {
	m := &Message{XID: 42, Type: wire.Call, Service: "sum", Method: "sum"}
	if m.Type.String() != "CALL" {
		t.Fatalf("Type.String() = %q, want CALL", m.Type.String())
	}
}
