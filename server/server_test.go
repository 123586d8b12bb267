package server

import (
	"bytes"
	"testing"

	"github.com/wrpc/wrpc/codec"
	"github.com/wrpc/wrpc/codec/binary"
	"github.com/wrpc/wrpc/message"
)

type fakeInvoker struct {
	name    string
	called  bool
	callRet bool
}

func (f *fakeInvoker) Name() string      { return f.name }
func (f *fakeInvoker) ClassName() string { return "fake" }
func (f *fakeInvoker) Call(q *message.Query) bool {
	f.called = true
	q.Complete(uint32(codec.Success), []byte("ok"))
	return f.callRet
}

func TestManagerRoutesToRegisteredService(t *testing.T) {
	m := NewManager()
	inv := &fakeInvoker{name: "sum", callRet: true}
	if err := m.RegisterService(inv); err != nil {
		t.Fatalf("RegisterService: %v", err)
	}

	q := message.NewQuery(message.Transport{}, 1, "sum", "sum", uint8(codec.Binary), nil)
	if ok := m.Call(q); !ok {
		t.Fatal("Call returned false")
	}
	if !inv.called {
		t.Fatal("invoker was not dispatched to")
	}
	if q.Status != uint32(codec.Success) {
		t.Fatalf("status = %d, want Success", q.Status)
	}
}

func TestManagerUnknownServiceCompletesServiceUnavailable(t *testing.T) {
	m := NewManager()
	q := message.NewQuery(message.Transport{}, 1, "missing", "m", uint8(codec.Binary), nil)

	if ok := m.Call(q); !ok {
		t.Fatal("Call must return true even for an unknown service")
	}
	if q.Status != uint32(codec.ServiceUnavailable) {
		t.Fatalf("status = %d, want ServiceUnavailable", q.Status)
	}
}

func TestRegisterServiceRejectsDuplicateNames(t *testing.T) {
	m := NewManager()
	if err := m.RegisterService(&fakeInvoker{name: "sum"}); err != nil {
		t.Fatalf("first RegisterService: %v", err)
	}
	if err := m.RegisterService(&fakeInvoker{name: "sum"}); err == nil {
		t.Fatal("expected an error registering a duplicate service name")
	}
}

func TestUnregisterServiceThenLookupMisses(t *testing.T) {
	m := NewManager()
	m.RegisterService(&fakeInvoker{name: "sum"})
	m.UnregisterService("sum")

	if _, ok := m.Lookup("sum"); ok {
		t.Fatal("Lookup should miss after UnregisterService")
	}
}

func encodeArgTuple(t *testing.T, cdc codec.Codec, args ...interface{}) []byte {
	t.Helper()
	var buf bytes.Buffer
	enc := cdc.NewArgEncoder(&buf)
	if err := enc.Begin(len(args)); err != nil {
		t.Fatal(err)
	}
	for _, a := range args {
		if err := enc.Arg(a); err != nil {
			t.Fatal(err)
		}
	}
	if err := enc.End(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestArgWalkerDecodesExpectedArguments(t *testing.T) {
	cdc := binary.New()
	params := encodeArgTuple(t, cdc, int64(2), int64(3))
	q := message.NewQuery(message.Transport{}, 1, "sum", "sum", uint8(codec.Binary), params)

	w := NewArgWalker(cdc, q)
	var a, b int64
	if err := w.Next(&a); err != nil {
		t.Fatalf("Next(a): %v", err)
	}
	if err := w.Next(&b); err != nil {
		t.Fatalf("Next(b): %v", err)
	}
	if err := w.Done(); err != nil {
		t.Fatalf("Done: %v", err)
	}
	if a != 2 || b != 3 {
		t.Fatalf("got a=%d b=%d, want a=2 b=3", a, b)
	}
	if len(q.Holder) != 2 {
		t.Fatalf("Holder len = %d, want 2", len(q.Holder))
	}
}

func TestArgWalkerDoneFailsOnExtraArguments(t *testing.T) {
	cdc := binary.New()
	params := encodeArgTuple(t, cdc, int64(2), int64(3))
	q := message.NewQuery(message.Transport{}, 1, "sum", "sum", uint8(codec.Binary), params)

	w := NewArgWalker(cdc, q)
	var a int64
	if err := w.Next(&a); err != nil {
		t.Fatalf("Next(a): %v", err)
	}
	if err := w.Done(); err == nil {
		t.Fatal("expected Done to fail: one argument left undecoded")
	}
}

func TestArgWalkerNextFailsWhenTupleExhausted(t *testing.T) {
	cdc := binary.New()
	params := encodeArgTuple(t, cdc, int64(2))
	q := message.NewQuery(message.Transport{}, 1, "sum", "sum", uint8(codec.Binary), params)

	w := NewArgWalker(cdc, q)
	var a, b int64
	if err := w.Next(&a); err != nil {
		t.Fatalf("Next(a): %v", err)
	}
	if err := w.Next(&b); err == nil {
		t.Fatal("expected Next to fail: no second argument in the tuple")
	}
}
