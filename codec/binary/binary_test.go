package binary

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/wrpc/wrpc/codec"
	"github.com/wrpc/wrpc/message"
	"github.com/wrpc/wrpc/wire"
)

func TestEncodeDecodePacketCall(t *testing.T) {
	c := New()
	want := &message.Message{XID: 7, Type: wire.Call, Service: "sum", Method: "sum", Params: []byte("args")}

	var buf bytes.Buffer
	if err := c.EncodePacket(&buf, want); err != nil {
		t.Fatalf("EncodePacket: %v", err)
	}

	br := bufio.NewReader(&buf)
	br.Peek(br.Size())
	got, err := c.DecodePacket(br)
	if err != nil {
		t.Fatalf("DecodePacket: %v", err)
	}
	if got.XID != want.XID || got.Type != want.Type || got.Service != want.Service || got.Method != want.Method || string(got.Params) != string(want.Params) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestEncodeDecodePacketReply(t *testing.T) {
	c := New()
	want := &message.Message{XID: 9, Type: wire.Reply, Status: 0, Result: []byte("result")}

	var buf bytes.Buffer
	if err := c.EncodePacket(&buf, want); err != nil {
		t.Fatalf("EncodePacket: %v", err)
	}

	br := bufio.NewReader(&buf)
	br.Peek(br.Size())
	got, err := c.DecodePacket(br)
	if err != nil {
		t.Fatalf("DecodePacket: %v", err)
	}
	if got.Status != want.Status || string(got.Result) != string(want.Result) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestDecodePacketNotEnoughDataDoesNotConsume(t *testing.T) {
	c := New()
	m := &message.Message{XID: 1, Type: wire.Call, Service: "sum", Method: "sum", Params: []byte("x")}
	var full bytes.Buffer
	if err := c.EncodePacket(&full, m); err != nil {
		t.Fatal(err)
	}

	truncated := full.Bytes()[:len(full.Bytes())-2]
	br := bufio.NewReader(bytes.NewReader(truncated))
	br.Peek(br.Size())

	_, err := c.DecodePacket(br)
	if !codec.IsNotEnoughData(err) {
		t.Fatalf("expected ErrNotEnoughData, got %v", err)
	}
	if br.Buffered() != len(truncated) {
		t.Fatalf("DecodePacket must not consume on short read: buffered = %d, want %d", br.Buffered(), len(truncated))
	}
}

type sumArgs struct {
	A int64 `wrpc:"a,required"`
	B int64 `wrpc:"b,required"`
	C *int64 `wrpc:"c,optional"`
}

func TestEncodeDecodeComposite(t *testing.T) {
	c := New()
	want := sumArgs{A: 2, B: 3}

	var buf bytes.Buffer
	if err := c.Encode(&buf, want); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var got sumArgs
	if err := c.Decode(&buf, &got); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.A != want.A || got.B != want.B || got.C != nil {
		t.Fatalf("composite round trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestDecodeCompositeMissingRequired(t *testing.T) {
	c := New()

	type partial struct {
		A int64 `wrpc:"a,required"`
	}
	var buf bytes.Buffer
	if err := c.Encode(&buf, partial{A: 1}); err != nil {
		t.Fatal(err)
	}

	var got sumArgs
	err := c.Decode(&buf, &got)
	if err == nil {
		t.Fatal("expected missing-required error")
	}
}

func TestEncodeDecodeArray(t *testing.T) {
	c := New()
	want := []int64{1, 2, 3}

	var buf bytes.Buffer
	if err := c.Encode(&buf, want); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var got []int64
	if err := c.Decode(&buf, &got); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("len mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("element %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestArgTupleRoundTrip(t *testing.T) {
	c := New()
	var buf bytes.Buffer
	enc := c.NewArgEncoder(&buf)
	if err := enc.Begin(2); err != nil {
		t.Fatal(err)
	}
	if err := enc.Arg(int64(2)); err != nil {
		t.Fatal(err)
	}
	if err := enc.Arg(int64(3)); err != nil {
		t.Fatal(err)
	}
	if err := enc.End(); err != nil {
		t.Fatal(err)
	}

	dec := c.NewArgDecoder(&buf)
	var a, b int64
	if more, err := dec.More(); err != nil || !more {
		t.Fatalf("More() = %v, %v; want true, nil", more, err)
	}
	if err := dec.Arg(&a); err != nil {
		t.Fatal(err)
	}
	if more, err := dec.More(); err != nil || !more {
		t.Fatalf("More() = %v, %v; want true, nil", more, err)
	}
	if err := dec.Arg(&b); err != nil {
		t.Fatal(err)
	}
	if more, err := dec.More(); err != nil || more {
		t.Fatalf("More() = %v, %v; want false, nil", more, err)
	}
	if a != 2 || b != 3 {
		t.Fatalf("got a=%d b=%d, want a=2 b=3", a, b)
	}
}

func TestArgDecoderTypeMismatchReturnsError(t *testing.T) {
	c := New()
	var buf bytes.Buffer
	enc := c.NewArgEncoder(&buf)
	enc.Begin(1)
	if err := enc.Arg("abc"); err != nil {
		t.Fatal(err)
	}
	if err := enc.End(); err != nil {
		t.Fatal(err)
	}

	dec := c.NewArgDecoder(&buf)
	if _, err := dec.More(); err != nil {
		t.Fatal(err)
	}
	var n int32
	if err := dec.Arg(&n); err == nil {
		t.Fatal("expected an error decoding a string-tagged argument into an int32, got nil")
	}
}
