package json

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
	want := &message.Message{XID: 3, Type: wire.Call, Service: "sum", Method: "sum", Params: []byte(`[1,2]`)}

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
	if got.XID != want.XID || got.Service != want.Service || got.Method != want.Method {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestDecodePacketNotEnoughDataDoesNotConsume(t *testing.T) {
	c := New()
	partial := []byte(`{"xid":1,"type":1,"service":"sum"`) // no trailing newline

	br := bufio.NewReader(bytes.NewReader(partial))
	br.Peek(br.Size())

	_, err := c.DecodePacket(br)
	if !codec.IsNotEnoughData(err) {
		t.Fatalf("expected ErrNotEnoughData, got %v", err)
	}
	if br.Buffered() != len(partial) {
		t.Fatalf("DecodePacket must not consume on short read: buffered = %d, want %d", br.Buffered(), len(partial))
	}
}

func TestEncodeDecodePacketTwoInOneBuffer(t *testing.T) {
	c := New()
	m1 := &message.Message{XID: 1, Type: wire.Call, Service: "a", Method: "m"}
	m2 := &message.Message{XID: 2, Type: wire.Call, Service: "b", Method: "m"}

	var buf bytes.Buffer
	c.EncodePacket(&buf, m1)
	c.EncodePacket(&buf, m2)

	br := bufio.NewReader(&buf)
	br.Peek(br.Size())

	got1, err := c.DecodePacket(br)
	if err != nil {
		t.Fatalf("decode first: %v", err)
	}
	if got1.XID != 1 || got1.Service != "a" {
		t.Fatalf("first message mismatch: %+v", got1)
	}

	got2, err := c.DecodePacket(br)
	if err != nil {
		t.Fatalf("decode second: %v", err)
	}
	if got2.XID != 2 || got2.Service != "b" {
		t.Fatalf("second message mismatch: %+v", got2)
	}
}

type sumArgs struct {
	A int64 `wrpc:"a,required"`
	B int64 `wrpc:"b,required"`
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
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestDecodeCompositeUnknownAttr(t *testing.T) {
	c := New()
	var buf bytes.Buffer
	buf.WriteString(`{"a":1,"b":2,"c":3}`)

	var got sumArgs
	err := c.Decode(&buf, &got)
	if err == nil {
		t.Fatal("expected unknown-attribute error")
	}
}

func TestIntKeyedMapRoundTrip(t *testing.T) {
	c := New()
	want := map[int]string{1: "one", 2: "two"}

	var buf bytes.Buffer
	if err := c.Encode(&buf, want); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var got map[int]string
	if err := c.Decode(&buf, &got); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(got) != len(want) || got[1] != "one" || got[2] != "two" {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestArgTupleRoundTrip(t *testing.T) {
	c := New()
	var buf bytes.Buffer
	enc := c.NewArgEncoder(&buf)
	if err := enc.Begin(2); err != nil {
		t.Fatal(err)
	}
	if err := enc.Arg(2); err != nil {
		t.Fatal(err)
	}
	if err := enc.Arg(3); err != nil {
		t.Fatal(err)
	}
	if err := enc.End(); err != nil {
		t.Fatal(err)
	}

	dec := c.NewArgDecoder(&buf)
	var a, b int
	if more, err := dec.More(); err != nil || !more {
		t.Fatalf("More() = %v, %v; want true, nil", more, err)
	}
	if err := dec.Arg(&a); err != nil {
		t.Fatal(err)
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
