package httpserver

import (
	"bufio"
	"bytes"
	"context"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/wrpc/wrpc/codec"
	"github.com/wrpc/wrpc/codec/binary"
	"github.com/wrpc/wrpc/executor"
	"github.com/wrpc/wrpc/message"
	"github.com/wrpc/wrpc/wire"
)

func decodeReply(t *testing.T, cdc codec.Codec, raw []byte) *message.Message {
	t.Helper()
	br := bufio.NewReader(bytes.NewReader(raw))
	br.Peek(br.Size())
	m, err := cdc.DecodePacket(br)
	if err != nil {
		t.Fatalf("DecodePacket reply: %v", err)
	}
	return m
}

type sumDispatcher struct{}

func (sumDispatcher) Call(q *message.Query) bool {
	cdc := binary.New()
	dec := cdc.NewArgDecoder(bytes.NewReader(q.Params))
	var a, b int64
	dec.More()
	dec.Arg(&a)
	dec.More()
	dec.Arg(&b)

	var buf bytes.Buffer
	cdc.Encode(&buf, a+b)
	q.Complete(uint32(codec.Success), buf.Bytes())
	return true
}

func encodeSumArgs(t *testing.T, cdc codec.Codec, a, b int64) []byte {
	t.Helper()
	var buf bytes.Buffer
	enc := cdc.NewArgEncoder(&buf)
	enc.Begin(2)
	enc.Arg(a)
	enc.Arg(b)
	enc.End()
	return buf.Bytes()
}

func TestServeHTTPHappyPath(t *testing.T) {
	p := New(executor.NewSimple(sumDispatcher{}), Options{Prefix: "/rpc", Log: zerolog.Nop()})

	cdc := binary.New()
	params := encodeSumArgs(t, cdc, 2, 3)
	call := &message.Message{XID: 1, Type: wire.Call, Service: "sum", Method: "sum", Params: params}
	var body bytes.Buffer
	if err := cdc.EncodePacket(&body, call); err != nil {
		t.Fatalf("EncodePacket: %v", err)
	}

	req := httptest.NewRequest("POST", "/rpc/sum/sum", &body)
	req.Header.Set(wire.CodecHeader, "binary")
	rec := httptest.NewRecorder()

	p.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	got := decodeReply(t, cdc, rec.Body.Bytes())
	if got.Status != uint32(codec.Success) {
		t.Fatalf("status = %d, want Success", got.Status)
	}
	var sum int64
	if err := cdc.Decode(bytes.NewReader(got.Result), &sum); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if sum != 5 {
		t.Fatalf("sum = %d, want 5", sum)
	}
}

func TestServeHTTPUnknownCodecHeaderRejected(t *testing.T) {
	p := New(executor.NewSimple(sumDispatcher{}), Options{Prefix: "/rpc", Log: zerolog.Nop()})

	req := httptest.NewRequest("POST", "/rpc/sum/sum", bytes.NewReader(nil))
	req.Header.Set(wire.CodecHeader, "nonexistent")
	rec := httptest.NewRecorder()

	p.ServeHTTP(rec, req)
	if rec.Code != 400 {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestServeHTTPBackPressureReturnsSystemError(t *testing.T) {
	p := New(&alwaysSaturatedExecutor{}, Options{Prefix: "/rpc", Log: zerolog.Nop()})

	cdc := binary.New()
	params := encodeSumArgs(t, cdc, 2, 3)
	call := &message.Message{XID: 1, Type: wire.Call, Service: "sum", Method: "sum", Params: params}
	var body bytes.Buffer
	cdc.EncodePacket(&body, call)

	req := httptest.NewRequest("POST", "/rpc/sum/sum", &body)
	req.Header.Set(wire.CodecHeader, "binary")
	rec := httptest.NewRecorder()

	p.ServeHTTP(rec, req)

	got := decodeReply(t, cdc, rec.Body.Bytes())
	if got.Status != uint32(codec.SystemError) {
		t.Fatalf("status = %d, want SystemError", got.Status)
	}
}

type alwaysSaturatedExecutor struct{}

func (*alwaysSaturatedExecutor) QueueRPC(q *message.Query) bool        { return false }
func (*alwaysSaturatedExecutor) Shutdown(ctx context.Context) error { return nil }
