package main

import (
	"bytes"
	"fmt"

	"github.com/wrpc/wrpc/codec"
	"github.com/wrpc/wrpc/message"
	"github.com/wrpc/wrpc/server"
)

// sumService is the demo invoker wrpcd hosts: one method, "sum", taking
// two int64 arguments and returning their sum. It exists to exercise the
// full call path end to end, not as a real application service.
type sumService struct {
	cdc codec.Codec
}

func newSumService(cdc codec.Codec) *sumService { return &sumService{cdc: cdc} }

func (s *sumService) Name() string      { return "sum" }
func (s *sumService) ClassName() string { return "wrpc.demo.SumService" }

func (s *sumService) Call(query *message.Query) bool {
	switch query.Method {
	case "sum":
		return s.callSum(query)
	default:
		query.Complete(uint32(codec.ProcUnavailable), nil)
		return true
	}
}

func (s *sumService) callSum(query *message.Query) bool {
	walker := server.NewArgWalker(s.cdc, query)

	var a, b int64
	if err := walker.Next(&a); err != nil {
		query.Complete(uint32(codec.GarbageArgs), nil)
		return true
	}
	if err := walker.Next(&b); err != nil {
		query.Complete(uint32(codec.GarbageArgs), nil)
		return true
	}
	if err := walker.Done(); err != nil {
		query.Complete(uint32(codec.GarbageArgs), nil)
		return true
	}

	result, err := encodeResult(s.cdc, a+b)
	if err != nil {
		query.Complete(uint32(codec.SystemError), nil)
		return true
	}
	query.Complete(uint32(codec.Success), result)
	return true
}

func encodeResult(cdc codec.Codec, v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := cdc.Encode(&buf, v); err != nil {
		return nil, fmt.Errorf("wrpcd: encode result: %w", err)
	}
	return buf.Bytes(), nil
}
