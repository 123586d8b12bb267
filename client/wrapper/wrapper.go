// Package wrapper implements the service wrapper (client stub): a typed
// per-service call table layered over an abstract client.Conn. Uses a
// generics-based typed callback rather than decoding into interface{}
// and letting the caller type-assert.
package wrapper

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/wrpc/wrpc/client"
	"github.com/wrpc/wrpc/codec"
)

// Result is delivered to a typed callback exactly once: either a decoded
// value of type T on success, or a failure with a human-readable hint.
type Result[T any] struct {
	OK    bool
	Value T
	Hint  string
}

// Callback receives the outcome of one typed call.
type Callback[T any] func(Result[T])

// callID is the wrapper's locally-typed handle for one outstanding call.
// It maps one-to-one with the underlying connection's XID but is kept
// distinct so callers never need to know about XIDs directly.
type callID uint32

// entry is type-erased so Wrapper can keep one table across every T its
// callers instantiate Call/AsyncCall with.
type entry struct {
	xid    uint32
	decode func(status codec.ReplyStatus, raw []byte)
}

// Wrapper owns one client connection (sharing a connection across multiple
// wrappers is fine — each wrapper keeps its own independent call table) and
// dispatches typed results decoded with the connection's codec.
type Wrapper struct {
	conn *client.Conn
	cdc  codec.Codec

	mu      sync.Mutex
	calls   map[callID]entry
	nextID  callID
}

// New builds a service wrapper over conn, which must already be connected
// (a *tcpclient.Conn or *httpclient.Conn satisfies this via its embedded
// *client.Conn).
func New(conn *client.Conn) *Wrapper {
	return &Wrapper{
		conn:  conn,
		cdc:   conn.Codec(),
		calls: make(map[callID]entry),
	}
}

// AsyncCall registers cb under a fresh call_id, wraps it as an internal
// HandleCallResult, and issues AsyncQuery on the underlying connection.
func AsyncCall[T any](ctx context.Context, w *Wrapper, service, method string, params []byte, timeout time.Duration, cb Callback[T]) uint32 {
	w.mu.Lock()
	w.nextID++
	id := w.nextID
	w.mu.Unlock()

	decode := func(status codec.ReplyStatus, raw []byte) {
		w.mu.Lock()
		delete(w.calls, id)
		w.mu.Unlock()
		cb(decodeResult[T](w.cdc, status, raw))
	}

	w.mu.Lock()
	// xid is filled in immediately below by AsyncQuery's return value; the
	// entry exists from registration so CancelCall can find it even if the
	// reply races in before AsyncQuery returns.
	w.calls[id] = entry{decode: decode}
	w.mu.Unlock()

	xid := w.conn.AsyncQuery(ctx, service, method, params, timeout, func(status codec.ReplyStatus, raw []byte) {
		decode(status, raw)
	})

	w.mu.Lock()
	if e, ok := w.calls[id]; ok {
		e.xid = xid
		w.calls[id] = e
	}
	w.mu.Unlock()

	return uint32(id)
}

// decodeResult implements a three-way outcome: SUCCESS with a
// decodable body delivers {true, value}; non-SUCCESS with a body attempts
// to decode it as a string hint; anything that fails to decode delivers
// the fixed "wrong type" hint; non-SUCCESS with an empty body delivers the
// status name.
func decodeResult[T any](cdc codec.Codec, status codec.ReplyStatus, raw []byte) Result[T] {
	if status == codec.Success {
		var v T
		if err := decodeValue(cdc, raw, &v); err != nil {
			return Result[T]{OK: false, Hint: "Error decoding data, the server returned a wrong type"}
		}
		return Result[T]{OK: true, Value: v}
	}

	if len(raw) > 0 {
		var hint string
		if err := decodeValue(cdc, raw, &hint); err != nil {
			return Result[T]{OK: false, Hint: "Error decoding data, the server returned a wrong type"}
		}
		return Result[T]{OK: false, Hint: hint}
	}
	return Result[T]{OK: false, Hint: status.String()}
}

func decodeValue(cdc codec.Codec, raw []byte, v interface{}) error {
	if len(raw) == 0 {
		return fmt.Errorf("wrpc/wrapper: empty result body")
	}
	return cdc.Decode(bytes.NewReader(raw), v)
}

// Call is the synchronous convenience wrapper: AsyncCall plus a blocking
// wait for the callback to fire.
func Call[T any](ctx context.Context, w *Wrapper, service, method string, params []byte, timeout time.Duration) Result[T] {
	done := make(chan Result[T], 1)
	AsyncCall[T](ctx, w, service, method, params, timeout, func(r Result[T]) {
		done <- r
	})
	return <-done
}

// CancelCall pops the typed entry under the wrapper's mutex, then calls
// CancelQuery on the connection OUTSIDE the mutex: CancelQuery may wait on
// the connection's own internals, which could otherwise re-enter this
// wrapper's mutex while delivering a racing result.
func (w *Wrapper) CancelCall(id uint32) {
	w.mu.Lock()
	e, ok := w.calls[callID(id)]
	delete(w.calls, callID(id))
	w.mu.Unlock()

	if ok {
		w.conn.CancelQuery(e.xid)
	}
}

// CancelAllCalls copies and clears the local table under the mutex, then
// cancels every entry's underlying query outside the mutex.
func (w *Wrapper) CancelAllCalls() {
	w.mu.Lock()
	swapped := w.calls
	w.calls = make(map[callID]entry)
	w.mu.Unlock()

	for _, e := range swapped {
		w.conn.CancelQuery(e.xid)
	}
}
