// Package client implements the abstract client connection: the
// transaction table, XID counter, timeouter, and the send/cancel/complete
// policies shared by every concrete transport (TCP, HTTP, failsafe-HTTP).
// Uses a mutex-guarded pending map with register-before-send and
// remove-on-the-way-out, and resolves the timeout-vs-reply race at the
// pop step the way a request's single-winner completion should.
package client

import (
	"context"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/rs/zerolog"

	"github.com/wrpc/wrpc/codec"
)

// ResultCallback is invoked exactly once per call, with the final status
// and raw encoded result. It is never invoked while response_map's mutex
// is held (never invoke while locked, load-bearing
// because callbacks commonly re-enter the wrapper or the connection).
type ResultCallback func(status codec.ReplyStatus, result []byte)

// Sender is the concrete transport's half of the contract: take ownership
// of the Message described by the given fields, serialize it with the
// connection's codec, and push it onto the wire. On synchronous failure it
// returns a non-nil error, and Conn.AsyncQuery then completes the call
// with CONN_ERROR through NotifySendFailed.
type Sender interface {
	// Send transmits one CALL. xid is already allocated and registered in
	// the transaction table before Send is invoked, matching the convention
	// §4.2's "Send is issued WITHOUT the response-map mutex held".
	Send(ctx context.Context, xid uint32, service, method string, params []byte) error
	// Cancel is a best-effort hint: drop a not-yet-flushed CALL if
	// possible. If the CALL is already on the wire, do nothing — the
	// eventual reply is discarded as unknown-XID.
	Cancel(xid uint32)
}

// Timeouter schedules and cancels per-XID alarms. Each alarm is a
// time.AfterFunc timer whose callback runs on its own goroutine; the timer
// table is guarded by mu.
type Timeouter struct {
	mu      sync.Mutex
	timers  map[uint32]*time.Timer
	onFired func(xid uint32)
}

func newTimeouter(onFired func(xid uint32)) *Timeouter {
	return &Timeouter{timers: make(map[uint32]*time.Timer), onFired: onFired}
}

func (t *Timeouter) set(xid uint32, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.AfterFunc(d, func() { t.fire(xid) })
	t.mu.Lock()
	t.timers[xid] = timer
	t.mu.Unlock()
}

func (t *Timeouter) fire(xid uint32) {
	t.mu.Lock()
	_, ok := t.timers[xid]
	delete(t.timers, xid)
	t.mu.Unlock()
	if ok {
		t.onFired(xid)
	}
}

// cancel stops the alarm for xid, if any is still pending. It reports
// whether an alarm was found, matching the "only one of {timeout fire,
// reply delivery} wins the pop" invariant.
func (t *Timeouter) cancel(xid uint32) bool {
	t.mu.Lock()
	timer, ok := t.timers[xid]
	delete(t.timers, xid)
	t.mu.Unlock()
	if ok {
		timer.Stop()
	}
	return ok
}

// clearAll stops every pending alarm. Used by CompleteAllQueries on a
// connection-close sweep.
func (t *Timeouter) clearAll() {
	t.mu.Lock()
	timers := t.timers
	t.timers = make(map[uint32]*time.Timer)
	t.mu.Unlock()
	for _, timer := range timers {
		timer.Stop()
	}
}

// Conn is the abstract client connection: it owns the XID counter, the
// transaction table, and the timeouter, and exposes the policies
// (AsyncQuery/Query/Complete*/Cancel*) that every concrete transport
// shares. A concrete transport embeds *Conn and supplies a Sender.
type Conn struct {
	codec  codec.Codec
	sender Sender
	log    zerolog.Logger

	xidMu sync.Mutex
	nextXID uint32

	respMu sync.Mutex
	resp   map[uint32]ResultCallback

	timeouter *Timeouter

	defaultTimeout time.Duration
}

// Option configures a Conn at construction.
type Option func(*Conn)

// WithLogger attaches a logger used for per-call debug tracing (XID and
// reply status of each completed or swept call).
func WithLogger(l zerolog.Logger) Option { return func(c *Conn) { c.log = l } }

// WithDefaultTimeout sets the timeout used by Query/Call when the caller
// passes zero.
func WithDefaultTimeout(d time.Duration) Option {
	return func(c *Conn) { c.defaultTimeout = d }
}

// New constructs the abstract connection half of a concrete client
// transport. sender is supplied by the concrete transport (tcpclient,
// httpclient) once its own state is ready.
func New(c codec.Codec, sender Sender, opts ...Option) *Conn {
	conn := &Conn{
		codec:          c,
		sender:         sender,
		resp:           make(map[uint32]ResultCallback),
		nextXID:        1,
		defaultTimeout: 5000 * time.Millisecond,
		log:            zerolog.Nop(),
	}
	conn.timeouter = newTimeouter(conn.onTimeoutFired)
	for _, opt := range opts {
		opt(conn)
	}
	return conn
}

func (c *Conn) allocXID() uint32 {
	c.xidMu.Lock()
	defer c.xidMu.Unlock()
	xid := c.nextXID
	c.nextXID++
	return xid
}

// AsyncQuery allocates an XID, registers the callback under the
// transaction-table mutex, schedules the per-XID timeout, and then issues
// Send without the mutex held — Send may itself call NotifySendFailed,
// which needs the mutex, so holding it across Send would deadlock.
func (c *Conn) AsyncQuery(ctx context.Context, service, method string, params []byte, timeout time.Duration, cb ResultCallback) uint32 {
	xid := c.allocXID()
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}

	c.respMu.Lock()
	c.resp[xid] = cb
	c.respMu.Unlock()
	c.timeouter.set(xid, timeout)

	if err := c.sender.Send(ctx, xid, service, method, params); err != nil {
		c.NotifySendFailed(xid, codec.ConnError)
	}
	return xid
}

// Query is the synchronous convenience wrapper: AsyncQuery plus a
// one-shot channel the callback signals, exactly the auto-reset-event
// auto-reset-event pattern.
func (c *Conn) Query(ctx context.Context, service, method string, params []byte, timeout time.Duration) (codec.ReplyStatus, []byte) {
	done := make(chan struct{})
	var status codec.ReplyStatus
	var result []byte
	c.AsyncQuery(ctx, service, method, params, timeout, func(s codec.ReplyStatus, r []byte) {
		status, result = s, r
		close(done)
	})
	<-done
	return status, result
}

// CompleteQuery cancels xid's timeout, pops its callback under the
// transaction-table mutex, and invokes it outside the mutex so a
// re-entrant callback cannot deadlock on respMu.
func (c *Conn) CompleteQuery(xid uint32, status codec.ReplyStatus, result []byte) {
	c.timeouter.cancel(xid)

	c.respMu.Lock()
	cb, ok := c.resp[xid]
	delete(c.resp, xid)
	c.respMu.Unlock()

	if !ok {
		// Timeout and reply raced; the other path already won the pop.
		return
	}
	c.log.Debug().Uint32("xid", xid).Str("status", status.String()).Msg("query complete")
	cb(status, result)
}

// CompleteAllQueries cancels every timeout, atomically swaps the
// transaction table aside, and invokes every remaining callback with the
// given status and an empty result. This is the connection-close sweep:
// after it returns, response_map is empty, satisfying the destruction
// precondition for tearing down a connection.
func (c *Conn) CompleteAllQueries(status codec.ReplyStatus) {
	c.timeouter.clearAll()

	c.respMu.Lock()
	swapped := c.resp
	c.resp = make(map[uint32]ResultCallback)
	c.respMu.Unlock()

	for xid, cb := range swapped {
		c.log.Debug().Uint32("xid", xid).Str("status", status.String()).Msg("sweeping in-flight call")
		cb(status, nil)
	}
}

// CancelQuery cancels xid's timeout, pops its callback, and discards it
// WITHOUT invoking it — the defining difference from CompleteQuery.
func (c *Conn) CancelQuery(xid uint32) {
	c.timeouter.cancel(xid)

	c.respMu.Lock()
	_, ok := c.resp[xid]
	delete(c.resp, xid)
	c.respMu.Unlock()

	if ok {
		c.sender.Cancel(xid)
	}
}

// CancelAllQueries clears the transaction table and every pending timeout,
// discarding all callbacks without invoking them.
func (c *Conn) CancelAllQueries() {
	c.timeouter.clearAll()
	c.respMu.Lock()
	swapped := c.resp
	c.resp = make(map[uint32]ResultCallback)
	c.respMu.Unlock()
	for xid := range swapped {
		c.sender.Cancel(xid)
	}
}

// onTimeoutFired is the Timeouter's callback: it completes the query with
// QueryTimeout, the status assigned to a client-side alarm that
// wins the race against a late reply.
func (c *Conn) onTimeoutFired(xid uint32) {
	c.CompleteQuery(xid, codec.QueryTimeout, nil)
}

// NotifySendFailed completes a call locally when its CALL could not be
// delivered: AsyncQuery calls it when Send returns an error (e.g. the
// connection is already down), and asynchronous transports such as
// httpclient call it once their round trip has failed. The failure is
// reported only through the call's callback, never re-raised.
func (c *Conn) NotifySendFailed(xid uint32, status codec.ReplyStatus) {
	c.CompleteQuery(xid, status, nil)
}

// NotifyConnectionClosed must be called exactly once by the concrete
// transport on disconnect, before its own teardown finishes.
func (c *Conn) NotifyConnectionClosed() {
	c.CompleteAllQueries(codec.ConnClosed)
}

// HandleResponse is called by the concrete transport's read path once a
// REPLY Message has been decoded.
func (c *Conn) HandleResponse(xid uint32, status codec.ReplyStatus, result []byte) {
	c.CompleteQuery(xid, status, result)
}

// Codec exposes the connection's codec to concrete transports that need
// it to encode/decode Messages.
func (c *Conn) Codec() codec.Codec { return c.codec }

// Close asserts the transaction table is empty, the precondition required of a client connection's destructor. It is meant to run
// after the concrete transport has already called NotifyConnectionClosed.
func (c *Conn) Close() error {
	c.respMu.Lock()
	n := len(c.resp)
	c.respMu.Unlock()
	if n != 0 {
		return errors.Errorf("wrpc/client: Close with %d calls still in the transaction table", n)
	}
	return nil
}
