// Package tcpclient implements the TCP concrete client connection: a
// handshake that negotiates the wire codec, a read-loop goroutine that
// decodes REPLY packets off a *bufio.Reader using the accumulate-and-retry
// pattern, and a Sender that serializes one CALL per Send. State machine
// follows WAITING_REQUEST -> WAITING_RESPONSE -> CONNECTED,
// with FAILURE reachable from any state.
package tcpclient

import (
	"bufio"
	"context"
	"net"
	"sync"

	"github.com/juju/errors"
	"github.com/rs/zerolog"

	"github.com/wrpc/wrpc/client"
	"github.com/wrpc/wrpc/codec"
	"github.com/wrpc/wrpc/message"
	"github.com/wrpc/wrpc/wire"
)

// state is the client connection's handshake/lifecycle state, mirrored
// using a small typed enum for connection phase.
type state uint8

const (
	waitingRequest state = iota
	waitingResponse
	connected
	failure
)

// Conn is a TCP transport wrapping *client.Conn. Dial performs the
// blocking handshake; once it returns a Conn is CONNECTED and its read
// loop is already running.
type Conn struct {
	*client.Conn

	nc  net.Conn
	br  *bufio.Reader
	log zerolog.Logger

	mu    sync.Mutex
	st    state
	codec codec.Codec

	wMu sync.Mutex // serializes Send against the single net.Conn writer

	closeOnce sync.Once
}

// Option configures Dial.
type Option func(*options)

type options struct {
	log         zerolog.Logger
	connOpts    []client.Option
	preferCodec codec.ID
}

// WithLogger attaches a logger to both the transport and the abstract
// connection it wraps.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithConnOptions forwards options to the embedded client.Conn (timeouts
// etc).
func WithConnOptions(opts ...client.Option) Option {
	return func(o *options) { o.connOpts = append(o.connOpts, opts...) }
}

// WithPreferredCodec selects which codec id this client offers first
// during the handshake. Defaults to BINARY.
func WithPreferredCodec(id codec.ID) Option {
	return func(o *options) { o.preferCodec = id }
}

// Dial connects to addr, performs the codec-negotiation handshake
// and starts the read loop. The returned Conn
// is ready for AsyncQuery/Query immediately.
func Dial(ctx context.Context, addr string, opts ...Option) (*Conn, error) {
	o := &options{log: zerolog.Nop(), preferCodec: codec.Binary}
	for _, opt := range opts {
		opt(o)
	}

	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Annotate(err, "wrpc/tcpclient: dial")
	}

	c := &Conn{
		nc:  nc,
		br:  bufio.NewReader(nc),
		log: o.log,
		st:  waitingRequest,
	}

	if err := c.handshake(o.preferCodec); err != nil {
		nc.Close()
		return nil, err
	}

	c.Conn = client.New(c.codec, c, o.connOpts...)

	go c.readLoop()

	return c, nil
}

// handshake writes {HandshakeLead, preferCodec} and reads back the peer's
// mirrored {HandshakeLead, codec id}, advancing waitingRequest -> waitingResponse ->
// connected. Negotiation here is purely "tell the server which codec I
// intend to use and get an ack", not a capability exchange (see DESIGN.md
// open question decision).
func (c *Conn) handshake(preferCodec codec.ID) error {
	c.mu.Lock()
	c.st = waitingResponse
	c.mu.Unlock()

	if _, err := c.nc.Write([]byte{wire.HandshakeLead, byte(preferCodec)}); err != nil {
		c.fail()
		return errors.Annotate(err, "wrpc/tcpclient: handshake write")
	}

	lead, err := c.br.ReadByte()
	if err != nil {
		c.fail()
		return errors.Annotate(err, "wrpc/tcpclient: handshake read")
	}
	if lead != wire.HandshakeLead {
		c.fail()
		return errors.Errorf("wrpc/tcpclient: unexpected handshake lead byte %#x", lead)
	}
	ack, err := c.br.ReadByte()
	if err != nil {
		c.fail()
		return errors.Annotate(err, "wrpc/tcpclient: handshake read")
	}
	resolved, err := codec.ByID(codec.ID(ack))
	if err != nil {
		c.fail()
		return errors.Annotate(err, "wrpc/tcpclient: handshake negotiated unknown codec")
	}

	c.mu.Lock()
	c.codec = resolved
	c.st = connected
	c.mu.Unlock()
	return nil
}

func (c *Conn) fail() {
	c.mu.Lock()
	c.st = failure
	c.mu.Unlock()
}

// readLoop decodes REPLY packets until the connection fails, handing each
// one to the embedded client.Conn's HandleResponse. fill grows br's
// buffer only as far as needed to satisfy the next DecodePacket call,
// mirroring the BINARY/JSON codecs' accumulate-and-retry contract.
func (c *Conn) readLoop() {
	defer c.closeOnce.Do(c.teardown)
	for {
		m, err := c.codec.DecodePacket(c.br)
		if err != nil {
			if codec.IsNotEnoughData(err) {
				if fillErr := c.fill(); fillErr != nil {
					return
				}
				continue
			}
			c.log.Warn().Err(err).Msg("tcpclient: decode packet failed, closing connection")
			return
		}
		if m.Type != wire.Reply {
			c.log.Warn().Str("type", m.Type.String()).Msg("tcpclient: unexpected message type from server")
			continue
		}
		c.Conn.HandleResponse(m.XID, codec.ReplyStatus(m.Status), m.Result)
	}
}

// fill blocks until at least one more byte is available in br, growing its
// internal buffer. Peek(n) for n one past what's currently buffered forces
// exactly one more underlying Read without handing any bytes to the caller
// to consume, which is the primitive DecodePacket's retry contract needs.
func (c *Conn) fill() error {
	_, err := c.br.Peek(c.br.Buffered() + 1)
	if err != nil && err != bufio.ErrBufferFull {
		return err
	}
	return nil
}

func (c *Conn) teardown() {
	c.fail()
	c.Conn.NotifyConnectionClosed()
}

var _ client.Sender = (*Conn)(nil)

// Send implements client.Sender: it writes one CALL packet, synchronously,
// on the connection's writer. Concurrent Sends are serialized by wMu since
// net.Conn.Write is not safe for overlapping calls.
func (c *Conn) Send(ctx context.Context, xid uint32, service, method string, params []byte) error {
	c.mu.Lock()
	st := c.st
	cdc := c.codec
	c.mu.Unlock()
	if st != connected {
		return errors.New("wrpc/tcpclient: send on non-connected connection")
	}

	m := &message.Message{XID: xid, Type: wire.Call, Service: service, Method: method, Params: params}

	c.wMu.Lock()
	defer c.wMu.Unlock()
	if err := cdc.EncodePacket(c.nc, m); err != nil {
		return errors.Annotate(err, "wrpc/tcpclient: encode packet")
	}
	return nil
}

// Cancel is a best-effort no-op: once a CALL's bytes may already be on the
// wire there is nothing further the client can retract. The transaction
// table entry is already gone by the time Cancel is reached (see
// client.Conn.CancelQuery).
func (c *Conn) Cancel(xid uint32) {}

// Close tears down the socket and fails every outstanding call with
// ConnClosed. Closing nc unblocks readLoop's pending read, which runs its
// own deferred teardown; closeOnce makes sure only one of the two actually
// runs it, since NotifyConnectionClosed is documented as exactly-once.
// nc.Close is safe to call even if readLoop already observed the error and
// exited on its own (net.Conn.Close tolerates a second call).
func (c *Conn) Close() error {
	closeErr := c.nc.Close()
	c.closeOnce.Do(c.teardown)
	return closeErr
}
