// Package tcpserver implements the TCP server connection: per-socket
// handshake, framed Message decode, Query construction with a
// monotonic per-connection qid, and the write-reply-closures-pending
// counter that drives auto-delete-on-close. Every connection dispatches
// to one shared services manager rather than a per-connection handler.
package tcpserver

import (
	"bufio"
	"context"
	"net"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/wrpc/wrpc/codec"
	"github.com/wrpc/wrpc/executor"
	"github.com/wrpc/wrpc/message"
	"github.com/wrpc/wrpc/wire"
)

type state uint8

const (
	waitingRequest state = iota
	waitingResponse
	connected
	failure
)

// Server accepts TCP connections on a listener, negotiates a codec per
// connection, and dispatches decoded CALLs to the given executor.
type Server struct {
	exec executor.Executor
	log  zerolog.Logger

	mu    sync.Mutex
	conns map[*conn]struct{}
}

// New returns a TCP server dispatching every accepted connection's CALLs
// to exec.
func New(exec executor.Executor, log zerolog.Logger) *Server {
	return &Server{exec: exec, log: log, conns: make(map[*conn]struct{})}
}

// Serve accepts connections from ln until ctx is canceled or Accept fails.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		c := s.newConn(nc)
		go c.serve(ctx)
	}
}

// conn is one accepted socket's state machine. Replies
// may arrive from any worker thread (here: any goroutine running a
// service method), so writes go through wMu and the pending-closures
// counter that gates auto-delete-on-close.
type conn struct {
	server *Server
	nc     net.Conn
	br     *bufio.Reader
	log    zerolog.Logger

	mu    sync.Mutex
	st    state
	codec codec.Codec

	wMu sync.Mutex

	nextQID uint32

	pending  int64 // write_reply_closures_pending
	closed   int32
}

func (s *Server) newConn(nc net.Conn) *conn {
	c := &conn{
		server: s,
		nc:     nc,
		br:     bufio.NewReader(nc),
		log:    s.log,
		st:     waitingRequest,
	}
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	return c
}

func (c *conn) serve(ctx context.Context) {
	defer c.teardown()

	if err := c.handshake(); err != nil {
		c.log.Warn().Err(err).Msg("tcpserver: handshake failed")
		return
	}

	for {
		m, err := c.codec.DecodePacket(c.br)
		if err != nil {
			if codec.IsNotEnoughData(err) {
				if ferr := c.fill(); ferr != nil {
					return
				}
				continue
			}
			c.log.Warn().Err(err).Msg("tcpserver: decode packet failed")
			return
		}
		if m.Type != wire.Call {
			c.log.Warn().Str("type", m.Type.String()).Msg("tcpserver: unexpected message type from client")
			continue
		}
		c.dispatch(m)
	}
}

// handshake reads the client's {lead, codec-id}, validates the lead byte,
// resolves the codec, and mirrors it back.
func (c *conn) handshake() error {
	lead, err := c.br.ReadByte()
	if err != nil {
		c.fail()
		return err
	}
	if lead != wire.HandshakeLead {
		c.fail()
		return errUnexpectedLead
	}

	c.mu.Lock()
	c.st = waitingResponse
	c.mu.Unlock()

	idByte, err := c.br.ReadByte()
	if err != nil {
		c.fail()
		return err
	}
	resolved, err := codec.ByID(codec.ID(idByte))
	if err != nil {
		c.fail()
		return err
	}

	if _, err := c.nc.Write([]byte{wire.HandshakeLead, idByte}); err != nil {
		c.fail()
		return err
	}

	c.mu.Lock()
	c.codec = resolved
	c.st = connected
	c.mu.Unlock()
	return nil
}

var errUnexpectedLead = &handshakeError{"unexpected handshake lead byte"}

type handshakeError struct{ msg string }

func (e *handshakeError) Error() string { return "wrpc/tcpserver: " + e.msg }

func (c *conn) fail() {
	c.mu.Lock()
	c.st = failure
	c.mu.Unlock()
}

func (c *conn) fill() error {
	_, err := c.br.Peek(c.br.Buffered() + 1)
	if err != nil && err != bufio.ErrBufferFull {
		return err
	}
	return nil
}

// dispatch builds a Query from m and hands it to the executor. The
// Query's completion callback encodes and writes the REPLY; the pending
// counter is incremented before QueueRPC so a reply racing in before the
// increment is observed cannot trigger a premature auto-delete.
func (c *conn) dispatch(m *message.Message) {
	qid := atomic.AddUint32(&c.nextQID, 1)

	transport := message.Transport{Protocol: message.TCP, Local: c.nc.LocalAddr().String(), Peer: c.nc.RemoteAddr().String()}
	query := message.NewQuery(transport, qid, m.Service, m.Method, uint8(c.codecID()), m.Params)
	query.OnComplete(c.onQueryComplete(m.XID))

	atomic.AddInt64(&c.pending, 1)
	if !c.server.exec.QueueRPC(query) {
		atomic.AddInt64(&c.pending, -1)
		c.log.Warn().Str("correlation_id", query.CorrelationID).Str("service", m.Service).Str("method", m.Method).Msg("tcpserver: executor saturated")
		c.writeReply(m.XID, uint32(codec.SystemError), nil)
	}
}

func (c *conn) codecID() codec.ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.codec.ID()
}

func (c *conn) onQueryComplete(xid uint32) func(q *message.Query) {
	return func(q *message.Query) {
		defer func() {
			if atomic.AddInt64(&c.pending, -1) == 0 && atomic.LoadInt32(&c.closed) == 1 {
				c.nc.Close()
			}
		}()
		c.writeReply(xid, q.Status, q.Result)
	}
}

// writeReply encodes and writes one REPLY. Called from whatever goroutine
// completed the Query (a pool worker, the simple executor's caller
// goroutine, or dispatch's own synthesized SYSTEM_ERROR path), serialized
// against other writers by wMu.
func (c *conn) writeReply(xid uint32, status uint32, result []byte) {
	c.mu.Lock()
	cdc := c.codec
	st := c.st
	c.mu.Unlock()
	if st == failure {
		return
	}

	m := &message.Message{XID: xid, Type: wire.Reply, Status: status, Result: result}

	c.wMu.Lock()
	defer c.wMu.Unlock()
	if err := cdc.EncodePacket(c.nc, m); err != nil {
		c.log.Warn().Err(err).Msg("tcpserver: encode reply failed")
		c.fail()
	}
}

func (c *conn) teardown() {
	atomic.StoreInt32(&c.closed, 1)
	c.fail()
	c.server.mu.Lock()
	delete(c.server.conns, c)
	c.server.mu.Unlock()
	if atomic.LoadInt64(&c.pending) == 0 {
		c.nc.Close()
	}
}
