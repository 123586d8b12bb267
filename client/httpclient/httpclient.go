// Package httpclient implements the HTTP concrete client connection: one
// POST per CALL, the codec named by the `codec` header, and an optional
// retry policy layered on top. FailsafeConn is the high-availability
// variant, spreading CALLs across multiple backend URLs. Grounded on
// go-ethereum's rpc httpConn (one POST per call, round trip reported back
// through the same callback path as the persistent transports) and
// golang.org/x/net/http2 for h2c support.
package httpclient

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/rs/zerolog"
	"golang.org/x/net/http2"

	"github.com/wrpc/wrpc/client"
	"github.com/wrpc/wrpc/codec"
	"github.com/wrpc/wrpc/message"
	"github.com/wrpc/wrpc/wire"
)

// RetryPolicy abstracts the high-availability retry variant: New wraps a
// base *Conn's Send with whatever retry/circuit-breaking behavior the
// caller wants, without this package needing to depend on a specific
// retry library. Call sites that want github.com/failsafe-go/failsafe-go
// supply an adapter satisfying this interface.
type RetryPolicy interface {
	// Do runs fn, applying retry/backoff/circuit-breaking. fn's error is
	// the underlying Send failure; Do should return a non-nil error only
	// once it has given up for good.
	Do(ctx context.Context, fn func() error) error
}

// passthroughPolicy is the zero-value RetryPolicy: no retries.
type passthroughPolicy struct{}

func (passthroughPolicy) Do(ctx context.Context, fn func() error) error { return fn() }

// Conn is an HTTP transport wrapping *client.Conn. Unlike tcpclient there
// is no persistent read loop: each Send dispatches its own goroutine to
// perform the round trip and deliver the reply through the same callback
// path a persistent transport's read loop would use, so AsyncQuery never
// blocks the caller for network I/O.
type Conn struct {
	*client.Conn

	url   string
	hc    *http.Client
	cdc   codec.Codec
	creds message.Credentials
	retry RetryPolicy
	log   zerolog.Logger

	cancelMu  sync.Mutex
	cancelled map[uint32]bool
}

// Option configures New.
type Option func(*options)

type options struct {
	codec    codec.Codec
	hc       *http.Client
	creds    message.Credentials
	retry    RetryPolicy
	log      zerolog.Logger
	h2c      bool
	connOpts []client.Option
}

// WithCodec selects the codec advertised in the `codec` request header.
// Defaults to JSON, the natural fit for a text-based HTTP body.
func WithCodec(c codec.Codec) Option { return func(o *options) { o.codec = c } }

// WithHTTPClient overrides the *http.Client used for each POST. Useful for
// custom transports, timeouts, or TLS config.
func WithHTTPClient(hc *http.Client) Option { return func(o *options) { o.hc = hc } }

// WithBasicAuth attaches pass-through credentials forwarded to the server
// as an HTTP Basic-Auth header.
func WithBasicAuth(user, password string) Option {
	return func(o *options) { o.creds = message.Credentials{User: user, Password: password} }
}

// WithRetryPolicy installs the high-availability variant's retry/circuit
// breaker. Without it, Conn makes one attempt with one failure path.
func WithRetryPolicy(p RetryPolicy) Option { return func(o *options) { o.retry = p } }

// WithH2C enables cleartext HTTP/2 via golang.org/x/net/http2, for a
// server that accepts h2c.
func WithH2C() Option { return func(o *options) { o.h2c = true } }

// WithLogger attaches a logger to the transport and to the wrapped
// client.Conn.
func WithLogger(l zerolog.Logger) Option { return func(o *options) { o.log = l } }

// WithConnOptions forwards options to the embedded client.Conn.
func WithConnOptions(opts ...client.Option) Option {
	return func(o *options) { o.connOpts = append(o.connOpts, opts...) }
}

// New builds an HTTP client connection targeting url (e.g.
// "http://host:port/rpc"). Unlike tcpclient.Dial this never blocks on the
// network: connectivity is only proven by the first Send.
func New(url string, opts ...Option) *Conn {
	o := &options{
		codec: mustJSON(),
		hc:    &http.Client{Timeout: 30 * time.Second},
		retry: passthroughPolicy{},
		log:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.h2c {
		o.hc.Transport = &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, network, addr)
			},
		}
	}

	c := &Conn{
		url:       url,
		hc:        o.hc,
		cdc:       o.codec,
		creds:     o.creds,
		retry:     o.retry,
		log:       o.log,
		cancelled: make(map[uint32]bool),
	}
	c.Conn = client.New(o.codec, c, o.connOpts...)
	return c
}

func mustJSON() codec.Codec {
	c, err := codec.ByName("json")
	if err != nil {
		panic(err)
	}
	return c
}

var _ client.Sender = (*Conn)(nil)

// Send encodes one CALL and hands the retry+round-trip+decode sequence to
// its own goroutine, returning immediately: the HTTP transport still
// delivers its completion through HandleResponse exactly like a persistent
// transport's read loop does, just off a one-shot goroutine instead of a
// long-lived one. This keeps AsyncQuery's contract of "Send dispatches,
// the callback fires later" true for HTTP the same way it already is for
// tcpclient.
func (c *Conn) Send(ctx context.Context, xid uint32, service, method string, params []byte) error {
	m := &message.Message{XID: xid, Type: wire.Call, Service: service, Method: method, Params: params}

	var buf bytes.Buffer
	if err := c.cdc.EncodePacket(&buf, m); err != nil {
		return errors.Annotate(err, "wrpc/httpclient: encode packet")
	}
	body := buf.Bytes()

	go func() {
		var reply *message.Message
		err := c.retry.Do(ctx, func() error {
			r, rerr := roundTrip(ctx, c.hc, c.cdc, c.creds, c.url, body)
			if rerr != nil {
				return rerr
			}
			reply = r
			return nil
		})
		if c.popCancelled(xid) {
			return
		}
		if err != nil {
			c.log.Warn().Err(err).Uint32("xid", xid).Msg("wrpc/httpclient: send failed")
			c.Conn.NotifySendFailed(xid, codec.ConnError)
			return
		}
		c.Conn.HandleResponse(xid, codec.ReplyStatus(reply.Status), reply.Result)
	}()
	return nil
}

// setCancelled flags xid so a reply that arrives after the caller has
// moved on is dropped instead of delivered, per the failsafe cancel-flag
// contract: HandleResponse is never invoked for an XID Cancel already
// touched.
func (c *Conn) setCancelled(xid uint32) {
	c.cancelMu.Lock()
	c.cancelled[xid] = true
	c.cancelMu.Unlock()
}

// popCancelled reports whether xid was cancelled and clears the flag, so
// the cancelled set never grows unbounded across the connection's
// lifetime.
func (c *Conn) popCancelled(xid uint32) bool {
	c.cancelMu.Lock()
	defer c.cancelMu.Unlock()
	cancelled := c.cancelled[xid]
	delete(c.cancelled, xid)
	return cancelled
}

// roundTrip POSTs body to url and decodes the REPLY message from the
// response, shared by Conn and FailsafeConn so neither has to duplicate
// the header/status/decode plumbing.
func roundTrip(ctx context.Context, hc *http.Client, cdc codec.Codec, creds message.Credentials, url string, body []byte) (*message.Message, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Annotate(err, "wrpc/httpclient: build request")
	}
	req.Header.Set(wire.CodecHeader, cdc.Name())
	req.Header.Set("Content-Type", "application/octet-stream")
	if creds.User != "" {
		req.SetBasicAuth(creds.User, creds.Password)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return nil, errors.Annotate(err, "wrpc/httpclient: round trip")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("wrpc/httpclient: unexpected HTTP status %s", resp.Status)
	}

	m, err := decodeOne(cdc, resp.Body)
	if err != nil {
		return nil, errors.Annotate(err, "wrpc/httpclient: decode response")
	}
	if m.Type != wire.Reply {
		return nil, fmt.Errorf("wrpc/httpclient: expected REPLY, got %s", m.Type)
	}
	return m, nil
}

// decodeOne grows br's buffer one read at a time until the codec's
// accumulate-and-retry DecodePacket reports either a full Message or a
// terminal error, the same pattern tcpclient's read loop uses against a
// persistent socket.
func decodeOne(c codec.Codec, body interface{ Read([]byte) (int, error) }) (*message.Message, error) {
	br := bufio.NewReader(body)
	for {
		m, err := c.DecodePacket(br)
		if err == nil {
			return m, nil
		}
		if !codec.IsNotEnoughData(err) {
			return nil, err
		}
		if _, perr := br.Peek(br.Buffered() + 1); perr != nil {
			if perr == bufio.ErrBufferFull {
				continue
			}
			return nil, fmt.Errorf("truncated response body: %w", perr)
		}
	}
}

// Cancel flags xid so Send's goroutine drops the reply instead of
// delivering it, if the round trip hasn't completed yet. The in-flight
// HTTP request itself is not aborted — only its eventual result is
// discarded — since a POST already on the wire cannot be un-sent.
func (c *Conn) Cancel(xid uint32) { c.setCancelled(xid) }

// Close releases the underlying *http.Client's idle connections and sweeps
// the transaction table, matching the connection-close contract even
// though HTTP has no persistent socket of its own to close.
func (c *Conn) Close() error {
	c.hc.CloseIdleConnections()
	c.Conn.NotifyConnectionClosed()
	return nil
}

var _ io.Closer = (*Conn)(nil)

// FailsafeConn is the failsafe HTTP variant: it load-balances round-robin
// across a fixed set of backend URLs and layers the same RetryPolicy used
// by Conn on top, so a backend that errors on one attempt doesn't
// necessarily get retried — the next attempt lands on whichever backend is
// next in rotation. Like Conn, a per-XID cancel flag is consulted before
// a reply is handed to HandleResponse, so a reply that outlives the
// caller's interest in it is dropped rather than delivered.
type FailsafeConn struct {
	*client.Conn

	mu       sync.Mutex
	backends []string
	next     int

	hc    *http.Client
	cdc   codec.Codec
	creds message.Credentials
	retry RetryPolicy
	log   zerolog.Logger

	cancelMu  sync.Mutex
	cancelled map[uint32]bool
}

// NewFailsafe builds a failsafe HTTP client connection spreading calls
// across backends. It panics if backends is empty: a failsafe variant with
// nothing to fail over to is a caller error, not a runtime condition.
func NewFailsafe(backends []string, opts ...Option) *FailsafeConn {
	if len(backends) == 0 {
		panic("wrpc/httpclient: NewFailsafe requires at least one backend")
	}
	o := &options{
		codec: mustJSON(),
		hc:    &http.Client{Timeout: 30 * time.Second},
		retry: passthroughPolicy{},
		log:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.h2c {
		o.hc.Transport = &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, network, addr)
			},
		}
	}

	c := &FailsafeConn{
		backends:  append([]string(nil), backends...),
		hc:        o.hc,
		cdc:       o.codec,
		creds:     o.creds,
		retry:     o.retry,
		log:       o.log,
		cancelled: make(map[uint32]bool),
	}
	c.Conn = client.New(o.codec, c, o.connOpts...)
	return c
}

var _ client.Sender = (*FailsafeConn)(nil)

// nextBackend returns the next backend in round-robin order.
func (c *FailsafeConn) nextBackend() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.backends[c.next%len(c.backends)]
	c.next++
	return b
}

// Send mirrors Conn.Send's async dispatch, but each retry attempt targets
// the next backend in rotation rather than a fixed URL.
func (c *FailsafeConn) Send(ctx context.Context, xid uint32, service, method string, params []byte) error {
	m := &message.Message{XID: xid, Type: wire.Call, Service: service, Method: method, Params: params}

	var buf bytes.Buffer
	if err := c.cdc.EncodePacket(&buf, m); err != nil {
		return errors.Annotate(err, "wrpc/httpclient: encode packet")
	}
	body := buf.Bytes()

	go func() {
		var reply *message.Message
		err := c.retry.Do(ctx, func() error {
			backend := c.nextBackend()
			r, rerr := roundTrip(ctx, c.hc, c.cdc, c.creds, backend, body)
			if rerr != nil {
				return rerr
			}
			reply = r
			return nil
		})
		if c.popCancelled(xid) {
			return
		}
		if err != nil {
			c.log.Warn().Err(err).Uint32("xid", xid).Msg("wrpc/httpclient: failsafe send failed across all backends")
			c.Conn.NotifySendFailed(xid, codec.ConnError)
			return
		}
		c.Conn.HandleResponse(xid, codec.ReplyStatus(reply.Status), reply.Result)
	}()
	return nil
}

func (c *FailsafeConn) setCancelled(xid uint32) {
	c.cancelMu.Lock()
	c.cancelled[xid] = true
	c.cancelMu.Unlock()
}

func (c *FailsafeConn) popCancelled(xid uint32) bool {
	c.cancelMu.Lock()
	defer c.cancelMu.Unlock()
	cancelled := c.cancelled[xid]
	delete(c.cancelled, xid)
	return cancelled
}

// Cancel flags xid the same way Conn.Cancel does.
func (c *FailsafeConn) Cancel(xid uint32) { c.setCancelled(xid) }

// Close releases idle connections on the shared *http.Client and sweeps
// the transaction table.
func (c *FailsafeConn) Close() error {
	c.hc.CloseIdleConnections()
	c.Conn.NotifyConnectionClosed()
	return nil
}

var _ io.Closer = (*FailsafeConn)(nil)
