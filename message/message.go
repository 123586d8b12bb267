// Package message holds the in-memory representation of one RPC packet
// (Message), one in-flight server-side call (Query), and the immutable
// Transport descriptor attached to a connection. A Message is owned by
// whichever layer created or received it; ownership transfers with each
// hand-off, the way a stateless transaction table does.
package message

import (
	"sync"

	"github.com/google/uuid"

	"github.com/wrpc/wrpc/wire"
)

// Protocol identifies the transport a connection is carried over.
type Protocol uint8

const (
	TCP Protocol = iota
	HTTP
)

func (p Protocol) String() string {
	if p == HTTP {
		return "HTTP"
	}
	return "TCP"
}

// Transport is an immutable record describing a connection: local/peer
// endpoints, protocol, and an optional pass-through credential. The core
// never inspects Credentials beyond carrying it — authorization, if any,
// is the application's concern.
type Transport struct {
	Protocol Protocol
	Local    string
	Peer     string
	User     string
	Password string
}

// Credentials bundles the pass-through username/password pair so it can be
// threaded from an HTTP Basic-Auth header into a Query without widening
// the Transport struct's call sites.
type Credentials struct {
	User     string
	Password string
}

// Message is one RPC packet: a 32-bit XID, a type tag, and a body whose
// shape depends on the tag. CALL carries service/method names and an
// encoded parameter stream; REPLY carries a status and an encoded result
// stream.
type Message struct {
	XID  uint32
	Type wire.MessageType

	// CALL body.
	Service string
	Method  string
	Params  []byte

	// REPLY body. Status uses the same numeric assignment as
	// codec.ReplyStatus; it is plain uint32 here so this package does not
	// need to import codec, which would be the wrong way round (codec
	// already depends on message for Message/Query).
	Status uint32
	Result []byte
}

// Query is a single in-execution server-side call. It is created by the
// server transport on receipt of a CALL, handed to the services manager,
// and consumed by exactly one service method, which must call Complete
// exactly once.
type Query struct {
	Transport Transport
	QID       uint32

	// CorrelationID identifies this call across log lines independently of
	// QID, which is only unique within one connection's lifetime.
	CorrelationID string

	Service string
	Method  string
	CodecID uint8

	// Params is the raw encoded parameter stream; Decoder is a persistent
	// cursor over it set up by the codec's ArgDecoder so the services
	// manager can walk arguments positionally without re-parsing from
	// scratch for each one.
	Params  []byte
	Decoder interface {
		More() (bool, error)
		Arg(v interface{}) error
	}
	decodeInit bool

	// Holder owns decoded argument objects for the lifetime of the call;
	// the service method's typed arguments are appended here so they
	// outlive the positional decode loop that produced them.
	Holder []interface{}

	Status uint32
	Result []byte

	Credentials Credentials

	mu         sync.Mutex
	completed  bool
	onComplete func(q *Query)
}

// NewQuery constructs a Query ready to be handed to the services manager.
func NewQuery(t Transport, qid uint32, service, method string, codecID uint8, params []byte) *Query {
	return &Query{
		Transport:     t,
		QID:           qid,
		CorrelationID: uuid.NewString(),
		Service:       service,
		Method:        method,
		CodecID:       codecID,
		Params:        params,
	}
}

// SetDecoder installs the positional argument cursor. Idempotent: only the
// first call takes effect; the decodeInit field is the Query's
// decoding-initialized flag.
func (q *Query) SetDecoder(d interface{ More() (bool, error); Arg(v interface{}) error }) {
	if q.decodeInit {
		return
	}
	q.Decoder = d
	q.decodeInit = true
}

// OnComplete registers the completion callback invoked by Complete. Set by
// the execution layer (the executor) before the Query is handed to a
// service.
func (q *Query) OnComplete(fn func(q *Query)) {
	q.mu.Lock()
	q.onComplete = fn
	q.mu.Unlock()
}

// WrapComplete chains fn to run immediately before whatever completion
// callback is already registered, without disturbing it. Used by
// instrumentation (e.g. a metrics registry) that needs to observe every
// call's completion without owning the transport-level callback that
// writes the actual reply.
func (q *Query) WrapComplete(fn func(q *Query)) {
	q.mu.Lock()
	prev := q.onComplete
	q.onComplete = func(q *Query) {
		fn(q)
		if prev != nil {
			prev(q)
		}
	}
	q.mu.Unlock()
}

// Complete finalizes the Query exactly once: it records the status and
// result, invokes the completion callback, and marks the Query done. A
// second call is a programming error in the invoking service and is
// reported rather than silently accepted, since the invariant is
// "Complete is called exactly once per Query".
func (q *Query) Complete(status uint32, result []byte) {
	q.mu.Lock()
	if q.completed {
		q.mu.Unlock()
		panic("wrpc/message: Query.Complete called more than once")
	}
	q.completed = true
	q.Status = status
	q.Result = result
	cb := q.onComplete
	q.mu.Unlock()

	if cb != nil {
		cb(q)
	}
}

// Completed reports whether Complete has already run.
func (q *Query) Completed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.completed
}
