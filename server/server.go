// Package server implements the server-side services manager and invoker
// contract: routing an incoming Query to the named service, positional
// argument decoding against the codec's array-walk operations, and the
// GARBAGE_ARGS/PROC_UNAVAILABLE/SERVICE_UNAVAILABLE error taxonomy that
// keeps per-call failures from ever propagating as Go errors across the
// dispatch boundary. Routes by named service rather than a single
// process-wide handler function.
package server

import (
	"bytes"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/juju/errors"

	"github.com/wrpc/wrpc/codec"
	"github.com/wrpc/wrpc/internal/metrics"
	"github.com/wrpc/wrpc/message"
)

// Invoker is one registered service: a string identity pair (name used for
// routing, class name naming the schema) plus a Call method that consumes
// a Query whose Service field already matches Name().
type Invoker interface {
	// Name is the routing identity a Query.Service must equal.
	Name() string
	// ClassName is the schema/type identity, distinct from the possibly
	// multiple routing names an instance of it can be registered under.
	ClassName() string
	// Call dispatches query to the appropriate typed method. It returns
	// false only on an internal framework failure; parameter or method
	// errors are reported via query.Complete and return true.
	Call(query *message.Query) bool
}

// Manager keeps the name -> Invoker routing table. RegisterService rejects
// duplicate names; Call looks up by Query.Service, completing
// SERVICE_UNAVAILABLE itself when no invoker is registered under that
// name.
type Manager struct {
	mu       sync.RWMutex
	invokers map[string]Invoker
	metrics  *metrics.Registry
}

// ManagerOption configures NewManager.
type ManagerOption func(*Manager)

// WithMetrics attaches a metrics registry: every Call observes its
// completion's latency and reply status against reg. Without it, Call
// carries no observation overhead at all.
func WithMetrics(reg *metrics.Registry) ManagerOption {
	return func(m *Manager) { m.metrics = reg }
}

// NewManager returns an empty services manager.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{invokers: make(map[string]Invoker)}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterService adds inv under its own Name(). It is an error to
// register two invokers under the same name; callers that want to replace
// a service must UnregisterService it first.
func (m *Manager) RegisterService(inv Invoker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.invokers[inv.Name()]; exists {
		return errors.AlreadyExistsf("wrpc/server: service %q", inv.Name())
	}
	m.invokers[inv.Name()] = inv
	return nil
}

// UnregisterService removes the invoker registered under name, if any.
func (m *Manager) UnregisterService(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.invokers, name)
}

// Lookup returns the invoker registered under name, for callers (e.g. the
// HTTP processor's optional debug forms) that need to introspect a
// service without going through Call.
func (m *Manager) Lookup(name string) (Invoker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inv, ok := m.invokers[name]
	return inv, ok
}

// Services returns the sorted list of registered service names. Used by
// callers (e.g. the HTTP processor's optional debug forms) that need to
// enumerate the routing table without reaching into Manager's internals.
func (m *Manager) Services() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.invokers))
	for name := range m.invokers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Call routes query to its named invoker. If no invoker is registered
// under query.Service, the query is completed with SERVICE_UNAVAILABLE and
// Call still returns true: an unknown service name is a client-observable
// outcome, not a framework failure.
func (m *Manager) Call(query *message.Query) bool {
	m.mu.RLock()
	inv, ok := m.invokers[query.Service]
	m.mu.RUnlock()

	if m.metrics != nil {
		start := time.Now()
		service, method := query.Service, query.Method
		query.WrapComplete(func(q *message.Query) {
			m.metrics.ObserveCall(service, method, codec.ReplyStatus(q.Status).String(), start)
		})
	}

	if !ok {
		query.Complete(uint32(codec.ServiceUnavailable), nil)
		return true
	}
	return inv.Call(query)
}

// ArgWalker decodes a Query's positional parameters against an invoker's
// expected method signature, implementing the "assert has-more,
// decode into holder, advance; after the last parameter assert no-more"
// discipline so every invoker gets identical GARBAGE_ARGS behavior instead
// of reimplementing it per method.
type ArgWalker struct {
	query *message.Query
	dec   codec.ArgDecoder
	n     int
}

// NewArgWalker opens a positional decoder over query's parameter stream,
// lazily initializing query.Decoder exactly once via SetDecoder (idempotent
// per message.Query's own contract), so repeated calls from different
// invoker code paths share one cursor.
func NewArgWalker(cdc codec.Codec, query *message.Query) *ArgWalker {
	if query.Decoder == nil {
		dec := cdc.NewArgDecoder(bytes.NewReader(query.Params))
		query.SetDecoder(dec)
	}
	return &ArgWalker{query: query, dec: query.Decoder.(codec.ArgDecoder)}
}

// Next decodes the next expected parameter into v, a pointer to the
// invoker method's declared argument type. It fails with GARBAGE_ARGS
// semantics (via the returned error) if no more arguments remain.
func (w *ArgWalker) Next(v interface{}) error {
	more, err := w.dec.More()
	if err != nil {
		return fmt.Errorf("wrpc/server: arg %d: %w", w.n, err)
	}
	if !more {
		return fmt.Errorf("wrpc/server: expected argument %d, tuple exhausted", w.n)
	}
	if err := w.dec.Arg(v); err != nil {
		return fmt.Errorf("wrpc/server: decode argument %d: %w", w.n, err)
	}
	w.query.Holder = append(w.query.Holder, v)
	w.n++
	return nil
}

// Done asserts no further arguments remain; invokers call this after
// decoding the last expected parameter so a caller that sent too many
// arguments is rejected with GARBAGE_ARGS rather than silently ignored.
func (w *ArgWalker) Done() error {
	more, err := w.dec.More()
	if err != nil {
		return fmt.Errorf("wrpc/server: checking for extra arguments: %w", err)
	}
	if more {
		return fmt.Errorf("wrpc/server: too many arguments, expected %d", w.n)
	}
	return nil
}
