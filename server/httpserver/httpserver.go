// Package httpserver implements the HTTP processor: a stateless-per-request
// net/http handler that reads the `codec` header, extracts the service
// (and optional method) from the URL path, decodes the body into a CALL
// Message, and tracks in-flight requests by a synthesized qid until the
// executor completes them. The processor is a plain http.Handler and sets
// up no h2c (cleartext HTTP/2) of its own; it serves whatever protocol the
// enclosing net/http server speaks. It also offers an optional /__forms debug
// affordance (disabled by default) for interactive testing against a live
// service registry.
package httpserver

import (
	"bufio"
	"context"
	"fmt"
	"html/template"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/wrpc/wrpc/codec"
	"github.com/wrpc/wrpc/executor"
	"github.com/wrpc/wrpc/message"
	"github.com/wrpc/wrpc/wire"
)

// ServiceLister is satisfied by *server.Manager; kept as a narrow local
// interface, the same decoupling trick executor.Dispatcher uses, so this
// package doesn't need to import server just to enumerate services for the
// debug forms.
type ServiceLister interface {
	Services() []string
}

// Authenticator gates requests before they reach the executor, returning
// one of three outcomes. It is optional: a nil
// Authenticator on Processor skips the check entirely.
type Authenticator interface {
	Authenticate(r *http.Request) AuthResult
}

// AuthResult is the outcome of an Authenticator check.
type AuthResult uint8

const (
	AuthOK AuthResult = iota
	AuthDenied
	AuthNeedsChallenge
)

// Processor is an http.Handler dispatching decoded CALLs to an executor.
// It is registered under a URL prefix; everything after the prefix is
// parsed as `/<service>[/<method>]`.
type Processor struct {
	prefix string
	exec   executor.Executor
	auth   Authenticator
	log    zerolog.Logger

	mu       sync.Mutex
	inflight map[uint64]*pending
	nextQID  uint64

	formsEnabled bool
	services     ServiceLister
	formsTmpl    *template.Template
}

type pending struct {
	w    http.ResponseWriter
	done chan struct{}
	cdc  codec.Codec
}

// Options configures New.
type Options struct {
	// Prefix is the URL path prefix this processor is mounted under, e.g.
	// "/rpc". Trailing slashes are normalized away.
	Prefix string
	Auth   Authenticator
	Log    zerolog.Logger

	// EnableDebugForms turns on the optional /__forms and /__form_<service>
	// HTML affordance for interactive testing. Off by default: this is not
	// part of the core protocol and has no business being reachable in a
	// production deployment.
	EnableDebugForms bool
	// Services enumerates registered services for the forms list. Required
	// when EnableDebugForms is true.
	Services ServiceLister
}

// New returns an HTTP processor dispatching to exec.
func New(exec executor.Executor, opts Options) *Processor {
	p := &Processor{
		prefix:       strings.TrimRight(opts.Prefix, "/"),
		exec:         exec,
		auth:         opts.Auth,
		log:          opts.Log,
		inflight:     make(map[uint64]*pending),
		formsEnabled: opts.EnableDebugForms,
		services:     opts.Services,
	}
	if p.formsEnabled {
		p.formsTmpl = template.Must(template.New("forms").Parse(formsTemplateSrc))
	}
	return p
}

var _ http.Handler = (*Processor)(nil)

// ServeHTTP implements the per-request flow: codec
// header, path parse, optional auth, body decode, Query construction,
// executor hand-off, and blocking for the matching completion.
func (p *Processor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if p.formsEnabled && p.serveDebugForms(w, r) {
		return
	}

	cdc, err := codec.ByName(r.Header.Get(wire.CodecHeader))
	if err != nil {
		http.Error(w, "unknown or missing codec header", http.StatusBadRequest)
		return
	}

	service, method, ok := p.parsePath(r.URL.Path)
	if !ok {
		http.Error(w, "malformed request path", http.StatusBadRequest)
		return
	}

	if p.auth != nil {
		switch p.auth.Authenticate(r) {
		case AuthDenied:
			http.Error(w, "denied", http.StatusUnauthorized)
			return
		case AuthNeedsChallenge:
			w.Header().Set("WWW-Authenticate", `Basic realm="wrpc"`)
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
	}

	br := bufio.NewReader(r.Body)
	m, err := decodeBody(cdc, br)
	if err != nil {
		http.Error(w, fmt.Sprintf("decode error: %v", err), http.StatusBadRequest)
		return
	}
	if m.Type != wire.Call {
		http.Error(w, "expected CALL message", http.StatusBadRequest)
		return
	}
	if method != "" {
		m.Method = method
	}
	if service != "" {
		m.Service = service
	}

	qid := uint32(atomic.AddUint64(&p.nextQID, 1))

	creds := message.Credentials{}
	if user, pass, ok := r.BasicAuth(); ok {
		creds = message.Credentials{User: user, Password: pass}
	}

	transport := message.Transport{Protocol: message.HTTP, Local: r.Host, Peer: r.RemoteAddr, User: creds.User, Password: creds.Password}
	query := message.NewQuery(transport, qid, m.Service, m.Method, uint8(cdc.ID()), m.Params)
	query.Credentials = creds

	done := make(chan struct{})
	pend := &pending{w: w, done: done, cdc: cdc}

	p.mu.Lock()
	p.inflight[uint64(qid)] = pend
	p.mu.Unlock()

	query.OnComplete(func(q *message.Query) {
		p.mu.Lock()
		entry, ok := p.inflight[uint64(qid)]
		delete(p.inflight, uint64(qid))
		p.mu.Unlock()
		if !ok {
			return
		}
		reply := &message.Message{XID: m.XID, Type: wire.Reply, Status: q.Status, Result: q.Result}
		entry.w.Header().Set("Content-Type", "application/octet-stream")
		entry.w.WriteHeader(http.StatusOK)
		if err := entry.cdc.EncodePacket(entry.w, reply); err != nil {
			p.log.Warn().Err(err).Msg("httpserver: encode reply failed")
		}
		close(entry.done)
	})

	if !p.exec.QueueRPC(query) {
		p.mu.Lock()
		delete(p.inflight, uint64(qid))
		p.mu.Unlock()
		reply := &message.Message{XID: m.XID, Type: wire.Reply, Status: uint32(codec.SystemError)}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.WriteHeader(http.StatusOK)
		cdc.EncodePacket(w, reply)
		return
	}

	<-done
}

// decodeBody grows br's buffer one read at a time until a full Message is
// available, the same accumulate-and-retry pattern every other transport
// in this module uses against the codec's DecodePacket contract.
func decodeBody(cdc codec.Codec, br *bufio.Reader) (*message.Message, error) {
	for {
		m, err := cdc.DecodePacket(br)
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
			return nil, fmt.Errorf("truncated request body: %w", perr)
		}
	}
}

// parsePath splits the URL path after the processor's prefix into
// (service, method). Either segment may be empty, meaning "use the value
// already present in the decoded CALL body" — some callers allow
// both a fixed-path deployment (service/method entirely in the body) and a
// path-carries-routing deployment.
func (p *Processor) parsePath(path string) (service, method string, ok bool) {
	rest := strings.TrimPrefix(path, p.prefix)
	rest = strings.Trim(rest, "/")
	if rest == "" {
		return "", "", true
	}
	parts := strings.SplitN(rest, "/", 2)
	service = parts[0]
	if len(parts) == 2 {
		method = parts[1]
	}
	return service, method, true
}

// serveDebugForms handles the optional /__forms and /__form_<service>
// affordance, reporting whether it handled the request at all so
// ServeHTTP falls through to the normal CALL path otherwise.
func (p *Processor) serveDebugForms(w http.ResponseWriter, r *http.Request) bool {
	rest := strings.TrimPrefix(r.URL.Path, p.prefix)
	switch {
	case rest == "/__forms":
		p.handleFormsList(w)
		return true
	case strings.HasPrefix(rest, "/__form_"):
		p.handleServiceForm(w, r, strings.TrimPrefix(rest, "/__form_"))
		return true
	default:
		return false
	}
}

// handleFormsList renders a link per registered service, each pointing at
// its own /__form_<service> page.
func (p *Processor) handleFormsList(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	data := struct {
		Prefix   string
		Services []string
	}{Prefix: p.prefix, Services: p.services.Services()}
	if err := p.formsTmpl.ExecuteTemplate(w, "list", data); err != nil {
		p.log.Warn().Err(err).Msg("httpserver: render forms list failed")
	}
}

// handleServiceForm renders a method-name/JSON-args form on GET, and on
// POST decodes the submission, dispatches it through the executor exactly
// like a real CALL, and renders the result.
func (p *Processor) handleServiceForm(w http.ResponseWriter, r *http.Request, service string) {
	if r.Method == http.MethodPost {
		p.submitServiceForm(w, r, service)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	data := struct{ Prefix, Service string }{Prefix: p.prefix, Service: service}
	if err := p.formsTmpl.ExecuteTemplate(w, "form", data); err != nil {
		p.log.Warn().Err(err).Msg("httpserver: render service form failed")
	}
}

// submitServiceForm builds a Query straight from the submitted form values
// using the JSON codec — args is typed in as a raw JSON array, the same
// wire shape NewArgEncoder/NewArgDecoder produce for any real CALL — and
// waits for the executor to complete it before rendering the result.
func (p *Processor) submitServiceForm(w http.ResponseWriter, r *http.Request, service string) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "malformed form submission", http.StatusBadRequest)
		return
	}
	method := r.FormValue("method")
	args := strings.TrimSpace(r.FormValue("args"))
	if args == "" {
		args = "[]"
	}

	cdc, err := codec.ByName("json")
	if err != nil {
		http.Error(w, "json codec unavailable", http.StatusInternalServerError)
		return
	}

	qid := uint32(atomic.AddUint64(&p.nextQID, 1))
	transport := message.Transport{Protocol: message.HTTP, Local: r.Host, Peer: r.RemoteAddr}
	query := message.NewQuery(transport, qid, service, method, uint8(cdc.ID()), []byte(args))

	done := make(chan struct{})
	var status codec.ReplyStatus
	var result []byte
	query.OnComplete(func(q *message.Query) {
		status = codec.ReplyStatus(q.Status)
		result = q.Result
		close(done)
	})

	if !p.exec.QueueRPC(query) {
		status = codec.SystemError
		close(done)
	}
	<-done

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	data := struct {
		Prefix, Service, Method, Args, Status, Result string
	}{
		Prefix:  p.prefix,
		Service: service,
		Method:  method,
		Args:    args,
		Status:  status.String(),
		Result:  string(result),
	}
	if err := p.formsTmpl.ExecuteTemplate(w, "result", data); err != nil {
		p.log.Warn().Err(err).Msg("httpserver: render form result failed")
	}
}

// formsTemplateSrc holds the three small pages the debug forms affordance
// needs: a service list, a per-service call form, and a result page.
// html/template auto-escapes every field, so a service name or a method
// result containing markup can't inject into the rendered page.
const formsTemplateSrc = `
{{define "list"}}<!doctype html>
<html><head><title>wrpc debug forms</title></head><body>
<h1>Registered services</h1>
<ul>
{{range .Services}}<li><a href="{{$.Prefix}}/__form_{{.}}">{{.}}</a></li>
{{end}}
</ul>
</body></html>{{end}}

{{define "form"}}<!doctype html>
<html><head><title>wrpc debug form: {{.Service}}</title></head><body>
<h1>{{.Service}}</h1>
<form method="post" action="{{.Prefix}}/__form_{{.Service}}">
<p><label>Method <input type="text" name="method"></label></p>
<p><label>Args (JSON array)<br><textarea name="args" rows="4" cols="60">[]</textarea></label></p>
<button type="submit">Call</button>
</form>
</body></html>{{end}}

{{define "result"}}<!doctype html>
<html><head><title>wrpc debug form: {{.Service}}</title></head><body>
<h1>{{.Service}}.{{.Method}}</h1>
<p>Status: {{.Status}}</p>
<pre>{{.Result}}</pre>
<p><a href="{{.Prefix}}/__form_{{.Service}}">back</a></p>
</body></html>{{end}}
`

// Shutdown is a thin pass-through to the executor's own drain; the
// processor itself holds no background goroutines of its own to stop.
func (p *Processor) Shutdown(ctx context.Context) error {
	return p.exec.Shutdown(ctx)
}
