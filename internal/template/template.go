// Package template dispatches protocol requests to typed handlers.
//
// A template is a named bundle of handlers (ACCOUNT, CHAT, PROFILE). Each
// handler is registered under (template, message type) with Register, which
// builds a controller that decodes the raw JSON into the typed request,
// checks the session and the sequence envelope, invokes the handler, and
// serializes the typed response. Completed responses are memoized by the
// sequence guard, so a retried request gets the identical body back.
package template

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tbourn/go-finassist-backend/internal/protocol"
	"github.com/tbourn/go-finassist-backend/internal/sequence"
	"github.com/tbourn/go-finassist-backend/internal/session"
)

var (
	// ErrDuplicate is returned when a (template, message type) pair is
	// registered twice.
	ErrDuplicate = errors.New("handler already registered")
	// ErrNotRequest is returned when a request type does not embed
	// protocol.BaseRequest.
	ErrNotRequest = errors.New("request type does not embed protocol.BaseRequest")

	errUnknownHandler = protocol.Errorf(protocol.NotFound, "unknown message type")
	errBadRequest     = protocol.Errorf(protocol.InvalidArgument, "malformed request body")
)

var (
	dispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "template_requests_total",
			Help: "Dispatched protocol requests by template, message type and error code.",
		},
		[]string{"template", "type", "code"},
	)
	dispatchLat = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "template_request_duration_seconds",
			Help:    "Handler latency per template and message type.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"template", "type"},
	)
)

func init() {
	prometheus.MustRegister(dispatched, dispatchLat)
}

// Sessions resolves access tokens.
type Sessions interface {
	Get(ctx context.Context, token string) (*session.Session, error)
}

// Sequencer is the sequence guard.
type Sequencer interface {
	Begin(ctx context.Context, token, path string, seq int64) ([]byte, error)
	Complete(ctx context.Context, token, path string, seq int64, body []byte) error
}

// Call is what a handler learns about the request besides its payload.
// Session is nil for public handlers.
type Call struct {
	Template string
	Type     string
	Path     string
	Session  *session.Session
}

// Result is the outcome of a dispatch.
type Result struct {
	Body     []byte
	Code     protocol.Code
	Replayed bool
}

type key struct{ template, msgType string }

type entry struct {
	public bool
	decode func(raw []byte) (protocol.Request, error)
	run    func(ctx context.Context, call *Call, req protocol.Request) (protocol.Response, error)
}

// Registry maps (template, message type) to controllers.
type Registry struct {
	sessions Sessions
	seq      Sequencer

	mu       sync.RWMutex
	handlers map[key]entry
}

// New returns an empty registry.
func New(sessions Sessions, seq Sequencer) *Registry {
	return &Registry{sessions: sessions, seq: seq, handlers: map[key]entry{}}
}

// Option tunes a registration.
type Option func(*entry)

// Public marks a handler that runs without session and sequence checks
// (login).
func Public() Option { return func(e *entry) { e.public = true } }

// Register binds h to (tmpl, msgType). Req must embed protocol.BaseRequest
// and Resp must embed protocol.BaseResponse.
func Register[Req any, Resp protocol.Response](r *Registry, tmpl, msgType string, h func(ctx context.Context, call *Call, req *Req) (Resp, error), opts ...Option) error {
	if _, ok := any(new(Req)).(protocol.Request); !ok {
		return fmt.Errorf("%s/%s: %w", tmpl, msgType, ErrNotRequest)
	}
	e := entry{
		decode: func(raw []byte) (protocol.Request, error) {
			req := new(Req)
			if err := json.Unmarshal(raw, req); err != nil {
				return nil, errBadRequest
			}
			return any(req).(protocol.Request), nil
		},
		run: func(ctx context.Context, call *Call, req protocol.Request) (protocol.Response, error) {
			return h(ctx, call, any(req).(*Req))
		},
	}
	for _, o := range opts {
		o(&e)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	k := key{tmpl, msgType}
	if _, dup := r.handlers[k]; dup {
		return fmt.Errorf("%s/%s: %w", tmpl, msgType, ErrDuplicate)
	}
	r.handlers[k] = e
	return nil
}

// Handlers lists the registered keys as "TEMPLATE/type", sorted.
func (r *Registry) Handlers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		out = append(out, k.template+"/"+k.msgType)
	}
	sort.Strings(out)
	return out
}

// Dispatch runs the handler of (tmpl, msgType) for raw under the session
// and sequence envelope. path names the request for memoization. The
// returned body is always a JSON response; failures are reported through
// its errorCode.
func (r *Registry) Dispatch(ctx context.Context, tmpl, msgType, path string, raw []byte) Result {
	tr := otel.Tracer("template")
	ctx, span := tr.Start(ctx, "Registry.Dispatch")
	span.SetAttributes(attribute.String("template", tmpl), attribute.String("type", msgType))
	defer span.End()

	start := time.Now()
	res := r.dispatch(ctx, tmpl, msgType, path, raw)
	dispatchLat.WithLabelValues(tmpl, msgType).Observe(time.Since(start).Seconds())
	dispatched.WithLabelValues(tmpl, msgType, res.Code.String()).Inc()
	span.SetAttributes(attribute.Int("error_code", int(res.Code)), attribute.Bool("replayed", res.Replayed))
	return res
}

func (r *Registry) dispatch(ctx context.Context, tmpl, msgType, path string, raw []byte) Result {
	r.mu.RLock()
	e, ok := r.handlers[key{tmpl, msgType}]
	r.mu.RUnlock()
	if !ok {
		return errorResult(errUnknownHandler, 0)
	}

	req, err := e.decode(raw)
	if err != nil {
		return errorResult(err, 0)
	}
	env := req.Envelope()
	call := &Call{Template: tmpl, Type: msgType, Path: path}

	if e.public {
		// public handlers (login) set their own sequence
		resp, err := invoke(ctx, e, call, req)
		return finish(resp, err, env.Sequence, false)
	}

	sess, err := r.sessions.Get(ctx, env.AccessToken)
	if err != nil {
		return errorResult(err, env.Sequence)
	}
	call.Session = sess

	memo, err := r.seq.Begin(ctx, env.AccessToken, path, env.Sequence)
	if err != nil {
		return errorResult(err, env.Sequence)
	}
	if memo != nil {
		var base protocol.BaseResponse
		_ = json.Unmarshal(memo, &base)
		return Result{Body: memo, Code: base.ErrorCode, Replayed: true}
	}

	resp, err := invoke(ctx, e, call, req)
	res := finish(resp, err, sequence.Next(env.Sequence), true)
	if cerr := r.seq.Complete(ctx, env.AccessToken, path, env.Sequence, res.Body); cerr != nil {
		log.Error().Err(cerr).Str("template", tmpl).Str("type", msgType).Msg("sequence complete failed, counter rolled back")
	}
	return res
}

// invoke runs the controller, turning a panic into a generic failure.
func invoke(ctx context.Context, e entry, call *Call, req protocol.Request) (resp protocol.Response, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().
				Str("template", call.Template).
				Str("type", call.Type).
				Interface("panic", rec).
				Bytes("stack", debug.Stack()).
				Msg("handler panic")
			resp, err = nil, fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return e.run(ctx, call, req)
}

// finish stamps the envelope of resp (or of a bare error response) and
// serializes it. With stamp unset a successful response keeps its own
// sequence.
func finish(resp protocol.Response, err error, seq int64, stamp bool) Result {
	if err != nil {
		if protocol.CodeOf(err) == protocol.Generic {
			log.Error().Err(err).Msg("handler failed")
		}
		if isNil(resp) {
			return errorResult(err, seq)
		}
		resp.Base().SetError(err)
	}
	if isNil(resp) {
		return errorResult(errors.New("handler returned no response"), seq)
	}
	if stamp || err != nil {
		resp.Base().Sequence = seq
	}
	body, merr := json.Marshal(resp)
	if merr != nil {
		return errorResult(fmt.Errorf("encode response: %w", merr), seq)
	}
	return Result{Body: body, Code: resp.Base().ErrorCode}
}

func errorResult(err error, seq int64) Result {
	r := protocol.NewErrorResponse(err, seq)
	body, _ := json.Marshal(r)
	return Result{Body: body, Code: r.ErrorCode}
}

// isNil reports whether a response interface holds nothing, including a
// typed nil pointer.
func isNil(r protocol.Response) bool {
	if r == nil {
		return true
	}
	v := reflect.ValueOf(r)
	return v.Kind() == reflect.Pointer && v.IsNil()
}
