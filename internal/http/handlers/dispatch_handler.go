package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-finassist-backend/internal/assistant"
	"github.com/tbourn/go-finassist-backend/internal/protocol"
	"github.com/tbourn/go-finassist-backend/internal/queue"
	"github.com/tbourn/go-finassist-backend/internal/services"
	"github.com/tbourn/go-finassist-backend/internal/session"
	"github.com/tbourn/go-finassist-backend/internal/template"
)

//
// Collaborator contracts (context-aware)
//

// Dispatcher routes protocol requests to template handlers.
type Dispatcher interface {
	Dispatch(ctx context.Context, tmpl, msgType, path string, raw []byte) template.Result
}

// Sessions resolves access tokens for the stream endpoint.
type Sessions interface {
	Get(ctx context.Context, token string) (*session.Session, error)
}

// ChatPoster accepts chat messages on behalf of a session.
type ChatPoster interface {
	Post(ctx context.Context, sess *session.Session, p services.Post) (*protocol.MessageSendResponse, error)
	AutoTitle(ctx context.Context, sess *session.Session, roomID, prompt string)
}

// PersonaSource returns the assistant persona an account picked.
type PersonaSource interface {
	Persona(ctx context.Context, sess *session.Session) string
}

// QueueInspector exposes queue depth and dead letters.
type QueueInspector interface {
	Partitions() int
	Depth(ctx context.Context, name string) (int64, error)
	DeadLetters(ctx context.Context, name string, limit int64) ([]queue.Message, error)
}

// ReadinessProbe reports whether the process can serve traffic.
type ReadinessProbe interface {
	Readiness(ctx context.Context) ReadyReport
}

//
// Handler wiring
//

// Deps are the collaborators of Handlers. Any of them may be nil; the
// endpoints depending on a missing collaborator answer Unavailable.
type Deps struct {
	Registry     Dispatcher
	Sessions     Sessions
	Chat         ChatPoster
	Personas     PersonaSource
	Orchestrator assistant.Orchestrator
	Queues       QueueInspector
	Ready        ReadinessProbe

	// AllowedOrigins gates websocket upgrades; empty or "*" allows any.
	AllowedOrigins []string
	// KnownQueues are the queues reported by /ready and introspection.
	KnownQueues []string
	// MaxReplyRunes stops assistant streams at this length; 0 is unlimited.
	MaxReplyRunes int
}

// Handlers groups the HTTP endpoints.
type Handlers struct {
	d Deps
}

// New constructs Handlers.
func New(d Deps) *Handlers {
	return &Handlers{d: d}
}

// requestPath names a protocol request for sequence memoization.
func requestPath(tmpl, msgType string) string {
	return "/" + tmpl + "/" + msgType
}

// Dispatch godoc
// @ID          dispatch
// @Summary     Send a protocol request
// @Description Runs the handler registered for (template, type). The body is the typed request of that handler and always embeds accessToken and sequence (login excepted). The HTTP status is 200 whenever the request reached a handler; the outcome is the errorCode of the envelope.
// @Tags        Protocol
// @Accept      json
// @Produce     json
//
// @Param       template  path    string  true  "Template"      Enums(ACCOUNT, CHAT, PROFILE)
// @Param       type      path    string  true  "Message type"  example(room_create)
// @Param       body      body    object  true  "Typed request"
//
// @Success     200  {object}  handlers.ErrorResponse  "Envelope; errorCode 0 on success, typed fields alongside"
// @Header      200  {string}  X-Error-Code          "errorCode of the body"
// @Header      200  {string}  X-Sequence-Replayed   "true when a memoized response was replayed"
// @Failure     413  {object}  handlers.ErrorResponse  "Body too large"
// @Failure     429  {object}  handlers.ErrorResponse  "Rate limited"
// @Router      /{template}/{type} [post]
func (h *Handlers) Dispatch(c *gin.Context) {
	if h.d.Registry == nil {
		fail(c, http.StatusServiceUnavailable, ErrNotReady)
		return
	}
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			fail(c, http.StatusRequestEntityTooLarge, ErrBodyTooLarge)
			return
		}
		fail(c, http.StatusBadRequest, ErrBodyUnreadable)
		return
	}

	tmpl := strings.ToUpper(strings.TrimSpace(c.Param("template")))
	msgType := strings.ToLower(strings.TrimSpace(c.Param("type")))
	res := h.d.Registry.Dispatch(c.Request.Context(), tmpl, msgType, requestPath(tmpl, msgType), raw)
	writeResult(c, res)
}
