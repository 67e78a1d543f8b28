package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/tbourn/go-finassist-backend/internal/assistant"
	"github.com/tbourn/go-finassist-backend/internal/domain"
	"github.com/tbourn/go-finassist-backend/internal/http/middleware"
	"github.com/tbourn/go-finassist-backend/internal/protocol"
	"github.com/tbourn/go-finassist-backend/internal/services"
	"github.com/tbourn/go-finassist-backend/internal/session"
)

// Stream channel limits.
var (
	streamReadLimit int64 = 64 << 10
	firstFrameWait        = 10 * time.Second
	streamIdle            = 2 * time.Minute
	writeWait             = 10 * time.Second
	persistTimeout        = 5 * time.Second
)

var (
	streamsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "assistant_streams_active",
		Help: "Open assistant stream connections.",
	})
	streamsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "assistant_streams_total",
		Help: "Finished assistant streams by outcome.",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(streamsActive, streamsTotal)
}

// errReplyLimit stops an orchestrator at MaxReplyRunes.
var errReplyLimit = errors.New("reply limit reached")

// Stream outcomes.
const (
	outcomeDone         = "done"
	outcomeBadRequest   = "bad_request"
	outcomeUnauthorized = "unauthorized"
	outcomeRejected     = "rejected"
	outcomeAborted      = "aborted"
	outcomeFailed       = "failed"
)

// Stream godoc
// @ID          stream
// @Summary     Stream an assistant reply
// @Description Websocket. The client sends one StreamRequest text frame. The user message is accepted like message_send, the assistant reply is streamed as one text frame per token and terminated by a "[DONE]" frame, then the full reply is queued for persistence with sender AI. Failures are sent as one error envelope frame followed by a close frame.
// @Tags        Protocol
// @Param       body  body  protocol.StreamRequest  true  "First frame"
// @Success     101   "Switching Protocols"
// @Failure     503   {object}  handlers.ErrorResponse
// @Router      /stream [get]
func (h *Handlers) Stream(c *gin.Context) {
	if h.d.Sessions == nil || h.d.Chat == nil || h.d.Orchestrator == nil {
		fail(c, http.StatusServiceUnavailable, ErrNotReady)
		return
	}
	up := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	conn, err := up.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already replied.
		return
	}
	defer conn.Close()

	streamsActive.Inc()
	defer streamsActive.Dec()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	streamsTotal.WithLabelValues(h.stream(ctx, cancel, c, conn)).Inc()
}

func (h *Handlers) stream(ctx context.Context, cancel context.CancelFunc, c *gin.Context, conn *websocket.Conn) string {
	conn.SetReadLimit(streamReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(firstFrameWait))

	var req protocol.StreamRequest
	if err := conn.ReadJSON(&req); err != nil {
		closeWithError(conn, ErrBadStreamRequest, websocket.CloseUnsupportedData)
		return outcomeBadRequest
	}

	sess, err := h.d.Sessions.Get(ctx, req.AccessToken)
	if err != nil {
		closeWithError(conn, err, websocket.ClosePolicyViolation)
		return outcomeUnauthorized
	}
	middleware.SetAccount(c, sess.AccountDBKey)
	lg := middleware.LoggerFrom(c).With().Str("room_id", req.RoomID).Logger()

	userMsg, err := h.d.Chat.Post(ctx, sess, services.Post{
		RoomID:  req.RoomID,
		Sender:  domain.SenderUser,
		Content: req.Content,
	})
	if err != nil {
		closeWithError(conn, err, closeCodeFor(err))
		return outcomeRejected
	}

	// Control frames and client close are only seen by a reader.
	_ = conn.SetReadDeadline(time.Now().Add(streamIdle))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamIdle))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	persona := ""
	if h.d.Personas != nil {
		persona = h.d.Personas.Persona(ctx, sess)
	}

	var (
		reply strings.Builder
		runes int
	)
	err = h.d.Orchestrator.Stream(ctx, assistant.Request{
		AccountID: sess.AccountID,
		RoomID:    req.RoomID,
		Prompt:    req.Content,
		Persona:   persona,
	}, func(tok string) error {
		n := utf8.RuneCountInString(tok)
		if h.d.MaxReplyRunes > 0 && runes+n > h.d.MaxReplyRunes {
			return errReplyLimit
		}
		runes += n
		reply.WriteString(tok)
		return writeText(conn, tok)
	})

	var meta map[string]any
	if errors.Is(err, errReplyLimit) {
		meta = map[string]any{"truncated": true}
		err = nil
	}

	outcome := outcomeDone
	var failure error
	switch {
	case err == nil:
		if err := writeText(conn, protocol.StreamDone); err != nil {
			outcome = outcomeAborted
		}
	case ctx.Err() != nil:
		outcome = outcomeAborted
	default:
		lg.Warn().Err(err).Msg("assistant stream failed")
		failure = streamError(err)
		outcome = outcomeFailed
	}

	if outcome != outcomeDone {
		meta = map[string]any{"partial": true}
	}
	h.saveReply(ctx, lg, sess, req, userMsg, reply.String(), meta)

	switch outcome {
	case outcomeDone:
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
	case outcomeFailed:
		closeWithError(conn, failure, closeCodeFor(failure))
	}
	return outcome
}

// saveReply queues the assistant reply even when the client went away.
func (h *Handlers) saveReply(ctx context.Context, lg zerolog.Logger, sess *session.Session, req protocol.StreamRequest, userMsg *protocol.MessageSendResponse, reply string, meta map[string]any) {
	if strings.TrimSpace(reply) == "" {
		return
	}
	saveCtx, done := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer done()

	p := services.Post{
		RoomID:          req.RoomID,
		Sender:          domain.SenderAI,
		Content:         reply,
		Metadata:        meta,
		ParentMessageID: userMsg.MessageID,
	}
	if _, err := h.d.Chat.Post(saveCtx, sess, p); err != nil {
		lg.Error().Err(err).Str("parent_message_id", userMsg.MessageID).Msg("assistant reply not queued")
		return
	}
	if userMsg.SequenceInRoom == 1 {
		h.d.Chat.AutoTitle(saveCtx, sess, req.RoomID, req.Content)
	}
}

// checkOrigin accepts same-host requests, requests without an Origin, and
// origins in AllowedOrigins ("*" allows any).
func (h *Handlers) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.d.AllowedOrigins) == 0 {
		return true
	}
	for _, o := range h.d.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	u, err := url.Parse(origin)
	return err == nil && strings.EqualFold(u.Host, r.Host)
}

func streamError(err error) error {
	var pe *protocol.Error
	switch {
	case errors.As(err, &pe):
		return pe
	case errors.Is(err, assistant.ErrEmptyPrompt):
		return protocol.Wrap(protocol.InvalidArgument, "prompt is empty", err)
	default:
		return protocol.Wrap(protocol.Unavailable, "assistant unavailable", err)
	}
}

func closeCodeFor(err error) int {
	switch protocol.CodeOf(err) {
	case protocol.Unavailable, protocol.Timeout:
		return websocket.CloseTryAgainLater
	case protocol.Generic, protocol.Fatal:
		return websocket.CloseInternalServerErr
	default:
		return websocket.ClosePolicyViolation
	}
}

func writeText(conn *websocket.Conn, s string) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, []byte(s))
}

// closeWithError sends the error envelope and a close frame.
func closeWithError(conn *websocket.Conn, err error, closeCode int) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteJSON(protocol.NewErrorResponse(err, 0))
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(closeCode, protocol.CodeOf(err).String()),
		time.Now().Add(writeWait))
}
