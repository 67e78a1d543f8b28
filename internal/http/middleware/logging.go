// Package middleware contains the Gin middleware of the HTTP front door.
//
// This file provides the correlation ID, the structured access log and the
// panic recovery. Recommended order:
//
//	RequestID() -> Logger() (or RedactingLogger) -> Recovery()
//
// so panics are logged with the correlation ID. The request-scoped logger is
// stored under the "logger" key and the authenticated account, once a handler
// knows it, under "accountDBKey" (see SetAccount).
package middleware

import (
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-finassist-backend/internal/protocol"
)

const (
	requestIDKey    = "requestID"
	accountKey      = "accountDBKey"
	loggerKey       = "logger"
	requestIDHeader = "X-Request-ID"

	// ErrorCodeHeader mirrors the protocol errorCode of a response body so
	// access logs and metrics can see it without parsing JSON.
	ErrorCodeHeader = "X-Error-Code"

	maxQueryLogLength = 2048
)

// RequestID reuses X-Request-ID when present or generates a UUIDv4, stores
// it in the context and echoes it on the response.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(requestIDHeader)
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Set(requestIDKey, rid)
		c.Writer.Header().Set(requestIDHeader, rid)
		c.Next()
	}
}

// RequestIDFrom returns the correlation ID set by RequestID.
func RequestIDFrom(c *gin.Context) string {
	v, _ := c.Get(requestIDKey)
	return asString(v)
}

// SetAccount records the authenticated account for the access log and the
// rate limiter, and enriches the request-scoped logger.
func SetAccount(c *gin.Context, accountDBKey int64) {
	c.Set(accountKey, accountDBKey)
	if lg := LoggerFrom(c); lg != nil {
		l := lg.With().Int64("account_db_key", accountDBKey).Logger()
		c.Set(loggerKey, &l)
	}
}

// AccountFrom returns the account recorded by SetAccount.
func AccountFrom(c *gin.Context) (int64, bool) {
	v, ok := c.Get(accountKey)
	if !ok {
		return 0, false
	}
	k, ok := v.(int64)
	return k, ok
}

// Logger writes one structured access log line per request. Level follows
// the outcome: error for 5xx or gin errors, warn for 4xx or a non-zero
// protocol error code, info otherwise.
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		l := log.With().
			Str("request_id", RequestIDFrom(c)).
			Str("trace_id", traceID(c)).
			Str("method", c.Request.Method).
			Str("path", path).
			Str("remote_ip", c.ClientIP()).
			Str("user_agent", c.Request.UserAgent()).
			Str("query", truncate(c.Request.URL.RawQuery, maxQueryLogLength)).
			Int64("bytes_in", c.Request.ContentLength).
			Logger()
		c.Set(loggerKey, &l)

		c.Next()

		ev := LoggerFrom(c).With().
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Int("bytes_out", c.Writer.Size()).
			Logger()
		code := c.Writer.Header().Get(ErrorCodeHeader)

		status := c.Writer.Status()
		switch {
		case len(c.Errors) > 0:
			ev.Error().Str("errors", c.Errors.String()).Str("error_code", code).Msg("request")
		case status >= 500:
			ev.Error().Str("error_code", code).Msg("request")
		case status >= 400 || (code != "" && code != "0"):
			ev.Warn().Str("error_code", code).Msg("request")
		default:
			ev.Info().Msg("request")
		}
	}
}

// Recovery turns a panic into a 500 carrying a protocol error envelope.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			rid := RequestIDFrom(c)
			log.Error().
				Interface("panic", rec).
				Bytes("stack", debug.Stack()).
				Str("request_id", rid).
				Msg("panic recovered")

			if c.Writer.Written() {
				c.AbortWithStatus(http.StatusInternalServerError)
				return
			}
			c.Header(requestIDHeader, rid)
			c.Header(ErrorCodeHeader, strconv.Itoa(int(protocol.Fatal)))
			c.AbortWithStatusJSON(http.StatusInternalServerError,
				protocol.NewErrorResponse(protocol.Errorf(protocol.Fatal, "internal server error"), 0))
		}()
		c.Next()
	}
}

// LoggerFrom returns the request-scoped logger, or the global one when
// Logger() did not run.
func LoggerFrom(c *gin.Context) *zerolog.Logger {
	if v, ok := c.Get(loggerKey); ok {
		if lg, ok := v.(*zerolog.Logger); ok {
			return lg
		}
	}
	l := log.With().Logger()
	return &l
}

// traceID is the id of the otelgin server span, if any.
func traceID(c *gin.Context) string {
	if sc := trace.SpanContextFromContext(c.Request.Context()); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// truncate caps s at max bytes; max <= 0 disables it.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
