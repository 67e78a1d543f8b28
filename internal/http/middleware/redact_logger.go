// Package middleware contains the Gin middleware of the HTTP front door.
//
// RedactingLogger is the access log used outside LOCAL: like Logger it
// attaches a request-scoped logger, but it also logs request headers and
// scrubs credentials and obvious PII (emails, phone numbers, UUIDs) from
// them and from the query string. Bodies are never logged.
package middleware

import (
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const redacted = "[REDACTED]"

// RedactOptions adds headers and query parameters to the built-in masks.
// Masked values are replaced entirely; everything else is pattern-scrubbed.
type RedactOptions struct {
	MaskHeaders     []string
	MaskQueryParams []string
}

var (
	// UUIDs go first so the phone pattern cannot eat their digit groups.
	uuidRE  = regexp.MustCompile(`(?i)\b[0-9a-f]{8}\-[0-9a-f]{4}\-[1-5][0-9a-f]{3}\-[89ab][0-9a-f]{3}\-[0-9a-f]{12}\b`)
	emailRE = regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)
	phoneRE = regexp.MustCompile(`\b(?:\+?\d{1,3}[ .-]?)?(?:\(?\d{2,4}\)?[ .-]?)?\d{3,4}[ .-]?\d{4}\b`)
)

func scrub(s string) string {
	if s == "" {
		return s
	}
	s = uuidRE.ReplaceAllString(s, "[REDACTED:id]")
	s = emailRE.ReplaceAllString(s, "[REDACTED:email]")
	return phoneRE.ReplaceAllString(s, "[REDACTED:phone]")
}

func lowerSet(base []string, extra []string) map[string]struct{} {
	m := make(map[string]struct{}, len(base)+len(extra))
	for _, s := range append(append([]string{}, base...), extra...) {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			m[s] = struct{}{}
		}
	}
	return m
}

// scrubQuery masks listed parameters and pattern-scrubs the rest. Keys are
// emitted in sorted order; an unparsable query is scrubbed as a whole.
func scrubQuery(raw string, mask map[string]struct{}) string {
	if raw == "" {
		return ""
	}
	vals, err := url.ParseQuery(raw)
	if err != nil {
		return scrub(raw)
	}
	keys := make([]string, 0, len(vals))
	for k := range vals {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v := strings.Join(vals[k], ",")
		if _, ok := mask[strings.ToLower(k)]; ok {
			v = redacted
		} else {
			v = scrub(v)
		}
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, "&")
}

// RedactingLogger returns the scrubbing access logger.
func RedactingLogger(opts RedactOptions) gin.HandlerFunc {
	maskHeaders := lowerSet([]string{"authorization", "cookie", "set-cookie", "x-access-token"}, opts.MaskHeaders)
	maskParams := lowerSet([]string{"accesstoken", "access_token", "token"}, opts.MaskQueryParams)

	return func(c *gin.Context) {
		start := time.Now()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		headers := make(map[string]string, len(c.Request.Header))
		for k, vv := range c.Request.Header {
			if _, ok := maskHeaders[strings.ToLower(k)]; ok {
				headers[k] = redacted
				continue
			}
			headers[k] = scrub(strings.Join(vv, ", "))
		}

		rid := RequestIDFrom(c)
		if rid == "" {
			rid = c.GetHeader(requestIDHeader)
		}
		l := log.With().
			Str("request_id", rid).
			Str("trace_id", traceID(c)).
			Str("method", c.Request.Method).
			Str("path", path).
			Logger()
		c.Set(loggerKey, &l)

		c.Next()

		status := c.Writer.Status()
		code := c.Writer.Header().Get(ErrorCodeHeader)
		lg := LoggerFrom(c)
		ev := lg.Info()
		switch {
		case status >= 500:
			ev = lg.Error()
		case status >= 400 || (code != "" && code != "0"):
			ev = lg.Warn()
		}
		ev.
			Str("query", truncate(scrubQuery(c.Request.URL.RawQuery, maskParams), maxQueryLogLength)).
			Int("status", status).
			Str("error_code", code).
			Int("bytes", c.Writer.Size()).
			Dur("latency", time.Since(start)).
			Interface("headers", headers).
			Msg("http_request")
	}
}
