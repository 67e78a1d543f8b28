package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestRedactingLogger_Redactions(t *testing.T) {
	gin.SetMode(gin.TestMode)
	buf := captureLogger(t)

	r := gin.New()
	r.Use(RequestID())
	r.Use(RedactingLogger(RedactOptions{MaskHeaders: []string{"X-Api-Key"}, MaskQueryParams: []string{"pin"}}))
	r.GET("/rooms/:id", func(c *gin.Context) {
		SetAccount(c, 5)
		c.String(http.StatusOK, "ok")
	})

	q := "accessToken=tok-secret&email=a.b@example.com&id=123e4567-e89b-12d3-a456-426614174000&pin=hunter2word"
	req := httptest.NewRequest(http.MethodGet, "/rooms/1?"+q, nil)
	req.Header.Set("Authorization", "Bearer secret")
	req.Header.Set("X-Access-Token", "tok-secret")
	req.Header.Set("X-Api-Key", "shhh")
	req.Header.Set("X-Custom", "email a@b.com phone 555-123-4567")
	req.Header.Set("X-Request-ID", "rid-1")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	logs := buf.String()
	if strings.Contains(logs, "tok-secret") || strings.Contains(logs, "shhh") || strings.Contains(logs, "hunter2word") {
		t.Fatalf("secret leaked: %s", logs)
	}
	for _, want := range []string{
		`"level":"info"`,
		`"path":"/rooms/:id"`,
		`"request_id":"rid-1"`,
		`"account_db_key":5`,
		`accessToken=[REDACTED]`,
		`email=[REDACTED:email]`,
		`id=[REDACTED:id]`,
		`"Authorization":"[REDACTED]"`,
		`"X-Api-Key":"[REDACTED]"`,
		`"X-Custom":"email [REDACTED:email] phone [REDACTED:phone]"`,
	} {
		if !strings.Contains(logs, want) {
			t.Fatalf("missing %s in: %s", want, logs)
		}
	}
}

func TestRedactingLogger_Levels(t *testing.T) {
	gin.SetMode(gin.TestMode)
	buf := captureLogger(t)

	r := gin.New()
	r.Use(RedactingLogger(RedactOptions{}))
	r.GET("/coded", func(c *gin.Context) { c.Header(ErrorCodeHeader, "1001"); c.Status(http.StatusOK) })
	r.GET("/error", func(c *gin.Context) { c.Status(http.StatusInternalServerError) })

	req := httptest.NewRequest(http.MethodGet, "/coded", nil)
	req.Header.Set("X-Request-ID", "rid-warn")
	r.ServeHTTP(httptest.NewRecorder(), req)
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/error", nil))

	logs := buf.String()
	if !strings.Contains(logs, `"level":"warn"`) || !strings.Contains(logs, `"request_id":"rid-warn"`) {
		t.Fatalf("warn log missing or no request id fallback: %s", logs)
	}
	if !strings.Contains(logs, `"level":"error"`) {
		t.Fatalf("error log missing: %s", logs)
	}
}

func TestScrubQuery(t *testing.T) {
	mask := lowerSet([]string{"token"}, nil)
	if got := scrubQuery("b=2&Token=x&a=me@x.io", mask); got != "Token=[REDACTED]&a=[REDACTED:email]&b=2" {
		t.Fatalf("scrubQuery = %q", got)
	}
	if got := scrubQuery("%zz=me@x.io", mask); got != "%zz=[REDACTED:email]" {
		t.Fatalf("unparsable query = %q", got)
	}
	if scrubQuery("", mask) != "" {
		t.Fatalf("empty query")
	}
}
