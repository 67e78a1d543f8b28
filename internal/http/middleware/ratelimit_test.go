package middleware

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

func TestKeyByAccountOrIP(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	c.Request.RemoteAddr = net.JoinHostPort("203.0.113.9", "12345")

	if got := KeyByAccountOrIP()(c); got != "ip:203.0.113.9" {
		t.Fatalf("expected ip-based key; got %q", got)
	}
	SetAccount(c, 77)
	if got := KeyByAccountOrIP()(c); got != "account:77" {
		t.Fatalf("expected account-based key; got %q", got)
	}
}

func TestKeyByTemplateAndIP(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	var keys []string
	r.Use(func(c *gin.Context) { c.Next(); keys = append(keys, KeyByTemplateAndIP()(c)) })
	r.POST("/api/v1/:template/:type", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })

	for _, p := range []string{"/api/v1/chat/room_list", "/health"} {
		req := httptest.NewRequest(http.MethodPost, p, nil)
		if p == "/health" {
			req.Method = http.MethodGet
		}
		req.RemoteAddr = "198.51.100.4:1"
		r.ServeHTTP(httptest.NewRecorder(), req)
	}
	if len(keys) != 2 || keys[0] != "CHAT|ip:198.51.100.4" || keys[1] != "-|ip:198.51.100.4" {
		t.Fatalf("keys = %q", keys)
	}
}

func TestNewRateLimiter_BurstCoercion_AndReuse(t *testing.T) {
	rl := NewRateLimiter(2.0, 0, KeyByAccountOrIP())
	if rl.burst != 1 {
		t.Fatalf("burst coercion failed, got %d", rl.burst)
	}
	lim := rl.getVisitor("k1")
	if got := rl.getVisitor("k1"); got != lim {
		t.Fatalf("expected same limiter instance to be reused")
	}
}

func TestRateLimiter_getVisitor_GC(t *testing.T) {
	rl := NewRateLimiter(1.0, 1, KeyByAccountOrIP())
	rl.ttl = time.Nanosecond

	rl.mu.Lock()
	rl.visitors["old"] = &visitor{limiter: rate.NewLimiter(1, 1), lastSeen: time.Now().Add(-time.Hour)}
	rl.cleanupN = 4999
	rl.mu.Unlock()

	_ = rl.getVisitor("new")

	rl.mu.Lock()
	_, existsOld := rl.visitors["old"]
	_, existsNew := rl.visitors["new"]
	rl.mu.Unlock()
	if existsOld || !existsNew {
		t.Fatalf("old=%v new=%v", existsOld, existsNew)
	}
}

func TestRateLimiter_Handler_AllowDeny(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rl := NewRateLimiter(1.0, 1, KeyByAccountOrIP())

	r := gin.New()
	r.Use(rl.Handler())
	r.GET("/ok", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	w1 := httptest.NewRecorder()
	r.ServeHTTP(w1, httptest.NewRequest(http.MethodGet, "/ok", nil))
	if w1.Code != http.StatusOK {
		t.Fatalf("first request should be allowed, got %d", w1.Code)
	}

	w2 := httptest.NewRecorder()
	r.ServeHTTP(w2, httptest.NewRequest(http.MethodGet, "/ok", nil))
	if w2.Code != http.StatusTooManyRequests {
		t.Fatalf("second request should be rate-limited, got %d", w2.Code)
	}
	if w2.Header().Get("Retry-After") != "1" || w2.Header().Get(ErrorCodeHeader) != "1010" {
		t.Fatalf("headers = %v", w2.Header())
	}
	var body map[string]any
	if err := json.Unmarshal(w2.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON body: %v", err)
	}
	if body["errorCode"] != float64(1010) || body["message"] != "rate limit exceeded" {
		t.Fatalf("unexpected JSON body: %v", body)
	}
}
