package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_LabelsAndInflight(t *testing.T) {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.Use(Metrics())
	r.GET("/ok", func(c *gin.Context) { c.String(http.StatusOK, "hello") })
	r.GET("/coded", func(c *gin.Context) {
		c.Header(ErrorCodeHeader, "1001")
		c.String(http.StatusOK, "{}")
	})
	r.GET("/statusonly", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	baseOK := testutil.ToFloat64(httpReqs.WithLabelValues("GET", "/ok", "200", "0"))
	baseCoded := testutil.ToFloat64(httpReqs.WithLabelValues("GET", "/coded", "200", "1001"))
	base404 := testutil.ToFloat64(httpReqs.WithLabelValues("GET", unmatchedPath, "404", "0"))

	for _, p := range []string{"/ok", "/coded", "/does-not-exist", "/statusonly"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, p, nil))
	}

	if got := testutil.ToFloat64(httpReqs.WithLabelValues("GET", "/ok", "200", "0")); got != baseOK+1 {
		t.Fatalf("counter /ok = %v; want %v", got, baseOK+1)
	}
	if got := testutil.ToFloat64(httpReqs.WithLabelValues("GET", "/coded", "200", "1001")); got != baseCoded+1 {
		t.Fatalf("counter /coded = %v; want %v", got, baseCoded+1)
	}
	if got := testutil.ToFloat64(httpReqs.WithLabelValues("GET", unmatchedPath, "404", "0")); got != base404+1 {
		t.Fatalf("unmatched counter = %v; want %v", got, base404+1)
	}
	if inFlight := testutil.ToFloat64(httpInflight); inFlight != 0 {
		t.Fatalf("httpInflight = %v; want 0", inFlight)
	}
}
