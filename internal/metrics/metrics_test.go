package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/mbd888/alswitch/internal/fspiop"
)

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, "1xx"},
		{200, "2xx"},
		{202, "2xx"},
		{301, "3xx"},
		{400, "4xx"},
		{429, "4xx"},
		{500, "5xx"},
		{503, "5xx"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, statusBucket(tt.code), "statusBucket(%d)", tt.code)
	}
}

func TestResource(t *testing.T) {
	assert.Equal(t, "parties", resource("/parties/:Type/:ID"))
	assert.Equal(t, "parties_error", resource("/parties/:Type/:ID/error"))
	assert.Equal(t, "participants", resource("/participants"))
	assert.Equal(t, "participants_error", resource("/participants/:Type/:ID/:SubId/error"))
	assert.Equal(t, "root", resource("/"))
}

func TestMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", Handler())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	// Gauges always appear; counters/histograms only after first observation.
	for _, name := range []string{"als_goroutines", "als_http_inflight_requests"} {
		assert.Contains(t, w.Body.String(), name)
	}

	HTTPRequestsTotal.WithLabelValues("GET", "/parties/:Type/:ID", "2xx").Inc()

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, w.Body.String(), "als_http_requests_total")
}

func TestMiddleware_RecordsPerFSP(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/parties/:Type/:ID", func(c *gin.Context) {
		c.Status(http.StatusAccepted)
	})

	counter := FSPRequestsTotal.WithLabelValues("metricsFSP", "parties")
	before := testutil.ToFloat64(counter)

	req := httptest.NewRequest("GET", "/parties/MSISDN/123", nil)
	req.Header.Set(fspiop.HeaderSource, "metricsFSP")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, before+1, testutil.ToFloat64(counter))

	// no source, no per-FSP sample
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/parties/MSISDN/123", nil))
	assert.Equal(t, before+1, testutil.ToFloat64(counter))
}
