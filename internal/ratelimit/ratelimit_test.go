package ratelimit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/alswitch/internal/fspiop"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newLimiter(t *testing.T, perMinute, burst int) (*Limiter, *clock) {
	clk := &clock{now: time.Unix(1700000000, 0)}
	l := New(Config{RequestsPerMinute: perMinute, BurstSize: burst, CleanupInterval: time.Minute}).WithClock(clk.Now)
	t.Cleanup(l.Stop)
	return l, clk
}

func TestLimiterAllow(t *testing.T) {
	limiter, clk := newLimiter(t, 60, 5)

	// Should allow burst size requests immediately
	for i := 0; i < 5; i++ {
		assert.True(t, limiter.Allow("dfspA"), "request %d within burst", i)
	}
	assert.False(t, limiter.Allow("dfspA"), "request after burst")

	// 1 second = 1 token at 60/min
	clk.advance(time.Second)
	assert.True(t, limiter.Allow("dfspA"))
	assert.False(t, limiter.Allow("dfspA"))
}

func TestLimiterMultipleClients(t *testing.T) {
	limiter, _ := newLimiter(t, 60, 3)

	for i := 0; i < 3; i++ {
		limiter.Allow("dfspA")
	}
	assert.False(t, limiter.Allow("dfspA"))
	assert.True(t, limiter.Allow("dfspB"), "other sources keep their own bucket")
}

func TestLimiterDisabled(t *testing.T) {
	limiter, _ := newLimiter(t, 0, 0)
	for i := 0; i < 100; i++ {
		require.True(t, limiter.Allow("dfspA"))
	}
	limiter.Stop()
	limiter.Stop()
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	limiter, _ := newLimiter(t, 60, 1)

	router := gin.New()
	router.Use(limiter.Middleware())
	router.GET("/parties/MSISDN/1", func(c *gin.Context) { c.Status(http.StatusAccepted) })

	call := func(source string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/parties/MSISDN/1", nil)
		if source != "" {
			req.Header.Set(fspiop.HeaderSource, source)
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusAccepted, call("dfspA").Code)
	w := call("dfspA")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))

	var body fspiop.ErrorInformationObject
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, string(fspiop.ErrServiceUnavailable), body.ErrorInformation.ErrorCode)

	assert.Equal(t, http.StatusAccepted, call("dfspB").Code)
	assert.Equal(t, http.StatusAccepted, call("").Code, "sourceless requests are keyed by IP")
}
