package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func limiterRouter(rl *RateLimiter) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(rl.Handler())
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func TestRateLimiter_BurstThenReject(t *testing.T) {
	// No replenishment to speak of within the test window.
	rl := NewRateLimiter(0.001, 2, KeyByUserOrIP())
	r := limiterRouter(rl)

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("request %d within burst: status = %d", i, w.Code)
		}
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("over burst: status = %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Fatalf("429 must carry Retry-After")
	}
	if !strings.Contains(w.Body.String(), `"code":"rate_limited"`) {
		t.Fatalf("body = %s", w.Body.String())
	}
}

func TestRateLimiter_KeysAreIndependent(t *testing.T) {
	rl := NewRateLimiter(0.001, 1, KeyByUserOrIP())
	gin.SetMode(gin.TestMode)
	r := gin.New()
	// Authenticated identity wins over IP.
	r.Use(func(c *gin.Context) {
		c.Set("userID", c.GetHeader("X-User-ID"))
	}, rl.Handler())
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	send := func(user string) int {
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req.Header.Set("X-User-ID", user)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	if send("alice") != http.StatusOK {
		t.Fatalf("alice's first request must pass")
	}
	if send("alice") != http.StatusTooManyRequests {
		t.Fatalf("alice's second request must be limited")
	}
	// A different identity has its own bucket.
	if send("bob") != http.StatusOK {
		t.Fatalf("bob must not share alice's bucket")
	}
}

func TestRateLimiter_ReplayBypass(t *testing.T) {
	rl := NewRateLimiter(0.001, 1, KeyByUserOrIP())
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		if c.GetHeader("X-Replay") != "" {
			c.Set(ctxKeyRateBypass, true)
		}
	}, rl.Handler())
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	// Exhaust the bucket.
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/x", nil))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("precondition: bucket should be empty, status = %d", w.Code)
	}

	// Replays are served regardless.
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("X-Replay", "1")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("replay must bypass the limiter, status = %d", w.Code)
	}
}

func TestRateLimiter_EvictsIdleBuckets(t *testing.T) {
	rl := NewRateLimiter(1, 1, KeyByUserOrIP())
	rl.ttl = time.Millisecond

	rl.bucketFor("stale")
	time.Sleep(5 * time.Millisecond)

	// Force the sweep on the next lookup.
	rl.mu.Lock()
	rl.lookups = sweepEvery - 1
	rl.mu.Unlock()
	rl.bucketFor("fresh")

	rl.mu.Lock()
	_, staleAlive := rl.buckets["stale"]
	rl.mu.Unlock()
	if staleAlive {
		t.Fatalf("idle bucket must be evicted by the sweep")
	}
}

func TestNewRateLimiter_CoercesBurst(t *testing.T) {
	rl := NewRateLimiter(1, 0, KeyByUserOrIP())
	if rl.burst != 1 {
		t.Fatalf("burst = %d, want 1", rl.burst)
	}
}
