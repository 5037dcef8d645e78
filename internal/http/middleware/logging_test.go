package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// captureLogs swaps the global zerolog logger for one writing into a buffer
// and restores it on cleanup.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = prev })
	return &buf
}

func TestRequestID_GeneratesAndPropagates(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestID())
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	// No inbound header: one gets generated and echoed.
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	if w.Header().Get("X-Request-ID") == "" {
		t.Fatalf("missing generated request id")
	}

	// Inbound header: reused verbatim.
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("X-Request-ID", "client-supplied")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if got := w.Header().Get("X-Request-ID"); got != "client-supplied" {
		t.Fatalf("request id not propagated: %q", got)
	}
}

func TestLogger_LevelTracksStatus(t *testing.T) {
	gin.SetMode(gin.TestMode)
	buf := captureLogs(t)

	r := gin.New()
	r.Use(RequestID(), Logger())
	r.GET("/ok", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/missing", func(c *gin.Context) { c.Status(http.StatusNotFound) })
	r.GET("/boom", func(c *gin.Context) { c.Status(http.StatusInternalServerError) })

	cases := []struct{ path, level string }{
		{"/ok", `"level":"info"`},
		{"/missing", `"level":"warn"`},
		{"/boom", `"level":"error"`},
	}
	for _, tc := range cases {
		buf.Reset()
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tc.path, nil))
		if !strings.Contains(buf.String(), tc.level) {
			t.Fatalf("%s: expected %s in log, got %s", tc.path, tc.level, buf.String())
		}
		if !strings.Contains(buf.String(), `"path":"`+tc.path+`"`) {
			t.Fatalf("%s: path missing from log: %s", tc.path, buf.String())
		}
	}
}

func TestLoggerFrom_AttachedAndFallback(t *testing.T) {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.Use(Logger())
	var attached *zerolog.Logger
	r.GET("/x", func(c *gin.Context) {
		attached = LoggerFrom(c)
		c.Status(http.StatusOK)
	})
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/x", nil))
	if attached == nil {
		t.Fatalf("LoggerFrom must return the request-scoped logger")
	}

	// Without the Logger middleware it still returns a usable logger.
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	if LoggerFrom(c) == nil {
		t.Fatalf("LoggerFrom must never return nil")
	}
}

func TestRecovery_PanicBecomesJSON500(t *testing.T) {
	gin.SetMode(gin.TestMode)
	buf := captureLogs(t)

	r := gin.New()
	r.Use(RequestID(), Recovery())
	r.GET("/panic", func(*gin.Context) { panic("kaboom") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"code":"internal_error"`) {
		t.Fatalf("body = %s", w.Body.String())
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Fatalf("recovery response must carry the request id")
	}
	if !strings.Contains(buf.String(), "panic recovered") {
		t.Fatalf("panic must be logged: %s", buf.String())
	}
}

func TestClipAndCtxString(t *testing.T) {
	if got := clip("abcdef", 3); got != "abc…" {
		t.Fatalf("clip = %q", got)
	}
	if got := clip("abc", 10); got != "abc" {
		t.Fatalf("clip within cap = %q", got)
	}
	if got := clip("abc", 0); got != "abc" {
		t.Fatalf("clip disabled = %q", got)
	}
	if ctxString("x") != "x" || ctxString(42) != "" || ctxString(nil) != "" {
		t.Fatalf("ctxString unexpected")
	}
}
