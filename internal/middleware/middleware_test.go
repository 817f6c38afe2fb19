package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	h := Logger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/submissions", nil))

	out := buf.String()
	assert.Contains(t, out, "level=WARN")
	assert.Contains(t, out, "path=/api/submissions")
	assert.Contains(t, out, "status=418")
	assert.Contains(t, out, "bytes=15")
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(1, 2)
	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func(addr string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/submissions", nil)
		req.RemoteAddr = addr
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr.Code
	}

	assert.Equal(t, http.StatusOK, send("10.0.0.1:1111"))
	assert.Equal(t, http.StatusOK, send("10.0.0.1:2222"))
	assert.Equal(t, http.StatusTooManyRequests, send("10.0.0.1:3333"), "same host, different port")
	assert.Equal(t, http.StatusOK, send("10.0.0.2:1111"), "other clients have their own bucket")
}

func TestRateLimiter_Disabled(t *testing.T) {
	rl := NewRateLimiter(0, 0)
	for i := 0; i < 100; i++ {
		assert.True(t, rl.Allow("10.0.0.1"))
	}
}

func TestRateLimiter_Sweep(t *testing.T) {
	rl := NewRateLimiter(10, 10)
	rl.Allow("a")
	rl.Allow("b")

	assert.Equal(t, 0, rl.Sweep(time.Hour))
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 2, rl.Sweep(time.Millisecond))
}
