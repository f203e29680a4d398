package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"
)

// TestChain_RecoveryLoggingRateLimit はミドルウェアを組み合わせた際の挙動を検証する。
func TestChain_RecoveryLoggingRateLimit(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)
	rl := NewRateLimiter(RateLimiterConfig{Rate: rate.Limit(0.01), Burst: 1, CleanupInterval: time.Hour}, logger)
	defer rl.Stop()

	r := chi.NewRouter()
	r.Use(NewRecoveryMiddleware(logger))
	r.Use(NewLoggingMiddleware(logger))
	r.Use(NewCORSMiddleware("http://localhost:3000"))
	r.Use(rl.Middleware())
	r.Get("/boom", func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})

	req := httptest.NewRequest(http.MethodGet, "/boom", nil)
	req.RemoteAddr = "198.51.100.7:1234"
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	body := decodeErrorBody(t, w)
	if body.Code != "INTERNAL_ERROR" {
		t.Errorf("code = %q, want INTERNAL_ERROR", body.Code)
	}
	if !strings.Contains(buf.String(), "panic recovered") {
		t.Errorf("expected panic log, got: %s", buf.String())
	}

	// 2回目は同じクライアントのためレート制限で429になる
	req = httptest.NewRequest(http.MethodGet, "/boom", nil)
	req.RemoteAddr = "198.51.100.7:1235"
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "http://localhost:3000" {
		t.Error("CORS headers should be set on rate-limited responses")
	}
}

// TestRecovery_IncludesRequestID はpanicのログと応答にリクエストIDが含まれることを検証する。
func TestRecovery_IncludesRequestID(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(NewRecoveryMiddleware(logger))
	r.Post("/api/queue/process", func(w http.ResponseWriter, r *http.Request) {
		panic("dispatch exploded")
	})

	req := httptest.NewRequest(http.MethodPost, "/api/queue/process", nil)
	req.Header.Set(chimw.RequestIDHeader, "req-panic-1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	if got := w.Header().Get(chimw.RequestIDHeader); got != "req-panic-1" {
		t.Errorf("%s = %q, want req-panic-1", chimw.RequestIDHeader, got)
	}
	entry := parseLogEntry(t, &buf)
	if entry["msg"] != "panic recovered" || entry["request_id"] != "req-panic-1" {
		t.Errorf("log entry = %v", entry)
	}
	if entry["panic"] != "dispatch exploded" {
		t.Errorf("panic = %v", entry["panic"])
	}
}
