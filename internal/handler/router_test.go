package handler

import (
	"bytes"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/hitoshi/postqueue/internal/metrics"
	"github.com/hitoshi/postqueue/internal/middleware"
	"github.com/hitoshi/postqueue/internal/publisher"
	"github.com/hitoshi/postqueue/internal/queue"
	"github.com/hitoshi/postqueue/internal/ratelimit"
	"github.com/hitoshi/postqueue/internal/recommend"
	"github.com/hitoshi/postqueue/internal/repository"
	"github.com/hitoshi/postqueue/internal/worker/dispatch"
)

// newIntegrationRouter はメモリストアとドライラン配信で全体を組み立てたルーターを返す。
func newIntegrationRouter(t *testing.T, rl *middleware.RateLimiter) (http.Handler, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)
	store := repository.NewMemoryQueueRepo("org-router")

	dispatcher := dispatch.NewDispatcher(store, publisher.NewDryRun(logger), dispatch.DefaultRetryPolicy(), collector, logger)
	scheduler := dispatch.NewScheduler(store, dispatcher, ratelimit.NewState("org-router", nil), collector, logger, 0)
	service := queue.NewService(store, scheduler, collector, logger, "org-router")

	return NewRouter(&RouterDeps{
		Logger:            logger,
		CORSAllowedOrigin: "http://localhost:3000",
		RateLimiter:       rl,
		MetricsHandler:    metrics.Handler(reg),
		QueueService:      service,
		BestTimeService:   recommend.New(nil, recommend.Config{Timezone: "UTC"}, logger),
		Timezone:          "UTC",
	}), &buf
}

func TestRouter_EnqueueProcessAndInspect(t *testing.T) {
	router, buf := newIntegrationRouter(t, nil)

	w := doRequest(t, router, http.MethodPost, "/api/queue",
		`{"post_id":"launch","platforms":["twitter","linkedin","facebook"],"scheduled_time":"2026-01-05T09:00:00Z"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("add: status = %d, body: %s", w.Code, w.Body.String())
	}

	w = doRequest(t, router, http.MethodGet, "/api/queue?status=pending", "")
	var list queueListResponse
	decodeJSON(t, w, &list)
	if list.Count != 3 {
		t.Fatalf("pending count = %d, want 3", list.Count)
	}

	w = doRequest(t, router, http.MethodPost, "/api/queue/process", "")
	if w.Code != http.StatusOK {
		t.Fatalf("process: status = %d, body: %s", w.Code, w.Body.String())
	}
	var processed processResponse
	decodeJSON(t, w, &processed)
	if processed.ProcessedCount != 3 || processed.FailedCount != 0 {
		t.Errorf("process = %+v, want 3 processed", processed)
	}

	w = doRequest(t, router, http.MethodGet, "/api/queue/stats", "")
	var stats queueStatsResponse
	decodeJSON(t, w, &stats)
	if stats.ByStatus["completed"] != 3 || stats.ByStatus["pending"] != 0 {
		t.Errorf("by_status = %v", stats.ByStatus)
	}

	w = doRequest(t, router, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("metrics: status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `postqueue_dispatch_total{outcome="success",platform="twitter"} 1`) {
		t.Errorf("metrics should include dispatch counter:\n%s", w.Body.String())
	}

	if !strings.Contains(buf.String(), `"msg":"http_request"`) {
		t.Error("expected request log lines")
	}
}

func TestRouter_RemoveUnknownEntry(t *testing.T) {
	router, _ := newIntegrationRouter(t, nil)
	w := doRequest(t, router, http.MethodDelete, "/api/queue/"+testEntryID, "")
	assertErrorCode(t, w, http.StatusNotFound, "QUEUE_ITEM_NOT_FOUND")

	w = doRequest(t, router, http.MethodDelete, "/api/queue/not-a-uuid", "")
	assertErrorCode(t, w, http.StatusBadRequest, "INVALID_ID")
}

func TestRouter_BestTimesFromStaticTables(t *testing.T) {
	router, _ := newIntegrationRouter(t, nil)
	w := doRequest(t, router, http.MethodGet, "/api/best-times/instagram?days=7", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body: %s", w.Code, w.Body.String())
	}
	var resp bestTimesResponse
	decodeJSON(t, w, &resp)
	if len(resp.Slots) == 0 || len(resp.Slots) > recommend.MaxResults {
		t.Fatalf("slots = %d", len(resp.Slots))
	}
	for i := 1; i < len(resp.Slots); i++ {
		if resp.Slots[i].Score > resp.Slots[i-1].Score {
			t.Errorf("slots not sorted by score at %d", i)
		}
	}
}

func TestRouter_HealthAndRateLimit(t *testing.T) {
	rl := middleware.NewRateLimiter(middleware.RateLimiterConfig{
		Rate:            rate.Limit(0.01),
		Burst:           1,
		CleanupInterval: time.Hour,
	}, nil)
	defer rl.Stop()
	router, _ := newIntegrationRouter(t, rl)

	if w := doRequest(t, router, http.MethodGet, "/api/queue/stats", ""); w.Code != http.StatusOK {
		t.Fatalf("first request: status = %d", w.Code)
	}
	if w := doRequest(t, router, http.MethodGet, "/api/queue/stats", ""); w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: status = %d, want 429", w.Code)
	}
	// /health はレート制限の対象外
	for i := 0; i < 3; i++ {
		if w := doRequest(t, router, http.MethodGet, "/health", ""); w.Code != http.StatusOK {
			t.Fatalf("health: status = %d", w.Code)
		}
	}
}

func TestRouter_CORSPreflight(t *testing.T) {
	router, _ := newIntegrationRouter(t, nil)
	w := doRequest(t, router, http.MethodOptions, "/api/queue", "")
	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "http://localhost:3000" {
		t.Error("missing CORS header")
	}
}
