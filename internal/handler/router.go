package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/postqueue/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// ミドルウェア依存
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter

	// ヘルスチェック。nilの場合は常にok
	HealthChecker HealthChecker
	// /metrics のハンドラー。nilの場合はエンドポイントを公開しない
	MetricsHandler http.Handler

	QueueService    QueueServiceInterface
	BestTimeService BestTimeServiceInterface
	Timezone        string
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → RealIP → Recovery → Logging → CORS → RateLimit（/api/* のみ）
//
// /health と /metrics はレート制限の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	r.Get("/health", NewHealthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	queueHandler := NewQueueHandler(deps.QueueService)
	bestTimeHandler := NewBestTimeHandler(deps.BestTimeService, deps.Timezone)

	r.Group(func(r chi.Router) {
		if deps.RateLimiter != nil {
			r.Use(deps.RateLimiter.Middleware())
		}

		r.Route("/api/queue", func(r chi.Router) {
			r.Post("/", queueHandler.AddToQueue)
			r.Get("/", queueHandler.ListQueue)
			r.Get("/stats", queueHandler.GetQueueStats)
			r.Put("/priority", queueHandler.BulkUpdatePriority)
			r.Post("/cleanup", queueHandler.ClearOldCompleted)
			r.Post("/process", queueHandler.ProcessQueue)

			r.Route("/{id}", func(r chi.Router) {
				r.Delete("/", queueHandler.Remove)
				r.Put("/schedule", queueHandler.Reschedule)
			})
		})

		r.Get("/api/best-times/{platform}", bestTimeHandler.GetBestTimes)
		r.Get("/api/timezone", bestTimeHandler.GetTimezone)
	})

	return r
}
