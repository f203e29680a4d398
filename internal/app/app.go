package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/postqueue/internal/analytics"
	"github.com/hitoshi/postqueue/internal/config"
	"github.com/hitoshi/postqueue/internal/database"
	"github.com/hitoshi/postqueue/internal/handler"
	"github.com/hitoshi/postqueue/internal/logger"
	"github.com/hitoshi/postqueue/internal/metrics"
	"github.com/hitoshi/postqueue/internal/middleware"
	"github.com/hitoshi/postqueue/internal/model"
	"github.com/hitoshi/postqueue/internal/publisher"
	"github.com/hitoshi/postqueue/internal/queue"
	"github.com/hitoshi/postqueue/internal/ratelimit"
	"github.com/hitoshi/postqueue/internal/recommend"
	"github.com/hitoshi/postqueue/internal/repository"
	"github.com/hitoshi/postqueue/internal/security"
	"github.com/hitoshi/postqueue/internal/worker/cleanup"
	"github.com/hitoshi/postqueue/internal/worker/dispatch"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. LOG_LEVELを反映する
	logger.SetupDefault(w, cfg.LogLevel)

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("log_level", cfg.LogLevel.String()),
		slog.String("port", cfg.ServerPort),
		slog.String("organization_id", cfg.OrganizationID),
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg)
	case CommandMigrate:
		return runMigrate(ctx, cfg)
	case CommandCleanup:
		return runCleanup(ctx, cfg)
	default:
		return runServe(ctx, cfg)
	}
}

// components は起動モード共通の依存関係。
type components struct {
	db          *sql.DB // memoryストアの場合はnil
	driver      database.Driver
	store       repository.Store
	registry    *prometheus.Registry
	collector   *metrics.Collector
	scheduler   *dispatch.Scheduler
	service     *queue.Service
	recommender *recommend.Recommender

	// dispatchEnabled はこのプロセスがキューを配信するかを示す。
	dispatchEnabled bool
}

// Close はDB接続を閉じる。
func (c *components) Close() {
	if c.db != nil {
		c.db.Close()
	}
}

// healthChecker はDB接続があればそれを、なければnilを返す。
// nilの*sql.DBをインターフェースに入れないよう分岐する。
func (c *components) healthChecker() handler.HealthChecker {
	if c.db == nil {
		return nil
	}
	return c.db
}

// dispatchesIn はcmdで起動したプロセスがキューを配信するかを返す。
// 共有ストアではレート制限状態を1つに保つため配信はworkerだけが行う。
// memoryストアは単一プロセスなのでserveでも配信する。
func dispatchesIn(cmd Command, driver database.Driver) bool {
	return cmd == CommandWorker || driver == database.DriverMemory
}

// build はDB接続から配信スケジューラ・サービス層までを組み立てる。
func build(ctx context.Context, cfg *config.Config, log *slog.Logger, cmd Command) (*components, error) {
	// 1. DB接続
	db, driver, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	c := &components{db: db, driver: driver}

	if db != nil {
		if err := db.PingContext(ctx); err != nil {
			c.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		log.Info("database connection established", slog.String("driver", string(driver)))
	}

	// 2. ストアの初期化
	switch driver {
	case database.DriverPostgres:
		c.store = repository.NewPostgresQueueRepo(db, cfg.OrganizationID)
	case database.DriverSQLite:
		repo := repository.NewSQLiteQueueRepo(db, cfg.OrganizationID)
		// 単一ノード構成のためスキーマは起動時に用意する
		if err := repo.Migrate(ctx); err != nil {
			c.Close()
			return nil, fmt.Errorf("failed to prepare sqlite schema: %w", err)
		}
		c.store = repo
	default:
		log.Warn("メモリストアで起動します。再起動するとキューは失われます")
		c.store = repository.NewMemoryQueueRepo(cfg.OrganizationID)
	}

	// 3. メトリクス
	c.registry = prometheus.NewRegistry()
	c.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	c.collector = metrics.NewCollector(c.registry)

	// 4. 配信
	pub, err := newPublisher(cfg, c.collector, log)
	if err != nil {
		c.Close()
		return nil, err
	}
	limits := ratelimit.NewRegistry(cfg.RateLimits).ForOrganization(cfg.OrganizationID)
	dispatcher := dispatch.NewDispatcher(c.store, pub, dispatch.RetryPolicy{
		MaxRetries:     cfg.QueueMaxRetries,
		InitialBackoff: cfg.QueueInitialBackoff,
		MaxBackoff:     cfg.QueueMaxBackoff,
	}, c.collector, log)
	c.scheduler = dispatch.NewScheduler(c.store, dispatcher, limits, c.collector, log, cfg.QueueMaxConcurrency)
	c.scheduler.ClaimTimeout = cfg.QueueClaimTimeout

	// 5. サービス層
	var processor queue.Processor
	if dispatchesIn(cmd, driver) {
		c.dispatchEnabled = true
		processor = c.scheduler
	}
	c.service = queue.NewService(c.store, processor, c.collector, log, cfg.OrganizationID)

	var source analytics.Source
	switch driver {
	case database.DriverPostgres:
		source = analytics.NewSQLSource(db, cfg.OrganizationID, analytics.DialectPostgres)
	case database.DriverSQLite:
		source = analytics.NewSQLSource(db, cfg.OrganizationID, analytics.DialectSQLite)
	}
	c.recommender = recommend.New(source, recommend.Config{
		Timezone:      cfg.OrganizationTimezone,
		HistoryWeight: cfg.BestTimeHistoryWeight,
		HistoryWindow: cfg.BestTimeHistoryWindow,
	}, log)

	return c, nil
}

// newPublisher は設定に応じたPublisherを返す。
// PUBLISHER_WEBHOOK_URLが未設定の場合は配信せずログのみ出力するDryRunを使う。
func newPublisher(cfg *config.Config, collector metrics.MetricsCollector, log *slog.Logger) (publisher.Publisher, error) {
	if cfg.PublisherWebhookURL == "" {
		log.Warn("PUBLISHER_WEBHOOK_URL が未設定のためドライランで配信します")
		return publisher.NewDryRun(log), nil
	}
	if collector == nil {
		collector = metrics.Nop{}
	}

	policy := security.DefaultEndpointPolicy()
	if err := policy.Validate(cfg.PublisherWebhookURL); err != nil {
		return nil, fmt.Errorf("invalid PUBLISHER_WEBHOOK_URL: %w", err)
	}

	return publisher.NewWebhook(publisher.WebhookConfig{
		URL:    cfg.PublisherWebhookURL,
		Client: policy.NewClient(cfg.PublisherTimeout),
		OnBreakerStateChange: func(p model.Platform, from, to string) {
			collector.RecordBreakerState(p, to)
		},
	}, log), nil
}

// restoreRateWindows は試行履歴からレート制限ウィンドウを復元する。
// 失敗しても起動は継続する。
func restoreRateWindows(ctx context.Context, c *components) {
	if _, err := c.scheduler.RestoreRateWindows(ctx); err != nil {
		slog.Warn("レート制限ウィンドウを復元できませんでした", slog.String("error", err.Error()))
	}
}

// runServe はAPIサーバーモードで起動する。
// ctxがキャンセルされる（SIGINT/SIGTERM）とグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	log := slog.Default()

	c, err := build(ctx, cfg, log, CommandServe)
	if err != nil {
		return err
	}
	defer c.Close()

	// 手動の配信トリガー（POST /api/queue/process）に備える
	if c.dispatchEnabled {
		restoreRateWindows(ctx, c)
	} else {
		log.Info("配信はworkerプロセスが行います。POST /api/queue/process は409を返します")
	}

	rateLimiter := middleware.NewRateLimiter(middleware.NewRateLimiterConfig(cfg.RateLimitAPI), log)
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            log,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		HealthChecker:     c.healthChecker(),
		MetricsHandler:    metrics.Handler(c.registry),
		QueueService:      c.service,
		BestTimeService:   c.recommender,
		Timezone:          cfg.OrganizationTimezone,
	})

	return serveHTTP(ctx, ":"+cfg.ServerPort, router, "API server")
}

// runWorker はワーカーモードで起動する。
// 配信スケジューラをポーリング間隔で実行し、クリーンアップジョブをcronで実行する。
// /health と /metrics のみを公開する。
func runWorker(ctx context.Context, cfg *config.Config) error {
	log := slog.Default()

	c, err := build(ctx, cfg, log, CommandWorker)
	if err != nil {
		return err
	}
	defer c.Close()

	restoreRateWindows(ctx, c)

	// クリーンアップジョブ（組織のタイムゾーンで日次実行）
	job := newCleanupJob(c, cfg, log)
	cronRunner, err := job.Schedule(cfg.CleanupSchedule, cfg.OrganizationTimezone)
	if err != nil {
		return err
	}
	cronRunner.Start()
	defer func() {
		<-cronRunner.Stop().Done()
	}()

	r := chi.NewRouter()
	r.Get("/health", handler.NewHealthHandler(c.healthChecker()))
	r.Method(http.MethodGet, "/metrics", metrics.Handler(c.registry))

	// メトリクスサーバーが起動できない場合はスケジューラも止める
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	serverErr := make(chan error, 1)
	go func() {
		err := serveHTTP(ctx, ":"+cfg.ServerPort, r, "worker metrics server")
		if err != nil {
			cancel()
		}
		serverErr <- err
	}()

	log.Info("worker starting",
		slog.Duration("poll_interval", cfg.QueuePollInterval),
		slog.Int("max_concurrency", cfg.QueueMaxConcurrency),
		slog.Duration("claim_timeout", cfg.QueueClaimTimeout),
		slog.String("cleanup_schedule", cfg.CleanupSchedule),
	)

	// 配信スケジューラをメインgoroutineで実行（ブロッキング）
	c.scheduler.Start(ctx, cfg.QueuePollInterval)
	cancel()

	if err := <-serverErr; err != nil {
		return err
	}
	log.Info("worker stopped gracefully")
	return nil
}

// newCleanupJob は保持期間を設定したクリーンアップジョブを返す。
// 配信試行履歴はレート制限の最長ウィンドウを復元できる期間だけ残す。
func newCleanupJob(c *components, cfg *config.Config, log *slog.Logger) *cleanup.CleanupJob {
	job := cleanup.NewCleanupJob(c.service, c.store, log, cfg.QueueRetentionDays)
	job.AttemptRetention = cleanup.AttemptRetentionFor(ratelimit.LongestLookback(cfg.RateLimits))
	return job
}

// runCleanup はクリーンアップジョブを1回だけ実行する。
// 外部のスケジューラ（Kubernetes CronJobなど）から起動する用途。
func runCleanup(ctx context.Context, cfg *config.Config) error {
	log := slog.Default()

	c, err := build(ctx, cfg, log, CommandCleanup)
	if err != nil {
		return err
	}
	defer c.Close()

	job := newCleanupJob(c, cfg, log)
	if err := job.Run(ctx); err != nil {
		return fmt.Errorf("cleanup failed: %w", err)
	}
	return nil
}

// serveHTTP はctxがキャンセルされるまでHTTPサーバーを実行し、グレースフルシャットダウンする。
func serveHTTP(ctx context.Context, addr string, h http.Handler, name string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	listenErr := make(chan error, 1)
	go func() {
		slog.Info(name+" starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErr <- err
		}
		close(listenErr)
	}()

	select {
	case err, ok := <-listenErr:
		if ok {
			return fmt.Errorf("%s listen error: %w", name, err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down " + name + "...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("%s shutdown failed: %w", name, err)
	}

	slog.Info(name + " stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(ctx context.Context, cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.Migrate(ctx, cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	target := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(target)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return "***"
	}
	if u.User != nil {
		u.User = url.User("***")
	}
	u.RawQuery = ""
	return u.String()
}
