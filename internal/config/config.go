package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/postqueue/internal/logger"
	"github.com/hitoshi/postqueue/internal/model"
	"github.com/hitoshi/postqueue/internal/ratelimit"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Logging
	LogLevel slog.Level

	// Database
	DatabaseURL string

	// Organization
	OrganizationID       string
	OrganizationTimezone string

	// Queue
	QueuePollInterval   time.Duration
	QueueClaimTimeout   time.Duration // processingのまま残ったエントリを回収するまでの時間
	QueueMaxConcurrency int
	QueueMaxRetries     int
	QueueInitialBackoff time.Duration
	QueueMaxBackoff     time.Duration
	QueueRetentionDays  int
	CleanupSchedule     string

	// Publisher
	PublisherWebhookURL string
	PublisherTimeout    time.Duration

	// Best time
	BestTimeHistoryWeight float64
	BestTimeHistoryWindow time.Duration

	// Rate Limit
	RateLimitAPI int // クライアントごとの1分あたりのAPIリクエスト数
	RateLimits   map[model.Platform]ratelimit.PlatformLimit

	// Server
	ServerPort string

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合、数値や期間が解析できないか範囲外の場合、
// またはレート制限の書式が不正な場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	env := &envReader{}
	cfg.LogLevel = env.getLevel("LOG_LEVEL", slog.LevelInfo)
	cfg.OrganizationID = env.getString("ORGANIZATION_ID", "default")
	cfg.OrganizationTimezone = env.getString("ORGANIZATION_TIMEZONE", "UTC")
	cfg.QueuePollInterval = env.getDuration("QUEUE_POLL_INTERVAL", time.Minute)
	cfg.QueueClaimTimeout = env.getDuration("QUEUE_CLAIM_TIMEOUT", 10*time.Minute)
	cfg.QueueMaxConcurrency = env.getInt("QUEUE_MAX_CONCURRENCY", len(model.AllPlatforms()), 1)
	cfg.QueueMaxRetries = env.getInt("QUEUE_MAX_RETRIES", 3, 0)
	cfg.QueueInitialBackoff = env.getDuration("QUEUE_INITIAL_BACKOFF", time.Minute)
	cfg.QueueMaxBackoff = env.getDuration("QUEUE_MAX_BACKOFF", time.Hour)
	cfg.QueueRetentionDays = env.getInt("QUEUE_RETENTION_DAYS", 30, 1)
	cfg.CleanupSchedule = env.getString("CLEANUP_SCHEDULE", "0 3 * * *")
	cfg.PublisherWebhookURL = env.getString("PUBLISHER_WEBHOOK_URL", "")
	cfg.PublisherTimeout = env.getDuration("PUBLISHER_TIMEOUT", 10*time.Second)
	cfg.BestTimeHistoryWeight = env.getFloat("BEST_TIME_HISTORY_WEIGHT", 0.5, 0)
	cfg.BestTimeHistoryWindow = env.getDuration("BEST_TIME_HISTORY_WINDOW", 90*24*time.Hour)
	cfg.RateLimitAPI = env.getInt("RATE_LIMIT_API", 120, 1)
	cfg.ServerPort = env.getString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = env.getString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	if cfg.QueueMaxBackoff < cfg.QueueInitialBackoff {
		env.fail("QUEUE_MAX_BACKOFF", "QUEUE_INITIAL_BACKOFF以上で指定してください")
	}
	// 確保期限は1回の配信タイムアウトより長くなければならない
	if cfg.QueueClaimTimeout <= cfg.PublisherTimeout {
		env.fail("QUEUE_CLAIM_TIMEOUT", "PUBLISHER_TIMEOUTより長く指定してください")
	}
	if err := env.err(); err != nil {
		return nil, fmt.Errorf("invalid environment variables: %w", err)
	}

	limits, err := loadRateLimits()
	if err != nil {
		return nil, err
	}
	cfg.RateLimits = limits

	return cfg, nil
}

// loadRateLimits はデフォルトのプラットフォーム制限に RATE_LIMIT_<PLATFORM> の上書きを適用する。
func loadRateLimits() (map[model.Platform]ratelimit.PlatformLimit, error) {
	limits := ratelimit.DefaultLimits()
	for _, p := range model.AllPlatforms() {
		key := "RATE_LIMIT_" + strings.ToUpper(string(p))
		v := os.Getenv(key)
		if v == "" {
			continue
		}
		l, err := ratelimit.ParseLimit(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		limits[p] = l
	}
	return limits, nil
}

// envReader は環境変数を型付きで読み取り、解析できない値や範囲外の値を集めて報告する。
// 未設定の場合はデフォルト値を使う。
type envReader struct {
	errs []error
}

func (r *envReader) fail(key, reason string) {
	r.errs = append(r.errs, fmt.Errorf("%s: %s", key, reason))
}

func (r *envReader) err() error {
	return errors.Join(r.errs...)
}

func (r *envReader) getString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// getInt は整数を読み取る。minVal未満はエラー。
func (r *envReader) getInt(key string, defaultVal, minVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		r.fail(key, fmt.Sprintf("整数で指定してください: %q", v))
		return defaultVal
	}
	if i < minVal {
		r.fail(key, fmt.Sprintf("%d以上で指定してください: %d", minVal, i))
		return defaultVal
	}
	return i
}

// getFloat は小数を読み取る。minVal未満はエラー。
func (r *envReader) getFloat(key string, defaultVal, minVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		r.fail(key, fmt.Sprintf("数値で指定してください: %q", v))
		return defaultVal
	}
	if f < minVal {
		r.fail(key, fmt.Sprintf("%v以上で指定してください: %v", minVal, f))
		return defaultVal
	}
	return f
}

// getDuration は期間を読み取る。0以下はエラー。
func (r *envReader) getDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		r.fail(key, fmt.Sprintf("期間の形式で指定してください（例: 30s, 5m）: %q", v))
		return defaultVal
	}
	if d <= 0 {
		r.fail(key, fmt.Sprintf("正の期間で指定してください: %s", d))
		return defaultVal
	}
	return d
}

func (r *envReader) getLevel(key string, defaultVal slog.Level) slog.Level {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	l, err := logger.ParseLevel(v)
	if err != nil {
		r.fail(key, err.Error())
		return defaultVal
	}
	return l
}
