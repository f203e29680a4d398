// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hitoshi/postqueue/internal/model"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ワーカーやサービス層から利用する。
type MetricsCollector interface {
	RecordDispatch(platform model.Platform, outcome string)
	RecordDispatchLatency(platform model.Platform, duration time.Duration)
	RecordRateLimitSkip(platform model.Platform, count int)
	RecordDegraded(operation string)
	RecordBreakerState(platform model.Platform, state string)
	RecordCleanup(removed int)
	SetQueueDepth(status model.Status, count int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	dispatches      *prometheus.CounterVec
	dispatchLatency *prometheus.HistogramVec
	rateLimitSkips  *prometheus.CounterVec
	degraded        *prometheus.CounterVec
	breakerOpen     *prometheus.GaugeVec
	cleanupRemoved  prometheus.Counter
	queueDepth      *prometheus.GaugeVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "postqueue_dispatch_total",
			Help: "プラットフォーム・結果別の配信試行数",
		}, []string{"platform", "outcome"}),
		dispatchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "postqueue_dispatch_latency_seconds",
			Help:    "配信1件あたりのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"platform"}),
		rateLimitSkips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "postqueue_rate_limit_skipped_total",
			Help: "レート制限により次サイクルへ持ち越したエントリ数",
		}, []string{"platform"}),
		degraded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "postqueue_degraded_operations_total",
			Help: "ストア不在により縮退モードで応答した操作数",
		}, []string{"operation"}),
		breakerOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "postqueue_publisher_breaker_open",
			Help: "配信先サーキットブレーカーが開いているか（1=open, 0.5=half-open, 0=closed）",
		}, []string{"platform"}),
		cleanupRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "postqueue_cleanup_removed_total",
			Help: "保持期間切れで削除された完了エントリの合計数",
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "postqueue_queue_entries",
			Help: "ステータス別のキューエントリ数",
		}, []string{"status"}),
	}

	reg.MustRegister(
		c.dispatches,
		c.dispatchLatency,
		c.rateLimitSkips,
		c.degraded,
		c.breakerOpen,
		c.cleanupRemoved,
		c.queueDepth,
	)

	return c
}

// RecordDispatch は配信結果を記録する。
func (c *Collector) RecordDispatch(platform model.Platform, outcome string) {
	c.dispatches.WithLabelValues(string(platform), outcome).Inc()
}

// RecordDispatchLatency は配信のレイテンシを記録する。
func (c *Collector) RecordDispatchLatency(platform model.Platform, duration time.Duration) {
	c.dispatchLatency.WithLabelValues(string(platform)).Observe(duration.Seconds())
}

// RecordRateLimitSkip はレート制限で持ち越したエントリ数を記録する。
func (c *Collector) RecordRateLimitSkip(platform model.Platform, count int) {
	c.rateLimitSkips.WithLabelValues(string(platform)).Add(float64(count))
}

// RecordDegraded は縮退モードでの応答を記録する。
func (c *Collector) RecordDegraded(operation string) {
	c.degraded.WithLabelValues(operation).Inc()
}

// RecordBreakerState はサーキットブレーカーの状態を記録する。
func (c *Collector) RecordBreakerState(platform model.Platform, state string) {
	v := 0.0
	switch state {
	case "open":
		v = 1
	case "half-open":
		v = 0.5
	}
	c.breakerOpen.WithLabelValues(string(platform)).Set(v)
}

// RecordCleanup は削除件数を記録する。
func (c *Collector) RecordCleanup(removed int) {
	c.cleanupRemoved.Add(float64(removed))
}

// SetQueueDepth はステータス別のエントリ数を設定する。
func (c *Collector) SetQueueDepth(status model.Status, count int) {
	c.queueDepth.WithLabelValues(string(status)).Set(float64(count))
}

// Nop は何も記録しないMetricsCollector。
type Nop struct{}

func (Nop) RecordDispatch(model.Platform, string)                {}
func (Nop) RecordDispatchLatency(model.Platform, time.Duration) {}
func (Nop) RecordRateLimitSkip(model.Platform, int)             {}
func (Nop) RecordDegraded(string)                               {}
func (Nop) RecordBreakerState(model.Platform, string)           {}
func (Nop) RecordCleanup(int)                                   {}
func (Nop) SetQueueDepth(model.Status, int)                     {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
