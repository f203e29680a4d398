// Package dispatch は配信キューのバックグラウンド処理を提供する。
// スケジューラ、ディスパッチャ、リトライ/バックオフ戦略を含む。
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/postqueue/internal/metrics"
	"github.com/hitoshi/postqueue/internal/model"
	"github.com/hitoshi/postqueue/internal/ratelimit"
	"github.com/hitoshi/postqueue/internal/repository"
)

const (
	// DefaultClaimTimeout はprocessingのまま残った確保を回収するまでの時間。
	DefaultClaimTimeout = 10 * time.Minute
	// DefaultPollInterval はStartに0以下の間隔が渡された場合のポーリング間隔。
	DefaultPollInterval = time.Minute

	claimExpiredReason = "claim expired"
)

// ProcessResult は1回のスケジューラ実行の集計。
type ProcessResult struct {
	ProcessedCount int // completedになった件数
	FailedCount    int // failedになった件数、または結果を記録できなかった件数
	RetriedCount   int // 一時エラーでpendingに戻った件数
	SkippedCount   int // レート制限または確保競合で次サイクルへ持ち越した件数
}

func (r *ProcessResult) add(o ProcessResult) {
	r.ProcessedCount += o.ProcessedCount
	r.FailedCount += o.FailedCount
	r.RetriedCount += o.RetriedCount
	r.SkippedCount += o.SkippedCount
}

// Scheduler は配信対象エントリの選択と並列制御を行う。
// プラットフォーム間はsemaphoreパターンで並列に、
// 同一プラットフォーム内は並び順どおり逐次に配信する。
type Scheduler struct {
	// ClaimTimeout を過ぎてもprocessingのままのエントリは一時エラーとして扱い、
	// リトライ上限未満ならpendingに戻す。0以下の場合は回収しない。
	ClaimTimeout time.Duration

	store          repository.Store
	dispatcher     *Dispatcher
	limits         *ratelimit.State
	metrics        metrics.MetricsCollector
	logger         *slog.Logger
	maxConcurrency int
	now            func() time.Time
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// maxConcurrencyが0以下の場合はプラットフォーム数を使用する。
func NewScheduler(
	store repository.Store,
	dispatcher *Dispatcher,
	limits *ratelimit.State,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	maxConcurrency int,
) *Scheduler {
	if maxConcurrency <= 0 {
		maxConcurrency = len(model.AllPlatforms())
	}
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Scheduler{
		ClaimTimeout:   DefaultClaimTimeout,
		store:          store,
		dispatcher:     dispatcher,
		limits:         limits,
		metrics:        collector,
		logger:         logger,
		maxConcurrency: maxConcurrency,
		now:            time.Now,
	}
}

// Start は指定間隔のティッカーでスケジューラを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		s.logger.Warn("ポーリング間隔が不正なためデフォルト値を使用します",
			slog.Duration("interval", interval),
			slog.Duration("default", DefaultPollInterval),
		)
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("配信スケジューラを開始しました",
		slog.Duration("interval", interval),
		slog.Int("max_concurrency", s.maxConcurrency),
		slog.Duration("claim_timeout", s.ClaimTimeout),
		slog.String("organization_id", s.limits.OrganizationID()),
	)

	// 起動直後に1回実行
	s.runLogged(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("配信スケジューラを停止しました")
			return
		case <-ticker.C:
			s.runLogged(ctx)
		}
	}
}

func (s *Scheduler) runLogged(ctx context.Context) {
	if _, err := s.RunOnce(ctx); err != nil {
		s.logger.Error("配信サイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

// RestoreRateWindows は永続化された試行履歴からレート制限ウィンドウを復元する。
// 再起動直後に制限を超えて配信しないよう、起動時に1回呼び出す。
func (s *Scheduler) RestoreRateWindows(ctx context.Context) (int, error) {
	longest := s.limits.LongestLookback()
	if longest == 0 {
		return 0, nil
	}

	attempts, err := s.store.ListAttemptsSince(ctx, s.now().Add(-longest))
	if err != nil {
		return 0, fmt.Errorf("配信試行履歴の取得に失敗しました: %w", err)
	}
	n := s.limits.Seed(attempts)
	s.logger.Info("レート制限ウィンドウを復元しました",
		slog.Int("attempt_count", n),
		slog.Duration("lookback", longest),
	)
	return n, nil
}

// releaseStaleClaims はClaimTimeoutを過ぎたprocessingのエントリを一時エラーとして回収する。
// 回収したエントリはリトライ上限未満ならバックオフ後に再配信される。
func (s *Scheduler) releaseStaleClaims(ctx context.Context, now time.Time) (ProcessResult, error) {
	var r ProcessResult
	if s.ClaimTimeout <= 0 {
		return r, nil
	}

	stale, err := s.store.ListStaleClaims(ctx, now.Add(-s.ClaimTimeout))
	if err != nil {
		return r, fmt.Errorf("滞留エントリの取得に失敗しました: %w", err)
	}

	for _, e := range stale {
		update := s.dispatcher.policy.ApplyTransientFailure(e, claimExpiredReason, now)
		if err := s.store.UpdateStatus(ctx, update); err != nil {
			if !errors.Is(err, repository.ErrConflict) {
				s.logger.Error("滞留エントリの回収に失敗しました",
					slog.String("queue_id", e.ID),
					slog.String("error", err.Error()),
				)
			}
			continue
		}

		if update.Status == model.StatusFailed {
			r.FailedCount++
		} else {
			r.RetriedCount++
		}
		s.metrics.RecordDispatch(e.Platform, "claim_expired")
		s.logger.Warn("確保期限切れのエントリを回収しました",
			slog.String("queue_id", e.ID),
			slog.String("post_id", e.PostID),
			slog.String("platform", string(e.Platform)),
			slog.String("status", string(update.Status)),
			slog.Int("retry_count", update.RetryCount),
			slog.Time("claimed_at", e.UpdatedAt),
		)
	}
	return r, nil
}

// RunOnce は配信対象エントリを1回選択し、プラットフォームごとに配信する。
// 配信エラーはエントリの状態として記録され、戻り値のエラーはストアの読み取り失敗のみ。
func (s *Scheduler) RunOnce(ctx context.Context) (ProcessResult, error) {
	start := s.now()

	// 回収の失敗では配信サイクルを止めない
	total, err := s.releaseStaleClaims(ctx, start)
	if err != nil {
		s.logger.Error("滞留エントリの回収に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	pending, err := s.store.List(ctx, model.QueueFilter{
		Statuses: []model.Status{model.StatusPending},
		To:       &start,
	})
	if err != nil {
		return total, fmt.Errorf("配信対象エントリの取得に失敗しました: %w", err)
	}

	due := SelectDue(pending, start)
	if len(due) == 0 {
		s.logger.Debug("配信対象のエントリはありません")
		return total, nil
	}

	batches := groupByPlatform(due)
	s.logger.Info("配信サイクルを開始します",
		slog.Int("entry_count", len(due)),
		slog.Int("platform_count", len(batches)),
	)

	// semaphoreパターンで並列数を制御
	sem := make(chan struct{}, s.maxConcurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, batch := range batches {
		wg.Add(1)
		sem <- struct{}{} // semaphore取得（ブロック）

		go func(b platformBatch) {
			defer wg.Done()
			defer func() { <-sem }() // semaphore解放

			r := s.runPlatform(ctx, b)

			mu.Lock()
			total.add(r)
			mu.Unlock()
		}(batch)
	}

	wg.Wait()

	s.logger.Info("配信サイクルが完了しました",
		slog.Int("processed", total.ProcessedCount),
		slog.Int("failed", total.FailedCount),
		slog.Int("retried", total.RetriedCount),
		slog.Int("skipped", total.SkippedCount),
		slog.Float64("duration_ms", float64(s.now().Sub(start).Milliseconds())),
	)

	return total, nil
}

// runPlatform は1プラットフォーム分のエントリを並び順どおり逐次に配信する。
// レート制限に達した時点で残りのエントリはpendingのまま次サイクルへ持ち越す。
func (s *Scheduler) runPlatform(ctx context.Context, b platformBatch) ProcessResult {
	var r ProcessResult

	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("配信処理でパニックが発生しました",
				slog.String("platform", string(b.platform)),
				slog.Any("panic", rec),
			)
		}
	}()

	for i, e := range b.entries {
		if ctx.Err() != nil {
			r.SkippedCount += len(b.entries) - i
			return r
		}

		now := s.now()
		if !s.limits.MayDispatch(b.platform, now) {
			r.SkippedCount += s.deferRest(b, i, now)
			return r
		}

		claimed, err := s.store.Claim(ctx, e.ID)
		if err != nil {
			s.logger.Error("キューエントリの確保に失敗しました",
				slog.String("queue_id", e.ID),
				slog.String("error", err.Error()),
			)
			r.SkippedCount++
			continue
		}
		if !claimed {
			// 他のスケジューラが先に確保した
			r.SkippedCount++
			continue
		}

		// 確保できたエントリだけが枠を消費する
		now = s.now()
		if !s.limits.TryAcquire(b.platform, now) {
			s.release(ctx, e)
			r.SkippedCount += s.deferRest(b, i, now)
			return r
		}

		e.Status = model.StatusProcessing
		switch s.dispatcher.Dispatch(ctx, e) {
		case ResultCompleted:
			r.ProcessedCount++
		case ResultRetried:
			r.RetriedCount++
		default:
			r.FailedCount++
		}
	}
	return r
}

// deferRest はバッチのi番目以降をレート制限により次サイクルへ持ち越し、件数を返す。
func (s *Scheduler) deferRest(b platformBatch, i int, now time.Time) int {
	skipped := len(b.entries) - i
	s.metrics.RecordRateLimitSkip(b.platform, skipped)
	s.logger.Info("レート制限のため配信を持ち越します",
		slog.String("platform", string(b.platform)),
		slog.Int("skipped", skipped),
		slog.Time("next_allowed_at", s.limits.NextAllowedAt(b.platform, now)),
	)
	return skipped
}

// release は確保したが配信しなかったエントリをpendingに戻す。
// 再試行回数やバックオフは変更しない。
func (s *Scheduler) release(ctx context.Context, e *model.QueueEntry) {
	err := s.store.UpdateStatus(context.WithoutCancel(ctx), repository.StatusUpdate{
		ID:            e.ID,
		From:          model.StatusProcessing,
		Status:        model.StatusPending,
		RetryCount:    e.RetryCount,
		LastError:     e.LastError,
		NextAttemptAt: e.NextAttemptAt,
	})
	if err != nil {
		// 戻せなかったエントリはClaimTimeout経過後に回収される
		s.logger.Error("確保したエントリをpendingに戻せませんでした",
			slog.String("queue_id", e.ID),
			slog.String("error", err.Error()),
		)
	}
}
