// Package cleanup は配信キューの定期クリーンアップジョブを提供する。
// 保持期間（デフォルト30日）を超過したcompletedエントリと、
// レート制限ウィンドウの復元に不要になった配信試行履歴を削除する。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hitoshi/postqueue/internal/queue"
	"github.com/hitoshi/postqueue/internal/tzconv"
)

const (
	// DefaultSchedule は毎日3時（組織のタイムゾーン）に実行する。
	DefaultSchedule = "0 3 * * *"
	// DefaultAttemptRetention は配信試行履歴の最短保持期間。
	DefaultAttemptRetention = 48 * time.Hour

	runTimeout = 30 * time.Minute
)

// AttemptRetentionFor はレート制限の最長ウィンドウlookbackを復元できる試行履歴の保持期間を返す。
// lookbackの2倍とDefaultAttemptRetentionの長い方。
func AttemptRetentionFor(lookback time.Duration) time.Duration {
	return max(DefaultAttemptRetention, 2*lookback)
}

// Cleaner は完了エントリの削除を行う。queue.Serviceが実装する。
type Cleaner interface {
	ClearOldCompletedItems(ctx context.Context, retentionDays int) (*queue.CountResult, error)
}

// AttemptPruner は古い配信試行履歴を削除する。
type AttemptPruner interface {
	DeleteAttemptsBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// CleanupJob は保持期間を超過したデータの削除ジョブ。
// 冪等であり、削除対象がない場合もエラーにならない。
type CleanupJob struct {
	cleaner  Cleaner
	attempts AttemptPruner
	logger   *slog.Logger
	now      func() time.Time

	RetentionDays    int           // completedエントリの保持日数
	AttemptRetention time.Duration // 配信試行履歴の保持期間
}

// NewCleanupJob は新しいCleanupJobを生成する。
// attemptsがnilの場合は配信試行履歴を削除しない。
func NewCleanupJob(cleaner Cleaner, attempts AttemptPruner, logger *slog.Logger, retentionDays int) *CleanupJob {
	if retentionDays <= 0 {
		retentionDays = queue.DefaultRetentionDays
	}
	return &CleanupJob{
		cleaner:          cleaner,
		attempts:         attempts,
		logger:           logger,
		now:              time.Now,
		RetentionDays:    retentionDays,
		AttemptRetention: DefaultAttemptRetention,
	}
}

// Run はクリーンアップを1回実行する。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := j.now()

	res, err := j.cleaner.ClearOldCompletedItems(ctx, j.RetentionDays)
	if err != nil {
		j.logger.Error("キュークリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return fmt.Errorf("キュークリーンアップの実行に失敗: %w", err)
	}

	var attemptsDeleted int
	if j.attempts != nil && !res.DegradedMode {
		attemptsDeleted, err = j.attempts.DeleteAttemptsBefore(ctx, start.Add(-j.AttemptRetention))
		if err != nil {
			j.logger.Error("配信試行履歴の削除に失敗しました",
				slog.String("error", err.Error()),
			)
			return fmt.Errorf("配信試行履歴の削除に失敗: %w", err)
		}
	}

	j.logger.Info("キュークリーンアップジョブが完了しました",
		slog.Int("deleted_count", res.Count),
		slog.Int("attempts_deleted", attemptsDeleted),
		slog.Int("retention_days", j.RetentionDays),
		slog.Bool("degraded", res.DegradedMode),
		slog.Float64("duration_ms", float64(j.now().Sub(start).Milliseconds())),
	)
	return nil
}

// Schedule はジョブをcronスケジュールに登録したcron.Cronを返す。
// スケジュールは組織のタイムゾーンで解釈し、未知のタイムゾーンはUTCとする。
// 呼び出し元がStart/Stopを行う。
func (j *CleanupJob) Schedule(spec, timezone string) (*cron.Cron, error) {
	if spec == "" {
		spec = DefaultSchedule
	}
	c := cron.New(cron.WithLocation(tzconv.LocationOrUTC(timezone)))
	_, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
		defer cancel()
		// エラーはRun内でログ出力済み
		_ = j.Run(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("クリーンアップスケジュール %q が不正です: %w", spec, err)
	}
	j.logger.Info("クリーンアップジョブを登録しました",
		slog.String("schedule", spec),
		slog.String("timezone", c.Location().String()),
	)
	return c, nil
}
