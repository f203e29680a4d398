package publisher

import (
	"context"
	"log/slog"

	"github.com/hitoshi/postqueue/internal/model"
)

// DryRun は配信を行わずログに記録して成功を返すPublisher。
// 中継エンドポイントが未設定の環境で使う。
type DryRun struct {
	logger *slog.Logger
}

// NewDryRun はDryRunを生成する。
func NewDryRun(logger *slog.Logger) *DryRun {
	return &DryRun{logger: logger}
}

// Publish は配信要求をログに記録する。
func (d *DryRun) Publish(ctx context.Context, postID string, platform model.Platform) error {
	if err := ctx.Err(); err != nil {
		return Transient(err)
	}
	d.logger.Info("ドライラン: 配信をスキップしました",
		slog.String("post_id", postID),
		slog.String("platform", string(platform)),
	)
	return nil
}

var _ Publisher = (*DryRun)(nil)
