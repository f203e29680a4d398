// Package queue は配信キューのドメインロジックを提供する。
// 予約登録（プラットフォームごとのファンアウト）、一覧・集計、予約変更、削除、
// 保持期間によるクリーンアップと、ストア不在時の縮退動作を扱う。
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/postqueue/internal/metrics"
	"github.com/hitoshi/postqueue/internal/model"
	"github.com/hitoshi/postqueue/internal/repository"
	"github.com/hitoshi/postqueue/internal/worker/dispatch"
)

// DefaultRetentionDays は完了エントリの保持日数のデフォルト値。
const DefaultRetentionDays = 30

// Processor は配信サイクルを1回実行する。dispatch.Schedulerが実装する。
type Processor interface {
	RunOnce(ctx context.Context) (dispatch.ProcessResult, error)
}

// AddRequest は予約登録のリクエスト。
type AddRequest struct {
	PostID         string
	Platforms      []model.Platform
	ScheduledTime  time.Time
	Priority       model.Priority // 空の場合はnormal
	AllowDuplicate bool           // 同一投稿・同一プラットフォームの未完了エントリがあっても登録する
}

// AddResult は予約登録の結果。
// DegradedModeがtrueの場合、QueueItemsは永続化されていない合成エントリを含む。
type AddResult struct {
	Success      bool
	QueueItems   []model.QueueEntry
	DegradedMode bool
	Message      string
}

// RemoveResult は予約削除の結果。
type RemoveResult struct {
	Success      bool
	Removed      bool
	DegradedMode bool
}

// ListResult は一覧取得の結果。
type ListResult struct {
	Items        []*model.QueueEntry
	DegradedMode bool
}

// StatsResult は集計結果。
type StatsResult struct {
	model.QueueStats
	DegradedMode bool
}

// CountResult は件数を返す保守操作の結果。
type CountResult struct {
	Count        int
	DegradedMode bool
}

// Service は配信キューのサービス層。
type Service struct {
	store     repository.Store
	processor Processor
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
	orgID     string
	now       func() time.Time
	newID     func() string
}

// NewService はServiceの新しいインスタンスを生成する。
// processorがnilの場合、ProcessQueueは DISPATCH_DISABLED エラーを返す。
func NewService(
	store repository.Store,
	processor Processor,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	orgID string,
) *Service {
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Service{
		store:     store,
		processor: processor,
		metrics:   collector,
		logger:    logger,
		orgID:     orgID,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// degraded はストア不在を縮退モードとして記録する。
func (s *Service) degraded(op string, err error) {
	s.metrics.RecordDegraded(op)
	s.logger.Warn("ストアが利用できないため縮退モードで応答します",
		slog.String("operation", op),
		slog.String("organization_id", s.orgID),
		slog.String("error", err.Error()),
	)
}

func validateID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return model.NewInvalidIDError(id)
	}
	return nil
}

func (r AddRequest) validate() (model.Priority, error) {
	if r.PostID == "" {
		return "", model.NewInvalidRequestError("postIdが指定されていません")
	}
	if len(r.Platforms) == 0 {
		return "", model.NewInvalidRequestError("配信先プラットフォームが指定されていません")
	}
	seen := make(map[model.Platform]bool, len(r.Platforms))
	for _, p := range r.Platforms {
		if !p.Valid() {
			return "", model.NewInvalidPlatformError(string(p))
		}
		if seen[p] {
			return "", model.NewInvalidRequestError(fmt.Sprintf("プラットフォーム %s が重複しています", p))
		}
		seen[p] = true
	}
	if r.ScheduledTime.IsZero() {
		return "", model.NewInvalidScheduleError("予約日時が指定されていません")
	}
	priority := r.Priority
	if priority == "" {
		priority = model.PriorityNormal
	}
	if !priority.Valid() {
		return "", model.NewInvalidPriorityError(string(priority))
	}
	return priority, nil
}

// AddToQueue は投稿を指定プラットフォームごとの独立したエントリとして登録する。
// ストアが利用できない場合はエラーにせず、合成エントリをDegradedModeで返す。
func (s *Service) AddToQueue(ctx context.Context, req AddRequest) (*AddResult, error) {
	priority, err := req.validate()
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	entries := make([]model.QueueEntry, len(req.Platforms))
	for i, p := range req.Platforms {
		entries[i] = model.QueueEntry{
			ID:             s.newID(),
			OrganizationID: s.orgID,
			PostID:         req.PostID,
			Platform:       p,
			ScheduledTime:  req.ScheduledTime.UTC(),
			Priority:       priority,
			Status:         model.StatusPending,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
	}

	if !req.AllowDuplicate {
		for _, p := range req.Platforms {
			queued, err := s.hasActiveEntry(ctx, req.PostID, p)
			if repository.IsStoreUnavailable(err) {
				return s.simulateAdd(entries, 0, err), nil
			}
			if err != nil {
				return nil, err
			}
			if queued {
				return nil, model.NewAlreadyQueuedError(req.PostID, p)
			}
		}
	}

	for i := range entries {
		if err := s.store.Create(ctx, &entries[i]); err != nil {
			if repository.IsStoreUnavailable(err) {
				return s.simulateAdd(entries, i, err), nil
			}
			return nil, fmt.Errorf("キューエントリの作成に失敗しました: %w", err)
		}
	}

	s.logger.Info("投稿をキューに登録しました",
		slog.String("post_id", req.PostID),
		slog.Int("platform_count", len(entries)),
		slog.Time("scheduled_time", req.ScheduledTime.UTC()),
		slog.String("priority", string(priority)),
	)

	return &AddResult{
		Success:    true,
		QueueItems: entries,
		Message:    fmt.Sprintf("%d件のプラットフォームに予約しました", len(entries)),
	}, nil
}

// simulateAdd はfrom番目以降のエントリを合成エントリとして返す。
// from未満のエントリは既に永続化されている。
func (s *Service) simulateAdd(entries []model.QueueEntry, from int, err error) *AddResult {
	s.degraded("add", err)
	for i := from; i < len(entries); i++ {
		entries[i].Simulated = true
	}
	return &AddResult{
		Success:      true,
		QueueItems:   entries,
		DegradedMode: true,
		Message:      "キューストアが利用できないため、予約は保存されていません",
	}
}

func (s *Service) hasActiveEntry(ctx context.Context, postID string, p model.Platform) (bool, error) {
	platform := p
	existing, err := s.store.List(ctx, model.QueueFilter{
		Statuses: []model.Status{model.StatusPending, model.StatusProcessing},
		Platform: &platform,
		PostID:   postID,
		Limit:    1,
	})
	if err != nil {
		return false, fmt.Errorf("既存エントリの確認に失敗しました: %w", err)
	}
	return len(existing) > 0, nil
}

// RemoveFromQueue はエントリを削除する。存在しないIDはRemoved=falseで成功扱い。
func (s *Service) RemoveFromQueue(ctx context.Context, id string) (*RemoveResult, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	removed, err := s.store.Delete(ctx, id)
	if err != nil {
		if repository.IsStoreUnavailable(err) {
			s.degraded("remove", err)
			return &RemoveResult{Success: true, DegradedMode: true}, nil
		}
		return nil, fmt.Errorf("キューエントリの削除に失敗しました: %w", err)
	}
	if removed {
		s.logger.Info("キューエントリを削除しました", slog.String("queue_id", id))
	}
	return &RemoveResult{Success: true, Removed: removed}, nil
}

// ReschedulePost はpendingのエントリの予約日時を変更する。
// バックオフ待ちも解除され、新しい予約日時に従って選択される。
func (s *Service) ReschedulePost(ctx context.Context, id string, newTime time.Time) (*model.QueueEntry, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	if newTime.IsZero() {
		return nil, model.NewInvalidScheduleError("予約日時が指定されていません")
	}

	entry, err := s.store.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("キューエントリの取得に失敗しました: %w", err)
	}
	if entry == nil {
		return nil, model.NewQueueItemNotFoundError(id)
	}
	if entry.Status != model.StatusPending {
		return nil, model.NewInvalidStateTransitionError(id, entry.Status)
	}

	ok, err := s.store.UpdateScheduledTime(ctx, id, newTime.UTC())
	if err != nil {
		return nil, fmt.Errorf("予約日時の更新に失敗しました: %w", err)
	}
	if !ok {
		// 取得後にスケジューラが確保した
		current, ferr := s.store.FindByID(ctx, id)
		if ferr != nil || current == nil {
			return nil, model.NewQueueItemNotFoundError(id)
		}
		return nil, model.NewInvalidStateTransitionError(id, current.Status)
	}

	updated, err := s.store.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("キューエントリの再取得に失敗しました: %w", err)
	}
	if updated == nil {
		return nil, model.NewQueueItemNotFoundError(id)
	}

	s.logger.Info("予約日時を変更しました",
		slog.String("queue_id", id),
		slog.Time("scheduled_time", updated.ScheduledTime),
	)
	return updated, nil
}

// GetQueuedPosts は条件に一致するエントリをスケジューラの並び順で返す。
func (s *Service) GetQueuedPosts(ctx context.Context, filter model.QueueFilter) (*ListResult, error) {
	for _, st := range filter.Statuses {
		if !st.Valid() {
			return nil, model.NewInvalidStatusError(string(st))
		}
	}
	if filter.Platform != nil && !filter.Platform.Valid() {
		return nil, model.NewInvalidPlatformError(string(*filter.Platform))
	}

	entries, err := s.store.List(ctx, filter)
	if err != nil {
		if repository.IsStoreUnavailable(err) {
			s.degraded("list", err)
			return &ListResult{Items: []*model.QueueEntry{}, DegradedMode: true}, nil
		}
		return nil, fmt.Errorf("キュー一覧の取得に失敗しました: %w", err)
	}
	if entries == nil {
		entries = []*model.QueueEntry{}
	}
	model.SortEntries(entries)
	return &ListResult{Items: entries}, nil
}

// GetQueueStats はステータス・プラットフォーム・優先度ごとの件数を集計する。
func (s *Service) GetQueueStats(ctx context.Context) (*StatsResult, error) {
	entries, err := s.store.List(ctx, model.QueueFilter{})
	if err != nil {
		if repository.IsStoreUnavailable(err) {
			s.degraded("stats", err)
			return &StatsResult{QueueStats: model.NewQueueStats(), DegradedMode: true}, nil
		}
		return nil, fmt.Errorf("キュー集計に失敗しました: %w", err)
	}

	stats := model.NewQueueStats()
	for _, e := range entries {
		stats.Add(e)
	}
	for status, n := range stats.ByStatus {
		s.metrics.SetQueueDepth(status, n)
	}
	return &StatsResult{QueueStats: stats}, nil
}

// BulkUpdatePriority は複数エントリの優先度を更新し、更新件数を返す。
// 優先度はストアに渡す前に検証する。存在しないIDは無視する。
func (s *Service) BulkUpdatePriority(ctx context.Context, ids []string, priority model.Priority) (*CountResult, error) {
	if !priority.Valid() {
		return nil, model.NewInvalidPriorityError(string(priority))
	}
	for _, id := range ids {
		if err := validateID(id); err != nil {
			return nil, err
		}
	}
	if len(ids) == 0 {
		return &CountResult{}, nil
	}

	n, err := s.store.UpdatePriority(ctx, ids, priority)
	if err != nil {
		if repository.IsStoreUnavailable(err) {
			s.degraded("bulk_priority", err)
			return &CountResult{DegradedMode: true}, nil
		}
		return nil, fmt.Errorf("優先度の一括更新に失敗しました: %w", err)
	}

	s.logger.Info("優先度を一括更新しました",
		slog.Int("requested", len(ids)),
		slog.Int("updated", n),
		slog.String("priority", string(priority)),
	)
	return &CountResult{Count: n}, nil
}

// ClearOldCompletedItems は保持日数を過ぎたcompletedエントリを削除し、削除件数を返す。
// retentionDaysが0以下の場合はDefaultRetentionDaysを使う。completed以外は削除しない。
func (s *Service) ClearOldCompletedItems(ctx context.Context, retentionDays int) (*CountResult, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	cutoff := s.now().UTC().AddDate(0, 0, -retentionDays)

	n, err := s.store.DeleteOlderThan(ctx, model.StatusCompleted, cutoff)
	if err != nil {
		if repository.IsStoreUnavailable(err) {
			s.degraded("cleanup", err)
			return &CountResult{DegradedMode: true}, nil
		}
		return nil, fmt.Errorf("完了エントリの削除に失敗しました: %w", err)
	}

	s.metrics.RecordCleanup(n)
	s.logger.Info("保持期間を過ぎた完了エントリを削除しました",
		slog.Int("removed", n),
		slog.Int("retention_days", retentionDays),
		slog.Time("cutoff", cutoff),
	)
	return &CountResult{Count: n}, nil
}

// ProcessQueue は配信サイクルを1回実行する。
// 配信エラーはエントリの状態として記録され、ここでは返さない。
func (s *Service) ProcessQueue(ctx context.Context) (dispatch.ProcessResult, error) {
	if s.processor == nil {
		return dispatch.ProcessResult{}, model.NewDispatchDisabledError()
	}
	result, err := s.processor.RunOnce(ctx)
	if err != nil {
		if repository.IsStoreUnavailable(err) {
			s.degraded("process", err)
			return dispatch.ProcessResult{}, nil
		}
		return result, err
	}
	return result, nil
}
