package dispatch

import (
	"time"

	"github.com/hitoshi/postqueue/internal/model"
	"github.com/hitoshi/postqueue/internal/repository"
)

const (
	// DefaultMaxRetries は一時エラーによる再試行の上限。
	DefaultMaxRetries = 3
	// DefaultInitialBackoff は指数バックオフの初回遅延（1分）。
	DefaultInitialBackoff = time.Minute
	// DefaultMaxBackoff は指数バックオフの最大遅延（1時間）。
	DefaultMaxBackoff = time.Hour
)

// RetryPolicy は一時エラー時の再試行方針。
type RetryPolicy struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryPolicy はデフォルトの再試行方針を返す。
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     DefaultMaxRetries,
		InitialBackoff: DefaultInitialBackoff,
		MaxBackoff:     DefaultMaxBackoff,
	}
}

// CalculateBackoff はretryCount回目の再試行までの遅延を返す。
// 初回InitialBackoff、2倍ずつ増加、最大MaxBackoff。
func (p RetryPolicy) CalculateBackoff(retryCount int) time.Duration {
	delay := p.InitialBackoff
	if delay <= 0 {
		delay = DefaultInitialBackoff
	}
	limit := p.MaxBackoff
	if limit < delay {
		limit = delay
	}
	for i := 1; i < retryCount; i++ {
		delay *= 2
		if delay >= limit {
			return limit
		}
	}
	return delay
}

// ApplySuccess は配信成功時の状態更新を返す。
func ApplySuccess(e *model.QueueEntry, now time.Time) repository.StatusUpdate {
	completed := now.UTC()
	return repository.StatusUpdate{
		ID:          e.ID,
		From:        model.StatusProcessing,
		Status:      model.StatusCompleted,
		RetryCount:  e.RetryCount,
		LastError:   "",
		CompletedAt: &completed,
	}
}

// ApplyPermanentFailure は恒久エラー時の状態更新を返す。再試行しない。
// 失敗した試行も一時エラーと同様にRetryCountへ数える。
func ApplyPermanentFailure(e *model.QueueEntry, reason string) repository.StatusUpdate {
	return repository.StatusUpdate{
		ID:         e.ID,
		From:       model.StatusProcessing,
		Status:     model.StatusFailed,
		RetryCount: e.RetryCount + 1,
		LastError:  reason,
	}
}

// ApplyTransientFailure は一時エラー時の状態更新を返す。
// 再試行回数をインクリメントし、上限に達した場合はfailed、
// それ以外は指数バックオフ後に再選択されるpendingに戻す。
func (p RetryPolicy) ApplyTransientFailure(e *model.QueueEntry, reason string, now time.Time) repository.StatusUpdate {
	retries := e.RetryCount + 1
	if retries >= p.MaxRetries {
		return repository.StatusUpdate{
			ID:         e.ID,
			From:       model.StatusProcessing,
			Status:     model.StatusFailed,
			RetryCount: retries,
			LastError:  reason,
		}
	}
	next := now.UTC().Add(p.CalculateBackoff(retries))
	return repository.StatusUpdate{
		ID:            e.ID,
		From:          model.StatusProcessing,
		Status:        model.StatusPending,
		RetryCount:    retries,
		LastError:     reason,
		NextAttemptAt: &next,
	}
}
