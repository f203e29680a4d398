package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/postqueue/internal/metrics"
	"github.com/hitoshi/postqueue/internal/model"
	"github.com/hitoshi/postqueue/internal/publisher"
	"github.com/hitoshi/postqueue/internal/repository"
)

// Result は1件の配信の結果。
type Result int

const (
	// ResultCompleted は配信に成功しcompletedになった。
	ResultCompleted Result = iota
	// ResultRetried は一時エラーでpendingに戻った。
	ResultRetried
	// ResultFailed は恒久エラーまたは再試行上限でfailedになった。
	ResultFailed
	// ResultUnrecorded は配信後の状態更新に失敗した。
	ResultUnrecorded
)

func (r Result) String() string {
	switch r {
	case ResultCompleted:
		return "completed"
	case ResultRetried:
		return "retried"
	case ResultFailed:
		return "failed"
	case ResultUnrecorded:
		return "unrecorded"
	}
	return "unknown"
}

// maxErrorLength はLastErrorに保存するエラー文字列の上限。
const maxErrorLength = 500

// Dispatcher はprocessingに確保済みのエントリをPublisherへ渡し、
// 結果に応じて状態を遷移させる。
type Dispatcher struct {
	store     repository.Store
	publisher publisher.Publisher
	policy    RetryPolicy
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
	now       func() time.Time
}

// NewDispatcher はDispatcherを生成する。metricsがnilの場合は記録しない。
func NewDispatcher(
	store repository.Store,
	pub publisher.Publisher,
	policy RetryPolicy,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
) *Dispatcher {
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Dispatcher{
		store:     store,
		publisher: pub,
		policy:    policy,
		metrics:   collector,
		logger:    logger,
		now:       time.Now,
	}
}

// publish はPublisherを呼び出す。パニックは一時エラーに変換する。
func (d *Dispatcher) publish(ctx context.Context, e *model.QueueEntry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = publisher.Transient(fmt.Errorf("publisher panic: %v", r))
		}
	}()
	return d.publisher.Publish(ctx, e.PostID, e.Platform)
}

func truncateError(err error) string {
	s := err.Error()
	if len(s) > maxErrorLength {
		return s[:maxErrorLength]
	}
	return s
}

// Dispatch はprocessing状態のエントリを配信する。
// 配信エラーはエントリの状態として記録し、呼び出し元には返さない。
func (d *Dispatcher) Dispatch(ctx context.Context, e *model.QueueEntry) Result {
	start := d.now()
	err := d.publish(ctx, e)
	finished := d.now()
	outcome := publisher.Classify(err)

	d.metrics.RecordDispatch(e.Platform, outcome.String())
	d.metrics.RecordDispatchLatency(e.Platform, finished.Sub(start))
	d.recordAttempt(ctx, e, start, outcome)

	var update repository.StatusUpdate
	var result Result
	switch outcome {
	case publisher.OutcomeSuccess:
		update = ApplySuccess(e, finished)
		result = ResultCompleted
	case publisher.OutcomePermanent:
		update = ApplyPermanentFailure(e, truncateError(err))
		result = ResultFailed
	default:
		update = d.policy.ApplyTransientFailure(e, truncateError(err), finished)
		result = ResultRetried
		if update.Status == model.StatusFailed {
			result = ResultFailed
		}
	}

	// 配信結果は呼び出しコンテキストのキャンセルに関わらず記録する
	if uerr := d.store.UpdateStatus(context.WithoutCancel(ctx), update); uerr != nil {
		d.logger.Error("配信結果の記録に失敗しました",
			slog.String("queue_id", e.ID),
			slog.String("platform", string(e.Platform)),
			slog.String("outcome", outcome.String()),
			slog.String("error", uerr.Error()),
		)
		return ResultUnrecorded
	}

	attrs := []any{
		slog.String("queue_id", e.ID),
		slog.String("post_id", e.PostID),
		slog.String("platform", string(e.Platform)),
		slog.String("result", result.String()),
		slog.Int("retry_count", update.RetryCount),
	}
	switch result {
	case ResultCompleted:
		d.logger.Info("配信が完了しました", attrs...)
	case ResultRetried:
		d.logger.Warn("一時エラーのため再試行します",
			append(attrs,
				slog.Time("next_attempt_at", *update.NextAttemptAt),
				slog.String("error", update.LastError),
			)...,
		)
	default:
		d.logger.Error("配信に失敗しました",
			append(attrs, slog.String("error", update.LastError))...,
		)
	}
	return result
}

func (d *Dispatcher) recordAttempt(ctx context.Context, e *model.QueueEntry, at time.Time, outcome publisher.Outcome) {
	err := d.store.RecordAttempt(context.WithoutCancel(ctx), model.DispatchAttempt{
		OrganizationID: e.OrganizationID,
		Platform:       e.Platform,
		QueueID:        e.ID,
		AttemptedAt:    at,
		Outcome:        outcome.String(),
	})
	if err != nil {
		d.logger.Warn("配信試行の記録に失敗しました",
			slog.String("queue_id", e.ID),
			slog.String("error", err.Error()),
		)
	}
}
