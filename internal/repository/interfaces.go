// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/postqueue/internal/model"
)

// QueueRepository は配信キューの永続化インターフェース。
// 実装は1つの組織にスコープされる。
// ストアやスキーマが利用できない場合は ErrStoreUnavailable をラップしたエラーを返す。
type QueueRepository interface {
	// Create はキューエントリを作成する。
	Create(ctx context.Context, entry *model.QueueEntry) error

	// FindByID は指定IDのエントリを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.QueueEntry, error)

	// List は条件に一致するエントリを返す。
	// scheduled_time昇順、優先度降順、作成順で並べる。
	List(ctx context.Context, filter model.QueueFilter) ([]*model.QueueEntry, error)

	// Claim はpendingのエントリをprocessingに遷移させる。
	// 条件付きUPDATEで行い、並行するスケジューラのうち1つだけがtrueを得る。
	Claim(ctx context.Context, id string) (bool, error)

	// ListStaleClaims はupdated_atがcutoffより古いprocessingのエントリを古い順に返す。
	// 配信結果を記録できないまま残った確保の回収に使う。
	ListStaleClaims(ctx context.Context, cutoff time.Time) ([]*model.QueueEntry, error)

	// UpdateStatus は配信結果に応じてエントリの状態を更新する。
	// 現在の状態がupdate.Fromと一致しない場合は ErrConflict を返す。
	// retry_countは減少しない。
	UpdateStatus(ctx context.Context, update StatusUpdate) error

	// UpdatePriority は複数エントリの優先度を1文で更新し、更新件数を返す。
	// 存在しないIDは無視する。
	UpdatePriority(ctx context.Context, ids []string, priority model.Priority) (int, error)

	// UpdateScheduledTime はpendingのエントリの予約日時を変更し、バックオフ待ちを解除する。
	// pendingのエントリが存在しない場合はfalseを返す。
	UpdateScheduledTime(ctx context.Context, id string, scheduledTime time.Time) (bool, error)

	// Delete は指定IDのエントリを削除する。存在しない場合はfalseを返す。
	Delete(ctx context.Context, id string) (bool, error)

	// DeleteOlderThan は指定ステータスかつ完了（なければ更新）日時がcutoffより古いエントリを削除し、
	// 削除件数を返す。
	DeleteOlderThan(ctx context.Context, status model.Status, cutoff time.Time) (int, error)
}

// AttemptRepository は配信試行履歴の永続化インターフェース。
// レート制限ウィンドウを再起動後に復元するために使う。
type AttemptRepository interface {
	// RecordAttempt は配信試行を記録する。
	RecordAttempt(ctx context.Context, attempt model.DispatchAttempt) error

	// ListAttemptsSince はsince以降の試行を古い順に返す。
	ListAttemptsSince(ctx context.Context, since time.Time) ([]model.DispatchAttempt, error)

	// DeleteAttemptsBefore はcutoffより古い試行を削除する。
	DeleteAttemptsBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// Store はキューと試行履歴の両方を扱うストア。
type Store interface {
	QueueRepository
	AttemptRepository
}

// StatusUpdate は配信結果による状態更新の内容。
type StatusUpdate struct {
	ID            string
	From          model.Status // 期待する現在の状態
	Status        model.Status
	RetryCount    int
	LastError     string
	NextAttemptAt *time.Time
	CompletedAt   *time.Time
}
