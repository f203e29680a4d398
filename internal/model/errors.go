package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: validation, queue, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidPlatform    = "INVALID_PLATFORM"
	ErrCodeInvalidPriority    = "INVALID_PRIORITY"
	ErrCodeInvalidStatus      = "INVALID_STATUS"
	ErrCodeInvalidID          = "INVALID_ID"
	ErrCodeInvalidRequest     = "INVALID_REQUEST"
	ErrCodeInvalidSchedule    = "INVALID_SCHEDULE"
	ErrCodeInvalidLookahead   = "INVALID_LOOKAHEAD"
	ErrCodeQueueItemNotFound  = "QUEUE_ITEM_NOT_FOUND"
	ErrCodeAlreadyQueued      = "ALREADY_QUEUED"
	ErrCodeInvalidStateChange = "INVALID_STATE_TRANSITION"
	ErrCodeDispatchDisabled   = "DISPATCH_DISABLED"
)

// IsValidationError はエラーがバリデーションカテゴリのAPIErrorかを返す。
func IsValidationError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Category == "validation"
}

// NewInvalidPlatformError は未定義プラットフォームのエラーを生成する。
func NewInvalidPlatformError(value string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidPlatform,
		Message:  fmt.Sprintf("無効なプラットフォームです: %q", value),
		Category: "validation",
		Action:   "twitter、linkedin、facebook、instagram、tiktok、youtube のいずれかを指定してください。",
	}
}

// NewInvalidPriorityError は未定義優先度のエラーを生成する。
func NewInvalidPriorityError(value string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidPriority,
		Message:  fmt.Sprintf("無効な優先度です: %q", value),
		Category: "validation",
		Action:   "優先度には low、normal、high のいずれかを指定してください。",
	}
}

// NewInvalidStatusError は未定義ステータスのエラーを生成する。
func NewInvalidStatusError(value string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidStatus,
		Message:  fmt.Sprintf("無効なステータスです: %q", value),
		Category: "validation",
		Action:   "ステータスには pending、processing、completed、failed のいずれかを指定してください。",
	}
}

// NewInvalidIDError は不正な形式のIDのエラーを生成する。
func NewInvalidIDError(value string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidID,
		Message:  fmt.Sprintf("不正な形式のIDです: %q", value),
		Category: "validation",
		Action:   "キューアイテムのIDを確認してください。",
	}
}

// NewInvalidRequestError はリクエスト内容が不正な場合のエラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "リクエスト内容を確認してください。",
	}
}

// NewInvalidScheduleError は予約日時が不正な場合のエラーを生成する。
func NewInvalidScheduleError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidSchedule,
		Message:  fmt.Sprintf("予約日時が不正です: %s", reason),
		Category: "validation",
		Action:   "RFC3339形式の日時を指定してください。",
	}
}

// NewInvalidLookaheadError は推奨時刻の先読み日数が不正な場合のエラーを生成する。
func NewInvalidLookaheadError(days int) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidLookahead,
		Message:  fmt.Sprintf("無効な先読み日数です: %d", days),
		Category: "validation",
		Action:   "先読み日数は1以上を指定してください。",
	}
}

// NewQueueItemNotFoundError はキューアイテム未検出エラーを生成する。
func NewQueueItemNotFoundError(id string) *APIError {
	return &APIError{
		Code:     ErrCodeQueueItemNotFound,
		Message:  fmt.Sprintf("指定されたキューアイテムが見つかりません: %s", id),
		Category: "queue",
		Action:   "キューアイテムのIDを確認してください。",
	}
}

// NewAlreadyQueuedError は同一投稿・同一プラットフォームのエントリが既に存在する場合のエラーを生成する。
func NewAlreadyQueuedError(postID string, platform Platform) *APIError {
	return &APIError{
		Code:     ErrCodeAlreadyQueued,
		Message:  fmt.Sprintf("投稿 %s は既に %s のキューに登録されています。", postID, platform),
		Category: "validation",
		Action:   "既存の予約を変更するか、重複登録を明示的に許可してください。",
	}
}

// NewInvalidStateTransitionError は現在の状態では実行できない操作のエラーを生成する。
func NewInvalidStateTransitionError(id string, status Status) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidStateChange,
		Message:  fmt.Sprintf("キューアイテム %s は %s 状態のため変更できません。", id, status),
		Category: "validation",
		Action:   "pending 状態のアイテムのみ変更できます。",
	}
}

// NewDispatchDisabledError はこのプロセスで配信を実行しない場合のエラーを生成する。
// 共有ストア構成では配信はworkerプロセスだけが行う。
func NewDispatchDisabledError() *APIError {
	return &APIError{
		Code:     ErrCodeDispatchDisabled,
		Message:  "このプロセスでは配信を実行しません。",
		Category: "queue",
		Action:   "配信はworkerプロセスが次のポーリングで実行します。",
	}
}
