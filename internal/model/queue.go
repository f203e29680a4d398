// Package model はドメインモデルを定義する。
package model

import (
	"sort"
	"strings"
	"time"
)

// Platform は投稿先のソーシャルプラットフォームを表す。
type Platform string

const (
	PlatformTwitter   Platform = "twitter"
	PlatformLinkedIn  Platform = "linkedin"
	PlatformFacebook  Platform = "facebook"
	PlatformInstagram Platform = "instagram"
	PlatformTikTok    Platform = "tiktok"
	PlatformYouTube   Platform = "youtube"
)

// AllPlatforms はサポート対象の全プラットフォームを定義順で返す。
func AllPlatforms() []Platform {
	return []Platform{
		PlatformTwitter,
		PlatformLinkedIn,
		PlatformFacebook,
		PlatformInstagram,
		PlatformTikTok,
		PlatformYouTube,
	}
}

// Valid はプラットフォームが列挙値に含まれるかを返す。
func (p Platform) Valid() bool {
	switch p {
	case PlatformTwitter, PlatformLinkedIn, PlatformFacebook,
		PlatformInstagram, PlatformTikTok, PlatformYouTube:
		return true
	}
	return false
}

// DisplayName はログや推奨理由に使う表示名を返す。
func (p Platform) DisplayName() string {
	switch p {
	case PlatformTwitter:
		return "X (Twitter)"
	case PlatformLinkedIn:
		return "LinkedIn"
	case PlatformFacebook:
		return "Facebook"
	case PlatformInstagram:
		return "Instagram"
	case PlatformTikTok:
		return "TikTok"
	case PlatformYouTube:
		return "YouTube"
	}
	return string(p)
}

// ParsePlatform は文字列をPlatformに変換する。
// "x" はtwitterの別名として受け付ける。未定義の値はバリデーションエラーを返す。
func ParsePlatform(s string) (Platform, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	if v == "x" {
		return PlatformTwitter, nil
	}
	p := Platform(v)
	if !p.Valid() {
		return "", NewInvalidPlatformError(s)
	}
	return p, nil
}

// Priority はキューエントリの優先度を表す。
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Valid は優先度が列挙値に含まれるかを返す。
func (p Priority) Valid() bool {
	return p.Rank() > 0
}

// Rank は優先度の順位を返す。high > normal > low。未定義の値は0。
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 1
	}
	return 0
}

// ParsePriority は文字列をPriorityに変換する。
// 暗黙の補正は行わず、未定義の値はバリデーションエラーを返す。
func ParsePriority(s string) (Priority, error) {
	p := Priority(strings.ToLower(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", NewInvalidPriorityError(s)
	}
	return p, nil
}

// Status はキューエントリの配信状態を表す。
//
//	pending → processing → completed
//	                     → failed
//	                     → pending（一時エラーかつリトライ上限未満）
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// AllStatuses は全ステータスを返す。
func AllStatuses() []Status {
	return []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed}
}

// Valid はステータスが列挙値に含まれるかを返す。
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// ParseStatus は文字列をStatusに変換する。
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", NewInvalidStatusError(s)
	}
	return st, nil
}

// CanTransitionTo は状態遷移が許可されているかを返す。
// completedと失敗確定のfailedからの遷移はオペレーター操作以外では発生しない。
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusCompleted || next == StatusFailed || next == StatusPending
	}
	return false
}

// QueueEntry は1つの投稿を1つのプラットフォームへ配信する予約を表す。
type QueueEntry struct {
	ID             string
	OrganizationID string
	PostID         string
	Platform       Platform
	ScheduledTime  time.Time // 常にUTC
	Priority       Priority
	Status         Status
	RetryCount     int
	LastError      string
	NextAttemptAt  *time.Time // リトライのバックオフ待ち。nilなら待ちなし
	CompletedAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time

	// Simulated はストア不在時に合成したエントリであることを示す。永続化されない。
	Simulated bool
}

// IsDue はnow時点で配信対象かを返す。
func (e *QueueEntry) IsDue(now time.Time) bool {
	if e.Status != StatusPending {
		return false
	}
	if e.ScheduledTime.After(now) {
		return false
	}
	if e.NextAttemptAt != nil && e.NextAttemptAt.After(now) {
		return false
	}
	return true
}

// Less はスケジューラの並び順でeがoより先に来るかを返す。
// 第1キーはScheduledTime昇順、第2キーは優先度降順。
func (e *QueueEntry) Less(o *QueueEntry) bool {
	if !e.ScheduledTime.Equal(o.ScheduledTime) {
		return e.ScheduledTime.Before(o.ScheduledTime)
	}
	return e.Priority.Rank() > o.Priority.Rank()
}

// SortEntries はエントリをスケジューラの並び順に安定ソートする。
// 両キーが等しいエントリはストアが返した順序を維持する。
func SortEntries(entries []*QueueEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Less(entries[j])
	})
}

// QueueFilter はキュー一覧の絞り込み条件。
type QueueFilter struct {
	Statuses []Status
	Platform *Platform
	PostID   string
	From     *time.Time // ScheduledTime >= From
	To       *time.Time // ScheduledTime <= To
	Limit    int
}

// Matches はエントリが絞り込み条件に一致するかを返す。
func (f QueueFilter) Matches(e *QueueEntry) bool {
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if e.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.Platform != nil && e.Platform != *f.Platform {
		return false
	}
	if f.PostID != "" && e.PostID != f.PostID {
		return false
	}
	if f.From != nil && e.ScheduledTime.Before(*f.From) {
		return false
	}
	if f.To != nil && e.ScheduledTime.After(*f.To) {
		return false
	}
	return true
}

// QueueStats はキューの集計結果。
type QueueStats struct {
	Total      int
	ByStatus   map[Status]int
	ByPlatform map[Platform]int
	ByPriority map[Priority]int
}

// NewQueueStats は全キーを0で初期化したQueueStatsを返す。
func NewQueueStats() QueueStats {
	s := QueueStats{
		ByStatus:   make(map[Status]int),
		ByPlatform: make(map[Platform]int),
		ByPriority: make(map[Priority]int),
	}
	for _, st := range AllStatuses() {
		s.ByStatus[st] = 0
	}
	for _, p := range AllPlatforms() {
		s.ByPlatform[p] = 0
	}
	for _, p := range []Priority{PriorityLow, PriorityNormal, PriorityHigh} {
		s.ByPriority[p] = 0
	}
	return s
}

// Add はエントリを集計に加える。
func (s *QueueStats) Add(e *QueueEntry) {
	s.Total++
	s.ByStatus[e.Status]++
	s.ByPlatform[e.Platform]++
	s.ByPriority[e.Priority]++
}

// PostingSlotScore は推奨投稿時刻の1枠。永続化されない。
type PostingSlotScore struct {
	Date   time.Time
	Score  float64
	Reason string
}

// DispatchAttempt はプラットフォームへの配信試行の記録。
// 再起動時にレート制限ウィンドウを復元するために永続化する。
type DispatchAttempt struct {
	OrganizationID string
	Platform       Platform
	QueueID        string
	AttemptedAt    time.Time
	Outcome        string
}
