// Package ratelimit はプラットフォームごとの配信レート制限を提供する。
// 直近ウィンドウ内の試行回数の上限と、直前の試行からの最小間隔の2条件で
// 配信可否を判定する。状態はプロセス内のみで保持し、組織ごとに分離する。
package ratelimit

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/postqueue/internal/model"
)

// PlatformLimit はプラットフォームごとのレート制限設定。
// 0以下の値はその条件を無効にする。
type PlatformLimit struct {
	RequestsPerWindow int           // ウィンドウ内の最大試行回数
	WindowSize        time.Duration // 直近ウィンドウの長さ
	MinInterval       time.Duration // 直前の試行からの最小間隔
}

// String は "requests/window/minInterval" 形式で返す。ParseLimitの逆変換。
func (l PlatformLimit) String() string {
	return fmt.Sprintf("%d/%s/%s", l.RequestsPerWindow, l.WindowSize, l.MinInterval)
}

// DefaultLimits はプラットフォームごとのデフォルト制限を返す。
// 値は各プラットフォームの公開APIクォータに余裕を持たせた設定で、
// 環境変数 RATE_LIMIT_<PLATFORM> で上書きできる。
func DefaultLimits() map[model.Platform]PlatformLimit {
	return map[model.Platform]PlatformLimit{
		model.PlatformTwitter:   {RequestsPerWindow: 100, WindowSize: time.Hour, MinInterval: 30 * time.Second},
		model.PlatformLinkedIn:  {RequestsPerWindow: 25, WindowSize: time.Hour, MinInterval: 2 * time.Minute},
		model.PlatformFacebook:  {RequestsPerWindow: 50, WindowSize: time.Hour, MinInterval: time.Minute},
		model.PlatformInstagram: {RequestsPerWindow: 25, WindowSize: 24 * time.Hour, MinInterval: 5 * time.Minute},
		model.PlatformTikTok:    {RequestsPerWindow: 15, WindowSize: 24 * time.Hour, MinInterval: 3 * time.Minute},
		model.PlatformYouTube:   {RequestsPerWindow: 6, WindowSize: 24 * time.Hour, MinInterval: 10 * time.Minute},
	}
}

// Lookback はこの制限の判定に必要な試行履歴の長さを返す。
func (l PlatformLimit) Lookback() time.Duration {
	return max(l.WindowSize, l.MinInterval, 0)
}

// LongestLookback はlimitsのうち最も長いLookbackを返す。
// limitsに含まれないプラットフォームはDefaultLimitsの値で判定する。
func LongestLookback(limits map[model.Platform]PlatformLimit) time.Duration {
	merged := DefaultLimits()
	for p, l := range limits {
		merged[p] = l
	}
	var longest time.Duration
	for _, l := range merged {
		longest = max(longest, l.Lookback())
	}
	return longest
}

// ParseLimit は "300/15m/30s" 形式の文字列をPlatformLimitに変換する。
// ウィンドウと最小間隔はtime.ParseDuration形式で指定する。
func ParseLimit(s string) (PlatformLimit, error) {
	parts := strings.Split(strings.TrimSpace(s), "/")
	if len(parts) != 3 {
		return PlatformLimit{}, fmt.Errorf("rate limit must be requests/window/minInterval: %q", s)
	}
	requests, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || requests < 1 {
		return PlatformLimit{}, fmt.Errorf("invalid requests per window %q", parts[0])
	}
	window, err := time.ParseDuration(strings.TrimSpace(parts[1]))
	if err != nil || window <= 0 {
		return PlatformLimit{}, fmt.Errorf("invalid window size %q", parts[1])
	}
	interval, err := time.ParseDuration(strings.TrimSpace(parts[2]))
	if err != nil || interval < 0 {
		return PlatformLimit{}, fmt.Errorf("invalid min interval %q", parts[2])
	}
	return PlatformLimit{RequestsPerWindow: requests, WindowSize: window, MinInterval: interval}, nil
}

// window は1プラットフォーム分の試行履歴。
type window struct {
	limit    PlatformLimit
	attempts []time.Time // 昇順
	last     time.Time   // 最新の試行。ウィンドウ外に出ても最小間隔判定に使う
}

// prune はnow時点のウィンドウから外れた試行を捨てる。
// ウィンドウは (now-WindowSize, now] の半開区間。
func (w *window) prune(now time.Time) {
	if w.limit.WindowSize <= 0 {
		w.attempts = w.attempts[:0]
		return
	}
	cutoff := now.Add(-w.limit.WindowSize)
	i := sort.Search(len(w.attempts), func(i int) bool {
		return w.attempts[i].After(cutoff)
	})
	if i > 0 {
		w.attempts = append(w.attempts[:0], w.attempts[i:]...)
	}
}

// countIn はnow時点のウィンドウ内の試行数を返す。
// now以降の試行（時計の巻き戻り）も数に含める。
func (w *window) countIn(now time.Time) int {
	w.prune(now)
	return len(w.attempts)
}

func (w *window) allowed(now time.Time) bool {
	if w.limit.RequestsPerWindow > 0 && w.limit.WindowSize > 0 {
		if w.countIn(now) >= w.limit.RequestsPerWindow {
			return false
		}
	}
	if w.limit.MinInterval > 0 && !w.last.IsZero() {
		if now.Sub(w.last) < w.limit.MinInterval {
			return false
		}
	}
	return true
}

func (w *window) record(at time.Time) {
	i := sort.Search(len(w.attempts), func(i int) bool {
		return w.attempts[i].After(at)
	})
	w.attempts = append(w.attempts, time.Time{})
	copy(w.attempts[i+1:], w.attempts[i:])
	w.attempts[i] = at
	if at.After(w.last) {
		w.last = at
	}
}

// nextAllowed はnow以降で配信が許可される最も早い時刻を返す。
func (w *window) nextAllowed(now time.Time) time.Time {
	next := now
	if w.limit.MinInterval > 0 && !w.last.IsZero() {
		if t := w.last.Add(w.limit.MinInterval); t.After(next) {
			next = t
		}
	}
	if w.limit.RequestsPerWindow > 0 && w.limit.WindowSize > 0 {
		w.prune(now)
		if over := len(w.attempts) - w.limit.RequestsPerWindow; over >= 0 {
			// 古い順にover+1件がウィンドウから外れれば枠が空く
			if t := w.attempts[over].Add(w.limit.WindowSize); t.After(next) {
				next = t
			}
		}
	}
	return next
}

// State は1組織分のレート制限状態。
// 全操作はミューテックスで直列化され、TryAcquireは判定と記録を不可分に行う。
type State struct {
	orgID string

	mu      sync.Mutex
	limits  map[model.Platform]PlatformLimit
	windows map[model.Platform]*window
}

// NewState は組織ごとのレート制限状態を生成する。
// limitsに含まれないプラットフォームはDefaultLimitsの値を使う。
func NewState(orgID string, limits map[model.Platform]PlatformLimit) *State {
	merged := DefaultLimits()
	for p, l := range limits {
		merged[p] = l
	}
	return &State{
		orgID:   orgID,
		limits:  merged,
		windows: make(map[model.Platform]*window),
	}
}

// OrganizationID は状態の所属組織を返す。
func (s *State) OrganizationID() string {
	return s.orgID
}

// Limit はプラットフォームの制限設定を返す。
func (s *State) Limit(p model.Platform) PlatformLimit {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limits[p]
}

// LongestLookback は全プラットフォームのうち最も長いLookbackを返す。
func (s *State) LongestLookback() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return LongestLookback(s.limits)
}

func (s *State) windowFor(p model.Platform) *window {
	w, ok := s.windows[p]
	if !ok {
		w = &window{limit: s.limits[p]}
		s.windows[p] = w
	}
	return w
}

// MayDispatch はnow時点でプラットフォームへの配信が許可されるかを返す。
// 状態は変更しない。実際の配信前の判定にはTryAcquireを使うこと。
func (s *State) MayDispatch(p model.Platform, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.windowFor(p).allowed(now)
}

// TryAcquire は配信可否を判定し、許可された場合は同じロック内で試行を記録する。
// 2つの並行配信がともに古い判定を通過してウィンドウ上限を超える競合を防ぐ。
func (s *State) TryAcquire(p model.Platform, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.windowFor(p)
	if !w.allowed(now) {
		return false
	}
	w.record(now)
	return true
}

// Record は試行を無条件に記録する。永続化された試行履歴からの復元に使う。
func (s *State) Record(p model.Platform, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.windowFor(p).record(at)
}

// Seed は永続化された試行履歴からウィンドウを復元する。
// 他組織の試行は無視する。
func (s *State) Seed(attempts []model.DispatchAttempt) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range attempts {
		if a.OrganizationID != "" && a.OrganizationID != s.orgID {
			continue
		}
		if !a.Platform.Valid() {
			continue
		}
		s.windowFor(a.Platform).record(a.AttemptedAt)
		n++
	}
	return n
}

// NextAllowedAt はnow以降で配信が許可される最も早い時刻を返す。
func (s *State) NextAllowedAt(p model.Platform, now time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.windowFor(p).nextAllowed(now)
}

// WindowCount はnow時点のウィンドウ内の試行数を返す。
func (s *State) WindowCount(p model.Platform, now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.windowFor(p).countIn(now)
}

// Reset は全プラットフォームの試行履歴を破棄する。
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.windows = make(map[model.Platform]*window)
}
