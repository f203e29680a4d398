package ratelimit

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/postqueue/internal/model"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func TestParseLimit(t *testing.T) {
	got, err := ParseLimit("300/15m/30s")
	if err != nil {
		t.Fatalf("ParseLimit がエラーを返した: %v", err)
	}
	want := PlatformLimit{RequestsPerWindow: 300, WindowSize: 15 * time.Minute, MinInterval: 30 * time.Second}
	if got != want {
		t.Errorf("ParseLimit = %+v, want %+v", got, want)
	}

	for _, bad := range []string{"", "300", "0/15m/30s", "abc/15m/30s", "10/0s/1s", "10/1h/-1s", "10/1h"} {
		if _, err := ParseLimit(bad); err == nil {
			t.Errorf("ParseLimit(%q) はエラーを返すべき", bad)
		}
	}
}

func TestDefaultLimits_CoverAllPlatforms(t *testing.T) {
	limits := DefaultLimits()
	for _, p := range model.AllPlatforms() {
		l, ok := limits[p]
		if !ok {
			t.Errorf("%s のデフォルト制限がない", p)
			continue
		}
		if l.RequestsPerWindow < 1 || l.WindowSize <= 0 {
			t.Errorf("%s のデフォルト制限が不正: %+v", p, l)
		}
	}
	if limits[model.PlatformInstagram].MinInterval != 5*time.Minute {
		t.Errorf("instagram の最小間隔 = %v, want 5m", limits[model.PlatformInstagram].MinInterval)
	}
	if limits[model.PlatformTwitter].MinInterval != 30*time.Second {
		t.Errorf("twitter の最小間隔 = %v, want 30s", limits[model.PlatformTwitter].MinInterval)
	}
	if limits[model.PlatformInstagram].RequestsPerWindow >= limits[model.PlatformTwitter].RequestsPerWindow {
		t.Error("instagram のウィンドウ予算は twitter より小さいべき")
	}
}

func TestLongestLookback(t *testing.T) {
	if got := LongestLookback(nil); got != 24*time.Hour {
		t.Errorf("デフォルト制限の最長 = %v, want 24h", got)
	}

	week := 7 * 24 * time.Hour
	got := LongestLookback(map[model.Platform]PlatformLimit{
		model.PlatformYouTube: {RequestsPerWindow: 10, WindowSize: week, MinInterval: time.Hour},
	})
	if got != week {
		t.Errorf("上書きした制限の最長 = %v, want %v", got, week)
	}

	// 最小間隔がウィンドウより長い場合は最小間隔を使う
	l := PlatformLimit{RequestsPerWindow: 1, WindowSize: time.Minute, MinInterval: 72 * time.Hour}
	if l.Lookback() != 72*time.Hour {
		t.Errorf("Lookback = %v, want 72h", l.Lookback())
	}
	s := NewState("org-1", map[model.Platform]PlatformLimit{model.PlatformTwitter: l})
	if s.LongestLookback() != 72*time.Hour {
		t.Errorf("State.LongestLookback = %v, want 72h", s.LongestLookback())
	}
}

func TestState_MinIntervalScenario(t *testing.T) {
	s := NewState("org-1", map[model.Platform]PlatformLimit{
		model.PlatformTwitter: {RequestsPerWindow: 100, WindowSize: time.Hour, MinInterval: 30 * time.Second},
	})

	if !s.TryAcquire(model.PlatformTwitter, t0) {
		t.Fatal("最初の配信は許可されるべき")
	}
	if s.MayDispatch(model.PlatformTwitter, t0.Add(10*time.Second)) {
		t.Error("10秒後の配信は拒否されるべき")
	}
	if s.MayDispatch(model.PlatformTwitter, t0.Add(29*time.Second)) {
		t.Error("29秒後の配信は拒否されるべき")
	}
	if !s.MayDispatch(model.PlatformTwitter, t0.Add(30*time.Second)) {
		t.Error("30秒経過後の配信は許可されるべき")
	}
}

func TestState_MayDispatchDoesNotRecord(t *testing.T) {
	s := NewState("org-1", map[model.Platform]PlatformLimit{
		model.PlatformFacebook: {RequestsPerWindow: 1, WindowSize: time.Hour, MinInterval: 0},
	})
	for i := 0; i < 5; i++ {
		if !s.MayDispatch(model.PlatformFacebook, t0) {
			t.Fatal("MayDispatch は状態を変更してはならない")
		}
	}
	if s.WindowCount(model.PlatformFacebook, t0) != 0 {
		t.Error("MayDispatch で試行が記録された")
	}
}

func TestState_WindowBudget(t *testing.T) {
	s := NewState("org-1", map[model.Platform]PlatformLimit{
		model.PlatformInstagram: {RequestsPerWindow: 3, WindowSize: 10 * time.Minute, MinInterval: time.Minute},
	})
	p := model.PlatformInstagram

	for i := 0; i < 3; i++ {
		if !s.TryAcquire(p, t0.Add(time.Duration(i)*time.Minute)) {
			t.Fatalf("%d 回目の配信は許可されるべき", i+1)
		}
	}
	// 予算を使い切った
	if s.MayDispatch(p, t0.Add(5*time.Minute)) {
		t.Error("ウィンドウ予算超過の配信は拒否されるべき")
	}
	// 最初の試行がウィンドウから外れる時刻
	next := s.NextAllowedAt(p, t0.Add(5*time.Minute))
	if !next.Equal(t0.Add(10 * time.Minute)) {
		t.Errorf("NextAllowedAt = %v, want %v", next, t0.Add(10*time.Minute))
	}
	if s.MayDispatch(p, t0.Add(10*time.Minute-time.Nanosecond)) {
		t.Error("ウィンドウ境界の直前は拒否されるべき")
	}
	if !s.MayDispatch(p, t0.Add(10*time.Minute)) {
		t.Error("最初の試行がウィンドウから外れたら許可されるべき")
	}
}

// ランダムな試行ストリームで、許可された試行がどの時点でも
// ウィンドウ上限と最小間隔を破らないことを検証する。
func TestState_PropertyNeverExceedsLimits(t *testing.T) {
	limit := PlatformLimit{RequestsPerWindow: 5, WindowSize: 10 * time.Minute, MinInterval: 45 * time.Second}
	s := NewState("org-1", map[model.Platform]PlatformLimit{model.PlatformTikTok: limit})
	p := model.PlatformTikTok

	var accepted []time.Time
	now := t0
	seed := uint32(7)
	for i := 0; i < 2000; i++ {
		seed = seed*1664525 + 1013904223
		now = now.Add(time.Duration(seed%90) * time.Second)

		ok := s.TryAcquire(p, now)
		if !ok {
			continue
		}
		if n := len(accepted); n > 0 && now.Sub(accepted[n-1]) < limit.MinInterval {
			t.Fatalf("最小間隔違反: %v と %v", accepted[n-1], now)
		}
		accepted = append(accepted, now)

		count := 0
		for _, a := range accepted {
			if a.After(now.Add(-limit.WindowSize)) {
				count++
			}
		}
		if count > limit.RequestsPerWindow {
			t.Fatalf("ウィンドウ上限違反: %v 時点で %d 件", now, count)
		}
	}
	if len(accepted) == 0 {
		t.Fatal("1件も許可されなかった")
	}
}

func TestState_PlatformsAreIndependent(t *testing.T) {
	s := NewState("org-1", nil)
	if !s.TryAcquire(model.PlatformTwitter, t0) {
		t.Fatal("twitter は許可されるべき")
	}
	if !s.MayDispatch(model.PlatformLinkedIn, t0) {
		t.Error("twitter の試行が linkedin に影響してはならない")
	}
}

func TestState_SeedRestoresWindow(t *testing.T) {
	s := NewState("org-1", map[model.Platform]PlatformLimit{
		model.PlatformYouTube: {RequestsPerWindow: 2, WindowSize: time.Hour, MinInterval: time.Minute},
	})

	n := s.Seed([]model.DispatchAttempt{
		{OrganizationID: "org-1", Platform: model.PlatformYouTube, AttemptedAt: t0},
		{OrganizationID: "org-1", Platform: model.PlatformYouTube, AttemptedAt: t0.Add(5 * time.Minute)},
		{OrganizationID: "org-2", Platform: model.PlatformYouTube, AttemptedAt: t0.Add(6 * time.Minute)},
		{OrganizationID: "org-1", Platform: model.Platform("myspace"), AttemptedAt: t0},
	})
	if n != 2 {
		t.Errorf("Seed = %d, want 2", n)
	}
	if s.MayDispatch(model.PlatformYouTube, t0.Add(10*time.Minute)) {
		t.Error("復元した試行でウィンドウ上限に達しているはず")
	}
}

func TestState_ConcurrentTryAcquireRespectsBudget(t *testing.T) {
	s := NewState("org-1", map[model.Platform]PlatformLimit{
		model.PlatformFacebook: {RequestsPerWindow: 10, WindowSize: time.Hour},
	})

	var granted int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.TryAcquire(model.PlatformFacebook, t0) {
				atomic.AddInt32(&granted, 1)
			}
		}()
	}
	wg.Wait()

	if granted != 10 {
		t.Errorf("許可数 = %d, want 10", granted)
	}
}

func TestRegistry_ReturnsSameStatePerOrganization(t *testing.T) {
	r := NewRegistry(nil)
	a := r.ForOrganization("org-a")
	if r.ForOrganization("org-a") != a {
		t.Error("同じ組織には同じ State を返すべき")
	}
	b := r.ForOrganization("org-b")
	if a == b {
		t.Error("組織ごとに State は分離されるべき")
	}
	if r.Count() != 2 {
		t.Errorf("Count = %d, want 2", r.Count())
	}
	a.TryAcquire(model.PlatformTwitter, t0)
	if !b.MayDispatch(model.PlatformTwitter, t0) {
		t.Error("他組織の試行が影響してはならない")
	}
}
