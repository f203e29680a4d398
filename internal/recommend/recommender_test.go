package recommend

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/postqueue/internal/analytics"
	"github.com/hitoshi/postqueue/internal/model"
)

// 2026-03-02は月曜日
var testNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

func newTestRecommender(source analytics.Source, cfg Config) (*Recommender, *bytes.Buffer) {
	var buf bytes.Buffer
	r := New(source, cfg, newTestLogger(&buf))
	r.now = func() time.Time { return testNow }
	return r, &buf
}

func TestGetBestPostTimes_Validation(t *testing.T) {
	r, _ := newTestRecommender(nil, Config{})

	_, err := r.GetBestPostTimes(context.Background(), model.Platform("myspace"), 7)
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeInvalidPlatform {
		t.Errorf("未定義プラットフォームはINVALID_PLATFORMであるべき: %v", err)
	}

	_, err = r.GetBestPostTimes(context.Background(), model.PlatformLinkedIn, 0)
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeInvalidLookahead {
		t.Errorf("先読み0日はINVALID_LOOKAHEADであるべき: %v", err)
	}
}

func TestGetBestPostTimes_Bounds(t *testing.T) {
	for _, p := range model.AllPlatforms() {
		for _, days := range []int{1, 7, 30, 365} {
			r, _ := newTestRecommender(nil, Config{})
			got, err := r.GetBestPostTimes(context.Background(), p, days)
			if err != nil {
				t.Fatalf("%s/%d: %v", p, days, err)
			}
			if len(got) > MaxResults {
				t.Errorf("%s/%d: %d件, 上限は%d件", p, days, len(got), MaxResults)
			}
			capped := days
			if capped > MaxLookaheadDays {
				capped = MaxLookaheadDays
			}
			horizon := testNow.AddDate(0, 0, capped)
			for i, s := range got {
				if s.Reason == "" {
					t.Errorf("%s/%d: Reasonが空", p, days)
				}
				if !s.Date.After(testNow) || s.Date.After(horizon) {
					t.Errorf("%s/%d: 範囲外の日時 %v", p, days, s.Date)
				}
				if s.Date.Location() != time.UTC {
					t.Errorf("%s/%d: 日時はUTCであるべき", p, days)
				}
				if i > 0 && got[i-1].Score < s.Score {
					t.Errorf("%s/%d: スコアの降順が崩れている (%d)", p, days, i)
				}
			}
		}
	}
}

func TestGetBestPostTimes_OneDayWindow(t *testing.T) {
	r, _ := newTestRecommender(nil, Config{})
	got, err := r.GetBestPostTimes(context.Background(), model.PlatformLinkedIn, 1)
	if err != nil {
		t.Fatalf("GetBestPostTimes: %v", err)
	}

	// 月曜09:00から24時間: 月曜10時と火曜08時のみ
	want := map[time.Time]bool{
		time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC): true,
		time.Date(2026, 3, 3, 8, 0, 0, 0, time.UTC):  true,
	}
	if len(got) != len(want) {
		t.Fatalf("件数 = %d, want %d: %+v", len(got), len(want), got)
	}
	for _, s := range got {
		if !want[s.Date] {
			t.Errorf("想定外の候補: %v", s.Date)
		}
	}
	// 火曜08時は順位4、月曜10時は順位7
	if !got[0].Date.Equal(time.Date(2026, 3, 3, 8, 0, 0, 0, time.UTC)) {
		t.Errorf("先頭は火曜08時であるべき: %v", got[0].Date)
	}
	if !strings.HasPrefix(got[0].Reason, "LinkedIn: Tuesday 08:00") {
		t.Errorf("Reason = %q", got[0].Reason)
	}
}

func TestGetBestPostTimes_Timezone(t *testing.T) {
	r, _ := newTestRecommender(nil, Config{Timezone: "Asia/Tokyo"})
	got, err := r.GetBestPostTimes(context.Background(), model.PlatformLinkedIn, 7)
	if err != nil {
		t.Fatalf("GetBestPostTimes: %v", err)
	}
	// 東京の火曜10:00はUTCの火曜01:00
	found := false
	for _, s := range got {
		if s.Date.Equal(time.Date(2026, 3, 3, 1, 0, 0, 0, time.UTC)) {
			found = true
		}
	}
	if !found {
		t.Error("組織のタイムゾーンで枠が解釈されるべき")
	}
}

func TestGetBestPostTimes_UnknownTimezoneFallsBackToUTC(t *testing.T) {
	utc, _ := newTestRecommender(nil, Config{Timezone: "UTC"})
	unknown, _ := newTestRecommender(nil, Config{Timezone: "Mars/Olympus_Mons"})

	a, err := utc.GetBestPostTimes(context.Background(), model.PlatformTwitter, 7)
	if err != nil {
		t.Fatalf("GetBestPostTimes: %v", err)
	}
	b, err := unknown.GetBestPostTimes(context.Background(), model.PlatformTwitter, 7)
	if err != nil {
		t.Fatalf("未知のタイムゾーンでもエラーにならないべき: %v", err)
	}
	if len(a) != len(b) {
		t.Fatalf("件数が一致しない: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if !a[i].Date.Equal(b[i].Date) {
			t.Errorf("[%d] %v vs %v", i, a[i].Date, b[i].Date)
		}
	}
}

func TestGetBestPostTimes_EmptyTable(t *testing.T) {
	r, _ := newTestRecommender(nil, Config{})
	r.tables = map[model.Platform][]tableSlot{}

	got, err := r.GetBestPostTimes(context.Background(), model.PlatformTikTok, 7)
	if err != nil {
		t.Fatalf("空テーブルはエラーにならないべき: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("空のスライスであるべき: %v", got)
	}
}

func scoreAt(t *testing.T, r *Recommender, p model.Platform, at time.Time) float64 {
	t.Helper()
	got, err := r.GetBestPostTimes(context.Background(), p, 7)
	if err != nil {
		t.Fatalf("GetBestPostTimes: %v", err)
	}
	for _, s := range got {
		if s.Date.Equal(at) {
			return s.Score
		}
	}
	t.Fatalf("%v の候補が見つからない", at)
	return 0
}

func TestGetBestPostTimes_HistoryMonotonic(t *testing.T) {
	target := analytics.Slot{Weekday: time.Monday, Hour: 10}
	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	prev := -1.0
	for _, v := range []float64{0, 10, 40, 80, 100} {
		src := &analytics.StaticSource{Data: map[model.Platform]analytics.History{
			model.PlatformLinkedIn: {
				target: v,
				{Weekday: time.Tuesday, Hour: 10}: 100,
			},
		}}
		r, _ := newTestRecommender(src, Config{HistoryWeight: 0.5})
		got := scoreAt(t, r, model.PlatformLinkedIn, at)
		if got < prev {
			t.Errorf("エンゲージメント%vでスコアが減少した: %v < %v", v, got, prev)
		}
		prev = got
	}
}

func TestGetBestPostTimes_HistoryRaisesScoreAndReason(t *testing.T) {
	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	static, _ := newTestRecommender(nil, Config{})
	src := &analytics.StaticSource{Data: map[model.Platform]analytics.History{
		model.PlatformLinkedIn: {{Weekday: time.Monday, Hour: 10}: 50},
	}}
	blended, _ := newTestRecommender(src, Config{HistoryWeight: 0.5})

	base := scoreAt(t, static, model.PlatformLinkedIn, at)
	withHistory := scoreAt(t, blended, model.PlatformLinkedIn, at)
	// 月曜10時は7枠中の順位6、当日なので減衰なし
	want := math.Round(BlendScore(BaseScore(6, 7), 0.5, 1)*100) / 100
	if withHistory != want {
		t.Errorf("スコア = %v, want %v", withHistory, want)
	}
	if withHistory <= base {
		t.Errorf("履歴のある枠はスコアが上がるべき: %v <= %v", withHistory, base)
	}

	got, _ := blended.GetBestPostTimes(context.Background(), model.PlatformLinkedIn, 7)
	if !strings.Contains(got[0].Reason, "historical engagement") {
		t.Errorf("履歴を使った場合はReasonに含めるべき: %q", got[0].Reason)
	}
}

func TestGetBestPostTimes_AnalyticsFailureFallsBack(t *testing.T) {
	src := &analytics.StaticSource{Err: errors.New("analytics unavailable")}
	r, buf := newTestRecommender(src, Config{HistoryWeight: 0.5})
	static, _ := newTestRecommender(nil, Config{})

	got, err := r.GetBestPostTimes(context.Background(), model.PlatformInstagram, 7)
	if err != nil {
		t.Fatalf("分析の失敗はエラーにならないべき: %v", err)
	}
	want, _ := static.GetBestPostTimes(context.Background(), model.PlatformInstagram, 7)
	if len(got) != len(want) {
		t.Fatalf("件数 = %d, want %d", len(got), len(want))
	}
	for i := range got {
		if !got[i].Date.Equal(want[i].Date) || got[i].Score != want[i].Score || got[i].Reason != want[i].Reason {
			t.Errorf("[%d] 静的テーブルのみの結果と一致しない", i)
		}
	}
	if !strings.Contains(buf.String(), `"level":"WARN"`) {
		t.Error("警告ログが出力されるべき")
	}
}

func TestBaseScore_StrictlyDecreasing(t *testing.T) {
	for size := 1; size <= 12; size++ {
		for rank := 0; rank < size; rank++ {
			s := BaseScore(rank, size)
			if s <= 40 {
				t.Errorf("BaseScore(%d,%d) = %v, 40より大きいべき", rank, size, s)
			}
			if rank > 0 && s >= BaseScore(rank-1, size) {
				t.Errorf("BaseScore(%d,%d) は順位に対して狭義単調減少であるべき", rank, size)
			}
		}
	}
}
