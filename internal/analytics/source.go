// Package analytics は推奨投稿時刻の算出に使うエンゲージメント履歴を提供する。
package analytics

import (
	"context"
	"time"

	"github.com/hitoshi/postqueue/internal/model"
)

// Slot は組織のタイムゾーンにおける曜日と時刻の枠。
type Slot struct {
	Weekday time.Weekday
	Hour    int
}

// History は枠ごとの平均エンゲージメント。
type History map[Slot]float64

// Max は最大のエンゲージメントを返す。空の場合は0。
func (h History) Max() float64 {
	best := 0.0
	for _, v := range h {
		if v > best {
			best = v
		}
	}
	return best
}

// Relative は枠のエンゲージメントを最大値に対する比率 [0,1] で返す。
// 履歴がない枠や最大値が0の場合は0。
func (h History) Relative(s Slot) float64 {
	best := h.Max()
	if best <= 0 {
		return 0
	}
	v := h[s]
	if v <= 0 {
		return 0
	}
	if v >= best {
		return 1
	}
	return v / best
}

// Source はプラットフォームごとのエンゲージメント履歴を返す。
type Source interface {
	// EngagementHistory は直近windowの履歴を返す。
	EngagementHistory(ctx context.Context, platform model.Platform, window time.Duration) (History, error)
}

// StaticSource は固定の履歴を返すSource。設定ファイル由来の履歴やテストで使う。
type StaticSource struct {
	Data map[model.Platform]History
	Err  error
}

// EngagementHistory は固定の履歴を返す。
func (s *StaticSource) EngagementHistory(_ context.Context, platform model.Platform, _ time.Duration) (History, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	return s.Data[platform], nil
}
