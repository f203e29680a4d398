// Package recommend は推奨投稿時刻を算出する。
// プラットフォームごとの静的な推奨枠に、組織のエンゲージメント履歴を重み付けして
// 今後の投稿候補をスコア順に返す。
package recommend

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/hitoshi/postqueue/internal/analytics"
	"github.com/hitoshi/postqueue/internal/model"
	"github.com/hitoshi/postqueue/internal/tzconv"
)

const (
	// MaxResults は返す候補の最大数。
	MaxResults = 20
	// MaxLookaheadDays は先読み日数の上限。
	MaxLookaheadDays = 30

	// baseScoreTop は順位0の基本スコア。順位が下がるごとに baseScoreSpan/len(table) ずつ下がる。
	baseScoreTop  = 100.0
	baseScoreSpan = 60.0
	// dayDecay は1日後ろにずれるごとに差し引くスコア。
	dayDecay = 0.1

	DefaultHistoryWeight = 0.5
	DefaultHistoryWindow = 90 * 24 * time.Hour
)

// Config はRecommenderの設定。
type Config struct {
	Timezone      string
	HistoryWeight float64
	HistoryWindow time.Duration
}

// Recommender は推奨投稿時刻を算出する。
type Recommender struct {
	source        analytics.Source
	timezone      string
	historyWeight float64
	historyWindow time.Duration
	tables        map[model.Platform][]tableSlot
	logger        *slog.Logger
	now           func() time.Time
}

// New はRecommenderを生成する。sourceがnilの場合は静的テーブルのみで算出する。
func New(source analytics.Source, cfg Config, logger *slog.Logger) *Recommender {
	if cfg.HistoryWeight < 0 {
		cfg.HistoryWeight = 0
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = DefaultHistoryWindow
	}
	return &Recommender{
		source:        source,
		timezone:      cfg.Timezone,
		historyWeight: cfg.HistoryWeight,
		historyWindow: cfg.HistoryWindow,
		tables:        defaultTables,
		logger:        logger,
		now:           time.Now,
	}
}

// BaseScore は静的テーブル上の順位rankの基本スコアを返す。
// 順位に対して狭義単調減少で、常に40より大きい。
func BaseScore(rank, size int) float64 {
	if size <= 0 {
		return 0
	}
	return baseScoreTop - float64(rank)*(baseScoreSpan/float64(size))
}

// BlendScore は基本スコアに履歴の相対エンゲージメント e ∈ [0,1] を重み付けする。
// eに対して単調非減少。
func BlendScore(base, weight, e float64) float64 {
	if e < 0 {
		e = 0
	}
	if e > 1 {
		e = 1
	}
	return base * (1 + weight*e)
}

// GetBestPostTimes は今後lookaheadDays日間の推奨投稿時刻をスコアの高い順に返す。
// 結果の日時はUTC。
func (r *Recommender) GetBestPostTimes(ctx context.Context, platform model.Platform, lookaheadDays int) ([]model.PostingSlotScore, error) {
	if !platform.Valid() {
		return nil, model.NewInvalidPlatformError(string(platform))
	}
	if lookaheadDays < 1 {
		return nil, model.NewInvalidLookaheadError(lookaheadDays)
	}
	if lookaheadDays > MaxLookaheadDays {
		lookaheadDays = MaxLookaheadDays
	}

	table := r.tables[platform]
	if len(table) == 0 {
		return []model.PostingSlotScore{}, nil
	}

	history := r.loadHistory(ctx, platform)
	useHistory := len(history) > 0 && history.Max() > 0 && r.historyWeight > 0

	loc := tzconv.LocationOrUTC(r.timezone)
	now := r.now().In(loc)
	horizon := now.AddDate(0, 0, lookaheadDays)
	y, m, d := now.Date()

	scores := make([]model.PostingSlotScore, 0, len(table)*2)
	for offset := 0; offset <= lookaheadDays; offset++ {
		day := time.Date(y, m, d+offset, 0, 0, 0, 0, loc)
		for rank, slot := range table {
			if slot.Weekday != day.Weekday() {
				continue
			}
			at := time.Date(day.Year(), day.Month(), day.Day(), slot.Hour, 0, 0, 0, loc)
			if !at.After(now) || at.After(horizon) {
				continue
			}

			score := BaseScore(rank, len(table))
			reason := fmt.Sprintf("%s: %s %02d:00 is a %s %s %s slot (rank %d)",
				platform.DisplayName(), slot.Weekday, slot.Hour,
				tier(rank, len(table)), weekPart(slot.Weekday), dayPart(slot.Hour), rank+1)

			if useHistory {
				e := history.Relative(analytics.Slot{Weekday: slot.Weekday, Hour: slot.Hour})
				score = BlendScore(score, r.historyWeight, e)
				reason += fmt.Sprintf(" / historical engagement %d%% of best", int(math.Round(e*100)))
			}
			score -= dayDecay * float64(offset)

			scores = append(scores, model.PostingSlotScore{
				Date:   at.UTC(),
				Score:  math.Round(score*100) / 100,
				Reason: reason,
			})
		}
	}

	sort.SliceStable(scores, func(i, j int) bool {
		if scores[i].Score != scores[j].Score {
			return scores[i].Score > scores[j].Score
		}
		return scores[i].Date.Before(scores[j].Date)
	})
	if len(scores) > MaxResults {
		scores = scores[:MaxResults]
	}
	return scores, nil
}

func (r *Recommender) loadHistory(ctx context.Context, platform model.Platform) analytics.History {
	if r.source == nil {
		return nil
	}
	h, err := r.source.EngagementHistory(ctx, platform, r.historyWindow)
	if err != nil {
		r.logger.Warn("エンゲージメント履歴を取得できないため静的テーブルのみで算出します",
			slog.String("platform", string(platform)),
			slog.String("error", err.Error()),
		)
		return nil
	}
	return h
}
