package analytics

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/postqueue/internal/model"
)

// Dialect はSQLSourceが発行するSQLの方言。
type Dialect int

const (
	DialectPostgres Dialect = iota
	DialectSQLite
)

// SQLSource はpost_engagementsテーブルから履歴を集計するSource。
type SQLSource struct {
	db      *sql.DB
	orgID   string
	dialect Dialect
	now     func() time.Time
}

// NewSQLSource はSQLSourceを生成する。
func NewSQLSource(db *sql.DB, orgID string, dialect Dialect) *SQLSource {
	return &SQLSource{db: db, orgID: orgID, dialect: dialect, now: time.Now}
}

func (s *SQLSource) query() string {
	if s.dialect == DialectSQLite {
		return `SELECT day_of_week, hour_of_day, AVG(engagement)
		 FROM post_engagements
		 WHERE organization_id = ? AND platform = ? AND recorded_at >= ?
		 GROUP BY day_of_week, hour_of_day`
	}
	return `SELECT day_of_week, hour_of_day, AVG(engagement)
		 FROM post_engagements
		 WHERE organization_id = $1 AND platform = $2 AND recorded_at >= $3
		 GROUP BY day_of_week, hour_of_day`
}

// EngagementHistory は直近windowのエンゲージメントを枠ごとに平均して返す。
func (s *SQLSource) EngagementHistory(ctx context.Context, platform model.Platform, window time.Duration) (History, error) {
	since := s.now().UTC().Add(-window)
	var sinceArg interface{} = since
	if s.dialect == DialectSQLite {
		sinceArg = since.UnixNano()
	}

	rows, err := s.db.QueryContext(ctx, s.query(), s.orgID, string(platform), sinceArg)
	if err != nil {
		return nil, fmt.Errorf("エンゲージメント履歴の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	h := make(History)
	for rows.Next() {
		var day, hour int
		var avg float64
		if err := rows.Scan(&day, &hour, &avg); err != nil {
			return nil, fmt.Errorf("エンゲージメント履歴の読み取りに失敗しました: %w", err)
		}
		if day < 0 || day > 6 || hour < 0 || hour > 23 {
			continue
		}
		h[Slot{Weekday: time.Weekday(day), Hour: hour}] = avg
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("エンゲージメント履歴の走査に失敗しました: %w", err)
	}
	return h, nil
}

var _ Source = (*SQLSource)(nil)
