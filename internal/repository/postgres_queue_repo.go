package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/postqueue/internal/model"
)

// PostgresQueueRepo はPostgreSQLを使用した配信キューリポジトリ。
// 1つの組織のエントリのみを扱う。
type PostgresQueueRepo struct {
	db    *sql.DB
	orgID string
}

// NewPostgresQueueRepo はPostgresQueueRepoを生成する。
func NewPostgresQueueRepo(db *sql.DB, orgID string) *PostgresQueueRepo {
	return &PostgresQueueRepo{db: db, orgID: orgID}
}

const queueColumns = `id, organization_id, post_id, platform, scheduled_time, priority, status,
		        retry_count, last_error, next_attempt_at, completed_at, created_at, updated_at`

// priorityRankSQL は優先度を数値順位に変換するSQL式。
const priorityRankSQL = `CASE priority WHEN 'high' THEN 3 WHEN 'normal' THEN 2 ELSE 1 END`

// Create はキューエントリを作成する。
func (r *PostgresQueueRepo) Create(ctx context.Context, e *model.QueueEntry) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO queue_entries (id, organization_id, post_id, platform, scheduled_time, priority,
		                            status, retry_count, last_error, next_attempt_at, completed_at,
		                            created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		e.ID, r.orgID, e.PostID, e.Platform, e.ScheduledTime.UTC(), e.Priority,
		e.Status, e.RetryCount, nullString(e.LastError), nullTime(e.NextAttemptAt), nullTime(e.CompletedAt),
		e.CreatedAt, e.UpdatedAt,
	)
	return classify("キューエントリの作成に失敗しました", err)
}

// FindByID は指定IDのエントリを取得する。見つからない場合はnilを返す。
func (r *PostgresQueueRepo) FindByID(ctx context.Context, id string) (*model.QueueEntry, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+queueColumns+`
		 FROM queue_entries WHERE id = $1 AND organization_id = $2`,
		id, r.orgID,
	)
	e, err := scanPostgresEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, classify("キューエントリの取得に失敗しました", err)
	}
	return e, nil
}

// List は条件に一致するエントリを返す。
func (r *PostgresQueueRepo) List(ctx context.Context, filter model.QueueFilter) ([]*model.QueueEntry, error) {
	conds := []string{"organization_id = $1"}
	args := []interface{}{r.orgID}

	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		args = append(args, pq.Array(statuses))
		conds = append(conds, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if filter.Platform != nil {
		args = append(args, string(*filter.Platform))
		conds = append(conds, fmt.Sprintf("platform = $%d", len(args)))
	}
	if filter.PostID != "" {
		args = append(args, filter.PostID)
		conds = append(conds, fmt.Sprintf("post_id = $%d", len(args)))
	}
	if filter.From != nil {
		args = append(args, filter.From.UTC())
		conds = append(conds, fmt.Sprintf("scheduled_time >= $%d", len(args)))
	}
	if filter.To != nil {
		args = append(args, filter.To.UTC())
		conds = append(conds, fmt.Sprintf("scheduled_time <= $%d", len(args)))
	}

	query := `SELECT ` + queueColumns + `
		 FROM queue_entries
		 WHERE ` + strings.Join(conds, " AND ") + `
		 ORDER BY scheduled_time ASC, ` + priorityRankSQL + ` DESC, created_at ASC, id ASC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("キューエントリ一覧の取得に失敗しました", err)
	}
	defer rows.Close()

	var entries []*model.QueueEntry
	for rows.Next() {
		e, err := scanPostgresEntry(rows)
		if err != nil {
			return nil, classify("キューエントリの読み取りに失敗しました", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("キューエントリ一覧の走査に失敗しました", err)
	}
	return entries, nil
}

// Claim はpendingのエントリをprocessingに遷移させる。
func (r *PostgresQueueRepo) Claim(ctx context.Context, id string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE queue_entries SET status = 'processing', updated_at = now()
		 WHERE id = $1 AND organization_id = $2 AND status = 'pending'`,
		id, r.orgID,
	)
	if err != nil {
		return false, classify("キューエントリの確保に失敗しました", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, classify("確保件数の取得に失敗しました", err)
	}
	return n == 1, nil
}

// ListStaleClaims はcutoffより前に確保されたままのprocessingエントリを返す。
func (r *PostgresQueueRepo) ListStaleClaims(ctx context.Context, cutoff time.Time) ([]*model.QueueEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+queueColumns+`
		 FROM queue_entries
		 WHERE organization_id = $1 AND status = 'processing' AND updated_at < $2
		 ORDER BY updated_at ASC, id ASC`,
		r.orgID, cutoff.UTC(),
	)
	if err != nil {
		return nil, classify("滞留エントリの取得に失敗しました", err)
	}
	defer rows.Close()

	var entries []*model.QueueEntry
	for rows.Next() {
		e, err := scanPostgresEntry(rows)
		if err != nil {
			return nil, classify("滞留エントリの読み取りに失敗しました", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("滞留エントリの走査に失敗しました", err)
	}
	return entries, nil
}

// UpdateStatus は配信結果に応じてエントリの状態を更新する。
func (r *PostgresQueueRepo) UpdateStatus(ctx context.Context, u StatusUpdate) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE queue_entries SET
		    status = $3,
		    retry_count = GREATEST(retry_count, $4),
		    last_error = $5,
		    next_attempt_at = $6,
		    completed_at = $7,
		    updated_at = now()
		 WHERE id = $1 AND organization_id = $2 AND status = $8`,
		u.ID, r.orgID, u.Status, u.RetryCount, nullString(u.LastError),
		nullTime(u.NextAttemptAt), nullTime(u.CompletedAt), u.From,
	)
	if err != nil {
		return classify("キューエントリの状態更新に失敗しました", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return classify("更新件数の取得に失敗しました", err)
	}
	if n == 0 {
		return fmt.Errorf("キューエントリ %s は %s 状態ではありません: %w", u.ID, u.From, ErrConflict)
	}
	return nil
}

// UpdatePriority は複数エントリの優先度を1文で更新する。
func (r *PostgresQueueRepo) UpdatePriority(ctx context.Context, ids []string, priority model.Priority) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	result, err := r.db.ExecContext(ctx,
		`UPDATE queue_entries SET priority = $3, updated_at = now()
		 WHERE organization_id = $1 AND id = ANY($2::uuid[])`,
		r.orgID, pq.Array(ids), priority,
	)
	if err != nil {
		return 0, classify("優先度の一括更新に失敗しました", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, classify("更新件数の取得に失敗しました", err)
	}
	return int(n), nil
}

// UpdateScheduledTime はpendingのエントリの予約日時を変更する。
func (r *PostgresQueueRepo) UpdateScheduledTime(ctx context.Context, id string, scheduledTime time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE queue_entries SET scheduled_time = $3, next_attempt_at = NULL, updated_at = now()
		 WHERE id = $1 AND organization_id = $2 AND status = 'pending'`,
		id, r.orgID, scheduledTime.UTC(),
	)
	if err != nil {
		return false, classify("予約日時の変更に失敗しました", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, classify("更新件数の取得に失敗しました", err)
	}
	return n == 1, nil
}

// Delete は指定IDのエントリを削除する。
func (r *PostgresQueueRepo) Delete(ctx context.Context, id string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM queue_entries WHERE id = $1 AND organization_id = $2`,
		id, r.orgID,
	)
	if err != nil {
		return false, classify("キューエントリの削除に失敗しました", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, classify("削除件数の取得に失敗しました", err)
	}
	return n == 1, nil
}

// DeleteOlderThan は指定ステータスの古いエントリを削除する。
func (r *PostgresQueueRepo) DeleteOlderThan(ctx context.Context, status model.Status, cutoff time.Time) (int, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM queue_entries
		 WHERE organization_id = $1 AND status = $2
		   AND COALESCE(completed_at, updated_at) < $3`,
		r.orgID, status, cutoff.UTC(),
	)
	if err != nil {
		return 0, classify("古いキューエントリの削除に失敗しました", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, classify("削除件数の取得に失敗しました", err)
	}
	return int(n), nil
}

// RecordAttempt は配信試行を記録する。
func (r *PostgresQueueRepo) RecordAttempt(ctx context.Context, a model.DispatchAttempt) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO dispatch_attempts (organization_id, platform, queue_id, attempted_at, outcome)
		 VALUES ($1, $2, $3, $4, $5)`,
		r.orgID, a.Platform, nullString(a.QueueID), a.AttemptedAt.UTC(), a.Outcome,
	)
	return classify("配信試行の記録に失敗しました", err)
}

// ListAttemptsSince はsince以降の試行を古い順に返す。
func (r *PostgresQueueRepo) ListAttemptsSince(ctx context.Context, since time.Time) ([]model.DispatchAttempt, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT organization_id, platform, queue_id, attempted_at, outcome
		 FROM dispatch_attempts
		 WHERE organization_id = $1 AND attempted_at >= $2
		 ORDER BY attempted_at ASC`,
		r.orgID, since.UTC(),
	)
	if err != nil {
		return nil, classify("配信試行履歴の取得に失敗しました", err)
	}
	defer rows.Close()

	var attempts []model.DispatchAttempt
	for rows.Next() {
		var a model.DispatchAttempt
		var queueID sql.NullString
		if err := rows.Scan(&a.OrganizationID, &a.Platform, &queueID, &a.AttemptedAt, &a.Outcome); err != nil {
			return nil, classify("配信試行履歴の読み取りに失敗しました", err)
		}
		a.QueueID = nullStringValue(queueID)
		a.AttemptedAt = a.AttemptedAt.UTC()
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("配信試行履歴の走査に失敗しました", err)
	}
	return attempts, nil
}

// DeleteAttemptsBefore はcutoffより古い試行を削除する。
func (r *PostgresQueueRepo) DeleteAttemptsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM dispatch_attempts WHERE organization_id = $1 AND attempted_at < $2`,
		r.orgID, cutoff.UTC(),
	)
	if err != nil {
		return 0, classify("配信試行履歴の削除に失敗しました", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, classify("削除件数の取得に失敗しました", err)
	}
	return int(n), nil
}

func scanPostgresEntry(s rowScanner) (*model.QueueEntry, error) {
	e := &model.QueueEntry{}
	var lastError sql.NullString
	var nextAttemptAt, completedAt sql.NullTime

	if err := s.Scan(
		&e.ID, &e.OrganizationID, &e.PostID, &e.Platform, &e.ScheduledTime, &e.Priority, &e.Status,
		&e.RetryCount, &lastError, &nextAttemptAt, &completedAt, &e.CreatedAt, &e.UpdatedAt,
	); err != nil {
		return nil, err
	}

	e.ScheduledTime = e.ScheduledTime.UTC()
	e.LastError = nullStringValue(lastError)
	e.NextAttemptAt = timePtr(nextAttemptAt)
	e.CompletedAt = timePtr(completedAt)
	return e, nil
}

// compile-time interface check
var _ Store = (*PostgresQueueRepo)(nil)
