package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hitoshi/postqueue/internal/model"
)

// sqliteSchema は単一ノード構成で使うSQLiteのスキーマ。
// 日時はすべてUTCのUnixナノ秒で保持する。
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS queue_entries (
	id TEXT PRIMARY KEY,
	organization_id TEXT NOT NULL,
	post_id TEXT NOT NULL,
	platform TEXT NOT NULL,
	scheduled_time INTEGER NOT NULL,
	priority TEXT NOT NULL DEFAULT 'normal',
	status TEXT NOT NULL DEFAULT 'pending',
	retry_count INTEGER NOT NULL DEFAULT 0,
	last_error TEXT,
	next_attempt_at INTEGER,
	completed_at INTEGER,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_queue_entries_org_status_time
	ON queue_entries(organization_id, status, scheduled_time);
CREATE INDEX IF NOT EXISTS idx_queue_entries_post
	ON queue_entries(organization_id, post_id, platform);
CREATE TABLE IF NOT EXISTS dispatch_attempts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	organization_id TEXT NOT NULL,
	platform TEXT NOT NULL,
	queue_id TEXT,
	attempted_at INTEGER NOT NULL,
	outcome TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dispatch_attempts_org_time
	ON dispatch_attempts(organization_id, attempted_at);
CREATE TABLE IF NOT EXISTS post_engagements (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	organization_id TEXT NOT NULL,
	platform TEXT NOT NULL,
	day_of_week INTEGER NOT NULL,
	hour_of_day INTEGER NOT NULL,
	engagement REAL NOT NULL,
	recorded_at INTEGER NOT NULL
);
`

// SQLiteQueueRepo はSQLiteを使用した配信キューリポジトリ。
type SQLiteQueueRepo struct {
	db    *sql.DB
	orgID string
	now   func() time.Time
}

// NewSQLiteQueueRepo はSQLiteQueueRepoを生成する。スキーマは作成しない。
func NewSQLiteQueueRepo(db *sql.DB, orgID string) *SQLiteQueueRepo {
	return &SQLiteQueueRepo{db: db, orgID: orgID, now: time.Now}
}

// OpenSQLite はSQLiteデータベースを開き、WALモードを有効にする。
func OpenSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("SQLiteデータベースのオープンに失敗しました: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("WALモードの設定に失敗しました: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("busy_timeoutの設定に失敗しました: %w", err)
	}
	return db, nil
}

// Migrate はテーブルが存在しなければ作成する。
func (r *SQLiteQueueRepo) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("SQLiteスキーマの作成に失敗しました: %w", err)
	}
	return nil
}

func unixNano(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func nullUnixNano(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UTC().UnixNano(), Valid: true}
}

func fromUnixNano(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func fromNullUnixNano(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromUnixNano(n.Int64)
	return &t
}

// Create はキューエントリを作成する。
func (r *SQLiteQueueRepo) Create(ctx context.Context, e *model.QueueEntry) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO queue_entries (id, organization_id, post_id, platform, scheduled_time, priority,
		                            status, retry_count, last_error, next_attempt_at, completed_at,
		                            created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, r.orgID, e.PostID, string(e.Platform), unixNano(e.ScheduledTime), string(e.Priority),
		string(e.Status), e.RetryCount, nullString(e.LastError), nullUnixNano(e.NextAttemptAt),
		nullUnixNano(e.CompletedAt), unixNano(e.CreatedAt), unixNano(e.UpdatedAt),
	)
	return classify("キューエントリの作成に失敗しました", err)
}

// FindByID は指定IDのエントリを取得する。見つからない場合はnilを返す。
func (r *SQLiteQueueRepo) FindByID(ctx context.Context, id string) (*model.QueueEntry, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+queueColumns+`
		 FROM queue_entries WHERE id = ? AND organization_id = ?`,
		id, r.orgID,
	)
	e, err := scanSQLiteEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, classify("キューエントリの取得に失敗しました", err)
	}
	return e, nil
}

// List は条件に一致するエントリを返す。
func (r *SQLiteQueueRepo) List(ctx context.Context, filter model.QueueFilter) ([]*model.QueueEntry, error) {
	conds := []string{"organization_id = ?"}
	args := []interface{}{r.orgID}

	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			marks[i] = "?"
			args = append(args, string(s))
		}
		conds = append(conds, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if filter.Platform != nil {
		conds = append(conds, "platform = ?")
		args = append(args, string(*filter.Platform))
	}
	if filter.PostID != "" {
		conds = append(conds, "post_id = ?")
		args = append(args, filter.PostID)
	}
	if filter.From != nil {
		conds = append(conds, "scheduled_time >= ?")
		args = append(args, unixNano(*filter.From))
	}
	if filter.To != nil {
		conds = append(conds, "scheduled_time <= ?")
		args = append(args, unixNano(*filter.To))
	}

	query := `SELECT ` + queueColumns + `
		 FROM queue_entries
		 WHERE ` + strings.Join(conds, " AND ") + `
		 ORDER BY scheduled_time ASC, ` + priorityRankSQL + ` DESC, created_at ASC, id ASC`
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("キューエントリ一覧の取得に失敗しました", err)
	}
	defer rows.Close()

	var entries []*model.QueueEntry
	for rows.Next() {
		e, err := scanSQLiteEntry(rows)
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

func (r *SQLiteQueueRepo) execAffected(ctx context.Context, op, query string, args ...interface{}) (int, error) {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, classify(op, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, classify(op, err)
	}
	return int(n), nil
}

// Claim はpendingのエントリをprocessingに遷移させる。
func (r *SQLiteQueueRepo) Claim(ctx context.Context, id string) (bool, error) {
	n, err := r.execAffected(ctx, "キューエントリの確保に失敗しました",
		`UPDATE queue_entries SET status = 'processing', updated_at = ?
		 WHERE id = ? AND organization_id = ? AND status = 'pending'`,
		unixNano(r.now()), id, r.orgID,
	)
	return n == 1, err
}

// ListStaleClaims はcutoffより前に確保されたままのprocessingエントリを返す。
func (r *SQLiteQueueRepo) ListStaleClaims(ctx context.Context, cutoff time.Time) ([]*model.QueueEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+queueColumns+`
		 FROM queue_entries
		 WHERE organization_id = ? AND status = 'processing' AND updated_at < ?
		 ORDER BY updated_at ASC, id ASC`,
		r.orgID, unixNano(cutoff),
	)
	if err != nil {
		return nil, classify("滞留エントリの取得に失敗しました", err)
	}
	defer rows.Close()

	var entries []*model.QueueEntry
	for rows.Next() {
		e, err := scanSQLiteEntry(rows)
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
func (r *SQLiteQueueRepo) UpdateStatus(ctx context.Context, u StatusUpdate) error {
	n, err := r.execAffected(ctx, "キューエントリの状態更新に失敗しました",
		`UPDATE queue_entries SET
		    status = ?,
		    retry_count = MAX(retry_count, ?),
		    last_error = ?,
		    next_attempt_at = ?,
		    completed_at = ?,
		    updated_at = ?
		 WHERE id = ? AND organization_id = ? AND status = ?`,
		string(u.Status), u.RetryCount, nullString(u.LastError), nullUnixNano(u.NextAttemptAt),
		nullUnixNano(u.CompletedAt), unixNano(r.now()), u.ID, r.orgID, string(u.From),
	)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("キューエントリ %s は %s 状態ではありません: %w", u.ID, u.From, ErrConflict)
	}
	return nil
}

// UpdatePriority は複数エントリの優先度を1文で更新する。
func (r *SQLiteQueueRepo) UpdatePriority(ctx context.Context, ids []string, priority model.Priority) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	marks := make([]string, len(ids))
	args := []interface{}{string(priority), unixNano(r.now()), r.orgID}
	for i, id := range ids {
		marks[i] = "?"
		args = append(args, id)
	}
	return r.execAffected(ctx, "優先度の一括更新に失敗しました",
		`UPDATE queue_entries SET priority = ?, updated_at = ?
		 WHERE organization_id = ? AND id IN (`+strings.Join(marks, ", ")+`)`,
		args...,
	)
}

// UpdateScheduledTime はpendingのエントリの予約日時を変更する。
func (r *SQLiteQueueRepo) UpdateScheduledTime(ctx context.Context, id string, scheduledTime time.Time) (bool, error) {
	n, err := r.execAffected(ctx, "予約日時の変更に失敗しました",
		`UPDATE queue_entries SET scheduled_time = ?, next_attempt_at = NULL, updated_at = ?
		 WHERE id = ? AND organization_id = ? AND status = 'pending'`,
		unixNano(scheduledTime), unixNano(r.now()), id, r.orgID,
	)
	return n == 1, err
}

// Delete は指定IDのエントリを削除する。
func (r *SQLiteQueueRepo) Delete(ctx context.Context, id string) (bool, error) {
	n, err := r.execAffected(ctx, "キューエントリの削除に失敗しました",
		`DELETE FROM queue_entries WHERE id = ? AND organization_id = ?`,
		id, r.orgID,
	)
	return n == 1, err
}

// DeleteOlderThan は指定ステータスの古いエントリを削除する。
func (r *SQLiteQueueRepo) DeleteOlderThan(ctx context.Context, status model.Status, cutoff time.Time) (int, error) {
	return r.execAffected(ctx, "古いキューエントリの削除に失敗しました",
		`DELETE FROM queue_entries
		 WHERE organization_id = ? AND status = ?
		   AND COALESCE(completed_at, updated_at) < ?`,
		r.orgID, string(status), unixNano(cutoff),
	)
}

// RecordAttempt は配信試行を記録する。
func (r *SQLiteQueueRepo) RecordAttempt(ctx context.Context, a model.DispatchAttempt) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO dispatch_attempts (organization_id, platform, queue_id, attempted_at, outcome)
		 VALUES (?, ?, ?, ?, ?)`,
		r.orgID, string(a.Platform), nullString(a.QueueID), unixNano(a.AttemptedAt), a.Outcome,
	)
	return classify("配信試行の記録に失敗しました", err)
}

// ListAttemptsSince はsince以降の試行を古い順に返す。
func (r *SQLiteQueueRepo) ListAttemptsSince(ctx context.Context, since time.Time) ([]model.DispatchAttempt, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT organization_id, platform, queue_id, attempted_at, outcome
		 FROM dispatch_attempts
		 WHERE organization_id = ? AND attempted_at >= ?
		 ORDER BY attempted_at ASC, id ASC`,
		r.orgID, unixNano(since),
	)
	if err != nil {
		return nil, classify("配信試行履歴の取得に失敗しました", err)
	}
	defer rows.Close()

	var attempts []model.DispatchAttempt
	for rows.Next() {
		var a model.DispatchAttempt
		var platform string
		var queueID sql.NullString
		var attemptedAt int64
		if err := rows.Scan(&a.OrganizationID, &platform, &queueID, &attemptedAt, &a.Outcome); err != nil {
			return nil, classify("配信試行履歴の読み取りに失敗しました", err)
		}
		a.Platform = model.Platform(platform)
		a.QueueID = nullStringValue(queueID)
		a.AttemptedAt = fromUnixNano(attemptedAt)
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("配信試行履歴の走査に失敗しました", err)
	}
	return attempts, nil
}

// DeleteAttemptsBefore はcutoffより古い試行を削除する。
func (r *SQLiteQueueRepo) DeleteAttemptsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	return r.execAffected(ctx, "配信試行履歴の削除に失敗しました",
		`DELETE FROM dispatch_attempts WHERE organization_id = ? AND attempted_at < ?`,
		r.orgID, unixNano(cutoff),
	)
}

func scanSQLiteEntry(s rowScanner) (*model.QueueEntry, error) {
	e := &model.QueueEntry{}
	var platform, priority, status string
	var lastError sql.NullString
	var scheduled, created, updated int64
	var nextAttemptAt, completedAt sql.NullInt64

	if err := s.Scan(
		&e.ID, &e.OrganizationID, &e.PostID, &platform, &scheduled, &priority, &status,
		&e.RetryCount, &lastError, &nextAttemptAt, &completedAt, &created, &updated,
	); err != nil {
		return nil, err
	}

	e.Platform = model.Platform(platform)
	e.Priority = model.Priority(priority)
	e.Status = model.Status(status)
	e.ScheduledTime = fromUnixNano(scheduled)
	e.LastError = nullStringValue(lastError)
	e.NextAttemptAt = fromNullUnixNano(nextAttemptAt)
	e.CompletedAt = fromNullUnixNano(completedAt)
	e.CreatedAt = fromUnixNano(created)
	e.UpdatedAt = fromUnixNano(updated)
	return e, nil
}

var _ Store = (*SQLiteQueueRepo)(nil)
