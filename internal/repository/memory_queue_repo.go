package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hitoshi/postqueue/internal/model"
)

// MemoryQueueRepo はプロセス内メモリに保持する配信キューリポジトリ。
// 開発用の単一プロセス構成とテストで使う。全操作はミューテックスで直列化される。
type MemoryQueueRepo struct {
	orgID string
	now   func() time.Time

	mu       sync.Mutex
	entries  map[string]*model.QueueEntry
	seq      []string // 挿入順。同順位のエントリの並びに使う
	attempts []model.DispatchAttempt
}

// NewMemoryQueueRepo はMemoryQueueRepoを生成する。
func NewMemoryQueueRepo(orgID string) *MemoryQueueRepo {
	return &MemoryQueueRepo{
		orgID:   orgID,
		now:     time.Now,
		entries: make(map[string]*model.QueueEntry),
	}
}

func cloneEntry(e *model.QueueEntry) *model.QueueEntry {
	c := *e
	if e.NextAttemptAt != nil {
		t := *e.NextAttemptAt
		c.NextAttemptAt = &t
	}
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// Create はキューエントリを作成する。
func (r *MemoryQueueRepo) Create(_ context.Context, e *model.QueueEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[e.ID]; ok {
		return fmt.Errorf("キューエントリ %s は既に存在します", e.ID)
	}
	c := cloneEntry(e)
	c.OrganizationID = r.orgID
	c.ScheduledTime = c.ScheduledTime.UTC()
	c.Simulated = false
	r.entries[c.ID] = c
	r.seq = append(r.seq, c.ID)
	return nil
}

// FindByID は指定IDのエントリを取得する。見つからない場合はnilを返す。
func (r *MemoryQueueRepo) FindByID(_ context.Context, id string) (*model.QueueEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, nil
	}
	return cloneEntry(e), nil
}

// List は条件に一致するエントリを返す。
func (r *MemoryQueueRepo) List(_ context.Context, filter model.QueueFilter) ([]*model.QueueEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*model.QueueEntry
	for _, id := range r.seq {
		e, ok := r.entries[id]
		if !ok || !filter.Matches(e) {
			continue
		}
		out = append(out, cloneEntry(e))
	}
	model.SortEntries(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Claim はpendingのエントリをprocessingに遷移させる。
func (r *MemoryQueueRepo) Claim(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok || e.Status != model.StatusPending {
		return false, nil
	}
	e.Status = model.StatusProcessing
	e.UpdatedAt = r.now()
	return true, nil
}

// ListStaleClaims はcutoffより前に確保されたままのprocessingエントリを返す。
func (r *MemoryQueueRepo) ListStaleClaims(_ context.Context, cutoff time.Time) ([]*model.QueueEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*model.QueueEntry
	for _, id := range r.seq {
		e, ok := r.entries[id]
		if !ok || e.Status != model.StatusProcessing || !e.UpdatedAt.Before(cutoff) {
			continue
		}
		out = append(out, cloneEntry(e))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

// UpdateStatus は配信結果に応じてエントリの状態を更新する。
func (r *MemoryQueueRepo) UpdateStatus(_ context.Context, u StatusUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[u.ID]
	if !ok || e.Status != u.From {
		return fmt.Errorf("キューエントリ %s は %s 状態ではありません: %w", u.ID, u.From, ErrConflict)
	}
	e.Status = u.Status
	if u.RetryCount > e.RetryCount {
		e.RetryCount = u.RetryCount
	}
	e.LastError = u.LastError
	e.NextAttemptAt = nil
	if u.NextAttemptAt != nil {
		t := u.NextAttemptAt.UTC()
		e.NextAttemptAt = &t
	}
	e.CompletedAt = nil
	if u.CompletedAt != nil {
		t := u.CompletedAt.UTC()
		e.CompletedAt = &t
	}
	e.UpdatedAt = r.now()
	return nil
}

// UpdatePriority は複数エントリの優先度を更新する。
func (r *MemoryQueueRepo) UpdatePriority(_ context.Context, ids []string, priority model.Priority) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool, len(ids))
	n := 0
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if e, ok := r.entries[id]; ok {
			e.Priority = priority
			e.UpdatedAt = r.now()
			n++
		}
	}
	return n, nil
}

// UpdateScheduledTime はpendingのエントリの予約日時を変更する。
func (r *MemoryQueueRepo) UpdateScheduledTime(_ context.Context, id string, scheduledTime time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok || e.Status != model.StatusPending {
		return false, nil
	}
	e.ScheduledTime = scheduledTime.UTC()
	e.NextAttemptAt = nil
	e.UpdatedAt = r.now()
	return true, nil
}

// Delete は指定IDのエントリを削除する。
func (r *MemoryQueueRepo) Delete(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[id]; !ok {
		return false, nil
	}
	delete(r.entries, id)
	r.compactSeq()
	return true, nil
}

// DeleteOlderThan は指定ステータスの古いエントリを削除する。
func (r *MemoryQueueRepo) DeleteOlderThan(_ context.Context, status model.Status, cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for id, e := range r.entries {
		if e.Status != status {
			continue
		}
		ref := e.UpdatedAt
		if e.CompletedAt != nil {
			ref = *e.CompletedAt
		}
		if ref.Before(cutoff) {
			delete(r.entries, id)
			n++
		}
	}
	if n > 0 {
		r.compactSeq()
	}
	return n, nil
}

func (r *MemoryQueueRepo) compactSeq() {
	kept := r.seq[:0]
	for _, id := range r.seq {
		if _, ok := r.entries[id]; ok {
			kept = append(kept, id)
		}
	}
	r.seq = kept
}

// RecordAttempt は配信試行を記録する。
func (r *MemoryQueueRepo) RecordAttempt(_ context.Context, a model.DispatchAttempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a.OrganizationID = r.orgID
	a.AttemptedAt = a.AttemptedAt.UTC()
	r.attempts = append(r.attempts, a)
	return nil
}

// ListAttemptsSince はsince以降の試行を古い順に返す。
func (r *MemoryQueueRepo) ListAttemptsSince(_ context.Context, since time.Time) ([]model.DispatchAttempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []model.DispatchAttempt
	for _, a := range r.attempts {
		if !a.AttemptedAt.Before(since) {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].AttemptedAt.Before(out[j].AttemptedAt)
	})
	return out, nil
}

// DeleteAttemptsBefore はcutoffより古い試行を削除する。
func (r *MemoryQueueRepo) DeleteAttemptsBefore(_ context.Context, cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.attempts[:0]
	n := 0
	for _, a := range r.attempts {
		if a.AttemptedAt.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, a)
	}
	r.attempts = kept
	return n, nil
}

var _ Store = (*MemoryQueueRepo)(nil)
