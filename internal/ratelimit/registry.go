package ratelimit

import (
	"sync"

	"github.com/hitoshi/postqueue/internal/model"
)

// Registry は組織ごとのStateを管理する。
// 同じ組織IDに対しては常に同じStateを返す。
type Registry struct {
	limits map[model.Platform]PlatformLimit

	mu     sync.RWMutex
	states map[string]*State
}

// NewRegistry は新しいRegistryを生成する。
// limitsは全組織に共通の上書き設定。
func NewRegistry(limits map[model.Platform]PlatformLimit) *Registry {
	return &Registry{
		limits: limits,
		states: make(map[string]*State),
	}
}

// ForOrganization は組織のStateを取得または作成する。
func (r *Registry) ForOrganization(orgID string) *State {
	r.mu.RLock()
	st, exists := r.states[orgID]
	r.mu.RUnlock()
	if exists {
		return st
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// ダブルチェック
	if st, exists := r.states[orgID]; exists {
		return st
	}

	st = NewState(orgID, r.limits)
	r.states[orgID] = st
	return st
}

// Count は管理中の組織数を返す。
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.states)
}
