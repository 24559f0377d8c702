package strategy

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "ChainPilot/internal/errors"
)

// MemoryStore 以内存方式保存策略，主要用于测试与单机运行。
type MemoryStore struct {
	mu         sync.RWMutex
	strategies map[string]*Strategy
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{strategies: make(map[string]*Strategy)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, s *Strategy) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if s.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "策略 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.strategies[s.ID]; ok {
		return ErrStrategyConflict
	}
	now := time.Now().Unix()
	if s.CreatedAt == 0 {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	if s.Status == "" {
		s.Status = StatusDraft
	}
	clone := *s
	m.strategies[s.ID] = &clone
	return nil
}

// Get 返回策略。
func (m *MemoryStore) Get(_ context.Context, id string) (*Strategy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.strategies[id]
	if !ok {
		return nil, ErrStrategyNotFound
	}
	clone := *s
	return &clone, nil
}

// ListByOwner 返回指定用户的策略。
func (m *MemoryStore) ListByOwner(_ context.Context, owner string, status Status) ([]*Strategy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	results := make([]*Strategy, 0)
	for _, s := range m.strategies {
		if s.Owner != owner {
			continue
		}
		if status != "" && s.Status != status {
			continue
		}
		clone := *s
		results = append(results, &clone)
	}
	sortStrategies(results)
	return results, nil
}

// ListByStatus 返回处于指定状态的策略。
func (m *MemoryStore) ListByStatus(_ context.Context, status Status) ([]*Strategy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	results := make([]*Strategy, 0)
	for _, s := range m.strategies {
		if s.Status != status {
			continue
		}
		clone := *s
		results = append(results, &clone)
	}
	sortStrategies(results)
	return results, nil
}

// UpdateStatus 变更策略状态。已归档的策略不允许再变更。
func (m *MemoryStore) UpdateStatus(_ context.Context, id string, status Status) error {
	if !IsValidStatus(status) {
		return xerrors.New(xerrors.CodeInvalidArgument, "不支持的策略状态")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.strategies[id]
	if !ok {
		return ErrStrategyNotFound
	}
	if s.Status == StatusArchived {
		return ErrStrategyConflict
	}
	s.Status = status
	s.UpdatedAt = time.Now().Unix()
	return nil
}

// RecordOutcome 维护连续失败计数。
func (m *MemoryStore) RecordOutcome(_ context.Context, id string, succeeded bool) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.strategies[id]
	if !ok {
		return 0, ErrStrategyNotFound
	}
	if succeeded {
		s.FailStreak = 0
	} else {
		s.FailStreak++
	}
	s.UpdatedAt = time.Now().Unix()
	return s.FailStreak, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error { return nil }

func sortStrategies(items []*Strategy) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].UpdatedAt == items[j].UpdatedAt {
			return items[i].ID < items[j].ID
		}
		return items[i].UpdatedAt > items[j].UpdatedAt
	})
}

var _ Store = (*MemoryStore)(nil)
