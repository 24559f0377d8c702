package execution

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "ChainPilot/internal/errors"
)

// MemoryStore 以内存方式保存执行记录，主要用于测试。
type MemoryStore struct {
	mu         sync.RWMutex
	executions map[string]*Execution
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{executions: make(map[string]*Execution)}
}

// Create 实现 Store 接口。同一策略的活跃执行唯一性在持有锁
// 的情况下检查，并发创建只有一个成功。
func (m *MemoryStore) Create(_ context.Context, exec *Execution) error {
	if exec == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "execution 不能为空")
	}
	if exec.ID == "" || exec.StrategyID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "执行必须携带 ID 与策略 ID")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.executions[exec.ID]; ok {
		return xerrors.New(xerrors.CodeConflict, "执行 ID 已存在")
	}
	for _, existing := range m.executions {
		if existing.StrategyID == exec.StrategyID && existing.Active() {
			return ErrExecutionActive
		}
	}
	now := time.Now().Unix()
	if exec.CreatedAt == 0 {
		exec.CreatedAt = now
	}
	if exec.StateEnteredAt == 0 {
		exec.StateEnteredAt = now
	}
	exec.UpdatedAt = now
	m.executions[exec.ID] = cloneExecution(exec)
	return nil
}

// Get 返回执行的副本。
func (m *MemoryStore) Get(_ context.Context, id string) (*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	exec, ok := m.executions[id]
	if !ok {
		return nil, ErrExecutionNotFound
	}
	return cloneExecution(exec), nil
}

// Update 覆盖执行状态。
func (m *MemoryStore) Update(_ context.Context, exec *Execution) error {
	if exec == nil || exec.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "execution 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.executions[exec.ID]; !ok {
		return ErrExecutionNotFound
	}
	exec.UpdatedAt = time.Now().Unix()
	m.executions[exec.ID] = cloneExecution(exec)
	return nil
}

// LoadActive 返回策略当前的非终态执行。
func (m *MemoryStore) LoadActive(_ context.Context, strategyID string) (*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, exec := range m.executions {
		if exec.StrategyID == strategyID && exec.Active() {
			return cloneExecution(exec), nil
		}
	}
	return nil, ErrExecutionNotFound
}

// ListActive 返回全部非终态执行。
func (m *MemoryStore) ListActive(_ context.Context) ([]*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	results := make([]*Execution, 0)
	for _, exec := range m.executions {
		if exec.Active() {
			results = append(results, cloneExecution(exec))
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].CreatedAt < results[j].CreatedAt })
	return results, nil
}

// ListPendingApproval 返回指定用户等待人工确认的执行。
func (m *MemoryStore) ListPendingApproval(_ context.Context, owner string) ([]*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	results := make([]*Execution, 0)
	for _, exec := range m.executions {
		if exec.Owner == owner && exec.State == StateAwaitingApproval {
			results = append(results, cloneExecution(exec))
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].StateEnteredAt < results[j].StateEnteredAt })
	return results, nil
}

// List 返回符合过滤条件的执行列表。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	results := make([]*Execution, 0, len(m.executions))
	for _, exec := range m.executions {
		if !matchesListFilters(exec, opts) {
			continue
		}
		results = append(results, cloneExecution(exec))
	}

	sort.Slice(results, func(i, j int) bool {
		if opts.Order == SortByUpdatedAsc {
			if results[i].UpdatedAt == results[j].UpdatedAt {
				return results[i].ID < results[j].ID
			}
			return results[i].UpdatedAt < results[j].UpdatedAt
		}
		if results[i].UpdatedAt == results[j].UpdatedAt {
			return results[i].ID < results[j].ID
		}
		return results[i].UpdatedAt > results[j].UpdatedAt
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(results) {
			return []*Execution{}, nil
		}
		results = results[opts.Offset:]
	}
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Stats 统计符合过滤条件的执行数量与更新时间范围。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	stats := Stats{}
	for _, exec := range m.executions {
		if !matchesListFilters(exec, opts) {
			continue
		}
		stats.Total++
		switch {
		case exec.State == StateAwaitingApproval:
			stats.AwaitingApprove++
			stats.Active++
		case exec.State == StateCompleted:
			stats.Completed++
		case exec.State == StateSkipped:
			stats.Skipped++
		case exec.State == StateCancelled:
			stats.Cancelled++
		case exec.State == StateFailed:
			stats.Failed++
		default:
			stats.Active++
		}
		if exec.UpdatedAt > stats.NewestUpdatedAt {
			stats.NewestUpdatedAt = exec.UpdatedAt
		}
		if stats.OldestUpdatedAt == 0 || (exec.UpdatedAt != 0 && exec.UpdatedAt < stats.OldestUpdatedAt) {
			stats.OldestUpdatedAt = exec.UpdatedAt
		}
	}
	if stats.Total == 0 {
		stats.OldestUpdatedAt = 0
		stats.NewestUpdatedAt = 0
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func matchesListFilters(exec *Execution, opts ListOptions) bool {
	if opts.Owner != "" && exec.Owner != opts.Owner {
		return false
	}
	if opts.StrategyID != "" && exec.StrategyID != opts.StrategyID {
		return false
	}
	if len(opts.States) > 0 {
		matched := false
		for _, state := range opts.States {
			if exec.State == state {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if opts.UpdatedGTE > 0 && exec.UpdatedAt < opts.UpdatedGTE {
		return false
	}
	if opts.UpdatedLTE > 0 && exec.UpdatedAt > opts.UpdatedLTE {
		return false
	}
	return true
}

// ensure interface compliance at compile time
var _ Store = (*MemoryStore)(nil)
