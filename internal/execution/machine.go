package execution

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"ChainPilot/internal/policy"
	"ChainPilot/pkg/logger"
)

// Notifier 接收状态变更与策略违规通知。状态变更通知在持久化
// 成功之后发出，下游看到的状态一定已经落库。
type Notifier interface {
	StateChanged(ctx context.Context, exec *Execution, transition StateTransition)
	PolicyViolation(ctx context.Context, exec *Execution, result policy.Result)
}

// TransitionOption 在转移提交前修改执行记录。
type TransitionOption func(*Execution, *StateTransition)

// WithReason 记录转移原因。
func WithReason(reason string) TransitionOption {
	return func(_ *Execution, t *StateTransition) {
		t.Reason = reason
	}
}

// WithActor 记录触发转移的主体（审批人、调度器等）。
func WithActor(actor string) TransitionOption {
	return func(exec *Execution, t *StateTransition) {
		t.Actor = actor
		if t.To == StateExecuting && exec.State == StateAwaitingApproval {
			exec.ApprovedBy = actor
		}
	}
}

// WithError 附加结构化错误信息。
func WithError(info *ErrorInfo) TransitionOption {
	return func(exec *Execution, t *StateTransition) {
		exec.Error = info
		if info != nil && t.Reason == "" {
			t.Reason = info.Code
		}
	}
}

// WithParams 写入已解析的执行参数。
func WithParams(params *Params) TransitionOption {
	return func(exec *Execution, _ *StateTransition) {
		exec.Params = params
	}
}

// WithResult 附加链上结果。
func WithResult(result *Outcome) TransitionOption {
	return func(exec *Execution, _ *StateTransition) {
		exec.Result = result
	}
}

// WithApprovalRequest 标记执行需要人工确认及其原因。
func WithApprovalRequest(reason string) TransitionOption {
	return func(exec *Execution, _ *StateTransition) {
		exec.RequiresApproval = true
		exec.ApprovalReason = reason
	}
}

// WithSkipReason 记录跳过原因。
func WithSkipReason(reason string) TransitionOption {
	return func(exec *Execution, t *StateTransition) {
		exec.SkipReason = reason
		if t.Reason == "" {
			t.Reason = reason
		}
	}
}

// WithRetryCount 更新已重试次数。
func WithRetryCount(count int) TransitionOption {
	return func(exec *Execution, _ *StateTransition) {
		exec.RetryCount = count
	}
}

// Machine 对执行施加状态机语义：单个执行的转移严格串行，
// 每次转移先追加审计记录并落库，然后才发出通知。
type Machine struct {
	store    Store
	notifier Notifier

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	now   func() time.Time
}

// NewMachine 构造 Machine。notifier 可以为 nil。
func NewMachine(store Store, notifier Notifier) *Machine {
	return &Machine{
		store:    store,
		notifier: notifier,
		locks:    make(map[string]*sync.Mutex),
		now:      time.Now,
	}
}

func (m *Machine) lockFor(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[id] = lock
	}
	return lock
}

// Transition 把执行推进到 to 状态。非法转移返回
// INVALID_TRANSITION 且不改动任何状态。
func (m *Machine) Transition(ctx context.Context, id string, to State, opts ...TransitionOption) (*Execution, error) {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	exec, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(exec.State, to) {
		return exec, invalidTransition(id, exec.State, to)
	}

	now := m.now().Unix()
	transition := StateTransition{From: exec.State, To: to, At: now}
	for _, opt := range opts {
		if opt != nil {
			opt(exec, &transition)
		}
	}
	exec.History = append(exec.History, transition)
	exec.State = to
	exec.StateEnteredAt = now

	// 先落库再通知：崩溃后重启从存储恢复，绝不从内存推断状态。
	if err := m.store.Update(ctx, exec); err != nil {
		return nil, err
	}
	if IsTerminal(to) {
		m.forget(id)
	}

	logger.L().Info("执行状态转移",
		slog.String("execution_id", id),
		slog.String("from", string(transition.From)),
		slog.String("to", string(to)),
		slog.String("reason", transition.Reason),
	)
	if m.notifier != nil {
		m.notifier.StateChanged(ctx, exec, transition)
	}
	return exec, nil
}

// TimedOut 判断执行是否已超过当前状态的停留上限。
func (m *Machine) TimedOut(exec *Execution) bool {
	limit := TimeoutFor(exec.State)
	if limit <= 0 {
		return false
	}
	return m.now().Unix()-exec.StateEnteredAt > int64(limit/time.Second)
}

func (m *Machine) forget(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, id)
}
