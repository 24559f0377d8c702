package execution

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/strategy"
	"ChainPilot/pkg/logger"
)

// Service 暴露执行的创建、审批与查询操作。
type Service struct {
	store   Store
	machine *Machine

	// cancels 保存在途执行的取消函数，cancel 调用时打断等待中的驱动。
	cancels sync.Map
}

// NewService 构造执行服务。
func NewService(store Store, machine *Machine) *Service {
	return &Service{store: store, machine: machine}
}

// Machine 返回底层状态机，驱动器直接使用它推进状态。
func (s *Service) Machine() *Machine { return s.machine }

// Create 为策略创建一次新的执行。调度器的投递语义是至少一次，
// 策略已有活跃执行时返回 EXECUTION_ACTIVE，重复触发按无操作处理。
func (s *Service) Create(ctx context.Context, strat *strategy.Strategy) (*Execution, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitialization, "执行存储未初始化")
	}
	if strat == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "strategy 不能为空")
	}
	if !strat.CanTrigger() {
		return nil, xerrors.New(xerrors.CodeConflict, "策略当前不允许触发执行",
			xerrors.WithMetadata("strategy_id", strat.ID),
			xerrors.WithMetadata("status", string(strat.Status)),
		)
	}

	exec := &Execution{
		ID:         uuid.NewString(),
		StrategyID: strat.ID,
		Owner:      strat.Owner,
		State:      StateIdle,
	}
	if err := s.store.Create(ctx, exec); err != nil {
		if stdErrors.Is(err, ErrExecutionActive) {
			logger.L().Debug("策略已有活跃执行，忽略重复触发",
				slog.String("strategy_id", strat.ID))
		}
		return nil, err
	}
	logger.Audit().Info("创建执行",
		slog.String("execution_id", exec.ID),
		slog.String("strategy_id", strat.ID),
		slog.String("owner", strat.Owner),
	)
	return exec, nil
}

// Approve 确认一个等待审批的执行。执行已越过审批状态时返回
// 无操作错误，不产生重复转移。
func (s *Service) Approve(ctx context.Context, id, approver string) (*Execution, error) {
	if strings.TrimSpace(approver) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "审批人不能为空")
	}
	exec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if exec.State != StateAwaitingApproval {
		return exec, invalidTransition(id, exec.State, StateExecuting)
	}
	exec, err = s.machine.Transition(ctx, id, StateExecuting,
		WithActor(approver), WithReason("人工审批通过"))
	if err != nil {
		return exec, err
	}
	logger.Audit().Info("执行审批通过",
		slog.String("execution_id", id),
		slog.String("approver", approver),
	)
	return exec, nil
}

// Skip 跳过一个等待审批的执行，进入终态 skipped。
func (s *Service) Skip(ctx context.Context, id, reason string) (*Execution, error) {
	exec, err := s.machine.Transition(ctx, id, StateSkipped, WithSkipReason(reason))
	if err != nil {
		return exec, err
	}
	logger.Audit().Info("执行被跳过",
		slog.String("execution_id", id),
		slog.String("reason", reason),
	)
	return exec, nil
}

// Cancel 取消在途执行。等待或退避中的驱动会被立即打断；
// 已广播的交易不受影响，仍被跟踪到确认为止。
func (s *Service) Cancel(ctx context.Context, id string) (*Execution, error) {
	exec, err := s.machine.Transition(ctx, id, StateCancelled, WithReason("用户取消"))
	if err != nil {
		return exec, err
	}
	if cancel, ok := s.cancels.LoadAndDelete(id); ok {
		cancel.(context.CancelFunc)()
	}
	logger.Audit().Info("执行被取消", slog.String("execution_id", id))
	return exec, nil
}

// Get 返回指定执行。
func (s *Service) Get(ctx context.Context, id string) (*Execution, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitialization, "执行存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// ActiveForStrategy 返回策略当前的非终态执行，不存在时返回
// NOT_FOUND。重复触发时调用方用它找到在途执行继续驱动。
func (s *Service) ActiveForStrategy(ctx context.Context, strategyID string) (*Execution, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitialization, "执行存储未初始化")
	}
	return s.store.LoadActive(ctx, strategyID)
}

// List 返回符合过滤条件的执行列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Execution, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitialization, "执行存储未初始化")
	}
	options := buildListOptions(opts)
	return s.store.List(ctx, options)
}

// ListPendingApproval 返回指定用户等待审批的执行。
func (s *Service) ListPendingApproval(ctx context.Context, owner string) ([]*Execution, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitialization, "执行存储未初始化")
	}
	return s.store.ListPendingApproval(ctx, owner)
}

// Stats 返回符合过滤条件的执行统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (Stats, error) {
	if s.store == nil {
		return Stats{}, xerrors.New(xerrors.CodeInitialization, "执行存储未初始化")
	}
	options := buildListOptions(opts)
	return s.store.Stats(ctx, options)
}

// WaitUntilTerminal 在上下文允许的时间内轮询执行直到终态。
func (s *Service) WaitUntilTerminal(ctx context.Context, id string, interval time.Duration) (*Execution, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		exec, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if IsTerminal(exec.State) {
			return exec, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// registerCancel 登记驱动的取消函数；驱动结束时注销。
func (s *Service) registerCancel(id string, cancel context.CancelFunc) {
	s.cancels.Store(id, cancel)
}

func (s *Service) unregisterCancel(id string) {
	s.cancels.Delete(id)
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}
