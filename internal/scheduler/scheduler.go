package scheduler

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/execution"
	"ChainPilot/internal/strategy"
	"ChainPilot/pkg/logger"
)

// TriggerFunc 在策略到期时被调用。投递语义是至少一次：
// 下游对已有活跃执行的策略把重复触发当作无操作。
type TriggerFunc func(ctx context.Context, strategyID string)

// Scheduler 基于 cron 表达式驱动策略到期事件。每个活跃策略
// 注册一个条目，策略暂停或归档后条目被移除。
type Scheduler struct {
	cron       *cron.Cron
	strategies strategy.Store
	trigger    TriggerFunc

	mu      sync.Mutex
	entries map[string]cron.EntryID
	baseCtx context.Context
}

// New 构造 Scheduler。
func New(strategies strategy.Store, trigger TriggerFunc) *Scheduler {
	return &Scheduler{
		cron:       cron.New(),
		strategies: strategies,
		trigger:    trigger,
		entries:    make(map[string]cron.EntryID),
	}
}

// Start 装载全部活跃策略并启动调度循环。
func (s *Scheduler) Start(ctx context.Context) error {
	if s.strategies == nil || s.trigger == nil {
		return xerrors.New(xerrors.CodeInitialization, "调度器未初始化")
	}
	s.baseCtx = ctx

	active, err := s.strategies.ListByStatus(ctx, strategy.StatusActive)
	if err != nil {
		return err
	}
	for _, strat := range active {
		if err := s.Register(strat); err != nil {
			logger.L().Warn("注册策略调度失败",
				slog.String("strategy_id", strat.ID),
				slog.String("schedule", strat.Config.Schedule),
				slog.String("error", err.Error()),
			)
		}
	}
	s.cron.Start()
	logger.L().Info("调度器已启动", slog.Int("strategies", len(s.entries)))

	go func() {
		<-ctx.Done()
		<-s.cron.Stop().Done()
	}()
	return nil
}

// Register 为策略注册调度条目，重复注册先移除旧条目。
func (s *Scheduler) Register(strat *strategy.Strategy) error {
	if strat == nil || strat.Config.Schedule == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "策略缺少调度表达式")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.entries[strat.ID]; ok {
		s.cron.Remove(old)
		delete(s.entries, strat.ID)
	}

	strategyID := strat.ID
	entryID, err := s.cron.AddFunc(strat.Config.Schedule, func() {
		s.fire(strategyID)
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析调度表达式失败")
	}
	s.entries[strategyID] = entryID
	return nil
}

// Deregister 移除策略的调度条目。
func (s *Scheduler) Deregister(strategyID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entryID, ok := s.entries[strategyID]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, strategyID)
	}
}

// Fire 手工触发一次策略到期事件，运维接口使用。
func (s *Scheduler) Fire(strategyID string) {
	s.fire(strategyID)
}

func (s *Scheduler) fire(strategyID string) {
	ctx := s.baseCtx
	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Err() != nil {
		return
	}

	strat, err := s.strategies.Get(ctx, strategyID)
	if err != nil {
		if stdErrors.Is(err, strategy.ErrStrategyNotFound) {
			s.Deregister(strategyID)
			return
		}
		logger.L().Error("读取到期策略失败",
			slog.String("strategy_id", strategyID),
			slog.String("error", err.Error()),
		)
		return
	}
	if !strat.CanTrigger() {
		// 暂停或归档的策略不再触发，条目顺带移除。
		s.Deregister(strategyID)
		return
	}
	s.trigger(ctx, strategyID)
}

// HandleTriggerResult 统一处理触发结果的日志语义。重复触发
// 产生的 EXECUTION_ACTIVE 是至少一次投递的正常现象。
func HandleTriggerResult(strategyID string, err error) {
	if err == nil {
		return
	}
	if xerrors.CodeOf(err) == xerrors.CodeExecutionActive ||
		stdErrors.Is(err, execution.ErrExecutionActive) {
		logger.L().Debug("策略已有活跃执行，跳过本次触发",
			slog.String("strategy_id", strategyID))
		return
	}
	logger.L().Error("触发策略执行失败",
		slog.String("strategy_id", strategyID),
		slog.String("error", err.Error()),
	)
}
