package notify

import (
	"context"
	"log/slog"
	"time"

	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/execution"
	"ChainPilot/internal/policy"
	"ChainPilot/pkg/logger"
)

// ExecutionAdapter 把状态机的回调转换为事件并交给派发器。
// 通知失败只记录日志，绝不阻塞或回滚已落库的转移。
type ExecutionAdapter struct {
	dispatcher Dispatcher
}

// NewExecutionAdapter 构造 ExecutionAdapter。
func NewExecutionAdapter(dispatcher Dispatcher) *ExecutionAdapter {
	return &ExecutionAdapter{dispatcher: dispatcher}
}

// StateChanged 实现 execution.Notifier。
func (a *ExecutionAdapter) StateChanged(ctx context.Context, exec *execution.Execution, transition execution.StateTransition) {
	if a == nil || a.dispatcher == nil {
		return
	}
	event := Event{
		Kind:        KindStateChange,
		ExecutionID: exec.ID,
		StrategyID:  exec.StrategyID,
		Owner:       exec.Owner,
		FromState:   string(transition.From),
		ToState:     string(transition.To),
		Reason:      transition.Reason,
		OccurredAt:  time.Unix(transition.At, 0),
	}
	if exec.Error != nil {
		event.Code = xerrors.Code(exec.Error.Code)
		event.Message = exec.Error.Message
	}
	a.dispatch(ctx, event)
}

// PolicyViolation 实现 execution.Notifier。
func (a *ExecutionAdapter) PolicyViolation(ctx context.Context, exec *execution.Execution, result policy.Result) {
	if a == nil || a.dispatcher == nil {
		return
	}
	a.dispatch(ctx, Event{
		Kind:        KindPolicyViolation,
		ExecutionID: exec.ID,
		StrategyID:  exec.StrategyID,
		Owner:       exec.Owner,
		Violations:  result.Violations,
		RiskScore:   result.RiskScore.String(),
		OccurredAt:  time.Now(),
	})
}

func (a *ExecutionAdapter) dispatch(ctx context.Context, event Event) {
	if err := a.dispatcher.Notify(ctx, event); err != nil {
		logger.L().Error("事件通知失败",
			slog.String("kind", string(event.Kind)),
			slog.String("execution_id", event.ExecutionID),
			slog.String("error", err.Error()),
		)
	}
}

var _ execution.Notifier = (*ExecutionAdapter)(nil)
