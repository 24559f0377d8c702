package policy

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"

	"ChainPilot/pkg/logger"
)

// Evaluator 是单层策略检查的能力接口。实现必须是纯函数：
// 只读输入，不做网络调用，不产生副作用。
type Evaluator interface {
	Name() string
	Evaluate(ctx context.Context, action ActionContext) Verdict
}

// Verdict 是单层评估器的输出。
type Verdict struct {
	Violations []Violation
	// RiskScore 仅风险层填写，其余层保持零值。
	RiskScore decimal.Decimal
	// RequiresApproval 表示该层要求人工确认。
	RequiresApproval bool
}

// Engine 按固定顺序组合系统层、会话层、风险层评估器，
// 遇到阻断级违规即短路，被跳过的层显式记录在结果里。
type Engine struct {
	evaluators []Evaluator
}

// NewEngine 以给定顺序构造引擎。顺序即评估顺序。
func NewEngine(evaluators ...Evaluator) *Engine {
	return &Engine{evaluators: evaluators}
}

// Evaluate 评估一笔拟上链动作并返回聚合裁决。评估只读，
// 调用方负责根据裁决推进或终止执行。
func (e *Engine) Evaluate(ctx context.Context, action ActionContext) Result {
	result := Result{RiskScore: decimal.Zero}
	blocked := false
	for idx, evaluator := range e.evaluators {
		if blocked {
			for _, skipped := range e.evaluators[idx:] {
				result.SkippedLayers = append(result.SkippedLayers, skipped.Name())
			}
			break
		}
		verdict := evaluator.Evaluate(ctx, action)
		result.Violations = append(result.Violations, verdict.Violations...)
		if verdict.RiskScore.IsPositive() {
			result.RiskScore = verdict.RiskScore
		}
		if verdict.RequiresApproval {
			result.RequiresApproval = true
		}
		for _, v := range verdict.Violations {
			if v.Blocking() {
				blocked = true
				break
			}
		}
	}
	result.Approved = !blocked

	logger.Audit().Info("策略评估完成",
		slog.String("execution_id", action.ExecutionID),
		slog.String("strategy_id", action.StrategyID),
		slog.Bool("approved", result.Approved),
		slog.Bool("requires_approval", result.RequiresApproval),
		slog.String("risk_score", result.RiskScore.String()),
		slog.Int("violations", len(result.Violations)),
		slog.Any("skipped_layers", result.SkippedLayers),
	)
	return result
}
