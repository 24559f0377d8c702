package policy

import (
	"github.com/shopspring/decimal"

	"ChainPilot/internal/session"
)

// ActionType 表示待评估动作的种类。
type ActionType string

const (
	ActionSwap     ActionType = "swap"
	ActionTransfer ActionType = "transfer"
	ActionApprove  ActionType = "approve"
)

// ActionContext 是策略引擎评估的输入：对一笔拟上链动作的完整描述。
// 它是临时值对象，不独立持久化，随执行参数一起落库。
type ActionContext struct {
	Action      ActionType
	StrategyID  string
	ExecutionID string
	Owner       string
	Chain       string
	TokenIn     string
	TokenOut    string
	Contract    string
	Amount      decimal.Decimal
	ValueUSD    decimal.Decimal
	SlippageBps int64
	GasWei      decimal.Decimal
	GasUSD      decimal.Decimal
	Credential  *session.Credential

	// 组合账本快照，供风险层计算集中度与当日限额。
	PortfolioUSD   decimal.Decimal
	PositionUSD    decimal.Decimal
	DailyVolumeUSD decimal.Decimal
	DailyLossUSD   decimal.Decimal
}

// ViolationSeverity 区分警告与阻断。
type ViolationSeverity string

const (
	SeverityWarn  ViolationSeverity = "warn"
	SeverityBlock ViolationSeverity = "block"
)

// Violation 是某一层评估器给出的一条违规记录。
type Violation struct {
	Layer    string            `json:"layer"`
	Rule     string            `json:"rule"`
	Severity ViolationSeverity `json:"severity"`
	Message  string            `json:"message"`
}

// Blocking 判断违规是否为阻断级。
func (v Violation) Blocking() bool {
	return v.Severity == SeverityBlock
}

// Result 是一次完整评估的裁决。
type Result struct {
	Approved bool        `json:"approved"`
	// Violations 按评估器的固定顺序排列。
	Violations []Violation `json:"violations,omitempty"`
	// RiskScore 为风险层计算出的 [0,1] 加权评分。
	RiskScore decimal.Decimal `json:"risk_score"`
	// RequiresApproval 表示即使未被阻断也要求人工确认。
	RequiresApproval bool `json:"requires_approval"`
	// SkippedLayers 记录因短路而未运行的评估层，缺席必须显式可见。
	SkippedLayers []string `json:"skipped_layers,omitempty"`
}

// Blocked 返回是否存在阻断级违规。
func (r Result) Blocked() bool {
	for _, v := range r.Violations {
		if v.Blocking() {
			return true
		}
	}
	return false
}
