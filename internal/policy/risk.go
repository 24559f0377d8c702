package policy

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// LayerRisk 是风险层评估器的名字。
const LayerRisk = "risk"

// Strictness 控制风险违规的严重级别归类。
type Strictness string

const (
	// StrictnessLenient 将风险违规降为警告，仅要求人工确认。
	StrictnessLenient Strictness = "lenient"
	// StrictnessStrict 将风险违规一律按阻断处理。
	StrictnessStrict Strictness = "strict"
)

// RiskLimits 是用户配置的风险阈值。零值字段表示不启用对应检查。
type RiskLimits struct {
	MaxSlippageBps      int64           `json:"max_slippage_bps"`
	MaxTxValueUSD       decimal.Decimal `json:"max_tx_value_usd"`
	MaxDailyVolumeUSD   decimal.Decimal `json:"max_daily_volume_usd"`
	MaxDailyLossUSD     decimal.Decimal `json:"max_daily_loss_usd"`
	MaxConcentrationPct decimal.Decimal `json:"max_concentration_pct"`
	MaxGasPctOfValue    decimal.Decimal `json:"max_gas_pct_of_value"`
	Strictness          Strictness      `json:"strictness"`
	// ApprovalScore 是要求人工确认的风险评分下限。
	ApprovalScore decimal.Decimal `json:"approval_score"`
}

// RiskPolicy 运行一组加权子检查并聚合出 [0,1] 的风险评分。
// 权重和为 1，每个子检查贡献一个归一化的风险分量。
type RiskPolicy struct {
	limits RiskLimits
}

// 子检查权重。调整时必须保持总和为 1。
var riskWeights = map[string]decimal.Decimal{
	"slippage":      decimal.NewFromFloat(0.25),
	"tx_value":      decimal.NewFromFloat(0.20),
	"daily_volume":  decimal.NewFromFloat(0.20),
	"concentration": decimal.NewFromFloat(0.20),
	"gas_ratio":     decimal.NewFromFloat(0.15),
}

// NewRiskPolicy 构造风险层评估器。
func NewRiskPolicy(limits RiskLimits) *RiskPolicy {
	if limits.Strictness == "" {
		limits.Strictness = StrictnessStrict
	}
	if limits.ApprovalScore.IsZero() {
		limits.ApprovalScore = decimal.NewFromFloat(0.6)
	}
	return &RiskPolicy{limits: limits}
}

// Name 实现 Evaluator。
func (p *RiskPolicy) Name() string { return LayerRisk }

// Evaluate 实现 Evaluator。
func (p *RiskPolicy) Evaluate(_ context.Context, action ActionContext) Verdict {
	var verdict Verdict

	severity := SeverityBlock
	if p.limits.Strictness == StrictnessLenient {
		severity = SeverityWarn
	}
	violate := func(rule, message string) {
		verdict.Violations = append(verdict.Violations, Violation{
			Layer:    LayerRisk,
			Rule:     rule,
			Severity: severity,
			Message:  message,
		})
	}

	score := decimal.Zero
	addScore := func(rule string, contribution decimal.Decimal) {
		if contribution.GreaterThan(decimal.NewFromInt(1)) {
			contribution = decimal.NewFromInt(1)
		}
		if contribution.IsNegative() {
			contribution = decimal.Zero
		}
		score = score.Add(riskWeights[rule].Mul(contribution))
	}

	// 滑点:超过上限即违规，分量按占比归一化。
	if p.limits.MaxSlippageBps > 0 {
		ratio := decimal.NewFromInt(action.SlippageBps).Div(decimal.NewFromInt(p.limits.MaxSlippageBps))
		addScore("slippage", ratio)
		if action.SlippageBps > p.limits.MaxSlippageBps {
			violate("max_slippage", fmt.Sprintf("slippage %dbps exceeds limit %dbps", action.SlippageBps, p.limits.MaxSlippageBps))
		}
	}

	// 单笔金额。
	if p.limits.MaxTxValueUSD.IsPositive() {
		ratio := action.ValueUSD.Div(p.limits.MaxTxValueUSD)
		addScore("tx_value", ratio)
		if action.ValueUSD.GreaterThan(p.limits.MaxTxValueUSD) {
			violate("max_tx_value", "transaction value exceeds configured cap")
		}
	}

	// 当日累计交易量与亏损。
	if p.limits.MaxDailyVolumeUSD.IsPositive() {
		projected := action.DailyVolumeUSD.Add(action.ValueUSD)
		addScore("daily_volume", projected.Div(p.limits.MaxDailyVolumeUSD))
		if projected.GreaterThan(p.limits.MaxDailyVolumeUSD) {
			violate("max_daily_volume", "projected daily volume exceeds configured cap")
		}
	}
	if p.limits.MaxDailyLossUSD.IsPositive() && action.DailyLossUSD.GreaterThan(p.limits.MaxDailyLossUSD) {
		violate("max_daily_loss", "daily realized loss exceeds configured cap")
	}

	// 持仓集中度：本笔成交后目标仓位占组合的百分比。
	if p.limits.MaxConcentrationPct.IsPositive() && action.PortfolioUSD.IsPositive() {
		projected := action.PositionUSD.Add(action.ValueUSD).
			Div(action.PortfolioUSD).Mul(decimal.NewFromInt(100))
		addScore("concentration", projected.Div(p.limits.MaxConcentrationPct))
		if projected.GreaterThan(p.limits.MaxConcentrationPct) {
			violate("max_concentration", "projected position concentration exceeds configured cap")
		}
	}

	// gas 占交易价值的比例。
	if p.limits.MaxGasPctOfValue.IsPositive() && action.ValueUSD.IsPositive() {
		gasPct := action.GasUSD.Div(action.ValueUSD).Mul(decimal.NewFromInt(100))
		addScore("gas_ratio", gasPct.Div(p.limits.MaxGasPctOfValue))
		if gasPct.GreaterThan(p.limits.MaxGasPctOfValue) {
			violate("max_gas_ratio", "gas cost ratio exceeds configured cap")
		}
	}

	verdict.RiskScore = score
	if score.GreaterThanOrEqual(p.limits.ApprovalScore) {
		verdict.RequiresApproval = true
	}
	// 宽松档的警告同样要求人工确认，不允许静默放行。
	if len(verdict.Violations) > 0 && severity == SeverityWarn {
		verdict.RequiresApproval = true
	}
	return verdict
}

var _ Evaluator = (*RiskPolicy)(nil)
