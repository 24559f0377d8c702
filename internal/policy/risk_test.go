package policy

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
)

func TestRiskPolicySlippage(t *testing.T) {
	risk := NewRiskPolicy(RiskLimits{MaxSlippageBps: 50})

	action := sampleAction()
	action.SlippageBps = 80

	verdict := risk.Evaluate(context.Background(), action)
	if !violationRules(verdict)["max_slippage"] {
		t.Fatalf("滑点超限必须违规, got %v", verdict.Violations)
	}
	if verdict.Violations[0].Severity != SeverityBlock {
		t.Fatalf("严格档默认应为阻断级: %v", verdict.Violations[0])
	}
}

func TestRiskPolicyScoreBounded(t *testing.T) {
	risk := NewRiskPolicy(RiskLimits{
		MaxSlippageBps:      10,
		MaxTxValueUSD:       decimal.NewFromInt(100),
		MaxDailyVolumeUSD:   decimal.NewFromInt(100),
		MaxConcentrationPct: decimal.NewFromInt(1),
		MaxGasPctOfValue:    decimal.NewFromFloat(0.01),
	})

	// 所有维度都远超限额，每个分量都会被截断到 1。
	action := sampleAction()
	action.SlippageBps = 10000
	action.ValueUSD = decimal.NewFromInt(1000000)
	action.DailyVolumeUSD = decimal.NewFromInt(1000000)
	action.PortfolioUSD = decimal.NewFromInt(1000)
	action.PositionUSD = decimal.NewFromInt(900)
	action.GasUSD = decimal.NewFromInt(500)

	verdict := risk.Evaluate(context.Background(), action)
	if verdict.RiskScore.GreaterThan(decimal.NewFromInt(1)) {
		t.Fatalf("评分不得超过 1: %s", verdict.RiskScore)
	}
	if !verdict.RiskScore.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("全维度封顶时评分应为 1: %s", verdict.RiskScore)
	}
	if !verdict.RequiresApproval {
		t.Fatal("评分达到确认阈值时必须要求人工确认")
	}
}

func TestRiskPolicyDailyLimits(t *testing.T) {
	risk := NewRiskPolicy(RiskLimits{
		MaxDailyVolumeUSD: decimal.NewFromInt(5000),
		MaxDailyLossUSD:   decimal.NewFromInt(200),
	})

	action := sampleAction()
	action.ValueUSD = decimal.NewFromInt(1000)
	action.DailyVolumeUSD = decimal.NewFromInt(4500)
	action.DailyLossUSD = decimal.NewFromInt(300)

	verdict := risk.Evaluate(context.Background(), action)
	rules := violationRules(verdict)
	if !rules["max_daily_volume"] {
		t.Fatalf("计入本笔后当日交易量超限必须违规, got %v", verdict.Violations)
	}
	if !rules["max_daily_loss"] {
		t.Fatalf("当日亏损超限必须违规, got %v", verdict.Violations)
	}
}

func TestRiskPolicyConcentration(t *testing.T) {
	risk := NewRiskPolicy(RiskLimits{MaxConcentrationPct: decimal.NewFromInt(25)})

	action := sampleAction()
	action.ValueUSD = decimal.NewFromInt(2000)
	action.PortfolioUSD = decimal.NewFromInt(10000)
	action.PositionUSD = decimal.NewFromInt(1000)

	// 成交后仓位 3000/10000 = 30% > 25%。
	verdict := risk.Evaluate(context.Background(), action)
	if !violationRules(verdict)["max_concentration"] {
		t.Fatalf("集中度超限必须违规, got %v", verdict.Violations)
	}
}

func TestRiskPolicyZeroLimitsDisableChecks(t *testing.T) {
	risk := NewRiskPolicy(RiskLimits{})

	action := sampleAction()
	action.SlippageBps = 10000
	action.ValueUSD = decimal.NewFromInt(1000000)

	verdict := risk.Evaluate(context.Background(), action)
	if len(verdict.Violations) != 0 {
		t.Fatalf("零值限额表示不启用检查, got %v", verdict.Violations)
	}
	if !verdict.RiskScore.IsZero() {
		t.Fatalf("未启用任何检查时评分应为零: %s", verdict.RiskScore)
	}
}

func TestRiskPolicyApprovalThreshold(t *testing.T) {
	limits := RiskLimits{
		MaxTxValueUSD: decimal.NewFromInt(10000),
		ApprovalScore: decimal.NewFromFloat(0.1),
	}
	risk := NewRiskPolicy(limits)

	// 5000/10000 * 0.20 权重 = 0.10，正好触达确认阈值。
	action := sampleAction()
	action.ValueUSD = decimal.NewFromInt(5000)

	verdict := risk.Evaluate(context.Background(), action)
	if len(verdict.Violations) != 0 {
		t.Fatalf("限额内不应有违规: %v", verdict.Violations)
	}
	if !verdict.RequiresApproval {
		t.Fatalf("评分 %s 达到阈值 0.1 时必须要求确认", verdict.RiskScore)
	}
}
