package strategy

import (
	"strings"

	"github.com/shopspring/decimal"

	xerrors "ChainPilot/internal/errors"
)

// Type 表示策略的自动化类型。
type Type string

const (
	TypePeriodicBuy Type = "periodic_buy"
	TypeRebalance   Type = "rebalance"
	TypeConditional Type = "conditional"
)

// Status 表示策略的生命周期状态。
type Status string

const (
	StatusDraft    Status = "draft"
	StatusActive   Status = "active"
	StatusPaused   Status = "paused"
	StatusArchived Status = "archived"
)

// Config 保存一个策略的执行参数。
type Config struct {
	Chain          string          `json:"chain"`
	TokenIn        string          `json:"token_in"`
	TokenOut       string          `json:"token_out"`
	Amount         decimal.Decimal `json:"amount"`
	Schedule       string          `json:"schedule"`
	MaxSlippageBps int64           `json:"max_slippage_bps"`
	GasCapWei      string          `json:"gas_cap_wei,omitempty"`
	SessionID      string          `json:"session_id"`
}

// Strategy 描述用户委托给系统的一条周期性意图。
type Strategy struct {
	ID        string `json:"id"`
	Owner     string `json:"owner"`
	Type      Type   `json:"type"`
	Config    Config `json:"config"`
	Status    Status `json:"status"`
	// FailStreak 记录连续失败的执行次数，达到阈值后策略被自动暂停。
	FailStreak int   `json:"fail_streak"`
	CreatedAt  int64 `json:"created_at"`
	UpdatedAt  int64 `json:"updated_at"`
}

var (
	// ErrStrategyNotFound 表示指定的策略不存在。
	ErrStrategyNotFound = xerrors.New(xerrors.CodeNotFound, "strategy not found")
	// ErrStrategyConflict 表示策略在当前状态下无法进行所请求的操作。
	ErrStrategyConflict = xerrors.New(xerrors.CodeConflict, "strategy conflict")
)

// Validate 对策略的基础字段做入库前校验。
func (s *Strategy) Validate() error {
	if s == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "strategy 不能为空")
	}
	if strings.TrimSpace(s.Owner) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "策略 owner 不能为空")
	}
	switch s.Type {
	case TypePeriodicBuy, TypeRebalance, TypeConditional:
	default:
		return xerrors.New(xerrors.CodeInvalidArgument, "不支持的策略类型")
	}
	if strings.TrimSpace(s.Config.Chain) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "策略必须指定目标链")
	}
	if s.Config.Amount.LessThanOrEqual(decimal.Zero) {
		return xerrors.New(xerrors.CodeInvalidArgument, "策略金额必须大于零")
	}
	if s.Config.MaxSlippageBps < 0 || s.Config.MaxSlippageBps > 10_000 {
		return xerrors.New(xerrors.CodeInvalidArgument, "滑点上限必须位于 [0, 10000] bps")
	}
	// 会话层对无凭证动作一律阻断，缺失的绑定在入库前就拒绝。
	if strings.TrimSpace(s.Config.SessionID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "策略必须绑定会话凭证")
	}
	return nil
}

// IsValidStatus 检查给定的策略状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusDraft, StatusActive, StatusPaused, StatusArchived:
		return true
	default:
		return false
	}
}

// CanTrigger 返回策略当前是否允许产生新的执行。
func (s *Strategy) CanTrigger() bool {
	return s != nil && s.Status == StatusActive
}
