package execution

import (
	"time"

	"github.com/shopspring/decimal"

	xerrors "ChainPilot/internal/errors"
)

// State 表示执行在生命周期中的状态。
type State string

const (
	StateIdle             State = "idle"
	StateAnalyzing        State = "analyzing"
	StatePlanning         State = "planning"
	StateAwaitingApproval State = "awaiting_approval"
	StateExecuting        State = "executing"
	StateMonitoring       State = "monitoring"
	StateCompleted        State = "completed"
	StateSkipped          State = "skipped"
	StatePaused           State = "paused"
	StateCancelled        State = "cancelled"
	StateFailed           State = "failed"
)

// transitions 是固定的有向转移表。不在表中的转移一律拒绝，
// 合法边集合因此可以独立于业务逻辑被审计和测试。
var transitions = map[State][]State{
	StateIdle:             {StateAnalyzing, StatePaused, StateCancelled, StateFailed},
	StateAnalyzing:        {StatePlanning, StatePaused, StateCancelled, StateFailed},
	StatePlanning:         {StateAwaitingApproval, StateExecuting, StatePaused, StateCancelled, StateFailed},
	StateAwaitingApproval: {StateExecuting, StateSkipped, StatePaused, StateCancelled, StateFailed},
	StateExecuting:        {StateMonitoring, StatePaused, StateCancelled, StateFailed},
	StateMonitoring:       {StateCompleted, StatePaused, StateCancelled, StateFailed},
	StatePaused:           {StateAnalyzing, StateCancelled, StateFailed},
}

// stateTimeouts 是各状态允许停留的上限。超时的执行被强制
// 转入 failed，监控阶段除外：监控超时记为结局未知。
var stateTimeouts = map[State]time.Duration{
	StateAnalyzing:        5 * time.Minute,
	StatePlanning:         2 * time.Minute,
	StateAwaitingApproval: 60 * time.Minute,
	StateExecuting:        10 * time.Minute,
	StateMonitoring:       30 * time.Minute,
}

// CanTransition 判断转移是否在表中。
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal 判断状态是否为终态。终态的执行不再被驱动，
// 同一策略可以另起新的执行。
func IsTerminal(state State) bool {
	switch state {
	case StateCompleted, StateSkipped, StateCancelled, StateFailed:
		return true
	default:
		return false
	}
}

// IsValidState 检查给定的状态是否为支持的枚举值。
func IsValidState(state State) bool {
	switch state {
	case StateIdle, StateAnalyzing, StatePlanning, StateAwaitingApproval,
		StateExecuting, StateMonitoring, StateCompleted, StateSkipped,
		StatePaused, StateCancelled, StateFailed:
		return true
	default:
		return false
	}
}

// TimeoutFor 返回状态的停留上限，未定义时为 0（不限时）。
func TimeoutFor(state State) time.Duration {
	return stateTimeouts[state]
}

// StateTransition 是审计轨迹中的一条状态转移记录。
type StateTransition struct {
	From   State  `json:"from"`
	To     State  `json:"to"`
	Reason string `json:"reason,omitempty"`
	Actor  string `json:"actor,omitempty"`
	At     int64  `json:"at"`
}

// Params 是执行的已解析输入参数。
type Params struct {
	Chain       string          `json:"chain"`
	TokenIn     string          `json:"token_in"`
	TokenOut    string          `json:"token_out"`
	Amount      decimal.Decimal `json:"amount"`
	ValueUSD    decimal.Decimal `json:"value_usd"`
	SlippageBps int64           `json:"slippage_bps"`
	SessionID   string          `json:"session_id,omitempty"`
}

// Outcome 保存一次成功执行的链上结果。Nonce 随广播持久化，
// 重启后的确认监控靠它推进协调器的 nonce 基准。
type Outcome struct {
	TxHash      string          `json:"tx_hash"`
	Nonce       uint64          `json:"nonce"`
	BlockNumber uint64          `json:"block_number"`
	GasUsed     uint64          `json:"gas_used"`
	AmountOut   decimal.Decimal `json:"amount_out"`
}

// ErrorInfo 是执行失败时面向用户的最后一条结构化错误。
type ErrorInfo struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

// Execution 描述对一个策略的一次具体执行尝试。
type Execution struct {
	ID         string `json:"id"`
	StrategyID string `json:"strategy_id"`
	Owner      string `json:"owner"`
	State      State  `json:"state"`
	// StateEnteredAt 记录进入当前状态的时刻，超时检查以它为基准。
	StateEnteredAt int64 `json:"state_entered_at"`
	// History 是只追加的状态转移审计轨迹。
	History          []StateTransition `json:"history"`
	RequiresApproval bool              `json:"requires_approval"`
	ApprovalReason   string            `json:"approval_reason,omitempty"`
	ApprovedBy       string            `json:"approved_by,omitempty"`
	SkipReason       string            `json:"skip_reason,omitempty"`
	Params           *Params           `json:"params,omitempty"`
	Result           *Outcome          `json:"result,omitempty"`
	Error            *ErrorInfo        `json:"error,omitempty"`
	RetryCount       int               `json:"retry_count"`
	CreatedAt        int64             `json:"created_at"`
	UpdatedAt        int64             `json:"updated_at"`
}

// Active 返回执行是否仍处于非终态。
func (e *Execution) Active() bool {
	return e != nil && !IsTerminal(e.State)
}

var (
	// ErrExecutionNotFound 表示指定的执行不存在。
	ErrExecutionNotFound = xerrors.New(xerrors.CodeNotFound, "execution not found")
	// ErrExecutionActive 表示策略已有未完结的执行，重复触发按无操作处理。
	ErrExecutionActive = xerrors.New(xerrors.CodeExecutionActive, "")
)

// invalidTransition 构造带上下文的非法转移错误，原状态保持不变。
func invalidTransition(id string, from, to State) error {
	return xerrors.New(xerrors.CodeInvalidTransition, "",
		xerrors.WithMetadata("execution_id", id),
		xerrors.WithMetadata("from", string(from)),
		xerrors.WithMetadata("to", string(to)),
	)
}

func cloneExecution(exec *Execution) *Execution {
	clone := *exec
	if exec.History != nil {
		clone.History = append([]StateTransition(nil), exec.History...)
	}
	if exec.Params != nil {
		paramsCopy := *exec.Params
		clone.Params = &paramsCopy
	}
	if exec.Result != nil {
		resultCopy := *exec.Result
		clone.Result = &resultCopy
	}
	if exec.Error != nil {
		errCopy := *exec.Error
		clone.Error = &errCopy
	}
	return &clone
}
