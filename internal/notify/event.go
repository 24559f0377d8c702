package notify

import (
	"time"

	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/policy"
)

// Kind 表示通知事件的种类。
type Kind string

const (
	// KindStateChange 是执行状态转移事件，审批 UI 依赖它刷新。
	KindStateChange Kind = "state_change"
	// KindPolicyViolation 是策略违规事件。
	KindPolicyViolation Kind = "policy_violation"
	// KindAlert 是需要运维关注的系统告警。
	KindAlert Kind = "alert"
)

// Event 描述一次需要推送给外部协作方的事件。
type Event struct {
	Kind        Kind               `json:"kind"`
	ExecutionID string             `json:"execution_id,omitempty"`
	StrategyID  string             `json:"strategy_id,omitempty"`
	Owner       string             `json:"owner,omitempty"`
	FromState   string             `json:"from_state,omitempty"`
	ToState     string             `json:"to_state,omitempty"`
	Reason      string             `json:"reason,omitempty"`
	Violations  []policy.Violation `json:"violations,omitempty"`
	RiskScore   string             `json:"risk_score,omitempty"`
	Code        xerrors.Code       `json:"code,omitempty"`
	Message     string             `json:"message,omitempty"`
	Severity    xerrors.Severity   `json:"severity,omitempty"`
	Metadata    map[string]string  `json:"metadata,omitempty"`
	OccurredAt  time.Time          `json:"occurred_at"`
}
