package policy

import (
	"context"
	"time"

	"ChainPilot/internal/session"
)

// LayerSession 是会话层评估器的名字。
const LayerSession = "session"

// SessionPolicy 校验动作是否落在会话凭证的授权范围内：
// 权限集、单笔与累计额度、白名单与有效期。凭证过期或耗尽一律阻断。
// 本层只读凭证，用量累计由执行确认后的回写完成。
type SessionPolicy struct {
	now func() time.Time
}

// NewSessionPolicy 构造会话层评估器。
func NewSessionPolicy() *SessionPolicy {
	return &SessionPolicy{now: time.Now}
}

// Name 实现 Evaluator。
func (p *SessionPolicy) Name() string { return LayerSession }

// Evaluate 实现 Evaluator。
func (p *SessionPolicy) Evaluate(_ context.Context, action ActionContext) Verdict {
	var verdict Verdict
	block := func(rule, message string) {
		verdict.Violations = append(verdict.Violations, Violation{
			Layer:    LayerSession,
			Rule:     rule,
			Severity: SeverityBlock,
			Message:  message,
		})
	}

	cred := action.Credential
	if cred == nil {
		block("missing_credential", "no session credential attached to action")
		return verdict
	}
	if cred.Expired(p.now()) {
		block("credential_expired", "session credential has expired")
		return verdict
	}
	if cred.Exhausted() {
		block("credential_exhausted", "session credential usage or cumulative limit exhausted")
		return verdict
	}

	if !cred.Grants(session.Permission(action.Action)) {
		block("permission_denied", "credential does not grant permission: "+string(action.Action))
	}
	if cred.PerTxLimitUSD.IsPositive() && action.ValueUSD.GreaterThan(cred.PerTxLimitUSD) {
		block("per_tx_limit", "action value exceeds per-transaction limit")
	}
	if cred.CumulativeLimitUSD.IsPositive() &&
		cred.SpentUSD.Add(action.ValueUSD).GreaterThan(cred.CumulativeLimitUSD) {
		block("cumulative_limit", "action value would exceed cumulative limit")
	}
	if !cred.AllowsChain(action.Chain) {
		block("chain_not_allowed", "chain not in credential allow-list: "+action.Chain)
	}
	if action.Contract != "" && !cred.AllowsContract(action.Contract) {
		block("contract_not_allowed", "contract not in credential allow-list: "+action.Contract)
	}
	for _, token := range []string{action.TokenIn, action.TokenOut} {
		if token != "" && !cred.AllowsToken(token) {
			block("token_not_allowed", "token not in credential allow-list: "+token)
		}
	}
	return verdict
}

var _ Evaluator = (*SessionPolicy)(nil)
