package policy

import (
	"context"
	"strings"
	"sync"
)

// LayerSystem 是系统层评估器的名字。
const LayerSystem = "system"

// SystemPolicy 执行平台级强约束：全局停机开关与链/合约/代币封禁名单。
// 命中任何一条都是阻断级，没有警告档。
type SystemPolicy struct {
	mu               sync.RWMutex
	killSwitch       bool
	blockedChains    map[string]struct{}
	blockedContracts map[string]struct{}
	blockedTokens    map[string]struct{}
}

// SystemPolicyConfig 描述系统层的初始名单。
type SystemPolicyConfig struct {
	KillSwitch       bool     `json:"kill_switch"`
	BlockedChains    []string `json:"blocked_chains"`
	BlockedContracts []string `json:"blocked_contracts"`
	BlockedTokens    []string `json:"blocked_tokens"`
}

// NewSystemPolicy 构造系统层评估器。
func NewSystemPolicy(cfg SystemPolicyConfig) *SystemPolicy {
	p := &SystemPolicy{
		killSwitch:       cfg.KillSwitch,
		blockedChains:    toSet(cfg.BlockedChains),
		blockedContracts: toSet(cfg.BlockedContracts),
		blockedTokens:    toSet(cfg.BlockedTokens),
	}
	return p
}

// Name 实现 Evaluator。
func (p *SystemPolicy) Name() string { return LayerSystem }

// Evaluate 实现 Evaluator。
func (p *SystemPolicy) Evaluate(_ context.Context, action ActionContext) Verdict {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var verdict Verdict
	block := func(rule, message string) {
		verdict.Violations = append(verdict.Violations, Violation{
			Layer:    LayerSystem,
			Rule:     rule,
			Severity: SeverityBlock,
			Message:  message,
		})
	}

	if p.killSwitch {
		block("kill_switch", "platform kill switch engaged")
		return verdict
	}
	if _, hit := p.blockedChains[normalize(action.Chain)]; hit {
		block("blocked_chain", "chain is on the platform blocklist: "+action.Chain)
	}
	if action.Contract != "" {
		if _, hit := p.blockedContracts[normalize(action.Contract)]; hit {
			block("blocked_contract", "contract is on the platform blocklist: "+action.Contract)
		}
	}
	for _, token := range []string{action.TokenIn, action.TokenOut} {
		if token == "" {
			continue
		}
		if _, hit := p.blockedTokens[normalize(token)]; hit {
			block("blocked_token", "token is on the platform blocklist: "+token)
		}
	}
	return verdict
}

// SetKillSwitch 切换全局停机开关，供运维接口调用。
func (p *SystemPolicy) SetKillSwitch(engaged bool) {
	p.mu.Lock()
	p.killSwitch = engaged
	p.mu.Unlock()
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		if trimmed := normalize(item); trimmed != "" {
			set[trimmed] = struct{}{}
		}
	}
	return set
}

func normalize(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

var _ Evaluator = (*SystemPolicy)(nil)
