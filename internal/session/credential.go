package session

import (
	"time"

	"github.com/shopspring/decimal"
)

// Permission 表示会话凭证被授予的单项能力。
type Permission string

const (
	PermissionSwap     Permission = "swap"
	PermissionTransfer Permission = "transfer"
	PermissionApprove  Permission = "approve"
)

// Credential 是一份委托签名授权：限定了可花费额度、可触达的
// 链/合约/代币以及有效期。策略评估阶段只读，确认上链后才累计用量。
type Credential struct {
	ID                 string            `json:"id"`
	Owner              string            `json:"owner"`
	Permissions        []Permission      `json:"permissions"`
	PerTxLimitUSD      decimal.Decimal   `json:"per_tx_limit_usd"`
	CumulativeLimitUSD decimal.Decimal   `json:"cumulative_limit_usd"`
	SpentUSD           decimal.Decimal   `json:"spent_usd"`
	AllowedChains      []string          `json:"allowed_chains"`
	AllowedContracts   []string          `json:"allowed_contracts"`
	AllowedTokens      []string          `json:"allowed_tokens"`
	ExpiresAt          time.Time         `json:"expires_at"`
	MaxUses            int               `json:"max_uses"`
	Uses               int               `json:"uses"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

// Expired 判断凭证是否已过期。
func (c *Credential) Expired(now time.Time) bool {
	if c == nil {
		return true
	}
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// Exhausted 判断凭证的使用次数或累计额度是否耗尽。
func (c *Credential) Exhausted() bool {
	if c == nil {
		return true
	}
	if c.MaxUses > 0 && c.Uses >= c.MaxUses {
		return true
	}
	if c.CumulativeLimitUSD.IsPositive() && c.SpentUSD.GreaterThanOrEqual(c.CumulativeLimitUSD) {
		return true
	}
	return false
}

// Grants 判断凭证是否包含指定权限。
func (c *Credential) Grants(p Permission) bool {
	if c == nil {
		return false
	}
	for _, granted := range c.Permissions {
		if granted == p {
			return true
		}
	}
	return false
}

// AllowsChain 判断凭证的链白名单是否放行；白名单为空时表示不限制。
func (c *Credential) AllowsChain(chain string) bool {
	return allowListed(c.AllowedChains, chain)
}

// AllowsContract 判断合约白名单是否放行。
func (c *Credential) AllowsContract(contract string) bool {
	return allowListed(c.AllowedContracts, contract)
}

// AllowsToken 判断代币白名单是否放行。
func (c *Credential) AllowsToken(token string) bool {
	return allowListed(c.AllowedTokens, token)
}

func allowListed(allow []string, value string) bool {
	if len(allow) == 0 {
		return true
	}
	for _, item := range allow {
		if item == value {
			return true
		}
	}
	return false
}
