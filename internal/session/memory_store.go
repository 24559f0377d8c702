package session

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	xerrors "ChainPilot/internal/errors"
)

// ErrCredentialNotFound 表示指定的会话凭证不存在。
var ErrCredentialNotFound = xerrors.New(xerrors.CodeNotFound, "session credential not found")

// Store 抽象了会话凭证的读取与用量回写。
type Store interface {
	Get(ctx context.Context, id string) (*Credential, error)
	Put(ctx context.Context, cred *Credential) error
	// RecordUsage 在执行确认上链后累计花费与次数。策略评估阶段绝不调用。
	RecordUsage(ctx context.Context, id string, spentUSD decimal.Decimal) error
}

// MemoryStore 以内存方式保存会话凭证。
type MemoryStore struct {
	mu          sync.RWMutex
	credentials map[string]*Credential
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{credentials: make(map[string]*Credential)}
}

// Get 返回凭证的副本。
func (m *MemoryStore) Get(_ context.Context, id string) (*Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cred, ok := m.credentials[id]
	if !ok {
		return nil, ErrCredentialNotFound
	}
	return cloneCredential(cred), nil
}

// Put 写入或覆盖凭证。
func (m *MemoryStore) Put(_ context.Context, cred *Credential) error {
	if cred == nil || cred.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "凭证 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credentials[cred.ID] = cloneCredential(cred)
	return nil
}

// RecordUsage 累计花费与使用次数。
func (m *MemoryStore) RecordUsage(_ context.Context, id string, spentUSD decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cred, ok := m.credentials[id]
	if !ok {
		return ErrCredentialNotFound
	}
	cred.SpentUSD = cred.SpentUSD.Add(spentUSD)
	cred.Uses++
	return nil
}

func cloneCredential(cred *Credential) *Credential {
	clone := *cred
	clone.Permissions = append([]Permission(nil), cred.Permissions...)
	clone.AllowedChains = append([]string(nil), cred.AllowedChains...)
	clone.AllowedContracts = append([]string(nil), cred.AllowedContracts...)
	clone.AllowedTokens = append([]string(nil), cred.AllowedTokens...)
	if cred.Metadata != nil {
		clone.Metadata = make(map[string]string, len(cred.Metadata))
		for k, v := range cred.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}

var _ Store = (*MemoryStore)(nil)
