package txcoord

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"ChainPilot/internal/chain"
	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/observability/metrics"
	"ChainPilot/pkg/logger"
)

// nonceKey 标识一个 (签名地址, 链) 组合。
type nonceKey struct {
	address common.Address
	chain   string
}

// accountNonces 维护单个账户的 nonce 视图：链上确认的基准值
// 与在途（已保留未确认）集合分开跟踪。
type accountNonces struct {
	mu       sync.Mutex
	base     uint64
	synced   bool
	reserved map[uint64]struct{}
}

// NonceManager 按 (地址, 链) 串行发放严格递增的 nonce。
// 同一签名地址上的所有执行共享同一把锁，保证发放顺序。
type NonceManager struct {
	mu       sync.Mutex
	accounts map[nonceKey]*accountNonces
}

// NewNonceManager 构造 NonceManager。
func NewNonceManager() *NonceManager {
	return &NonceManager{accounts: make(map[nonceKey]*accountNonces)}
}

func (m *NonceManager) account(address common.Address, chainName string) *accountNonces {
	key := nonceKey{address: address, chain: chainName}
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[key]
	if !ok {
		acct = &accountNonces{reserved: make(map[uint64]struct{})}
		m.accounts[key] = acct
	}
	return acct
}

// Reserve 发放该账户下一个未占用的 nonce。首次调用时
// 从节点同步链上观测值作为基准。
func (m *NonceManager) Reserve(ctx context.Context, client chain.Client, address common.Address) (uint64, error) {
	acct := m.account(address, client.Name())
	acct.mu.Lock()
	defer acct.mu.Unlock()

	if !acct.synced {
		observed, err := client.PendingNonceAt(ctx, address)
		if err != nil {
			return 0, xerrors.Wrap(xerrors.CodeNetworkFailure, err, "同步账户 nonce 失败")
		}
		acct.base = observed
		acct.synced = true
	}

	// 取 >= base 的最小未保留值，保证发放无空洞。
	next := acct.base
	for {
		if _, taken := acct.reserved[next]; !taken {
			break
		}
		next++
	}
	acct.reserved[next] = struct{}{}
	return next, nil
}

// Release 将提交失败的 nonce 放回池中。重复释放是错误：
// 保留必须恰好归还一次。
func (m *NonceManager) Release(address common.Address, chainName string, nonce uint64) error {
	acct := m.account(address, chainName)
	acct.mu.Lock()
	defer acct.mu.Unlock()
	if _, ok := acct.reserved[nonce]; !ok {
		return xerrors.New(xerrors.CodeConflict, "nonce 未处于保留状态，不能释放")
	}
	delete(acct.reserved, nonce)
	return nil
}

// Confirm 在交易确认后移除保留并推进基准值。
func (m *NonceManager) Confirm(address common.Address, chainName string, nonce uint64) {
	acct := m.account(address, chainName)
	acct.mu.Lock()
	defer acct.mu.Unlock()
	delete(acct.reserved, nonce)
	if nonce >= acct.base {
		acct.base = nonce + 1
	}
}

// SyncOnce 与节点对账一次：检测外部发出的交易并推进基准值，
// 丢弃已经被链上覆盖的保留项。
func (m *NonceManager) SyncOnce(ctx context.Context, client chain.Client, address common.Address) error {
	acct := m.account(address, client.Name())
	observed, err := client.PendingNonceAt(ctx, address)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeNetworkFailure, err, "对账 nonce 失败")
	}

	acct.mu.Lock()
	defer acct.mu.Unlock()
	if acct.synced && observed > acct.base {
		metrics.IncNonceResync(client.Name())
		logger.L().Warn("检测到外部交易，推进 nonce 基准",
			slog.String("address", address.Hex()),
			slog.String("chain", client.Name()),
			slog.Uint64("local_base", acct.base),
			slog.Uint64("observed", observed),
		)
	}
	if observed > acct.base || !acct.synced {
		acct.base = observed
		acct.synced = true
		for nonce := range acct.reserved {
			if nonce < acct.base {
				delete(acct.reserved, nonce)
			}
		}
	}
	return nil
}

// SyncLoop 周期性对指定账户对账，直到上下文取消。
func (m *NonceManager) SyncLoop(ctx context.Context, client chain.Client, address common.Address, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.SyncOnce(ctx, client, address); err != nil {
				logger.L().Warn("nonce 对账失败",
					slog.String("address", address.Hex()),
					slog.String("chain", client.Name()),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// InFlight 返回当前保留中的 nonce 数量，供监控使用。
func (m *NonceManager) InFlight(address common.Address, chainName string) int {
	acct := m.account(address, chainName)
	acct.mu.Lock()
	defer acct.mu.Unlock()
	return len(acct.reserved)
}
