package chain

import (
	"context"
	"math/big"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Client 定义访问一条链所需的最小 RPC 能力。
// 上层（交易协调器、执行驱动）只依赖这个接口，不感知具体网络实现。
type Client interface {
	Name() string
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestFees(ctx context.Context) (tipCap *big.Int, feeCap *big.Int, err error)
	EstimateGas(ctx context.Context, msg gethcore.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	BalanceAt(ctx context.Context, account common.Address) (*big.Int, error)
	Close()
}

// Signer 抽象钱包侧的签名能力。实现可能是本地私钥，
// 也可能是远程签名服务；用户拒签以 USER_REJECTED 错误返回。
type Signer interface {
	Address() common.Address
	Sign(ctx context.Context, chainID *big.Int, tx *types.Transaction) (*types.Transaction, error)
}
