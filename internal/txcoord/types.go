package txcoord

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// TransferSpec 描述一笔原生资产或带 calldata 的转账意图。
type TransferSpec struct {
	Chain    string
	From     common.Address
	To       common.Address
	ValueWei *big.Int
	Data     []byte
}

// SwapQuote 是撮合venue返回的可执行报价。路由与定价的计算
// 不在本系统范围内，这里只消费其结果。
type SwapQuote struct {
	Chain       string
	From        common.Address
	Router      common.Address
	CallData    []byte
	ValueWei    *big.Int
	SlippageBps int64
}

// PreparedTransaction 是尚未签名的交易描述。构建是纯变换，
// gas 与费率由后续的估算步骤填充。
type PreparedTransaction struct {
	Chain    string
	From     common.Address
	To       common.Address
	ValueWei *big.Int
	Data     []byte
	GasLimit uint64
	TipCap   *big.Int
	FeeCap   *big.Int
}

// GasEstimate 是一次 gas 估算的结果。
type GasEstimate struct {
	GasLimit uint64
	TipCap   *big.Int
	FeeCap   *big.Int
}

// ConfirmationState 表示监控阶段观察到的交易结局。
type ConfirmationState string

const (
	// StateConfirmed 表示交易已上链且执行成功。
	StateConfirmed ConfirmationState = "confirmed"
	// StateReverted 表示交易已上链但执行回滚。
	StateReverted ConfirmationState = "reverted"
	// StateAmbiguous 表示监控超时、结局未知。调用方必须重新查询，
	// 绝不能据此重发交易或判定失败。
	StateAmbiguous ConfirmationState = "ambiguous"
)

// TransactionStatus 是 Monitor 的输出。
type TransactionStatus struct {
	State       ConfirmationState
	Hash        common.Hash
	Nonce       uint64
	BlockNumber uint64
	GasUsed     uint64
}
