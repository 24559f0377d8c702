package txcoord

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	xerrors "ChainPilot/internal/errors"
)

var zeroAddress common.Address

// BuildTransfer 把转账意图转换为待估算的交易描述。纯变换，无副作用。
func BuildTransfer(spec TransferSpec) (*PreparedTransaction, error) {
	if spec.Chain == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "转账缺少链标识")
	}
	if spec.To == (zeroAddress) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "转账目标地址不能为空")
	}
	value := spec.ValueWei
	if value == nil {
		value = big.NewInt(0)
	}
	if value.Sign() < 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "转账金额不能为负")
	}
	return &PreparedTransaction{
		Chain:    spec.Chain,
		From:     spec.From,
		To:       spec.To,
		ValueWei: new(big.Int).Set(value),
		Data:     spec.Data,
	}, nil
}

// BuildSwap 把撮合报价转换为待估算的交易描述。报价的路由与
// calldata 原样使用，本层不做定价判断。
func BuildSwap(quote SwapQuote) (*PreparedTransaction, error) {
	if quote.Chain == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "报价缺少链标识")
	}
	if quote.Router == (zeroAddress) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "报价缺少路由地址")
	}
	if len(quote.CallData) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "报价缺少 calldata")
	}
	value := quote.ValueWei
	if value == nil {
		value = big.NewInt(0)
	}
	return &PreparedTransaction{
		Chain:    quote.Chain,
		From:     quote.From,
		To:       quote.Router,
		ValueWei: new(big.Int).Set(value),
		Data:     quote.CallData,
	}, nil
}
