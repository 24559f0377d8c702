package chain

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "ChainPilot/internal/errors"
)

// LocalSigner 使用本地私钥签名，适用于托管热钱包或测试环境。
type LocalSigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewLocalSigner 从十六进制私钥构造签名器。
func NewLocalSigner(hexKey string) (*LocalSigner, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if trimmed == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "签名私钥不能为空")
	}
	key, err := crypto.HexToECDSA(trimmed)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析签名私钥失败")
	}
	return &LocalSigner{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

// Address 返回签名地址。
func (s *LocalSigner) Address() common.Address { return s.address }

// Sign 对交易做 EIP-155/1559 签名。
func (s *LocalSigner) Sign(_ context.Context, chainID *big.Int, tx *types.Transaction) (*types.Transaction, error) {
	if tx == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "交易不能为空")
	}
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUserRejected, err, "交易签名失败")
	}
	return signed, nil
}

var _ Signer = (*LocalSigner)(nil)
