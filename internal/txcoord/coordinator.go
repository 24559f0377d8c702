package txcoord

import (
	"context"
	"log/slog"
	"strings"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"ChainPilot/internal/chain"
	"ChainPilot/internal/chain/provider"
	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/observability/metrics"
	"ChainPilot/internal/recovery"
	"ChainPilot/pkg/logger"
)

// Config 控制协调器的监控行为。
type Config struct {
	// PollInterval 是回执轮询间隔。
	PollInterval time.Duration `json:"poll_interval_seconds"`
	// MonitorTimeout 是单笔交易监控的最长等待时间，
	// 超时返回 ambiguous，由上层重新查询。
	MonitorTimeout time.Duration `json:"monitor_timeout_seconds"`
	// NonceSyncInterval 是 nonce 对账周期。
	NonceSyncInterval time.Duration `json:"nonce_sync_interval_seconds"`
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.MonitorTimeout <= 0 {
		c.MonitorTimeout = 30 * time.Minute
	}
	if c.NonceSyncInterval <= 0 {
		c.NonceSyncInterval = 30 * time.Second
	}
	return c
}

// Coordinator 负责交易的估算、签名、提交与确认监控。
// nonce 的发放与归还全部经由内部的 NonceManager 串行化。
type Coordinator struct {
	chains *provider.Registry
	signer chain.Signer
	nonces *NonceManager
	exec   *recovery.Executor
	cfg    Config

	rpcPolicy recovery.RetryPolicy
}

// NewCoordinator 构造 Coordinator。
func NewCoordinator(chains *provider.Registry, signer chain.Signer, exec *recovery.Executor, cfg Config) *Coordinator {
	return &Coordinator{
		chains: chains,
		signer: signer,
		nonces: NewNonceManager(),
		exec:   exec,
		cfg:    cfg.withDefaults(),
		rpcPolicy: recovery.RetryPolicy{
			MaxRetries:  3,
			BaseBackoff: 500 * time.Millisecond,
			MaxBackoff:  8 * time.Second,
		},
	}
}

// Nonces 暴露 nonce 管理器，供守护进程挂载对账循环。
func (c *Coordinator) Nonces() *NonceManager { return c.nonces }

// SignerAddress 返回交易的签名地址。
func (c *Coordinator) SignerAddress() common.Address { return c.signer.Address() }

func (c *Coordinator) client(chainName string) (chain.Client, error) {
	client, ok := c.chains.Client(chainName)
	if !ok {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未注册的链: "+chainName)
	}
	return client, nil
}

// Estimate 为交易填充 gas 上限与费率。RPC 失败经执行器
// 按依赖维度重试与熔断。
func (c *Coordinator) Estimate(ctx context.Context, tx *PreparedTransaction) (*GasEstimate, error) {
	client, err := c.client(tx.Chain)
	if err != nil {
		return nil, err
	}

	var estimate GasEstimate
	dep := "rpc:" + tx.Chain
	err = c.exec.Run(ctx, dep, func(ctx context.Context) error {
		to := tx.To
		gasLimit, err := client.EstimateGas(ctx, gethcore.CallMsg{
			From:  tx.From,
			To:    &to,
			Value: tx.ValueWei,
			Data:  tx.Data,
		})
		if err != nil {
			return classifyRPCError(err, "估算 gas 失败")
		}
		tipCap, feeCap, err := client.SuggestFees(ctx)
		if err != nil {
			return classifyRPCError(err, "获取费率建议失败")
		}
		estimate = GasEstimate{GasLimit: gasLimit, TipCap: tipCap, FeeCap: feeCap}
		return nil
	}, c.rpcPolicy)
	if err != nil {
		return nil, err
	}
	return &estimate, nil
}

// Send 保留 nonce、签名并广播交易。广播失败时 nonce 恰好
// 释放一次；广播成功后 nonce 被该交易占用，由 Monitor 确认。
func (c *Coordinator) Send(ctx context.Context, tx *PreparedTransaction) (*TransactionStatus, error) {
	client, err := c.client(tx.Chain)
	if err != nil {
		return nil, err
	}
	if tx.GasLimit == 0 || tx.FeeCap == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "交易未完成 gas 估算")
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, classifyRPCError(err, "获取链 ID 失败")
	}

	nonce, err := c.nonces.Reserve(ctx, client, c.signer.Address())
	if err != nil {
		return nil, err
	}

	signed, err := c.signer.Sign(ctx, chainID, types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tx.TipCap,
		GasFeeCap: tx.FeeCap,
		Gas:       tx.GasLimit,
		To:        &tx.To,
		Value:     tx.ValueWei,
		Data:      tx.Data,
	}))
	if err != nil {
		if relErr := c.nonces.Release(c.signer.Address(), tx.Chain, nonce); relErr != nil {
			logger.L().Error("释放 nonce 失败", slog.String("error", relErr.Error()))
		}
		return nil, err
	}

	dep := "rpc:" + tx.Chain
	sendErr := c.exec.Run(ctx, dep, func(ctx context.Context) error {
		if err := client.SendTransaction(ctx, signed); err != nil {
			return classifyRPCError(err, "广播交易失败")
		}
		return nil
	}, c.rpcPolicy)
	if sendErr != nil {
		// 交易从未进入节点内存池时才能安全归还 nonce。
		if relErr := c.nonces.Release(c.signer.Address(), tx.Chain, nonce); relErr != nil {
			logger.L().Error("释放 nonce 失败", slog.String("error", relErr.Error()))
		}
		return nil, sendErr
	}

	logger.Audit().Info("交易已广播",
		slog.String("chain", tx.Chain),
		slog.String("hash", signed.Hash().Hex()),
		slog.Uint64("nonce", nonce),
	)
	return &TransactionStatus{Hash: signed.Hash(), Nonce: nonce}, nil
}

// Monitor 轮询交易回执直到达到确认数或超时。超时返回
// ambiguous：交易可能仍会上链，调用方只能重新查询，不能重发。
func (c *Coordinator) Monitor(ctx context.Context, chainName string, status *TransactionStatus) (*TransactionStatus, error) {
	client, err := c.client(chainName)
	if err != nil {
		return nil, err
	}

	required := c.chains.Confirmations(chainName)
	deadline := time.Now().Add(c.cfg.MonitorTimeout)
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		receipt, err := client.TransactionReceipt(ctx, status.Hash)
		if err == nil && receipt != nil && c.deepEnough(ctx, client, receipt.BlockNumber.Uint64(), required) {
			out := &TransactionStatus{
				Hash:        status.Hash,
				Nonce:       status.Nonce,
				BlockNumber: receipt.BlockNumber.Uint64(),
				GasUsed:     receipt.GasUsed,
			}
			// 回滚的交易同样消耗 nonce，一并推进基准值。
			c.nonces.Confirm(c.signer.Address(), chainName, status.Nonce)
			if receipt.Status == types.ReceiptStatusSuccessful {
				out.State = StateConfirmed
				metrics.IncTransaction(chainName, "confirmed")
				return out, nil
			}
			out.State = StateReverted
			metrics.IncTransaction(chainName, "reverted")
			return out, xerrors.New(xerrors.CodeTransactionReverted, "交易执行回滚",
				xerrors.WithMetadata("hash", status.Hash.Hex()))
		}
		if err != nil && err != gethcore.NotFound {
			logger.L().Warn("查询交易回执失败",
				slog.String("chain", chainName),
				slog.String("hash", status.Hash.Hex()),
				slog.String("error", err.Error()),
			)
		}

		if time.Now().After(deadline) {
			metrics.IncTransaction(chainName, "ambiguous")
			return &TransactionStatus{State: StateAmbiguous, Hash: status.Hash, Nonce: status.Nonce},
				xerrors.New(xerrors.CodeTimeoutAmbiguous, "交易确认超时，结局未知",
					xerrors.WithMetadata("hash", status.Hash.Hex()))
		}

		select {
		case <-ctx.Done():
			return &TransactionStatus{State: StateAmbiguous, Hash: status.Hash, Nonce: status.Nonce},
				xerrors.Wrap(xerrors.CodeTimeoutAmbiguous, ctx.Err(), "监控被取消，结局未知")
		case <-ticker.C:
		}
	}
}

// deepEnough 检查回执所在区块是否已达到链要求的确认深度。
func (c *Coordinator) deepEnough(ctx context.Context, client chain.Client, minedAt, required uint64) bool {
	if required <= 1 {
		return true
	}
	head, err := client.BlockNumber(ctx)
	if err != nil {
		return false
	}
	return head >= minedAt+required-1
}

// classifyRPCError 在 RPC 边界把底层错误翻译为声明式错误码。
// 分类只发生在这一层，下游依赖错误码而非文本匹配。
func classifyRPCError(err error, message string) error {
	if _, ok := xerrors.From(err); ok {
		return err
	}
	text := strings.ToLower(err.Error())
	switch {
	case strings.Contains(text, "insufficient funds"):
		return xerrors.Wrap(xerrors.CodeInsufficientFunds, err, message)
	case strings.Contains(text, "execution reverted"):
		return xerrors.Wrap(xerrors.CodeContractError, err, message)
	case strings.Contains(text, "nonce too low"):
		return xerrors.Wrap(xerrors.CodeConflict, err, message)
	case strings.Contains(text, "429"), strings.Contains(text, "rate limit"), strings.Contains(text, "too many requests"):
		return xerrors.Wrap(xerrors.CodeRateLimited, err, message)
	case strings.Contains(text, "deadline exceeded"), strings.Contains(text, "timeout"):
		return xerrors.Wrap(xerrors.CodeTimeout, err, message)
	default:
		return xerrors.Wrap(xerrors.CodeNetworkFailure, err, message)
	}
}
