package execution

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"ChainPilot/internal/chain"
	"ChainPilot/internal/chain/provider"
	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/policy"
	"ChainPilot/internal/recovery"
	"ChainPilot/internal/session"
	"ChainPilot/internal/strategy"
	"ChainPilot/internal/txcoord"
)

const driverSignerKey = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"

// stubClient 模拟链节点：可配置的广播失败与回执应答。
type stubClient struct {
	mu           sync.Mutex
	pendingNonce uint64
	head         uint64
	sendErr      error
	sent         []*types.Transaction
	// receiptAny 非空时对任意哈希返回同一份回执。
	receiptAny *types.Receipt
}

func (s *stubClient) Name() string                                  { return "local" }
func (s *stubClient) ChainID(context.Context) (*big.Int, error)     { return big.NewInt(1), nil }
func (s *stubClient) BlockNumber(context.Context) (uint64, error)   { return s.head, nil }
func (s *stubClient) BalanceAt(context.Context, common.Address) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (s *stubClient) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingNonce, nil
}

func (s *stubClient) SuggestFees(context.Context) (*big.Int, *big.Int, error) {
	return big.NewInt(1), big.NewInt(10), nil
}

func (s *stubClient) EstimateGas(context.Context, gethcore.CallMsg) (uint64, error) {
	return 120000, nil
}

func (s *stubClient) SendTransaction(_ context.Context, tx *types.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, tx)
	return nil
}

func (s *stubClient) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.receiptAny == nil {
		return nil, gethcore.NotFound
	}
	return s.receiptAny, nil
}

func (s *stubClient) Close() {}

func (s *stubClient) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

var _ chain.Client = (*stubClient)(nil)

// stubQuoter 返回固定报价。
type stubQuoter struct {
	quote *Quote
	err   error
}

func (q *stubQuoter) Quote(context.Context, *strategy.Strategy) (*Quote, error) {
	if q.err != nil {
		return nil, q.err
	}
	return q.quote, nil
}

type driverHarness struct {
	driver     *Driver
	service    *Service
	store      *MemoryStore
	strategies strategy.Store
	sessions   session.Store
	client     *stubClient
	coord      *txcoord.Coordinator
	signerAddr common.Address
	notifier   *recordingNotifier
	strat      *strategy.Strategy
}

func defaultQuote() *Quote {
	return &Quote{
		Router:      common.HexToAddress("0x00000000000000000000000000000000000000bb"),
		CallData:    []byte{0xde, 0xad},
		ValueWei:    big.NewInt(0),
		AmountOut:   decimal.NewFromInt(42),
		ValueUSD:    decimal.NewFromInt(100),
		GasUSD:      decimal.NewFromInt(1),
		SlippageBps: 50,
	}
}

func newDriverHarness(t *testing.T, quote *Quote, limits policy.RiskLimits) *driverHarness {
	t.Helper()

	client := &stubClient{}
	signer, err := chain.NewLocalSigner(driverSignerKey)
	if err != nil {
		t.Fatalf("构造签名器失败: %v", err)
	}
	registry := provider.NewStaticRegistry("local", map[string]chain.Client{"local": client})
	coord := txcoord.NewCoordinator(registry, signer, recovery.NewExecutor(), txcoord.Config{
		PollInterval:   10 * time.Millisecond,
		MonitorTimeout: 100 * time.Millisecond,
	})

	strategies := strategy.NewMemoryStore()
	strat := &strategy.Strategy{
		ID:    "strat-1",
		Owner: "0xabc",
		Type:  strategy.TypePeriodicBuy,
		Config: strategy.Config{
			Chain:          "local",
			TokenIn:        "USDC",
			TokenOut:       "WETH",
			Amount:         decimal.NewFromInt(100),
			Schedule:       "0 9 * * *",
			MaxSlippageBps: 100,
			SessionID:      "sess-1",
		},
		Status: strategy.StatusActive,
	}
	if err := strategies.Create(context.Background(), strat); err != nil {
		t.Fatalf("创建策略失败: %v", err)
	}

	sessions := session.NewMemoryStore()
	cred := &session.Credential{
		ID:                 "sess-1",
		Owner:              "0xabc",
		Permissions:        []session.Permission{session.PermissionSwap},
		PerTxLimitUSD:      decimal.NewFromInt(1000),
		CumulativeLimitUSD: decimal.NewFromInt(10000),
		ExpiresAt:          time.Now().Add(time.Hour),
	}
	if err := sessions.Put(context.Background(), cred); err != nil {
		t.Fatalf("写入凭证失败: %v", err)
	}

	engine := policy.NewEngine(
		policy.NewSystemPolicy(policy.SystemPolicyConfig{}),
		policy.NewSessionPolicy(),
		policy.NewRiskPolicy(limits),
	)

	store := NewMemoryStore()
	notifier := &recordingNotifier{}
	machine := NewMachine(store, notifier)
	service := NewService(store, machine)
	driver := NewDriver(service, strategies, sessions, engine, &stubQuoter{quote: quote}, coord, notifier,
		WithApprovalPollInterval(10*time.Millisecond),
		WithFailPauseThreshold(2),
	)

	return &driverHarness{
		driver:     driver,
		service:    service,
		store:      store,
		strategies: strategies,
		sessions:   sessions,
		client:     client,
		coord:      coord,
		signerAddr: signer.Address(),
		notifier:   notifier,
		strat:      strat,
	}
}

func lenientLimits() policy.RiskLimits {
	return policy.RiskLimits{
		MaxSlippageBps: 100,
		MaxTxValueUSD:  decimal.NewFromInt(1000),
		Strictness:     policy.StrictnessStrict,
	}
}

func TestDriverHappyPath(t *testing.T) {
	h := newDriverHarness(t, defaultQuote(), lenientLimits())
	h.client.receiptAny = &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		BlockNumber: big.NewInt(7),
		GasUsed:     90000,
	}

	exec, err := h.service.Create(context.Background(), h.strat)
	if err != nil {
		t.Fatalf("创建执行失败: %v", err)
	}
	if err := h.driver.Run(context.Background(), exec.ID); err != nil {
		t.Fatalf("驱动失败: %v", err)
	}

	final, _ := h.service.Get(context.Background(), exec.ID)
	if final.State != StateCompleted {
		t.Fatalf("终态 = %s, 期望 %s (error=%+v)", final.State, StateCompleted, final.Error)
	}
	if final.Result == nil || final.Result.TxHash == "" || final.Result.BlockNumber != 7 {
		t.Fatalf("链上结果未记录: %+v", final.Result)
	}
	if h.client.sentCount() != 1 {
		t.Fatalf("广播次数 = %d, 期望 1", h.client.sentCount())
	}

	// 确认后才累计会话用量。
	cred, _ := h.sessions.Get(context.Background(), "sess-1")
	if !cred.SpentUSD.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("会话用量 = %s, 期望 100", cred.SpentUSD)
	}
	strat, _ := h.strategies.Get(context.Background(), "strat-1")
	if strat.FailStreak != 0 {
		t.Fatalf("成功后失败计数 = %d, 期望 0", strat.FailStreak)
	}
}

func TestDriverConfirmationAdvancesNonce(t *testing.T) {
	h := newDriverHarness(t, defaultQuote(), lenientLimits())
	// 链上已有历史交易，保留到的 nonce 非零，零值缺省会被暴露。
	h.client.pendingNonce = 7
	h.client.receiptAny = &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		BlockNumber: big.NewInt(9),
		GasUsed:     90000,
	}

	exec, err := h.service.Create(context.Background(), h.strat)
	if err != nil {
		t.Fatalf("创建执行失败: %v", err)
	}
	if err := h.driver.Run(context.Background(), exec.ID); err != nil {
		t.Fatalf("驱动失败: %v", err)
	}

	final, _ := h.service.Get(context.Background(), exec.ID)
	if final.State != StateCompleted {
		t.Fatalf("终态 = %s, 期望 %s (error=%+v)", final.State, StateCompleted, final.Error)
	}
	if final.Result == nil || final.Result.Nonce != 7 {
		t.Fatalf("结果未记录广播 nonce: %+v", final.Result)
	}
	// 确认必须归还保留位并推进基准，不能指望周期性重同步兜底。
	if inflight := h.coord.Nonces().InFlight(h.signerAddr, "local"); inflight != 0 {
		t.Fatalf("确认后仍有保留中的 nonce: in-flight=%d", inflight)
	}
}

func TestDriverSlippageBlockNeverExecutes(t *testing.T) {
	quote := defaultQuote()
	quote.SlippageBps = 150
	h := newDriverHarness(t, quote, lenientLimits())

	exec, _ := h.service.Create(context.Background(), h.strat)
	if err := h.driver.Run(context.Background(), exec.ID); err != nil {
		t.Fatalf("驱动失败: %v", err)
	}

	final, _ := h.service.Get(context.Background(), exec.ID)
	if final.State != StateFailed {
		t.Fatalf("终态 = %s, 期望 %s", final.State, StateFailed)
	}
	if final.Error == nil || final.Error.Code != string(xerrors.CodePolicyBlocked) {
		t.Fatalf("错误 = %+v, 期望 %s", final.Error, xerrors.CodePolicyBlocked)
	}
	for _, record := range final.History {
		if record.To == StateExecuting {
			t.Fatal("被阻断的执行绝不能进入 executing")
		}
	}
	if h.client.sentCount() != 0 {
		t.Fatal("被阻断的执行不应广播交易")
	}
	// 策略违规通知已发出。
	h.notifier.mu.Lock()
	defer h.notifier.mu.Unlock()
	if len(h.notifier.violations) == 0 {
		t.Fatal("缺少策略违规通知")
	}
}

func TestDriverApprovalFlow(t *testing.T) {
	quote := defaultQuote()
	// 高额动作推高风险评分，触达人工确认阈值但不阻断。
	quote.ValueUSD = decimal.NewFromInt(900)
	h := newDriverHarness(t, quote, policy.RiskLimits{
		MaxSlippageBps: 100,
		MaxTxValueUSD:  decimal.NewFromInt(1000),
		ApprovalScore:  decimal.NewFromFloat(0.3),
	})
	h.client.receiptAny = &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		BlockNumber: big.NewInt(3),
		GasUsed:     90000,
	}

	exec, _ := h.service.Create(context.Background(), h.strat)

	done := make(chan error, 1)
	go func() {
		done <- h.driver.Run(context.Background(), exec.ID)
	}()

	// 等待执行进入审批状态后批准。
	deadline := time.After(5 * time.Second)
	for {
		fresh, err := h.service.Get(context.Background(), exec.ID)
		if err != nil {
			t.Fatalf("读取执行失败: %v", err)
		}
		if fresh.State == StateAwaitingApproval {
			if !fresh.RequiresApproval || fresh.ApprovalReason == "" {
				t.Fatalf("审批标记缺失: %+v", fresh)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatalf("执行未进入审批状态, 当前 %s", fresh.State)
		case <-time.After(10 * time.Millisecond):
		}
	}
	if _, err := h.service.Approve(context.Background(), exec.ID, "alice"); err != nil {
		t.Fatalf("审批失败: %v", err)
	}

	if err := <-done; err != nil {
		t.Fatalf("驱动失败: %v", err)
	}
	final, _ := h.service.Get(context.Background(), exec.ID)
	if final.State != StateCompleted {
		t.Fatalf("终态 = %s, 期望 %s (error=%+v)", final.State, StateCompleted, final.Error)
	}
	if final.ApprovedBy != "alice" {
		t.Fatalf("审批人 = %s, 期望 alice", final.ApprovedBy)
	}
}

func TestDriverMonitorTimeoutKeepsMonitoring(t *testing.T) {
	h := newDriverHarness(t, defaultQuote(), lenientLimits())
	// 不配置回执：监控超时,结局未知。

	exec, _ := h.service.Create(context.Background(), h.strat)
	if err := h.driver.Run(context.Background(), exec.ID); err != nil {
		t.Fatalf("驱动失败: %v", err)
	}

	final, _ := h.service.Get(context.Background(), exec.ID)
	if final.State != StateMonitoring {
		t.Fatalf("状态 = %s, 期望保持 %s", final.State, StateMonitoring)
	}
	if final.Error == nil || final.Error.Code != string(xerrors.CodeTimeoutAmbiguous) {
		t.Fatalf("错误 = %+v, 期望 %s", final.Error, xerrors.CodeTimeoutAmbiguous)
	}
	sent := h.client.sentCount()

	// 调度器再次触发：活跃执行存在,创建被拒绝,不会重发交易。
	if _, err := h.service.Create(context.Background(), h.strat); xerrors.CodeOf(err) != xerrors.CodeExecutionActive {
		t.Fatalf("重复触发应返回 EXECUTION_ACTIVE, 实际 %v", err)
	}
	// 再次驱动同一执行只会继续查询,绝不重发。
	if err := h.driver.Run(context.Background(), exec.ID); err != nil {
		t.Fatalf("重查失败: %v", err)
	}
	if h.client.sentCount() != sent {
		t.Fatal("结局未知时重新驱动不能重发交易")
	}
}

func TestDriverDuplicateTriggerResumesMonitoring(t *testing.T) {
	h := newDriverHarness(t, defaultQuote(), lenientLimits())
	// 首轮监控拿不到回执,结局未知。
	exec, _ := h.service.Create(context.Background(), h.strat)
	if err := h.driver.Run(context.Background(), exec.ID); err != nil {
		t.Fatalf("驱动失败: %v", err)
	}
	sent := h.client.sentCount()

	// 重复触发走的路径：创建被拒,找到在途的 monitoring 执行。
	if _, err := h.service.Create(context.Background(), h.strat); xerrors.CodeOf(err) != xerrors.CodeExecutionActive {
		t.Fatalf("重复触发应返回 EXECUTION_ACTIVE, 实际 %v", err)
	}
	active, err := h.service.ActiveForStrategy(context.Background(), h.strat.ID)
	if err != nil {
		t.Fatalf("查找在途执行失败: %v", err)
	}
	if active.ID != exec.ID || active.State != StateMonitoring {
		t.Fatalf("在途执行 = %s/%s, 期望 %s/%s", active.ID, active.State, exec.ID, StateMonitoring)
	}

	// 回执出现后重新驱动只是继续查询，执行收敛到完成且不重发。
	h.client.receiptAny = &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		BlockNumber: big.NewInt(11),
		GasUsed:     90000,
	}
	if err := h.driver.Run(context.Background(), active.ID); err != nil {
		t.Fatalf("重查失败: %v", err)
	}
	final, _ := h.service.Get(context.Background(), exec.ID)
	if final.State != StateCompleted {
		t.Fatalf("终态 = %s, 期望 %s", final.State, StateCompleted)
	}
	if h.client.sentCount() != sent {
		t.Fatal("重查不得重发交易")
	}
}

func TestDriverFailStreakPausesStrategy(t *testing.T) {
	quote := defaultQuote()
	quote.SlippageBps = 150
	h := newDriverHarness(t, quote, lenientLimits())

	for i := 0; i < 2; i++ {
		exec, err := h.service.Create(context.Background(), h.strat)
		if err != nil {
			t.Fatalf("第 %d 次创建失败: %v", i+1, err)
		}
		if err := h.driver.Run(context.Background(), exec.ID); err != nil {
			t.Fatalf("驱动失败: %v", err)
		}
	}

	strat, _ := h.strategies.Get(context.Background(), "strat-1")
	if strat.Status != strategy.StatusPaused {
		t.Fatalf("策略状态 = %s, 期望连续失败后自动暂停", strat.Status)
	}
}

func TestDriverSystemBlockShortCircuits(t *testing.T) {
	h := newDriverHarness(t, defaultQuote(), lenientLimits())

	// 系统层拉闸后整条链路必须立即阻断,后续层被跳过并显式记录。
	if err := h.strategies.UpdateStatus(context.Background(), "strat-1", strategy.StatusActive); err != nil {
		t.Fatalf("激活策略失败: %v", err)
	}
	engine := policy.NewEngine(
		policy.NewSystemPolicy(policy.SystemPolicyConfig{KillSwitch: true}),
		policy.NewSessionPolicy(),
		policy.NewRiskPolicy(lenientLimits()),
	)
	h.driver.engine = engine

	exec, _ := h.service.Create(context.Background(), h.strat)
	if err := h.driver.Run(context.Background(), exec.ID); err != nil {
		t.Fatalf("驱动失败: %v", err)
	}
	final, _ := h.service.Get(context.Background(), exec.ID)
	if final.State != StateFailed {
		t.Fatalf("终态 = %s, 期望 %s", final.State, StateFailed)
	}

	h.notifier.mu.Lock()
	defer h.notifier.mu.Unlock()
	if len(h.notifier.violations) == 0 {
		t.Fatal("缺少策略违规通知")
	}
	result := h.notifier.violations[0]
	for _, v := range result.Violations {
		if v.Layer != policy.LayerSystem {
			t.Fatalf("短路后出现 %s 层违规, 只应有系统层", v.Layer)
		}
	}
	if len(result.SkippedLayers) != 2 {
		t.Fatalf("被跳过的层 = %v, 期望 2 层", result.SkippedLayers)
	}
}
