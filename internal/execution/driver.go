package execution

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/policy"
	"ChainPilot/internal/session"
	"ChainPilot/internal/strategy"
	"ChainPilot/internal/txcoord"
	"ChainPilot/pkg/logger"
)

// Quote 是撮合 venue 返回的可执行报价。路由与定价的计算不在
// 本系统范围内，这里只消费其结果。
type Quote struct {
	Router      common.Address
	CallData    []byte
	ValueWei    *big.Int
	AmountOut   decimal.Decimal
	ValueUSD    decimal.Decimal
	GasUSD      decimal.Decimal
	SlippageBps int64
}

// Quoter 抽象外部撮合 venue 的报价能力。
type Quoter interface {
	Quote(ctx context.Context, strat *strategy.Strategy) (*Quote, error)
}

// PortfolioReader 提供风险评估所需的组合账本快照。
type PortfolioReader interface {
	Snapshot(ctx context.Context, owner string) (portfolioUSD, positionUSD, dailyVolumeUSD, dailyLossUSD decimal.Decimal, err error)
}

// Driver 驱动单个执行走完生命周期：分析、规划、策略闸门、
// 可选的人工审批、上链与确认监控。每个执行由独立的协程驱动，
// 同一策略的活跃执行唯一性由存储层保证。
type Driver struct {
	service    *Service
	machine    *Machine
	store      Store
	strategies strategy.Store
	sessions   session.Store
	engine     *policy.Engine
	quoter     Quoter
	portfolio  PortfolioReader
	coord      *txcoord.Coordinator
	notifier   Notifier

	// approvalPoll 是等待审批时的轮询间隔。
	approvalPoll time.Duration
	// failPauseThreshold 是触发策略自动暂停的连续失败次数。
	failPauseThreshold int
}

// DriverOption 定义可选配置。
type DriverOption func(*Driver)

// WithApprovalPollInterval 修改审批轮询间隔。
func WithApprovalPollInterval(interval time.Duration) DriverOption {
	return func(d *Driver) {
		if interval > 0 {
			d.approvalPoll = interval
		}
	}
}

// WithFailPauseThreshold 修改自动暂停策略的连续失败阈值。
func WithFailPauseThreshold(threshold int) DriverOption {
	return func(d *Driver) {
		if threshold > 0 {
			d.failPauseThreshold = threshold
		}
	}
}

// WithPortfolioReader 配置组合账本快照来源。
func WithPortfolioReader(reader PortfolioReader) DriverOption {
	return func(d *Driver) {
		d.portfolio = reader
	}
}

// NewDriver 构造 Driver。
func NewDriver(
	service *Service,
	strategies strategy.Store,
	sessions session.Store,
	engine *policy.Engine,
	quoter Quoter,
	coord *txcoord.Coordinator,
	notifier Notifier,
	opts ...DriverOption,
) *Driver {
	d := &Driver{
		service:            service,
		machine:            service.Machine(),
		store:              service.store,
		strategies:         strategies,
		sessions:           sessions,
		engine:             engine,
		quoter:             quoter,
		coord:              coord,
		notifier:           notifier,
		approvalPoll:       2 * time.Second,
		failPauseThreshold: 3,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// plan 是驱动过程中的内存态产物，可随时从持久化参数重建。
type plan struct {
	quote    *Quote
	prepared *txcoord.PreparedTransaction
	verdict  policy.Result
}

// Run 驱动执行直到终态或结局未知。进程重启后以持久化状态为
// 准恢复驱动，绝不从内存推断进度。
func (d *Driver) Run(ctx context.Context, execID string) error {
	exec, err := d.store.Get(ctx, execID)
	if err != nil {
		return err
	}
	strat, err := d.strategies.Get(ctx, exec.StrategyID)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	d.service.registerCancel(execID, cancel)
	defer d.service.unregisterCancel(execID)

	var current *plan
	for {
		exec, err = d.store.Get(runCtx, execID)
		if err != nil {
			return err
		}
		if IsTerminal(exec.State) {
			return nil
		}
		if runCtx.Err() != nil {
			// 取消转移由 Cancel 调用方落库，这里直接退出。
			return nil
		}
		if exec.State != StateMonitoring && d.machine.TimedOut(exec) {
			_, failErr := d.fail(runCtx, exec, xerrors.New(xerrors.CodeTimeout,
				"状态停留超时", xerrors.WithRetryable(false)), strat)
			return failErr
		}

		switch exec.State {
		case StateIdle:
			_, err = d.machine.Transition(runCtx, execID, StateAnalyzing, WithReason("调度触发"))
		case StateAnalyzing:
			err = d.analyze(runCtx, exec, strat)
		case StatePlanning:
			current, err = d.planAndGate(runCtx, exec, strat)
		case StateAwaitingApproval:
			err = d.waitApproval(runCtx, exec)
		case StateExecuting:
			err = d.execute(runCtx, exec, strat, current)
			current = nil
		case StateMonitoring:
			done, monErr := d.monitor(runCtx, exec, strat)
			if monErr != nil {
				return monErr
			}
			if !done {
				// 结局未知：保持 monitoring,下一次触发继续查询而不是重发。
				return nil
			}
			err = nil
		case StatePaused:
			return nil
		default:
			return xerrors.New(xerrors.CodeUnknown, "执行处于未知状态",
				xerrors.WithMetadata("state", string(exec.State)))
		}
		if err != nil {
			if xerrors.CodeOf(err) == xerrors.CodeInvalidTransition {
				// 状态被并发操作（取消、跳过）抢先推进，重读后继续。
				continue
			}
			return err
		}
	}
}

func (d *Driver) stepCtx(ctx context.Context, exec *Execution) (context.Context, context.CancelFunc) {
	limit := TimeoutFor(exec.State)
	if limit <= 0 {
		return context.WithCancel(ctx)
	}
	elapsed := time.Duration(time.Now().Unix()-exec.StateEnteredAt) * time.Second
	remaining := limit - elapsed
	if remaining <= 0 {
		remaining = time.Second
	}
	return context.WithTimeout(ctx, remaining)
}

// analyze 解析本次执行的输入参数并校验会话凭证仍然有效。
func (d *Driver) analyze(ctx context.Context, exec *Execution, strat *strategy.Strategy) error {
	stepCtx, cancel := d.stepCtx(ctx, exec)
	defer cancel()

	params := &Params{
		Chain:       strat.Config.Chain,
		TokenIn:     strat.Config.TokenIn,
		TokenOut:    strat.Config.TokenOut,
		Amount:      strat.Config.Amount,
		SlippageBps: strat.Config.MaxSlippageBps,
		SessionID:   strat.Config.SessionID,
	}
	if params.SessionID != "" {
		cred, err := d.sessions.Get(stepCtx, params.SessionID)
		if err != nil {
			_, failErr := d.fail(ctx, exec, err, strat)
			return failErr
		}
		if cred.Expired(time.Now()) || cred.Exhausted() {
			_, failErr := d.fail(ctx, exec, xerrors.New(xerrors.CodePolicyBlocked,
				"会话凭证已过期或额度耗尽", xerrors.WithRetryable(false)), strat)
			return failErr
		}
	}

	_, err := d.machine.Transition(ctx, exec.ID, StatePlanning, WithParams(params))
	return err
}

// planAndGate 获取报价、构建交易并通过三层策略闸门。阻断级
// 违规让执行直接进入 failed，绝不进入 executing。
func (d *Driver) planAndGate(ctx context.Context, exec *Execution, strat *strategy.Strategy) (*plan, error) {
	stepCtx, cancel := d.stepCtx(ctx, exec)
	defer cancel()

	built, err := d.buildPlan(stepCtx, exec, strat)
	if err != nil {
		_, failErr := d.fail(ctx, exec, err, strat)
		return nil, failErr
	}

	if built.verdict.Blocked() {
		if d.notifier != nil {
			d.notifier.PolicyViolation(ctx, exec, built.verdict)
		}
		_, failErr := d.fail(ctx, exec, xerrors.New(xerrors.CodePolicyBlocked,
			summarizeViolations(built.verdict), xerrors.WithRetryable(false)), strat)
		return nil, failErr
	}
	if len(built.verdict.Violations) > 0 && d.notifier != nil {
		d.notifier.PolicyViolation(ctx, exec, built.verdict)
	}

	if built.verdict.RequiresApproval {
		_, err = d.machine.Transition(ctx, exec.ID, StateAwaitingApproval,
			WithApprovalRequest(approvalReason(built.verdict)),
			WithParams(exec.Params))
		return built, err
	}
	_, err = d.machine.Transition(ctx, exec.ID, StateExecuting,
		WithReason("策略评估通过"), WithParams(exec.Params))
	return built, err
}

// buildPlan 是纯粹的规划动作：报价、构建、估算、评估。
// 不推进状态，执行阶段缺少内存态时重建会再次调用它。
func (d *Driver) buildPlan(ctx context.Context, exec *Execution, strat *strategy.Strategy) (*plan, error) {
	quote, err := d.quoter.Quote(ctx, strat)
	if err != nil {
		return nil, err
	}
	if strat.Config.MaxSlippageBps > 0 && quote.SlippageBps > strat.Config.MaxSlippageBps {
		// 超限滑点同样交给风险层评估，这里只透传报价值。
		logger.L().Warn("报价滑点超出策略上限",
			slog.String("execution_id", exec.ID),
			slog.Int64("quote_bps", quote.SlippageBps),
			slog.Int64("max_bps", strat.Config.MaxSlippageBps),
		)
	}

	prepared, err := txcoord.BuildSwap(txcoord.SwapQuote{
		Chain:       strat.Config.Chain,
		From:        d.coord.SignerAddress(),
		Router:      quote.Router,
		CallData:    quote.CallData,
		ValueWei:    quote.ValueWei,
		SlippageBps: quote.SlippageBps,
	})
	if err != nil {
		return nil, err
	}
	estimate, err := d.coord.Estimate(ctx, prepared)
	if err != nil {
		return nil, err
	}
	prepared.GasLimit = estimate.GasLimit
	prepared.TipCap = estimate.TipCap
	prepared.FeeCap = estimate.FeeCap

	if exec.Params != nil {
		exec.Params.ValueUSD = quote.ValueUSD
	}

	action := policy.ActionContext{
		Action:      policy.ActionSwap,
		StrategyID:  strat.ID,
		ExecutionID: exec.ID,
		Owner:       exec.Owner,
		Chain:       strat.Config.Chain,
		TokenIn:     strat.Config.TokenIn,
		TokenOut:    strat.Config.TokenOut,
		Contract:    quote.Router.Hex(),
		Amount:      strat.Config.Amount,
		ValueUSD:    quote.ValueUSD,
		SlippageBps: quote.SlippageBps,
		GasUSD:      quote.GasUSD,
	}
	if strat.Config.SessionID != "" {
		cred, err := d.sessions.Get(ctx, strat.Config.SessionID)
		if err == nil {
			action.Credential = cred
		}
	}
	if d.portfolio != nil {
		portfolioUSD, positionUSD, volumeUSD, lossUSD, err := d.portfolio.Snapshot(ctx, exec.Owner)
		if err != nil {
			logger.L().Warn("读取组合快照失败，风险层按零值评估",
				slog.String("owner", exec.Owner),
				slog.String("error", err.Error()),
			)
		} else {
			action.PortfolioUSD = portfolioUSD
			action.PositionUSD = positionUSD
			action.DailyVolumeUSD = volumeUSD
			action.DailyLossUSD = lossUSD
		}
	}

	verdict := d.engine.Evaluate(ctx, action)
	return &plan{quote: quote, prepared: prepared, verdict: verdict}, nil
}

// waitApproval 轮询存储直到审批操作推进状态或超时。
func (d *Driver) waitApproval(ctx context.Context, exec *Execution) error {
	stepCtx, cancel := d.stepCtx(ctx, exec)
	defer cancel()

	ticker := time.NewTicker(d.approvalPoll)
	defer ticker.Stop()
	for {
		fresh, err := d.store.Get(stepCtx, exec.ID)
		if err != nil {
			return err
		}
		if fresh.State != StateAwaitingApproval {
			return nil
		}
		select {
		case <-stepCtx.Done():
			if ctx.Err() != nil {
				// 取消路径，终态转移由 Cancel 落库。
				return nil
			}
			_, err = d.machine.Transition(ctx, exec.ID, StateFailed,
				WithReason("审批超时"),
				WithError(&ErrorInfo{
					Code:        string(xerrors.CodeTimeout),
					Message:     "等待人工审批超时",
					Recoverable: false,
				}))
			return err
		case <-ticker.C:
		}
	}
}

// execute 保留 nonce、签名并广播交易。内存规划缺失时（审批
// 等待跨进程重启）从持久化参数重建并重过一次策略闸门。
func (d *Driver) execute(ctx context.Context, exec *Execution, strat *strategy.Strategy, current *plan) error {
	stepCtx, cancel := d.stepCtx(ctx, exec)
	defer cancel()

	if current == nil {
		rebuilt, err := d.buildPlan(stepCtx, exec, strat)
		if err != nil {
			_, failErr := d.fail(ctx, exec, err, strat)
			return failErr
		}
		if rebuilt.verdict.Blocked() {
			_, failErr := d.fail(ctx, exec, xerrors.New(xerrors.CodePolicyBlocked,
				summarizeViolations(rebuilt.verdict), xerrors.WithRetryable(false)), strat)
			return failErr
		}
		current = rebuilt
	}

	status, err := d.coord.Send(stepCtx, current.prepared)
	if err != nil {
		_, failErr := d.fail(ctx, exec, err, strat)
		return failErr
	}

	outcome := &Outcome{TxHash: status.Hash.Hex(), Nonce: status.Nonce, AmountOut: current.quote.AmountOut}
	_, err = d.machine.Transition(ctx, exec.ID, StateMonitoring,
		WithReason("交易已广播"), WithResult(outcome))
	return err
}

// monitor 跟踪交易确认。已广播的交易即使执行被取消也要跟踪
// 到底，因此监控使用与取消解耦的上下文。返回值 done 表示执行
// 已进入终态；false 表示结局未知，保持 monitoring 等待重查。
func (d *Driver) monitor(ctx context.Context, exec *Execution, strat *strategy.Strategy) (bool, error) {
	if exec.Result == nil || exec.Result.TxHash == "" {
		_, failErr := d.fail(ctx, exec, xerrors.New(xerrors.CodeUnknown,
			"监控状态缺少交易哈希", xerrors.WithRetryable(false)), strat)
		return true, failErr
	}

	detached := context.WithoutCancel(ctx)
	status := &txcoord.TransactionStatus{Hash: common.HexToHash(exec.Result.TxHash), Nonce: exec.Result.Nonce}
	final, err := d.coord.Monitor(detached, exec.Params.Chain, status)
	if final == nil {
		_, failErr := d.fail(detached, exec, err, strat)
		return true, failErr
	}

	switch final.State {
	case txcoord.StateConfirmed:
		exec.Result.BlockNumber = final.BlockNumber
		exec.Result.GasUsed = final.GasUsed
		if _, err := d.machine.Transition(detached, exec.ID, StateCompleted,
			WithReason("交易确认"), WithResult(exec.Result)); err != nil {
			return true, err
		}
		d.recordOutcome(detached, exec, strat, true)
		return true, nil
	case txcoord.StateReverted:
		_, failErr := d.fail(detached, exec, err, strat)
		return true, failErr
	default:
		// 结局未知：只记录错误字段,状态保持 monitoring,绝不重发。
		exec.Error = &ErrorInfo{
			Code:        string(xerrors.CodeTimeoutAmbiguous),
			Message:     "交易确认超时，等待重新查询",
			Recoverable: true,
		}
		if updateErr := d.store.Update(detached, exec); updateErr != nil {
			return false, updateErr
		}
		logger.L().Warn("交易结局未知，保持监控状态",
			slog.String("execution_id", exec.ID),
			slog.String("tx_hash", exec.Result.TxHash),
		)
		return false, nil
	}
}

// fail 把执行转入 failed 终态并维护策略的连续失败计数。
func (d *Driver) fail(ctx context.Context, exec *Execution, cause error, strat *strategy.Strategy) (*Execution, error) {
	info := &ErrorInfo{
		Code:        string(xerrors.CodeOf(cause)),
		Message:     cause.Error(),
		Recoverable: xerrors.RetryableError(cause),
	}
	failed, err := d.machine.Transition(ctx, exec.ID, StateFailed,
		WithError(info), WithRetryCount(exec.RetryCount))
	if err != nil {
		return failed, err
	}
	d.recordOutcome(ctx, exec, strat, false)
	return failed, nil
}

// recordOutcome 回写策略失败计数与会话用量。会话用量只在
// 交易确认后累计，评估阶段绝不扣减。
func (d *Driver) recordOutcome(ctx context.Context, exec *Execution, strat *strategy.Strategy, succeeded bool) {
	if succeeded && exec.Params != nil && exec.Params.SessionID != "" {
		if err := d.sessions.RecordUsage(ctx, exec.Params.SessionID, exec.Params.ValueUSD); err != nil {
			logger.L().Error("回写会话用量失败",
				slog.String("session_id", exec.Params.SessionID),
				slog.String("error", err.Error()),
			)
		}
	}

	failStreak, err := d.strategies.RecordOutcome(ctx, strat.ID, succeeded)
	if err != nil {
		logger.L().Error("回写策略执行结果失败",
			slog.String("strategy_id", strat.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	if !succeeded && failStreak >= d.failPauseThreshold {
		if err := d.strategies.UpdateStatus(ctx, strat.ID, strategy.StatusPaused); err != nil {
			if !stdErrors.Is(err, strategy.ErrStrategyConflict) {
				logger.L().Error("自动暂停策略失败",
					slog.String("strategy_id", strat.ID),
					slog.String("error", err.Error()),
				)
			}
			return
		}
		logger.Audit().Warn("策略因连续失败被自动暂停",
			slog.String("strategy_id", strat.ID),
			slog.Int("fail_streak", failStreak),
		)
	}
}

func summarizeViolations(result policy.Result) string {
	parts := make([]string, 0, len(result.Violations))
	for _, v := range result.Violations {
		if v.Blocking() {
			parts = append(parts, v.Layer+"/"+v.Rule+": "+v.Message)
		}
	}
	if len(parts) == 0 {
		return "策略评估未通过"
	}
	return strings.Join(parts, "; ")
}

func approvalReason(result policy.Result) string {
	if len(result.Violations) > 0 {
		return "风险评分或警告触达人工确认阈值: " + result.Violations[0].Message
	}
	return "风险评分触达人工确认阈值"
}
