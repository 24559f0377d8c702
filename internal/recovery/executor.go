package recovery

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/observability/metrics"
	"ChainPilot/pkg/logger"
)

// Operation 是被执行器包裹的一次可失败调用。
type Operation func(ctx context.Context) error

// Fallback 在主依赖熔断打开时提供替代实现，例如备用价格源。
// 替代实现同样失败时向调用方回传原始错误。
type Fallback func(ctx context.Context) error

// RetryPolicy 控制重试与退避行为。
type RetryPolicy struct {
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// Jitter 为退避追加的随机比例上限，取值 [0,1]。
	Jitter float64
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.BaseBackoff <= 0 {
		p.BaseBackoff = 200 * time.Millisecond
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = 10 * time.Second
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		p.Jitter = 0.2
	}
	return p
}

// EscalateFunc 在不可恢复失败或重试耗尽时被调用，
// 由状态机转换为 failed 终态。
type EscalateFunc func(dep string, attempts int, cause error)

// Executor 统一包裹对外部依赖的调用：按声明的错误属性分类、
// 指数退避重试、按依赖维护熔断器。错误只在这一层分类一次，
// 下游不再重新判断可重试性。
type Executor struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	breaker  BreakerConfig
	escalate EscalateFunc
	rand     *rand.Rand
	sleep    func(ctx context.Context, d time.Duration) error
}

// ExecutorOption 定义可选配置。
type ExecutorOption func(*Executor)

// WithBreakerConfig 指定熔断参数。
func WithBreakerConfig(cfg BreakerConfig) ExecutorOption {
	return func(e *Executor) {
		e.breaker = cfg
	}
}

// WithEscalation 配置升级回调。
func WithEscalation(escalate EscalateFunc) ExecutorOption {
	return func(e *Executor) {
		e.escalate = escalate
	}
}

// NewExecutor 构造 Executor。熔断器表由实例显式持有，
// 每进程构造一次，避免环境全局态。
func NewExecutor(opts ...ExecutorOption) *Executor {
	e := &Executor{
		breakers: make(map[string]*CircuitBreaker),
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Run 执行 op，失败时按策略重试。dep 标识外部依赖，
// 同名调用共享一个熔断器。
func (e *Executor) Run(ctx context.Context, dep string, op Operation, policy RetryPolicy) error {
	return e.RunWithFallback(ctx, dep, op, nil, policy)
}

// RunWithFallback 与 Run 相同，但在熔断打开时尝试降级操作。
func (e *Executor) RunWithFallback(ctx context.Context, dep string, op Operation, fallback Fallback, policy RetryPolicy) error {
	policy = policy.withDefaults()
	breaker := e.breakerFor(dep)

	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return xerrors.Wrap(xerrors.CodeTimeout, err, "操作被取消", xerrors.WithRetryable(false))
		}

		if openErr := breaker.Allow(); openErr != nil {
			if fallback != nil {
				if fbErr := fallback(ctx); fbErr == nil {
					return nil
				}
				// 降级失败时回传熔断错误，保留原始语境。
			}
			return openErr
		}

		lastErr = op(ctx)
		if lastErr == nil {
			breaker.RecordSuccess()
			return nil
		}
		breaker.RecordFailure()

		retryable := xerrors.RetryableError(lastErr)
		if !retryable || attempt >= policy.MaxRetries {
			if retryable && attempt >= policy.MaxRetries {
				lastErr = xerrors.Wrap(xerrors.CodeRetriesExhausted, lastErr, "",
					xerrors.WithMetadata("dependency", dep))
			}
			if e.escalate != nil {
				e.escalate(dep, attempt+1, lastErr)
			}
			return lastErr
		}

		delay := e.backoff(policy, attempt)
		metrics.IncRPCRetry(dep)
		logger.L().Debug("依赖调用失败，准备重试",
			slog.String("dependency", dep),
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", delay),
			slog.String("error", lastErr.Error()),
		)
		if err := e.sleep(ctx, delay); err != nil {
			return xerrors.Wrap(xerrors.CodeTimeout, err, "退避等待被取消", xerrors.WithRetryable(false))
		}
	}
}

// BreakerState 返回指定依赖的熔断状态，未注册时视为关闭。
func (e *Executor) BreakerState(dep string) BreakerState {
	e.mu.Lock()
	breaker, ok := e.breakers[dep]
	e.mu.Unlock()
	if !ok {
		return BreakerClosed
	}
	return breaker.State()
}

func (e *Executor) breakerFor(dep string) *CircuitBreaker {
	e.mu.Lock()
	defer e.mu.Unlock()
	breaker, ok := e.breakers[dep]
	if !ok {
		breaker = NewCircuitBreaker(dep, e.breaker)
		e.breakers[dep] = breaker
	}
	return breaker
}

func (e *Executor) backoff(policy RetryPolicy, attempt int) time.Duration {
	delay := policy.BaseBackoff << uint(attempt)
	if delay > policy.MaxBackoff || delay <= 0 {
		delay = policy.MaxBackoff
	}
	if policy.Jitter > 0 {
		e.mu.Lock()
		jitter := time.Duration(e.rand.Int63n(int64(float64(delay)*policy.Jitter) + 1))
		e.mu.Unlock()
		delay += jitter
	}
	return delay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
