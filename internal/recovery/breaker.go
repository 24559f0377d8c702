package recovery

import (
	"sync"
	"time"

	xerrors "ChainPilot/internal/errors"
)

// BreakerState 表示熔断器所处的状态。
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// BreakerConfig 描述单个依赖的熔断参数。
type BreakerConfig struct {
	// FailureThreshold 次连续失败后打开熔断。
	FailureThreshold int
	// SuccessThreshold 次连续成功后从半开恢复关闭。
	SuccessThreshold int
	// Cooldown 是打开状态持续的时长，到期后放行一次探测。
	Cooldown time.Duration
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	return c
}

// CircuitBreaker 为单个外部依赖维护进程内的熔断状态。
// 状态是进程本地的：它保护的是本进程的调用路径，不是集群级限流。
type CircuitBreaker struct {
	mu          sync.Mutex
	name        string
	cfg         BreakerConfig
	state       BreakerState
	failures    int
	successes   int
	lastFailure time.Time
	now         func() time.Time
}

// NewCircuitBreaker 构造熔断器。
func NewCircuitBreaker(name string, cfg BreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		name:  name,
		cfg:   cfg.withDefaults(),
		state: BreakerClosed,
		now:   time.Now,
	}
}

// Allow 判断当前是否放行调用。打开状态在冷却期内直接返回
// CIRCUIT_OPEN；冷却期满后转入半开并放行一次探测。
func (b *CircuitBreaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerOpen:
		if b.now().Sub(b.lastFailure) >= b.cfg.Cooldown {
			b.state = BreakerHalfOpen
			b.successes = 0
			return nil
		}
		return xerrors.New(xerrors.CodeCircuitOpen, "", xerrors.WithMetadata("dependency", b.name))
	default:
		return nil
	}
}

// RecordSuccess 记录一次成功调用。
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.state = BreakerClosed
			b.failures = 0
			b.successes = 0
		}
	default:
		b.failures = 0
	}
}

// RecordFailure 记录一次失败调用。半开状态下任何失败立即重新打开。
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastFailure = b.now()
	switch b.state {
	case BreakerHalfOpen:
		b.state = BreakerOpen
		b.failures = b.cfg.FailureThreshold
		b.successes = 0
	default:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.state = BreakerOpen
		}
	}
}

// State 返回当前状态，供监控与测试使用。
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
