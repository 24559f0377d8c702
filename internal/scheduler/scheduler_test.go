package scheduler

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"ChainPilot/internal/strategy"
)

func newScheduledStrategy(t *testing.T, store strategy.Store, id, schedule string) *strategy.Strategy {
	t.Helper()
	strat := &strategy.Strategy{
		ID:    id,
		Owner: "0xabc",
		Type:  strategy.TypePeriodicBuy,
		Config: strategy.Config{
			Chain:     "local",
			TokenIn:   "USDC",
			TokenOut:  "WETH",
			Amount:    decimal.NewFromInt(100),
			Schedule:  schedule,
			SessionID: "sess-1",
		},
		Status: strategy.StatusActive,
	}
	if err := store.Create(context.Background(), strat); err != nil {
		t.Fatalf("创建策略失败: %v", err)
	}
	return strat
}

func TestRegisterRejectsInvalidSchedule(t *testing.T) {
	store := strategy.NewMemoryStore()
	sched := New(store, func(context.Context, string) {})
	strat := newScheduledStrategy(t, store, "strat-1", "not a cron spec")

	if err := sched.Register(strat); err == nil {
		t.Fatal("非法 cron 表达式应当报错")
	}
}

func TestManualFireInvokesTrigger(t *testing.T) {
	store := strategy.NewMemoryStore()

	var mu sync.Mutex
	fired := make([]string, 0)
	sched := New(store, func(_ context.Context, strategyID string) {
		mu.Lock()
		defer mu.Unlock()
		fired = append(fired, strategyID)
	})
	newScheduledStrategy(t, store, "strat-1", "@hourly")

	sched.Fire("strat-1")

	mu.Lock()
	defer mu.Unlock()
	if len(fired) != 1 || fired[0] != "strat-1" {
		t.Fatalf("触发记录 = %v, 期望 [strat-1]", fired)
	}
}

func TestFireSkipsPausedStrategy(t *testing.T) {
	store := strategy.NewMemoryStore()

	fired := 0
	sched := New(store, func(context.Context, string) { fired++ })
	strat := newScheduledStrategy(t, store, "strat-1", "@hourly")
	if err := sched.Register(strat); err != nil {
		t.Fatalf("注册失败: %v", err)
	}
	if err := store.UpdateStatus(context.Background(), "strat-1", strategy.StatusPaused); err != nil {
		t.Fatalf("暂停策略失败: %v", err)
	}

	sched.Fire("strat-1")
	if fired != 0 {
		t.Fatal("暂停策略不应被触发")
	}
	// 条目应当被顺带移除。
	sched.mu.Lock()
	defer sched.mu.Unlock()
	if _, ok := sched.entries["strat-1"]; ok {
		t.Fatal("暂停策略的调度条目应当被移除")
	}
}
