package strategy

import (
	"context"
	stdErrors "errors"
	"testing"

	"github.com/shopspring/decimal"

	xerrors "ChainPilot/internal/errors"
)

func testStrategy(id string) *Strategy {
	return &Strategy{
		ID:    id,
		Owner: "alice",
		Type:  TypePeriodicBuy,
		Config: Config{
			Chain:          "ethereum",
			TokenIn:        "USDC",
			TokenOut:       "WETH",
			Amount:         decimal.NewFromInt(500),
			Schedule:       "0 9 * * 1",
			MaxSlippageBps: 50,
			SessionID:      "sess-1",
		},
		Status: StatusActive,
	}
}

func TestValidate(t *testing.T) {
	if err := testStrategy("s1").Validate(); err != nil {
		t.Fatalf("合法策略不应校验失败: %v", err)
	}

	bad := testStrategy("s1")
	bad.Owner = "  "
	if xerrors.CodeOf(bad.Validate()) != xerrors.CodeInvalidArgument {
		t.Fatal("空 owner 应返回 INVALID_ARGUMENT")
	}

	bad = testStrategy("s1")
	bad.Type = "martingale"
	if bad.Validate() == nil {
		t.Fatal("未知策略类型应校验失败")
	}

	bad = testStrategy("s1")
	bad.Config.Amount = decimal.Zero
	if bad.Validate() == nil {
		t.Fatal("零金额应校验失败")
	}

	bad = testStrategy("s1")
	bad.Config.MaxSlippageBps = 20000
	if bad.Validate() == nil {
		t.Fatal("滑点超出 10000bps 应校验失败")
	}

	// 无凭证的动作在会话层必然被阻断，入库前就拒绝。
	bad = testStrategy("s1")
	bad.Config.SessionID = ""
	if xerrors.CodeOf(bad.Validate()) != xerrors.CodeInvalidArgument {
		t.Fatal("缺失会话凭证绑定应返回 INVALID_ARGUMENT")
	}
}

func TestMemoryStoreCreateAndGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	s := testStrategy("s1")
	if err := store.Create(ctx, s); err != nil {
		t.Fatalf("创建失败: %v", err)
	}
	if err := store.Create(ctx, testStrategy("s1")); !stdErrors.Is(err, ErrStrategyConflict) {
		t.Fatalf("重复 ID 应返回冲突: %v", err)
	}

	got, err := store.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("读取失败: %v", err)
	}
	if got.CreatedAt == 0 || got.UpdatedAt == 0 {
		t.Fatal("入库时应填充时间戳")
	}

	// 返回的是副本，外部修改不得污染存储。
	got.Owner = "mallory"
	again, _ := store.Get(ctx, "s1")
	if again.Owner != "alice" {
		t.Fatal("Get 必须返回副本")
	}

	if _, err := store.Get(ctx, "missing"); !stdErrors.Is(err, ErrStrategyNotFound) {
		t.Fatalf("缺失策略应返回 NOT_FOUND: %v", err)
	}
}

func TestMemoryStoreDefaultStatus(t *testing.T) {
	store := NewMemoryStore()
	s := testStrategy("s1")
	s.Status = ""
	if err := store.Create(context.Background(), s); err != nil {
		t.Fatalf("创建失败: %v", err)
	}
	got, _ := store.Get(context.Background(), "s1")
	if got.Status != StatusDraft {
		t.Fatalf("未指定状态应默认为 draft, got %s", got.Status)
	}
}

func TestMemoryStoreListFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	active := testStrategy("s1")
	paused := testStrategy("s2")
	paused.Status = StatusPaused
	other := testStrategy("s3")
	other.Owner = "bob"

	for _, s := range []*Strategy{active, paused, other} {
		if err := store.Create(ctx, s); err != nil {
			t.Fatalf("创建失败: %v", err)
		}
	}

	byOwner, err := store.ListByOwner(ctx, "alice", "")
	if err != nil || len(byOwner) != 2 {
		t.Fatalf("alice 应有 2 条策略: %v %v", byOwner, err)
	}
	onlyActive, _ := store.ListByOwner(ctx, "alice", StatusActive)
	if len(onlyActive) != 1 || onlyActive[0].ID != "s1" {
		t.Fatalf("状态过滤不符: %v", onlyActive)
	}
	allActive, _ := store.ListByStatus(ctx, StatusActive)
	if len(allActive) != 2 {
		t.Fatalf("应有 2 条活跃策略: %v", allActive)
	}
}

func TestMemoryStoreUpdateStatus(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Create(ctx, testStrategy("s1")); err != nil {
		t.Fatalf("创建失败: %v", err)
	}

	if err := store.UpdateStatus(ctx, "s1", StatusPaused); err != nil {
		t.Fatalf("暂停失败: %v", err)
	}
	if err := store.UpdateStatus(ctx, "s1", "frozen"); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("非法状态应拒绝: %v", err)
	}

	if err := store.UpdateStatus(ctx, "s1", StatusArchived); err != nil {
		t.Fatalf("归档失败: %v", err)
	}
	if err := store.UpdateStatus(ctx, "s1", StatusActive); !stdErrors.Is(err, ErrStrategyConflict) {
		t.Fatalf("归档后的状态变更应返回冲突: %v", err)
	}
}

func TestMemoryStoreRecordOutcome(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Create(ctx, testStrategy("s1")); err != nil {
		t.Fatalf("创建失败: %v", err)
	}

	for want := 1; want <= 3; want++ {
		streak, err := store.RecordOutcome(ctx, "s1", false)
		if err != nil || streak != want {
			t.Fatalf("连续失败计数不符: got %d want %d err=%v", streak, want, err)
		}
	}
	streak, err := store.RecordOutcome(ctx, "s1", true)
	if err != nil || streak != 0 {
		t.Fatalf("成功后计数应清零: got %d err=%v", streak, err)
	}
}

func TestCanTrigger(t *testing.T) {
	s := testStrategy("s1")
	if !s.CanTrigger() {
		t.Fatal("活跃策略应允许触发")
	}
	s.Status = StatusPaused
	if s.CanTrigger() {
		t.Fatal("暂停策略不应触发")
	}
	var nilStrategy *Strategy
	if nilStrategy.CanTrigger() {
		t.Fatal("nil 策略不应触发")
	}
}
