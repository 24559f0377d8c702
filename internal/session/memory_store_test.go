package session

import (
	"context"
	stdErrors "errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func testCredential(id string) *Credential {
	return &Credential{
		ID:                 id,
		Owner:              "alice",
		Permissions:        []Permission{PermissionSwap},
		PerTxLimitUSD:      decimal.NewFromInt(1000),
		CumulativeLimitUSD: decimal.NewFromInt(5000),
		AllowedChains:      []string{"ethereum"},
		ExpiresAt:          time.Now().Add(24 * time.Hour),
		MaxUses:            5,
	}
}

func TestMemoryStorePutGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Put(ctx, testCredential("cred-1")); err != nil {
		t.Fatalf("写入失败: %v", err)
	}
	got, err := store.Get(ctx, "cred-1")
	if err != nil {
		t.Fatalf("读取失败: %v", err)
	}
	if got.Owner != "alice" {
		t.Fatalf("凭证内容不符: %+v", got)
	}

	// 返回副本，外部修改不得污染存储。
	got.AllowedChains[0] = "polygon"
	again, _ := store.Get(ctx, "cred-1")
	if again.AllowedChains[0] != "ethereum" {
		t.Fatal("Get 必须返回副本")
	}

	if _, err := store.Get(ctx, "missing"); !stdErrors.Is(err, ErrCredentialNotFound) {
		t.Fatalf("缺失凭证应返回 NOT_FOUND: %v", err)
	}
	if err := store.Put(ctx, &Credential{}); err == nil {
		t.Fatal("空 ID 凭证应拒绝写入")
	}
}

func TestMemoryStoreRecordUsage(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Put(ctx, testCredential("cred-1")); err != nil {
		t.Fatalf("写入失败: %v", err)
	}

	if err := store.RecordUsage(ctx, "cred-1", decimal.NewFromInt(300)); err != nil {
		t.Fatalf("用量回写失败: %v", err)
	}
	if err := store.RecordUsage(ctx, "cred-1", decimal.NewFromInt(200)); err != nil {
		t.Fatalf("用量回写失败: %v", err)
	}

	got, _ := store.Get(ctx, "cred-1")
	if !got.SpentUSD.Equal(decimal.NewFromInt(500)) {
		t.Fatalf("累计花费应为 500, got %s", got.SpentUSD)
	}
	if got.Uses != 2 {
		t.Fatalf("使用次数应为 2, got %d", got.Uses)
	}

	if err := store.RecordUsage(ctx, "missing", decimal.NewFromInt(1)); !stdErrors.Is(err, ErrCredentialNotFound) {
		t.Fatalf("缺失凭证的回写应返回 NOT_FOUND: %v", err)
	}
}

func TestCredentialExhausted(t *testing.T) {
	cred := testCredential("cred-1")
	cred.Uses = 5
	if !cred.Exhausted() {
		t.Fatal("次数达到上限应判定耗尽")
	}

	cred = testCredential("cred-1")
	cred.SpentUSD = decimal.NewFromInt(5000)
	if !cred.Exhausted() {
		t.Fatal("累计花费达到上限应判定耗尽")
	}

	var nilCred *Credential
	if !nilCred.Exhausted() || !nilCred.Expired(time.Now()) {
		t.Fatal("nil 凭证应视为耗尽且过期")
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessions.json")
	payload := `[
  {
    "id": "cred-1",
    "owner": "alice",
    "permissions": ["swap"],
    "per_tx_limit_usd": "1000",
    "cumulative_limit_usd": "5000",
    "allowed_chains": ["ethereum"],
    "expires_at": "2030-01-01T00:00:00Z",
    "max_uses": 10
  },
  {
    "id": "cred-2",
    "owner": "bob",
    "permissions": ["transfer"]
  }
]`
	if err := os.WriteFile(path, []byte(payload), 0o600); err != nil {
		t.Fatalf("写入测试文件失败: %v", err)
	}

	store := NewMemoryStore()
	count, err := LoadFile(context.Background(), path, store)
	if err != nil {
		t.Fatalf("加载失败: %v", err)
	}
	if count != 2 {
		t.Fatalf("应加载 2 条凭证, got %d", count)
	}

	cred, err := store.Get(context.Background(), "cred-1")
	if err != nil {
		t.Fatalf("读取失败: %v", err)
	}
	if !cred.PerTxLimitUSD.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("额度解析不符: %s", cred.PerTxLimitUSD)
	}
	if !cred.Grants(PermissionSwap) {
		t.Fatal("权限解析不符")
	}

	if _, err := LoadFile(context.Background(), filepath.Join(dir, "missing.json"), store); err == nil {
		t.Fatal("缺失文件应返回错误")
	}
	if _, err := LoadFile(context.Background(), "", store); err == nil {
		t.Fatal("空路径应返回错误")
	}
}
