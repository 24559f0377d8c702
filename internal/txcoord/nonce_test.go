package txcoord

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"testing"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	xerrors "ChainPilot/internal/errors"
)

type fakeClient struct {
	mu           sync.Mutex
	name         string
	pendingNonce uint64
	head         uint64
	receipts     map[common.Hash]*types.Receipt
	sendErr      error
	sent         []*types.Transaction
}

func newFakeClient(name string) *fakeClient {
	return &fakeClient{name: name, receipts: make(map[common.Hash]*types.Receipt)}
}

func (f *fakeClient) Name() string { return f.name }

func (f *fakeClient) ChainID(context.Context) (*big.Int, error) { return big.NewInt(1), nil }

func (f *fakeClient) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeClient) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pendingNonce, nil
}

func (f *fakeClient) SuggestFees(context.Context) (*big.Int, *big.Int, error) {
	return big.NewInt(1), big.NewInt(10), nil
}

func (f *fakeClient) EstimateGas(context.Context, gethcore.CallMsg) (uint64, error) {
	return 21000, nil
}

func (f *fakeClient) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeClient) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	receipt, ok := f.receipts[hash]
	if !ok {
		return nil, gethcore.NotFound
	}
	return receipt, nil
}

func (f *fakeClient) BalanceAt(context.Context, common.Address) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (f *fakeClient) Close() {}

var testAddr = common.HexToAddress("0x00000000000000000000000000000000000000aa")

func TestNonceReserveGapFree(t *testing.T) {
	client := newFakeClient("local")
	client.pendingNonce = 7
	manager := NewNonceManager()

	const workers = 16
	results := make([]uint64, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			nonce, err := manager.Reserve(context.Background(), client, testAddr)
			if err != nil {
				t.Errorf("保留 nonce 失败: %v", err)
				return
			}
			results[idx] = nonce
		}(i)
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i] < results[j] })
	for i, nonce := range results {
		if want := uint64(7 + i); nonce != want {
			t.Fatalf("并发保留出现空洞或重复: 位置 %d 期望 %d 实际 %d", i, want, nonce)
		}
	}
}

func TestNonceReleaseExactlyOnce(t *testing.T) {
	client := newFakeClient("local")
	manager := NewNonceManager()

	nonce, err := manager.Reserve(context.Background(), client, testAddr)
	if err != nil {
		t.Fatalf("保留 nonce 失败: %v", err)
	}
	if err := manager.Release(testAddr, "local", nonce); err != nil {
		t.Fatalf("首次释放应当成功: %v", err)
	}
	err = manager.Release(testAddr, "local", nonce)
	if err == nil {
		t.Fatal("重复释放应当报错")
	}
	if code := xerrors.CodeOf(err); code != xerrors.CodeConflict {
		t.Fatalf("重复释放错误码 = %s, 期望 %s", code, xerrors.CodeConflict)
	}

	// 释放后的 nonce 应当被下一次保留复用。
	again, err := manager.Reserve(context.Background(), client, testAddr)
	if err != nil {
		t.Fatalf("再次保留失败: %v", err)
	}
	if again != nonce {
		t.Fatalf("释放的 nonce 未被复用: 期望 %d 实际 %d", nonce, again)
	}
}

func TestNonceConfirmAdvancesBase(t *testing.T) {
	client := newFakeClient("local")
	manager := NewNonceManager()

	first, _ := manager.Reserve(context.Background(), client, testAddr)
	manager.Confirm(testAddr, "local", first)

	next, err := manager.Reserve(context.Background(), client, testAddr)
	if err != nil {
		t.Fatalf("保留失败: %v", err)
	}
	if next != first+1 {
		t.Fatalf("确认后基准未推进: 期望 %d 实际 %d", first+1, next)
	}
}

func TestNonceSyncDetectsExternalTransactions(t *testing.T) {
	client := newFakeClient("local")
	manager := NewNonceManager()

	nonce, _ := manager.Reserve(context.Background(), client, testAddr)
	if nonce != 0 {
		t.Fatalf("初始 nonce = %d, 期望 0", nonce)
	}

	// 同一地址在系统外发出交易，链上 nonce 前进到 5。
	client.mu.Lock()
	client.pendingNonce = 5
	client.mu.Unlock()

	if err := manager.SyncOnce(context.Background(), client, testAddr); err != nil {
		t.Fatalf("对账失败: %v", err)
	}
	next, err := manager.Reserve(context.Background(), client, testAddr)
	if err != nil {
		t.Fatalf("保留失败: %v", err)
	}
	if next != 5 {
		t.Fatalf("对账后应从链上观测值继续发放: 期望 5 实际 %d", next)
	}
	if manager.InFlight(testAddr, "local") != 1 {
		t.Fatalf("被链上覆盖的保留项应当被丢弃")
	}
}
