package market

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/strategy"
)

func testCatalog() Catalog {
	return Catalog{
		Venues: []Venue{
			{
				Chain:     "ethereum",
				Router:    "0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D",
				SpreadBps: 30,
				GasUSD:    decimal.NewFromInt(5),
			},
		},
		Prices: map[string]decimal.Decimal{
			"USDC": decimal.NewFromInt(1),
			"WETH": decimal.NewFromInt(2000),
		},
	}
}

func testStrategy() *strategy.Strategy {
	return &strategy.Strategy{
		ID:    "strat-1",
		Owner: "alice",
		Type:  strategy.TypePeriodicBuy,
		Config: strategy.Config{
			Chain:     "ethereum",
			TokenIn:   "USDC",
			TokenOut:  "WETH",
			Amount:    decimal.NewFromInt(2000),
			SessionID: "sess-1",
		},
	}
}

func TestStaticQuoterQuote(t *testing.T) {
	quoter, err := NewStaticQuoter(testCatalog())
	if err != nil {
		t.Fatalf("构造报价器失败: %v", err)
	}

	quote, err := quoter.Quote(context.Background(), testStrategy())
	if err != nil {
		t.Fatalf("报价失败: %v", err)
	}

	if !quote.ValueUSD.Equal(decimal.NewFromInt(2000)) {
		t.Fatalf("意外的美元价值: %s", quote.ValueUSD)
	}
	// 2000 USDC 兑 WETH，预期 1 枚再扣 30 bps 点差。
	want := decimal.NewFromFloat(0.997)
	if !quote.AmountOut.Equal(want) {
		t.Fatalf("意外的输出量: got %s want %s", quote.AmountOut, want)
	}
	if quote.SlippageBps != 30 {
		t.Fatalf("意外的滑点: %d", quote.SlippageBps)
	}
	if len(quote.CallData) != 4+2*32 {
		t.Fatalf("意外的 calldata 长度: %d", len(quote.CallData))
	}
	if quote.Router.Hex() != "0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D" {
		t.Fatalf("意外的路由地址: %s", quote.Router.Hex())
	}
}

func TestStaticQuoterUnknownChain(t *testing.T) {
	quoter, err := NewStaticQuoter(testCatalog())
	if err != nil {
		t.Fatalf("构造报价器失败: %v", err)
	}

	strat := testStrategy()
	strat.Config.Chain = "polygon"
	if _, err := quoter.Quote(context.Background(), strat); xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Fatalf("未知链应返回 NOT_FOUND: %v", err)
	}
}

func TestStaticQuoterUnknownToken(t *testing.T) {
	quoter, err := NewStaticQuoter(testCatalog())
	if err != nil {
		t.Fatalf("构造报价器失败: %v", err)
	}

	strat := testStrategy()
	strat.Config.TokenOut = "PEPE"
	if _, err := quoter.Quote(context.Background(), strat); xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Fatalf("未知代币应返回 NOT_FOUND: %v", err)
	}
}

func TestNewStaticQuoterRejectsBadRouter(t *testing.T) {
	catalog := testCatalog()
	catalog.Venues[0].Router = "not-an-address"
	if _, err := NewStaticQuoter(catalog); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("非法路由地址应被拒绝: %v", err)
	}
}
