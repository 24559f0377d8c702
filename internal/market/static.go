// Package market supplies executable swap quotes. Routing and pricing are a
// venue concern; the orchestrator only consumes their results, so the static
// quoter here prices against a catalog file and emits router calldata the
// transaction builder can broadcast as-is.
package market

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/execution"
	"ChainPilot/internal/strategy"
)

// Venue 描述一条链上的撮合路由。
type Venue struct {
	Chain  string `json:"chain"`
	Router string `json:"router"`
	// SpreadBps 是该 venue 的预期滑点，报价时原样带出，
	// 由策略层与用户的滑点上限比较。
	SpreadBps int64 `json:"spread_bps"`
	// GasUSD 是该 venue 单笔交易的估算成本。
	GasUSD decimal.Decimal `json:"gas_usd"`
}

// Catalog 是静态报价目录：每链一个 venue，外加代币的美元价格表。
type Catalog struct {
	Venues []Venue                    `json:"venues"`
	Prices map[string]decimal.Decimal `json:"prices"`
}

// StaticQuoter 基于静态目录计算报价。
type StaticQuoter struct {
	venues map[string]Venue
	prices map[string]decimal.Decimal
}

// swapSelector 是路由合约 swapExactTokensForTokens 的函数选择子。
var swapSelector = []byte{0x38, 0xed, 0x17, 0x39}

// NewStaticQuoter 构造静态报价器。
func NewStaticQuoter(catalog Catalog) (*StaticQuoter, error) {
	venues := make(map[string]Venue, len(catalog.Venues))
	for _, venue := range catalog.Venues {
		chain := strings.ToLower(strings.TrimSpace(venue.Chain))
		if chain == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "venue 缺少链标识")
		}
		if !common.IsHexAddress(venue.Router) {
			return nil, xerrors.New(xerrors.CodeInvalidArgument,
				"venue 路由地址无效: "+venue.Router)
		}
		venues[chain] = venue
	}
	prices := make(map[string]decimal.Decimal, len(catalog.Prices))
	for symbol, price := range catalog.Prices {
		if price.LessThanOrEqual(decimal.Zero) {
			return nil, xerrors.New(xerrors.CodeInvalidArgument,
				"代币价格必须大于零: "+symbol)
		}
		prices[strings.ToUpper(strings.TrimSpace(symbol))] = price
	}
	return &StaticQuoter{venues: venues, prices: prices}, nil
}

// LoadStaticQuoter 从 JSON 文件加载报价目录。
func LoadStaticQuoter(path string) (*StaticQuoter, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("报价目录文件路径不能为空")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("解析报价目录路径失败: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("读取报价目录失败: %w", err)
	}
	defer file.Close()

	var catalog Catalog
	if err := json.NewDecoder(file).Decode(&catalog); err != nil {
		return nil, fmt.Errorf("解析报价目录失败: %w", err)
	}
	return NewStaticQuoter(catalog)
}

// Quote 实现 execution.Quoter。
func (q *StaticQuoter) Quote(_ context.Context, strat *strategy.Strategy) (*execution.Quote, error) {
	if strat == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "strategy 不能为空")
	}
	venue, ok := q.venues[strings.ToLower(strat.Config.Chain)]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound,
			"链上没有可用的撮合 venue: "+strat.Config.Chain)
	}
	priceIn, err := q.price(strat.Config.TokenIn)
	if err != nil {
		return nil, err
	}
	priceOut, err := q.price(strat.Config.TokenOut)
	if err != nil {
		return nil, err
	}

	valueUSD := strat.Config.Amount.Mul(priceIn)
	idealOut := valueUSD.Div(priceOut)
	spread := decimal.NewFromInt(venue.SpreadBps).Div(decimal.NewFromInt(10_000))
	amountOut := idealOut.Mul(decimal.NewFromInt(1).Sub(spread))

	return &execution.Quote{
		Router:      common.HexToAddress(venue.Router),
		CallData:    buildSwapCallData(strat.Config.Amount, amountOut),
		ValueWei:    big.NewInt(0),
		AmountOut:   amountOut,
		ValueUSD:    valueUSD,
		GasUSD:      venue.GasUSD,
		SlippageBps: venue.SpreadBps,
	}, nil
}

func (q *StaticQuoter) price(symbol string) (decimal.Decimal, error) {
	price, ok := q.prices[strings.ToUpper(strings.TrimSpace(symbol))]
	if !ok {
		return decimal.Decimal{}, xerrors.New(xerrors.CodeNotFound,
			"价格表缺少代币: "+symbol)
	}
	return price, nil
}

// buildSwapCallData 拼出路由合约的调用数据：选择子 + 输入量 +
// 最小输出量，数值按 18 位精度放大后左填充到 32 字节。
func buildSwapCallData(amountIn, minOut decimal.Decimal) []byte {
	data := make([]byte, 0, 4+2*32)
	data = append(data, swapSelector...)
	data = append(data, common.LeftPadBytes(scaleTo18(amountIn).Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(scaleTo18(minOut).Bytes(), 32)...)
	return data
}

func scaleTo18(value decimal.Decimal) *big.Int {
	return value.Shift(18).Truncate(0).BigInt()
}

// Ensure StaticQuoter 实现 execution.Quoter 接口。
var _ execution.Quoter = (*StaticQuoter)(nil)
