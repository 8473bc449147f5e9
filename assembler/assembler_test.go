package assembler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"futuresagent/exchange"
)

type fakeAdapter struct {
	exchange.Adapter
	account   exchange.Account
	positions []exchange.Position
	orders    map[string][]exchange.Order
	klines    map[string][]exchange.Kline
	ticker    map[string]exchange.Ticker
	tickerErr map[string]error
}

func (f *fakeAdapter) GetAccount(ctx context.Context) (exchange.Account, error) {
	return f.account, nil
}

func (f *fakeAdapter) GetPositions(ctx context.Context) ([]exchange.Position, error) {
	return f.positions, nil
}

func (f *fakeAdapter) GetOpenOrders(ctx context.Context, symbol string) ([]exchange.Order, error) {
	return f.orders[symbol], nil
}

func (f *fakeAdapter) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]exchange.Kline, error) {
	return f.klines[symbol], nil
}

func (f *fakeAdapter) GetTicker(ctx context.Context, symbol string) (exchange.Ticker, error) {
	if err, ok := f.tickerErr[symbol]; ok {
		return exchange.Ticker{}, err
	}
	return f.ticker[symbol], nil
}

func (f *fakeAdapter) GetFundingRate(ctx context.Context, symbol string) (exchange.FundingRate, error) {
	return exchange.FundingRate{}, errors.New("no data")
}

func (f *fakeAdapter) GetOpenInterest(ctx context.Context, symbol string) (exchange.OpenInterest, error) {
	return exchange.OpenInterest{}, errors.New("no data")
}

func sampleKlines(n int, start float64) []exchange.Kline {
	out := make([]exchange.Kline, n)
	for i := 0; i < n; i++ {
		price := start + float64(i)
		out[i] = exchange.Kline{Open: price, High: price + 1, Low: price - 1, Close: price, Volume: 100}
	}
	return out
}

func TestAssemble_ProducesBundleWithAccountFigures(t *testing.T) {
	fake := &fakeAdapter{
		account: exchange.Account{TotalEquity: 10000, AvailableBalance: 7000, TotalUnrealizedPnL: 50, TotalMarginBalance: 10050},
		klines: map[string][]exchange.Kline{
			"BTC/USDT:USDT": sampleKlines(60, 60000),
			"ETH/USDT:USDT": sampleKlines(60, 3000),
		},
		ticker: map[string]exchange.Ticker{
			"BTC/USDT:USDT": {Last: 60100},
			"ETH/USDT:USDT": {Last: 3050},
		},
		orders: map[string][]exchange.Order{},
	}

	a := New(fake, Config{})
	bundle, err := a.Assemble(context.Background(), "sess-1", []string{"ETH/USDT:USDT"}, 3, time.Now().Add(-5*time.Minute))
	require.NoError(t, err)

	assert.Equal(t, 10000.0, bundle.AccountEquity)
	assert.Equal(t, 50.0, bundle.UnrealizedPnL)
	assert.Equal(t, 10050.0, bundle.TotalAsset)
	assert.Contains(t, bundle.UserPrompt, "ETH/USDT:USDT")
	assert.Contains(t, bundle.UserPrompt, "Cycle: #3")
}

func TestAssemble_TickerFailureIsRecoverable(t *testing.T) {
	fake := &fakeAdapter{
		account: exchange.Account{TotalEquity: 10000, TotalMarginBalance: 10000},
		ticker:  map[string]exchange.Ticker{},
		tickerErr: map[string]error{
			"DOGE/USDT:USDT": errors.New("symbol not found"),
		},
		klines: map[string][]exchange.Kline{},
		orders: map[string][]exchange.Order{},
	}

	a := New(fake, Config{})
	bundle, err := a.Assemble(context.Background(), "sess-1", []string{"DOGE/USDT:USDT"}, 1, time.Now())
	require.NoError(t, err)
	assert.Contains(t, bundle.UserPrompt, "data unavailable")
}

func TestAssemble_AccountFailureIsUnrecoverable(t *testing.T) {
	fake := &failingAccountAdapter{}
	a := New(fake, Config{})
	_, err := a.Assemble(context.Background(), "sess-1", nil, 1, time.Now())
	require.Error(t, err)
}

type failingAccountAdapter struct {
	exchange.Adapter
}

func (f *failingAccountAdapter) GetAccount(ctx context.Context) (exchange.Account, error) {
	return exchange.Account{}, errors.New("exchange unreachable")
}

func TestMatchLinkedOrders_IdentifiesTPAndSL(t *testing.T) {
	pos := exchange.Position{Symbol: "BTC/USDT:USDT", Side: exchange.SideLong}
	orders := []exchange.Order{
		{Symbol: "BTC/USDT:USDT", Side: exchange.SideShort, Type: "take_profit_market", StopPrice: 65000},
		{Symbol: "BTC/USDT:USDT", Side: exchange.SideShort, Type: "stop_market", StopPrice: 58000},
		{Symbol: "BTC/USDT:USDT", Side: exchange.SideLong, Type: "limit", StopPrice: 0},
	}
	tp, sl := matchLinkedOrders(pos, orders)
	require.NotNil(t, tp)
	require.NotNil(t, sl)
	assert.Equal(t, 65000.0, tp.StopPrice)
	assert.Equal(t, 58000.0, sl.StopPrice)
}
