package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"futuresagent/assembler"
	"futuresagent/exchange"
	"futuresagent/store"
)

type fakeAdapter struct {
	exchange.Adapter
	account       exchange.Account
	positions     []exchange.Position
	ticker        map[string]exchange.Ticker
	openCalls     []string
	closeCalls    []string
	leverageCalls []int
	openErr       error
	closeErr      error
}

func (f *fakeAdapter) GetAccount(ctx context.Context) (exchange.Account, error) {
	return f.account, nil
}

func (f *fakeAdapter) GetPositions(ctx context.Context) ([]exchange.Position, error) {
	return f.positions, nil
}

func (f *fakeAdapter) GetOpenOrders(ctx context.Context, symbol string) ([]exchange.Order, error) {
	return nil, nil
}

func (f *fakeAdapter) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]exchange.Kline, error) {
	return nil, nil
}

func (f *fakeAdapter) GetTicker(ctx context.Context, symbol string) (exchange.Ticker, error) {
	return f.ticker[symbol], nil
}

func (f *fakeAdapter) GetFundingRate(ctx context.Context, symbol string) (exchange.FundingRate, error) {
	return exchange.FundingRate{}, errors.New("no data")
}

func (f *fakeAdapter) GetOpenInterest(ctx context.Context, symbol string) (exchange.OpenInterest, error) {
	return exchange.OpenInterest{}, errors.New("no data")
}

func (f *fakeAdapter) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	f.leverageCalls = append(f.leverageCalls, leverage)
	return nil
}

func (f *fakeAdapter) OpenLong(ctx context.Context, symbol string, qty float64, leverage int, slRef, tpRef float64) (exchange.OrderResult, error) {
	f.openCalls = append(f.openCalls, symbol)
	if f.openErr != nil {
		return exchange.OrderResult{}, f.openErr
	}
	return exchange.OrderResult{OrderID: "order-1", Symbol: symbol, Status: "filled", AvgPrice: f.ticker[symbol].Last, Qty: qty}, nil
}

func (f *fakeAdapter) OpenShort(ctx context.Context, symbol string, qty float64, leverage int, slRef, tpRef float64) (exchange.OrderResult, error) {
	f.openCalls = append(f.openCalls, symbol)
	if f.openErr != nil {
		return exchange.OrderResult{}, f.openErr
	}
	return exchange.OrderResult{OrderID: "order-1", Symbol: symbol, Status: "filled", AvgPrice: f.ticker[symbol].Last, Qty: qty}, nil
}

func (f *fakeAdapter) ClosePosition(ctx context.Context, symbol string, side exchange.Side, qty float64) (exchange.OrderResult, error) {
	f.closeCalls = append(f.closeCalls, symbol)
	if f.closeErr != nil {
		return exchange.OrderResult{}, f.closeErr
	}
	return exchange.OrderResult{OrderID: "order-2", Symbol: symbol, Status: "filled", Qty: qty}, nil
}

type fakeGateway struct {
	reply string
	err   error
}

func (g *fakeGateway) Chat(ctx context.Context, systemText, userText string, temperature float64) (string, error) {
	if g.err != nil {
		return "", g.err
	}
	return g.reply, nil
}

func newTestRunner(t *testing.T, adapter *fakeAdapter, gw *fakeGateway) (*Runner, *store.Store) {
	t.Helper()
	st, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	asm := assembler.New(adapter, assembler.Config{})
	return New(adapter, gw, asm, st, 0.3), st
}

func TestRunCycle_HappyPathOpensClampedPosition(t *testing.T) {
	adapter := &fakeAdapter{
		account: exchange.Account{TotalEquity: 10000, TotalMarginBalance: 10000},
		ticker:  map[string]exchange.Ticker{"BTC/USDT:USDT": {Last: 60000}},
	}
	reply := "analysis...\n```json\n" +
		`[{"symbol":"BTC/USDT:USDT","action":"open_long","leverage":10,"position_size_usd":2000,"confidence":80,"reasoning":"x"}]` +
		"\n```"
	gw := &fakeGateway{reply: reply}
	r, st := newTestRunner(t, adapter, gw)

	sess, err := st.Session().CreateIfNoneRunning(10000, []string{"BTC/USDT:USDT"}, store.RiskParams{
		MaxLeverage: 5, MaxNotionalPerTrade: 1000, MaxDrawdownPct: 10, MaxPositions: 3, MaxTotalExposure: 5000,
	}, 60)
	require.NoError(t, err)

	require.NoError(t, r.RunCycle(context.Background(), sess))

	require.Len(t, adapter.openCalls, 1)
	assert.Equal(t, []int{5}, adapter.leverageCalls)

	got, err := st.Session().GetByID(sess.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.CycleCount)
	assert.Empty(t, got.LastError)

	records, err := st.CycleRecord().ListBySession(sess.ID, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, store.StageAudit, records[0].Stage)

	var results []store.ExecutionResult
	require.NoError(t, json.Unmarshal(records[0].ExecutionResults, &results))
	require.Len(t, results, 1)
	assert.Equal(t, store.ExecStatusFilled, results[0].Status)
}

func TestRunCycle_LLMFailureAbortsButStillAdvancesCounter(t *testing.T) {
	adapter := &fakeAdapter{account: exchange.Account{TotalEquity: 10000}}
	gw := &fakeGateway{err: errors.New("provider unreachable")}
	r, st := newTestRunner(t, adapter, gw)

	sess, err := st.Session().CreateIfNoneRunning(10000, []string{"BTC/USDT:USDT"}, store.RiskParams{}, 60)
	require.NoError(t, err)

	require.NoError(t, r.RunCycle(context.Background(), sess))

	got, err := st.Session().GetByID(sess.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.CycleCount)
	assert.Contains(t, got.LastError, "llm_failed")
	assert.Empty(t, adapter.openCalls)
}

func TestRunCycle_ProseOnlyReplyRunsZeroExecutions(t *testing.T) {
	adapter := &fakeAdapter{account: exchange.Account{TotalEquity: 10000}}
	gw := &fakeGateway{reply: "the market looks uncertain, holding for now"}
	r, st := newTestRunner(t, adapter, gw)

	sess, err := st.Session().CreateIfNoneRunning(10000, []string{"BTC/USDT:USDT"}, store.RiskParams{}, 60)
	require.NoError(t, err)

	require.NoError(t, r.RunCycle(context.Background(), sess))

	got, err := st.Session().GetByID(sess.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.CycleCount)
	assert.Empty(t, got.LastError)
	assert.Empty(t, adapter.openCalls)
}

func TestRunCycle_CloseWithNoMatchingPositionRecordsPositionNotFound(t *testing.T) {
	adapter := &fakeAdapter{account: exchange.Account{TotalEquity: 10000}}
	reply := "```json\n" +
		`[{"symbol":"ETH/USDT:USDT","action":"close_long","reasoning":"no longer needed"}]` +
		"\n```"
	gw := &fakeGateway{reply: reply}
	r, st := newTestRunner(t, adapter, gw)

	sess, err := st.Session().CreateIfNoneRunning(10000, []string{"ETH/USDT:USDT"}, store.RiskParams{}, 60)
	require.NoError(t, err)

	require.NoError(t, r.RunCycle(context.Background(), sess))

	records, err := st.CycleRecord().ListBySession(sess.ID, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)

	var results []store.ExecutionResult
	require.NoError(t, json.Unmarshal(records[0].ExecutionResults, &results))
	require.Len(t, results, 1)
	assert.Equal(t, store.ExecStatusPositionNotFound, results[0].Status)
	assert.Empty(t, adapter.closeCalls)
}

func TestRunCycle_PortfolioExposureRejectionSendsNoOrders(t *testing.T) {
	adapter := &fakeAdapter{
		account: exchange.Account{TotalEquity: 10000, TotalMarginBalance: 10000},
		ticker: map[string]exchange.Ticker{
			"BTC/USDT:USDT": {Last: 60000},
			"ETH/USDT:USDT": {Last: 3000},
		},
	}
	reply := "```json\n" + `[
		{"symbol":"BTC/USDT:USDT","action":"open_long","leverage":5,"position_size_usd":2000,"confidence":80,"reasoning":"x"},
		{"symbol":"ETH/USDT:USDT","action":"open_long","leverage":5,"position_size_usd":2000,"confidence":80,"reasoning":"y"}
	]` + "\n```"
	gw := &fakeGateway{reply: reply}
	r, st := newTestRunner(t, adapter, gw)

	sess, err := st.Session().CreateIfNoneRunning(10000, []string{"BTC/USDT:USDT", "ETH/USDT:USDT"}, store.RiskParams{
		MaxLeverage: 10, MaxNotionalPerTrade: 5000, MaxDrawdownPct: 50, MaxPositions: 5, MaxTotalExposure: 1000,
	}, 60)
	require.NoError(t, err)

	require.NoError(t, r.RunCycle(context.Background(), sess))
	assert.Empty(t, adapter.openCalls)

	records, err := st.CycleRecord().ListBySession(sess.ID, 0)
	require.NoError(t, err)
	var results []store.ExecutionResult
	require.NoError(t, json.Unmarshal(records[0].ExecutionResults, &results))
	for _, res := range results {
		assert.Equal(t, store.ExecStatusRejected, res.Status)
	}
}
