package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"futuresagent/decision"
	"futuresagent/exchange"
)

func baseParams() Params {
	return Params{
		MaxLeverage:         10,
		MaxNotionalPerTrade: 5000,
		MaxDrawdownPct:      5,
		MaxPositions:        5,
		MaxTotalExposure:    100000,
	}
}

func TestEvaluate_ClampsNotionalAboveMax(t *testing.T) {
	g := New(baseParams())
	d := decision.Decision{Symbol: "BTC/USDT:USDT", Action: decision.ActionOpenLong, Leverage: 3, NotionalUSD: 9000, Confidence: 80}
	result := g.Evaluate([]decision.Decision{d}, 10000, nil, nil)
	require.Len(t, result.Approved, 1)
	assert.Equal(t, StatusClamped, result.Approved[0].Status)
	assert.Equal(t, 5000.0, result.Approved[0].Decision.NotionalUSD)
}

func TestEvaluate_ClampsLeverageAboveMax(t *testing.T) {
	g := New(baseParams())
	d := decision.Decision{Symbol: "BTC/USDT:USDT", Action: decision.ActionOpenLong, Leverage: 20, NotionalUSD: 1000, Confidence: 80}
	result := g.Evaluate([]decision.Decision{d}, 10000, nil, nil)
	require.Len(t, result.Approved, 1)
	assert.Equal(t, 10, result.Approved[0].Decision.Leverage)
}

func TestEvaluate_ClampNeverIncreasesNotionalOrLeverage(t *testing.T) {
	g := New(baseParams())
	d := decision.Decision{Symbol: "BTC/USDT:USDT", Action: decision.ActionOpenLong, Leverage: 5, NotionalUSD: 100, Confidence: 80}
	result := g.Evaluate([]decision.Decision{d}, 10000, nil, nil)
	require.Len(t, result.Approved, 1)
	assert.LessOrEqual(t, result.Approved[0].Decision.NotionalUSD, d.NotionalUSD)
	assert.LessOrEqual(t, result.Approved[0].Decision.Leverage, d.Leverage)
}

func TestEvaluate_DrawdownClampResolvesNotionalDownward(t *testing.T) {
	params := baseParams()
	params.MaxDrawdownPct = 1
	g := New(params)
	d := decision.Decision{
		Symbol: "BTC/USDT:USDT", Action: decision.ActionOpenLong, Leverage: 5,
		NotionalUSD: 2000, StopLossPct: 10, Confidence: 80,
	}
	result := g.Evaluate([]decision.Decision{d}, 10000, nil, nil)
	require.Len(t, result.Approved, 1)
	assert.Equal(t, StatusClamped, result.Approved[0].Status)
	assert.Less(t, result.Approved[0].Decision.NotionalUSD, d.NotionalUSD)

	clampedDrawdown := decisionDrawdownPct(result.Approved[0].Decision.NotionalUSD, d.Leverage, 10, 10000, false)
	assert.LessOrEqual(t, clampedDrawdown, params.MaxDrawdownPct+1e-6)
}

func TestEvaluate_ThreeWarningsRejectsOutright(t *testing.T) {
	g := New(baseParams())
	// Two same-direction opens trigger "low diversification"; the first also
	// has low reward/risk and low confidence, reaching 3 warnings.
	d := decision.Decision{
		Symbol: "BTC/USDT:USDT", Action: decision.ActionOpenLong, Leverage: 3, NotionalUSD: 1000,
		StopLossPrice: 59000, TakeProfitPrice: 59500, Confidence: 40,
	}
	other := decision.Decision{Symbol: "ETH/USDT:USDT", Action: decision.ActionOpenLong, Leverage: 3, NotionalUSD: 500, Confidence: 80}
	prices := map[string]float64{"BTC/USDT:USDT": 60000, "ETH/USDT:USDT": 3000}
	result := g.Evaluate([]decision.Decision{d, other}, 10000, nil, prices)
	require.Len(t, result.Rejected, 1)
	assert.Equal(t, "too many risk signals", result.Rejected[0].Reason)
}

func TestEvaluate_CloseActionsPassThroughUntouched(t *testing.T) {
	g := New(baseParams())
	d := decision.Decision{Symbol: "ETH/USDT:USDT", Action: decision.ActionCloseLong}
	result := g.Evaluate([]decision.Decision{d}, 10000, nil, nil)
	require.Len(t, result.Approved, 1)
	assert.Equal(t, StatusApproved, result.Approved[0].Status)
}

func TestEvaluate_PortfolioExposureRejectsAllNewOpens(t *testing.T) {
	params := baseParams()
	params.MaxTotalExposure = 1000
	g := New(params)
	decisions := []decision.Decision{
		{Symbol: "BTC/USDT:USDT", Action: decision.ActionOpenLong, Leverage: 3, NotionalUSD: 2000, Confidence: 80},
		{Symbol: "ETH/USDT:USDT", Action: decision.ActionCloseLong},
	}
	result := g.Evaluate(decisions, 10000, nil, nil)
	require.Len(t, result.Rejected, 1)
	assert.Equal(t, decision.ActionOpenLong, result.Rejected[0].Decision.Action)
	require.Len(t, result.Approved, 1)
	assert.Equal(t, decision.ActionCloseLong, result.Approved[0].Decision.Action)
}

func TestEvaluate_PortfolioMaxPositionsCountsExistingPositions(t *testing.T) {
	params := baseParams()
	params.MaxPositions = 1
	g := New(params)
	positions := []exchange.Position{{Symbol: "ETH/USDT:USDT"}}
	decisions := []decision.Decision{
		{Symbol: "BTC/USDT:USDT", Action: decision.ActionOpenLong, Leverage: 3, NotionalUSD: 1000, Confidence: 80},
	}
	result := g.Evaluate(decisions, 10000, positions, nil)
	require.Len(t, result.Rejected, 1)
}

func TestEvaluate_DirectionalConcentrationWarnsLowDiversification(t *testing.T) {
	g := New(baseParams())
	decisions := []decision.Decision{
		{Symbol: "BTC/USDT:USDT", Action: decision.ActionOpenLong, Leverage: 3, NotionalUSD: 1000, Confidence: 80},
		{Symbol: "ETH/USDT:USDT", Action: decision.ActionOpenLong, Leverage: 3, NotionalUSD: 1000, Confidence: 80},
	}
	result := g.Evaluate(decisions, 10000, nil, nil)
	assert.True(t, result.Portfolio.LowDiversification)
}

func TestCanonicalStopLossPct_AbsolutePriceCanonicalizedAgainstMark(t *testing.T) {
	d := decision.Decision{StopLossPrice: 58000}
	pct := canonicalStopLossPct(d, 60000)
	assert.InDelta(t, 3.333, pct, 0.01)
}

func TestCanonicalStopLossPct_PercentageUsedWhenOnlyOneGiven(t *testing.T) {
	d := decision.Decision{StopLossPct: 4}
	pct := canonicalStopLossPct(d, 60000)
	assert.Equal(t, 4.0, pct)
}
