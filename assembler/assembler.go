// Package assembler is the Market-Data Assembler (C2): for every instrument
// in a session it pulls klines, indicators, funding/open-interest, and
// matches live positions against resting orders for TP/SL linkage, then
// renders all of it into the single textual prompt the LLM Gateway (C3)
// consumes. Indicators (package indicators) are pure-function collaborators;
// this package owns only fetch-and-render.
package assembler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"futuresagent/exchange"
	"futuresagent/indicators"
)

// Logger is the Printf-style dependency this package needs, matching the
// shape used across the rest of the repo (see logger.GatewayLogger).
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debugf(string, ...any) {}
func (noopLogger) Infof(string, ...any)  {}
func (noopLogger) Warnf(string, ...any)  {}
func (noopLogger) Errorf(string, ...any) {}

// Bundle is the Assembler's output contract per spec §4.2: a rendered
// prompt plus the three account figures the pipeline needs without
// re-parsing the prompt text.
type Bundle struct {
	UserPrompt    string
	AccountEquity float64
	UnrealizedPnL float64
	TotalAsset    float64
}

// Config tunes timeframes and bar depth. Depth must cover the longest
// indicator period plus 20 lookback points (§4.2).
type Config struct {
	IntradayInterval string
	IntradayLimit    int
	ContextInterval  string
	ContextLimit     int
	BTCSymbol        string
	Logger           Logger
}

func (c *Config) applyDefaults() {
	if c.IntradayInterval == "" {
		c.IntradayInterval = "5m"
	}
	if c.IntradayLimit <= 0 {
		c.IntradayLimit = 100
	}
	if c.ContextInterval == "" {
		c.ContextInterval = "1h"
	}
	if c.ContextLimit <= 0 {
		c.ContextLimit = 100
	}
	if c.BTCSymbol == "" {
		c.BTCSymbol = "BTC/USDT:USDT"
	}
	if c.Logger == nil {
		c.Logger = noopLogger{}
	}
}

// Assembler builds per-cycle prompt bundles from a single exchange adapter.
type Assembler struct {
	adapter exchange.Adapter
	cfg     Config
}

// New builds an Assembler backed by adapter.
func New(adapter exchange.Adapter, cfg Config) *Assembler {
	cfg.applyDefaults()
	return &Assembler{adapter: adapter, cfg: cfg}
}

type instrumentSnapshot struct {
	symbol        string
	ticker        exchange.Ticker
	priceChange1h float64
	priceChange4h float64
	intraday      seriesSnapshot
	context       seriesSnapshot
	funding       exchange.FundingRate
	openInterest  exchange.OpenInterest
	position      *exchange.Position
	takeProfit    *exchange.Order
	stopLoss      *exchange.Order
	fetchErr      error
}

type seriesSnapshot struct {
	closes []float64
	ema    float64
	macd   indicators.MACD
	rsi    float64
	atr    float64
	volume float64
}

func computeSeries(klines []exchange.Kline, emaPeriod, rsiPeriod, atrPeriod int) seriesSnapshot {
	n := len(klines)
	closes := make([]float64, n)
	bars := make([]indicators.Bar, n)
	volumes := make([]float64, n)
	for i, k := range klines {
		closes[i] = k.Close
		bars[i] = indicators.Bar{High: k.High, Low: k.Low, Close: k.Close}
		volumes[i] = k.Volume
	}
	return seriesSnapshot{
		closes: closes,
		ema:    indicators.Current(indicators.EMA(closes, emaPeriod)),
		macd:   indicators.ComputeMACD(closes, 12, 26, 9),
		rsi:    indicators.Current(indicators.RSI(closes, rsiPeriod)),
		atr:    indicators.Current(indicators.ATR(bars, atrPeriod)),
		volume: indicators.VolumeRatio(volumes, 20),
	}
}

// Assemble builds the prompt bundle for a session cycle. Per §4.2, a data
// gap for any one instrument (funding, OI, or even the whole instrument
// fetch) is recoverable and rendered as missing rather than aborting the
// cycle; only a failure to fetch the account or the positions returns an
// error, since without them there is nothing meaningful to assemble.
func (a *Assembler) Assemble(ctx context.Context, sessionID string, instruments []string, cycleNumber int, startedAt time.Time) (Bundle, error) {
	account, err := a.adapter.GetAccount(ctx)
	if err != nil {
		return Bundle{}, fmt.Errorf("assembler: fetch account: %w", err)
	}
	positions, err := a.adapter.GetPositions(ctx)
	if err != nil {
		return Bundle{}, fmt.Errorf("assembler: fetch positions: %w", err)
	}

	btc := a.snapshotInstrument(ctx, a.cfg.BTCSymbol, positions)

	snapshots := make([]instrumentSnapshot, 0, len(instruments))
	for _, sym := range instruments {
		snapshots = append(snapshots, a.snapshotInstrument(ctx, sym, positions))
	}

	uptimeMinutes := int(time.Since(startedAt).Minutes())
	prompt := renderPrompt(renderInput{
		uptimeMinutes: uptimeMinutes,
		now:           time.Now(),
		cycleNumber:   cycleNumber,
		btc:           btc,
		instruments:   snapshots,
		account:       account,
		positions:     positions,
	})

	return Bundle{
		UserPrompt:    prompt,
		AccountEquity: account.TotalEquity,
		UnrealizedPnL: account.TotalUnrealizedPnL,
		TotalAsset:    account.TotalMarginBalance,
	}, nil
}

// snapshotInstrument fetches one instrument's market data. Any failure here
// is recorded on fetchErr and rendered as a gap, never returned as an error
// (§4.2: "never throw for recoverable data gaps").
func (a *Assembler) snapshotInstrument(ctx context.Context, symbol string, positions []exchange.Position) instrumentSnapshot {
	snap := instrumentSnapshot{symbol: symbol}

	ticker, err := a.adapter.GetTicker(ctx, symbol)
	if err != nil {
		snap.fetchErr = err
		a.cfg.Logger.Warnf("assembler: ticker fetch failed for %s: %v", symbol, err)
		return snap
	}
	snap.ticker = ticker

	intraday, err := a.adapter.GetKlines(ctx, symbol, a.cfg.IntradayInterval, a.cfg.IntradayLimit)
	if err != nil {
		a.cfg.Logger.Warnf("assembler: intraday klines failed for %s: %v", symbol, err)
	} else {
		snap.intraday = computeSeries(intraday, 20, 7, 14)
		snap.priceChange1h = percentChangeOverBars(intraday, a.cfg.IntradayInterval, time.Hour)
	}

	longer, err := a.adapter.GetKlines(ctx, symbol, a.cfg.ContextInterval, a.cfg.ContextLimit)
	if err != nil {
		a.cfg.Logger.Warnf("assembler: context klines failed for %s: %v", symbol, err)
	} else {
		snap.context = computeSeries(longer, 20, 14, 14)
		snap.priceChange4h = percentChangeOverBars(longer, a.cfg.ContextInterval, 4*time.Hour)
	}

	if fr, err := a.adapter.GetFundingRate(ctx, symbol); err != nil {
		a.cfg.Logger.Debugf("assembler: funding rate unavailable for %s: %v", symbol, err)
	} else {
		snap.funding = fr
	}
	if oi, err := a.adapter.GetOpenInterest(ctx, symbol); err != nil {
		a.cfg.Logger.Debugf("assembler: open interest unavailable for %s: %v", symbol, err)
	} else {
		snap.openInterest = oi
	}

	for i := range positions {
		if positions[i].Symbol == symbol {
			snap.position = &positions[i]
			break
		}
	}
	if snap.position != nil {
		if orders, err := a.adapter.GetOpenOrders(ctx, symbol); err == nil {
			snap.takeProfit, snap.stopLoss = matchLinkedOrders(*snap.position, orders)
		}
	}

	return snap
}

// matchLinkedOrders implements §4.2's matching rule: a resting order is
// linked to a position when it sits on the opposite side of the position,
// and is classified as TP when its type mentions "take_profit" or SL when
// it mentions "stop" without also mentioning "take_profit".
func matchLinkedOrders(pos exchange.Position, orders []exchange.Order) (tp, sl *exchange.Order) {
	opposite := exchange.SideShort
	if pos.Side == exchange.SideShort {
		opposite = exchange.SideLong
	}
	for i := range orders {
		o := orders[i]
		if o.Side != opposite {
			continue
		}
		t := strings.ToLower(string(o.Type))
		switch {
		case strings.Contains(t, "take_profit"):
			tp = &orders[i]
		case strings.Contains(t, "stop") && !strings.Contains(t, "take_profit"):
			sl = &orders[i]
		}
	}
	return tp, sl
}

// percentChangeOverBars approximates the relative change over the given
// duration by walking back the number of bars that duration represents at
// interval granularity; best-effort, guards zero-length series.
func percentChangeOverBars(klines []exchange.Kline, interval string, window time.Duration) float64 {
	n := len(klines)
	if n < 2 {
		return 0
	}
	barDur := intervalDuration(interval)
	if barDur <= 0 {
		return 0
	}
	back := int(window / barDur)
	if back <= 0 {
		back = 1
	}
	idx := n - 1 - back
	if idx < 0 {
		idx = 0
	}
	return indicators.PercentChange(klines[idx].Close, klines[n-1].Close)
}

var intervalDurations = map[string]time.Duration{
	"1m": time.Minute, "3m": 3 * time.Minute, "5m": 5 * time.Minute,
	"15m": 15 * time.Minute, "30m": 30 * time.Minute,
	"1h": time.Hour, "2h": 2 * time.Hour, "4h": 4 * time.Hour,
	"6h": 6 * time.Hour, "8h": 8 * time.Hour, "12h": 12 * time.Hour,
	"1d": 24 * time.Hour, "3d": 3 * 24 * time.Hour, "1w": 7 * 24 * time.Hour,
	"1M": 30 * 24 * time.Hour,
}

func intervalDuration(interval string) time.Duration {
	return intervalDurations[interval]
}
