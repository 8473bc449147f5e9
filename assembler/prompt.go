package assembler

import (
	"fmt"
	"strings"
	"time"

	"futuresagent/exchange"
)

type renderInput struct {
	uptimeMinutes int
	now           time.Time
	cycleNumber   int
	btc           instrumentSnapshot
	instruments   []instrumentSnapshot
	account       exchange.Account
	positions     []exchange.Position
}

// SystemPrompt is the fixed system message sent alongside the rendered user
// prompt (§4.3's "two messages in"); it is not session-specific so it lives
// as a constant rather than a render input.
const SystemPrompt = `You are a professional quantitative futures trading assistant. You analyze market data and account state, then output trading decisions.

Decision principles:
- Capital protection first: respect margin usage and stop-loss levels before chasing profit.
- Trend following: only favor entries where multiple timeframes and open-interest direction agree.
- Use open interest alongside price: OI up with price up suggests a genuine trend; OI down with price up suggests short covering, a weaker signal.
- Scale in and out rather than going all-in; never add to a losing position.

You MUST respond with a JSON array of decision objects, each with this shape:
[
  {
    "symbol": "BTCUSDT",
    "action": "OPEN_LONG|OPEN_SHORT|CLOSE_LONG|CLOSE_SHORT|HOLD|WAIT",
    "leverage": 3,
    "position_size_usd": 1000,
    "stop_loss": 42000,
    "take_profit": 48000,
    "confidence": 85,
    "reasoning": "why this decision follows from the data above"
  }
]

leverage and position_size_usd are required for OPEN_LONG/OPEN_SHORT. reasoning is always required. Output JSON only, no prose outside the array.`

// renderPrompt formats the assembled market data into the text template
// §6's "Prompt template" names: uptime, wall clock, cycle number, BTC
// snapshot, per-instrument blocks, account figures, and position detail.
func renderPrompt(in renderInput) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "# Trading Decision Request\n\nTime: %s | Cycle: #%d | Uptime: %d min\n\n",
		in.now.Format(time.RFC3339), in.cycleNumber, in.uptimeMinutes)

	sb.WriteString("## BTC Snapshot\n\n")
	sb.WriteString(renderBTCLine(in.btc))
	sb.WriteString("\n\n")

	sb.WriteString("## Account\n\n")
	sb.WriteString(renderAccount(in.account, in.positions))
	sb.WriteString("\n")

	if len(in.positions) > 0 {
		sb.WriteString("## Open Positions\n\n")
		sb.WriteString(renderPositions(in.instruments))
		sb.WriteString("\n")
	}

	sb.WriteString("## Candidate Instruments\n\n")
	for _, snap := range in.instruments {
		sb.WriteString(renderInstrumentBlock(snap))
		sb.WriteString("\n")
	}

	return sb.String()
}

func renderBTCLine(snap instrumentSnapshot) string {
	if snap.fetchErr != nil {
		return fmt.Sprintf("%s: data unavailable (%v)", snap.symbol, snap.fetchErr)
	}
	return fmt.Sprintf("%s: %.2f | 1h %+.2f%% | 4h %+.2f%% | RSI7(5m) %.1f | funding %.4f%%",
		snap.symbol, snap.ticker.Last, snap.priceChange1h, snap.priceChange4h,
		snap.intraday.rsi, snap.funding.Rate*100)
}

func renderAccount(acc exchange.Account, positions []exchange.Position) string {
	var sb strings.Builder
	availablePct := 0.0
	marginPct := 0.0
	if acc.TotalEquity != 0 {
		availablePct = acc.AvailableBalance / acc.TotalEquity * 100
		marginPct = (acc.TotalEquity - acc.AvailableBalance) / acc.TotalEquity * 100
	}
	totalReturnPct := 0.0
	if acc.TotalMarginBalance != 0 {
		totalReturnPct = acc.TotalUnrealizedPnL / acc.TotalMarginBalance * 100
	}

	fmt.Fprintf(&sb, "Account value: %.2f USDT | Available cash: %.2f USDT (%.1f%%) | ",
		acc.TotalMarginBalance, acc.AvailableBalance, availablePct)
	fmt.Fprintf(&sb, "Total return: %+.2f%% | Margin used: %.1f%% | Positions: %d\n",
		totalReturnPct, marginPct, len(positions))

	if marginPct > 70 {
		sb.WriteString("WARNING: margin usage above 70%, high risk.\n")
	} else if marginPct > 50 {
		sb.WriteString("NOTE: margin usage above 50%, size new entries cautiously.\n")
	}
	return sb.String()
}

func renderPositions(snapshots []instrumentSnapshot) string {
	var sb strings.Builder
	for _, snap := range snapshots {
		if snap.position == nil {
			continue
		}
		p := snap.position
		fmt.Fprintf(&sb, "- %s %s qty=%.6g entry=%.4f mark=%.4f uPnL=%+.2f leverage=%dx",
			p.Symbol, p.Side, p.Quantity, p.EntryPrice, p.MarkPrice, p.UnrealizedPnL, p.Leverage)
		if snap.stopLoss != nil {
			fmt.Fprintf(&sb, " SL=%.4f", snap.stopLoss.StopPrice)
		}
		if snap.takeProfit != nil {
			fmt.Fprintf(&sb, " TP=%.4f", snap.takeProfit.StopPrice)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func renderInstrumentBlock(snap instrumentSnapshot) string {
	if snap.fetchErr != nil {
		return fmt.Sprintf("### %s\ndata unavailable: %v\n", snap.symbol, snap.fetchErr)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "### %s\n", snap.symbol)
	fmt.Fprintf(&sb, "price=%.4f | 1h=%+.2f%% | 4h=%+.2f%%\n", snap.ticker.Last, snap.priceChange1h, snap.priceChange4h)
	fmt.Fprintf(&sb, "intraday: EMA=%.4f MACD=%.4f RSI=%.1f ATR=%.4f volRatio=%.2f\n",
		snap.intraday.ema, lastOf(snap.intraday.macd.Line), snap.intraday.rsi, snap.intraday.atr, snap.intraday.volume)
	fmt.Fprintf(&sb, "context: EMA=%.4f MACD=%.4f RSI=%.1f ATR=%.4f volRatio=%.2f\n",
		snap.context.ema, lastOf(snap.context.macd.Line), snap.context.rsi, snap.context.atr, snap.context.volume)
	fmt.Fprintf(&sb, "funding=%.4f%% openInterest=%.2f\n", snap.funding.Rate*100, snap.openInterest.Value)
	return sb.String()
}

func lastOf(series []float64) float64 {
	if len(series) == 0 {
		return 0
	}
	return series[len(series)-1]
}
