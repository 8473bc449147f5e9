// Package risk is the Risk Gate (C5): per-decision clamps and warnings plus
// portfolio-level checks, applied after the Response Parser (package
// decision) and before the Pipeline Runner executes anything (§4.5).
package risk

import (
	"futuresagent/decision"
	"futuresagent/exchange"
)

// Params mirrors store.RiskParams; this package stays decoupled from store
// so it can be unit tested without a persistence layer.
type Params struct {
	MaxLeverage         int
	MaxNotionalPerTrade float64
	MaxDrawdownPct      float64
	MaxPositions        int
	MaxTotalExposure    float64
	// LeverageInclusiveStopLoss selects the max-loss formula (Open Question 1).
	// false (default): notional * (|stop_loss_pct|/100) * leverage, matching
	// original_source's risk_analysis_agent.py — notional is margin, leverage
	// amplifies the loss. true: notional already reflects leveraged exposure,
	// so leverage is not applied a second time.
	LeverageInclusiveStopLoss bool
}

// RiskMetrics is echoed back per decision on its Verdict so a caller can see
// why a clamp happened, not just that it happened (supplemented feature).
// The pipeline does not persist it: a CycleRecord's execution results keep
// only a rejected decision's Reason.
type RiskMetrics struct {
	MaxLossUSD      float64
	DrawdownPct     float64
	RiskRewardRatio float64
	RiskLevel       string
}

// Status tags the outcome of gating one decision.
type Status string

const (
	StatusApproved Status = "approved"
	StatusClamped  Status = "clamped"
	StatusRejected Status = "rejected"
)

// Verdict is the per-decision gate outcome.
type Verdict struct {
	Decision decision.Decision
	Status   Status
	Warnings []string
	Reason   string
	Metrics  RiskMetrics
}

// PortfolioVerdict records the cycle-level checks (§4.5) computed once
// before any per-decision clamp is applied.
type PortfolioVerdict struct {
	Approved           bool
	Reasons            []string
	LowDiversification bool
}

// Result is the Gate's output contract: approved decisions, rejected
// decisions with reasons, and the portfolio-level verdict that governed
// them.
type Result struct {
	Approved  []Verdict
	Rejected  []Verdict
	Portfolio PortfolioVerdict
}

// Gate applies §4.5's per-decision and portfolio-level checks.
type Gate struct {
	params Params
}

// New builds a Gate for one cycle's risk parameters.
func New(params Params) *Gate {
	return &Gate{params: params}
}

// Evaluate runs the full risk-gate pass over decisions for one cycle.
// accountEquity comes straight from the Assembler bundle; positions is the
// live position list from the Exchange Adapter; prices maps instrument
// symbol to its current mark price, used to canonicalize an absolute
// stop-loss/take-profit to a percentage (Open Question 3). When a mark price
// is known, an absolute price takes precedence over a supplied percentage.
func (g *Gate) Evaluate(decisions []decision.Decision, accountEquity float64, positions []exchange.Position, prices map[string]float64) Result {
	portfolio := g.evaluatePortfolio(decisions, accountEquity, positions, prices)

	var approved, rejected []Verdict
	for _, d := range decisions {
		if !d.Action.IsOpen() {
			approved = append(approved, Verdict{Decision: d, Status: StatusApproved})
			continue
		}
		if !portfolio.Approved {
			rejected = append(rejected, Verdict{
				Decision: d,
				Status:   StatusRejected,
				Reason:   "portfolio risk check failed: " + joinReasons(portfolio.Reasons),
			})
			continue
		}
		v := g.evaluateDecision(d, accountEquity, prices[d.Symbol], portfolio.LowDiversification)
		if v.Status == StatusRejected {
			rejected = append(rejected, v)
		} else {
			approved = append(approved, v)
		}
	}

	return Result{Approved: approved, Rejected: rejected, Portfolio: portfolio}
}

// evaluatePortfolio implements §4.5's portfolio-level checks, computed once
// before any clamp mutates a decision in place.
func (g *Gate) evaluatePortfolio(decisions []decision.Decision, accountEquity float64, positions []exchange.Position, prices map[string]float64) PortfolioVerdict {
	v := PortfolioVerdict{Approved: true}

	var currentNotional float64
	for _, p := range positions {
		currentNotional += p.Quantity * p.MarkPrice
	}

	var newExposure, newRisk float64
	opens := 0
	longs, shorts := 0, 0
	for _, d := range decisions {
		if !d.Action.IsOpen() {
			continue
		}
		opens++
		newExposure += d.NotionalUSD * float64(maxInt(d.Leverage, 1))
		newRisk += d.RiskUSD
		switch d.Action {
		case decision.ActionOpenLong:
			longs++
		case decision.ActionOpenShort:
			shorts++
		}
	}

	if g.params.MaxTotalExposure > 0 && currentNotional+newExposure > g.params.MaxTotalExposure {
		v.Approved = false
		v.Reasons = append(v.Reasons, "total exposure exceeds max_total_exposure")
	}
	if g.params.MaxPositions > 0 && len(positions)+opens > g.params.MaxPositions {
		v.Approved = false
		v.Reasons = append(v.Reasons, "position count exceeds max_positions")
	}
	if accountEquity > 0 && g.params.MaxDrawdownPct > 0 {
		aggregateDrawdownPct := newRisk / accountEquity * 100
		if aggregateDrawdownPct > g.params.MaxDrawdownPct {
			v.Approved = false
			v.Reasons = append(v.Reasons, "aggregate new-open risk exceeds max_drawdown_pct")
		}
	}
	if opens > 0 && (longs == 0 || shorts == 0) {
		v.LowDiversification = true
	}

	return v
}

// evaluateDecision applies §4.5's per-decision checks: notional/leverage
// clamps, drawdown-bound resolve, and the three warn-only checks (reward/risk,
// confidence, low diversification), rejecting outright at 3+ warnings. Clamps never increase notional or leverage (P5).
func (g *Gate) evaluateDecision(d decision.Decision, accountEquity, markPrice float64, lowDiversification bool) Verdict {
	var warnings []string
	clamped := false

	if g.params.MaxNotionalPerTrade > 0 && d.NotionalUSD > g.params.MaxNotionalPerTrade {
		d.NotionalUSD = g.params.MaxNotionalPerTrade
		clamped = true
	}
	if g.params.MaxLeverage > 0 && d.Leverage > g.params.MaxLeverage {
		d.Leverage = g.params.MaxLeverage
		clamped = true
	}

	stopLossPct := canonicalStopLossPct(d, markPrice)
	if accountEquity > 0 && g.params.MaxDrawdownPct > 0 && stopLossPct > 0 {
		drawdownPct := decisionDrawdownPct(d.NotionalUSD, d.Leverage, stopLossPct, accountEquity, g.params.LeverageInclusiveStopLoss)
		if drawdownPct > g.params.MaxDrawdownPct {
			solved := solveNotionalForDrawdown(g.params.MaxDrawdownPct, accountEquity, d.Leverage, stopLossPct, g.params.LeverageInclusiveStopLoss)
			if solved < d.NotionalUSD {
				d.NotionalUSD = solved
				clamped = true
			}
		}
	}

	rrRatio := rewardRiskRatio(d, markPrice)
	if rrRatio > 0 && rrRatio < 1.5 {
		warnings = append(warnings, "reward/risk ratio below 1.5")
	}
	if d.Confidence < 60 {
		warnings = append(warnings, "confidence below 60")
	}
	if lowDiversification {
		warnings = append(warnings, "low diversification")
	}

	metrics := RiskMetrics{
		MaxLossUSD:      maxLossUSD(d, g.params.LeverageInclusiveStopLoss, markPrice),
		DrawdownPct:     stopLossPct,
		RiskRewardRatio: rrRatio,
		RiskLevel:       riskLevel(len(warnings)),
	}

	if len(warnings) >= 3 {
		return Verdict{Decision: d, Status: StatusRejected, Warnings: warnings, Reason: "too many risk signals", Metrics: metrics}
	}

	status := StatusApproved
	if clamped {
		status = StatusClamped
	}
	return Verdict{Decision: d, Status: status, Warnings: warnings, Metrics: metrics}
}

// canonicalStopLossPct resolves a decision's stop-loss to a percentage
// regardless of whether it was given as an absolute price or a percentage.
// Per Open Question 3, an absolute price is canonicalized against the
// instrument's current mark price: pct = |stopPrice-markPrice|/markPrice*100.
func canonicalStopLossPct(d decision.Decision, markPrice float64) float64 {
	if d.HasAbsoluteStopLoss() && markPrice > 0 {
		return absF(d.StopLossPrice-markPrice) / markPrice * 100
	}
	if d.StopLossPct > 0 {
		return absF(d.StopLossPct)
	}
	return 0
}

// canonicalTakeProfitPct is canonicalStopLossPct's analogue for take-profit,
// needed only to compute the reward/risk ratio.
func canonicalTakeProfitPct(d decision.Decision, markPrice float64) float64 {
	if d.HasAbsoluteTakeProfit() && markPrice > 0 {
		return absF(d.TakeProfitPrice-markPrice) / markPrice * 100
	}
	if d.TakeProfitPct > 0 {
		return absF(d.TakeProfitPct)
	}
	return 0
}

func decisionDrawdownPct(notional float64, leverage int, stopLossPct, accountEquity float64, leverageInclusive bool) float64 {
	return maxLossFromPct(notional, leverage, stopLossPct, leverageInclusive) / accountEquity * 100
}

func solveNotionalForDrawdown(maxDrawdownPct, accountEquity float64, leverage int, stopLossPct float64, leverageInclusive bool) float64 {
	maxLoss := maxDrawdownPct * accountEquity / 100
	denom := stopLossPct / 100
	if !leverageInclusive {
		denom *= float64(maxInt(leverage, 1))
	}
	if denom == 0 {
		return 0
	}
	return maxLoss / denom
}

func maxLossFromPct(notional float64, leverage int, stopLossPct float64, leverageInclusive bool) float64 {
	loss := notional * (stopLossPct / 100)
	if !leverageInclusive {
		loss *= float64(maxInt(leverage, 1))
	}
	return loss
}

func rewardRiskRatio(d decision.Decision, markPrice float64) float64 {
	riskPct := canonicalStopLossPct(d, markPrice)
	rewardPct := canonicalTakeProfitPct(d, markPrice)
	if riskPct == 0 {
		return 0
	}
	return rewardPct / riskPct
}

func maxLossUSD(d decision.Decision, leverageInclusive bool, markPrice float64) float64 {
	pct := canonicalStopLossPct(d, markPrice)
	if pct == 0 {
		return d.RiskUSD
	}
	return maxLossFromPct(d.NotionalUSD, d.Leverage, pct, leverageInclusive)
}

func riskLevel(warningCount int) string {
	switch {
	case warningCount == 0:
		return "low"
	case warningCount == 1:
		return "medium"
	default:
		return "high"
	}
}

func joinReasons(reasons []string) string {
	out := ""
	for i, r := range reasons {
		if i > 0 {
			out += "; "
		}
		out += r
	}
	return out
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func absF(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
