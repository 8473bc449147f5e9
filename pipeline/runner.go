// Package pipeline is the Pipeline Runner (C6): one decision cycle, strictly
// sequential — Assemble (C2) → Consult (C3) → Parse (C4) → Gate (C5) →
// Execute (C1) → Audit (C8) — with per-stage error isolation and exactly one
// CycleRecord written per attempt, success or failure (§4.6, P2).
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"futuresagent/assembler"
	"futuresagent/decision"
	"futuresagent/exchange"
	"futuresagent/llm"
	"futuresagent/logger"
	"futuresagent/risk"
	"futuresagent/store"
)

// interOrderDelay is the brief yield between successful exchange calls in
// the Execute stage, to avoid bursting the venue (§4.6 step 5).
const interOrderDelay = 500 * time.Millisecond

// Runner wires one session's collaborators together for RunCycle. It holds
// no per-session mutable state itself — the supervisor (C7) owns the
// worker loop and calls RunCycle once per tick.
type Runner struct {
	Adapter     exchange.Adapter
	Gateway     llm.Gateway
	Assembler   *assembler.Assembler
	Store       *store.Store
	Temperature float64
}

// New builds a Runner for one session's exchange adapter, LLM gateway, and
// assembler. Temperature is forwarded verbatim to the gateway (§6).
func New(adapter exchange.Adapter, gateway llm.Gateway, asm *assembler.Assembler, st *store.Store, temperature float64) *Runner {
	return &Runner{Adapter: adapter, Gateway: gateway, Assembler: asm, Store: st, Temperature: temperature}
}

// RunCycle runs one full decision cycle for sess. It never returns an error
// for a recoverable per-decision or per-stage failure — those are carried
// into the CycleRecord and last_error instead (§7). A non-nil return
// indicates the cycle could not even be recorded (a persistence failure),
// which is the caller's (supervisor's) concern, not a normal cycle outcome.
func (r *Runner) RunCycle(ctx context.Context, sess *store.Session) error {
	cycleNumber := sess.CycleCount + 1
	rec := &store.CycleRecord{SessionID: sess.ID, CycleNumber: cycleNumber, Stage: store.StageAssemble}

	startedAt := sess.StartedAt
	if startedAt == nil {
		now := time.Now().UTC()
		startedAt = &now
	}

	bundle, err := r.Assembler.Assemble(ctx, fmt.Sprintf("%d", sess.ID), sess.Instruments, int(cycleNumber), *startedAt)
	if err != nil {
		rec.Error = fmt.Sprintf("assemble_failed: %v", err)
		return r.finish(sess.ID, rec)
	}
	rec.Prompt = bundle.UserPrompt

	rec.Stage = store.StageConsult
	reply, err := r.Gateway.Chat(ctx, assembler.SystemPrompt, bundle.UserPrompt, r.Temperature)
	if err != nil {
		rec.Error = fmt.Sprintf("llm_failed: %v", err)
		return r.finish(sess.ID, rec)
	}
	rec.Reply = reply

	rec.Stage = store.StageParse
	parsed := decision.Parse(reply)
	if decisionsJSON, err := json.Marshal(parsed.Decisions); err == nil {
		rec.Decisions = decisionsJSON
	}
	if len(parsed.ParseErrors) > 0 {
		logger.Warnf("⚠️ pipeline: session %d cycle %d: %d parse error(s): %v", sess.ID, cycleNumber, len(parsed.ParseErrors), parsed.ParseErrors)
	}

	positions, err := r.Adapter.GetPositions(ctx)
	if err != nil {
		rec.Error = fmt.Sprintf("gate_failed: fetch positions: %v", err)
		return r.finish(sess.ID, rec)
	}

	rec.Stage = store.StageGate
	prices := r.resolvePrices(ctx, parsed.Decisions)
	gate := risk.New(toRiskParams(sess.RiskParams))
	gated := gate.Evaluate(parsed.Decisions, bundle.AccountEquity, positions, prices)

	rec.Stage = store.StageExecute
	results := r.execute(ctx, gated, positions, prices)
	if execJSON, err := json.Marshal(results); err == nil {
		rec.ExecutionResults = execJSON
	}

	rec.Stage = store.StageAudit
	longs, shorts := countSides(positions)
	summary := store.AccountSummary{
		AccountEquity:  bundle.AccountEquity,
		UnrealizedPnL:  bundle.UnrealizedPnL,
		TotalAsset:     bundle.TotalAsset,
		LongPositions:  longs,
		ShortPositions: shorts,
	}
	if summaryJSON, err := json.Marshal(summary); err == nil {
		rec.AccountSummary = summaryJSON
	}

	return r.finish(sess.ID, rec)
}

// finish writes the (possibly partial) CycleRecord and advances cycle_count
// exactly once, regardless of which stage the cycle reached (P2). A
// non-empty rec.Error still advances the counter, per §4.6 step 6 / §7.3.
func (r *Runner) finish(sessionID uint, rec *store.CycleRecord) error {
	if err := r.Store.CycleRecord().Append(rec); err != nil {
		return fmt.Errorf("pipeline: append cycle record: %w", err)
	}
	if rec.Error != "" {
		if err := r.Store.Session().IncrementCycleWithError(sessionID, rec.Error); err != nil {
			return fmt.Errorf("pipeline: record cycle error: %w", err)
		}
		return nil
	}
	if err := r.Store.Session().IncrementCycleAndClearError(sessionID); err != nil {
		return fmt.Errorf("pipeline: clear cycle error: %w", err)
	}
	return nil
}

// resolvePrices fetches the current mark price for every distinct symbol a
// decision references, so the Risk Gate can canonicalize an absolute
// stop-loss/take-profit to a percentage (Open Question 3) before it applies
// the drawdown check. A failed lookup is logged and simply omitted — the
// gate falls back to whatever percentage fields the decision already
// carries, which is a recoverable data gap, not a cycle-aborting one.
func (r *Runner) resolvePrices(ctx context.Context, decisions []decision.Decision) map[string]float64 {
	prices := make(map[string]float64, len(decisions))
	for _, d := range decisions {
		if _, ok := prices[d.Symbol]; ok {
			continue
		}
		t, err := r.Adapter.GetTicker(ctx, d.Symbol)
		if err != nil {
			logger.Warnf("⚠️ pipeline: resolve price for %s: %v", d.Symbol, err)
			continue
		}
		prices[d.Symbol] = t.Last
	}
	return prices
}

// execute runs the Execute stage (§4.6 step 5) over the gate's verdicts.
// Rejected decisions are recorded without touching the exchange. A failure
// executing one decision never short-circuits the rest (§4.6 "Error
// isolation"). Every result, approved or rejected, gets a fresh uuid
// ClientRef so a CycleRecord's execution results can be correlated with
// logs independent of whether the venue ever assigned an OrderID.
func (r *Runner) execute(ctx context.Context, gated risk.Result, positions []exchange.Position, prices map[string]float64) []store.ExecutionResult {
	results := make([]store.ExecutionResult, 0, len(gated.Approved)+len(gated.Rejected))

	for i, v := range gated.Approved {
		d := v.Decision
		var result store.ExecutionResult
		touched := false
		switch {
		case d.Action.IsOpen():
			result = r.executeOpen(ctx, d, prices)
			touched = true
		case d.Action.IsClose():
			result = r.executeClose(ctx, d, positions)
			touched = true
		default:
			result = store.ExecutionResult{Symbol: d.Symbol, Action: string(d.Action), Status: store.ExecStatusNoop}
		}
		result.ClientRef = uuid.New().String()
		results = append(results, result)

		if touched && i < len(gated.Approved)-1 {
			select {
			case <-ctx.Done():
				return results
			case <-time.After(interOrderDelay):
			}
		}
	}

	for _, v := range gated.Rejected {
		d := v.Decision
		results = append(results, store.ExecutionResult{
			ClientRef: uuid.New().String(),
			Symbol:    d.Symbol,
			Action:    string(d.Action),
			Status:    store.ExecStatusRejected,
			Error:     v.Reason,
		})
	}

	return results
}

// executeOpen resolves qty from notional/price, sets leverage (non-fatal on
// failure), then issues the market order. slRef/tpRef travel through as
// advisory metadata only — no resting order is ever placed for them (P7).
func (r *Runner) executeOpen(ctx context.Context, d decision.Decision, prices map[string]float64) store.ExecutionResult {
	price := prices[d.Symbol]
	if price <= 0 {
		t, err := r.Adapter.GetTicker(ctx, d.Symbol)
		if err != nil {
			return store.ExecutionResult{Symbol: d.Symbol, Action: string(d.Action), Status: store.ExecStatusError, Error: err.Error()}
		}
		price = t.Last
	}
	if price <= 0 {
		return store.ExecutionResult{Symbol: d.Symbol, Action: string(d.Action), Status: store.ExecStatusRejected, Error: "no price available"}
	}

	qty := d.NotionalUSD / price
	if qty <= 0 {
		return store.ExecutionResult{Symbol: d.Symbol, Action: string(d.Action), Status: store.ExecStatusRejected, Error: "computed quantity <= 0"}
	}

	if err := r.Adapter.SetLeverage(ctx, d.Symbol, d.Leverage); err != nil {
		logger.Warnf("⚠️ pipeline: set_leverage(%s, %d) failed (non-fatal): %v", d.Symbol, d.Leverage, err)
	}

	var (
		res exchange.OrderResult
		err error
	)
	switch d.Action {
	case decision.ActionOpenLong:
		res, err = r.Adapter.OpenLong(ctx, d.Symbol, qty, d.Leverage, d.StopLossPrice, d.TakeProfitPrice)
	case decision.ActionOpenShort:
		res, err = r.Adapter.OpenShort(ctx, d.Symbol, qty, d.Leverage, d.StopLossPrice, d.TakeProfitPrice)
	}
	if err != nil {
		return store.ExecutionResult{Symbol: d.Symbol, Action: string(d.Action), Status: store.ExecStatusError, Error: err.Error()}
	}
	return store.ExecutionResult{
		Symbol: d.Symbol, Action: string(d.Action), Side: sideForOpen(d.Action),
		Status: store.ExecStatusFilled, OrderID: res.OrderID, Quantity: res.Qty, AvgPrice: res.AvgPrice,
	}
}

// executeClose looks up the matching live position by symbol+side and
// submits a reduce-only close for its full size (§4.6 step 5, P6). A
// missing position is recorded as position_not_found, not an error — other
// decisions in the cycle still proceed (§7.4 / S4).
func (r *Runner) executeClose(ctx context.Context, d decision.Decision, positions []exchange.Position) store.ExecutionResult {
	side := closeSideFor(d.Action)
	pos := findPosition(positions, d.Symbol, side)
	if pos == nil {
		return store.ExecutionResult{Symbol: d.Symbol, Action: string(d.Action), Status: store.ExecStatusPositionNotFound, Error: "position_not_found"}
	}

	res, err := r.Adapter.ClosePosition(ctx, d.Symbol, side, pos.Quantity)
	if err != nil {
		return store.ExecutionResult{Symbol: d.Symbol, Action: string(d.Action), Status: store.ExecStatusError, Error: err.Error()}
	}
	return store.ExecutionResult{
		Symbol: d.Symbol, Action: string(d.Action), Side: string(side),
		Status: store.ExecStatusFilled, OrderID: res.OrderID, Quantity: res.Qty, AvgPrice: res.AvgPrice,
		RealizedPnL: pos.UnrealizedPnL,
	}
}

func findPosition(positions []exchange.Position, symbol string, side exchange.Side) *exchange.Position {
	for i := range positions {
		if positions[i].Symbol == symbol && positions[i].Side == side {
			return &positions[i]
		}
	}
	return nil
}

func closeSideFor(a decision.Action) exchange.Side {
	if a == decision.ActionCloseShort {
		return exchange.SideShort
	}
	return exchange.SideLong
}

func sideForOpen(a decision.Action) string {
	if a == decision.ActionOpenShort {
		return string(exchange.SideShort)
	}
	return string(exchange.SideLong)
}

func countSides(positions []exchange.Position) (longs, shorts int) {
	for _, p := range positions {
		switch p.Side {
		case exchange.SideLong:
			longs++
		case exchange.SideShort:
			shorts++
		}
	}
	return
}

// toRiskParams adapts the store's persisted RiskParams (MaxLeverage is a
// float64 there, for JSON round-tripping symmetry with the other fields)
// into the risk package's own Params (MaxLeverage as an int, since leverage
// is always a whole multiplier at the venue).
func toRiskParams(rp store.RiskParams) risk.Params {
	return risk.Params{
		MaxLeverage:               int(rp.MaxLeverage),
		MaxNotionalPerTrade:       rp.MaxNotionalPerTrade,
		MaxDrawdownPct:            rp.MaxDrawdownPct,
		MaxPositions:              rp.MaxPositions,
		MaxTotalExposure:          rp.MaxTotalExposure,
		LeverageInclusiveStopLoss: rp.LeverageInclusiveStopLoss,
	}
}
