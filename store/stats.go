package store

import (
	"encoding/json"
	"time"
)

// unmarshalLenient decodes a JSON blob, tolerating an empty/malformed value
// by returning the error rather than panicking — stats computation must
// never abort a session-end flow over one bad historical record.
func unmarshalLenient(raw json.RawMessage, v interface{}) error {
	return json.Unmarshal(raw, v)
}

// ExecutionResult is the documented JSON shape the Pipeline Runner (C6)
// writes into CycleRecord.ExecutionResults, one entry per decision it acted
// on. EndSessionStats reads this shape back out to compute session
// statistics; the pipeline package marshals exactly this.
type ExecutionResult struct {
	// ClientRef is a Runner-generated correlation token (one per attempted
	// decision, independent of whether the venue accepted it), not an
	// idempotency key the venue itself understands — it lets a CycleRecord's
	// execution results be cross-referenced against logs and retried-attempt
	// traces without relying on the venue's own OrderID, which is absent
	// for rejected/errored entries.
	ClientRef   string  `json:"client_ref"`
	Symbol      string  `json:"symbol"`
	Action      string  `json:"action"`
	Side        string  `json:"side,omitempty"`
	Status      string  `json:"status"`
	OrderID     string  `json:"order_id,omitempty"`
	Quantity    float64 `json:"quantity,omitempty"`
	AvgPrice    float64 `json:"avg_price,omitempty"`
	RealizedPnL float64 `json:"realized_pnl,omitempty"`
	Error       string  `json:"error,omitempty"`
}

// Execution result statuses.
const (
	ExecStatusFilled           = "filled"
	ExecStatusRejected         = "rejected"
	ExecStatusPositionNotFound = "position_not_found"
	ExecStatusError            = "error"
	ExecStatusNoop             = "noop"
)

// AccountSummary is the documented JSON shape the Pipeline Runner writes
// into CycleRecord.AccountSummary at the end of each cycle.
type AccountSummary struct {
	AccountEquity  float64 `json:"account_equity"`
	UnrealizedPnL  float64 `json:"unrealized_pnl"`
	TotalAsset     float64 `json:"total_asset"`
	LongPositions  int     `json:"long_positions"`
	ShortPositions int     `json:"short_positions"`
}

// SessionStats is the derived, pure-reporting summary computed over a
// session's full CycleRecord history (supplemented feature: "Session
// statistics on end").
type SessionStats struct {
	TotalTrades   int
	WinningTrades int
	LosingTrades  int
	TotalPnL      float64
	LongHoldPct   float64
	ShortHoldPct  float64
	FlatHoldPct   float64
}

// EndSessionStats walks every CycleRecord for sessionID and derives trade
// counts, realized PnL, and long/short/flat hold-time percentages. It is
// pure derived reporting over already-persisted execution results — not
// backtesting or strategy evaluation — so it is not excluded by the
// Non-goals. Hold-time percentages are a cycle-count proxy (the fraction of
// audited cycles during which the account held a long, a short, or neither),
// not wall-clock duration, since the core does not track intra-position
// timestamps (see Position.UpdatedAt's documented imprecision).
func (s *SessionStore) EndSessionStats(sessionID uint) (SessionStats, error) {
	records, err := NewCycleRecordStore(s.db).ListBySession(sessionID, 0)
	if err != nil {
		return SessionStats{}, err
	}

	var stats SessionStats
	var longCycles, shortCycles, flatCycles, countedCycles int

	for _, rec := range records {
		var results []ExecutionResult
		if len(rec.ExecutionResults) > 0 {
			_ = unmarshalLenient(rec.ExecutionResults, &results)
		}
		for _, r := range results {
			if r.Status != ExecStatusFilled {
				continue
			}
			if r.Action == "close_long" || r.Action == "close_short" {
				stats.TotalTrades++
				stats.TotalPnL += r.RealizedPnL
				switch {
				case r.RealizedPnL > 0:
					stats.WinningTrades++
				case r.RealizedPnL < 0:
					stats.LosingTrades++
				}
			}
		}

		if len(rec.AccountSummary) == 0 {
			continue
		}
		var summary AccountSummary
		if err := unmarshalLenient(rec.AccountSummary, &summary); err != nil {
			continue
		}
		countedCycles++
		switch {
		case summary.LongPositions > 0 && summary.ShortPositions == 0:
			longCycles++
		case summary.ShortPositions > 0 && summary.LongPositions == 0:
			shortCycles++
		case summary.LongPositions == 0 && summary.ShortPositions == 0:
			flatCycles++
		}
	}

	if countedCycles > 0 {
		stats.LongHoldPct = float64(longCycles) / float64(countedCycles) * 100
		stats.ShortHoldPct = float64(shortCycles) / float64(countedCycles) * 100
		stats.FlatHoldPct = float64(flatCycles) / float64(countedCycles) * 100
	}

	return stats, nil
}

// AssetTimelinePoint is one entry of get_asset_timeline (§6): a single
// cycle's account snapshot plus what the AI decided that cycle.
type AssetTimelinePoint struct {
	Timestamp      time.Time `json:"ts"`
	AccountBalance float64   `json:"account_balance"`
	UnrealizedPnL  float64   `json:"unrealized_pnl"`
	TotalAsset     float64   `json:"total_asset"`
	DecisionType   string    `json:"decision_type"`
}

// decisionTag is the minimal shape read back out of CycleRecord.Decisions to
// derive DecisionType, deliberately not futuresagent/decision.Decision — the
// timeline only ever needs the action field, and keeping this local avoids
// pulling the parser package into the store.
type decisionTag struct {
	Action string `json:"action"`
}

// decisionTypeFor collapses a cycle's parsed decisions into one label: the
// first decision's action when present, "hold" when the cycle reached no
// (or zero) decisions — a cycle that never got past Assemble/Consult still
// produces a timeline point via its AccountSummary-less zero values, but
// decisionTypeFor on an empty/absent Decisions blob is always "hold".
func decisionTypeFor(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "hold"
	}
	var tags []decisionTag
	if err := json.Unmarshal(raw, &tags); err != nil || len(tags) == 0 {
		return "hold"
	}
	return tags[0].Action
}

// GetAssetTimeline implements get_asset_timeline (§6): the session's
// CycleRecord history reduced to one account-state point per cycle, oldest
// first. Grounded on the same per-cycle walk EndSessionStats already does
// over ListBySession's JSON columns.
func (s *SessionStore) GetAssetTimeline(sessionID uint) ([]AssetTimelinePoint, error) {
	records, err := NewCycleRecordStore(s.db).ListBySession(sessionID, 0)
	if err != nil {
		return nil, err
	}

	points := make([]AssetTimelinePoint, 0, len(records))
	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]
		var summary AccountSummary
		if len(rec.AccountSummary) > 0 {
			_ = unmarshalLenient(rec.AccountSummary, &summary)
		}
		points = append(points, AssetTimelinePoint{
			Timestamp:      rec.CreatedAt,
			AccountBalance: summary.AccountEquity,
			UnrealizedPnL:  summary.UnrealizedPnL,
			TotalAsset:     summary.TotalAsset,
			DecisionType:   decisionTypeFor(rec.Decisions),
		})
	}
	return points, nil
}
