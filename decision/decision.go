// Package decision implements the Response Parser (C4): a total function
// from an unstructured LLM reply to a ParsedResponse. It never raises for
// malformed input — parse failures are carried as data (§4.4, P4).
package decision

// Action is the closed set of instructions a Decision may carry.
type Action string

const (
	ActionOpenLong   Action = "open_long"
	ActionOpenShort  Action = "open_short"
	ActionCloseLong  Action = "close_long"
	ActionCloseShort Action = "close_short"
	ActionHold       Action = "hold"
	ActionWait       Action = "wait"
)

// IsOpen reports whether the action opens a new position, which is the only
// case §3's validity rules require leverage/notional/confidence for.
func (a Action) IsOpen() bool {
	return a == ActionOpenLong || a == ActionOpenShort
}

// IsClose reports whether the action reduces an existing position.
func (a Action) IsClose() bool {
	return a == ActionCloseLong || a == ActionCloseShort
}

// Valid reports whether a is one of the six recognized actions.
func (a Action) Valid() bool {
	switch a {
	case ActionOpenLong, ActionOpenShort, ActionCloseLong, ActionCloseShort, ActionHold, ActionWait:
		return true
	}
	return false
}

// Decision is a single model-emitted instruction for one instrument within
// one cycle (§3). StopLoss/TakeProfit follow "absolute takes precedence if
// both present": a non-zero *Price field wins over the matching *Pct field.
type Decision struct {
	Symbol     string  `json:"symbol"`
	Action     Action  `json:"action"`
	Leverage   int     `json:"leverage,omitempty"`
	NotionalUSD float64 `json:"position_size_usd,omitempty"`

	StopLossPrice float64 `json:"stop_loss,omitempty"`
	StopLossPct   float64 `json:"stop_loss_pct,omitempty"`
	TakeProfitPrice float64 `json:"take_profit,omitempty"`
	TakeProfitPct   float64 `json:"take_profit_pct,omitempty"`

	Confidence int     `json:"confidence,omitempty"`
	RiskUSD    float64 `json:"risk_usd,omitempty"`
	Reasoning  string  `json:"reasoning"`
}

// HasAbsoluteStopLoss and HasAbsoluteTakeProfit report whether an absolute
// price was given; false means only a percentage (or nothing) was given
// (callers resolve a percentage against the current mark price, since that
// isn't known to the Decision in isolation).
func (d Decision) HasAbsoluteStopLoss() bool   { return d.StopLossPrice > 0 }
func (d Decision) HasAbsoluteTakeProfit() bool { return d.TakeProfitPrice > 0 }

// Validate checks §3's per-action validity rules. It returns the first
// violation found, or nil if the decision is well-formed. It does NOT check
// risk limits — that is the Risk Gate's (C5) job.
func (d Decision) Validate() error {
	if d.Symbol == "" {
		return errEmpty("symbol")
	}
	if !d.Action.Valid() {
		return errInvalid("action", string(d.Action))
	}
	if d.Action.IsOpen() {
		if d.Leverage <= 0 {
			return errMustBePositive("leverage")
		}
		if d.NotionalUSD <= 0 {
			return errMustBePositive("position_size_usd")
		}
		if d.Confidence < 0 || d.Confidence > 100 {
			return errRange("confidence", 0, 100)
		}
		if d.StopLossPrice < 0 || d.TakeProfitPrice < 0 {
			return errMustBePositive("stop_loss/take_profit")
		}
	}
	return nil
}

// ParsedResponse is the Parser's total output: thinking prose, the decisions
// that survived validation, the raw JSON substring that was matched (for
// audit), and one parse-error string per element that was dropped.
type ParsedResponse struct {
	Thinking    string     `json:"thinking"`
	Decisions   []Decision `json:"decisions"`
	RawJSON     string     `json:"raw_json"`
	ParseErrors []string   `json:"parse_errors,omitempty"`
}
