package decision

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"futuresagent/logger"
)

// Pre-compiled extraction patterns, tried in the order §4.4 specifies: a
// fenced ```json block, then any fenced block shaped like a JSON array, then
// finally the substring spanning the first '[' to the last ']'.
var (
	reJSONFence  = regexp.MustCompile("(?is)```json\\s*(\\[.*?\\])\\s*```")
	reAnyFence   = regexp.MustCompile("(?is)```\\s*(\\[.*?\\])\\s*```")
	reTrailComma = regexp.MustCompile(`,(\s*[\]}])`)
)

// Parse extracts a ParsedResponse from raw LLM reply text. It never returns
// an error and never panics: every input, however malformed, yields a valid
// ParsedResponse (P4).
func Parse(reply string) ParsedResponse {
	thinking, jsonText := extractJSONBlock(reply)

	out := ParsedResponse{
		Thinking: strings.TrimSpace(thinking),
		RawJSON:  jsonText,
	}

	if jsonText == "" {
		out.ParseErrors = append(out.ParseErrors, "no JSON array found in reply")
		return out
	}

	raw, err := unmarshalWithRepair(jsonText)
	if err != nil {
		out.ParseErrors = append(out.ParseErrors, fmt.Sprintf("json parse failed: %v", err))
		return out
	}

	for i, elem := range raw {
		d, err := coerce(elem)
		if err != nil {
			out.ParseErrors = append(out.ParseErrors, fmt.Sprintf("decision[%d]: %v", i, err))
			continue
		}
		if err := d.Validate(); err != nil {
			out.ParseErrors = append(out.ParseErrors, fmt.Sprintf("decision[%d]: %v", i, err))
			continue
		}
		out.Decisions = append(out.Decisions, d)
	}

	return out
}

// extractJSONBlock locates the JSON array in reply using the fallback chain
// from §4.4 step 1, and returns (text-before-match, matched-substring).
func extractJSONBlock(reply string) (string, string) {
	if m := reJSONFence.FindStringSubmatchIndex(reply); m != nil {
		return reply[:m[0]], reply[m[2]:m[3]]
	}
	if m := reAnyFence.FindStringSubmatchIndex(reply); m != nil {
		return reply[:m[0]], reply[m[2]:m[3]]
	}
	start := strings.Index(reply, "[")
	end := strings.LastIndex(reply, "]")
	if start == -1 || end == -1 || end < start {
		return reply, ""
	}
	return reply[:start], reply[start : end+1]
}

// unmarshalWithRepair tries a straight json.Unmarshal, and on failure attempts
// one repair (stripping trailing commas before ] or }) before giving up
// (§4.4 step 2).
func unmarshalWithRepair(jsonText string) ([]map[string]any, error) {
	var raw []map[string]any
	if err := json.Unmarshal([]byte(jsonText), &raw); err == nil {
		return raw, nil
	}

	repaired := reTrailComma.ReplaceAllString(jsonText, "$1")
	if err := json.Unmarshal([]byte(repaired), &raw); err != nil {
		return nil, err
	}
	logger.Debugf("decision parser: repaired trailing commas before re-parsing")
	return raw, nil
}

// coerce converts one decoded JSON object into a Decision, keeping both the
// absolute and the percentage form of stop_loss/take_profit as given (the
// absolute price wins later, via HasAbsoluteStopLoss/HasAbsoluteTakeProfit)
// and tolerating both string and numeric encodings of numeric fields.
func coerce(elem map[string]any) (Decision, error) {
	var d Decision

	d.Symbol = stringField(elem, "symbol")
	d.Action = Action(strings.ToLower(stringField(elem, "action")))
	d.Leverage = int(numberField(elem, "leverage"))
	d.NotionalUSD = numberField(elem, "position_size_usd")
	d.Confidence = int(numberField(elem, "confidence"))
	d.RiskUSD = numberField(elem, "risk_usd")
	d.Reasoning = stringField(elem, "reasoning")
	if d.Reasoning == "" {
		d.Reasoning = stringField(elem, "rationale")
	}

	d.StopLossPrice = numberField(elem, "stop_loss")
	d.StopLossPct = numberField(elem, "stop_loss_pct")
	d.TakeProfitPrice = numberField(elem, "take_profit")
	d.TakeProfitPct = numberField(elem, "take_profit_pct")

	if !d.Action.Valid() {
		return d, fmt.Errorf("unrecognized action %q", elem["action"])
	}
	return d, nil
}

func stringField(m map[string]any, key string) string {
	v, ok := m[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

func numberField(m map[string]any, key string) float64 {
	v, ok := m[key]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return n
	case string:
		var f float64
		fmt.Sscanf(n, "%f", &f)
		return f
	default:
		return 0
	}
}
