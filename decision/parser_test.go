package decision

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_FencedJSON(t *testing.T) {
	reply := "analysis of the market...\n```json\n" +
		`[{"symbol":"BTC/USDT:USDT","action":"open_long","leverage":10,"position_size_usd":2000,"confidence":80,"reasoning":"x"}]` +
		"\n```"

	out := Parse(reply)
	require.Empty(t, out.ParseErrors)
	require.Len(t, out.Decisions, 1)
	d := out.Decisions[0]
	assert.Equal(t, "BTC/USDT:USDT", d.Symbol)
	assert.Equal(t, ActionOpenLong, d.Action)
	assert.Equal(t, 10, d.Leverage)
	assert.Equal(t, 2000.0, d.NotionalUSD)
	assert.Equal(t, 80, d.Confidence)
	assert.Contains(t, out.Thinking, "analysis of the market")
}

func TestParse_ProseOnly(t *testing.T) {
	out := Parse("The market looks uncertain, I recommend waiting for clearer signals.")
	assert.Empty(t, out.Decisions)
	assert.NotEmpty(t, out.ParseErrors)
}

func TestParse_BareArrayNoFence(t *testing.T) {
	reply := `thinking here [{"symbol":"ETHUSDT","action":"hold","reasoning":"flat"}] trailing text`
	out := Parse(reply)
	require.Len(t, out.Decisions, 1)
	assert.Equal(t, ActionHold, out.Decisions[0].Action)
}

func TestParse_TrailingCommaRepair(t *testing.T) {
	reply := "```json\n[{\"symbol\":\"BTCUSDT\",\"action\":\"wait\",\"reasoning\":\"y\",},]\n```"
	out := Parse(reply)
	require.Empty(t, out.ParseErrors)
	require.Len(t, out.Decisions, 1)
}

func TestParse_UnrepairableJSONYieldsParseError(t *testing.T) {
	reply := "```json\n[{not valid json at all\n```"
	out := Parse(reply)
	assert.Empty(t, out.Decisions)
	assert.NotEmpty(t, out.ParseErrors)
}

func TestParse_InvalidOpenDecisionDropped(t *testing.T) {
	reply := `[{"symbol":"BTCUSDT","action":"open_long","leverage":0,"position_size_usd":100,"reasoning":"bad"}]`
	out := Parse(reply)
	assert.Empty(t, out.Decisions)
	assert.Len(t, out.ParseErrors, 1)
}

func TestParse_CloseDecisionMinimalFields(t *testing.T) {
	reply := `[{"symbol":"ETHUSDT","action":"close_long","reasoning":"target hit"}]`
	out := Parse(reply)
	require.Len(t, out.Decisions, 1)
	assert.Equal(t, ActionCloseLong, out.Decisions[0].Action)
}

func TestParse_StopLossAbsoluteTakesPrecedence(t *testing.T) {
	reply := `[{"symbol":"BTCUSDT","action":"open_short","leverage":5,"position_size_usd":500,"stop_loss":70000,"stop_loss_pct":2,"confidence":70,"reasoning":"z"}]`
	out := Parse(reply)
	require.Len(t, out.Decisions, 1)
	d := out.Decisions[0]
	assert.True(t, d.HasAbsoluteStopLoss())
	assert.Equal(t, 70000.0, d.StopLossPrice)
}

func TestAction_Valid(t *testing.T) {
	assert.True(t, ActionOpenLong.Valid())
	assert.True(t, ActionWait.Valid())
	assert.False(t, Action("delete_everything").Valid())
}

func TestDecisionValidate_RejectsBadConfidence(t *testing.T) {
	d := Decision{Symbol: "BTCUSDT", Action: ActionOpenLong, Leverage: 5, NotionalUSD: 100, Confidence: 150}
	assert.Error(t, d.Validate())
}
