package store

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustJSON(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func TestEndSessionStats_AggregatesRealizedTrades(t *testing.T) {
	s := newTestStore(t)
	sess, err := s.Session().CreateIfNoneRunning(10000, []string{"BTC/USDT:USDT"}, RiskParams{}, 60)
	require.NoError(t, err)

	cr := s.CycleRecord()
	require.NoError(t, cr.Append(&CycleRecord{
		SessionID:   sess.ID,
		CycleNumber: 1,
		Stage:       StageAudit,
		ExecutionResults: mustJSON(t, []ExecutionResult{
			{Symbol: "BTC/USDT:USDT", Action: "close_long", Status: ExecStatusFilled, RealizedPnL: 50},
		}),
		AccountSummary: mustJSON(t, AccountSummary{LongPositions: 1}),
	}))
	require.NoError(t, cr.Append(&CycleRecord{
		SessionID:   sess.ID,
		CycleNumber: 2,
		Stage:       StageAudit,
		ExecutionResults: mustJSON(t, []ExecutionResult{
			{Symbol: "ETH/USDT:USDT", Action: "close_short", Status: ExecStatusFilled, RealizedPnL: -20},
		}),
		AccountSummary: mustJSON(t, AccountSummary{ShortPositions: 1}),
	}))
	require.NoError(t, cr.Append(&CycleRecord{
		SessionID:      sess.ID,
		CycleNumber:    3,
		Stage:          StageAudit,
		AccountSummary: mustJSON(t, AccountSummary{}),
	}))

	stats, err := s.Session().EndSessionStats(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalTrades)
	assert.Equal(t, 1, stats.WinningTrades)
	assert.Equal(t, 1, stats.LosingTrades)
	assert.Equal(t, 30.0, stats.TotalPnL)
	assert.InDelta(t, 33.33, stats.LongHoldPct, 0.1)
	assert.InDelta(t, 33.33, stats.ShortHoldPct, 0.1)
	assert.InDelta(t, 33.33, stats.FlatHoldPct, 0.1)
}

func TestEndSession_PersistsStatsAndFinalStatus(t *testing.T) {
	s := newTestStore(t)
	sess, err := s.Session().CreateIfNoneRunning(10000, []string{"BTC/USDT:USDT"}, RiskParams{}, 60)
	require.NoError(t, err)

	require.NoError(t, s.CycleRecord().Append(&CycleRecord{
		SessionID:   sess.ID,
		CycleNumber: 1,
		Stage:       StageAudit,
		ExecutionResults: mustJSON(t, []ExecutionResult{
			{Symbol: "BTC/USDT:USDT", Action: "close_long", Status: ExecStatusFilled, RealizedPnL: 100},
		}),
	}))

	require.NoError(t, s.Session().EndSession(sess.ID, SessionStatusCompleted, "done"))

	got, err := s.Session().GetByID(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, SessionStatusCompleted, got.SessionStatus)
	assert.Equal(t, BgStatusStopped, got.BgStatus)
	assert.Equal(t, "done", got.Notes)
	assert.Equal(t, 1, got.TotalTrades)
	assert.Equal(t, 100.0, got.TotalPnL)
}

func TestEndSessionStats_NoRecordsIsZeroNotError(t *testing.T) {
	s := newTestStore(t)
	sess, err := s.Session().CreateIfNoneRunning(10000, nil, RiskParams{}, 60)
	require.NoError(t, err)

	stats, err := s.Session().EndSessionStats(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.TotalTrades)
	assert.Equal(t, 0.0, stats.LongHoldPct)
}

func TestGetAssetTimeline_OldestFirstWithDerivedDecisionType(t *testing.T) {
	s := newTestStore(t)
	sess, err := s.Session().CreateIfNoneRunning(10000, []string{"BTC/USDT:USDT"}, RiskParams{}, 60)
	require.NoError(t, err)

	cr := s.CycleRecord()
	require.NoError(t, cr.Append(&CycleRecord{
		SessionID:      sess.ID,
		CycleNumber:    1,
		Stage:          StageAudit,
		Decisions:      mustJSON(t, []map[string]string{{"action": "open_long"}}),
		AccountSummary: mustJSON(t, AccountSummary{AccountEquity: 10000, TotalAsset: 10000}),
	}))
	require.NoError(t, cr.Append(&CycleRecord{
		SessionID:      sess.ID,
		CycleNumber:    2,
		Stage:          StageAudit,
		AccountSummary: mustJSON(t, AccountSummary{AccountEquity: 10050, UnrealizedPnL: 50, TotalAsset: 10050}),
	}))

	timeline, err := s.Session().GetAssetTimeline(sess.ID)
	require.NoError(t, err)
	require.Len(t, timeline, 2)
	assert.Equal(t, "open_long", timeline[0].DecisionType)
	assert.Equal(t, 10000.0, timeline[0].AccountBalance)
	assert.Equal(t, "hold", timeline[1].DecisionType)
	assert.Equal(t, 50.0, timeline[1].UnrealizedPnL)
}

func TestGetAssetTimeline_NoRecordsIsEmptyNotError(t *testing.T) {
	s := newTestStore(t)
	sess, err := s.Session().CreateIfNoneRunning(10000, nil, RiskParams{}, 60)
	require.NoError(t, err)

	timeline, err := s.Session().GetAssetTimeline(sess.ID)
	require.NoError(t, err)
	assert.Empty(t, timeline)
}
