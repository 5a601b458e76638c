package collector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantra-labs/frontdoor/internal/metrics"
)

func testTargets() Targets {
	return Targets{LatencyMs: 2000, CostUSD: 0.02}
}

func TestEventLifecycle(t *testing.T) {
	c := New("q1", "s1", "u1", testTargets())

	id := c.StartEvent("embedding", "embed_query", nil)
	require.NoError(t, c.EndEvent(id, StatusSuccess, map[string]any{"tokens": 12}))

	resp := c.Finalize(nil)
	require.Len(t, resp.Timeline.Events, 1)
	ev := resp.Timeline.Events[0]
	assert.Equal(t, "embedding", ev.Type)
	assert.Equal(t, StatusSuccess, ev.Status)
	assert.GreaterOrEqual(t, ev.EndMs, ev.StartMs)
	assert.Equal(t, 12, ev.Metadata["tokens"])
}

func TestEndEventUnknownIDFails(t *testing.T) {
	c := New("q1", "s1", "u1", testTargets())
	assert.Error(t, c.EndEvent(99, StatusSuccess, nil))

	id := c.StartEvent("agent", "a", nil)
	require.NoError(t, c.EndEvent(id, StatusSuccess, nil))
	assert.Error(t, c.EndEvent(id, StatusSuccess, nil))
}

func TestUnclosedEventsCloseAsUnknown(t *testing.T) {
	c := New("q1", "s1", "u1", testTargets())
	c.StartEvent("agent", "dangling", nil)

	resp := c.Finalize(nil)
	require.Len(t, resp.Timeline.Events, 1)
	assert.Equal(t, StatusUnknown, resp.Timeline.Events[0].Status)
	assert.GreaterOrEqual(t, resp.Timeline.Events[0].DurationMs, 0.0)
}

func TestEventOrderingStartThenID(t *testing.T) {
	c := New("q1", "s1", "u1", testTargets())
	base := time.Now()
	c.now = func() time.Time { return base }

	// All three share one start timestamp; ids break the tie.
	a := c.StartEvent("x", "first", nil)
	b := c.StartEvent("x", "second", nil)
	d := c.StartEvent("x", "third", nil)
	require.NoError(t, c.EndEvent(d, StatusSuccess, nil))
	require.NoError(t, c.EndEvent(b, StatusSuccess, nil))
	require.NoError(t, c.EndEvent(a, StatusSuccess, nil))

	resp := c.Finalize(nil)
	require.Len(t, resp.Timeline.Events, 3)
	assert.Equal(t, "first", resp.Timeline.Events[0].Name)
	assert.Equal(t, "second", resp.Timeline.Events[1].Name)
	assert.Equal(t, "third", resp.Timeline.Events[2].Name)
}

func TestCacheLayerOrderAndOverallHit(t *testing.T) {
	c := New("q1", "s1", "u1", testTargets())
	c.RecordToolInvocation(ToolInvocation{ToolName: "get_quote", CacheHit: false, DurationMs: 2})
	c.RecordCacheCheck("router", false, 0.4, 1.2, 0, "")
	c.RecordCacheCheck("semantic", true, 0.97, 3.1, 0.0315, "price of aapl")

	resp := c.Finalize(nil)
	require.Len(t, resp.CacheLayers, 3)
	assert.Equal(t, "semantic", resp.CacheLayers[0].Name)
	assert.Equal(t, "router", resp.CacheLayers[1].Name)
	assert.Equal(t, "tool", resp.CacheLayers[2].Name)
	assert.True(t, resp.OverallCacheHit)
	assert.Equal(t, "price of aapl", resp.CacheLayers[0].MatchedQuery)
}

func TestOverallHitFalseWhenAllMiss(t *testing.T) {
	c := New("q1", "s1", "u1", testTargets())
	c.RecordCacheCheck("semantic", false, 0.88, 3.1, 0, "")
	resp := c.Finalize(nil)
	assert.False(t, resp.OverallCacheHit)
	assert.InDelta(t, 0.88, resp.CacheLayers[0].Similarity, 1e-9)
}

func TestCostAggregation(t *testing.T) {
	c := New("q1", "s1", "u1", testTargets())
	c.SetBaseline(0.0315)
	c.AddEmbeddingCost(0.0001)
	c.RecordAgent(AgentRecord{AgentID: "MarketDataAgent", Status: StatusSuccess, CostUSD: 0.002})
	c.RecordAgent(AgentRecord{AgentID: "SynthesisAgent", Status: StatusSuccess, CostUSD: 0.003})

	resp := c.Finalize(nil)
	assert.InDelta(t, 0.005, resp.Cost.LLMCostUSD, 1e-9)
	assert.InDelta(t, 0.0051, resp.Cost.TotalCostUSD, 1e-9)
	assert.InDelta(t, resp.Cost.LLMCostUSD+resp.Cost.EmbeddingCostUSD, resp.Cost.TotalCostUSD, 1e-6)
	assert.InDelta(t, 0.0264, resp.Cost.CostSavingsUSD, 1e-9)
	assert.Equal(t, 84, resp.Cost.CostSavingsPercent)
	assert.Equal(t, []string{"MarketDataAgent", "SynthesisAgent"}, resp.Workflow.AgentsInvoked)
}

func TestZeroBaselineYieldsZeroPercent(t *testing.T) {
	c := New("q1", "s1", "u1", testTargets())
	c.RecordAgent(AgentRecord{AgentID: "a", Status: StatusSuccess, CostUSD: 0.01})
	resp := c.Finalize(nil)
	assert.Equal(t, 0, resp.Cost.CostSavingsPercent)
	assert.Equal(t, 0.0, resp.Cost.CostSavingsUSD)
}

func TestFinalizeUpdatesSnapshot(t *testing.T) {
	snap := metrics.NewSnapshot()
	c := New("q1", "s1", "u1", testTargets())
	c.RecordCacheCheck("semantic", true, 0.99, 1, 0.0315, "q")
	c.Finalize(snap)

	view := snap.Performance()
	assert.Equal(t, int64(1), view.TotalRequests)
	assert.Equal(t, int64(1), view.CacheHitRequests)
	cache := snap.Cache()
	assert.Equal(t, int64(1), cache.Layers["semantic"].Hits)
}

func TestSessionTotalsAccumulateAcrossRequests(t *testing.T) {
	snap := metrics.NewSnapshot()

	first := New("q1", "s1", "u1", testTargets())
	first.AddEmbeddingCost(0.001)
	resp := first.Finalize(snap)
	assert.Equal(t, int64(1), resp.Session.SessionQueries)
	assert.InDelta(t, 0.001, resp.Session.SessionCostUSD, 1e-9)
	assert.Equal(t, int64(0), resp.Session.SessionCacheHits)

	second := New("q2", "s1", "u1", testTargets())
	second.RecordCacheCheck("semantic", true, 0.99, 1, 0.0315, "q")
	resp = second.Finalize(snap)
	assert.Equal(t, int64(2), resp.Session.SessionQueries)
	assert.InDelta(t, 0.001, resp.Session.SessionCostUSD, 1e-9)
	assert.Equal(t, int64(1), resp.Session.SessionCacheHits)

	other := New("q3", "s2", "u2", testTargets())
	resp = other.Finalize(snap)
	assert.Equal(t, int64(1), resp.Session.SessionQueries)
}

func TestWarnEmitsClosedWarningEvent(t *testing.T) {
	c := New("q1", "s1", "u1", testTargets())
	c.Warn("store_unavailable", map[string]any{"layer": "semantic"})
	resp := c.Finalize(nil)
	require.Len(t, resp.Timeline.Events, 1)
	assert.Equal(t, "warning", resp.Timeline.Events[0].Type)
	assert.Equal(t, StatusWarning, resp.Timeline.Events[0].Status)
}
