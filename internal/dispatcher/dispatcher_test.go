package dispatcher

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quantra-labs/frontdoor/internal/agent"
	"github.com/quantra-labs/frontdoor/internal/cache/router"
	"github.com/quantra-labs/frontdoor/internal/cache/semantic"
	"github.com/quantra-labs/frontdoor/internal/cache/toolcache"
	"github.com/quantra-labs/frontdoor/internal/collector"
	"github.com/quantra-labs/frontdoor/internal/embeddings"
	"github.com/quantra-labs/frontdoor/internal/llm"
	"github.com/quantra-labs/frontdoor/internal/memory"
	"github.com/quantra-labs/frontdoor/internal/metrics"
	"github.com/quantra-labs/frontdoor/internal/orchestration"
	"github.com/quantra-labs/frontdoor/internal/pricing"
	"github.com/quantra-labs/frontdoor/internal/vectorstore"
	"github.com/quantra-labs/frontdoor/internal/workflow"
)

const testModel = "gpt-4o-mini"

// vecProvider overrides Embed with fixed vectors per text so tests control
// similarity exactly. Chat completions fall through to the fake's scripts.
type vecProvider struct {
	*llm.FakeProvider
	vecs map[string][]float32
}

func (p *vecProvider) Embed(ctx context.Context, model, text string, dim int) ([]float32, error) {
	if v, ok := p.vecs[text]; ok {
		return v, nil
	}
	return p.FakeProvider.Embed(ctx, model, text, dim)
}

type fixture struct {
	d        *Dispatcher
	store    *vectorstore.Inmem
	provider *vecProvider
	snap     *metrics.Snapshot
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := zap.NewNop()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := vectorstore.NewInmem()
	provider := &vecProvider{FakeProvider: llm.NewFakeProvider(), vecs: map[string][]float32{}}
	provider.DefaultText = "generic answer"

	table := pricing.NewStaticTable(
		map[string]pricing.ModelPrice{testModel: {InputPer1K: 0.00015, OutputPer1K: 0.0006}},
		map[string]pricing.EmbeddingPrice{"text-embedding-3-large": {Per1K: 0.00013}},
		map[string]float64{
			"Default":                    0.01,
			"QuickQuoteWorkflow":         0.0315,
			"InvestmentAnalysisWorkflow": 0.05,
			"PortfolioReviewWorkflow":    0.04,
			"ResearchWorkflow":           0.08,
		},
		logger)

	embedder := embeddings.NewService(embeddings.Config{Model: "text-embedding-3-large", Dim: 8}, provider, nil, logger)

	sem := semantic.New(store, table, semantic.Config{SimilarityThreshold: 0.92, TTL: time.Hour, Dim: 8}, logger)
	require.NoError(t, sem.EnsureIndex(ctx))

	registry := workflow.NewRegistry()
	for _, w := range workflow.Builtin() {
		require.NoError(t, registry.Register(w))
	}
	var rules []router.PatternRule
	for _, rp := range registry.RoutePatterns() {
		rules = append(rules, router.PatternRule{Pattern: rp.Pattern, Workflow: rp.Workflow})
	}
	rtr := router.New(store, table, router.Config{SimilarityThreshold: 0.90, Dim: 8, ChatModel: testModel}, rules, registry.Names(), logger)
	require.NoError(t, rtr.EnsureIndex(ctx))

	tc := toolcache.New(client, 5*time.Minute, logger)
	runtime := agent.NewRuntime(table, tc, 300*time.Millisecond, logger)

	agents := map[string]agent.Agent{}
	for _, a := range []agent.Agent{
		agent.NewMarketDataAgent(provider, testModel),
		agent.NewNewsAgent(provider, testModel),
		agent.NewSentimentAgent(provider, testModel),
		agent.NewRiskAgent(provider, testModel),
		agent.NewFundamentalsAgent(provider, testModel),
		agent.NewSynthesisAgent(provider, testModel),
		agent.NewTriageAgent(provider, testModel, []string{"TriageAgent", "NewsAgent", "FundamentalsAgent", "SentimentAgent"}),
	} {
		agents[a.ID()] = a
	}
	engine := orchestration.New(runtime, agents, orchestration.Config{ConcurrentCap: 2 * time.Second, MaxHops: 6}, logger)

	mem := memory.NewService(client, 50, logger)
	snap := metrics.NewSnapshot()

	d := New(Config{
		ConcurrencyCap:  8,
		RequestDeadline: 10 * time.Second,
		ChatModel:       testModel,
		Targets:         collector.Targets{LatencyMs: 2000, CostUSD: 0.02},
	}, embedder, sem, rtr, registry, engine, mem, table, snap, logger)

	return &fixture{d: d, store: store, provider: provider, snap: snap}
}

func findLayer(resp *collector.EnhancedResponse, name string) *collector.CacheLayer {
	for i := range resp.CacheLayers {
		if resp.CacheLayers[i].Name == name {
			return &resp.CacheLayers[i]
		}
	}
	return nil
}

func findEvent(resp *collector.EnhancedResponse, name string) *collector.Event {
	for i := range resp.Timeline.Events {
		if resp.Timeline.Events[i].Name == name {
			return &resp.Timeline.Events[i]
		}
	}
	return nil
}

func TestColdCacheSingleAgentWorkflow(t *testing.T) {
	f := newFixture(t)
	f.provider.Script("Quote data", "AAPL is trading at $187.23, up 0.8% today.")

	resp, err := f.d.Handle(context.Background(), Request{Query: "what is the current price of AAPL", UserID: "u1"})
	require.NoError(t, err)

	assert.Equal(t, "QuickQuoteWorkflow", resp.Workflow.Name)
	assert.Equal(t, "sequential", resp.Workflow.Pattern)
	require.Len(t, resp.Agents, 1)
	assert.Equal(t, "MarketDataAgent", resp.Agents[0].AgentID)
	assert.False(t, resp.OverallCacheHit)

	semLayer := findLayer(resp, "semantic")
	require.NotNil(t, semLayer)
	assert.True(t, semLayer.Checked)
	assert.False(t, semLayer.Hit)

	routerLayer := findLayer(resp, "router")
	require.NotNil(t, routerLayer)
	assert.False(t, routerLayer.Hit)
	assert.Empty(t, routerLayer.MatchedQuery)

	assert.Greater(t, resp.Cost.TotalCostUSD, 0.0)
	assert.Equal(t, 0.0315, resp.Cost.BaselineCostUSD)
	assert.InDelta(t, resp.Cost.LLMCostUSD+resp.Cost.EmbeddingCostUSD, resp.Cost.TotalCostUSD, 1e-9)

	for _, name := range []string{"embedding", "cache_lookup:semantic", "routing:pattern", "agent:MarketDataAgent", "cache_store:semantic"} {
		assert.NotNil(t, findEvent(resp, name), "missing event %s", name)
	}
}

func TestWarmCacheExactRepeat(t *testing.T) {
	f := newFixture(t)
	f.provider.Script("Quote data", "AAPL is trading at $187.23, up 0.8% today.")

	first, err := f.d.Handle(context.Background(), Request{Query: "what is the current price of AAPL", UserID: "u1"})
	require.NoError(t, err)

	second, err := f.d.Handle(context.Background(), Request{Query: "what is the current price of AAPL", UserID: "u1"})
	require.NoError(t, err)

	assert.NotEqual(t, first.QueryID, second.QueryID)
	assert.Empty(t, second.Agents)
	assert.True(t, second.OverallCacheHit)
	assert.Equal(t, first.Response, second.Response)
	assert.Equal(t, "QuickQuoteWorkflow", second.Workflow.Name)

	semLayer := findLayer(second, "semantic")
	require.NotNil(t, semLayer)
	assert.True(t, semLayer.Hit)
	assert.GreaterOrEqual(t, semLayer.Similarity, 0.999)
	assert.Equal(t, 0.0315, semLayer.CostSavedUSD)

	assert.Zero(t, second.Cost.LLMCostUSD)
	// The query still had to be embedded; its cost is attributed even when
	// the vector came from the embedding cache.
	assert.Greater(t, second.Cost.EmbeddingCostUSD, 0.0)
	assert.InDelta(t, second.Cost.EmbeddingCostUSD, second.Cost.TotalCostUSD, 1e-9)
}

func TestNearHitBelowThreshold(t *testing.T) {
	f := newFixture(t)
	f.provider.Script("Quote data", "AAPL quote answer.")
	f.provider.Script("Notes:", "Apple stock overview.")

	e1 := make([]float32, 8)
	e1[0] = 1
	near := make([]float32, 8)
	near[0] = 0.88
	near[1] = float32(math.Sqrt(1 - 0.88*0.88))
	f.provider.vecs["price of AAPL"] = e1
	f.provider.vecs["tell me about Apple's share price"] = near

	_, err := f.d.Handle(context.Background(), Request{Query: "price of AAPL", UserID: "u1"})
	require.NoError(t, err)

	resp, err := f.d.Handle(context.Background(), Request{Query: "tell me about Apple's share price", UserID: "u1"})
	require.NoError(t, err)

	semLayer := findLayer(resp, "semantic")
	require.NotNil(t, semLayer)
	assert.False(t, semLayer.Hit)
	assert.InDelta(t, 0.88, semLayer.Similarity, 1e-6)

	// The full workflow still executed.
	assert.NotEmpty(t, resp.Agents)
	assert.False(t, resp.OverallCacheHit)
	assert.Equal(t, "Default", resp.Workflow.Name)
}

func TestConcurrentWorkflowWithOneTimeout(t *testing.T) {
	f := newFixture(t)
	f.provider.Script("Quote data", "AAPL at $187.23.")
	f.provider.ScriptDelay("Headlines", "late headlines", time.Second)
	f.provider.Script("Assess risk", "Risk is moderate.")
	f.provider.Script("Notes:", "Overall, a cautious buy.")

	resp, err := f.d.Handle(context.Background(), Request{Query: "should i buy AAPL", UserID: "u1"})
	require.NoError(t, err)

	assert.Equal(t, "InvestmentAnalysisWorkflow", resp.Workflow.Name)
	require.Len(t, resp.Agents, 4)

	statuses := map[string]string{}
	for _, a := range resp.Agents {
		statuses[a.AgentID] = a.Status
	}
	assert.Equal(t, collector.StatusSuccess, statuses["MarketDataAgent"])
	assert.Equal(t, collector.StatusTimeout, statuses["NewsAgent"])
	assert.Equal(t, collector.StatusSuccess, statuses["RiskAgent"])
	assert.Equal(t, collector.StatusSuccess, statuses["SynthesisAgent"])

	assert.Equal(t, "Overall, a cautious buy.", resp.Response)
	assert.NotNil(t, findEvent(resp, "concurrent_agent_failed"))
}

func TestHandoffMaxHopsExceeded(t *testing.T) {
	f := newFixture(t)
	f.provider.Script("Question:", `{"next_agent": "TriageAgent"}`)
	f.provider.Script("Notes:", "Research summary.")

	resp, err := f.d.Handle(context.Background(), Request{Query: "research AAPL, deep dive please", UserID: "u1"})
	require.NoError(t, err)

	assert.Equal(t, "ResearchWorkflow", resp.Workflow.Name)
	// Six hops against the cap, then synthesis.
	require.Len(t, resp.Agents, 7)
	for _, a := range resp.Agents[:6] {
		assert.Equal(t, "TriageAgent", a.AgentID)
	}
	assert.Equal(t, "SynthesisAgent", resp.Agents[6].AgentID)
	assert.Equal(t, "Research summary.", resp.Response)
	assert.NotNil(t, findEvent(resp, "orchestration:handoff:hop_cap_reached"))
}

func TestStoreOutageMidRequest(t *testing.T) {
	f := newFixture(t)
	f.provider.Script("Quote data", "AAPL is trading at $187.23.")
	f.store.FailAll = true

	resp, err := f.d.Handle(context.Background(), Request{Query: "what is the current price of AAPL", UserID: "u1"})
	require.NoError(t, err)

	semLayer := findLayer(resp, "semantic")
	require.NotNil(t, semLayer)
	assert.True(t, semLayer.Checked)
	assert.False(t, semLayer.Hit)

	assert.NotNil(t, findEvent(resp, "store_unavailable"))

	storeEv := findEvent(resp, "cache_store:semantic")
	require.NotNil(t, storeEv)
	assert.Equal(t, collector.StatusError, storeEv.Status)

	// The workflow still ran and produced an answer.
	require.Len(t, resp.Agents, 1)
	assert.Equal(t, "AAPL is trading at $187.23.", resp.Response)
}

func TestInvalidRequest(t *testing.T) {
	f := newFixture(t)

	_, err := f.d.Handle(context.Background(), Request{Query: "   ", UserID: "u1"})
	var derr *Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, CodeInvalidRequest, derr.Code)
	assert.NotEmpty(t, derr.QueryID)
}

func TestRequiredAgentFailureSurfacesWithPartialMetrics(t *testing.T) {
	f := newFixture(t)
	// The quote agent's completion fails; QuickQuoteWorkflow's only task is
	// required, so the request fails with partial metrics attached.
	f.provider.ScriptError("Quote data", llm.ErrProviderUnavailable)

	_, err := f.d.Handle(context.Background(), Request{Query: "what is the current price of AAPL", UserID: "u1"})
	var derr *Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, CodeProviderUnavailable, derr.Code)
	require.NotNil(t, derr.PartialMetrics)
	require.Len(t, derr.PartialMetrics.Agents, 1)
	assert.Equal(t, collector.StatusError, derr.PartialMetrics.Agents[0].Status)
}

func TestOverloadedRejectsAboveCap(t *testing.T) {
	f := newFixture(t)
	// Rebuild with a cap of one and a slow default path, then race a second
	// request against the occupied slot.
	f.d.cfg.ConcurrencyCap = 1
	f.d.sem = make(chan struct{}, 1)
	f.provider.ScriptDelay("Notes:", "slow answer", 500*time.Millisecond)
	rejectedBefore := testutil.ToFloat64(metrics.RequestsRejected)

	errCh := make(chan error, 1)
	go func() {
		_, err := f.d.Handle(context.Background(), Request{Query: "tell me something", UserID: "u1"})
		errCh <- err
	}()
	time.Sleep(100 * time.Millisecond)

	_, err := f.d.Handle(context.Background(), Request{Query: "another question", UserID: "u2"})
	var derr *Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, CodeOverloaded, derr.Code)
	assert.Equal(t, rejectedBefore+1, testutil.ToFloat64(metrics.RequestsRejected))

	require.NoError(t, <-errCh)
}

func TestRequestDeadlineExpiryMapsToTimeout(t *testing.T) {
	f := newFixture(t)
	f.d.cfg.RequestDeadline = 50 * time.Millisecond
	f.provider.ScriptDelay("Quote data", "late quote", 200*time.Millisecond)

	_, err := f.d.Handle(context.Background(), Request{Query: "what is the current price of AAPL", UserID: "u1"})
	var derr *Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, CodeOrchestrationTimeout, derr.Code)
	require.NotNil(t, derr.PartialMetrics)
	require.Len(t, derr.PartialMetrics.Agents, 1)
	assert.Equal(t, collector.StatusTimeout, derr.PartialMetrics.Agents[0].Status)
}

func TestRouteLearnedAfterResponse(t *testing.T) {
	f := newFixture(t)
	f.provider.Script("Quote data", "AAPL at $187.23.")

	_, err := f.d.Handle(context.Background(), Request{Query: "what is the current price of AAPL", UserID: "u1"})
	require.NoError(t, err)

	// The route upsert happens off the request path.
	assert.Eventually(t, func() bool {
		ids, err := f.store.Scan(context.Background(), router.KeyPrefix)
		return err == nil && len(ids) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestRequestMetricsRecorded(t *testing.T) {
	f := newFixture(t)
	f.provider.Script("Quote data", "AAPL at $187.23.")
	success := metrics.RequestsTotal.WithLabelValues("QuickQuoteWorkflow", "success")
	before := testutil.ToFloat64(success)

	_, err := f.d.Handle(context.Background(), Request{Query: "what is the current price of AAPL", UserID: "u1"})
	require.NoError(t, err)

	assert.Equal(t, before+1, testutil.ToFloat64(success))
	assert.Zero(t, testutil.ToFloat64(metrics.RequestsInFlight))
}

func TestSessionIDStableWithinHour(t *testing.T) {
	at := time.Date(2026, 3, 5, 14, 10, 0, 0, time.UTC)
	later := at.Add(20 * time.Minute)
	nextHour := at.Add(time.Hour)

	assert.Equal(t, SessionID("u1", at), SessionID("u1", later))
	assert.NotEqual(t, SessionID("u1", at), SessionID("u1", nextHour))
	assert.NotEqual(t, SessionID("u1", at), SessionID("u2", at))
}

func TestUnknownWorkflowFallsBackToDefault(t *testing.T) {
	f := newFixture(t)
	f.provider.Script("Notes:", "fallback answer")

	// Plant a learned route pointing at a workflow that no longer exists by
	// seeding the store directly, then query with its exact vector.
	vec := make([]float32, 8)
	vec[0] = 1
	f.provider.vecs["run the retired flow"] = vec
	require.NoError(t, f.store.Upsert(context.Background(), router.KeyPrefix, "stale", map[string]interface{}{
		"route_key":     "stale",
		"pattern_text":  "run the retired flow",
		"workflow_name": "RetiredWorkflow",
		"embedding":     vectorstore.EncodeVector(vec),
		"created_at":    time.Now().UnixMilli(),
	}))

	resp, err := f.d.Handle(context.Background(), Request{Query: "run the retired flow", UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, "Default", resp.Workflow.Name)
}
