// Package collector assembles the per-request execution report: a nested
// event timeline, agent records, cache-layer outcomes and the cost
// breakdown. One collector lives for exactly one query.
package collector

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/quantra-labs/frontdoor/internal/metrics"
)

// layerOrder fixes the serialization order of cache layers.
var layerOrder = []string{"semantic", "router", "tool"}

// Targets are the SLO thresholds reflected in the performance flags.
type Targets struct {
	LatencyMs int
	CostUSD   float64
}

// Collector accumulates one request's execution record. All methods are safe
// for concurrent use; orchestration sub-tasks append through the same
// instance.
type Collector struct {
	mu sync.Mutex

	queryID   string
	sessionID string
	userID    string
	startedAt time.Time
	targets   Targets
	now       func() time.Time

	nextEventID int64
	events      []*Event
	open        map[int]bool // index into events, still active

	agents        []AgentRecord
	layers        map[string]*CacheLayer
	embeddingCost float64
	baseline      float64

	workflowName    string
	pattern         string
	routingTimeMs   float64
	agentsAvailable []string

	query     string
	response  string
	turnCount int
}

// New starts a collector for one request.
func New(queryID, sessionID, userID string, targets Targets) *Collector {
	c := &Collector{
		queryID:   queryID,
		sessionID: sessionID,
		userID:    userID,
		targets:   targets,
		now:       time.Now,
		open:      make(map[int]bool),
		layers:    make(map[string]*CacheLayer),
	}
	c.startedAt = c.now()
	return c
}

// StartEvent pushes a timeline frame and returns its id.
func (c *Collector) StartEvent(eventType, name string, metadata map[string]any) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextEventID++
	ev := &Event{
		ID:       c.nextEventID,
		Type:     eventType,
		Name:     name,
		StartMs:  c.now().UnixMilli(),
		Metadata: metadata,
	}
	c.open[len(c.events)] = true
	c.events = append(c.events, ev)
	return ev.ID
}

// EndEvent closes the frame opened by StartEvent. Closing an unknown or
// already closed event is an error.
func (c *Collector) EndEvent(id int64, status string, metadata map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for idx := range c.open {
		if c.events[idx].ID != id {
			continue
		}
		ev := c.events[idx]
		ev.EndMs = c.now().UnixMilli()
		ev.DurationMs = float64(ev.EndMs - ev.StartMs)
		ev.Status = status
		for k, v := range metadata {
			if ev.Metadata == nil {
				ev.Metadata = make(map[string]any)
			}
			ev.Metadata[k] = v
		}
		delete(c.open, idx)
		return nil
	}
	return fmt.Errorf("end of unopened event %d", id)
}

// Warn records an instantaneous warning event.
func (c *Collector) Warn(name string, metadata map[string]any) {
	id := c.StartEvent("warning", name, metadata)
	_ = c.EndEvent(id, StatusWarning, nil)
}

// RecordAgent appends one agent execution record, preserving invocation
// order.
func (c *Collector) RecordAgent(rec AgentRecord) {
	c.mu.Lock()
	c.agents = append(c.agents, rec)
	c.mu.Unlock()
	metrics.RecordAgentExecution(rec.AgentID, rec.Status, float64(rec.EndedAt-rec.StartedAt))
}

// RecordCacheCheck records the outcome of one cache layer lookup. A repeat
// check of the same layer overwrites the previous outcome.
func (c *Collector) RecordCacheCheck(layer string, hit bool, similarity, queryTimeMs, costSavedUSD float64, matchedQuery string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.layers[layer] = &CacheLayer{
		Name:         layer,
		Checked:      true,
		Hit:          hit,
		Similarity:   similarity,
		QueryTimeMs:  queryTimeMs,
		CostSavedUSD: costSavedUSD,
		MatchedQuery: matchedQuery,
	}
}

// RecordToolInvocation folds one tool call into the tool cache layer
// aggregate. The invocation itself travels inside its AgentRecord.
func (c *Collector) RecordToolInvocation(inv ToolInvocation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	layer, ok := c.layers["tool"]
	if !ok {
		layer = &CacheLayer{Name: "tool"}
		c.layers["tool"] = layer
	}
	layer.Checked = true
	if inv.CacheHit {
		layer.Hit = true
		if inv.Similarity > layer.Similarity {
			layer.Similarity = inv.Similarity
		}
	}
	layer.QueryTimeMs += inv.DurationMs
}

// SetWorkflow records the routing outcome.
func (c *Collector) SetWorkflow(name, pattern string, routingTimeMs float64, agentsAvailable []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.workflowName = name
	c.pattern = pattern
	c.routingTimeMs = routingTimeMs
	c.agentsAvailable = agentsAvailable
}

// SetQuery records the request text.
func (c *Collector) SetQuery(query string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.query = query
}

// SetResponse records the canonical answer text.
func (c *Collector) SetResponse(response string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.response = response
}

// SetTurnCount records the conversation length after this exchange.
func (c *Collector) SetTurnCount(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turnCount = n
}

// AddEmbeddingCost accumulates embedding spend for this request.
func (c *Collector) AddEmbeddingCost(usd float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.embeddingCost += usd
}

// SetBaseline records the uncached cost estimate of the selected workflow.
func (c *Collector) SetBaseline(usd float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.baseline = usd
}

// QueryID returns the request id for error correlation.
func (c *Collector) QueryID() string { return c.queryID }

// Finalize closes any dangling events, assembles the EnhancedResponse and
// folds the request into the process-wide snapshot. Events serialize in
// start order with ties broken by id; cache layers in semantic, router,
// tool order; agents in invocation order.
func (c *Collector) Finalize(snap *metrics.Snapshot) EnhancedResponse {
	c.mu.Lock()
	defer c.mu.Unlock()

	nowMs := c.now().UnixMilli()
	for idx := range c.open {
		ev := c.events[idx]
		ev.EndMs = nowMs
		ev.DurationMs = float64(nowMs - ev.StartMs)
		ev.Status = StatusUnknown
	}
	c.open = make(map[int]bool)

	events := make([]Event, len(c.events))
	for i, ev := range c.events {
		events[i] = *ev
	}
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].StartMs != events[j].StartMs {
			return events[i].StartMs < events[j].StartMs
		}
		return events[i].ID < events[j].ID
	})

	layers := make([]CacheLayer, 0, len(c.layers))
	overallHit := false
	savedUSD := 0.0
	for _, name := range layerOrder {
		if layer, ok := c.layers[name]; ok {
			layers = append(layers, *layer)
			if layer.Hit {
				overallHit = true
			}
			savedUSD += layer.CostSavedUSD
		}
	}

	llmCost := 0.0
	invoked := make([]string, 0, len(c.agents))
	for _, rec := range c.agents {
		llmCost += rec.CostUSD
		invoked = append(invoked, rec.AgentID)
	}
	total := llmCost + c.embeddingCost
	savings := maxFloat(0, c.baseline-total)
	percent := 0
	if c.baseline > 0 {
		percent = int(100*savings/c.baseline + 0.5)
	}

	totalMs := float64(c.now().Sub(c.startedAt).Microseconds()) / 1000
	metLatency := totalMs <= float64(c.targets.LatencyMs)
	metCost := total <= c.targets.CostUSD

	resp := EnhancedResponse{
		Query:     c.query,
		Response:  c.response,
		QueryID:   c.queryID,
		Timestamp: c.startedAt.UTC().Format(time.RFC3339Nano),
		Workflow: WorkflowInfo{
			Name:            c.workflowName,
			Pattern:         c.pattern,
			RoutingTimeMs:   c.routingTimeMs,
			AgentsInvoked:   invoked,
			AgentsAvailable: c.agentsAvailable,
		},
		Agents:          append([]AgentRecord(nil), c.agents...),
		CacheLayers:     layers,
		OverallCacheHit: overallHit,
		Cost: CostBreakdown{
			LLMCostUSD:         llmCost,
			EmbeddingCostUSD:   c.embeddingCost,
			TotalCostUSD:       total,
			BaselineCostUSD:    c.baseline,
			CostSavingsUSD:     savings,
			CostSavingsPercent: percent,
		},
		Performance: PerformanceMetrics{
			TotalTimeMs:        totalMs,
			MeetsLatencyTarget: metLatency,
			MeetsCostTarget:    metCost,
		},
		Session: SessionMetrics{
			SessionID: c.sessionID,
			UserID:    c.userID,
			TurnCount: c.turnCount,
		},
		Timeline: Timeline{
			TotalDurationMs: totalMs,
			Events:          events,
		},
	}

	if snap != nil {
		snap.RecordRequest(overallHit, total, savedUSD, totalMs, metLatency, metCost)
		for _, layer := range layers {
			snap.RecordLayer(layer.Name, layer.Hit, layer.CostSavedUSD)
		}
		if snap.Sessions != nil {
			totals := snap.Sessions.Record(c.sessionID, total, overallHit)
			resp.Session.SessionQueries = totals.Queries
			resp.Session.SessionCostUSD = totals.CostUSD
			resp.Session.SessionCacheHits = totals.CacheHits
		}
	}
	metrics.RequestCostUSD.Observe(total)
	return resp
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
