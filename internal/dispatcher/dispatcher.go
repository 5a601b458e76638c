// Package dispatcher is the front door's request pipeline: cache lookup,
// contextual memory, routing, orchestration, synthesis and cache store-back,
// all recorded into one request-scoped metrics collector.
package dispatcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quantra-labs/frontdoor/internal/cache/router"
	"github.com/quantra-labs/frontdoor/internal/cache/semantic"
	"github.com/quantra-labs/frontdoor/internal/collector"
	"github.com/quantra-labs/frontdoor/internal/embeddings"
	"github.com/quantra-labs/frontdoor/internal/memory"
	"github.com/quantra-labs/frontdoor/internal/metrics"
	"github.com/quantra-labs/frontdoor/internal/orchestration"
	"github.com/quantra-labs/frontdoor/internal/pricing"
	"github.com/quantra-labs/frontdoor/internal/workflow"
)

// maxQueryBytes bounds accepted query text.
const maxQueryBytes = 8192

// Error codes surfaced to callers.
const (
	CodeInvalidRequest       = "invalid_request"
	CodeOverloaded           = "overloaded"
	CodeProviderUnavailable  = "provider_unavailable"
	CodeOrchestrationTimeout = "orchestration_timeout"
)

// Error is the structured failure returned to callers. PartialMetrics is
// populated when the request died after work had already been recorded.
type Error struct {
	Code           string                      `json:"code"`
	Message        string                      `json:"message"`
	QueryID        string                      `json:"query_id,omitempty"`
	PartialMetrics *collector.EnhancedResponse `json:"partial_metrics,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Request is one user query.
type Request struct {
	Query  string         `json:"query"`
	UserID string         `json:"user_id"`
	Ticker string         `json:"ticker,omitempty"`
	Params map[string]any `json:"params,omitempty"`
}

// Config bounds dispatcher behavior.
type Config struct {
	ConcurrencyCap  int
	RequestDeadline time.Duration
	ChatModel       string
	Targets         collector.Targets
}

// Dispatcher wires the pipeline stages together. All stages are read-only
// after construction; one Dispatcher serves every request concurrently.
type Dispatcher struct {
	cfg      Config
	embedder *embeddings.Service
	semantic *semantic.Cache
	router   *router.Router
	registry *workflow.Registry
	engine   *orchestration.Engine
	memory   *memory.Service
	pricing  *pricing.Table
	snapshot *metrics.Snapshot
	logger   *zap.Logger

	sem chan struct{}
	now func() time.Time
}

// New builds the dispatcher.
func New(cfg Config, embedder *embeddings.Service, sem *semantic.Cache, rtr *router.Router,
	registry *workflow.Registry, engine *orchestration.Engine, mem *memory.Service,
	table *pricing.Table, snapshot *metrics.Snapshot, logger *zap.Logger) *Dispatcher {
	if cfg.ConcurrencyCap <= 0 {
		cfg.ConcurrencyCap = 128
	}
	if cfg.RequestDeadline <= 0 {
		cfg.RequestDeadline = 60 * time.Second
	}
	return &Dispatcher{
		cfg:      cfg,
		embedder: embedder,
		semantic: sem,
		router:   rtr,
		registry: registry,
		engine:   engine,
		memory:   mem,
		pricing:  table,
		snapshot: snapshot,
		logger:   logger,
		sem:      make(chan struct{}, cfg.ConcurrencyCap),
		now:      time.Now,
	}
}

// Snapshot exposes the process-wide counters for the metrics endpoints.
func (d *Dispatcher) Snapshot() *metrics.Snapshot { return d.snapshot }

// Pricing exposes the active pricing table for the metrics endpoints.
func (d *Dispatcher) Pricing() *pricing.Table { return d.pricing }

// SessionID derives the session identifier: one user within one UTC hour
// shares a session.
func SessionID(userID string, at time.Time) string {
	window := at.UTC().Truncate(time.Hour).Format("2006010215")
	h := sha256.Sum256([]byte(userID + "|" + window))
	return hex.EncodeToString(h[:])[:16]
}

// Handle runs one query end to end. The returned error, when non-nil, is
// always a *Error; a response and an error are mutually exclusive.
func (d *Dispatcher) Handle(ctx context.Context, req Request) (*collector.EnhancedResponse, error) {
	queryID := uuid.NewString()
	start := d.now()

	query := strings.TrimSpace(req.Query)
	if query == "" {
		d.observe("none", CodeInvalidRequest, false, start)
		return nil, &Error{Code: CodeInvalidRequest, Message: "query must not be empty", QueryID: queryID}
	}
	if len(query) > maxQueryBytes {
		d.observe("none", CodeInvalidRequest, false, start)
		return nil, &Error{Code: CodeInvalidRequest, Message: "query exceeds 8 KiB", QueryID: queryID}
	}
	userID := req.UserID
	if userID == "" {
		userID = "anonymous"
	}

	select {
	case d.sem <- struct{}{}:
		defer func() { <-d.sem }()
	default:
		metrics.RequestsRejected.Inc()
		return nil, &Error{Code: CodeOverloaded, Message: "concurrency cap reached", QueryID: queryID}
	}
	metrics.RequestsInFlight.Inc()
	defer metrics.RequestsInFlight.Dec()

	ctx, cancel := context.WithTimeout(ctx, d.cfg.RequestDeadline)
	defer cancel()

	col := collector.New(queryID, SessionID(userID, d.now()), userID, d.cfg.Targets)
	col.SetQuery(query)

	vec := d.embed(ctx, query, col)

	if vec != nil {
		if resp := d.semanticLookup(ctx, query, vec, col); resp != nil {
			d.observe(resp.Workflow.Name, "success", true, start)
			return resp, nil
		}
	}

	user, err := d.memory.Load(ctx, userID)
	if err != nil {
		col.Warn("memory_load_failed", map[string]any{"error": err.Error()})
	}
	if req.Ticker != "" {
		if req.Params == nil {
			req.Params = map[string]any{}
		}
		req.Params["ticker"] = req.Ticker
	}

	decision := d.router.Route(ctx, query, vec)
	d.recordRouting(col, decision)

	w, err := d.registry.Get(decision.WorkflowName)
	if err != nil {
		if !errors.Is(err, workflow.ErrUnknownWorkflow) {
			d.logger.Error("Registry lookup failed", zap.Error(err))
		}
		col.Warn("unknown_workflow", map[string]any{"workflow": decision.WorkflowName})
		if w, err = d.registry.Get(router.DefaultWorkflow); err != nil {
			d.observe("none", CodeInvalidRequest, false, start)
			return nil, &Error{Code: CodeInvalidRequest, Message: "no Default workflow registered", QueryID: queryID}
		}
	}
	col.SetWorkflow(w.Name, string(w.Pattern), decision.RoutingTimeMs, w.AgentIDs())
	col.SetBaseline(d.pricing.BaselineCost(w.Name))

	answer, err := d.engine.Execute(ctx, w, orchestration.Input{
		Query:     query,
		User:      user,
		Inputs:    req.Params,
		Collector: col,
	})
	if err != nil {
		partial := col.Finalize(d.snapshot)
		code := CodeProviderUnavailable
		if errors.Is(err, context.DeadlineExceeded) {
			code = CodeOrchestrationTimeout
		}
		d.observe(w.Name, code, false, start)
		return nil, &Error{Code: code, Message: err.Error(), QueryID: queryID, PartialMetrics: &partial}
	}
	col.SetResponse(answer)

	// Side effects past this point never fail the request.
	if vec != nil {
		d.storeBack(ctx, query, answer, w.Name, vec, col)
		if decision.Source != router.SourceFallback {
			d.learnRouteAsync(ctx, query, w.Name, vec)
		}
	}
	d.appendTurns(ctx, userID, query, answer, col)
	col.SetTurnCount(len(user.Turns) + 2)

	resp := col.Finalize(d.snapshot)
	d.observe(w.Name, "success", resp.OverallCacheHit, start)
	return &resp, nil
}

// learnRouteAsync upserts the learned route off the request path. The write
// outlives the request deadline under its own short budget.
func (d *Dispatcher) learnRouteAsync(ctx context.Context, query, workflowName string, vec []float32) {
	go func() {
		learnCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := d.router.Learn(learnCtx, query, workflowName, vec); err != nil {
			d.logger.Warn("Route learn failed", zap.Error(err))
		}
	}()
}

// observe books one finished request into the process-wide Prometheus
// metrics.
func (d *Dispatcher) observe(workflowName, status string, cacheHit bool, start time.Time) {
	metrics.RequestsTotal.WithLabelValues(workflowName, status).Inc()
	metrics.RequestDuration.WithLabelValues(workflowName, strconv.FormatBool(cacheHit)).Observe(d.now().Sub(start).Seconds())
}

// embed computes the query vector and books its cost. The cost is attributed
// to every request, cached or not; caching shows up in the savings side, not
// as a zeroed line item. A provider failure degrades the request to
// cache-free execution.
func (d *Dispatcher) embed(ctx context.Context, query string, col *collector.Collector) []float32 {
	ev := col.StartEvent("embedding", "embedding", nil)
	vec, cached, err := d.embedder.Embed(ctx, query)
	if err != nil {
		_ = col.EndEvent(ev, collector.StatusError, map[string]any{"error": err.Error()})
		col.Warn("embedding_unavailable", nil)
		return nil
	}
	model := d.embedder.Model()
	if !d.pricing.HasEmbedding(model) {
		col.Warn("pricing_fallback", map[string]any{"model": model})
	}
	tokens := pricing.CountTokens(model, query)
	col.AddEmbeddingCost(d.pricing.EmbeddingCost(model, tokens))
	_ = col.EndEvent(ev, collector.StatusSuccess, map[string]any{"cached": cached})
	return vec
}

// semanticLookup short-circuits the request on a cache hit. Store outages
// degrade to a miss with a warning.
func (d *Dispatcher) semanticLookup(ctx context.Context, query string, vec []float32, col *collector.Collector) *collector.EnhancedResponse {
	ev := col.StartEvent("cache_lookup", "cache_lookup:semantic", nil)
	res, err := d.semantic.Lookup(ctx, vec)
	if err != nil {
		_ = col.EndEvent(ev, collector.StatusError, nil)
		col.Warn("store_unavailable", map[string]any{"error": err.Error()})
		col.RecordCacheCheck("semantic", false, 0, res.QueryTimeMs, 0, "")
		return nil
	}
	_ = col.EndEvent(ev, collector.StatusSuccess, map[string]any{"hit": res.Hit})
	col.RecordCacheCheck("semantic", res.Hit, res.Similarity, res.QueryTimeMs, res.CostSavedUSD, res.CachedQuery)
	if !res.Hit {
		return nil
	}

	d.semantic.RecordHit(ctx, res.Entry)
	col.SetWorkflow(res.Entry.WorkflowName, "", 0, nil)
	col.SetBaseline(d.pricing.BaselineCost(res.Entry.WorkflowName))
	col.SetResponse(res.Entry.ResponseText)
	resp := col.Finalize(d.snapshot)
	return &resp
}

// recordRouting books the routing decision into the collector's router layer.
func (d *Dispatcher) recordRouting(col *collector.Collector, dec router.Decision) {
	ev := col.StartEvent("routing", "routing:"+string(dec.Source), map[string]any{
		"workflow": dec.WorkflowName,
	})
	_ = col.EndEvent(ev, collector.StatusSuccess, nil)

	saved := 0.0
	if dec.Source == router.SourceVector {
		saved = d.pricing.CacheSavings("router", d.cfg.ChatModel, 0)
	}
	col.RecordCacheCheck("router", dec.Source == router.SourceVector,
		dec.Similarity, dec.RoutingTimeMs, saved, dec.MatchedQuery)
}

// storeBack writes the fresh answer into the semantic cache.
func (d *Dispatcher) storeBack(ctx context.Context, query, answer, workflowName string, vec []float32, col *collector.Collector) {
	ev := col.StartEvent("cache_store", "cache_store:semantic", nil)
	if err := d.semantic.Store(ctx, query, answer, workflowName, vec); err != nil {
		_ = col.EndEvent(ev, collector.StatusError, map[string]any{"error": err.Error()})
		col.Warn("store_unavailable", map[string]any{"stage": "cache_store"})
		return
	}
	_ = col.EndEvent(ev, collector.StatusSuccess, nil)
}

// appendTurns records both halves of the exchange in conversation memory.
func (d *Dispatcher) appendTurns(ctx context.Context, userID, query, answer string, col *collector.Collector) {
	if err := d.memory.AppendTurn(ctx, userID, "user", query); err != nil {
		col.Warn("memory_append_failed", map[string]any{"role": "user"})
		return
	}
	if err := d.memory.AppendTurn(ctx, userID, "assistant", answer); err != nil {
		col.Warn("memory_append_failed", map[string]any{"role": "assistant"})
	}
}
