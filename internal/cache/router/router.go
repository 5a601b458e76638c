// Package router decides which workflow serves a query without spending an
// LLM call on it: a vector cache of previously routed queries, then regex
// patterns declared by the workflows, then the Default workflow.
package router

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/quantra-labs/frontdoor/internal/metrics"
	"github.com/quantra-labs/frontdoor/internal/pricing"
	"github.com/quantra-labs/frontdoor/internal/vectorstore"
)

const (
	// IndexName is the vector index backing learned routes.
	IndexName = "router_cache"

	// KeyPrefix prefixes every route entry hash.
	KeyPrefix = "routecache:"

	// DefaultWorkflow is the fallback when no route matches. The registry
	// guarantees it exists.
	DefaultWorkflow = "Default"
)

// Source tells which stage produced a routing decision.
type Source string

const (
	SourceVector   Source = "vector"
	SourcePattern  Source = "pattern"
	SourceFallback Source = "fallback"
)

// Entry is one learned route.
type Entry struct {
	RouteKey            string
	PatternText         string
	WorkflowName        string
	CreatedAt           int64 // unix ms
	UsageCount          int64
	ConfidenceThreshold float64
}

// Decision is the outcome of Route.
type Decision struct {
	WorkflowName  string
	Source        Source
	Entry         *Entry
	Similarity    float64
	RoutingTimeMs float64
	MatchedQuery  string
}

// PatternRule maps a compiled regex to a workflow. Rules are evaluated in
// registration order against the lowercased query.
type PatternRule struct {
	Pattern  *regexp.Regexp
	Workflow string
}

// Config controls vector-stage matching.
type Config struct {
	SimilarityThreshold float64
	Dim                 int

	// ChatModel prices the avoided routing completion for savings metrics.
	ChatModel string
}

// Router performs the two-stage lookup.
type Router struct {
	store    vectorstore.Store
	pricing  *pricing.Table
	cfg      Config
	patterns []PatternRule
	known    map[string]bool
	logger   *zap.Logger
	now      func() time.Time
}

// New builds a router. patterns come from the workflow registry; known names
// guard against routes learned for since-removed workflows.
func New(store vectorstore.Store, table *pricing.Table, cfg Config, patterns []PatternRule, knownWorkflows []string, logger *zap.Logger) *Router {
	known := make(map[string]bool, len(knownWorkflows))
	for _, name := range knownWorkflows {
		known[name] = true
	}
	return &Router{
		store:    store,
		pricing:  table,
		cfg:      cfg,
		patterns: patterns,
		known:    known,
		logger:   logger,
		now:      time.Now,
	}
}

// EnsureIndex declares the route index; idempotent.
func (r *Router) EnsureIndex(ctx context.Context) error {
	return r.store.EnsureIndex(ctx, vectorstore.IndexSpec{
		Name:        IndexName,
		Prefix:      KeyPrefix,
		VectorField: "embedding",
		Dim:         r.cfg.Dim,
		Fields: []vectorstore.Field{
			{Name: "pattern_text", Kind: vectorstore.FieldText},
			{Name: "workflow_name", Kind: vectorstore.FieldTag},
			{Name: "created_at", Kind: vectorstore.FieldNumeric},
			{Name: "usage_count", Kind: vectorstore.FieldNumeric},
		},
	})
}

// routeKey derives the stable key of a learned route.
func routeKey(query string) string {
	h := sha256.Sum256([]byte(strings.Join(strings.Fields(strings.ToLower(query)), " ")))
	return hex.EncodeToString(h[:])
}

// Route runs vector stage, then pattern stage, then fallback. A nil vec
// (embedding unavailable) skips straight to patterns. Store failures degrade
// to the pattern stage.
func (r *Router) Route(ctx context.Context, query string, vec []float32) Decision {
	start := r.now()
	var best Decision

	if vec != nil {
		if d, ok := r.vectorStage(ctx, vec, &best); ok {
			d.RoutingTimeMs = r.elapsedMs(start)
			metrics.RecordCacheCheck("router", true, d.RoutingTimeMs/1000,
				r.pricing.CacheSavings("router", r.cfg.ChatModel, 0))
			return d
		}
	}

	lowered := strings.ToLower(query)
	for _, rule := range r.patterns {
		if rule.Pattern.MatchString(lowered) {
			d := Decision{
				WorkflowName: rule.Workflow,
				Source:       SourcePattern,
				Entry: &Entry{
					PatternText:  rule.Pattern.String(),
					WorkflowName: rule.Workflow,
				},
				Similarity:    best.Similarity,
				RoutingTimeMs: r.elapsedMs(start),
			}
			metrics.RecordCacheCheck("router", false, d.RoutingTimeMs/1000, 0)
			return d
		}
	}

	metrics.RecordCacheCheck("router", false, r.elapsedMs(start)/1000, 0)
	return Decision{
		WorkflowName:  DefaultWorkflow,
		Source:        SourceFallback,
		Similarity:    best.Similarity,
		RoutingTimeMs: r.elapsedMs(start),
	}
}

// vectorStage returns a decision when the top learned route clears its
// threshold. best is updated with the closest observed similarity either way.
func (r *Router) vectorStage(ctx context.Context, vec []float32, best *Decision) (Decision, bool) {
	matches, err := r.store.KNN(ctx, IndexName, "embedding", vec, 4, nil)
	if err != nil {
		r.logger.Warn("Router cache unavailable, falling back to patterns", zap.Error(err))
		return Decision{}, false
	}
	if len(matches) == 0 {
		return Decision{}, false
	}

	// Matches arrive distance-ascending. Among equal-similarity candidates,
	// prefer higher usage_count, then the most recently created.
	top := matches[0]
	topEntry := entryFromFields(top.Fields)
	for _, m := range matches[1:] {
		if m.Similarity < top.Similarity {
			break
		}
		e := entryFromFields(m.Fields)
		if e.UsageCount > topEntry.UsageCount ||
			(e.UsageCount == topEntry.UsageCount && e.CreatedAt > topEntry.CreatedAt) {
			top, topEntry = m, e
		}
	}

	best.Similarity = top.Similarity
	threshold := topEntry.ConfidenceThreshold
	if threshold <= 0 {
		threshold = r.cfg.SimilarityThreshold
	}
	if top.Similarity < threshold || !r.known[topEntry.WorkflowName] {
		return Decision{}, false
	}
	return Decision{
		WorkflowName: topEntry.WorkflowName,
		Source:       SourceVector,
		Entry:        topEntry,
		Similarity:   top.Similarity,
		MatchedQuery: topEntry.PatternText,
	}, true
}

// Learn upserts a route for a successfully served non-fallback query. Meant
// to run off the request path; high key churn is expected and fine.
func (r *Router) Learn(ctx context.Context, query, workflowName string, vec []float32) error {
	if vec == nil || !r.known[workflowName] {
		return nil
	}
	key := routeKey(query)
	fields := map[string]interface{}{
		"route_key":     key,
		"pattern_text":  query,
		"workflow_name": workflowName,
		"embedding":     vectorstore.EncodeVector(vec),
		"created_at":    r.now().UnixMilli(),
	}
	if err := r.store.Upsert(ctx, KeyPrefix, key, fields); err != nil {
		return err
	}
	return r.store.Incr(ctx, KeyPrefix, key, "usage_count", 1)
}

func (r *Router) elapsedMs(start time.Time) float64 {
	return float64(r.now().Sub(start).Microseconds()) / 1000
}

func entryFromFields(fields map[string]string) *Entry {
	createdAt, _ := strconv.ParseInt(fields["created_at"], 10, 64)
	usage, _ := strconv.ParseInt(fields["usage_count"], 10, 64)
	threshold, _ := strconv.ParseFloat(fields["confidence_threshold"], 64)
	return &Entry{
		RouteKey:            fields["route_key"],
		PatternText:         fields["pattern_text"],
		WorkflowName:        fields["workflow_name"],
		CreatedAt:           createdAt,
		UsageCount:          usage,
		ConfidenceThreshold: threshold,
	}
}
