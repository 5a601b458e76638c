// Package semantic implements the semantic response cache: queries with the
// same intent share one authoritative answer, matched by embedding
// similarity rather than exact text.
package semantic

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/quantra-labs/frontdoor/internal/metrics"
	"github.com/quantra-labs/frontdoor/internal/pricing"
	"github.com/quantra-labs/frontdoor/internal/vectorstore"
)

const (
	// IndexName is the vector index backing the cache.
	IndexName = "semantic_cache"

	// KeyPrefix prefixes every cache entry hash.
	KeyPrefix = "semcache:"
)

// Entry is one cached answer.
type Entry struct {
	CacheKey     string
	QueryText    string
	ResponseText string
	WorkflowName string
	CreatedAt    int64 // unix ms
	TTLSeconds   int
	UsageCount   int64
	TokensSaved  int64
}

// Result reports one lookup. Similarity is populated even on a miss so
// near-hits below the threshold are observable.
type Result struct {
	Hit          bool
	Entry        *Entry
	Similarity   float64
	QueryTimeMs  float64
	CachedQuery  string
	CostSavedUSD float64
}

// Config controls matching and retention.
type Config struct {
	SimilarityThreshold float64
	TTL                 time.Duration
	Dim                 int
}

// Cache is the semantic response cache over a vector store.
type Cache struct {
	store   vectorstore.Store
	pricing *pricing.Table
	cfg     Config
	logger  *zap.Logger
	now     func() time.Time
}

// New builds the cache. EnsureIndex must be called before first use.
func New(store vectorstore.Store, table *pricing.Table, cfg Config, logger *zap.Logger) *Cache {
	return &Cache{
		store:   store,
		pricing: table,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// EnsureIndex declares the vector index; idempotent across restarts.
func (c *Cache) EnsureIndex(ctx context.Context) error {
	return c.store.EnsureIndex(ctx, vectorstore.IndexSpec{
		Name:        IndexName,
		Prefix:      KeyPrefix,
		VectorField: "embedding",
		Dim:         c.cfg.Dim,
		Fields: []vectorstore.Field{
			{Name: "query_text", Kind: vectorstore.FieldText},
			{Name: "workflow_name", Kind: vectorstore.FieldTag},
			{Name: "created_at", Kind: vectorstore.FieldNumeric},
		},
	})
}

// Normalize canonicalizes query text for key stability: lowercase, trim,
// collapse interior whitespace. Matching authority stays with the embedding.
func Normalize(query string) string {
	return strings.Join(strings.Fields(strings.ToLower(query)), " ")
}

// Key derives the stable cache key of a query.
func Key(query string) string {
	h := sha256.Sum256([]byte(Normalize(query)))
	return hex.EncodeToString(h[:])
}

// Lookup embeds nothing itself; the caller passes the query vector. A match
// at or above the threshold that has not outlived its TTL is a hit.
func (c *Cache) Lookup(ctx context.Context, vec []float32) (Result, error) {
	start := c.now()
	matches, err := c.store.KNN(ctx, IndexName, "embedding", vec, 1, nil)
	elapsed := float64(c.now().Sub(start).Microseconds()) / 1000
	if err != nil {
		metrics.RecordCacheCheck("semantic", false, elapsed/1000, 0)
		return Result{QueryTimeMs: elapsed}, err
	}
	if len(matches) == 0 {
		metrics.RecordCacheCheck("semantic", false, elapsed/1000, 0)
		return Result{QueryTimeMs: elapsed}, nil
	}

	m := matches[0]
	entry := entryFromFields(m.Fields)
	res := Result{Similarity: m.Similarity, QueryTimeMs: elapsed}

	if m.Similarity < c.cfg.SimilarityThreshold || c.expired(entry) {
		metrics.RecordCacheCheck("semantic", false, elapsed/1000, 0)
		return res, nil
	}

	res.Hit = true
	res.Entry = entry
	res.CachedQuery = entry.QueryText
	res.CostSavedUSD = c.pricing.BaselineCost(entry.WorkflowName)
	metrics.RecordCacheCheck("semantic", true, elapsed/1000, res.CostSavedUSD)
	return res, nil
}

func (c *Cache) expired(e *Entry) bool {
	if e.TTLSeconds <= 0 {
		return false
	}
	age := c.now().UnixMilli() - e.CreatedAt
	return age > int64(e.TTLSeconds)*1000
}

// Store writes the answer for a query. Rewriting an existing key refreshes
// the entry in place.
func (c *Cache) Store(ctx context.Context, query, response, workflowName string, vec []float32) error {
	key := Key(query)
	fields := map[string]interface{}{
		"cache_key":     key,
		"query_text":    query,
		"response_text": response,
		"workflow_name": workflowName,
		"embedding":     vectorstore.EncodeVector(vec),
		"created_at":    c.now().UnixMilli(),
		"ttl_seconds":   int(c.cfg.TTL / time.Second),
		"usage_count":   0,
		"tokens_saved":  0,
	}
	if err := c.store.Upsert(ctx, KeyPrefix, key, fields); err != nil {
		return fmt.Errorf("semantic cache store: %w", err)
	}
	c.logger.Debug("Semantic cache entry stored",
		zap.String("cache_key", key),
		zap.String("workflow", workflowName),
	)
	return nil
}

// RecordHit bumps the advisory usage counters. Lost updates under
// concurrency are tolerated.
func (c *Cache) RecordHit(ctx context.Context, e *Entry) {
	tokens := int64(pricing.CountTokens("", e.ResponseText))
	if err := c.store.Incr(ctx, KeyPrefix, e.CacheKey, "usage_count", 1); err != nil {
		c.logger.Warn("Usage count bump failed", zap.Error(err))
		return
	}
	if err := c.store.Incr(ctx, KeyPrefix, e.CacheKey, "tokens_saved", tokens); err != nil {
		c.logger.Warn("Tokens saved bump failed", zap.Error(err))
	}
}

func entryFromFields(fields map[string]string) *Entry {
	createdAt, _ := strconv.ParseInt(fields["created_at"], 10, 64)
	ttl, _ := strconv.Atoi(fields["ttl_seconds"])
	usage, _ := strconv.ParseInt(fields["usage_count"], 10, 64)
	saved, _ := strconv.ParseInt(fields["tokens_saved"], 10, 64)
	return &Entry{
		CacheKey:     fields["cache_key"],
		QueryText:    fields["query_text"],
		ResponseText: fields["response_text"],
		WorkflowName: fields["workflow_name"],
		CreatedAt:    createdAt,
		TTLSeconds:   ttl,
		UsageCount:   usage,
		TokensSaved:  saved,
	}
}
