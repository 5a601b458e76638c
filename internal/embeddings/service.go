// Package embeddings turns query text into vectors, caching aggressively so
// the front door only pays the provider for genuinely new text.
package embeddings

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/quantra-labs/frontdoor/internal/llm"
	"github.com/quantra-labs/frontdoor/internal/metrics"
	"github.com/quantra-labs/frontdoor/internal/tracing"
)

// Config controls the embedding model and cache behavior.
type Config struct {
	Model       string
	Dim         int
	CacheTTL    time.Duration
	LRUCapacity int
}

// Service generates embeddings with an LRU in front of a shared Redis cache
// in front of the provider.
type Service struct {
	cfg      Config
	provider llm.Provider
	cache    Cache
	lru      *LocalLRU
	logger   *zap.Logger
}

// lruTTL bounds how long a vector lives in process memory. The Redis tier
// carries the configured TTL.
const lruTTL = 30 * time.Minute

// NewService builds the embedding service. cache may be nil in tests.
func NewService(cfg Config, provider llm.Provider, cache Cache, logger *zap.Logger) *Service {
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-large"
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = time.Hour
	}
	return &Service{
		cfg:      cfg,
		provider: provider,
		cache:    cache,
		lru:      NewLocalLRU(cfg.LRUCapacity),
		logger:   logger,
	}
}

// Model reports the embedding model in use, for cost attribution.
func (s *Service) Model() string { return s.cfg.Model }

// Embed returns the vector for text, consulting the LRU, then Redis, then
// the provider. The bool reports whether a cache tier answered.
func (s *Service) Embed(ctx context.Context, text string) ([]float32, bool, error) {
	key := CacheKey(s.cfg.Model, text)

	if vec, ok := s.lru.Get(ctx, key); ok {
		metrics.RecordEmbedding(s.cfg.Model, "lru_hit", 0)
		return vec, true, nil
	}
	if s.cache != nil {
		if vec, ok := s.cache.Get(ctx, key); ok {
			s.lru.Set(ctx, key, vec, lruTTL)
			metrics.RecordEmbedding(s.cfg.Model, "cache_hit", 0)
			return vec, true, nil
		}
	}

	ctx, span := tracing.StartSpan(ctx, "embeddings.generate")
	defer span.End()

	start := time.Now()
	vec, err := s.provider.Embed(ctx, s.cfg.Model, text, s.cfg.Dim)
	if err != nil {
		metrics.RecordEmbedding(s.cfg.Model, "error", time.Since(start).Seconds())
		return nil, false, err
	}
	metrics.RecordEmbedding(s.cfg.Model, "ok", time.Since(start).Seconds())

	s.lru.Set(ctx, key, vec, lruTTL)
	if s.cache != nil {
		s.cache.Set(ctx, key, vec, s.cfg.CacheTTL)
	}
	return vec, false, nil
}
