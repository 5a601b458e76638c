package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/quantra-labs/frontdoor/internal/circuitbreaker"
	"github.com/quantra-labs/frontdoor/internal/metrics"
	"github.com/quantra-labs/frontdoor/internal/tracing"
)

// distanceField is the alias KNN queries bind the cosine distance to.
const distanceField = "vector_distance"

// metaKeyPrefix holds a sidecar hash per index describing the schema we
// created it with, so EnsureIndex can detect conflicts across restarts
// (FT.INFO does not expose the vector dimension uniformly).
const metaKeyPrefix = "ftmeta:"

// retryBackoff is the fixed backoff before the single retry of a failed
// store operation.
const retryBackoff = 100 * time.Millisecond

// RedisStore implements Store over a RediSearch-capable Redis.
type RedisStore struct {
	client  *redis.Client
	breaker *circuitbreaker.Breaker
	logger  *zap.Logger
}

// NewRedisStore wraps the given client. The breaker trips after repeated
// failures so a dead store degrades to fast misses instead of timeouts.
func NewRedisStore(client *redis.Client, logger *zap.Logger) *RedisStore {
	return &RedisStore{
		client:  client,
		breaker: circuitbreaker.New("vectorstore", circuitbreaker.DefaultConfig(), logger),
		logger:  logger,
	}
}

// do runs op under the breaker with one fixed-backoff retry.
func (s *RedisStore) do(ctx context.Context, name string, op func() error) error {
	err := s.breaker.Do(op)
	if err == nil {
		return nil
	}
	if errors.Is(err, circuitbreaker.ErrOpen) {
		metrics.StoreErrors.WithLabelValues(name).Inc()
		return fmt.Errorf("%w: circuit open", ErrUnavailable)
	}
	if errors.Is(err, errSchemaConflict) {
		// Deterministic failure, retrying cannot help.
		return err
	}
	// Single retry with fixed backoff.
	select {
	case <-time.After(retryBackoff):
	case <-ctx.Done():
		metrics.StoreErrors.WithLabelValues(name).Inc()
		return fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
	}
	if err = s.breaker.Do(op); err != nil {
		metrics.StoreErrors.WithLabelValues(name).Inc()
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// EnsureIndex creates the index if absent; an existing index with the same
// recorded schema is a no-op, a different schema fails with
// ErrIndexSchemaConflict.
func (s *RedisStore) EnsureIndex(ctx context.Context, spec IndexSpec) error {
	signature := schemaSignature(spec)
	metaKey := metaKeyPrefix + spec.Name

	var created bool
	err := s.do(ctx, "ensure_index", func() error {
		existing, err := s.client.HGet(ctx, metaKey, "signature").Result()
		if err == nil {
			if existing != signature {
				return errSchemaConflict
			}
			return nil
		}
		if err != redis.Nil {
			return err
		}

		opts := &redis.FTCreateOptions{
			OnHash: true,
			Prefix: []interface{}{spec.Prefix},
		}
		schema := make([]*redis.FieldSchema, 0, len(spec.Fields)+1)
		schema = append(schema, &redis.FieldSchema{
			FieldName: spec.VectorField,
			FieldType: redis.SearchFieldTypeVector,
			VectorArgs: &redis.FTVectorArgs{
				HNSWOptions: &redis.FTHNSWOptions{
					Type:           "FLOAT32",
					Dim:            spec.Dim,
					DistanceMetric: "COSINE",
				},
			},
		})
		for _, f := range spec.Fields {
			fs := &redis.FieldSchema{FieldName: f.Name}
			switch f.Kind {
			case FieldTag:
				fs.FieldType = redis.SearchFieldTypeTag
			case FieldNumeric:
				fs.FieldType = redis.SearchFieldTypeNumeric
			default:
				fs.FieldType = redis.SearchFieldTypeText
			}
			schema = append(schema, fs)
		}

		if err := s.client.FTCreate(ctx, spec.Name, opts, schema...).Err(); err != nil {
			// Index survived a restart but the meta key did not, or was
			// created by another instance between our check and create.
			if strings.Contains(err.Error(), "already exists") {
				return s.client.HSet(ctx, metaKey, "signature", signature).Err()
			}
			return err
		}
		created = true
		return s.client.HSet(ctx, metaKey, "signature", signature).Err()
	})
	if err != nil {
		if errors.Is(err, errSchemaConflict) {
			return fmt.Errorf("%w: index %s", ErrIndexSchemaConflict, spec.Name)
		}
		return err
	}
	if created {
		s.logger.Info("Vector index created",
			zap.String("index", spec.Name),
			zap.String("prefix", spec.Prefix),
			zap.Int("dim", spec.Dim),
		)
	}
	return nil
}

var errSchemaConflict = errors.New("schema signature mismatch")

// schemaSignature renders a stable one-line description of the index schema.
func schemaSignature(spec IndexSpec) string {
	var b strings.Builder
	b.WriteString(spec.Prefix)
	b.WriteString("|")
	b.WriteString(spec.VectorField)
	b.WriteString("|dim=")
	b.WriteString(strconv.Itoa(spec.Dim))
	for _, f := range spec.Fields {
		b.WriteString("|")
		b.WriteString(f.Name)
		b.WriteString(":")
		b.WriteString(strconv.Itoa(int(f.Kind)))
	}
	return b.String()
}

// Upsert writes a hash under prefix+id. Vector values must already be
// encoded with EncodeVector.
func (s *RedisStore) Upsert(ctx context.Context, prefix, id string, fields map[string]interface{}) error {
	return s.do(ctx, "upsert", func() error {
		return s.client.HSet(ctx, prefix+id, fields).Err()
	})
}

// Get returns the hash at prefix+id, or ErrNotFound.
func (s *RedisStore) Get(ctx context.Context, prefix, id string) (map[string]string, error) {
	var out map[string]string
	err := s.do(ctx, "get", func() error {
		m, err := s.client.HGetAll(ctx, prefix+id).Result()
		if err != nil {
			return err
		}
		out = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

// KNN runs a top-k cosine search with an optional conjunction of tag
// equality filters. Results are sorted by distance ascending; Similarity is
// 1 - distance.
func (s *RedisStore) KNN(ctx context.Context, index, vectorField string, vec []float32, k int, filter map[string]string) ([]Match, error) {
	ctx, span := tracing.StartStoreSpan(ctx, "knn", index)
	defer span.End()
	start := time.Now()

	query := buildKNNQuery(vectorField, k, filter)
	var matches []Match
	err := s.do(ctx, "knn", func() error {
		res, err := s.client.FTSearchWithArgs(ctx, index, query, &redis.FTSearchOptions{
			Params:         map[string]interface{}{"vec": EncodeVector(vec)},
			SortBy:         []redis.FTSearchSortBy{{FieldName: distanceField, Asc: true}},
			LimitOffset:    0,
			Limit:          k,
			DialectVersion: 2,
		}).Result()
		if err != nil {
			return err
		}
		matches = make([]Match, 0, len(res.Docs))
		for _, doc := range res.Docs {
			dist, _ := strconv.ParseFloat(doc.Fields[distanceField], 64)
			matches = append(matches, Match{
				ID:         doc.ID,
				Distance:   dist,
				Similarity: 1 - dist,
				Fields:     doc.Fields,
			})
		}
		return nil
	})
	if err != nil {
		metrics.RecordVectorSearch(index, "error", time.Since(start).Seconds())
		return nil, err
	}
	metrics.RecordVectorSearch(index, "ok", time.Since(start).Seconds())
	return matches, nil
}

// Delete removes the hash at prefix+id.
func (s *RedisStore) Delete(ctx context.Context, prefix, id string) error {
	return s.do(ctx, "delete", func() error {
		return s.client.Del(ctx, prefix+id).Err()
	})
}

// Scan returns the ids (prefix stripped) of every key under the prefix.
func (s *RedisStore) Scan(ctx context.Context, prefix string) ([]string, error) {
	var ids []string
	err := s.do(ctx, "scan", func() error {
		ids = ids[:0]
		var cursor uint64
		for {
			keys, next, err := s.client.Scan(ctx, cursor, prefix+"*", 100).Result()
			if err != nil {
				return err
			}
			for _, key := range keys {
				ids = append(ids, strings.TrimPrefix(key, prefix))
			}
			if next == 0 {
				return nil
			}
			cursor = next
		}
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// Incr atomically increments a numeric hash field; used for advisory
// counters (usage_count, tokens_saved) where lost updates are tolerated.
func (s *RedisStore) Incr(ctx context.Context, prefix, id, field string, delta int64) error {
	return s.do(ctx, "hincrby", func() error {
		return s.client.HIncrBy(ctx, prefix+id, field, delta).Err()
	})
}
