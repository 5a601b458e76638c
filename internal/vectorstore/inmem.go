package vectorstore

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Inmem is an in-process Store with brute-force cosine KNN. It backs local
// development and tests, where a RediSearch server is not available.
type Inmem struct {
	mu      sync.RWMutex
	indices map[string]IndexSpec
	hashes  map[string]map[string]string
	vectors map[string][]float32

	// FailNext forces the next operation to fail with ErrUnavailable,
	// letting tests exercise store-outage degradation.
	FailNext bool

	// FailAll fails every operation until cleared, simulating a sustained
	// outage.
	FailAll bool
}

// NewInmem returns an empty in-memory store.
func NewInmem() *Inmem {
	return &Inmem{
		indices: make(map[string]IndexSpec),
		hashes:  make(map[string]map[string]string),
		vectors: make(map[string][]float32),
	}
}

func (s *Inmem) failNext() bool {
	if s.FailAll {
		return true
	}
	if s.FailNext {
		s.FailNext = false
		return true
	}
	return false
}

// EnsureIndex records the spec; re-declaring with a different schema fails.
func (s *Inmem) EnsureIndex(_ context.Context, spec IndexSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext() {
		return ErrUnavailable
	}
	if existing, ok := s.indices[spec.Name]; ok {
		if schemaSignature(existing) != schemaSignature(spec) {
			return fmt.Errorf("%w: index %s", ErrIndexSchemaConflict, spec.Name)
		}
		return nil
	}
	s.indices[spec.Name] = spec
	return nil
}

// Upsert stores the hash; []byte values under the vector field are decoded
// back into float32 vectors for KNN.
func (s *Inmem) Upsert(_ context.Context, prefix, id string, fields map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext() {
		return ErrUnavailable
	}
	key := prefix + id
	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string]string)
		s.hashes[key] = h
	}
	for name, v := range fields {
		switch val := v.(type) {
		case []byte:
			s.vectors[key] = DecodeVector(val)
			h[name] = string(val)
		case string:
			h[name] = val
		case int:
			h[name] = strconv.Itoa(val)
		case int64:
			h[name] = strconv.FormatInt(val, 10)
		case float64:
			h[name] = strconv.FormatFloat(val, 'f', -1, 64)
		default:
			h[name] = fmt.Sprintf("%v", val)
		}
	}
	return nil
}

// Get returns a copy of the hash at prefix+id.
func (s *Inmem) Get(_ context.Context, prefix, id string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failNext() {
		return nil, ErrUnavailable
	}
	h, ok := s.hashes[prefix+id]
	if !ok {
		return nil, ErrNotFound
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out, nil
}

// KNN brute-forces cosine distance over every document under the index
// prefix, honoring tag-equality filters.
func (s *Inmem) KNN(_ context.Context, index, vectorField string, vec []float32, k int, filter map[string]string) ([]Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failNext() {
		return nil, ErrUnavailable
	}
	spec, ok := s.indices[index]
	if !ok {
		return nil, fmt.Errorf("%w: unknown index %s", ErrUnavailable, index)
	}

	var matches []Match
	for key, v := range s.vectors {
		if !strings.HasPrefix(key, spec.Prefix) {
			continue
		}
		h := s.hashes[key]
		skip := false
		for f, want := range filter {
			if h[f] != want {
				skip = true
				break
			}
		}
		if skip {
			continue
		}
		dist := cosineDistance(vec, v)
		fields := make(map[string]string, len(h)+1)
		for fk, fv := range h {
			fields[fk] = fv
		}
		fields[distanceField] = strconv.FormatFloat(dist, 'f', -1, 64)
		matches = append(matches, Match{
			ID:         key,
			Distance:   dist,
			Similarity: 1 - dist,
			Fields:     fields,
		})
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Distance != matches[j].Distance {
			return matches[i].Distance < matches[j].Distance
		}
		return matches[i].ID < matches[j].ID
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// Delete removes the hash at prefix+id.
func (s *Inmem) Delete(_ context.Context, prefix, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext() {
		return ErrUnavailable
	}
	delete(s.hashes, prefix+id)
	delete(s.vectors, prefix+id)
	return nil
}

// Scan lists ids under the prefix.
func (s *Inmem) Scan(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failNext() {
		return nil, ErrUnavailable
	}
	var ids []string
	for key := range s.hashes {
		if strings.HasPrefix(key, prefix) {
			ids = append(ids, strings.TrimPrefix(key, prefix))
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Incr increments a numeric hash field.
func (s *Inmem) Incr(_ context.Context, prefix, id, field string, delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext() {
		return ErrUnavailable
	}
	h, ok := s.hashes[prefix+id]
	if !ok {
		h = make(map[string]string)
		s.hashes[prefix+id] = h
	}
	cur, _ := strconv.ParseInt(h[field], 10, 64)
	h[field] = strconv.FormatInt(cur+delta, 10)
	return nil
}

func cosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 1
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}
