package metrics

import "sync"

// Snapshot holds process-wide counters mirrored outside Prometheus so the
// read-only JSON endpoints (/metrics/cache, /metrics/performance,
// /metrics/summary) can serve them without scraping the registry. The
// request-scoped collector updates it on finalize.
type Snapshot struct {
	mu sync.RWMutex

	TotalRequests    int64
	CacheHitRequests int64

	LayerChecked map[string]int64
	LayerHits    map[string]int64
	LayerSaved   map[string]float64

	TotalCostUSD     float64
	TotalSavedUSD    float64
	TotalLatencyMs   float64
	LatencyTargetHit int64
	CostTargetHit    int64

	// Sessions tracks per-session running totals; it has its own lock.
	Sessions *SessionTable
}

// NewSnapshot returns an empty snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		LayerChecked: make(map[string]int64),
		LayerHits:    make(map[string]int64),
		LayerSaved:   make(map[string]float64),
		Sessions:     NewSessionTable(),
	}
}

// RecordRequest folds one finished request into the snapshot.
func (s *Snapshot) RecordRequest(cacheHit bool, costUSD, savedUSD, latencyMs float64, metLatency, metCost bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.TotalRequests++
	if cacheHit {
		s.CacheHitRequests++
	}
	s.TotalCostUSD += costUSD
	s.TotalSavedUSD += savedUSD
	s.TotalLatencyMs += latencyMs
	if metLatency {
		s.LatencyTargetHit++
	}
	if metCost {
		s.CostTargetHit++
	}
}

// RecordLayer folds one cache-layer check into the snapshot.
func (s *Snapshot) RecordLayer(layer string, hit bool, savedUSD float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LayerChecked[layer]++
	if hit {
		s.LayerHits[layer]++
	}
	if savedUSD > 0 {
		s.LayerSaved[layer] += savedUSD
	}
}

// CacheView is the JSON shape served by /metrics/cache.
type CacheView struct {
	Layers map[string]LayerView `json:"layers"`
}

// LayerView summarizes one cache layer.
type LayerView struct {
	Checked  int64   `json:"checked"`
	Hits     int64   `json:"hits"`
	HitRate  float64 `json:"hit_rate"`
	SavedUSD float64 `json:"cost_saved_usd"`
}

// PerformanceView is the JSON shape served by /metrics/performance.
type PerformanceView struct {
	TotalRequests    int64   `json:"total_requests"`
	CacheHitRequests int64   `json:"cache_hit_requests"`
	AvgLatencyMs     float64 `json:"avg_latency_ms"`
	LatencyTargetHit int64   `json:"latency_target_hit"`
	CostTargetHit    int64   `json:"cost_target_hit"`
	TotalCostUSD     float64 `json:"total_cost_usd"`
	TotalSavedUSD    float64 `json:"total_cost_saved_usd"`
}

// Cache returns the current cache view.
func (s *Snapshot) Cache() CacheView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	view := CacheView{Layers: make(map[string]LayerView, len(s.LayerChecked))}
	for layer, checked := range s.LayerChecked {
		hits := s.LayerHits[layer]
		rate := 0.0
		if checked > 0 {
			rate = float64(hits) / float64(checked)
		}
		view.Layers[layer] = LayerView{
			Checked:  checked,
			Hits:     hits,
			HitRate:  rate,
			SavedUSD: s.LayerSaved[layer],
		}
	}
	return view
}

// Performance returns the current performance view.
func (s *Snapshot) Performance() PerformanceView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	avg := 0.0
	if s.TotalRequests > 0 {
		avg = s.TotalLatencyMs / float64(s.TotalRequests)
	}
	return PerformanceView{
		TotalRequests:    s.TotalRequests,
		CacheHitRequests: s.CacheHitRequests,
		AvgLatencyMs:     avg,
		LatencyTargetHit: s.LatencyTargetHit,
		CostTargetHit:    s.CostTargetHit,
		TotalCostUSD:     s.TotalCostUSD,
		TotalSavedUSD:    s.TotalSavedUSD,
	}
}
