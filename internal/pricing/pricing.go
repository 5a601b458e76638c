package pricing

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/quantra-labs/frontdoor/internal/metrics"
)

// ModelPrice holds per-1K-token pricing for a chat model.
type ModelPrice struct {
	InputPer1K  float64 `yaml:"input_per_1k" json:"input_per_1k"`
	OutputPer1K float64 `yaml:"output_per_1k" json:"output_per_1k"`
}

// EmbeddingPrice holds per-1K-token pricing for an embedding model.
type EmbeddingPrice struct {
	Per1K float64 `yaml:"per_1k" json:"per_1k"`
}

// tableFile is the on-disk shape of config/models.yaml.
type tableFile struct {
	Pricing struct {
		Models     map[string]ModelPrice     `yaml:"models"`
		Embeddings map[string]EmbeddingPrice `yaml:"embeddings"`
	} `yaml:"pricing"`
	Baselines map[string]float64 `yaml:"baselines"`
}

// Table is the pricing and baseline-cost table. It is read-mostly; Reload
// swaps the contents under a write lock (used by the fsnotify watcher).
type Table struct {
	mu        sync.RWMutex
	models    map[string]ModelPrice
	embeds    map[string]EmbeddingPrice
	baselines map[string]float64
	path      string
	logger    *zap.Logger
}

// LoadTable reads the pricing table from path.
func LoadTable(path string, logger *zap.Logger) (*Table, error) {
	t := &Table{path: path, logger: logger}
	if err := t.Reload(); err != nil {
		return nil, err
	}
	return t, nil
}

// NewStaticTable builds a table directly from maps; used by tests and by
// callers that do not load from disk.
func NewStaticTable(models map[string]ModelPrice, embeds map[string]EmbeddingPrice, baselines map[string]float64, logger *zap.Logger) *Table {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Table{models: models, embeds: embeds, baselines: baselines, logger: logger}
}

// Reload re-reads the table from disk.
func (t *Table) Reload() error {
	data, err := os.ReadFile(t.path)
	if err != nil {
		return fmt.Errorf("read pricing table %s: %w", t.path, err)
	}
	var f tableFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse pricing table %s: %w", t.path, err)
	}
	for model, p := range f.Pricing.Models {
		if p.InputPer1K < 0 || p.OutputPer1K < 0 {
			return fmt.Errorf("negative price for model %s", model)
		}
	}
	for workflow, usd := range f.Baselines {
		if usd < 0 {
			return fmt.Errorf("negative baseline for workflow %s", workflow)
		}
	}

	t.mu.Lock()
	t.models = f.Pricing.Models
	t.embeds = f.Pricing.Embeddings
	t.baselines = f.Baselines
	t.mu.Unlock()

	t.logger.Info("Pricing table loaded",
		zap.String("path", t.path),
		zap.Int("models", len(f.Pricing.Models)),
		zap.Int("baselines", len(f.Baselines)),
	)
	return nil
}

// price returns the pricing entry for a model, falling back to the most
// expensive known tier when the model is unknown.
func (t *Table) price(model string) ModelPrice {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if p, ok := t.models[model]; ok {
		return p
	}
	reason := "unknown_model"
	if model == "" {
		reason = "missing_model"
	}
	metrics.PricingFallbacks.WithLabelValues(reason).Inc()
	t.logger.Warn("Unknown model, falling back to most expensive tier", zap.String("model", model))

	// Most expensive tier by combined per-1K price.
	var best ModelPrice
	for _, p := range t.models {
		if p.InputPer1K+p.OutputPer1K > best.InputPer1K+best.OutputPer1K {
			best = p
		}
	}
	return best
}

// HasModel reports whether the chat model has an exact pricing entry.
// Callers use it to flag responses priced on the fallback tier.
func (t *Table) HasModel(model string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.models[model]
	return ok
}

// HasEmbedding reports whether the embedding model has an exact pricing
// entry.
func (t *Table) HasEmbedding(model string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.embeds[model]
	return ok
}

// LLMCost returns the USD cost of a chat completion given its token split.
func (t *Table) LLMCost(model string, inputTokens, outputTokens int) float64 {
	if inputTokens < 0 {
		inputTokens = 0
	}
	if outputTokens < 0 {
		outputTokens = 0
	}
	p := t.price(model)
	return (float64(inputTokens)/1000.0)*p.InputPer1K + (float64(outputTokens)/1000.0)*p.OutputPer1K
}

// EmbeddingCost returns the USD cost of embedding the given token count.
func (t *Table) EmbeddingCost(model string, tokens int) float64 {
	if tokens < 0 {
		tokens = 0
	}
	t.mu.RLock()
	p, ok := t.embeds[model]
	t.mu.RUnlock()
	if !ok {
		reason := "unknown_model"
		if model == "" {
			reason = "missing_model"
		}
		metrics.PricingFallbacks.WithLabelValues(reason).Inc()
		// Most expensive known embedding tier.
		t.mu.RLock()
		for _, e := range t.embeds {
			if e.Per1K > p.Per1K {
				p = e
			}
		}
		t.mu.RUnlock()
	}
	return (float64(tokens) / 1000.0) * p.Per1K
}

// BaselineCost returns the uncached execution estimate for a workflow,
// or 0 when the workflow has no recorded baseline.
func (t *Table) BaselineCost(workflow string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.baselines[workflow]
}

// CacheSavings returns the USD saved by a hit on the given layer. A
// semantic hit saves the whole workflow baseline; a router hit saves the
// cost of an LLM routing decision; a tool hit saves nothing at the LLM
// level (the tool result itself is free to replay).
func (t *Table) CacheSavings(layer, model string, baseline float64) float64 {
	switch layer {
	case "semantic":
		return baseline
	case "router":
		// One short routing completion avoided.
		return t.LLMCost(model, 200, 20)
	default:
		return 0
	}
}

// TableView is the JSON shape served by /metrics/pricing.
type TableView struct {
	Models     map[string]ModelPrice     `json:"models"`
	Embeddings map[string]EmbeddingPrice `json:"embeddings"`
	Baselines  map[string]float64        `json:"baselines"`
}

// View copies the current table contents for read-only serving.
func (t *Table) View() TableView {
	t.mu.RLock()
	defer t.mu.RUnlock()
	view := TableView{
		Models:     make(map[string]ModelPrice, len(t.models)),
		Embeddings: make(map[string]EmbeddingPrice, len(t.embeds)),
		Baselines:  make(map[string]float64, len(t.baselines)),
	}
	for k, v := range t.models {
		view.Models[k] = v
	}
	for k, v := range t.embeds {
		view.Embeddings[k] = v
	}
	for k, v := range t.baselines {
		view.Baselines[k] = v
	}
	return view
}
