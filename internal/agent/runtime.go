package agent

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quantra-labs/frontdoor/internal/cache/toolcache"
	"github.com/quantra-labs/frontdoor/internal/collector"
	"github.com/quantra-labs/frontdoor/internal/memory"
	"github.com/quantra-labs/frontdoor/internal/pricing"
	"github.com/quantra-labs/frontdoor/internal/tracing"
)

// State is the context shared across the tasks of one workflow run: each
// task's output lands under its outputs_key and later tasks read it.
type State struct {
	mu      sync.Mutex
	outputs map[string]any
	order   []string
}

// NewState returns an empty shared state.
func NewState() *State {
	return &State{outputs: make(map[string]any)}
}

// SetOutput stores a task output under its key.
func (s *State) SetOutput(key string, v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.outputs[key]; !seen {
		s.order = append(s.order, key)
	}
	s.outputs[key] = v
}

// Output reads a prior task output.
func (s *State) Output(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.outputs[key]
	return v, ok
}

// Keys lists output keys in first-write order.
func (s *State) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

// RunContext is handed to one agent invocation. Tool calls made through it
// hit the tool cache and are recorded on the resulting execution record.
type RunContext struct {
	User      memory.UserContext
	Inputs    map[string]any
	State     *State
	Collector *collector.Collector

	cache *toolcache.Cache

	mu          sync.Mutex
	invocations []collector.ToolInvocation
}

// CallTool invokes a tool through the cache layer. Tool failures are
// recorded and returned; the agent decides whether they are fatal.
func (rc *RunContext) CallTool(ctx context.Context, t Tool, params map[string]any) ([]byte, error) {
	start := time.Now()
	inv := collector.ToolInvocation{
		ToolName:   t.Name(),
		Parameters: params,
		Status:     collector.StatusSuccess,
	}

	if rc.cache != nil {
		if val, ok := rc.cache.Get(ctx, t.Name(), params); ok {
			inv.CacheHit = true
			inv.Similarity = 1
			inv.ResultSizeBytes = len(val)
			inv.DurationMs = float64(time.Since(start).Microseconds()) / 1000
			rc.record(inv)
			return val, nil
		}
	}

	val, err := t.Invoke(ctx, params)
	inv.DurationMs = float64(time.Since(start).Microseconds()) / 1000
	if err != nil {
		inv.Status = collector.StatusError
		rc.record(inv)
		return nil, err
	}
	inv.ResultSizeBytes = len(val)
	if rc.cache != nil {
		rc.cache.Set(ctx, t.Name(), t.Class(), params, val)
	}
	rc.record(inv)
	return val, nil
}

func (rc *RunContext) record(inv collector.ToolInvocation) {
	rc.mu.Lock()
	rc.invocations = append(rc.invocations, inv)
	rc.mu.Unlock()
	if rc.Collector != nil {
		rc.Collector.RecordToolInvocation(inv)
	}
}

// Runtime wraps agent invocations with timeout enforcement, timeline events
// and cost accounting.
type Runtime struct {
	pricing   *pricing.Table
	toolCache *toolcache.Cache
	timeout   time.Duration
	logger    *zap.Logger
}

// NewRuntime builds the runtime. timeout bounds each single agent run.
func NewRuntime(table *pricing.Table, cache *toolcache.Cache, timeout time.Duration, logger *zap.Logger) *Runtime {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Runtime{pricing: table, toolCache: cache, timeout: timeout, logger: logger}
}

// RunParams carries the per-invocation inputs.
type RunParams struct {
	Query     string
	User      memory.UserContext
	Inputs    map[string]any
	State     *State
	Collector *collector.Collector
}

type invokeResult struct {
	out Output
	err error
}

// Run invokes one agent under the per-agent timeout. Agent errors and
// timeouts are captured into the record, not raised; the error return is
// non-nil only so orchestrations can decide whether the failure terminates
// the workflow.
func (r *Runtime) Run(ctx context.Context, ag Agent, p RunParams) (Output, collector.AgentRecord, error) {
	rc := &RunContext{
		User:      p.User,
		Inputs:    p.Inputs,
		State:     p.State,
		Collector: p.Collector,
		cache:     r.toolCache,
	}

	var eventID int64
	if p.Collector != nil {
		eventID = p.Collector.StartEvent("agent", "agent:"+ag.ID(), nil)
	}
	ctx, span := tracing.StartAgentSpan(ctx, ag.ID())
	defer span.End()

	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	started := time.Now()
	done := make(chan invokeResult, 1)
	go func() {
		out, err := ag.Invoke(runCtx, p.Query, rc)
		done <- invokeResult{out, err}
	}()

	var res invokeResult
	select {
	case res = <-done:
	case <-runCtx.Done():
		res = invokeResult{err: runCtx.Err()}
	}
	ended := time.Now()

	rec := collector.AgentRecord{
		AgentID:   ag.ID(),
		StartedAt: started.UnixMilli(),
		EndedAt:   ended.UnixMilli(),
		Status:    collector.StatusSuccess,
		Model:     res.out.Model,
	}
	rc.mu.Lock()
	rec.Tools = append([]collector.ToolInvocation(nil), rc.invocations...)
	rc.mu.Unlock()

	switch {
	case res.err == nil:
		rec.InputTokens = res.out.InputTokens
		rec.OutputTokens = res.out.OutputTokens
		if rec.InputTokens == 0 && rec.OutputTokens == 0 && res.out.Text != "" {
			// Provider reported no usage; fall back to heuristic counts.
			rec.InputTokens = pricing.CountMessages(res.out.Model, []pricing.Message{
				{Role: "system", Content: ag.Instructions()},
				{Role: "user", Content: p.Query},
			})
			rec.OutputTokens = pricing.CountTokens(res.out.Model, res.out.Text)
		}
		if !r.pricing.HasModel(res.out.Model) && p.Collector != nil {
			p.Collector.Warn("pricing_fallback", map[string]any{
				"model":    res.out.Model,
				"agent_id": ag.ID(),
			})
		}
		rec.CostUSD = r.pricing.LLMCost(res.out.Model, rec.InputTokens, rec.OutputTokens)
		rec.ResponsePreview = preview(res.out.Text)
	case errors.Is(res.err, context.DeadlineExceeded):
		rec.Status = collector.StatusTimeout
		rec.ErrorMessage = "agent timeout"
		r.logger.Warn("Agent timed out",
			zap.String("agent_id", ag.ID()),
			zap.Duration("timeout", r.timeout))
	default:
		rec.Status = collector.StatusError
		rec.ErrorMessage = res.err.Error()
		r.logger.Warn("Agent failed",
			zap.String("agent_id", ag.ID()),
			zap.Error(res.err))
	}

	if p.Collector != nil {
		p.Collector.RecordAgent(rec)
		_ = p.Collector.EndEvent(eventID, rec.Status, nil)
	}
	return res.out, rec, res.err
}

// preview trims the response text for the execution record.
func preview(text string) string {
	const max = 200
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max]) + "..."
}
