// Package orchestration runs a workflow's tasks under its declared pattern:
// sequential, concurrent fan-out, or handoff routing. All three feed the
// same synthesis step.
package orchestration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quantra-labs/frontdoor/internal/agent"
	"github.com/quantra-labs/frontdoor/internal/collector"
	"github.com/quantra-labs/frontdoor/internal/memory"
	"github.com/quantra-labs/frontdoor/internal/workflow"
)

// ErrRequiredAgentFailed wraps the failure of a required sequential task;
// the dispatcher surfaces it with partial metrics.
var ErrRequiredAgentFailed = errors.New("orchestration: required agent failed")

// Config bounds orchestration-level execution.
type Config struct {
	ConcurrentCap time.Duration
	MaxHops       int
}

// Engine executes workflows over a fixed agent set.
type Engine struct {
	runtime *agent.Runtime
	agents  map[string]agent.Agent
	cfg     Config
	logger  *zap.Logger
}

// New builds the engine. agents maps agent id to implementation.
func New(runtime *agent.Runtime, agents map[string]agent.Agent, cfg Config, logger *zap.Logger) *Engine {
	if cfg.ConcurrentCap <= 0 {
		cfg.ConcurrentCap = 45 * time.Second
	}
	if cfg.MaxHops <= 0 {
		cfg.MaxHops = 6
	}
	return &Engine{runtime: runtime, agents: agents, cfg: cfg, logger: logger}
}

// Input is the shared context for one workflow run.
type Input struct {
	Query string
	User  memory.UserContext

	// Inputs are request-level parameters (ticker and friends) visible to
	// every task. Task-level inputs override on key collision.
	Inputs    map[string]any
	Collector *collector.Collector
}

// mergeInputs layers task inputs over request inputs.
func mergeInputs(request, task map[string]any) map[string]any {
	if len(request) == 0 {
		return task
	}
	merged := make(map[string]any, len(request)+len(task))
	for k, v := range request {
		merged[k] = v
	}
	for k, v := range task {
		merged[k] = v
	}
	return merged
}

// Execute runs the workflow and returns the final response text. Captured
// agent failures live in the collector; the error return is non-nil only
// when a required failure terminates the run.
func (e *Engine) Execute(ctx context.Context, w *workflow.Workflow, in Input) (string, error) {
	if len(w.Tasks) == 0 && w.Synthesis == "" {
		// Nothing to run; echo the query so the caller still gets a response.
		in.Collector.Warn("empty_workflow", map[string]any{"workflow": w.Name})
		return in.Query, nil
	}

	state := agent.NewState()
	var lastText string
	var runErr error
	skipSynthesis := false

	switch w.Pattern {
	case workflow.PatternConcurrent:
		lastText = e.runConcurrent(ctx, w, in, state)
	case workflow.PatternHandoff:
		lastText, skipSynthesis = e.runHandoff(ctx, w, in, state)
	default:
		lastText, runErr = e.runSequential(ctx, w, in, state)
	}
	if runErr != nil {
		return lastText, runErr
	}

	if w.Synthesis != "" && !skipSynthesis {
		synth, ok := e.agents[w.Synthesis]
		if !ok {
			in.Collector.Warn("missing_synthesis_agent", map[string]any{"agent_id": w.Synthesis})
			return lastText, nil
		}
		out, _, err := e.runtime.Run(ctx, synth, agent.RunParams{
			Query:     in.Query,
			User:      in.User,
			Inputs:    in.Inputs,
			State:     state,
			Collector: in.Collector,
		})
		if err != nil {
			// Synthesis failure falls back to the raw task output.
			in.Collector.Warn("synthesis_failed", map[string]any{"error": err.Error()})
			return lastText, nil
		}
		return out.Text, nil
	}
	return lastText, nil
}

// runSequential executes tasks in declaration order. A required failure
// terminates the run with partial results.
func (e *Engine) runSequential(ctx context.Context, w *workflow.Workflow, in Input, state *agent.State) (string, error) {
	var lastText string
	for _, task := range w.Tasks {
		ag, ok := e.agents[task.AgentID]
		if !ok {
			if task.Required() {
				return lastText, fmt.Errorf("%w: no such agent %s", ErrRequiredAgentFailed, task.AgentID)
			}
			in.Collector.Warn("unknown_agent_skipped", map[string]any{"agent_id": task.AgentID})
			continue
		}
		out, _, err := e.runtime.Run(ctx, ag, agent.RunParams{
			Query:     in.Query,
			User:      in.User,
			Inputs:    mergeInputs(in.Inputs, task.Inputs),
			State:     state,
			Collector: in.Collector,
		})
		if err != nil {
			if task.Required() {
				// Both the sentinel and the cause stay in the chain so the
				// dispatcher can map deadline expiry to its own error code.
				return lastText, fmt.Errorf("%w: %s: %w", ErrRequiredAgentFailed, task.AgentID, err)
			}
			in.Collector.Warn("optional_agent_failed", map[string]any{"agent_id": task.AgentID})
			continue
		}
		state.SetOutput(task.OutputsKey, out.Text)
		lastText = out.Text
	}
	return lastText, nil
}

// runConcurrent fans tasks out in parallel under the workflow-level cap.
// Tasks cut off by the cap are recorded as timeouts by the runtime; the
// successful subset still feeds synthesis.
func (e *Engine) runConcurrent(ctx context.Context, w *workflow.Workflow, in Input, state *agent.State) string {
	capCtx, cancel := context.WithTimeout(ctx, e.cfg.ConcurrentCap)
	defer cancel()

	results := make([]string, len(w.Tasks))
	oks := make([]bool, len(w.Tasks))
	var wg sync.WaitGroup
	for i, task := range w.Tasks {
		ag, ok := e.agents[task.AgentID]
		if !ok {
			in.Collector.Warn("unknown_agent_skipped", map[string]any{"agent_id": task.AgentID})
			continue
		}
		wg.Add(1)
		go func(i int, task workflow.TaskSpec, ag agent.Agent) {
			defer wg.Done()
			out, _, err := e.runtime.Run(capCtx, ag, agent.RunParams{
				Query:     in.Query,
				User:      in.User,
				Inputs:    mergeInputs(in.Inputs, task.Inputs),
				State:     state,
				Collector: in.Collector,
			})
			if err != nil {
				in.Collector.Warn("concurrent_agent_failed", map[string]any{"agent_id": task.AgentID})
				return
			}
			state.SetOutput(task.OutputsKey, out.Text)
			results[i] = out.Text
			oks[i] = true
		}(i, task, ag)
	}
	wg.Wait()

	// Last successful task's text, in declaration order, backs the
	// no-synthesis case.
	var lastText string
	for i, ok := range oks {
		if ok {
			lastText = results[i]
		}
	}
	return lastText
}

// runHandoff loops from the entry agent, following each output's handoff
// decision. An agent that makes no decision returns control to the entry
// router. The hop cap bounds the loop; revisits are allowed.
func (e *Engine) runHandoff(ctx context.Context, w *workflow.Workflow, in Input, state *agent.State) (lastText string, skipSynthesis bool) {
	outputKeys := make(map[string]string, len(w.Tasks))
	for _, task := range w.Tasks {
		outputKeys[task.AgentID] = task.OutputsKey
	}

	entry := w.EntryAgent()
	current := entry
	for hop := 0; hop < e.cfg.MaxHops; hop++ {
		ag, ok := e.agents[current]
		if !ok {
			in.Collector.Warn("unknown_agent_skipped", map[string]any{"agent_id": current})
			return lastText, false
		}
		out, _, err := e.runtime.Run(ctx, ag, agent.RunParams{
			Query:     in.Query,
			User:      in.User,
			Inputs:    in.Inputs,
			State:     state,
			Collector: in.Collector,
		})
		if err != nil {
			in.Collector.Warn("handoff_agent_failed", map[string]any{"agent_id": current})
			return lastText, false
		}
		if key, ok := outputKeys[current]; ok && key != "" {
			state.SetOutput(key, out.Text)
		}
		lastText = out.Text

		switch {
		case out.Handoff == nil:
			// Specialist without a routing decision; the router decides next.
			current = entry
		case out.Handoff.Done():
			// An immediate done on the first hop short-circuits synthesis.
			return lastText, hop == 0
		default:
			next, _ := out.Handoff.Next()
			current = next
		}
	}

	id := in.Collector.StartEvent("orchestration", "orchestration:handoff:hop_cap_reached",
		map[string]any{"max_hops": e.cfg.MaxHops})
	_ = in.Collector.EndEvent(id, collector.StatusWarning, nil)
	e.logger.Warn("Handoff hop cap reached",
		zap.String("workflow", w.Name),
		zap.Int("max_hops", e.cfg.MaxHops))
	return lastText, false
}
