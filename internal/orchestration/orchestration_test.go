package orchestration

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quantra-labs/frontdoor/internal/agent"
	"github.com/quantra-labs/frontdoor/internal/collector"
	"github.com/quantra-labs/frontdoor/internal/pricing"
	"github.com/quantra-labs/frontdoor/internal/workflow"
)

// stubAgent lets each test script an agent's behavior directly.
type stubAgent struct {
	id string
	fn func(ctx context.Context, query string, rc *agent.RunContext) (agent.Output, error)
}

func (s *stubAgent) ID() string           { return s.id }
func (s *stubAgent) Instructions() string { return "stub" }
func (s *stubAgent) Tools() []agent.Tool  { return nil }
func (s *stubAgent) Invoke(ctx context.Context, query string, rc *agent.RunContext) (agent.Output, error) {
	return s.fn(ctx, query, rc)
}

func replies(text string) func(context.Context, string, *agent.RunContext) (agent.Output, error) {
	return func(context.Context, string, *agent.RunContext) (agent.Output, error) {
		return agent.Output{Text: text, Model: "gpt-4o-mini", InputTokens: 10, OutputTokens: 5}, nil
	}
}

func testEngine(t *testing.T, agents map[string]agent.Agent, cfg Config) *Engine {
	t.Helper()
	rt := agent.NewRuntime(pricing.NewStaticTable(nil, nil, nil, zap.NewNop()), nil, 100*time.Millisecond, zap.NewNop())
	return New(rt, agents, cfg, zap.NewNop())
}

func newCollector() *collector.Collector {
	return collector.New("q", "s", "u", collector.Targets{LatencyMs: 2000, CostUSD: 0.02})
}

func TestSequentialOrderAndMergedOutputs(t *testing.T) {
	var secondSawFirst bool
	agents := map[string]agent.Agent{
		"first": &stubAgent{id: "first", fn: replies("one")},
		"second": &stubAgent{id: "second", fn: func(_ context.Context, _ string, rc *agent.RunContext) (agent.Output, error) {
			v, ok := rc.State.Output("first_out")
			secondSawFirst = ok && v == "one"
			return agent.Output{Text: "two", Model: "m"}, nil
		}},
	}
	e := testEngine(t, agents, Config{})
	col := newCollector()

	resp, err := e.Execute(context.Background(), &workflow.Workflow{
		Name:    "w",
		Pattern: workflow.PatternSequential,
		Tasks: []workflow.TaskSpec{
			{AgentID: "first", OutputsKey: "first_out"},
			{AgentID: "second", OutputsKey: "second_out"},
		},
	}, Input{Query: "q", Collector: col})
	require.NoError(t, err)
	assert.Equal(t, "two", resp)
	assert.True(t, secondSawFirst)

	rep := col.Finalize(nil)
	assert.Equal(t, []string{"first", "second"}, rep.Workflow.AgentsInvoked)
}

func TestSequentialRequiredFailureTerminates(t *testing.T) {
	agents := map[string]agent.Agent{
		"a": &stubAgent{id: "a", fn: replies("ok")},
		"b": &stubAgent{id: "b", fn: func(context.Context, string, *agent.RunContext) (agent.Output, error) {
			return agent.Output{}, fmt.Errorf("provider down")
		}},
		"c": &stubAgent{id: "c", fn: replies("never")},
	}
	e := testEngine(t, agents, Config{})
	col := newCollector()

	_, err := e.Execute(context.Background(), &workflow.Workflow{
		Name:    "w",
		Pattern: workflow.PatternSequential,
		Tasks: []workflow.TaskSpec{
			{AgentID: "a", OutputsKey: "a"},
			{AgentID: "b", OutputsKey: "b"},
			{AgentID: "c", OutputsKey: "c"},
		},
	}, Input{Query: "q", Collector: col})
	require.ErrorIs(t, err, ErrRequiredAgentFailed)

	rep := col.Finalize(nil)
	// Partial results: a ran, b failed, c never started.
	require.Len(t, rep.Agents, 2)
	assert.Equal(t, collector.StatusError, rep.Agents[1].Status)
}

func TestSequentialRequiredFailurePreservesCause(t *testing.T) {
	agents := map[string]agent.Agent{
		"a": &stubAgent{id: "a", fn: func(context.Context, string, *agent.RunContext) (agent.Output, error) {
			return agent.Output{}, context.DeadlineExceeded
		}},
	}
	e := testEngine(t, agents, Config{})

	_, err := e.Execute(context.Background(), &workflow.Workflow{
		Name:    "w",
		Pattern: workflow.PatternSequential,
		Tasks:   []workflow.TaskSpec{{AgentID: "a", OutputsKey: "a"}},
	}, Input{Query: "q", Collector: newCollector()})
	require.ErrorIs(t, err, ErrRequiredAgentFailed)
	// The cause stays inspectable through the wrap.
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSequentialOptionalFailureSkips(t *testing.T) {
	agents := map[string]agent.Agent{
		"a": &stubAgent{id: "a", fn: func(context.Context, string, *agent.RunContext) (agent.Output, error) {
			return agent.Output{}, errors.New("boom")
		}},
		"b": &stubAgent{id: "b", fn: replies("done")},
	}
	e := testEngine(t, agents, Config{})
	col := newCollector()

	resp, err := e.Execute(context.Background(), &workflow.Workflow{
		Name:    "w",
		Pattern: workflow.PatternSequential,
		Tasks: []workflow.TaskSpec{
			{AgentID: "a", OutputsKey: "a", Optional: true},
			{AgentID: "b", OutputsKey: "b"},
		},
	}, Input{Query: "q", Collector: col})
	require.NoError(t, err)
	assert.Equal(t, "done", resp)
}

func TestConcurrentOneTimeoutStillSynthesizes(t *testing.T) {
	agents := map[string]agent.Agent{
		"fast1": &stubAgent{id: "fast1", fn: replies("quote data")},
		"slow": &stubAgent{id: "slow", fn: func(ctx context.Context, _ string, _ *agent.RunContext) (agent.Output, error) {
			select {
			case <-time.After(5 * time.Second):
				return agent.Output{Text: "late"}, nil
			case <-ctx.Done():
				return agent.Output{}, ctx.Err()
			}
		}},
		"fast2": &stubAgent{id: "fast2", fn: replies("risk data")},
		"synth": &stubAgent{id: "synth", fn: func(_ context.Context, _ string, rc *agent.RunContext) (agent.Output, error) {
			_, hasQuote := rc.State.Output("quote")
			_, hasRisk := rc.State.Output("risk")
			return agent.Output{Text: fmt.Sprintf("synth quote=%v risk=%v", hasQuote, hasRisk), Model: "m"}, nil
		}},
	}
	e := testEngine(t, agents, Config{ConcurrentCap: 2 * time.Second})
	col := newCollector()

	resp, err := e.Execute(context.Background(), &workflow.Workflow{
		Name:    "w",
		Pattern: workflow.PatternConcurrent,
		Tasks: []workflow.TaskSpec{
			{AgentID: "fast1", OutputsKey: "quote"},
			{AgentID: "slow", OutputsKey: "news"},
			{AgentID: "fast2", OutputsKey: "risk"},
		},
		Synthesis: "synth",
	}, Input{Query: "q", Collector: col})
	require.NoError(t, err)
	assert.Equal(t, "synth quote=true risk=true", resp)

	rep := col.Finalize(nil)
	require.Len(t, rep.Agents, 4)
	statuses := map[string]string{}
	for _, a := range rep.Agents[:3] {
		statuses[a.AgentID] = a.Status
	}
	assert.Equal(t, collector.StatusSuccess, statuses["fast1"])
	assert.Equal(t, collector.StatusTimeout, statuses["slow"])
	assert.Equal(t, collector.StatusSuccess, statuses["fast2"])

	// A warning event marks the failed branch.
	warned := false
	for _, ev := range rep.Timeline.Events {
		if ev.Type == "warning" {
			warned = true
		}
	}
	assert.True(t, warned)
}

func TestHandoffHopCap(t *testing.T) {
	agents := map[string]agent.Agent{
		"router": &stubAgent{id: "router", fn: func(context.Context, string, *agent.RunContext) (agent.Output, error) {
			return agent.Output{Text: "again", Model: "m", Handoff: agent.HandoffTo("router")}, nil
		}},
		"synth": &stubAgent{id: "synth", fn: replies("synthesized")},
	}
	e := testEngine(t, agents, Config{MaxHops: 6})
	col := newCollector()

	resp, err := e.Execute(context.Background(), &workflow.Workflow{
		Name:    "w",
		Pattern: workflow.PatternHandoff,
		Entry:   "router",
		Tasks:   []workflow.TaskSpec{{AgentID: "router", OutputsKey: "triage"}},
		Synthesis: "synth",
	}, Input{Query: "q", Collector: col})
	require.NoError(t, err)
	assert.Equal(t, "synthesized", resp)

	rep := col.Finalize(nil)
	// Exactly max-hops router records plus the synthesis record.
	require.Len(t, rep.Agents, 7)

	capped := false
	for _, ev := range rep.Timeline.Events {
		if ev.Name == "orchestration:handoff:hop_cap_reached" {
			capped = true
		}
	}
	assert.True(t, capped)
}

func TestHandoffImmediateDoneSkipsSynthesis(t *testing.T) {
	agents := map[string]agent.Agent{
		"router": &stubAgent{id: "router", fn: func(context.Context, string, *agent.RunContext) (agent.Output, error) {
			return agent.Output{Text: "all set", Model: "m", Handoff: agent.HandoffDone()}, nil
		}},
		"synth": &stubAgent{id: "synth", fn: replies("should not run")},
	}
	e := testEngine(t, agents, Config{MaxHops: 6})
	col := newCollector()

	resp, err := e.Execute(context.Background(), &workflow.Workflow{
		Name:      "w",
		Pattern:   workflow.PatternHandoff,
		Entry:     "router",
		Tasks:     []workflow.TaskSpec{{AgentID: "router", OutputsKey: "triage"}},
		Synthesis: "synth",
	}, Input{Query: "q", Collector: col})
	require.NoError(t, err)
	assert.Equal(t, "all set", resp)

	rep := col.Finalize(nil)
	assert.Len(t, rep.Agents, 1)
}

func TestHandoffSpecialistReturnsToRouter(t *testing.T) {
	routerCalls := 0
	agents := map[string]agent.Agent{
		"router": &stubAgent{id: "router", fn: func(context.Context, string, *agent.RunContext) (agent.Output, error) {
			routerCalls++
			if routerCalls == 1 {
				return agent.Output{Text: "delegating", Model: "m", Handoff: agent.HandoffTo("specialist")}, nil
			}
			return agent.Output{Text: "wrapping up", Model: "m", Handoff: agent.HandoffDone()}, nil
		}},
		"specialist": &stubAgent{id: "specialist", fn: replies("findings")},
	}
	e := testEngine(t, agents, Config{MaxHops: 6})
	col := newCollector()

	_, err := e.Execute(context.Background(), &workflow.Workflow{
		Name:    "w",
		Pattern: workflow.PatternHandoff,
		Entry:   "router",
		Tasks: []workflow.TaskSpec{
			{AgentID: "router", OutputsKey: "triage"},
			{AgentID: "specialist", OutputsKey: "notes"},
		},
	}, Input{Query: "q", Collector: col})
	require.NoError(t, err)

	rep := col.Finalize(nil)
	assert.Equal(t, []string{"router", "specialist", "router"}, rep.Workflow.AgentsInvoked)
}

func TestEmptyWorkflowEchoesQuery(t *testing.T) {
	e := testEngine(t, nil, Config{})
	col := newCollector()

	resp, err := e.Execute(context.Background(), &workflow.Workflow{
		Name:    "Empty",
		Pattern: workflow.PatternSequential,
	}, Input{Query: "hello there", Collector: col})
	require.NoError(t, err)
	assert.Equal(t, "hello there", resp)

	rep := col.Finalize(nil)
	require.Len(t, rep.Timeline.Events, 1)
	assert.Equal(t, "warning", rep.Timeline.Events[0].Type)
}
