// Package workflow defines the static plans the dispatcher executes: named
// task graphs with an orchestration pattern, routing patterns and a
// baseline cost.
package workflow

import (
	"errors"
	"fmt"
	"regexp"
)

// Pattern is the scheduling discipline for a workflow's tasks.
type Pattern string

const (
	PatternSequential Pattern = "sequential"
	PatternConcurrent Pattern = "concurrent"
	PatternHandoff    Pattern = "handoff"
)

// ErrUnknownWorkflow is returned by Registry.Get for unregistered names.
// The dispatcher demotes it to a warning and uses Default.
var ErrUnknownWorkflow = errors.New("workflow: unknown workflow")

// TaskSpec is one agent task in a workflow.
type TaskSpec struct {
	AgentID    string
	DependsOn  []string
	Inputs     map[string]any
	OutputsKey string

	// Optional marks a task whose failure does not terminate a sequential
	// workflow. Tasks are required by default.
	Optional bool
}

// Required reports whether a task failure terminates the workflow.
func (t TaskSpec) Required() bool { return !t.Optional }

// Workflow is a named execution plan.
type Workflow struct {
	Name    string
	Pattern Pattern
	Tasks   []TaskSpec

	// Synthesis names the agent that condenses task outputs into the final
	// answer; empty means the last task's text is the answer.
	Synthesis string

	// Entry names the handoff router agent. Defaults to the first task.
	Entry string

	// RoutePatterns select this workflow from query text during the routing
	// pattern stage.
	RoutePatterns []*regexp.Regexp

	// BaselineCostUSD estimates an uncached execution, for savings math.
	BaselineCostUSD float64
}

// EntryAgent returns the handoff entry agent id.
func (w *Workflow) EntryAgent() string {
	if w.Entry != "" {
		return w.Entry
	}
	if len(w.Tasks) > 0 {
		return w.Tasks[0].AgentID
	}
	return ""
}

// AgentIDs lists the agents the workflow can invoke, in declaration order.
func (w *Workflow) AgentIDs() []string {
	ids := make([]string, 0, len(w.Tasks)+1)
	seen := make(map[string]bool)
	for _, t := range w.Tasks {
		if !seen[t.AgentID] {
			seen[t.AgentID] = true
			ids = append(ids, t.AgentID)
		}
	}
	if w.Synthesis != "" && !seen[w.Synthesis] {
		ids = append(ids, w.Synthesis)
	}
	return ids
}

// Validate checks the structural invariants: depends_on references resolve
// and form a DAG, concurrent workflows carry no dependency edges, handoff
// workflows have an entry agent.
func (w *Workflow) Validate() error {
	if w.Name == "" {
		return fmt.Errorf("workflow without a name")
	}
	switch w.Pattern {
	case PatternSequential, PatternConcurrent, PatternHandoff:
	default:
		return fmt.Errorf("workflow %s: unknown pattern %q", w.Name, w.Pattern)
	}

	byAgent := make(map[string]bool, len(w.Tasks))
	for _, t := range w.Tasks {
		byAgent[t.AgentID] = true
	}
	for _, t := range w.Tasks {
		for _, dep := range t.DependsOn {
			if !byAgent[dep] {
				return fmt.Errorf("workflow %s: task %s depends on unknown task %s", w.Name, t.AgentID, dep)
			}
		}
		if w.Pattern == PatternConcurrent && len(t.DependsOn) > 0 {
			return fmt.Errorf("workflow %s: concurrent task %s must not declare depends_on", w.Name, t.AgentID)
		}
	}
	if err := w.checkAcyclic(); err != nil {
		return err
	}
	if w.Pattern == PatternHandoff && w.EntryAgent() == "" {
		return fmt.Errorf("workflow %s: handoff requires an entry agent", w.Name)
	}
	return nil
}

// checkAcyclic runs Kahn's algorithm over the depends_on graph.
func (w *Workflow) checkAcyclic() error {
	indegree := make(map[string]int, len(w.Tasks))
	edges := make(map[string][]string)
	for _, t := range w.Tasks {
		if _, ok := indegree[t.AgentID]; !ok {
			indegree[t.AgentID] = 0
		}
		for _, dep := range t.DependsOn {
			edges[dep] = append(edges[dep], t.AgentID)
			indegree[t.AgentID]++
		}
	}
	queue := make([]string, 0, len(indegree))
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range edges[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited != len(indegree) {
		return fmt.Errorf("workflow %s: depends_on graph has a cycle", w.Name)
	}
	return nil
}

// Registry is the static name to workflow mapping, read-only after startup.
type Registry struct {
	workflows map[string]*Workflow
	order     []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{workflows: make(map[string]*Workflow)}
}

// Register validates and adds a workflow. Re-registering a name fails.
func (r *Registry) Register(w *Workflow) error {
	if err := w.Validate(); err != nil {
		return err
	}
	if _, exists := r.workflows[w.Name]; exists {
		return fmt.Errorf("workflow %s already registered", w.Name)
	}
	r.workflows[w.Name] = w
	r.order = append(r.order, w.Name)
	return nil
}

// Get returns the named workflow or ErrUnknownWorkflow.
func (r *Registry) Get(name string) (*Workflow, error) {
	w, ok := r.workflows[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorkflow, name)
	}
	return w, nil
}

// Names lists registered workflows in registration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// RequireDefault fails unless a Default workflow is registered; the routing
// fallback depends on it.
func (r *Registry) RequireDefault() error {
	if _, ok := r.workflows["Default"]; !ok {
		return fmt.Errorf("registry has no Default workflow")
	}
	return nil
}

// RoutePattern pairs a compiled regex with its workflow, in registration
// order, for the routing pattern stage.
type RoutePattern struct {
	Pattern  *regexp.Regexp
	Workflow string
}

// RoutePatterns flattens every workflow's patterns in registration order.
func (r *Registry) RoutePatterns() []RoutePattern {
	var out []RoutePattern
	for _, name := range r.order {
		for _, p := range r.workflows[name].RoutePatterns {
			out = append(out, RoutePattern{Pattern: p, Workflow: name})
		}
	}
	return out
}
