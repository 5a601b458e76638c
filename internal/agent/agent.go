// Package agent defines the agent abstraction, the tool surface agents call
// through, and the runtime that wraps every invocation with timeouts,
// events and execution records.
package agent

import (
	"context"
)

// Structured is the tagged payload an agent may attach to its text answer.
// Concrete kinds are closed: quote, sentiment, risk and free text.
type Structured interface {
	structuredKind() string
}

// Quote is a market data snapshot.
type Quote struct {
	Ticker        string  `json:"ticker"`
	Price         float64 `json:"price"`
	ChangePercent float64 `json:"change_percent"`
	Currency      string  `json:"currency"`
}

func (Quote) structuredKind() string { return "quote" }

// SentimentScore grades market mood for a ticker in [-1, 1].
type SentimentScore struct {
	Ticker string  `json:"ticker"`
	Score  float64 `json:"score"`
	Label  string  `json:"label"`
}

func (SentimentScore) structuredKind() string { return "sentiment" }

// RiskReport summarizes exposure concerns.
type RiskReport struct {
	Ticker  string   `json:"ticker"`
	Level   string   `json:"level"`
	Factors []string `json:"factors"`
}

func (RiskReport) structuredKind() string { return "risk" }

// FreeText is the untyped fallback payload.
type FreeText struct {
	Text string `json:"text"`
}

func (FreeText) structuredKind() string { return "free_text" }

// Handoff is the two-case routing decision a handoff entry agent must
// produce: either the id of the next agent, or done. Construct with
// HandoffTo or HandoffDone; the zero value is invalid.
type Handoff struct {
	next string
	done bool
}

// HandoffTo routes to the named agent.
func HandoffTo(agentID string) *Handoff { return &Handoff{next: agentID} }

// HandoffDone terminates the handoff loop.
func HandoffDone() *Handoff { return &Handoff{done: true} }

// Next returns the next agent id; ok is false when the decision is done.
func (h *Handoff) Next() (string, bool) {
	if h == nil || h.done {
		return "", false
	}
	return h.next, true
}

// Done reports whether the loop should stop.
func (h *Handoff) Done() bool { return h == nil || h.done }

// Output is what an agent returns. Token counts are the provider's own
// figures when available; zeros make the runtime fall back to heuristic
// counting.
type Output struct {
	Text         string
	Structured   Structured
	Handoff      *Handoff
	Model        string
	InputTokens  int
	OutputTokens int
}

// Agent is a unit of delegated LLM-backed work.
type Agent interface {
	ID() string
	Instructions() string
	Tools() []Tool
	Invoke(ctx context.Context, query string, rc *RunContext) (Output, error)
}

// Tool is a side-effectful call an agent makes, subject to the tool cache.
// Class selects the cache TTL tier.
type Tool interface {
	Name() string
	Class() string
	Invoke(ctx context.Context, params map[string]any) ([]byte, error)
}
