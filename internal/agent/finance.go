package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/quantra-labs/frontdoor/internal/llm"
)

// tickerPattern finds an explicit ticker mention in a query.
var tickerPattern = regexp.MustCompile(`\b[A-Z]{1,5}\b`)

// ResolveTicker picks the ticker for a run: explicit task input first, then
// the first ticker-shaped token in the query, then the user's top holding.
func ResolveTicker(query string, rc *RunContext) string {
	if rc != nil {
		if t, ok := rc.Inputs["ticker"].(string); ok && t != "" {
			return strings.ToUpper(t)
		}
	}
	if m := tickerPattern.FindString(query); m != "" {
		return m
	}
	if rc != nil && len(rc.User.Profile.Portfolio) > 0 {
		return rc.User.Profile.Portfolio[0].Ticker
	}
	return ""
}

// llmAgent is the common shape of the built-in agents: fixed instructions,
// a tool set, one chat completion per invocation.
type llmAgent struct {
	id           string
	instructions string
	model        string
	provider     llm.Provider
	tools        []Tool
}

func (a *llmAgent) ID() string           { return a.id }
func (a *llmAgent) Instructions() string { return a.instructions }
func (a *llmAgent) Tools() []Tool        { return a.tools }

// complete runs one completion against the agent's instructions.
func (a *llmAgent) complete(ctx context.Context, userPrompt string) (llm.Completion, error) {
	return a.provider.ChatComplete(ctx, llm.ChatRequest{
		Model: a.model,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: a.instructions},
			{Role: llm.RoleUser, Content: userPrompt},
		},
	})
}

func output(c llm.Completion, structured Structured) Output {
	return Output{
		Text:         c.Text,
		Structured:   structured,
		Model:        c.Model,
		InputTokens:  c.InputTokens,
		OutputTokens: c.OutputTokens,
	}
}

// MarketDataAgent answers price questions from the quote tool.
type MarketDataAgent struct {
	llmAgent
	quote Tool
}

// NewMarketDataAgent builds the quote agent.
func NewMarketDataAgent(provider llm.Provider, model string) *MarketDataAgent {
	quote := QuoteTool{}
	return &MarketDataAgent{
		llmAgent: llmAgent{
			id:           "MarketDataAgent",
			instructions: "You report current market data. Answer with the price and day change, nothing speculative.",
			model:        model,
			provider:     provider,
			tools:        []Tool{quote},
		},
		quote: quote,
	}
}

func (a *MarketDataAgent) Invoke(ctx context.Context, query string, rc *RunContext) (Output, error) {
	ticker := ResolveTicker(query, rc)
	if ticker == "" {
		return Output{}, fmt.Errorf("no ticker in query")
	}
	raw, err := rc.CallTool(ctx, a.quote, map[string]any{"ticker": ticker})
	if err != nil {
		return Output{}, fmt.Errorf("quote lookup: %w", err)
	}
	var q Quote
	if err := json.Unmarshal(raw, &q); err != nil {
		return Output{}, fmt.Errorf("decode quote: %w", err)
	}
	c, err := a.complete(ctx, fmt.Sprintf("Quote data: %s\nUser question: %s", raw, query))
	if err != nil {
		return Output{}, err
	}
	return output(c, q), nil
}

// NewsAgent summarizes recent headlines.
type NewsAgent struct {
	llmAgent
	news Tool
}

func NewNewsAgent(provider llm.Provider, model string) *NewsAgent {
	news := NewsTool{}
	return &NewsAgent{
		llmAgent: llmAgent{
			id:           "NewsAgent",
			instructions: "You summarize market news. Two sentences, no advice.",
			model:        model,
			provider:     provider,
			tools:        []Tool{news},
		},
		news: news,
	}
}

func (a *NewsAgent) Invoke(ctx context.Context, query string, rc *RunContext) (Output, error) {
	ticker := ResolveTicker(query, rc)
	if ticker == "" {
		return Output{}, fmt.Errorf("no ticker in query")
	}
	raw, err := rc.CallTool(ctx, a.news, map[string]any{"ticker": ticker})
	if err != nil {
		return Output{}, fmt.Errorf("news search: %w", err)
	}
	c, err := a.complete(ctx, fmt.Sprintf("Headlines: %s\nUser question: %s", raw, query))
	if err != nil {
		return Output{}, err
	}
	return output(c, FreeText{Text: c.Text}), nil
}

// SentimentAgent grades market mood from headlines. The model is asked for
// a JSON verdict; unparseable replies degrade to free text.
type SentimentAgent struct {
	llmAgent
	news Tool
}

func NewSentimentAgent(provider llm.Provider, model string) *SentimentAgent {
	news := NewsTool{}
	return &SentimentAgent{
		llmAgent: llmAgent{
			id:           "SentimentAgent",
			instructions: `You grade market sentiment. Reply with JSON {"score": -1..1, "label": "bearish|neutral|bullish"} followed by one sentence.`,
			model:        model,
			provider:     provider,
			tools:        []Tool{news},
		},
		news: news,
	}
}

func (a *SentimentAgent) Invoke(ctx context.Context, query string, rc *RunContext) (Output, error) {
	ticker := ResolveTicker(query, rc)
	if ticker == "" {
		return Output{}, fmt.Errorf("no ticker in query")
	}
	raw, err := rc.CallTool(ctx, a.news, map[string]any{"ticker": ticker})
	if err != nil {
		return Output{}, fmt.Errorf("news search: %w", err)
	}
	c, err := a.complete(ctx, fmt.Sprintf("Headlines: %s\nGrade sentiment for %s.", raw, ticker))
	if err != nil {
		return Output{}, err
	}
	var verdict struct {
		Score float64 `json:"score"`
		Label string  `json:"label"`
	}
	if err := json.Unmarshal(firstJSONObject(c.Text), &verdict); err == nil && verdict.Label != "" {
		return output(c, SentimentScore{Ticker: ticker, Score: verdict.Score, Label: verdict.Label}), nil
	}
	return output(c, FreeText{Text: c.Text}), nil
}

// RiskAgent weighs a position against the user's profile.
type RiskAgent struct {
	llmAgent
	fundamentals Tool
}

func NewRiskAgent(provider llm.Provider, model string) *RiskAgent {
	fundamentals := FundamentalsTool{}
	return &RiskAgent{
		llmAgent: llmAgent{
			id:           "RiskAgent",
			instructions: `You assess position risk. Reply with JSON {"level": "low|medium|high", "factors": [..]} followed by a short explanation.`,
			model:        model,
			provider:     provider,
			tools:        []Tool{fundamentals},
		},
		fundamentals: fundamentals,
	}
}

func (a *RiskAgent) Invoke(ctx context.Context, query string, rc *RunContext) (Output, error) {
	ticker := ResolveTicker(query, rc)
	if ticker == "" {
		return Output{}, fmt.Errorf("no ticker in query")
	}
	raw, err := rc.CallTool(ctx, a.fundamentals, map[string]any{"ticker": ticker})
	if err != nil {
		return Output{}, fmt.Errorf("fundamentals lookup: %w", err)
	}
	profile, _ := json.Marshal(rc.User.Profile)
	c, err := a.complete(ctx, fmt.Sprintf("Fundamentals: %s\nUser profile: %s\nAssess risk of %s for this user.", raw, profile, ticker))
	if err != nil {
		return Output{}, err
	}
	var verdict struct {
		Level   string   `json:"level"`
		Factors []string `json:"factors"`
	}
	if err := json.Unmarshal(firstJSONObject(c.Text), &verdict); err == nil && verdict.Level != "" {
		return output(c, RiskReport{Ticker: ticker, Level: verdict.Level, Factors: verdict.Factors}), nil
	}
	return output(c, FreeText{Text: c.Text}), nil
}

// FundamentalsAgent reads valuation figures.
type FundamentalsAgent struct {
	llmAgent
	fundamentals Tool
}

func NewFundamentalsAgent(provider llm.Provider, model string) *FundamentalsAgent {
	fundamentals := FundamentalsTool{}
	return &FundamentalsAgent{
		llmAgent: llmAgent{
			id:           "FundamentalsAgent",
			instructions: "You explain company fundamentals in plain language. No advice.",
			model:        model,
			provider:     provider,
			tools:        []Tool{fundamentals},
		},
		fundamentals: fundamentals,
	}
}

func (a *FundamentalsAgent) Invoke(ctx context.Context, query string, rc *RunContext) (Output, error) {
	ticker := ResolveTicker(query, rc)
	if ticker == "" {
		return Output{}, fmt.Errorf("no ticker in query")
	}
	raw, err := rc.CallTool(ctx, a.fundamentals, map[string]any{"ticker": ticker})
	if err != nil {
		return Output{}, fmt.Errorf("fundamentals lookup: %w", err)
	}
	c, err := a.complete(ctx, fmt.Sprintf("Fundamentals: %s\nUser question: %s", raw, query))
	if err != nil {
		return Output{}, err
	}
	return output(c, FreeText{Text: c.Text}), nil
}

// SynthesisAgent condenses the outputs of prior tasks into one answer.
type SynthesisAgent struct {
	llmAgent
}

func NewSynthesisAgent(provider llm.Provider, model string) *SynthesisAgent {
	return &SynthesisAgent{
		llmAgent: llmAgent{
			id:           "SynthesisAgent",
			instructions: "You combine analyst notes into one coherent answer for the user. Be direct and concise.",
			model:        model,
			provider:     provider,
		},
	}
}

func (a *SynthesisAgent) Invoke(ctx context.Context, query string, rc *RunContext) (Output, error) {
	var b strings.Builder
	if rc.State != nil {
		for _, key := range rc.State.Keys() {
			v, _ := rc.State.Output(key)
			fmt.Fprintf(&b, "[%s] %v\n", key, v)
		}
	}
	c, err := a.complete(ctx, fmt.Sprintf("Notes:\n%s\nUser question: %s", b.String(), query))
	if err != nil {
		return Output{}, err
	}
	return output(c, FreeText{Text: c.Text}), nil
}

// TriageAgent is the handoff entry point: it names the next specialist or
// declares the loop done.
type TriageAgent struct {
	llmAgent
	candidates []string
}

func NewTriageAgent(provider llm.Provider, model string, candidates []string) *TriageAgent {
	return &TriageAgent{
		llmAgent: llmAgent{
			id: "TriageAgent",
			instructions: `You route research work. Reply with JSON {"next_agent": "<id>"} to delegate or {"done": true} when the gathered notes answer the question. Valid ids: ` +
				strings.Join(candidates, ", "),
			model:    model,
			provider: provider,
		},
		candidates: candidates,
	}
}

func (a *TriageAgent) Invoke(ctx context.Context, query string, rc *RunContext) (Output, error) {
	var notes strings.Builder
	if rc.State != nil {
		for _, key := range rc.State.Keys() {
			v, _ := rc.State.Output(key)
			fmt.Fprintf(&notes, "[%s] %v\n", key, v)
		}
	}
	c, err := a.complete(ctx, fmt.Sprintf("Question: %s\nNotes so far:\n%s", query, notes.String()))
	if err != nil {
		return Output{}, err
	}
	var decision struct {
		NextAgent string `json:"next_agent"`
		Done      bool   `json:"done"`
	}
	out := output(c, FreeText{Text: c.Text})
	if err := json.Unmarshal(firstJSONObject(c.Text), &decision); err == nil {
		if decision.Done {
			out.Handoff = HandoffDone()
			return out, nil
		}
		for _, id := range a.candidates {
			if id == decision.NextAgent {
				out.Handoff = HandoffTo(id)
				return out, nil
			}
		}
	}
	// Unparseable or unknown target stops the loop rather than looping blind.
	out.Handoff = HandoffDone()
	return out, nil
}

// firstJSONObject extracts the first balanced {...} block so models that
// wrap JSON in prose still parse.
func firstJSONObject(text string) []byte {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return nil
	}
	depth := 0
	for i := start; i < len(text); i++ {
		switch text[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return []byte(text[start : i+1])
			}
		}
	}
	return nil
}
