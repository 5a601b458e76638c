package workflow

import "regexp"

// Builtin returns the stock workflow set. Baselines come from the pricing
// table at wiring time; the zero values here are placeholders overwritten
// by the caller.
func Builtin() []*Workflow {
	return []*Workflow{
		{
			Name:    "Default",
			Pattern: PatternSequential,
			Tasks: []TaskSpec{
				{AgentID: "SynthesisAgent", OutputsKey: "answer"},
			},
		},
		{
			Name:    "QuickQuoteWorkflow",
			Pattern: PatternSequential,
			Tasks: []TaskSpec{
				{AgentID: "MarketDataAgent", OutputsKey: "quote"},
			},
			RoutePatterns: []*regexp.Regexp{
				regexp.MustCompile(`(current )?price of [a-z.]+`),
				regexp.MustCompile(`how much is [a-z.]+ trading`),
			},
		},
		{
			Name:    "InvestmentAnalysisWorkflow",
			Pattern: PatternConcurrent,
			Tasks: []TaskSpec{
				{AgentID: "MarketDataAgent", OutputsKey: "quote"},
				{AgentID: "NewsAgent", OutputsKey: "news", Optional: true},
				{AgentID: "RiskAgent", OutputsKey: "risk"},
			},
			Synthesis: "SynthesisAgent",
			RoutePatterns: []*regexp.Regexp{
				regexp.MustCompile(`should i (buy|sell|invest in)`),
				regexp.MustCompile(`is [a-z.]+ a good (buy|investment)`),
			},
		},
		{
			Name:    "PortfolioReviewWorkflow",
			Pattern: PatternSequential,
			Tasks: []TaskSpec{
				{AgentID: "MarketDataAgent", OutputsKey: "quote"},
				{AgentID: "RiskAgent", OutputsKey: "risk", DependsOn: []string{"MarketDataAgent"}},
			},
			Synthesis: "SynthesisAgent",
			RoutePatterns: []*regexp.Regexp{
				regexp.MustCompile(`(review|check|how is) my portfolio`),
				regexp.MustCompile(`my (holdings|positions)`),
			},
		},
		{
			Name:    "ResearchWorkflow",
			Pattern: PatternHandoff,
			Entry:   "TriageAgent",
			Tasks: []TaskSpec{
				{AgentID: "TriageAgent", OutputsKey: "triage"},
				{AgentID: "NewsAgent", OutputsKey: "news"},
				{AgentID: "FundamentalsAgent", OutputsKey: "fundamentals"},
				{AgentID: "SentimentAgent", OutputsKey: "sentiment"},
			},
			Synthesis: "SynthesisAgent",
			RoutePatterns: []*regexp.Regexp{
				regexp.MustCompile(`(research|deep dive|tell me everything about)`),
			},
		},
	}
}
