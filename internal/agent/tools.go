package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"
	"time"
)

// The built-in tools serve deterministic synthetic market data. They stand
// in for real data vendors behind the same Tool surface, so the caching and
// accounting paths are exercised end to end.

func tickerParam(params map[string]any) (string, error) {
	raw, ok := params["ticker"].(string)
	if !ok || raw == "" {
		return "", fmt.Errorf("missing ticker parameter")
	}
	return strings.ToUpper(raw), nil
}

// seed derives a stable per-ticker-per-day number so repeated calls within
// a day agree (and cache correctly) while days differ.
func seed(ticker string, day time.Time) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(ticker))
	_, _ = h.Write([]byte(day.Format("2006-01-02")))
	return h.Sum64()
}

// QuoteTool returns a synthetic market quote.
type QuoteTool struct{}

func (QuoteTool) Name() string  { return "get_quote" }
func (QuoteTool) Class() string { return "quote" }

func (QuoteTool) Invoke(_ context.Context, params map[string]any) ([]byte, error) {
	ticker, err := tickerParam(params)
	if err != nil {
		return nil, err
	}
	s := seed(ticker, time.Now())
	q := Quote{
		Ticker:        ticker,
		Price:         float64(20+s%980) + float64(s%100)/100,
		ChangePercent: float64(int64(s%1000)-500) / 100,
		Currency:      "USD",
	}
	return json.Marshal(q)
}

// NewsTool returns synthetic recent headlines.
type NewsTool struct{}

func (NewsTool) Name() string  { return "search_news" }
func (NewsTool) Class() string { return "news" }

func (NewsTool) Invoke(_ context.Context, params map[string]any) ([]byte, error) {
	ticker, err := tickerParam(params)
	if err != nil {
		return nil, err
	}
	s := seed(ticker, time.Now())
	moods := []string{"beats expectations", "faces headwinds", "announces buyback", "expands guidance"}
	headlines := []string{
		fmt.Sprintf("%s %s in latest quarter", ticker, moods[s%4]),
		fmt.Sprintf("Analysts revisit %s price targets", ticker),
	}
	return json.Marshal(map[string]any{"ticker": ticker, "headlines": headlines})
}

// FundamentalsTool returns synthetic valuation figures.
type FundamentalsTool struct{}

func (FundamentalsTool) Name() string  { return "get_fundamentals" }
func (FundamentalsTool) Class() string { return "fundamentals" }

func (FundamentalsTool) Invoke(_ context.Context, params map[string]any) ([]byte, error) {
	ticker, err := tickerParam(params)
	if err != nil {
		return nil, err
	}
	s := seed(ticker, time.Now())
	return json.Marshal(map[string]any{
		"ticker":         ticker,
		"pe_ratio":       float64(8+s%40) + float64(s%10)/10,
		"market_cap_b":   float64(5 + s%2995),
		"dividend_yield": float64(s%450) / 100,
	})
}
