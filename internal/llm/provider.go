// Package llm abstracts the chat-completion and embedding provider behind a
// small interface so the dispatcher and agents never talk to a vendor SDK
// directly.
package llm

import (
	"context"
	"errors"
)

// ErrProviderUnavailable wraps every transport or vendor failure. Callers map
// it to a degraded response rather than retrying indefinitely.
var ErrProviderUnavailable = errors.New("llm: provider unavailable")

// Role values for chat messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a chat-completion prompt.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest carries a full completion request.
type ChatRequest struct {
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

// Completion is the provider's answer plus its reported token usage. When the
// provider does not report usage both counts are zero and callers fall back
// to heuristic counting.
type Completion struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
}

// Provider is the capability surface agents and the embedding service need.
type Provider interface {
	ChatComplete(ctx context.Context, req ChatRequest) (Completion, error)
	Embed(ctx context.Context, model, text string, dim int) ([]float32, error)
}
