package llm

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"strings"
	"sync"
	"time"
)

// FakeProvider is a scripted Provider for tests. Responses match on a
// substring of the last user message; embeddings are deterministic per text
// so equal queries embed identically and different queries do not collide.
type FakeProvider struct {
	mu sync.Mutex

	// scripted responses keyed by substring of the last user message;
	// first match wins in registration order.
	scripts []fakeScript

	// DefaultText answers any unscripted prompt.
	DefaultText string

	// Fail forces every call to return ErrProviderUnavailable.
	Fail bool

	chatCalls  []ChatRequest
	embedCalls []string
}

type fakeScript struct {
	match string
	text  string
	delay time.Duration
	err   error
}

// NewFakeProvider returns a fake answering every prompt with "ok".
func NewFakeProvider() *FakeProvider {
	return &FakeProvider{DefaultText: "ok"}
}

// Script registers a response for prompts whose last user message contains
// match.
func (p *FakeProvider) Script(match, text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scripts = append(p.scripts, fakeScript{match: match, text: text})
}

// ScriptDelay registers a response that only arrives after delay, for
// exercising timeouts.
func (p *FakeProvider) ScriptDelay(match, text string, delay time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scripts = append(p.scripts, fakeScript{match: match, text: text, delay: delay})
}

// ScriptError registers a failure for matching prompts.
func (p *FakeProvider) ScriptError(match string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scripts = append(p.scripts, fakeScript{match: match, err: err})
}

// ChatCalls returns a copy of every recorded chat request.
func (p *FakeProvider) ChatCalls() []ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ChatRequest, len(p.chatCalls))
	copy(out, p.chatCalls)
	return out
}

// EmbedCalls returns the texts embedded so far.
func (p *FakeProvider) EmbedCalls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.embedCalls))
	copy(out, p.embedCalls)
	return out
}

func (p *FakeProvider) ChatComplete(ctx context.Context, req ChatRequest) (Completion, error) {
	p.mu.Lock()
	p.chatCalls = append(p.chatCalls, req)
	fail := p.Fail
	var prompt string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == RoleUser {
			prompt = req.Messages[i].Content
			break
		}
	}
	var matched *fakeScript
	for i := range p.scripts {
		if strings.Contains(prompt, p.scripts[i].match) {
			matched = &p.scripts[i]
			break
		}
	}
	text := p.DefaultText
	p.mu.Unlock()

	if fail {
		return Completion{}, fmt.Errorf("%w: scripted failure", ErrProviderUnavailable)
	}
	if matched != nil {
		if matched.delay > 0 {
			select {
			case <-time.After(matched.delay):
			case <-ctx.Done():
				return Completion{}, ctx.Err()
			}
		}
		if matched.err != nil {
			return Completion{}, matched.err
		}
		text = matched.text
	}
	in := 0
	for _, m := range req.Messages {
		in += len(m.Content) / 4
	}
	return Completion{
		Text:         text,
		Model:        req.Model,
		InputTokens:  in,
		OutputTokens: len(text) / 4,
	}, nil
}

// Embed hashes the text into a unit-norm-ish deterministic vector. The first
// component dominates so distinct texts land measurably apart under cosine.
func (p *FakeProvider) Embed(_ context.Context, _ string, text string, dim int) ([]float32, error) {
	p.mu.Lock()
	p.embedCalls = append(p.embedCalls, text)
	fail := p.Fail
	p.mu.Unlock()
	if fail {
		return nil, fmt.Errorf("%w: scripted failure", ErrProviderUnavailable)
	}
	if dim <= 0 {
		dim = 8
	}
	sum := sha256.Sum256([]byte(text))
	vec := make([]float32, dim)
	for i := range vec {
		word := binary.LittleEndian.Uint32(sum[(i*4)%28:])
		vec[i] = float32(word%1000)/1000 - 0.5
	}
	return vec, nil
}
