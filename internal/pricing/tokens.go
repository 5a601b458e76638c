package pricing

import "unicode/utf8"

// Message is the minimal chat message shape token counting needs.
type Message struct {
	Role    string
	Content string
}

// CountTokens estimates the token count of a text. Roughly 4 characters per
// token for English prose, matching provider-side accounting closely enough
// for cost attribution.
func CountTokens(model, text string) int {
	if text == "" {
		return 0
	}
	n := utf8.RuneCountInString(text)
	tokens := n / 4
	if n%4 != 0 {
		tokens++
	}
	return tokens
}

// CountMessages estimates the token count of a chat message list, adding the
// per-message framing overhead providers bill for: 3 tokens per message plus
// 1 per role field.
func CountMessages(model string, messages []Message) int {
	total := 0
	for _, m := range messages {
		total += CountTokens(model, m.Content)
		total += 3
		if m.Role != "" {
			total++
		}
	}
	return total
}
