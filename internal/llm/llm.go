// Package llm defines the language model boundary used by the orchestrator and
// the semantic auditor, with an OpenAI-compatible implementation built on eino.
package llm

import (
	"context"
	"strings"
)

// Message is one entry of a model conversation.
type Message struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

// ChatModel streams a completion for messages, calling onToken for each chunk.
// The full reply is returned even when onToken is nil.
type ChatModel interface {
	Stream(ctx context.Context, messages []Message, onToken func(string)) (string, error)
}

// Judge returns a JSON document answering prompt about text.
type Judge interface {
	JudgeJSON(ctx context.Context, instruction, text string) (string, error)
}

// SplitSystem separates system messages from the dialogue.
func SplitSystem(messages []Message) (string, []Message) {
	var system []string
	rest := make([]Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == "system" {
			system = append(system, m.Content)
			continue
		}
		rest = append(rest, m)
	}
	return strings.Join(system, "\n\n"), rest
}

// MergeRoles joins consecutive messages of the same role, for providers that
// require the dialogue to alternate.
func MergeRoles(messages []Message) []Message {
	out := make([]Message, 0, len(messages))
	for _, m := range messages {
		if n := len(out); n > 0 && out[n-1].Role == m.Role {
			out[n-1].Content += "\n\n" + m.Content
			continue
		}
		out = append(out, m)
	}
	return out
}

// StripFences removes markdown code fences a model may wrap JSON in.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
