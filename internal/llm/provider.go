// Package llm abstracts chat-completion providers for answer generation.
package llm

import (
	"context"
)

// Usage is the provider-reported token accounting for one completion.
type Usage struct {
	PromptTokens     int `json:"in_tokens"`
	CompletionTokens int `json:"out_tokens"`
}

// Request is one generation call.
type Request struct {
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float64
}

// Provider generates completions. Stream invokes onDelta for each text
// fragment as it arrives and returns the full text when done; onDelta runs
// on the caller's goroutine.
type Provider interface {
	Complete(ctx context.Context, req Request) (string, Usage, error)
	Stream(ctx context.Context, req Request, onDelta func(delta string)) (string, Usage, error)
	Name() string
}
