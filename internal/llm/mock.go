package llm

import (
	"context"
	"strings"

	"github.com/ragline-ai/ragline/internal/chunk"
)

// MockProvider is a deterministic provider for tests and offline
// development. By default it answers with a fixed template citing the first
// context entry; tests can pin an exact response.
type MockProvider struct {
	Response string
	Fail     error
}

// NewMock creates a mock provider.
func NewMock() *MockProvider {
	return &MockProvider{}
}

func (p *MockProvider) answer(req Request) string {
	if p.Response != "" {
		return p.Response
	}
	if strings.Contains(req.System, "context") && !strings.Contains(req.Prompt, "[1]") {
		return "I don't know based on the provided documents."
	}
	return "Based on the provided documents, the relevant information is covered in [1]."
}

// Complete returns the canned answer with estimated usage.
func (p *MockProvider) Complete(ctx context.Context, req Request) (string, Usage, error) {
	if p.Fail != nil {
		return "", Usage{}, p.Fail
	}
	text := p.answer(req)
	return text, Usage{
		PromptTokens:     chunk.EstimateTokens(req.System + req.Prompt),
		CompletionTokens: chunk.EstimateTokens(text),
	}, nil
}

// Stream emits the canned answer word by word.
func (p *MockProvider) Stream(ctx context.Context, req Request, onDelta func(string)) (string, Usage, error) {
	if p.Fail != nil {
		return "", Usage{}, p.Fail
	}
	text := p.answer(req)
	words := strings.SplitAfter(text, " ")
	for _, w := range words {
		select {
		case <-ctx.Done():
			return "", Usage{}, ctx.Err()
		default:
		}
		onDelta(w)
	}
	return text, Usage{
		PromptTokens:     chunk.EstimateTokens(req.System + req.Prompt),
		CompletionTokens: chunk.EstimateTokens(text),
	}, nil
}

// Name identifies the provider in logs.
func (p *MockProvider) Name() string { return "mock" }
