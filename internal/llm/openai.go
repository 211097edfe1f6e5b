package llm

import (
	"context"
	"errors"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"github.com/ragline-ai/ragline/internal/apperr"
)

// OpenAIConfig targets the OpenAI API or any compatible endpoint.
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Timeout     time.Duration
	MaxTokens   int
	Temperature float64
}

// OpenAIProvider generates answers through the chat completions API.
type OpenAIProvider struct {
	client openai.Client
	cfg    OpenAIConfig
}

// NewOpenAI creates a provider. BaseURL is optional and supports
// API-compatible gateways.
func NewOpenAI(cfg OpenAIConfig) *OpenAIProvider {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}
	return &OpenAIProvider{client: openai.NewClient(opts...), cfg: cfg}
}

func (p *OpenAIProvider) params(req Request) openai.ChatCompletionNewParams {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.cfg.MaxTokens
	}
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(p.cfg.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(req.System),
			openai.UserMessage(req.Prompt),
		},
		Temperature: openai.Float(req.Temperature),
	}
	if maxTokens > 0 {
		params.MaxTokens = openai.Int(int64(maxTokens))
	}
	return params
}

// Complete runs one synchronous generation.
func (p *OpenAIProvider) Complete(ctx context.Context, req Request) (string, Usage, error) {
	resp, err := p.client.Chat.Completions.New(ctx, p.params(req))
	if err != nil {
		return "", Usage{}, classify(err)
	}
	if len(resp.Choices) == 0 {
		return "", Usage{}, apperr.New(apperr.KindLLMUnavailable, "completion returned no choices")
	}
	usage := Usage{
		PromptTokens:     int(resp.Usage.PromptTokens),
		CompletionTokens: int(resp.Usage.CompletionTokens),
	}
	return resp.Choices[0].Message.Content, usage, nil
}

// Stream runs a streaming generation, forwarding deltas as they arrive.
func (p *OpenAIProvider) Stream(ctx context.Context, req Request, onDelta func(string)) (string, Usage, error) {
	params := p.params(req)
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{
		IncludeUsage: openai.Bool(true),
	}

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	acc := openai.ChatCompletionAccumulator{}
	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)
		if len(chunk.Choices) > 0 {
			if delta := chunk.Choices[0].Delta.Content; delta != "" {
				onDelta(delta)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return "", Usage{}, classify(err)
	}

	var text string
	if len(acc.Choices) > 0 {
		text = acc.Choices[0].Message.Content
	}
	usage := Usage{
		PromptTokens:     int(acc.Usage.PromptTokens),
		CompletionTokens: int(acc.Usage.CompletionTokens),
	}
	return text, usage, nil
}

// Name identifies the provider in logs.
func (p *OpenAIProvider) Name() string { return "openai" }

func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Wrap(apperr.KindLLMTimeout, "llm request", err)
	}
	return apperr.Wrap(apperr.KindLLMUnavailable, "llm request", err)
}
