package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicProvider implements the Provider interface for Claude and
// Anthropic-compatible APIs.
type AnthropicProvider struct {
	client *anthropic.Client
	model  string
	name   string
}

// NewAnthropic creates an Anthropic provider. baseURL may be empty to use
// the public API. The SDK's own retries are disabled: one command makes
// at most one attempt.
func NewAnthropic(baseURL, apiKey, model string) *AnthropicProvider {
	opts := []option.RequestOption{
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}

	client := anthropic.NewClient(opts...)

	if model == "" {
		model = "claude-sonnet-4-5"
	}

	return &AnthropicProvider{
		client: &client,
		model:  model,
		name:   "anthropic",
	}
}

func (p *AnthropicProvider) Name() string { return p.name }

// anthropicParams converts a relay request into Messages API params.
// System messages are lifted into the system parameter in order.
func anthropicParams(req CompletionRequest, defaultModel string) anthropic.MessageNewParams {
	var (
		system   []anthropic.TextBlockParam
		messages []anthropic.MessageParam
	)
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			system = append(system, anthropic.TextBlockParam{Text: m.Content})
		case "user":
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case "assistant":
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	model := req.Model
	if model == "" {
		model = defaultModel
	}
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 1000
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages:  messages,
		System:    system,
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	return params
}

func (p *AnthropicProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	params := anthropicParams(req, p.model)

	ctx, cancel := withTimeout(ctx, req.Timeout)
	defer cancel()

	// Streaming keeps the connection alive on slow generations; chunks are
	// accumulated and returned as one result.
	stream := p.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	message := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			return nil, &CompletionError{
				Kind:     FailureProtocol,
				Provider: p.name,
				Message:  fmt.Sprintf("stream accumulate: %v", err),
				Err:      err,
			}
		}
	}

	if err := stream.Err(); err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return nil, &CompletionError{
				Kind:       FailureProtocol,
				Provider:   p.name,
				StatusCode: apiErr.StatusCode,
				Message:    fmt.Sprintf("HTTP %d: %s", apiErr.StatusCode, truncate(apiErr.Error(), 300)),
				Err:        err,
			}
		}
		return nil, classify(ctx, p.name, err)
	}

	var content strings.Builder
	var sawText bool
	for _, block := range message.Content {
		if textBlock, ok := block.AsAny().(anthropic.TextBlock); ok {
			content.WriteString(textBlock.Text)
			sawText = true
		}
	}
	if !sawText {
		return nil, &CompletionError{Kind: FailureProtocol, Provider: p.name, Message: "response has no text content"}
	}

	slog.Debug("completion finished",
		"provider", p.name,
		"model", string(message.Model),
		"input_tokens", message.Usage.InputTokens,
		"output_tokens", message.Usage.OutputTokens,
	)
	return &CompletionResponse{
		Content:      content.String(),
		Model:        string(message.Model),
		InputTokens:  int(message.Usage.InputTokens),
		OutputTokens: int(message.Usage.OutputTokens),
		StopReason:   string(message.StopReason),
	}, nil
}
