package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// OpenAICompatProvider implements Provider for any OpenAI-compatible
// chat completions API. Works with DeepSeek, Moonshot, OpenAI and others.
type OpenAICompatProvider struct {
	name    string
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

// openaiHTTPClient is shared by all OpenAI-compatible providers. The
// per-call bound comes from CompletionRequest.Timeout.
var openaiHTTPClient = &http.Client{Timeout: 10 * time.Minute}

// NewOpenAICompat creates a provider for an OpenAI-compatible API rooted at baseURL
// (e.g. "https://api.deepseek.com/v1").
func NewOpenAICompat(name, baseURL, apiKey, model string) *OpenAICompatProvider {
	if name == "" {
		name = "openai"
	}
	return &OpenAICompatProvider{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		client:  openaiHTTPClient,
	}
}

func (p *OpenAICompatProvider) Name() string { return p.name }

func (p *OpenAICompatProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1000
	}

	body := map[string]interface{}{
		"model":       model,
		"messages":    req.Messages,
		"max_tokens":  maxTokens,
		"temperature": req.Temperature,
	}

	ctx, cancel := withTimeout(ctx, req.Timeout)
	defer cancel()

	start := time.Now()
	resp, err := p.doRequest(ctx, p.baseURL+"/chat/completions", body)
	if err != nil {
		return nil, err
	}
	slog.Debug("completion finished",
		"provider", p.name,
		"model", resp.Model,
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"duration", time.Since(start).Round(time.Millisecond),
	)
	return resp, nil
}

// doRequest makes one HTTP request to an OpenAI-compatible endpoint.
func (p *OpenAICompatProvider) doRequest(ctx context.Context, url string, body map[string]interface{}) (*CompletionResponse, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, &CompletionError{Kind: FailureProtocol, Provider: p.name, Message: fmt.Sprintf("marshal request: %v", err), Err: err}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, &CompletionError{Kind: FailureTransport, Provider: p.name, Message: fmt.Sprintf("create request: %v", err), Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", "relay/0.1.0")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, classify(ctx, p.name, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classify(ctx, p.name, fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &CompletionError{
			Kind:       FailureProtocol,
			Provider:   p.name,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("HTTP %d: %s", resp.StatusCode, truncate(string(respBody), 300)),
		}
	}

	// Parse OpenAI-format response
	var oaiResp struct {
		Choices []struct {
			Message struct {
				Content *string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Model string `json:"model"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}

	if err := json.Unmarshal(respBody, &oaiResp); err != nil {
		return nil, &CompletionError{Kind: FailureProtocol, Provider: p.name, StatusCode: resp.StatusCode, Message: fmt.Sprintf("parse response: %v", err), Err: err}
	}
	if len(oaiResp.Choices) == 0 || oaiResp.Choices[0].Message.Content == nil {
		return nil, &CompletionError{Kind: FailureProtocol, Provider: p.name, StatusCode: resp.StatusCode, Message: "response has no choices[0].message.content"}
	}

	return &CompletionResponse{
		Content:      *oaiResp.Choices[0].Message.Content,
		Model:        oaiResp.Model,
		InputTokens:  oaiResp.Usage.PromptTokens,
		OutputTokens: oaiResp.Usage.CompletionTokens,
		StopReason:   oaiResp.Choices[0].FinishReason,
	}, nil
}

// truncate shortens s to at most max bytes for log and error output.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
