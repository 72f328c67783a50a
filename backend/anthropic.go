package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/itsneelabh/orchestra/logging"
)

// AnthropicAdapter implements Adapter for the Anthropic Messages API.
type AnthropicAdapter struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	logger     logging.Logger
}

func NewAnthropicAdapter(apiKey, baseURL, model string, logger logging.Logger) *AnthropicAdapter {
	if baseURL == "" {
		baseURL = "https://api.anthropic.com/v1"
	}
	return &AnthropicAdapter{
		apiKey:     apiKey,
		baseURL:    baseURL,
		model:      model,
		httpClient: &http.Client{Timeout: 120 * time.Second, Transport: instrumentedTransport()},
		logger:     logging.Fallback(logger),
	}
}

var _ Adapter = (*AnthropicAdapter)(nil)

func (a *AnthropicAdapter) Send(ctx context.Context, prompt string, opts Options) (*Response, error) {
	if a.apiKey == "" {
		return nil, fmt.Errorf("anthropic: API key not configured")
	}

	model := opts.RouterModel
	if model == "" {
		model = a.model
	}

	reqBody := map[string]interface{}{
		"model":      model,
		"max_tokens": opts.MaxTokens,
		"messages":   []map[string]string{{"role": "user", "content": prompt}},
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}

	reqCtx := ctx
	var cancel context.CancelFunc
	if opts.TimeoutMs > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, time.Duration(opts.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, a.baseURL+"/messages", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("anthropic: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("anthropic: send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("anthropic: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("anthropic: status %d: %s", resp.StatusCode, string(body))
	}

	var parsed struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
		StopReason string `json:"stop_reason"`
		Model      string `json:"model"`
		Usage      struct {
			OutputTokens int `json:"output_tokens"`
			InputTokens  int `json:"input_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("anthropic: parse response: %w", err)
	}

	var content string
	for _, block := range parsed.Content {
		content += block.Text
	}

	finish := FinishStop
	switch parsed.StopReason {
	case "max_tokens":
		finish = FinishLength
	case "end_turn", "stop_sequence", "":
		finish = FinishStop
	default:
		finish = FinishOther
	}

	return &Response{
		Content: content,
		Metadata: ResponseMetadata{
			FinishReason: finish,
			ModelID:      parsed.Model,
		},
		Usage: Usage{TotalTokens: parsed.Usage.InputTokens + parsed.Usage.OutputTokens},
	}, nil
}
