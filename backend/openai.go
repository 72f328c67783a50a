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

// OpenAIAdapter implements Adapter for OpenAI-compatible chat completion
// endpoints (OpenAI itself, and any OpenAI-compatible remote such as
// Groq/Together/DeepSeek behind the same wire format).
type OpenAIAdapter struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	logger     logging.Logger
}

func NewOpenAIAdapter(apiKey, baseURL, model string, logger logging.Logger) *OpenAIAdapter {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &OpenAIAdapter{
		apiKey:     apiKey,
		baseURL:    baseURL,
		model:      model,
		httpClient: &http.Client{Timeout: 120 * time.Second, Transport: instrumentedTransport()},
		logger:     logging.Fallback(logger),
	}
}

var _ Adapter = (*OpenAIAdapter)(nil)
var _ HealthProbe = (*OpenAIAdapter)(nil)

func (a *OpenAIAdapter) Send(ctx context.Context, prompt string, opts Options) (*Response, error) {
	if a.apiKey == "" {
		return nil, fmt.Errorf("openai: API key not configured")
	}

	model := opts.RouterModel
	if model == "" {
		model = a.model
	}

	reqBody := map[string]interface{}{
		"model":      model,
		"messages":   []map[string]string{{"role": "user", "content": prompt}},
		"max_tokens": opts.MaxTokens,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}

	reqCtx := ctx
	var cancel context.CancelFunc
	if opts.TimeoutMs > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, time.Duration(opts.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, a.baseURL+"/chat/completions", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("openai: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai: send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("openai: read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("openai: status %d: %s", resp.StatusCode, string(body))
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			TotalTokens int `json:"total_tokens"`
		} `json:"usage"`
		Model string `json:"model"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("openai: parse response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("openai: empty choices")
	}

	finish := FinishStop
	switch parsed.Choices[0].FinishReason {
	case "length":
		finish = FinishLength
	case "stop", "":
		finish = FinishStop
	default:
		finish = FinishOther
	}

	return &Response{
		Content: parsed.Choices[0].Message.Content,
		Metadata: ResponseMetadata{
			FinishReason: finish,
			ModelID:      parsed.Model,
		},
		Usage: Usage{TotalTokens: parsed.Usage.TotalTokens},
	}, nil
}

func (a *OpenAIAdapter) IsHealthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/models", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Authorization", "Bearer "+a.apiKey)
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
