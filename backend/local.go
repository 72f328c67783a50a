package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/itsneelabh/orchestra/logging"
)

// Dialect identifies which local LLM server wire format an endpoint speaks
// (§6 "Local LLM server dialects").
type Dialect string

const (
	DialectLlamaCpp Dialect = "llamacpp"
	DialectOllama   Dialect = "ollama"
	DialectVLLM     Dialect = "vllm" // also covers LM Studio, same OpenAI-compatible wire format
)

// LocalAdapter implements Adapter for a self-hosted inference server,
// speaking whichever dialect the server was detected as during Model
// Discovery (§4.C).
type LocalAdapter struct {
	baseURL    string
	model      string
	dialect    Dialect
	httpClient *http.Client
	logger     logging.Logger
	limiter    *rate.Limiter
}

func NewLocalAdapter(baseURL, model string, dialect Dialect, logger logging.Logger) *LocalAdapter {
	return &LocalAdapter{
		baseURL:    baseURL,
		model:      model,
		dialect:    dialect,
		httpClient: &http.Client{Timeout: 5 * time.Minute, Transport: instrumentedTransport()},
		logger:     logging.Fallback(logger),
	}
}

// WithSlotLimit gates Send on a token-bucket rate limiter sized from
// parallelSlots, the server's own live slot count from Model Discovery
// (§4.C's `--parallel`): up to parallelSlots sends may start in a burst, and
// after that sends start at parallelSlots per second. The limiter does not
// track when a request finishes, so it limits how fast requests start, not
// how many are in flight at once.
func (a *LocalAdapter) WithSlotLimit(parallelSlots int) *LocalAdapter {
	if parallelSlots > 0 {
		a.limiter = rate.NewLimiter(rate.Limit(parallelSlots), parallelSlots)
	}
	return a
}

var _ Adapter = (*LocalAdapter)(nil)
var _ HealthProbe = (*LocalAdapter)(nil)

func (a *LocalAdapter) Send(ctx context.Context, prompt string, opts Options) (*Response, error) {
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("local(%s): slot wait: %w", a.dialect, err)
		}
	}
	switch a.dialect {
	case DialectOllama:
		return a.sendOllama(ctx, prompt, opts)
	default: // llama.cpp and vLLM/LM Studio both speak OpenAI-compatible chat completions
		return a.sendOpenAICompatible(ctx, prompt, opts)
	}
}

func (a *LocalAdapter) withTimeout(ctx context.Context, opts Options) (context.Context, context.CancelFunc) {
	if opts.TimeoutMs > 0 {
		return context.WithTimeout(ctx, time.Duration(opts.TimeoutMs)*time.Millisecond)
	}
	return ctx, func() {}
}

func (a *LocalAdapter) sendOpenAICompatible(ctx context.Context, prompt string, opts Options) (*Response, error) {
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
		return nil, fmt.Errorf("local(%s): marshal request: %w", a.dialect, err)
	}

	ctx, cancel := a.withTimeout(ctx, opts)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/chat/completions", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("local(%s): build request: %w", a.dialect, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("local(%s): send request: %w", a.dialect, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("local(%s): read response: %w", a.dialect, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("local(%s): status %d: %s", a.dialect, resp.StatusCode, string(body))
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
		return nil, fmt.Errorf("local(%s): parse response: %w", a.dialect, err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("local(%s): empty choices", a.dialect)
	}

	finish := FinishStop
	if parsed.Choices[0].FinishReason == "length" {
		finish = FinishLength
	}

	modelID := parsed.Model
	if modelID == "" {
		modelID = model
	}

	return &Response{
		Content:  parsed.Choices[0].Message.Content,
		Metadata: ResponseMetadata{FinishReason: finish, ModelID: modelID},
		Usage:    Usage{TotalTokens: parsed.Usage.TotalTokens},
	}, nil
}

func (a *LocalAdapter) sendOllama(ctx context.Context, prompt string, opts Options) (*Response, error) {
	model := opts.RouterModel
	if model == "" {
		model = a.model
	}
	reqBody := map[string]interface{}{
		"model":  model,
		"prompt": prompt,
		"stream": false,
		"options": map[string]interface{}{
			"num_predict": opts.MaxTokens,
		},
	}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("local(ollama): marshal request: %w", err)
	}

	ctx, cancel := a.withTimeout(ctx, opts)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/api/generate", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("local(ollama): build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("local(ollama): send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("local(ollama): read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("local(ollama): status %d: %s", resp.StatusCode, string(body))
	}

	var parsed struct {
		Response       string `json:"response"`
		Done           bool   `json:"done"`
		DoneReason     string `json:"done_reason"`
		Model          string `json:"model"`
		EvalCount      int    `json:"eval_count"`
		PromptEvalCnt  int    `json:"prompt_eval_count"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("local(ollama): parse response: %w", err)
	}

	finish := FinishStop
	if parsed.DoneReason == "length" || !parsed.Done {
		finish = FinishLength
	}

	return &Response{
		Content:  parsed.Response,
		Metadata: ResponseMetadata{FinishReason: finish, ModelID: parsed.Model},
		Usage:    Usage{TotalTokens: parsed.EvalCount + parsed.PromptEvalCnt},
	}, nil
}

func (a *LocalAdapter) IsHealthy(ctx context.Context) bool {
	var probePath string
	switch a.dialect {
	case DialectOllama:
		probePath = "/api/tags"
	default:
		probePath = "/v1/models"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+probePath, nil)
	if err != nil {
		return false
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
