package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendOpenAICompatibleParsesFinishReasonAndContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"model": "codellama-13b",
			"choices": []map[string]interface{}{
				{"message": map[string]string{"content": "done"}, "finish_reason": "length"},
			},
			"usage": map[string]int{"total_tokens": 42},
		})
	}))
	defer srv.Close()

	a := NewLocalAdapter(srv.URL, "codellama-13b", DialectLlamaCpp, nil)
	resp, err := a.Send(context.Background(), "hi", Options{MaxTokens: 100})
	require.NoError(t, err)
	assert.Equal(t, "done", resp.Content)
	assert.Equal(t, FinishLength, resp.Metadata.FinishReason)
	assert.Equal(t, 42, resp.Usage.TotalTokens)
}

func TestSendOllamaMapsDoneReasonToFinishLength(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"response":    "partial",
			"done":        true,
			"done_reason": "length",
			"model":       "llama3",
		})
	}))
	defer srv.Close()

	a := NewLocalAdapter(srv.URL, "llama3", DialectOllama, nil)
	resp, err := a.Send(context.Background(), "hi", Options{MaxTokens: 100})
	require.NoError(t, err)
	assert.Equal(t, FinishLength, resp.Metadata.FinishReason)
}

func TestIsHealthyProbesDialectSpecificEndpoint(t *testing.T) {
	var hit string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hit = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := NewLocalAdapter(srv.URL, "m", DialectOllama, nil)
	assert.True(t, a.IsHealthy(context.Background()))
	assert.Equal(t, "/api/tags", hit)
}

func TestWithSlotLimitBoundsConcurrentRequests(t *testing.T) {
	a := NewLocalAdapter("http://unused", "m", DialectVLLM, nil).WithSlotLimit(2)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	require.NoError(t, a.limiter.Wait(context.Background()))
	require.NoError(t, a.limiter.Wait(context.Background()))

	err := a.limiter.Wait(ctx)
	assert.Error(t, err, "third slot should block past an exhausted burst of 2")
}
