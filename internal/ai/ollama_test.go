package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOllamaGenerate_Success(t *testing.T) {
	var got ollamaChatReq
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(map[string]any{
			"message":           map[string]any{"role": "assistant", "content": "hello back"},
			"prompt_eval_count": 5,
			"eval_count":        9,
		})
	}))
	t.Cleanup(srv.Close)

	p := NewOllamaProvider(srv.URL, "llama3:latest", time.Second)
	ans, err := p.Generate(context.Background(), "hello", Params{MaxTokens: 64, Temperature: 0.2})
	require.NoError(t, err)

	assert.Equal(t, "hello back", ans.Text)
	assert.Equal(t, 14, ans.TokensUsed)
	assert.Equal(t, "llama3:latest", ans.Model)

	assert.False(t, got.Stream)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "user", got.Messages[0].Role)
	assert.Equal(t, "hello", got.Messages[0].Content)
	assert.Equal(t, 64, got.Options.NumPredict)
	assert.Equal(t, 0.2, got.Options.Temperature)
}

func TestOllamaGenerate_ClampsMaxTokens(t *testing.T) {
	var got ollamaChatReq
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(map[string]any{"message": map[string]any{"content": "ok"}})
	}))
	t.Cleanup(srv.Close)

	p := NewOllamaProvider(srv.URL, "", time.Second)
	_, err := p.Generate(context.Background(), "hello", Params{MaxTokens: 1 << 20, Temperature: 1})
	require.NoError(t, err)
	assert.Equal(t, ollamaTokenCap, got.Options.NumPredict)
}

func TestOllamaGenerate_ErrorField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"error": "model not loaded"})
	}))
	t.Cleanup(srv.Close)

	p := NewOllamaProvider(srv.URL, "", time.Second)
	_, err := p.Generate(context.Background(), "hello", Params{MaxTokens: 10, Temperature: 1})

	var genErr *GenerationError
	require.True(t, errors.As(err, &genErr))
	assert.Equal(t, KindUnavailable, genErr.Kind)
	assert.Equal(t, "model not loaded", genErr.Msg)
}

func TestOllamaGenerate_RateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	t.Cleanup(srv.Close)

	p := NewOllamaProvider(srv.URL, "", time.Second)
	_, err := p.Generate(context.Background(), "hello", Params{MaxTokens: 10, Temperature: 1})

	var genErr *GenerationError
	require.True(t, errors.As(err, &genErr))
	assert.Equal(t, KindRateLimited, genErr.Kind)
	assert.True(t, genErr.Transient())
}

func TestOllamaPing(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewEncoder(w).Encode(map[string]any{"models": []any{}})
	}))
	t.Cleanup(srv.Close)

	p := NewOllamaProvider(srv.URL, "", time.Second)
	require.NoError(t, p.Ping(context.Background()))
	assert.Equal(t, "/api/tags", gotPath)
}
