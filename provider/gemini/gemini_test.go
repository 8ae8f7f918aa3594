package gemini

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/tokenquota"
)

func TestChatCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models/gemini-2.0-flash:generateContent", r.URL.Path)
		assert.Equal(t, "g-key", r.Header.Get("x-goog-api-key"))
		assert.Empty(t, r.URL.Query().Get("key"))

		var body geminiRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Len(t, body.Contents, 2)
		assert.Equal(t, "model", body.Contents[1].Role)
		require.NotNil(t, body.GenerationConfig)
		assert.Equal(t, 128, *body.GenerationConfig.MaxOutputTokens)

		w.Write([]byte(`{
			"candidates": [{"content": {"role": "model", "parts": [{"text": "hel"}, {"text": "lo"}]}, "finishReason": "STOP"}],
			"usageMetadata": {"promptTokenCount": 12, "candidatesTokenCount": 3, "totalTokenCount": 15},
			"modelVersion": "gemini-2.0-flash-001"
		}`))
	}))
	defer srv.Close()

	p := New(WithBaseURL(srv.URL))
	resp, err := p.ChatCompletion(context.Background(), tokenquota.ProviderRequest{
		Auth:  tokenquota.Auth{APIKey: "g-key"},
		Model: "gemini-2.0-flash",
		Messages: []tokenquota.Message{
			{Role: "user", Content: "hi"},
			{Role: "assistant", Content: "hey"},
		},
		MaxTokens: tokenquota.IntPtr(128),
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Content)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, "gemini-2.0-flash-001", resp.Model)
	assert.Equal(t, tokenquota.Usage{InputTokens: 12, OutputTokens: 3}, resp.Usage)
}

func TestChatCompletionErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := New(WithBaseURL(srv.URL)).ChatCompletion(context.Background(), tokenquota.ProviderRequest{Model: "m"})
	assert.ErrorIs(t, err, tokenquota.ErrRateLimited)
}

func TestEmptyCandidates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"candidates": []}`))
	}))
	defer srv.Close()

	_, err := New(WithBaseURL(srv.URL)).ChatCompletion(context.Background(), tokenquota.ProviderRequest{Model: "m"})
	assert.ErrorContains(t, err, "empty candidates")
}
