package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLocalProviderForServer(t *testing.T, srv *httptest.Server) *LocalProvider {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return NewLocalProvider(LocalConfig{ServerHost: u.Hostname(), ServerPort: port, Model: "local-model"})
}

func TestLocalProviderGenerateParsesChatCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		var body localChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "local-model", body.Model)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"choices": [{"message": {"content": "hello back"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 5, "completion_tokens": 2, "total_tokens": 7}
		}`))
	}))
	defer srv.Close()

	p := newLocalProviderForServer(t, srv)
	resp, err := p.Generate(context.Background(), &Request{Messages: []Message{{Role: "user", Content: "hi"}}})
	require.NoError(t, err)
	assert.Equal(t, "hello back", resp.Content)
	assert.Equal(t, 7, resp.Usage.TotalTokens)
}

func TestLocalProviderGenerateMapsRateLimitStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := newLocalProviderForServer(t, srv)
	_, err := p.Generate(context.Background(), &Request{Messages: []Message{{Role: "user", Content: "hi"}}})
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestLocalProviderIsAvailableChecksHealthEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	p := newLocalProviderForServer(t, srv)
	assert.True(t, p.IsAvailable())

	require.NoError(t, p.Close())
	assert.False(t, p.IsAvailable())
}
