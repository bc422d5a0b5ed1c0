package proxy

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/autobb888/vap-dispatcher/internal/core/domain"
)

func newTestServer(t *testing.T, providers domain.ProviderConfig, rateLimit int) *Server {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	return New(logger, 0, providers, rateLimit)
}

func TestHandleProxyRejectsUnknownToken(t *testing.T) {
	s := newTestServer(t, domain.ProviderConfig{}, 60)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("Authorization", "Bearer nope")
	w := httptest.NewRecorder()

	s.handleProxy(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandleProxyRoutesToUpstream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer real-llm-key", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(upstream.Close)

	providers := domain.ProviderConfig{LLM: domain.UpstreamProvider{BaseURL: upstream.URL, APIKey: "real-llm-key"}}
	s := newTestServer(t, providers, 60)
	s.Register("job-1", "tok-1")

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader([]byte(`{"model":"x"}`)))
	req.Header.Set("Authorization", "Bearer tok-1")
	w := httptest.NewRecorder()

	s.handleProxy(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ok")
}

func TestHandleProxyRoutesEmbeddingsPrefix(t *testing.T) {
	var gotPath string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		assert.Equal(t, "Bearer embed-key", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(upstream.Close)

	providers := domain.ProviderConfig{
		LLM:        domain.UpstreamProvider{BaseURL: "http://should-not-be-used", APIKey: "llm-key"},
		Embeddings: domain.UpstreamProvider{BaseURL: upstream.URL, APIKey: "embed-key"},
	}
	s := newTestServer(t, providers, 60)
	s.Register("job-1", "tok-1")

	req := httptest.NewRequest(http.MethodPost, "/embeddings/v1/embed", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("Authorization", "Bearer tok-1")
	w := httptest.NewRecorder()

	s.handleProxy(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "/v1/embed", gotPath)
}

func TestAllowEnforcesRateLimit(t *testing.T) {
	s := newTestServer(t, domain.ProviderConfig{}, 2)
	s.Register("job-1", "tok-1")

	assert.True(t, s.allow("tok-1"))
	assert.True(t, s.allow("tok-1"))
	assert.False(t, s.allow("tok-1"))
}

func TestRevokeRemovesTokenAndWindow(t *testing.T) {
	s := newTestServer(t, domain.ProviderConfig{}, 60)
	s.Register("job-1", "tok-1")
	s.allow("tok-1")

	s.Revoke("tok-1")
	assert.Equal(t, 0, s.TokenCount())

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(nil))
	req.Header.Set("Authorization", "Bearer tok-1")
	w := httptest.NewRecorder()
	s.handleProxy(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandleProxyRejectsOversizedBody(t *testing.T) {
	providers := domain.ProviderConfig{LLM: domain.UpstreamProvider{BaseURL: "http://unused", APIKey: "k"}}
	s := newTestServer(t, providers, 60)
	s.Register("job-1", "tok-1")

	oversized := make([]byte, maxBodyBytes+1)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(oversized))
	req.Header.Set("Authorization", "Bearer tok-1")
	w := httptest.NewRecorder()

	s.handleProxy(w, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}
