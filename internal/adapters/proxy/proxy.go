// Package proxy implements the credential-swapping API proxy (component
// F): a loopback HTTP listener that authenticates inbound sandbox calls
// by bearer token and swaps in real upstream provider keys outbound.
// Grounded on the teacher's internal/synapse.HTTPProxy — a permissions-
// map-under-RWMutex outbound fetcher with SSRF checks — but the
// direction is inverted: instead of checking an outbound allowlist, this
// proxy authenticates the inbound caller and chooses which upstream to
// forward to.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/cors"

	"github.com/autobb888/vap-dispatcher/internal/core/domain"
)

const (
	maxBodyBytes      = 100 * 1024
	rateWindowSeconds = 60
)

type tokenEntry struct {
	jobID     domain.JobID
	createdAt time.Time
}

type rateWindow struct {
	count       int
	windowStart time.Time
}

// Server is the credential proxy's loopback HTTP listener.
type Server struct {
	logger     *slog.Logger
	httpServer *http.Server
	client     *http.Client
	providers  domain.ProviderConfig
	rateLimit  int

	mu      sync.Mutex
	tokens  map[string]tokenEntry
	windows map[string]*rateWindow
}

// New builds a Server bound to 127.0.0.1:<port>. Call Run to start
// serving; cancelling Run's context stops it.
func New(logger *slog.Logger, port int, providers domain.ProviderConfig, rateLimit int) *Server {
	s := &Server{
		logger:    logger,
		client:    &http.Client{Timeout: 60 * time.Second},
		providers: providers,
		rateLimit: rateLimit,
		tokens:    make(map[string]tokenEntry),
		windows:   make(map[string]*rateWindow),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/", s.handleProxy)

	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}).Handler(mux)

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", port),
		Handler: handler,
	}
	return s
}

// Run starts serving until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// Register adds a token to the registry, scoped to jobID. Implements
// ports.CredentialRegistrar.
func (s *Server) Register(jobID domain.JobID, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token] = tokenEntry{jobID: jobID, createdAt: time.Now()}
}

// Revoke removes a token and its rate window. Implements
// ports.CredentialRegistrar. Synchronous and idempotent.
func (s *Server) Revoke(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, token)
	delete(s.windows, token)
}

// TokenCount reports how many tokens are currently registered, for the
// /health endpoint and tests.
func (s *Server) TokenCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"ok": true, "tokens": s.TokenCount()})
}

func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	token, ok := bearerToken(r)
	if !ok {
		writeProxyError(w, http.StatusUnauthorized, "missing or malformed bearer token")
		return
	}

	s.mu.Lock()
	_, known := s.tokens[token]
	s.mu.Unlock()
	if !known {
		writeProxyError(w, http.StatusUnauthorized, domain.ErrUnknownToken.Error())
		return
	}

	if !s.allow(token) {
		writeProxyError(w, http.StatusTooManyRequests, domain.ErrTokenRateLimited.Error())
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		writeProxyError(w, http.StatusInternalServerError, "failed to read request body")
		return
	}
	if len(body) > maxBodyBytes {
		writeProxyError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	upstream, path := s.route(r.URL.Path)
	if upstream.BaseURL == "" {
		writeProxyError(w, http.StatusBadGateway, "no upstream configured")
		return
	}

	s.forward(w, r, upstream, path, body)
}

// allow applies a fixed 60-second rate window per token: the window starts
// at the first request and the count resets once 60s have passed since then.
func (s *Server) allow(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	w, ok := s.windows[token]
	if !ok || now.Sub(w.windowStart) >= rateWindowSeconds*time.Second {
		s.windows[token] = &rateWindow{count: 1, windowStart: now}
		return true
	}
	if w.count >= s.rateLimit {
		return false
	}
	w.count++
	return true
}

// route selects the embeddings or primary LLM upstream based on the
// /embeddings/ path-prefix rule in spec.md §4.3, stripping the matched
// prefix before forwarding.
func (s *Server) route(path string) (domain.UpstreamProvider, string) {
	const embeddingsPrefix = "/embeddings"
	if strings.HasPrefix(path, embeddingsPrefix) {
		return s.providers.Embeddings, strings.TrimPrefix(path, embeddingsPrefix)
	}
	return s.providers.LLM, path
}

func (s *Server) forward(w http.ResponseWriter, r *http.Request, upstream domain.UpstreamProvider, path string, body []byte) {
	url := upstream.BaseURL + path
	if r.URL.RawQuery != "" {
		url += "?" + r.URL.RawQuery
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, url, bytes.NewReader(body))
	if err != nil {
		writeProxyError(w, http.StatusInternalServerError, "failed to build upstream request")
		return
	}
	req.Header.Set("Content-Type", r.Header.Get("Content-Type"))
	req.Header.Set("Authorization", "Bearer "+upstream.APIKey)

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Error("proxy: upstream request failed", "error", err)
		writeProxyError(w, http.StatusBadGateway, "upstream request failed")
		return
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		writeProxyError(w, http.StatusBadGateway, "failed to read upstream response")
		return
	}

	w.Header().Set("Content-Type", resp.Header.Get("Content-Type"))
	w.WriteHeader(resp.StatusCode)
	w.Write(respBody)
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	token := strings.TrimPrefix(header, prefix)
	if token == "" {
		return "", false
	}
	return token, true
}

func writeProxyError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
