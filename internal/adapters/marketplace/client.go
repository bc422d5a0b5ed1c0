// Package marketplace implements ports.MarketplaceClient against the
// challenge/login, job, and attestation HTTP endpoints described in
// spec.md §6. Styled directly on the teacher's OpenAI-compatible
// provider client (internal/adapters/llm.OpenAIProvider): one small
// struct wrapping a configured *http.Client, no retry middleware beyond
// the single re-login-on-401 policy spec.md §7 calls for.
package marketplace

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"time"

	"github.com/oapi-codegen/runtime"

	"github.com/autobb888/vap-dispatcher/internal/core/domain"
	"github.com/autobb888/vap-dispatcher/internal/core/ports"
)

// Client implements ports.MarketplaceClient for one marketplace identity.
// A session cookie jar is scoped to this Client, so one Client instance
// must not be shared across identities that need independent sessions.
type Client struct {
	logger   *slog.Logger
	http     *http.Client
	baseURL  string
	signer   ports.Signer
	identity domain.Identity
}

// New builds a Client bound to baseURL, using signer to produce the
// login challenge signature. Call Login before any other method.
func New(logger *slog.Logger, baseURL string, signer ports.Signer) *Client {
	jar, _ := cookiejar.New(nil)
	return &Client{
		logger:  logger,
		http:    &http.Client{Timeout: 30 * time.Second, Jar: jar},
		baseURL: baseURL,
		signer:  signer,
	}
}

// Login performs the challenge/response handshake: fetch a challenge,
// sign it with the identity's key, and post the login request. A
// successful login leaves the session cookie in the Client's jar.
func (c *Client) Login(ctx context.Context, identity domain.Identity) error {
	var challenge challengeResponse
	if err := c.doJSON(ctx, http.MethodGet, "/auth/challenge", nil, &challenge); err != nil {
		return fmt.Errorf("marketplace: fetching challenge: %w", err)
	}

	signature, err := c.signer.Sign(ctx, identity.AgentID, []byte(challenge.Data.Challenge))
	if err != nil {
		return fmt.Errorf("marketplace: signing challenge: %w", err)
	}

	body := loginRequest{
		ChallengeID: challenge.Data.ChallengeID,
		VerusID:     identity.IAddress,
		Signature:   signature,
	}
	if err := c.doJSON(ctx, http.MethodPost, "/auth/login", body, nil); err != nil {
		return fmt.Errorf("marketplace: login: %w", err)
	}

	c.identity = identity
	return nil
}

// ListJobs fetches jobs by status and role for the logged-in identity.
func (c *Client) ListJobs(ctx context.Context, status domain.JobStatus, role string) ([]domain.Job, error) {
	statusParam, err := runtime.StyleParamWithLocation("form", true, "status", runtime.ParamLocationQuery, string(status))
	if err != nil {
		return nil, fmt.Errorf("marketplace: encoding status param: %w", err)
	}
	roleParam, err := runtime.StyleParamWithLocation("form", true, "role", runtime.ParamLocationQuery, role)
	if err != nil {
		return nil, fmt.Errorf("marketplace: encoding role param: %w", err)
	}

	path := fmt.Sprintf("/v1/me/jobs?%s&%s", statusParam, roleParam)
	var out jobsResponse
	if err := c.withReauth(ctx, func(ctx context.Context) error {
		return c.doJSON(ctx, http.MethodGet, path, nil, &out)
	}); err != nil {
		return nil, fmt.Errorf("marketplace: list jobs: %w", err)
	}
	return out.Data, nil
}

// GetJob fetches one job's full detail by id.
func (c *Client) GetJob(ctx context.Context, id domain.JobID) (domain.Job, error) {
	var out jobResponse
	path := fmt.Sprintf("/v1/jobs/%s", id)
	if err := c.withReauth(ctx, func(ctx context.Context) error {
		return c.doJSON(ctx, http.MethodGet, path, nil, &out)
	}); err != nil {
		return domain.Job{}, fmt.Errorf("marketplace: get job %s: %w", id, err)
	}
	return out.Data, nil
}

// AcceptJob posts the signed VAP-ACCEPT message for a job.
func (c *Client) AcceptJob(ctx context.Context, id domain.JobID, signedMessage string, timestamp int64) error {
	path := fmt.Sprintf("/v1/jobs/%s/accept", id)
	body := acceptRequest{Timestamp: timestamp, Signature: signedMessage}
	if err := c.withReauth(ctx, func(ctx context.Context) error {
		return c.doJSON(ctx, http.MethodPost, path, body, nil)
	}); err != nil {
		return fmt.Errorf("marketplace: accept job %s: %w", id, err)
	}
	return nil
}

// DeliverJob posts the signed VAP-DELIVER message for a job.
func (c *Client) DeliverJob(ctx context.Context, id domain.JobID, signedMessage string) error {
	path := fmt.Sprintf("/v1/jobs/%s/deliver", id)
	body := deliverRequest{Signature: signedMessage}
	if err := c.withReauth(ctx, func(ctx context.Context) error {
		return c.doJSON(ctx, http.MethodPost, path, body, nil)
	}); err != nil {
		return fmt.Errorf("marketplace: deliver job %s: %w", id, err)
	}
	return nil
}

// SubmitAttestation posts a creation or deletion attestation document.
// Best-effort by contract: callers log and continue on error rather than
// blocking retirement (spec.md §4.5).
func (c *Client) SubmitAttestation(ctx context.Context, id domain.JobID, attestation any) error {
	path := fmt.Sprintf("/v1/jobs/%s/attestation", id)
	if err := c.withReauth(ctx, func(ctx context.Context) error {
		return c.doJSON(ctx, http.MethodPost, path, attestation, nil)
	}); err != nil {
		return fmt.Errorf("marketplace: submit attestation for %s: %w", id, err)
	}
	return nil
}

// ChatToken fetches a short-lived token for the chat transport handshake.
func (c *Client) ChatToken(ctx context.Context) (string, error) {
	var out chatTokenResponse
	if err := c.withReauth(ctx, func(ctx context.Context) error {
		return c.doJSON(ctx, http.MethodGet, "/v1/chat/token", nil, &out)
	}); err != nil {
		return "", fmt.Errorf("marketplace: chat token: %w", err)
	}
	return out.Data.Token, nil
}

// withReauth retries fn exactly once, after a fresh Login, if the first
// attempt fails with an HTTP 401. Grounded on spec.md §7's "retry with
// backoff on 401 by re-login once per request" policy — not implemented
// anywhere explicitly in the teacher, so built fresh in its idiom: a
// small unexported helper wrapping a closure.
func (c *Client) withReauth(ctx context.Context, fn func(context.Context) error) error {
	err := fn(ctx)
	if err == nil {
		return nil
	}
	var statusErr *httpStatusError
	if !errors.As(err, &statusErr) || statusErr.status != http.StatusUnauthorized {
		return err
	}
	c.logger.Warn("marketplace: session expired, re-authenticating", "agent_id", c.identity.AgentID)
	if loginErr := c.Login(ctx, c.identity); loginErr != nil {
		return fmt.Errorf("re-login after 401 failed: %w", loginErr)
	}
	return fn(ctx)
}

type httpStatusError struct {
	status int
	body   string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("marketplace: unexpected status %d: %s", e.status, e.body)
}

// doJSON issues an HTTP request with an optional JSON body, decoding a
// JSON response into out (when non-nil and the response carries a body).
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return &httpStatusError{status: resp.StatusCode, body: string(respBody)}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
