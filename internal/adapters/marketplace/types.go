package marketplace

import "github.com/autobb888/vap-dispatcher/internal/core/domain"

// challengeResponse is the body of GET /auth/challenge.
type challengeResponse struct {
	Data struct {
		Challenge   string `json:"challenge"`
		ChallengeID string `json:"challengeId"`
	} `json:"data"`
}

// loginRequest is the body of POST /auth/login.
type loginRequest struct {
	ChallengeID string `json:"challengeId"`
	VerusID     string `json:"verusId"`
	Signature   string `json:"signature"`
}

// jobsResponse wraps a list of jobs, the shape GET /v1/me/jobs returns.
type jobsResponse struct {
	Data []domain.Job `json:"data"`
}

// jobResponse wraps a single job, the shape GET /v1/jobs/:id returns.
type jobResponse struct {
	Data domain.Job `json:"data"`
}

// acceptRequest is the body of POST /v1/jobs/:id/accept.
type acceptRequest struct {
	Timestamp int64  `json:"timestamp"`
	Signature string `json:"signature"`
}

// deliverRequest is the body of POST /v1/jobs/:id/deliver.
type deliverRequest struct {
	Signature string `json:"signature"`
}

// chatTokenResponse is the body of GET /v1/chat/token.
type chatTokenResponse struct {
	Data struct {
		Token string `json:"token"`
	} `json:"data"`
}

// errorEnvelope is the shape of a non-2xx marketplace response body. doJSON
// does not decode into it; httpStatusError keeps the raw body text instead.
type errorEnvelope struct {
	Error string `json:"error"`
}
