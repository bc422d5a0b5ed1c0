package domain

import "errors"

var (
	// ErrJobNotFound indicates the active-job table has no entry for a jobId.
	ErrJobNotFound = errors.New("job not found")

	// ErrPoolExhausted indicates no free slot or port is available to
	// promote the head of the queue; the job stays queued.
	ErrPoolExhausted = errors.New("port pool exhausted")

	// ErrQueueFull indicates the admission queue is at its configured cap.
	ErrQueueFull = errors.New("queue full")

	// ErrRateLimited indicates the per-minute acceptance cap has been hit.
	ErrRateLimited = errors.New("rate limited")

	// ErrUnknownToken indicates a bearer token presented to the credential
	// proxy is not currently registered (never issued, or already revoked).
	ErrUnknownToken = errors.New("unknown bearer token")

	// ErrTokenRateLimited indicates a token has exceeded its per-minute
	// upstream request budget at the credential proxy.
	ErrTokenRateLimited = errors.New("token rate limited")

	// ErrNoChoices indicates a sandbox chat-completion response carried no
	// choices, so no reply text could be extracted.
	ErrNoChoices = errors.New("no choices in sandbox response")
)
