package ports

import (
	"context"
	"io"
	"time"

	"github.com/autobb888/vap-dispatcher/internal/core/domain"
)

// Signer produces signatures over arbitrary byte payloads on behalf of one
// identity. The underlying key material and signature scheme are treated
// as an external collaborator per spec.md §1 — this interface is the only
// seam the rest of the dispatcher depends on.
type Signer interface {
	// Sign returns a signature over payload for the given agentId.
	Sign(ctx context.Context, agentID string, payload []byte) (signature string, err error)
	// Verify checks a signature over payload against an agentId's public
	// key. Used by tests and by attestation round-trip checks.
	Verify(ctx context.Context, agentID string, payload []byte, signature string) (bool, error)
}

// MarketplaceClient abstracts the marketplace HTTP API (§6).
type MarketplaceClient interface {
	Login(ctx context.Context, identity domain.Identity) error
	ListJobs(ctx context.Context, status domain.JobStatus, role string) ([]domain.Job, error)
	GetJob(ctx context.Context, id domain.JobID) (domain.Job, error)
	AcceptJob(ctx context.Context, id domain.JobID, signedMessage string, timestamp int64) error
	DeliverJob(ctx context.Context, id domain.JobID, signedMessage string) error
	SubmitAttestation(ctx context.Context, id domain.JobID, attestation any) error
	ChatToken(ctx context.Context) (string, error)
}

// ChatEvent is one inbound event from the chat transport.
type ChatEvent struct {
	JobID    domain.JobID
	SenderID string
	Content  string
	Err      error
}

// ChatTransport abstracts the realtime chat transport (§6). Events
// observed after JoinRoom are delivered on the channel returned by Events;
// the channel is closed when the transport shuts down.
type ChatTransport interface {
	Connect(ctx context.Context, chatToken string) error
	JoinRoom(ctx context.Context, jobID domain.JobID) error
	Send(ctx context.Context, jobID domain.JobID, content string) error
	Events() <-chan ChatEvent
	Close() error
}

// ContainerManager abstracts per-job sandbox lifecycle (§4.2).
type ContainerManager interface {
	Start(ctx context.Context, spec domain.ContainerSpec) (domain.Container, error)
	WaitForHealth(ctx context.Context, port int, token string, timeout, interval time.Duration) (bool, error)
	SendRequest(ctx context.Context, port int, token, model, messageText string) (string, error)
	Destroy(ctx context.Context, containerID string, port int) error
}

// CredentialRegistrar abstracts the credential proxy's token registry
// (§4.3), used by the dispatcher to register/revoke tokens without
// depending on the proxy's HTTP server type directly.
type CredentialRegistrar interface {
	Register(jobID domain.JobID, token string)
	Revoke(token string)
}

// AttestationSink persists attestation documents to the job directory
// (§4.5). Submission to the marketplace goes through
// MarketplaceClient.SubmitAttestation, not through this interface.
type AttestationSink interface {
	WriteCreation(ctx context.Context, jobID domain.JobID, att domain.CreationAttestation) error
	WriteDeletion(ctx context.Context, jobID domain.JobID, att domain.DeletionAttestation) error
}

// JobLogger abstracts the per-job append-only JSONL transcript (§3, §4.4)
// and the static per-job facts persisted alongside it.
type JobLogger interface {
	// WriteFacts persists the job's immutable marketplace-observed facts
	// (description, buyer, amount, currency) once, at admission time.
	WriteFacts(jobID domain.JobID, job domain.Job) error
	Append(jobID domain.JobID, entry domain.LogEntry) error
	Hash(jobID domain.JobID) (string, error)
	io.Closer
}
