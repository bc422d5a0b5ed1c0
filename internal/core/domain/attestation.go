package domain

import "time"

// AttestationType identifies which lifecycle event an attestation records.
type AttestationType string

const (
	AttestationContainerCreated        AttestationType = "container:created"
	AttestationContainerDestroyed      AttestationType = "container:destroyed"
	AttestationContainerDestroyedTimeout AttestationType = "container:destroyed:timeout"
)

// AttestedResourceLimits is the JSON-friendly projection of ResourceLimits
// embedded in a creation attestation (a raw time.Duration would marshal as
// an opaque nanosecond count, so lifetime is expressed in seconds here).
type AttestedResourceLimits struct {
	MemoryBytes    int64 `json:"memoryBytes"`
	NanoCPUs       int64 `json:"nanoCpus"`
	MaxLifetimeSec int64 `json:"maxLifetimeSec"`
}

// CreationAttestation is the signed record produced when a container
// becomes ready. Signature covers the exact JSON payload with Signature
// itself absent (set to "" and omitted via the json tag during signing).
type CreationAttestation struct {
	Type        AttestationType        `json:"type"`
	JobID       JobID                  `json:"jobId"`
	ContainerID string                 `json:"containerId"`
	AgentID     string                 `json:"agentId"`
	Identity    string                 `json:"identity"`
	CreatedAt   time.Time              `json:"createdAt"`
	JobHash     string                 `json:"jobHash"`
	Limits      AttestedResourceLimits `json:"resourceLimits"`
	PrivacyTier string                 `json:"privacyTier"`
	Signature   string                 `json:"signature,omitempty"`
}

// DeletionAttestation is the signed record produced when a container is
// retired, whether by normal completion, ghost expiry, or lifetime timeout.
type DeletionAttestation struct {
	Type            AttestationType `json:"type"`
	JobID           JobID           `json:"jobId"`
	ContainerID     string          `json:"containerId"`
	CreatedAt       time.Time       `json:"createdAt"`
	DestroyedAt     time.Time       `json:"destroyedAt"`
	DataVolumes     []string        `json:"dataVolumes"`
	DeletionMethod  string          `json:"deletionMethod"`
	Reason          string          `json:"reason,omitempty"`
	TranscriptHash  string          `json:"transcriptHash,omitempty"`
	Signature       string          `json:"signature,omitempty"`
}

// JobHashInput is the canonical object SHA-256-hashed to produce a
// locally-computed jobHash embedded in attestations. Distinct from the
// marketplace-supplied jobHash used in the acceptance message — the two
// are never conflated (see spec.md §9 Open Questions).
type JobHashInput struct {
	JobID       JobID   `json:"jobId"`
	Description string  `json:"description"`
	Buyer       string  `json:"buyer"`
	Amount      float64 `json:"amount"`
	Currency    string  `json:"currency"`
	Timestamp   int64   `json:"timestamp"`
}
