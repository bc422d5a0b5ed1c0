package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/autobb888/vap-dispatcher/internal/core/domain"
	"github.com/autobb888/vap-dispatcher/internal/core/ports"
)

// Attestation builds, signs, and persists the creation/deletion documents
// described in spec.md §3/§4.5. Grounded on the corpus's closest analogue
// to a signed evidence record — other_examples' ProofPack/Receipt shapes
// (Producer, ProducedAt, Signature fields) — generalised to the
// dispatcher's two fixed document types.
type Attestation struct {
	logger *slog.Logger
	signer ports.Signer
	sink   ports.AttestationSink
}

// NewAttestation builds an Attestation service.
func NewAttestation(logger *slog.Logger, signer ports.Signer, sink ports.AttestationSink) *Attestation {
	return &Attestation{logger: logger, signer: signer, sink: sink}
}

// JobHash computes the locally-derived jobHash embedded in attestations:
// SHA-256 of the canonical JSON object (jobId, description, buyer, amount,
// currency, timestamp). This is distinct from the marketplace-supplied
// jobHash used in the acceptance message (spec.md §9 Open Questions) —
// the two are never conflated.
func JobHash(job domain.Job, timestamp int64) (string, error) {
	input := domain.JobHashInput{
		JobID:       job.ID,
		Description: job.Description,
		Buyer:       job.BuyerVerusID,
		Amount:      job.Amount,
		Currency:    job.Currency,
		Timestamp:   timestamp,
	}
	data, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("attestation: marshal jobHash input: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Creation builds, signs, and persists the creation attestation for a
// container that just became ready.
func (a *Attestation) Creation(ctx context.Context, job domain.Job, agentID, identityName, containerID string, createdAt time.Time, limits domain.ResourceLimits, privacyTier string) (domain.CreationAttestation, error) {
	localHash, err := JobHash(job, createdAt.Unix())
	if err != nil {
		return domain.CreationAttestation{}, err
	}

	att := domain.CreationAttestation{
		Type:        domain.AttestationContainerCreated,
		JobID:       job.ID,
		ContainerID: containerID,
		AgentID:     agentID,
		Identity:    identityName,
		CreatedAt:   createdAt,
		JobHash:     localHash,
		Limits: domain.AttestedResourceLimits{
			MemoryBytes:    limits.MemoryBytes,
			NanoCPUs:       limits.NanoCPUs,
			MaxLifetimeSec: int64(limits.MaxLifetime.Seconds()),
		},
		PrivacyTier: privacyTier,
	}

	signature, err := a.signPayload(ctx, agentID, att)
	if err != nil {
		return domain.CreationAttestation{}, err
	}
	att.Signature = signature

	if err := a.sink.WriteCreation(ctx, job.ID, att); err != nil {
		return att, fmt.Errorf("attestation: write creation: %w", err)
	}
	return att, nil
}

// Deletion builds, signs, and persists the deletion attestation for a
// container being retired. If reason is RetirementTimeout the document's
// Type is container:destroyed:timeout per spec.md §4.5.
func (a *Attestation) Deletion(ctx context.Context, job domain.Job, agentID, containerID string, createdAt, destroyedAt time.Time, dataVolumes []string, reason domain.RetirementReason, transcriptHash string) (domain.DeletionAttestation, error) {
	attType := domain.AttestationContainerDestroyed
	reasonField := ""
	if reason == domain.RetirementTimeout {
		attType = domain.AttestationContainerDestroyedTimeout
		reasonField = "timeout"
	}

	att := domain.DeletionAttestation{
		Type:           attType,
		JobID:          job.ID,
		ContainerID:    containerID,
		CreatedAt:      createdAt,
		DestroyedAt:    destroyedAt,
		DataVolumes:    dataVolumes,
		DeletionMethod: "container_stop_and_remove",
		Reason:         reasonField,
		TranscriptHash: transcriptHash,
	}

	signature, err := a.signPayload(ctx, agentID, att)
	if err != nil {
		return domain.DeletionAttestation{}, err
	}
	att.Signature = signature

	if err := a.sink.WriteDeletion(ctx, job.ID, att); err != nil {
		return att, fmt.Errorf("attestation: write deletion: %w", err)
	}
	return att, nil
}

// signPayload canonicalises v (via json.Marshal, whose struct-field order
// follows declaration order and whose map keys sort lexicographically —
// the only "canonical JSON" rule this system needs) with Signature left
// at its zero value, then signs the result.
func (a *Attestation) signPayload(ctx context.Context, agentID string, v any) (string, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("attestation: marshal payload: %w", err)
	}
	sig, err := a.signer.Sign(ctx, agentID, payload)
	if err != nil {
		return "", fmt.Errorf("attestation: sign: %w", err)
	}
	return sig, nil
}

// Verify recomputes the canonical payload with Signature cleared and
// checks it against the embedded signature. Used by tests (spec.md §8's
// "recomputing SHA-256 ... and verifying ... succeeds" property) and
// available for any future audit tooling.
func Verify(ctx context.Context, signer ports.Signer, agentID string, att any, signature string) (bool, error) {
	payload, err := json.Marshal(att)
	if err != nil {
		return false, fmt.Errorf("attestation: marshal for verify: %w", err)
	}
	return signer.Verify(ctx, agentID, payload, signature)
}
