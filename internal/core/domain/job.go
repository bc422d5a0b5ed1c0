package domain

import "time"

// JobID is the marketplace's opaque job identifier.
type JobID string

// JobStatus mirrors the marketplace's job status vocabulary.
type JobStatus string

const (
	JobStatusRequested  JobStatus = "requested"
	JobStatusAccepted   JobStatus = "accepted"
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusDelivered  JobStatus = "delivered"
)

// Job is the subset of marketplace-observed job attributes the dispatcher
// needs to admit, accept, and attest a job.
type Job struct {
	ID           JobID     `json:"id"`
	JobHash      string    `json:"jobHash"`
	BuyerVerusID string    `json:"buyerVerusId"`
	Amount       float64   `json:"amount"`
	Currency     string    `json:"currency"`
	Description  string    `json:"description"`
	Status       JobStatus `json:"status"`
}

// JobState is the dispatcher's own lifecycle state for an admitted job,
// distinct from the marketplace-observed JobStatus.
type JobState string

const (
	// JobStatePending marks a table entry rejoined at startup
	// (spec.md §4.6): the marketplace already considers the job
	// accepted/in_progress, but no container has been started yet. It is
	// promoted to Starting/Queued by the first buyer turn, exactly like a
	// genuine table-miss.
	JobStatePending  JobState = "pending"
	JobStateQueued   JobState = "queued"
	JobStateStarting JobState = "starting"
	JobStateReady    JobState = "ready"
	JobStateRetiring JobState = "retiring"
)

// ActiveJob is the dispatcher's bookkeeping record for an admitted job,
// held in the active-job table between admission and retirement. Never
// persisted across restarts — a restart rejoins chat rooms but does not
// reattach to prior containers.
type ActiveJob struct {
	JobID            JobID
	Job              Job
	AssignedIdentity Identity
	State            JobState
	Port             int
	ContainerID      string
	BearerToken      string
	CreatedAt        time.Time
	LastActivity     time.Time // reset on every inbound buyer turn; drives the ghost timer
	QueuePosition    int       // meaningful only while State == JobStateQueued
}

// RetirementReason records why a container/job was torn down, feeding the
// deletion attestation's type/reason fields.
type RetirementReason string

const (
	RetirementCompleted  RetirementReason = "completed"
	RetirementGhost      RetirementReason = "ghost"
	RetirementTimeout    RetirementReason = "timeout"
	RetirementHealthFail RetirementReason = "health_failure"
	RetirementShutdown   RetirementReason = "shutdown"
)
