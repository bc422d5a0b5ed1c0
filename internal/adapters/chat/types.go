package chat

import "github.com/autobb888/vap-dispatcher/internal/core/domain"

// wireEvent is one entry of the long-poll event batch. Since spec.md
// leaves the chat transport's wire framing out of scope (it only names
// the four events join_job/joined/message/error), this shape is this
// adapter's own invention — the minimal envelope needed to carry those
// four events over a long-poll GET.
type wireEvent struct {
	Type          string        `json:"type"`
	JobID         domain.JobID  `json:"jobId"`
	SenderVerusID string        `json:"senderVerusId,omitempty"`
	Content       string        `json:"content,omitempty"`
	Message       string        `json:"message,omitempty"`
}

// pollResponse is the body of one long-poll GET against the event stream.
type pollResponse struct {
	Cursor string      `json:"cursor"`
	Events []wireEvent `json:"events"`
}

const (
	eventJoinJob = "join_job"
	eventJoined  = "joined"
	eventMessage = "message"
	eventError   = "error"
)
