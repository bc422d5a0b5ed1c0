package domain

import "time"

// LogRole identifies who produced a DispatcherLog entry.
type LogRole string

const (
	LogRoleUser      LogRole = "user"
	LogRoleAssistant LogRole = "assistant"
	LogRoleSystem    LogRole = "system"
)

// LogEntry is one line of a job's append-only JSONL transcript. Entries
// for a job are strictly monotonic in Timestamp and append order.
type LogEntry struct {
	Timestamp time.Time `json:"ts"`
	Role      LogRole   `json:"role"`
	Content   string    `json:"content"`
	Sender    string    `json:"sender,omitempty"`
	Nonce     string    `json:"nonce,omitempty"`
	Port      int       `json:"port,omitempty"`
	Model     string    `json:"model,omitempty"`
	Event     string    `json:"event,omitempty"`
}
