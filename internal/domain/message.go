package domain

import (
	"time"
)

// MessageRole identifies who authored a message.
type MessageRole string

const (
	// RoleUser marks end-user instructions.
	RoleUser MessageRole = "user"
	// RoleAssistant marks messages persisted by the workflow.
	RoleAssistant MessageRole = "assistant"
)

// MessageType categorizes a message for presentation.
type MessageType string

const (
	// MessageTypeResult is a successful outcome (or a plain user message).
	MessageTypeResult MessageType = "RESULT"
	// MessageTypeError is the fixed apology emitted on convergence failure.
	MessageTypeError MessageType = "ERROR"
)

// Message is an immutable conversation entry. InvocationID links an
// assistant outcome to the run that produced it.
type Message struct {
	ID           string      `json:"id"`
	ProjectID    string      `json:"project_id"`
	InvocationID string      `json:"invocation_id,omitempty"`
	Role         MessageRole `json:"role"`
	Type         MessageType `json:"type"`
	Content      string      `json:"content"`
	CreatedAt    time.Time   `json:"created_at"`
	Fragment     *Fragment   `json:"fragment,omitempty"`
}

// IsAssistant returns true if the message was written by the workflow.
func (m *Message) IsAssistant() bool {
	return m.Role == RoleAssistant
}
