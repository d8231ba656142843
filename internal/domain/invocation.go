package domain

import (
	"time"
)

// InvocationStatus tracks a workflow invocation through the driver.
type InvocationStatus string

const (
	InvocationPending   InvocationStatus = "pending"
	InvocationRunning   InvocationStatus = "running"
	InvocationCompleted InvocationStatus = "completed"
	InvocationFailed    InvocationStatus = "failed"
)

// Invocation is the durable record of one workflow run request.
type Invocation struct {
	ID        string           `json:"id"`
	ProjectID string           `json:"project_id"`
	Value     string           `json:"value"`
	Status    InvocationStatus `json:"status"`
	Attempts  int              `json:"attempts"`
	LastError string           `json:"last_error,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// IsTerminal returns true once the driver will no longer retry the invocation.
func (i *Invocation) IsTerminal() bool {
	return i.Status == InvocationCompleted || i.Status == InvocationFailed
}

// SandboxLease records a sandbox container and when it may be reaped.
type SandboxLease struct {
	SandboxID string
	Template  string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Expired returns true if the lease ran out before now.
func (l *SandboxLease) Expired(now time.Time) bool {
	return !l.ExpiresAt.After(now)
}
