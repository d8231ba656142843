// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/fragments/internal/domain"
	"github.com/ashureev/fragments/internal/step"
)

// ErrNotFound is returned when a looked-up record does not exist.
var ErrNotFound = errors.New("not found")

// ProjectStore persists projects.
type ProjectStore interface {
	CreateProject(ctx context.Context, project *domain.Project) error
	GetProject(ctx context.Context, projectID string) (*domain.Project, error)
	ListProjects(ctx context.Context) ([]*domain.Project, error)
}

// MessageStore persists the append-only conversation of each project.
type MessageStore interface {
	// CreateMessage inserts a message without a fragment.
	CreateMessage(ctx context.Context, msg *domain.Message) error

	// ListRecentMessages returns at most limit messages of a project, newest
	// first. Ties on created_at are broken by id.
	ListRecentMessages(ctx context.Context, projectID string, limit int) ([]*domain.Message, error)

	// ListMessages returns every message of a project in chronological
	// order with fragments attached.
	ListMessages(ctx context.Context, projectID string) ([]*domain.Message, error)

	// SaveOutcome inserts an assistant message and, when msg.Fragment is
	// set, its fragment in one transaction.
	SaveOutcome(ctx context.Context, msg *domain.Message) error

	// GetFragment retrieves a fragment by id.
	GetFragment(ctx context.Context, fragmentID string) (*domain.Fragment, error)
}

// InvocationStore persists the workflow driver's invocation records.
type InvocationStore interface {
	CreateInvocation(ctx context.Context, inv *domain.Invocation) error
	GetInvocation(ctx context.Context, invocationID string) (*domain.Invocation, error)

	// UpdateInvocation records a status transition.
	UpdateInvocation(ctx context.Context, invocationID string, status domain.InvocationStatus, attempts int, lastError string) error

	// ListResumableInvocations returns pending and running invocations,
	// oldest first.
	ListResumableInvocations(ctx context.Context) ([]*domain.Invocation, error)
}

// LeaseStore persists sandbox leases for the reaper.
type LeaseStore interface {
	UpsertSandboxLease(ctx context.Context, lease *domain.SandboxLease) error
	GetExpiredSandboxLeases(ctx context.Context, now time.Time) ([]*domain.SandboxLease, error)
	DeleteSandboxLease(ctx context.Context, sandboxID string) error
}

// Repository is the full persistence surface of the service.
type Repository interface {
	ProjectStore
	MessageStore
	InvocationStore
	LeaseStore
	step.Store

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
