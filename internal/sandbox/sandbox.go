// Package sandbox provides ephemeral Docker-backed execution environments
// for generated code.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ashureev/fragments/internal/domain"
)

// ErrSandboxNotFound is returned when a sandbox is gone or no longer running.
var ErrSandboxNotFound = errors.New("sandbox not found")

// Provider creates sandboxes and reconnects to them by id.
type Provider interface {
	// Create starts a new sandbox from the given template and returns its id.
	Create(ctx context.Context, template string) (string, error)

	// Connect returns a handle to an existing sandbox. Repeated calls with
	// the same id always address the same sandbox.
	Connect(ctx context.Context, sandboxID string) (Handle, error)

	// Destroy stops and removes a sandbox. It is idempotent.
	Destroy(ctx context.Context, sandboxID string) error
}

// Handle operates on one live sandbox.
type Handle interface {
	// ID returns the sandbox id.
	ID() string

	// SetTimeout moves the sandbox's expiry to d from now.
	SetTimeout(ctx context.Context, d time.Duration) error

	// Run executes cmd with sh -c. Output is streamed to the callbacks as it
	// arrives. A non-zero exit returns the result together with a
	// *CommandExitError.
	Run(ctx context.Context, cmd string, onStdout, onStderr func(string)) (CommandResult, error)

	// WriteFile creates or replaces a file, creating parent directories.
	// Relative paths resolve under the sandbox working directory.
	WriteFile(ctx context.Context, path, content string) error

	// ReadFile returns the content of a file.
	ReadFile(ctx context.Context, path string) (string, error)

	// Host returns the public host:port that forwards to the given sandbox port.
	Host(ctx context.Context, port int) (string, error)
}

// LeaseStore records sandbox expiry so sandboxes can be reaped.
type LeaseStore interface {
	UpsertSandboxLease(ctx context.Context, lease *domain.SandboxLease) error
	GetExpiredSandboxLeases(ctx context.Context, now time.Time) ([]*domain.SandboxLease, error)
	DeleteSandboxLease(ctx context.Context, sandboxID string) error
}

// CommandResult holds the captured output of a command. Output beyond the
// capture limit keeps only the most recent bytes.
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// CommandExitError reports a command that exited non-zero.
type CommandExitError struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

func (e *CommandExitError) Error() string {
	return fmt.Sprintf("command exited with code %d", e.ExitCode)
}

// URL derives the preview URL for a host returned by Handle.Host.
func URL(host string) string {
	return "http://" + host
}
