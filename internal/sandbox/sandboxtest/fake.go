// Package sandboxtest provides an in-memory sandbox.Provider for tests.
package sandboxtest

import (
	"context"
	"fmt"
	"maps"
	"os"
	"path"
	"sync"
	"time"

	"github.com/ashureev/fragments/internal/sandbox"
)

// CommandFunc scripts the outcome of a command.
type CommandFunc func(cmd string) (sandbox.CommandResult, error)

// Provider is an in-memory sandbox provider. Files written to a sandbox are
// visible to ReadFile on any handle of the same sandbox.
type Provider struct {
	WorkDir string
	Host    string
	// Commands scripts Run; the default echoes nothing and exits 0.
	Commands CommandFunc

	mu        sync.Mutex
	next      int
	sandboxes map[string]*box
	created   []string
	ran       []string
	timeouts  map[string]time.Duration
}

type box struct {
	files map[string]string
	dead  bool
}

// NewProvider returns an empty fake provider.
func NewProvider() *Provider {
	return &Provider{
		WorkDir:   "/home/user",
		Host:      "localhost:49153",
		sandboxes: make(map[string]*box),
		timeouts:  make(map[string]time.Duration),
	}
}

// Create implements sandbox.Provider.
func (p *Provider) Create(_ context.Context, _ string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	id := fmt.Sprintf("sbx-%d", p.next)
	p.sandboxes[id] = &box{files: make(map[string]string)}
	p.created = append(p.created, id)
	return id, nil
}

// Connect implements sandbox.Provider.
func (p *Provider) Connect(_ context.Context, sandboxID string) (sandbox.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.sandboxes[sandboxID]
	if !ok || b.dead {
		return nil, fmt.Errorf("%w: %s", sandbox.ErrSandboxNotFound, sandboxID)
	}
	return &handle{p: p, id: sandboxID}, nil
}

// Destroy implements sandbox.Provider.
func (p *Provider) Destroy(_ context.Context, sandboxID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if b, ok := p.sandboxes[sandboxID]; ok {
		b.dead = true
	}
	return nil
}

// Kill makes a sandbox unreachable, as if its TTL expired.
func (p *Provider) Kill(sandboxID string) {
	_ = p.Destroy(context.Background(), sandboxID)
}

// Created returns the ids of every sandbox created so far.
func (p *Provider) Created() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.created...)
}

// Ran returns every command run so far.
func (p *Provider) Ran() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.ran...)
}

// Files returns a copy of a sandbox's file system, keyed by absolute path.
func (p *Provider) Files(sandboxID string) map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if b, ok := p.sandboxes[sandboxID]; ok {
		return maps.Clone(b.files)
	}
	return nil
}

// Timeout returns the last timeout set on a sandbox.
func (p *Provider) Timeout(sandboxID string) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.timeouts[sandboxID]
}

type handle struct {
	p  *Provider
	id string
}

func (h *handle) ID() string { return h.id }

func (h *handle) live() (*box, error) {
	b, ok := h.p.sandboxes[h.id]
	if !ok || b.dead {
		return nil, fmt.Errorf("%w: %s", sandbox.ErrSandboxNotFound, h.id)
	}
	return b, nil
}

func (h *handle) SetTimeout(_ context.Context, d time.Duration) error {
	h.p.mu.Lock()
	defer h.p.mu.Unlock()
	if _, err := h.live(); err != nil {
		return err
	}
	h.p.timeouts[h.id] = d
	return nil
}

func (h *handle) Run(_ context.Context, cmd string, onStdout, onStderr func(string)) (sandbox.CommandResult, error) {
	h.p.mu.Lock()
	_, err := h.live()
	h.p.ran = append(h.p.ran, cmd)
	script := h.p.Commands
	h.p.mu.Unlock()
	if err != nil {
		return sandbox.CommandResult{ExitCode: -1}, err
	}

	var res sandbox.CommandResult
	if script != nil {
		res, err = script(cmd)
	}
	if onStdout != nil && res.Stdout != "" {
		onStdout(res.Stdout)
	}
	if onStderr != nil && res.Stderr != "" {
		onStderr(res.Stderr)
	}
	if err == nil && res.ExitCode != 0 {
		err = &sandbox.CommandExitError{ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr}
	}
	return res, err
}

func (h *handle) WriteFile(_ context.Context, filePath, content string) error {
	h.p.mu.Lock()
	defer h.p.mu.Unlock()
	b, err := h.live()
	if err != nil {
		return err
	}
	b.files[h.resolve(filePath)] = content
	return nil
}

func (h *handle) ReadFile(_ context.Context, filePath string) (string, error) {
	h.p.mu.Lock()
	defer h.p.mu.Unlock()
	b, err := h.live()
	if err != nil {
		return "", err
	}
	full := h.resolve(filePath)
	content, ok := b.files[full]
	if !ok {
		return "", fmt.Errorf("read %s: %w", full, os.ErrNotExist)
	}
	return content, nil
}

func (h *handle) Host(_ context.Context, _ int) (string, error) {
	h.p.mu.Lock()
	defer h.p.mu.Unlock()
	if _, err := h.live(); err != nil {
		return "", err
	}
	return h.p.Host, nil
}

func (h *handle) resolve(p string) string {
	if path.IsAbs(p) {
		return path.Clean(p)
	}
	return path.Join(h.p.WorkDir, p)
}
