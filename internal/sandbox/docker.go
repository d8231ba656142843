package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/fragments/internal/domain"
	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
)

const (
	containerNamePrefix = "fragments-sbx-"
	labelSandbox        = "fragments.sandbox"
	labelTemplate       = "fragments.template"
	stopTimeoutSecs     = 10

	// Resource limits.
	memoryLimitBytes = 1024 * 1024 * 1024 // 1GB, enough for a Next.js dev server
	cpuQuota         = 100000             // 1 CPU
	pidsLimit        = 512

	// Sandbox network configuration.
	sandboxNetwork = "fragments-sandbox"
	sandboxSubnet  = "172.29.0.0/16"

	createRetryAttempts = 3
	createRetryDelay    = 250 * time.Millisecond
)

// DockerConfig configures the Docker provider.
type DockerConfig struct {
	Runtime    string // "" = default (runc), "runsc" = gVisor
	Port       int    // preview port published by every sandbox
	PublicHost string // host name used in preview URLs
	WorkDir    string
	User       string
	TTL        time.Duration // initial lease
	Network    string        // "" = Docker default bridge
}

// DockerProvider implements Provider with one container per sandbox.
type DockerProvider struct {
	cli    client.APIClient
	cfg    DockerConfig
	leases LeaseStore
	logger *slog.Logger
}

// NewDockerProvider creates a provider from the Docker environment.
func NewDockerProvider(cfg DockerConfig, leases LeaseStore, logger *slog.Logger) (*DockerProvider, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return newDockerProvider(cli, cfg, leases, logger), nil
}

func newDockerProvider(cli client.APIClient, cfg DockerConfig, leases LeaseStore, logger *slog.Logger) *DockerProvider {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = "/home/user"
	}
	runtime := cfg.Runtime
	if runtime == "" {
		runtime = "default"
	}
	logger.Info("Docker client initialized", "runtime", runtime)
	return &DockerProvider{cli: cli, cfg: cfg, leases: leases, logger: logger}
}

// Create starts a container from the template image and records its lease.
func (p *DockerProvider) Create(ctx context.Context, template string) (string, error) {
	port, err := nat.NewPort("tcp", strconv.Itoa(p.cfg.Port))
	if err != nil {
		return "", fmt.Errorf("sandbox port %d: %w", p.cfg.Port, err)
	}

	config := &container.Config{
		Image:        template,
		User:         p.cfg.User,
		WorkingDir:   p.cfg.WorkDir,
		ExposedPorts: nat.PortSet{port: struct{}{}},
		Labels: map[string]string{
			labelSandbox:  "true",
			labelTemplate: template,
		},
	}

	hostConfig := &container.HostConfig{
		Runtime:      p.cfg.Runtime,
		PortBindings: nat.PortMap{port: []nat.PortBinding{{HostIP: "", HostPort: ""}}},
		Resources: container.Resources{
			Memory:    memoryLimitBytes,
			CPUQuota:  cpuQuota,
			PidsLimit: ptr(int64(pidsLimit)),
		},
	}
	if p.cfg.Network != "" {
		hostConfig.NetworkMode = container.NetworkMode(p.cfg.Network)
	}

	var resp container.CreateResponse
	var createErr error
	pulled := false
	for i := 0; i < createRetryAttempts; i++ {
		name := containerNamePrefix + uuid.NewString()[:12]
		resp, createErr = p.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, name)
		if createErr == nil {
			break
		}

		if errdefs.IsNotFound(createErr) && !pulled {
			if err := p.pullImage(ctx, template); err != nil {
				return "", err
			}
			pulled = true
			continue
		}

		errStr := strings.ToLower(createErr.Error())
		if !strings.Contains(errStr, "is already in use") && !strings.Contains(errStr, "conflict") {
			return "", fmt.Errorf("create container: %w", createErr)
		}

		p.logger.Warn("Container name conflict during create, retrying",
			"container_name", name,
			"attempt", i+1,
			"error", createErr,
		)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(createRetryDelay):
		}
	}
	if createErr != nil {
		return "", fmt.Errorf("create container after retries: %w", createErr)
	}

	if err := p.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if removeErr := p.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true}); removeErr != nil && !errors.Is(removeErr, context.Canceled) {
			p.logger.Warn("Failed to remove container after start failure", "container_id", resp.ID, "error", removeErr)
		}
		return "", fmt.Errorf("start container %s: %w", resp.ID, err)
	}

	// gVisor's netstack often fails with Docker's embedded DNS (127.0.0.11).
	if p.cfg.Runtime == "runsc" {
		if err := p.fixDNS(ctx, resp.ID); err != nil {
			p.logger.Warn("Failed to apply DNS fix", "error", err)
		}
	}

	if p.leases != nil && p.cfg.TTL > 0 {
		now := time.Now()
		if err := p.leases.UpsertSandboxLease(ctx, &domain.SandboxLease{
			SandboxID: resp.ID,
			Template:  template,
			ExpiresAt: now.Add(p.cfg.TTL),
			CreatedAt: now,
		}); err != nil {
			p.logger.Warn("Failed to record sandbox lease", "sandbox_id", resp.ID, "error", err)
		}
	}

	p.logger.Info("Sandbox created", "sandbox_id", resp.ID, "template", template)
	return resp.ID, nil
}

func (p *DockerProvider) pullImage(ctx context.Context, ref string) error {
	p.logger.Info("Pulling sandbox template", "image", ref)
	rc, err := p.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	defer func() { _ = rc.Close() }()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("read pull progress for %s: %w", ref, err)
	}
	return nil
}

// fixDNS forces public DNS servers into /etc/resolv.conf (gVisor workaround).
func (p *DockerProvider) fixDNS(ctx context.Context, containerID string) error {
	h := &dockerHandle{p: p, id: containerID}
	var stderr bytes.Buffer
	code, err := h.exec(ctx, execSpec{
		cmd:    []string{"sh", "-c", "echo 'nameserver 8.8.8.8' > /etc/resolv.conf && echo 'nameserver 8.8.4.4' >> /etc/resolv.conf"},
		user:   "root",
		stdout: io.Discard,
		stderr: &stderr,
	})
	if err != nil {
		return fmt.Errorf("dns fix: %w", err)
	}
	if code != 0 {
		return fmt.Errorf("dns fix command failed with exit code %d: %s", code, stderr.String())
	}
	return nil
}

// Connect returns a handle to a running sandbox.
func (p *DockerProvider) Connect(ctx context.Context, sandboxID string) (Handle, error) {
	inspect, err := p.cli.ContainerInspect(ctx, sandboxID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrSandboxNotFound, sandboxID)
		}
		return nil, fmt.Errorf("inspect container %s: %w", sandboxID, err)
	}
	if inspect.State == nil || !inspect.State.Running {
		return nil, fmt.Errorf("%w: %s is not running", ErrSandboxNotFound, sandboxID)
	}

	template := ""
	if inspect.Config != nil {
		template = inspect.Config.Labels[labelTemplate]
	}
	return &dockerHandle{p: p, id: sandboxID, template: template}, nil
}

// Destroy stops and removes a sandbox container.
// It is idempotent and handles concurrent calls gracefully.
func (p *DockerProvider) Destroy(ctx context.Context, sandboxID string) error {
	p.logger.Info("Stopping sandbox", "sandbox_id", sandboxID)

	timeout := stopTimeoutSecs
	if err := p.cli.ContainerStop(ctx, sandboxID, container.StopOptions{Timeout: &timeout}); err != nil {
		if errdefs.IsNotFound(err) {
			p.logger.Debug("Sandbox already removed", "sandbox_id", sandboxID)
			return nil
		}
		p.logger.Debug("Sandbox stop returned error, continuing to remove", "sandbox_id", sandboxID, "error", err)
	}

	if err := p.cli.ContainerRemove(ctx, sandboxID, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		if strings.Contains(err.Error(), "is already in progress") {
			p.logger.Debug("Sandbox removal already in progress", "sandbox_id", sandboxID)
			return nil
		}
		return fmt.Errorf("remove container %s: %w", sandboxID, err)
	}

	p.logger.Info("Sandbox stopped and removed", "sandbox_id", sandboxID)
	return nil
}

// EnsureNetwork creates the sandbox bridge network if it doesn't exist.
func (p *DockerProvider) EnsureNetwork(ctx context.Context) (string, error) {
	networks, err := p.cli.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		return "", fmt.Errorf("list networks: %w", err)
	}
	for _, nw := range networks {
		if nw.Name == sandboxNetwork {
			p.cfg.Network = sandboxNetwork
			return nw.ID, nil
		}
	}

	createResp, err := p.cli.NetworkCreate(ctx, sandboxNetwork, network.CreateOptions{
		Driver: "bridge",
		IPAM: &network.IPAM{
			Config: []network.IPAMConfig{{Subnet: sandboxSubnet}},
		},
	})
	if err != nil {
		return "", fmt.Errorf("create network %s: %w", sandboxNetwork, err)
	}

	p.cfg.Network = sandboxNetwork
	p.logger.Info("Sandbox network created", "network_id", createResp.ID, "subnet", sandboxSubnet)
	return createResp.ID, nil
}

type dockerHandle struct {
	p        *DockerProvider
	id       string
	template string
}

func (h *dockerHandle) ID() string { return h.id }

func (h *dockerHandle) SetTimeout(ctx context.Context, d time.Duration) error {
	if h.p.leases == nil {
		return nil
	}
	now := time.Now()
	if err := h.p.leases.UpsertSandboxLease(ctx, &domain.SandboxLease{
		SandboxID: h.id,
		Template:  h.template,
		ExpiresAt: now.Add(d),
		CreatedAt: now,
	}); err != nil {
		return fmt.Errorf("extend sandbox %s: %w", h.id, err)
	}
	return nil
}

func (h *dockerHandle) Run(ctx context.Context, cmd string, onStdout, onStderr func(string)) (CommandResult, error) {
	stdout := &streamWriter{buf: NewCircularBuffer(0), fn: onStdout}
	stderr := &streamWriter{buf: NewCircularBuffer(0), fn: onStderr}

	code, err := h.exec(ctx, execSpec{
		cmd:    []string{"sh", "-c", cmd},
		stdout: stdout,
		stderr: stderr,
	})
	// The ring buffer may cut a multibyte rune at its start.
	result := CommandResult{
		Stdout:   strings.ToValidUTF8(stdout.buf.String(), "\uFFFD"),
		Stderr:   strings.ToValidUTF8(stderr.buf.String(), "\uFFFD"),
		ExitCode: code,
	}
	if err != nil {
		return result, err
	}
	if code != 0 {
		return result, &CommandExitError{ExitCode: code, Stdout: result.Stdout, Stderr: result.Stderr}
	}
	return result, nil
}

func (h *dockerHandle) WriteFile(ctx context.Context, filePath, content string) error {
	var stderr bytes.Buffer
	full := h.resolve(filePath)
	code, err := h.exec(ctx, execSpec{
		cmd:    []string{"sh", "-c", `mkdir -p "$(dirname "$1")" && cat > "$1"`, "sh", full},
		stdin:  strings.NewReader(content),
		stdout: io.Discard,
		stderr: &stderr,
	})
	if err != nil {
		return fmt.Errorf("write %s: %w", full, err)
	}
	if code != 0 {
		return fmt.Errorf("write %s: exit code %d: %s", full, code, strings.TrimSpace(stderr.String()))
	}
	return nil
}

func (h *dockerHandle) ReadFile(ctx context.Context, filePath string) (string, error) {
	var stdout, stderr bytes.Buffer
	full := h.resolve(filePath)
	code, err := h.exec(ctx, execSpec{
		cmd:    []string{"cat", "--", full},
		stdout: &stdout,
		stderr: &stderr,
	})
	if err != nil {
		return "", fmt.Errorf("read %s: %w", full, err)
	}
	if code != 0 {
		return "", fmt.Errorf("read %s: exit code %d: %s", full, code, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

func (h *dockerHandle) Host(ctx context.Context, port int) (string, error) {
	inspect, err := h.p.cli.ContainerInspect(ctx, h.id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return "", fmt.Errorf("%w: %s", ErrSandboxNotFound, h.id)
		}
		return "", fmt.Errorf("inspect container %s: %w", h.id, err)
	}
	if inspect.NetworkSettings == nil {
		return "", fmt.Errorf("sandbox %s has no network settings", h.id)
	}

	key := nat.Port(fmt.Sprintf("%d/tcp", port))
	for _, binding := range inspect.NetworkSettings.Ports[key] {
		if binding.HostPort != "" {
			return net.JoinHostPort(h.p.cfg.PublicHost, binding.HostPort), nil
		}
	}
	return "", fmt.Errorf("sandbox %s does not publish port %d", h.id, port)
}

func (h *dockerHandle) resolve(p string) string {
	if path.IsAbs(p) {
		return path.Clean(p)
	}
	return path.Join(h.p.cfg.WorkDir, p)
}

type execSpec struct {
	cmd    []string
	user   string
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

// exec runs a command in the container and returns its exit code. Output is
// demultiplexed from Docker's framed stream.
func (h *dockerHandle) exec(ctx context.Context, spec execSpec) (int, error) {
	user := spec.user
	if user == "" {
		user = h.p.cfg.User
	}
	resp, err := h.p.cli.ContainerExecCreate(ctx, h.id, container.ExecOptions{
		Cmd:          spec.cmd,
		User:         user,
		WorkingDir:   h.p.cfg.WorkDir,
		AttachStdin:  spec.stdin != nil,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return -1, fmt.Errorf("%w: %s", ErrSandboxNotFound, h.id)
		}
		return -1, fmt.Errorf("create exec in container %s: %w", h.id, err)
	}

	attach, err := h.p.cli.ContainerExecAttach(ctx, resp.ID, container.ExecStartOptions{})
	if err != nil {
		return -1, fmt.Errorf("attach to exec %s: %w", resp.ID, err)
	}
	defer attach.Close()

	// Unblock the reader if the caller gives up.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			attach.Close()
		case <-done:
		}
	}()

	stdinErr := make(chan error, 1)
	if spec.stdin != nil {
		go func() {
			_, err := io.Copy(attach.Conn, spec.stdin)
			if closeErr := attach.CloseWrite(); err == nil {
				err = closeErr
			}
			stdinErr <- err
		}()
	} else {
		stdinErr <- nil
	}

	if _, err := stdcopy.StdCopy(spec.stdout, spec.stderr, attach.Reader); err != nil {
		if ctx.Err() != nil {
			return -1, ctx.Err()
		}
		return -1, fmt.Errorf("read exec output: %w", err)
	}
	if err := <-stdinErr; err != nil {
		return -1, fmt.Errorf("write exec input: %w", err)
	}

	inspect, err := h.p.cli.ContainerExecInspect(ctx, resp.ID)
	if err != nil {
		return -1, fmt.Errorf("inspect exec %s: %w", resp.ID, err)
	}
	return inspect.ExitCode, nil
}

// streamWriter captures output into a bounded buffer and forwards each
// chunk to an optional callback.
type streamWriter struct {
	buf *CircularBuffer
	fn  func(string)
}

func (w *streamWriter) Write(p []byte) (int, error) {
	if w.fn != nil {
		w.fn(string(p))
	}
	return w.buf.Write(p)
}

func ptr[T any](v T) *T {
	return &v
}
