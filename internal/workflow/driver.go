package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/fragments/internal/domain"
	"github.com/ashureev/fragments/internal/step"
	"github.com/ashureev/fragments/internal/stream"
	"github.com/ashureev/fragments/internal/tools"
	"github.com/google/uuid"
)

// ErrDriverStopped is returned by Trigger after Stop.
var ErrDriverStopped = errors.New("workflow driver stopped")

// Runner executes one attempt of an invocation.
type Runner interface {
	Run(ctx context.Context, invocationID string, ev Event) (*Result, error)
}

// InvocationStore persists the driver's invocation records.
type InvocationStore interface {
	OutcomeSaver
	CreateInvocation(ctx context.Context, inv *domain.Invocation) error
	GetInvocation(ctx context.Context, invocationID string) (*domain.Invocation, error)
	UpdateInvocation(ctx context.Context, invocationID string, status domain.InvocationStatus, attempts int, lastError string) error
	ListResumableInvocations(ctx context.Context) ([]*domain.Invocation, error)
}

// DriverConfig sizes the worker pool and sets the retry policy.
type DriverConfig struct {
	Workers   int
	QueueSize int
	Retry     RetryPolicy
}

type job struct {
	invocationID string
	event        Event
	attempts     int
}

// Driver runs invocations on a bounded worker pool. Every attempt re-runs
// the workflow under the same invocation id so completed steps replay from
// cache. An invocation that exhausts its retries is marked failed and the
// error outcome is persisted for the user.
type Driver struct {
	runner    Runner
	store     InvocationStore
	cfg       DriverConfig
	publisher Publisher
	logger    *slog.Logger
	sleep     func(ctx context.Context, d time.Duration) error

	queue   chan job
	wg      sync.WaitGroup
	mu      sync.RWMutex
	stopped bool
	cancel  context.CancelFunc
}

// NewDriver creates a driver. Call Start before Trigger.
func NewDriver(runner Runner, store InvocationStore, cfg DriverConfig, publisher Publisher, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.Retry.Validate() != nil {
		cfg.Retry = DefaultRetryPolicy()
	}
	return &Driver{
		runner:    runner,
		store:     store,
		cfg:       cfg,
		publisher: publisher,
		logger:    logger,
		sleep:     sleepContext,
		queue:     make(chan job, cfg.QueueSize),
	}
}

// Start launches the workers. They stop when ctx is cancelled or Stop is
// called.
func (d *Driver) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
	d.logger.Info("Workflow driver started", "workers", d.cfg.Workers, "max_retries", d.cfg.Retry.MaxRetries)
}

// Stop cancels in-flight attempts and waits for the workers to exit.
// Interrupted invocations stay running in the store and are picked up by
// Resume on the next start.
func (d *Driver) Stop() {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	d.logger.Info("Workflow driver stopped")
}

// Trigger records a pending invocation for ev and enqueues it.
func (d *Driver) Trigger(ctx context.Context, ev Event) (string, error) {
	inv := &domain.Invocation{
		ID:        uuid.NewString(),
		ProjectID: ev.ProjectID,
		Value:     ev.Value,
		Status:    domain.InvocationPending,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := d.store.CreateInvocation(ctx, inv); err != nil {
		return "", fmt.Errorf("record invocation: %w", err)
	}
	if err := d.enqueue(ctx, job{invocationID: inv.ID, event: ev}); err != nil {
		return "", err
	}
	d.logger.Info("Workflow triggered", "invocation_id", inv.ID, "project_id", ev.ProjectID)
	return inv.ID, nil
}

// Resume re-enqueues pending and running invocations left over from a
// previous process.
func (d *Driver) Resume(ctx context.Context) (int, error) {
	invs, err := d.store.ListResumableInvocations(ctx)
	if err != nil {
		return 0, fmt.Errorf("list resumable invocations: %w", err)
	}
	for i, inv := range invs {
		if err := d.enqueue(ctx, job{
			invocationID: inv.ID,
			event:        Event{ProjectID: inv.ProjectID, Value: inv.Value},
			attempts:     inv.Attempts,
		}); err != nil {
			return i, err
		}
		d.logger.Info("Resuming invocation", "invocation_id", inv.ID, "attempts", inv.Attempts)
	}
	return len(invs), nil
}

func (d *Driver) enqueue(ctx context.Context, j job) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return ErrDriverStopped
	}
	select {
	case d.queue <- j:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Driver) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-d.queue:
			d.process(ctx, j)
		}
	}
}

// process runs attempts for j until it succeeds, retries are exhausted or
// the driver stops.
func (d *Driver) process(ctx context.Context, j job) {
	logger := d.logger.With("invocation_id", j.invocationID, "project_id", j.event.ProjectID)

	for {
		j.attempts++
		if err := d.store.UpdateInvocation(ctx, j.invocationID, domain.InvocationRunning, j.attempts, ""); err != nil {
			logger.Error("Failed to mark invocation running", "error", err)
		}

		_, err := d.runner.Run(ctx, j.invocationID, j.event)
		if err == nil {
			if err := d.store.UpdateInvocation(ctx, j.invocationID, domain.InvocationCompleted, j.attempts, ""); err != nil {
				logger.Error("Failed to mark invocation completed", "error", err)
			}
			return
		}
		if ctx.Err() != nil {
			logger.Info("Invocation interrupted by shutdown", "attempts", j.attempts)
			return
		}

		retries := j.attempts - 1
		if !isRetriable(err) || !d.cfg.Retry.ShouldRetry(retries) {
			d.fail(ctx, j, err, logger)
			return
		}

		delay := d.cfg.Retry.CalculateDelay(retries)
		logger.Warn("Invocation attempt failed, retrying", "error", err, "attempt", j.attempts, "delay", delay)
		if err := d.store.UpdateInvocation(ctx, j.invocationID, domain.InvocationRunning, j.attempts, err.Error()); err != nil {
			logger.Error("Failed to record attempt error", "error", err)
		}
		if err := d.sleep(ctx, delay); err != nil {
			return
		}
	}
}

func (d *Driver) fail(ctx context.Context, j job, cause error, logger *slog.Logger) {
	logger.Error("Invocation failed", "error", cause, "attempts", j.attempts)

	if err := SaveFailure(ctx, d.store, j.invocationID, j.event.ProjectID); err != nil {
		logger.Error("Failed to persist error outcome", "error", err)
	}
	if err := d.store.UpdateInvocation(ctx, j.invocationID, domain.InvocationFailed, j.attempts, cause.Error()); err != nil {
		logger.Error("Failed to mark invocation failed", "error", err)
	}
	if d.publisher != nil {
		d.publisher.Emitter(j.event.ProjectID, j.invocationID).Emit(stream.Event{
			Type: stream.EventRunFailed,
			Data: cause.Error(),
		})
	}
}

// isRetriable reports whether another attempt could succeed. Invalid tool
// arguments and replay divergence are deterministic under memoized model
// output, so retrying them only repeats the failure.
func isRetriable(err error) bool {
	return !errors.Is(err, tools.ErrInvalidArguments) && !errors.Is(err, step.ErrReplayMismatch)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
