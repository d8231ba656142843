package sandbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/fragments/internal/domain"
)

const defaultReapInterval = time.Minute

// ReapCallback is called with each lease whose sandbox has been removed.
type ReapCallback func(lease *domain.SandboxLease)

// Reaper removes sandboxes whose lease has expired.
type Reaper struct {
	provider Provider
	leases   LeaseStore
	interval time.Duration
	onReap   ReapCallback
	logger   *slog.Logger
	now      func() time.Time
}

// NewReaper creates a reaper that sweeps every interval.
func NewReaper(provider Provider, leases LeaseStore, interval time.Duration, onReap ReapCallback, logger *slog.Logger) *Reaper {
	if interval <= 0 {
		interval = defaultReapInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		provider: provider,
		leases:   leases,
		interval: interval,
		onReap:   onReap,
		logger:   logger,
		now:      time.Now,
	}
}

// Start runs the reaper in a background goroutine until ctx is done.
func (r *Reaper) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	go func() {
		defer ticker.Stop()
		r.logger.Info("Sandbox reaper started", "interval", r.interval)

		for {
			select {
			case <-ticker.C:
				if _, err := r.Sweep(ctx); err != nil {
					r.logger.Error("Sandbox reaper sweep failed", "error", err)
				}
			case <-ctx.Done():
				r.logger.Info("Sandbox reaper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// Sweep removes every expired sandbox once and returns how many were reaped.
// A sandbox that fails to stop keeps its lease and is retried next sweep.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	expired, err := r.leases.GetExpiredSandboxLeases(ctx, r.now())
	if err != nil {
		return 0, err
	}
	if len(expired) == 0 {
		return 0, nil
	}

	r.logger.Info("Sandbox reaper found expired sandboxes", "count", len(expired))

	reaped := 0
	for _, lease := range expired {
		if err := r.provider.Destroy(ctx, lease.SandboxID); err != nil {
			r.logger.Error("Sandbox reaper failed to stop sandbox",
				"error", err,
				"sandbox_id", lease.SandboxID)
			continue
		}

		if err := r.leases.DeleteSandboxLease(ctx, lease.SandboxID); err != nil {
			if ctx.Err() != nil {
				r.logger.Debug("Context canceled during lease cleanup", "sandbox_id", lease.SandboxID)
				return reaped, ctx.Err()
			}
			r.logger.Warn("Sandbox reaper failed to delete lease",
				"error", err,
				"sandbox_id", lease.SandboxID)
			continue
		}

		reaped++
		if r.onReap != nil {
			r.onReap(lease)
		}
	}

	r.logger.Info("Sandbox reaper sweep completed", "reaped", reaped)
	return reaped, nil
}
