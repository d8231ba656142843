// Package step provides memoized, replayable units of work.
//
// A Runner is bound to one workflow invocation. Every externally effectful
// operation runs through Do under a step name; the result is persisted in a
// Store keyed by (invocation id, step id) before it is returned. When the
// enclosing invocation is re-executed after a crash or a retry, Do returns
// the cached result instead of running the operation again, so only
// genuinely incomplete work resumes.
//
// Step ids are the step name plus an occurrence index ("terminal",
// "terminal#1", ...). Code between steps must therefore call Do in the same
// order on every execution; the input fingerprint stored with each record
// detects replays that diverge.
package step

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrReplayMismatch is returned when a cached step is replayed with a
// different input than the one it was recorded with.
var ErrReplayMismatch = errors.New("step replay input mismatch")

// Record is a persisted step result.
type Record struct {
	InvocationID string
	StepID       string
	Fingerprint  string
	Payload      []byte
	CreatedAt    time.Time
}

// Store persists step records.
type Store interface {
	// LoadStep returns the record for a step, or nil if it never completed.
	LoadStep(ctx context.Context, invocationID, stepID string) (*Record, error)

	// SaveStep stores a completed step. Saving an existing key overwrites it.
	SaveStep(ctx context.Context, rec *Record) error
}

// Runner memoizes steps for a single invocation.
type Runner struct {
	invocationID string
	store        Store
	logger       *slog.Logger

	mu     sync.Mutex
	counts map[string]int
	hits   int
	runs   int
}

// NewRunner creates a runner for the given invocation.
func NewRunner(invocationID string, store Store, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		invocationID: invocationID,
		store:        store,
		logger:       logger,
		counts:       make(map[string]int),
	}
}

// InvocationID returns the invocation this runner is bound to.
func (r *Runner) InvocationID() string {
	return r.invocationID
}

// Stats reports how many steps were replayed from cache and how many ran.
func (r *Runner) Stats() (replayed, executed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hits, r.runs
}

func (r *Runner) nextID(name string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.counts[name]
	r.counts[name] = n + 1
	if n == 0 {
		return name
	}
	return fmt.Sprintf("%s#%d", name, n)
}

func (r *Runner) record(hit bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if hit {
		r.hits++
	} else {
		r.runs++
	}
}

// Do runs fn as the next occurrence of the named step, or returns its
// cached result. input identifies what the step was asked to do; it is
// fingerprinted, not stored. Failed steps are not cached, so a retry of the
// invocation runs them again.
func Do[T any](ctx context.Context, r *Runner, name string, input any, fn func(ctx context.Context) (T, error)) (T, error) {
	result, _, err := DoCached(ctx, r, name, input, fn)
	return result, err
}

// DoCached is Do that also reports whether the result was replayed from
// the store instead of produced by fn.
func DoCached[T any](ctx context.Context, r *Runner, name string, input any, fn func(ctx context.Context) (T, error)) (T, bool, error) {
	var zero T
	stepID := r.nextID(name)

	fingerprint, err := Fingerprint(input)
	if err != nil {
		return zero, false, fmt.Errorf("fingerprint step %s: %w", stepID, err)
	}

	rec, err := r.store.LoadStep(ctx, r.invocationID, stepID)
	if err != nil {
		return zero, false, fmt.Errorf("load step %s: %w", stepID, err)
	}
	if rec != nil {
		if rec.Fingerprint != fingerprint {
			return zero, false, fmt.Errorf("%w: %s", ErrReplayMismatch, stepID)
		}
		var cached T
		if err := decode(rec.Payload, &cached); err != nil {
			return zero, false, fmt.Errorf("decode step %s: %w", stepID, err)
		}
		r.record(true)
		r.logger.Debug("Step replayed from cache", "invocation_id", r.invocationID, "step_id", stepID)
		return cached, true, nil
	}

	result, err := fn(ctx)
	if err != nil {
		return zero, false, err
	}

	payload, err := encode(result)
	if err != nil {
		return zero, false, fmt.Errorf("encode step %s: %w", stepID, err)
	}
	if err := r.store.SaveStep(ctx, &Record{
		InvocationID: r.invocationID,
		StepID:       stepID,
		Fingerprint:  fingerprint,
		Payload:      payload,
		CreatedAt:    time.Now(),
	}); err != nil {
		return zero, false, fmt.Errorf("save step %s: %w", stepID, err)
	}
	r.record(false)
	r.logger.Debug("Step completed", "invocation_id", r.invocationID, "step_id", stepID)
	return result, false, nil
}
