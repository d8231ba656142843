package shared

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestRetryOnConflictRetriesBusyErrors(t *testing.T) {
	calls := 0
	err := RetryOnConflict(context.Background(), RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond}, "test", func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestRetryOnConflictStopsOnOtherErrors(t *testing.T) {
	calls := 0
	want := errors.New("constraint failed")
	err := RetryOnConflict(context.Background(), RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond}, "test", func() error {
		calls++
		return want
	})
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestRetryOnConflictGivesUpAfterMaxRetries(t *testing.T) {
	calls := 0
	err := RetryOnConflict(context.Background(), RetryConfig{MaxRetries: 2, BaseDelay: time.Millisecond}, "test", func() error {
		calls++
		return errors.New("SQLITE_BUSY")
	})
	if !IsSQLiteConflictError(err) {
		t.Fatalf("expected busy error, got %v", err)
	}
	// One attempt plus two retries.
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestRetryOnConflictZeroRetries(t *testing.T) {
	calls := 0
	_ = RetryOnConflict(context.Background(), RetryConfig{BaseDelay: time.Millisecond}, "test", func() error {
		calls++
		return errors.New("database is locked")
	})
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestIsSQLiteConflictError(t *testing.T) {
	cases := map[string]struct {
		err  error
		want bool
	}{
		"nil":     {nil, false},
		"busy":    {errors.New("SQLITE_BUSY"), true},
		"locked":  {fmt.Errorf("save step: %w", errors.New("database is locked (5)")), true},
		"unique":  {errors.New("UNIQUE constraint failed: messages.id"), false},
		"context": {context.Canceled, false},
	}
	for name, tc := range cases {
		if got := IsSQLiteConflictError(tc.err); got != tc.want {
			t.Errorf("%s: IsSQLiteConflictError(%v) = %v, want %v", name, tc.err, got, tc.want)
		}
	}
}
