package retry

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

var errTransient = errors.New("connection reset")

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	retries := 0
	p := Policy{
		MaxAttempts: 3,
		Delay:       time.Millisecond,
		OnRetry:     func(int, error) { retries++ },
	}

	err := Do(context.Background(), p, "http://example.test/a", func(context.Context) error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	if retries != 2 {
		t.Fatalf("retries = %d, want 2", retries)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	calls := 0
	p := Policy{MaxAttempts: 3, Delay: time.Millisecond}

	err := Do(context.Background(), p, "http://example.test/a", func(context.Context) error {
		calls++
		return errTransient
	})

	var failed FetchFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("expected FetchFailedError, got %v", err)
	}
	if failed.Attempts != 3 || failed.URL != "http://example.test/a" {
		t.Fatalf("failed = %+v, want 3 attempts for the url", failed)
	}
	if !errors.Is(err, errTransient) {
		t.Fatalf("expected wrapped cause, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestDoStopsOnNonRetryableError(t *testing.T) {
	errMalformed := errors.New("malformed url")
	calls := 0
	p := Policy{
		MaxAttempts: 3,
		Delay:       time.Hour,
		Retryable:   func(err error) bool { return !errors.Is(err, errMalformed) },
	}

	err := Do(context.Background(), p, "::bad", func(context.Context) error {
		calls++
		return errMalformed
	})

	var failed FetchFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("expected FetchFailedError, got %v", err)
	}
	if failed.Attempts != 1 || calls != 1 {
		t.Fatalf("attempts=%d calls=%d, want 1/1", failed.Attempts, calls)
	}
}

func TestDoHonoursCancellationDuringDelay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxAttempts: 3, Delay: time.Hour}

	done := make(chan error, 1)
	go func() {
		done <- Do(ctx, p, "http://example.test/a", func(context.Context) error {
			return errTransient
		})
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Do did not return after cancellation")
	}
}

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy(nil)
	if p.MaxAttempts != 3 || p.Delay != 2*time.Second {
		t.Fatalf("default policy = %+v, want 3 attempts / 2s", p)
	}
}

func TestDoLogsThroughPolicyLogger(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug})).
		With(slog.String("job_id", "job-7"))
	p := Policy{MaxAttempts: 2, Delay: time.Millisecond, Logger: logger}

	err := Do(context.Background(), p, "http://example.test/c", func(context.Context) error {
		return errTransient
	})
	if err == nil {
		t.Fatalf("expected failure")
	}
	out := logs.String()
	for _, msg := range []string{"retrying after delay", "max attempts exceeded"} {
		if !strings.Contains(out, msg) {
			t.Fatalf("missing %q in logs:\n%s", msg, out)
		}
	}
	if got := strings.Count(out, "job_id=job-7"); got != 2 {
		t.Fatalf("job-scoped log lines = %d, want 2:\n%s", got, out)
	}
}
