// Package retry runs network operations under a bounded, fixed-delay retry policy.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Policy defines how many times an operation is attempted and which errors
// justify another attempt.
type Policy struct {
	MaxAttempts int
	Delay       time.Duration
	// Retryable reports whether err is transient. Nil means every error is retried.
	Retryable func(err error) bool
	// OnRetry is called before sleeping ahead of the next attempt.
	OnRetry func(attempt int, err error)
	// Logger receives retry progress. Nil means slog.Default().
	Logger *slog.Logger
}

// DefaultPolicy returns three attempts two seconds apart.
func DefaultPolicy(retryable func(error) bool) Policy {
	return Policy{
		MaxAttempts: 3,
		Delay:       2 * time.Second,
		Retryable:   retryable,
	}
}

// FetchFailedError is returned once a network operation stops being retried.
type FetchFailedError struct {
	URL      string
	Attempts int
	Err      error
}

func (e FetchFailedError) Error() string {
	return fmt.Errorf("fetch %s failed after %d attempt(s): %w", e.URL, e.Attempts, e.Err).Error()
}

func (e FetchFailedError) Unwrap() error {
	return e.Err
}

// Do runs fn until it succeeds, returns a non-retryable error, the attempts
// are exhausted or ctx is done. Failures are reported as FetchFailedError;
// cancellation is returned as the context error.
func Do(ctx context.Context, p Policy, target string, fn func(ctx context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				logger.Debug("retry succeeded", slog.String("url", target), slog.Int("attempts", attempt))
			}
			return nil
		}
		lastErr = err

		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return ctx.Err()
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return FetchFailedError{URL: target, Attempts: attempt, Err: err}
		}
		if attempt == attempts {
			break
		}

		logger.Debug("retrying after delay",
			slog.String("url", target),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
			slog.Duration("delay", p.Delay),
			slog.Any("error", err),
		)
		if p.OnRetry != nil {
			p.OnRetry(attempt, err)
		}
		if err := sleep(ctx, p.Delay); err != nil {
			return err
		}
	}

	logger.Warn("max attempts exceeded",
		slog.String("url", target),
		slog.Int("attempts", attempts),
		slog.Any("error", lastErr),
	)
	return FetchFailedError{URL: target, Attempts: attempts, Err: lastErr}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
