// Package retry runs backend calls against a deadline and retries transient
// failures with exponential backoff.
package retry

import (
	"context"
	"log/slog"
	"time"

	pa "github.com/panyam/pocketauth"
)

const (
	DefaultBaseDelay   = 500 * time.Millisecond
	DefaultMaxDelay    = 10 * time.Second
	DefaultTimeoutStep = time.Second
)

// Policy configures one wrapped call
type Policy struct {
	// MaxAttempts is the total number of invocations, including the first.
	MaxAttempts int

	// Timeout bounds the first attempt. Each later attempt gets TimeoutStep more.
	Timeout     time.Duration
	TimeoutStep time.Duration

	// BaseDelay is the wait after the first failure. It doubles per attempt up to MaxDelay.
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// Retryable decides whether a failed attempt may be retried.
	// Defaults to pocketauth.IsRetryable (network and timeout errors only).
	Retryable func(error) bool

	Logger *slog.Logger
}

// Presets for the three call classes of the auth APIs.
var (
	// Quick is for lightweight checks such as reading the current session.
	Quick = Policy{MaxAttempts: 2, Timeout: 4 * time.Second}

	// Default is for ordinary calls.
	Default = Policy{MaxAttempts: 3, Timeout: 9 * time.Second}

	// Extended is for sign-in and sign-up, which can be slow on a cold backend.
	Extended = Policy{MaxAttempts: 2, Timeout: 13 * time.Second}
)

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.Timeout <= 0 {
		p.Timeout = Default.Timeout
	}
	if p.TimeoutStep < 0 {
		p.TimeoutStep = 0
	} else if p.TimeoutStep == 0 {
		p.TimeoutStep = DefaultTimeoutStep
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.Retryable == nil {
		p.Retryable = pa.IsRetryable
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	return p
}

// WithLogger returns a copy of p that logs retries to logger
func (p Policy) WithLogger(logger *slog.Logger) Policy {
	p.Logger = logger
	return p
}

// Delay returns the backoff to wait after the given failed attempt (1-based)
func (p Policy) Delay(attempt int) time.Duration {
	p = p.withDefaults()
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// AttemptTimeout returns the deadline for the given attempt (1-based)
func (p Policy) AttemptTimeout(attempt int) time.Duration {
	p = p.withDefaults()
	if attempt < 1 {
		attempt = 1
	}
	return p.Timeout + time.Duration(attempt-1)*p.TimeoutStep
}

// Do invokes fn at most p.MaxAttempts times. Each invocation races its own deadline;
// losing the race yields a KindTimeout error. Non-retryable errors are returned
// immediately. Cancelling ctx stops both the current attempt and any pending backoff.
func Do[T any](ctx context.Context, p Policy, op string, fn func(context.Context) (T, error)) (T, error) {
	p = p.withDefaults()

	var zero T
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		v, err := runAttempt(ctx, p.AttemptTimeout(attempt), op, fn)
		if err == nil {
			return v, nil
		}
		lastErr = err

		if ctx.Err() != nil || !p.Retryable(err) || attempt == p.MaxAttempts {
			break
		}

		delay := p.Delay(attempt)
		p.Logger.WarnContext(ctx, "auth call failed, retrying",
			"module", "retry",
			"operation", op,
			"outcome", "retry",
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
	return zero, lastErr
}

// Run is Do for operations without a result
func Run(ctx context.Context, p Policy, op string, fn func(context.Context) error) error {
	_, err := Do(ctx, p, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

type result[T any] struct {
	v   T
	err error
}

func runAttempt[T any](ctx context.Context, timeout time.Duration, op string, fn func(context.Context) (T, error)) (T, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// buffered so a call that loses the race can still finish and be discarded
	done := make(chan result[T], 1)
	go func() {
		v, err := fn(attemptCtx)
		done <- result[T]{v: v, err: err}
	}()

	var zero T
	select {
	case r := <-done:
		return r.v, r.err
	case <-attemptCtx.Done():
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		return zero, pa.NewTimeoutError(op, timeout)
	}
}
