// Package poll retries a check until an eventually consistent condition holds.
package poll

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/memfault/yocto-e2e/internal/logging"
	"github.com/memfault/yocto-e2e/internal/tracing"
)

const (
	// DefaultTimeout bounds Until when Options.Timeout is zero.
	DefaultTimeout = 10 * time.Second
	// DefaultInterval is the pause between attempts when Options.Interval is zero.
	DefaultInterval = 500 * time.Millisecond
)

// NotReadyError marks a check failure as retryable.
type NotReadyError struct {
	Err error
}

// NotReady builds a *NotReadyError from a format string; %w verbs are preserved.
func NotReady(format string, args ...any) error {
	return &NotReadyError{Err: fmt.Errorf(format, args...)}
}

func (e *NotReadyError) Error() string {
	if e.Err == nil {
		return "not ready"
	}
	return "not ready: " + e.Err.Error()
}

func (e *NotReadyError) Unwrap() error {
	return e.Err
}

// IsNotReady reports whether err is, or wraps, a *NotReadyError.
func IsNotReady(err error) bool {
	var notReady *NotReadyError
	return errors.As(err, &notReady)
}

// TimeoutError is returned when the condition never held. It unwraps to the
// last failure observed.
type TimeoutError struct {
	Last     error
	Attempts int
	Elapsed  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("condition not met after %d attempts in %s: %v",
		e.Attempts, e.Elapsed.Round(time.Millisecond), e.Last)
}

func (e *TimeoutError) Unwrap() error {
	return e.Last
}

// Options configures Until.
type Options struct {
	Timeout  time.Duration
	Interval time.Duration
	// RetryAll treats every error as not ready.
	RetryAll bool
	// Name labels the poll in logs and traces.
	Name   string
	Logger *log.Logger
}

// Until calls check until it succeeds, returning its value.
//
// A failure that is a *NotReadyError (any failure with RetryAll) is retried
// every Interval until Timeout elapses, after which a *TimeoutError wrapping
// the last failure is returned. Other failures and context cancellation are
// returned unchanged after the first occurrence.
func Until[T any](ctx context.Context, check func(context.Context) (T, error), opts Options) (T, error) {
	if check == nil {
		var zero T
		return zero, errors.New("poll check is nil")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	logger := logging.OrDiscard(opts.Logger)

	ctx, span := tracing.Start(ctx, "poll.until",
		attribute.String("name", opts.Name),
		attribute.String("timeout", timeout.String()),
		attribute.String("interval", interval.String()),
	)

	var (
		attempts  int
		permanent bool
	)
	operation := func() (T, error) {
		attempts++
		value, err := check(ctx)
		if err != nil && !opts.RetryAll && !IsNotReady(err) {
			permanent = true
			return value, backoff.Permanent(err)
		}
		return value, err
	}

	start := time.Now()
	value, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewConstantBackOff(interval)),
		backoff.WithMaxElapsedTime(timeout),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.With("poll", opts.Name, "attempt", attempts, "retry_in", next).Debug("condition not met", "err", err)
		}),
	)
	if err != nil && !permanent && ctx.Err() == nil {
		err = &TimeoutError{Last: err, Attempts: attempts, Elapsed: time.Since(start)}
		logger.With("poll", opts.Name, "attempts", attempts).Warn("poll timed out", "err", err)
	}

	span.SetAttributes(attribute.Int("attempts", attempts))
	tracing.End(span, err)
	return value, err
}
