package eventlog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// RetryPolicy bounds how long an adapter retries a transient upstream error
// before giving up with ErrUpstreamUnavailable.
type RetryPolicy struct {
	InitialInterval time.Duration `yaml:"initial_interval" env:"RETRY_INITIAL_INTERVAL"`
	MaxInterval     time.Duration `yaml:"max_interval" env:"RETRY_MAX_INTERVAL"`
	Budget          time.Duration `yaml:"budget" env:"RETRY_BUDGET"`
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		Budget:          time.Minute,
	}
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Retry runs fn until it succeeds, returns a Permanent error, ctx is done, or
// the policy's budget is spent. An exhausted budget is reported as
// ErrUpstreamUnavailable wrapping the last error.
func Retry[T any](ctx context.Context, p RetryPolicy, logger *zap.Logger, op string, fn func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}

	permanent := false
	wrapped := func() (T, error) {
		v, err := fn()
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			permanent = true
		}
		return v, err
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithNotify(func(err error, next time.Duration) {
			if logger != nil {
				logger.Warn("transient upstream error, retrying",
					zap.String("op", op), zap.Duration("retry_in", next), zap.Error(err))
			}
		}),
	}
	if p.Budget > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(p.Budget))
	}

	v, err := backoff.Retry(ctx, wrapped, opts...)
	if err == nil {
		return v, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return v, ctxErr
	}
	if permanent {
		return v, err
	}
	return v, fmt.Errorf("%w: %s: %w", ErrUpstreamUnavailable, op, err)
}
