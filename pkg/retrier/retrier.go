// Package retrier provides exponential backoff with jitter for transient
// failures against external venues.
package retrier

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

const (
	defaultBaseDelay  = 1 * time.Second
	defaultMaxDelay   = 30 * time.Second
	defaultMultiplier = 2.0
	defaultMaxRetries = 5
	defaultJitter     = 0.1
)

// permanentError marks a failure that retrying cannot fix.
type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent wraps err so the retrier gives up immediately. Order validation
// rejections use this: resubmitting the same request cannot succeed.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Retrier retries an operation with exponential backoff and jitter.
type Retrier struct {
	baseDelay  time.Duration
	maxDelay   time.Duration
	multiplier float64
	maxRetries int
	jitter     float64
}

// Option configures a Retrier.
type Option func(*Retrier)

// WithInitialInterval sets the delay before the first retry.
func WithInitialInterval(d time.Duration) Option {
	return func(r *Retrier) {
		r.baseDelay = d
	}
}

// WithMaxInterval caps the backoff delay.
func WithMaxInterval(d time.Duration) Option {
	return func(r *Retrier) {
		r.maxDelay = d
	}
}

// WithMultiplier sets the backoff growth factor.
func WithMultiplier(m float64) Option {
	return func(r *Retrier) {
		r.multiplier = m
	}
}

// WithMaxRetries sets how many retries follow the initial attempt.
func WithMaxRetries(n int) Option {
	return func(r *Retrier) {
		r.maxRetries = n
	}
}

// WithJitter sets the jitter factor (0.0 to 1.0).
func WithJitter(j float64) Option {
	return func(r *Retrier) {
		r.jitter = j
	}
}

// New creates a Retrier with default values and optional overrides.
func New(opts ...Option) *Retrier {
	r := &Retrier{
		baseDelay:  defaultBaseDelay,
		maxDelay:   defaultMaxDelay,
		multiplier: defaultMultiplier,
		maxRetries: defaultMaxRetries,
		jitter:     defaultJitter,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Do runs fn until it succeeds, returns a permanent error, the retry budget
// runs out, or ctx ends.
func (r *Retrier) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	delay := r.baseDelay

	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if attempt > 0 {
			jitter := (rand.Float64()*2 - 1) * r.jitter * float64(delay)
			sleep := time.Duration(float64(delay) + jitter)
			if sleep < 0 {
				sleep = 0
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(sleep):
			}

			delay = time.Duration(float64(delay) * r.multiplier)
			if delay > r.maxDelay {
				delay = r.maxDelay
			}
		}

		err = fn(ctx)
		if err == nil {
			return nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
	}

	return err
}

// DoWithData runs fn with retries and returns its value.
func DoWithData[T any](r *Retrier, ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := r.Do(ctx, func(ctx context.Context) error {
		var e error
		result, e = fn(ctx)
		return e
	})
	return result, err
}
