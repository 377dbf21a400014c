// Package resilience combines a circuit breaker with exponential-backoff retries around calls to
// an unreliable dependency.
package resilience

import (
	"context"
	"errors"

	"github.com/abgdnv/inventory/pkg/config"
	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"
)

// Classifier decides how an error returned by an operation is treated.
type Classifier struct {
	// IsSuccessful reports whether err must not count as a failure for the breaker,
	// e.g. a business outcome such as "not found".
	IsSuccessful func(err error) bool
	// IsRetryable reports whether the operation may be attempted again after err.
	IsRetryable func(err error) bool
}

// Policy runs operations under a circuit breaker and retries transient failures.
type Policy struct {
	breaker  *gobreaker.CircuitBreaker[any]
	retry    config.RetryConfig
	classify Classifier
}

// New creates a Policy. A nil IsSuccessful treats only a nil error as success;
// a nil IsRetryable retries every failure.
func New(name string, cfg config.ResilienceConfig, classify Classifier) *Policy {
	if classify.IsSuccessful == nil {
		classify.IsSuccessful = func(err error) bool { return err == nil }
	}
	if classify.IsRetryable == nil {
		classify.IsRetryable = func(error) bool { return true }
	}
	return &Policy{
		breaker:  NewCircuitBreaker(name, cfg.CircuitBreaker, classify.IsSuccessful),
		retry:    cfg.Retry,
		classify: classify,
	}
}

// NewCircuitBreaker builds a breaker that trips on consecutive failures or on a high error rate.
func NewCircuitBreaker(name string, cfg config.CircuitBreakerConfig, isSuccessful func(err error) bool) *gobreaker.CircuitBreaker[any] {
	st := gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			total := counts.TotalSuccesses + counts.TotalFailures
			return counts.ConsecutiveFailures > cfg.ConsecutiveFailures ||
				(total > cfg.ConsecutiveFailures &&
					float64(counts.TotalFailures)/float64(total)*100 > float64(cfg.ErrorRatePercent))
		},
		IsSuccessful: func(err error) bool {
			return err == nil || isSuccessful(err)
		},
	}
	return gobreaker.NewCircuitBreaker[any](st)
}

// IsOpen reports whether err was produced by the breaker refusing the call.
func IsOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// State returns the current breaker state.
func (p *Policy) State() gobreaker.State {
	return p.breaker.State()
}

// Do runs op until it succeeds, returns a non-retryable error, the attempts are exhausted or ctx
// is done. attempt starts at 1. A refused call of an open breaker is never retried.
func (p *Policy) Do(ctx context.Context, op func(ctx context.Context, attempt uint) error) error {
	var attempt uint
	return backoff.Retry(func() error {
		attempt++
		_, err := p.breaker.Execute(func() (any, error) {
			return nil, op(ctx, attempt)
		})
		if err == nil {
			return nil
		}
		if IsOpen(err) || !p.classify.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, p.backOff(ctx))
}

func (p *Policy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.retry.InitialBackoff
	if p.retry.MaxBackoff > 0 {
		b.MaxInterval = p.retry.MaxBackoff
	}
	// bounded by attempts and ctx, not by wall time
	b.MaxElapsedTime = 0
	b.Reset()

	retries := uint64(0)
	if p.retry.MaxAttempts > 1 {
		retries = uint64(p.retry.MaxAttempts - 1)
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, retries), ctx)
}

