package backoff

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrRetriesExhausted is returned once every attempt of a retryable
// operation has failed. The last cause stays reachable through errors.Is/As.
var ErrRetriesExhausted = errors.New("retries exhausted")

// Default retry bounds for connector notifications.
const (
	DefaultMinDelay    = 100 * time.Millisecond
	DefaultMaxDelay    = 10 * time.Minute
	DefaultMaxAttempts = 16
)

// RetryClassifier decides whether an error warrants another attempt.
type RetryClassifier interface {
	IsRetryable(err error) bool
}

// RetryClassifierFunc adapts a function to RetryClassifier.
type RetryClassifierFunc func(err error) bool

// IsRetryable implements RetryClassifier.
func (f RetryClassifierFunc) IsRetryable(err error) bool {
	if f == nil {
		return false
	}

	return f(err)
}

// Policy bounds a retry loop. Rand and Sleep are injectable so tests run
// deterministically and without real delays.
type Policy struct {
	MinDelay    time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	Rand        func() float64
	Sleep       func(ctx context.Context, d time.Duration) error
}

// DefaultPolicy returns 16 attempts between 100ms and 10 minutes.
func DefaultPolicy() Policy {
	return Policy{
		MinDelay:    DefaultMinDelay,
		MaxDelay:    DefaultMaxDelay,
		MaxAttempts: DefaultMaxAttempts,
		Rand:        UniformRand,
		Sleep:       SleepWithContext,
	}
}

func (p Policy) normalize() Policy {
	if p.MinDelay <= 0 {
		p.MinDelay = DefaultMinDelay
	}

	if p.MaxDelay < p.MinDelay {
		p.MaxDelay = p.MinDelay
	}

	if p.MaxAttempts < 1 {
		p.MaxAttempts = DefaultMaxAttempts
	}

	if p.Rand == nil {
		p.Rand = UniformRand
	}

	if p.Sleep == nil {
		p.Sleep = SleepWithContext
	}

	return p
}

// Delay returns the pre-jitter delay that follows the given 1-based attempt:
// min(MinDelay * 2^(attempt-1), MaxDelay).
func (p Policy) Delay(attempt int) time.Duration {
	p = p.normalize()

	delay := Exponential(p.MinDelay, attempt-1)
	if delay > p.MaxDelay {
		return p.MaxDelay
	}

	return delay
}

// JitteredDelay scales Delay(attempt) by 0.5*(1+Rand()), a factor in
// [0.5, 1), and never goes below MinDelay.
func (p Policy) JitteredDelay(attempt int) time.Duration {
	p = p.normalize()

	jittered := time.Duration(float64(p.Delay(attempt)) * 0.5 * (1 + p.Rand()))
	if jittered < p.MinDelay {
		return p.MinDelay
	}

	return jittered
}

// Retry runs op until it succeeds, fails with an error the classifier does
// not consider retryable, or MaxAttempts is reached. The returned value is
// the one produced with the final error, so callers can inspect partial
// results of a failed call.
func Retry[T any](ctx context.Context, policy Policy, classifier RetryClassifier, op func(context.Context) (T, error)) (T, error) {
	policy = policy.normalize()

	var (
		result T
		err    error
	)

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		result, err = op(ctx)
		if err == nil {
			return result, nil
		}

		if classifier == nil || !classifier.IsRetryable(err) {
			return result, err
		}

		if attempt == policy.MaxAttempts {
			break
		}

		if sleepErr := policy.Sleep(ctx, policy.JitteredDelay(attempt)); sleepErr != nil {
			return result, fmt.Errorf("retry interrupted after %d attempts: %w", attempt, errors.Join(sleepErr, err))
		}
	}

	return result, fmt.Errorf("%w: retried maximum of %d attempts: %w", ErrRetriesExhausted, policy.MaxAttempts, err)
}
