//go:build unit

package backoff

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("503 service unavailable")

var errFatal = errors.New("400 bad request")

func retryTransient() RetryClassifier {
	return RetryClassifierFunc(func(err error) bool {
		return errors.Is(err, errTransient)
	})
}

type recordingSleeper struct {
	delays []time.Duration
}

func (s *recordingSleeper) sleep(_ context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return nil
}

func testPolicy(r float64, sleeper *recordingSleeper) Policy {
	p := DefaultPolicy()
	p.Rand = func() float64 { return r }
	p.Sleep = sleeper.sleep

	return p
}

func TestPolicyDelayBounds(t *testing.T) {
	t.Parallel()

	p := DefaultPolicy()

	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{attempt: 1, expected: 100 * time.Millisecond},
		{attempt: 2, expected: 200 * time.Millisecond},
		{attempt: 5, expected: 1600 * time.Millisecond},
		{attempt: 13, expected: 409600 * time.Millisecond},
		{attempt: 14, expected: 600000 * time.Millisecond},
		{attempt: 16, expected: 600000 * time.Millisecond},
		{attempt: 40, expected: 600000 * time.Millisecond},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, p.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestPolicyJitteredDelay(t *testing.T) {
	t.Parallel()

	low := testPolicy(0, &recordingSleeper{})
	high := testPolicy(0.999, &recordingSleeper{})

	assert.Equal(t, 100*time.Millisecond, low.JitteredDelay(1), "floored at min delay")
	assert.Equal(t, 200*time.Millisecond, low.JitteredDelay(3))
	assert.Equal(t, 300*time.Millisecond, testPolicy(0.5, &recordingSleeper{}).JitteredDelay(3))
	assert.Less(t, high.JitteredDelay(3), 400*time.Millisecond)
	assert.Greater(t, high.JitteredDelay(3), 399*time.Millisecond)
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	t.Parallel()

	sleeper := &recordingSleeper{}
	calls := 0

	result, err := Retry(context.Background(), testPolicy(1, sleeper), retryTransient(), func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errTransient
		}

		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, sleeper.delays)
}

func TestRetryGivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	sleeper := &recordingSleeper{}
	calls := 0

	_, err := Retry(context.Background(), testPolicy(0.5, sleeper), retryTransient(), func(context.Context) (int, error) {
		calls++
		return 0, errTransient
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.ErrorIs(t, err, errTransient)
	assert.Contains(t, err.Error(), "retried maximum of 16 attempts")
	assert.Equal(t, 16, calls)
	assert.Len(t, sleeper.delays, 15)
}

func TestRetryNonRetryableFailsWithoutDelay(t *testing.T) {
	t.Parallel()

	sleeper := &recordingSleeper{}
	calls := 0

	_, err := Retry(context.Background(), testPolicy(0.5, sleeper), retryTransient(), func(context.Context) (int, error) {
		calls++
		return 0, errFatal
	})

	require.ErrorIs(t, err, errFatal)
	assert.NotErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, 1, calls)
	assert.Empty(t, sleeper.delays)
}

func TestRetryNilClassifierNeverRetries(t *testing.T) {
	t.Parallel()

	calls := 0

	_, err := Retry(context.Background(), DefaultPolicy(), nil, func(context.Context) (int, error) {
		calls++
		return 0, errTransient
	})

	require.ErrorIs(t, err, errTransient)
	assert.Equal(t, 1, calls)
}

func TestRetryReturnsLastResultWithError(t *testing.T) {
	t.Parallel()

	p := testPolicy(0.5, &recordingSleeper{})
	p.MaxAttempts = 2

	result, err := Retry(context.Background(), p, retryTransient(), func(context.Context) (string, error) {
		return "partial", errTransient
	})

	require.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, "partial", result)
}

func TestRetryStopsWhenContextCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := DefaultPolicy()
	calls := 0

	_, err := Retry(ctx, p, retryTransient(), func(context.Context) (int, error) {
		calls++
		return 0, errTransient
	})

	require.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 1, calls)
}
