//go:build unit

package redis

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLockManager(t *testing.T) *RedisLockManager {
	t.Helper()

	client, _ := newTestClient(t)

	lm, err := NewRedisLockManager(client)
	require.NoError(t, err)

	return lm
}

func TestLock_TryLockIsExclusive(t *testing.T) {
	lm := newTestLockManager(t)
	ctx := context.Background()

	first, ok, err := lm.TryLock(ctx, "lock:test", PassLockOptions(time.Second))
	require.NoError(t, err)
	require.True(t, ok)

	second, ok, err := lm.TryLock(ctx, "lock:test", PassLockOptions(time.Second))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, second)

	require.NoError(t, first.Unlock(ctx))

	third, ok, err := lm.TryLock(ctx, "lock:test", PassLockOptions(time.Second))
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, third.Unlock(ctx))
}

func TestLock_ValidateOptions(t *testing.T) {
	tests := []struct {
		name string
		opts LockOptions
		err  error
	}{
		{"zero expiry", LockOptions{Tries: 1}, ErrLockExpiryInvalid},
		{"no tries", LockOptions{Expiry: time.Second}, ErrLockTriesInvalid},
		{"too many tries", LockOptions{Expiry: time.Second, Tries: maxLockTries + 1}, ErrLockTriesExceeded},
		{"negative delay", LockOptions{Expiry: time.Second, Tries: 1, RetryDelay: -time.Second}, ErrLockRetryDelayNegative},
		{"drift", LockOptions{Expiry: time.Second, Tries: 1, DriftFactor: 1}, ErrLockDriftFactorInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, validateLockOptions(tt.opts), tt.err)
		})
	}

	assert.NoError(t, validateLockOptions(PassLockOptions(time.Second)))
}

func TestLock_NilManagerAndHandle(t *testing.T) {
	var lm *RedisLockManager

	_, _, err := lm.TryLock(context.Background(), "k", PassLockOptions(time.Second))
	assert.ErrorIs(t, err, ErrNilLockManager)

	var h *lockHandle
	assert.ErrorIs(t, h.Unlock(context.Background()), ErrNilLockHandle)

	_, err = NewRedisLockManager(nil)
	assert.ErrorIs(t, err, ErrNilClient)
}

func TestSafeLockKeyForLogs(t *testing.T) {
	assert.Equal(t, `"lock:settlement"`, safeLockKeyForLogs("lock:settlement"))

	long := safeLockKeyForLogs(strings.Repeat("k", 300))
	assert.True(t, strings.HasSuffix(long, "...(truncated)"))
}
