//go:build integration

package redis

import (
	"context"
	"testing"
	"time"

	"github.com/LerianStudio/lib-settlement/settlement/log"
	"github.com/LerianStudio/lib-settlement/settlement/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupRedisContainer(t *testing.T) string {
	t.Helper()

	ctx := context.Background()

	container, err := tcredis.Run(ctx,
		"redis:7-alpine",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Ready to accept connections").
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, container.Terminate(ctx))
	})

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	return endpoint
}

func TestIntegration_StoreAgainstRedis7(t *testing.T) {
	addr := setupRedisContainer(t)
	ctx := context.Background()

	client, err := New(ctx, Config{
		Topology: Topology{Standalone: &StandaloneTopology{Address: addr}},
		Logger:   &log.NopLogger{},
	})
	require.NoError(t, err)

	s, err := NewStore(client, WithKeyPrefix("it"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.CreateAccount(ctx, "a*"))
	require.NoError(t, s.CreateAccount(ctx, "ab"))

	for _, id := range []string{"a*", "ab"} {
		_, err := s.QueueSettlement(ctx, id, "K1", decimal.NewFromInt(5))
		require.NoError(t, err)
	}

	// "a*" must not glob-match keys of "ab"
	require.NoError(t, s.DeleteAccount(ctx, "a*"))

	remaining, err := s.LoadAmountToSettle(ctx, "ab")
	require.NoError(t, err)
	assert.True(t, remaining.Equal(decimal.NewFromInt(5)))
	require.NoError(t, s.SaveAmountToSettle(ctx, "ab", remaining))

	amount, handle, err := s.PrepareSettlement(ctx, "ab", time.Minute)
	require.NoError(t, err)
	require.NoError(t, handle.Commit(ctx, store.LeaseCommit{TxID: "tx", Amount: amount}))

	resolved, err := s.FinalizeLease(ctx, handle.Key(), "tx", store.LeaseRefunded)
	require.NoError(t, err)
	assert.True(t, resolved)

	resolved, err = s.FinalizeLease(ctx, handle.Key(), "tx", store.LeaseRefunded)
	require.NoError(t, err)
	assert.False(t, resolved)

	require.NoError(t, s.CreditIncoming(ctx, 0, 7, []store.Credit{{AccountID: "ab", Amount: decimal.NewFromInt(1)}}))

	cursor, err := s.LoadCursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), cursor)
}
