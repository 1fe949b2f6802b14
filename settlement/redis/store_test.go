//go:build unit

package redis

import (
	"context"
	"fmt"
	"sync"
	"testing"

	constant "github.com/LerianStudio/lib-settlement/settlement/constants"
	"github.com/alicebob/miniredis/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, opts ...StoreOption) (*Store, *miniredis.Miniredis) {
	t.Helper()

	client, mr := newTestClient(t)

	s, err := NewStore(client, opts...)
	require.NoError(t, err)

	return s, mr
}

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()

	d, err := decimal.NewFromString(s)
	require.NoError(t, err)

	return d
}

func TestNewStore_RejectsClusterClient(t *testing.T) {
	client := &Client{cfg: Config{Topology: Topology{
		Cluster: &ClusterTopology{Addresses: []string{"127.0.0.1:7000"}},
	}}}

	s, err := NewStore(client)
	assert.ErrorIs(t, err, ErrClusterUnsupported)
	assert.Nil(t, s)

	s, err = NewStore(nil)
	assert.ErrorIs(t, err, ErrNilClient)
	assert.Nil(t, s)
}

func TestStore_CreateAccount(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateAccount(ctx, "alice"))
	assert.ErrorIs(t, s.CreateAccount(ctx, "alice"), constant.ErrAccountExists)

	exists, err := s.IsExistingAccount(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = s.IsExistingAccount(ctx, "bob")
	require.NoError(t, err)
	assert.False(t, exists)

	assert.ErrorIs(t, s.CreateAccount(ctx, "al:ice"), constant.ErrInvalidAccountID)
}

func TestStore_CreateAccountConcurrentDistinctIDs(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup

	for i := range 20 {
		wg.Add(1)

		go func() {
			defer wg.Done()
			assert.NoError(t, s.CreateAccount(ctx, fmt.Sprintf("acct-%02d", i)))
		}()
	}

	wg.Wait()

	accounts, err := s.ListAccounts(ctx)
	require.NoError(t, err)
	assert.Len(t, accounts, 20)
	assert.Equal(t, "acct-00", accounts[0])
}

func TestStore_QueueSettlementIsIdempotent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateAccount(ctx, "alice"))

	first, err := s.QueueSettlement(ctx, "alice", "K1", dec(t, "0.00234"))
	require.NoError(t, err)
	assert.True(t, first.Equal(dec(t, "0.00234")))

	again, err := s.QueueSettlement(ctx, "alice", "K1", dec(t, "0.00234"))
	require.NoError(t, err)
	assert.True(t, again.Equal(dec(t, "0.00234")))

	queued, err := s.LoadAmountToSettle(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "0.00234", queued.String(), "queued once, not twice")
}

func TestStore_QueueSettlementReturnsOriginalOnConflict(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	_, err := s.QueueSettlement(ctx, "alice", "K1", decimal.NewFromInt(5))
	require.NoError(t, err)

	original, err := s.QueueSettlement(ctx, "alice", "K1", decimal.NewFromInt(7))
	require.NoError(t, err)
	assert.True(t, original.Equal(decimal.NewFromInt(5)))

	assert.Equal(t, "5", mr.HGet("accounts:alice:settlement-requests:K1", "amount"))
	assert.NotEmpty(t, mr.HGet("accounts:alice:settlement-requests:K1", "last_request_timestamp"))

	queued, err := s.LoadAmountToSettle(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, queued.Equal(decimal.NewFromInt(5)))
}

func TestStore_QueueSettlementValidatesKeys(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.QueueSettlement(ctx, "alice", "", decimal.NewFromInt(1))
	assert.ErrorIs(t, err, constant.ErrInvalidIdempotencyKey)

	_, err = s.QueueSettlement(ctx, "alice", "a:b", decimal.NewFromInt(1))
	assert.ErrorIs(t, err, constant.ErrInvalidIdempotencyKey)

	_, err = s.QueueSettlement(ctx, "", "K1", decimal.NewFromInt(1))
	assert.ErrorIs(t, err, constant.ErrInvalidAccountID)
}

func TestStore_DrainAndSaveLeftovers(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.QueueSettlement(ctx, "alice", "K1", dec(t, "1.5"))
	require.NoError(t, err)
	_, err = s.QueueSettlement(ctx, "alice", "K2", dec(t, "2.25"))
	require.NoError(t, err)

	drained, err := s.LoadAmountToSettle(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "3.75", drained.String())

	empty, err := s.LoadAmountToSettle(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, empty.IsZero())

	require.NoError(t, s.SaveAmountToSettle(ctx, "alice", dec(t, "0.75")))
	require.NoError(t, s.SaveAmountToSettle(ctx, "alice", decimal.Zero))
	assert.ErrorIs(t, s.SaveAmountToSettle(ctx, "alice", dec(t, "-1")), ErrNegativeAmount)

	leftover, err := s.LoadAmountToSettle(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "0.75", leftover.String())
}

func TestStore_CreditAccumulator(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveAmountToCredit(ctx, "alice", dec(t, "0.09995")))
	require.NoError(t, s.SaveAmountToCredit(ctx, "alice", dec(t, "0.00005")))

	total, err := s.LoadAmountToCredit(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "0.1", total.String())

	total, err = s.LoadAmountToCredit(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, total.IsZero())
}

func TestStore_DeleteAccountRemovesEveryScopedKey(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"alice", "alice2"} {
		require.NoError(t, s.CreateAccount(ctx, id))
		_, err := s.QueueSettlement(ctx, id, "K1", decimal.NewFromInt(5))
		require.NoError(t, err)
		require.NoError(t, s.SaveAmountToCredit(ctx, id, decimal.NewFromInt(1)))
	}

	_, handle, err := s.PrepareSettlement(ctx, "alice", defaultTestLease)
	require.NoError(t, err)
	require.NotNil(t, handle)

	require.NoError(t, s.DeleteAccount(ctx, "alice"))

	exists, err := s.IsExistingAccount(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, exists)

	for _, key := range mr.Keys() {
		assert.NotContains(t, key, "accounts:alice:", "key %s survived delete", key)
	}

	pending, err := s.PendingLeases(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	exists, err = s.IsExistingAccount(ctx, "alice2")
	require.NoError(t, err)
	assert.True(t, exists)

	other, err := s.LoadAmountToSettle(ctx, "alice2")
	require.NoError(t, err)
	assert.True(t, other.Equal(decimal.NewFromInt(5)))

	require.NoError(t, s.DeleteAccount(ctx, "never-existed"))
}

func TestStore_KeyPrefix(t *testing.T) {
	s, mr := newTestStore(t, WithKeyPrefix("engine-a"))
	ctx := context.Background()

	require.NoError(t, s.CreateAccount(ctx, "alice"))

	ok, err := mr.SIsMember("engine-a:accounts", "alice")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, mr.Exists("accounts"))
}

func TestStore_Ping(t *testing.T) {
	s, mr := newTestStore(t)

	require.NoError(t, s.Ping(context.Background()))

	mr.SetError("server down")
	assert.Error(t, s.Ping(context.Background()))
	mr.SetError("")
}

func TestNewStoreRequiresClient(t *testing.T) {
	_, err := NewStore(nil)
	assert.ErrorIs(t, err, ErrNilClient)
}

func TestEscapeGlob(t *testing.T) {
	tests := map[string]string{
		"alice":   "alice",
		"a*b":     `a\*b`,
		"a?b":     `a\?b`,
		"[ab]":    `\[ab\]`,
		`back\sl`: `back\\sl`,
	}

	for in, want := range tests {
		assert.Equal(t, want, escapeGlob(in), in)
	}

	k := keyspace{prefix: "p*:"}
	assert.Equal(t, `p\*:accounts:a\?:*`, k.accountPattern("a?"))
}
