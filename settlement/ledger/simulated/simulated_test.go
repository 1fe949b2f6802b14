//go:build unit

package simulated

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/LerianStudio/lib-settlement/settlement/ledger"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingServices struct {
	mu       sync.Mutex
	messages []any
	credits  []decimal.Decimal
	sendErr  error
}

func (s *recordingServices) SendMessage(_ context.Context, _ string, message any) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.messages = append(s.messages, message)

	return json.RawMessage(`{}`), s.sendErr
}

func (s *recordingServices) CreditSettlement(_ context.Context, _ string, amount decimal.Decimal, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.credits = append(s.credits, amount)
}

func (s *recordingServices) TrySettlement(context.Context, string) {}

func TestSettleRoundsDownToPrecision(t *testing.T) {
	t.Parallel()

	l := New(Config{Address: "rSelf", Precision: 3}, nil)
	l.SetPeer("alice", "rAlice")

	sent, err := l.Settle(context.Background(), "alice", decimal.RequireFromString("0.00234"))
	require.NoError(t, err)
	assert.Equal(t, "0.002", sent.String())

	_, err = l.Settle(context.Background(), "bob", decimal.NewFromInt(1))
	assert.ErrorIs(t, err, ErrNoPeerAddress)
}

func TestSettleBelowMinimumSendsNothing(t *testing.T) {
	t.Parallel()

	l := New(Config{Precision: 6, MinSettleAmount: decimal.RequireFromString("0.01")}, nil)
	l.SetPeer("alice", "rAlice")

	sent, err := l.Settle(context.Background(), "alice", decimal.RequireFromString("0.005"))
	require.NoError(t, err)
	assert.True(t, sent.IsZero())
}

func TestSetupSendsConfigAndHandleMessageRecordsPeer(t *testing.T) {
	t.Parallel()

	services := &recordingServices{}
	l := New(Config{Address: "rSelf", Precision: 6}, services)

	require.NoError(t, l.Setup(context.Background(), "alice"))
	require.NoError(t, l.Setup(context.Background(), "alice"))

	tag, ok := l.Tag("alice")
	require.True(t, ok)
	require.Len(t, services.messages, 2)

	sent, ok := services.messages[0].(peerMessage)
	require.True(t, ok)
	assert.Equal(t, MessageTypeConfig, sent.Type)
	assert.Equal(t, "rSelf", sent.Data.Address)
	assert.Equal(t, tag, sent.Data.Tag)

	reply, err := l.HandleMessage(context.Background(), "alice",
		json.RawMessage(`{"type":"config","data":{"address":"rAlice"}}`))
	require.NoError(t, err)

	peer, ok := l.Peer("alice")
	require.True(t, ok)
	assert.Equal(t, "rAlice", peer)

	encoded, err := json.Marshal(reply)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"config","data":{"address":"rSelf","tag":"`+tag+`"}}`, string(encoded))
}

func TestSetupPropagatesSendFailure(t *testing.T) {
	t.Parallel()

	l := New(Config{}, &recordingServices{sendErr: errors.New("connector down")})
	assert.Error(t, l.Setup(context.Background(), "alice"))
}

func TestHandleMessageRejectsUnknownAndMalformed(t *testing.T) {
	t.Parallel()

	l := New(Config{}, nil)

	_, err := l.HandleMessage(context.Background(), "alice", json.RawMessage(`{"type":"hello"}`))
	assert.ErrorIs(t, err, ErrUnknownMessage)

	_, err = l.HandleMessage(context.Background(), "alice", json.RawMessage(`{"type":"config","data":{}}`))
	assert.ErrorIs(t, err, ErrNoPeerAddress)

	_, err = l.HandleMessage(context.Background(), "alice", json.RawMessage(`not json`))
	assert.Error(t, err)
}

func TestCloseAccountForgetsPeerAndTag(t *testing.T) {
	t.Parallel()

	l := New(Config{}, nil)
	require.NoError(t, l.Setup(context.Background(), "alice"))
	l.SetPeer("alice", "rAlice")

	tag, _ := l.Tag("alice")
	require.NoError(t, l.CloseAccount(context.Background(), "alice"))

	_, ok := l.Peer("alice")
	assert.False(t, ok)

	_, found, err := l.AccountForTag(context.Background(), tag)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestTransactionLifecycle(t *testing.T) {
	t.Parallel()

	l := New(Config{Precision: 6, ValidityWindow: 2}, nil)
	l.SetPeer("alice", "rAlice")
	ctx := context.Background()

	tx, err := l.PrepareTransaction(ctx, "alice", decimal.RequireFromString("1.2345678"))
	require.NoError(t, err)
	assert.Equal(t, "1.234567", tx.Amount.String())
	assert.Equal(t, uint64(2), tx.MaxLedgerHeight)

	status, err := l.TransactionStatus(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusNotFound, status, "not submitted yet")

	require.NoError(t, l.SubmitTransaction(ctx, tx))

	status, err = l.TransactionStatus(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, status)

	l.Advance(ctx, 1)

	status, err = l.TransactionStatus(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusConfirmed, status)
}

func TestStalledTransactionOutlivesWindow(t *testing.T) {
	t.Parallel()

	var heights []uint64

	l := New(Config{ValidityWindow: 2, OnHeight: func(h uint64) { heights = append(heights, h) }}, nil)
	l.SetPeer("alice", "rAlice")
	ctx := context.Background()

	tx, err := l.PrepareTransaction(ctx, "alice", decimal.NewFromInt(5))
	require.NoError(t, err)
	require.NoError(t, l.SubmitTransaction(ctx, tx))

	l.Stall(true)
	l.Advance(ctx, 3)
	l.Stall(false)
	l.Advance(ctx, 1)

	status, err := l.TransactionStatus(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, status, "never included past its window")

	height, err := l.LedgerHeight(ctx)
	require.NoError(t, err)
	assert.Greater(t, height, tx.MaxLedgerHeight)
	assert.Equal(t, []uint64{3, 4}, heights)
}

func TestRejectNextFailsTransaction(t *testing.T) {
	t.Parallel()

	l := New(Config{}, nil)
	l.SetPeer("alice", "rAlice")
	ctx := context.Background()

	tx, err := l.PrepareTransaction(ctx, "alice", decimal.NewFromInt(1))
	require.NoError(t, err)
	require.NoError(t, l.SubmitTransaction(ctx, tx))

	l.RejectNext(1)
	l.Advance(ctx, 1)

	status, err := l.TransactionStatus(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFailed, status)
}

func TestScanIncomingRespectsCursorAndLimit(t *testing.T) {
	t.Parallel()

	l := New(Config{Address: "rSelf", ScanLimit: 2}, nil)
	ctx := context.Background()
	require.NoError(t, l.Setup(ctx, "alice"))
	tag, _ := l.Tag("alice")

	first := l.Deliver(ctx, tag, decimal.NewFromInt(1))
	second := l.Deliver(ctx, tag, decimal.NewFromInt(2))
	third := l.Deliver(ctx, tag, decimal.NewFromInt(3))

	batch, err := l.ScanIncoming(ctx, 0)
	require.NoError(t, err)
	require.Len(t, batch.Transactions, 2)
	assert.Equal(t, first.ID, batch.Transactions[0].ID)
	assert.Equal(t, second.Position, batch.Cursor)

	batch, err = l.ScanIncoming(ctx, batch.Cursor)
	require.NoError(t, err)
	require.Len(t, batch.Transactions, 1)
	assert.Equal(t, third.ID, batch.Transactions[0].ID)
	assert.True(t, ledger.Accept(batch.Transactions[0], l.Address(), second.Position))

	accountID, ok, err := l.AccountForTag(ctx, tag)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "alice", accountID)
}

func TestPushIncomingCreditsImmediately(t *testing.T) {
	t.Parallel()

	services := &recordingServices{}
	l := New(Config{PushIncoming: true}, services)
	ctx := context.Background()
	require.NoError(t, l.Setup(ctx, "alice"))
	tag, _ := l.Tag("alice")

	l.Deliver(ctx, tag, decimal.RequireFromString("0.1"))
	l.Deliver(ctx, "unknown-tag", decimal.NewFromInt(1))

	require.Len(t, services.credits, 1)
	assert.Equal(t, "0.1", services.credits[0].String())
}

func TestDisconnectFailsLaterCalls(t *testing.T) {
	t.Parallel()

	l := New(Config{}, nil)
	l.SetPeer("alice", "rAlice")
	require.NoError(t, l.Disconnect(context.Background()))

	_, err := l.Settle(context.Background(), "alice", decimal.NewFromInt(1))
	assert.ErrorIs(t, err, ErrDisconnected)

	_, err = l.ScanIncoming(context.Background(), 0)
	assert.ErrorIs(t, err, ErrDisconnected)
}

func TestConnectBuildsLedger(t *testing.T) {
	t.Parallel()

	var built *Ledger

	settler, err := Connect(Config{Address: "rSelf"}, func(l *Ledger) { built = l })(context.Background(), &recordingServices{})
	require.NoError(t, err)
	assert.Same(t, built, settler)
	assert.Equal(t, "rSelf", built.Address())
}
