//go:build unit

package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/LerianStudio/lib-settlement/settlement/backoff"
	"github.com/LerianStudio/lib-settlement/settlement/ledger"
	"github.com/LerianStudio/lib-settlement/settlement/ledger/simulated"
	"github.com/LerianStudio/lib-settlement/settlement/log"
	"github.com/LerianStudio/lib-settlement/settlement/quantity"
	"github.com/LerianStudio/lib-settlement/settlement/redis"
	"github.com/alicebob/miniredis/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

const peerAddress = "rPeer"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

type notification struct {
	accountID      string
	idempotencyKey string
	quantity       quantity.Quantity
}

type fakeConnector struct {
	mu            sync.Mutex
	notifications []notification
	messages      []any
	// respond answers a notification; nil credits the full quantity.
	respond func(attempt int, q quantity.Quantity) (quantity.Quantity, error)
}

func (c *fakeConnector) SendMessage(_ context.Context, _ string, message any) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.messages = append(c.messages, message)

	return json.RawMessage(`{}`), nil
}

func (c *fakeConnector) NotifySettlement(_ context.Context, accountID, idempotencyKey string, q quantity.Quantity) (quantity.Quantity, error) {
	c.mu.Lock()
	c.notifications = append(c.notifications, notification{accountID: accountID, idempotencyKey: idempotencyKey, quantity: q})
	attempt := len(c.notifications)
	respond := c.respond
	c.mu.Unlock()

	if respond == nil {
		return q, nil
	}

	return respond(attempt, q)
}

func (c *fakeConnector) Notifications() []notification {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]notification(nil), c.notifications...)
}

func (c *fakeConnector) Messages() []any {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]any(nil), c.messages...)
}

// simpleAdapter exposes only immediate settlement, account setup and
// messaging of the simulated ledger.
type simpleAdapter struct {
	l *simulated.Ledger
}

func (a *simpleAdapter) Settle(ctx context.Context, accountID string, amount decimal.Decimal) (decimal.Decimal, error) {
	return a.l.Settle(ctx, accountID, amount)
}

func (a *simpleAdapter) Setup(ctx context.Context, accountID string) error {
	return a.l.Setup(ctx, accountID)
}

func (a *simpleAdapter) HandleMessage(ctx context.Context, accountID string, message json.RawMessage) (any, error) {
	return a.l.HandleMessage(ctx, accountID, message)
}

type harness struct {
	engine    *Engine
	store     *redis.Store
	client    *redis.Client
	ledger    *simulated.Ledger
	connector *fakeConnector
	clock     *fakeClock
	reader    *sdkmetric.ManualReader
	mr        *miniredis.Miniredis
}

type harnessOptions struct {
	ledger  simulated.Config
	simple  bool
	locks   bool
	config  func(*Config)
	connect func(l *simulated.Ledger) ledger.Settler
}

func testPolicy() backoff.Policy {
	return backoff.Policy{
		MaxAttempts: 4,
		Sleep:       func(context.Context, time.Duration) error { return nil },
	}
}

func newHarness(t *testing.T, hopts harnessOptions) *harness {
	t.Helper()

	h := &harness{
		connector: &fakeConnector{},
		clock:     &fakeClock{now: time.UnixMilli(1_700_000_000_000)},
		reader:    sdkmetric.NewManualReader(),
		mr:        miniredis.RunT(t),
	}

	client, err := redis.New(context.Background(), redis.Config{
		Topology: redis.Topology{Standalone: &redis.StandaloneTopology{Address: h.mr.Addr()}},
		Logger:   log.NewNop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	h.client = client

	h.store, err = redis.NewStore(client, redis.WithClock(h.clock.Now))
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.NotifyPolicy = testPolicy()
	cfg.MeterProvider = sdkmetric.NewMeterProvider(sdkmetric.WithReader(h.reader))

	if hopts.config != nil {
		hopts.config(&cfg)
	}

	if hopts.ledger.Address == "" {
		hopts.ledger.Address = "rSelf"
	}

	if hopts.ledger.Precision == 0 {
		hopts.ledger.Precision = 9
	}

	connect := func(_ context.Context, services ledger.Services) (ledger.Settler, error) {
		h.ledger = simulated.New(hopts.ledger, services)

		if hopts.connect != nil {
			return hopts.connect(h.ledger), nil
		}

		if hopts.simple {
			return &simpleAdapter{l: h.ledger}, nil
		}

		return h.ledger, nil
	}

	opts := []Option{WithConfig(cfg), WithClock(h.clock.Now)}

	if hopts.locks {
		locks, err := redis.NewRedisLockManager(client)
		require.NoError(t, err)

		opts = append(opts, WithLockManager(locks))
	}

	h.engine, err = New(context.Background(), h.store, h.connector, connect, opts...)
	require.NoError(t, err)

	t.Cleanup(func() { _ = h.engine.Shutdown(context.Background()) })

	return h
}

// openAccount creates the account and records its peer on the ledger.
func (h *harness) openAccount(t *testing.T, accountID string) {
	t.Helper()

	require.NoError(t, h.engine.CreateAccount(context.Background(), accountID))
	h.ledger.SetPeer(accountID, peerAddress)
}

// settleIdle waits until both settlement queues ran dry.
func (h *harness) settleIdle(t *testing.T) {
	t.Helper()

	require.Eventually(t, func() bool {
		return h.engine.outgoing.Active() == 0 && h.engine.incoming.Active() == 0
	}, 5*time.Second, 5*time.Millisecond)
}

func (h *harness) counter(t *testing.T, name string) int64 {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, h.reader.Collect(context.Background(), &rm))

	var total int64

	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}

			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)

			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}

	return total
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func assertDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()

	assert.True(t, dec(want).Equal(got), "want %s, got %s", want, got)
}

func TestNew_RequiresDependencies(t *testing.T) {
	connect := simulated.Connect(simulated.Config{}, nil)
	conn := &fakeConnector{}

	_, err := New(context.Background(), nil, conn, connect)
	assert.ErrorIs(t, err, ErrNilStore)

	h := newHarness(t, harnessOptions{})

	_, err = New(context.Background(), h.store, nil, connect)
	assert.ErrorIs(t, err, ErrNilConnector)

	_, err = New(context.Background(), h.store, conn, nil)
	assert.ErrorIs(t, err, ErrNilConnect)

	_, err = New(context.Background(), h.store, conn, func(context.Context, ledger.Services) (ledger.Settler, error) {
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrNilAdapter)
}

func TestNew_RejectsNegativeDurations(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	cfg := DefaultConfig()
	cfg.LeaseDuration = -time.Second

	_, err := New(context.Background(), h.store, &fakeConnector{}, simulated.Connect(simulated.Config{}, nil), WithConfig(cfg))
	assert.Error(t, err)
}

func TestNew_DiscoversCapabilities(t *testing.T) {
	full := newHarness(t, harnessOptions{})
	assert.NotNil(t, full.engine.txLedger)
	assert.NotNil(t, full.engine.scanner)

	simple := newHarness(t, harnessOptions{simple: true})
	assert.Nil(t, simple.engine.txLedger)
	assert.Nil(t, simple.engine.scanner)
}

func TestRecover_DrainsPersistedAmounts(t *testing.T) {
	h := newHarness(t, harnessOptions{simple: true})
	ctx := context.Background()

	h.openAccount(t, "alice")
	require.NoError(t, h.store.SaveAmountToSettle(ctx, "alice", dec("3")))
	require.NoError(t, h.store.SaveAmountToCredit(ctx, "alice", dec("0.5")))

	require.NoError(t, h.engine.Recover(ctx))
	h.settleIdle(t)

	queued, err := h.store.LoadAmountToSettle(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, queued.IsZero())

	notes := h.connector.Notifications()
	require.Len(t, notes, 1)
	assert.Equal(t, quantity.Quantity{Amount: "5", Scale: 1}, notes[0].quantity)
	assert.Equal(t, int64(1), h.counter(t, "settlement.outgoing.settled"))
}

func TestStartAndShutdown_FinalizesOnLedgerHeight(t *testing.T) {
	var e *Engine

	h := newHarness(t, harnessOptions{
		config: func(cfg *Config) { cfg.FinalizeInterval = time.Hour; cfg.ScanInterval = time.Hour },
		ledger: simulated.Config{OnHeight: func(height uint64) {
			if e != nil {
				e.NotifyLedgerHeight(height)
			}
		}},
	})
	e = h.engine
	ctx := context.Background()

	h.openAccount(t, "alice")
	require.NoError(t, h.engine.Start(ctx))
	assert.ErrorIs(t, h.engine.Start(ctx), ErrAlreadyStarted)

	_, err := h.engine.RequestSettlement(ctx, "alice", "K1", quantity.Quantity{Amount: "5", Scale: 0})
	require.NoError(t, err)
	h.settleIdle(t)

	h.ledger.Advance(ctx, 1)

	require.Eventually(t, func() bool {
		pending, err := h.store.PendingLeases(ctx)
		return err == nil && len(pending) == 0
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, h.engine.Shutdown(ctx))

	_, err = h.ledger.LedgerHeight(ctx)
	assert.ErrorIs(t, err, simulated.ErrDisconnected)
}

func TestShutdown_RejectsLaterWork(t *testing.T) {
	h := newHarness(t, harnessOptions{simple: true})
	ctx := context.Background()

	h.openAccount(t, "alice")
	require.NoError(t, h.engine.Shutdown(ctx))

	h.engine.TrySettlement(ctx, "alice")
	assert.Equal(t, 0, h.engine.outgoing.Active())
}
