// Package engine coordinates settlement between the connector, the store
// and a ledger adapter.
//
// Outgoing drains and incoming credits run on separate per-account serial
// queues. With a lease-capable adapter and store, outgoing funds are
// reserved before submission and resolved by a background finalize pass;
// with an incoming scanner, a background scan credits ledger payments.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	libSettlement "github.com/LerianStudio/lib-settlement/settlement"
	constant "github.com/LerianStudio/lib-settlement/settlement/constants"
	"github.com/LerianStudio/lib-settlement/settlement/errgroup"
	"github.com/LerianStudio/lib-settlement/settlement/ledger"
	"github.com/LerianStudio/lib-settlement/settlement/log"
	"github.com/LerianStudio/lib-settlement/settlement/quantity"
	"github.com/LerianStudio/lib-settlement/settlement/redis"
	"github.com/LerianStudio/lib-settlement/settlement/serial"
	"github.com/LerianStudio/lib-settlement/settlement/store"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrNilStore is returned by New without a store.
	ErrNilStore = errors.New("settlement store is required")
	// ErrNilConnector is returned by New without a connector client.
	ErrNilConnector = errors.New("connector client is required")
	// ErrNilConnect is returned by New without an adapter constructor.
	ErrNilConnect = errors.New("ledger adapter constructor is required")
	// ErrNilAdapter is returned when the adapter constructor built nothing.
	ErrNilAdapter = errors.New("ledger adapter constructor returned nil")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("engine already started")
)

// Connector is the subset of the connector client the engine calls.
type Connector interface {
	SendMessage(ctx context.Context, accountID string, message any) (json.RawMessage, error)
	NotifySettlement(ctx context.Context, accountID, idempotencyKey string, q quantity.Quantity) (quantity.Quantity, error)
}

// PassLocker grants one engine instance at a time a background pass.
type PassLocker interface {
	TryLock(ctx context.Context, lockKey string, opts redis.LockOptions) (redis.LockHandle, bool, error)
}

// Engine is the settlement engine.
type Engine struct {
	cfg       Config
	store     store.Store
	connector Connector
	locks     PassLocker
	logger    log.Logger
	tracer    trace.Tracer
	metrics   engineMetrics
	now       func() time.Time

	adapter  ledger.Settler
	leases   store.LeaseStore
	txLedger ledger.TransactionLedger
	scanner  ledger.IncomingScanner

	outgoing *serial.Queue
	incoming *serial.Queue

	wake chan struct{}

	runMu sync.Mutex
	group *errgroup.Group
}

var _ ledger.Services = (*Engine)(nil)

// New builds an engine and connects its ledger adapter. The adapter
// receives the engine as its ledger.Services.
func New(ctx context.Context, st store.Store, conn Connector, connect ledger.ConnectFunc, opts ...Option) (*Engine, error) {
	if st == nil {
		return nil, ErrNilStore
	}

	if conn == nil {
		return nil, ErrNilConnector
	}

	if connect == nil {
		return nil, ErrNilConnect
	}

	e := &Engine{
		cfg:       DefaultConfig(),
		store:     st,
		connector: conn,
		logger:    log.NewNop(),
		tracer:    otel.Tracer("settlement.engine"),
		now:       time.Now,
		wake:      make(chan struct{}, 1),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}

	e.cfg.normalize()

	if err := e.cfg.validate(); err != nil {
		return nil, err
	}

	metrics, err := newEngineMetrics(e.cfg.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("init engine metrics: %w", err)
	}

	e.metrics = metrics
	e.logger = e.logger.With(log.Component("settlement_engine"))
	e.outgoing = serial.New("outgoing", e.logger)
	e.incoming = serial.New("incoming", e.logger)

	adapter, err := connect(ctx, e)
	if err != nil {
		return nil, fmt.Errorf("connect ledger adapter: %w", err)
	}

	if adapter == nil {
		return nil, ErrNilAdapter
	}

	e.adapter = adapter
	e.discoverCapabilities(ctx)

	return e, nil
}

func (e *Engine) discoverCapabilities(ctx context.Context) {
	leases, leaseStore := e.store.(store.LeaseStore)

	txLedger, isTxLedger := e.adapter.(ledger.TransactionLedger)
	scanner, isScanner := e.adapter.(ledger.IncomingScanner)

	if (isTxLedger || isScanner) && !leaseStore {
		e.logger.Log(ctx, log.LevelWarn, "store has no lease support; falling back to simple settlement without ledger scans")

		return
	}

	e.leases = leases

	if isTxLedger {
		e.txLedger = txLedger
	}

	if isScanner {
		e.scanner = scanner
	}

	e.logger.Log(ctx, log.LevelInfo, "ledger adapter connected",
		log.Bool("leases", e.txLedger != nil), log.Bool("incoming_scan", e.scanner != nil))
}

// Adapter returns the connected ledger adapter.
func (e *Engine) Adapter() ledger.Settler {
	return e.adapter
}

// SendMessage relays message to the peer engine through the connector.
func (e *Engine) SendMessage(ctx context.Context, accountID string, message any) (json.RawMessage, error) {
	return e.connector.SendMessage(ctx, accountID, message)
}

// TrySettlement schedules a drain of the account's outgoing queue. A drain
// already waiting for the account absorbs this one.
func (e *Engine) TrySettlement(ctx context.Context, accountID string) {
	err := e.outgoing.EnqueueCoalesced(ctx, accountID, func(ctx context.Context) {
		e.settle(ctx, accountID)
	})
	if err != nil {
		e.logger.Log(ctx, log.LevelWarn, "settlement not scheduled", log.Account(accountID), log.Err(err))
	}
}

// CreditSettlement schedules a notification of funds received for the
// account. Credits for one account are processed in arrival order.
func (e *Engine) CreditSettlement(ctx context.Context, accountID string, amount decimal.Decimal, settlementID string) {
	err := e.incoming.Enqueue(ctx, accountID, func(ctx context.Context) {
		e.credit(ctx, accountID, amount, settlementID)
	})
	if err != nil {
		e.logger.Log(ctx, log.LevelWarn, "incoming settlement not scheduled; keeping it uncredited",
			log.Account(accountID), log.Amount("amount", amount), log.Err(err))
		e.keepUncredited(ctx, accountID, amount, decimal.Zero)
	}
}

// NotifyLedgerHeight wakes the finalize pass. Adapters call it when the
// ledger closes a new height.
func (e *Engine) NotifyLedgerHeight(height uint64) {
	select {
	case e.wake <- struct{}{}:
		e.logger.Log(context.Background(), log.LevelDebug, "ledger height advanced", log.Uint64("height", height))
	default:
	}
}

// Recover schedules a drain and a credit flush for every known account so
// amounts persisted before a restart move without new traffic.
func (e *Engine) Recover(ctx context.Context) error {
	accounts, err := e.store.ListAccounts(ctx)
	if err != nil {
		return fmt.Errorf("recover accounts: %w", err)
	}

	for _, accountID := range accounts {
		e.TrySettlement(ctx, accountID)
		e.CreditSettlement(ctx, accountID, decimal.Zero, "")
	}

	e.logger.Log(ctx, log.LevelInfo, "recovery scheduled", log.Int("accounts", len(accounts)))

	return nil
}

// Start launches the background passes the adapter supports.
func (e *Engine) Start(ctx context.Context) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	if e.group != nil {
		return ErrAlreadyStarted
	}

	group, _ := errgroup.WithContext(context.WithoutCancel(ctx), e.logger)
	e.group = group

	if e.txLedger != nil {
		group.Go("finalize", func(ctx context.Context) error {
			return e.loop(ctx, "finalize", e.cfg.FinalizeInterval, e.wake, e.finalizePass)
		})
	}

	if e.scanner != nil {
		group.Go("scan", func(ctx context.Context) error {
			return e.loop(ctx, "scan", e.cfg.ScanInterval, nil, e.scanPass)
		})
	}

	return nil
}

// loop runs pass on every tick or wake until ctx ends. A pass that started
// always completes.
func (e *Engine) loop(ctx context.Context, name string, interval time.Duration, wake <-chan struct{}, pass func(context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-wake:
		}

		passCtx, span := e.tracer.Start(context.WithoutCancel(ctx), "settlement.engine."+name+"_pass")

		if err := pass(passCtx); err != nil {
			e.logger.Log(passCtx, log.LevelWarn, name+" pass failed", log.Err(err))
		}

		span.End()
	}
}

// Shutdown stops the passes, waits for in-flight settlement chains and
// disconnects the adapter. Chains still running after ShutdownTimeout are
// interrupted; they persist what they hold before returning.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.runMu.Lock()
	group := e.group
	e.runMu.Unlock()

	var errs []error

	if group != nil {
		group.Stop()

		if err := group.Wait(); err != nil {
			errs = append(errs, err)
		}
	}

	waitCtx, cancel, err := libSettlement.WithTimeoutSafe(ctx, e.cfg.ShutdownTimeout)
	if err != nil {
		return errors.Join(append(errs, err)...)
	}
	defer cancel()

	if err := e.outgoing.Close(waitCtx); err != nil {
		errs = append(errs, fmt.Errorf("close outgoing queue: %w", err))
	}

	if err := e.incoming.Close(waitCtx); err != nil {
		errs = append(errs, fmt.Errorf("close incoming queue: %w", err))
	}

	if d, ok := e.adapter.(ledger.Disconnector); ok {
		if err := d.Disconnect(ctx); err != nil {
			errs = append(errs, fmt.Errorf("disconnect ledger adapter: %w", err))
		}
	}

	e.logger.Log(ctx, log.LevelInfo, "settlement engine stopped")

	return errors.Join(errs...)
}

// withPassLock runs pass when this instance wins the pass lock. A busy
// lock skips the pass.
func (e *Engine) withPassLock(ctx context.Context, key string, pass func(context.Context) error) error {
	if e.locks == nil {
		return pass(ctx)
	}

	handle, acquired, err := e.locks.TryLock(ctx, key, redis.PassLockOptions(e.cfg.PassLockExpiry))
	if err != nil {
		return fmt.Errorf("acquire %s: %w", key, err)
	}

	if !acquired {
		e.logger.Log(ctx, log.LevelDebug, "pass held by another instance", log.String("lock", key))

		return nil
	}

	defer func() {
		if err := handle.Unlock(ctx); err != nil {
			e.logger.Log(ctx, log.LevelWarn, "failed to release pass lock", log.String("lock", key), log.Err(err))
		}
	}()

	return pass(ctx)
}

func (e *Engine) integrityViolation(ctx context.Context, msg string, fields ...log.Field) {
	fields = append(fields, log.Bool("integrity", true), log.Err(constant.ErrIntegrity))
	e.logger.Log(ctx, log.LevelError, msg, fields...)
	count(ctx, e.metrics.integrityViolations)
}
