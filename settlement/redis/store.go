package redis

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	constant "github.com/LerianStudio/lib-settlement/settlement/constants"
	"github.com/LerianStudio/lib-settlement/settlement/log"
	libOpentelemetry "github.com/LerianStudio/lib-settlement/settlement/opentelemetry"
	"github.com/LerianStudio/lib-settlement/settlement/safekey"
	"github.com/LerianStudio/lib-settlement/settlement/store"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ErrNegativeAmount is returned when a leftover to persist is negative.
var ErrNegativeAmount = errors.New("amount to save cannot be negative")

// ErrClusterUnsupported is returned by NewStore for a cluster client. The
// store's scripts and transactions span keys of different hash slots.
var ErrClusterUnsupported = errors.New("settlement store does not support redis cluster")

// maxWatchRetries bounds optimistic transaction retries on a contended lease.
const maxWatchRetries = 3

var (
	_ store.Store      = (*Store)(nil)
	_ store.LeaseStore = (*Store)(nil)
)

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithKeyPrefix namespaces every key written by the store.
func WithKeyPrefix(prefix string) StoreOption {
	return func(s *Store) {
		prefix = strings.TrimSpace(prefix)
		if prefix != "" && !strings.HasSuffix(prefix, constant.KeyDelimiter) {
			prefix += constant.KeyDelimiter
		}

		s.keys = keyspace{prefix: prefix}
	}
}

// WithStoreLogger sets the store logger.
func WithStoreLogger(logger log.Logger) StoreOption {
	return func(s *Store) {
		s.logger = log.OrNop(logger)
	}
}

// WithClock overrides the wall clock used for lease expiry and request
// timestamps.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Store is the Redis implementation of store.LeaseStore.
type Store struct {
	conn   *Client
	keys   keyspace
	logger log.Logger
	tracer trace.Tracer
	now    func() time.Time

	// beforeFinalizeExec runs between the reads and the MULTI of
	// FinalizeLease. Tests use it to race the watched keys.
	beforeFinalizeExec func(ctx context.Context, leaseKey string)
}

// NewStore builds a Store over an already connected standalone or sentinel
// client.
func NewStore(conn *Client, opts ...StoreOption) (*Store, error) {
	if conn == nil {
		return nil, ErrNilClient
	}

	if conn.cfg.Topology.Cluster != nil {
		return nil, ErrClusterUnsupported
	}

	s := &Store{
		conn:   conn,
		logger: &log.NopLogger{},
		tracer: otel.Tracer(tracerName),
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	s.logger = s.logger.With(log.Component("settlement_store"))

	return s, nil
}

//nolint:ireturn
func (s *Store) start(ctx context.Context, operation string, accountID string) (context.Context, trace.Span, redis.UniversalClient, error) {
	ctx, span := s.tracer.Start(ctx, "redis."+operation)
	span.SetAttributes(attribute.String(constant.AttrDBSystem, constant.DBSystemRedis))

	if accountID != "" {
		span.SetAttributes(attribute.String(constant.AttrAccountID, accountID))
	}

	rdb, err := s.conn.GetClient(ctx)
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "Failed to get redis client", err)
		span.End()

		return ctx, span, nil, fmt.Errorf("%s: %w", operation, err)
	}

	return ctx, span, rdb, nil
}

func fail(span trace.Span, operation string, err error) error {
	libOpentelemetry.HandleSpanError(span, "Failed to "+strings.ReplaceAll(operation, "_", " "), err)

	return fmt.Errorf("%s: %w", operation, err)
}

// CreateAccount adds accountID to the membership set.
func (s *Store) CreateAccount(ctx context.Context, accountID string) error {
	if err := safekey.ValidateAccountID(accountID); err != nil {
		return err
	}

	ctx, span, rdb, err := s.start(ctx, "create_account", accountID)
	if err != nil {
		return err
	}
	defer span.End()

	added, err := rdb.SAdd(ctx, s.keys.accounts(), accountID).Result()
	if err != nil {
		return fail(span, "create_account", err)
	}

	if added == 0 {
		return constant.ErrAccountExists
	}

	return nil
}

// IsExistingAccount reports membership of accountID.
func (s *Store) IsExistingAccount(ctx context.Context, accountID string) (bool, error) {
	ctx, span, rdb, err := s.start(ctx, "is_existing_account", accountID)
	if err != nil {
		return false, err
	}
	defer span.End()

	exists, err := rdb.SIsMember(ctx, s.keys.accounts(), accountID).Result()
	if err != nil {
		return false, fail(span, "is_existing_account", err)
	}

	return exists, nil
}

// DeleteAccount removes membership and every key scoped to the account,
// including its entries in the pending lease index, in one script.
func (s *Store) DeleteAccount(ctx context.Context, accountID string) error {
	if err := safekey.ValidateAccountID(accountID); err != nil {
		return err
	}

	ctx, span, rdb, err := s.start(ctx, "delete_account", accountID)
	if err != nil {
		return err
	}
	defer span.End()

	removed, err := deleteAccountScript.Run(ctx, rdb,
		[]string{s.keys.accounts(), s.keys.pendingLeases()},
		accountID, s.keys.accountPattern(accountID),
	).Int()
	if err != nil {
		return fail(span, "delete_account", err)
	}

	s.logger.Log(ctx, log.LevelDebug, "account deleted", log.Account(accountID), log.Int("keys_removed", removed))

	return nil
}

// ListAccounts returns every member account, sorted.
func (s *Store) ListAccounts(ctx context.Context) ([]string, error) {
	ctx, span, rdb, err := s.start(ctx, "list_accounts", "")
	if err != nil {
		return nil, err
	}
	defer span.End()

	accounts, err := rdb.SMembers(ctx, s.keys.accounts()).Result()
	if err != nil {
		return nil, fail(span, "list_accounts", err)
	}

	slices.Sort(accounts)

	return accounts, nil
}

// QueueSettlement records amount for the idempotency key on first use and
// queues it. The first recorded amount is always returned.
func (s *Store) QueueSettlement(ctx context.Context, accountID, idempotencyKey string, amount decimal.Decimal) (decimal.Decimal, error) {
	if err := safekey.ValidateAccountID(accountID); err != nil {
		return decimal.Zero, err
	}

	if err := safekey.ValidateIdempotencyKey(idempotencyKey); err != nil {
		return decimal.Zero, err
	}

	ctx, span, rdb, err := s.start(ctx, "queue_settlement", accountID)
	if err != nil {
		return decimal.Zero, err
	}
	defer span.End()

	recorded, err := queueSettlementScript.Run(ctx, rdb,
		[]string{s.keys.settlementRequest(accountID, idempotencyKey), s.keys.queuedSettlements(accountID)},
		amount.String(), s.now().UnixMilli(),
	).Text()
	if err != nil {
		return decimal.Zero, fail(span, "queue_settlement", err)
	}

	original, err := decimal.NewFromString(recorded)
	if err != nil {
		return decimal.Zero, fail(span, "queue_settlement", err)
	}

	return original, nil
}

// LoadAmountToSettle drains the queued-outgoing accumulator.
func (s *Store) LoadAmountToSettle(ctx context.Context, accountID string) (decimal.Decimal, error) {
	return s.drain(ctx, "load_amount_to_settle", accountID, s.keys.queuedSettlements(accountID))
}

// SaveAmountToSettle pushes an unsent leftover back onto the queue.
func (s *Store) SaveAmountToSettle(ctx context.Context, accountID string, amount decimal.Decimal) error {
	return s.push(ctx, "save_amount_to_settle", accountID, s.keys.queuedSettlements(accountID), amount)
}

// LoadAmountToCredit drains the uncredited-incoming accumulator.
func (s *Store) LoadAmountToCredit(ctx context.Context, accountID string) (decimal.Decimal, error) {
	return s.drain(ctx, "load_amount_to_credit", accountID, s.keys.uncreditedSettlements(accountID))
}

// SaveAmountToCredit pushes an uncredited leftover back onto its accumulator.
func (s *Store) SaveAmountToCredit(ctx context.Context, accountID string, amount decimal.Decimal) error {
	return s.push(ctx, "save_amount_to_credit", accountID, s.keys.uncreditedSettlements(accountID), amount)
}

func (s *Store) drain(ctx context.Context, operation, accountID, key string) (decimal.Decimal, error) {
	ctx, span, rdb, err := s.start(ctx, operation, accountID)
	if err != nil {
		return decimal.Zero, err
	}
	defer span.End()

	var values *redis.StringSliceCmd

	if _, err := rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		values = pipe.LRange(ctx, key, 0, -1)
		pipe.Del(ctx, key)

		return nil
	}); err != nil {
		return decimal.Zero, fail(span, operation, err)
	}

	total, err := store.SumAmounts(values.Val())
	if err != nil {
		return decimal.Zero, fail(span, operation, err)
	}

	return total, nil
}

func (s *Store) push(ctx context.Context, operation, accountID, key string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("%s: %w", operation, ErrNegativeAmount)
	}

	if amount.IsZero() {
		return nil
	}

	ctx, span, rdb, err := s.start(ctx, operation, accountID)
	if err != nil {
		return err
	}
	defer span.End()

	if err := rdb.LPush(ctx, key, amount.String()).Err(); err != nil {
		return fail(span, operation, err)
	}

	return nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	ctx, span, rdb, err := s.start(ctx, "ping", "")
	if err != nil {
		return err
	}
	defer span.End()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return fail(span, "ping", err)
	}

	return nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.conn.Close()
}
