package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	constant "github.com/LerianStudio/lib-settlement/settlement/constants"
	"github.com/LerianStudio/lib-settlement/settlement/log"
	"github.com/LerianStudio/lib-settlement/settlement/safekey"
	"github.com/LerianStudio/lib-settlement/settlement/store"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
)

const (
	leaseFieldAccount   = "account"
	leaseFieldExpiresAt = "expires_at"
	leaseFieldTxID      = "tx_id"
	leaseFieldAmount    = "amount"
	leaseFieldMaxHeight = "max_ledger_height"
)

// PrepareSettlement moves every queued amount of the account into a new lease
// expiring after leaseDuration.
//
//nolint:ireturn
func (s *Store) PrepareSettlement(ctx context.Context, accountID string, leaseDuration time.Duration) (decimal.Decimal, store.LeaseHandle, error) {
	if err := safekey.ValidateAccountID(accountID); err != nil {
		return decimal.Zero, nil, err
	}

	ctx, span, rdb, err := s.start(ctx, "prepare_settlement", accountID)
	if err != nil {
		return decimal.Zero, nil, err
	}
	defer span.End()

	leaseKey := s.keys.lease(accountID, uuid.NewString())
	expiresAt := s.now().Add(leaseDuration).UnixMilli()

	amounts, err := prepareSettlementScript.Run(ctx, rdb,
		[]string{s.keys.queuedSettlements(accountID), leaseKey, leaseAmounts(leaseKey), s.keys.pendingLeases()},
		accountID, expiresAt,
	).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return decimal.Zero, nil, fail(span, "prepare_settlement", err)
	}

	if len(amounts) == 0 {
		return decimal.Zero, nil, nil
	}

	total, err := store.SumAmounts(amounts)
	if err != nil {
		return decimal.Zero, nil, fail(span, "prepare_settlement", err)
	}

	span.SetAttributes(attribute.String(constant.AttrLeaseKey, leaseKey))

	return total, &leaseHandle{store: s, key: leaseKey, accountID: accountID, amount: total}, nil
}

type leaseHandle struct {
	store     *Store
	key       string
	accountID string
	amount    decimal.Decimal
	txID      string
}

func (h *leaseHandle) Key() string {
	return h.key
}

// Commit attaches the transaction to the lease. Any part of the lease the
// transaction does not carry goes back to the queue in the same script. An
// expired lease is never committed: the finalize pass may already have
// decided to refund it.
func (h *leaseHandle) Commit(ctx context.Context, commit store.LeaseCommit) error {
	if commit.TxID == "" {
		return errors.New("commit lease: transaction id is required")
	}

	if !commit.Amount.IsPositive() {
		return errors.New("commit lease: transaction amount must be positive")
	}

	leftover := h.amount.Sub(commit.Amount)
	if leftover.IsNegative() {
		return fmt.Errorf("commit lease: %w: transaction amount %s exceeds lease %s",
			constant.ErrIntegrity, commit.Amount, h.amount)
	}

	ctx, span, rdb, err := h.store.start(ctx, "commit_lease", h.accountID)
	if err != nil {
		return err
	}
	defer span.End()

	span.SetAttributes(
		attribute.String(constant.AttrLeaseKey, h.key),
		attribute.String(constant.AttrTxID, commit.TxID),
	)

	found, err := commitLeaseScript.Run(ctx, rdb,
		[]string{h.key, leaseAmounts(h.key), h.store.keys.queuedSettlements(h.accountID)},
		commit.TxID, commit.Amount.String(), strconv.FormatUint(commit.MaxLedgerHeight, 10), leftover.String(),
		h.store.now().UnixMilli(),
	).Int()
	if err != nil {
		return fail(span, "commit_lease", err)
	}

	switch found {
	case 0:
		return fmt.Errorf("commit lease %s: %w", h.key, constant.ErrLeaseNotFound)
	case -1:
		return fmt.Errorf("commit lease %s: %w: lease expired", h.key, constant.ErrLeaseNotFound)
	}

	h.amount = commit.Amount
	h.txID = commit.TxID

	return nil
}

// Release refunds the whole lease; nothing was submitted for it.
func (h *leaseHandle) Release(ctx context.Context) error {
	_, err := h.store.FinalizeLease(ctx, h.key, h.txID, store.LeaseRefunded)

	return err
}

// PendingLeases lists every unresolved lease ordered by expiry.
func (s *Store) PendingLeases(ctx context.Context) ([]store.Lease, error) {
	ctx, span, rdb, err := s.start(ctx, "pending_leases", "")
	if err != nil {
		return nil, err
	}
	defer span.End()

	keys, err := rdb.ZRange(ctx, s.keys.pendingLeases(), 0, -1).Result()
	if err != nil {
		return nil, fail(span, "pending_leases", err)
	}

	if len(keys) == 0 {
		return nil, nil
	}

	hashes := make([]*redis.MapStringStringCmd, len(keys))
	amounts := make([]*redis.StringSliceCmd, len(keys))

	if _, err := rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, key := range keys {
			hashes[i] = pipe.HGetAll(ctx, key)
			amounts[i] = pipe.LRange(ctx, leaseAmounts(key), 0, -1)
		}

		return nil
	}); err != nil {
		return nil, fail(span, "pending_leases", err)
	}

	leases := make([]store.Lease, 0, len(keys))

	for i, key := range keys {
		fields := hashes[i].Val()
		if len(fields) == 0 {
			// resolved between ZRANGE and HGETALL
			continue
		}

		lease, err := decodeLease(key, fields, amounts[i].Val())
		if err != nil {
			s.logger.Log(ctx, log.LevelError, "skipping unreadable lease",
				log.String("lease_key", key), log.Err(err))

			continue
		}

		leases = append(leases, lease)
	}

	return leases, nil
}

func decodeLease(key string, fields map[string]string, amounts []string) (store.Lease, error) {
	expiresMs, err := strconv.ParseInt(fields[leaseFieldExpiresAt], 10, 64)
	if err != nil {
		return store.Lease{}, fmt.Errorf("parse expires_at: %w", err)
	}

	total, err := store.SumAmounts(amounts)
	if err != nil {
		return store.Lease{}, err
	}

	lease := store.Lease{
		Key:       key,
		AccountID: fields[leaseFieldAccount],
		Amount:    total,
		ExpiresAt: time.UnixMilli(expiresMs),
		TxID:      fields[leaseFieldTxID],
	}

	if raw := fields[leaseFieldMaxHeight]; raw != "" {
		lease.MaxLedgerHeight, err = strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return store.Lease{}, fmt.Errorf("parse max_ledger_height: %w", err)
		}
	}

	return lease, nil
}

// FinalizeLease resolves the lease under WATCH. On refund the lease amount is
// returned to the queue in the same MULTI that deletes the lease. It reports
// false when the lease was already resolved, or when its transaction id no
// longer matches observedTxID ("" for none) because a commit landed after
// the caller read the lease.
func (s *Store) FinalizeLease(ctx context.Context, leaseKey, observedTxID string, outcome store.LeaseOutcome) (bool, error) {
	ctx, span, rdb, err := s.start(ctx, "finalize_lease", "")
	if err != nil {
		return false, err
	}
	defer span.End()

	span.SetAttributes(
		attribute.String(constant.AttrLeaseKey, leaseKey),
		attribute.String(constant.AttrOutcome, outcome.String()),
	)

	amountsKey := leaseAmounts(leaseKey)

	for range maxWatchRetries {
		var resolved bool

		err := rdb.Watch(ctx, func(tx *redis.Tx) error {
			fields, err := tx.HGetAll(ctx, leaseKey).Result()
			if err != nil {
				return err
			}

			if len(fields) == 0 {
				return tx.ZRem(ctx, s.keys.pendingLeases(), leaseKey).Err()
			}

			if fields[leaseFieldTxID] != observedTxID {
				s.logger.Log(ctx, log.LevelDebug, "lease changed since it was read; left for the next pass",
					log.String("lease_key", leaseKey))

				return nil
			}

			accountID := fields[leaseFieldAccount]

			values, err := tx.LRange(ctx, amountsKey, 0, -1).Result()
			if err != nil {
				return err
			}

			amount, err := store.SumAmounts(values)
			if err != nil {
				return err
			}

			if outcome == store.LeaseRefunded && len(values) == 0 {
				return fmt.Errorf("%w: lease %s has no amounts to refund", constant.ErrIntegrity, leaseKey)
			}

			if s.beforeFinalizeExec != nil {
				s.beforeFinalizeExec(ctx, leaseKey)
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				if outcome == store.LeaseRefunded {
					s.RefundSettlement(ctx, pipe, accountID, amount)
				}

				pipe.Del(ctx, leaseKey, amountsKey)
				pipe.ZRem(ctx, s.keys.pendingLeases(), leaseKey)

				return nil
			})
			if err != nil {
				return err
			}

			resolved = true

			return nil
		}, leaseKey, amountsKey)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}

		if err != nil {
			return false, fail(span, "finalize_lease", err)
		}

		return resolved, nil
	}

	return false, fail(span, "finalize_lease", constant.ErrLeaseContended)
}

// RefundSettlement queues amount for the account as part of the caller's
// transaction pipe, so the refund commits or aborts with it.
func (s *Store) RefundSettlement(ctx context.Context, pipe redis.Pipeliner, accountID string, amount decimal.Decimal) {
	if !amount.IsPositive() {
		return
	}

	pipe.LPush(ctx, s.keys.queuedSettlements(accountID), amount.String())
}

// LoadCursor returns the ledger position every incoming credit up to which
// has been recorded. Zero when the engine never scanned.
func (s *Store) LoadCursor(ctx context.Context) (uint64, error) {
	ctx, span, rdb, err := s.start(ctx, "load_cursor", "")
	if err != nil {
		return 0, err
	}
	defer span.End()

	cursor, err := readCursor(ctx, rdb, s.keys.ledgerCursor())
	if err != nil {
		return 0, fail(span, "load_cursor", err)
	}

	return cursor, nil
}

func readCursor(ctx context.Context, cmd redis.Cmdable, key string) (uint64, error) {
	raw, err := cmd.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}

	if err != nil {
		return 0, err
	}

	return strconv.ParseUint(raw, 10, 64)
}

// CreditIncoming appends every credit to its account's uncredited
// accumulator and moves the cursor from expected to next in one MULTI,
// aborting if the cursor moved since expected was read.
func (s *Store) CreditIncoming(ctx context.Context, expected, next uint64, credits []store.Credit) error {
	if next < expected {
		return fmt.Errorf("credit incoming: %w: %d < %d", constant.ErrCursorRegression, next, expected)
	}

	for _, credit := range credits {
		if err := safekey.ValidateAccountID(credit.AccountID); err != nil {
			return fmt.Errorf("credit incoming: %w", err)
		}

		if credit.Amount.IsNegative() {
			return fmt.Errorf("credit incoming: %w", ErrNegativeAmount)
		}
	}

	ctx, span, rdb, err := s.start(ctx, "credit_incoming", "")
	if err != nil {
		return err
	}
	defer span.End()

	span.SetAttributes(attribute.Int(constant.AttrLedgerBatch, len(credits)))

	cursorKey := s.keys.ledgerCursor()

	err = rdb.Watch(ctx, func(tx *redis.Tx) error {
		current, err := readCursor(ctx, tx, cursorKey)
		if err != nil {
			return err
		}

		if current != expected {
			return fmt.Errorf("%w: expected %d, found %d", constant.ErrCursorMoved, expected, current)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, credit := range credits {
				if credit.Amount.IsZero() {
					continue
				}

				pipe.LPush(ctx, s.keys.uncreditedSettlements(credit.AccountID), credit.Amount.String())
			}

			pipe.Set(ctx, cursorKey, strconv.FormatUint(next, 10), 0)

			return nil
		})

		return err
	}, cursorKey)

	if errors.Is(err, redis.TxFailedErr) {
		err = constant.ErrCursorMoved
	}

	if err != nil {
		return fail(span, "credit_incoming", err)
	}

	return nil
}
