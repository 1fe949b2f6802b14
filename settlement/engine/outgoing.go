package engine

import (
	"context"
	"errors"
	"fmt"

	libSettlement "github.com/LerianStudio/lib-settlement/settlement"
	constant "github.com/LerianStudio/lib-settlement/settlement/constants"
	"github.com/LerianStudio/lib-settlement/settlement/log"
	libOpentelemetry "github.com/LerianStudio/lib-settlement/settlement/opentelemetry"
	"github.com/LerianStudio/lib-settlement/settlement/quantity"
	"github.com/LerianStudio/lib-settlement/settlement/safekey"
	"github.com/LerianStudio/lib-settlement/settlement/store"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
)

// RequestSettlement queues q for the account under idempotencyKey and
// schedules a drain. Repeating a request returns the same quantity; reusing
// the key for another amount is a conflict.
func (e *Engine) RequestSettlement(ctx context.Context, accountID, idempotencyKey string, q quantity.Quantity) (quantity.Quantity, error) {
	if err := safekey.ValidateAccountID(accountID); err != nil {
		return quantity.Quantity{}, err
	}

	if err := safekey.ValidateIdempotencyKey(idempotencyKey); err != nil {
		return quantity.Quantity{}, err
	}

	amount, err := quantity.ToDecimal(q)
	if err != nil {
		return quantity.Quantity{}, err
	}

	if amount.IsZero() {
		return quantity.Quantity{}, constant.ErrZeroAmount
	}

	ctx, span := e.startSpan(ctx, "request_settlement", accountID)
	defer span.End()

	exists, err := e.store.IsExistingAccount(ctx, accountID)
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "Failed to look up account", err)

		return quantity.Quantity{}, fmt.Errorf("look up account: %w", err)
	}

	if !exists {
		return quantity.Quantity{}, constant.ErrAccountNotFound
	}

	queued, err := e.store.QueueSettlement(ctx, accountID, idempotencyKey, amount)
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "Failed to queue settlement", err)

		return quantity.Quantity{}, fmt.Errorf("queue settlement: %w", err)
	}

	if !queued.Equal(amount) {
		e.logger.Log(ctx, log.LevelWarn, "idempotency key reused with a different amount",
			log.Account(accountID), log.Amount("requested", amount), log.Amount("recorded", queued))

		return quantity.Quantity{}, constant.ErrIdempotencyConflict
	}

	e.TrySettlement(ctx, accountID)

	return q, nil
}

func (e *Engine) settle(ctx context.Context, accountID string) {
	if e.txLedger != nil {
		e.settleWithLease(ctx, accountID)

		return
	}

	e.settleSimple(ctx, accountID)
}

// settleSimple drains the queue, pays it and puts back what the ledger
// could not carry.
func (e *Engine) settleSimple(ctx context.Context, accountID string) {
	ctx, span := e.startSpan(ctx, "settle", accountID)
	defer span.End()

	amount, err := e.store.LoadAmountToSettle(ctx, accountID)
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "Failed to load amount to settle", err)
		e.logger.Log(ctx, log.LevelError, "failed to load amount to settle", log.Account(accountID), log.Err(err))

		return
	}

	if !amount.IsPositive() {
		return
	}

	sent, err := e.adapter.Settle(ctx, accountID, amount)
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "Ledger adapter failed to settle", err)
		e.logger.Log(ctx, log.LevelError, "ledger adapter failed to settle; assuming the full amount was sent",
			log.Account(accountID), log.Amount("amount", amount), log.Err(err))
		count(ctx, e.metrics.assumedSent)

		sent = amount
	}

	e.keepLeftover(ctx, accountID, amount, sent)

	if sent.IsPositive() && err == nil {
		count(ctx, e.metrics.settled)
		e.logger.Log(ctx, log.LevelInfo, "settled", log.Account(accountID), log.Amount("amount", sent))
	}
}

// keepLeftover requeues amount - sent, even when ctx was cancelled by
// shutdown. Sending more than was drained is an integrity violation.
func (e *Engine) keepLeftover(ctx context.Context, accountID string, amount, sent decimal.Decimal) {
	leftover := amount.Sub(sent)

	switch {
	case leftover.IsPositive():
		if err := e.store.SaveAmountToSettle(libSettlement.DetachedContext(ctx), accountID, leftover); err != nil {
			e.logger.Log(ctx, log.LevelError, "failed to requeue leftover; amount is lost",
				log.Account(accountID), log.Amount("leftover", leftover), log.Err(err))
		}
	case leftover.IsNegative():
		e.integrityViolation(ctx, "ledger settled more than was queued",
			log.Account(accountID), log.Amount("queued", amount), log.Amount("sent", sent))
	}
}

// settleWithLease reserves the queue in a lease, records the transaction
// on it and only then submits. The finalize pass decides the lease.
func (e *Engine) settleWithLease(ctx context.Context, accountID string) {
	ctx, span := e.startSpan(ctx, "settle_with_lease", accountID)
	defer span.End()

	amount, handle, err := e.leases.PrepareSettlement(ctx, accountID, e.cfg.LeaseDuration)
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "Failed to prepare settlement", err)
		e.logger.Log(ctx, log.LevelError, "failed to lease queued settlements", log.Account(accountID), log.Err(err))

		return
	}

	if handle == nil {
		return
	}

	span.SetAttributes(attribute.String(constant.AttrLeaseKey, handle.Key()))

	tx, err := e.txLedger.PrepareTransaction(ctx, accountID, amount)
	if err != nil || !tx.Amount.IsPositive() {
		if err != nil {
			e.logger.Log(ctx, log.LevelWarn, "failed to prepare ledger transaction", log.Account(accountID), log.Err(err))
		}

		e.release(ctx, accountID, handle)

		return
	}

	span.SetAttributes(attribute.String(constant.AttrTxID, tx.ID))

	err = handle.Commit(ctx, store.LeaseCommit{TxID: tx.ID, Amount: tx.Amount, MaxLedgerHeight: tx.MaxLedgerHeight})
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "Failed to commit lease", err)

		switch {
		case errors.Is(err, constant.ErrIntegrity):
			e.integrityViolation(ctx, "prepared transaction exceeds the lease",
				log.Account(accountID), log.Amount("leased", amount), log.Amount("transaction", tx.Amount))
			e.release(ctx, accountID, handle)
		case errors.Is(err, constant.ErrLeaseNotFound):
			e.logger.Log(ctx, log.LevelWarn, "lease expired or was resolved before commit; transaction not submitted",
				log.Account(accountID), log.String("lease", handle.Key()))
		default:
			e.logger.Log(ctx, log.LevelError, "failed to commit lease; transaction not submitted",
				log.Account(accountID), log.String("lease", handle.Key()), log.Err(err))
		}

		return
	}

	if err := e.txLedger.SubmitTransaction(ctx, tx); err != nil {
		e.logger.Log(ctx, log.LevelWarn, "failed to submit ledger transaction; the lease resolves on finalize",
			log.Account(accountID), log.String("tx_id", tx.ID), log.Err(err))

		return
	}

	e.logger.Log(ctx, log.LevelInfo, "settlement submitted",
		log.Account(accountID), log.Amount("amount", tx.Amount), log.String("tx_id", tx.ID))
}

func (e *Engine) release(ctx context.Context, accountID string, handle store.LeaseHandle) {
	if err := handle.Release(libSettlement.DetachedContext(ctx)); err != nil {
		e.logger.Log(ctx, log.LevelError, "failed to release lease; it is refunded once expired",
			log.Account(accountID), log.String("lease", handle.Key()), log.Err(err))
	}
}
