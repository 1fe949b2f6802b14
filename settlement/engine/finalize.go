package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	constant "github.com/LerianStudio/lib-settlement/settlement/constants"
	"github.com/LerianStudio/lib-settlement/settlement/ledger"
	"github.com/LerianStudio/lib-settlement/settlement/log"
	"github.com/LerianStudio/lib-settlement/settlement/store"
)

// FinalizeLeases runs one finalize pass now, under the pass lock.
func (e *Engine) FinalizeLeases(ctx context.Context) error {
	if e.txLedger == nil {
		return nil
	}

	return e.finalizePass(ctx)
}

func (e *Engine) finalizePass(ctx context.Context) error {
	return e.withPassLock(ctx, constant.LockFinalizePass, e.finalizeLeases)
}

func (e *Engine) finalizeLeases(ctx context.Context) error {
	leases, err := e.leases.PendingLeases(ctx)
	if err != nil {
		return fmt.Errorf("list pending leases: %w", err)
	}

	if len(leases) == 0 {
		return nil
	}

	height, err := e.txLedger.LedgerHeight(ctx)
	if err != nil {
		return fmt.Errorf("read ledger height: %w", err)
	}

	now := e.now()
	refunded := make(map[string]struct{})

	var order []string

	for _, lease := range leases {
		outcome, decided := e.decideLease(ctx, lease, height, now)
		if !decided {
			continue
		}

		resolved, err := e.leases.FinalizeLease(ctx, lease.Key, lease.TxID, outcome)
		if err != nil {
			if errors.Is(err, constant.ErrIntegrity) {
				e.integrityViolation(ctx, "lease cannot be resolved", log.Account(lease.AccountID), log.String("lease", lease.Key))

				continue
			}

			e.logger.Log(ctx, log.LevelWarn, "failed to finalize lease",
				log.Account(lease.AccountID), log.String("lease", lease.Key), log.Err(err))

			continue
		}

		if !resolved {
			continue
		}

		count(ctx, e.metrics.leasesFinalized, outcomeAttr(outcome.String()))
		e.logger.Log(ctx, log.LevelInfo, "lease finalized",
			log.Account(lease.AccountID), log.String("lease", lease.Key),
			log.String("outcome", outcome.String()), log.Amount("amount", lease.Amount))

		if outcome == store.LeaseCommitted {
			count(ctx, e.metrics.settled)

			continue
		}

		if _, seen := refunded[lease.AccountID]; !seen {
			refunded[lease.AccountID] = struct{}{}
			order = append(order, lease.AccountID)
		}
	}

	for _, accountID := range order {
		e.TrySettlement(ctx, accountID)
	}

	return nil
}

// decideLease maps the ledger's view of a lease's transaction to an
// outcome. It reports false while the outcome is still open.
func (e *Engine) decideLease(ctx context.Context, lease store.Lease, height uint64, now time.Time) (store.LeaseOutcome, bool) {
	if !lease.Submitted() {
		return store.LeaseRefunded, lease.Expired(now)
	}

	status, err := e.txLedger.TransactionStatus(ctx, lease.TxID)
	if err != nil {
		e.logger.Log(ctx, log.LevelWarn, "failed to read transaction status",
			log.Account(lease.AccountID), log.String("tx_id", lease.TxID), log.Err(err))

		return store.LeaseCommitted, false
	}

	switch status {
	case ledger.StatusConfirmed:
		return store.LeaseCommitted, true
	case ledger.StatusFailed:
		return store.LeaseRefunded, true
	}

	if lease.MaxLedgerHeight > 0 {
		return store.LeaseRefunded, height > lease.MaxLedgerHeight
	}

	return store.LeaseRefunded, lease.Expired(now)
}
