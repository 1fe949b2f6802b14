package engine

import (
	"context"
	"errors"
	"fmt"

	constant "github.com/LerianStudio/lib-settlement/settlement/constants"
	"github.com/LerianStudio/lib-settlement/settlement/ledger"
	"github.com/LerianStudio/lib-settlement/settlement/log"
	"github.com/LerianStudio/lib-settlement/settlement/store"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ScanIncoming runs one incoming scan pass now, under the pass lock.
func (e *Engine) ScanIncoming(ctx context.Context) error {
	if e.scanner == nil {
		return nil
	}

	return e.scanPass(ctx)
}

func (e *Engine) scanPass(ctx context.Context) error {
	return e.withPassLock(ctx, constant.LockScanPass, e.scanIncoming)
}

func (e *Engine) scanIncoming(ctx context.Context) error {
	cursor, err := e.leases.LoadCursor(ctx)
	if err != nil {
		return fmt.Errorf("load ledger cursor: %w", err)
	}

	batch, err := e.scanner.ScanIncoming(ctx, cursor)
	if err != nil {
		return fmt.Errorf("scan ledger from %d: %w", cursor, err)
	}

	trace.SpanFromContext(ctx).SetAttributes(attribute.Int(constant.AttrLedgerBatch, len(batch.Transactions)))

	if batch.Cursor == cursor && len(batch.Transactions) == 0 {
		return nil
	}

	self := e.scanner.Address()

	var (
		credits  []store.Credit
		accounts []string
	)

	seen := make(map[string]struct{})

	for _, tx := range batch.Transactions {
		if !ledger.Accept(tx, self, cursor) {
			continue
		}

		accountID, ok, err := e.scanner.AccountForTag(ctx, tx.Tag)
		if err != nil {
			return fmt.Errorf("resolve tag of %s: %w", tx.ID, err)
		}

		if !ok {
			e.logger.Log(ctx, log.LevelDebug, "incoming payment carries no known tag",
				log.String("tx_id", tx.ID), log.String("tag", tx.Tag))

			continue
		}

		exists, err := e.store.IsExistingAccount(ctx, accountID)
		if err != nil {
			return fmt.Errorf("look up account: %w", err)
		}

		if !exists {
			continue
		}

		credits = append(credits, store.Credit{AccountID: accountID, Amount: tx.Received()})

		if _, dup := seen[accountID]; !dup {
			seen[accountID] = struct{}{}
			accounts = append(accounts, accountID)
		}
	}

	if err := e.leases.CreditIncoming(ctx, cursor, batch.Cursor, credits); err != nil {
		if errors.Is(err, constant.ErrCursorMoved) {
			e.logger.Log(ctx, log.LevelDebug, "ledger cursor advanced by another instance", log.Uint64("cursor", cursor))

			return nil
		}

		return fmt.Errorf("credit incoming batch: %w", err)
	}

	for _, accountID := range accounts {
		e.CreditSettlement(ctx, accountID, decimal.Zero, "")
	}

	return nil
}
