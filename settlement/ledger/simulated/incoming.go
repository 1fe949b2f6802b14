package simulated

import (
	"context"
	"fmt"

	"github.com/LerianStudio/lib-settlement/settlement/ledger"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Deliver records a validated incoming payment to the engine carrying the
// account's tag. With PushIncoming it is also reported to CreditSettlement.
func (l *Ledger) Deliver(ctx context.Context, tag string, amount decimal.Decimal) ledger.IncomingTransaction {
	return l.Record(ctx, ledger.IncomingTransaction{
		Validated:   true,
		Result:      ledger.ResultSuccess,
		Type:        ledger.TypePayment,
		Destination: l.cfg.Address,
		Tag:         tag,
		Amount:      amount,
	})
}

// Record appends an arbitrary transaction to the ledger log, assigning its
// ID and position.
func (l *Ledger) Record(ctx context.Context, tx ledger.IncomingTransaction) ledger.IncomingTransaction {
	l.mu.Lock()

	l.height++

	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}

	tx.Position = l.height
	l.log = append(l.log, tx)

	accountID, known := l.tags[tx.Tag]
	push := l.cfg.PushIncoming && l.services != nil && known && ledger.Accept(tx, l.cfg.Address, 0)
	services := l.services
	l.mu.Unlock()

	if push {
		services.CreditSettlement(ctx, accountID, tx.Received(), tx.ID)
	}

	return tx
}

// ScanIncoming returns logged transactions positioned after cursor.
func (l *Ledger) ScanIncoming(_ context.Context, cursor uint64) (ledger.IncomingBatch, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkConnected(); err != nil {
		return ledger.IncomingBatch{}, err
	}

	batch := ledger.IncomingBatch{Cursor: cursor}

	for _, tx := range l.log {
		if tx.Position <= cursor {
			continue
		}

		if l.cfg.ScanLimit > 0 && len(batch.Transactions) >= l.cfg.ScanLimit {
			return batch, nil
		}

		batch.Transactions = append(batch.Transactions, tx)
		batch.Cursor = tx.Position
	}

	// the whole log was read, so nothing up to the current height is left
	batch.Cursor = max(batch.Cursor, l.height)

	return batch, nil
}

// AccountForTag resolves a tag assigned by Setup.
func (l *Ledger) AccountForTag(_ context.Context, tag string) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkConnected(); err != nil {
		return "", false, fmt.Errorf("account for tag: %w", err)
	}

	accountID, ok := l.tags[tag]

	return accountID, ok, nil
}
