package simulated

import (
	"context"
	"fmt"

	"github.com/LerianStudio/lib-settlement/settlement/ledger"
	"github.com/LerianStudio/lib-settlement/settlement/log"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PrepareTransaction builds a payment to the peer rounded down to the ledger
// precision. A zero amount means nothing can be sent yet.
func (l *Ledger) PrepareTransaction(_ context.Context, accountID string, amount decimal.Decimal) (ledger.PreparedTransaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkConnected(); err != nil {
		return ledger.PreparedTransaction{}, err
	}

	if _, ok := l.peers[accountID]; !ok {
		return ledger.PreparedTransaction{}, fmt.Errorf("prepare %s: %w", accountID, ErrNoPeerAddress)
	}

	sendable := l.round(amount)
	if sendable.LessThan(l.cfg.MinSettleAmount) || !sendable.IsPositive() {
		return ledger.PreparedTransaction{AccountID: accountID, Amount: decimal.Zero}, nil
	}

	tx := ledger.PreparedTransaction{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Amount:    sendable,
	}

	if l.cfg.ValidityWindow > 0 {
		tx.MaxLedgerHeight = l.height + l.cfg.ValidityWindow
	}

	l.txs[tx.ID] = &txRecord{tx: tx, status: ledger.StatusPending}

	return tx, nil
}

// SubmitTransaction hands a prepared transaction to the ledger. It is
// included on the next Advance.
func (l *Ledger) SubmitTransaction(_ context.Context, tx ledger.PreparedTransaction) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkConnected(); err != nil {
		return err
	}

	if l.submitErr != nil {
		return l.submitErr
	}

	record, ok := l.txs[tx.ID]
	if !ok {
		return fmt.Errorf("submit %s: %w", tx.ID, ErrUnknownTransaction)
	}

	record.submitted = true

	return nil
}

// TransactionStatus reports the outcome of a transaction. Prepared but never
// submitted transactions are unknown to the ledger.
func (l *Ledger) TransactionStatus(_ context.Context, txID string) (ledger.TxStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkConnected(); err != nil {
		return ledger.StatusPending, err
	}

	record, ok := l.txs[txID]
	if !ok || !record.submitted {
		return ledger.StatusNotFound, nil
	}

	return record.status, nil
}

// LedgerHeight returns the current height.
func (l *Ledger) LedgerHeight(_ context.Context) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkConnected(); err != nil {
		return 0, err
	}

	return l.height, nil
}

// Advance closes n ledgers. The first one includes every submitted pending
// transaction still within its validity window.
func (l *Ledger) Advance(ctx context.Context, n uint64) uint64 {
	l.mu.Lock()

	for range n {
		l.height++

		if l.stall {
			continue
		}

		for _, record := range l.txs {
			if !record.submitted || record.status != ledger.StatusPending {
				continue
			}

			if record.tx.MaxLedgerHeight != 0 && l.height > record.tx.MaxLedgerHeight {
				continue
			}

			record.status = ledger.StatusConfirmed

			if l.failNext > 0 {
				l.failNext--
				record.status = ledger.StatusFailed
			}

			l.logger.Log(ctx, log.LevelDebug, "transaction included",
				log.String("tx_id", record.tx.ID), log.String("status", record.status.String()))
		}
	}

	height := l.height
	onHeight := l.cfg.OnHeight
	l.mu.Unlock()

	if onHeight != nil {
		onHeight(height)
	}

	return height
}
