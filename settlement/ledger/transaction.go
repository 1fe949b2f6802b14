package ledger

import (
	"context"

	"github.com/shopspring/decimal"
)

// TxStatus is the ledger's view of a submitted transaction.
type TxStatus int

const (
	// StatusPending means the transaction may still be included.
	StatusPending TxStatus = iota
	// StatusConfirmed means the transaction is final and succeeded.
	StatusConfirmed
	// StatusFailed means the transaction is final and moved no funds.
	StatusFailed
	// StatusNotFound means the ledger has no record of the transaction.
	StatusNotFound
)

func (s TxStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusConfirmed:
		return "confirmed"
	case StatusFailed:
		return "failed"
	case StatusNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// PreparedTransaction is a signed transaction ready for submission.
// Amount may be less than requested when the ledger's precision is coarser.
// MaxLedgerHeight, when non-zero, is the last height at which the ledger can
// still include the transaction.
type PreparedTransaction struct {
	ID              string
	AccountID       string
	Amount          decimal.Decimal
	MaxLedgerHeight uint64
}

// TransactionLedger is implemented by adapters whose ledger submission is not
// immediately final. The engine then leases funds before submitting and
// resolves the lease once the ledger outcome is known.
type TransactionLedger interface {
	PrepareTransaction(ctx context.Context, accountID string, amount decimal.Decimal) (PreparedTransaction, error)
	SubmitTransaction(ctx context.Context, tx PreparedTransaction) error
	TransactionStatus(ctx context.Context, txID string) (TxStatus, error)
	LedgerHeight(ctx context.Context) (uint64, error)
}
