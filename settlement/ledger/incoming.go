package ledger

import (
	"context"

	"github.com/shopspring/decimal"
)

// Result and type codes accepted by Accept.
const (
	ResultSuccess = "success"
	TypePayment   = "payment"
)

// IncomingTransaction is a ledger transaction observed by a scan.
type IncomingTransaction struct {
	ID          string
	Position    uint64
	Validated   bool
	Result      string
	Type        string
	Destination string
	// Tag correlates the payment to an account, e.g. a destination tag.
	Tag    string
	Amount decimal.Decimal
	// DeliveredAmount, when set, is what actually arrived. It wins over
	// Amount for partial payments.
	DeliveredAmount *decimal.Decimal
}

// Received returns the amount credited to the destination.
func (tx IncomingTransaction) Received() decimal.Decimal {
	if tx.DeliveredAmount != nil {
		return *tx.DeliveredAmount
	}

	return tx.Amount
}

// IncomingBatch is one page of a scan. Cursor is the position every
// transaction up to which has been returned.
type IncomingBatch struct {
	Transactions []IncomingTransaction
	Cursor       uint64
}

// IncomingScanner is implemented by adapters that reconcile incoming
// payments by scanning the ledger from a cursor.
type IncomingScanner interface {
	// Address is the engine's own ledger address.
	Address() string
	ScanIncoming(ctx context.Context, cursor uint64) (IncomingBatch, error)
	// AccountForTag resolves a correlation tag to an account id.
	AccountForTag(ctx context.Context, tag string) (string, bool, error)
}

// Accept reports whether tx is a final, successful payment to self that
// the engine has not processed yet.
func Accept(tx IncomingTransaction, self string, cursor uint64) bool {
	return tx.Validated &&
		tx.Result == ResultSuccess &&
		tx.Type == TypePayment &&
		tx.Destination == self &&
		tx.Position > cursor &&
		tx.Received().IsPositive()
}
