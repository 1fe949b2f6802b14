// Package store defines the persistent, ledger-agnostic contract the
// settlement engine keeps its state behind.
//
// Every mutation that must be atomic (dedup-and-queue, drain-and-clear,
// lease-and-reserve, refund-with-unlease, credit-and-advance-cursor) is a
// single store operation. Coordinators never compose them from separate
// reads and writes.
package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Store is the contract required by the simple settlement variant.
type Store interface {
	// CreateAccount records membership; returns constant.ErrAccountExists
	// if the account is already a member.
	CreateAccount(ctx context.Context, accountID string) error
	IsExistingAccount(ctx context.Context, accountID string) (bool, error)
	// DeleteAccount removes membership and every key scoped to the account
	// in one atomic step.
	DeleteAccount(ctx context.Context, accountID string) error
	ListAccounts(ctx context.Context) ([]string, error)

	// QueueSettlement records amount for the idempotency key on first use
	// and appends it to the queued-outgoing accumulator. Later calls only
	// refresh the last-seen timestamp. The amount first recorded for the
	// key is always returned.
	QueueSettlement(ctx context.Context, accountID, idempotencyKey string, amount decimal.Decimal) (decimal.Decimal, error)

	LoadAmountToSettle(ctx context.Context, accountID string) (decimal.Decimal, error)
	SaveAmountToSettle(ctx context.Context, accountID string, amount decimal.Decimal) error
	LoadAmountToCredit(ctx context.Context, accountID string) (decimal.Decimal, error)
	SaveAmountToCredit(ctx context.Context, accountID string, amount decimal.Decimal) error

	Ping(ctx context.Context) error
	Close() error
}

// LeaseStore adds the lease protocol and the incoming ledger cursor.
type LeaseStore interface {
	Store

	// PrepareSettlement drains the queued amount into a new lease expiring
	// after leaseDuration. A zero amount means nothing was queued; the
	// handle is nil in that case.
	PrepareSettlement(ctx context.Context, accountID string, leaseDuration time.Duration) (decimal.Decimal, LeaseHandle, error)
	// PendingLeases lists unresolved leases ordered by expiry.
	PendingLeases(ctx context.Context) ([]Lease, error)
	// FinalizeLease resolves a lease exactly once. observedTxID is the
	// transaction id the outcome was decided on, "" when none was attached.
	// It reports false when the lease had already been resolved or its
	// transaction id changed since.
	FinalizeLease(ctx context.Context, leaseKey, observedTxID string, outcome LeaseOutcome) (bool, error)

	LoadCursor(ctx context.Context) (uint64, error)
	// CreditIncoming appends every credit to its account's uncredited
	// accumulator and moves the cursor from expected to next, atomically.
	CreditIncoming(ctx context.Context, expected, next uint64, credits []Credit) error
}

// LeaseHandle attaches the outgoing ledger transaction to a freshly prepared
// lease, or gives the lease back when no transaction will be submitted.
type LeaseHandle interface {
	Key() string
	Commit(ctx context.Context, commit LeaseCommit) error
	Release(ctx context.Context) error
}

// LeaseCommit is the transaction metadata recorded before submission.
// Amount may be less than the lease; the difference goes back to the queue.
type LeaseCommit struct {
	TxID            string
	Amount          decimal.Decimal
	MaxLedgerHeight uint64
}

// Lease is a reservation of funds pending the fate of one ledger transaction.
type Lease struct {
	Key             string
	AccountID       string
	Amount          decimal.Decimal
	ExpiresAt       time.Time
	TxID            string
	MaxLedgerHeight uint64
}

// Expired reports whether the wall-clock lease duration elapsed at now.
func (l Lease) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// Submitted reports whether a transaction was attached to the lease.
func (l Lease) Submitted() bool {
	return l.TxID != ""
}

// LeaseOutcome selects how FinalizeLease resolves a lease.
type LeaseOutcome int

const (
	// LeaseCommitted discards the lease; the funds left through the ledger.
	LeaseCommitted LeaseOutcome = iota
	// LeaseRefunded deletes the lease and returns its amount to the queue.
	LeaseRefunded
)

// String returns the outcome name used in logs and metric attributes.
func (o LeaseOutcome) String() string {
	switch o {
	case LeaseCommitted:
		return "committed"
	case LeaseRefunded:
		return "refunded"
	default:
		return "unknown"
	}
}

// Credit is one incoming payment attributed to an account.
type Credit struct {
	AccountID string
	Amount    decimal.Decimal
}
