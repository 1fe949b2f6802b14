// Package ledger defines the contract between the settlement engine and a
// ledger adapter.
//
// An adapter must implement Settler. Every other capability is optional and
// discovered by type assertion, so an adapter implements only what its
// ledger supports:
//
//	AccountSetupper    per-account provisioning on create
//	MessageHandler     peer messages relayed by the connector
//	AccountCloser      per-account teardown on delete
//	Disconnector       release of ledger connections on shutdown
//	TransactionLedger  lease based outgoing settlement
//	IncomingScanner    cursor based incoming reconciliation
package ledger

import (
	"context"
	"encoding/json"

	"github.com/shopspring/decimal"
)

// Settler sends funds to the peer behind accountID. It returns the amount
// actually sent, rounded down to the ledger's precision.
type Settler interface {
	Settle(ctx context.Context, accountID string, amount decimal.Decimal) (decimal.Decimal, error)
}

// AccountSetupper provisions ledger state for a new account. It is invoked
// on every create and must be idempotent.
type AccountSetupper interface {
	Setup(ctx context.Context, accountID string) error
}

// MessageHandler answers a message relayed from the peer's engine. The
// returned value is JSON encoded into the HTTP response.
type MessageHandler interface {
	HandleMessage(ctx context.Context, accountID string, message json.RawMessage) (any, error)
}

// AccountCloser tears down ledger state for a deleted account.
type AccountCloser interface {
	CloseAccount(ctx context.Context, accountID string) error
}

// Disconnector releases ledger connections.
type Disconnector interface {
	Disconnect(ctx context.Context) error
}

// Services are the engine operations available to an adapter.
type Services interface {
	// SendMessage relays message to the peer engine through the connector
	// and returns the raw response.
	SendMessage(ctx context.Context, accountID string, message any) (json.RawMessage, error)
	// CreditSettlement reports funds received for accountID. settlementID
	// becomes the connector idempotency key; empty generates one.
	CreditSettlement(ctx context.Context, accountID string, amount decimal.Decimal, settlementID string)
	// TrySettlement schedules a drain of the account's outgoing queue.
	TrySettlement(ctx context.Context, accountID string)
}

// ConnectFunc builds an adapter bound to the engine services.
type ConnectFunc func(ctx context.Context, services Services) (Settler, error)
