package constant

// KeyDelimiter separates namespace components in store keys. Caller supplied
// identifiers must never contain it.
const KeyDelimiter = ":"

// Store key components.
const (
	KeyAccounts             = "accounts"
	KeySettlementRequests   = "settlement-requests"
	KeyQueuedSettlements    = "queued-settlements"
	KeyUncreditedSettlement = "uncredited-settlements"
	KeyLeases               = "leases"
	KeyLeaseAmounts         = "amounts"
	KeyPendingLeases        = "pending-leases"
	KeyLedgerCursor         = "ledger-cursor"
)

// Lock keys for background passes shared across engine instances.
const (
	LockFinalizePass = "lock:settlement:finalize"
	LockScanPass     = "lock:settlement:scan"
)
