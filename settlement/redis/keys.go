package redis

import (
	"strings"

	constant "github.com/LerianStudio/lib-settlement/settlement/constants"
)

// keyspace builds every key the store touches. All keys share the optional
// prefix so several engines can share one Redis.
type keyspace struct {
	prefix string
}

func (k keyspace) join(parts ...string) string {
	return k.prefix + strings.Join(parts, constant.KeyDelimiter)
}

func (k keyspace) accounts() string {
	return k.join(constant.KeyAccounts)
}

func (k keyspace) account(accountID string) string {
	return k.join(constant.KeyAccounts, accountID)
}

func (k keyspace) settlementRequest(accountID, idempotencyKey string) string {
	return k.join(constant.KeyAccounts, accountID, constant.KeySettlementRequests, idempotencyKey)
}

func (k keyspace) queuedSettlements(accountID string) string {
	return k.join(constant.KeyAccounts, accountID, constant.KeyQueuedSettlements)
}

func (k keyspace) uncreditedSettlements(accountID string) string {
	return k.join(constant.KeyAccounts, accountID, constant.KeyUncreditedSettlement)
}

func (k keyspace) lease(accountID, leaseID string) string {
	return k.join(constant.KeyAccounts, accountID, constant.KeyLeases, leaseID)
}

func (k keyspace) pendingLeases() string {
	return k.join(constant.KeyPendingLeases)
}

func (k keyspace) ledgerCursor() string {
	return k.join(constant.KeyLedgerCursor)
}

// accountPattern matches every key scoped under the account. Glob
// metacharacters in the prefix and id are escaped so the pattern matches
// only this account.
func (k keyspace) accountPattern(accountID string) string {
	return escapeGlob(k.account(accountID)) + constant.KeyDelimiter + "*"
}

func leaseAmounts(leaseKey string) string {
	return leaseKey + constant.KeyDelimiter + constant.KeyLeaseAmounts
}

var globEscaper = strings.NewReplacer(
	`\`, `\\`,
	`*`, `\*`,
	`?`, `\?`,
	`[`, `\[`,
	`]`, `\]`,
)

func escapeGlob(s string) string {
	return globEscaper.Replace(s)
}
