package engine

import (
	"context"

	libSettlement "github.com/LerianStudio/lib-settlement/settlement"
	"github.com/LerianStudio/lib-settlement/settlement/backoff"
	"github.com/LerianStudio/lib-settlement/settlement/connector"
	"github.com/LerianStudio/lib-settlement/settlement/log"
	libOpentelemetry "github.com/LerianStudio/lib-settlement/settlement/opentelemetry"
	"github.com/LerianStudio/lib-settlement/settlement/quantity"
	"github.com/LerianStudio/lib-settlement/settlement/safekey"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// credit adds amount to whatever is still uncredited for the account and
// reports the total to the connector. What the connector does not credit
// stays behind for the next credit.
func (e *Engine) credit(ctx context.Context, accountID string, amount decimal.Decimal, settlementID string) {
	if err := safekey.ValidateAccountID(accountID); err != nil {
		e.logger.Log(ctx, log.LevelError, "dropping incoming settlement for unsafe account id",
			log.String("account_id", accountID), log.Amount("amount", amount))

		return
	}

	ctx, span := e.startSpan(ctx, "credit_settlement", accountID)
	defer span.End()

	exists, err := e.store.IsExistingAccount(ctx, accountID)
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "Failed to look up account", err)
		e.logger.Log(ctx, log.LevelError, "failed to look up account; keeping incoming settlement uncredited",
			log.Account(accountID), log.Amount("amount", amount), log.Err(err))
		e.keepUncredited(ctx, accountID, amount, decimal.Zero)

		return
	}

	if !exists {
		e.logger.Log(ctx, log.LevelDebug, "ignoring incoming settlement for unknown account", log.Account(accountID))

		return
	}

	uncredited, err := e.store.LoadAmountToCredit(ctx, accountID)
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "Failed to load amount to credit", err)
		e.logger.Log(ctx, log.LevelError, "failed to load uncredited amount", log.Account(accountID), log.Err(err))
		e.keepUncredited(ctx, accountID, amount, decimal.Zero)

		return
	}

	total := amount.Add(uncredited)
	if !total.IsPositive() {
		return
	}

	q, err := quantity.FromDecimal(total)
	if err != nil {
		e.logger.Log(ctx, log.LevelError, "amount cannot be encoded for the connector", log.Account(accountID), log.Err(err))
		e.keepUncredited(ctx, accountID, total, decimal.Zero)

		return
	}

	idempotencyKey := settlementID
	if idempotencyKey == "" {
		idempotencyKey = uuid.NewString()
	}

	response, err := backoff.Retry(ctx, e.cfg.NotifyPolicy, backoff.RetryClassifierFunc(connector.IsRetryable),
		func(ctx context.Context) (quantity.Quantity, error) {
			return e.connector.NotifySettlement(ctx, accountID, idempotencyKey, q)
		})

	credited := decimal.Zero

	if err != nil {
		libOpentelemetry.HandleSpanError(span, "Failed to notify connector", err)
		count(ctx, e.metrics.notificationsFailed)
		e.logger.Log(ctx, log.LevelError, "connector failed to credit incoming settlement",
			log.Account(accountID), log.Amount("amount", total), log.String("idempotency_key", idempotencyKey), log.Err(err))

		if carried, ok := connector.CreditedQuantity(err); ok {
			response = carried
			err = nil
		}
	}

	if err == nil {
		credited, err = quantity.ToDecimal(response)
		if err != nil {
			e.logger.Log(ctx, log.LevelError, "connector credited an invalid quantity", log.Account(accountID), log.Err(err))

			credited = decimal.Zero
		}
	}

	e.keepUncredited(ctx, accountID, total, credited)

	if credited.IsPositive() {
		count(ctx, e.metrics.credited)
		e.logger.Log(ctx, log.LevelInfo, "incoming settlement credited",
			log.Account(accountID), log.Amount("amount", credited))
	}
}

// keepUncredited saves total - credited for a later credit, even when ctx
// was cancelled by shutdown. Crediting more than was offered is an
// integrity violation.
func (e *Engine) keepUncredited(ctx context.Context, accountID string, total, credited decimal.Decimal) {
	leftover := total.Sub(credited)

	switch {
	case leftover.IsPositive():
		if err := e.store.SaveAmountToCredit(libSettlement.DetachedContext(ctx), accountID, leftover); err != nil {
			e.logger.Log(ctx, log.LevelError, "failed to save uncredited amount; amount is lost",
				log.Account(accountID), log.Amount("leftover", leftover), log.Err(err))
		}
	case leftover.IsNegative():
		e.integrityViolation(ctx, "connector credited more than was offered",
			log.Account(accountID), log.Amount("offered", total), log.Amount("credited", credited))
	}
}
