package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	constant "github.com/LerianStudio/lib-settlement/settlement/constants"
	"github.com/LerianStudio/lib-settlement/settlement/ledger"
	"github.com/LerianStudio/lib-settlement/settlement/log"
	libOpentelemetry "github.com/LerianStudio/lib-settlement/settlement/opentelemetry"
	"github.com/LerianStudio/lib-settlement/settlement/safekey"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

func (e *Engine) startSpan(ctx context.Context, operation, accountID string) (context.Context, trace.Span) {
	ctx, span := e.tracer.Start(ctx, "settlement.engine."+operation)
	span.SetAttributes(attribute.String(constant.AttrAccountID, accountID))

	return ctx, span
}

// CreateAccount registers the account and provisions it on the ledger. An
// existing account is provisioned again, so a failed setup can be retried.
func (e *Engine) CreateAccount(ctx context.Context, accountID string) error {
	if err := safekey.ValidateAccountID(accountID); err != nil {
		return err
	}

	ctx, span := e.startSpan(ctx, "create_account", accountID)
	defer span.End()

	if err := e.store.CreateAccount(ctx, accountID); err != nil && !errors.Is(err, constant.ErrAccountExists) {
		libOpentelemetry.HandleSpanError(span, "Failed to create account", err)

		return fmt.Errorf("create account: %w", err)
	}

	if setup, ok := e.adapter.(ledger.AccountSetupper); ok {
		if err := setup.Setup(ctx, accountID); err != nil {
			libOpentelemetry.HandleSpanError(span, "Failed to set up account", err)

			return fmt.Errorf("set up account %s: %w", accountID, err)
		}
	}

	e.logger.Log(ctx, log.LevelInfo, "account created", log.Account(accountID))

	return nil
}

// DeleteAccount tears the account down on the ledger and removes every
// stored key of the account. Deleting an unknown account succeeds.
func (e *Engine) DeleteAccount(ctx context.Context, accountID string) error {
	if err := safekey.ValidateAccountID(accountID); err != nil {
		return err
	}

	ctx, span := e.startSpan(ctx, "delete_account", accountID)
	defer span.End()

	if closer, ok := e.adapter.(ledger.AccountCloser); ok {
		if err := closer.CloseAccount(ctx, accountID); err != nil {
			e.logger.Log(ctx, log.LevelError, "ledger failed to close account; deleting anyway",
				log.Account(accountID), log.Err(err))
		}
	}

	if err := e.store.DeleteAccount(ctx, accountID); err != nil {
		libOpentelemetry.HandleSpanError(span, "Failed to delete account", err)

		return fmt.Errorf("delete account: %w", err)
	}

	e.logger.Log(ctx, log.LevelInfo, "account deleted", log.Account(accountID))

	return nil
}

// HandleMessage hands a peer message to the adapter and returns its JSON
// encoded answer.
func (e *Engine) HandleMessage(ctx context.Context, accountID string, body []byte) ([]byte, error) {
	if err := safekey.ValidateAccountID(accountID); err != nil {
		return nil, err
	}

	ctx, span := e.startSpan(ctx, "handle_message", accountID)
	defer span.End()

	exists, err := e.store.IsExistingAccount(ctx, accountID)
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "Failed to look up account", err)

		return nil, fmt.Errorf("look up account: %w", err)
	}

	if !exists {
		return nil, constant.ErrAccountNotFound
	}

	handler, ok := e.adapter.(ledger.MessageHandler)
	if !ok {
		return nil, constant.ErrMessagesUnsupported
	}

	if !json.Valid(body) {
		return nil, constant.ErrInvalidMessage
	}

	response, err := handler.HandleMessage(ctx, accountID, json.RawMessage(body))
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "Adapter failed to handle message", err)

		return nil, fmt.Errorf("handle message: %w", err)
	}

	encoded, err := json.Marshal(response)
	if err != nil {
		return nil, fmt.Errorf("encode message response: %w", err)
	}

	return encoded, nil
}
