// Package settlement provides the shared infrastructure of the settlement
// engine: request-scoped context helpers, the app launcher, environment
// configuration and the business error mapping used by the HTTP layer.
//
// Typical usage at request ingress:
//
//	ctx = settlement.ContextWithLogger(ctx, logger)
//	ctx = settlement.ContextWithHeaderID(ctx, requestID)
//
// The engine itself lives in the engine subpackage; stores, transports and
// ledger adapters live in their own subpackages.
package settlement
