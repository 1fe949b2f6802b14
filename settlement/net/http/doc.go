// Package http exposes the settlement engine to its connector over fiber.
//
// Routes:
//
//	PUT    /accounts/:id               create an account
//	DELETE /accounts/:id               delete an account
//	POST   /accounts/:id/settlements   request an outgoing settlement
//	POST   /accounts/:id/messages      relay a peer message to the ledger adapter
//	GET    /health, /version, /ping    probes
//
// Errors are rendered as ErrorResponse through RenderError.
package http
