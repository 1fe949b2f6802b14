// Package server runs the engine HTTP server and tears the process down in
// order: HTTP first, then the registered shutdown hooks (engine, store), then
// the logger.
package server
