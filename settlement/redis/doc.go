// Package redis provides the Redis-backed settlement store, its connection
// wrapper and a redsync-based lock manager guarding background passes.
package redis
