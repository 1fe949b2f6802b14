// Package runtime provides panic recovery for goroutines launched by the
// engine, its background loops and the HTTP layer.
//
// Recovered panics are logged with their stack, recorded as an event on the
// active span and, under CrashProcess, re-raised.
package runtime
