// Package constant provides shared constant values and sentinel errors used
// across the settlement packages.
//
// Keep this package free of runtime behavior.
package constant
