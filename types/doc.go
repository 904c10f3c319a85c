// Package types defines the shared vocabulary of the stepflow engine:
// structured errors with a unified error-code taxonomy, and context
// helpers for propagating run-scoped identifiers.
//
// The package is intentionally dependency-free so that every other
// package can import it without cycles.
package types
