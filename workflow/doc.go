// Package workflow implements a composable task-orchestration engine.
//
// A workflow is a tree of steps. Worker leaves perform units of work
// against a shared key/value state; Sequential, Parallel, Loop and
// Conditional composites describe control flow. The Runner executes a
// tree against a state.Store, emits an ordered stream of ProgressEvents
// and returns a RunResult with the final state snapshot and per-step
// execution records.
//
// Key properties:
//   - All state writes go through the runner and are serialized, so
//     Parallel children never observe torn writes.
//   - Step failures propagate fail-fast through Sequential and the
//     runner; Parallel drains in-flight siblings first.
//   - Cancellation is a terminal outcome, not a failure. Workers
//     already running are allowed to finish.
//   - The runner never retries. Retry and rate limiting are worker
//     level wrappers (WithRetry, WithRateLimit).
package workflow
