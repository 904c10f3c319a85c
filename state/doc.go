// Package state implements the shared key-value scratchpad a workflow
// run reads and writes through.
//
// A Store is scoped to one run ("session"): created when the run starts,
// mutated exclusively by the runner while steps execute, and discarded
// (or left behind in Redis for inspection) when the run ends. Reads are
// total — a missing key yields a caller-supplied default — because steps
// inside Parallel or Conditional branches observe state in unpredictable
// orders.
//
// Two implementations are provided: MemoryStore for single-process runs
// and RedisStore for runs whose intermediate state must outlive the
// process.
package state
