package workflow

import (
	"context"
	"time"

	"github.com/BaSui01/stepflow/state"
)

// WorkerResult is the structured return value of a worker invocation.
// Escalation travels here rather than through a mutable side channel so
// the signal is explicit in the worker's contract and testable in
// isolation.
type WorkerResult struct {
	// Output is written by the runner to the worker's output key.
	Output any
	// Escalate asks the nearest enclosing loop to terminate after the
	// current iteration completes.
	Escalate bool
	// EscalatePayload optionally explains the escalation.
	EscalatePayload any
}

// WorkerFunc is a worker's computation. It reads state through the
// provided reader and must route its write back through the returned
// WorkerResult; the runner performs the actual state write so that all
// writes stay serialized and auditable.
type WorkerFunc func(ctx context.Context, st state.Reader) (WorkerResult, error)

// Worker is an immutable leaf step: an identifier, a declared read/write
// contract, and a computation. Input keys are documentation for static
// analysis, not runtime-enforced; the function may read any key.
type Worker struct {
	id        string
	inputKeys []string
	outputKey string
	timeout   time.Duration
	fn        WorkerFunc
}

var _ Step = (*Worker)(nil)

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithInputKeys declares the state keys the worker reads.
func WithInputKeys(keys ...string) WorkerOption {
	return func(w *Worker) {
		w.inputKeys = keys
	}
}

// WithOutputKey declares the state key the runner writes the worker's
// output to. Without an output key the output is discarded.
func WithOutputKey(key string) WorkerOption {
	return func(w *Worker) {
		w.outputKey = key
	}
}

// WithTimeout bounds a single invocation. A worker exceeding it fails
// with WORKER_TIMEOUT; the underlying computation is left to finish on
// its own since external calls cannot be safely aborted mid-flight.
func WithTimeout(d time.Duration) WorkerOption {
	return func(w *Worker) {
		w.timeout = d
	}
}

// NewWorker creates a worker step.
func NewWorker(id string, fn WorkerFunc, opts ...WorkerOption) *Worker {
	w := &Worker{
		id: id,
		fn: fn,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// ID implements Step.
func (w *Worker) ID() string { return w.id }

// Kind implements Step.
func (w *Worker) Kind() StepKind { return StepKindWorker }

// InputKeys returns the declared read set.
func (w *Worker) InputKeys() []string { return w.inputKeys }

// OutputKey returns the declared write key.
func (w *Worker) OutputKey() string { return w.outputKey }

// Timeout returns the per-invocation bound, zero when unbounded.
func (w *Worker) Timeout() time.Duration { return w.timeout }
