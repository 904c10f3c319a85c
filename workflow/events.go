package workflow

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// EventKind defines the type of a progress event.
type EventKind string

const (
	// EventStepStarted is emitted when a step begins execution.
	EventStepStarted EventKind = "step_started"
	// EventStepCompleted is emitted when a step finishes successfully.
	EventStepCompleted EventKind = "step_completed"
	// EventStepFailed is emitted when a step fails.
	EventStepFailed EventKind = "step_failed"
	// EventWorkflowDone is the terminal event of a successful run.
	EventWorkflowDone EventKind = "workflow_done"
	// EventWorkflowFailed is the terminal event of a failed run.
	EventWorkflowFailed EventKind = "workflow_failed"
	// EventWorkflowCancelled is the terminal event of a cancelled run.
	// Cancellation is not a failure.
	EventWorkflowCancelled EventKind = "workflow_cancelled"
)

// TerminalReason explains why a loop or a run reached a terminal state.
type TerminalReason string

const (
	// ReasonCompleted means the step tree ran to completion.
	ReasonCompleted TerminalReason = "completed"
	// ReasonMaxIterations means a loop exhausted its iteration bound.
	// This is a normal, expected terminal state, not an error.
	ReasonMaxIterations TerminalReason = "max_iterations"
	// ReasonEscalated means a worker escalation terminated a loop (or
	// surfaced at the root).
	ReasonEscalated TerminalReason = "escalated"
	// ReasonCancelled means an external cancellation or run timeout.
	ReasonCancelled TerminalReason = "cancelled"
)

// ProgressEvent carries information about one node transition in a run.
// Events are emitted in the order transitions actually occur; under
// Parallel that is completion order, which is observable but not
// prescribable.
type ProgressEvent struct {
	Kind      EventKind      `json:"kind"`
	RunID     string         `json:"run_id"`
	StepID    string         `json:"step_id,omitempty"`
	StepKind  StepKind       `json:"step_kind,omitempty"`
	Iteration int            `json:"iteration,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Reason    TerminalReason `json:"reason,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// EventSink is a callback that receives progress events. Sinks are
// invoked synchronously and in order; a slow sink slows the run.
type EventSink func(ProgressEvent)

// eventSinkKey is the context key for a per-execution EventSink.
type eventSinkKey struct{}

// WithEventSink stores an EventSink in the context, attaching it to any
// run executed with that context.
func WithEventSink(ctx context.Context, sink EventSink) context.Context {
	if sink == nil {
		return ctx
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, eventSinkKey{}, sink)
}

// eventSinkFromContext retrieves the EventSink from context.
func eventSinkFromContext(ctx context.Context) (EventSink, bool) {
	if ctx == nil {
		return nil, false
	}
	v := ctx.Value(eventSinkKey{})
	if v == nil {
		return nil, false
	}
	sink, ok := v.(EventSink)
	return sink, ok && sink != nil
}

// EventWriter serializes progress events as newline-delimited JSON, the
// interchange format for downstream logging and tracing consumers.
type EventWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
	err error
}

// NewEventWriter creates an EventWriter on top of w.
func NewEventWriter(w io.Writer) *EventWriter {
	return &EventWriter{enc: json.NewEncoder(w)}
}

// Sink returns an EventSink that appends each event as one JSON line.
func (w *EventWriter) Sink() EventSink {
	return func(ev ProgressEvent) {
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.err != nil {
			return
		}
		w.err = w.enc.Encode(ev)
	}
}

// Err returns the first write error, if any.
func (w *EventWriter) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// iterationKey carries the current loop iteration through the context so
// events emitted inside a loop body are attributable. Nested loops
// shadow the outer value.
type iterationKey struct{}

func withIteration(ctx context.Context, i int) context.Context {
	return context.WithValue(ctx, iterationKey{}, i)
}

func iterationFromContext(ctx context.Context) int {
	if v, ok := ctx.Value(iterationKey{}).(int); ok {
		return v
	}
	return 0
}
