package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/BaSui01/stepflow/internal/metrics"
	"github.com/BaSui01/stepflow/state"
	"github.com/BaSui01/stepflow/types"
)

// RunStatus is the terminal status of a workflow run.
type RunStatus string

const (
	// RunStatusDone means the tree ran to a terminal state without failure.
	RunStatusDone RunStatus = "done"
	// RunStatusFailed means a step failure propagated to the root.
	RunStatusFailed RunStatus = "failed"
	// RunStatusCancelled means external cancellation or run timeout.
	RunStatusCancelled RunStatus = "cancelled"
)

// ExecStatus is the lifecycle status of one step execution record.
type ExecStatus string

const (
	ExecStatusRunning   ExecStatus = "running"
	ExecStatusCompleted ExecStatus = "completed"
	ExecStatusFailed    ExecStatus = "failed"
	ExecStatusCancelled ExecStatus = "cancelled"
)

// StepExecution records the execution of a single step.
type StepExecution struct {
	StepID    string        `json:"step_id"`
	Kind      StepKind      `json:"kind"`
	Iteration int           `json:"iteration,omitempty"`
	OutputKey string        `json:"output_key,omitempty"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`
	Status    ExecStatus    `json:"status"`
	Error     string        `json:"error,omitempty"`
}

// RunResult is the complete record of one workflow run. It is returned
// for failed and cancelled runs too: already-written state keys remain
// inspectable so callers can see how far the workflow got.
type RunResult struct {
	RunID      string           `json:"run_id"`
	WorkflowID string           `json:"workflow_id"`
	Status     RunStatus        `json:"status"`
	Reason     TerminalReason   `json:"reason"`
	StartTime  time.Time        `json:"start_time"`
	EndTime    time.Time        `json:"end_time"`
	Duration   time.Duration    `json:"duration"`
	State      state.Snapshot   `json:"state"`
	Events     []ProgressEvent  `json:"events"`
	Steps      []*StepExecution `json:"steps"`
	Err        *types.Error     `json:"error,omitempty"`
}

// HistoryRecorder persists finished run results. Recording failures are
// logged, never allowed to fail the run itself.
type HistoryRecorder interface {
	Record(ctx context.Context, result *RunResult) error
}

// Runner drives execution of a step tree against a state store,
// producing an ordered stream of progress events. All state writes are
// serialized through the runner; workers only ever see read handles.
// The runner never retries — retry is worker-level policy.
type Runner struct {
	logger      *zap.Logger
	collector   *metrics.Collector
	tracer      trace.Tracer
	maxParallel int64
	runTimeout  time.Duration
	sinks       []EventSink
	history     HistoryRecorder
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithMetrics attaches a metrics collector.
func WithMetrics(c *metrics.Collector) RunnerOption {
	return func(r *Runner) {
		r.collector = c
	}
}

// WithMaxParallel bounds how many children of a single Parallel step run
// concurrently. Zero or negative means unbounded.
func WithMaxParallel(n int) RunnerOption {
	return func(r *Runner) {
		r.maxParallel = int64(n)
	}
}

// WithRunTimeout bounds a whole run. Exceeding it behaves like an
// external cancellation request, not a failure.
func WithRunTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) {
		r.runTimeout = d
	}
}

// WithSink attaches an event sink to every run of this runner.
func WithSink(sink EventSink) RunnerOption {
	return func(r *Runner) {
		if sink != nil {
			r.sinks = append(r.sinks, sink)
		}
	}
}

// WithHistory attaches a recorder that persists finished runs.
func WithHistory(h HistoryRecorder) RunnerOption {
	return func(r *Runner) {
		r.history = h
	}
}

// WithTracer overrides the OpenTelemetry tracer used for step spans.
func WithTracer(t trace.Tracer) RunnerOption {
	return func(r *Runner) {
		r.tracer = t
	}
}

// NewRunner creates a runner. A nil logger falls back to a no-op logger.
func NewRunner(logger *zap.Logger, opts ...RunnerOption) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runner{
		logger: logger.With(zap.String("component", "runner")),
		tracer: otel.Tracer("github.com/BaSui01/stepflow/workflow"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Execute runs the step tree against a fresh in-memory store seeded with
// the initial mapping. See ExecuteWithStore.
func (r *Runner) Execute(ctx context.Context, root Step, initial map[string]any) (*RunResult, error) {
	return r.ExecuteWithStore(ctx, root, state.NewMemoryStore(initial))
}

// ExecuteWithStore runs the step tree to completion and returns the run
// record. The returned error is non-nil only for failed runs; a
// cancelled run yields (result, nil) with Status RunStatusCancelled,
// since cancellation is a terminal outcome distinct from failure.
//
// On cancellation the runner stops launching new children and lets
// already-started workers finish: external calls cannot be safely
// aborted mid-flight, and partial sibling writes would make the final
// state unreproducible.
func (r *Runner) ExecuteWithStore(ctx context.Context, root Step, store state.Store) (*RunResult, error) {
	if err := Validate(root); err != nil {
		return nil, err
	}

	runID := uuid.New().String()
	ctx = types.WithRunID(ctx, runID)
	ctx = types.WithWorkflowID(ctx, root.ID())
	if r.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.runTimeout)
		defer cancel()
	}

	sinks := r.sinks
	if sink, ok := eventSinkFromContext(ctx); ok {
		sinks = append(append([]EventSink{}, r.sinks...), sink)
	}

	e := &execution{
		runner:     r,
		runID:      runID,
		workflowID: root.ID(),
		store:      store,
		sinks:      sinks,
		logger: r.logger.With(
			zap.String("run_id", runID),
			zap.String("workflow", root.ID()),
		),
	}

	e.logger.Info("starting workflow run")
	if r.collector != nil {
		r.collector.RecordRunStart(root.ID())
	}
	start := time.Now()

	out, err := e.execStep(ctx, root)

	end := time.Now()
	result := &RunResult{
		RunID:      runID,
		WorkflowID: root.ID(),
		StartTime:  start,
		EndTime:    end,
		Duration:   end.Sub(start),
		State:      store.Snapshot(context.WithoutCancel(ctx)),
		Steps:      e.steps,
	}

	switch {
	case err == nil:
		result.Status = RunStatusDone
		result.Reason = ReasonCompleted
		if out.escalated {
			result.Reason = ReasonEscalated
		}
		e.dispatch(ProgressEvent{Kind: EventWorkflowDone, Reason: result.Reason})
		e.logger.Info("workflow run completed",
			zap.String("reason", string(result.Reason)),
			zap.Duration("duration", result.Duration),
			zap.Int("steps_executed", len(e.steps)),
		)
	case isCancelled(err):
		result.Status = RunStatusCancelled
		result.Reason = ReasonCancelled
		e.dispatch(ProgressEvent{Kind: EventWorkflowCancelled, Reason: ReasonCancelled})
		e.logger.Warn("workflow run cancelled", zap.Duration("duration", result.Duration))
		err = nil
	default:
		terr := asEngineError(err)
		result.Status = RunStatusFailed
		result.Err = terr
		e.dispatch(ProgressEvent{
			Kind:  EventWorkflowFailed,
			Error: terr.Error(),
			Payload: map[string]any{
				"code":    string(terr.Code),
				"step_id": terr.StepID,
			},
		})
		e.logger.Error("workflow run failed",
			zap.String("failing_step", terr.StepID),
			zap.Duration("duration", result.Duration),
			zap.Error(terr),
		)
		err = terr
	}

	result.Events = e.events

	if r.collector != nil {
		r.collector.RecordRunEnd(root.ID(), string(result.Status), result.Duration)
	}
	if r.history != nil {
		if herr := r.history.Record(context.WithoutCancel(ctx), result); herr != nil {
			e.logger.Warn("failed to record run history", zap.Error(herr))
		}
	}

	return result, err
}

// outcome carries a consumed-or-propagating escalation signal up the
// step tree. The nearest enclosing loop consumes it; everything else
// passes it through.
type outcome struct {
	escalated bool
	payload   any
}

// execution is the per-run mutable context. Event dispatch and state
// writes are each serialized through their own mutex so Parallel
// children never race.
type execution struct {
	runner     *Runner
	runID      string
	workflowID string
	store      state.Store
	sinks      []EventSink
	logger     *zap.Logger

	emitMu sync.Mutex
	events []ProgressEvent

	writeMu sync.Mutex

	stepMu sync.Mutex
	steps  []*StepExecution
}

// dispatch appends the event to the ordered run log and forwards it to
// all sinks. Holding the lock across sink calls preserves the emission
// order observable downstream.
func (e *execution) dispatch(ev ProgressEvent) {
	ev.RunID = e.runID
	ev.Timestamp = time.Now()

	e.emitMu.Lock()
	defer e.emitMu.Unlock()
	e.events = append(e.events, ev)
	for _, sink := range e.sinks {
		sink(ev)
	}
}

func (e *execution) beginStep(s Step, iteration int) *StepExecution {
	rec := &StepExecution{
		StepID:    s.ID(),
		Kind:      s.Kind(),
		Iteration: iteration,
		StartTime: time.Now(),
		Status:    ExecStatusRunning,
	}
	if w, ok := s.(*Worker); ok {
		rec.OutputKey = w.outputKey
	}
	e.stepMu.Lock()
	e.steps = append(e.steps, rec)
	e.stepMu.Unlock()
	return rec
}

func (e *execution) finishStep(rec *StepExecution, err error) {
	e.stepMu.Lock()
	defer e.stepMu.Unlock()
	rec.EndTime = time.Now()
	rec.Duration = rec.EndTime.Sub(rec.StartTime)
	switch {
	case err == nil:
		rec.Status = ExecStatusCompleted
	case isCancelled(err):
		rec.Status = ExecStatusCancelled
	default:
		rec.Status = ExecStatusFailed
		rec.Error = err.Error()
	}
}

// execStep executes one node of the tree and emits its transitions.
func (e *execution) execStep(ctx context.Context, s Step) (outcome, error) {
	if err := ctx.Err(); err != nil {
		return outcome{}, cancelledError(err)
	}

	iteration := iterationFromContext(ctx)
	ctx, span := e.runner.tracer.Start(ctx, fmt.Sprintf("%s %s", s.Kind(), s.ID()),
		trace.WithAttributes(
			attribute.String("step.id", s.ID()),
			attribute.String("step.kind", string(s.Kind())),
		),
	)
	defer span.End()

	rec := e.beginStep(s, iteration)
	e.dispatch(ProgressEvent{
		Kind:      EventStepStarted,
		StepID:    s.ID(),
		StepKind:  s.Kind(),
		Iteration: iteration,
	})
	e.logger.Debug("step started",
		zap.String("step_id", s.ID()),
		zap.String("step_kind", string(s.Kind())),
	)

	var (
		out     outcome
		reason  TerminalReason
		payload map[string]any
		err     error
	)
	switch t := s.(type) {
	case *Worker:
		out, payload, err = e.execWorker(ctx, t)
	case *Sequential:
		out, err = e.execSequence(ctx, t.children)
	case *Parallel:
		out, err = e.execParallel(ctx, t)
	case *Loop:
		out, reason, payload, err = e.execLoop(ctx, t)
	case *Conditional:
		out, payload, err = e.execConditional(ctx, t)
	default:
		err = types.NewError(types.ErrInvalidWorkflow, fmt.Sprintf("unknown step kind: %T", s))
	}

	e.finishStep(rec, err)
	if e.runner.collector != nil {
		e.runner.collector.RecordStep(string(s.Kind()), string(rec.Status), rec.Duration)
	}

	if err != nil {
		if isCancelled(err) {
			span.SetStatus(codes.Error, "cancelled")
			return out, err
		}
		terr := asEngineError(err).WithStepID(s.ID())
		span.RecordError(terr)
		span.SetStatus(codes.Error, string(terr.Code))
		e.logger.Error("step failed",
			zap.String("step_id", s.ID()),
			zap.String("step_kind", string(s.Kind())),
			zap.Duration("duration", rec.Duration),
			zap.Error(terr),
		)
		e.dispatch(ProgressEvent{
			Kind:      EventStepFailed,
			StepID:    s.ID(),
			StepKind:  s.Kind(),
			Iteration: iteration,
			Error:     terr.Error(),
			Payload:   map[string]any{"code": string(terr.Code)},
		})
		return out, terr
	}

	span.SetStatus(codes.Ok, "")
	e.dispatch(ProgressEvent{
		Kind:      EventStepCompleted,
		StepID:    s.ID(),
		StepKind:  s.Kind(),
		Iteration: iteration,
		Reason:    reason,
		Payload:   payload,
	})
	e.logger.Debug("step completed",
		zap.String("step_id", s.ID()),
		zap.Duration("duration", rec.Duration),
	)
	return out, nil
}

// execWorker invokes the worker function against a state snapshot and
// writes its output back through the serialized write path. The worker
// context is detached from run cancellation so in-flight external calls
// drain instead of being killed; only the worker's own timeout applies.
func (e *execution) execWorker(ctx context.Context, w *Worker) (outcome, map[string]any, error) {
	snap := e.store.Snapshot(ctx)
	if e.runner.collector != nil {
		e.runner.collector.RecordStateRead(e.workflowID)
	}

	workerCtx := context.WithoutCancel(ctx)
	var cancel context.CancelFunc
	if w.timeout > 0 {
		workerCtx, cancel = context.WithTimeout(workerCtx, w.timeout)
		defer cancel()
	}

	type invocation struct {
		result WorkerResult
		err    error
	}
	done := make(chan invocation, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- invocation{err: fmt.Errorf("worker panicked: %v", p)}
			}
		}()
		result, err := w.fn(workerCtx, snap)
		done <- invocation{result: result, err: err}
	}()

	var result WorkerResult
	select {
	case inv := <-done:
		if inv.err != nil {
			// A context-aware function may surface its own timeout before
			// the select observes the deadline.
			if w.timeout > 0 && errors.Is(inv.err, context.DeadlineExceeded) {
				return outcome{}, nil, workerTimeoutError(w)
			}
			return outcome{}, nil, wrapWorkerError(inv.err, w.id)
		}
		result = inv.result
	case <-workerCtx.Done():
		// The function goroutine is left to finish on its own; its send
		// lands in the buffered channel and is dropped.
		return outcome{}, nil, workerTimeoutError(w)
	}

	if w.outputKey != "" {
		// The write is detached from run cancellation like the worker
		// itself: a drained worker's output must land even when the run
		// was cancelled while it was in flight.
		e.writeMu.Lock()
		werr := e.store.Set(context.WithoutCancel(ctx), w.outputKey, result.Output)
		e.writeMu.Unlock()
		if e.runner.collector != nil {
			status := "ok"
			if werr != nil {
				status = "error"
			}
			e.runner.collector.RecordStateWrite(e.workflowID, status)
		}
		if werr != nil {
			return outcome{}, nil, asEngineError(werr).WithStepID(w.id)
		}
	}

	payload := map[string]any{}
	if w.outputKey != "" {
		payload["output_key"] = w.outputKey
	}
	if result.Escalate {
		payload["escalate"] = true
		if e.runner.collector != nil {
			e.runner.collector.RecordEscalation(e.workflowID)
		}
		e.logger.Debug("worker escalated", zap.String("step_id", w.id))
	}
	return outcome{escalated: result.Escalate, payload: result.EscalatePayload}, payload, nil
}

// execSequence runs steps in order, fail-fast. Escalations from any
// child are accumulated and propagated; remaining children of the
// current sequence still run, since escalation only takes effect at the
// iteration boundary of the nearest enclosing loop.
func (e *execution) execSequence(ctx context.Context, steps []Step) (outcome, error) {
	var agg outcome
	for _, child := range steps {
		out, err := e.execStep(ctx, child)
		if err != nil {
			return agg, err
		}
		if out.escalated {
			agg.escalated = true
			agg.payload = out.payload
		}
	}
	return agg, nil
}

// execParallel launches all children concurrently (bounded by the
// runner's parallelism limit) and drains every in-flight child before
// reporting failure, so surviving sibling outputs stay in state.
func (e *execution) execParallel(ctx context.Context, p *Parallel) (outcome, error) {
	var sem *semaphore.Weighted
	if e.runner.maxParallel > 0 {
		sem = semaphore.NewWeighted(e.runner.maxParallel)
	}

	type childResult struct {
		out outcome
		err error
	}
	results := make(chan childResult, len(p.children))
	var wg sync.WaitGroup

	for _, child := range p.children {
		wg.Add(1)
		go func(child Step) {
			defer wg.Done()
			if sem != nil {
				// Acquire fails only on cancellation: the child was
				// never launched.
				if err := sem.Acquire(ctx, 1); err != nil {
					results <- childResult{err: cancelledError(err)}
					return
				}
				defer sem.Release(1)
			}
			out, err := e.execStep(ctx, child)
			results <- childResult{out: out, err: err}
		}(child)
	}

	wg.Wait()
	close(results)

	var agg outcome
	var failures []error
	cancelled := false
	for res := range results {
		switch {
		case res.err == nil:
			if res.out.escalated {
				agg.escalated = true
				agg.payload = res.out.payload
			}
		case isCancelled(res.err):
			cancelled = true
		default:
			failures = append(failures, res.err)
		}
	}

	switch {
	case len(failures) == 1:
		return agg, failures[0]
	case len(failures) > 1:
		first := asEngineError(failures[0])
		return agg, types.NewError(first.Code,
			fmt.Sprintf("%d of %d children failed", len(failures), len(p.children))).
			WithCause(errors.Join(failures...)).
			WithStepID(first.StepID)
	case cancelled:
		return agg, cancelledError(ctx.Err())
	default:
		return agg, nil
	}
}

// execLoop repeats the child sequence until the iteration bound or an
// escalation raised during the just-finished iteration. When both hold
// at once the escalation wins the reason; either way the loop is Done,
// not failed. The consumed escalation is cleared and never propagates
// past the loop.
func (e *execution) execLoop(ctx context.Context, l *Loop) (outcome, TerminalReason, map[string]any, error) {
	iterations := 0
	reason := ReasonMaxIterations
	var escalation any

	for i := 1; i <= l.maxIterations; i++ {
		if err := ctx.Err(); err != nil {
			return outcome{}, "", nil, cancelledError(err)
		}
		out, err := e.execSequence(withIteration(ctx, i), l.children)
		if err != nil {
			return outcome{}, "", nil, err
		}
		iterations = i
		if out.escalated {
			reason = ReasonEscalated
			escalation = out.payload
			break
		}
	}

	if e.runner.collector != nil {
		e.runner.collector.RecordLoop(e.workflowID, iterations)
	}

	payload := map[string]any{"iterations": iterations}
	if escalation != nil {
		payload["escalation"] = escalation
	}
	return outcome{}, reason, payload, nil
}

// execConditional evaluates the predicate exactly once against live
// state and runs the selected branch. Escalations pass through to the
// nearest enclosing loop.
func (e *execution) execConditional(ctx context.Context, c *Conditional) (outcome, map[string]any, error) {
	branchKey, err := c.predicate(ctx, e.store)
	if err != nil {
		return outcome{}, nil, types.NewError(types.ErrPredicateFailed, "predicate evaluation failed").
			WithCause(err).
			WithStepID(c.id)
	}

	branch, ok := c.branches[branchKey]
	if !ok {
		return outcome{}, nil, types.NewError(types.ErrUnknownBranch,
			fmt.Sprintf("predicate returned %q with no matching branch", branchKey)).
			WithStepID(c.id)
	}

	e.logger.Debug("branch selected",
		zap.String("step_id", c.id),
		zap.String("branch", branchKey),
	)

	out, err := e.execStep(ctx, branch)
	return out, map[string]any{"branch": branchKey}, err
}

func workerTimeoutError(w *Worker) error {
	return types.NewError(types.ErrWorkerTimeout,
		fmt.Sprintf("worker exceeded timeout of %s", w.timeout)).
		WithStepID(w.id).
		WithRetryable(true)
}

// wrapWorkerError normalizes a worker failure. Engine errors carrying a
// worker code pass through so wrappers (retry, rate limit) can shape
// their own failures; everything else becomes WORKER_EXECUTION_FAILED
// with the underlying cause preserved.
func wrapWorkerError(err error, stepID string) error {
	var terr *types.Error
	if errors.As(err, &terr) {
		switch terr.Code {
		case types.ErrWorkerTimeout, types.ErrWorkerExecutionFailed:
			return terr.WithStepID(stepID)
		}
	}
	return types.NewError(types.ErrWorkerExecutionFailed, "worker execution failed").
		WithCause(err).
		WithStepID(stepID)
}

// asEngineError coerces any error into a structured engine error.
func asEngineError(err error) *types.Error {
	var terr *types.Error
	if errors.As(err, &terr) {
		return terr
	}
	return types.NewError(types.ErrInternalError, "internal error").WithCause(err)
}

// cancelledError wraps a context error as the cancellation sentinel.
func cancelledError(cause error) error {
	return types.NewError(types.ErrWorkflowCancelled, "run cancelled").WithCause(cause)
}

// isCancelled reports whether err represents run cancellation (external
// cancel or run timeout) rather than a step failure. Structured errors
// are judged by code alone: a worker failure whose cause chain happens
// to contain a context error is still a failure.
func isCancelled(err error) bool {
	if err == nil {
		return false
	}
	var terr *types.Error
	if errors.As(err, &terr) {
		return terr.Code == types.ErrWorkflowCancelled
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
