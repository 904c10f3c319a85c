package workflow

import (
	"context"
	"fmt"
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"go.uber.org/zap"

	"github.com/BaSui01/stepflow/state"
)

// Deterministic trees must produce the same final state and the same
// event sequence on every run, regardless of how often they execute.
func TestRunnerDeterminismProperties(t *testing.T) {
	t.Parallel()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	runner := NewRunner(zap.NewNop())

	properties.Property("sequential pipeline state is reproducible", prop.ForAll(
		func(seed int, width int) bool {
			steps := make([]Step, width)
			for i := 0; i < width; i++ {
				key := fmt.Sprintf("k%d", i)
				val := seed + i
				steps[i] = setWorker(fmt.Sprintf("w%d", i), key, val)
			}
			root := NewSequential("pipeline", steps...)

			first, err1 := runner.Execute(context.Background(), root, map[string]any{"seed": seed})
			second, err2 := runner.Execute(context.Background(), root, map[string]any{"seed": seed})
			if err1 != nil || err2 != nil {
				return false
			}
			return reflect.DeepEqual(first.State, second.State)
		},
		gen.IntRange(-1000, 1000),
		gen.IntRange(1, 8),
	))

	properties.Property("sequential event order is reproducible", prop.ForAll(
		func(width int) bool {
			steps := make([]Step, width)
			for i := 0; i < width; i++ {
				steps[i] = setWorker(fmt.Sprintf("w%d", i), fmt.Sprintf("k%d", i), i)
			}
			root := NewSequential("pipeline", steps...)

			trace := func() []string {
				result, err := runner.Execute(context.Background(), root, nil)
				if err != nil {
					return nil
				}
				out := make([]string, len(result.Events))
				for i, ev := range result.Events {
					out[i] = string(ev.Kind) + ":" + ev.StepID
				}
				return out
			}
			return reflect.DeepEqual(trace(), trace())
		},
		gen.IntRange(1, 8),
	))

	properties.Property("loop iterations never exceed the bound", prop.ForAll(
		func(bound int, escalateAt int) bool {
			count := 0
			w := NewWorker("w", func(_ context.Context, _ state.Reader) (WorkerResult, error) {
				count++
				return WorkerResult{Escalate: count == escalateAt}, nil
			})
			root := NewLoop("loop", bound, w)

			count = 0
			result, err := runner.Execute(context.Background(), root, nil)
			if err != nil || result.Status != RunStatusDone {
				return false
			}
			if count > bound {
				return false
			}
			loopDone := ProgressEvent{}
			for _, ev := range result.Events {
				if ev.Kind == EventStepCompleted && ev.StepID == "loop" {
					loopDone = ev
				}
			}
			if escalateAt >= 1 && escalateAt <= bound {
				return loopDone.Reason == ReasonEscalated && count == escalateAt
			}
			return loopDone.Reason == ReasonMaxIterations && count == bound
		},
		gen.IntRange(1, 10),
		gen.IntRange(0, 15),
	))

	properties.Property("every run emits exactly one terminal event", prop.ForAll(
		func(fail bool) bool {
			var leaf Step
			if fail {
				leaf = failWorker("w", fmt.Errorf("induced"))
			} else {
				leaf = setWorker("w", "k", 1)
			}
			result, _ := runner.Execute(context.Background(), NewSequential("p", leaf), nil)
			if result == nil {
				return false
			}
			terminal := 0
			for _, ev := range result.Events {
				switch ev.Kind {
				case EventWorkflowDone, EventWorkflowFailed, EventWorkflowCancelled:
					terminal++
				}
			}
			return terminal == 1
		},
		gen.Bool(),
	))

	properties.TestingRun(t)
}
