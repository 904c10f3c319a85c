package main

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/BaSui01/stepflow/config"
	"github.com/BaSui01/stepflow/state"
	"github.com/BaSui01/stepflow/workflow"
)

// builtinRegistry provides the workers and predicates available to YAML
// workflows run from the CLI without writing Go code.
func builtinRegistry() *config.Registry {
	reg := config.NewRegistry()

	// constant emits a fixed value. Params: value.
	reg.RegisterWorkerFactory("constant", func(params map[string]any) (workflow.WorkerFunc, error) {
		value, ok := params["value"]
		if !ok {
			return nil, errors.New("constant requires a value param")
		}
		return func(_ context.Context, _ state.Reader) (workflow.WorkerResult, error) {
			return workflow.WorkerResult{Output: value}, nil
		}, nil
	})

	// copy reads one key and emits its value. Params: from, default.
	reg.RegisterWorkerFactory("copy", func(params map[string]any) (workflow.WorkerFunc, error) {
		from, ok := params["from"].(string)
		if !ok || from == "" {
			return nil, errors.New("copy requires a from param")
		}
		def := params["default"]
		return func(ctx context.Context, st state.Reader) (workflow.WorkerResult, error) {
			return workflow.WorkerResult{Output: st.Get(ctx, from, def)}, nil
		}, nil
	})

	// sleep pauses for a duration. Params: duration (e.g. "200ms").
	reg.RegisterWorkerFactory("sleep", func(params map[string]any) (workflow.WorkerFunc, error) {
		raw, ok := params["duration"].(string)
		if !ok {
			return nil, errors.New("sleep requires a duration param")
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid duration: %w", err)
		}
		return func(ctx context.Context, _ state.Reader) (workflow.WorkerResult, error) {
			select {
			case <-ctx.Done():
				return workflow.WorkerResult{}, ctx.Err()
			case <-time.After(d):
				return workflow.WorkerResult{Output: raw}, nil
			}
		}, nil
	})

	// fail always fails. Params: message.
	reg.RegisterWorkerFactory("fail", func(params map[string]any) (workflow.WorkerFunc, error) {
		msg, _ := params["message"].(string)
		if msg == "" {
			msg = "induced failure"
		}
		return func(_ context.Context, _ state.Reader) (workflow.WorkerResult, error) {
			return workflow.WorkerResult{}, errors.New(msg)
		}, nil
	})

	// escalate_if_equals escalates when a state key holds the expected
	// value. Params: key, value.
	reg.RegisterWorkerFactory("escalate_if_equals", func(params map[string]any) (workflow.WorkerFunc, error) {
		key, ok := params["key"].(string)
		if !ok || key == "" {
			return nil, errors.New("escalate_if_equals requires a key param")
		}
		expected := params["value"]
		return func(ctx context.Context, st state.Reader) (workflow.WorkerResult, error) {
			actual := st.Get(ctx, key, nil)
			// DeepEqual rather than ==: YAML params can carry maps and
			// slices, which panic under plain comparison.
			if reflect.DeepEqual(actual, expected) {
				return workflow.WorkerResult{
					Output:          actual,
					Escalate:        true,
					EscalatePayload: fmt.Sprintf("%s = %v", key, actual),
				}, nil
			}
			return workflow.WorkerResult{Output: actual}, nil
		}, nil
	})

	// counter emits 1, 2, 3... across invocations, useful for bounded
	// loop demos.
	reg.RegisterWorkerFactory("counter", func(_ map[string]any) (workflow.WorkerFunc, error) {
		n := 0
		return func(_ context.Context, _ state.Reader) (workflow.WorkerResult, error) {
			n++
			return workflow.WorkerResult{Output: n}, nil
		}, nil
	})

	// branch_key routes a conditional on the string stored under the
	// "branch" state key.
	reg.RegisterPredicate("branch_key", func(ctx context.Context, st state.Reader) (string, error) {
		branch, ok := st.Get(ctx, "branch", "").(string)
		if !ok || branch == "" {
			return "", errors.New("state key branch is not set")
		}
		return branch, nil
	})

	return reg
}
