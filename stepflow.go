// Package stepflow provides a top-level convenience entry point for
// building and running workflows with minimal boilerplate.
//
// Usage:
//
//	import "github.com/BaSui01/stepflow"
//
//	root := stepflow.Sequential("pipeline",
//	    stepflow.Worker("double", doubleFn, stepflow.WithOutputKey("y")),
//	)
//	result, err := stepflow.Run(ctx, root, map[string]any{"x": 5})
//
// This is a thin wrapper around the workflow package; both produce
// identical results. Use this package when you prefer the shorter
// import path.
package stepflow

import (
	"context"

	"go.uber.org/zap"

	"github.com/BaSui01/stepflow/workflow"
)

// Run executes a step tree with a default runner and an in-memory
// state store seeded with the initial mapping.
func Run(ctx context.Context, root workflow.Step, initial map[string]any) (*workflow.RunResult, error) {
	logger, err := zap.NewProduction()
	if err != nil {
		logger = zap.NewNop()
	}
	defer logger.Sync()
	return workflow.NewRunner(logger).Execute(ctx, root, initial)
}

// Re-export the tree constructors so simple callers never need to
// import workflow/.

// Worker creates a leaf step.
var Worker = workflow.NewWorker

// Sequential creates an in-order composite.
var Sequential = workflow.NewSequential

// Parallel creates a concurrent composite.
var Parallel = workflow.NewParallel

// Loop creates a bounded repeating composite.
var Loop = workflow.NewLoop

// Conditional creates a predicate-routed composite.
var Conditional = workflow.NewConditional

// WithInputKeys declares the state keys a worker reads.
var WithInputKeys = workflow.WithInputKeys

// WithOutputKey declares the state key a worker's output lands in.
var WithOutputKey = workflow.WithOutputKey

// WithTimeout bounds a single worker invocation.
var WithTimeout = workflow.WithTimeout
