package workflow

import (
	"context"
	"fmt"

	"github.com/BaSui01/stepflow/state"
	"github.com/BaSui01/stepflow/types"
)

// Sequential runs its children in order. A child failure aborts the
// remaining children (fail-fast).
type Sequential struct {
	id       string
	children []Step
}

var _ Step = (*Sequential)(nil)

// NewSequential creates a sequential composite.
func NewSequential(id string, children ...Step) *Sequential {
	return &Sequential{id: id, children: children}
}

// ID implements Step.
func (s *Sequential) ID() string { return s.id }

// Kind implements Step.
func (s *Sequential) Kind() StepKind { return StepKindSequential }

// Children returns the ordered child list.
func (s *Sequential) Children() []Step { return s.children }

// Parallel runs its children concurrently. If a child fails, in-flight
// siblings are drained to completion before the step reports failure, so
// the surviving outputs remain in state (determinism of output state over
// latency).
type Parallel struct {
	id       string
	children []Step
}

var _ Step = (*Parallel)(nil)

// NewParallel creates a parallel composite.
func NewParallel(id string, children ...Step) *Parallel {
	return &Parallel{id: id, children: children}
}

// ID implements Step.
func (p *Parallel) ID() string { return p.id }

// Kind implements Step.
func (p *Parallel) Kind() StepKind { return StepKindParallel }

// Children returns the child set.
func (p *Parallel) Children() []Step { return p.children }

// Loop repeats its child sequence until maxIterations or a worker
// escalation observed after the iteration that raised it. Loop is the
// only construct providing repetition, so every bounded tree terminates.
type Loop struct {
	id            string
	maxIterations int
	children      []Step
}

var _ Step = (*Loop)(nil)

// NewLoop creates a loop composite with a hard iteration bound.
func NewLoop(id string, maxIterations int, children ...Step) *Loop {
	return &Loop{id: id, maxIterations: maxIterations, children: children}
}

// ID implements Step.
func (l *Loop) ID() string { return l.id }

// Kind implements Step.
func (l *Loop) Kind() StepKind { return StepKindLoop }

// Children returns the per-iteration child sequence.
func (l *Loop) Children() []Step { return l.children }

// MaxIterations returns the iteration bound.
func (l *Loop) MaxIterations() int { return l.maxIterations }

// Predicate decides which branch of a Conditional runs. It is evaluated
// exactly once per invocation against the current state.
type Predicate func(ctx context.Context, st state.Reader) (string, error)

// Conditional evaluates its predicate once and runs the selected branch.
// A branch key with no registered branch fails the run with
// UNKNOWN_BRANCH; that is a configuration error, not retried.
type Conditional struct {
	id          string
	predicate   Predicate
	branches    map[string]Step
	branchOrder []string
}

var _ Step = (*Conditional)(nil)

// NewConditional creates a conditional composite.
func NewConditional(id string, predicate Predicate, branches map[string]Step) *Conditional {
	order := make([]string, 0, len(branches))
	for key := range branches {
		order = append(order, key)
	}
	return &Conditional{id: id, predicate: predicate, branches: branches, branchOrder: order}
}

// ID implements Step.
func (c *Conditional) ID() string { return c.id }

// Kind implements Step.
func (c *Conditional) Kind() StepKind { return StepKindConditional }

// Branch returns the step registered for a branch key.
func (c *Conditional) Branch(key string) (Step, bool) {
	s, ok := c.branches[key]
	return s, ok
}

// Validate checks a step tree before execution: IDs present and unique,
// no step its own descendant, loop bounds ≥ 1, conditionals and workers
// fully configured. Returns INVALID_WORKFLOW on the first violation.
func Validate(root Step) error {
	if root == nil {
		return types.NewError(types.ErrInvalidWorkflow, "root step is nil")
	}
	seen := make(map[string]bool)
	return validateStep(root, seen, make(map[Step]bool))
}

func validateStep(s Step, seen map[string]bool, ancestors map[Step]bool) error {
	if s == nil {
		return types.NewError(types.ErrInvalidWorkflow, "step is nil")
	}
	if s.ID() == "" {
		return types.NewError(types.ErrInvalidWorkflow, fmt.Sprintf("%s step has empty ID", s.Kind()))
	}
	if ancestors[s] {
		return types.NewError(types.ErrInvalidWorkflow, "step tree contains a cycle").WithStepID(s.ID())
	}
	if seen[s.ID()] {
		return types.NewError(types.ErrInvalidWorkflow, "duplicate step ID: "+s.ID())
	}
	seen[s.ID()] = true

	switch t := s.(type) {
	case *Worker:
		if t.fn == nil {
			return types.NewError(types.ErrWorkerNotConfigured, "worker has no function").WithStepID(t.id)
		}
		return nil
	case *Loop:
		if t.maxIterations < 1 {
			return types.NewError(types.ErrInvalidWorkflow, "loop max iterations must be >= 1").WithStepID(t.id)
		}
		if len(t.children) == 0 {
			return types.NewError(types.ErrInvalidWorkflow, "loop has no children").WithStepID(t.id)
		}
	case *Sequential:
		if len(t.children) == 0 {
			return types.NewError(types.ErrInvalidWorkflow, "sequential has no children").WithStepID(t.id)
		}
	case *Parallel:
		if len(t.children) == 0 {
			return types.NewError(types.ErrInvalidWorkflow, "parallel has no children").WithStepID(t.id)
		}
	case *Conditional:
		if t.predicate == nil {
			return types.NewError(types.ErrInvalidWorkflow, "conditional has no predicate").WithStepID(t.id)
		}
		if len(t.branches) == 0 {
			return types.NewError(types.ErrInvalidWorkflow, "conditional has no branches").WithStepID(t.id)
		}
	default:
		return types.NewError(types.ErrInvalidWorkflow, fmt.Sprintf("unknown step kind: %T", s))
	}

	ancestors[s] = true
	defer delete(ancestors, s)
	for _, child := range children(s) {
		if err := validateStep(child, seen, ancestors); err != nil {
			return err
		}
	}
	return nil
}
