package workflow

// StepKind is the closed set of node kinds a step tree is built from.
// New composition kinds are added by extending this set, not by
// subclassing, so exhaustive switches stay checkable.
type StepKind string

const (
	// StepKindWorker is a leaf unit of work.
	StepKindWorker StepKind = "worker"
	// StepKindSequential runs children in order, fail-fast.
	StepKindSequential StepKind = "sequential"
	// StepKindParallel runs children concurrently, drain-then-fail.
	StepKindParallel StepKind = "parallel"
	// StepKindLoop repeats its child sequence up to a bounded number of
	// iterations or until a worker escalates.
	StepKindLoop StepKind = "loop"
	// StepKindConditional evaluates a predicate once and runs the
	// selected branch.
	StepKindConditional StepKind = "conditional"
)

// Step is a node in a workflow tree: either a Worker leaf or one of the
// composite kinds. Steps are immutable descriptors; all execution logic
// lives in the Runner.
type Step interface {
	// ID returns the tree-unique step identifier.
	ID() string
	// Kind returns the variant tag.
	Kind() StepKind
}

// children returns the child steps of a composite, nil for leaves.
func children(s Step) []Step {
	switch t := s.(type) {
	case *Sequential:
		return t.children
	case *Parallel:
		return t.children
	case *Loop:
		return t.children
	case *Conditional:
		branches := make([]Step, 0, len(t.branches))
		for _, b := range t.branchOrder {
			branches = append(branches, t.branches[b])
		}
		return branches
	default:
		return nil
	}
}
