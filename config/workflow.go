package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BaSui01/stepflow/types"
	"github.com/BaSui01/stepflow/workflow"
)

// StepDef is the YAML form of one step-tree node.
type StepDef struct {
	ID   string `yaml:"id"`
	Kind string `yaml:"kind"`

	// Worker fields. Params are passed to a worker factory when the
	// name resolves to one.
	Worker    string         `yaml:"worker,omitempty"`
	Params    map[string]any `yaml:"params,omitempty"`
	InputKeys []string       `yaml:"input_keys,omitempty"`
	OutputKey string         `yaml:"output_key,omitempty"`
	Timeout   time.Duration  `yaml:"timeout,omitempty"`

	// Loop fields.
	MaxIterations int `yaml:"max_iterations,omitempty"`

	// Conditional fields.
	Predicate string             `yaml:"predicate,omitempty"`
	Branches  map[string]StepDef `yaml:"branches,omitempty"`

	// Composite children.
	Steps []StepDef `yaml:"steps,omitempty"`
}

// Definition is a workflow declared in YAML. Worker and predicate names
// are resolved against a Registry at build time.
type Definition struct {
	Workflow StepDef `yaml:"workflow"`
}

// ParseWorkflow parses a YAML workflow definition.
func ParseWorkflow(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse workflow definition: %w", err)
	}
	return &def, nil
}

// LoadWorkflowFile reads and parses a YAML workflow definition file.
func LoadWorkflowFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file: %w", err)
	}
	return ParseWorkflow(data)
}

// WorkerFactory builds a worker function from the step's params, for
// parameterizable workers declared in YAML.
type WorkerFactory func(params map[string]any) (workflow.WorkerFunc, error)

// Registry maps the worker and predicate names a YAML definition refers
// to onto their implementations.
type Registry struct {
	workers    map[string]workflow.WorkerFunc
	factories  map[string]WorkerFactory
	predicates map[string]workflow.Predicate
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		workers:    make(map[string]workflow.WorkerFunc),
		factories:  make(map[string]WorkerFactory),
		predicates: make(map[string]workflow.Predicate),
	}
}

// RegisterWorker binds a worker name.
func (r *Registry) RegisterWorker(name string, fn workflow.WorkerFunc) *Registry {
	r.workers[name] = fn
	return r
}

// RegisterWorkerFactory binds a worker name to a params-driven factory.
func (r *Registry) RegisterWorkerFactory(name string, factory WorkerFactory) *Registry {
	r.factories[name] = factory
	return r
}

// RegisterPredicate binds a predicate name.
func (r *Registry) RegisterPredicate(name string, p workflow.Predicate) *Registry {
	r.predicates[name] = p
	return r
}

// ApplyWorkerTimeout sets a fallback timeout on every worker step that
// does not declare one of its own. A non-positive timeout leaves the
// definition untouched.
func (d *Definition) ApplyWorkerTimeout(timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	applyWorkerTimeout(&d.Workflow, timeout)
}

func applyWorkerTimeout(def *StepDef, timeout time.Duration) {
	if def.Kind == "worker" && def.Timeout == 0 {
		def.Timeout = timeout
	}
	for i := range def.Steps {
		applyWorkerTimeout(&def.Steps[i], timeout)
	}
	for key, branch := range def.Branches {
		applyWorkerTimeout(&branch, timeout)
		def.Branches[key] = branch
	}
}

// Build turns the definition into an executable step tree, resolving
// every referenced name through the registry.
func (d *Definition) Build(reg *Registry) (workflow.Step, error) {
	root, err := buildStep(d.Workflow, reg)
	if err != nil {
		return nil, err
	}
	if err := workflow.Validate(root); err != nil {
		return nil, err
	}
	return root, nil
}

func buildStep(def StepDef, reg *Registry) (workflow.Step, error) {
	switch def.Kind {
	case "worker":
		fn, ok := reg.workers[def.Worker]
		if !ok {
			factory, found := reg.factories[def.Worker]
			if !found {
				return nil, types.NewError(types.ErrWorkerNotConfigured,
					fmt.Sprintf("worker %q is not registered", def.Worker)).WithStepID(def.ID)
			}
			var err error
			fn, err = factory(def.Params)
			if err != nil {
				return nil, types.NewError(types.ErrWorkerNotConfigured,
					fmt.Sprintf("worker %q: %v", def.Worker, err)).WithStepID(def.ID)
			}
		}
		opts := []workflow.WorkerOption{}
		if len(def.InputKeys) > 0 {
			opts = append(opts, workflow.WithInputKeys(def.InputKeys...))
		}
		if def.OutputKey != "" {
			opts = append(opts, workflow.WithOutputKey(def.OutputKey))
		}
		if def.Timeout > 0 {
			opts = append(opts, workflow.WithTimeout(def.Timeout))
		}
		return workflow.NewWorker(def.ID, fn, opts...), nil

	case "sequential":
		children, err := buildChildren(def.Steps, reg)
		if err != nil {
			return nil, err
		}
		return workflow.NewSequential(def.ID, children...), nil

	case "parallel":
		children, err := buildChildren(def.Steps, reg)
		if err != nil {
			return nil, err
		}
		return workflow.NewParallel(def.ID, children...), nil

	case "loop":
		children, err := buildChildren(def.Steps, reg)
		if err != nil {
			return nil, err
		}
		return workflow.NewLoop(def.ID, def.MaxIterations, children...), nil

	case "conditional":
		pred, ok := reg.predicates[def.Predicate]
		if !ok {
			return nil, types.NewError(types.ErrInvalidWorkflow,
				fmt.Sprintf("predicate %q is not registered", def.Predicate)).WithStepID(def.ID)
		}
		branches := make(map[string]workflow.Step, len(def.Branches))
		for key, branchDef := range def.Branches {
			branch, err := buildStep(branchDef, reg)
			if err != nil {
				return nil, err
			}
			branches[key] = branch
		}
		return workflow.NewConditional(def.ID, pred, branches), nil

	default:
		return nil, types.NewError(types.ErrInvalidWorkflow,
			fmt.Sprintf("unknown step kind: %q", def.Kind)).WithStepID(def.ID)
	}
}

func buildChildren(defs []StepDef, reg *Registry) ([]workflow.Step, error) {
	children := make([]workflow.Step, 0, len(defs))
	for _, def := range defs {
		child, err := buildStep(def, reg)
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}
	return children, nil
}
