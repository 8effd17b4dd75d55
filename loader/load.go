// Package loader reads workflow definition files (YAML or JSON) and builds
// executable DAG and state-machine definitions from them, resolving node
// bodies through a Registry and compiling guard expressions.
package loader

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ramuslabs/ramus/dag"
	"github.com/ramuslabs/ramus/machine"
)

// Kind discriminates workflow file schemas.
type Kind string

const (
	KindDAG     Kind = "dag"
	KindMachine Kind = "machine"
)

// Diagnostic represents a validation error or warning produced by workflow
// file validation.
type Diagnostic struct {
	Code     string `json:"code"`           // e.g. "WF-001"
	Severity string `json:"severity"`       // "error" or "warning"
	Message  string `json:"message"`        // human-readable description
	Path     string `json:"path,omitempty"` // path to the offending field
}

const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// HasErrors returns true if any diagnostic has error severity.
func HasErrors(diags []Diagnostic) bool {
	for _, d := range diags {
		if d.Severity == SeverityError {
			return true
		}
	}
	return false
}

// DiagnosticError wraps validation diagnostics as an error.
type DiagnosticError struct {
	Diagnostics []Diagnostic
}

func (e *DiagnosticError) Error() string {
	var errs []string
	for _, d := range e.Diagnostics {
		if d.Severity == SeverityError {
			errs = append(errs, fmt.Sprintf("%s: %s", d.Code, d.Message))
		}
	}
	return fmt.Sprintf("workflow validation failed: %s", strings.Join(errs, "; "))
}

// WorkflowFile is the serializable form of a workflow definition.
type WorkflowFile struct {
	Kind             Kind           `yaml:"kind" json:"kind"`
	Name             string         `yaml:"name" json:"name"`
	Description      string         `yaml:"description,omitempty" json:"description,omitempty"`
	Tags             []string       `yaml:"tags,omitempty" json:"tags,omitempty"`
	Context          map[string]any `yaml:"context,omitempty" json:"context,omitempty"`
	TolerateFailures bool           `yaml:"tolerate_failures,omitempty" json:"tolerate_failures,omitempty"`

	// DAG fields.
	Nodes map[string]NodeDef `yaml:"nodes,omitempty" json:"nodes,omitempty"`

	// Machine fields.
	Initial    string              `yaml:"initial,omitempty" json:"initial,omitempty"`
	ErrorState string              `yaml:"error_state,omitempty" json:"error_state,omitempty"`
	States     map[string]StateDef `yaml:"states,omitempty" json:"states,omitempty"`
}

// NodeDef is a serializable DAG node.
type NodeDef struct {
	Body                 string   `yaml:"body" json:"body"`
	Parents              []string `yaml:"parents,omitempty" json:"parents,omitempty"`
	Semaphore            string   `yaml:"semaphore,omitempty" json:"semaphore,omitempty"`
	TolerateParentErrors bool     `yaml:"tolerate_parent_errors,omitempty" json:"tolerate_parent_errors,omitempty"`
	Tags                 []string `yaml:"tags,omitempty" json:"tags,omitempty"`
}

// StateDef is a serializable machine state.
type StateDef struct {
	Body       string `yaml:"body,omitempty" json:"body,omitempty"`
	Final      bool   `yaml:"final,omitempty" json:"final,omitempty"`
	ErrorState string `yaml:"error_state,omitempty" json:"error_state,omitempty"`
	Semaphore  string `yaml:"semaphore,omitempty" json:"semaphore,omitempty"`

	// Transition is the bare next-state form.
	Transition string `yaml:"transition,omitempty" json:"transition,omitempty"`

	// Transitions is the keyed dispatch form; the empty key is the
	// always transition.
	Transitions map[string][]TransitionDef `yaml:"transitions,omitempty" json:"transitions,omitempty"`
}

// TransitionDef is one serializable guarded transition candidate.
type TransitionDef struct {
	Target string `yaml:"target" json:"target"`

	// When is an optional guard expression evaluated against
	// {context, root_input, event, previous_state}.
	When string `yaml:"when,omitempty" json:"when,omitempty"`
}

// Load reads and parses a workflow file. YAML and JSON are both accepted
// (JSON is a subset of YAML).
func Load(path string) (*WorkflowFile, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path from caller
	if err != nil {
		return nil, fmt.Errorf("reading file %s: %w", path, err)
	}
	wf, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", filepath.Base(path), err)
	}
	return wf, nil
}

// Parse decodes workflow file bytes.
func Parse(data []byte) (*WorkflowFile, error) {
	var wf WorkflowFile
	if err := yaml.Unmarshal(data, &wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

// Validate checks structural integrity against a registry. Passing a nil
// registry skips body resolution checks.
func (w *WorkflowFile) Validate(reg *Registry) []Diagnostic {
	var diags []Diagnostic

	if w.Name == "" {
		diags = append(diags, Diagnostic{
			Code: "WF-001", Severity: SeverityError,
			Message: "workflow name is required", Path: "name",
		})
	}

	switch w.Kind {
	case KindDAG:
		diags = append(diags, w.validateDAG(reg)...)
	case KindMachine:
		diags = append(diags, w.validateMachine(reg)...)
	default:
		diags = append(diags, Diagnostic{
			Code: "WF-002", Severity: SeverityError,
			Message: fmt.Sprintf("unknown workflow kind %q (want %q or %q)", w.Kind, KindDAG, KindMachine),
			Path:    "kind",
		})
	}

	return diags
}

func (w *WorkflowFile) validateDAG(reg *Registry) []Diagnostic {
	var diags []Diagnostic

	if len(w.Nodes) == 0 {
		diags = append(diags, Diagnostic{
			Code: "WF-010", Severity: SeverityError,
			Message: "DAG has no nodes", Path: "nodes",
		})
		return diags
	}

	for name, node := range w.Nodes {
		prefix := "nodes." + name
		if node.Body == "" {
			diags = append(diags, Diagnostic{
				Code: "WF-011", Severity: SeverityError,
				Message: fmt.Sprintf("node %q has no body", name), Path: prefix + ".body",
			})
		} else if reg != nil {
			if _, ok := reg.Get(node.Body); !ok {
				diags = append(diags, Diagnostic{
					Code: "WF-012", Severity: SeverityError,
					Message: fmt.Sprintf("node %q references unknown body %q", name, node.Body),
					Path:    prefix + ".body",
				})
			}
		}
		for _, parent := range node.Parents {
			if _, ok := w.Nodes[parent]; !ok {
				diags = append(diags, Diagnostic{
					Code: "WF-013", Severity: SeverityError,
					Message: fmt.Sprintf("node %q references unknown parent %q", name, parent),
					Path:    prefix + ".parents",
				})
			}
		}
	}

	// Cycle and root/leaf structure are checked by the DAG compiler;
	// surface its verdict as a diagnostic so validate catches it early.
	if !HasErrors(diags) {
		stub := make(map[string]dag.Node, len(w.Nodes))
		for name, node := range w.Nodes {
			stub[name] = dag.Node{Parents: node.Parents}
		}
		if _, err := dag.Compile(stub); err != nil {
			diags = append(diags, Diagnostic{
				Code: "WF-014", Severity: SeverityError,
				Message: err.Error(), Path: "nodes",
			})
		}
	}

	return diags
}

func (w *WorkflowFile) validateMachine(reg *Registry) []Diagnostic {
	var diags []Diagnostic

	if len(w.States) == 0 {
		diags = append(diags, Diagnostic{
			Code: "WF-020", Severity: SeverityError,
			Message: "machine has no states", Path: "states",
		})
		return diags
	}
	if w.Initial == "" {
		diags = append(diags, Diagnostic{
			Code: "WF-021", Severity: SeverityError,
			Message: "machine initial state is required", Path: "initial",
		})
	} else if _, ok := w.States[w.Initial]; !ok {
		diags = append(diags, Diagnostic{
			Code: "WF-022", Severity: SeverityError,
			Message: fmt.Sprintf("initial state %q does not exist", w.Initial), Path: "initial",
		})
	}
	if w.ErrorState != "" {
		if _, ok := w.States[w.ErrorState]; !ok {
			diags = append(diags, Diagnostic{
				Code: "WF-023", Severity: SeverityError,
				Message: fmt.Sprintf("error state %q does not exist", w.ErrorState), Path: "error_state",
			})
		}
	}

	for name, state := range w.States {
		prefix := "states." + name
		if state.Body != "" && reg != nil {
			if _, ok := reg.Get(state.Body); !ok {
				diags = append(diags, Diagnostic{
					Code: "WF-024", Severity: SeverityError,
					Message: fmt.Sprintf("state %q references unknown body %q", name, state.Body),
					Path:    prefix + ".body",
				})
			}
		}
		if state.Transition != "" && len(state.Transitions) > 0 {
			diags = append(diags, Diagnostic{
				Code: "WF-025", Severity: SeverityError,
				Message: fmt.Sprintf("state %q declares both transition and transitions", name),
				Path:    prefix,
			})
		}
		if state.Transition != "" {
			if _, ok := w.States[state.Transition]; !ok {
				diags = append(diags, Diagnostic{
					Code: "WF-026", Severity: SeverityError,
					Message: fmt.Sprintf("state %q transition target %q does not exist", name, state.Transition),
					Path:    prefix + ".transition",
				})
			}
		}
		for eventType, candidates := range state.Transitions {
			for i, t := range candidates {
				if _, ok := w.States[t.Target]; !ok {
					diags = append(diags, Diagnostic{
						Code: "WF-026", Severity: SeverityError,
						Message: fmt.Sprintf("state %q transition %q target %q does not exist", name, eventType, t.Target),
						Path:    fmt.Sprintf("%s.transitions.%s[%d].target", prefix, eventType, i),
					})
				}
				if t.When != "" {
					if err := ValidateGuard(t.When); err != nil {
						diags = append(diags, Diagnostic{
							Code: "WF-027", Severity: SeverityError,
							Message: fmt.Sprintf("state %q transition %q has invalid guard: %v", name, eventType, err),
							Path:    fmt.Sprintf("%s.transitions.%s[%d].when", prefix, eventType, i),
						})
					}
				}
			}
		}
		if state.ErrorState != "" {
			if _, ok := w.States[state.ErrorState]; !ok {
				diags = append(diags, Diagnostic{
					Code: "WF-023", Severity: SeverityError,
					Message: fmt.Sprintf("state %q error state %q does not exist", name, state.ErrorState),
					Path:    prefix + ".error_state",
				})
			}
		}
	}

	return diags
}

// BuildDAG converts a validated DAG workflow file into an executable
// definition, resolving bodies through the registry.
func (w *WorkflowFile) BuildDAG(reg *Registry) (dag.Definition, error) {
	if w.Kind != KindDAG {
		return dag.Definition{}, fmt.Errorf("workflow %q is not a DAG (kind %q)", w.Name, w.Kind)
	}
	if diags := w.Validate(reg); HasErrors(diags) {
		return dag.Definition{}, &DiagnosticError{Diagnostics: diags}
	}

	nodes := make(map[string]dag.Node, len(w.Nodes))
	for name, nd := range w.Nodes {
		body, _ := reg.Get(nd.Body)
		nodes[name] = dag.Node{
			Parents:              nd.Parents,
			SemaphoreKey:         nd.Semaphore,
			TolerateParentErrors: nd.TolerateParentErrors,
			Run:                  body,
			Tags:                 nd.Tags,
		}
	}

	return dag.Definition{
		Name:             w.Name,
		Description:      w.Description,
		Tags:             w.Tags,
		ContextFactory:   contextFactory(w.Context),
		Nodes:            nodes,
		TolerateFailures: w.TolerateFailures,
	}, nil
}

// BuildMachine converts a validated machine workflow file into an
// executable definition.
func (w *WorkflowFile) BuildMachine(reg *Registry) (machine.Definition, error) {
	if w.Kind != KindMachine {
		return machine.Definition{}, fmt.Errorf("workflow %q is not a machine (kind %q)", w.Name, w.Kind)
	}
	if diags := w.Validate(reg); HasErrors(diags) {
		return machine.Definition{}, &DiagnosticError{Diagnostics: diags}
	}

	states := make(map[string]machine.State, len(w.States))
	for name, sd := range w.States {
		var spec machine.TransitionSpec
		switch {
		case sd.Transition != "":
			spec = machine.Goto(sd.Transition)
		case len(sd.Transitions) > 0:
			dispatch := make(machine.Dispatch, len(sd.Transitions))
			for eventType, candidates := range sd.Transitions {
				list := make([]machine.Transition, 0, len(candidates))
				for _, td := range candidates {
					t := machine.Transition{Target: td.Target}
					if td.When != "" {
						cond, err := CompileGuard(td.When)
						if err != nil {
							return machine.Definition{}, fmt.Errorf("state %q transition %q: %w", name, eventType, err)
						}
						t.Condition = cond
					}
					list = append(list, t)
				}
				dispatch[eventType] = list
			}
			spec = dispatch
		}

		state := machine.State{
			Final:        sd.Final,
			ErrorState:   sd.ErrorState,
			SemaphoreKey: sd.Semaphore,
			Transition:   spec,
		}
		if sd.Body != "" {
			body, _ := reg.Get(sd.Body)
			state.Run = body
		}
		states[name] = state
	}

	return machine.Definition{
		Name:           w.Name,
		Initial:        w.Initial,
		ErrorState:     w.ErrorState,
		ContextFactory: contextFactory(w.Context),
		Nodes:          states,
	}, nil
}

// contextFactory builds a fresh copy of the declared context per run so
// concurrent runs do not share mutable state.
func contextFactory(declared map[string]any) func() any {
	return func() any {
		ctx := make(map[string]any, len(declared))
		for k, v := range declared {
			ctx[k] = v
		}
		return ctx
	}
}
