// Package machine provides the hierarchical state-machine runner: a
// single-actor machine over named states with guarded transitions keyed by
// event type, an event queue for events arriving mid-execution, and an
// error-state fallback.
package machine

import (
	"context"
	"fmt"

	"github.com/ramuslabs/ramus/core"
)

// Condition guards a transition candidate. It receives the workflow
// context, the root input, the event under consideration (nil for always
// transitions) and the current state name as PreviousState.
type Condition func(ctx context.Context, in core.NodeInput) bool

// Transition is one guarded transition candidate.
type Transition struct {
	// Target is the destination state name.
	Target string

	// Condition, when set, must return true for the candidate to fire.
	// Candidates are evaluated in order; first match wins.
	Condition Condition
}

// To is an unconditional transition candidate.
func To(target string) Transition {
	return Transition{Target: target}
}

// When is a guarded transition candidate.
func When(target string, cond Condition) Transition {
	return Transition{Target: target, Condition: cond}
}

// TransitionSpec is the polymorphic transition declaration of a state:
// either Goto (always go to one state, ignoring events) or Dispatch (keyed
// by event type, with the empty string meaning "always").
type TransitionSpec interface {
	transitionSpec()
}

// Goto is the bare next-state form. It fires only for the empty event type:
// the unconditional form ignores events.
type Goto string

func (Goto) transitionSpec() {}

// Dispatch maps an event type to an ordered list of guarded candidates.
// The empty-string key is the always transition attempted after each state
// body when no queued event fired.
type Dispatch map[string][]Transition

func (Dispatch) transitionSpec() {}

// State describes one machine state.
type State struct {
	// Run is the state body; nil for pure routing states, whose input
	// passes through unchanged.
	Run core.Body

	// Final marks a terminal state; the machine halts scheduling from it.
	Final bool

	// ErrorState overrides the machine-level error state for failures in
	// this state's body.
	ErrorState string

	// SemaphoreKey, when set, rate-limits the state body.
	SemaphoreKey string

	// Transition declares where to go next; nil means the machine waits
	// for an event that never routes, i.e. the state is a dead end unless
	// it is final.
	Transition TransitionSpec
}

// Definition is the immutable description of a state machine.
type Definition struct {
	// Name is the machine name, recorded as the event source.
	Name string

	// Initial is the start state.
	Initial string

	// ErrorState, when set, receives control (with the error as input)
	// after a state body fails.
	ErrorState string

	// ContextFactory produces the shared context value when the caller
	// does not supply one.
	ContextFactory func() any

	// Nodes maps state name to descriptor.
	Nodes map[string]State
}

// validate fails fast on dangling state references.
func (d Definition) validate() error {
	if len(d.Nodes) == 0 {
		return fmt.Errorf("machine %q has no states", d.Name)
	}
	if _, ok := d.Nodes[d.Initial]; !ok {
		return fmt.Errorf("machine %q: initial state %q does not exist", d.Name, d.Initial)
	}
	if d.ErrorState != "" {
		if _, ok := d.Nodes[d.ErrorState]; !ok {
			return fmt.Errorf("machine %q: error state %q does not exist", d.Name, d.ErrorState)
		}
	}
	for name, node := range d.Nodes {
		if node.ErrorState != "" {
			if _, ok := d.Nodes[node.ErrorState]; !ok {
				return fmt.Errorf("machine %q: state %q: error state %q does not exist", d.Name, name, node.ErrorState)
			}
		}
		switch spec := node.Transition.(type) {
		case nil:
		case Goto:
			if _, ok := d.Nodes[string(spec)]; !ok {
				return fmt.Errorf("machine %q: state %q: transition target %q does not exist", d.Name, name, string(spec))
			}
		case Dispatch:
			for eventType, candidates := range spec {
				for _, t := range candidates {
					if _, ok := d.Nodes[t.Target]; !ok {
						return fmt.Errorf("machine %q: state %q: transition %q target %q does not exist", d.Name, name, eventType, t.Target)
					}
				}
			}
		default:
			return fmt.Errorf("machine %q: state %q: unsupported transition spec %T", d.Name, name, spec)
		}
	}
	return nil
}

// errorStateFor resolves the error state for a failure in the named state:
// the per-state override wins over the machine-level fallback.
func (d Definition) errorStateFor(state string) string {
	if node, ok := d.Nodes[state]; ok && node.ErrorState != "" {
		return node.ErrorState
	}
	return d.ErrorState
}
