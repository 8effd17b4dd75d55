// Package dag provides the directed-acyclic-graph runner: a compiler that
// validates a node graph and the per-node and whole-graph runners that
// execute it with parent/child wiring, semaphore limits, result caching and
// structured lifecycle events.
package dag

import (
	"errors"

	"github.com/ramuslabs/ramus/core"
)

// Construction errors.
var (
	// ErrNoNodes is returned when a DAG definition declares no nodes.
	ErrNoNodes = errors.New("DAG has no nodes")
)

// Node describes a single DAG node.
type Node struct {
	// Parents names the nodes whose outputs feed this node. Empty means
	// this is a root node.
	Parents []string

	// SemaphoreKey, when set, rate-limits the node's body through every
	// semaphore registry configured on the runner.
	SemaphoreKey string

	// TolerateParentErrors lets the node run with a nil slot in place of a
	// failed parent's output instead of being cancelled. When every parent
	// fails, the node still runs with all-nil inputs.
	TolerateParentErrors bool

	// Run is the node body.
	Run core.Body

	// Tags and Info annotate the node's step events.
	Tags []string
	Info map[string]any
}

// Definition is the immutable description of a DAG.
type Definition struct {
	// Name is the workflow name, recorded as the event source.
	Name string

	// ContextFactory produces the workflow-level shared context value when
	// the caller does not supply one.
	ContextFactory func() any

	// Nodes maps node name to descriptor.
	Nodes map[string]Node

	// TolerateFailures keeps independent subgraphs running after a node
	// failure and collects a (possibly partial) per-leaf result.
	TolerateFailures bool

	Tags        []string
	Description string
}

// OutputNode is the name of the synthetic collector node the runner wires
// over the DAG's leaves.
const OutputNode = "__output"
