// Package node defines the executor contract every node type implements
// and the registry the engine resolves node types through.
package node

import (
	"context"
	"fmt"

	"github.com/fluxline-go/internal/engine/graph"
	"github.com/fluxline-go/internal/engine/retry"
)

// Item is a single unit of data flowing along workflow edges.
type Item map[string]interface{}

// Clone returns a shallow-copied item; nested maps and slices are
// copied one level deep, which is enough to keep sibling branches from
// aliasing each other's top-level fields.
func (it Item) Clone() Item {
	out := make(Item, len(it))
	for k, v := range it {
		out[k] = v
	}
	return out
}

// ExecuteInput carries everything an executor may consult. Evaluate and
// Interpolate are bound to the current run's expression scope by the
// execution core.
type ExecuteInput struct {
	Node        graph.NodeSpec
	Items       []Item
	RunID       string
	WorkflowID  string
	Evaluate    func(expr string, item Item) (interface{}, error)
	Interpolate func(template string, item Item) (string, error)
}

// ExecuteResult is what a node hands back to the core. Port selects the
// output edge set ("main" unless the node branches); ErrorOutput is
// only consulted when the node declares errorOutputEnabled.
type ExecuteResult struct {
	Output      []Item
	ErrorOutput []Item
	Port        string
}

// Metadata is the static declaration a node type registers with.
type Metadata struct {
	Type               string
	Inputs             []string
	Outputs            []string
	ErrorOutputEnabled bool
	DefaultRetry       retry.Policy
}

// Executor is the contract every node type implements. Side effects
// (network, etc.) are the executor's responsibility; the core treats it
// as an opaque unit.
type Executor interface {
	Execute(ctx context.Context, in ExecuteInput) (*ExecuteResult, error)
	Metadata() Metadata
}

// NodeExecutionError wraps a failure raised by an executor, keeping the
// node identity with the cause.
type NodeExecutionError struct {
	NodeID   string
	NodeType string
	Err      error
}

func (e *NodeExecutionError) Error() string {
	return fmt.Sprintf("node %s (%s) failed: %v", e.NodeID, e.NodeType, e.Err)
}

func (e *NodeExecutionError) Unwrap() error { return e.Err }

// configString reads a string config key, with interpolation applied
// when the value is a template and an item is available.
func configString(in ExecuteInput, key string, item Item) (string, error) {
	raw, ok := in.Node.Config[key]
	if !ok {
		return "", nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("config %q must be a string, got %T", key, raw)
	}
	if in.Interpolate != nil {
		return in.Interpolate(s, item)
	}
	return s, nil
}

func firstItem(items []Item) Item {
	if len(items) == 0 {
		return Item{}
	}
	return items[0]
}
