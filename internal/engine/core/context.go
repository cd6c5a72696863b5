// Package core runs a validated workflow graph to completion. It owns
// per-run scheduling, branch pruning, retries, loops, subworkflows,
// checkpointing and lifecycle events.
package core

import (
	"sync"
	"sync/atomic"

	"github.com/fluxline-go/internal/engine/node"
)

// NodeStatus tracks where a node is in its run lifecycle.
type NodeStatus string

const (
	StatusPending NodeStatus = "pending"
	StatusReady   NodeStatus = "ready"
	StatusRunning NodeStatus = "running"
	StatusSuccess NodeStatus = "success"
	StatusError   NodeStatus = "error"
	StatusSkipped NodeStatus = "skipped"
)

// RunStatus is the terminal state of a whole run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// ExecutionContext is the mutable state of one run. It is owned by the
// goroutine tree executing that run; the mutex only coordinates sibling
// node goroutines within the run, nothing escapes it.
type ExecutionContext struct {
	RunID      string
	WorkflowID string

	mu       sync.Mutex
	statuses map[string]NodeStatus
	outputs  map[string]map[string][]node.Item // nodeID -> port -> items
	pinned   map[string][]node.Item
	firstErr error

	cancelled atomic.Bool
}

func NewExecutionContext(runID, workflowID string) *ExecutionContext {
	return &ExecutionContext{
		RunID:      runID,
		WorkflowID: workflowID,
		statuses:   make(map[string]NodeStatus),
		outputs:    make(map[string]map[string][]node.Item),
		pinned:     make(map[string][]node.Item),
	}
}

func (c *ExecutionContext) Status(nodeID string) NodeStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.statuses[nodeID]; ok {
		return s
	}
	return StatusPending
}

func (c *ExecutionContext) SetStatus(nodeID string, s NodeStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses[nodeID] = s
}

// SetOutput records a node's items for one output port. Outputs become
// visible to downstream nodes only after the status flips to success.
func (c *ExecutionContext) SetOutput(nodeID, port string, items []node.Item) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.outputs[nodeID] == nil {
		c.outputs[nodeID] = make(map[string][]node.Item)
	}
	c.outputs[nodeID][port] = items
}

// Output returns the items a node emitted on a port, and whether that
// port fired at all.
func (c *ExecutionContext) Output(nodeID, port string) ([]node.Item, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ports, ok := c.outputs[nodeID]
	if !ok {
		return nil, false
	}
	items, ok := ports[port]
	return items, ok
}

// Pin substitutes recorded output for a node, used by partial runs to
// stand in for everything upstream of the start node.
func (c *ExecutionContext) Pin(nodeID string, items []node.Item) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pinned[nodeID] = items
}

func (c *ExecutionContext) Pinned(nodeID string) ([]node.Item, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	items, ok := c.pinned[nodeID]
	return items, ok
}

// Fail records the first unrecovered error; later failures keep the
// original cause.
func (c *ExecutionContext) Fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.firstErr == nil {
		c.firstErr = err
	}
}

func (c *ExecutionContext) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.firstErr
}

// Cancel flips the cooperative cancellation flag. In-flight nodes
// finish; nothing new is scheduled.
func (c *ExecutionContext) Cancel() {
	c.cancelled.Store(true)
}

func (c *ExecutionContext) Cancelled() bool {
	return c.cancelled.Load()
}

// Snapshot copies the run state for checkpointing or status reporting.
func (c *ExecutionContext) Snapshot() (map[string]NodeStatus, map[string]map[string][]node.Item) {
	c.mu.Lock()
	defer c.mu.Unlock()

	statuses := make(map[string]NodeStatus, len(c.statuses))
	for k, v := range c.statuses {
		statuses[k] = v
	}
	outputs := make(map[string]map[string][]node.Item, len(c.outputs))
	for id, ports := range c.outputs {
		cp := make(map[string][]node.Item, len(ports))
		for port, items := range ports {
			cp[port] = append([]node.Item(nil), items...)
		}
		outputs[id] = cp
	}
	return statuses, outputs
}
