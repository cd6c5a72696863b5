package node

import (
	"context"
	"fmt"
	"time"

	"github.com/fluxline-go/internal/engine/graph"
	"github.com/fluxline-go/internal/engine/retry"
)

// TriggerExecutor passes the trigger input through unchanged. Webhook,
// schedule and manual triggers all enter the graph through this type;
// the ingress layer is an external collaborator.
type TriggerExecutor struct{}

func NewTriggerExecutor() *TriggerExecutor { return &TriggerExecutor{} }

func (e *TriggerExecutor) Metadata() Metadata {
	return Metadata{
		Type:         graph.TypeTrigger,
		Outputs:      []string{graph.PortMain},
		DefaultRetry: retry.Policy{MaxAttempts: 1},
	}
}

func (e *TriggerExecutor) Execute(ctx context.Context, in ExecuteInput) (*ExecuteResult, error) {
	return &ExecuteResult{Output: in.Items}, nil
}

// NoOpExecutor forwards its input untouched.
type NoOpExecutor struct{}

func NewNoOpExecutor() *NoOpExecutor { return &NoOpExecutor{} }

func (e *NoOpExecutor) Metadata() Metadata {
	return Metadata{
		Type:         "noop",
		Inputs:       []string{graph.PortMain},
		Outputs:      []string{graph.PortMain},
		DefaultRetry: retry.Policy{MaxAttempts: 1},
	}
}

func (e *NoOpExecutor) Execute(ctx context.Context, in ExecuteInput) (*ExecuteResult, error) {
	return &ExecuteResult{Output: in.Items}, nil
}

// ConditionExecutor evaluates its expression against the first input
// item and emits every item on exactly one of the "true"/"false"
// ports. Branches hanging off the other port are pruned by the core.
type ConditionExecutor struct{}

func NewConditionExecutor() *ConditionExecutor { return &ConditionExecutor{} }

func (e *ConditionExecutor) Metadata() Metadata {
	return Metadata{
		Type:         "condition",
		Inputs:       []string{graph.PortMain},
		Outputs:      []string{graph.PortTrue, graph.PortFalse},
		DefaultRetry: retry.Policy{MaxAttempts: 1},
	}
}

func (e *ConditionExecutor) Execute(ctx context.Context, in ExecuteInput) (*ExecuteResult, error) {
	exprSrc, ok := in.Node.Config["expression"].(string)
	if !ok || exprSrc == "" {
		return nil, fmt.Errorf("condition node requires an %q config entry", "expression")
	}

	value, err := in.Evaluate(exprSrc, firstItem(in.Items))
	if err != nil {
		return nil, err
	}

	port := graph.PortFalse
	if isTruthy(value) {
		port = graph.PortTrue
	}
	return &ExecuteResult{Output: in.Items, Port: port}, nil
}

// SwitchExecutor routes all items to the port of the first matching
// rule, or to the fallback port when nothing matches.
type SwitchExecutor struct{}

func NewSwitchExecutor() *SwitchExecutor { return &SwitchExecutor{} }

func (e *SwitchExecutor) Metadata() Metadata {
	return Metadata{
		Type:         "switch",
		Inputs:       []string{graph.PortMain},
		Outputs:      []string{graph.PortMain},
		DefaultRetry: retry.Policy{MaxAttempts: 1},
	}
}

func (e *SwitchExecutor) Execute(ctx context.Context, in ExecuteInput) (*ExecuteResult, error) {
	rules, _ := in.Node.Config["rules"].([]interface{})
	item := firstItem(in.Items)

	for _, raw := range rules {
		rule, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		exprSrc, _ := rule["expression"].(string)
		port, _ := rule["port"].(string)
		if exprSrc == "" || port == "" {
			continue
		}
		value, err := in.Evaluate(exprSrc, item)
		if err != nil {
			return nil, err
		}
		if isTruthy(value) {
			return &ExecuteResult{Output: in.Items, Port: port}, nil
		}
	}

	fallback, _ := in.Node.Config["fallbackPort"].(string)
	if fallback == "" {
		fallback = graph.PortMain
	}
	return &ExecuteResult{Output: in.Items, Port: fallback}, nil
}

// WaitExecutor sleeps for the configured duration, respecting
// cancellation.
type WaitExecutor struct{}

func NewWaitExecutor() *WaitExecutor { return &WaitExecutor{} }

func (e *WaitExecutor) Metadata() Metadata {
	return Metadata{
		Type:         "wait",
		Inputs:       []string{graph.PortMain},
		Outputs:      []string{graph.PortMain},
		DefaultRetry: retry.Policy{MaxAttempts: 1},
	}
}

func (e *WaitExecutor) Execute(ctx context.Context, in ExecuteInput) (*ExecuteResult, error) {
	durStr, _ := in.Node.Config["duration"].(string)
	dur, err := time.ParseDuration(durStr)
	if err != nil {
		return nil, fmt.Errorf("wait node has invalid duration %q: %w", durStr, err)
	}

	timer := time.NewTimer(dur)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}
	return &ExecuteResult{Output: in.Items}, nil
}

// MergeExecutor concatenates whatever arrived on its inbound edges; the
// core delivers inputs in edge-declaration order, so the result is
// deterministic.
type MergeExecutor struct{}

func NewMergeExecutor() *MergeExecutor { return &MergeExecutor{} }

func (e *MergeExecutor) Metadata() Metadata {
	return Metadata{
		Type:         "merge",
		Inputs:       []string{graph.PortMain},
		Outputs:      []string{graph.PortMain},
		DefaultRetry: retry.Policy{MaxAttempts: 1},
	}
}

func (e *MergeExecutor) Execute(ctx context.Context, in ExecuteInput) (*ExecuteResult, error) {
	return &ExecuteResult{Output: in.Items}, nil
}

// LoopExecutor is a marker type: the execution core drives the
// downstream subgraph once per input item and merges the results back
// in input order. Executing it directly is a passthrough.
type LoopExecutor struct {
	typ string
}

func NewLoopExecutor() *LoopExecutor { return &LoopExecutor{typ: graph.TypeLoop} }

// NewSplitInBatchesExecutor registers the loop behavior under its
// batch-oriented alias.
func NewSplitInBatchesExecutor() *LoopExecutor {
	return &LoopExecutor{typ: graph.TypeSplitInBatches}
}

func (e *LoopExecutor) Metadata() Metadata {
	return Metadata{
		Type:         e.typ,
		Inputs:       []string{graph.PortMain},
		Outputs:      []string{graph.PortMain},
		DefaultRetry: retry.Policy{MaxAttempts: 1},
	}
}

func (e *LoopExecutor) Execute(ctx context.Context, in ExecuteInput) (*ExecuteResult, error) {
	return &ExecuteResult{Output: in.Items}, nil
}

// SubworkflowExecutor is likewise a marker: the core intercepts this
// type and runs the referenced workflow in a nested execution context.
type SubworkflowExecutor struct{}

func NewSubworkflowExecutor() *SubworkflowExecutor { return &SubworkflowExecutor{} }

func (e *SubworkflowExecutor) Metadata() Metadata {
	return Metadata{
		Type:         graph.TypeSubworkflow,
		Inputs:       []string{graph.PortMain},
		Outputs:      []string{graph.PortMain},
		DefaultRetry: retry.Policy{MaxAttempts: 1},
	}
}

func (e *SubworkflowExecutor) Execute(ctx context.Context, in ExecuteInput) (*ExecuteResult, error) {
	return nil, fmt.Errorf("subworkflow nodes must be executed by the execution core")
}

func isTruthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != "" && t != "false"
	default:
		return true
	}
}
