package node

import (
	"context"
	"fmt"

	"github.com/fluxline-go/internal/engine/graph"
	"github.com/fluxline-go/internal/engine/retry"
)

// CodeExecutor runs a sandboxed expression once per item and emits the
// result. Object results become the new item; scalar results are placed
// under the configured result field (default "result").
type CodeExecutor struct{}

func NewCodeExecutor() *CodeExecutor { return &CodeExecutor{} }

func (e *CodeExecutor) Metadata() Metadata {
	return Metadata{
		Type:         "code",
		Inputs:       []string{graph.PortMain},
		Outputs:      []string{graph.PortMain},
		DefaultRetry: retry.Policy{MaxAttempts: 1},
	}
}

func (e *CodeExecutor) Execute(ctx context.Context, in ExecuteInput) (*ExecuteResult, error) {
	src, ok := in.Node.Config["expression"].(string)
	if !ok || src == "" {
		return nil, fmt.Errorf("code node requires an %q config entry", "expression")
	}
	if in.Evaluate == nil {
		return nil, fmt.Errorf("code node has no expression evaluator bound")
	}

	resultField, _ := in.Node.Config["resultField"].(string)
	if resultField == "" {
		resultField = "result"
	}

	items := in.Items
	if len(items) == 0 {
		items = []Item{{}}
	}

	out := make([]Item, 0, len(items))
	for _, item := range items {
		value, err := in.Evaluate(src, item)
		if err != nil {
			return nil, err
		}
		switch v := value.(type) {
		case map[string]interface{}:
			out = append(out, Item(v))
		case Item:
			out = append(out, v)
		default:
			next := item.Clone()
			next[resultField] = value
			out = append(out, next)
		}
	}
	return &ExecuteResult{Output: out}, nil
}
