package node

import (
	"context"
	"fmt"

	"github.com/fluxline-go/internal/engine/expr"
	"github.com/fluxline-go/internal/engine/graph"
	"github.com/fluxline-go/internal/engine/retry"
)

// TransformExecutor applies a list of field operations to every item.
// Supported ops: set, rename, pick, omit. Values may be expressions.
type TransformExecutor struct{}

func NewTransformExecutor() *TransformExecutor { return &TransformExecutor{} }

func (e *TransformExecutor) Metadata() Metadata {
	return Metadata{
		Type:         "transform",
		Inputs:       []string{graph.PortMain},
		Outputs:      []string{graph.PortMain},
		DefaultRetry: retry.Policy{MaxAttempts: 1},
	}
}

func (e *TransformExecutor) Execute(ctx context.Context, in ExecuteInput) (*ExecuteResult, error) {
	rawOps, _ := in.Node.Config["operations"].([]interface{})
	if len(rawOps) == 0 {
		return &ExecuteResult{Output: in.Items}, nil
	}

	out := make([]Item, 0, len(in.Items))
	for _, item := range in.Items {
		next := item.Clone()
		for _, raw := range rawOps {
			op, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			var err error
			next, err = applyOp(in, next, op)
			if err != nil {
				return nil, err
			}
		}
		out = append(out, next)
	}
	return &ExecuteResult{Output: out}, nil
}

func applyOp(in ExecuteInput, item Item, op map[string]interface{}) (Item, error) {
	kind, _ := op["op"].(string)
	field, _ := op["field"].(string)

	switch kind {
	case "set":
		value := op["value"]
		if s, ok := value.(string); ok && in.Evaluate != nil && expr.IsExpression(s) {
			evaluated, err := in.Evaluate(s, item)
			if err != nil {
				return nil, err
			}
			value = evaluated
		}
		item[field] = value
		return item, nil

	case "rename":
		to, _ := op["to"].(string)
		if to == "" {
			return nil, fmt.Errorf("rename operation requires a %q entry", "to")
		}
		if v, ok := item[field]; ok {
			item[to] = v
			delete(item, field)
		}
		return item, nil

	case "pick":
		fields, _ := op["fields"].([]interface{})
		kept := make(Item, len(fields))
		for _, f := range fields {
			name, _ := f.(string)
			if v, ok := item[name]; ok {
				kept[name] = v
			}
		}
		return kept, nil

	case "omit":
		fields, _ := op["fields"].([]interface{})
		for _, f := range fields {
			name, _ := f.(string)
			delete(item, name)
		}
		return item, nil

	default:
		return nil, fmt.Errorf("unknown transform operation %q", kind)
	}
}

// SetExecutor is shorthand for a transform that only sets fields, in
// the shape {fields: {name: value-or-expression}}.
type SetExecutor struct{}

func NewSetExecutor() *SetExecutor { return &SetExecutor{} }

func (e *SetExecutor) Metadata() Metadata {
	return Metadata{
		Type:         "set",
		Inputs:       []string{graph.PortMain},
		Outputs:      []string{graph.PortMain},
		DefaultRetry: retry.Policy{MaxAttempts: 1},
	}
}

func (e *SetExecutor) Execute(ctx context.Context, in ExecuteInput) (*ExecuteResult, error) {
	fields, _ := in.Node.Config["fields"].(map[string]interface{})

	out := make([]Item, 0, len(in.Items))
	for _, item := range in.Items {
		next := item.Clone()
		for name, value := range fields {
			if s, ok := value.(string); ok && in.Evaluate != nil && expr.IsExpression(s) {
				evaluated, err := in.Evaluate(s, item)
				if err != nil {
					return nil, err
				}
				next[name] = evaluated
				continue
			}
			next[name] = value
		}
		out = append(out, next)
	}
	return &ExecuteResult{Output: out}, nil
}
