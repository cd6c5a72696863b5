package expr

import (
	"math"
	"time"
)

// Caps enforced during evaluation, independent of the step budget.
const (
	maxStringLen = 1 << 20 // 1MiB result strings
	maxEvalDepth = 64
)

type evaluator struct {
	scope    *Scope
	deadline time.Time
	steps    int
	maxSteps int
	depth    int
}

func (ev *evaluator) step(pos int) error {
	ev.steps++
	if ev.steps > ev.maxSteps {
		return &SandboxTimeoutError{Reason: "step budget exceeded"}
	}
	// Checking the clock every few steps keeps the common path cheap.
	if ev.steps%64 == 0 && time.Now().After(ev.deadline) {
		return &SandboxTimeoutError{Reason: "wall-clock timeout exceeded"}
	}
	return nil
}

func (ev *evaluator) eval(node astNode) (interface{}, error) {
	if err := ev.step(node.pos()); err != nil {
		return nil, err
	}
	ev.depth++
	defer func() { ev.depth-- }()
	if ev.depth > maxEvalDepth {
		return nil, &SandboxTimeoutError{Reason: "evaluation depth exceeded"}
	}

	switch n := node.(type) {
	case *literalNode:
		return n.value, nil

	case *identNode:
		return ev.evalIdent(n)

	case *memberNode:
		obj, err := ev.eval(n.object)
		if err != nil {
			return nil, err
		}
		return member(obj, n.field), nil

	case *indexNode:
		return ev.evalIndex(n)

	case *callNode:
		return ev.evalCall(n)

	case *unaryNode:
		x, err := ev.eval(n.x)
		if err != nil {
			return nil, err
		}
		switch n.op {
		case "-":
			f, err := asNumber(x)
			if err != nil {
				return nil, err
			}
			return -f, nil
		default: // "!"
			return !truthy(x), nil
		}

	case *binaryNode:
		return ev.evalBinary(n)

	case *ternaryNode:
		cond, err := ev.eval(n.cond)
		if err != nil {
			return nil, err
		}
		if truthy(cond) {
			return ev.eval(n.then)
		}
		return ev.eval(n.els)

	default:
		return nil, evalErrorf("unsupported AST node %T", node)
	}
}

func (ev *evaluator) evalIdent(n *identNode) (interface{}, error) {
	switch n.name {
	case varJSON, varItem:
		return ev.scope.json, nil
	case varEnv:
		out := make(map[string]interface{}, len(ev.scope.env))
		for k, v := range ev.scope.env {
			out[k] = v
		}
		return out, nil
	case varRun:
		return ev.scope.run, nil
	}
	// Bare identifiers read fields of the current item.
	return ev.scope.json[n.name], nil
}

func (ev *evaluator) evalIndex(n *indexNode) (interface{}, error) {
	obj, err := ev.eval(n.object)
	if err != nil {
		return nil, err
	}
	idx, err := ev.eval(n.index)
	if err != nil {
		return nil, err
	}

	switch t := obj.(type) {
	case []interface{}:
		f, err := asNumber(idx)
		if err != nil {
			return nil, err
		}
		i := int(f)
		if i < 0 || i >= len(t) {
			return nil, nil
		}
		return t[i], nil
	case map[string]interface{}:
		key, err := asString(idx)
		if err != nil {
			return nil, err
		}
		return t[key], nil
	case nil:
		return nil, nil
	default:
		return nil, evalErrorf("cannot index into %T", obj)
	}
}

func (ev *evaluator) evalCall(n *callNode) (interface{}, error) {
	args := make([]interface{}, len(n.args))
	for i, a := range n.args {
		v, err := ev.eval(a)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}

	if n.name == varNode {
		if err := argCount("$node", args, 1); err != nil {
			return nil, err
		}
		name, err := asString(args[0])
		if err != nil {
			return nil, err
		}
		out, ok := ev.scope.node[name]
		if !ok {
			return nil, evalErrorf("$node: no output recorded for node %q", name)
		}
		return out, nil
	}

	fn, ok := helpers[n.name]
	if !ok {
		// Unreachable: the parser only emits whitelisted calls.
		return nil, evalErrorf("unknown function %q", n.name)
	}
	result, err := fn(args)
	if err != nil {
		return nil, err
	}
	if s, ok := result.(string); ok && len(s) > maxStringLen {
		return nil, &SandboxTimeoutError{Reason: "result string too large"}
	}
	return result, nil
}

func (ev *evaluator) evalBinary(n *binaryNode) (interface{}, error) {
	// && and || short-circuit.
	if n.op == "&&" || n.op == "||" {
		left, err := ev.eval(n.left)
		if err != nil {
			return nil, err
		}
		lt := truthy(left)
		if n.op == "&&" && !lt {
			return false, nil
		}
		if n.op == "||" && lt {
			return true, nil
		}
		right, err := ev.eval(n.right)
		if err != nil {
			return nil, err
		}
		return truthy(right), nil
	}

	left, err := ev.eval(n.left)
	if err != nil {
		return nil, err
	}
	right, err := ev.eval(n.right)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case "==":
		return looseEqual(left, right), nil
	case "!=":
		return !looseEqual(left, right), nil
	case "+":
		// String concatenation when either side is a string.
		if ls, ok := left.(string); ok {
			out := ls + stringify(right)
			if len(out) > maxStringLen {
				return nil, &SandboxTimeoutError{Reason: "result string too large"}
			}
			return out, nil
		}
		if rs, ok := right.(string); ok {
			out := stringify(left) + rs
			if len(out) > maxStringLen {
				return nil, &SandboxTimeoutError{Reason: "result string too large"}
			}
			return out, nil
		}
	}

	lf, err := asNumber(left)
	if err != nil {
		return nil, err
	}
	rf, err := asNumber(right)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case "+":
		return lf + rf, nil
	case "-":
		return lf - rf, nil
	case "*":
		return lf * rf, nil
	case "/":
		if rf == 0 {
			return nil, evalErrorf("division by zero")
		}
		return lf / rf, nil
	case "%":
		if rf == 0 {
			return nil, evalErrorf("division by zero")
		}
		return math.Mod(lf, rf), nil
	case "<":
		return lf < rf, nil
	case ">":
		return lf > rf, nil
	case "<=":
		return lf <= rf, nil
	case ">=":
		return lf >= rf, nil
	default:
		return nil, evalErrorf("unsupported operator %q", n.op)
	}
}

func member(obj interface{}, field string) interface{} {
	m, ok := obj.(map[string]interface{})
	if !ok {
		return nil
	}
	return m[field]
}

func truthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != ""
	case []interface{}:
		return len(t) > 0
	case map[string]interface{}:
		return len(t) > 0
	default:
		return true
	}
}

func looseEqual(a, b interface{}) bool {
	if a == nil && b == nil {
		return true
	}
	switch at := a.(type) {
	case float64:
		if bt, ok := b.(float64); ok {
			return at == bt
		}
	case string:
		if bt, ok := b.(string); ok {
			return at == bt
		}
	case bool:
		if bt, ok := b.(bool); ok {
			return at == bt
		}
	}
	return false
}
