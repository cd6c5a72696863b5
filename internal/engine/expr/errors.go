package expr

import "fmt"

// SandboxRejectedSyntaxError is returned when an expression uses a
// construct outside the allowed grammar. Rejection happens at parse
// time, before any evaluation.
type SandboxRejectedSyntaxError struct {
	Pos    int
	Detail string
}

func (e *SandboxRejectedSyntaxError) Error() string {
	return fmt.Sprintf("expression rejected at offset %d: %s", e.Pos, e.Detail)
}

// SandboxTimeoutError is returned when evaluation exceeds the wall-clock
// timeout or the step budget.
type SandboxTimeoutError struct {
	Reason string
}

func (e *SandboxTimeoutError) Error() string {
	return fmt.Sprintf("expression evaluation aborted: %s", e.Reason)
}

// EvalError is a runtime evaluation failure (bad operand types, unknown
// property on a call result, helper failure).
type EvalError struct {
	Detail string
}

func (e *EvalError) Error() string {
	return fmt.Sprintf("expression evaluation failed: %s", e.Detail)
}

func evalErrorf(format string, args ...interface{}) error {
	return &EvalError{Detail: fmt.Sprintf(format, args...)}
}

func rejectf(pos int, format string, args ...interface{}) error {
	return &SandboxRejectedSyntaxError{Pos: pos, Detail: fmt.Sprintf(format, args...)}
}
