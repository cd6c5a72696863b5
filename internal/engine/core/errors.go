package core

import "fmt"

// MaxRecursionError stops runaway subworkflow nesting.
type MaxRecursionError struct {
	Depth int
	Limit int
}

func (e *MaxRecursionError) Error() string {
	return fmt.Sprintf("subworkflow recursion depth %d exceeds limit %d", e.Depth, e.Limit)
}

// CancelledError marks a run that ended because it was cancelled.
type CancelledError struct {
	RunID string
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("run %s was cancelled", e.RunID)
}
