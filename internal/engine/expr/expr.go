// Package expr evaluates user-authored workflow expressions inside a
// capability sandbox. Expressions are parsed into a closed AST; any
// construct outside the restricted grammar is rejected statically, and
// evaluation runs against a frozen data snapshot under a wall-clock
// timeout and a step budget.
package expr

import (
	"strings"
	"time"

	"github.com/fluxline-go/pkg/metrics"
)

// Evaluator holds the sandbox limits. Zero values fall back to the
// defaults (50ms, 10k steps).
type Evaluator struct {
	Timeout  time.Duration
	MaxSteps int
}

const (
	DefaultTimeout  = 50 * time.Millisecond
	DefaultMaxSteps = 10000
)

func New(timeout time.Duration, maxSteps int) *Evaluator {
	return &Evaluator{Timeout: timeout, MaxSteps: maxSteps}
}

// Evaluate parses and evaluates a single expression against scope.
// A surrounding "{{ ... }}" wrapper is accepted and stripped.
func (e *Evaluator) Evaluate(src string, scope *Scope) (interface{}, error) {
	src = stripBraces(src)

	node, err := parse(src)
	if err != nil {
		metrics.SandboxEvaluationsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	ev := &evaluator{
		scope:    scope,
		deadline: time.Now().Add(e.timeout()),
		maxSteps: e.maxSteps(),
	}

	result, err := ev.eval(node)
	if err != nil {
		metrics.SandboxEvaluationsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.SandboxEvaluationsTotal.WithLabelValues("ok").Inc()
	return result, nil
}

// Interpolate renders a template string, replacing each {{ ... }}
// segment with its evaluated value. Text outside segments is untouched;
// a string that is exactly one segment returns the raw value's string
// form.
func (e *Evaluator) Interpolate(template string, scope *Scope) (string, error) {
	var sb strings.Builder
	rest := template

	for {
		start := strings.Index(rest, "{{")
		if start < 0 {
			sb.WriteString(rest)
			return sb.String(), nil
		}
		end := strings.Index(rest[start:], "}}")
		if end < 0 {
			sb.WriteString(rest)
			return sb.String(), nil
		}
		end += start

		sb.WriteString(rest[:start])
		inner := rest[start+2 : end]

		value, err := e.Evaluate(inner, scope)
		if err != nil {
			return "", err
		}
		sb.WriteString(stringify(value))

		rest = rest[end+2:]
	}
}

// IsExpression reports whether a string contains a template segment.
func IsExpression(s string) bool {
	start := strings.Index(s, "{{")
	return start >= 0 && strings.Index(s[start:], "}}") > 0
}

func (e *Evaluator) timeout() time.Duration {
	if e.Timeout <= 0 {
		return DefaultTimeout
	}
	return e.Timeout
}

func (e *Evaluator) maxSteps() int {
	if e.MaxSteps <= 0 {
		return DefaultMaxSteps
	}
	return e.MaxSteps
}

func stripBraces(src string) string {
	s := strings.TrimSpace(src)
	if strings.HasPrefix(s, "{{") && strings.HasSuffix(s, "}}") {
		inner := s[2 : len(s)-2]
		// Only strip when the braces wrap the whole expression.
		if !strings.Contains(inner, "{{") && !strings.Contains(inner, "}}") {
			return strings.TrimSpace(inner)
		}
	}
	return s
}
