package expr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testScope() *Scope {
	return NewScopeBuilder().
		WithItem(map[string]interface{}{
			"name":  "ada",
			"count": float64(3),
			"tags":  []interface{}{"a", "b", "c"},
			"user":  map[string]interface{}{"email": "ada@example.com"},
		}).
		WithNodeOutput("Fetch", map[string]interface{}{"status": float64(200)}).
		WithEnv(map[string]string{"API_KEY": "secret", "HOME": "/root"}, []string{"API_KEY"}).
		WithRun("run-1", "wf-1").
		Build()
}

func TestEvaluateArithmetic(t *testing.T) {
	e := New(0, 0)

	tests := []struct {
		src  string
		want interface{}
	}{
		{"{{ 1 + 1 }}", float64(2)},
		{"{{ 2 * 3 + 4 }}", float64(10)},
		{"{{ 2 + 3 * 4 }}", float64(14)},
		{"{{ (2 + 3) * 4 }}", float64(20)},
		{"{{ 10 / 4 }}", float64(2.5)},
		{"{{ 10 % 3 }}", float64(1)},
		{"{{ -5 + 2 }}", float64(-3)},
	}
	for _, tt := range tests {
		got, err := e.Evaluate(tt.src, testScope())
		require.NoError(t, err, tt.src)
		assert.Equal(t, tt.want, got, tt.src)
	}
}

func TestEvaluateScopeAccess(t *testing.T) {
	e := New(0, 0)
	scope := testScope()

	got, err := e.Evaluate("$json.name", scope)
	require.NoError(t, err)
	assert.Equal(t, "ada", got)

	got, err = e.Evaluate("$json.user.email", scope)
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", got)

	// Bare identifiers resolve against the current item.
	got, err = e.Evaluate("count + 1", scope)
	require.NoError(t, err)
	assert.Equal(t, float64(4), got)

	got, err = e.Evaluate(`$json.tags[1]`, scope)
	require.NoError(t, err)
	assert.Equal(t, "b", got)

	got, err = e.Evaluate(`$node("Fetch").status`, scope)
	require.NoError(t, err)
	assert.Equal(t, float64(200), got)

	got, err = e.Evaluate("$run.id", scope)
	require.NoError(t, err)
	assert.Equal(t, "run-1", got)
}

func TestEvaluateEnvAllowList(t *testing.T) {
	e := New(0, 0)
	scope := testScope()

	got, err := e.Evaluate("$env.API_KEY", scope)
	require.NoError(t, err)
	assert.Equal(t, "secret", got)

	// HOME is not on the allow-list, so it does not exist in the scope.
	got, err = e.Evaluate("$env.HOME", scope)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestEvaluateHelpers(t *testing.T) {
	e := New(0, 0)
	scope := testScope()

	tests := []struct {
		src  string
		want interface{}
	}{
		{`upper("abc")`, "ABC"},
		{`lower("ABC")`, "abc"},
		{`trim("  x  ")`, "x"},
		{`len($json.tags)`, float64(3)},
		{`contains($json.name, "da")`, true},
		{`contains($json.tags, "b")`, true},
		{`join(split("a,b,c", ","), "-")`, "a-b-c"},
		{`replace("aaa", "a", "b")`, "bbb"},
		{`abs(-4)`, float64(4)},
		{`round(2.5)`, float64(3)},
		{`min(3, 1, 2)`, float64(1)},
		{`max(3, 1, 2)`, float64(3)},
		{`number("42")`, float64(42)},
		{`int(3.9)`, float64(3)},
		{`string(12)`, "12"},
		{`bool(0)`, false},
		{`jsonStringify($json.user)`, `{"email":"ada@example.com"}`},
	}
	for _, tt := range tests {
		got, err := e.Evaluate(tt.src, scope)
		require.NoError(t, err, tt.src)
		assert.Equal(t, tt.want, got, tt.src)
	}
}

func TestEvaluateLogicAndTernary(t *testing.T) {
	e := New(0, 0)
	scope := testScope()

	tests := []struct {
		src  string
		want interface{}
	}{
		{`count > 2 && name == "ada"`, true},
		{`count > 5 || name == "ada"`, true},
		{`!($json.count > 2)`, false},
		{`count >= 3 ? "big" : "small"`, "big"},
		{`1 == "1"`, false},
		{`"x" + 1`, "x1"},
		{`1 + "x"`, "1x"},
	}
	for _, tt := range tests {
		got, err := e.Evaluate(tt.src, scope)
		require.NoError(t, err, tt.src)
		assert.Equal(t, tt.want, got, tt.src)
	}
}

func TestEvaluateRejectsDangerousSyntax(t *testing.T) {
	e := New(0, 0)
	scope := testScope()

	rejected := []string{
		`{{ require('fs') }}`,
		`{{ process.exit(1) && require("net") }}`,
		`eval("1+1")`,
		`$json.name(1)`,
		`($json.name)(1)`,
		`x = 1`,
		`{ a: 1 }`,
		`foo; bar`,
		"`template`",
		`$secrets.key`,
	}
	for _, src := range rejected {
		_, err := e.Evaluate(src, scope)
		require.Error(t, err, src)
		var rej *SandboxRejectedSyntaxError
		assert.ErrorAs(t, err, &rej, src)
	}
}

func TestEvaluateStepBudget(t *testing.T) {
	e := New(time.Second, 10)

	_, err := e.Evaluate("1+1+1+1+1+1+1+1+1+1+1+1+1+1+1+1", testScope())
	require.Error(t, err)
	var timeout *SandboxTimeoutError
	assert.ErrorAs(t, err, &timeout)
}

func TestEvaluateDivisionByZero(t *testing.T) {
	e := New(0, 0)

	_, err := e.Evaluate("1 / 0", testScope())
	require.Error(t, err)
	var evalErr *EvalError
	assert.ErrorAs(t, err, &evalErr)
}

func TestEvaluateScopeIsFrozen(t *testing.T) {
	e := New(0, 0)

	item := map[string]interface{}{"n": float64(1)}
	scope := NewScopeBuilder().WithItem(item).Build()

	// Mutating the source map after Build must not leak into the scope.
	item["n"] = float64(99)

	got, err := e.Evaluate("$json.n", scope)
	require.NoError(t, err)
	assert.Equal(t, float64(1), got)
}

func TestInterpolate(t *testing.T) {
	e := New(0, 0)
	scope := testScope()

	out, err := e.Interpolate("Hello {{ upper($json.name) }}, you have {{ count }} items", scope)
	require.NoError(t, err)
	assert.Equal(t, "Hello ADA, you have 3 items", out)

	out, err = e.Interpolate("no expressions here", scope)
	require.NoError(t, err)
	assert.Equal(t, "no expressions here", out)

	_, err = e.Interpolate("{{ require('fs') }}", scope)
	require.Error(t, err)
}

func TestIsExpression(t *testing.T) {
	assert.True(t, IsExpression("{{ 1 + 1 }}"))
	assert.True(t, IsExpression("prefix {{ x }} suffix"))
	assert.False(t, IsExpression("plain text"))
	assert.False(t, IsExpression("only open {{"))
}
