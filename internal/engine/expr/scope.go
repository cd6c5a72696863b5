package expr

// Scope is the read-only data snapshot an expression evaluates against.
// It is built once per evaluation from copies of the run data, so user
// expressions can never mutate engine state through it.
type Scope struct {
	json map[string]interface{}            // $json / bare identifiers
	node map[string]map[string]interface{} // $node("name")
	env  map[string]string                 // $env.KEY, allow-listed
	run  map[string]interface{}            // $run.id, $run.workflowId
}

// ScopeBuilder assembles a frozen Scope.
type ScopeBuilder struct {
	item     map[string]interface{}
	nodes    map[string]map[string]interface{}
	env      map[string]string
	envAllow []string
	run      map[string]interface{}
}

func NewScopeBuilder() *ScopeBuilder {
	return &ScopeBuilder{
		nodes: make(map[string]map[string]interface{}),
		env:   make(map[string]string),
		run:   make(map[string]interface{}),
	}
}

// WithItem sets the current input item exposed as $json.
func (b *ScopeBuilder) WithItem(item map[string]interface{}) *ScopeBuilder {
	b.item = item
	return b
}

// WithNodeOutput exposes a named node's first output item to $node().
func (b *ScopeBuilder) WithNodeOutput(name string, output map[string]interface{}) *ScopeBuilder {
	b.nodes[name] = output
	return b
}

// WithEnv sets the environment values and the allow-list restricting
// which of them expressions may read.
func (b *ScopeBuilder) WithEnv(env map[string]string, allow []string) *ScopeBuilder {
	b.env = env
	b.envAllow = allow
	return b
}

// WithRun exposes run metadata under $run.
func (b *ScopeBuilder) WithRun(runID, workflowID string) *ScopeBuilder {
	b.run["id"] = runID
	b.run["workflowId"] = workflowID
	return b
}

// Build deep-copies everything into an immutable snapshot.
func (b *ScopeBuilder) Build() *Scope {
	s := &Scope{
		json: deepCopyMap(b.item),
		node: make(map[string]map[string]interface{}, len(b.nodes)),
		env:  make(map[string]string),
		run:  deepCopyMap(b.run),
	}

	for name, out := range b.nodes {
		s.node[name] = deepCopyMap(out)
	}

	allowed := make(map[string]bool, len(b.envAllow))
	for _, k := range b.envAllow {
		allowed[k] = true
	}
	for k, v := range b.env {
		if allowed[k] {
			s.env[k] = v
		}
	}

	return s
}

func deepCopyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return deepCopyMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return v
	}
}
