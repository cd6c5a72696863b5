package node

import (
	"fmt"
	"sort"
	"sync"

	"github.com/fluxline-go/pkg/logger"
)

// Registry maps node type strings to executors. Lookup happens at
// graph-load time; the registry is size-capped so misbehaving callers
// cannot grow it without bound.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
	maxSize   int
	logger    logger.Logger
}

const defaultRegistryCap = 256

func NewRegistry(log logger.Logger) *Registry {
	return &Registry{
		executors: make(map[string]Executor),
		maxSize:   defaultRegistryCap,
		logger:    log,
	}
}

// Register adds an executor under its declared type. Re-registering a
// type replaces the previous executor.
func (r *Registry) Register(exec Executor) error {
	meta := exec.Metadata()
	if meta.Type == "" {
		return fmt.Errorf("executor metadata has empty type")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.executors[meta.Type]; !exists && len(r.executors) >= r.maxSize {
		return fmt.Errorf("node registry is full (cap %d)", r.maxSize)
	}
	r.executors[meta.Type] = exec
	return nil
}

// Get resolves a node type, failing on unknown types rather than
// falling back to any dynamic probing.
func (r *Registry) Get(nodeType string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	exec, ok := r.executors[nodeType]
	if !ok {
		return nil, fmt.Errorf("unknown node type: %s", nodeType)
	}
	return exec, nil
}

// Types returns the registered type names sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.executors))
	for t := range r.executors {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// RegisterBuiltins installs the built-in node set.
func (r *Registry) RegisterBuiltins(log logger.Logger) {
	builtins := []Executor{
		NewTriggerExecutor(),
		NewNoOpExecutor(),
		NewHTTPExecutor(log),
		NewTransformExecutor(),
		NewSetExecutor(),
		NewConditionExecutor(),
		NewSwitchExecutor(),
		NewCodeExecutor(),
		NewLoopExecutor(),
		NewSplitInBatchesExecutor(),
		NewMergeExecutor(),
		NewWaitExecutor(),
		NewSubworkflowExecutor(),
	}
	for _, exec := range builtins {
		if err := r.Register(exec); err != nil && r.logger != nil {
			r.logger.Error("failed to register builtin node", "type", exec.Metadata().Type, "error", err)
		}
	}
}
