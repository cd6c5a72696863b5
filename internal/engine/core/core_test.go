package core

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxline-go/internal/engine/expr"
	"github.com/fluxline-go/internal/engine/graph"
	"github.com/fluxline-go/internal/engine/node"
	"github.com/fluxline-go/internal/engine/retry"
	"github.com/fluxline-go/pkg/events"
	"github.com/fluxline-go/pkg/logger"
)

// fakeExecutor lets tests plug arbitrary node behavior into the
// registry.
type fakeExecutor struct {
	meta node.Metadata
	fn   func(ctx context.Context, in node.ExecuteInput) (*node.ExecuteResult, error)
}

func (f *fakeExecutor) Execute(ctx context.Context, in node.ExecuteInput) (*node.ExecuteResult, error) {
	return f.fn(ctx, in)
}

func (f *fakeExecutor) Metadata() node.Metadata { return f.meta }

type fixture struct {
	core        *Core
	registry    *node.Registry
	checkpoints *MemoryCheckpointStore
	bus         *events.InMemoryEventBus
	retries     *retry.Manager
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()

	log := logger.NewNop()
	registry := node.NewRegistry(log)
	registry.RegisterBuiltins(log)

	retries := retry.NewManager(retry.DefaultBreakerConfig(), log)
	t.Cleanup(retries.Close)

	checkpoints := NewMemoryCheckpointStore()
	bus := events.NewInMemoryEventBus()

	c := New(registry, expr.New(0, 0), retries, checkpoints, bus, nil, log, opts)
	return &fixture{core: c, registry: registry, checkpoints: checkpoints, bus: bus, retries: retries}
}

func (f *fixture) register(t *testing.T, typ string, fn func(ctx context.Context, in node.ExecuteInput) (*node.ExecuteResult, error)) {
	t.Helper()
	require.NoError(t, f.registry.Register(&fakeExecutor{
		meta: node.Metadata{Type: typ, DefaultRetry: retry.Policy{MaxAttempts: 1}},
		fn:   fn,
	}))
}

func linear(ids ...string) *graph.Graph {
	g := &graph.Graph{ID: "wf-linear"}
	for i, id := range ids {
		typ := "noop"
		if i == 0 {
			typ = graph.TypeTrigger
		}
		g.Nodes = append(g.Nodes, graph.NodeSpec{ID: id, Type: typ})
		if i > 0 {
			g.Edges = append(g.Edges, graph.EdgeSpec{From: ids[i-1], To: id})
		}
	}
	return g
}

func TestExecuteLinearPipeline(t *testing.T) {
	f := newFixture(t, Options{})

	input := []node.Item{{"n": float64(1)}}
	res, err := f.core.Execute(context.Background(), RunInput{
		RunID:        "run-1",
		WorkflowID:   "wf-linear",
		Graph:        linear("a", "b", "c"),
		TriggerInput: input,
	})

	require.NoError(t, err)
	assert.Equal(t, RunSucceeded, res.Status)
	for _, id := range []string{"a", "b", "c"} {
		assert.Equal(t, StatusSuccess, res.Statuses[id], id)
	}
	assert.Equal(t, input, res.Outputs["c"][graph.PortMain])
}

func TestExecuteRespectsTopologicalOrder(t *testing.T) {
	f := newFixture(t, Options{Parallelism: 1})

	var mu sync.Mutex
	var order []string
	f.register(t, "tracked", func(_ context.Context, in node.ExecuteInput) (*node.ExecuteResult, error) {
		mu.Lock()
		order = append(order, in.Node.ID)
		mu.Unlock()
		return &node.ExecuteResult{Output: in.Items}, nil
	})

	g := &graph.Graph{
		ID: "wf-diamond",
		Nodes: []graph.NodeSpec{
			{ID: "a", Type: graph.TypeTrigger},
			{ID: "b", Type: "tracked"},
			{ID: "c", Type: "tracked"},
			{ID: "d", Type: "tracked"},
		},
		Edges: []graph.EdgeSpec{
			{From: "a", To: "b"},
			{From: "a", To: "c"},
			{From: "b", To: "d"},
			{From: "c", To: "d"},
		},
	}

	res, err := f.core.Execute(context.Background(), RunInput{
		RunID: "run-topo", WorkflowID: g.ID, Graph: g,
		TriggerInput: []node.Item{{}},
	})
	require.NoError(t, err)
	require.Equal(t, RunSucceeded, res.Status)

	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	assert.Less(t, pos["b"], pos["d"])
	assert.Less(t, pos["c"], pos["d"])
}

func TestExecuteConditionFalseSkipsBranch(t *testing.T) {
	f := newFixture(t, Options{})

	var mu sync.Mutex
	executed := make(map[string]bool)
	f.register(t, "tracked", func(_ context.Context, in node.ExecuteInput) (*node.ExecuteResult, error) {
		mu.Lock()
		executed[in.Node.ID] = true
		mu.Unlock()
		return &node.ExecuteResult{Output: in.Items}, nil
	})

	g := &graph.Graph{
		ID: "wf-cond",
		Nodes: []graph.NodeSpec{
			{ID: "start", Type: graph.TypeTrigger},
			{ID: "check", Type: "condition", Config: map[string]interface{}{
				"expression": "$json.amount > 100",
			}},
			{ID: "approve", Type: "tracked"},
			{ID: "reject", Type: "tracked"},
			{ID: "notify", Type: "tracked"},
		},
		Edges: []graph.EdgeSpec{
			{From: "start", To: "check"},
			{From: "check", FromPort: graph.PortTrue, To: "approve"},
			{From: "check", FromPort: graph.PortFalse, To: "reject"},
			{From: "approve", To: "notify"},
			{From: "reject", To: "notify"},
		},
	}

	res, err := f.core.Execute(context.Background(), RunInput{
		RunID: "run-cond", WorkflowID: g.ID, Graph: g,
		TriggerInput: []node.Item{{"amount": float64(50)}},
	})
	require.NoError(t, err)
	assert.Equal(t, RunSucceeded, res.Status)

	assert.Equal(t, StatusSkipped, res.Statuses["approve"])
	assert.Equal(t, StatusSuccess, res.Statuses["reject"])
	assert.Equal(t, StatusSuccess, res.Statuses["notify"])
	assert.False(t, executed["approve"])
	assert.True(t, executed["reject"])
	assert.True(t, executed["notify"])
}

func TestExecuteRetriesTransientFailure(t *testing.T) {
	f := newFixture(t, Options{})

	attempts := 0
	f.register(t, "flaky", func(context.Context, node.ExecuteInput) (*node.ExecuteResult, error) {
		attempts++
		if attempts < 3 {
			return nil, fmt.Errorf("transient %d", attempts)
		}
		return &node.ExecuteResult{Output: []node.Item{{"ok": true}}}, nil
	})

	g := linear("a", "b")
	g.Nodes[1].Type = "flaky"
	g.Nodes[1].Retry = &retry.Policy{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		Strategy:    retry.StrategyExponential,
	}

	started := time.Now()
	res, err := f.core.Execute(context.Background(), RunInput{
		RunID: "run-retry", WorkflowID: g.ID, Graph: g,
		TriggerInput: []node.Item{{}},
	})
	elapsed := time.Since(started)

	require.NoError(t, err)
	assert.Equal(t, RunSucceeded, res.Status)
	assert.Equal(t, 3, attempts)
	// Backoffs of 100ms and 200ms separate the three attempts.
	assert.GreaterOrEqual(t, elapsed, 300*time.Millisecond)
}

func TestExecuteFailsWhenRetriesExhaust(t *testing.T) {
	f := newFixture(t, Options{})

	f.register(t, "broken", func(context.Context, node.ExecuteInput) (*node.ExecuteResult, error) {
		return nil, fmt.Errorf("always down")
	})

	g := linear("a", "b", "c")
	g.Nodes[1].Type = "broken"
	g.Nodes[1].Retry = &retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, Strategy: retry.StrategyFixed}

	res, err := f.core.Execute(context.Background(), RunInput{
		RunID: "run-fail", WorkflowID: g.ID, Graph: g,
		TriggerInput: []node.Item{{}},
	})
	require.NoError(t, err)
	assert.Equal(t, RunFailed, res.Status)
	assert.Equal(t, StatusError, res.Statuses["b"])
	// Downstream of the failure never ran.
	assert.Equal(t, StatusPending, res.Statuses["c"])

	var exhausted *retry.RetryExhaustedError
	assert.ErrorAs(t, res.Err, &exhausted)
}

func TestExecuteRoutesErrorOutput(t *testing.T) {
	f := newFixture(t, Options{})

	f.register(t, "broken", func(context.Context, node.ExecuteInput) (*node.ExecuteResult, error) {
		return nil, fmt.Errorf("payment gateway down")
	})

	g := &graph.Graph{
		ID: "wf-errport",
		Nodes: []graph.NodeSpec{
			{ID: "a", Type: graph.TypeTrigger},
			{ID: "pay", Type: "broken", ErrorOutputEnabled: true,
				Retry: &retry.Policy{MaxAttempts: 1}},
			{ID: "ok", Type: "noop"},
			{ID: "alert", Type: "noop"},
		},
		Edges: []graph.EdgeSpec{
			{From: "a", To: "pay"},
			{From: "pay", To: "ok"},
			{From: "pay", FromPort: graph.PortError, To: "alert"},
		},
	}

	res, err := f.core.Execute(context.Background(), RunInput{
		RunID: "run-errport", WorkflowID: g.ID, Graph: g,
		TriggerInput: []node.Item{{}},
	})
	require.NoError(t, err)

	// The failure was recovered through the error port, so the run
	// itself succeeds.
	assert.Equal(t, RunSucceeded, res.Status)
	assert.Equal(t, StatusError, res.Statuses["pay"])
	assert.Equal(t, StatusSkipped, res.Statuses["ok"])
	assert.Equal(t, StatusSuccess, res.Statuses["alert"])

	alertIn := res.Outputs["alert"][graph.PortMain]
	require.Len(t, alertIn, 1)
	assert.Equal(t, "pay", alertIn[0]["nodeId"])
	assert.Contains(t, alertIn[0]["error"], "payment gateway down")
}

func TestExecuteCancellation(t *testing.T) {
	f := newFixture(t, Options{})

	entered := make(chan struct{})
	release := make(chan struct{})
	f.register(t, "slow", func(ctx context.Context, in node.ExecuteInput) (*node.ExecuteResult, error) {
		close(entered)
		<-release
		return &node.ExecuteResult{Output: in.Items}, nil
	})

	g := linear("a", "b", "c")
	g.Nodes[1].Type = "slow"

	done := make(chan *RunResult, 1)
	go func() {
		res, _ := f.core.Execute(context.Background(), RunInput{
			RunID: "run-cancel", WorkflowID: g.ID, Graph: g,
			TriggerInput: []node.Item{{}},
		})
		done <- res
	}()

	// Cancel while b is in flight: it must finish, c must never start.
	<-entered
	require.True(t, f.core.Cancel("run-cancel"))
	close(release)

	res := <-done
	assert.Equal(t, RunCancelled, res.Status)

	var cancelled *CancelledError
	require.ErrorAs(t, res.Err, &cancelled)
	assert.Equal(t, "run-cancel", cancelled.RunID)

	// The in-flight node finished, nothing after it started.
	assert.Equal(t, StatusSuccess, res.Statuses["b"])
	assert.Equal(t, StatusPending, res.Statuses["c"])
}

func TestExecuteLoopPreservesItemOrder(t *testing.T) {
	f := newFixture(t, Options{Parallelism: 4})

	// Completion order is scrambled on purpose; output order must not be.
	f.register(t, "jittery", func(_ context.Context, in node.ExecuteInput) (*node.ExecuteResult, error) {
		time.Sleep(time.Duration(rand.Intn(20)) * time.Millisecond)
		out := make([]node.Item, len(in.Items))
		for i, item := range in.Items {
			out[i] = node.Item{"doubled": item["n"].(float64) * 2}
		}
		return &node.ExecuteResult{Output: out}, nil
	})

	g := &graph.Graph{
		ID: "wf-loop",
		Nodes: []graph.NodeSpec{
			{ID: "a", Type: graph.TypeTrigger},
			{ID: "each", Type: graph.TypeLoop},
			{ID: "work", Type: "jittery"},
		},
		Edges: []graph.EdgeSpec{
			{From: "a", To: "each"},
			{From: "each", To: "work"},
		},
	}

	var input []node.Item
	for i := 0; i < 8; i++ {
		input = append(input, node.Item{"n": float64(i)})
	}

	res, err := f.core.Execute(context.Background(), RunInput{
		RunID: "run-loop", WorkflowID: g.ID, Graph: g,
		TriggerInput: input,
	})
	require.NoError(t, err)
	require.Equal(t, RunSucceeded, res.Status)

	out := res.Outputs["work"][graph.PortMain]
	require.Len(t, out, 8)
	for i, item := range out {
		assert.Equal(t, float64(i*2), item["doubled"], "position %d", i)
	}
}

func TestExecuteSubworkflow(t *testing.T) {
	sub := linear("s1", "s2")
	sub.ID = "wf-sub"

	opts := Options{
		Resolver: func(_ context.Context, workflowID string) (*graph.Graph, error) {
			if workflowID != "wf-sub" {
				return nil, fmt.Errorf("unknown workflow %s", workflowID)
			}
			return sub, nil
		},
	}
	f := newFixture(t, opts)

	g := &graph.Graph{
		ID: "wf-parent",
		Nodes: []graph.NodeSpec{
			{ID: "a", Type: graph.TypeTrigger},
			{ID: "child", Type: graph.TypeSubworkflow, Config: map[string]interface{}{
				"workflowId": "wf-sub",
			}},
			{ID: "after", Type: "noop"},
		},
		Edges: []graph.EdgeSpec{
			{From: "a", To: "child"},
			{From: "child", To: "after"},
		},
	}

	input := []node.Item{{"k": "v"}}
	res, err := f.core.Execute(context.Background(), RunInput{
		RunID: "run-parent", WorkflowID: g.ID, Graph: g,
		TriggerInput: input,
	})
	require.NoError(t, err)
	assert.Equal(t, RunSucceeded, res.Status)
	assert.Equal(t, input, res.Outputs["after"][graph.PortMain])
}

func TestExecuteSubworkflowRecursionLimit(t *testing.T) {
	var g *graph.Graph
	opts := Options{
		MaxRecursionDepth: 3,
		Resolver: func(context.Context, string) (*graph.Graph, error) {
			return g, nil
		},
	}
	f := newFixture(t, opts)

	// The workflow calls itself.
	g = &graph.Graph{
		ID: "wf-recursive",
		Nodes: []graph.NodeSpec{
			{ID: "a", Type: graph.TypeTrigger},
			{ID: "self", Type: graph.TypeSubworkflow, Config: map[string]interface{}{
				"workflowId": "wf-recursive",
			}},
		},
		Edges: []graph.EdgeSpec{{From: "a", To: "self"}},
	}

	res, err := f.core.Execute(context.Background(), RunInput{
		RunID: "run-rec", WorkflowID: g.ID, Graph: g,
		TriggerInput: []node.Item{{}},
	})
	require.NoError(t, err)
	assert.Equal(t, RunFailed, res.Status)

	var recursion *MaxRecursionError
	require.ErrorAs(t, res.Err, &recursion)
	assert.Equal(t, 3, recursion.Limit)
}

func TestExecuteSavesCheckpointAndResumes(t *testing.T) {
	f := newFixture(t, Options{})

	var mu sync.Mutex
	executions := make(map[string]int)
	broken := true
	f.register(t, "counted", func(_ context.Context, in node.ExecuteInput) (*node.ExecuteResult, error) {
		mu.Lock()
		executions[in.Node.ID]++
		mu.Unlock()
		if in.Node.ID == "b" && broken {
			return nil, fmt.Errorf("disk full")
		}
		return &node.ExecuteResult{Output: in.Items}, nil
	})

	g := linear("a", "b", "c")
	g.Nodes[0].Type = "counted"
	g.Nodes[1].Type = "counted"
	g.Nodes[1].Retry = &retry.Policy{MaxAttempts: 1}
	g.Nodes[2].Type = "counted"

	in := RunInput{
		RunID: "run-resume", WorkflowID: g.ID, Graph: g,
		TriggerInput: []node.Item{{"seed": true}},
	}
	res, err := f.core.Execute(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, RunFailed, res.Status)

	// The failed run left its checkpoint behind.
	cp, err := f.checkpoints.Load(context.Background(), "run-resume")
	require.NoError(t, err)
	assert.Contains(t, cp.Completed, "a")

	// Fix the node and resume: a is pre-seeded, only b and c run.
	broken = false
	in.Checkpoint = cp
	res, err = f.core.Execute(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, RunSucceeded, res.Status)

	assert.Equal(t, 1, executions["a"], "completed node must not re-execute on resume")
	assert.Equal(t, 2, executions["b"])
	assert.Equal(t, 1, executions["c"])

	// Success discards the checkpoint.
	_, err = f.checkpoints.Load(context.Background(), "run-resume")
	assert.ErrorIs(t, err, ErrCheckpointNotFound)
}

func TestExecutePartialRunMatchesFullRun(t *testing.T) {
	f := newFixture(t, Options{})

	g := &graph.Graph{
		ID: "wf-partial",
		Nodes: []graph.NodeSpec{
			{ID: "a", Type: graph.TypeTrigger},
			{ID: "b", Type: "set", Config: map[string]interface{}{
				"fields": map[string]interface{}{"stage": "enriched"},
			}},
			{ID: "c", Type: "set", Config: map[string]interface{}{
				"fields": map[string]interface{}{"total": "{{ $json.n * 10 }}"},
			}},
		},
		Edges: []graph.EdgeSpec{
			{From: "a", To: "b"},
			{From: "b", To: "c"},
		},
	}

	input := []node.Item{{"n": float64(4)}}
	full, err := f.core.Execute(context.Background(), RunInput{
		RunID: "run-full", WorkflowID: g.ID, Graph: g, TriggerInput: input,
	})
	require.NoError(t, err)
	require.Equal(t, RunSucceeded, full.Status)

	// Re-run only c, pinning b's recorded output.
	partial, err := f.core.Execute(context.Background(), RunInput{
		RunID: "run-partial", WorkflowID: g.ID, Graph: g,
		StartNodeID: "c",
		PinnedData: map[string][]node.Item{
			"b": full.Outputs["b"][graph.PortMain],
		},
	})
	require.NoError(t, err)
	require.Equal(t, RunSucceeded, partial.Status)

	assert.Equal(t, full.Outputs["c"][graph.PortMain], partial.Outputs["c"][graph.PortMain])
	assert.Equal(t, StatusSuccess, partial.Statuses["a"], "upstream is marked done, not executed")
}

func TestExecuteEmitsLifecycleEvents(t *testing.T) {
	f := newFixture(t, Options{})

	var mu sync.Mutex
	var seen []string
	require.NoError(t, f.bus.Subscribe("*", func(_ context.Context, e events.Event) error {
		mu.Lock()
		seen = append(seen, e.Type)
		mu.Unlock()
		return nil
	}))

	_, err := f.core.Execute(context.Background(), RunInput{
		RunID: "run-events", WorkflowID: "wf-linear", Graph: linear("a", "b"),
		TriggerInput: []node.Item{{}},
	})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, events.RunStarted, seen[0])
	assert.Equal(t, events.RunSucceeded, seen[len(seen)-1])
	assert.Contains(t, seen, events.NodeStarted)
	assert.Contains(t, seen, events.NodeCompleted)
}

func TestExecuteRejectsInvalidGraph(t *testing.T) {
	f := newFixture(t, Options{})

	g := linear("a", "b")
	g.Edges = append(g.Edges, graph.EdgeSpec{From: "b", To: "a"})

	_, err := f.core.Execute(context.Background(), RunInput{
		RunID: "run-bad", WorkflowID: g.ID, Graph: g,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}
