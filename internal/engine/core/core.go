package core

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fluxline-go/internal/engine/expr"
	"github.com/fluxline-go/internal/engine/graph"
	"github.com/fluxline-go/internal/engine/node"
	"github.com/fluxline-go/internal/engine/retry"
	"github.com/fluxline-go/pkg/events"
	"github.com/fluxline-go/pkg/logger"
	"github.com/fluxline-go/pkg/metrics"
	"github.com/fluxline-go/pkg/telemetry"
)

// SubworkflowResolver loads the graph a subworkflow node references.
type SubworkflowResolver func(ctx context.Context, workflowID string) (*graph.Graph, error)

// Options tunes one Core instance.
type Options struct {
	Parallelism       int
	MaxRecursionDepth int
	Env               map[string]string
	EnvAllow          []string
	Resolver          SubworkflowResolver
}

// Core executes workflow graphs. One Core serves many concurrent runs;
// all per-run state lives in the ExecutionContext.
type Core struct {
	registry    *node.Registry
	evaluator   *expr.Evaluator
	retries     *retry.Manager
	checkpoints CheckpointStore
	bus         events.EventBus
	tel         *telemetry.Telemetry
	logger      logger.Logger

	parallelism int
	maxDepth    int
	env         map[string]string
	envAllow    []string
	resolver    SubworkflowResolver

	activeMu sync.Mutex
	active   map[string]*ExecutionContext
}

func New(
	registry *node.Registry,
	evaluator *expr.Evaluator,
	retries *retry.Manager,
	checkpoints CheckpointStore,
	bus events.EventBus,
	tel *telemetry.Telemetry,
	log logger.Logger,
	opts Options,
) *Core {
	if opts.Parallelism <= 0 {
		opts.Parallelism = 4
	}
	if opts.MaxRecursionDepth <= 0 {
		opts.MaxRecursionDepth = 10
	}
	return &Core{
		registry:    registry,
		evaluator:   evaluator,
		retries:     retries,
		checkpoints: checkpoints,
		bus:         bus,
		tel:         tel,
		logger:      log,
		parallelism: opts.Parallelism,
		maxDepth:    opts.MaxRecursionDepth,
		env:         opts.Env,
		envAllow:    opts.EnvAllow,
		resolver:    opts.Resolver,
		active:      make(map[string]*ExecutionContext),
	}
}

// RunInput describes one run of a graph.
type RunInput struct {
	RunID        string
	WorkflowID   string
	Graph        *graph.Graph
	TriggerInput []node.Item

	// Partial execution: start at StartNodeID with PinnedData standing
	// in for everything upstream.
	StartNodeID string
	PinnedData  map[string][]node.Item

	// Resume: a previously saved checkpoint pre-seeds completed nodes.
	Checkpoint *Checkpoint
}

// RunResult is the outcome of a run.
type RunResult struct {
	Status   RunStatus
	Statuses map[string]NodeStatus
	Outputs  map[string]map[string][]node.Item
	Err      error
}

// runParams carries the internal knobs nested runs (loops,
// subworkflows) adjust.
type runParams struct {
	depth      int
	seeds      map[string][]node.Item
	checkpoint bool
	events     bool
}

// Execute runs a graph to a terminal state. The graph must already have
// passed validation; structural errors here fail the run.
func (c *Core) Execute(ctx context.Context, in RunInput) (*RunResult, error) {
	return c.run(ctx, in, runParams{checkpoint: c.checkpoints != nil, events: true})
}

// Cancel requests cooperative cancellation of an active run. It reports
// whether the run was found.
func (c *Core) Cancel(runID string) bool {
	c.activeMu.Lock()
	defer c.activeMu.Unlock()
	ec, ok := c.active[runID]
	if ok {
		ec.Cancel()
	}
	return ok
}

func (c *Core) run(ctx context.Context, in RunInput, p runParams) (*RunResult, error) {
	if err := graph.FatalError(graph.Validate(in.Graph)); err != nil {
		return nil, err
	}

	ec := NewExecutionContext(in.RunID, in.WorkflowID)
	c.register(ec)
	defer c.unregister(ec)

	ctx, span := c.startSpan(ctx, "workflow.run",
		attribute.String("run.id", in.RunID),
		attribute.String("workflow.id", in.WorkflowID),
	)
	defer span.End()

	started := time.Now()
	if p.events {
		c.publish(ctx, events.NewEvent(events.RunStarted).WithRun(in.RunID).
			WithPayload("workflowId", in.WorkflowID))
	}

	seeds := c.seedRun(ec, in, p)

	c.loop(ctx, in.Graph, ec, seeds, p)

	result := c.finalize(ctx, in, ec, p, started)
	return result, nil
}

// seedRun prepares the initial state: checkpoint restore, pinned
// upstream data for partial runs, and the start-node input seeds.
func (c *Core) seedRun(ec *ExecutionContext, in RunInput, p runParams) map[string][]node.Item {
	seeds := make(map[string][]node.Item)
	for id, items := range p.seeds {
		seeds[id] = items
	}

	if in.Checkpoint != nil {
		for id, s := range in.Checkpoint.NodeStatuses {
			// Only terminal, successful progress carries over; anything
			// else re-executes.
			if s == StatusSuccess || s == StatusSkipped {
				ec.SetStatus(id, s)
			}
		}
		for id, ports := range in.Checkpoint.NodeOutputs {
			for port, items := range ports {
				ec.SetOutput(id, port, items)
			}
		}
	}

	if in.StartNodeID != "" {
		// Everything upstream of the start node is considered done,
		// with pinned data standing in for its output.
		for _, up := range graph.Ancestors(in.Graph, in.StartNodeID) {
			ec.SetStatus(up, StatusSuccess)
			if items, ok := in.PinnedData[up]; ok {
				ec.SetOutput(up, graph.PortMain, items)
				ec.Pin(up, items)
			} else {
				ec.SetOutput(up, graph.PortMain, nil)
			}
		}
		if len(graph.InEdges(in.Graph, in.StartNodeID)) == 0 {
			seeds[in.StartNodeID] = in.TriggerInput
		}
		return seeds
	}

	if len(seeds) == 0 {
		for _, id := range graph.StartNodes(in.Graph) {
			if ec.Status(id) == StatusPending {
				seeds[id] = in.TriggerInput
			}
		}
	}
	return seeds
}

// loop is the scheduler: repeatedly find ready nodes and run them
// concurrently up to the parallelism cap until nothing is ready, the
// run fails, or it is cancelled.
func (c *Core) loop(ctx context.Context, g *graph.Graph, ec *ExecutionContext, seeds map[string][]node.Item, p runParams) {
	for {
		if ec.Cancelled() || ec.Err() != nil || ctx.Err() != nil {
			return
		}

		ready := c.readyNodes(g, ec, seeds)
		if len(ready) == 0 {
			return
		}

		sem := make(chan struct{}, c.parallelism)
		var wg sync.WaitGroup
		for _, id := range ready {
			if ec.Cancelled() || ec.Err() != nil {
				break
			}

			spec, _ := g.Node(id)
			inputs, fired := c.gatherInputs(g, ec, seeds, id)
			if !fired {
				// No inbound edge delivered data: the branch was pruned.
				ec.SetStatus(id, StatusSkipped)
				continue
			}
			if spec.Disabled {
				// Disabled nodes pass their input through untouched.
				ec.SetOutput(id, graph.PortMain, inputs)
				ec.SetStatus(id, StatusSuccess)
				continue
			}

			ec.SetStatus(id, StatusRunning)
			wg.Add(1)
			sem <- struct{}{}
			go func(spec *graph.NodeSpec, inputs []node.Item) {
				defer wg.Done()
				defer func() { <-sem }()
				c.executeNode(ctx, g, ec, spec, inputs, p)
			}(spec, inputs)
		}
		wg.Wait()
	}
}

// readyNodes returns pending nodes whose every inbound edge source has
// reached a terminal state, in ascending id order.
func (c *Core) readyNodes(g *graph.Graph, ec *ExecutionContext, seeds map[string][]node.Item) []string {
	var ready []string
	for _, n := range g.Nodes {
		if ec.Status(n.ID) != StatusPending {
			continue
		}

		inbound := graph.InEdges(g, n.ID)
		if len(inbound) == 0 {
			if _, seeded := seeds[n.ID]; seeded {
				ready = append(ready, n.ID)
			}
			continue
		}

		resolved := true
		for _, e := range inbound {
			switch ec.Status(e.From) {
			case StatusSuccess, StatusError, StatusSkipped:
			default:
				resolved = false
			}
			if !resolved {
				break
			}
		}
		if resolved {
			ready = append(ready, n.ID)
		}
	}
	sort.Strings(ready)
	return ready
}

// gatherInputs concatenates the items delivered on a node's inbound
// edges in edge-declaration order. fired is false when no edge carried
// data, which prunes the node.
func (c *Core) gatherInputs(g *graph.Graph, ec *ExecutionContext, seeds map[string][]node.Item, id string) ([]node.Item, bool) {
	if items, ok := seeds[id]; ok && len(graph.InEdges(g, id)) == 0 {
		return items, true
	}

	var inputs []node.Item
	fired := false
	for _, e := range graph.InEdges(g, id) {
		items, ok := ec.Output(e.From, e.SourcePort())
		if !ok {
			continue
		}
		fired = true
		inputs = append(inputs, items...)
	}
	return inputs, fired
}

// executeNode runs one node through the retry manager and records the
// outcome. Loop and subworkflow markers are orchestrated here instead
// of delegating to their (passthrough) executors.
func (c *Core) executeNode(ctx context.Context, g *graph.Graph, ec *ExecutionContext, spec *graph.NodeSpec, inputs []node.Item, p runParams) {
	switch spec.Type {
	case graph.TypeLoop, graph.TypeSplitInBatches:
		c.runLoop(ctx, g, ec, spec, inputs, p)
		return
	case graph.TypeSubworkflow:
		c.runSubworkflow(ctx, g, ec, spec, inputs, p)
		return
	}

	exec, err := c.registry.Get(spec.Type)
	if err != nil {
		c.failNode(ctx, ec, spec, err, p)
		return
	}

	policy := exec.Metadata().DefaultRetry
	if spec.Retry != nil {
		policy = *spec.Retry
	}

	ctx, span := c.startSpan(ctx, "node.execute",
		attribute.String("node.id", spec.ID),
		attribute.String("node.type", spec.Type),
	)
	defer span.End()

	if p.events {
		c.publish(ctx, events.NewEvent(events.NodeStarted).WithRun(ec.RunID).WithNode(spec.ID))
	}

	in := node.ExecuteInput{
		Node:        *spec,
		Items:       inputs,
		RunID:       ec.RunID,
		WorkflowID:  ec.WorkflowID,
		Evaluate:    c.bindEvaluate(g, ec),
		Interpolate: c.bindInterpolate(g, ec),
	}

	started := time.Now()
	result, err := c.retries.Run(ctx, spec.Type, policy, func() (interface{}, error) {
		return exec.Execute(ctx, in)
	})
	metrics.NodeExecutionDuration.WithLabelValues(spec.Type).Observe(time.Since(started).Seconds())

	if err != nil {
		metrics.NodeExecutionsTotal.WithLabelValues(spec.Type, "error").Inc()
		nodeErr := &node.NodeExecutionError{NodeID: spec.ID, NodeType: spec.Type, Err: err}

		if spec.ErrorOutputEnabled {
			// Recovered failure: the error payload flows down the
			// error port and the run continues.
			ec.SetOutput(spec.ID, graph.PortError, []node.Item{{
				"error":    err.Error(),
				"nodeId":   spec.ID,
				"nodeType": spec.Type,
			}})
			ec.SetStatus(spec.ID, StatusError)
			if p.events {
				c.publish(ctx, events.NewEvent(events.NodeFailed).WithRun(ec.RunID).WithNode(spec.ID).
					WithPayload("error", err.Error()).
					WithPayload("recovered", true))
			}
			c.saveCheckpoint(ctx, ec, p)
			return
		}

		c.failNode(ctx, ec, spec, nodeErr, p)
		return
	}

	res := result.(*node.ExecuteResult)
	port := res.Port
	if port == "" {
		port = graph.PortMain
	}
	ec.SetOutput(spec.ID, port, res.Output)
	if len(res.ErrorOutput) > 0 && spec.ErrorOutputEnabled {
		ec.SetOutput(spec.ID, graph.PortError, res.ErrorOutput)
	}
	ec.SetStatus(spec.ID, StatusSuccess)
	metrics.NodeExecutionsTotal.WithLabelValues(spec.Type, "success").Inc()

	if p.events {
		c.publish(ctx, events.NewEvent(events.NodeCompleted).WithRun(ec.RunID).WithNode(spec.ID).
			WithPayload("items", len(res.Output)).
			WithPayload("port", port))
	}
	c.saveCheckpoint(ctx, ec, p)
}

func (c *Core) failNode(ctx context.Context, ec *ExecutionContext, spec *graph.NodeSpec, err error, p runParams) {
	ec.SetStatus(spec.ID, StatusError)
	ec.Fail(err)
	if p.events {
		c.publish(ctx, events.NewEvent(events.NodeFailed).WithRun(ec.RunID).WithNode(spec.ID).
			WithPayload("error", err.Error()))
	}
	c.saveCheckpoint(ctx, ec, p)
}

// runLoop drives the subgraph downstream of a loop node once per input
// item. Results merge in input item order no matter how iterations
// interleave.
func (c *Core) runLoop(ctx context.Context, g *graph.Graph, ec *ExecutionContext, spec *graph.NodeSpec, inputs []node.Item, p runParams) {
	region := graph.Descendants(g, spec.ID)
	regionSet := make(map[string]bool, len(region))
	for _, id := range region {
		regionSet[id] = true
	}

	sub := &graph.Graph{ID: g.ID + ":" + spec.ID}
	for _, n := range g.Nodes {
		if regionSet[n.ID] {
			sub.Nodes = append(sub.Nodes, n)
		}
	}
	for _, e := range g.Edges {
		if regionSet[e.From] && regionSet[e.To] {
			sub.Edges = append(sub.Edges, e)
		}
	}

	// Direct successors on the main port start each iteration.
	var starts []string
	for _, e := range graph.OutEdges(g, spec.ID) {
		if e.SourcePort() == graph.PortMain {
			starts = append(starts, e.To)
		}
	}

	type iteration struct {
		statuses map[string]NodeStatus
		outputs  map[string]map[string][]node.Item
		err      error
	}
	results := make([]iteration, len(inputs))

	sem := make(chan struct{}, c.parallelism)
	var wg sync.WaitGroup
	for i, item := range inputs {
		if ec.Cancelled() {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, item node.Item) {
			defer wg.Done()
			defer func() { <-sem }()

			seeds := make(map[string][]node.Item, len(starts))
			for _, s := range starts {
				seeds[s] = []node.Item{item}
			}
			res, err := c.run(ctx, RunInput{
				RunID:      fmt.Sprintf("%s:%s:%d", ec.RunID, spec.ID, i),
				WorkflowID: ec.WorkflowID,
				Graph:      sub,
			}, runParams{depth: p.depth, seeds: seeds})
			if err != nil {
				results[i] = iteration{err: err}
				return
			}
			if res.Err != nil {
				results[i] = iteration{err: res.Err}
				return
			}
			results[i] = iteration{statuses: res.Statuses, outputs: res.Outputs}
		}(i, item)
	}
	wg.Wait()

	for _, it := range results {
		if it.err != nil {
			c.failNode(ctx, ec, spec, it.err, p)
			return
		}
	}

	// Fold iteration results back into the outer run in item order, so
	// every region node sees outputs ordered by input item.
	merged := make(map[string]map[string][]node.Item)
	status := make(map[string]NodeStatus)
	for _, it := range results {
		for id, ports := range it.outputs {
			if merged[id] == nil {
				merged[id] = make(map[string][]node.Item)
			}
			for port, items := range ports {
				merged[id][port] = append(merged[id][port], items...)
			}
		}
		for id, s := range it.statuses {
			// Success in any iteration wins over skipped.
			if status[id] != StatusSuccess {
				status[id] = s
			}
		}
	}
	for _, id := range region {
		for port, items := range merged[id] {
			ec.SetOutput(id, port, items)
		}
		s := status[id]
		if s == "" {
			s = StatusSkipped
		}
		ec.SetStatus(id, s)
	}

	ec.SetOutput(spec.ID, graph.PortMain, inputs)
	ec.SetStatus(spec.ID, StatusSuccess)
	if p.events {
		c.publish(ctx, events.NewEvent(events.NodeCompleted).WithRun(ec.RunID).WithNode(spec.ID).
			WithPayload("iterations", len(inputs)))
	}
	c.saveCheckpoint(ctx, ec, p)
}

// runSubworkflow executes the referenced workflow in a nested run with
// a fresh context, feeding this node's input in as trigger input.
func (c *Core) runSubworkflow(ctx context.Context, g *graph.Graph, ec *ExecutionContext, spec *graph.NodeSpec, inputs []node.Item, p runParams) {
	if p.depth+1 > c.maxDepth {
		c.failNode(ctx, ec, spec, &MaxRecursionError{Depth: p.depth + 1, Limit: c.maxDepth}, p)
		return
	}
	if c.resolver == nil {
		c.failNode(ctx, ec, spec, fmt.Errorf("no subworkflow resolver configured"), p)
		return
	}

	workflowID, _ := spec.Config["workflowId"].(string)
	if workflowID == "" {
		c.failNode(ctx, ec, spec, fmt.Errorf("subworkflow node requires a %q config entry", "workflowId"), p)
		return
	}

	subGraph, err := c.resolver(ctx, workflowID)
	if err != nil {
		c.failNode(ctx, ec, spec, fmt.Errorf("failed to resolve subworkflow %s: %w", workflowID, err), p)
		return
	}

	res, err := c.run(ctx, RunInput{
		RunID:        fmt.Sprintf("%s:%s", ec.RunID, spec.ID),
		WorkflowID:   workflowID,
		Graph:        subGraph,
		TriggerInput: inputs,
	}, runParams{depth: p.depth + 1})
	if err != nil {
		c.failNode(ctx, ec, spec, err, p)
		return
	}
	if res.Err != nil {
		c.failNode(ctx, ec, spec, res.Err, p)
		return
	}

	ec.SetOutput(spec.ID, graph.PortMain, leafOutputs(subGraph, res.Outputs))
	ec.SetStatus(spec.ID, StatusSuccess)
	if p.events {
		c.publish(ctx, events.NewEvent(events.NodeCompleted).WithRun(ec.RunID).WithNode(spec.ID).
			WithPayload("workflowId", workflowID))
	}
	c.saveCheckpoint(ctx, ec, p)
}

// leafOutputs concatenates the main-port output of every node with no
// outgoing edges, in ascending id order.
func leafOutputs(g *graph.Graph, outputs map[string]map[string][]node.Item) []node.Item {
	var leaves []string
	for _, n := range g.Nodes {
		if len(graph.OutEdges(g, n.ID)) == 0 {
			leaves = append(leaves, n.ID)
		}
	}
	sort.Strings(leaves)

	var out []node.Item
	for _, id := range leaves {
		out = append(out, outputs[id][graph.PortMain]...)
	}
	return out
}

func (c *Core) finalize(ctx context.Context, in RunInput, ec *ExecutionContext, p runParams, started time.Time) *RunResult {
	statuses, outputs := ec.Snapshot()
	for _, n := range in.Graph.Nodes {
		if _, ok := statuses[n.ID]; !ok {
			statuses[n.ID] = StatusPending
		}
	}
	result := &RunResult{Statuses: statuses, Outputs: outputs}

	switch {
	case ec.Cancelled():
		result.Status = RunCancelled
		result.Err = &CancelledError{RunID: in.RunID}
	case ec.Err() != nil:
		result.Status = RunFailed
		result.Err = ec.Err()
	default:
		result.Status = RunSucceeded
	}

	if p.events {
		metrics.RunsTotal.WithLabelValues(string(result.Status)).Inc()
		metrics.RunDuration.WithLabelValues(in.WorkflowID).Observe(time.Since(started).Seconds())

		switch result.Status {
		case RunSucceeded:
			c.publish(ctx, events.NewEvent(events.RunSucceeded).WithRun(in.RunID))
		case RunCancelled:
			c.publish(ctx, events.NewEvent(events.RunCancelled).WithRun(in.RunID))
		case RunFailed:
			c.publish(ctx, events.NewEvent(events.RunFailed).WithRun(in.RunID).
				WithPayload("error", result.Err.Error()))
		}
	}

	if p.checkpoint {
		if result.Status == RunSucceeded {
			if err := c.checkpoints.Delete(ctx, in.RunID); err != nil {
				c.logger.Warn("failed to delete checkpoint", "run_id", in.RunID, "error", err)
			}
		}
		// Failed and cancelled runs keep their last checkpoint so they
		// can be resumed.
	}
	return result
}

// bindEvaluate closes the sandbox evaluator over the run's current
// state; the scope snapshot is rebuilt per call so expressions see
// completed node outputs.
func (c *Core) bindEvaluate(g *graph.Graph, ec *ExecutionContext) func(src string, item node.Item) (interface{}, error) {
	return func(src string, item node.Item) (interface{}, error) {
		return c.evaluator.Evaluate(src, c.buildScope(g, ec, item))
	}
}

func (c *Core) bindInterpolate(g *graph.Graph, ec *ExecutionContext) func(template string, item node.Item) (string, error) {
	return func(template string, item node.Item) (string, error) {
		return c.evaluator.Interpolate(template, c.buildScope(g, ec, item))
	}
}

func (c *Core) buildScope(g *graph.Graph, ec *ExecutionContext, item node.Item) *expr.Scope {
	b := expr.NewScopeBuilder().
		WithItem(item).
		WithRun(ec.RunID, ec.WorkflowID).
		WithEnv(c.env, c.envAllow)

	for _, n := range g.Nodes {
		if ec.Status(n.ID) != StatusSuccess {
			continue
		}
		if items, ok := ec.Output(n.ID, graph.PortMain); ok && len(items) > 0 {
			name := n.Name
			if name == "" {
				name = n.ID
			}
			b.WithNodeOutput(name, items[0])
		}
	}
	return b.Build()
}

func (c *Core) saveCheckpoint(ctx context.Context, ec *ExecutionContext, p runParams) {
	if !p.checkpoint {
		return
	}
	if err := c.checkpoints.Save(ctx, buildCheckpoint(ec)); err != nil {
		c.logger.Warn("failed to save checkpoint", "run_id", ec.RunID, "error", err)
	}
}

func (c *Core) publish(ctx context.Context, e events.Event) {
	if c.bus == nil {
		return
	}
	if err := c.bus.Publish(ctx, e); err != nil {
		c.logger.Warn("failed to publish event", "type", e.Type, "error", err)
	}
}

func (c *Core) register(ec *ExecutionContext) {
	c.activeMu.Lock()
	defer c.activeMu.Unlock()
	c.active[ec.RunID] = ec
}

func (c *Core) unregister(ec *ExecutionContext) {
	c.activeMu.Lock()
	defer c.activeMu.Unlock()
	delete(c.active, ec.RunID)
}

func (c *Core) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tel := c.tel
	if tel == nil {
		tel = nopTelemetry
	}
	return tel.StartSpan(ctx, name, attrs...)
}

var nopTelemetry = telemetry.Nop()
