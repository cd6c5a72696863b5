// Package engine is the façade tying the queue, worker pool and
// execution core together behind Submit/Cancel/Status/Resume.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/fluxline-go/internal/engine/core"
	"github.com/fluxline-go/internal/engine/expr"
	"github.com/fluxline-go/internal/engine/graph"
	"github.com/fluxline-go/internal/engine/node"
	"github.com/fluxline-go/internal/engine/queue"
	"github.com/fluxline-go/internal/engine/retry"
	"github.com/fluxline-go/internal/engine/worker"
	"github.com/fluxline-go/pkg/cache"
	"github.com/fluxline-go/pkg/config"
	"github.com/fluxline-go/pkg/events"
	"github.com/fluxline-go/pkg/logger"
	"github.com/fluxline-go/pkg/telemetry"
)

// Error-workflow enqueue policies.
const (
	ErrorWorkflowReplace    = "replace"
	ErrorWorkflowSideEffect = "side-effect"
)

// SubmitOptions tunes one submission.
type SubmitOptions struct {
	Priority    int
	MaxAttempts int

	// Partial execution: start at StartNodeID with PinnedData standing
	// in for upstream outputs.
	StartNodeID string
	PinnedData  map[string][]node.Item

	// ErrorWorkflowID names a registered workflow to enqueue when the
	// run fails.
	ErrorWorkflowID string

	// Singleton serializes runs of this workflow behind a keyed lock.
	Singleton bool
}

// ExecutionStatus is the externally visible state of a submitted job.
type ExecutionStatus struct {
	JobID        string                     `json:"jobId"`
	WorkflowID   string                     `json:"workflowId"`
	State        string                     `json:"state"`
	NodeStatuses map[string]core.NodeStatus `json:"nodeStatuses,omitempty"`
	Error        string                     `json:"error,omitempty"`
	UpdatedAt    time.Time                  `json:"updatedAt"`
}

// Engine wires the subsystems together and owns their lifecycle.
type Engine struct {
	cfg    *config.Config
	logger logger.Logger
	bus    events.EventBus

	registry    *node.Registry
	evaluator   *expr.Evaluator
	retries     *retry.Manager
	checkpoints core.CheckpointStore
	core        *core.Core
	queue       *queue.PriorityQueue
	pool        *worker.Pool

	workflows   *cache.TTLCache // workflowID -> *graph.Graph
	statusCache *cache.TTLCache // jobID -> ExecutionStatus
	locks       *runLocks
	cron        *cron.Cron
}

func New(cfg *config.Config, log logger.Logger, bus events.EventBus, rdb *redis.Client, tel *telemetry.Telemetry) *Engine {
	registry := node.NewRegistry(log)
	registry.RegisterBuiltins(log)

	evaluator := expr.New(cfg.Sandbox.EvalTimeout, cfg.Sandbox.MaxSteps)
	retries := retry.NewManager(retry.DefaultBreakerConfig(), log)

	var checkpoints core.CheckpointStore
	if rdb != nil {
		checkpoints = core.NewRedisCheckpointStore(rdb, cfg.Engine.CheckpointTTL)
	} else {
		checkpoints = core.NewMemoryCheckpointStore()
	}

	e := &Engine{
		cfg:         cfg,
		logger:      log,
		bus:         bus,
		registry:    registry,
		evaluator:   evaluator,
		retries:     retries,
		checkpoints: checkpoints,
		workflows:   cache.NewTTL(cfg.Engine.StatusCacheSize, 24*time.Hour),
		statusCache: cache.NewTTL(cfg.Engine.StatusCacheSize, cfg.Engine.StatusCacheTTL),
		locks:       newRunLocks(),
		cron:        cron.New(),
	}

	e.core = core.New(registry, evaluator, retries, checkpoints, bus, tel, log, core.Options{
		Parallelism:       cfg.Engine.NodeParallelism,
		MaxRecursionDepth: cfg.Engine.MaxRecursionDepth,
		Env:               environMap(),
		EnvAllow:          cfg.Sandbox.EnvAllow,
		Resolver:          e.resolveWorkflow,
	})

	e.queue = queue.New(queue.Options{
		MaxSize:       cfg.Queue.MaxSize,
		MaxAttempts:   cfg.Queue.MaxAttempts,
		RatePerSecond: cfg.Queue.RatePerSecond,
		RateBurst:     cfg.Queue.RateBurst,
		PersistDead:   cfg.Queue.PersistDead,
		DeadItemTTL:   cfg.Queue.DeadItemTTL,
	}, bus, rdb, log)

	e.pool = worker.NewPool(e.queue, e.handleJob, worker.Options{
		Count:        cfg.Worker.Count,
		PollInterval: cfg.Worker.PollInterval,
		DrainTimeout: cfg.Worker.DrainTimeout,
		RunTimeout:   cfg.Worker.RunTimeout,
	}, log)

	return e
}

// Start launches the worker pool and the cron scheduler.
func (e *Engine) Start(ctx context.Context) {
	e.pool.Start(ctx)
	e.cron.Start()
	e.logger.Info("engine started")
}

// Stop shuts the engine down, draining in-flight runs.
func (e *Engine) Stop(ctx context.Context) error {
	cronCtx := e.cron.Stop()
	select {
	case <-cronCtx.Done():
	case <-ctx.Done():
	}

	err := e.pool.Stop()
	e.retries.Close()
	e.workflows.Close()
	e.statusCache.Close()
	e.logger.Info("engine stopped")
	return err
}

// RegisterWorkflow makes a graph available by id for subworkflow nodes,
// error workflows and Resume without resubmitting the definition.
func (e *Engine) RegisterWorkflow(g *graph.Graph) error {
	if err := graph.FatalError(graph.Validate(g)); err != nil {
		return err
	}
	e.workflows.Set(g.ID, g)
	return nil
}

// Submit validates the graph and enqueues a run. Validation failures
// are returned synchronously and nothing is enqueued.
func (e *Engine) Submit(ctx context.Context, g *graph.Graph, input []node.Item, opts SubmitOptions) (string, error) {
	if err := graph.FatalError(graph.Validate(g)); err != nil {
		return "", err
	}
	if opts.StartNodeID != "" {
		if _, ok := g.Node(opts.StartNodeID); !ok {
			return "", fmt.Errorf("start node %q does not exist", opts.StartNodeID)
		}
	}
	e.workflows.Set(g.ID, g)

	job := queue.NewJob(g.ID, opts.Priority, queue.Payload{
		TriggerInput:    input,
		StartNodeID:     opts.StartNodeID,
		PinnedData:      opts.PinnedData,
		ErrorWorkflowID: opts.ErrorWorkflowID,
		Singleton:       opts.Singleton,
	})
	if opts.MaxAttempts > 0 {
		job.MaxAttempts = opts.MaxAttempts
	}

	if err := e.queue.Enqueue(job); err != nil {
		return "", err
	}

	e.setStatus(ExecutionStatus{
		JobID:      job.ID,
		WorkflowID: g.ID,
		State:      string(queue.StateQueued),
	})
	e.logger.Info("job submitted", "job_id", job.ID, "workflow_id", g.ID, "priority", opts.Priority)
	return job.ID, nil
}

// Schedule submits the workflow on a cron spec. The graph is registered
// so later schedule fires reuse it.
func (e *Engine) Schedule(spec string, g *graph.Graph, input []node.Item, opts SubmitOptions) (cron.EntryID, error) {
	if err := e.RegisterWorkflow(g); err != nil {
		return 0, err
	}
	return e.cron.AddFunc(spec, func() {
		if _, err := e.Submit(context.Background(), g, input, opts); err != nil {
			e.logger.Error("scheduled submission failed", "workflow_id", g.ID, "error", err)
		}
	})
}

// Cancel requests cooperative cancellation of a running job.
func (e *Engine) Cancel(jobID string) bool {
	cancelled := e.core.Cancel(jobID)
	if cancelled {
		e.logger.Info("run cancellation requested", "job_id", jobID)
	}
	return cancelled
}

// Status reports the last known state of a job.
func (e *Engine) Status(jobID string) (ExecutionStatus, bool) {
	v, ok := e.statusCache.Get(jobID)
	if !ok {
		return ExecutionStatus{}, false
	}
	return v.(ExecutionStatus), true
}

// Resume enqueues a job that re-enters a failed run from its last
// checkpoint, with completed nodes pre-seeded.
func (e *Engine) Resume(ctx context.Context, runID string) (string, error) {
	cp, err := e.checkpoints.Load(ctx, runID)
	if err != nil {
		return "", fmt.Errorf("cannot resume run %s: %w", runID, err)
	}
	if _, ok := e.workflows.Get(cp.WorkflowID); !ok {
		return "", fmt.Errorf("cannot resume run %s: workflow %s is not registered", runID, cp.WorkflowID)
	}

	job := queue.NewJob(cp.WorkflowID, 0, queue.Payload{ResumeRunID: runID})
	if err := e.queue.Enqueue(job); err != nil {
		return "", err
	}

	e.setStatus(ExecutionStatus{
		JobID:      job.ID,
		WorkflowID: cp.WorkflowID,
		State:      string(queue.StateQueued),
	})
	e.logger.Info("run resume enqueued", "job_id", job.ID, "run_id", runID)
	return job.ID, nil
}

// QueueStats exposes queue depths for operational endpoints.
func (e *Engine) QueueStats() queue.Stats {
	return e.queue.Stats()
}

// PauseQueue stops job dispatch without dropping anything.
func (e *Engine) PauseQueue() { e.queue.Pause() }

func (e *Engine) ResumeQueue() { e.queue.Resume() }

// handleJob is the worker handler: it resolves the graph, runs the
// core and classifies the outcome for the queue.
func (e *Engine) handleJob(ctx context.Context, job *queue.Job) error {
	if job.Payload.Singleton {
		release, err := e.locks.Acquire(ctx, job.WorkflowID, e.cfg.Engine.RunLockWaitTimeout)
		if err != nil {
			return fmt.Errorf("singleton workflow %s: %w", job.WorkflowID, err)
		}
		defer release()
	}

	g, ok := e.lookupWorkflow(job.WorkflowID)
	if !ok {
		return worker.Permanent(fmt.Errorf("workflow %s is not registered", job.WorkflowID))
	}

	in := core.RunInput{
		RunID:        job.ID,
		WorkflowID:   job.WorkflowID,
		Graph:        g,
		TriggerInput: job.Payload.TriggerInput,
		StartNodeID:  job.Payload.StartNodeID,
		PinnedData:   job.Payload.PinnedData,
	}
	if job.Payload.ResumeRunID != "" {
		cp, err := e.checkpoints.Load(ctx, job.Payload.ResumeRunID)
		if err != nil {
			return worker.Permanent(fmt.Errorf("checkpoint for run %s: %w", job.Payload.ResumeRunID, err))
		}
		in.RunID = job.Payload.ResumeRunID
		in.Checkpoint = cp
	}

	e.setStatus(ExecutionStatus{
		JobID:      job.ID,
		WorkflowID: job.WorkflowID,
		State:      string(queue.StateActive),
	})

	result, err := e.core.Execute(ctx, in)
	if err != nil {
		// Structural failure before the run started; retrying cannot fix it.
		e.recordTerminal(job, string(queue.StateFailed), err, nil)
		return worker.Permanent(err)
	}

	switch result.Status {
	case core.RunSucceeded:
		e.recordTerminal(job, string(core.RunSucceeded), nil, result.Statuses)
		return nil

	case core.RunCancelled:
		e.recordTerminal(job, string(core.RunCancelled), result.Err, result.Statuses)
		return worker.Permanent(result.Err)

	default:
		e.recordTerminal(job, string(core.RunFailed), result.Err, result.Statuses)

		replaced := e.enqueueErrorWorkflow(job, result.Err)
		if replaced {
			// replace policy: the error workflow takes over, the
			// failed job is not retried further.
			return worker.Permanent(result.Err)
		}
		if terminalRunError(result.Err) {
			return worker.Permanent(result.Err)
		}
		return result.Err
	}
}

// enqueueErrorWorkflow submits the configured error workflow with the
// failure as trigger input. It reports whether the error workflow
// replaces the failed job's own retry path.
func (e *Engine) enqueueErrorWorkflow(job *queue.Job, runErr error) bool {
	id := job.Payload.ErrorWorkflowID
	if id == "" {
		return false
	}
	g, ok := e.lookupWorkflow(id)
	if !ok {
		e.logger.Warn("error workflow is not registered", "workflow_id", id)
		return false
	}

	input := []node.Item{{
		"failedJobId":      job.ID,
		"failedWorkflowId": job.WorkflowID,
		"error":            runErr.Error(),
	}}
	if _, err := e.Submit(context.Background(), g, input, SubmitOptions{}); err != nil {
		e.logger.Error("failed to enqueue error workflow", "workflow_id", id, "error", err)
		return false
	}
	return e.cfg.Engine.ErrorWorkflowMode == ErrorWorkflowReplace
}

func (e *Engine) resolveWorkflow(_ context.Context, workflowID string) (*graph.Graph, error) {
	g, ok := e.lookupWorkflow(workflowID)
	if !ok {
		return nil, fmt.Errorf("workflow %s is not registered", workflowID)
	}
	return g, nil
}

func (e *Engine) lookupWorkflow(workflowID string) (*graph.Graph, bool) {
	v, ok := e.workflows.Get(workflowID)
	if !ok {
		return nil, false
	}
	return v.(*graph.Graph), true
}

func (e *Engine) setStatus(s ExecutionStatus) {
	s.UpdatedAt = time.Now().UTC()
	e.statusCache.Set(s.JobID, s)
}

func (e *Engine) recordTerminal(job *queue.Job, state string, err error, statuses map[string]core.NodeStatus) {
	s := ExecutionStatus{
		JobID:        job.ID,
		WorkflowID:   job.WorkflowID,
		State:        state,
		NodeStatuses: statuses,
	}
	if err != nil {
		s.Error = err.Error()
	}
	e.setStatus(s)
}

// terminalRunError reports failures that retrying the job cannot fix.
func terminalRunError(err error) bool {
	var cancelled *core.CancelledError
	var recursion *core.MaxRecursionError
	var rejected *expr.SandboxRejectedSyntaxError
	var cyclic *graph.CyclicGraphError
	return errors.As(err, &cancelled) ||
		errors.As(err, &recursion) ||
		errors.As(err, &rejected) ||
		errors.As(err, &cyclic)
}

func environMap() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			env[kv[:i]] = kv[i+1:]
		}
	}
	return env
}
