// Package worker runs a fixed-size pool of goroutines draining the job
// queue into the execution engine.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fluxline-go/internal/engine/queue"
	"github.com/fluxline-go/internal/engine/retry"
	"github.com/fluxline-go/pkg/logger"
	"github.com/fluxline-go/pkg/metrics"
)

// Handler executes one job. A nil return acknowledges the job; an
// error requeues it with backoff unless it is wrapped with Permanent.
type Handler func(ctx context.Context, job *queue.Job) error

// PermanentError marks a failure that retrying cannot fix, such as a
// cancelled or invalid run. The pool acknowledges such jobs instead of
// requeueing them.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return fmt.Sprintf("permanent: %v", e.Err) }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the pool will not retry it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Options tunes the pool.
type Options struct {
	Count        int
	PollInterval time.Duration
	DrainTimeout time.Duration
	RunTimeout   time.Duration
	Backoff      retry.Policy
}

func DefaultOptions() Options {
	return Options{
		Count:        8,
		PollInterval: 100 * time.Millisecond,
		DrainTimeout: 30 * time.Second,
		RunTimeout:   10 * time.Minute,
		Backoff:      retry.DefaultPolicy(),
	}
}

// Pool polls the queue and hands claimed jobs to the handler.
type Pool struct {
	queue   *queue.PriorityQueue
	handler Handler
	opts    Options
	logger  logger.Logger

	active  atomic.Int64
	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

func NewPool(q *queue.PriorityQueue, handler Handler, opts Options, log logger.Logger) *Pool {
	def := DefaultOptions()
	if opts.Count <= 0 {
		opts.Count = def.Count
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = def.DrainTimeout
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = def.RunTimeout
	}
	if opts.Backoff.MaxAttempts == 0 {
		opts.Backoff = def.Backoff
	}

	return &Pool{
		queue:   q,
		handler: handler,
		opts:    opts,
		logger:  log,
		stopCh:  make(chan struct{}),
	}
}

// Start launches the workers. It returns immediately.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.opts.Count; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.logger.Info("worker pool started", "workers", p.opts.Count)
}

// Stop drains in-flight work, waiting up to DrainTimeout.
func (p *Pool) Stop() error {
	p.stopped.Do(func() { close(p.stopCh) })

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped")
		return nil
	case <-time.After(p.opts.DrainTimeout):
		return fmt.Errorf("worker pool drain timed out after %s with %d jobs in flight",
			p.opts.DrainTimeout, p.active.Load())
	}
}

// Active reports how many workers are currently executing a job.
func (p *Pool) Active() int {
	return int(p.active.Load())
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		job, ok := p.queue.Dequeue()
		if !ok {
			select {
			case <-p.stopCh:
				return
			case <-ctx.Done():
				return
			case <-time.After(p.opts.PollInterval):
			}
			continue
		}

		p.runJob(ctx, id, job)
	}
}

func (p *Pool) runJob(ctx context.Context, workerID int, job *queue.Job) {
	p.active.Add(1)
	metrics.WorkersActive.Inc()
	defer func() {
		p.active.Add(-1)
		metrics.WorkersActive.Dec()
	}()

	runCtx, cancel := context.WithTimeout(ctx, p.opts.RunTimeout)
	defer cancel()

	err := p.handler(runCtx, job)
	switch {
	case err == nil:
		if ackErr := p.queue.Ack(job.ID); ackErr != nil {
			p.logger.Warn("failed to ack job", "job_id", job.ID, "error", ackErr)
		}

	case isPermanent(err):
		p.logger.Error("job failed permanently",
			"worker", workerID,
			"job_id", job.ID,
			"workflow_id", job.WorkflowID,
			"error", err,
		)
		if ackErr := p.queue.Ack(job.ID); ackErr != nil {
			p.logger.Warn("failed to ack job", "job_id", job.ID, "error", ackErr)
		}

	default:
		delay := p.opts.Backoff.Delay(job.Attempt + 1)
		p.logger.Warn("job failed, requeueing",
			"worker", workerID,
			"job_id", job.ID,
			"workflow_id", job.WorkflowID,
			"attempt", job.Attempt+1,
			"delay", delay,
			"error", err,
		)
		if nackErr := p.queue.Nack(job.ID, delay, err); nackErr != nil {
			p.logger.Warn("failed to nack job", "job_id", job.ID, "error", nackErr)
		}
	}
}

func isPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
