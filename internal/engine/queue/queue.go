package queue

import (
	"container/heap"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/fluxline-go/pkg/events"
	"github.com/fluxline-go/pkg/logger"
	"github.com/fluxline-go/pkg/metrics"
)

// Options tunes one queue instance.
type Options struct {
	MaxSize       int
	MaxAttempts   int
	RatePerSecond float64 // 0 disables rate limiting
	RateBurst     int
	PersistDead   bool
	DeadItemTTL   time.Duration
}

func DefaultOptions() Options {
	return Options{
		MaxSize:     10000,
		MaxAttempts: 3,
		RateBurst:   1,
		DeadItemTTL: 7 * 24 * time.Hour,
	}
}

const deadLetterKeyPrefix = "fluxline:dlq:"

// PriorityQueue is the only mutable state shared between workers. Every
// operation holds the single mutex, so a dequeued job is atomically
// claimed and invisible to other callers.
type PriorityQueue struct {
	mu      sync.Mutex
	ready   readyHeap
	delayed delayedHeap
	active  map[string]*Job
	dead    []*Job
	seq     uint64
	paused  bool

	opts    Options
	limiter *rate.Limiter
	bus     events.EventBus
	rdb     *redis.Client
	logger  logger.Logger
}

func New(opts Options, bus events.EventBus, rdb *redis.Client, log logger.Logger) *PriorityQueue {
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultOptions().MaxSize
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultOptions().MaxAttempts
	}
	if opts.DeadItemTTL <= 0 {
		opts.DeadItemTTL = DefaultOptions().DeadItemTTL
	}

	q := &PriorityQueue{
		active: make(map[string]*Job),
		opts:   opts,
		bus:    bus,
		rdb:    rdb,
		logger: log,
	}
	if opts.RatePerSecond > 0 {
		burst := opts.RateBurst
		if burst < 1 {
			burst = 1
		}
		q.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
	}
	heap.Init(&q.ready)
	heap.Init(&q.delayed)
	return q
}

// Enqueue accepts a job, rejecting when the queue is at capacity.
func (q *PriorityQueue) Enqueue(job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.ready.Len()+q.delayed.Len() >= q.opts.MaxSize {
		return fmt.Errorf("queue is full (cap %d)", q.opts.MaxSize)
	}

	if job.MaxAttempts <= 0 {
		job.MaxAttempts = q.opts.MaxAttempts
	}
	job.State = StateQueued

	q.seq++
	it := &queueItem{job: job, seq: q.seq}
	if job.NextRunAt.After(time.Now()) {
		heap.Push(&q.delayed, it)
	} else {
		heap.Push(&q.ready, it)
	}

	metrics.JobsTotal.WithLabelValues(string(StateQueued)).Inc()
	q.updateDepthLocked()
	return nil
}

// Dequeue claims the highest-priority due job. It returns false when
// the queue is paused, rate-limited or has nothing due.
func (q *PriorityQueue) Dequeue() (*Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.paused {
		return nil, false
	}

	q.promoteDueLocked()
	if q.ready.Len() == 0 {
		return nil, false
	}
	if q.limiter != nil && !q.limiter.Allow() {
		return nil, false
	}

	it := heap.Pop(&q.ready).(*queueItem)
	it.job.State = StateActive
	q.active[it.job.ID] = it.job
	q.updateDepthLocked()
	return it.job, true
}

// Ack marks an active job as completed and forgets it.
func (q *PriorityQueue) Ack(jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.active[jobID]
	if !ok {
		return fmt.Errorf("job %s is not active", jobID)
	}
	delete(q.active, jobID)
	job.State = StateCompleted

	metrics.JobsTotal.WithLabelValues(string(StateCompleted)).Inc()
	q.updateDepthLocked()
	return nil
}

// Nack reports a failed attempt. Below the attempt cap the job is
// requeued, invisible for the given backoff delay; at the cap it moves
// to the dead-letter queue.
func (q *PriorityQueue) Nack(jobID string, delay time.Duration, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.active[jobID]
	if !ok {
		return fmt.Errorf("job %s is not active", jobID)
	}
	delete(q.active, jobID)

	job.Attempt++
	if cause != nil {
		job.LastError = cause.Error()
	}

	if job.Attempt >= job.MaxAttempts {
		q.deadletterLocked(job)
		q.updateDepthLocked()
		return nil
	}

	job.State = StateQueued
	job.Delay(delay)
	q.seq++
	it := &queueItem{job: job, seq: q.seq}
	if job.NextRunAt.After(time.Now()) {
		heap.Push(&q.delayed, it)
	} else {
		heap.Push(&q.ready, it)
	}

	metrics.JobsTotal.WithLabelValues(string(StateFailed)).Inc()
	q.updateDepthLocked()
	return nil
}

// Pause stops Dequeue from handing out jobs; Enqueue still accepts.
func (q *PriorityQueue) Pause() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = true
}

func (q *PriorityQueue) Resume() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = false
}

// Stats is a point-in-time snapshot of queue depths.
type Stats struct {
	Queued  int  `json:"queued"`
	Delayed int  `json:"delayed"`
	Active  int  `json:"active"`
	Dead    int  `json:"dead"`
	Paused  bool `json:"paused"`
}

func (q *PriorityQueue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.promoteDueLocked()
	return Stats{
		Queued:  q.ready.Len(),
		Delayed: q.delayed.Len(),
		Active:  len(q.active),
		Dead:    len(q.dead),
		Paused:  q.paused,
	}
}

// DeadLetters returns a copy of the dead-letter queue.
func (q *PriorityQueue) DeadLetters() []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Job, len(q.dead))
	copy(out, q.dead)
	return out
}

// promoteDueLocked moves delayed jobs whose NextRunAt has passed into
// the ready heap.
func (q *PriorityQueue) promoteDueLocked() {
	now := time.Now()
	for q.delayed.Len() > 0 {
		it := q.delayed[0]
		if it.job.NextRunAt.After(now) {
			return
		}
		heap.Pop(&q.delayed)
		heap.Push(&q.ready, it)
	}
}

func (q *PriorityQueue) deadletterLocked(job *Job) {
	job.State = StateDead
	q.dead = append(q.dead, job)
	metrics.JobsTotal.WithLabelValues(string(StateDead)).Inc()

	ctx := context.Background()
	if q.bus != nil {
		event := events.NewEvent(events.JobDeadlettered).WithJob(job.ID).
			WithPayload("workflowId", job.WorkflowID).
			WithPayload("attempts", job.Attempt).
			WithPayload("error", job.LastError)
		if err := q.bus.Publish(ctx, event); err != nil {
			q.logger.Warn("failed to publish deadletter event", "job_id", job.ID, "error", err)
		}
	}

	if q.opts.PersistDead && q.rdb != nil {
		data, err := json.Marshal(job)
		if err == nil {
			err = q.rdb.Set(ctx, deadLetterKeyPrefix+job.ID, data, q.opts.DeadItemTTL).Err()
		}
		if err != nil {
			q.logger.Warn("failed to persist deadlettered job", "job_id", job.ID, "error", err)
		}
	}
}

func (q *PriorityQueue) updateDepthLocked() {
	metrics.QueueDepth.WithLabelValues("queued").Set(float64(q.ready.Len()))
	metrics.QueueDepth.WithLabelValues("delayed").Set(float64(q.delayed.Len()))
	metrics.QueueDepth.WithLabelValues("active").Set(float64(len(q.active)))
	metrics.QueueDepth.WithLabelValues("dead").Set(float64(len(q.dead)))
}

// queueItem pairs a job with its enqueue sequence number, which breaks
// priority ties first-in-first-out.
type queueItem struct {
	job *Job
	seq uint64
}

// readyHeap orders by priority descending, then sequence ascending.
type readyHeap []*queueItem

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	if h[i].job.Priority != h[j].job.Priority {
		return h[i].job.Priority > h[j].job.Priority
	}
	return h[i].seq < h[j].seq
}

func (h readyHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *readyHeap) Push(x interface{}) { *h = append(*h, x.(*queueItem)) }

func (h *readyHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// delayedHeap orders by due time ascending.
type delayedHeap []*queueItem

func (h delayedHeap) Len() int { return len(h) }

func (h delayedHeap) Less(i, j int) bool {
	return h[i].job.NextRunAt.Before(h[j].job.NextRunAt)
}

func (h delayedHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *delayedHeap) Push(x interface{}) { *h = append(*h, x.(*queueItem)) }

func (h *delayedHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}
