// Package queue implements the in-process priority job queue feeding
// the worker pool: strict priority ordering, FIFO within a priority,
// delayed visibility, retry backoff on Nack and a dead-letter queue.
package queue

import (
	"time"

	"github.com/google/uuid"

	"github.com/fluxline-go/internal/engine/node"
)

// JobState is the queue-side lifecycle of a job.
type JobState string

const (
	StateQueued    JobState = "queued"
	StateActive    JobState = "active"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StateDead      JobState = "dead"
)

// Payload is what a worker needs to start the run. ResumeRunID points
// at a checkpointed earlier run to pick up instead of starting fresh.
type Payload struct {
	TriggerInput    []node.Item            `json:"triggerInput,omitempty"`
	StartNodeID     string                 `json:"startNodeId,omitempty"`
	PinnedData      map[string][]node.Item `json:"pinnedData,omitempty"`
	ResumeRunID     string                 `json:"resumeRunId,omitempty"`
	ErrorWorkflowID string                 `json:"errorWorkflowId,omitempty"`
	Singleton       bool                   `json:"singleton,omitempty"`
}

// Job is the queue wire format. Higher Priority dequeues first; equal
// priorities dequeue in enqueue order. A future NextRunAt keeps the job
// invisible until due.
type Job struct {
	ID          string    `json:"id"`
	WorkflowID  string    `json:"workflowId"`
	Priority    int       `json:"priority"`
	Payload     Payload   `json:"payload"`
	Attempt     int       `json:"attempt"`
	MaxAttempts int       `json:"maxAttempts"`
	NextRunAt   time.Time `json:"nextRunAt"`
	State       JobState  `json:"state"`
	EnqueuedAt  time.Time `json:"enqueuedAt"`
	LastError   string    `json:"lastError,omitempty"`
}

// NewJob builds a queued job with defaults filled in.
func NewJob(workflowID string, priority int, payload Payload) *Job {
	return &Job{
		ID:         uuid.New().String(),
		WorkflowID: workflowID,
		Priority:   priority,
		Payload:    payload,
		State:      StateQueued,
		EnqueuedAt: time.Now().UTC(),
	}
}

// Delay schedules the job to become visible after d.
func (j *Job) Delay(d time.Duration) *Job {
	if d > 0 {
		j.NextRunAt = time.Now().UTC().Add(d)
	}
	return j
}
