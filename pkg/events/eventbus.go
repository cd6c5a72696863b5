package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is the envelope published by the engine for every lifecycle
// transition. Consumers (logging, UI, alerting) subscribe by type.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	RunID     string                 `json:"runId,omitempty"`
	NodeID    string                 `json:"nodeId,omitempty"`
	JobID     string                 `json:"jobId,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// Engine lifecycle event types.
const (
	RunStarted      = "run.started"
	RunSucceeded    = "run.succeeded"
	RunFailed       = "run.failed"
	RunCancelled    = "run.cancelled"
	NodeStarted     = "node.started"
	NodeCompleted   = "node.completed"
	NodeFailed      = "node.failed"
	JobDeadlettered = "job.deadlettered"
	CircuitTripped  = "circuit.tripped"
)

type EventHandler func(ctx context.Context, event Event) error

// EventBus publishes engine events to subscribers.
type EventBus interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(eventType string, handler EventHandler) error
	Close() error
}

// NewEvent builds an event with id and timestamp filled in.
func NewEvent(eventType string) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   make(map[string]interface{}),
	}
}

func (e Event) WithRun(runID string) Event {
	e.RunID = runID
	return e
}

func (e Event) WithNode(nodeID string) Event {
	e.NodeID = nodeID
	return e
}

func (e Event) WithJob(jobID string) Event {
	e.JobID = jobID
	return e
}

func (e Event) WithPayload(key string, value interface{}) Event {
	e.Payload[key] = value
	return e
}

// InMemoryEventBus is a synchronous in-process bus. Handlers registered
// for a type (or for "*") run in publish order; handler errors are
// collected but do not stop delivery to other subscribers.
type InMemoryEventBus struct {
	mu       sync.RWMutex
	handlers map[string][]EventHandler
	closed   bool
}

func NewInMemoryEventBus() *InMemoryEventBus {
	return &InMemoryEventBus{
		handlers: make(map[string][]EventHandler),
	}
}

func (b *InMemoryEventBus) Publish(ctx context.Context, event Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("event bus is closed")
	}
	handlers := make([]EventHandler, 0, len(b.handlers[event.Type])+len(b.handlers["*"]))
	handlers = append(handlers, b.handlers[event.Type]...)
	handlers = append(handlers, b.handlers["*"]...)
	b.mu.RUnlock()

	var firstErr error
	for _, h := range handlers {
		if err := h(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (b *InMemoryEventBus) Subscribe(eventType string, handler EventHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("event bus is closed")
	}
	b.handlers[eventType] = append(b.handlers[eventType], handler)
	return nil
}

func (b *InMemoryEventBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.handlers = make(map[string][]EventHandler)
	return nil
}
