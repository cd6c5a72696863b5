package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fluxline-go/internal/engine/node"
)

// Checkpoint is the durable record written after every completed node.
// A failed run keeps its last checkpoint so Resume can re-enter the
// loop with completed work pre-seeded; a successful run deletes it.
type Checkpoint struct {
	RunID        string                            `json:"runId"`
	WorkflowID   string                            `json:"workflowId"`
	Completed    []string                          `json:"completedNodeIds"`
	NodeOutputs  map[string]map[string][]node.Item `json:"nodeOutputs"`
	NodeStatuses map[string]NodeStatus             `json:"nodeStatuses"`
	UpdatedAt    time.Time                         `json:"updatedAt"`
}

// CheckpointStore persists run checkpoints.
type CheckpointStore interface {
	Save(ctx context.Context, cp *Checkpoint) error
	Load(ctx context.Context, runID string) (*Checkpoint, error)
	Delete(ctx context.Context, runID string) error
}

// ErrCheckpointNotFound is returned by Load when no checkpoint exists
// for the run.
var ErrCheckpointNotFound = fmt.Errorf("checkpoint not found")

const checkpointKeyPrefix = "fluxline:checkpoint:"

// RedisCheckpointStore keeps checkpoints in redis under TTL'd keys.
type RedisCheckpointStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCheckpointStore(client *redis.Client, ttl time.Duration) *RedisCheckpointStore {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &RedisCheckpointStore{client: client, ttl: ttl}
}

func (s *RedisCheckpointStore) Save(ctx context.Context, cp *Checkpoint) error {
	cp.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	if err := s.client.Set(ctx, checkpointKeyPrefix+cp.RunID, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

func (s *RedisCheckpointStore) Load(ctx context.Context, runID string) (*Checkpoint, error) {
	data, err := s.client.Get(ctx, checkpointKeyPrefix+runID).Bytes()
	if err == redis.Nil {
		return nil, ErrCheckpointNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return &cp, nil
}

func (s *RedisCheckpointStore) Delete(ctx context.Context, runID string) error {
	return s.client.Del(ctx, checkpointKeyPrefix+runID).Err()
}

// MemoryCheckpointStore is the in-process store used by tests and
// single-binary deployments.
type MemoryCheckpointStore struct {
	mu          sync.RWMutex
	checkpoints map[string]*Checkpoint
}

func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{checkpoints: make(map[string]*Checkpoint)}
}

func (s *MemoryCheckpointStore) Save(_ context.Context, cp *Checkpoint) error {
	cp.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	var copied Checkpoint
	if err := json.Unmarshal(data, &copied); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[cp.RunID] = &copied
	return nil
}

func (s *MemoryCheckpointStore) Load(_ context.Context, runID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.checkpoints[runID]
	if !ok {
		return nil, ErrCheckpointNotFound
	}
	return cp, nil
}

func (s *MemoryCheckpointStore) Delete(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checkpoints, runID)
	return nil
}

// checkpoint captures the context into the store; failures are logged
// by the caller, they never fail the run.
func buildCheckpoint(ec *ExecutionContext) *Checkpoint {
	statuses, outputs := ec.Snapshot()

	var completed []string
	for id, s := range statuses {
		if s == StatusSuccess || s == StatusSkipped {
			completed = append(completed, id)
		}
	}

	return &Checkpoint{
		RunID:        ec.RunID,
		WorkflowID:   ec.WorkflowID,
		Completed:    completed,
		NodeOutputs:  outputs,
		NodeStatuses: statuses,
	}
}
