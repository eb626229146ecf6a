package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/railyard-io/railyard/internal/ctxstore"
	"github.com/railyard-io/railyard/internal/store"
	"github.com/railyard-io/railyard/pkg/schema"
)

// Checkpointer persists run snapshots. The engine serializes the snapshot;
// implementations only move bytes.
type Checkpointer interface {
	Save(ctx context.Context, meta schema.CheckpointMeta, state []byte) error
	Load(ctx context.Context, id string) (schema.CheckpointMeta, []byte, error)
	List(ctx context.Context, runID string) ([]schema.CheckpointMeta, error)
}

// runSnapshot is the complete restorable state of a run between ticks:
// paths, shared context, barriers, safety counters, and the graph as
// mutated so far. It is taken only when no capability call is in flight,
// so the context store needs no write quiescing beyond the driver's gate.
type runSnapshot struct {
	RunID      string                  `json:"run_id"`
	Graph      *schema.GraphDefinition `json:"graph"`
	Revision   int64                   `json:"revision"`
	Paths      []Path                  `json:"paths"`
	NextPathID int64                   `json:"next_path_id"`
	Context    *ctxstore.Snapshot      `json:"context"`
	Barriers   []BarrierState          `json:"barriers,omitempty"`
	Safety     SentinelState           `json:"safety"`
	TakenAt    time.Time               `json:"taken_at"`
}

// MemoryCheckpointer keeps checkpoints in process memory. Used in tests
// and for runs that do not need durability.
type MemoryCheckpointer struct {
	mu      sync.Mutex
	entries map[string]memCheckpoint
}

type memCheckpoint struct {
	meta  schema.CheckpointMeta
	state []byte
}

// NewMemoryCheckpointer creates an empty in-memory checkpointer.
func NewMemoryCheckpointer() *MemoryCheckpointer {
	return &MemoryCheckpointer{entries: make(map[string]memCheckpoint)}
}

// Save stores the snapshot under its checkpoint ID.
func (c *MemoryCheckpointer) Save(_ context.Context, meta schema.CheckpointMeta, state []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[meta.ID] = memCheckpoint{meta: meta, state: append([]byte(nil), state...)}
	return nil
}

// Load returns the checkpoint by ID.
func (c *MemoryCheckpointer) Load(_ context.Context, id string) (schema.CheckpointMeta, []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return schema.CheckpointMeta{}, nil, schema.NewErrorf(schema.ErrCodeNotFound, "checkpoint %s not found", id)
	}
	return e.meta, append([]byte(nil), e.state...), nil
}

// List returns the run's checkpoints ordered by creation time.
func (c *MemoryCheckpointer) List(_ context.Context, runID string) ([]schema.CheckpointMeta, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []schema.CheckpointMeta
	for _, e := range c.entries {
		if e.meta.RunID == runID {
			out = append(out, e.meta)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// StoreCheckpointer persists checkpoints through the run store.
type StoreCheckpointer struct {
	store store.Store
}

// NewStoreCheckpointer wraps a store.
func NewStoreCheckpointer(s store.Store) *StoreCheckpointer {
	return &StoreCheckpointer{store: s}
}

// Save persists the snapshot as a checkpoint record.
func (c *StoreCheckpointer) Save(ctx context.Context, meta schema.CheckpointMeta, state []byte) error {
	return c.store.SaveCheckpoint(ctx, &store.CheckpointRecord{
		ID:        meta.ID,
		RunID:     meta.RunID,
		Node:      meta.Node,
		Reason:    meta.Reason,
		State:     state,
		CreatedAt: meta.CreatedAt,
	})
}

// Load returns the checkpoint by ID.
func (c *StoreCheckpointer) Load(ctx context.Context, id string) (schema.CheckpointMeta, []byte, error) {
	rec, err := c.store.GetCheckpoint(ctx, id)
	if err != nil {
		return schema.CheckpointMeta{}, nil, err
	}
	return schema.CheckpointMeta{
		ID:        rec.ID,
		RunID:     rec.RunID,
		Node:      rec.Node,
		Reason:    rec.Reason,
		CreatedAt: rec.CreatedAt,
	}, rec.State, nil
}

// List returns the run's checkpoints ordered by creation time.
func (c *StoreCheckpointer) List(ctx context.Context, runID string) ([]schema.CheckpointMeta, error) {
	recs, err := c.store.ListCheckpoints(ctx, runID)
	if err != nil {
		return nil, err
	}
	out := make([]schema.CheckpointMeta, 0, len(recs))
	for _, rec := range recs {
		out = append(out, schema.CheckpointMeta{
			ID:        rec.ID,
			RunID:     rec.RunID,
			Node:      rec.Node,
			Reason:    rec.Reason,
			CreatedAt: rec.CreatedAt,
		})
	}
	return out, nil
}
