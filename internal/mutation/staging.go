package mutation

import (
	"context"
	"time"

	"github.com/railyard-io/railyard/internal/streaming"
	"github.com/railyard-io/railyard/pkg/schema"
)

// Proposal is a staged mutation awaiting approval, or a batch member
// awaiting flush.
type Proposal struct {
	ID        int64                `json:"id"`
	Mutation  schema.GraphMutation `json:"mutation"`
	CreatedAt time.Time            `json:"created_at"`
}

// Proposals lists staged mutations in arrival order.
func (e *Engine) Proposals() []Proposal {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Proposal, 0, len(e.staged))
	for _, p := range e.staged {
		out = append(out, *p)
	}
	return out
}

// Approve applies a staged mutation. Scope is re-checked: the graph may
// have changed since staging.
func (e *Engine) Approve(ctx context.Context, id int64) (*schema.AppliedMutation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.takeStaged(id)
	if err != nil {
		return nil, err
	}
	if err := e.checkScope(p.Mutation); err != nil {
		return nil, err
	}
	return e.applyLocked(ctx, p.Mutation, p.ID)
}

// Reject discards a staged mutation.
func (e *Engine) Reject(ctx context.Context, id int64, reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.takeStaged(id)
	if err != nil {
		return err
	}

	e.logger.Info("mutation rejected", "run_id", e.runID, "id", id, "op", p.Mutation.Op, "reason", reason)
	e.publish(ctx, streaming.StreamEvent{
		RunID:     e.runID,
		EventType: schema.EventMutationRejected,
		Payload:   map[string]any{"id": id, "op": p.Mutation.Op, "reason": reason},
	})
	return nil
}

// takeStaged removes and returns the staged proposal with the given id.
// Callers hold e.mu.
func (e *Engine) takeStaged(id int64) (*Proposal, error) {
	for i, p := range e.staged {
		if p.ID == id {
			e.staged = append(e.staged[:i], e.staged[i+1:]...)
			return p, nil
		}
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no staged mutation with id %d", id)
}

// PendingBatch returns the number of batched mutations awaiting flush.
func (e *Engine) PendingBatch() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.batch)
}

// FlushBatch applies every batched mutation in arrival order. The flush is
// atomic: if any member fails scope or structure checks, no member lands,
// the batch is dropped and the failure is returned. The driver flushes at
// checkpoint boundaries.
func (e *Engine) FlushBatch(ctx context.Context) ([]schema.AppliedMutation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.batch) == 0 {
		return nil, nil
	}
	pending := e.batch
	e.batch = nil

	// Dry run against a scratch clone so a failing member leaves the
	// published graph untouched. Scope is checked against the evolving
	// scratch: earlier members may create the regions later ones touch.
	scratch := e.current.Load().Clone()
	for _, p := range pending {
		if err := e.checkScopeOn(scratch, p.Mutation); err != nil {
			e.rejectBatch(ctx, pending, err)
			return nil, err
		}
		if err := applyToGraph(scratch, p.Mutation); err != nil {
			e.rejectBatch(ctx, pending, err)
			return nil, err
		}
	}

	applied := make([]schema.AppliedMutation, 0, len(pending))
	for _, p := range pending {
		a, err := e.applyLocked(ctx, p.Mutation, p.ID)
		if err != nil {
			// The dry run covered every member; a failure here means the
			// scratch and published graphs diverged.
			return applied, err
		}
		applied = append(applied, *a)
	}
	return applied, nil
}

// rejectBatch reports a failed flush. Callers hold e.mu.
func (e *Engine) rejectBatch(ctx context.Context, pending []*Proposal, cause error) {
	ids := make([]int64, 0, len(pending))
	for _, p := range pending {
		ids = append(ids, p.ID)
	}
	e.logger.Warn("batch flush rejected", "run_id", e.runID, "ids", ids, "error", cause)
	e.publish(ctx, streaming.StreamEvent{
		RunID:     e.runID,
		EventType: schema.EventMutationRejected,
		Payload:   map[string]any{"ids": ids, "reason": cause.Error()},
	})
}
