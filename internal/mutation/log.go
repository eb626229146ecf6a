package mutation

import (
	"context"

	"github.com/railyard-io/railyard/internal/graph"
	"github.com/railyard-io/railyard/internal/streaming"
	"github.com/railyard-io/railyard/pkg/schema"
)

// Log returns a copy of the applied mutation log in application order.
func (e *Engine) Log() []schema.AppliedMutation {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]schema.AppliedMutation, len(e.log))
	copy(out, e.log)
	return out
}

// LogSeq returns the seq of the most recently applied mutation, or 0 when
// nothing has been applied. Checkpoints store it as the mutation-log
// pointer.
func (e *Engine) LogSeq() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.log) == 0 {
		return 0
	}
	return e.log[len(e.log)-1].Seq
}

// Rollback rewinds the graph to the state just after the log entry with the
// given seq, by replaying the log prefix against the original graph. Seq 0
// rewinds to the original. Later entries are discarded; the rebuilt graph
// publishes under a fresh revision so watchers never see a revision reused.
func (e *Engine) Rollback(ctx context.Context, seq int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cut := 0
	if seq != 0 {
		found := false
		for i, entry := range e.log {
			if entry.Seq == seq {
				cut = i + 1
				found = true
				break
			}
		}
		if !found {
			return schema.NewErrorf(schema.ErrCodeNotFound, "no applied mutation with seq %d", seq)
		}
	}

	rebuilt, err := e.rebuild(e.log[:cut])
	if err != nil {
		return err
	}

	discarded := len(e.log) - cut
	e.log = e.log[:cut]
	rebuilt.Revision = e.current.Load().Revision + 1
	e.current.Store(rebuilt)

	e.logger.Info("mutation log rolled back",
		"run_id", e.runID,
		"seq", seq,
		"discarded", discarded,
		"revision", rebuilt.Revision,
	)
	e.publish(ctx, streaming.StreamEvent{
		RunID:     e.runID,
		EventType: schema.EventMutationRolledBack,
		Payload:   map[string]any{"seq": seq, "discarded": discarded, "revision": rebuilt.Revision},
	})
	e.publish(ctx, streaming.StreamEvent{
		RunID:     e.runID,
		EventType: schema.EventGraphUpdated,
		Payload: map[string]any{
			"revision":   rebuilt.Revision,
			"definition": rebuilt.ToDefinition(),
		},
	})
	return nil
}

// rebuild replays a log prefix against a clone of the original graph.
func (e *Engine) rebuild(prefix []schema.AppliedMutation) (*graph.Graph, error) {
	g := e.original.Clone()
	for _, entry := range prefix {
		if err := applyToGraph(g, entry.Mutation); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"replay of mutation seq %d failed", entry.Seq).WithCause(err)
		}
	}
	return g, nil
}
