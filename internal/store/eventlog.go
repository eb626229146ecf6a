package store

import (
	"context"
	"fmt"
	"time"

	"github.com/railyard-io/railyard/pkg/schema"
)

// EventLog provides event-sourcing operations on top of a LibSQLStore.
type EventLog struct {
	store *LibSQLStore
}

// NewEventLog wraps a LibSQLStore to provide event-sourcing operations.
func NewEventLog(s *LibSQLStore) *EventLog {
	return &EventLog{store: s}
}

// AppendEvent appends an event with a monotonically increasing per-run sequence.
// Uses an immediate write lock to ensure sequence correctness under concurrency.
func (el *EventLog) AppendEvent(ctx context.Context, event *Event) error {
	db := el.store.DB()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin immediate tx: %w", err)
	}
	defer tx.Rollback()

	// In WAL mode, BeginTx alone may start a deferred transaction.
	// Execute a write-intent statement to force lock acquisition so that
	// concurrent appenders cannot interleave sequence reads and writes.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	// Clean up the noop row.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE run_id = ?`, event.RunID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (run_id, path_id, node, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.RunID, event.PathID, nullStr(event.Node), event.Type, nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// GetEvents returns events for a run with sequence > since, ordered by sequence ASC.
func (el *EventLog) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	return el.store.GetEvents(ctx, runID, since)
}

// GetEventsByType returns events of a specific type matching the filter.
func (el *EventLog) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	return el.store.GetEventsByType(ctx, eventType, filter)
}

// ReplayEvents replays all events for a run and returns the reconstructed path
// records. Returns an error if sequence gaps are detected.
func (el *EventLog) ReplayEvents(ctx context.Context, runID string) (map[int64]*PathRecord, error) {
	events, err := el.store.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	if len(events) == 0 {
		return make(map[int64]*PathRecord), nil
	}

	// Validate sequence contiguity.
	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", runID, expected, e.Sequence)
		}
	}

	paths := make(map[int64]*PathRecord)

	for _, e := range events {
		if e.PathID == 0 {
			// Run-scope event, no path to reconstruct.
			continue
		}

		rec, ok := paths[e.PathID]
		if !ok {
			rec = &PathRecord{
				RunID:  runID,
				PathID: e.PathID,
				Status: schema.PathStatusActive,
			}
			paths[e.PathID] = rec
		}
		rec.UpdatedAt = e.Timestamp

		switch e.Type {
		case schema.EventPathCreated:
			rec.Status = schema.PathStatusActive
			rec.CurrentNode = e.Node

		case schema.EventPathMoved:
			rec.Status = schema.PathStatusActive
			rec.CurrentNode = e.Node
			rec.Hops++

		case schema.EventPathForked:
			// Branch paths record their own creation; the parent is
			// completed by a separate event.

		case schema.EventPathWaiting:
			rec.Status = schema.PathStatusWaiting
			rec.CurrentNode = e.Node

		case schema.EventPathCompleted:
			rec.Status = schema.PathStatusCompleted
			if e.Node != "" {
				rec.CurrentNode = e.Node
			}

		case schema.EventPathFailed:
			rec.Status = schema.PathStatusFailed
			rec.Failure = e.Payload
			if e.Node != "" {
				rec.CurrentNode = e.Node
			}
		}
	}

	return paths, nil
}
