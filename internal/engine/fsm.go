package engine

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/railyard-io/railyard/internal/store"
	"github.com/railyard-io/railyard/pkg/schema"
)

// TransitionHook is called before or after a state transition.
type TransitionHook func(from, to string) error

// EventAppender is satisfied by the Store and EventLog; used by FSMs to emit
// events on transitions.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// --- Run FSM ---

type runHookKey struct {
	from, to schema.RunStatus
}

// RunFSM manages run lifecycle state transitions.
type RunFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[runHookKey][]TransitionHook
	after    map[runHookKey][]TransitionHook
}

// NewRunFSM creates a new RunFSM that emits events via the given appender.
func NewRunFSM(appender EventAppender) *RunFSM {
	return &RunFSM{
		appender: appender,
		before:   make(map[runHookKey][]TransitionHook),
		after:    make(map[runHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a run transition.
func (f *RunFSM) OnBefore(from, to schema.RunStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := runHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a run transition.
func (f *RunFSM) OnAfter(from, to schema.RunStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := runHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes a run state transition, emitting the
// corresponding event via the appender. payload, when non-nil, is attached
// to the event (run failures carry the error here). The caller is
// responsible for persisting the new state to the store.
func (f *RunFSM) Transition(ctx context.Context, runID string, from, to schema.RunStatus, payload json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidRunTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid run transition: %s -> %s", from, to).
			WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
	}

	key := runHookKey{from, to}

	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	eventType := runEventType(to)
	if eventType != "" {
		event := &store.Event{
			RunID:   runID,
			Type:    eventType,
			Payload: payload,
		}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit run event: %s", err.Error()).WithCause(err)
		}
	}

	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	return nil
}

func isValidRunTransition(from, to schema.RunStatus) bool {
	allowed, ok := ValidRunTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func runEventType(to schema.RunStatus) string {
	switch to {
	case schema.RunStatusActive:
		return schema.EventRunStarted
	case schema.RunStatusCompleted:
		return schema.EventRunCompleted
	case schema.RunStatusFailed:
		return schema.EventRunFailed
	case schema.RunStatusCancelled:
		return schema.EventRunCancelled
	default:
		return ""
	}
}

// --- Path FSM ---

type pathHookKey struct {
	from, to schema.PathStatus
}

// PathFSM manages path lifecycle state transitions.
type PathFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[pathHookKey][]TransitionHook
	after    map[pathHookKey][]TransitionHook
}

// NewPathFSM creates a new PathFSM that emits events via the given appender.
func NewPathFSM(appender EventAppender) *PathFSM {
	return &PathFSM{
		appender: appender,
		before:   make(map[pathHookKey][]TransitionHook),
		after:    make(map[pathHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a path transition.
func (f *PathFSM) OnBefore(from, to schema.PathStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := pathHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a path transition.
func (f *PathFSM) OnAfter(from, to schema.PathStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := pathHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes a path state transition, emitting the
// corresponding event via the appender. node is the path's current
// position; payload carries failure detail on failed transitions.
// Waiting -> active emits nothing: the move that follows records the
// resumption.
func (f *PathFSM) Transition(ctx context.Context, runID string, pathID int64, node string, from, to schema.PathStatus, payload json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidPathTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid path transition: %s -> %s", from, to).
			WithPath(pathID).
			WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
	}

	key := pathHookKey{from, to}

	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	eventType := pathEventType(to)
	if eventType != "" {
		event := &store.Event{
			RunID:   runID,
			PathID:  pathID,
			Node:    node,
			Type:    eventType,
			Payload: payload,
		}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit path event: %s", err.Error()).
				WithPath(pathID).WithCause(err)
		}
	}

	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	return nil
}

func isValidPathTransition(from, to schema.PathStatus) bool {
	allowed, ok := ValidPathTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func pathEventType(to schema.PathStatus) string {
	switch to {
	case schema.PathStatusWaiting:
		return schema.EventPathWaiting
	case schema.PathStatusCompleted:
		return schema.EventPathCompleted
	case schema.PathStatusFailed:
		return schema.EventPathFailed
	default:
		return ""
	}
}

// --- Cancel Cascade ---

// CancelRun transitions a run to cancelled and fails all non-terminal
// paths. paths describes the current position and status of every known
// path; terminal paths are left untouched.
func CancelRun(ctx context.Context, runFSM *RunFSM, pathFSM *PathFSM, runID string, currentStatus schema.RunStatus, paths []PathView) error {
	if err := runFSM.Transition(ctx, runID, currentStatus, schema.RunStatusCancelled, nil); err != nil {
		return err
	}

	cancelErr := schema.NewError(schema.ErrCodeCancelled, "run cancelled")
	payload, _ := json.Marshal(cancelErr)

	for _, p := range paths {
		if p.Status == schema.PathStatusCompleted || p.Status == schema.PathStatusFailed {
			continue
		}
		if err := pathFSM.Transition(ctx, runID, p.ID, p.CurrentNode, p.Status, schema.PathStatusFailed, payload); err != nil {
			return err
		}
	}
	return nil
}

// --- Transition tables ---

// ValidRunTransitions defines the allowed state transitions for runs.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusPending:   {schema.RunStatusActive, schema.RunStatusCancelled},
	schema.RunStatusActive:    {schema.RunStatusCompleted, schema.RunStatusFailed, schema.RunStatusCancelled},
	schema.RunStatusCompleted: {},
	schema.RunStatusFailed:    {},
	schema.RunStatusCancelled: {},
}

// ValidPathTransitions defines the allowed state transitions for paths.
var ValidPathTransitions = map[schema.PathStatus][]schema.PathStatus{
	schema.PathStatusActive:    {schema.PathStatusWaiting, schema.PathStatusCompleted, schema.PathStatusFailed},
	schema.PathStatusWaiting:   {schema.PathStatusActive, schema.PathStatusCompleted, schema.PathStatusFailed},
	schema.PathStatusCompleted: {},
	schema.PathStatusFailed:    {},
}
