package ctxstore

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/railyard-io/railyard/internal/validation"
	"github.com/railyard-io/railyard/pkg/schema"
)

// Value is one versioned entry in a context. Versions are monotonic per
// key, starting at 1; LastWriter records the path that produced the value.
type Value struct {
	Context    string `json:"context"`
	Key        string `json:"key"`
	Value      any    `json:"value"`
	Version    int64  `json:"version"`
	LastWriter int64  `json:"last_writer"`
}

// Config configures a Store.
type Config struct {
	// LockWait bounds how long a write blocks for a contended context
	// lock. Zero means fail-fast: contended writes return LOCK_TIMEOUT
	// immediately.
	LockWait time.Duration
	// Policy reconciles divergent writes when paths merge. Defaults to
	// LastWriterWins.
	Policy MergePolicy
	Logger *slog.Logger
}

// Store is the shared context state for one run: a set of named contexts,
// each holding versioned key/value entries behind an exclusive write lock.
// Reads never block on writers; writes serialize per context.
type Store struct {
	mu       sync.Mutex // guards the contexts map itself
	contexts map[string]*contextState

	journal *journal
	policy  MergePolicy

	lockWait time.Duration
	logger   *slog.Logger
}

// contextState holds one context's entries. sem is the exclusive write
// lock; valmu guards the map for readers, held only instantaneously.
type contextState struct {
	name      string
	validator *validation.ValueValidator

	sem   chan struct{}
	valmu sync.RWMutex
	vals  map[string]*Value
}

// New creates an empty Store.
func New(cfg Config) *Store {
	policy := cfg.Policy
	if policy == nil {
		policy = LastWriterWins{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		contexts: make(map[string]*contextState),
		journal:  newJournal(),
		policy:   policy,
		lockWait: cfg.LockWait,
		logger:   logger,
	}
}

// Register declares a context. A non-empty schemaRaw attaches a JSON Schema
// that every write to the context must satisfy.
func (s *Store) Register(contextName string, schemaRaw string) error {
	if contextName == "" {
		return schema.NewError(schema.ErrCodeValidation, "context name is empty")
	}

	var validator *validation.ValueValidator
	if schemaRaw != "" {
		v, err := validation.CompileValueSchema(contextName, schemaRaw)
		if err != nil {
			return err
		}
		validator = v
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.contexts[contextName]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "context already registered: %s", contextName)
	}
	s.contexts[contextName] = &contextState{
		name:      contextName,
		validator: validator,
		sem:       make(chan struct{}, 1),
		vals:      make(map[string]*Value),
	}
	return nil
}

// Unregister removes a context and its values. Used when a context node is
// removed by mutation.
func (s *Store) Unregister(contextName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.contexts[contextName]; !exists {
		return schema.NewErrorf(schema.ErrCodeNotFound, "context not found: %s", contextName)
	}
	delete(s.contexts, contextName)
	return nil
}

// Contexts returns the registered context names.
func (s *Store) Contexts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.contexts))
	for name := range s.contexts {
		out = append(out, name)
	}
	return out
}

func (s *Store) state(contextName string) (*contextState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs, ok := s.contexts[contextName]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "context not found: %s", contextName)
	}
	return cs, nil
}

// Read returns the requested keys from a context; with no keys it returns
// every entry. Reads never wait for the write lock. Missing keys are
// simply absent from the result.
func (s *Store) Read(contextName string, keys ...string) (map[string]any, error) {
	cs, err := s.state(contextName)
	if err != nil {
		return nil, err
	}

	cs.valmu.RLock()
	defer cs.valmu.RUnlock()

	out := make(map[string]any)
	if len(keys) == 0 {
		for k, v := range cs.vals {
			out[k] = deepCopyAny(v.Value)
		}
		return out, nil
	}
	for _, k := range keys {
		if v, ok := cs.vals[k]; ok {
			out[k] = deepCopyAny(v.Value)
		}
	}
	return out, nil
}

// Entry returns the full versioned entry for one key.
func (s *Store) Entry(contextName, key string) (Value, bool, error) {
	cs, err := s.state(contextName)
	if err != nil {
		return Value{}, false, err
	}

	cs.valmu.RLock()
	defer cs.valmu.RUnlock()

	v, ok := cs.vals[key]
	if !ok {
		return Value{}, false, nil
	}
	out := *v
	out.Value = deepCopyAny(v.Value)
	return out, true, nil
}

// Write stores one value under the context's exclusive lock. It blocks up
// to the configured lock wait (fail-fast when zero), validates the value
// against the context schema, bumps the key's version and journals the
// write. Rejected writes leave the version untouched.
//
// Lock contention surfaces as LOCK_TIMEOUT; callers retry per policy.
func (s *Store) Write(ctx context.Context, contextName, key string, value any, pathID int64) (Value, error) {
	if key == "" {
		return Value{}, schema.NewError(schema.ErrCodeValidation, "context key is empty")
	}

	cs, err := s.state(contextName)
	if err != nil {
		return Value{}, err
	}

	if err := cs.acquire(ctx, s.lockWait, pathID); err != nil {
		return Value{}, err
	}
	defer cs.release()

	// Validate before touching the entry: a rejected write must not bump
	// the version.
	if cs.validator != nil {
		if err := cs.validator.Validate(map[string]any{key: value}); err != nil {
			return Value{}, schema.NewErrorf(schema.ErrCodeValidation,
				"write to %s.%s rejected by context schema: %s", contextName, key, err.Error()).
				WithCause(err).
				WithPath(pathID)
		}
	}

	cs.valmu.Lock()
	prev := cs.vals[key]
	next := &Value{
		Context:    contextName,
		Key:        key,
		Value:      deepCopyAny(value),
		Version:    1,
		LastWriter: pathID,
	}
	if prev != nil {
		next.Version = prev.Version + 1
	}
	cs.vals[key] = next
	rec := s.journal.append(contextName, key, next.Value, next.Version, pathID)
	cs.valmu.Unlock()

	s.logger.DebugContext(ctx, "context write",
		"context", contextName,
		"key", key,
		"version", next.Version,
		"seq", rec.Seq,
	)

	out := *next
	out.Value = deepCopyAny(next.Value)
	return out, nil
}

// acquire takes the context's exclusive lock, waiting up to lockWait.
func (cs *contextState) acquire(ctx context.Context, lockWait time.Duration, pathID int64) error {
	if lockWait <= 0 {
		select {
		case cs.sem <- struct{}{}:
			return nil
		default:
			return schema.NewErrorf(schema.ErrCodeLockTimeout,
				"context %q is locked", cs.name).WithPath(pathID)
		}
	}

	timer := time.NewTimer(lockWait)
	defer timer.Stop()

	select {
	case cs.sem <- struct{}{}:
		return nil
	case <-timer.C:
		return schema.NewErrorf(schema.ErrCodeLockTimeout,
			"context %q is locked (waited %s)", cs.name, lockWait).WithPath(pathID)
	case <-ctx.Done():
		return schema.NewErrorf(schema.ErrCodeCancelled,
			"write to context %q cancelled while waiting for lock", cs.name).
			WithCause(ctx.Err()).
			WithPath(pathID)
	}
}

func (cs *contextState) release() {
	<-cs.sem
}
