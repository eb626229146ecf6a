package ctxstore

import (
	"encoding/json"

	"github.com/railyard-io/railyard/internal/validation"
)

// Snapshot is a consistent deep copy of the whole store: every context's
// entries, the journal, and the sequence counter. Checkpoints embed it;
// Restore replaces the store with it wholesale.
type Snapshot struct {
	Contexts map[string]ContextSnapshot `json:"contexts"`
	Journal  []WriteRecord              `json:"journal"`
	Seq      int64                      `json:"seq"`
}

// ContextSnapshot is one context's frozen state. The schema travels with
// it so restore re-attaches validation.
type ContextSnapshot struct {
	Schema string           `json:"schema,omitempty"`
	Values map[string]Value `json:"values"`
}

// Snapshot deep-copies the store. Callers quiesce writers first; the
// engine checkpoints between ticks when no capability is in flight.
func (s *Store) Snapshot() *Snapshot {
	s.mu.Lock()
	states := make([]*contextState, 0, len(s.contexts))
	for _, cs := range s.contexts {
		states = append(states, cs)
	}
	s.mu.Unlock()

	snap := &Snapshot{Contexts: make(map[string]ContextSnapshot, len(states))}
	for _, cs := range states {
		cs.valmu.RLock()
		vals := make(map[string]Value, len(cs.vals))
		for k, v := range cs.vals {
			cp := *v
			cp.Value = deepCopyAny(v.Value)
			vals[k] = cp
		}
		cs.valmu.RUnlock()

		schemaRaw := ""
		if cs.validator != nil {
			schemaRaw = cs.validator.Raw()
		}
		snap.Contexts[cs.name] = ContextSnapshot{Schema: schemaRaw, Values: vals}
	}

	s.journal.mu.Lock()
	snap.Journal = make([]WriteRecord, len(s.journal.recs))
	for i, rec := range s.journal.recs {
		cp := rec
		cp.Value = deepCopyAny(rec.Value)
		snap.Journal[i] = cp
	}
	snap.Seq = s.journal.seq
	s.journal.mu.Unlock()

	return snap
}

// Restore replaces the store's entire state with the snapshot. Current
// contexts, values and journal are discarded, not merged.
func (s *Store) Restore(snap *Snapshot) error {
	contexts := make(map[string]*contextState, len(snap.Contexts))
	for name, cSnap := range snap.Contexts {
		cs := &contextState{
			name: name,
			sem:  make(chan struct{}, 1),
			vals: make(map[string]*Value, len(cSnap.Values)),
		}
		if cSnap.Schema != "" {
			v, err := validation.CompileValueSchema(name, cSnap.Schema)
			if err != nil {
				return err
			}
			cs.validator = v
		}
		for k, val := range cSnap.Values {
			cp := val
			cp.Value = deepCopyAny(val.Value)
			cs.vals[k] = &cp
		}
		contexts[name] = cs
	}

	journal := newJournal()
	journal.recs = make([]WriteRecord, len(snap.Journal))
	for i, rec := range snap.Journal {
		cp := rec
		cp.Value = deepCopyAny(rec.Value)
		journal.recs[i] = cp
	}
	journal.seq = snap.Seq

	s.mu.Lock()
	s.contexts = contexts
	s.mu.Unlock()

	s.journal.mu.Lock()
	s.journal.recs = journal.recs
	s.journal.seq = journal.seq
	s.journal.mu.Unlock()

	return nil
}

// --- Deep copy utilities ---

// deepCopyAny recursively deep-copies a value. Maps and slices are copied;
// primitives are value types already.
func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		cp := make(map[string]any, len(val))
		for k, item := range val {
			cp[k] = deepCopyAny(item)
		}
		return cp
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	case json.RawMessage:
		if val == nil {
			return nil
		}
		cp := make(json.RawMessage, len(val))
		copy(cp, val)
		return cp
	default:
		return v
	}
}
