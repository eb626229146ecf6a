package ctxstore

import (
	"context"
	"sync"
	"time"
)

// WriteRecord is one accepted write in the store journal. The journal is
// append-only and store-wide; Seq is monotonic across all contexts.
type WriteRecord struct {
	Seq     int64     `json:"seq"`
	Context string    `json:"context"`
	Key     string    `json:"key"`
	Value   any       `json:"value"`
	Version int64     `json:"version"`
	Writer  int64     `json:"writer"`
	At      time.Time `json:"at"`
}

type journal struct {
	mu   sync.Mutex
	recs []WriteRecord
	seq  int64
}

func newJournal() *journal {
	return &journal{}
}

func (j *journal) append(contextName, key string, value any, version, writer int64) WriteRecord {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.seq++
	rec := WriteRecord{
		Seq:     j.seq,
		Context: contextName,
		Key:     key,
		Value:   deepCopyAny(value),
		Version: version,
		Writer:  writer,
		At:      time.Now().UTC(),
	}
	j.recs = append(j.recs, rec)
	return rec
}

func (j *journal) since(seq int64) []WriteRecord {
	j.mu.Lock()
	defer j.mu.Unlock()

	var out []WriteRecord
	for _, rec := range j.recs {
		if rec.Seq > seq {
			out = append(out, rec)
		}
	}
	return out
}

func (j *journal) current() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Watermark returns the current journal sequence. Fork records one per
// branch so merges can find the writes that diverged after the fork.
func (s *Store) Watermark() int64 {
	return s.journal.current()
}

// WritesSince returns the journal records appended after seq.
func (s *Store) WritesSince(seq int64) []WriteRecord {
	return s.journal.since(seq)
}

// MergePolicy reconciles divergent writes when paths merge at a barrier.
type MergePolicy interface {
	Name() string
	// Reconcile receives one key's conflicting writes in journal order.
	// The returned value replaces the entry when apply is true; when
	// false the store keeps the value it already has.
	Reconcile(contextName, key string, writes []WriteRecord) (merged any, apply bool)
}

// LastWriterWins keeps the value the latest accepted write produced. The
// store already holds it, so reconciliation never rewrites anything; the
// conflict is still reported and logged.
type LastWriterWins struct{}

func (LastWriterWins) Name() string { return "last_writer_wins" }

func (LastWriterWins) Reconcile(string, string, []WriteRecord) (any, bool) {
	return nil, false
}

// Conflict describes divergent writes to one key discovered at a merge.
type Conflict struct {
	Context  string        `json:"context"`
	Key      string        `json:"key"`
	Writes   []WriteRecord `json:"writes"`
	Policy   string        `json:"policy"`
	Resolved Value         `json:"resolved"`
}

// ReconcileMerge detects conflicts among the merging paths' writes after
// the fork watermark and applies the merge policy. A key conflicts when
// two or more distinct merging paths wrote it. Applied resolutions are
// real writes: version bumps, journal append, attributed to the
// continuing path. Conflicts are never silent; callers emit them.
func (s *Store) ReconcileMerge(ctx context.Context, watermark int64, merging []int64, continuing int64) ([]Conflict, error) {
	writers := make(map[int64]bool, len(merging))
	for _, id := range merging {
		writers[id] = true
	}

	type keyGroup struct {
		contextName string
		key         string
	}
	groups := make(map[keyGroup][]WriteRecord)
	var order []keyGroup

	for _, rec := range s.journal.since(watermark) {
		if !writers[rec.Writer] {
			continue
		}
		kg := keyGroup{rec.Context, rec.Key}
		if _, seen := groups[kg]; !seen {
			order = append(order, kg)
		}
		groups[kg] = append(groups[kg], rec)
	}

	var conflicts []Conflict
	for _, kg := range order {
		recs := groups[kg]
		distinct := make(map[int64]bool, len(recs))
		for _, r := range recs {
			distinct[r.Writer] = true
		}
		if len(distinct) < 2 {
			continue
		}

		conflict := Conflict{
			Context: kg.contextName,
			Key:     kg.key,
			Writes:  recs,
			Policy:  s.policy.Name(),
		}

		if merged, apply := s.policy.Reconcile(kg.contextName, kg.key, recs); apply {
			v, err := s.Write(ctx, kg.contextName, kg.key, merged, continuing)
			if err != nil {
				return conflicts, err
			}
			conflict.Resolved = v
		} else if entry, ok, err := s.Entry(kg.contextName, kg.key); err == nil && ok {
			conflict.Resolved = entry
		}

		s.logger.WarnContext(ctx, "merge conflict",
			"context", kg.contextName,
			"key", kg.key,
			"writers", len(distinct),
			"policy", conflict.Policy,
		)
		conflicts = append(conflicts, conflict)
	}

	return conflicts, nil
}
