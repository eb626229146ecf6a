package engine

import (
	"sort"
	"sync"
	"time"

	"github.com/railyard-io/railyard/pkg/schema"
)

// Barrier tracks arrivals at one join point. A barrier releases exactly
// once, when arrivals from distinct paths reach the expected count; the
// lowest-ID arrival continues and the rest complete.
type Barrier struct {
	Name     string
	Node     string
	Expected int
	Arrived  []int64
	Released bool
	Deadline time.Time
}

func (b *Barrier) arrived(pathID int64) bool {
	for _, id := range b.Arrived {
		if id == pathID {
			return true
		}
	}
	return false
}

// BarrierState is the checkpointable form of a barrier.
type BarrierState struct {
	Name     string    `json:"name"`
	Node     string    `json:"node"`
	Expected int       `json:"expected"`
	Arrived  []int64   `json:"arrived,omitempty"`
	Released bool      `json:"released"`
	Deadline time.Time `json:"deadline,omitempty"`
}

// Arrival is the result of one path reaching a barrier.
type Arrival struct {
	// Released is true when this arrival completed the barrier.
	Released bool
	// PassThrough is true when the barrier had already released before
	// this arrival; the path continues alone without re-synchronizing.
	PassThrough bool
	// Continuing is the path that proceeds past the barrier; valid when
	// Released or PassThrough is true.
	Continuing int64
	// Merging lists the other paths folded into the continuation; they
	// complete at the join node.
	Merging []int64
}

// BarrierSet owns all barriers of one run. Barriers are named: by default a
// join node forms its own barrier, but nodes declaring the same barrier
// attribute share one, letting distant joins synchronize.
type BarrierSet struct {
	mu       sync.Mutex
	barriers map[string]*Barrier
	wait     time.Duration
}

// NewBarrierSet creates a set. wait bounds how long a barrier may hold
// arrivals before Expired reports it; zero disables the deadline.
func NewBarrierSet(wait time.Duration) *BarrierSet {
	return &BarrierSet{
		barriers: make(map[string]*Barrier),
		wait:     wait,
	}
}

// Ensure registers the barrier if it does not exist and returns it. The
// first registration fixes the expected count; later calls with a different
// count keep the original.
func (s *BarrierSet) Ensure(name, node string, expected int) *Barrier {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.barriers[name]; ok {
		return b
	}
	b := &Barrier{Name: name, Node: node, Expected: expected}
	s.barriers[name] = b
	return b
}

// Arrive records the path at the barrier. Arrivals are idempotent per path.
// When the expected count is reached the barrier releases: the lowest path
// ID continues and the others are reported as merging. A path arriving at
// an already-released barrier passes straight through alone.
func (s *BarrierSet) Arrive(name string, pathID int64) (*Arrival, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.barriers[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeSynchronization, "barrier %q not registered", name).
			WithPath(pathID)
	}

	if b.Released {
		return &Arrival{PassThrough: true, Continuing: pathID}, nil
	}

	if !b.arrived(pathID) {
		b.Arrived = append(b.Arrived, pathID)
		if len(b.Arrived) == 1 && s.wait > 0 {
			b.Deadline = time.Now().UTC().Add(s.wait)
		}
	}

	if len(b.Arrived) < b.Expected {
		return &Arrival{}, nil
	}

	b.Released = true
	sorted := append([]int64(nil), b.Arrived...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return &Arrival{
		Released:   true,
		Continuing: sorted[0],
		Merging:    sorted[1:],
	}, nil
}

// Get returns the barrier by name.
func (s *BarrierSet) Get(name string) (*Barrier, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.barriers[name]
	return b, ok
}

// Expired returns unreleased barriers whose deadline passed, clearing the
// deadline so each expiry is reported once.
func (s *BarrierSet) Expired(now time.Time) []*Barrier {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Barrier
	for _, b := range s.barriers {
		if b.Released || b.Deadline.IsZero() || now.Before(b.Deadline) {
			continue
		}
		b.Deadline = time.Time{}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// NextDeadline returns the soonest pending deadline, or zero when no
// unreleased barrier carries one.
func (s *BarrierSet) NextDeadline() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	var next time.Time
	for _, b := range s.barriers {
		if b.Released || b.Deadline.IsZero() {
			continue
		}
		if next.IsZero() || b.Deadline.Before(next) {
			next = b.Deadline
		}
	}
	return next
}

// Snapshot captures every barrier for a checkpoint, ordered by name.
func (s *BarrierSet) Snapshot() []BarrierState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]BarrierState, 0, len(s.barriers))
	for _, b := range s.barriers {
		out = append(out, BarrierState{
			Name:     b.Name,
			Node:     b.Node,
			Expected: b.Expected,
			Arrived:  append([]int64(nil), b.Arrived...),
			Released: b.Released,
			Deadline: b.Deadline,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Restore replaces all barriers with the snapshot.
func (s *BarrierSet) Restore(states []BarrierState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.barriers = make(map[string]*Barrier, len(states))
	for _, st := range states {
		s.barriers[st.Name] = &Barrier{
			Name:     st.Name,
			Node:     st.Node,
			Expected: st.Expected,
			Arrived:  append([]int64(nil), st.Arrived...),
			Released: st.Released,
			Deadline: st.Deadline,
		}
	}
}
