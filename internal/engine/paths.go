package engine

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/railyard-io/railyard/internal/graph"
	"github.com/railyard-io/railyard/pkg/schema"
)

// Hop is one recorded transition in a path's history.
type Hop struct {
	From   string    `json:"from"`
	To     string    `json:"to"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Hop reasons recorded in path history.
const (
	ReasonAuto   = "auto"   // single unguarded edge
	ReasonGuard  = "guard"  // deterministic guard evaluated true
	ReasonOracle = "oracle" // oracle selected the edge
	ReasonCatch  = "catch"  // failure rerouted along a catch edge
	ReasonFork   = "fork"   // branch spawned by a fork node
)

// Path is one independent execution position moving through the graph.
// Paths are owned by the PathManager; callers outside the driver goroutine
// must work with copies obtained via Views or Snapshot.
type Path struct {
	ID          int64             `json:"id"`
	CurrentNode string            `json:"current_node"`
	Status      schema.PathStatus `json:"status"`
	History     []Hop             `json:"history,omitempty"`
	Locals      map[string]any    `json:"locals,omitempty"`
	Failure     *schema.YardError `json:"failure,omitempty"`
}

// Label formats the path ID zero-padded so lexical order matches numeric
// order in logs and event payloads.
func (p *Path) Label() string {
	return fmt.Sprintf("path/%06d", p.ID)
}

// Hops returns the number of transitions the path has taken.
func (p *Path) Hops() int {
	return len(p.History)
}

const workLocalPrefix = "work:"

// WorkDone reports whether the path has completed declared work at the node.
func (p *Path) WorkDone(node string) bool {
	if p.Locals == nil {
		return false
	}
	done, _ := p.Locals[workLocalPrefix+node].(bool)
	return done
}

// MarkWorkDone records completed declared work at the node.
func (p *Path) MarkWorkDone(node string) {
	if p.Locals == nil {
		p.Locals = make(map[string]any)
	}
	p.Locals[workLocalPrefix+node] = true
}

// ClearNodeLocals drops node-scoped locals (work and join markers) when the
// path leaves the node.
func (p *Path) ClearNodeLocals(node string) {
	delete(p.Locals, workLocalPrefix+node)
	delete(p.Locals, joinLocalPrefix+node)
}

const joinLocalPrefix = "joined:"

// JoinedThrough reports whether the path already passed the join barrier at
// the node, so the resolver treats it as a plain node on the way out.
func (p *Path) JoinedThrough(node string) bool {
	if p.Locals == nil {
		return false
	}
	joined, _ := p.Locals[joinLocalPrefix+node].(bool)
	return joined
}

// MarkJoined records that the path holds the continuation of a released
// barrier at the node.
func (p *Path) MarkJoined(node string) {
	if p.Locals == nil {
		p.Locals = make(map[string]any)
	}
	p.Locals[joinLocalPrefix+node] = true
}

// Terminal reports whether the path status is final.
func (p *Path) Terminal() bool {
	return p.Status == schema.PathStatusCompleted || p.Status == schema.PathStatusFailed
}

// PathView is a copy of a path's externally visible state.
type PathView struct {
	ID          int64             `json:"id"`
	Label       string            `json:"label"`
	CurrentNode string            `json:"current_node"`
	Status      schema.PathStatus `json:"status"`
	Hops        int               `json:"hops"`
	Failure     *schema.YardError `json:"failure,omitempty"`
}

// PathManager owns all paths of one run: creation under the concurrency
// ceiling, lifecycle mutation, and deterministic ascending-ID iteration.
// All mutating calls come from the run driver; Views may be called from
// any goroutine.
type PathManager struct {
	mu      sync.Mutex
	paths   map[int64]*Path
	nextID  int64
	ceiling int
}

// NewPathManager creates a manager. ceiling bounds concurrently live
// (non-terminal) paths; zero or negative means unbounded.
func NewPathManager(ceiling int) *PathManager {
	return &PathManager{
		paths:   make(map[int64]*Path),
		ceiling: ceiling,
	}
}

// Create allocates a new active path positioned at the given node. The
// second return is false when the concurrency ceiling is reached; the
// caller queues the spawn and retries when a slot frees.
func (m *PathManager) Create(node string) (*Path, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ceiling > 0 && m.liveLocked() >= m.ceiling {
		return nil, false
	}

	m.nextID++
	p := &Path{
		ID:          m.nextID,
		CurrentNode: node,
		Status:      schema.PathStatusActive,
		Locals:      make(map[string]any),
	}
	m.paths[p.ID] = p
	return p, true
}

func (m *PathManager) liveLocked() int {
	live := 0
	for _, p := range m.paths {
		if !p.Terminal() {
			live++
		}
	}
	return live
}

// Get returns the path with the given ID.
func (m *PathManager) Get(id int64) (*Path, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.paths[id]
	return p, ok
}

// All returns every path in ascending ID order.
func (m *PathManager) All() []*Path {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedLocked()
}

// Active returns non-terminal paths with active status, ascending by ID.
func (m *PathManager) Active() []*Path {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Path
	for _, p := range m.sortedLocked() {
		if p.Status == schema.PathStatusActive {
			out = append(out, p)
		}
	}
	return out
}

// Waiting returns paths parked at barriers, ascending by ID.
func (m *PathManager) Waiting() []*Path {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Path
	for _, p := range m.sortedLocked() {
		if p.Status == schema.PathStatusWaiting {
			out = append(out, p)
		}
	}
	return out
}

func (m *PathManager) sortedLocked() []*Path {
	out := make([]*Path, 0, len(m.paths))
	for _, p := range m.paths {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// UpdateStatus is the only lifecycle mutator. Transitions are validated
// against the path transition table; completed and failed are terminal.
func (m *PathManager) UpdateStatus(id int64, to schema.PathStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.paths[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "path %d not found", id)
	}
	if !isValidPathTransition(p.Status, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid path transition: %s -> %s", p.Status, to).WithPath(id)
	}
	p.Status = to
	return nil
}

// Move records a hop and repositions the path, clearing node-scoped locals
// of the node it leaves.
func (m *PathManager) Move(id int64, to, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.paths[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "path %d not found", id)
	}
	if p.Terminal() {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"path %d is %s, cannot move", id, p.Status).WithPath(id)
	}
	from := p.CurrentNode
	p.History = append(p.History, Hop{From: from, To: to, Reason: reason, At: time.Now().UTC()})
	p.ClearNodeLocals(from)
	p.CurrentNode = to
	return nil
}

// Views returns copies of every path's visible state, ascending by ID.
func (m *PathManager) Views() []PathView {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PathView, 0, len(m.paths))
	for _, p := range m.sortedLocked() {
		out = append(out, PathView{
			ID:          p.ID,
			Label:       p.Label(),
			CurrentNode: p.CurrentNode,
			Status:      p.Status,
			Hops:        len(p.History),
			Failure:     p.Failure,
		})
	}
	return out
}

// Snapshot deep-copies every path for checkpointing, along with the ID
// counter.
func (m *PathManager) Snapshot() ([]Path, int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Path, 0, len(m.paths))
	for _, p := range m.sortedLocked() {
		cp := *p
		cp.History = append([]Hop(nil), p.History...)
		cp.Locals = copyLocals(p.Locals)
		out = append(out, cp)
	}
	return out, m.nextID
}

// Restore replaces all paths and the ID counter with the snapshot.
func (m *PathManager) Restore(paths []Path, nextID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paths = make(map[int64]*Path, len(paths))
	for i := range paths {
		cp := paths[i]
		cp.History = append([]Hop(nil), paths[i].History...)
		cp.Locals = copyLocals(paths[i].Locals)
		m.paths[cp.ID] = &cp
	}
	m.nextID = nextID
}

func copyLocals(locals map[string]any) map[string]any {
	cp := make(map[string]any, len(locals))
	for k, v := range locals {
		cp[k] = v
	}
	return cp
}

// EntryNodes determines where initial paths start, in order of preference:
// nodes annotated entry; else a name heuristic on the last dotted segment
// (start, main or entry, case-insensitive); else nodes with zero control
// in-degree, excluding context and tool kinds; else the first non-context
// node in declaration order.
func EntryNodes(g *graph.Graph) []string {
	var annotated []string
	for _, n := range g.Nodes() {
		if n.HasAnnotation(schema.AnnotationEntry) {
			annotated = append(annotated, n.Name)
		}
	}
	if len(annotated) > 0 {
		return annotated
	}

	var named []string
	for _, n := range g.Nodes() {
		switch strings.ToLower(graph.LastSegment(n.Name)) {
		case "start", "main", "entry":
			named = append(named, n.Name)
		}
	}
	if len(named) > 0 {
		return named
	}

	var roots []string
	for _, n := range g.Nodes() {
		if n.Kind == schema.NodeKindContext || n.Kind == schema.NodeKindTool {
			continue
		}
		if g.ControlInDegree(n.Name) == 0 {
			roots = append(roots, n.Name)
		}
	}
	if len(roots) > 0 {
		return roots
	}

	for _, n := range g.Nodes() {
		if n.Kind != schema.NodeKindContext {
			return []string{n.Name}
		}
	}
	return nil
}
