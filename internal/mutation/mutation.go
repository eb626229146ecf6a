package mutation

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/railyard-io/railyard/internal/graph"
	"github.com/railyard-io/railyard/internal/streaming"
	"github.com/railyard-io/railyard/pkg/schema"
)

// CapabilityLookup answers whether a capability name is registered. Used to
// reject tool promotions of unknown capabilities.
type CapabilityLookup interface {
	Has(name string) bool
}

// Config configures an Engine.
type Config struct {
	RunID string
	// FrozenPrefixes closes whole name regions to mutation, in addition to
	// nodes annotated frozen.
	FrozenPrefixes []string
	// Capabilities validates promote_tool targets. Nil skips the check.
	Capabilities CapabilityLookup
	// Hub receives graph_mutated and graph_updated events. Nil disables
	// re-emission.
	Hub    streaming.EventHub
	Logger *slog.Logger
}

// Engine is the single writer for a run's graph. Every mutation funnels
// through Apply: scope policy, mode handling and the append-only log live
// here; the arena enforces structure. Readers load the published graph
// lock-free and never observe a half-applied mutation.
type Engine struct {
	runID          string
	frozenPrefixes []string
	caps           CapabilityLookup
	hub            streaming.EventHub
	logger         *slog.Logger

	current  atomic.Pointer[graph.Graph]
	original *graph.Graph // immutable base for rollback replay

	mu     sync.Mutex
	log    []schema.AppliedMutation
	staged []*Proposal
	batch  []*Proposal
	seq    int64
}

// NewEngine creates an Engine over the given graph. The engine owns its own
// copies; the caller's graph is never modified.
func NewEngine(g *graph.Graph, cfg Config) (*Engine, error) {
	if g == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "graph is nil")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		runID:          cfg.RunID,
		frozenPrefixes: cfg.FrozenPrefixes,
		caps:           cfg.Capabilities,
		hub:            cfg.Hub,
		logger:         logger,
	}
	e.original = g.Clone()
	e.current.Store(g.Clone())
	return e, nil
}

// Current returns the published graph. Lock-free; the returned graph is
// immutable and safe to read from any goroutine.
func (e *Engine) Current() *graph.Graph {
	return e.current.Load()
}

// Revision returns the published graph's revision.
func (e *Engine) Revision() int64 {
	return e.current.Load().Revision
}

// Apply handles one mutation according to its mode: immediate mutations
// take effect synchronously, proposed mutations wait for Approve, batched
// mutations accumulate until FlushBatch. The returned AppliedMutation's Seq
// identifies the request in every mode; for staged modes the log entry
// appears when the mutation actually lands.
func (e *Engine) Apply(ctx context.Context, m schema.GraphMutation) (*schema.AppliedMutation, error) {
	if m.Mode == "" {
		m.Mode = schema.MutationImmediate
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkScope(m); err != nil {
		return nil, err
	}

	switch m.Mode {
	case schema.MutationImmediate:
		return e.applyLocked(ctx, m, e.nextSeq())

	case schema.MutationProposed:
		p := &Proposal{ID: e.nextSeq(), Mutation: m, CreatedAt: time.Now().UTC()}
		e.staged = append(e.staged, p)
		e.logger.Info("mutation staged", "run_id", e.runID, "id", p.ID, "op", m.Op)
		e.publish(ctx, streaming.StreamEvent{
			RunID:     e.runID,
			EventType: schema.EventMutationStaged,
			Payload:   map[string]any{"id": p.ID, "op": m.Op, "mode": m.Mode},
		})
		return &schema.AppliedMutation{
			Seq:       p.ID,
			RunID:     e.runID,
			Mutation:  m,
			Revision:  e.current.Load().Revision,
			AppliedAt: p.CreatedAt,
		}, nil

	case schema.MutationBatched:
		p := &Proposal{ID: e.nextSeq(), Mutation: m, CreatedAt: time.Now().UTC()}
		e.batch = append(e.batch, p)
		e.logger.Info("mutation batched", "run_id", e.runID, "id", p.ID, "op", m.Op)
		return &schema.AppliedMutation{
			Seq:       p.ID,
			RunID:     e.runID,
			Mutation:  m,
			Revision:  e.current.Load().Revision,
			AppliedAt: p.CreatedAt,
		}, nil
	}

	return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown mutation mode: %s", m.Mode)
}

// applyLocked clones the published graph, applies m, publishes the clone and
// appends to the log. Callers hold e.mu. The graph is unchanged on error.
func (e *Engine) applyLocked(ctx context.Context, m schema.GraphMutation, seq int64) (*schema.AppliedMutation, error) {
	next := e.current.Load().Clone()
	if err := applyToGraph(next, m); err != nil {
		return nil, err
	}
	next.Revision++

	applied := schema.AppliedMutation{
		Seq:       seq,
		RunID:     e.runID,
		Mutation:  m,
		Revision:  next.Revision,
		AppliedAt: time.Now().UTC(),
	}
	e.log = append(e.log, applied)
	e.current.Store(next)

	e.logger.Info("mutation applied",
		"run_id", e.runID,
		"seq", applied.Seq,
		"op", m.Op,
		"target", m.Target,
		"revision", next.Revision,
		"origin", m.Origin,
	)
	e.emitGraph(ctx, applied, next)
	return &applied, nil
}

// applyToGraph dispatches one mutation onto an unpublished clone.
func applyToGraph(g *graph.Graph, m schema.GraphMutation) error {
	switch m.Op {
	case schema.MutationAddNode:
		return g.AddNode(m.Node)
	case schema.MutationUpdateNode:
		return g.UpdateNode(m.Node)
	case schema.MutationRemoveNode:
		return g.RemoveNode(m.Target)
	case schema.MutationAddEdge:
		return g.AddEdge(m.Edge)
	case schema.MutationRemoveEdge:
		if m.Edge == nil {
			return schema.NewError(schema.ErrCodeValidation, "remove_edge requires an edge")
		}
		return g.RemoveEdge(m.Edge.Source, m.Edge.Target, m.Edge.Semantic)
	case schema.MutationPromoteTool:
		if m.Node == nil {
			return schema.NewError(schema.ErrCodeValidation, "promote_tool requires a node")
		}
		node := *m.Node
		node.Kind = schema.NodeKindTool
		if node.Attributes == nil {
			node.Attributes = map[string]any{}
		}
		if _, ok := node.Attributes[schema.AttrCapability]; !ok {
			node.Attributes[schema.AttrCapability] = m.Target
		}
		return g.AddNode(&node)
	case schema.MutationDefineCapability:
		if m.Node == nil {
			return schema.NewError(schema.ErrCodeValidation, "define_capability requires a node")
		}
		node := *m.Node
		node.Kind = schema.NodeKindTool
		hasProgram := node.StringAttr(schema.AttrProgram) != ""
		_, hasStages := node.Attributes[schema.AttrStages]
		if hasProgram == hasStages {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"define_capability %q requires exactly one of a %q or %q attribute",
				node.Name, schema.AttrProgram, schema.AttrStages)
		}
		return g.AddNode(&node)
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "unknown mutation op: %s", m.Op)
}

// checkScope enforces the frozen-region policy against the published graph.
// Callers hold e.mu.
func (e *Engine) checkScope(m schema.GraphMutation) error {
	return e.checkScopeOn(e.current.Load(), m)
}

// checkScopeOn enforces the frozen-region policy against g. Node ops check
// the affected node; edge ops check both endpoints.
func (e *Engine) checkScopeOn(g *graph.Graph, m schema.GraphMutation) error {
	switch m.Op {
	case schema.MutationAddNode, schema.MutationPromoteTool, schema.MutationDefineCapability:
		if m.Node == nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "%s requires a node", m.Op)
		}
		if e.frozenName(g, m.Node.Name) {
			return e.scopeViolation(m.Node.Name)
		}
		if m.Op == schema.MutationPromoteTool && e.caps != nil && !e.caps.Has(m.Target) {
			return schema.NewErrorf(schema.ErrCodeNotFound, "capability %q not registered", m.Target)
		}

	case schema.MutationUpdateNode:
		if m.Node == nil {
			return schema.NewError(schema.ErrCodeValidation, "update_node requires a node")
		}
		if e.frozenName(g, m.Node.Name) {
			return e.scopeViolation(m.Node.Name)
		}

	case schema.MutationRemoveNode:
		if m.Target == "" {
			return schema.NewError(schema.ErrCodeValidation, "remove_node requires a target")
		}
		if e.frozenName(g, m.Target) {
			return e.scopeViolation(m.Target)
		}

	case schema.MutationAddEdge, schema.MutationRemoveEdge:
		if m.Edge == nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "%s requires an edge", m.Op)
		}
		if e.frozenName(g, m.Edge.Source) {
			return e.scopeViolation(m.Edge.Source)
		}
		if e.frozenName(g, m.Edge.Target) {
			return e.scopeViolation(m.Edge.Target)
		}
	}
	return nil
}

// frozenName reports whether a qualified name falls in a frozen region:
// the node itself or any dotted ancestor carries the frozen annotation, or
// the name matches a configured frozen prefix.
func (e *Engine) frozenName(g *graph.Graph, name string) bool {
	for _, prefix := range e.frozenPrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	for scope := name; scope != ""; scope = graph.Scope(scope) {
		if n, ok := g.Node(scope); ok && n.HasAnnotation(schema.AnnotationFrozen) {
			return true
		}
	}
	return false
}

func (e *Engine) scopeViolation(name string) error {
	return schema.NewErrorf(schema.ErrCodeScopeViolation, "node %q is in a frozen region", name).WithNode(name)
}

// emitGraph publishes the mutation event and re-emits the full definition.
func (e *Engine) emitGraph(ctx context.Context, applied schema.AppliedMutation, g *graph.Graph) {
	e.publish(ctx, streaming.StreamEvent{
		RunID:     e.runID,
		EventType: schema.EventGraphMutated,
		Payload: map[string]any{
			"seq":      applied.Seq,
			"op":       applied.Mutation.Op,
			"target":   applied.Mutation.Target,
			"revision": applied.Revision,
			"origin":   applied.Mutation.Origin,
		},
	})
	e.publish(ctx, streaming.StreamEvent{
		RunID:     e.runID,
		EventType: schema.EventGraphUpdated,
		Payload: map[string]any{
			"revision":   g.Revision,
			"definition": g.ToDefinition(),
		},
	})
}

func (e *Engine) publish(ctx context.Context, event streaming.StreamEvent) {
	if e.hub == nil {
		return
	}
	if err := e.hub.Publish(ctx, event); err != nil {
		e.logger.Debug("event publish skipped", "event_type", event.EventType, "error", err)
	}
}

// nextSeq allocates a request id. Callers hold e.mu. Ids are never reused,
// even across rollbacks.
func (e *Engine) nextSeq() int64 {
	e.seq++
	return e.seq
}
