package engine

import (
	"context"
	"log/slog"
	"strings"

	"github.com/railyard-io/railyard/internal/expressions"
	"github.com/railyard-io/railyard/internal/graph"
	"github.com/railyard-io/railyard/pkg/schema"
)

// ResolutionKind classifies what a path should do next.
type ResolutionKind int

const (
	// ResolveTerminal means the path has no outbound control edges left.
	ResolveTerminal ResolutionKind = iota
	// ResolveAuto means exactly one edge fires deterministically.
	ResolveAuto
	// ResolveFork means the node spawns one path per branch.
	ResolveFork
	// ResolveJoin means the path must arrive at the node's barrier.
	ResolveJoin
	// ResolveOracle means the decision is delegated to the oracle.
	ResolveOracle
)

// String returns a human-readable kind name.
func (k ResolutionKind) String() string {
	switch k {
	case ResolveTerminal:
		return "terminal"
	case ResolveAuto:
		return "auto"
	case ResolveFork:
		return "fork"
	case ResolveJoin:
		return "join"
	case ResolveOracle:
		return "oracle"
	default:
		return "unknown"
	}
}

// Resolution is the resolver's verdict for one path at one node.
type Resolution struct {
	Kind     ResolutionKind
	Edge     *graph.Edge   // set for ResolveAuto
	Branches []*graph.Edge // set for ResolveFork
	Reason   string
}

// Resolver decides, per path and tick, whether the next transition is
// deterministic or must be delegated. Deterministic means either a single
// unguarded outbound edge with no outstanding work, or a guard the
// classifier admits as simple-deterministic that evaluates true against the
// path's visible context. Everything else rides to the oracle.
type Resolver struct {
	cel        *expressions.CELEngine
	classifier *expressions.GuardClassifier
	logger     *slog.Logger
}

// NewResolver creates a resolver sharing the engine's CEL environment.
func NewResolver(cel *expressions.CELEngine, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		cel:        cel,
		classifier: expressions.NewGuardClassifier(cel),
		logger:     logger,
	}
}

// Resolve inspects the path's current node and returns a verdict. scope is
// the evaluation scope built by the driver: ctx (visible context values),
// path (id, node, status, hops) and attrs (node attributes).
func (r *Resolver) Resolve(ctx context.Context, g *graph.Graph, p *Path, scope map[string]any) (*Resolution, error) {
	node, ok := g.Node(p.CurrentNode)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeResolution,
			"path positioned at unknown node %q", p.CurrentNode).
			WithPath(p.ID)
	}

	switch node.Kind {
	case schema.NodeKindFork:
		branches := forkBranches(g, node.Name)
		if len(branches) == 0 {
			return nil, schema.NewErrorf(schema.ErrCodeResolution,
				"fork node %q has no branches", node.Name).
				WithPath(p.ID).WithNode(node.Name)
		}
		return &Resolution{Kind: ResolveFork, Branches: branches, Reason: "fork node"}, nil

	case schema.NodeKindJoin:
		if !p.JoinedThrough(node.Name) {
			return &Resolution{Kind: ResolveJoin, Reason: "join barrier"}, nil
		}
		// Released continuation: resolve outbound edges like any node.
	}

	if node.DeclaresWork() && !p.WorkDone(node.Name) {
		return &Resolution{Kind: ResolveOracle, Reason: "declared work outstanding"}, nil
	}

	candidates := g.OutboundControl(node.Name)
	if len(candidates) == 0 {
		return &Resolution{Kind: ResolveTerminal, Reason: "no outbound edges"}, nil
	}
	if len(candidates) == 1 && candidates[0].Condition == "" {
		return &Resolution{Kind: ResolveAuto, Edge: candidates[0], Reason: "single unguarded edge"}, nil
	}

	// Guarded candidates are tried in declaration order; the first
	// deterministic guard that evaluates true wins. A guard whose context
	// keys are absent is undecidable, not false, so it falls through to
	// the oracle rather than being skipped silently.
	for _, edge := range candidates {
		if edge.Condition == "" {
			continue
		}
		cls, err := r.classifier.Classify(edge.Condition)
		if err != nil {
			r.logger.DebugContext(ctx, "guard classification failed",
				slog.String("node", node.Name),
				slog.String("target", edge.Target),
				slog.String("error", err.Error()))
			continue
		}
		if !cls.Deterministic {
			r.logger.DebugContext(ctx, "guard not deterministic",
				slog.String("node", node.Name),
				slog.String("target", edge.Target),
				slog.String("reason", cls.Reason))
			continue
		}
		if !ctxKeysPresent(scope, cls.CtxKeys) {
			r.logger.DebugContext(ctx, "guard undecidable, context key missing",
				slog.String("node", node.Name),
				slog.String("target", edge.Target))
			continue
		}
		fired, err := r.cel.EvaluateBool(ctx, edge.Condition, scope)
		if err != nil {
			r.logger.DebugContext(ctx, "guard evaluation failed",
				slog.String("node", node.Name),
				slog.String("target", edge.Target),
				slog.String("error", err.Error()))
			continue
		}
		if fired {
			return &Resolution{Kind: ResolveAuto, Edge: edge, Reason: "guard matched"}, nil
		}
	}

	return &Resolution{Kind: ResolveOracle, Reason: "no deterministic edge"}, nil
}

// forkBranches returns the branch edges of a fork node: forks-semantic
// edges when declared, otherwise all outbound non-catch control edges.
func forkBranches(g *graph.Graph, name string) []*graph.Edge {
	var forks []*graph.Edge
	for _, e := range g.Outbound(name) {
		if e.Semantic == schema.EdgeForks {
			forks = append(forks, e)
		}
	}
	if len(forks) > 0 {
		return forks
	}
	return g.OutboundControl(name)
}

// ctxKeysPresent reports whether every dotted context key the guard reads
// resolves inside the scope's ctx tree.
func ctxKeysPresent(scope map[string]any, keys []string) bool {
	if len(keys) == 0 {
		return true
	}
	root, _ := scope["ctx"].(map[string]any)
	for _, key := range keys {
		if !dottedKeyPresent(root, key) {
			return false
		}
	}
	return true
}

func dottedKeyPresent(root map[string]any, dotted string) bool {
	var cur any = root
	for _, seg := range strings.Split(dotted, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return false
		}
		cur, ok = m[seg]
		if !ok {
			return false
		}
	}
	return true
}
