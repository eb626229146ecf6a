package graph

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/railyard-io/railyard/pkg/schema"
)

// Node is one node in the arena. Nodes never hold pointers to other nodes;
// every reference is by qualified name. Attribute values are treated as
// immutable: updates replace the whole map.
type Node struct {
	Name        string
	Kind        schema.NodeKind
	Attributes  map[string]any
	Annotations []string
}

// HasAnnotation reports whether the node carries the given annotation.
func (n *Node) HasAnnotation(annotation string) bool {
	for _, a := range n.Annotations {
		if a == annotation {
			return true
		}
	}
	return false
}

// StringAttr returns the named attribute as a string, or "" when absent
// or not a string.
func (n *Node) StringAttr(name string) string {
	if n.Attributes == nil {
		return ""
	}
	s, _ := n.Attributes[name].(string)
	return s
}

// Instruction returns the node's declared work instruction, if any.
func (n *Node) Instruction() string {
	return n.StringAttr(schema.AttrInstruction)
}

// DeclaresWork reports whether the node declares oracle-executed work.
// Work-declaring nodes must not transition before their work runs.
func (n *Node) DeclaresWork() bool {
	return n.Instruction() != ""
}

// Edge is one directed edge in the arena, identified by its endpoints and
// semantic. Control semantics (plain, catches, forks, joins) are traversable;
// data semantics (reads, writes) only declare dependencies on context nodes.
type Edge struct {
	Source      string
	Target      string
	Semantic    schema.EdgeSemantic
	Condition   string
	Annotations []string
}

// IsControl reports whether the edge participates in control flow.
func (e *Edge) IsControl() bool {
	switch e.Semantic {
	case schema.EdgePlain, schema.EdgeCatches, schema.EdgeForks, schema.EdgeJoins:
		return true
	}
	return false
}

// Graph is the in-memory arena for a graph program. Node and edge order is
// declaration order and drives every tie-break. A published Graph is
// immutable: writers Clone, modify the clone, and swap the published
// pointer, so readers never need a lock.
type Graph struct {
	Name     string
	Revision int64

	nodes     map[string]*Node
	nodeOrder []string
	edges     []*Edge
}

// FromDefinition builds an arena from a wire definition. It validates the
// structural rules the arena depends on (names resolve, kinds and semantics
// are known); richer semantic validation lives in internal/validation.
func FromDefinition(def *schema.GraphDefinition) (*Graph, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "graph definition is nil")
	}
	if len(def.Nodes) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "graph has no nodes")
	}

	g := &Graph{
		Name:      def.Name,
		nodes:     make(map[string]*Node, len(def.Nodes)),
		nodeOrder: make([]string, 0, len(def.Nodes)),
		edges:     make([]*Edge, 0, len(def.Edges)),
	}

	// First pass: register all nodes and check for duplicates.
	for i := range def.Nodes {
		nd := &def.Nodes[i]

		if nd.Name == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "node at index %d has empty name", i)
		}
		if _, exists := g.nodes[nd.Name]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate node name: %s", nd.Name)
		}

		kind := nd.Kind
		if kind == "" {
			kind = schema.NodeKindState
		}
		if !schema.ValidNodeKind(kind) {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "node %s has unknown kind: %s", nd.Name, kind)
		}

		g.nodes[nd.Name] = &Node{
			Name:        nd.Name,
			Kind:        kind,
			Attributes:  copyAttrs(nd.Attributes),
			Annotations: copyStrings(nd.Annotations),
		}
		g.nodeOrder = append(g.nodeOrder, nd.Name)
	}

	// Second pass: resolve edge endpoints and check for exact duplicates.
	seen := make(map[string]bool, len(def.Edges))
	for i := range def.Edges {
		ed := &def.Edges[i]

		if ed.Source == "" || ed.Target == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "edge at index %d has empty endpoint", i)
		}
		if _, exists := g.nodes[ed.Source]; !exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "edge source references non-existent node: %s", ed.Source)
		}
		if _, exists := g.nodes[ed.Target]; !exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "edge target references non-existent node: %s", ed.Target)
		}

		semantic := ed.Semantic
		if semantic == "" {
			semantic = schema.EdgePlain
		}
		if !schema.ValidEdgeSemantic(semantic) {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "edge %s -> %s has unknown semantic: %s", ed.Source, ed.Target, semantic)
		}

		key := fmt.Sprintf("%s|%s|%s", ed.Source, ed.Target, semantic)
		if seen[key] {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate edge: %s -> %s (%s)", ed.Source, ed.Target, semantic)
		}
		seen[key] = true

		g.edges = append(g.edges, &Edge{
			Source:      ed.Source,
			Target:      ed.Target,
			Semantic:    semantic,
			Condition:   ed.Condition,
			Annotations: copyStrings(ed.Annotations),
		})
	}

	return g, nil
}

// Node returns the node with the given qualified name.
func (g *Graph) Node(name string) (*Node, bool) {
	n, ok := g.nodes[name]
	return n, ok
}

// Nodes returns all nodes in declaration order.
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, 0, len(g.nodeOrder))
	for _, name := range g.nodeOrder {
		out = append(out, g.nodes[name])
	}
	return out
}

// Edges returns all edges in declaration order.
func (g *Graph) Edges() []*Edge {
	out := make([]*Edge, len(g.edges))
	copy(out, g.edges)
	return out
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	return len(g.nodeOrder)
}

// Outbound returns the edges leaving the node, in declaration order.
func (g *Graph) Outbound(name string) []*Edge {
	var out []*Edge
	for _, e := range g.edges {
		if e.Source == name {
			out = append(out, e)
		}
	}
	return out
}

// Inbound returns the edges entering the node, in declaration order.
func (g *Graph) Inbound(name string) []*Edge {
	var out []*Edge
	for _, e := range g.edges {
		if e.Target == name {
			out = append(out, e)
		}
	}
	return out
}

// OutboundControl returns the node's traversable non-catch edges, in
// declaration order. These are the candidates for transition resolution.
func (g *Graph) OutboundControl(name string) []*Edge {
	var out []*Edge
	for _, e := range g.edges {
		if e.Source == name && e.IsControl() && e.Semantic != schema.EdgeCatches {
			out = append(out, e)
		}
	}
	return out
}

// CatchEdges returns the node's catch edges, consulted only on capability
// failure, in declaration order.
func (g *Graph) CatchEdges(name string) []*Edge {
	var out []*Edge
	for _, e := range g.edges {
		if e.Source == name && e.Semantic == schema.EdgeCatches {
			out = append(out, e)
		}
	}
	return out
}

// InboundControl returns the control edges entering the node, in
// declaration order. A join barrier's expected arrivals derive from these.
func (g *Graph) InboundControl(name string) []*Edge {
	var out []*Edge
	for _, e := range g.edges {
		if e.Target == name && e.IsControl() {
			out = append(out, e)
		}
	}
	return out
}

// ControlInDegree returns the number of control edges entering the node.
func (g *Graph) ControlInDegree(name string) int {
	return len(g.InboundControl(name))
}

// ResolveAttr looks up an attribute on the node, falling back through
// ancestor scopes: for "a.b.c" the fallback checks nodes "a.b" then "a",
// consulting only context-kind ancestors. Fallback reads are read-only.
func (g *Graph) ResolveAttr(nodeName, attr string) (any, bool) {
	n, ok := g.nodes[nodeName]
	if !ok {
		return nil, false
	}
	if n.Attributes != nil {
		if v, ok := n.Attributes[attr]; ok {
			return v, true
		}
	}
	for _, anc := range ancestors(nodeName) {
		p, ok := g.nodes[anc]
		if !ok || p.Kind != schema.NodeKindContext || p.Attributes == nil {
			continue
		}
		if v, ok := p.Attributes[attr]; ok {
			return v, true
		}
	}
	return nil, false
}

// Scope returns the enclosing scope of a qualified name, or "" at the root.
func Scope(name string) string {
	if i := strings.LastIndex(name, "."); i >= 0 {
		return name[:i]
	}
	return ""
}

// LastSegment returns the final segment of a qualified name.
func LastSegment(name string) string {
	if i := strings.LastIndex(name, "."); i >= 0 {
		return name[i+1:]
	}
	return name
}

// ancestors lists enclosing scope names from innermost to outermost.
func ancestors(name string) []string {
	var out []string
	for s := Scope(name); s != ""; s = Scope(s) {
		out = append(out, s)
	}
	return out
}

// Clone returns a deep copy sharing nothing mutable with the receiver.
// The clone keeps the same revision; the mutation engine bumps it on apply.
func (g *Graph) Clone() *Graph {
	c := &Graph{
		Name:      g.Name,
		Revision:  g.Revision,
		nodes:     make(map[string]*Node, len(g.nodes)),
		nodeOrder: make([]string, len(g.nodeOrder)),
		edges:     make([]*Edge, len(g.edges)),
	}
	copy(c.nodeOrder, g.nodeOrder)
	for name, n := range g.nodes {
		c.nodes[name] = &Node{
			Name:        n.Name,
			Kind:        n.Kind,
			Attributes:  copyAttrs(n.Attributes),
			Annotations: copyStrings(n.Annotations),
		}
	}
	for i, e := range g.edges {
		ce := *e
		ce.Annotations = copyStrings(e.Annotations)
		c.edges[i] = &ce
	}
	return c
}

// ToDefinition re-derives the wire definition from the arena, preserving
// declaration order. Used for re-emission after mutation and for hashing.
func (g *Graph) ToDefinition() *schema.GraphDefinition {
	def := &schema.GraphDefinition{
		Name:  g.Name,
		Nodes: make([]schema.NodeDefinition, 0, len(g.nodeOrder)),
		Edges: make([]schema.EdgeDefinition, 0, len(g.edges)),
	}
	for _, name := range g.nodeOrder {
		n := g.nodes[name]
		def.Nodes = append(def.Nodes, schema.NodeDefinition{
			Name:        n.Name,
			Kind:        n.Kind,
			Attributes:  copyAttrs(n.Attributes),
			Annotations: copyStrings(n.Annotations),
		})
	}
	for _, e := range g.edges {
		def.Edges = append(def.Edges, schema.EdgeDefinition{
			Source:      e.Source,
			Target:      e.Target,
			Semantic:    e.Semantic,
			Condition:   e.Condition,
			Annotations: copyStrings(e.Annotations),
		})
	}
	return def
}

// Hash returns a hex sha256 digest of the graph structure. Revision is
// excluded: two graphs with identical structure hash identically.
func (g *Graph) Hash() string {
	// encoding/json sorts map keys, so attribute maps encode canonically.
	raw, err := json.Marshal(g.ToDefinition())
	if err != nil {
		// Definitions only hold JSON-encodable values; a marshal failure
		// means a non-JSON attribute slipped past validation.
		return fmt.Sprintf("unhashable:%v", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// copyAttrs deep-copies an attribute map so mutators on one clone never
// reach into another's nested maps or slices.
func copyAttrs(attrs map[string]any) map[string]any {
	if attrs == nil {
		return nil
	}
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		cp := make(map[string]any, len(val))
		for k, item := range val {
			cp[k] = copyValue(item)
		}
		return cp
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = copyValue(item)
		}
		return cp
	default:
		return v
	}
}

func copyStrings(s []string) []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}
