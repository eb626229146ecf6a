package graph

import (
	"github.com/railyard-io/railyard/pkg/schema"
)

// Mutating arena operations. These are only safe on an unpublished Clone:
// the mutation engine is the single writer and publishes finished clones by
// swapping an atomic pointer. Policy (frozen scopes, apply modes, logging)
// lives in internal/mutation; the arena enforces structure only.

// AddNode appends a node to the arena.
func (g *Graph) AddNode(def *schema.NodeDefinition) error {
	if def == nil || def.Name == "" {
		return schema.NewError(schema.ErrCodeValidation, "node definition has empty name")
	}
	if _, exists := g.nodes[def.Name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "node already exists: %s", def.Name)
	}

	kind := def.Kind
	if kind == "" {
		kind = schema.NodeKindState
	}
	if !schema.ValidNodeKind(kind) {
		return schema.NewErrorf(schema.ErrCodeValidation, "node %s has unknown kind: %s", def.Name, kind)
	}

	g.nodes[def.Name] = &Node{
		Name:        def.Name,
		Kind:        kind,
		Attributes:  copyAttrs(def.Attributes),
		Annotations: copyStrings(def.Annotations),
	}
	g.nodeOrder = append(g.nodeOrder, def.Name)
	return nil
}

// UpdateNode replaces the attributes and annotations of an existing node.
// Kind is fixed at creation.
func (g *Graph) UpdateNode(def *schema.NodeDefinition) error {
	if def == nil || def.Name == "" {
		return schema.NewError(schema.ErrCodeValidation, "node definition has empty name")
	}
	n, exists := g.nodes[def.Name]
	if !exists {
		return schema.NewErrorf(schema.ErrCodeNotFound, "node not found: %s", def.Name)
	}
	if def.Kind != "" && def.Kind != n.Kind {
		return schema.NewErrorf(schema.ErrCodeValidation, "node %s kind is fixed at creation (%s)", def.Name, n.Kind)
	}

	n.Attributes = copyAttrs(def.Attributes)
	n.Annotations = copyStrings(def.Annotations)
	return nil
}

// RemoveNode removes the node and every edge incident to it.
func (g *Graph) RemoveNode(name string) error {
	if _, exists := g.nodes[name]; !exists {
		return schema.NewErrorf(schema.ErrCodeNotFound, "node not found: %s", name)
	}

	delete(g.nodes, name)
	for i, n := range g.nodeOrder {
		if n == name {
			g.nodeOrder = append(g.nodeOrder[:i], g.nodeOrder[i+1:]...)
			break
		}
	}

	kept := g.edges[:0]
	for _, e := range g.edges {
		if e.Source != name && e.Target != name {
			kept = append(kept, e)
		}
	}
	g.edges = kept
	return nil
}

// AddEdge appends an edge to the arena.
func (g *Graph) AddEdge(def *schema.EdgeDefinition) error {
	if def == nil || def.Source == "" || def.Target == "" {
		return schema.NewError(schema.ErrCodeValidation, "edge definition has empty endpoint")
	}
	if _, exists := g.nodes[def.Source]; !exists {
		return schema.NewErrorf(schema.ErrCodeValidation, "edge source references non-existent node: %s", def.Source)
	}
	if _, exists := g.nodes[def.Target]; !exists {
		return schema.NewErrorf(schema.ErrCodeValidation, "edge target references non-existent node: %s", def.Target)
	}

	semantic := def.Semantic
	if semantic == "" {
		semantic = schema.EdgePlain
	}
	if !schema.ValidEdgeSemantic(semantic) {
		return schema.NewErrorf(schema.ErrCodeValidation, "edge %s -> %s has unknown semantic: %s", def.Source, def.Target, semantic)
	}

	for _, e := range g.edges {
		if e.Source == def.Source && e.Target == def.Target && e.Semantic == semantic {
			return schema.NewErrorf(schema.ErrCodeConflict, "edge already exists: %s -> %s (%s)", def.Source, def.Target, semantic)
		}
	}

	g.edges = append(g.edges, &Edge{
		Source:      def.Source,
		Target:      def.Target,
		Semantic:    semantic,
		Condition:   def.Condition,
		Annotations: copyStrings(def.Annotations),
	})
	return nil
}

// RemoveEdge removes the edge matching source, target and semantic.
// An empty semantic matches plain.
func (g *Graph) RemoveEdge(source, target string, semantic schema.EdgeSemantic) error {
	if semantic == "" {
		semantic = schema.EdgePlain
	}
	for i, e := range g.edges {
		if e.Source == source && e.Target == target && e.Semantic == semantic {
			g.edges = append(g.edges[:i], g.edges[i+1:]...)
			return nil
		}
	}
	return schema.NewErrorf(schema.ErrCodeNotFound, "edge not found: %s -> %s (%s)", source, target, semantic)
}
