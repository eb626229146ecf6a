package validation

import (
	"fmt"
	"strings"

	"github.com/railyard-io/railyard/pkg/schema"
)

// validateReachability warns about nodes that no path can ever visit.
// Cycles are legal in graph programs (safety budgets bound execution), so
// this stage runs BFS over control edges from the entry candidates instead
// of demanding a DAG.
func validateReachability(def *schema.GraphDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	// forward[source] = control successors, matching runtime traversal.
	forward := make(map[string][]string, len(def.Nodes))
	controlIn := make(map[string]int, len(def.Nodes))
	for _, e := range def.Edges {
		sem := e.Semantic
		if sem == "" {
			sem = schema.EdgePlain
		}
		if sem == schema.EdgeReads || sem == schema.EdgeWrites {
			continue
		}
		forward[e.Source] = append(forward[e.Source], e.Target)
		controlIn[e.Target]++
	}

	roots := entryCandidates(def, controlIn)
	if len(roots) == 0 {
		return result // nothing to walk; structural stage rejects empty graphs
	}

	reachable := make(map[string]bool, len(def.Nodes))
	queue := make([]string, len(roots))
	copy(queue, roots)
	for _, r := range roots {
		reachable[r] = true
	}

	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		for _, next := range forward[node] {
			if !reachable[next] {
				reachable[next] = true
				queue = append(queue, next)
			}
		}
	}

	for i := range def.Nodes {
		n := &def.Nodes[i]
		kind := kindOf(n)
		if kind == schema.NodeKindContext || kind == schema.NodeKindTool {
			continue // contexts and tools are not visited by paths
		}
		if !reachable[n.Name] {
			result.AddWarning(fmt.Sprintf("nodes[%d]", i), schema.ErrCodeValidation,
				fmt.Sprintf("node %q is unreachable from any entry point", n.Name))
		}
	}

	return result
}

// entryCandidates resolves the nodes a run may start from, mirroring the
// detection order the path manager uses: entry annotations first, then the
// name heuristic, then zero control in-degree, then first eligible node.
func entryCandidates(def *schema.GraphDefinition, controlIn map[string]int) []string {
	var annotated []string
	for i := range def.Nodes {
		if def.Nodes[i].HasAnnotation(schema.AnnotationEntry) {
			annotated = append(annotated, def.Nodes[i].Name)
		}
	}
	if len(annotated) > 0 {
		return annotated
	}

	var named []string
	for i := range def.Nodes {
		n := &def.Nodes[i]
		if kindOf(n) == schema.NodeKindContext || kindOf(n) == schema.NodeKindTool {
			continue
		}
		if entryName(n.Name) {
			named = append(named, n.Name)
		}
	}
	if len(named) > 0 {
		return named
	}

	var sources []string
	for i := range def.Nodes {
		n := &def.Nodes[i]
		if kindOf(n) == schema.NodeKindContext || kindOf(n) == schema.NodeKindTool {
			continue
		}
		if controlIn[n.Name] == 0 {
			sources = append(sources, n.Name)
		}
	}
	if len(sources) > 0 {
		return sources
	}

	for i := range def.Nodes {
		n := &def.Nodes[i]
		if kindOf(n) != schema.NodeKindContext && kindOf(n) != schema.NodeKindTool {
			return []string{n.Name}
		}
	}
	return nil
}

// entryName reports whether the node's last name segment marks it as an
// entry point by convention.
func entryName(name string) bool {
	last := name
	if idx := strings.LastIndex(name, "."); idx >= 0 {
		last = name[idx+1:]
	}
	switch strings.ToLower(last) {
	case "start", "main", "entry":
		return true
	}
	return false
}
