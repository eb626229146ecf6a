package validation

import (
	"fmt"

	"github.com/railyard-io/railyard/pkg/schema"
)

// validateSemantic performs semantic analysis on the graph definition.
// Checks: kind/semantic coherence, fork and join shape, catch placement,
// entry eligibility, tool capability registration.
func validateSemantic(def *schema.GraphDefinition, lookup CapabilityLookup) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	// Build node lookup.
	nodes := make(map[string]*schema.NodeDefinition, len(def.Nodes))
	for i := range def.Nodes {
		nodes[def.Nodes[i].Name] = &def.Nodes[i]
	}

	type edgeKey struct {
		source, target string
		semantic       schema.EdgeSemantic
	}
	seen := make(map[edgeKey]int, len(def.Edges))

	forkBranches := make(map[string]int)
	controlIn := make(map[string]int)
	controlOut := make(map[string]int)

	for i, e := range def.Edges {
		path := fmt.Sprintf("edges[%d]", i)
		sem := e.Semantic
		if sem == "" {
			sem = schema.EdgePlain
		}

		key := edgeKey{e.Source, e.Target, sem}
		if first, dup := seen[key]; dup {
			result.AddWarning(path, schema.ErrCodeValidation,
				fmt.Sprintf("edge %s -> %s (%s) duplicates edges[%d]", e.Source, e.Target, sem, first))
		} else {
			seen[key] = i
		}

		src, srcOK := nodes[e.Source]
		dst, dstOK := nodes[e.Target]
		if !srcOK || !dstOK {
			continue // dangling endpoints already caught by structural
		}

		// Data edges connect work to contexts and are never traversed.
		if sem == schema.EdgeReads || sem == schema.EdgeWrites {
			if kindOf(dst) != schema.NodeKindContext {
				result.AddError(path+".target", schema.ErrCodeValidation,
					fmt.Sprintf("%s edge targets %q, which is not a context node", sem, e.Target))
			}
			if e.Condition != "" {
				result.AddWarning(path+".condition", schema.ErrCodeValidation,
					fmt.Sprintf("condition on %s edge is never evaluated", sem))
			}
			continue
		}

		switch sem {
		case schema.EdgeForks:
			if kindOf(src) != schema.NodeKindFork {
				result.AddError(path+".source", schema.ErrCodeValidation,
					fmt.Sprintf("forks edge leaves %q, which is not a fork node", e.Source))
			}
			forkBranches[e.Source]++
			if e.Condition != "" {
				result.AddWarning(path+".condition", schema.ErrCodeValidation,
					"condition on forks edge is never evaluated; every branch spawns a path")
			}
		case schema.EdgeJoins:
			if kindOf(dst) != schema.NodeKindJoin {
				result.AddError(path+".target", schema.ErrCodeValidation,
					fmt.Sprintf("joins edge arrives at %q, which is not a join node", e.Target))
			}
		case schema.EdgeCatches:
			if src.Instruction() == "" && kindOf(src) != schema.NodeKindTool {
				result.AddWarning(path, schema.ErrCodeValidation,
					fmt.Sprintf("catch edge from %q is never taken: the node declares no work that can fail", e.Source))
			}
			if e.Condition != "" {
				result.AddWarning(path+".condition", schema.ErrCodeValidation,
					"condition on catches edge is never evaluated; catch edges route on failure only")
			}
		}

		controlOut[e.Source]++
		controlIn[e.Target]++
	}

	for i := range def.Nodes {
		validateNodeSemantic(&def.Nodes[i], fmt.Sprintf("nodes[%d]", i),
			forkBranches, controlIn, controlOut, lookup, result)
	}

	return result
}

// validateNodeSemantic checks a single node against its kind's rules.
func validateNodeSemantic(n *schema.NodeDefinition, path string, forkBranches, controlIn, controlOut map[string]int, lookup CapabilityLookup, result *schema.ValidationResult) {
	switch kindOf(n) {
	case schema.NodeKindContext:
		if controlIn[n.Name] > 0 || controlOut[n.Name] > 0 {
			result.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("context node %q participates in control flow; contexts connect through reads/writes edges only", n.Name))
		}
		if n.HasAnnotation(schema.AnnotationEntry) {
			result.AddError(path+".annotations", schema.ErrCodeValidation,
				fmt.Sprintf("context node %q cannot be a path entry", n.Name))
		}
		if n.HasAnnotation(schema.AnnotationCheckpoint) {
			result.AddWarning(path+".annotations", schema.ErrCodeValidation,
				fmt.Sprintf("checkpoint annotation on context node %q is never reached", n.Name))
		}

	case schema.NodeKindTool:
		capName := n.StringAttr(schema.AttrCapability)
		program := n.StringAttr(schema.AttrProgram)
		var hasStages bool
		if n.Attributes != nil {
			_, hasStages = n.Attributes[schema.AttrStages]
		}
		backings := 0
		for _, present := range []bool{capName != "", program != "", hasStages} {
			if present {
				backings++
			}
		}
		switch {
		case backings == 0:
			result.AddError(path+".attributes", schema.ErrCodeValidation,
				fmt.Sprintf("tool node %q declares no backing capability, program or stages", n.Name))
		case backings > 1:
			result.AddError(path+".attributes", schema.ErrCodeValidation,
				fmt.Sprintf("tool node %q declares more than one backing; capability, program and stages are mutually exclusive", n.Name))
		case capName != "" && lookup != nil && !lookup.Has(capName):
			result.AddError(path+".attributes.capability", schema.ErrCodeNotFound,
				fmt.Sprintf("capability %q not registered", capName))
		}
		if n.HasAnnotation(schema.AnnotationEntry) {
			result.AddError(path+".annotations", schema.ErrCodeValidation,
				fmt.Sprintf("tool node %q cannot be a path entry", n.Name))
		}

	case schema.NodeKindFork:
		if forkBranches[n.Name] < 2 {
			result.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("fork node %q declares %d fork branches; need at least 2", n.Name, forkBranches[n.Name]))
		}
		if n.Instruction() != "" {
			result.AddWarning(path+".attributes.instruction", schema.ErrCodeValidation,
				fmt.Sprintf("fork node %q carries an instruction but fork nodes perform no work", n.Name))
		}

	case schema.NodeKindJoin:
		if controlIn[n.Name] < 2 {
			result.AddWarning(path, schema.ErrCodeValidation,
				fmt.Sprintf("join node %q has %d inbound arms; its barrier releases immediately", n.Name, controlIn[n.Name]))
		}
		if n.Instruction() != "" {
			result.AddWarning(path+".attributes.instruction", schema.ErrCodeValidation,
				fmt.Sprintf("join node %q carries an instruction but join nodes perform no work", n.Name))
		}
	}
}

// kindOf returns the node's kind, defaulting to state when unset.
func kindOf(n *schema.NodeDefinition) schema.NodeKind {
	if n.Kind == "" {
		return schema.NodeKindState
	}
	return n.Kind
}
