package schema

// GraphDefinition is the JSON/YAML-serializable graph program format.
// Agents provide it via railyard.run (inline) or the CLI loads it from a
// file. Node and edge order is declaration order and is significant: it
// drives tie-breaking and deterministic iteration.
type GraphDefinition struct {
	Name     string           `json:"name,omitempty" yaml:"name,omitempty"`
	Nodes    []NodeDefinition `json:"nodes" yaml:"nodes"`
	Edges    []EdgeDefinition `json:"edges,omitempty" yaml:"edges,omitempty"`
	Metadata map[string]any   `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// NodeDefinition describes a single node in a graph program.
// Names may be dotted (e.g. "pipeline.ingest.start") to express nesting;
// the segments before the last name the enclosing scopes.
type NodeDefinition struct {
	Name        string         `json:"name" yaml:"name"`
	Kind        NodeKind       `json:"kind,omitempty" yaml:"kind,omitempty"` // task, state, context, fork, join, tool (default: state)
	Attributes  map[string]any `json:"attributes,omitempty" yaml:"attributes,omitempty"`
	Annotations []string       `json:"annotations,omitempty" yaml:"annotations,omitempty"` // entry, checkpoint, frozen, ...
}

// EdgeDefinition describes a directed edge between two nodes.
type EdgeDefinition struct {
	Source      string       `json:"source" yaml:"source"`
	Target      string       `json:"target" yaml:"target"`
	Semantic    EdgeSemantic `json:"semantic,omitempty" yaml:"semantic,omitempty"`   // plain, reads, writes, catches, forks, joins (default: plain)
	Condition   string       `json:"condition,omitempty" yaml:"condition,omitempty"` // CEL expression guarding traversal
	Annotations []string     `json:"annotations,omitempty" yaml:"annotations,omitempty"`
}

// NodeKind enumerates the kinds of nodes in a graph program.
type NodeKind string

const (
	NodeKindTask    NodeKind = "task"    // executable work, may declare an instruction
	NodeKindState   NodeKind = "state"   // passive marker, no work
	NodeKindContext NodeKind = "context" // shared state container
	NodeKindFork    NodeKind = "fork"    // spawns one path per outgoing branch
	NodeKindJoin    NodeKind = "join"    // barrier where paths merge
	NodeKindTool    NodeKind = "tool"    // promoted capability, invocable by name
)

// ValidNodeKind reports whether k is a recognized node kind.
func ValidNodeKind(k NodeKind) bool {
	switch k {
	case NodeKindTask, NodeKindState, NodeKindContext, NodeKindFork, NodeKindJoin, NodeKindTool:
		return true
	}
	return false
}

// EdgeSemantic enumerates the relationship an edge expresses.
type EdgeSemantic string

const (
	EdgePlain   EdgeSemantic = "plain"
	EdgeReads   EdgeSemantic = "reads"   // data dependency on a context node
	EdgeWrites  EdgeSemantic = "writes"  // write intent toward a context node
	EdgeCatches EdgeSemantic = "catches" // taken only on capability failure at the source
	EdgeForks   EdgeSemantic = "forks"   // branch of a fork node
	EdgeJoins   EdgeSemantic = "joins"   // inbound arm of a join barrier
)

// ValidEdgeSemantic reports whether s is a recognized edge semantic.
func ValidEdgeSemantic(s EdgeSemantic) bool {
	switch s {
	case EdgePlain, EdgeReads, EdgeWrites, EdgeCatches, EdgeForks, EdgeJoins:
		return true
	}
	return false
}

// Well-known node annotations consumed by the engine.
const (
	AnnotationEntry      = "entry"      // explicit path entry point
	AnnotationCheckpoint = "checkpoint" // checkpoint after leaving this node
	AnnotationFrozen     = "frozen"     // node (and its subtree) closed to mutation
)

// Well-known node attributes consumed by the engine.
const (
	AttrInstruction = "instruction" // work description handed to the oracle
	AttrSchema      = "schema"      // JSON Schema for a context node's values
	AttrBarrier     = "barrier"     // explicit barrier name on a join node
	AttrCapability  = "capability"  // backing capability of a tool node
	AttrProgram     = "program"     // expression body of a defined capability
	AttrStages      = "stages"      // pipeline stages of a composed capability
	AttrDescription = "description" // human description of a defined capability
)

// HasAnnotation reports whether the node carries the given annotation.
func (n *NodeDefinition) HasAnnotation(annotation string) bool {
	for _, a := range n.Annotations {
		if a == annotation {
			return true
		}
	}
	return false
}

// StringAttr returns the named attribute as a string, or "" when absent
// or not a string.
func (n *NodeDefinition) StringAttr(name string) string {
	if n.Attributes == nil {
		return ""
	}
	s, _ := n.Attributes[name].(string)
	return s
}

// Instruction returns the node's declared work instruction. A node with a
// non-empty instruction must not transition before its work executes.
func (n *NodeDefinition) Instruction() string {
	return n.StringAttr(AttrInstruction)
}
