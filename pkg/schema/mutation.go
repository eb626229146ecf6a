package schema

import "time"

// MutationOp enumerates the kinds of runtime graph mutations.
type MutationOp string

const (
	MutationAddNode     MutationOp = "add_node"
	MutationUpdateNode  MutationOp = "update_node"
	MutationRemoveNode  MutationOp = "remove_node"
	MutationAddEdge     MutationOp = "add_edge"
	MutationRemoveEdge  MutationOp = "remove_edge"
	MutationPromoteTool MutationOp = "promote_tool"
	// MutationDefineCapability synthesizes a new capability from an
	// expression program or a stage pipeline carried in the node's
	// attributes, and lands it as a tool node.
	MutationDefineCapability MutationOp = "define_capability"
)

// MutationMode selects when a requested mutation takes effect.
type MutationMode string

const (
	MutationImmediate MutationMode = "immediate" // applied synchronously
	MutationProposed  MutationMode = "proposed"  // staged until approved or rejected
	MutationBatched   MutationMode = "batched"   // accumulated, flushed at checkpoint boundaries
)

// GraphMutation describes one requested modification to a running graph.
type GraphMutation struct {
	Op     MutationOp      `json:"op"`
	Node   *NodeDefinition `json:"node,omitempty"`   // add_node, update_node
	Edge   *EdgeDefinition `json:"edge,omitempty"`   // add_edge, remove_edge
	Target string          `json:"target,omitempty"` // node name (update/remove), capability name (promote_tool)
	Mode   MutationMode    `json:"mode,omitempty"`   // default immediate
	Origin string          `json:"origin,omitempty"` // requesting agent or path
}

// AppliedMutation is one entry in the append-only mutation log.
type AppliedMutation struct {
	Seq       int64         `json:"seq"`
	RunID     string        `json:"run_id"`
	Mutation  GraphMutation `json:"mutation"`
	Revision  int64         `json:"revision"` // graph revision after application
	AppliedAt time.Time     `json:"applied_at"`
}
