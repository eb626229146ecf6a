package capability

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/railyard-io/railyard/pkg/schema"
)

// Mutator applies graph mutations on behalf of capability calls. The
// mutation engine implements it; capabilities stay decoupled from scope
// policy and mode handling.
type Mutator interface {
	Apply(ctx context.Context, m schema.GraphMutation) (*schema.AppliedMutation, error)
}

// MutationCapabilities returns the capabilities that let the oracle rewrite
// the running graph.
func MutationCapabilities(mut Mutator) []Capability {
	return []Capability{
		&mutateNodeCap{mut: mut, op: schema.MutationAddNode, name: "graph.add_node",
			desc: "Add a node to the running graph"},
		&mutateNodeCap{mut: mut, op: schema.MutationUpdateNode, name: "graph.update_node",
			desc: "Update a node's attributes and annotations"},
		&removeNodeCap{mut: mut},
		&mutateEdgeCap{mut: mut, op: schema.MutationAddEdge, name: "graph.add_edge",
			desc: "Add an edge to the running graph"},
		&mutateEdgeCap{mut: mut, op: schema.MutationRemoveEdge, name: "graph.remove_edge",
			desc: "Remove an edge from the running graph"},
		&promoteToolCap{mut: mut},
		&defineCap{mut: mut},
	}
}

// modeFrom reads the optional mutation mode argument, defaulting to
// immediate.
func modeFrom(args map[string]any) (schema.MutationMode, error) {
	raw, ok := args["mode"].(string)
	if !ok || raw == "" {
		return schema.MutationImmediate, nil
	}
	mode := schema.MutationMode(raw)
	switch mode {
	case schema.MutationImmediate, schema.MutationProposed, schema.MutationBatched:
		return mode, nil
	}
	return "", schema.NewErrorf(schema.ErrCodeValidation, "unknown mutation mode %q", raw)
}

// originOf attributes a mutation to the path (or agent) that asked for it.
func originOf(call Call) string {
	if call.PathID > 0 {
		return fmt.Sprintf("path/%d", call.PathID)
	}
	return "agent"
}

// decodeNode round-trips a raw argument through JSON into a NodeDefinition.
func decodeNode(raw any) (*schema.NodeDefinition, error) {
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "node is not JSON-encodable").WithCause(err)
	}
	var n schema.NodeDefinition
	if err := json.Unmarshal(b, &n); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "node does not match the node definition shape").WithCause(err)
	}
	if n.Name == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "node requires a name")
	}
	return &n, nil
}

// decodeEdge round-trips a raw argument through JSON into an EdgeDefinition.
func decodeEdge(raw any) (*schema.EdgeDefinition, error) {
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "edge is not JSON-encodable").WithCause(err)
	}
	var e schema.EdgeDefinition
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "edge does not match the edge definition shape").WithCause(err)
	}
	if e.Source == "" || e.Target == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "edge requires source and target")
	}
	return &e, nil
}

// appliedOutput packs an applied (or staged) mutation into a CallOutput.
func appliedOutput(name string, applied *schema.AppliedMutation) (*CallOutput, error) {
	return marshalOutput(name, map[string]any{
		"seq":      applied.Seq,
		"revision": applied.Revision,
		"mode":     applied.Mutation.Mode,
	})
}

// --- graph.add_node / graph.update_node ---

const mutateNodeSchema = `{
	"type": "object",
	"required": ["node"],
	"properties": {
		"node": {"type": "object", "description": "node definition (name, kind, attributes, annotations)"},
		"mode": {"type": "string", "enum": ["immediate", "proposed", "batched"]}
	},
	"additionalProperties": false
}`

type mutateNodeCap struct {
	mut  Mutator
	op   schema.MutationOp
	name string
	desc string
}

func (c *mutateNodeCap) Name() string { return c.name }

func (c *mutateNodeCap) Descriptor() schema.CapabilityDescriptor {
	return schema.CapabilityDescriptor{
		Name:        c.name,
		Description: c.desc,
		InputSchema: json.RawMessage(mutateNodeSchema),
	}
}

func (c *mutateNodeCap) Validate(args map[string]any) error {
	if _, ok := args["node"].(map[string]any); !ok {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s requires a 'node' object parameter", c.name)
	}
	return nil
}

func (c *mutateNodeCap) Execute(ctx context.Context, call Call) (*CallOutput, error) {
	node, err := decodeNode(call.Args["node"])
	if err != nil {
		return nil, err
	}
	mode, err := modeFrom(call.Args)
	if err != nil {
		return nil, err
	}

	applied, err := c.mut.Apply(ctx, schema.GraphMutation{
		Op:     c.op,
		Node:   node,
		Target: node.Name,
		Mode:   mode,
		Origin: originOf(call),
	})
	if err != nil {
		return nil, err
	}
	return appliedOutput(c.name, applied)
}

// --- graph.remove_node ---

const removeNodeSchema = `{
	"type": "object",
	"required": ["node"],
	"properties": {
		"node": {"type": "string", "description": "name of the node to remove"},
		"mode": {"type": "string", "enum": ["immediate", "proposed", "batched"]}
	},
	"additionalProperties": false
}`

type removeNodeCap struct {
	mut Mutator
}

func (c *removeNodeCap) Name() string { return "graph.remove_node" }

func (c *removeNodeCap) Descriptor() schema.CapabilityDescriptor {
	return schema.CapabilityDescriptor{
		Name:        c.Name(),
		Description: "Remove a node and its incident edges from the running graph",
		InputSchema: json.RawMessage(removeNodeSchema),
	}
}

func (c *removeNodeCap) Validate(args map[string]any) error {
	if name, ok := args["node"].(string); !ok || name == "" {
		return schema.NewError(schema.ErrCodeValidation, "graph.remove_node requires non-empty 'node' string parameter")
	}
	return nil
}

func (c *removeNodeCap) Execute(ctx context.Context, call Call) (*CallOutput, error) {
	target, _ := call.Args["node"].(string)
	mode, err := modeFrom(call.Args)
	if err != nil {
		return nil, err
	}

	applied, err := c.mut.Apply(ctx, schema.GraphMutation{
		Op:     schema.MutationRemoveNode,
		Target: target,
		Mode:   mode,
		Origin: originOf(call),
	})
	if err != nil {
		return nil, err
	}
	return appliedOutput(c.Name(), applied)
}

// --- graph.add_edge / graph.remove_edge ---

const mutateEdgeSchema = `{
	"type": "object",
	"required": ["edge"],
	"properties": {
		"edge": {"type": "object", "description": "edge definition (source, target, semantic, condition)"},
		"mode": {"type": "string", "enum": ["immediate", "proposed", "batched"]}
	},
	"additionalProperties": false
}`

type mutateEdgeCap struct {
	mut  Mutator
	op   schema.MutationOp
	name string
	desc string
}

func (c *mutateEdgeCap) Name() string { return c.name }

func (c *mutateEdgeCap) Descriptor() schema.CapabilityDescriptor {
	return schema.CapabilityDescriptor{
		Name:        c.name,
		Description: c.desc,
		InputSchema: json.RawMessage(mutateEdgeSchema),
	}
}

func (c *mutateEdgeCap) Validate(args map[string]any) error {
	if _, ok := args["edge"].(map[string]any); !ok {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s requires an 'edge' object parameter", c.name)
	}
	return nil
}

func (c *mutateEdgeCap) Execute(ctx context.Context, call Call) (*CallOutput, error) {
	edge, err := decodeEdge(call.Args["edge"])
	if err != nil {
		return nil, err
	}
	mode, err := modeFrom(call.Args)
	if err != nil {
		return nil, err
	}

	applied, err := c.mut.Apply(ctx, schema.GraphMutation{
		Op:     c.op,
		Edge:   edge,
		Mode:   mode,
		Origin: originOf(call),
	})
	if err != nil {
		return nil, err
	}
	return appliedOutput(c.name, applied)
}

// --- graph.promote ---

const promoteToolSchema = `{
	"type": "object",
	"required": ["capability", "node"],
	"properties": {
		"capability": {"type": "string", "description": "registered capability to promote"},
		"node": {"type": "string", "description": "name for the new tool node"},
		"mode": {"type": "string", "enum": ["immediate", "proposed", "batched"]}
	},
	"additionalProperties": false
}`

type promoteToolCap struct {
	mut Mutator
}

func (c *promoteToolCap) Name() string { return "graph.promote" }

func (c *promoteToolCap) Descriptor() schema.CapabilityDescriptor {
	return schema.CapabilityDescriptor{
		Name:        c.Name(),
		Description: "Promote a capability to a persistent tool node in the graph",
		InputSchema: json.RawMessage(promoteToolSchema),
	}
}

func (c *promoteToolCap) Validate(args map[string]any) error {
	if name, ok := args["capability"].(string); !ok || name == "" {
		return schema.NewError(schema.ErrCodeValidation, "graph.promote requires non-empty 'capability' string parameter")
	}
	if name, ok := args["node"].(string); !ok || name == "" {
		return schema.NewError(schema.ErrCodeValidation, "graph.promote requires non-empty 'node' string parameter")
	}
	return nil
}

func (c *promoteToolCap) Execute(ctx context.Context, call Call) (*CallOutput, error) {
	capName, _ := call.Args["capability"].(string)
	nodeName, _ := call.Args["node"].(string)
	mode, err := modeFrom(call.Args)
	if err != nil {
		return nil, err
	}

	applied, err := c.mut.Apply(ctx, schema.GraphMutation{
		Op: schema.MutationPromoteTool,
		Node: &schema.NodeDefinition{
			Name: nodeName,
			Kind: schema.NodeKindTool,
			Attributes: map[string]any{
				schema.AttrCapability: capName,
			},
		},
		Target: capName,
		Mode:   mode,
		Origin: originOf(call),
	})
	if err != nil {
		return nil, err
	}
	return appliedOutput(c.Name(), applied)
}

// --- graph.define ---

const defineSchema = `{
	"type": "object",
	"required": ["name"],
	"properties": {
		"name": {"type": "string", "description": "name for the new capability and its tool node"},
		"description": {"type": "string", "description": "what the capability does"},
		"program": {"type": "string", "description": "expression body; mutually exclusive with stages"},
		"stages": {
			"type": "array",
			"description": "pipeline over registered capabilities; mutually exclusive with program",
			"items": {
				"type": "object",
				"required": ["capability"],
				"properties": {
					"capability": {"type": "string"},
					"args_query": {"type": "string", "description": "jq program producing the stage's arguments"}
				},
				"additionalProperties": false
			}
		},
		"input_schema": {"type": "object", "description": "JSON Schema for the capability's arguments"},
		"mode": {"type": "string", "enum": ["immediate", "proposed", "batched"]}
	},
	"additionalProperties": false
}`

// defineCap lets the oracle synthesize a brand-new capability mid-run: an
// expression program or a stage pipeline lands as a tool node, and the
// driver registers the resulting capability under the node's name.
type defineCap struct {
	mut Mutator
}

func (c *defineCap) Name() string { return "graph.define" }

func (c *defineCap) Descriptor() schema.CapabilityDescriptor {
	return schema.CapabilityDescriptor{
		Name:        c.Name(),
		Description: "Define a new capability from an expression program or a capability pipeline",
		InputSchema: json.RawMessage(defineSchema),
	}
}

func (c *defineCap) Validate(args map[string]any) error {
	if name, ok := args["name"].(string); !ok || name == "" {
		return schema.NewError(schema.ErrCodeValidation, "graph.define requires non-empty 'name' string parameter")
	}
	program, _ := args["program"].(string)
	_, hasStages := args["stages"]
	if (program != "") == hasStages {
		return schema.NewError(schema.ErrCodeValidation, "graph.define requires exactly one of 'program' or 'stages'")
	}
	return nil
}

func (c *defineCap) Execute(ctx context.Context, call Call) (*CallOutput, error) {
	name, _ := call.Args["name"].(string)
	mode, err := modeFrom(call.Args)
	if err != nil {
		return nil, err
	}

	attrs := map[string]any{}
	if program, ok := call.Args["program"].(string); ok && program != "" {
		attrs[schema.AttrProgram] = program
	}
	if stages, ok := call.Args["stages"]; ok {
		attrs[schema.AttrStages] = stages
	}
	if desc, ok := call.Args["description"].(string); ok && desc != "" {
		attrs[schema.AttrDescription] = desc
	}
	if inputSchema, ok := call.Args["input_schema"]; ok {
		attrs[schema.AttrSchema] = inputSchema
	}

	applied, err := c.mut.Apply(ctx, schema.GraphMutation{
		Op: schema.MutationDefineCapability,
		Node: &schema.NodeDefinition{
			Name:       name,
			Kind:       schema.NodeKindTool,
			Attributes: attrs,
		},
		Target: name,
		Mode:   mode,
		Origin: originOf(call),
	})
	if err != nil {
		return nil, err
	}
	return appliedOutput(c.Name(), applied)
}
