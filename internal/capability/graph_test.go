package capability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/railyard-io/railyard/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMutator records applied mutations and can be primed to fail.
type fakeMutator struct {
	applied []schema.GraphMutation
	err     error
}

func (f *fakeMutator) Apply(_ context.Context, m schema.GraphMutation) (*schema.AppliedMutation, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.applied = append(f.applied, m)
	seq := int64(len(f.applied))
	return &schema.AppliedMutation{
		Seq:       seq,
		Mutation:  m,
		Revision:  seq + 1,
		AppliedAt: time.Now(),
	}, nil
}

func (f *fakeMutator) last(t *testing.T) schema.GraphMutation {
	t.Helper()
	require.NotEmpty(t, f.applied)
	return f.applied[len(f.applied)-1]
}

func TestMutationCapabilities_Names(t *testing.T) {
	caps := MutationCapabilities(&fakeMutator{})
	require.Len(t, caps, 7)

	names := make([]string, 0, len(caps))
	for _, c := range caps {
		names = append(names, c.Name())
		assert.NotEmpty(t, c.Descriptor().InputSchema)
	}
	assert.Equal(t, []string{
		"graph.add_node", "graph.update_node", "graph.remove_node",
		"graph.add_edge", "graph.remove_edge", "graph.promote", "graph.define",
	}, names)
}

func TestGraphAddNode(t *testing.T) {
	mut := &fakeMutator{}
	c := &mutateNodeCap{mut: mut, op: schema.MutationAddNode, name: "graph.add_node"}

	out, err := c.Execute(context.Background(), Call{
		Args: map[string]any{
			"node": map[string]any{
				"name":        "pipeline.retry",
				"kind":        "task",
				"attributes":  map[string]any{"instruction": "retry the fetch"},
				"annotations": []any{"checkpoint"},
			},
		},
		PathID: 2,
	})
	require.NoError(t, err)

	m := mut.last(t)
	assert.Equal(t, schema.MutationAddNode, m.Op)
	require.NotNil(t, m.Node)
	assert.Equal(t, "pipeline.retry", m.Node.Name)
	assert.Equal(t, schema.NodeKindTask, m.Node.Kind)
	assert.Equal(t, "retry the fetch", m.Node.Attributes["instruction"])
	assert.Equal(t, []string{"checkpoint"}, m.Node.Annotations)
	assert.Equal(t, "pipeline.retry", m.Target)
	assert.Equal(t, schema.MutationImmediate, m.Mode)
	assert.Equal(t, "path/2", m.Origin)

	result := decodeOutput(t, out)
	assert.Equal(t, float64(1), result["seq"])
	assert.Equal(t, float64(2), result["revision"])
	assert.Equal(t, "immediate", result["mode"])
}

func TestGraphAddNode_MissingName(t *testing.T) {
	c := &mutateNodeCap{mut: &fakeMutator{}, op: schema.MutationAddNode, name: "graph.add_node"}

	_, err := c.Execute(context.Background(), Call{
		Args: map[string]any{"node": map[string]any{"kind": "task"}},
	})
	require.Error(t, err)

	var yErr *schema.YardError
	require.True(t, errors.As(err, &yErr))
	assert.Equal(t, schema.ErrCodeValidation, yErr.Code)
}

func TestGraphAddNode_ValidateArgs(t *testing.T) {
	c := &mutateNodeCap{mut: &fakeMutator{}, op: schema.MutationAddNode, name: "graph.add_node"}

	err := c.Validate(map[string]any{"node": "not-an-object"})
	require.Error(t, err)

	var yErr *schema.YardError
	require.True(t, errors.As(err, &yErr))
	assert.Equal(t, schema.ErrCodeValidation, yErr.Code)

	assert.NoError(t, c.Validate(map[string]any{"node": map[string]any{"name": "n"}}))
}

func TestGraphAddNode_ProposedMode(t *testing.T) {
	mut := &fakeMutator{}
	c := &mutateNodeCap{mut: mut, op: schema.MutationAddNode, name: "graph.add_node"}

	_, err := c.Execute(context.Background(), Call{
		Args: map[string]any{
			"node": map[string]any{"name": "pipeline.extra"},
			"mode": "proposed",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, schema.MutationProposed, mut.last(t).Mode)
}

func TestGraphAddNode_UnknownMode(t *testing.T) {
	c := &mutateNodeCap{mut: &fakeMutator{}, op: schema.MutationAddNode, name: "graph.add_node"}

	_, err := c.Execute(context.Background(), Call{
		Args: map[string]any{
			"node": map[string]any{"name": "pipeline.extra"},
			"mode": "eventually",
		},
	})
	require.Error(t, err)

	var yErr *schema.YardError
	require.True(t, errors.As(err, &yErr))
	assert.Equal(t, schema.ErrCodeValidation, yErr.Code)
}

func TestGraphUpdateNode(t *testing.T) {
	mut := &fakeMutator{}
	c := &mutateNodeCap{mut: mut, op: schema.MutationUpdateNode, name: "graph.update_node"}

	_, err := c.Execute(context.Background(), Call{
		Args: map[string]any{
			"node": map[string]any{
				"name":       "pipeline.fetch",
				"attributes": map[string]any{"instruction": "fetch with backoff"},
			},
		},
	})
	require.NoError(t, err)

	m := mut.last(t)
	assert.Equal(t, schema.MutationUpdateNode, m.Op)
	assert.Equal(t, "pipeline.fetch", m.Target)
}

func TestGraphRemoveNode(t *testing.T) {
	mut := &fakeMutator{}
	c := &removeNodeCap{mut: mut}

	require.Error(t, c.Validate(map[string]any{}))
	require.NoError(t, c.Validate(map[string]any{"node": "pipeline.fetch"}))

	_, err := c.Execute(context.Background(), Call{
		Args:   map[string]any{"node": "pipeline.fetch"},
		PathID: 1,
	})
	require.NoError(t, err)

	m := mut.last(t)
	assert.Equal(t, schema.MutationRemoveNode, m.Op)
	assert.Equal(t, "pipeline.fetch", m.Target)
	assert.Nil(t, m.Node)
}

func TestGraphAddEdge(t *testing.T) {
	mut := &fakeMutator{}
	c := &mutateEdgeCap{mut: mut, op: schema.MutationAddEdge, name: "graph.add_edge"}

	_, err := c.Execute(context.Background(), Call{
		Args: map[string]any{
			"edge": map[string]any{
				"source":    "pipeline.fetch",
				"target":    "pipeline.retry",
				"semantic":  "catches",
				"condition": "",
			},
		},
	})
	require.NoError(t, err)

	m := mut.last(t)
	assert.Equal(t, schema.MutationAddEdge, m.Op)
	require.NotNil(t, m.Edge)
	assert.Equal(t, "pipeline.fetch", m.Edge.Source)
	assert.Equal(t, "pipeline.retry", m.Edge.Target)
	assert.Equal(t, schema.EdgeCatches, m.Edge.Semantic)
}

func TestGraphAddEdge_MissingEndpoint(t *testing.T) {
	c := &mutateEdgeCap{mut: &fakeMutator{}, op: schema.MutationAddEdge, name: "graph.add_edge"}

	_, err := c.Execute(context.Background(), Call{
		Args: map[string]any{"edge": map[string]any{"source": "pipeline.fetch"}},
	})
	require.Error(t, err)

	var yErr *schema.YardError
	require.True(t, errors.As(err, &yErr))
	assert.Equal(t, schema.ErrCodeValidation, yErr.Code)
}

func TestGraphRemoveEdge(t *testing.T) {
	mut := &fakeMutator{}
	c := &mutateEdgeCap{mut: mut, op: schema.MutationRemoveEdge, name: "graph.remove_edge"}

	_, err := c.Execute(context.Background(), Call{
		Args: map[string]any{
			"edge": map[string]any{"source": "pipeline.fetch", "target": "pipeline.retry"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, schema.MutationRemoveEdge, mut.last(t).Op)
}

func TestGraphPromote(t *testing.T) {
	mut := &fakeMutator{}
	c := &promoteToolCap{mut: mut}

	require.Error(t, c.Validate(map[string]any{"capability": "summarize"}))
	require.Error(t, c.Validate(map[string]any{"node": "tools.summarize"}))

	_, err := c.Execute(context.Background(), Call{
		Args: map[string]any{
			"capability": "summarize",
			"node":       "tools.summarize",
		},
		PathID: 3,
	})
	require.NoError(t, err)

	m := mut.last(t)
	assert.Equal(t, schema.MutationPromoteTool, m.Op)
	assert.Equal(t, "summarize", m.Target)
	require.NotNil(t, m.Node)
	assert.Equal(t, "tools.summarize", m.Node.Name)
	assert.Equal(t, schema.NodeKindTool, m.Node.Kind)
	assert.Equal(t, "summarize", m.Node.Attributes[schema.AttrCapability])
	assert.Equal(t, "path/3", m.Origin)
}

func TestGraphDefine_Program(t *testing.T) {
	mut := &fakeMutator{}
	c := &defineCap{mut: mut}

	require.Error(t, c.Validate(map[string]any{"name": "double"}), "a backing is required")
	require.Error(t, c.Validate(map[string]any{
		"name": "double", "program": "args.n", "stages": []any{},
	}), "program and stages are mutually exclusive")

	_, err := c.Execute(context.Background(), Call{
		Args: map[string]any{
			"name":        "double",
			"description": "double a number",
			"program":     "args.n * 2",
		},
		PathID: 2,
	})
	require.NoError(t, err)

	m := mut.last(t)
	assert.Equal(t, schema.MutationDefineCapability, m.Op)
	require.NotNil(t, m.Node)
	assert.Equal(t, "double", m.Node.Name)
	assert.Equal(t, schema.NodeKindTool, m.Node.Kind)
	assert.Equal(t, "args.n * 2", m.Node.Attributes[schema.AttrProgram])
	assert.Equal(t, "double a number", m.Node.Attributes[schema.AttrDescription])
	assert.Equal(t, "path/2", m.Origin)
}

func TestGraphDefine_Stages(t *testing.T) {
	mut := &fakeMutator{}
	c := &defineCap{mut: mut}

	stages := []any{map[string]any{"capability": "context.read", "args_query": `{"context": "flags"}`}}
	_, err := c.Execute(context.Background(), Call{
		Args: map[string]any{"name": "read-flags", "stages": stages},
	})
	require.NoError(t, err)

	m := mut.last(t)
	assert.Equal(t, schema.MutationDefineCapability, m.Op)
	require.NotNil(t, m.Node)
	assert.Equal(t, stages, m.Node.Attributes[schema.AttrStages])
	_, hasProgram := m.Node.Attributes[schema.AttrProgram]
	assert.False(t, hasProgram)
}

func TestGraphMutation_EngineErrorPassesThrough(t *testing.T) {
	scopeErr := schema.NewError(schema.ErrCodeScopeViolation, `node "pipeline.fetch" is frozen`)
	c := &removeNodeCap{mut: &fakeMutator{err: scopeErr}}

	_, err := c.Execute(context.Background(), Call{
		Args: map[string]any{"node": "pipeline.fetch"},
	})
	require.Error(t, err)

	var yErr *schema.YardError
	require.True(t, errors.As(err, &yErr))
	assert.Equal(t, schema.ErrCodeScopeViolation, yErr.Code)
}

func TestOriginOf(t *testing.T) {
	assert.Equal(t, "path/7", originOf(Call{PathID: 7}))
	assert.Equal(t, "agent", originOf(Call{}))
}

func TestRegisterMutators(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, RegisterMutators(reg, &fakeMutator{}))
	assert.Equal(t, 7, reg.Count())
	assert.True(t, reg.Has("graph.promote"))
	assert.True(t, reg.Has("graph.define"))
}
