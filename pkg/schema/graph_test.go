package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGraphDefinition_Unmarshal(t *testing.T) {
	raw := `{
		"name": "etl",
		"nodes": [
			{"name": "etl.start", "kind": "state", "annotations": ["entry"]},
			{"name": "etl.extract", "kind": "task", "attributes": {"instruction": "pull the source rows"}},
			{"name": "etl.shared", "kind": "context", "attributes": {"schema": "{\"type\":\"object\"}"}}
		],
		"edges": [
			{"source": "etl.start", "target": "etl.extract"},
			{"source": "etl.extract", "target": "etl.shared", "semantic": "writes"}
		]
	}`

	var def GraphDefinition
	require.NoError(t, json.Unmarshal([]byte(raw), &def))

	require.Len(t, def.Nodes, 3)
	require.Len(t, def.Edges, 2)
	assert.Equal(t, NodeKindTask, def.Nodes[1].Kind)
	assert.Equal(t, EdgeWrites, def.Edges[1].Semantic)
	assert.True(t, def.Nodes[0].HasAnnotation(AnnotationEntry))
	assert.Equal(t, "pull the source rows", def.Nodes[1].Instruction())
}

func TestNodeDefinition_HasAnnotation(t *testing.T) {
	n := NodeDefinition{Name: "a", Annotations: []string{"entry", "checkpoint"}}

	assert.True(t, n.HasAnnotation(AnnotationEntry))
	assert.True(t, n.HasAnnotation(AnnotationCheckpoint))
	assert.False(t, n.HasAnnotation(AnnotationFrozen))
}

func TestNodeDefinition_StringAttr(t *testing.T) {
	n := NodeDefinition{
		Name:       "a",
		Attributes: map[string]any{"instruction": "do it", "retries": 3},
	}

	assert.Equal(t, "do it", n.StringAttr(AttrInstruction))
	assert.Equal(t, "", n.StringAttr("retries"), "non-string attribute reads as empty")
	assert.Equal(t, "", n.StringAttr("missing"))
}

func TestValidNodeKind(t *testing.T) {
	for _, k := range []NodeKind{NodeKindTask, NodeKindState, NodeKindContext, NodeKindFork, NodeKindJoin, NodeKindTool} {
		assert.True(t, ValidNodeKind(k), string(k))
	}
	assert.False(t, ValidNodeKind("actor"))
}

func TestValidEdgeSemantic(t *testing.T) {
	for _, s := range []EdgeSemantic{EdgePlain, EdgeReads, EdgeWrites, EdgeCatches, EdgeForks, EdgeJoins} {
		assert.True(t, ValidEdgeSemantic(s), string(s))
	}
	assert.False(t, ValidEdgeSemantic("loops"))
}

func TestOracleResponse_Unmarshal(t *testing.T) {
	raw := `{
		"outcome": "edge",
		"edge": "etl.transform",
		"calls": [{"capability": "context.write", "args": {"context": "etl.shared", "key": "rows", "value": 42}}]
	}`

	var resp OracleResponse
	require.NoError(t, json.Unmarshal([]byte(raw), &resp))

	assert.Equal(t, OutcomeEdge, resp.Outcome)
	assert.Equal(t, "etl.transform", resp.Edge)
	require.Len(t, resp.Calls, 1)
	assert.Equal(t, "context.write", resp.Calls[0].Capability)
}
