package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/railyard-io/railyard/pkg/schema"
)

// mockCapabilityLookup implements CapabilityLookup for tests.
type mockCapabilityLookup struct {
	registered map[string]bool
}

func (m *mockCapabilityLookup) Has(name string) bool {
	return m.registered[name]
}

func newMockLookup(names ...string) *mockCapabilityLookup {
	m := &mockCapabilityLookup{registered: make(map[string]bool)}
	for _, n := range names {
		m.registered[n] = true
	}
	return m
}

// --- Data edges ---

func TestSemantic_WritesEdgeToContext(t *testing.T) {
	def := &schema.GraphDefinition{
		Nodes: []schema.NodeDefinition{
			{Name: "work", Kind: schema.NodeKindTask, Attributes: map[string]any{"instruction": "do it"}},
			{Name: "store", Kind: schema.NodeKindContext},
			{Name: "done"},
		},
		Edges: []schema.EdgeDefinition{
			{Source: "work", Target: "store", Semantic: schema.EdgeWrites},
			{Source: "work", Target: "done"},
		},
	}
	result := validateSemantic(def, nil)
	assert.True(t, result.Valid())
}

func TestSemantic_WritesEdgeToNonContext(t *testing.T) {
	def := &schema.GraphDefinition{
		Nodes: []schema.NodeDefinition{
			{Name: "work"},
			{Name: "other"},
		},
		Edges: []schema.EdgeDefinition{
			{Source: "work", Target: "other", Semantic: schema.EdgeWrites},
		},
	}
	result := validateSemantic(def, nil)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "edges[0].target", result.Errors[0].Path)
	assert.Contains(t, result.Errors[0].Message, "not a context node")
}

func TestSemantic_ReadsEdgeToNonContext(t *testing.T) {
	def := &schema.GraphDefinition{
		Nodes: []schema.NodeDefinition{
			{Name: "work"},
			{Name: "other"},
		},
		Edges: []schema.EdgeDefinition{
			{Source: "work", Target: "other", Semantic: schema.EdgeReads},
		},
	}
	result := validateSemantic(def, nil)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Message, "reads edge")
}

func TestSemantic_ConditionOnDataEdge(t *testing.T) {
	def := &schema.GraphDefinition{
		Nodes: []schema.NodeDefinition{
			{Name: "work"},
			{Name: "store", Kind: schema.NodeKindContext},
		},
		Edges: []schema.EdgeDefinition{
			{Source: "work", Target: "store", Semantic: schema.EdgeWrites, Condition: "ctx.ready"},
		},
	}
	result := validateSemantic(def, nil)
	assert.True(t, result.Valid())
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, "edges[0].condition", result.Warnings[0].Path)
}

// --- Fork shape ---

func TestSemantic_ForkWithTwoBranches(t *testing.T) {
	def := &schema.GraphDefinition{
		Nodes: []schema.NodeDefinition{
			{Name: "split", Kind: schema.NodeKindFork},
			{Name: "left"},
			{Name: "right"},
		},
		Edges: []schema.EdgeDefinition{
			{Source: "split", Target: "left", Semantic: schema.EdgeForks},
			{Source: "split", Target: "right", Semantic: schema.EdgeForks},
		},
	}
	result := validateSemantic(def, nil)
	assert.True(t, result.Valid())
}

func TestSemantic_ForkWithOneBranch(t *testing.T) {
	def := &schema.GraphDefinition{
		Nodes: []schema.NodeDefinition{
			{Name: "split", Kind: schema.NodeKindFork},
			{Name: "left"},
		},
		Edges: []schema.EdgeDefinition{
			{Source: "split", Target: "left", Semantic: schema.EdgeForks},
		},
	}
	result := validateSemantic(def, nil)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Message, "need at least 2")
}

func TestSemantic_ForksEdgeFromNonFork(t *testing.T) {
	def := &schema.GraphDefinition{
		Nodes: []schema.NodeDefinition{
			{Name: "plain-node"},
			{Name: "left"},
			{Name: "right"},
		},
		Edges: []schema.EdgeDefinition{
			{Source: "plain-node", Target: "left", Semantic: schema.EdgeForks},
			{Source: "plain-node", Target: "right", Semantic: schema.EdgeForks},
		},
	}
	result := validateSemantic(def, nil)
	require.NotEmpty(t, result.Errors)
	assert.Equal(t, "edges[0].source", result.Errors[0].Path)
	assert.Contains(t, result.Errors[0].Message, "not a fork node")
}

func TestSemantic_ConditionOnForksEdge(t *testing.T) {
	def := &schema.GraphDefinition{
		Nodes: []schema.NodeDefinition{
			{Name: "split", Kind: schema.NodeKindFork},
			{Name: "left"},
			{Name: "right"},
		},
		Edges: []schema.EdgeDefinition{
			{Source: "split", Target: "left", Semantic: schema.EdgeForks, Condition: "ctx.go_left"},
			{Source: "split", Target: "right", Semantic: schema.EdgeForks},
		},
	}
	result := validateSemantic(def, nil)
	assert.True(t, result.Valid())
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0].Message, "every branch spawns a path")
}

// --- Join shape ---

func TestSemantic_JoinsEdgeToNonJoin(t *testing.T) {
	def := &schema.GraphDefinition{
		Nodes: []schema.NodeDefinition{
			{Name: "a"},
			{Name: "b"},
		},
		Edges: []schema.EdgeDefinition{
			{Source: "a", Target: "b", Semantic: schema.EdgeJoins},
		},
	}
	result := validateSemantic(def, nil)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "edges[0].target", result.Errors[0].Path)
	assert.Contains(t, result.Errors[0].Message, "not a join node")
}

func TestSemantic_DegenerateJoinWarns(t *testing.T) {
	def := &schema.GraphDefinition{
		Nodes: []schema.NodeDefinition{
			{Name: "a"},
			{Name: "merge", Kind: schema.NodeKindJoin},
		},
		Edges: []schema.EdgeDefinition{
			{Source: "a", Target: "merge", Semantic: schema.EdgeJoins},
		},
	}
	result := validateSemantic(def, nil)
	assert.True(t, result.Valid())
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0].Message, "releases immediately")
}

func TestSemantic_WellFormedJoin(t *testing.T) {
	def := &schema.GraphDefinition{
		Nodes: []schema.NodeDefinition{
			{Name: "a"},
			{Name: "b"},
			{Name: "merge", Kind: schema.NodeKindJoin},
		},
		Edges: []schema.EdgeDefinition{
			{Source: "a", Target: "merge", Semantic: schema.EdgeJoins},
			{Source: "b", Target: "merge", Semantic: schema.EdgeJoins},
		},
	}
	result := validateSemantic(def, nil)
	assert.True(t, result.Valid())
	assert.Empty(t, result.Warnings)
}

// --- Catch placement ---

func TestSemantic_CatchFromWorkNode(t *testing.T) {
	def := &schema.GraphDefinition{
		Nodes: []schema.NodeDefinition{
			{Name: "work", Kind: schema.NodeKindTask, Attributes: map[string]any{"instruction": "risky"}},
			{Name: "recover"},
			{Name: "done"},
		},
		Edges: []schema.EdgeDefinition{
			{Source: "work", Target: "done"},
			{Source: "work", Target: "recover", Semantic: schema.EdgeCatches},
		},
	}
	result := validateSemantic(def, nil)
	assert.True(t, result.Valid())
	assert.Empty(t, result.Warnings)
}

func TestSemantic_CatchFromIdleNodeWarns(t *testing.T) {
	def := &schema.GraphDefinition{
		Nodes: []schema.NodeDefinition{
			{Name: "idle", Kind: schema.NodeKindState},
			{Name: "recover"},
		},
		Edges: []schema.EdgeDefinition{
			{Source: "idle", Target: "recover", Semantic: schema.EdgeCatches},
		},
	}
	result := validateSemantic(def, nil)
	assert.True(t, result.Valid())
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0].Message, "never taken")
}

func TestSemantic_ConditionOnCatchEdge(t *testing.T) {
	def := &schema.GraphDefinition{
		Nodes: []schema.NodeDefinition{
			{Name: "work", Attributes: map[string]any{"instruction": "risky"}},
			{Name: "recover"},
		},
		Edges: []schema.EdgeDefinition{
			{Source: "work", Target: "recover", Semantic: schema.EdgeCatches, Condition: "ctx.retryable"},
		},
	}
	result := validateSemantic(def, nil)
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, "edges[0].condition", result.Warnings[0].Path)
	assert.Contains(t, result.Warnings[0].Message, "failure only")
}

// --- Context nodes ---

func TestSemantic_ContextInControlFlow(t *testing.T) {
	def := &schema.GraphDefinition{
		Nodes: []schema.NodeDefinition{
			{Name: "a"},
			{Name: "store", Kind: schema.NodeKindContext},
		},
		Edges: []schema.EdgeDefinition{
			{Source: "a", Target: "store"},
		},
	}
	result := validateSemantic(def, nil)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Message, "control flow")
}

func TestSemantic_ContextAsEntry(t *testing.T) {
	def := &schema.GraphDefinition{
		Nodes: []schema.NodeDefinition{
			{Name: "store", Kind: schema.NodeKindContext, Annotations: []string{"entry"}},
		},
	}
	result := validateSemantic(def, nil)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Message, "cannot be a path entry")
}

func TestSemantic_CheckpointOnContextWarns(t *testing.T) {
	def := &schema.GraphDefinition{
		Nodes: []schema.NodeDefinition{
			{Name: "store", Kind: schema.NodeKindContext, Annotations: []string{"checkpoint"}},
		},
	}
	result := validateSemantic(def, nil)
	assert.True(t, result.Valid())
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0].Message, "never reached")
}

// --- Tool nodes ---

func TestSemantic_ToolWithRegisteredCapability(t *testing.T) {
	def := &schema.GraphDefinition{
		Nodes: []schema.NodeDefinition{
			{Name: "summarize", Kind: schema.NodeKindTool, Attributes: map[string]any{
				"capability": "context.query",
			}},
		},
	}
	result := validateSemantic(def, newMockLookup("context.query"))
	assert.True(t, result.Valid())
}

func TestSemantic_ToolWithoutCapability(t *testing.T) {
	def := &schema.GraphDefinition{
		Nodes: []schema.NodeDefinition{
			{Name: "summarize", Kind: schema.NodeKindTool},
		},
	}
	result := validateSemantic(def, nil)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "nodes[0].attributes", result.Errors[0].Path)
	assert.Contains(t, result.Errors[0].Message, "no backing capability")
}

func TestSemantic_ToolWithProgram(t *testing.T) {
	def := &schema.GraphDefinition{
		Nodes: []schema.NodeDefinition{
			{Name: "double", Kind: schema.NodeKindTool, Attributes: map[string]any{
				"program": "args.n * 2",
			}},
		},
	}
	result := validateSemantic(def, newMockLookup())
	assert.True(t, result.Valid())
}

func TestSemantic_ToolWithStages(t *testing.T) {
	def := &schema.GraphDefinition{
		Nodes: []schema.NodeDefinition{
			{Name: "read-then-query", Kind: schema.NodeKindTool, Attributes: map[string]any{
				"stages": []any{map[string]any{"capability": "context.read"}},
			}},
		},
	}
	result := validateSemantic(def, newMockLookup("context.read"))
	assert.True(t, result.Valid())
}

func TestSemantic_ToolWithConflictingBackings(t *testing.T) {
	def := &schema.GraphDefinition{
		Nodes: []schema.NodeDefinition{
			{Name: "summarize", Kind: schema.NodeKindTool, Attributes: map[string]any{
				"capability": "context.query",
				"program":    "args.n",
			}},
		},
	}
	result := validateSemantic(def, newMockLookup("context.query"))
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Message, "mutually exclusive")
}

func TestSemantic_ToolCapabilityNotRegistered(t *testing.T) {
	def := &schema.GraphDefinition{
		Nodes: []schema.NodeDefinition{
			{Name: "summarize", Kind: schema.NodeKindTool, Attributes: map[string]any{
				"capability": "does.not.exist",
			}},
		},
	}
	result := validateSemantic(def, newMockLookup("context.query"))
	require.Len(t, result.Errors, 1)
	assert.Equal(t, schema.ErrCodeNotFound, result.Errors[0].Code)
	assert.Contains(t, result.Errors[0].Message, "does.not.exist")
}

func TestSemantic_NilLookupSkipsCapabilityCheck(t *testing.T) {
	def := &schema.GraphDefinition{
		Nodes: []schema.NodeDefinition{
			{Name: "summarize", Kind: schema.NodeKindTool, Attributes: map[string]any{
				"capability": "unchecked",
			}},
		},
	}
	result := validateSemantic(def, nil)
	assert.True(t, result.Valid())
}

// --- Misc ---

func TestSemantic_InstructionOnForkWarns(t *testing.T) {
	def := &schema.GraphDefinition{
		Nodes: []schema.NodeDefinition{
			{Name: "split", Kind: schema.NodeKindFork, Attributes: map[string]any{
				"instruction": "choose wisely",
			}},
			{Name: "left"},
			{Name: "right"},
		},
		Edges: []schema.EdgeDefinition{
			{Source: "split", Target: "left", Semantic: schema.EdgeForks},
			{Source: "split", Target: "right", Semantic: schema.EdgeForks},
		},
	}
	result := validateSemantic(def, nil)
	assert.True(t, result.Valid())
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0].Message, "perform no work")
}

func TestSemantic_DuplicateEdgeWarns(t *testing.T) {
	def := &schema.GraphDefinition{
		Nodes: []schema.NodeDefinition{
			{Name: "a"},
			{Name: "b"},
		},
		Edges: []schema.EdgeDefinition{
			{Source: "a", Target: "b"},
			{Source: "a", Target: "b"},
		},
	}
	result := validateSemantic(def, nil)
	assert.True(t, result.Valid())
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0].Message, "duplicates edges[0]")
}

func TestSemantic_SameEndpointsDifferentSemantics(t *testing.T) {
	def := &schema.GraphDefinition{
		Nodes: []schema.NodeDefinition{
			{Name: "work", Attributes: map[string]any{"instruction": "try"}},
			{Name: "next"},
		},
		Edges: []schema.EdgeDefinition{
			{Source: "work", Target: "next"},
			{Source: "work", Target: "next", Semantic: schema.EdgeCatches},
		},
	}
	result := validateSemantic(def, nil)
	assert.True(t, result.Valid())
	assert.Empty(t, result.Warnings)
}
