package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/railyard-io/railyard/pkg/schema"
)

func TestScriptedOracle_ReplaysPerNodeInOrder(t *testing.T) {
	so := NewScriptedOracle().
		Script("decide",
			&schema.OracleResponse{Outcome: schema.OutcomeEdge, Edge: "b"},
			&schema.OracleResponse{Outcome: schema.OutcomeWorkDone}).
		Script("other", &schema.OracleResponse{Outcome: schema.OutcomeEdge, Edge: "z"})

	ctx := context.Background()

	resp, err := so.Resolve(ctx, &schema.OracleRequest{ID: "req-1", Node: "decide"})
	require.NoError(t, err)
	assert.Equal(t, schema.OutcomeEdge, resp.Outcome)
	assert.Equal(t, "b", resp.Edge)
	assert.Equal(t, "req-1", resp.RequestID)

	resp, err = so.Resolve(ctx, &schema.OracleRequest{ID: "req-2", Node: "decide"})
	require.NoError(t, err)
	assert.Equal(t, schema.OutcomeWorkDone, resp.Outcome)
	assert.Equal(t, "req-2", resp.RequestID)

	assert.Equal(t, 0, so.Remaining("decide"))
	assert.Equal(t, 1, so.Remaining("other"))
}

func TestScriptedOracle_UnscriptedNodeErrors(t *testing.T) {
	so := NewScriptedOracle()

	_, err := so.Resolve(context.Background(), &schema.OracleRequest{
		ID: "req-1", Node: "mystery", PathID: 7,
	})
	require.Error(t, err)
	var yerr *schema.YardError
	require.ErrorAs(t, err, &yerr)
	assert.Equal(t, schema.ErrCodeNotFound, yerr.Code)
	assert.Equal(t, "mystery", yerr.Node)
	assert.Equal(t, int64(7), yerr.PathID)
}

func TestScriptedOracle_ExhaustedScriptErrors(t *testing.T) {
	so := NewScriptedOracle().Script("decide",
		&schema.OracleResponse{Outcome: schema.OutcomeWorkDone})
	ctx := context.Background()

	_, err := so.Resolve(ctx, &schema.OracleRequest{ID: "req-1", Node: "decide"})
	require.NoError(t, err)

	_, err = so.Resolve(ctx, &schema.OracleRequest{ID: "req-2", Node: "decide"})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestScriptedOracle_ReturnsCopies(t *testing.T) {
	shared := &schema.OracleResponse{Outcome: schema.OutcomeEdge, Edge: "b"}
	so := NewScriptedOracle().Script("a", shared).Script("b", shared)
	ctx := context.Background()

	ra, err := so.Resolve(ctx, &schema.OracleRequest{ID: "req-a", Node: "a"})
	require.NoError(t, err)
	rb, err := so.Resolve(ctx, &schema.OracleRequest{ID: "req-b", Node: "b"})
	require.NoError(t, err)

	assert.Equal(t, "req-a", ra.RequestID)
	assert.Equal(t, "req-b", rb.RequestID)
	assert.Empty(t, shared.RequestID, "scripted response must not be mutated")
}

func TestAutoOracle_AcknowledgesDeclaredWork(t *testing.T) {
	resp, err := AutoOracle{}.Resolve(context.Background(), &schema.OracleRequest{
		ID:          "req-1",
		Node:        "work.ship",
		Instruction: "ship the order",
		Edges:       []schema.EdgeOption{{Target: "done"}},
	})
	require.NoError(t, err)
	assert.Equal(t, schema.OutcomeWorkDone, resp.Outcome)
	assert.Equal(t, "req-1", resp.RequestID)
	assert.Empty(t, resp.Calls)
}

func TestAutoOracle_PicksFirstEdge(t *testing.T) {
	resp, err := AutoOracle{}.Resolve(context.Background(), &schema.OracleRequest{
		ID:    "req-1",
		Node:  "decide",
		Edges: []schema.EdgeOption{{Target: "x"}, {Target: "y"}},
	})
	require.NoError(t, err)
	assert.Equal(t, schema.OutcomeEdge, resp.Outcome)
	assert.Equal(t, "x", resp.Edge)
}

func TestAutoOracle_NothingToDecide(t *testing.T) {
	resp, err := AutoOracle{}.Resolve(context.Background(), &schema.OracleRequest{
		ID:   "req-1",
		Node: "leaf",
	})
	require.NoError(t, err)
	assert.Equal(t, schema.OutcomeWorkDone, resp.Outcome)
}

func TestOracleFunc_Adapts(t *testing.T) {
	var seen string
	fn := OracleFunc(func(_ context.Context, req *schema.OracleRequest) (*schema.OracleResponse, error) {
		seen = req.Node
		return &schema.OracleResponse{RequestID: req.ID, Outcome: schema.OutcomeWorkDone}, nil
	})

	resp, err := fn.Resolve(context.Background(), &schema.OracleRequest{ID: "req-9", Node: "n"})
	require.NoError(t, err)
	assert.Equal(t, "n", seen)
	assert.Equal(t, "req-9", resp.RequestID)
}
