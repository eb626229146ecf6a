package engine

import (
	"context"
	"sync"

	"github.com/railyard-io/railyard/pkg/schema"
)

// Oracle answers delegated resolutions: it performs declared work through
// capability calls and picks edges rails cannot decide. Implementations
// must be safe for concurrent calls; the engine resolves paths of many runs
// against one oracle.
//
// Resolve is called once per round. A more-work outcome makes the engine
// execute the response's capability calls and come back with their results
// in a fresh request; edge and work-done outcomes settle the resolution.
type Oracle interface {
	Resolve(ctx context.Context, req *schema.OracleRequest) (*schema.OracleResponse, error)
}

// OracleFunc adapts a function to the Oracle interface.
type OracleFunc func(ctx context.Context, req *schema.OracleRequest) (*schema.OracleResponse, error)

// Resolve calls f.
func (f OracleFunc) Resolve(ctx context.Context, req *schema.OracleRequest) (*schema.OracleResponse, error) {
	return f(ctx, req)
}

// ScriptedOracle replays pre-recorded responses per node, in order. Useful
// in tests and dry runs: each Resolve for a node consumes the next scripted
// response; an unscripted node or an exhausted script is an error.
type ScriptedOracle struct {
	mu      sync.Mutex
	scripts map[string][]*schema.OracleResponse
}

// NewScriptedOracle creates an empty scripted oracle.
func NewScriptedOracle() *ScriptedOracle {
	return &ScriptedOracle{scripts: make(map[string][]*schema.OracleResponse)}
}

// Script appends responses to the node's queue.
func (o *ScriptedOracle) Script(node string, responses ...*schema.OracleResponse) *ScriptedOracle {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.scripts[node] = append(o.scripts[node], responses...)
	return o
}

// Resolve pops the next scripted response for the request's node.
func (o *ScriptedOracle) Resolve(_ context.Context, req *schema.OracleRequest) (*schema.OracleResponse, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	queue := o.scripts[req.Node]
	if len(queue) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound,
			"no scripted response for node %q", req.Node).
			WithNode(req.Node).WithPath(req.PathID)
	}
	resp := queue[0]
	o.scripts[req.Node] = queue[1:]

	out := *resp
	out.RequestID = req.ID
	return &out, nil
}

// Remaining returns how many scripted responses are left for the node.
func (o *ScriptedOracle) Remaining(node string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.scripts[node])
}

// AutoOracle resolves every request without external reasoning: declared
// work is reported done untouched, and edge choices take the first offered
// edge. It exists so graphs can be exercised end to end before a real
// reasoning backend is attached.
type AutoOracle struct{}

// Resolve implements Oracle.
func (AutoOracle) Resolve(_ context.Context, req *schema.OracleRequest) (*schema.OracleResponse, error) {
	if req.Instruction != "" {
		return &schema.OracleResponse{
			RequestID: req.ID,
			Outcome:   schema.OutcomeWorkDone,
			Notes:     "auto oracle: work acknowledged",
		}, nil
	}
	if len(req.Edges) > 0 {
		return &schema.OracleResponse{
			RequestID: req.ID,
			Outcome:   schema.OutcomeEdge,
			Edge:      req.Edges[0].Target,
			Notes:     "auto oracle: first edge",
		}, nil
	}
	return &schema.OracleResponse{
		RequestID: req.ID,
		Outcome:   schema.OutcomeWorkDone,
		Notes:     "auto oracle: nothing to decide",
	}, nil
}
