package capability

import (
	"context"
	"encoding/json"

	"github.com/railyard-io/railyard/pkg/schema"
)

// Capability is an executable unit the oracle may invoke while resolving a
// node: reading and writing contexts, querying state, mutating the graph.
type Capability interface {
	Name() string
	Descriptor() schema.CapabilityDescriptor
	Execute(ctx context.Context, call Call) (*CallOutput, error)
	Validate(args map[string]any) error
}

// Call is one capability invocation with its run attribution.
type Call struct {
	Args   map[string]any `json:"args"`
	RunID  string         `json:"run_id,omitempty"`
	PathID int64          `json:"path_id,omitempty"`
	Node   string         `json:"node,omitempty"`
}

// CallOutput is the result of a capability execution.
type CallOutput struct {
	Data json.RawMessage `json:"data,omitempty"`
}

// marshalOutput packs a result map into a CallOutput.
func marshalOutput(name string, v map[string]any) (*CallOutput, error) {
	out, err := json.Marshal(v)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "%s: marshal output: %v", name, err)
	}
	return &CallOutput{Data: out}, nil
}
