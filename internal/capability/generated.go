package capability

import (
	"context"
	"encoding/json"

	"github.com/railyard-io/railyard/internal/expressions"
	"github.com/railyard-io/railyard/pkg/schema"
)

// Generated is a capability synthesized at runtime from an expression
// program. The oracle defines one via graph.define or railyard.mutate and
// callers invoke it like any registered capability.
type Generated struct {
	name        string
	description string
	inputSchema json.RawMessage
	program     string
	engine      *expressions.ExprEngine
}

// NewGenerated builds a capability that evaluates program with the call
// arguments bound to 'args'.
func NewGenerated(name, description string, inputSchema json.RawMessage, program string, engine *expressions.ExprEngine) (*Generated, error) {
	if name == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "generated capability requires a name")
	}
	if program == "" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "generated capability %q requires a program", name)
	}
	if engine == nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "generated capability %q requires an expression engine", name)
	}
	return &Generated{
		name:        name,
		description: description,
		inputSchema: inputSchema,
		program:     program,
		engine:      engine,
	}, nil
}

func (g *Generated) Name() string { return g.name }

func (g *Generated) Descriptor() schema.CapabilityDescriptor {
	return schema.CapabilityDescriptor{
		Name:        g.name,
		Description: g.description,
		InputSchema: g.inputSchema,
	}
}

// Validate accepts any argument map. Shape checks run against the input
// schema at dispatch time.
func (g *Generated) Validate(map[string]any) error { return nil }

func (g *Generated) Execute(ctx context.Context, call Call) (*CallOutput, error) {
	result, err := g.engine.Evaluate(ctx, g.program, map[string]any{
		"args": call.Args,
	})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "generated capability %q failed", g.name).WithCause(err)
	}
	return marshalOutput(g.name, map[string]any{"result": result})
}

// Program returns the expression source, for persistence.
func (g *Generated) Program() string { return g.program }
