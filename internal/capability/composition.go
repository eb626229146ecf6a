package capability

import (
	"context"
	"encoding/json"

	"github.com/railyard-io/railyard/internal/expressions"
	"github.com/railyard-io/railyard/pkg/schema"
)

// Stage is one step of a composed capability. ArgsQuery is a jq program
// evaluated over {"args": call args, "results": outputs so far}; it must
// produce the argument object for the stage's capability.
type Stage struct {
	Capability string `json:"capability"`
	ArgsQuery  string `json:"args_query"`
}

// Composition chains registered capabilities into a single callable unit.
// Each stage sees the original arguments plus every prior stage's output.
type Composition struct {
	name        string
	description string
	inputSchema json.RawMessage
	stages      []Stage
	registry    *Registry
	jq          *expressions.GoJQEngine
}

// NewComposition builds a pipeline capability over already-registered
// capabilities. Stages referring to the composition itself are rejected so
// a pipeline cannot recurse into its own dispatch.
func NewComposition(name, description string, inputSchema json.RawMessage, stages []Stage, registry *Registry, jq *expressions.GoJQEngine) (*Composition, error) {
	if name == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "composition requires a name")
	}
	if len(stages) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "composition %q requires at least one stage", name)
	}
	if registry == nil || jq == nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "composition %q requires a registry and a query engine", name)
	}
	for i, st := range stages {
		if st.Capability == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "composition %q stage %d names no capability", name, i)
		}
		if st.Capability == name {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "composition %q stage %d refers to itself", name, i)
		}
	}
	return &Composition{
		name:        name,
		description: description,
		inputSchema: inputSchema,
		stages:      stages,
		registry:    registry,
		jq:          jq,
	}, nil
}

func (c *Composition) Name() string { return c.name }

func (c *Composition) Descriptor() schema.CapabilityDescriptor {
	return schema.CapabilityDescriptor{
		Name:        c.name,
		Description: c.description,
		InputSchema: c.inputSchema,
	}
}

func (c *Composition) Validate(map[string]any) error { return nil }

// Stages returns the pipeline definition, for persistence.
func (c *Composition) Stages() []Stage { return c.stages }

func (c *Composition) Execute(ctx context.Context, call Call) (*CallOutput, error) {
	results := make([]any, 0, len(c.stages))

	for i, st := range c.stages {
		scope := map[string]any{
			"args":    call.Args,
			"results": results,
		}

		var stageArgs map[string]any
		if st.ArgsQuery == "" {
			stageArgs = call.Args
		} else {
			out, err := c.jq.Evaluate(ctx, st.ArgsQuery, scope)
			if err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeExecution,
					"composition %q stage %d: args query failed", c.name, i).WithCause(err)
			}
			obj, ok := out.(map[string]any)
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeExecution,
					"composition %q stage %d: args query produced %T, want object", c.name, i, out)
			}
			stageArgs = obj
		}

		stageCall := Call{Args: stageArgs, RunID: call.RunID, PathID: call.PathID, Node: call.Node}
		out, err := c.registry.Dispatch(ctx, st.Capability, stageCall)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"composition %q stage %d (%s) failed", c.name, i, st.Capability).WithCause(err)
		}

		var decoded any
		if err := json.Unmarshal(out.Data, &decoded); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"composition %q stage %d (%s) returned invalid output", c.name, i, st.Capability).WithCause(err)
		}
		results = append(results, decoded)
	}

	return marshalOutput(c.name, map[string]any{
		"stages":  len(c.stages),
		"results": results,
	})
}
