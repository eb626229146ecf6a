package capability

import (
	"context"
	"encoding/json"

	"github.com/railyard-io/railyard/internal/ctxstore"
	"github.com/railyard-io/railyard/internal/expressions"
	"github.com/railyard-io/railyard/pkg/schema"
)

// contextStore is the slice of the context store the capabilities use.
type contextStore interface {
	Read(contextName string, keys ...string) (map[string]any, error)
	Write(ctx context.Context, contextName, key string, value any, pathID int64) (ctxstore.Value, error)
}

// ContextConfig tunes the context capabilities.
type ContextConfig struct {
	// WriteRetries is how many extra attempts context.write makes when
	// the context lock is contended. Exhausted retries surface as a
	// resolution error.
	WriteRetries int
}

// DefaultWriteRetries bounds lock-contention retries when the config
// leaves WriteRetries at zero.
const DefaultWriteRetries = 2

// ContextCapabilities returns the capabilities that expose the shared
// context store to the oracle.
func ContextCapabilities(store *ctxstore.Store, jq *expressions.GoJQEngine, cfg ContextConfig) []Capability {
	retries := cfg.WriteRetries
	if retries <= 0 {
		retries = DefaultWriteRetries
	}
	return []Capability{
		&contextReadCap{store: store},
		&contextWriteCap{store: store, retries: retries},
		&contextQueryCap{store: store, jq: jq},
	}
}

// --- context.read ---

const contextReadSchema = `{
	"type": "object",
	"required": ["context"],
	"properties": {
		"context": {"type": "string", "description": "context node to read from"},
		"keys": {"type": "array", "items": {"type": "string"}, "description": "keys to return; omit for all"}
	},
	"additionalProperties": false
}`

type contextReadCap struct {
	store contextStore
}

func (c *contextReadCap) Name() string { return "context.read" }

func (c *contextReadCap) Descriptor() schema.CapabilityDescriptor {
	return schema.CapabilityDescriptor{
		Name:        c.Name(),
		Description: "Read keys from a shared context",
		InputSchema: json.RawMessage(contextReadSchema),
	}
}

func (c *contextReadCap) Validate(args map[string]any) error {
	if name, ok := args["context"].(string); !ok || name == "" {
		return schema.NewError(schema.ErrCodeValidation, "context.read requires non-empty 'context' string parameter")
	}
	return nil
}

func (c *contextReadCap) Execute(_ context.Context, call Call) (*CallOutput, error) {
	contextName, _ := call.Args["context"].(string)

	var keys []string
	if raw, ok := call.Args["keys"].([]any); ok {
		for _, k := range raw {
			if s, ok := k.(string); ok {
				keys = append(keys, s)
			}
		}
	}

	values, err := c.store.Read(contextName, keys...)
	if err != nil {
		return nil, err
	}
	return marshalOutput(c.Name(), map[string]any{
		"context": contextName,
		"values":  values,
	})
}

// --- context.write ---

const contextWriteSchema = `{
	"type": "object",
	"required": ["context", "key", "value"],
	"properties": {
		"context": {"type": "string", "description": "context node to write to"},
		"key": {"type": "string", "description": "key to set"},
		"value": {"description": "value to store; validated against the context schema"}
	},
	"additionalProperties": false
}`

type contextWriteCap struct {
	store   contextStore
	retries int
}

func (c *contextWriteCap) Name() string { return "context.write" }

func (c *contextWriteCap) Descriptor() schema.CapabilityDescriptor {
	return schema.CapabilityDescriptor{
		Name:        c.Name(),
		Description: "Write one key to a shared context; the write is versioned and journaled",
		InputSchema: json.RawMessage(contextWriteSchema),
	}
}

func (c *contextWriteCap) Validate(args map[string]any) error {
	if name, ok := args["context"].(string); !ok || name == "" {
		return schema.NewError(schema.ErrCodeValidation, "context.write requires non-empty 'context' string parameter")
	}
	if key, ok := args["key"].(string); !ok || key == "" {
		return schema.NewError(schema.ErrCodeValidation, "context.write requires non-empty 'key' string parameter")
	}
	if _, ok := args["value"]; !ok {
		return schema.NewError(schema.ErrCodeValidation, "context.write requires a 'value' parameter")
	}
	return nil
}

// Execute retries contended writes up to the configured bound; an
// exhausted lock surfaces as a resolution error, not a lock timeout.
func (c *contextWriteCap) Execute(ctx context.Context, call Call) (*CallOutput, error) {
	contextName, _ := call.Args["context"].(string)
	key, _ := call.Args["key"].(string)
	value := call.Args["value"]

	attempts := c.retries + 1
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		v, err := c.store.Write(ctx, contextName, key, value, call.PathID)
		if err == nil {
			return marshalOutput(c.Name(), map[string]any{
				"context": contextName,
				"key":     key,
				"version": v.Version,
			})
		}
		if !schema.IsCode(err, schema.ErrCodeLockTimeout) {
			return nil, err
		}
		lastErr = err
	}

	return nil, schema.NewErrorf(schema.ErrCodeResolution,
		"context.write to %s.%s failed: lock contended after %d attempts", contextName, key, attempts).
		WithCause(lastErr).
		WithPath(call.PathID)
}

// --- context.query ---

const contextQuerySchema = `{
	"type": "object",
	"required": ["context", "query"],
	"properties": {
		"context": {"type": "string", "description": "context node to query"},
		"query": {"type": "string", "description": "jq expression evaluated against the context's values"}
	},
	"additionalProperties": false
}`

type contextQueryCap struct {
	store contextStore
	jq    *expressions.GoJQEngine
}

func (c *contextQueryCap) Name() string { return "context.query" }

func (c *contextQueryCap) Descriptor() schema.CapabilityDescriptor {
	return schema.CapabilityDescriptor{
		Name:        c.Name(),
		Description: "Run a jq query over a context's values",
		InputSchema: json.RawMessage(contextQuerySchema),
	}
}

func (c *contextQueryCap) Validate(args map[string]any) error {
	if name, ok := args["context"].(string); !ok || name == "" {
		return schema.NewError(schema.ErrCodeValidation, "context.query requires non-empty 'context' string parameter")
	}
	if q, ok := args["query"].(string); !ok || q == "" {
		return schema.NewError(schema.ErrCodeValidation, "context.query requires non-empty 'query' string parameter")
	}
	return nil
}

func (c *contextQueryCap) Execute(ctx context.Context, call Call) (*CallOutput, error) {
	contextName, _ := call.Args["context"].(string)
	query, _ := call.Args["query"].(string)

	values, err := c.store.Read(contextName)
	if err != nil {
		return nil, err
	}

	result, err := c.jq.Evaluate(ctx, query, values)
	if err != nil {
		return nil, err
	}
	return marshalOutput(c.Name(), map[string]any{
		"result": result,
	})
}
