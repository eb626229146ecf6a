package validation

import (
	"encoding/json"
	"fmt"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/railyard-io/railyard/pkg/schema"
)

// ValueValidator validates individual key writes against a context node's
// declared JSON Schema. Writes land one key at a time, so the validator
// compiles a relaxed variant of the schema with the top-level "required"
// list removed; per-property type and shape constraints still apply.
type ValueValidator struct {
	context  string
	raw      string
	compiled *jsonschema.Schema
}

// CompileValueSchema compiles the schema attribute of a context node into a
// ValueValidator. An empty raw schema yields a validator that accepts every
// write.
func CompileValueSchema(contextName, raw string) (*ValueValidator, error) {
	if raw == "" {
		return &ValueValidator{context: contextName}, nil
	}

	relaxed, err := dropRequired(raw)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"context %q has an invalid schema", contextName).WithCause(err)
	}

	url := fmt.Sprintf("railyard://context-schema/%s", contextName)
	compiled, err := compileRaw(relaxed, url)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"context %q has an invalid schema", contextName).WithCause(err)
	}

	return &ValueValidator{context: contextName, raw: raw, compiled: compiled}, nil
}

// Raw returns the original schema text, used when snapshotting a store.
func (v *ValueValidator) Raw() string {
	return v.raw
}

// Validate checks a candidate write, given as a single-entry map of
// key to value, against the context schema.
func (v *ValueValidator) Validate(entry map[string]any) error {
	if v.compiled == nil {
		return nil
	}

	doc, err := toJSONValue(entry)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"context %q: failed to serialize value", v.context).WithCause(err)
	}

	if err := v.compiled.Validate(doc); err != nil {
		yerr := toYardError(err)
		yerr.Message = fmt.Sprintf("context %q: %s", v.context, yerr.Message)
		return yerr
	}
	return nil
}

// dropRequired removes the top-level "required" keyword from a schema
// document. Partial writes would otherwise fail against schemas that
// require keys the write does not carry.
func dropRequired(raw string) (string, error) {
	var doc map[string]any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return "", fmt.Errorf("unmarshal schema: %w", err)
	}
	delete(doc, "required")
	out, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("marshal schema: %w", err)
	}
	return string(out), nil
}
