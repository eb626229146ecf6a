package validation

import "github.com/railyard-io/railyard/pkg/schema"

// GraphValidator orchestrates the three-stage validation pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (kind/semantic coherence, fork/join shape, capability refs)
// 3. Reachability (BFS from entry candidates)
type GraphValidator struct {
	jsonSchema   *JSONSchemaValidator
	capabilities CapabilityLookup
}

// NewGraphValidator creates a GraphValidator.
// lookup may be nil to skip capability existence checks.
func NewGraphValidator(lookup CapabilityLookup) (*GraphValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &GraphValidator{
		jsonSchema:   jsv,
		capabilities: lookup,
	}, nil
}

// Validate runs the full 3-stage pipeline and returns an aggregated result.
// Structural errors short-circuit: semantic and reachability stages are skipped.
func (gv *GraphValidator) Validate(def *schema.GraphDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "graph definition is nil")
		return r
	}

	// Stage 1: Structural (JSON Schema).
	result := validateStructural(gv.jsonSchema, def)
	if !result.Valid() {
		return result
	}

	// Stage 2: Semantic.
	result.Merge(validateSemantic(def, gv.capabilities))

	// Stage 3: Reachability (skip if semantic errors — shape may be invalid).
	if result.Valid() {
		result.Merge(validateReachability(def))
	}

	return result
}

// ValidateDefinition satisfies the Validator interface.
func (gv *GraphValidator) ValidateDefinition(def *schema.GraphDefinition) error {
	return gv.Validate(def).ToError()
}

// ValidateInput delegates to the underlying JSONSchemaValidator.
func (gv *GraphValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	return gv.jsonSchema.ValidateInput(input, inputSchema)
}

// validateStructural wraps JSONSchemaValidator.ValidateDefinition, converting
// its error output into ValidationResult.
func validateStructural(v *JSONSchemaValidator, def *schema.GraphDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.ValidateDefinition(def)
	if err == nil {
		return result
	}

	yErr, ok := err.(*schema.YardError)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}

	if yErr.Details != nil {
		if violations, ok := yErr.Details["violations"].([]string); ok {
			for _, v := range violations {
				result.AddError("/", schema.ErrCodeValidation, v)
			}
			return result
		}
	}
	result.AddError("/", schema.ErrCodeValidation, yErr.Message)
	return result
}
