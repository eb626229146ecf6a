package validation

import "github.com/railyard-io/railyard/pkg/schema"

// Validator checks graph definitions for correctness before execution.
// Uses JSON Schema Draft 2020-12 for structural and input validation.
type Validator interface {
	ValidateDefinition(def *schema.GraphDefinition) error
	ValidateInput(input map[string]any, inputSchema []byte) error
}

// CapabilityLookup answers whether a capability name is registered.
// Tool nodes must name a registered capability to be invocable.
type CapabilityLookup interface {
	Has(name string) bool
}
