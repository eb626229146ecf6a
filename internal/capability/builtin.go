package capability

import (
	"github.com/railyard-io/railyard/internal/ctxstore"
	"github.com/railyard-io/railyard/internal/expressions"
)

// RegisterBuiltins registers the built-in capabilities in the given registry.
func RegisterBuiltins(reg *Registry, store *ctxstore.Store, jq *expressions.GoJQEngine, ctxCfg ContextConfig) error {
	all := make([]Capability, 0, 8)

	// Context store capabilities.
	all = append(all, ContextCapabilities(store, jq, ctxCfg)...)

	for _, c := range all {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// RegisterMutators registers the graph mutation capabilities. Kept separate
// from RegisterBuiltins so runs that freeze the whole graph can skip them.
func RegisterMutators(reg *Registry, mut Mutator) error {
	for _, c := range MutationCapabilities(mut) {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
