package capability

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/railyard-io/railyard/internal/validation"
	"github.com/railyard-io/railyard/pkg/schema"
)

// Registry is the thread-safe capability table for one engine. Dispatch
// validates arguments against each capability's input schema before
// executing, so handlers only ever see well-formed calls.
type Registry struct {
	mu        sync.RWMutex
	caps      map[string]Capability
	validator *validation.JSONSchemaValidator
}

// NewRegistry creates an empty Registry. validator may be nil to skip
// input-schema validation (capabilities still run their own Validate).
func NewRegistry(validator *validation.JSONSchemaValidator) *Registry {
	return &Registry{
		caps:      make(map[string]Capability),
		validator: validator,
	}
}

// Register adds a capability. Returns error on duplicate name.
func (r *Registry) Register(c Capability) error {
	if c == nil {
		return schema.NewError(schema.ErrCodeValidation, "capability is nil")
	}
	name := c.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "capability name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.caps[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "capability %q already registered", name)
	}

	r.caps[name] = c
	return nil
}

// Get retrieves a capability by name.
func (r *Registry) Get(name string) (Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.caps[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "capability %q not registered", name)
	}
	return c, nil
}

// Has checks if a capability is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.caps[name]
	return ok
}

// Count returns the number of registered capabilities.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.caps)
}

// Describe returns descriptors for the named capabilities in the given
// order, skipping names that are not registered. With no names it returns
// every descriptor sorted by name.
func (r *Registry) Describe(names ...string) []schema.CapabilityDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(names) == 0 {
		out := make([]schema.CapabilityDescriptor, 0, len(r.caps))
		for _, c := range r.caps {
			out = append(out, c.Descriptor())
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
		return out
	}

	out := make([]schema.CapabilityDescriptor, 0, len(names))
	for _, name := range names {
		if c, ok := r.caps[name]; ok {
			out = append(out, c.Descriptor())
		}
	}
	return out
}

// RegisterNamespace bulk-registers capabilities under a prefixed namespace.
// Each name becomes "prefix.originalName" (e.g. "agent.summarize").
func (r *Registry) RegisterNamespace(prefix string, caps []Capability) (int, error) {
	if prefix == "" {
		return 0, schema.NewError(schema.ErrCodeValidation, "namespace prefix is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	registered := 0
	for _, c := range caps {
		prefixed := fmt.Sprintf("%s.%s", prefix, c.Name())
		if _, exists := r.caps[prefixed]; exists {
			return registered, schema.NewErrorf(schema.ErrCodeConflict, "capability %q already registered", prefixed)
		}
		r.caps[prefixed] = &prefixedCapability{inner: c, name: prefixed}
		registered++
	}
	return registered, nil
}

// Dispatch resolves, validates and executes one capability call. Unknown
// names, schema violations and handler failures all surface as errors
// attributed to the calling path; the driver turns them into catch-edge
// routing or path failure.
func (r *Registry) Dispatch(ctx context.Context, name string, call Call) (*CallOutput, error) {
	c, err := r.Get(name)
	if err != nil {
		return nil, attribute(err, call)
	}

	if call.Args == nil {
		call.Args = map[string]any{}
	}

	if err := c.Validate(call.Args); err != nil {
		return nil, attribute(err, call)
	}

	desc := c.Descriptor()
	if r.validator != nil && len(desc.InputSchema) > 0 {
		if err := r.validator.ValidateInput(call.Args, desc.InputSchema); err != nil {
			return nil, attribute(
				schema.NewErrorf(schema.ErrCodeValidation, "capability %q rejected arguments: %s", name, err.Error()).
					WithCause(err), call)
		}
	}

	out, err := c.Execute(ctx, call)
	if err != nil {
		return nil, attribute(err, call)
	}
	return out, nil
}

// attribute stamps path and node onto an error when they are missing.
func attribute(err error, call Call) error {
	yErr, ok := err.(*schema.YardError)
	if !ok {
		yErr = schema.NewError(schema.ErrCodeExecution, err.Error()).WithCause(err)
	}
	if yErr.PathID == 0 {
		yErr = yErr.WithPath(call.PathID)
	}
	if yErr.Node == "" {
		yErr = yErr.WithNode(call.Node)
	}
	return yErr
}

// prefixedCapability wraps a namespaced capability with its full name.
type prefixedCapability struct {
	inner Capability
	name  string
}

func (p *prefixedCapability) Name() string { return p.name }

func (p *prefixedCapability) Descriptor() schema.CapabilityDescriptor {
	d := p.inner.Descriptor()
	d.Name = p.name
	return d
}

func (p *prefixedCapability) Validate(args map[string]any) error { return p.inner.Validate(args) }

func (p *prefixedCapability) Execute(ctx context.Context, call Call) (*CallOutput, error) {
	return p.inner.Execute(ctx, call)
}
