package capability

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/railyard-io/railyard/internal/validation"
	"github.com/railyard-io/railyard/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubCapability is a minimal Capability for registry tests.
type stubCapability struct {
	name        string
	desc        string
	inputSchema string
	validateErr error
	executeErr  error
}

func (s *stubCapability) Name() string { return s.name }

func (s *stubCapability) Descriptor() schema.CapabilityDescriptor {
	d := schema.CapabilityDescriptor{Name: s.name, Description: s.desc}
	if s.inputSchema != "" {
		d.InputSchema = json.RawMessage(s.inputSchema)
	}
	return d
}

func (s *stubCapability) Execute(_ context.Context, _ Call) (*CallOutput, error) {
	if s.executeErr != nil {
		return nil, s.executeErr
	}
	return &CallOutput{Data: json.RawMessage(`{"ok":true}`)}, nil
}

func (s *stubCapability) Validate(_ map[string]any) error { return s.validateErr }

func TestRegistry_Register_Success(t *testing.T) {
	reg := NewRegistry(nil)
	err := reg.Register(&stubCapability{name: "test.cap", desc: "A test capability"})
	require.NoError(t, err)
	assert.Equal(t, 1, reg.Count())
	assert.True(t, reg.Has("test.cap"))
}

func TestRegistry_Register_Duplicate(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(&stubCapability{name: "dup"}))

	err := reg.Register(&stubCapability{name: "dup"})
	require.Error(t, err)

	var yErr *schema.YardError
	require.True(t, errors.As(err, &yErr))
	assert.Equal(t, schema.ErrCodeConflict, yErr.Code)
}

func TestRegistry_Register_Nil(t *testing.T) {
	reg := NewRegistry(nil)
	err := reg.Register(nil)
	require.Error(t, err)

	var yErr *schema.YardError
	require.True(t, errors.As(err, &yErr))
	assert.Equal(t, schema.ErrCodeValidation, yErr.Code)
}

func TestRegistry_Register_EmptyName(t *testing.T) {
	reg := NewRegistry(nil)
	err := reg.Register(&stubCapability{name: ""})
	require.Error(t, err)

	var yErr *schema.YardError
	require.True(t, errors.As(err, &yErr))
	assert.Equal(t, schema.ErrCodeValidation, yErr.Code)
}

func TestRegistry_Get_Success(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(&stubCapability{name: "fetch"}))

	got, err := reg.Get("fetch")
	require.NoError(t, err)
	assert.Equal(t, "fetch", got.Name())
}

func TestRegistry_Get_NotFound(t *testing.T) {
	reg := NewRegistry(nil)
	_, err := reg.Get("missing")
	require.Error(t, err)

	var yErr *schema.YardError
	require.True(t, errors.As(err, &yErr))
	assert.Equal(t, schema.ErrCodeNotFound, yErr.Code)
}

func TestRegistry_Describe_AllSorted(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(&stubCapability{name: "z.cap", desc: "last"}))
	require.NoError(t, reg.Register(&stubCapability{name: "a.cap", desc: "first"}))
	require.NoError(t, reg.Register(&stubCapability{name: "m.cap", desc: "middle"}))

	descs := reg.Describe()
	require.Len(t, descs, 3)
	assert.Equal(t, "a.cap", descs[0].Name)
	assert.Equal(t, "first", descs[0].Description)
	assert.Equal(t, "m.cap", descs[1].Name)
	assert.Equal(t, "z.cap", descs[2].Name)
}

func TestRegistry_Describe_NamedOrder(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(&stubCapability{name: "a.cap"}))
	require.NoError(t, reg.Register(&stubCapability{name: "b.cap"}))

	descs := reg.Describe("b.cap", "missing.cap", "a.cap")
	require.Len(t, descs, 2)
	assert.Equal(t, "b.cap", descs[0].Name)
	assert.Equal(t, "a.cap", descs[1].Name)
}

func TestRegistry_Describe_Empty(t *testing.T) {
	reg := NewRegistry(nil)
	assert.Empty(t, reg.Describe())
}

func TestRegistry_RegisterNamespace(t *testing.T) {
	reg := NewRegistry(nil)
	caps := []Capability{
		&stubCapability{name: "summarize", desc: "Summarize a document"},
		&stubCapability{name: "classify", desc: "Classify a document"},
	}

	n, err := reg.RegisterNamespace("agent", caps)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, reg.Count())
	assert.True(t, reg.Has("agent.summarize"))
	assert.True(t, reg.Has("agent.classify"))

	got, err := reg.Get("agent.summarize")
	require.NoError(t, err)
	assert.Equal(t, "agent.summarize", got.Name())
	assert.Equal(t, "agent.summarize", got.Descriptor().Name)
}

func TestRegistry_RegisterNamespace_EmptyPrefix(t *testing.T) {
	reg := NewRegistry(nil)
	_, err := reg.RegisterNamespace("", nil)
	require.Error(t, err)

	var yErr *schema.YardError
	require.True(t, errors.As(err, &yErr))
	assert.Equal(t, schema.ErrCodeValidation, yErr.Code)
}

func TestRegistry_RegisterNamespace_Conflict(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(&stubCapability{name: "agent.summarize"}))

	_, err := reg.RegisterNamespace("agent", []Capability{
		&stubCapability{name: "summarize"},
	})
	require.Error(t, err)

	var yErr *schema.YardError
	require.True(t, errors.As(err, &yErr))
	assert.Equal(t, schema.ErrCodeConflict, yErr.Code)
}

func TestRegistry_Has_False(t *testing.T) {
	reg := NewRegistry(nil)
	assert.False(t, reg.Has("nonexistent"))
}

// --- Dispatch ---

func TestRegistry_Dispatch_Success(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(&stubCapability{name: "ok.cap"}))

	out, err := reg.Dispatch(context.Background(), "ok.cap", Call{PathID: 1, Node: "pipeline.fetch"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(out.Data))
}

func TestRegistry_Dispatch_Unknown(t *testing.T) {
	reg := NewRegistry(nil)

	_, err := reg.Dispatch(context.Background(), "nope", Call{PathID: 4, Node: "pipeline.fetch"})
	require.Error(t, err)

	var yErr *schema.YardError
	require.True(t, errors.As(err, &yErr))
	assert.Equal(t, schema.ErrCodeNotFound, yErr.Code)
	assert.Equal(t, int64(4), yErr.PathID)
	assert.Equal(t, "pipeline.fetch", yErr.Node)
}

func TestRegistry_Dispatch_ValidateRejects(t *testing.T) {
	reg := NewRegistry(nil)
	wantErr := schema.NewError(schema.ErrCodeValidation, "bad args")
	require.NoError(t, reg.Register(&stubCapability{name: "picky", validateErr: wantErr}))

	_, err := reg.Dispatch(context.Background(), "picky", Call{PathID: 2})
	require.Error(t, err)

	var yErr *schema.YardError
	require.True(t, errors.As(err, &yErr))
	assert.Equal(t, schema.ErrCodeValidation, yErr.Code)
	assert.Equal(t, int64(2), yErr.PathID)
}

func TestRegistry_Dispatch_InputSchemaRejects(t *testing.T) {
	validator, err := validation.NewJSONSchemaValidator()
	require.NoError(t, err)

	reg := NewRegistry(validator)
	require.NoError(t, reg.Register(&stubCapability{
		name:        "typed",
		inputSchema: `{"type":"object","required":["count"],"properties":{"count":{"type":"integer"}}}`,
	}))

	_, err = reg.Dispatch(context.Background(), "typed", Call{
		Args:   map[string]any{"count": "three"},
		PathID: 7,
	})
	require.Error(t, err)

	var yErr *schema.YardError
	require.True(t, errors.As(err, &yErr))
	assert.Equal(t, schema.ErrCodeValidation, yErr.Code)
	assert.Contains(t, yErr.Message, `capability "typed" rejected arguments`)
	assert.Equal(t, int64(7), yErr.PathID)
}

func TestRegistry_Dispatch_InputSchemaAccepts(t *testing.T) {
	validator, err := validation.NewJSONSchemaValidator()
	require.NoError(t, err)

	reg := NewRegistry(validator)
	require.NoError(t, reg.Register(&stubCapability{
		name:        "typed",
		inputSchema: `{"type":"object","required":["count"],"properties":{"count":{"type":"integer"}}}`,
	}))

	out, err := reg.Dispatch(context.Background(), "typed", Call{
		Args: map[string]any{"count": 3},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(out.Data))
}

func TestRegistry_Dispatch_ExecuteError_Attributed(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(&stubCapability{
		name:       "flaky",
		executeErr: errors.New("connection reset"),
	}))

	_, err := reg.Dispatch(context.Background(), "flaky", Call{PathID: 9, Node: "pipeline.call"})
	require.Error(t, err)

	var yErr *schema.YardError
	require.True(t, errors.As(err, &yErr))
	assert.Equal(t, schema.ErrCodeExecution, yErr.Code)
	assert.Equal(t, int64(9), yErr.PathID)
	assert.Equal(t, "pipeline.call", yErr.Node)
}

func TestRegistry_Dispatch_ExecuteError_KeepsExistingAttribution(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(&stubCapability{
		name:       "stamped",
		executeErr: schema.NewError(schema.ErrCodeExecution, "boom").WithPath(3).WithNode("other.node"),
	}))

	_, err := reg.Dispatch(context.Background(), "stamped", Call{PathID: 9, Node: "pipeline.call"})
	require.Error(t, err)

	var yErr *schema.YardError
	require.True(t, errors.As(err, &yErr))
	assert.Equal(t, int64(3), yErr.PathID)
	assert.Equal(t, "other.node", yErr.Node)
}

func TestRegistry_Dispatch_NilArgsNormalized(t *testing.T) {
	validator, err := validation.NewJSONSchemaValidator()
	require.NoError(t, err)

	reg := NewRegistry(validator)
	require.NoError(t, reg.Register(&stubCapability{
		name:        "lenient",
		inputSchema: `{"type":"object"}`,
	}))

	// A nil args map must validate as an empty object, not fail marshalling.
	out, err := reg.Dispatch(context.Background(), "lenient", Call{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(out.Data))
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	reg := NewRegistry(nil)
	const n = 100

	var wg sync.WaitGroup
	wg.Add(n * 3)

	// Concurrent registers.
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			name := "concurrent." + string(rune('a'+i%26)) + string(rune('0'+i/26))
			_ = reg.Register(&stubCapability{name: name})
		}(i)
	}

	// Concurrent gets.
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, _ = reg.Get("concurrent.a0")
		}()
	}

	// Concurrent describes.
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_ = reg.Describe()
		}()
	}

	wg.Wait()
	assert.True(t, reg.Count() > 0)
}
