package expressions

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/railyard-io/railyard/pkg/schema"
)

// ResolveTemplate resolves ${{...}} references in instruction text before
// it is handed to the oracle. References resolve against the same scope
// guards see: ctx, path and attrs. Unresolvable references are validation
// errors; an instruction that names a missing key is a definition bug, not
// something to paper over.
func ResolveTemplate(text string, scope map[string]any) (string, error) {
	if !strings.Contains(text, "${{") {
		return text, nil
	}

	var result strings.Builder
	result.Grow(len(text))

	i := 0
	for i < len(text) {
		idx := strings.Index(text[i:], "${{")
		if idx == -1 {
			result.WriteString(text[i:])
			break
		}

		result.WriteString(text[i : i+idx])
		start := i + idx + 3 // skip "${{".

		end := strings.Index(text[start:], "}}")
		if end == -1 {
			return "", schema.NewError(schema.ErrCodeValidation, "unclosed ${{ expression in instruction")
		}
		end += start

		ref := strings.TrimSpace(text[start:end])
		if ref == "" {
			return "", schema.NewError(schema.ErrCodeValidation, "empty reference: ${{ }}")
		}
		if strings.Contains(ref, "${{") {
			return "", schema.NewError(schema.ErrCodeValidation,
				"nested interpolation not allowed: ${{...}} cannot contain ${{")
		}

		val, err := resolveRef(ref, scope)
		if err != nil {
			return "", err
		}
		result.WriteString(stringify(val))

		i = end + 2 // skip "}}".
	}

	return result.String(), nil
}

// resolveRef resolves a single reference like "ctx.user.name".
func resolveRef(ref string, scope map[string]any) (any, error) {
	parts := strings.SplitN(ref, ".", 2)
	ns := parts[0]

	switch ns {
	case "ctx", "path", "attrs":
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown namespace %q in ${{%s}}; available: ctx, path, attrs", ns, ref).
			WithDetails(map[string]any{"reference": ref})
	}

	root := scope[ns]
	if len(parts) == 1 || parts[1] == "" {
		return root, nil
	}
	return traverseRef(root, parts[1], ref)
}

// traverseRef navigates into nested maps using a dot-delimited path.
// A whole-path key match wins over traversal, so keys containing dots
// stay addressable.
func traverseRef(root any, path, ref string) (any, error) {
	if m, ok := root.(map[string]any); ok {
		if val, exists := m[path]; exists {
			return val, nil
		}
	}

	current := root
	for _, seg := range strings.Split(path, ".") {
		if seg == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"empty segment in ${{%s}}", ref)
		}
		m, ok := current.(map[string]any)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"cannot traverse into non-object at %q in ${{%s}} (type: %T)", seg, ref, current)
		}
		val, exists := m[seg]
		if !exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"field %q not found in ${{%s}}", seg, ref).
				WithDetails(map[string]any{"reference": ref})
		}
		current = val
	}
	return current, nil
}

// stringify renders a resolved value into instruction text. Strings embed
// bare; everything else renders as JSON.
func stringify(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return "null"
	case bool:
		if v {
			return "true"
		}
		return "false"
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	case float64:
		return fmt.Sprintf("%v", v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
