package expressions

import "context"

// Engine evaluates expressions against engine state.
// Three implementations: CEL (edge guards), GoJQ (context queries and
// composition pipelines), Expr (generated capability handlers).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
