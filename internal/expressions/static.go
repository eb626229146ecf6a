package expressions

import (
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	celast "github.com/google/cel-go/common/ast"
	"github.com/google/cel-go/common/operators"

	"github.com/railyard-io/railyard/pkg/schema"
)

// GuardClass is the classifier's verdict on one guard expression.
type GuardClass struct {
	// Deterministic means the guard belongs to the simple subset the
	// resolver may evaluate without consulting the oracle.
	Deterministic bool
	// CtxKeys lists the context keys the guard reads (ctx. root stripped,
	// nested selects joined with dots). Every key must be resolved before
	// the guard is decidable.
	CtxKeys []string
	// Reason names the first construct that left the subset.
	Reason string
}

// deterministicOps is the allow-list of CEL operators a simple guard may
// use. Everything outside it — arithmetic, conditionals, function calls,
// macros — is oracle territory.
var deterministicOps = map[string]bool{
	operators.LogicalAnd:    true,
	operators.LogicalOr:     true,
	operators.LogicalNot:    true,
	operators.Equals:        true,
	operators.NotEquals:     true,
	operators.Less:          true,
	operators.LessEquals:    true,
	operators.Greater:       true,
	operators.GreaterEquals: true,
	operators.In:            true,
}

// GuardClassifier statically classifies guard expressions. A guard is
// simple deterministic when its compiled AST contains only literals, field
// selects rooted at ctx/path/attrs, comparisons, membership tests and
// boolean combinators. Thread-safe; verdicts are cached per expression.
type GuardClassifier struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]*GuardClass
}

// NewGuardClassifier creates a classifier sharing the guard engine's
// environment, so classification and evaluation agree on declarations.
func NewGuardClassifier(engine *CELEngine) *GuardClassifier {
	return &GuardClassifier{
		env:   engine.env,
		cache: make(map[string]*GuardClass),
	}
}

// Classify compiles (or retrieves from cache) the guard and walks its AST
// against the allow-list. Compile failures are validation errors; they make
// the guard unusable rather than merely non-deterministic.
func (c *GuardClassifier) Classify(expression string) (*GuardClass, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty guard expression")
	}

	c.mu.RLock()
	if cls, ok := c.cache[expression]; ok {
		c.mu.RUnlock()
		return cls, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Double-check after acquiring write lock.
	if cls, ok := c.cache[expression]; ok {
		return cls, nil
	}

	ast, issues := c.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL compile error in %q: %s", expression, issues.Err().Error()).
			WithCause(issues.Err()).
			WithDetails(map[string]any{"expression": expression})
	}

	w := &guardWalker{}
	cls := &GuardClass{Deterministic: w.walk(ast.NativeRep().Expr())}
	cls.CtxKeys = dedupeKeys(w.ctxKeys)
	cls.Reason = w.reason

	// A guard must produce a boolean. Typed non-boolean outputs are caught
	// here; dyn outputs are checked at evaluation time.
	if out := ast.OutputType(); cls.Deterministic && out != nil &&
		!out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		cls.Deterministic = false
		cls.Reason = "guard produces " + out.String()
	}

	c.cache[expression] = cls
	return cls, nil
}

// guardWalker accumulates context references and the first rejection reason
// while walking an AST.
type guardWalker struct {
	ctxKeys []string
	reason  string
}

func (w *guardWalker) walk(e celast.Expr) bool {
	switch e.Kind() {
	case celast.LiteralKind:
		return true

	case celast.IdentKind:
		return w.allowRoot(e.AsIdent())

	case celast.SelectKind:
		if e.AsSelect().IsTestOnly() {
			w.fail("has() macro")
			return false
		}
		return w.allowChain(e)

	case celast.CallKind:
		call := e.AsCall()
		fn := call.FunctionName()
		if fn == operators.Index {
			// Constant-key indexing is select syntax in disguise.
			return w.allowChain(e)
		}
		if !deterministicOps[fn] {
			w.fail("call to " + fn)
			return false
		}
		if call.IsMemberFunction() {
			w.fail("member call " + fn)
			return false
		}
		for _, arg := range call.Args() {
			if !w.walk(arg) {
				return false
			}
		}
		return true

	case celast.ListKind:
		// List literals appear as membership right-hand sides.
		for _, el := range e.AsList().Elements() {
			if !w.walk(el) {
				return false
			}
		}
		return true

	case celast.ComprehensionKind:
		w.fail("comprehension")
		return false

	case celast.MapKind:
		w.fail("map literal")
		return false

	case celast.StructKind:
		w.fail("struct literal")
		return false

	default:
		w.fail("unsupported expression")
		return false
	}
}

func (w *guardWalker) allowRoot(name string) bool {
	switch name {
	case "ctx", "path", "attrs":
		return true
	}
	w.fail("unknown identifier " + name)
	return false
}

// allowChain validates a select/index chain down to an allowed root and
// records context key references for the resolved-key requirement.
func (w *guardWalker) allowChain(e celast.Expr) bool {
	root, segs, ok := chain(e)
	if !ok {
		w.fail("dynamic field access")
		return false
	}
	if !w.allowRoot(root) {
		return false
	}
	if root == "ctx" && len(segs) > 0 {
		w.ctxKeys = append(w.ctxKeys, strings.Join(segs, "."))
	}
	return true
}

func (w *guardWalker) fail(reason string) {
	if w.reason == "" {
		w.reason = reason
	}
}

// chain unwinds ident, select and constant-index links, returning the root
// identifier and the selected segments in source order. Test-only selects
// (the has() macro) and dynamic indices break the chain.
func chain(e celast.Expr) (string, []string, bool) {
	switch e.Kind() {
	case celast.IdentKind:
		return e.AsIdent(), nil, true

	case celast.SelectKind:
		sel := e.AsSelect()
		if sel.IsTestOnly() {
			return "", nil, false
		}
		root, segs, ok := chain(sel.Operand())
		if !ok {
			return "", nil, false
		}
		return root, append(segs, sel.FieldName()), true

	case celast.CallKind:
		call := e.AsCall()
		if call.FunctionName() != operators.Index || len(call.Args()) != 2 {
			return "", nil, false
		}
		root, segs, ok := chain(call.Args()[0])
		if !ok {
			return "", nil, false
		}
		idx := call.Args()[1]
		if idx.Kind() != celast.LiteralKind {
			return "", nil, false
		}
		key, isStr := idx.AsLiteral().Value().(string)
		if !isStr {
			return "", nil, false
		}
		return root, append(segs, key), true
	}
	return "", nil, false
}

func dedupeKeys(keys []string) []string {
	if len(keys) < 2 {
		return keys
	}
	seen := make(map[string]bool, len(keys))
	out := keys[:0]
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}
