package eval

import (
	"fmt"
	"math"
	"sync/atomic"
)

// exprFuncNames is the closed set of functions callable from the
// single-expression form.
var exprFuncNames = map[string]struct{}{
	"abs": {}, "round": {}, "min": {}, "max": {}, "sum": {},
	"sqrt": {}, "pow": {}, "exp": {}, "log": {}, "log10": {}, "log2": {},
	"sin": {}, "cos": {}, "tan": {}, "asin": {}, "acos": {}, "atan": {}, "atan2": {},
	"sinh": {}, "cosh": {}, "tanh": {},
	"ceil": {}, "floor": {}, "trunc": {}, "degrees": {}, "radians": {},
}

var exprConstants = map[string]float64{
	"pi":  math.Pi,
	"e":   math.E,
	"tau": 2 * math.Pi,
	"inf": math.Inf(1),
	"nan": math.NaN(),
}

var exprCompareOps = map[string]struct{}{
	"==": {}, "!=": {}, "<": {}, "<=": {}, ">": {}, ">=": {},
}

// Expression is a compiled single-expression model function. It is
// immutable after compilation and safe for concurrent use.
type Expression struct {
	src  string
	root exprNode
	base *env
}

// CompileExpression parses and validates a model expression against the
// closed node and function set.
func CompileExpression(src string) (*Expression, error) {
	toks, err := lexExpr(src)
	if err != nil {
		return nil, err
	}
	root, err := parseSingleExpr(toks)
	if err != nil {
		return nil, err
	}
	if err := validateExprNode(root); err != nil {
		return nil, err
	}
	base := newEnv(nil)
	b := newBuiltins()
	for name := range exprFuncNames {
		base.set(name, b[name])
	}
	for name, v := range exprConstants {
		base.set(name, v)
	}
	return &Expression{src: src, root: root, base: base}, nil
}

// Source returns the original expression text.
func (x *Expression) Source() string { return x.src }

// Eval computes the expression with the given variable bindings.
func (x *Expression) Eval(values map[string]float64) (float64, error) {
	return x.evalWithCancel(values, nil)
}

func (x *Expression) evalWithCancel(values map[string]float64, cancel *atomic.Bool) (float64, error) {
	scope := newEnv(x.base)
	for name, v := range values {
		scope.set(name, v)
	}
	in := &interp{cancel: cancel, globals: scope}
	v, err := in.evalExpr(x.root, scope)
	if err != nil {
		return 0, err
	}
	return resultNumber("expression", v)
}

// validateExprNode enforces the closed node set of the expression form.
// Anything the single-expression grammar does not promise is refused,
// even when the shared parser understands it.
func validateExprNode(x exprNode) error {
	switch n := x.(type) {
	case *numLit, *boolLit:
		return nil
	case *nameExpr:
		return nil
	case *binExpr:
		if err := validateExprNode(n.l); err != nil {
			return err
		}
		return validateExprNode(n.r)
	case *unaryExpr:
		return validateExprNode(n.x)
	case *compareExpr:
		for _, op := range n.ops {
			if _, ok := exprCompareOps[op]; !ok {
				return &SecurityError{Line: n.line,
					Msg: fmt.Sprintf("operator %q is not allowed in expressions", op)}
			}
		}
		if err := validateExprNode(n.first); err != nil {
			return err
		}
		for _, r := range n.rest {
			if err := validateExprNode(r); err != nil {
				return err
			}
		}
		return nil
	case *condExpr:
		if err := validateExprNode(n.cond); err != nil {
			return err
		}
		if err := validateExprNode(n.then); err != nil {
			return err
		}
		return validateExprNode(n.els)
	case *callExpr:
		fn, ok := n.fn.(*nameExpr)
		if !ok {
			return &SecurityError{Line: n.line, Msg: "only direct function calls are allowed in expressions"}
		}
		if _, ok := exprFuncNames[fn.name]; !ok {
			return &SecurityError{Line: n.line,
				Msg: fmt.Sprintf("function %q is not allowed in expressions", fn.name)}
		}
		for _, a := range n.args {
			if err := validateExprNode(a); err != nil {
				return err
			}
		}
		return nil
	}
	return &SecurityError{Line: x.exprLine(),
		Msg: fmt.Sprintf("construct not allowed in expressions: %s", exprNodeName(x))}
}

func exprNodeName(x exprNode) string {
	switch x.(type) {
	case *strLit:
		return "string literal"
	case *noneLit:
		return "None"
	case *notExpr:
		return "not"
	case *boolExpr:
		return "boolean operator"
	case *attrExpr:
		return "attribute access"
	case *indexExpr:
		return "subscript"
	case *listExpr:
		return "list literal"
	case *tupleExpr:
		return "tuple literal"
	case *dictExpr:
		return "dict literal"
	case *setExpr:
		return "set literal"
	case *compExpr:
		return "comprehension"
	default:
		return fmt.Sprintf("%T", x)
	}
}
