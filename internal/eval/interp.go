package eval

import (
	"errors"
	"fmt"
	"sync/atomic"
)

var errCancelled = errors.New("evaluation cancelled")

// control-flow signals travel as errors through the block executor
type breakSignal struct{}
type continueSignal struct{}
type returnSignal struct{ v value }

func (breakSignal) Error() string    { return "break outside loop" }
func (continueSignal) Error() string { return "continue outside loop" }
func (returnSignal) Error() string   { return "return outside function" }

const maxCallDepth = 200

type interp struct {
	cancel  *atomic.Bool
	globals *env
	depth   int
}

func (in *interp) checkCancel() error {
	if in.cancel != nil && in.cancel.Load() {
		return errCancelled
	}
	return nil
}

// ─── Statements ──────────────────────────────────────────────────────────────

func (in *interp) execBlock(stmts []stmtNode, e *env) error {
	for _, s := range stmts {
		if err := in.execStmt(s, e); err != nil {
			return err
		}
	}
	return nil
}

func (in *interp) execStmt(s stmtNode, e *env) error {
	if err := in.checkCancel(); err != nil {
		return err
	}
	switch st := s.(type) {
	case *assignStmt:
		v, err := in.evalExpr(st.value, e)
		if err != nil {
			return err
		}
		for _, tgt := range st.targets {
			if err := in.assign(tgt, v, e); err != nil {
				return err
			}
		}
		return nil
	case *augAssignStmt:
		cur, err := in.evalExpr(st.target, e)
		if err != nil {
			return err
		}
		rhs, err := in.evalExpr(st.value, e)
		if err != nil {
			return err
		}
		v, err := binOp(st.op, cur, rhs, st.line)
		if err != nil {
			return err
		}
		return in.assign(st.target, v, e)
	case *exprStmt:
		_, err := in.evalExpr(st.x, e)
		return err
	case *ifStmt:
		for i, cond := range st.conds {
			v, err := in.evalExpr(cond, e)
			if err != nil {
				return err
			}
			if truthy(v) {
				return in.execBlock(st.bodies[i], e)
			}
		}
		if st.els != nil {
			return in.execBlock(st.els, e)
		}
		return nil
	case *forStmt:
		iter, err := in.evalExpr(st.iter, e)
		if err != nil {
			return err
		}
		err = in.iterate(iter, st.line, func(v value) error {
			if err := in.checkCancel(); err != nil {
				return err
			}
			if err := in.bindTargets(st.targets, v, st.line, e); err != nil {
				return err
			}
			if err := in.execBlock(st.body, e); err != nil {
				if _, ok := err.(continueSignal); ok {
					return nil
				}
				return err
			}
			return nil
		})
		if _, ok := err.(breakSignal); ok {
			return nil
		}
		return err
	case *whileStmt:
		for {
			if err := in.checkCancel(); err != nil {
				return err
			}
			v, err := in.evalExpr(st.cond, e)
			if err != nil {
				return err
			}
			if !truthy(v) {
				return nil
			}
			if err := in.execBlock(st.body, e); err != nil {
				if _, ok := err.(breakSignal); ok {
					return nil
				}
				if _, ok := err.(continueSignal); ok {
					continue
				}
				return err
			}
		}
	case *defStmt:
		e.set(st.name, &funcVal{name: st.name, params: st.params, body: st.body, closure: e})
		return nil
	case *returnStmt:
		var v value = noneVal{}
		if st.x != nil {
			var err error
			v, err = in.evalExpr(st.x, e)
			if err != nil {
				return err
			}
		}
		return returnSignal{v: v}
	case *breakStmt:
		return breakSignal{}
	case *continueStmt:
		return continueSignal{}
	case *passStmt:
		return nil
	case *importStmt:
		mod, ok := in.globals.get("__module_" + st.module)
		if !ok {
			return &SecurityError{Line: st.line,
				Msg: fmt.Sprintf("import of module %q is not allowed", st.module)}
		}
		e.set(st.alias, mod)
		return nil
	}
	return &EvaluationError{Line: s.stmtLine(), Msg: "unsupported statement"}
}

// bindTargets binds a loop value to one name or unpacks it across several.
func (in *interp) bindTargets(targets []string, v value, line int, e *env) error {
	if len(targets) == 1 {
		e.set(targets[0], v)
		return nil
	}
	items, ok := sequenceItems(v)
	if !ok {
		return &EvaluationError{Line: line,
			Msg: fmt.Sprintf("cannot unpack %s into %d names", typeName(v), len(targets))}
	}
	if len(items) != len(targets) {
		return &EvaluationError{Line: line,
			Msg: fmt.Sprintf("expected %d values to unpack, got %d", len(targets), len(items))}
	}
	for i, name := range targets {
		e.set(name, items[i])
	}
	return nil
}

func sequenceItems(v value) ([]value, bool) {
	switch x := v.(type) {
	case *listVal:
		return x.items, true
	case tupleVal:
		return x, true
	}
	return nil, false
}

// assign stores v into an assignment target.
func (in *interp) assign(target exprNode, v value, e *env) error {
	switch t := target.(type) {
	case *nameExpr:
		e.set(t.name, v)
		return nil
	case *tupleExpr:
		return in.unpackInto(t.elts, v, t.line, e)
	case *listExpr:
		return in.unpackInto(t.elts, v, t.line, e)
	case *indexExpr:
		obj, err := in.evalExpr(t.obj, e)
		if err != nil {
			return err
		}
		idx, err := in.evalExpr(t.idx, e)
		if err != nil {
			return err
		}
		return in.setIndex(obj, idx, v, t.line)
	default:
		return &EvaluationError{Line: target.exprLine(), Msg: "invalid assignment target"}
	}
}

func (in *interp) unpackInto(targets []exprNode, v value, line int, e *env) error {
	items, ok := sequenceItems(v)
	if !ok {
		return &EvaluationError{Line: line,
			Msg: fmt.Sprintf("cannot unpack %s", typeName(v))}
	}
	if len(items) != len(targets) {
		return &EvaluationError{Line: line,
			Msg: fmt.Sprintf("expected %d values to unpack, got %d", len(targets), len(items))}
	}
	for i, tgt := range targets {
		if err := in.assign(tgt, items[i], e); err != nil {
			return err
		}
	}
	return nil
}

func (in *interp) setIndex(obj, idx, v value, line int) error {
	switch c := obj.(type) {
	case *listVal:
		i, ok := asNumber(idx)
		if !ok {
			return &EvaluationError{Line: line, Msg: "list index must be an integer"}
		}
		n := int(i)
		if n < 0 {
			n += len(c.items)
		}
		if n < 0 || n >= len(c.items) {
			return &EvaluationError{Line: line, Msg: "list index out of range"}
		}
		c.items[n] = v
		return nil
	case *dictVal:
		k, err := hashKey(idx, line)
		if err != nil {
			return err
		}
		c.set(k, v)
		return nil
	}
	return &EvaluationError{Line: line,
		Msg: fmt.Sprintf("%s does not support item assignment", typeName(obj))}
}

// iterate walks the elements of an iterable value.
func (in *interp) iterate(v value, line int, fn func(value) error) error {
	switch c := v.(type) {
	case *listVal:
		for _, it := range c.items {
			if err := fn(it); err != nil {
				return err
			}
		}
		return nil
	case tupleVal:
		for _, it := range c {
			if err := fn(it); err != nil {
				return err
			}
		}
		return nil
	case *setVal:
		for _, k := range c.keys {
			if err := fn(keyToValue(k)); err != nil {
				return err
			}
		}
		return nil
	case *dictVal:
		for _, k := range c.keys {
			if err := fn(keyToValue(k)); err != nil {
				return err
			}
		}
		return nil
	case rangeVal:
		x := c.start
		for i, n := 0, rangeLen(c); i < n; i++ {
			if err := in.checkCancel(); err != nil {
				return err
			}
			if err := fn(x); err != nil {
				return err
			}
			x += c.step
		}
		return nil
	case string:
		for _, r := range c {
			if err := fn(string(r)); err != nil {
				return err
			}
		}
		return nil
	}
	return &EvaluationError{Line: line,
		Msg: fmt.Sprintf("%s is not iterable", typeName(v))}
}

// ─── Expressions ─────────────────────────────────────────────────────────────

func (in *interp) evalExpr(x exprNode, e *env) (value, error) {
	switch n := x.(type) {
	case *numLit:
		return n.v, nil
	case *strLit:
		return n.s, nil
	case *boolLit:
		return n.b, nil
	case *noneLit:
		return noneVal{}, nil
	case *nameExpr:
		if v, ok := e.get(n.name); ok {
			return v, nil
		}
		return nil, &EvaluationError{Line: n.line, Msg: fmt.Sprintf("name %q is not defined", n.name)}
	case *binExpr:
		l, err := in.evalExpr(n.l, e)
		if err != nil {
			return nil, err
		}
		r, err := in.evalExpr(n.r, e)
		if err != nil {
			return nil, err
		}
		return binOp(n.op, l, r, n.line)
	case *unaryExpr:
		v, err := in.evalExpr(n.x, e)
		if err != nil {
			return nil, err
		}
		num, ok := asNumber(v)
		if !ok {
			return nil, &EvaluationError{Line: n.line,
				Msg: fmt.Sprintf("bad operand type for unary %s: %s", n.op, typeName(v))}
		}
		if n.op == "-" {
			return -num, nil
		}
		return num, nil
	case *notExpr:
		v, err := in.evalExpr(n.x, e)
		if err != nil {
			return nil, err
		}
		return !truthy(v), nil
	case *boolExpr:
		l, err := in.evalExpr(n.l, e)
		if err != nil {
			return nil, err
		}
		if n.op == "and" {
			if !truthy(l) {
				return l, nil
			}
		} else if truthy(l) {
			return l, nil
		}
		return in.evalExpr(n.r, e)
	case *compareExpr:
		left, err := in.evalExpr(n.first, e)
		if err != nil {
			return nil, err
		}
		for i, op := range n.ops {
			right, err := in.evalExpr(n.rest[i], e)
			if err != nil {
				return nil, err
			}
			ok, err := compareOp(op, left, right, n.line)
			if err != nil {
				return nil, err
			}
			if !ok {
				return false, nil
			}
			left = right
		}
		return true, nil
	case *condExpr:
		c, err := in.evalExpr(n.cond, e)
		if err != nil {
			return nil, err
		}
		if truthy(c) {
			return in.evalExpr(n.then, e)
		}
		return in.evalExpr(n.els, e)
	case *callExpr:
		fn, err := in.evalExpr(n.fn, e)
		if err != nil {
			return nil, err
		}
		args := make([]value, len(n.args))
		for i, a := range n.args {
			v, err := in.evalExpr(a, e)
			if err != nil {
				return nil, err
			}
			args[i] = v
		}
		return in.callValue(fn, args, n.line)
	case *attrExpr:
		obj, err := in.evalExpr(n.obj, e)
		if err != nil {
			return nil, err
		}
		mod, ok := obj.(*moduleVal)
		if !ok {
			return nil, &SecurityError{Line: n.line,
				Msg: fmt.Sprintf("attribute access on %s is not allowed", typeName(obj))}
		}
		v, ok := mod.attrs[n.name]
		if !ok {
			return nil, &EvaluationError{Line: n.line,
				Msg: fmt.Sprintf("module %q has no attribute %q", mod.name, n.name)}
		}
		return v, nil
	case *indexExpr:
		obj, err := in.evalExpr(n.obj, e)
		if err != nil {
			return nil, err
		}
		idx, err := in.evalExpr(n.idx, e)
		if err != nil {
			return nil, err
		}
		return in.getIndex(obj, idx, n.line)
	case *listExpr:
		out := &listVal{items: make([]value, 0, len(n.elts))}
		for _, el := range n.elts {
			v, err := in.evalExpr(el, e)
			if err != nil {
				return nil, err
			}
			out.items = append(out.items, v)
		}
		return out, nil
	case *tupleExpr:
		out := make(tupleVal, 0, len(n.elts))
		for _, el := range n.elts {
			v, err := in.evalExpr(el, e)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case *dictExpr:
		out := newDict()
		for i := range n.keys {
			k, err := in.evalExpr(n.keys[i], e)
			if err != nil {
				return nil, err
			}
			v, err := in.evalExpr(n.vals[i], e)
			if err != nil {
				return nil, err
			}
			hk, err := hashKey(k, n.line)
			if err != nil {
				return nil, err
			}
			out.set(hk, v)
		}
		return out, nil
	case *setExpr:
		out := newSet()
		for _, el := range n.elts {
			v, err := in.evalExpr(el, e)
			if err != nil {
				return nil, err
			}
			k, err := hashKey(v, n.line)
			if err != nil {
				return nil, err
			}
			out.add(k)
		}
		return out, nil
	case *compExpr:
		return in.evalComp(n, e)
	}
	return nil, &EvaluationError{Line: x.exprLine(), Msg: "unsupported expression"}
}

func (in *interp) getIndex(obj, idx value, line int) (value, error) {
	switch c := obj.(type) {
	case *listVal:
		return seqIndex(c.items, idx, line)
	case tupleVal:
		return seqIndex(c, idx, line)
	case *dictVal:
		k, err := hashKey(idx, line)
		if err != nil {
			return nil, err
		}
		v, ok := c.m[k]
		if !ok {
			return nil, &EvaluationError{Line: line, Msg: fmt.Sprintf("key %v not found", idx)}
		}
		return v, nil
	case string:
		i, ok := asNumber(idx)
		if !ok {
			return nil, &EvaluationError{Line: line, Msg: "string index must be an integer"}
		}
		n := int(i)
		if n < 0 {
			n += len(c)
		}
		if n < 0 || n >= len(c) {
			return nil, &EvaluationError{Line: line, Msg: "string index out of range"}
		}
		return string(c[n]), nil
	}
	return nil, &EvaluationError{Line: line,
		Msg: fmt.Sprintf("%s is not subscriptable", typeName(obj))}
}

func seqIndex(items []value, idx value, line int) (value, error) {
	i, ok := asNumber(idx)
	if !ok {
		return nil, &EvaluationError{Line: line, Msg: "sequence index must be an integer"}
	}
	n := int(i)
	if n < 0 {
		n += len(items)
	}
	if n < 0 || n >= len(items) {
		return nil, &EvaluationError{Line: line, Msg: "sequence index out of range"}
	}
	return items[n], nil
}

func (in *interp) callValue(fn value, args []value, line int) (value, error) {
	if err := in.checkCancel(); err != nil {
		return nil, err
	}
	switch f := fn.(type) {
	case *builtinVal:
		return f.fn(in, args, line)
	case *funcVal:
		if len(args) != len(f.params) {
			return nil, &EvaluationError{Line: line,
				Msg: fmt.Sprintf("%s() takes %d argument(s), got %d", f.name, len(f.params), len(args))}
		}
		if in.depth >= maxCallDepth {
			return nil, &EvaluationError{Line: line, Msg: "maximum call depth exceeded"}
		}
		in.depth++
		defer func() { in.depth-- }()
		scope := newEnv(f.closure)
		for i, p := range f.params {
			scope.set(p, args[i])
		}
		err := in.execBlock(f.body, scope)
		if err != nil {
			if ret, ok := err.(returnSignal); ok {
				return ret.v, nil
			}
			return nil, err
		}
		return noneVal{}, nil
	}
	return nil, &EvaluationError{Line: line,
		Msg: fmt.Sprintf("%s is not callable", typeName(fn))}
}

func (in *interp) evalComp(n *compExpr, e *env) (value, error) {
	scope := newEnv(e)
	var list *listVal
	var set *setVal
	var dict *dictVal
	switch n.kind {
	case compList:
		list = &listVal{}
	case compSet:
		set = newSet()
	case compDict:
		dict = newDict()
	}

	var runClause func(i int) error
	runClause = func(i int) error {
		if i == len(n.clauses) {
			switch n.kind {
			case compList:
				v, err := in.evalExpr(n.elt, scope)
				if err != nil {
					return err
				}
				list.items = append(list.items, v)
			case compSet:
				v, err := in.evalExpr(n.elt, scope)
				if err != nil {
					return err
				}
				k, err := hashKey(v, n.line)
				if err != nil {
					return err
				}
				set.add(k)
			case compDict:
				k, err := in.evalExpr(n.key, scope)
				if err != nil {
					return err
				}
				v, err := in.evalExpr(n.elt, scope)
				if err != nil {
					return err
				}
				hk, err := hashKey(k, n.line)
				if err != nil {
					return err
				}
				dict.set(hk, v)
			}
			return nil
		}
		cl := n.clauses[i]
		iter, err := in.evalExpr(cl.iter, scope)
		if err != nil {
			return err
		}
		return in.iterate(iter, n.line, func(v value) error {
			if err := in.checkCancel(); err != nil {
				return err
			}
			if err := in.bindTargets(cl.targets, v, n.line, scope); err != nil {
				return err
			}
			for _, cond := range cl.conds {
				cv, err := in.evalExpr(cond, scope)
				if err != nil {
					return err
				}
				if !truthy(cv) {
					return nil
				}
			}
			return runClause(i + 1)
		})
	}

	if err := runClause(0); err != nil {
		return nil, err
	}
	switch n.kind {
	case compList:
		return list, nil
	case compSet:
		return set, nil
	default:
		return dict, nil
	}
}
