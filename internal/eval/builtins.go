package eval

import (
	"fmt"
	"math"
	"sort"
)

func wantArgs(name string, args []value, n, line int) error {
	if len(args) != n {
		return &EvaluationError{Line: line,
			Msg: fmt.Sprintf("%s() takes %d argument(s), got %d", name, n, len(args))}
	}
	return nil
}

func argNum(name string, args []value, i, line int) (float64, error) {
	v, ok := asNumber(args[i])
	if !ok {
		return 0, &EvaluationError{Line: line,
			Msg: fmt.Sprintf("%s() argument %d must be a number, got %s", name, i+1, typeName(args[i]))}
	}
	return v, nil
}

func unaryMath(name string, fn func(float64) float64) *builtinVal {
	return &builtinVal{name: name, fn: func(_ *interp, args []value, line int) (value, error) {
		if err := wantArgs(name, args, 1, line); err != nil {
			return nil, err
		}
		x, err := argNum(name, args, 0, line)
		if err != nil {
			return nil, err
		}
		v := fn(x)
		if math.IsNaN(v) && !math.IsNaN(x) {
			return nil, &EvaluationError{Line: line, Msg: fmt.Sprintf("%s() domain error for %v", name, x)}
		}
		return v, nil
	}}
}

func binaryMath(name string, fn func(a, b float64) float64) *builtinVal {
	return &builtinVal{name: name, fn: func(_ *interp, args []value, line int) (value, error) {
		if err := wantArgs(name, args, 2, line); err != nil {
			return nil, err
		}
		a, err := argNum(name, args, 0, line)
		if err != nil {
			return nil, err
		}
		b, err := argNum(name, args, 1, line)
		if err != nil {
			return nil, err
		}
		return fn(a, b), nil
	}}
}

// numsFrom extracts the numeric operands of an aggregate call: either a
// single container argument or the arguments themselves.
func numsFrom(name string, args []value, line int) ([]float64, error) {
	items := args
	if len(args) == 1 {
		switch c := args[0].(type) {
		case *listVal:
			items = c.items
		case tupleVal:
			items = c
		case *setVal:
			items = make([]value, len(c.keys))
			for i, k := range c.keys {
				items[i] = keyToValue(k)
			}
		case rangeVal:
			items = nil
			x := c.start
			for i, n := 0, rangeLen(c); i < n; i++ {
				items = append(items, x)
				x += c.step
			}
		}
	}
	if len(items) == 0 {
		return nil, &EvaluationError{Line: line, Msg: fmt.Sprintf("%s() of empty sequence", name)}
	}
	out := make([]float64, len(items))
	for i, it := range items {
		v, ok := asNumber(it)
		if !ok {
			return nil, &EvaluationError{Line: line,
				Msg: fmt.Sprintf("%s() requires numbers, got %s", name, typeName(it))}
		}
		out[i] = v
	}
	return out, nil
}

func aggregate(name string, fn func(xs []float64) float64) *builtinVal {
	return &builtinVal{name: name, fn: func(_ *interp, args []value, line int) (value, error) {
		xs, err := numsFrom(name, args, line)
		if err != nil {
			return nil, err
		}
		return fn(xs), nil
	}}
}

func meanOf(xs []float64) float64 {
	s := 0.0
	for _, x := range xs {
		s += x
	}
	return s / float64(len(xs))
}

func varianceOf(xs []float64) float64 {
	m := meanOf(xs)
	s := 0.0
	for _, x := range xs {
		d := x - m
		s += d * d
	}
	return s / float64(len(xs))
}

func medianOf(xs []float64) float64 {
	cp := append([]float64(nil), xs...)
	sort.Float64s(cp)
	n := len(cp)
	if n%2 == 1 {
		return cp[n/2]
	}
	return (cp[n/2-1] + cp[n/2]) / 2
}

// newBuiltins builds the curated top-level function table available to
// evaluated code.
func newBuiltins() map[string]value {
	b := map[string]value{}
	add := func(v *builtinVal) { b[v.name] = v }

	add(unaryMath("sqrt", math.Sqrt))
	add(unaryMath("exp", math.Exp))
	add(unaryMath("log", math.Log))
	add(unaryMath("log10", math.Log10))
	add(unaryMath("log2", math.Log2))
	add(unaryMath("sin", math.Sin))
	add(unaryMath("cos", math.Cos))
	add(unaryMath("tan", math.Tan))
	add(unaryMath("asin", math.Asin))
	add(unaryMath("acos", math.Acos))
	add(unaryMath("atan", math.Atan))
	add(unaryMath("arcsin", math.Asin))
	add(unaryMath("arccos", math.Acos))
	add(unaryMath("arctan", math.Atan))
	add(unaryMath("sinh", math.Sinh))
	add(unaryMath("cosh", math.Cosh))
	add(unaryMath("tanh", math.Tanh))
	add(unaryMath("floor", math.Floor))
	add(unaryMath("ceil", math.Ceil))
	add(unaryMath("trunc", math.Trunc))
	add(unaryMath("degrees", func(x float64) float64 { return x * 180 / math.Pi }))
	add(unaryMath("radians", func(x float64) float64 { return x * math.Pi / 180 }))
	add(unaryMath("abs", math.Abs))
	add(unaryMath("square", func(x float64) float64 { return x * x }))
	add(unaryMath("sign", func(x float64) float64 {
		switch {
		case x > 0:
			return 1
		case x < 0:
			return -1
		}
		return 0
	}))

	add(binaryMath("atan2", math.Atan2))
	add(binaryMath("arctan2", math.Atan2))
	add(binaryMath("pow", math.Pow))
	add(binaryMath("power", math.Pow))

	add(aggregate("min", func(xs []float64) float64 {
		m := xs[0]
		for _, x := range xs[1:] {
			if x < m {
				m = x
			}
		}
		return m
	}))
	add(aggregate("max", func(xs []float64) float64 {
		m := xs[0]
		for _, x := range xs[1:] {
			if x > m {
				m = x
			}
		}
		return m
	}))
	add(aggregate("mean", meanOf))
	add(aggregate("median", medianOf))
	add(aggregate("var", varianceOf))
	add(aggregate("std", func(xs []float64) float64 { return math.Sqrt(varianceOf(xs)) }))

	add(&builtinVal{name: "sum", fn: func(_ *interp, args []value, line int) (value, error) {
		xs, err := numsFrom("sum", args, line)
		if err != nil {
			// sum of an empty sequence is 0
			if len(args) == 1 {
				switch c := args[0].(type) {
				case *listVal:
					if len(c.items) == 0 {
						return 0.0, nil
					}
				case tupleVal:
					if len(c) == 0 {
						return 0.0, nil
					}
				case *setVal:
					if len(c.keys) == 0 {
						return 0.0, nil
					}
				case rangeVal:
					if rangeLen(c) == 0 {
						return 0.0, nil
					}
				}
			}
			return nil, err
		}
		s := 0.0
		for _, x := range xs {
			s += x
		}
		return s, nil
	}})

	add(&builtinVal{name: "round", fn: func(_ *interp, args []value, line int) (value, error) {
		if len(args) != 1 && len(args) != 2 {
			return nil, &EvaluationError{Line: line, Msg: "round() takes 1 or 2 arguments"}
		}
		x, err := argNum("round", args, 0, line)
		if err != nil {
			return nil, err
		}
		if len(args) == 1 {
			return math.RoundToEven(x), nil
		}
		nd, err := argNum("round", args, 1, line)
		if err != nil {
			return nil, err
		}
		scale := math.Pow(10, math.Trunc(nd))
		return math.RoundToEven(x*scale) / scale, nil
	}})

	add(&builtinVal{name: "clip", fn: func(_ *interp, args []value, line int) (value, error) {
		if err := wantArgs("clip", args, 3, line); err != nil {
			return nil, err
		}
		x, err := argNum("clip", args, 0, line)
		if err != nil {
			return nil, err
		}
		lo, err := argNum("clip", args, 1, line)
		if err != nil {
			return nil, err
		}
		hi, err := argNum("clip", args, 2, line)
		if err != nil {
			return nil, err
		}
		return math.Min(math.Max(x, lo), hi), nil
	}})

	add(&builtinVal{name: "len", fn: func(_ *interp, args []value, line int) (value, error) {
		if err := wantArgs("len", args, 1, line); err != nil {
			return nil, err
		}
		switch c := args[0].(type) {
		case *listVal:
			return float64(len(c.items)), nil
		case tupleVal:
			return float64(len(c)), nil
		case *dictVal:
			return float64(len(c.keys)), nil
		case *setVal:
			return float64(len(c.keys)), nil
		case string:
			return float64(len(c)), nil
		case rangeVal:
			return float64(rangeLen(c)), nil
		}
		return nil, &EvaluationError{Line: line,
			Msg: fmt.Sprintf("len() of unsized type %s", typeName(args[0]))}
	}})

	add(&builtinVal{name: "range", fn: func(_ *interp, args []value, line int) (value, error) {
		if len(args) < 1 || len(args) > 3 {
			return nil, &EvaluationError{Line: line, Msg: "range() takes 1 to 3 arguments"}
		}
		nums := make([]float64, len(args))
		for i := range args {
			v, err := argNum("range", args, i, line)
			if err != nil {
				return nil, err
			}
			if v != math.Trunc(v) {
				return nil, &EvaluationError{Line: line, Msg: "range() arguments must be integers"}
			}
			nums[i] = v
		}
		switch len(args) {
		case 1:
			return rangeVal{start: 0, stop: nums[0], step: 1}, nil
		case 2:
			return rangeVal{start: nums[0], stop: nums[1], step: 1}, nil
		default:
			if nums[2] == 0 {
				return nil, &EvaluationError{Line: line, Msg: "range() step must not be zero"}
			}
			return rangeVal{start: nums[0], stop: nums[1], step: nums[2]}, nil
		}
	}})

	add(&builtinVal{name: "enumerate", fn: func(in *interp, args []value, line int) (value, error) {
		if err := wantArgs("enumerate", args, 1, line); err != nil {
			return nil, err
		}
		out := &listVal{}
		i := 0.0
		err := in.iterate(args[0], line, func(v value) error {
			out.items = append(out.items, tupleVal{i, v})
			i++
			return nil
		})
		if err != nil {
			return nil, err
		}
		return out, nil
	}})

	add(&builtinVal{name: "zip", fn: func(in *interp, args []value, line int) (value, error) {
		if len(args) < 2 {
			return nil, &EvaluationError{Line: line, Msg: "zip() takes at least 2 arguments"}
		}
		seqs := make([][]value, len(args))
		for i, a := range args {
			var items []value
			if err := in.iterate(a, line, func(v value) error {
				items = append(items, v)
				return nil
			}); err != nil {
				return nil, err
			}
			seqs[i] = items
		}
		shortest := len(seqs[0])
		for _, s := range seqs[1:] {
			if len(s) < shortest {
				shortest = len(s)
			}
		}
		out := &listVal{}
		for i := 0; i < shortest; i++ {
			row := make(tupleVal, len(seqs))
			for j := range seqs {
				row[j] = seqs[j][i]
			}
			out.items = append(out.items, row)
		}
		return out, nil
	}})

	add(&builtinVal{name: "map", fn: func(in *interp, args []value, line int) (value, error) {
		if err := wantArgs("map", args, 2, line); err != nil {
			return nil, err
		}
		out := &listVal{}
		err := in.iterate(args[1], line, func(v value) error {
			r, err := in.callValue(args[0], []value{v}, line)
			if err != nil {
				return err
			}
			out.items = append(out.items, r)
			return nil
		})
		if err != nil {
			return nil, err
		}
		return out, nil
	}})

	add(&builtinVal{name: "filter", fn: func(in *interp, args []value, line int) (value, error) {
		if err := wantArgs("filter", args, 2, line); err != nil {
			return nil, err
		}
		out := &listVal{}
		err := in.iterate(args[1], line, func(v value) error {
			r, err := in.callValue(args[0], []value{v}, line)
			if err != nil {
				return err
			}
			if truthy(r) {
				out.items = append(out.items, v)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		return out, nil
	}})

	return b
}

// mathModule mirrors the standard math namespace surface the evaluated
// code may reach through "import math".
func mathModule(b map[string]value) *moduleVal {
	attrs := map[string]value{
		"pi": math.Pi, "e": math.E, "tau": 2 * math.Pi,
		"inf": math.Inf(1), "nan": math.NaN(),
	}
	for _, name := range []string{
		"sqrt", "exp", "log", "log10", "log2",
		"sin", "cos", "tan", "asin", "acos", "atan", "atan2",
		"sinh", "cosh", "tanh", "floor", "ceil", "trunc",
		"degrees", "radians", "pow",
	} {
		attrs[name] = b[name]
	}
	attrs["fabs"] = b["abs"]
	return &moduleVal{name: "math", attrs: attrs}
}

// npModule exposes the numerical-array namespace surface under np/numpy.
func npModule(b map[string]value) *moduleVal {
	attrs := map[string]value{
		"pi": math.Pi, "e": math.E,
	}
	for _, name := range []string{
		"abs", "sqrt", "exp", "log", "log10", "log2",
		"sin", "cos", "tan", "arcsin", "arccos", "arctan", "arctan2",
		"sinh", "cosh", "tanh", "floor", "ceil", "round",
		"sum", "mean", "median", "std", "var", "min", "max",
		"power", "square", "sign", "clip",
	} {
		attrs[name] = b[name]
	}
	attrs["array"] = &builtinVal{name: "array", fn: func(in *interp, args []value, line int) (value, error) {
		if err := wantArgs("array", args, 1, line); err != nil {
			return nil, err
		}
		out := &listVal{}
		err := in.iterate(args[0], line, func(v value) error {
			out.items = append(out.items, v)
			return nil
		})
		if err != nil {
			return nil, err
		}
		return out, nil
	}}
	return &moduleVal{name: "numpy", attrs: attrs}
}
