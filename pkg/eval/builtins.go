package eval

import (
	"fmt"
	"sort"
	"strings"

	rterrors "github.com/jllopis/rtfscore/pkg/errors"
	"github.com/jllopis/rtfscore/pkg/value"
)

// Builtins is a registry of pure functions by name.
type Builtins map[string]*value.Builtin

// Register adds or replaces a builtin.
func (b Builtins) Register(name string, fn func([]value.Value) (value.Value, error)) {
	b[name] = &value.Builtin{Ident: name, Fn: fn}
}

// Names returns the registered names in sorted order.
func (b Builtins) Names() []string {
	out := make([]string, 0, len(b))
	for k := range b {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func evalError(format string, args ...any) *value.Error {
	return &value.Error{Message: fmt.Sprintf(format, args...), Code: string(rterrors.CodeEvaluation)}
}

// StandardBuiltins returns the pure standard library.
func StandardBuiltins() Builtins {
	b := Builtins{}
	b.Register("+", arith("+", func(a, c int64) int64 { return a + c }, func(a, c float64) float64 { return a + c }, 0))
	b.Register("*", arith("*", func(a, c int64) int64 { return a * c }, func(a, c float64) float64 { return a * c }, 1))
	b.Register("-", minus)
	b.Register("/", divide)
	b.Register("=", func(args []value.Value) (value.Value, error) {
		for i := 1; i < len(args); i++ {
			if !value.Equal(args[0], args[i]) {
				return value.Bool(false), nil
			}
		}
		return value.Bool(true), nil
	})
	b.Register("not", func(args []value.Value) (value.Value, error) {
		if err := arity("not", args, 1); err != nil {
			return nil, err
		}
		return value.Bool(!value.Truthy(args[0])), nil
	})
	b.Register("<", compare("<", func(c int) bool { return c < 0 }))
	b.Register(">", compare(">", func(c int) bool { return c > 0 }))
	b.Register("<=", compare("<=", func(c int) bool { return c <= 0 }))
	b.Register(">=", compare(">=", func(c int) bool { return c >= 0 }))
	b.Register("inc", func(args []value.Value) (value.Value, error) {
		if err := arity("inc", args, 1); err != nil {
			return nil, err
		}
		return arith("+", func(a, c int64) int64 { return a + c }, func(a, c float64) float64 { return a + c }, 0)(
			[]value.Value{args[0], value.Int(1)})
	})
	b.Register("str", func(args []value.Value) (value.Value, error) {
		var sb strings.Builder
		for _, a := range args {
			switch x := value.OrNil(a).(type) {
			case value.String:
				sb.WriteString(string(x))
			case value.Nil:
			default:
				sb.WriteString(x.String())
			}
		}
		return value.String(sb.String()), nil
	})
	b.Register("vector", func(args []value.Value) (value.Value, error) {
		return append(value.Vector{}, args...), nil
	})
	b.Register("hash-map", func(args []value.Value) (value.Value, error) {
		m, err := value.NewMap(args...)
		if err != nil {
			return nil, evalError("%v", err)
		}
		return m, nil
	})
	b.Register("count", func(args []value.Value) (value.Value, error) {
		if err := arity("count", args, 1); err != nil {
			return nil, err
		}
		switch x := value.OrNil(args[0]).(type) {
		case value.Vector:
			return value.Int(len(x)), nil
		case value.List:
			return value.Int(len(x)), nil
		case value.Map:
			return value.Int(len(x)), nil
		case value.String:
			return value.Int(len([]rune(string(x)))), nil
		case value.Nil:
			return value.Int(0), nil
		default:
			return nil, evalError("count: unsupported %s", x.Kind())
		}
	})
	b.Register("get", func(args []value.Value) (value.Value, error) {
		if len(args) < 2 || len(args) > 3 {
			return nil, evalError("get: expected 2 or 3 arguments, got %d", len(args))
		}
		def := value.Value(value.Nil{})
		if len(args) == 3 {
			def = args[2]
		}
		switch coll := value.OrNil(args[0]).(type) {
		case value.Map:
			k, ok := value.KeyOf(args[1])
			if !ok {
				return def, nil
			}
			if v, ok := coll[k]; ok {
				return v, nil
			}
		case value.Vector:
			if i, ok := args[1].(value.Int); ok && i >= 0 && int(i) < len(coll) {
				return coll[i], nil
			}
		}
		return def, nil
	})
	b.Register("assoc", func(args []value.Value) (value.Value, error) {
		if len(args) < 3 || len(args)%2 == 0 {
			return nil, evalError("assoc: expected a map and key/value pairs")
		}
		base, ok := value.OrNil(args[0]).(value.Map)
		if !ok {
			if _, isNil := value.OrNil(args[0]).(value.Nil); !isNil {
				return nil, evalError("assoc: first argument must be a map")
			}
		}
		out := value.Map{}
		if base != nil {
			out = value.Clone(base).(value.Map)
		}
		for i := 1; i < len(args); i += 2 {
			k, ok := value.KeyOf(args[i])
			if !ok {
				return nil, evalError("assoc: invalid key %s", args[i])
			}
			out[k] = value.OrNil(args[i+1])
		}
		return out, nil
	})
	b.Register("conj", func(args []value.Value) (value.Value, error) {
		if len(args) < 1 {
			return nil, evalError("conj: expected a collection")
		}
		var base value.Vector
		switch x := value.OrNil(args[0]).(type) {
		case value.Vector:
			base = x
		case value.Nil:
		default:
			return nil, evalError("conj: unsupported %s", x.Kind())
		}
		out := make(value.Vector, 0, len(base)+len(args)-1)
		out = append(out, base...)
		return append(out, args[1:]...), nil
	})
	b.Register("nil?", func(args []value.Value) (value.Value, error) {
		if err := arity("nil?", args, 1); err != nil {
			return nil, err
		}
		_, isNil := value.OrNil(args[0]).(value.Nil)
		return value.Bool(isNil), nil
	})
	b.Register("type-of", func(args []value.Value) (value.Value, error) {
		if err := arity("type-of", args, 1); err != nil {
			return nil, err
		}
		return value.Keyword(value.OrNil(args[0]).Kind().String()), nil
	})
	b.Register("error", func(args []value.Value) (value.Value, error) {
		return newErrorValue(args), nil
	})
	b.Register("throw", func(args []value.Value) (value.Value, error) {
		if len(args) == 1 {
			if e, ok := args[0].(*value.Error); ok {
				return nil, e
			}
		}
		return nil, newErrorValue(args)
	})
	b.Register("error-message", func(args []value.Value) (value.Value, error) {
		if err := arity("error-message", args, 1); err != nil {
			return nil, err
		}
		e, ok := args[0].(*value.Error)
		if !ok {
			return nil, evalError("error-message: not an error")
		}
		return value.String(e.Message), nil
	})
	return b
}

func newErrorValue(args []value.Value) *value.Error {
	e := &value.Error{Message: "error", Code: "USER_ERROR"}
	if len(args) > 0 {
		if s, ok := args[0].(value.String); ok {
			e.Message = string(s)
		} else {
			e.Message = value.OrNil(args[0]).String()
		}
	}
	if len(args) > 1 {
		switch c := args[1].(type) {
		case value.Keyword:
			e.Code = string(c)
		case value.String:
			e.Code = string(c)
		}
	}
	return e
}

func arity(name string, args []value.Value, n int) error {
	if len(args) != n {
		return evalError("%s: expected %d argument(s), got %d", name, n, len(args))
	}
	return nil
}

func arith(name string, ints func(a, b int64) int64, floats func(a, b float64) float64, unit int64) func([]value.Value) (value.Value, error) {
	return func(args []value.Value) (value.Value, error) {
		accI, accF, isFloat := unit, float64(unit), false
		for _, a := range args {
			switch x := value.OrNil(a).(type) {
			case value.Int:
				accI = ints(accI, int64(x))
				accF = floats(accF, float64(x))
			case value.Float:
				isFloat = true
				accF = floats(accF, float64(x))
			default:
				return nil, evalError("%s: expected numbers, got %s", name, x.Kind())
			}
		}
		if isFloat {
			return value.Float(accF), nil
		}
		return value.Int(accI), nil
	}
}

func minus(args []value.Value) (value.Value, error) {
	if len(args) == 0 {
		return nil, evalError("-: expected at least one argument")
	}
	if len(args) == 1 {
		return arith("-", func(a, b int64) int64 { return a - b }, func(a, b float64) float64 { return a - b }, 0)(args)
	}
	rest, err := arith("+", func(a, b int64) int64 { return a + b }, func(a, b float64) float64 { return a + b }, 0)(args[1:])
	if err != nil {
		return nil, err
	}
	return arith("-", func(a, b int64) int64 { return a - b }, func(a, b float64) float64 { return a - b }, 0)(
		[]value.Value{negate(args[0]), rest})
}

func negate(v value.Value) value.Value {
	switch x := v.(type) {
	case value.Int:
		return -x
	case value.Float:
		return -x
	default:
		return v
	}
}

func divide(args []value.Value) (value.Value, error) {
	if len(args) != 2 {
		return nil, evalError("/: expected 2 arguments, got %d", len(args))
	}
	a, aok := toFloat(args[0])
	b, bok := toFloat(args[1])
	if !aok || !bok {
		return nil, evalError("/: expected numbers")
	}
	ai, aInt := args[0].(value.Int)
	bi, bInt := args[1].(value.Int)
	if aInt && bInt {
		if bi == 0 {
			return nil, evalError("/: division by zero")
		}
		if ai%bi == 0 {
			return ai / bi, nil
		}
	}
	if b == 0 {
		return nil, evalError("/: division by zero")
	}
	return value.Float(a / b), nil
}

func toFloat(v value.Value) (float64, bool) {
	switch x := v.(type) {
	case value.Int:
		return float64(x), true
	case value.Float:
		return float64(x), true
	default:
		return 0, false
	}
}

func compare(name string, ok func(int) bool) func([]value.Value) (value.Value, error) {
	return func(args []value.Value) (value.Value, error) {
		if len(args) < 2 {
			return nil, evalError("%s: expected at least 2 arguments", name)
		}
		for i := 0; i+1 < len(args); i++ {
			c, err := cmp(args[i], args[i+1])
			if err != nil {
				return nil, evalError("%s: %v", name, err)
			}
			if !ok(c) {
				return value.Bool(false), nil
			}
		}
		return value.Bool(true), nil
	}
}

func cmp(a, b value.Value) (int, error) {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		if !ok {
			return 0, fmt.Errorf("cannot compare %s with %s", value.OrNil(a).Kind(), value.OrNil(b).Kind())
		}
		switch {
		case fa < fb:
			return -1, nil
		case fa > fb:
			return 1, nil
		}
		return 0, nil
	}
	sa, aok := a.(value.String)
	sb, bok := b.(value.String)
	if aok && bok {
		return strings.Compare(string(sa), string(sb)), nil
	}
	return 0, fmt.Errorf("cannot compare %s with %s", value.OrNil(a).Kind(), value.OrNil(b).Kind())
}
