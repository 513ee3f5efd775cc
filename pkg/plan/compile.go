package plan

import (
	"sort"
	"strings"

	"github.com/jllopis/rtfscore/pkg/eval"
	"github.com/jllopis/rtfscore/pkg/value"
)

// argExpr turns an authored argument into an expression: "$name" reads a
// binding, anything else is a literal.
func argExpr(raw any) (eval.Expr, error) {
	if s, ok := raw.(string); ok && strings.HasPrefix(s, "$") {
		if strings.HasPrefix(s, "$$") {
			return eval.L(value.String(s[1:])), nil
		}
		return eval.S(s[1:]), nil
	}
	v, err := value.FromNative(raw)
	if err != nil {
		return nil, err
	}
	return eval.L(v), nil
}

// bindingExprs defines bindings in key order.
func bindingExprs(bindings map[string]any) ([]eval.Expr, error) {
	keys := make([]string, 0, len(bindings))
	for k := range bindings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]eval.Expr, 0, len(keys))
	for _, k := range keys {
		e, err := argExpr(bindings[k])
		if err != nil {
			return nil, err
		}
		out = append(out, eval.DefOf(k, e))
	}
	return out, nil
}

// callExpr invokes the capability, binding the result when requested.
func callExpr(c *Call) (eval.Expr, error) {
	args := make([]eval.Expr, 0, len(c.Args))
	for _, a := range c.Args {
		e, err := argExpr(a)
		if err != nil {
			return nil, err
		}
		args = append(args, e)
	}
	inv := eval.InvokeOf(c.Symbol, args...)
	if c.Bind == "" {
		return inv, nil
	}
	return eval.DefOf(c.Bind, inv), nil
}

// stepExpr is the local work of a step, or nil when there is none.
func stepExpr(st Step) (eval.Expr, error) {
	body, err := bindingExprs(st.Bindings)
	if err != nil {
		return nil, err
	}
	if st.Call != nil {
		c, err := callExpr(st.Call)
		if err != nil {
			return nil, err
		}
		body = append(body, c)
	}
	if len(body) == 0 {
		return nil, nil
	}
	return eval.DoAll(body...), nil
}
