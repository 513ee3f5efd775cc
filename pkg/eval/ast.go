// Package eval is a resumable evaluator for RTFS programs. It keeps its own
// continuation stack so that when evaluation reaches an impure call it can
// stop exactly there, hand a HostCall to the host and later continue from the
// same point without re-evaluating anything.
package eval

import (
	"github.com/jllopis/rtfscore/pkg/execctx"
	"github.com/jllopis/rtfscore/pkg/value"
)

// Expr is a node of the program tree.
type Expr interface {
	exprNode()
}

type (
	// Lit evaluates to its value.
	Lit struct{ V value.Value }

	// Sym is a variable reference.
	Sym struct{ Name string }

	// VecExpr builds a vector.
	VecExpr struct{ Items []Expr }

	// MapExpr builds a map from alternating key and value expressions.
	MapExpr struct{ Entries []Expr }

	If struct {
		Cond, Then, Else Expr
	}

	Do struct{ Body []Expr }

	// Let evaluates Bindings in order in a fresh child scope.
	Let struct {
		Bindings []Binding
		Body     []Expr
	}

	// Def binds Name in the current scope.
	Def struct {
		Name  string
		Value Expr
	}

	Fn struct {
		Name   string
		Params []string
		Body   []Expr
	}

	// Call applies Fn to Args. When Fn is an unbound impure symbol the call
	// is sent to the host.
	Call struct {
		Fn   Expr
		Args []Expr
	}

	// Invoke always goes to the host: (call :capability.echo "hi").
	Invoke struct {
		Symbol string
		Args   []Expr
	}

	// Step runs Body in a child context labelled Label.
	Step struct {
		Label     string
		Isolation execctx.IsolationLevel
		Body      []Expr
	}

	// StepParallel forks one branch per entry, runs them and merges each
	// back into the current context under Policy. Its value is the vector
	// of branch results.
	StepParallel struct {
		Branches  []Branch
		Policy    execctx.ConflictResolution
		Isolation execctx.IsolationLevel
	}

	Try struct {
		Body      []Expr
		CatchName string
		Catch     []Expr
		HasCatch  bool
		Finally   []Expr
	}
)

// Binding is one name/value pair of a Let.
type Binding struct {
	Name  string
	Value Expr
}

// Branch is one arm of a StepParallel.
type Branch struct {
	Label string
	Body  []Expr
}

func (*Lit) exprNode()          {}
func (*Sym) exprNode()          {}
func (*VecExpr) exprNode()      {}
func (*MapExpr) exprNode()      {}
func (*If) exprNode()           {}
func (*Do) exprNode()           {}
func (*Let) exprNode()          {}
func (*Def) exprNode()          {}
func (*Fn) exprNode()           {}
func (*Call) exprNode()         {}
func (*Invoke) exprNode()       {}
func (*Step) exprNode()         {}
func (*StepParallel) exprNode() {}
func (*Try) exprNode()          {}

// Constructors keep test and plan code readable.

func L(v value.Value) Expr             { return &Lit{V: v} }
func S(name string) Expr               { return &Sym{Name: name} }
func Vec(items ...Expr) Expr           { return &VecExpr{Items: items} }
func MapOf(entries ...Expr) Expr       { return &MapExpr{Entries: entries} }
func DoAll(body ...Expr) Expr          { return &Do{Body: body} }
func DefOf(name string, v Expr) Expr   { return &Def{Name: name, Value: v} }
func Apply(fn Expr, args ...Expr) Expr { return &Call{Fn: fn, Args: args} }
func CallSym(fn string, args ...Expr) Expr {
	return &Call{Fn: &Sym{Name: fn}, Args: args}
}
func InvokeOf(symbol string, args ...Expr) Expr {
	return &Invoke{Symbol: symbol, Args: args}
}
func IfOf(cond, then, els Expr) Expr {
	return &If{Cond: cond, Then: then, Else: els}
}
func StepOf(label string, body ...Expr) Expr {
	return &Step{Label: label, Isolation: execctx.Inherit, Body: body}
}
