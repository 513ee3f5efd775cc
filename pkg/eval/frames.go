package eval

import (
	"time"

	"github.com/jllopis/rtfscore/pkg/execctx"
	"github.com/jllopis/rtfscore/pkg/value"
)

var nowUTC = func() time.Time { return time.Now().UTC() }

// frame is a pending continuation: it receives the value of the
// sub-expression it was waiting for.
type frame interface {
	ret(m *Machine, v value.Value)
}

// unwinder frames undo their effect when an error passes through them.
type unwinder interface {
	unwind(m *Machine, e *value.Error)
}

// handler frames may stop an error. handle reports whether it did.
type handler interface {
	handle(m *Machine, e *value.Error) bool
}

// releaser frames give back context nodes they hold when the program is
// dropped without finishing.
type releaser interface {
	release(m *Machine)
}

type seqFrame struct {
	body []Expr
	next int
}

func (f *seqFrame) ret(m *Machine, _ value.Value) {
	e := f.body[f.next]
	f.next++
	if f.next < len(f.body) {
		m.push(f)
	}
	m.eval(e)
}

type ifFrame struct {
	then, els Expr
}

func (f *ifFrame) ret(m *Machine, v value.Value) {
	switch {
	case value.Truthy(v):
		m.eval(f.then)
	case f.els != nil:
		m.eval(f.els)
	default:
		m.ret(value.Nil{})
	}
}

type letFrame struct {
	let *Let
	i   int
}

func (f *letFrame) ret(m *Machine, v value.Value) {
	if err := m.mgr.Set(f.let.Bindings[f.i].Name, v); err != nil {
		m.raise(fromGoError(err))
		return
	}
	f.i++
	if f.i < len(f.let.Bindings) {
		m.push(f)
		m.eval(f.let.Bindings[f.i].Value)
		return
	}
	m.evalBody(f.let.Body)
}

type defFrame struct {
	name string
}

func (f *defFrame) ret(m *Machine, v value.Value) {
	if c, ok := v.(*Closure); ok && c.Ident == "" {
		c.Ident = f.name
	}
	if err := m.mgr.Set(f.name, v); err != nil {
		m.raise(fromGoError(err))
		return
	}
	m.ret(v)
}

type collectFrame struct {
	items []Expr
	vals  []value.Value
	build func([]value.Value) (value.Value, *value.Error)
}

func (f *collectFrame) ret(m *Machine, v value.Value) {
	f.vals = append(f.vals, v)
	if len(f.vals) < len(f.items) {
		m.push(f)
		m.eval(f.items[len(f.vals)])
		return
	}
	out, err := f.build(f.vals)
	if err != nil {
		m.raise(err)
		return
	}
	m.ret(out)
}

// headFrame waits for the function position of a call.
type headFrame struct {
	args []Expr
}

func (f *headFrame) ret(m *Machine, fn value.Value) {
	m.evalArgs(&argsFrame{fn: fn, exprs: f.args})
}

// argsFrame accumulates evaluated arguments, then applies fn or, when host
// is set, asks the host to run that symbol.
type argsFrame struct {
	fn    value.Value
	host  string
	exprs []Expr
	vals  []value.Value
}

func (f *argsFrame) ret(m *Machine, v value.Value) {
	f.vals = append(f.vals, v)
	if len(f.vals) < len(f.exprs) {
		m.push(f)
		m.eval(f.exprs[len(f.vals)])
		return
	}
	f.dispatch(m)
}

func (f *argsFrame) dispatch(m *Machine) {
	if f.host != "" {
		m.requestHost(f.host, f.vals)
		return
	}
	m.apply(f.fn, f.vals)
}

type stepInfo struct {
	label    string
	id       execctx.ID
	parent   execctx.ID
	parallel bool
}

// scopeFrame returns to prev once the scoped body of node id finishes,
// whether it finished normally or by error. The node is marked finished
// unless the result still captures it.
type scopeFrame struct {
	id   execctx.ID
	prev execctx.ID
	step *stepInfo
}

func (f *scopeFrame) ret(m *Machine, v value.Value) {
	var err error
	if m.captures(v, f.id) {
		err = m.mgr.SwitchTo(f.prev)
	} else {
		err = m.mgr.Leave(f.id, f.prev)
	}
	if err != nil {
		m.raise(fromGoError(err))
		return
	}
	if f.step != nil {
		m.notify(StepCompleted, f.step, v, nil)
	}
	m.ret(v)
}

func (f *scopeFrame) unwind(m *Machine, e *value.Error) {
	f.release(m)
	if f.step != nil {
		e.StackTrace = append(e.StackTrace, "step "+f.step.label)
		m.notify(StepFailed, f.step, nil, e)
	}
}

func (f *scopeFrame) release(m *Machine) {
	if err := m.mgr.Leave(f.id, f.prev); err != nil {
		_ = m.mgr.SwitchTo(f.prev)
	}
}

// parallelFrame runs branches one after another; every branch is forked
// before the first one starts, so each sees the parent as it was at fork
// time. Merges happen only after all branches finished, in branch order.
type parallelFrame struct {
	sp      *StepParallel
	ids     []execctx.ID
	prev    execctx.ID
	i       int
	results value.Vector
}

func (f *parallelFrame) info() *stepInfo {
	return &stepInfo{label: f.sp.Branches[f.i].Label, id: f.ids[f.i], parent: f.prev, parallel: true}
}

func (f *parallelFrame) startBranch(m *Machine) {
	if err := m.mgr.SwitchTo(f.ids[f.i]); err != nil {
		f.release(m)
		m.raise(fromGoError(err))
		return
	}
	m.notify(StepStarted, f.info(), nil, nil)
	m.push(f)
	m.evalBody(f.sp.Branches[f.i].Body)
}

func (f *parallelFrame) ret(m *Machine, v value.Value) {
	f.results[f.i] = v
	m.notify(StepCompleted, f.info(), v, nil)
	if err := m.mgr.SwitchTo(f.prev); err != nil {
		f.release(m)
		m.raise(fromGoError(err))
		return
	}
	f.i++
	if f.i < len(f.ids) {
		f.startBranch(m)
		return
	}
	for _, id := range f.ids {
		if err := m.mgr.MergeChildToParent(id, f.sp.Policy); err != nil {
			m.mgr.Abandon(f.ids...)
			m.raise(fromGoError(err))
			return
		}
	}
	m.ret(f.results)
}

func (f *parallelFrame) unwind(m *Machine, e *value.Error) {
	f.release(m)
	e.StackTrace = append(e.StackTrace, "branch "+f.sp.Branches[f.i].Label)
	m.notify(StepFailed, f.info(), nil, e)
}

// release drops every branch of the group; none of them will be merged.
func (f *parallelFrame) release(m *Machine) {
	_ = m.mgr.SwitchTo(f.prev)
	m.mgr.Abandon(f.ids...)
}

type tryFrame struct {
	try   *Try
	ctxID execctx.ID
}

func (f *tryFrame) ret(m *Machine, v value.Value) {
	if len(f.try.Finally) > 0 {
		m.push(&finallyDone{result: v})
		m.evalBody(f.try.Finally)
		return
	}
	m.ret(v)
}

func (f *tryFrame) handle(m *Machine, e *value.Error) bool {
	_ = m.mgr.SwitchTo(f.ctxID)
	if !f.try.HasCatch {
		if len(f.try.Finally) == 0 {
			return false
		}
		m.push(&finallyDone{pending: e})
		m.evalBody(f.try.Finally)
		return true
	}
	if len(f.try.Finally) > 0 {
		m.push(&finallyFrame{body: f.try.Finally})
	}
	id, err := m.mgr.EnterStep("catch", execctx.Inherit)
	if err != nil {
		m.raise(fromGoError(err))
		return true
	}
	m.push(&scopeFrame{id: id, prev: f.ctxID})
	if f.try.CatchName != "" {
		if err := m.mgr.Set(f.try.CatchName, e); err != nil {
			m.raise(fromGoError(err))
			return true
		}
	}
	m.evalBody(f.try.Catch)
	return true
}

// finallyFrame sits under a catch body so the finally block runs whether
// the catch completes or raises.
type finallyFrame struct {
	body []Expr
}

func (f *finallyFrame) ret(m *Machine, v value.Value) {
	m.push(&finallyDone{result: v})
	m.evalBody(f.body)
}

func (f *finallyFrame) handle(m *Machine, e *value.Error) bool {
	m.push(&finallyDone{pending: e})
	m.evalBody(f.body)
	return true
}

// finallyDone discards the finally block's value and either returns the
// protected result or re-raises the pending error.
type finallyDone struct {
	result  value.Value
	pending *value.Error
}

func (f *finallyDone) ret(m *Machine, _ value.Value) {
	if f.pending != nil {
		m.raise(f.pending)
		return
	}
	m.ret(f.result)
}
