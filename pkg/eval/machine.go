// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package eval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/rtfscore/pkg/effect"
	rterrors "github.com/jllopis/rtfscore/pkg/errors"
	"github.com/jllopis/rtfscore/pkg/execctx"
	"github.com/jllopis/rtfscore/pkg/value"
)

// Closure is a user function. It captures the context node it was defined
// in; calls run in a fresh child of that node.
type Closure struct {
	Ident  string
	Params []string
	Body   []Expr
	Env    execctx.ID
}

func (c *Closure) Kind() value.Kind { return value.KindFunction }
func (c *Closure) Name() string {
	if c.Ident == "" {
		return "anonymous"
	}
	return c.Ident
}
func (c *Closure) String() string { return "#fn " + c.Name() }

// ContextRef keeps the defining node alive while the closure is reachable.
func (c *Closure) ContextRef() execctx.ID { return c.Env }

// Option configures a Machine.
type Option func(*Machine)

// WithBuiltins replaces the pure builtin set.
func WithBuiltins(b Builtins) Option {
	return func(m *Machine) { m.builtins = b }
}

// WithImpurity sets how impure symbols are recognized.
func WithImpurity(i Impurity) Option {
	return func(m *Machine) { m.impurity = i }
}

// WithObserver registers a step observer.
func WithObserver(o StepObserver) Option {
	return func(m *Machine) { m.observer = o }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithCallContext adds entries to every HostCall's metadata context.
func WithCallContext(kv map[string]string) Option {
	return func(m *Machine) {
		for k, v := range kv {
			m.callContext[k] = v
		}
	}
}

// Machine evaluates one program at a time against a context manager. Start
// runs until the program completes or needs the host; Resume continues a
// suspended program with the host's response.
type Machine struct {
	mgr      *execctx.Manager
	builtins Builtins
	impurity Impurity
	observer StepObserver
	logger   *slog.Logger
	tracer   trace.Tracer

	callContext map[string]string
	boundary    effect.Boundary

	// registers
	frames    []frame
	expr      Expr
	val       value.Value
	returning bool
	pending   *effect.HostCall
	uncaught  *value.Error
	startID   execctx.ID
	active    bool
	runCtx    context.Context
}

// New creates a machine bound to mgr, which must already be initialized.
func New(mgr *execctx.Manager, opts ...Option) *Machine {
	m := &Machine{
		mgr:         mgr,
		builtins:    StandardBuiltins(),
		impurity:    DefaultImpurity(),
		logger:      slog.Default(),
		tracer:      otel.Tracer("rtfs/eval"),
		callContext: map[string]string{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Manager returns the context manager the machine evaluates against.
func (m *Machine) Manager() *execctx.Manager { return m.mgr }

// State reports whether the machine is waiting on the host.
func (m *Machine) State() effect.State { return m.boundary.State() }

// Pending returns the outstanding host call, if any.
func (m *Machine) Pending() (effect.HostCall, uint64, bool) { return m.boundary.Pending() }

// Start begins evaluating expr. It fails if a previous program is still
// suspended.
func (m *Machine) Start(ctx context.Context, expr Expr) (effect.Outcome, error) {
	if m.active {
		return effect.Outcome{}, rterrors.New(rterrors.CodeInvalidInput, "machine is busy with a suspended program", nil)
	}
	if expr == nil {
		return effect.Complete(value.Nil{}), nil
	}
	start := m.mgr.CurrentID()
	if start == "" {
		return effect.Outcome{}, rterrors.New(rterrors.CodeNotInitialized, "context manager is not initialized", nil)
	}
	m.frames = m.frames[:0]
	m.uncaught = nil
	m.pending = nil
	m.startID = start
	m.active = true
	m.eval(expr)
	return m.run(ctx, "start")
}

// Resume continues a suspended program. seq must match the Outcome.Seq of
// the suspension being answered, or be zero to answer whichever call is
// pending. Resuming twice fails with CodeInvalidResume.
func (m *Machine) Resume(ctx context.Context, seq uint64, resp effect.Response) (effect.Outcome, error) {
	call, pendingSeq, _ := m.boundary.Pending()
	if err := m.boundary.Resume(seq); err != nil {
		return effect.Outcome{}, err
	}
	m.logger.DebugContext(ctx, "eval.resume",
		slog.String("fn_symbol", call.FnSymbol),
		slog.Uint64("seq", pendingSeq),
		slog.Bool("failed", resp.Failed()),
	)
	if resp.Failed() {
		e := cloneErr(resp.Err)
		e.StackTrace = append(e.StackTrace, "call "+call.FnSymbol)
		m.raise(e)
	} else {
		m.ret(resp.Value)
	}
	return m.run(ctx, "resume")
}

// Abort drops a suspended program and restores the current context to where
// it started. Nodes created by the program are left in the store.
func (m *Machine) Abort() {
	if !m.active {
		return
	}
	m.boundary.Reset()
	m.finish()
}

func (m *Machine) finish() {
	for i := len(m.frames) - 1; i >= 0; i-- {
		if r, ok := m.frames[i].(releaser); ok {
			r.release(m)
		}
	}
	if m.startID != "" {
		_ = m.mgr.SwitchTo(m.startID)
	}
	m.frames = m.frames[:0]
	m.pending = nil
	m.active = false
	m.runCtx = nil
}

func (m *Machine) run(ctx context.Context, phase string) (effect.Outcome, error) {
	ctx, span := m.tracer.Start(ctx, "Evaluator.Run",
		trace.WithAttributes(
			attribute.String("rtfs.eval.phase", phase),
			attribute.String("rtfs.context.id", string(m.mgr.CurrentID())),
		),
	)
	defer span.End()
	m.runCtx = ctx

	for steps := 0; ; steps++ {
		if steps%1024 == 0 {
			if err := ctx.Err(); err != nil {
				m.Abort()
				span.RecordError(err)
				span.SetStatus(codes.Error, "cancelled")
				return effect.Outcome{}, rterrors.New(rterrors.CodeTimeout, "evaluation cancelled", err)
			}
		}
		if m.uncaught != nil {
			e := m.uncaught
			m.finish()
			span.SetStatus(codes.Error, e.Message)
			return effect.Outcome{}, rterrors.New(rterrors.CodeEvaluation, "uncaught error", languageError(e)).
				WithContext("error_code", e.Code).
				WithContext("trace", e.StackTrace)
		}
		if m.pending != nil {
			call := *m.pending
			m.pending = nil
			out, err := m.boundary.Suspend(call)
			if err != nil {
				m.Abort()
				return effect.Outcome{}, err
			}
			span.SetAttributes(
				attribute.String("rtfs.host.fn_symbol", call.FnSymbol),
				attribute.Int64("rtfs.host.seq", int64(out.Seq)),
			)
			m.logger.DebugContext(ctx, "eval.suspend",
				slog.String("fn_symbol", call.FnSymbol),
				slog.Int("args", len(call.Args)),
				slog.Uint64("seq", out.Seq),
			)
			return out, nil
		}
		if !m.returning {
			m.step(m.expr)
			continue
		}
		if len(m.frames) == 0 {
			v := value.OrNil(m.val)
			m.finish()
			return effect.Complete(v), nil
		}
		f := m.frames[len(m.frames)-1]
		m.frames = m.frames[:len(m.frames)-1]
		f.ret(m, m.val)
	}
}

func (m *Machine) eval(e Expr) {
	m.expr = e
	m.returning = false
}

func (m *Machine) ret(v value.Value) {
	m.val = value.OrNil(v)
	m.returning = true
}

func (m *Machine) push(f frame) {
	m.frames = append(m.frames, f)
}

func (m *Machine) evalBody(body []Expr) {
	switch len(body) {
	case 0:
		m.ret(value.Nil{})
	case 1:
		m.eval(body[0])
	default:
		m.push(&seqFrame{body: body, next: 1})
		m.eval(body[0])
	}
}

func (m *Machine) step(e Expr) {
	switch x := e.(type) {
	case *Lit:
		m.ret(value.Clone(value.OrNil(x.V)))
	case *Sym:
		m.lookup(x.Name)
	case *VecExpr:
		m.collect(x.Items, func(vals []value.Value) (value.Value, *value.Error) {
			return value.Vector(vals), nil
		})
	case *MapExpr:
		m.collect(x.Entries, func(vals []value.Value) (value.Value, *value.Error) {
			mp, err := value.NewMap(vals...)
			if err != nil {
				return nil, evalError("%v", err)
			}
			return mp, nil
		})
	case *If:
		m.push(&ifFrame{then: x.Then, els: x.Else})
		m.eval(x.Cond)
	case *Do:
		m.evalBody(x.Body)
	case *Let:
		prev := m.mgr.CurrentID()
		id, err := m.mgr.EnterStep("let", execctx.Inherit)
		if err != nil {
			m.raise(fromGoError(err))
			return
		}
		m.push(&scopeFrame{id: id, prev: prev})
		if len(x.Bindings) == 0 {
			m.evalBody(x.Body)
			return
		}
		m.push(&letFrame{let: x})
		m.eval(x.Bindings[0].Value)
	case *Def:
		m.push(&defFrame{name: x.Name})
		m.eval(x.Value)
	case *Fn:
		m.ret(&Closure{Ident: x.Name, Params: x.Params, Body: x.Body, Env: m.mgr.CurrentID()})
	case *Call:
		if sym, ok := x.Fn.(*Sym); ok && m.hostBound(sym.Name) {
			m.evalArgs(&argsFrame{host: sym.Name, exprs: x.Args})
			return
		}
		m.push(&headFrame{args: x.Args})
		m.eval(x.Fn)
	case *Invoke:
		m.evalArgs(&argsFrame{host: x.Symbol, exprs: x.Args})
	case *Step:
		m.enterStep(x)
	case *StepParallel:
		m.startParallel(x)
	case *Try:
		m.push(&tryFrame{try: x, ctxID: m.mgr.CurrentID()})
		m.evalBody(x.Body)
	default:
		m.raise(evalError("unsupported expression %T", e))
	}
}

func (m *Machine) lookup(name string) {
	if v, ok := m.mgr.Get(name); ok {
		m.ret(v)
		return
	}
	if b, ok := m.builtins[name]; ok {
		m.ret(b)
		return
	}
	if m.impurity.IsImpure(name) {
		m.ret(value.FuncRef{Ref: name})
		return
	}
	m.raise(evalError("unbound symbol %s", name))
}

// hostBound reports whether a call to name goes to the host: the symbol is
// impure and not shadowed by a binding or builtin.
func (m *Machine) hostBound(name string) bool {
	if !m.impurity.IsImpure(name) {
		return false
	}
	if _, ok := m.builtins[name]; ok {
		return false
	}
	_, bound := m.mgr.Get(name)
	return !bound
}

func (m *Machine) collect(items []Expr, build func([]value.Value) (value.Value, *value.Error)) {
	if len(items) == 0 {
		v, err := build(nil)
		if err != nil {
			m.raise(err)
			return
		}
		m.ret(v)
		return
	}
	m.push(&collectFrame{items: items, build: build, vals: make([]value.Value, 0, len(items))})
	m.eval(items[0])
}

func (m *Machine) evalArgs(f *argsFrame) {
	if len(f.exprs) == 0 {
		f.dispatch(m)
		return
	}
	f.vals = make([]value.Value, 0, len(f.exprs))
	m.push(f)
	m.eval(f.exprs[0])
}

func (m *Machine) apply(fn value.Value, args []value.Value) {
	switch f := value.OrNil(fn).(type) {
	case *value.Builtin:
		v, err := f.Call(args)
		if err != nil {
			m.raise(toValueError(err))
			return
		}
		m.ret(v)
	case *Closure:
		m.applyClosure(f, args)
	case value.FuncRef:
		if b, ok := m.builtins[f.Ref]; ok {
			m.apply(b, args)
			return
		}
		if m.impurity.IsImpure(f.Ref) {
			m.requestHost(f.Ref, args)
			return
		}
		m.raise(evalError("function %s is not available in this runtime", f.Ref))
	case value.Keyword:
		if len(args) < 1 {
			m.raise(evalError("keyword lookup needs a map"))
			return
		}
		mp, _ := value.OrNil(args[0]).(value.Map)
		if v, ok := mp[value.KeywordKey(string(f))]; ok {
			m.ret(v)
			return
		}
		if len(args) > 1 {
			m.ret(args[1])
			return
		}
		m.ret(value.Nil{})
	default:
		m.raise(evalError("%s is not callable", value.OrNil(fn)))
	}
}

func (m *Machine) applyClosure(c *Closure, args []value.Value) {
	if len(args) != len(c.Params) {
		m.raise(evalError("%s: expected %d argument(s), got %d", c.Name(), len(c.Params), len(args)))
		return
	}
	prev := m.mgr.CurrentID()
	if err := m.mgr.SwitchTo(c.Env); err != nil {
		m.raise(fromGoError(err))
		return
	}
	id, err := m.mgr.EnterStep("fn:"+c.Name(), execctx.Inherit)
	if err != nil {
		_ = m.mgr.SwitchTo(prev)
		m.raise(fromGoError(err))
		return
	}
	m.push(&scopeFrame{id: id, prev: prev})
	for i, p := range c.Params {
		if err := m.mgr.Set(p, args[i]); err != nil {
			m.raise(fromGoError(err))
			return
		}
	}
	m.evalBody(c.Body)
}

func (m *Machine) requestHost(symbol string, args []value.Value) {
	ctx := make(map[string]string, len(m.callContext)+3)
	for k, v := range m.callContext {
		ctx[k] = v
	}
	cur := m.mgr.CurrentID()
	ctx["context_id"] = string(cur)
	ctx["depth"] = strconv.Itoa(m.mgr.Depth())
	if n, err := m.mgr.Node(cur); err == nil && n.Metadata.StepName != "" {
		ctx["step"] = n.Metadata.StepName
	}
	call := effect.NewHostCall(symbol, args, ctx)
	m.pending = &call
}

func (m *Machine) enterStep(x *Step) {
	prev := m.mgr.CurrentID()
	id, err := m.mgr.EnterStep(x.Label, x.Isolation)
	if err != nil {
		m.raise(fromGoError(err))
		return
	}
	info := &stepInfo{label: x.Label, id: id, parent: prev}
	m.notify(StepStarted, info, nil, nil)
	m.push(&scopeFrame{id: id, prev: prev, step: info})
	m.evalBody(x.Body)
}

func (m *Machine) startParallel(x *StepParallel) {
	prev := m.mgr.CurrentID()
	if len(x.Branches) == 0 {
		m.ret(value.Vector{})
		return
	}
	ids := make([]execctx.ID, len(x.Branches))
	for i, b := range x.Branches {
		id, err := m.mgr.CreateBranch(b.Label, x.Isolation)
		if err != nil {
			m.mgr.Abandon(ids[:i]...)
			m.raise(fromGoError(err))
			return
		}
		ids[i] = id
	}
	f := &parallelFrame{sp: x, ids: ids, prev: prev, results: make(value.Vector, len(ids))}
	f.startBranch(m)
}

// captures reports whether v holds a closure defined in scope or below it.
func (m *Machine) captures(v value.Value, scope execctx.ID) bool {
	for _, ref := range execctx.Refs(v) {
		chain, err := m.mgr.Store().Chain(ref)
		if err != nil {
			continue
		}
		for _, id := range chain {
			if id == scope {
				return true
			}
		}
	}
	return false
}

func (m *Machine) notify(status StepStatus, info *stepInfo, result value.Value, e *value.Error) {
	if m.observer == nil {
		return
	}
	ctx := m.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	m.observer.OnStep(ctx, StepEvent{
		Status:    status,
		Step:      info.label,
		ContextID: info.id,
		ParentID:  info.parent,
		Parallel:  info.parallel,
		Result:    result,
		Err:       e,
		At:        nowUTC(),
	})
}

// raise unwinds the continuation stack to the nearest handler. Without one
// the program fails with the error.
func (m *Machine) raise(e *value.Error) {
	for len(m.frames) > 0 {
		f := m.frames[len(m.frames)-1]
		m.frames = m.frames[:len(m.frames)-1]
		if h, ok := f.(handler); ok && h.handle(m, e) {
			return
		}
		if u, ok := f.(unwinder); ok {
			u.unwind(m, e)
		}
	}
	m.uncaught = e
}

func cloneErr(e *value.Error) *value.Error {
	if e == nil {
		return &value.Error{Message: "unknown error", Code: string(rterrors.CodeEvaluation)}
	}
	return value.Clone(e).(*value.Error)
}

// languageError carries the code of an uncaught language error into the Go
// error chain, so HasCode sees HOST_DENIED through the evaluation failure.
func languageError(e *value.Error) *rterrors.RuntimeError {
	code := rterrors.ErrorCode(e.Code)
	if code == "" {
		code = rterrors.CodeEvaluation
	}
	return rterrors.New(code, e.Message, nil)
}

func toValueError(err error) *value.Error {
	var ve *value.Error
	if errors.As(err, &ve) {
		return cloneErr(ve)
	}
	return fromGoError(err)
}

func fromGoError(err error) *value.Error {
	code := rterrors.CodeOf(err)
	if code == "" {
		code = rterrors.CodeEvaluation
	}
	return &value.Error{Message: err.Error(), Code: string(code)}
}

// Describe renders an outcome for logs and the CLI.
func Describe(o effect.Outcome) string {
	if o.IsComplete() {
		return value.OrNil(o.Value).String()
	}
	return fmt.Sprintf("suspended on %s", o.Call)
}
