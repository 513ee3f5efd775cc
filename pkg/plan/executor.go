// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package plan

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	rterrors "github.com/jllopis/rtfscore/pkg/errors"
	"github.com/jllopis/rtfscore/pkg/eval"
	"github.com/jllopis/rtfscore/pkg/execctx"
	"github.com/jllopis/rtfscore/pkg/host"
	"github.com/jllopis/rtfscore/pkg/value"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Result holds step values produced while running a plan. Outputs are
// keyed by step path ("fetch", "enrich/a").
type Result struct {
	mu      sync.Mutex
	Last    value.Value
	Outputs map[string]value.Value
}

func newResult() *Result {
	return &Result{Outputs: make(map[string]value.Value)}
}

func (r *Result) set(path string, v value.Value, last bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Outputs[path] = v
	if last {
		r.Last = v
	}
}

// Option configures an Executor.
type Option func(*Executor)

// WithMachineOptions passes options to every evaluator the executor
// creates.
func WithMachineOptions(opts ...eval.Option) Option {
	return func(e *Executor) { e.machineOpts = append(e.machineOpts, opts...) }
}

// WithStepObserver reports plan step transitions.
func WithStepObserver(o eval.StepObserver) Option {
	return func(e *Executor) { e.observer = o }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// Executor runs plan documents.
type Executor struct {
	driver      *host.Driver
	machineOpts []eval.Option
	observer    eval.StepObserver
	logger      *slog.Logger
	tracer      trace.Tracer
}

// NewExecutor creates an executor resolving capabilities through driver.
func NewExecutor(driver *host.Driver, opts ...Option) *Executor {
	e := &Executor{
		driver: driver,
		logger: slog.Default(),
		tracer: otel.Tracer("rtfs/plan"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type defaults struct {
	isolation execctx.IsolationLevel
	policy    execctx.ConflictResolution
}

// Run executes doc starting at mgr's current context, which must be
// initialized. Document bindings are set on that context.
func (e *Executor) Run(ctx context.Context, mgr *execctx.Manager, doc *Document) (*Result, error) {
	if err := doc.Validate(); err != nil {
		return nil, rterrors.New(rterrors.CodeInvalidInput, "invalid plan", err)
	}
	if mgr.CurrentID() == "" {
		return nil, rterrors.New(rterrors.CodeNotInitialized, "context manager is not initialized", nil)
	}
	iso, _ := execctx.ParseIsolation(doc.Isolation)
	policy, _ := execctx.ParseConflictResolution(doc.MergePolicy)
	def := defaults{isolation: iso, policy: policy}

	ctx, span := e.tracer.Start(ctx, "Plan.Run", trace.WithAttributes(attribute.String("plan.id", doc.ID)))
	defer span.End()

	m := e.machine(mgr)
	res := newResult()
	if len(doc.Bindings) > 0 {
		body, err := bindingExprs(doc.Bindings)
		if err != nil {
			return nil, rterrors.New(rterrors.CodeInvalidInput, "plan bindings", err)
		}
		if _, err := e.driver.Run(ctx, m, eval.DoAll(body...)); err != nil {
			return nil, err
		}
	}
	for _, st := range doc.Steps {
		if err := e.runStep(ctx, mgr, m, st, "", def, false, res); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "plan failed")
			return res, err
		}
	}
	e.logger.InfoContext(ctx, "plan.complete",
		slog.String("plan_id", doc.ID),
		slog.Int("outputs", len(res.Outputs)),
	)
	return res, nil
}

func (e *Executor) machine(mgr *execctx.Manager) *eval.Machine {
	return eval.New(mgr, e.machineOpts...)
}

func (e *Executor) runStep(ctx context.Context, mgr *execctx.Manager, m *eval.Machine, st Step, parent string, def defaults, parallel bool, res *Result) error {
	path := joinPath(parent, st.Name)
	ctx, span := e.tracer.Start(ctx, "Plan.Step",
		trace.WithAttributes(
			attribute.String("plan.step", path),
			attribute.Bool("plan.step.parallel", parallel),
		),
	)
	defer span.End()

	prev := mgr.CurrentID()
	iso := def.isolation
	if st.Isolation != "" {
		iso, _ = execctx.ParseIsolation(st.Isolation)
	}
	var (
		id  execctx.ID
		err error
	)
	if parallel {
		id = prev
		if n, nerr := mgr.Node(id); nerr == nil {
			prev = n.Parent
		}
	} else if id, err = mgr.EnterStep(st.Name, iso); err != nil {
		return err
	}
	e.notify(ctx, eval.StepStarted, st.Name, id, prev, parallel, nil, nil)

	v, err := e.runBody(ctx, mgr, m, st, path, def, res)
	if !parallel {
		if serr := mgr.Leave(id, prev); serr != nil && err == nil {
			err = serr
		}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "step failed")
		e.notify(ctx, eval.StepFailed, st.Name, id, prev, parallel, nil, toValueError(err))
		return stepError(path, err)
	}
	e.notify(ctx, eval.StepCompleted, st.Name, id, prev, parallel, v, nil)

	if !parallel && st.Merge != MergeNone {
		policy := def.policy
		if st.Merge != "" {
			policy, _ = execctx.ParseConflictResolution(st.Merge)
		}
		if err := mgr.MergeChildToParent(id, policy); err != nil {
			return stepError(path, err)
		}
	}
	if st.Checkpoint {
		if _, err := mgr.Checkpoint(ctx, "step:"+path); err != nil {
			return stepError(path, err)
		}
	}
	res.set(path, v, parent == "")
	return nil
}

// runBody evaluates the step's own bindings and call in the step context,
// then its nested steps or parallel group. The step value is the call
// result, else the last nested value.
func (e *Executor) runBody(ctx context.Context, mgr *execctx.Manager, m *eval.Machine, st Step, path string, def defaults, res *Result) (value.Value, error) {
	if st.Parallel != nil {
		return e.runParallel(ctx, mgr, st, path, def, res)
	}
	var out value.Value = value.Nil{}
	expr, err := stepExpr(st)
	if err != nil {
		return nil, rterrors.New(rterrors.CodeInvalidInput, "step body", err)
	}
	if expr != nil {
		v, err := e.driver.Run(ctx, m, expr)
		if err != nil {
			return nil, err
		}
		if st.Call != nil {
			out = v
		}
	}
	for i, child := range st.Steps {
		if err := e.runStep(ctx, mgr, m, child, path, def, false, res); err != nil {
			return nil, err
		}
		if st.Call == nil && i == len(st.Steps)-1 {
			res.mu.Lock()
			out = res.Outputs[joinPath(path, child.Name)]
			res.mu.Unlock()
		}
	}
	return out, nil
}

// runParallel forks every branch before any of them runs, so each one sees
// the parent as it was at fork time, and merges them in declaration order
// once all have finished. If any branch fails nothing is merged.
func (e *Executor) runParallel(ctx context.Context, mgr *execctx.Manager, st Step, path string, def defaults, res *Result) (value.Value, error) {
	p := st.Parallel
	iso := execctx.Isolated
	if p.Isolation != "" {
		iso, _ = execctx.ParseIsolation(p.Isolation)
	}
	policy := def.policy
	if p.MergePolicy != "" {
		policy, _ = execctx.ParseConflictResolution(p.MergePolicy)
	}

	ids := make([]execctx.ID, len(p.Branches))
	merged := false
	defer func() {
		if !merged {
			mgr.Abandon(ids...)
		}
	}()
	for i, b := range p.Branches {
		id, err := mgr.CreateBranch(b.Name, iso)
		if err != nil {
			return nil, err
		}
		ids[i] = id
	}

	errs := make([]error, len(p.Branches))
	start := time.Now()
	if p.Concurrent {
		var wg sync.WaitGroup
		for i, b := range p.Branches {
			view, err := mgr.View(ids[i])
			if err != nil {
				errs[i] = err
				break
			}
			wg.Add(1)
			go func(i int, b Step, view *execctx.Manager) {
				defer wg.Done()
				defer view.Close()
				errs[i] = e.runStep(ctx, view, e.machine(view), b, path, def, true, res)
			}(i, b, view)
		}
		wg.Wait()
	} else {
		prev := mgr.CurrentID()
		for i, b := range p.Branches {
			if err := mgr.SwitchTo(ids[i]); err != nil {
				return nil, err
			}
			errs[i] = e.runStep(ctx, mgr, e.machine(mgr), b, path, def, true, res)
			if err := mgr.SwitchTo(prev); err != nil {
				return nil, err
			}
			if errs[i] != nil {
				break
			}
		}
	}
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	out := make(value.Vector, len(p.Branches))
	for i, b := range p.Branches {
		if err := mgr.MergeChildToParent(ids[i], policy); err != nil {
			return nil, err
		}
		res.mu.Lock()
		out[i] = value.OrNil(res.Outputs[joinPath(path, b.Name)])
		res.mu.Unlock()
	}
	merged = true
	e.logger.DebugContext(ctx, "plan.parallel.merged",
		slog.String("step", path),
		slog.Int("branches", len(ids)),
		slog.Bool("concurrent", p.Concurrent),
		slog.String("policy", policy.String()),
		slog.Duration("elapsed", time.Since(start)),
	)
	return out, nil
}

func (e *Executor) notify(ctx context.Context, status eval.StepStatus, name string, id, parent execctx.ID, parallel bool, v value.Value, verr *value.Error) {
	if e.observer == nil {
		return
	}
	e.observer.OnStep(ctx, eval.StepEvent{
		Status:    status,
		Step:      name,
		ContextID: id,
		ParentID:  parent,
		Parallel:  parallel,
		Result:    v,
		Err:       verr,
		At:        time.Now().UTC(),
	})
}

func joinPath(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "/" + name
}

func stepError(path string, err error) error {
	if re := rterrors.AsRuntimeError(err); re != nil && re.Context["plan_step"] != nil {
		return err
	}
	code := rterrors.CodeOf(err)
	if code == "" {
		code = rterrors.CodeEvaluation
	}
	return rterrors.New(code, fmt.Sprintf("plan step %q failed", path), err).
		WithContext("plan_step", path)
}

func toValueError(err error) *value.Error {
	code := rterrors.CodeOf(err)
	if code == "" {
		code = rterrors.CodeEvaluation
	}
	return &value.Error{Message: err.Error(), Code: string(code)}
}
