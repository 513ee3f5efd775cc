// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package host

import (
	"context"
	"log/slog"
	"time"

	"github.com/jllopis/rtfscore/pkg/effect"
	rterrors "github.com/jllopis/rtfscore/pkg/errors"
	"github.com/jllopis/rtfscore/pkg/eval"
	"github.com/jllopis/rtfscore/pkg/value"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DispatchRecord describes one resolved host call.
type DispatchRecord struct {
	Call     effect.HostCall
	Decision Decision
	Attempts int
	Duration time.Duration
	Code     string
	Message  string
	At       time.Time
}

// Failed reports whether the call ended in an error response.
func (r DispatchRecord) Failed() bool { return r.Code != "" }

// DispatchObserver is notified after every dispatch.
type DispatchObserver interface {
	OnDispatch(ctx context.Context, rec DispatchRecord)
}

// DriverOption configures a Driver.
type DriverOption func(*Driver)

// WithPolicy sets the policy consulted before dispatch.
func WithPolicy(p *Policy) DriverOption {
	return func(d *Driver) { d.policy = p }
}

// WithRetry sets the retry behavior for failed calls.
func WithRetry(rc RetryConfig) DriverOption {
	return func(d *Driver) { d.retry = rc }
}

// WithCallTimeout bounds each attempt.
func WithCallTimeout(timeout time.Duration) DriverOption {
	return func(d *Driver) { d.callTimeout = timeout }
}

// WithBreaker enables a circuit breaker per call namespace.
func WithBreaker(cfg BreakerConfig) DriverOption {
	return func(d *Driver) {
		d.breakers = &breakerSet{config: cfg, now: time.Now, byName: map[string]*Breaker{}}
	}
}

// WithDispatchObserver adds an observer.
func WithDispatchObserver(o DispatchObserver) DriverOption {
	return func(d *Driver) {
		if o != nil {
			d.observers = append(d.observers, o)
		}
	}
}

// WithDriverLogger sets the logger.
func WithDriverLogger(l *slog.Logger) DriverOption {
	return func(d *Driver) {
		if l != nil {
			d.logger = l
		}
	}
}

// Driver resolves suspensions until a program completes.
type Driver struct {
	host        Host
	policy      *Policy
	retry       RetryConfig
	callTimeout time.Duration
	breakers    *breakerSet
	observers   []DispatchObserver
	logger      *slog.Logger
	tracer      trace.Tracer
}

// NewDriver creates a driver over h. Without a policy every call is
// allowed.
func NewDriver(h Host, opts ...DriverOption) *Driver {
	d := &Driver{
		host:        h,
		retry:       DefaultRetryConfig(),
		callTimeout: 30 * time.Second,
		logger:      slog.Default(),
		tracer:      otel.Tracer("rtfs/host"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Policy returns the driver's policy, or nil.
func (d *Driver) Policy() *Policy { return d.policy }

// BreakerStates reports the state of every namespace breaker seen so far.
func (d *Driver) BreakerStates() map[string]BreakerState {
	if d.breakers == nil {
		return nil
	}
	d.breakers.mu.Lock()
	defer d.breakers.mu.Unlock()
	out := make(map[string]BreakerState, len(d.breakers.byName))
	for name, b := range d.breakers.byName {
		out[name] = b.State()
	}
	return out
}

// Run starts expr on m and answers every suspension until the program
// completes or fails.
func (d *Driver) Run(ctx context.Context, m *eval.Machine, expr eval.Expr) (value.Value, error) {
	out, err := m.Start(ctx, expr)
	for err == nil && !out.IsComplete() {
		resp := d.Dispatch(ctx, *out.Call)
		if ctx.Err() != nil {
			m.Abort()
			return nil, rterrors.New(rterrors.CodeTimeout, "run cancelled while waiting on host", ctx.Err())
		}
		out, err = m.Resume(ctx, out.Seq, resp)
	}
	if err != nil {
		return nil, err
	}
	return out.Value, nil
}

// Dispatch resolves a single call. Denials and failures come back as error
// responses, never as Go errors, so the program can catch them.
func (d *Driver) Dispatch(ctx context.Context, call effect.HostCall) effect.Response {
	ctx, span := d.tracer.Start(ctx, "Host.Dispatch",
		trace.WithAttributes(
			attribute.String("rtfs.host.fn_symbol", call.FnSymbol),
			attribute.String("rtfs.host.namespace", call.Namespace()),
			attribute.Int("rtfs.host.args", len(call.Args)),
		),
	)
	defer span.End()

	start := time.Now()
	rec := DispatchRecord{Call: call, Decision: Decision{Status: DecisionAllow}, At: start.UTC()}
	defer func() {
		rec.Duration = time.Since(start)
		for _, o := range d.observers {
			o.OnDispatch(ctx, rec)
		}
	}()

	if d.policy != nil {
		rec.Decision = d.policy.Evaluate(ctx, call)
		span.SetAttributes(attribute.String("rtfs.host.decision", string(rec.Decision.Status)))
		if !rec.Decision.IsAllowed() {
			msg := "call to " + call.FnSymbol + " denied"
			if rec.Decision.Reason != "" {
				msg += ": " + rec.Decision.Reason
			}
			rec.Code, rec.Message = string(rterrors.CodeHostDenied), msg
			span.SetStatus(codes.Error, "denied")
			d.logger.WarnContext(ctx, "host.dispatch.denied",
				slog.String("fn_symbol", call.FnSymbol),
				slog.String("rule_id", rec.Decision.RuleID),
				slog.String("status", string(rec.Decision.Status)),
			)
			return effect.Failure(rec.Code, msg)
		}
	}

	var breaker *Breaker
	if d.breakers != nil {
		breaker = d.breakers.get(call.Namespace())
		if err := breaker.Allow(); err != nil {
			resp := effect.FailureFromError(err)
			rec.Code, rec.Message = resp.Err.Code, resp.Err.Message
			span.SetStatus(codes.Error, "circuit open")
			return resp
		}
	}

	var result value.Value
	attempts, err := d.retry.Do(ctx, func(ctx context.Context) error {
		callCtx, cancel := d.withTimeout(ctx)
		defer cancel()
		v, err := d.host.Handle(callCtx, call)
		if err != nil {
			if callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
				return rterrors.New(rterrors.CodeTimeout, "host call "+call.FnSymbol+" timed out", err)
			}
			return err
		}
		result = v
		return nil
	})
	rec.Attempts = attempts
	if breaker != nil {
		breaker.Record(err)
	}
	if err != nil {
		resp := effect.FailureFromError(err)
		rec.Code, rec.Message = resp.Err.Code, resp.Err.Message
		span.RecordError(err)
		span.SetStatus(codes.Error, resp.Err.Code)
		d.logger.WarnContext(ctx, "host.dispatch.failed",
			slog.String("fn_symbol", call.FnSymbol),
			slog.String("code", resp.Err.Code),
			slog.Int("attempts", attempts),
		)
		return resp
	}
	d.logger.DebugContext(ctx, "host.dispatch.ok",
		slog.String("fn_symbol", call.FnSymbol),
		slog.Int("attempts", attempts),
	)
	return effect.Success(result)
}

func (d *Driver) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.callTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d.callTimeout)
}
