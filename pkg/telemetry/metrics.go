// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/jllopis/rtfscore/pkg/errors"
	"github.com/jllopis/rtfscore/pkg/eval"
	"github.com/jllopis/rtfscore/pkg/execctx"
	"github.com/jllopis/rtfscore/pkg/host"
)

// ContextMetrics records context tree, step and host dispatch activity. It
// implements execctx.Observer, eval.StepObserver and host.DispatchObserver.
type ContextMetrics struct {
	nodes       metric.Int64Counter
	merges      metric.Int64Counter
	conflicts   metric.Int64Counter
	checkpoints metric.Int64Counter
	pruned      metric.Int64Counter
	steps       metric.Int64Counter
	suspensions metric.Int64Counter
	errors      metric.Int64Counter
	dispatchMs  metric.Float64Histogram
	sweepMs     metric.Float64Histogram
}

// MetricsOption configures ContextMetrics.
type MetricsOption func(*metricsOptions)

type metricsOptions struct {
	provider metric.MeterProvider
}

// WithMeterProvider uses mp instead of the global meter provider.
func WithMeterProvider(mp metric.MeterProvider) MetricsOption {
	return func(o *metricsOptions) { o.provider = mp }
}

var (
	_ execctx.Observer      = (*ContextMetrics)(nil)
	_ eval.StepObserver     = (*ContextMetrics)(nil)
	_ host.DispatchObserver = (*ContextMetrics)(nil)
)

// NewContextMetrics creates the instruments.
func NewContextMetrics(opts ...MetricsOption) (*ContextMetrics, error) {
	o := metricsOptions{provider: otel.GetMeterProvider()}
	for _, opt := range opts {
		opt(&o)
	}
	meter := o.provider.Meter("rtfs/execctx")

	var (
		m   ContextMetrics
		err error
	)
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.nodes, "rtfs.context.nodes.created", "Context nodes created by isolation"},
		{&m.merges, "rtfs.context.merges", "Child to parent merges by policy"},
		{&m.conflicts, "rtfs.context.merge.conflicts", "Keys present in both parent and child at merge time"},
		{&m.checkpoints, "rtfs.context.checkpoints", "Checkpoints taken"},
		{&m.pruned, "rtfs.context.nodes.pruned", "Context nodes removed by retention"},
		{&m.steps, "rtfs.steps", "Step transitions by status"},
		{&m.suspensions, "rtfs.host.suspensions", "Evaluations suspended on a host call, by outcome"},
		{&m.errors, "rtfs.errors.total", "Errors by code and component"},
	}
	for _, c := range counters {
		if *c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}
	if m.dispatchMs, err = meter.Float64Histogram(
		"rtfs.host.dispatch.duration",
		metric.WithDescription("Host call resolution latency"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.sweepMs, err = meter.Float64Histogram(
		"rtfs.runtime.sweep.duration",
		metric.WithDescription("Retention sweep latency"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	return &m, nil
}

// NodeCreated implements execctx.Observer.
func (m *ContextMetrics) NodeCreated(id, parent execctx.ID, isolation execctx.IsolationLevel, parallel bool) {
	if m == nil {
		return
	}
	m.nodes.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String(AttrContextIsolation, isolation.String()),
		attribute.Bool(AttrContextParallel, parallel),
	))
}

// Merged implements execctx.Observer.
func (m *ContextMetrics) Merged(_, _ execctx.ID, policy execctx.ConflictResolution, stats execctx.MergeStats) {
	if m == nil {
		return
	}
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String(AttrMergePolicy, policy.String()),
		attribute.Bool(AttrMergeSkipped, stats.Skipped),
	)
	m.merges.Add(ctx, 1, attrs)
	if stats.Conflicts > 0 {
		m.conflicts.Add(ctx, int64(stats.Conflicts), metric.WithAttributes(
			attribute.String(AttrMergePolicy, policy.String()),
		))
	}
}

// Checkpointed implements execctx.Observer.
func (m *ContextMetrics) Checkpointed(execctx.Checkpoint) {
	if m == nil {
		return
	}
	m.checkpoints.Add(context.Background(), 1)
}

// Pruned implements execctx.Observer.
func (m *ContextMetrics) Pruned(removed int) {
	if m == nil || removed == 0 {
		return
	}
	m.pruned.Add(context.Background(), int64(removed))
}

// OnStep implements eval.StepObserver.
func (m *ContextMetrics) OnStep(ctx context.Context, ev eval.StepEvent) {
	if m == nil {
		return
	}
	m.steps.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrStepStatus, string(ev.Status)),
		attribute.Bool(AttrContextParallel, ev.Parallel),
	))
}

// OnDispatch implements host.DispatchObserver. Each resolved call is one
// suspension of the evaluator.
func (m *ContextMetrics) OnDispatch(ctx context.Context, rec host.DispatchRecord) {
	if m == nil {
		return
	}
	outcome := hostOutcome(string(rec.Decision.Status), rec.Code)
	m.suspensions.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrHostNamespace, rec.Call.Namespace()),
		attribute.String(AttrHostOutcome, outcome),
	))
	m.dispatchMs.Record(ctx, float64(rec.Duration)/float64(time.Millisecond), metric.WithAttributes(
		attribute.String(AttrHostOutcome, outcome),
	))
	if rec.Code != "" {
		m.errors.Add(ctx, 1, metric.WithAttributes(
			attribute.String(AttrErrorCode, rec.Code),
			attribute.String("component", "host"),
		))
	}
}

// RecordError counts err by code for component.
func (m *ContextMetrics) RecordError(ctx context.Context, err error, component string) {
	if m == nil || err == nil {
		return
	}
	code, recoverable := "UNKNOWN", "unknown"
	if re := errors.AsRuntimeError(err); re != nil {
		code = string(re.Code)
		recoverable = re.RecoverableString()
	}
	m.errors.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrErrorCode, code),
		attribute.String("component", component),
		attribute.String("recoverable", recoverable),
	))
}

// RecordSweep records one retention sweep.
func (m *ContextMetrics) RecordSweep(ctx context.Context, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.sweepMs.Record(ctx, float64(elapsed)/float64(time.Millisecond))
}
