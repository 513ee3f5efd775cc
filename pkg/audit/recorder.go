package audit

import (
	"context"
	"log/slog"

	"github.com/jllopis/rtfscore/pkg/eval"
	"github.com/jllopis/rtfscore/pkg/host"
	"github.com/jllopis/rtfscore/pkg/value"
)

// Recorder turns step events and dispatch records into audit events. It
// implements eval.StepObserver and host.DispatchObserver. Store failures
// are logged, never returned to the evaluator.
type Recorder struct {
	store     Store
	sessionID string
	logger    *slog.Logger
}

// NewRecorder records into store under sessionID.
func NewRecorder(store Store, sessionID string, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, sessionID: sessionID, logger: logger}
}

// OnStep implements eval.StepObserver.
func (r *Recorder) OnStep(ctx context.Context, ev eval.StepEvent) {
	out := Event{
		SessionID: r.sessionID,
		Kind:      KindStep,
		Name:      ev.Step,
		ContextID: string(ev.ContextID),
		ParentID:  string(ev.ParentID),
		Status:    string(ev.Status),
		Parallel:  ev.Parallel,
		At:        ev.At,
	}
	if ev.Result != nil {
		out.Output = value.ToNative(ev.Result)
	}
	if ev.Err != nil {
		out.ErrorCode, out.Error = ev.Err.Code, ev.Err.Message
	}
	r.record(ctx, out)
}

// OnDispatch implements host.DispatchObserver.
func (r *Recorder) OnDispatch(ctx context.Context, rec host.DispatchRecord) {
	out := Event{
		SessionID: r.sessionID,
		Kind:      KindDispatch,
		Name:      rec.Call.FnSymbol,
		Status:    string(rec.Decision.Status),
		Attempts:  rec.Attempts,
		Duration:  rec.Duration,
		ErrorCode: rec.Code,
		Error:     rec.Message,
		At:        rec.At,
	}
	if rec.Call.Metadata != nil {
		out.ContextID = rec.Call.Metadata.Context["context_id"]
	}
	if rec.Failed() && rec.Decision.IsAllowed() {
		out.Status = "failed"
	}
	r.record(ctx, out)
}

func (r *Recorder) record(ctx context.Context, ev Event) {
	if err := r.store.Record(ctx, ev); err != nil {
		r.logger.WarnContext(ctx, "audit.record_failed",
			slog.String("kind", string(ev.Kind)),
			slog.String("name", ev.Name),
			slog.String("error", err.Error()),
		)
	}
}

var (
	_ eval.StepObserver     = (*Recorder)(nil)
	_ host.DispatchObserver = (*Recorder)(nil)
)
