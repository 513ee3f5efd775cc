package eval

import (
	"context"
	"time"

	"github.com/jllopis/rtfscore/pkg/execctx"
	"github.com/jllopis/rtfscore/pkg/value"
)

// StepStatus is the lifecycle stage reported for a step.
type StepStatus string

const (
	StepStarted   StepStatus = "started"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// StepEvent describes a step transition.
type StepEvent struct {
	Status    StepStatus
	Step      string
	ContextID execctx.ID
	ParentID  execctx.ID
	Parallel  bool
	Result    value.Value
	Err       *value.Error
	At        time.Time
}

// StepObserver is notified as steps start and finish. Observers run on the
// evaluating goroutine and must not block.
type StepObserver interface {
	OnStep(ctx context.Context, ev StepEvent)
}

// StepObserverFunc adapts a function to StepObserver.
type StepObserverFunc func(ctx context.Context, ev StepEvent)

// OnStep implements StepObserver.
func (f StepObserverFunc) OnStep(ctx context.Context, ev StepEvent) { f(ctx, ev) }
