package effect

import (
	"fmt"
	"sync"

	rterrors "github.com/jllopis/rtfscore/pkg/errors"
	"github.com/jllopis/rtfscore/pkg/value"
)

// Outcome is the result of an evaluation step: a final value, or a call the
// host must resolve. Exactly one of Value and Call is meaningful.
type Outcome struct {
	Value value.Value
	Call  *HostCall
	// Seq identifies the suspension; a resume must present the same Seq.
	Seq uint64
}

// Complete wraps a final value.
func Complete(v value.Value) Outcome {
	return Outcome{Value: value.OrNil(v)}
}

// RequiresHost wraps a pending call.
func RequiresHost(call HostCall, seq uint64) Outcome {
	return Outcome{Call: &call, Seq: seq}
}

// IsComplete reports whether evaluation has finished.
func (o Outcome) IsComplete() bool { return o.Call == nil }

func (o Outcome) String() string {
	if o.IsComplete() {
		return "complete " + value.OrNil(o.Value).String()
	}
	return fmt.Sprintf("requires-host #%d %s", o.Seq, o.Call)
}

// Response is the host's answer to a HostCall. A nil Err means success.
type Response struct {
	Value value.Value
	Err   *value.Error
}

// Success builds a successful response.
func Success(v value.Value) Response {
	return Response{Value: value.OrNil(v)}
}

// Failure builds an error response.
func Failure(code, message string) Response {
	return Response{Err: &value.Error{Message: message, Code: code}}
}

// FailureFromError turns a Go error into a language-level error value,
// preserving the RuntimeError code when present.
func FailureFromError(err error) Response {
	if err == nil {
		return Response{Err: &value.Error{Message: "unknown host failure", Code: string(rterrors.CodeHostFailure)}}
	}
	code := rterrors.CodeOf(err)
	if code == "" {
		code = rterrors.CodeHostFailure
	}
	return Response{Err: &value.Error{Message: err.Error(), Code: string(code)}}
}

// Failed reports whether the response carries an error.
func (r Response) Failed() bool { return r.Err != nil }

// State of a Boundary.
type State int

const (
	Running State = iota
	Suspended
)

func (s State) String() string {
	if s == Suspended {
		return "suspended"
	}
	return "running"
}

// Boundary tracks the Running/Suspended state of one evaluation. Each
// suspension can be resumed exactly once.
type Boundary struct {
	mu      sync.Mutex
	state   State
	seq     uint64
	pending *HostCall
}

// State returns the current state.
func (b *Boundary) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Pending returns the unresolved call, if any.
func (b *Boundary) Pending() (HostCall, uint64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending == nil {
		return HostCall{}, 0, false
	}
	return *b.pending, b.seq, true
}

// Suspend moves to Suspended and returns the outcome to hand to the host.
func (b *Boundary) Suspend(call HostCall) (Outcome, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Suspended {
		return Outcome{}, rterrors.New(rterrors.CodeInternal, "already suspended", nil).
			WithContext("pending", b.pending.FnSymbol)
	}
	b.seq++
	b.state = Suspended
	b.pending = &call
	return RequiresHost(call, b.seq), nil
}

// Resume accepts the response for suspension seq and returns to Running. A
// second resume for the same suspension, or one while running, fails with
// CodeInvalidResume.
func (b *Boundary) Resume(seq uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Suspended {
		return rterrors.New(rterrors.CodeInvalidResume, "no suspended call to resume", nil).
			WithContext("seq", seq)
	}
	if seq != 0 && seq != b.seq {
		return rterrors.Newf(rterrors.CodeInvalidResume, "resume for suspension %d, pending is %d", seq, b.seq).
			WithContext("seq", seq)
	}
	b.state = Running
	b.pending = nil
	return nil
}

// Reset returns the boundary to Running and drops any pending call.
func (b *Boundary) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Running
	b.pending = nil
}
