package host

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/jllopis/rtfscore/pkg/value"
)

func TestConsoleApprovalHookAnswers(t *testing.T) {
	tests := []struct {
		input string
		want  DecisionStatus
	}{
		{"y\n", DecisionAllow},
		{"Yes\n", DecisionAllow},
		{"n\n", DecisionDeny},
		{"\n", DecisionDeny},
	}
	for _, tt := range tests {
		var out bytes.Buffer
		h := NewConsoleApprovalHook(
			WithApprovalInput(strings.NewReader(tt.input)),
			WithApprovalOutput(&out),
		)
		d := h.Request(context.Background(), call("agent.delegate", value.String("task")))
		if d.Status != tt.want {
			t.Errorf("input %q: got %s, want %s", tt.input, d.Status, tt.want)
		}
		if !strings.Contains(out.String(), "agent.delegate") {
			t.Errorf("prompt should name the symbol, got %q", out.String())
		}
	}
}

func TestConsoleApprovalHookTimeout(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()
	h := NewConsoleApprovalHook(
		WithApprovalInput(r),
		WithApprovalOutput(io.Discard),
		WithApprovalTimeout(20*time.Millisecond),
	)
	d := h.Request(context.Background(), call("agent.delegate"))
	if d.Status != DecisionDeny {
		t.Fatalf("expected deny on timeout, got %s", d.Status)
	}
}

func TestConsoleApprovalHookWithPolicy(t *testing.T) {
	p, err := NewPolicy(
		[]Rule{{ID: "ask", Effect: string(DecisionPending), Symbol: "agent.*"}},
		WithApprovalHook(NewConsoleApprovalHook(
			WithApprovalInput(strings.NewReader("y\n")),
			WithApprovalOutput(io.Discard),
		)),
	)
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	if d := p.Evaluate(context.Background(), call("agent.delegate")); d.Status != DecisionAllow {
		t.Fatalf("expected operator approval, got %+v", d)
	}
}
