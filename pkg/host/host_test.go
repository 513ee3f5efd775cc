package host

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jllopis/rtfscore/pkg/effect"
	rterrors "github.com/jllopis/rtfscore/pkg/errors"
	"github.com/jllopis/rtfscore/pkg/eval"
	"github.com/jllopis/rtfscore/pkg/execctx"
	"github.com/jllopis/rtfscore/pkg/value"
	"github.com/mark3labs/mcp-go/mcp"
)

func call(symbol string, args ...value.Value) effect.HostCall {
	return effect.NewHostCall(symbol, args, map[string]string{"context_id": "root"})
}

func TestLocalHostExactAndGlob(t *testing.T) {
	l := NewLocalHost()
	l.Register("fs.read", func(context.Context, []value.Value) (value.Value, error) { return value.String("exact"), nil })
	l.Register("fs.*", func(context.Context, []value.Value) (value.Value, error) { return value.String("glob"), nil })

	tests := []struct {
		symbol string
		want   string
	}{
		{"fs.read", "exact"},
		{"fs.write", "glob"},
	}
	for _, tt := range tests {
		got, err := l.Handle(context.Background(), call(tt.symbol))
		if err != nil {
			t.Fatalf("%s: %v", tt.symbol, err)
		}
		if !value.Equal(got, value.String(tt.want)) {
			t.Errorf("%s: got %s, want %s", tt.symbol, got, tt.want)
		}
	}
	if l.Handles("net.get") {
		t.Fatalf("net.get should not be handled")
	}
	_, err := l.Handle(context.Background(), call("net.get"))
	if !rterrors.HasCode(err, rterrors.CodeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
	if got := l.Symbols(); len(got) != 2 || got[0] != "fs.*" || got[1] != "fs.read" {
		t.Fatalf("symbols %v", got)
	}
}

func TestRouterFirstMatchWins(t *testing.T) {
	a := NewLocalHost()
	a.Register("capability.*", func(context.Context, []value.Value) (value.Value, error) { return value.Keyword("a"), nil })
	b := NewLocalHost()
	b.Register("capability.echo", func(context.Context, []value.Value) (value.Value, error) { return value.Keyword("b"), nil })
	b.Register("other", func(context.Context, []value.Value) (value.Value, error) { return value.Keyword("b"), nil })

	r := NewRouter(a, b)
	got, err := r.Handle(context.Background(), call("capability.echo"))
	if err != nil || !value.Equal(got, value.Keyword("a")) {
		t.Fatalf("got %v, %v", got, err)
	}
	got, err = r.Handle(context.Background(), call("other"))
	if err != nil || !value.Equal(got, value.Keyword("b")) {
		t.Fatalf("got %v, %v", got, err)
	}
	if _, err := r.Handle(context.Background(), call("nobody.home")); !rterrors.HasCode(err, rterrors.CodeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

type stubCaller struct {
	name   string
	args   map[string]any
	result *mcp.CallToolResult
	err    error
}

func (s *stubCaller) CallTool(_ context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	s.name, s.args = name, args
	return s.result, s.err
}

func TestMCPHost(t *testing.T) {
	stub := &stubCaller{result: mcp.NewToolResultText("sunny")}
	h := NewMCPHost(stub, "")
	if !h.Handles("mcp.weather") || h.Handles("mcp.") || h.Handles("net.get") {
		t.Fatalf("prefix routing is wrong")
	}
	arg, _ := value.NewMap(value.Keyword("city"), value.String("Girona"))
	got, err := h.Handle(context.Background(), call("mcp.weather", arg))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !value.Equal(got, value.String("sunny")) {
		t.Fatalf("got %s", got)
	}
	if stub.name != "weather" || stub.args["city"] != "Girona" {
		t.Fatalf("tool called as %q with %v", stub.name, stub.args)
	}

	stub.result = mcp.NewToolResultError("no such city")
	_, err = h.Handle(context.Background(), call("mcp.weather", arg))
	re := rterrors.AsRuntimeError(err)
	if re.Code != rterrors.CodeHostFailure || re.Recoverable {
		t.Fatalf("tool errors should be unrecoverable HOST_FAILURE, got %v", err)
	}

	stub.err = errors.New("connection reset")
	_, err = h.Handle(context.Background(), call("mcp.weather", arg))
	if re := rterrors.AsRuntimeError(err); re.Code != rterrors.CodeHostFailure || !re.Recoverable {
		t.Fatalf("transport errors should be recoverable HOST_FAILURE, got %v", err)
	}
}

func TestPolicyRulesInOrder(t *testing.T) {
	p, err := NewPolicy([]Rule{
		{ID: "no-writes", Effect: "deny", Symbol: "fs.write*", Reason: "read only"},
		{ID: "fs", Effect: "allow", Namespace: "fs"},
		{ID: "ask", Effect: "pending", Symbol: "agent.*"},
		{ID: "net", Effect: "deny", Namespace: "net"},
	})
	if err != nil {
		t.Fatalf("new policy: %v", err)
	}
	tests := []struct {
		symbol string
		status DecisionStatus
		rule   string
	}{
		{"fs.write-file", DecisionDeny, "no-writes"},
		{"fs.read", DecisionAllow, "fs"},
		{"agent.delegate", DecisionPending, "ask"},
		{"net.get", DecisionDeny, "net"},
		{"capability.echo", DecisionAllow, ""},
	}
	for _, tt := range tests {
		d := p.Evaluate(context.Background(), call(tt.symbol))
		if d.Status != tt.status || d.RuleID != tt.rule {
			t.Errorf("%s: got %+v, want %s by %q", tt.symbol, d, tt.status, tt.rule)
		}
	}
}

func TestPolicyApprovalAndReload(t *testing.T) {
	p, err := NewPolicy(
		[]Rule{{ID: "ask", Effect: "pending", Symbol: "agent.*"}},
		WithApprovalHook(StaticApprovalHook{Decision: Decision{Status: DecisionAllow, Reason: "operator"}}),
	)
	if err != nil {
		t.Fatalf("new policy: %v", err)
	}
	if d := p.Evaluate(context.Background(), call("agent.delegate")); !d.IsAllowed() || d.Reason != "operator" {
		t.Fatalf("approval hook not consulted: %+v", d)
	}

	c := call("net.get")
	if d := p.Evaluate(context.Background(), c); !d.IsAllowed() {
		t.Fatalf("default should allow: %+v", d)
	}
	if err := p.SetRules([]Rule{{ID: "net", Effect: "deny", Namespace: "net"}}); err != nil {
		t.Fatalf("set rules: %v", err)
	}
	if d := p.Evaluate(context.Background(), c); d.IsAllowed() {
		t.Fatalf("cached decision survived a rule reload")
	}
	if err := p.SetRules([]Rule{{Effect: "maybe"}}); err == nil {
		t.Fatalf("unknown effect should be rejected")
	}
	if len(p.Rules()) != 1 || p.Rules()[0].ID != "net" {
		t.Fatalf("rejected reload must keep the old rules")
	}
}

func TestPolicyCacheIgnoresCallContext(t *testing.T) {
	p, err := NewPolicy([]Rule{{ID: "net", Effect: "deny", Namespace: "net"}})
	if err != nil {
		t.Fatalf("new policy: %v", err)
	}
	for i := 0; i < 5; i++ {
		c := effect.NewHostCall("net.get", []value.Value{value.Int(int64(i))}, map[string]string{
			"context_id": fmt.Sprintf("node-%d", i),
			"depth":      fmt.Sprint(i + 1),
		})
		if d := p.Evaluate(context.Background(), c); d.IsAllowed() || d.RuleID != "net" {
			t.Fatalf("call %d: %+v", i, d)
		}
	}
	p.Evaluate(context.Background(), call("fs.read"))
	if n := p.cache.Len(); n != 2 {
		t.Fatalf("expected one cached decision per symbol, got %d", n)
	}
}

func TestStaticApprovalHookDefaultsToDeny(t *testing.T) {
	if d := (StaticApprovalHook{}).Request(context.Background(), call("x")); d.Status != DecisionDeny {
		t.Fatalf("got %+v", d)
	}
}

func TestRetryConfig(t *testing.T) {
	rc := RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

	n := 0
	attempts, err := rc.Do(context.Background(), func(context.Context) error {
		n++
		if n < 3 {
			return rterrors.New(rterrors.CodeHostFailure, "flaky", nil)
		}
		return nil
	})
	if err != nil || attempts != 3 {
		t.Fatalf("attempts=%d err=%v", attempts, err)
	}

	attempts, err = rc.Do(context.Background(), func(context.Context) error {
		return rterrors.New(rterrors.CodeHostDenied, "no", nil)
	})
	if attempts != 1 || !rterrors.HasCode(err, rterrors.CodeHostDenied) {
		t.Fatalf("denials must not be retried: attempts=%d err=%v", attempts, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = RetryConfig{MaxAttempts: 3, InitialDelay: time.Second}.Do(ctx, func(context.Context) error {
		return errors.New("boom")
	})
	if !rterrors.HasCode(err, rterrors.CodeTimeout) {
		t.Fatalf("expected TIMEOUT on cancelled retry, got %v", err)
	}
}

func TestBreakerOpensAndRecovers(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := newBreaker("net", BreakerConfig{FailureThreshold: 2, Cooldown: time.Minute}, func() time.Time { return now })
	fail := errors.New("down")
	b.Record(fail)
	if err := b.Allow(); err != nil {
		t.Fatalf("one failure should not open the circuit")
	}
	b.Record(fail)
	if b.State() != BreakerOpen || b.Allow() == nil {
		t.Fatalf("circuit should be open")
	}
	now = now.Add(2 * time.Minute)
	if err := b.Allow(); err != nil || b.State() != BreakerHalfOpen {
		t.Fatalf("circuit should probe after cooldown")
	}
	b.Record(nil)
	if b.State() != BreakerClosed {
		t.Fatalf("successful probe should close the circuit, got %s", b.State())
	}
}

type recorder struct {
	mu   sync.Mutex
	recs []DispatchRecord
}

func (r *recorder) OnDispatch(_ context.Context, rec DispatchRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
}

func newMachine(t *testing.T) *eval.Machine {
	t.Helper()
	mgr := execctx.NewManager()
	if _, err := mgr.Initialize(""); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return eval.New(mgr)
}

func TestDriverRunsEcho(t *testing.T) {
	l := NewLocalHost()
	RegisterStandard(l, nil)
	rec := &recorder{}
	d := NewDriver(l, WithDispatchObserver(rec))

	m := newMachine(t)
	prog := eval.DoAll(
		eval.DefOf("greeting", eval.CallSym("capability.echo", eval.L(value.String("hi")))),
		eval.CallSym("str", eval.S("greeting"), eval.L(value.String("!"))),
	)
	got, err := d.Run(context.Background(), m, prog)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !value.Equal(got, value.String("hi!")) {
		t.Fatalf("got %s", got)
	}
	if len(rec.recs) != 1 || rec.recs[0].Call.FnSymbol != "capability.echo" || rec.recs[0].Failed() {
		t.Fatalf("unexpected dispatch records %+v", rec.recs)
	}
	if m.State() != effect.Running {
		t.Fatalf("machine left suspended")
	}
}

func TestDriverDenialIsCatchable(t *testing.T) {
	l := NewLocalHost()
	wrote := false
	l.Register("fs.write", func(context.Context, []value.Value) (value.Value, error) {
		wrote = true
		return value.Nil{}, nil
	})
	p, err := NewPolicy([]Rule{{ID: "ro", Effect: "deny", Symbol: "fs.write", Reason: "read only"}})
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	d := NewDriver(l, WithPolicy(p))

	prog := &eval.Try{
		Body:      []eval.Expr{eval.CallSym("fs.write", eval.L(value.String("/etc/passwd")))},
		HasCatch:  true,
		CatchName: "e",
		Catch:     []eval.Expr{eval.CallSym("error-message", eval.S("e"))},
	}
	got, err := d.Run(context.Background(), newMachine(t), prog)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !value.Equal(got, value.String("call to fs.write denied: read only")) {
		t.Fatalf("got %s", got)
	}
	if wrote {
		t.Fatalf("denied call reached the host")
	}
}

func TestDriverRetriesAndTimesOut(t *testing.T) {
	l := NewLocalHost()
	n := 0
	l.Register("net.flaky", func(context.Context, []value.Value) (value.Value, error) {
		n++
		if n < 3 {
			return nil, rterrors.New(rterrors.CodeHostFailure, "503", nil)
		}
		return value.Int(200), nil
	})
	l.Register("net.slow", func(ctx context.Context, _ []value.Value) (value.Value, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	rec := &recorder{}
	d := NewDriver(l,
		WithRetry(RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond}),
		WithCallTimeout(20*time.Millisecond),
		WithDispatchObserver(rec),
	)

	resp := d.Dispatch(context.Background(), call("net.flaky"))
	if resp.Failed() || !value.Equal(resp.Value, value.Int(200)) {
		t.Fatalf("flaky call should succeed on the third attempt: %+v", resp)
	}
	if rec.recs[0].Attempts != 3 {
		t.Fatalf("attempts = %d", rec.recs[0].Attempts)
	}

	resp = d.Dispatch(context.Background(), call("net.slow"))
	if !resp.Failed() || resp.Err.Code != string(rterrors.CodeTimeout) {
		t.Fatalf("slow call should time out: %+v", resp)
	}
}

func TestDriverBreaker(t *testing.T) {
	l := NewLocalHost()
	calls := 0
	l.Register("net.down", func(context.Context, []value.Value) (value.Value, error) {
		calls++
		return nil, errors.New("refused")
	})
	d := NewDriver(l, WithRetry(NoRetry()), WithBreaker(BreakerConfig{FailureThreshold: 2, Cooldown: time.Hour}))
	for i := 0; i < 4; i++ {
		if resp := d.Dispatch(context.Background(), call("net.down")); !resp.Failed() {
			t.Fatalf("dispatch %d should fail", i)
		}
	}
	if calls != 2 {
		t.Fatalf("open circuit should stop dispatching, host called %d times", calls)
	}
	if st := d.BreakerStates()["net"]; st != BreakerOpen {
		t.Fatalf("breaker state = %q, want open", st)
	}
}
