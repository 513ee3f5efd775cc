package runtime

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jllopis/rtfscore/pkg/audit"
	"github.com/jllopis/rtfscore/pkg/checkpoint"
	"github.com/jllopis/rtfscore/pkg/config"
	rterrors "github.com/jllopis/rtfscore/pkg/errors"
	"github.com/jllopis/rtfscore/pkg/eval"
	"github.com/jllopis/rtfscore/pkg/host"
	"github.com/jllopis/rtfscore/pkg/plan"
	"github.com/jllopis/rtfscore/pkg/value"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.Host.Retry.InitialDelay = time.Millisecond
	cfg.Retention.RequireCheckpoint = false
	return cfg
}

func newSession(t *testing.T, cfg *config.Config, opts ...Option) *Session {
	t.Helper()
	weather := host.NewLocalHost()
	weather.Register("weather.get", func(_ context.Context, args []value.Value) (value.Value, error) {
		return value.NewMap(value.Keyword("city"), args[0])
	})
	opts = append([]Option{WithSessionID("sess-test"), WithResolver(weather)}, opts...)
	s, err := NewSession(context.Background(), cfg, opts...)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func weatherPlan() *plan.Document {
	return &plan.Document{
		ID:       "weather",
		Bindings: map[string]any{"city": "Girona"},
		Steps: []plan.Step{
			{Name: "fetch", Call: &plan.Call{Symbol: "weather.get", Args: []any{"$city"}, Bind: "forecast"}},
			{Name: "note", Bindings: map[string]any{"seen": true}},
		},
	}
}

func TestSessionRunsPlanAndAudits(t *testing.T) {
	s := newSession(t, testConfig(t))
	ctx := context.Background()

	res, err := s.RunPlan(ctx, weatherPlan())
	if err != nil {
		t.Fatalf("run plan: %v", err)
	}
	if _, ok := res.Outputs["fetch"].(value.Map); !ok {
		t.Fatalf("fetch output = %v", res.Outputs["fetch"])
	}
	if v, ok := s.Manager().Get("seen"); !ok || !value.Equal(v, value.Bool(true)) {
		t.Fatalf("seen = %v", v)
	}

	steps, err := s.Audit().List(ctx, audit.Filter{SessionID: "sess-test", Kind: audit.KindStep})
	if err != nil {
		t.Fatalf("list steps: %v", err)
	}
	if len(steps) != 4 {
		t.Fatalf("expected 2 started and 2 completed events, got %d", len(steps))
	}
	calls, err := s.Audit().List(ctx, audit.Filter{Kind: audit.KindDispatch})
	if err != nil {
		t.Fatalf("list dispatches: %v", err)
	}
	if len(calls) != 1 || calls[0].Name != "weather.get" || calls[0].Status != "allow" {
		t.Fatalf("unexpected dispatch events %+v", calls)
	}
}

func TestSessionCheckpointRestore(t *testing.T) {
	s := newSession(t, testConfig(t))
	ctx := context.Background()

	if _, err := s.Eval(ctx, eval.DefOf("x", eval.L(value.Int(1)))); err != nil {
		t.Fatalf("eval: %v", err)
	}
	cp, err := s.Checkpoint(ctx, "before")
	if err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if _, err := s.Eval(ctx, eval.DefOf("x", eval.L(value.Int(2)))); err != nil {
		t.Fatalf("eval: %v", err)
	}
	if _, err := s.Restore(ctx, cp.ID); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if v, _ := s.Manager().Get("x"); !value.Equal(v, value.Int(1)) {
		t.Fatalf("x = %v after restore, want 1", v)
	}
	latest, err := checkpoint.Latest(ctx, s.Checkpoints(), checkpoint.Filter{})
	if err != nil || latest.ID != cp.ID {
		t.Fatalf("latest = %v, %v", latest.ID, err)
	}
}

func TestSessionApplyConfigReloadsPolicy(t *testing.T) {
	s := newSession(t, testConfig(t))
	ctx := context.Background()
	echo := eval.InvokeOf("capability.echo", eval.L(value.String("hi")))

	if v, err := s.Eval(ctx, echo); err != nil || !value.Equal(v, value.String("hi")) {
		t.Fatalf("echo = %v, %v", v, err)
	}

	next := testConfig(t)
	next.Host.Policies = []config.PolicyRuleConfig{{ID: "no-caps", Effect: "deny", Symbol: "capability.*", Reason: "locked"}}
	if err := s.ApplyConfig(next); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, err := s.Eval(ctx, echo); !rterrors.HasCode(err, rterrors.CodeHostDenied) {
		t.Fatalf("expected HOST_DENIED after reload, got %v", err)
	}

	bad := testConfig(t)
	bad.Host.Policies = []config.PolicyRuleConfig{{ID: "x", Effect: "maybe"}}
	if err := s.ApplyConfig(bad); err == nil {
		t.Fatalf("expected invalid rules to be rejected")
	}
	if s.Config() != next {
		t.Fatalf("rejected config must not replace the current one")
	}
}

func TestSessionSQLiteStores(t *testing.T) {
	cfg := testConfig(t)
	cfg.Checkpoint.Store = "sqlite"
	cfg.Checkpoint.DSN = ":memory:"
	cfg.Audit.Store = "sqlite"
	cfg.Audit.DSN = ":memory:"
	s := newSession(t, cfg)
	ctx := context.Background()

	if _, err := s.RunPlan(ctx, weatherPlan()); err != nil {
		t.Fatalf("run plan: %v", err)
	}
	if _, err := s.Checkpoint(ctx, "done"); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	cps, err := s.Checkpoints().List(ctx, checkpoint.Filter{Label: "done"})
	if err != nil || len(cps) != 1 {
		t.Fatalf("list checkpoints = %d, %v", len(cps), err)
	}
	events, err := s.Audit().List(ctx, audit.Filter{Kind: audit.KindDispatch})
	if err != nil || len(events) != 1 {
		t.Fatalf("list audit = %d, %v", len(events), err)
	}
}

func TestSessionSweep(t *testing.T) {
	cfg := testConfig(t)
	cfg.Retention.Interval = 10 * time.Millisecond
	s := newSession(t, cfg)
	ctx := context.Background()

	if _, err := s.RunPlan(ctx, weatherPlan()); err != nil {
		t.Fatalf("run plan: %v", err)
	}
	n, err := s.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n < 2 {
		t.Fatalf("expected merged step contexts to be pruned, got %d", n)
	}
	if v, ok := s.Manager().Get("forecast"); !ok || v == nil {
		t.Fatalf("merged bindings must survive pruning")
	}

	var calls atomic.Int32
	s.AddSweeper("count", SweeperFunc(func(context.Context) (int, error) {
		calls.Add(1)
		return 0, nil
	}))
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	deadline := time.After(time.Second)
	for calls.Load() == 0 {
		select {
		case <-deadline:
			t.Fatalf("background sweeper never ran")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestNewSessionRejectsUnknownStore(t *testing.T) {
	cfg := testConfig(t)
	cfg.Checkpoint.Store = "tape"
	if _, err := NewSession(context.Background(), cfg); !rterrors.HasCode(err, rterrors.CodeInvalidInput) {
		t.Fatalf("expected INVALID_INPUT, got %v", err)
	}
}

func TestOpenStoresSharesDatabase(t *testing.T) {
	cfg := testConfig(t)
	cfg.Checkpoint.Store = "sqlite"
	cfg.Checkpoint.DSN = ":memory:"
	cfg.Audit.Store = "sqlite"
	cfg.Audit.DSN = ":memory:"

	st, err := OpenStores(cfg)
	if err != nil {
		t.Fatalf("open stores: %v", err)
	}
	defer st.Close()
	if len(st.dbs) != 1 {
		t.Fatalf("expected one shared database, got %d", len(st.dbs))
	}

	s := newSession(t, cfg, WithCheckpointStore(st.Checkpoints), WithAuditStore(st.Audit))
	ctx := context.Background()
	if _, err := s.RunPlan(ctx, weatherPlan()); err != nil {
		t.Fatalf("run plan: %v", err)
	}
	events, err := st.Audit.List(ctx, audit.Filter{SessionID: "sess-test"})
	if err != nil || len(events) == 0 {
		t.Fatalf("audit events through shared store = %d, %v", len(events), err)
	}

	cfg.Audit.Store = "none"
	none, err := OpenStores(cfg)
	if err != nil {
		t.Fatalf("open stores: %v", err)
	}
	defer none.Close()
	if none.Audit != nil {
		t.Fatalf("audit store none must leave Audit nil")
	}
}
