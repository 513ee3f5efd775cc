package audit

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/jllopis/rtfscore/pkg/eval"
	"github.com/jllopis/rtfscore/pkg/execctx"
	"github.com/jllopis/rtfscore/pkg/host"
	"github.com/jllopis/rtfscore/pkg/value"
)

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	event := Event{
		SessionID: "s-1",
		Kind:      KindStep,
		Name:      "fetch",
		Status:    "completed",
		Output:    map[string]any{"ok": true},
		At:        time.Now().UTC(),
	}
	if err := store.Record(context.Background(), event); err != nil {
		t.Fatalf("record: %v", err)
	}
	events, err := store.List(context.Background(), Filter{SessionID: "s-1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 1 || events[0].Name != "fetch" {
		t.Fatalf("unexpected events %+v", events)
	}
	if events, _ := store.List(context.Background(), Filter{Kind: KindDispatch}); len(events) != 0 {
		t.Fatalf("kind filter ignored")
	}
}

func TestSQLiteStore(t *testing.T) {
	db, err := sql.Open("sqlite", "file:rtfs_audit_test?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer db.Close()

	store, err := NewSQLiteStore(db)
	if err != nil {
		t.Fatalf("new sqlite store: %v", err)
	}
	event := Event{
		SessionID: "s-1",
		Kind:      KindDispatch,
		Name:      "net.get",
		Status:    "failed",
		ErrorCode: "TIMEOUT",
		Error:     "timed out",
		Attempts:  3,
		Duration:  1500 * time.Millisecond,
		Output:    map[string]any{"ok": false},
		At:        time.Now().UTC(),
	}
	if err := store.Record(context.Background(), event); err != nil {
		t.Fatalf("record: %v", err)
	}
	events, err := store.List(context.Background(), Filter{SessionID: "s-1", Kind: KindDispatch, Limit: 10})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	got := events[0]
	if got.Attempts != 3 || got.Duration != 1500*time.Millisecond || got.ErrorCode != "TIMEOUT" {
		t.Fatalf("unexpected event %+v", got)
	}
	if out, ok := got.Output.(map[string]any); !ok || out["ok"] != false {
		t.Fatalf("unexpected output %v", got.Output)
	}
}

func TestRecorderCapturesStepsAndDispatches(t *testing.T) {
	store := NewMemoryStore()
	rec := NewRecorder(store, "s-42", nil)

	mgr := execctx.NewManager()
	if _, err := mgr.Initialize(""); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	m := eval.New(mgr, eval.WithObserver(rec))
	local := host.NewLocalHost()
	host.RegisterStandard(local, nil)
	policy, err := host.NewPolicy([]host.Rule{{ID: "no-net", Effect: "deny", Namespace: "net"}})
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	d := host.NewDriver(local, host.WithPolicy(policy), host.WithDispatchObserver(rec))

	prog := eval.StepOf("greet",
		eval.CallSym("capability.echo", eval.L(value.String("hi"))),
	)
	if _, err := d.Run(context.Background(), m, prog); err != nil {
		t.Fatalf("run: %v", err)
	}
	denied := &eval.Try{
		Body:     []eval.Expr{eval.CallSym("net.get", eval.L(value.String("https://example.org")))},
		HasCatch: true,
		Catch:    []eval.Expr{eval.L(value.Nil{})},
	}
	if _, err := d.Run(context.Background(), m, denied); err != nil {
		t.Fatalf("run: %v", err)
	}

	steps, _ := store.List(context.Background(), Filter{Kind: KindStep})
	if len(steps) != 2 || steps[0].Status != "started" || steps[1].Status != "completed" {
		t.Fatalf("unexpected step events %+v", steps)
	}
	if steps[1].Output != "hi" || steps[1].SessionID != "s-42" {
		t.Fatalf("completed step should carry the result: %+v", steps[1])
	}
	dispatches, _ := store.List(context.Background(), Filter{Kind: KindDispatch})
	if len(dispatches) != 2 {
		t.Fatalf("expected 2 dispatches, got %+v", dispatches)
	}
	if dispatches[0].Name != "capability.echo" || dispatches[0].Status != "allow" {
		t.Fatalf("unexpected first dispatch %+v", dispatches[0])
	}
	if dispatches[0].ContextID == "" {
		t.Fatalf("dispatch should carry the calling context")
	}
	if dispatches[1].Name != "net.get" || dispatches[1].Status != "deny" || dispatches[1].ErrorCode != "HOST_DENIED" {
		t.Fatalf("unexpected second dispatch %+v", dispatches[1])
	}
}
