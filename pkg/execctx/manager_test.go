package execctx

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	rterrors "github.com/jllopis/rtfscore/pkg/errors"
	"github.com/jllopis/rtfscore/pkg/value"
)

func newInitialized(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	m := NewManager(opts...)
	if _, err := m.Initialize(""); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return m
}

func mustGet(t *testing.T, m *Manager, key string) value.Value {
	t.Helper()
	v, ok := m.Get(key)
	if !ok {
		t.Fatalf("expected %q to resolve from %s", key, m.CurrentID())
	}
	return v
}

func TestInitializeTwiceFails(t *testing.T) {
	m := newInitialized(t)
	if m.RootID() != DefaultRootID {
		t.Fatalf("unexpected root id: %s", m.RootID())
	}
	_, err := m.Initialize("other")
	if !rterrors.HasCode(err, rterrors.CodeAlreadyInitialized) {
		t.Fatalf("expected ALREADY_INITIALIZED, got %v", err)
	}
	m.Reset()
	if _, err := m.Initialize("other"); err != nil {
		t.Fatalf("initialize after reset: %v", err)
	}
	if m.CurrentID() != "other" {
		t.Fatalf("expected current other, got %s", m.CurrentID())
	}
}

func TestSetBeforeInitialize(t *testing.T) {
	m := NewManager()
	if err := m.Set("x", value.Int(1)); !rterrors.HasCode(err, rterrors.CodeNotInitialized) {
		t.Fatalf("expected NOT_INITIALIZED, got %v", err)
	}
	if _, ok := m.Get("x"); ok {
		t.Fatalf("expected miss before initialize")
	}
	if m.Depth() != 0 {
		t.Fatalf("expected depth 0 before initialize")
	}
}

func TestSetThenGetReturnsLastWrite(t *testing.T) {
	m := newInitialized(t)
	for i := 0; i < 5; i++ {
		if err := m.Set("k", value.Int(i)); err != nil {
			t.Fatalf("set: %v", err)
		}
		if got := mustGet(t, m, "k"); !value.Equal(got, value.Int(i)) {
			t.Fatalf("expected %d, got %s", i, got)
		}
	}
}

func TestIsolationReadVisibility(t *testing.T) {
	tests := []struct {
		isolation IsolationLevel
		visible   bool
	}{
		{Inherit, true},
		{Isolated, true},
		{Sandboxed, false},
	}
	for _, tt := range tests {
		t.Run(tt.isolation.String(), func(t *testing.T) {
			m := newInitialized(t)
			if err := m.Set("timeout", value.Int(30)); err != nil {
				t.Fatalf("set: %v", err)
			}
			if _, err := m.EnterStep("child", Inherit); err != nil {
				t.Fatalf("enter: %v", err)
			}
			if _, err := m.EnterStep("grandchild", tt.isolation); err != nil {
				t.Fatalf("enter: %v", err)
			}
			v, ok := m.Get("timeout")
			if ok != tt.visible {
				t.Fatalf("visible = %v, want %v", ok, tt.visible)
			}
			if ok && !value.Equal(v, value.Int(30)) {
				t.Fatalf("unexpected value %s", v)
			}
		})
	}
}

func TestLocalSetNeverMutatesParent(t *testing.T) {
	for _, iso := range []IsolationLevel{Inherit, Isolated, Sandboxed} {
		m := newInitialized(t)
		root := m.CurrentID()
		_ = m.Set("x", value.String("parent"))
		if _, err := m.EnterStep("s", iso); err != nil {
			t.Fatalf("enter: %v", err)
		}
		_ = m.Set("x", value.String("child"))
		_ = m.Set("y", value.Int(1))
		v, _, err := m.GetAt(root, "x")
		if err != nil {
			t.Fatalf("get at root: %v", err)
		}
		if !value.Equal(v, value.String("parent")) {
			t.Fatalf("%s: parent mutated to %s", iso, v)
		}
		if _, ok, _ := m.GetAt(root, "y"); ok {
			t.Fatalf("%s: child key leaked to parent", iso)
		}
	}
}

func TestDepth(t *testing.T) {
	m := newInitialized(t)
	if m.Depth() != 1 {
		t.Fatalf("root depth = %d", m.Depth())
	}
	for i := 2; i <= 4; i++ {
		if _, err := m.EnterStep(fmt.Sprintf("s%d", i), Inherit); err != nil {
			t.Fatalf("enter: %v", err)
		}
		if m.Depth() != i {
			t.Fatalf("depth = %d, want %d", m.Depth(), i)
		}
	}
	branch, err := m.CreateParallelContext("p")
	if err != nil {
		t.Fatalf("fork: %v", err)
	}
	d, err := m.DepthOf(branch)
	if err != nil || d != m.Depth()+1 {
		t.Fatalf("branch depth = %d (%v), want %d", d, err, m.Depth()+1)
	}
}

func TestSwitchToUnknown(t *testing.T) {
	m := newInitialized(t)
	err := m.SwitchTo("missing")
	if !rterrors.HasCode(err, rterrors.CodeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
	re := rterrors.AsRuntimeError(err)
	if !re.Recoverable {
		t.Fatalf("NOT_FOUND must be recoverable")
	}
	if m.CurrentID() != DefaultRootID {
		t.Fatalf("current moved on failed switch")
	}
}

func TestMergeScenario(t *testing.T) {
	m := newInitialized(t)
	root := m.CurrentID()
	_ = m.Set("timeout", value.Int(30))

	a, err := m.CreateParallelContext("A")
	if err != nil {
		t.Fatalf("fork A: %v", err)
	}
	if err := m.SwitchTo(a); err != nil {
		t.Fatalf("switch A: %v", err)
	}
	_ = m.Set("retries", value.Int(3))
	_ = m.SwitchTo(root)
	if err := m.MergeChildToParent(a, KeepExisting); err != nil {
		t.Fatalf("merge A: %v", err)
	}
	if got := mustGet(t, m, "timeout"); !value.Equal(got, value.Int(30)) {
		t.Fatalf("timeout = %s", got)
	}
	if got := mustGet(t, m, "retries"); !value.Equal(got, value.Int(3)) {
		t.Fatalf("retries = %s", got)
	}

	b, _ := m.CreateParallelContext("B")
	_ = m.SwitchTo(b)
	_ = m.Set("timeout", value.Int(99))
	_ = m.SwitchTo(root)
	if err := m.MergeChildToParent(b, Overwrite); err != nil {
		t.Fatalf("merge B: %v", err)
	}
	if got := mustGet(t, m, "timeout"); !value.Equal(got, value.Int(99)) {
		t.Fatalf("timeout after overwrite = %s", got)
	}
	if !m.Store().Has(a) || !m.Store().Has(b) {
		t.Fatalf("merged children must stay in the store")
	}
}

func TestKeepExistingRetainsParent(t *testing.T) {
	m := newInitialized(t)
	_ = m.Set("k", value.String("parent"))
	c, _ := m.CreateBranch("c", Inherit)
	v, _ := m.View(c)
	defer v.Close()
	_ = v.Set("k", value.String("child"))
	_ = v.Set("only", value.Bool(true))
	if err := m.MergeChildToParent(c, KeepExisting); err != nil {
		t.Fatalf("merge: %v", err)
	}
	if got := mustGet(t, m, "k"); !value.Equal(got, value.String("parent")) {
		t.Fatalf("k = %s", got)
	}
	if got := mustGet(t, m, "only"); !value.Equal(got, value.Bool(true)) {
		t.Fatalf("only = %s", got)
	}
}

func snapshotBindings(t *testing.T, m *Manager, id ID) map[string]value.Value {
	t.Helper()
	n, err := m.Node(id)
	if err != nil {
		t.Fatalf("node: %v", err)
	}
	return n.Bindings
}

func sameBindings(a, b map[string]value.Value) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if !value.Equal(v, b[k]) {
			return false
		}
	}
	return true
}

func TestMergeIdempotent(t *testing.T) {
	for _, policy := range []ConflictResolution{KeepExisting, Overwrite, Merge} {
		t.Run(policy.String(), func(t *testing.T) {
			m := newInitialized(t)
			root := m.CurrentID()
			_ = m.Set("list", value.Vector{value.Int(1)})
			_ = m.Set("k", value.Int(1))
			c, _ := m.CreateParallelContext("c")
			_ = m.SwitchTo(c)
			_ = m.Set("list", value.Vector{value.Int(2)})
			_ = m.Set("k", value.Int(2))
			_ = m.Set("new", value.Keyword("x"))
			_ = m.SwitchTo(root)

			if err := m.MergeChildToParent(c, policy); err != nil {
				t.Fatalf("first merge: %v", err)
			}
			first := snapshotBindings(t, m, root)
			if err := m.MergeChildToParent(c, policy); err != nil {
				t.Fatalf("second merge: %v", err)
			}
			second := snapshotBindings(t, m, root)
			if !sameBindings(first, second) {
				t.Fatalf("parent changed on repeated merge: %v vs %v", first, second)
			}
		})
	}
}

func TestMergePolicyDeepMerges(t *testing.T) {
	m := newInitialized(t)
	root := m.CurrentID()
	pm, _ := value.NewMap(value.Keyword("a"), value.Int(1), value.Keyword("nested"), value.Vector{value.Int(1)})
	_ = m.Set("cfg", pm)
	c, _ := m.CreateParallelContext("c")
	_ = m.SwitchTo(c)
	cm, _ := value.NewMap(value.Keyword("b"), value.Int(2), value.Keyword("nested"), value.Vector{value.Int(2)})
	_ = m.Set("cfg", cm)
	_ = m.SwitchTo(root)
	if err := m.MergeChildToParent(c, Merge); err != nil {
		t.Fatalf("merge: %v", err)
	}
	want, _ := value.NewMap(
		value.Keyword("a"), value.Int(1),
		value.Keyword("b"), value.Int(2),
		value.Keyword("nested"), value.Vector{value.Int(1), value.Int(2)},
	)
	if got := mustGet(t, m, "cfg"); !value.Equal(got, want) {
		t.Fatalf("cfg = %s, want %s", got, want)
	}
}

func TestMergeTargetMismatch(t *testing.T) {
	m := newInitialized(t)
	root := m.CurrentID()
	s1, _ := m.EnterStep("s1", Inherit)
	c, _ := m.CreateParallelContext("c")
	_ = m.SwitchTo(root)

	err := m.MergeChildToParent(c, Overwrite)
	if !rterrors.HasCode(err, rterrors.CodeMergeTargetMismatch) {
		t.Fatalf("expected MERGE_TARGET_MISMATCH, got %v", err)
	}
	_ = m.SwitchTo(s1)
	if err := m.MergeChildToParent(c, Overwrite); err != nil {
		t.Fatalf("merge from recorded parent: %v", err)
	}
	if err := m.MergeChildToParent("ghost", Overwrite); !rterrors.HasCode(err, rterrors.CodeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
	if err := m.MergeChildToParent(root, Overwrite); !rterrors.HasCode(err, rterrors.CodeInvalidInput) {
		t.Fatalf("expected INVALID_INPUT for root, got %v", err)
	}
}

func TestExitStepAndIsolatedBlocks(t *testing.T) {
	m := newInitialized(t)
	root := m.CurrentID()
	if _, err := m.ExitStep(); !rterrors.HasCode(err, rterrors.CodeInvalidInput) {
		t.Fatalf("expected error exiting root, got %v", err)
	}
	iso, err := m.BeginIsolated("work")
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if m.CurrentID() != iso {
		t.Fatalf("expected to be inside isolated block")
	}
	_ = m.Set("result", value.String("done"))
	if err := m.EndIsolated(KeepExisting); err != nil {
		t.Fatalf("end: %v", err)
	}
	if m.CurrentID() != root {
		t.Fatalf("expected current back at root")
	}
	if got := mustGet(t, m, "result"); !value.Equal(got, value.String("done")) {
		t.Fatalf("result = %s", got)
	}
}

func TestAncestorsSiblingsChildren(t *testing.T) {
	m := newInitialized(t)
	root := m.CurrentID()
	a, _ := m.CreateParallelContext("a")
	b, _ := m.CreateParallelContext("b")
	c, _ := m.CreateParallelContext("c")
	kids, err := m.Children(root)
	if err != nil || len(kids) != 3 || kids[0] != a || kids[2] != c {
		t.Fatalf("unexpected children %v (%v)", kids, err)
	}
	_ = m.SwitchTo(b)
	sib, _ := m.Siblings()
	if len(sib) != 2 || sib[0] != a || sib[1] != c {
		t.Fatalf("unexpected siblings %v", sib)
	}
	anc, _ := m.Ancestors()
	if len(anc) != 1 || anc[0] != root {
		t.Fatalf("unexpected ancestors %v", anc)
	}
	n, _ := m.Node(b)
	if !n.Metadata.Parallel || n.Isolation != Isolated || n.Metadata.StepName != "b" {
		t.Fatalf("unexpected branch metadata %+v", n.Metadata)
	}
}

func TestConcurrentViews(t *testing.T) {
	m := newInitialized(t)
	_ = m.Set("base", value.Int(0))
	const branches = 16

	ids := make([]ID, branches)
	for i := range ids {
		id, err := m.CreateParallelContext(fmt.Sprintf("b%d", i))
		if err != nil {
			t.Fatalf("fork: %v", err)
		}
		ids[i] = id
	}

	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id ID) {
			defer wg.Done()
			v, err := m.View(id)
			if err != nil {
				t.Errorf("view: %v", err)
				return
			}
			defer v.Close()
			base, _ := v.Get("base")
			_ = v.Set(fmt.Sprintf("k%d", i), base)
			if _, err := v.EnterStep("inner", Inherit); err != nil {
				t.Errorf("enter: %v", err)
			}
			_ = v.Set("scratch", value.Int(i))
		}(i, id)
	}
	wg.Wait()

	for _, id := range ids {
		if err := m.MergeChildToParent(id, Overwrite); err != nil {
			t.Fatalf("merge %s: %v", id, err)
		}
	}
	for i := 0; i < branches; i++ {
		if got := mustGet(t, m, fmt.Sprintf("k%d", i)); !value.Equal(got, value.Int(0)) {
			t.Fatalf("k%d = %s", i, got)
		}
	}
	if _, ok := m.Get("scratch"); ok {
		t.Fatalf("grandchild bindings must not reach the root")
	}
	if m.Store().Len() != 1+2*branches {
		t.Fatalf("unexpected node count %d", m.Store().Len())
	}
}

type recordingSink struct {
	mu  sync.Mutex
	cps []Checkpoint
}

func (r *recordingSink) SaveCheckpoint(_ context.Context, cp Checkpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cps = append(r.cps, cp)
	return nil
}

func TestCheckpointCapturesActiveChain(t *testing.T) {
	sink := &recordingSink{}
	m := newInitialized(t, WithCheckpointSink(sink))
	_ = m.Set("a", value.Int(1))
	other, _ := m.CreateParallelContext("other")
	step, _ := m.EnterStep("step", Inherit)
	_ = m.Set("b", value.Int(2))

	cp, err := m.Checkpoint(context.Background(), "manual")
	if err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if cp.Depth != 2 || cp.ContextID != step || cp.Label != "manual" {
		t.Fatalf("unexpected checkpoint %+v", cp)
	}
	if len(sink.cps) != 1 || sink.cps[0].ID != cp.ID {
		t.Fatalf("sink did not receive checkpoint")
	}
	snap, err := DecodeSnapshot(cp.Payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(snap.Nodes) != 2 || snap.Node(other) != nil {
		t.Fatalf("checkpoint should hold only the active chain, got %d nodes", len(snap.Nodes))
	}
	if n := snap.Node(step); n == nil || n.Metadata.CheckpointID != cp.ID {
		t.Fatalf("current node should carry the checkpoint id")
	}
	live, _ := m.Node(step)
	if live.Metadata.CheckpointID != cp.ID {
		t.Fatalf("live node should carry the checkpoint id")
	}
}

func TestAutoCheckpointOnEnterStep(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	sink := &recordingSink{}
	m := NewManager(
		WithStore(NewStore(WithClock(clock))),
		WithCheckpointSink(sink),
		WithCheckpointInterval(time.Minute),
	)
	if _, err := m.Initialize(""); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	_, _ = m.EnterStep("early", Inherit)
	if len(sink.cps) != 0 {
		t.Fatalf("no checkpoint expected before the interval")
	}
	now = now.Add(2 * time.Minute)
	_, _ = m.EnterStep("late", Inherit)
	if len(sink.cps) != 1 || sink.cps[0].Label != "auto:late" {
		t.Fatalf("expected one auto checkpoint, got %+v", sink.cps)
	}
}

func TestCycleIsFatal(t *testing.T) {
	m := newInitialized(t)
	a, _ := m.EnterStep("a", Inherit)
	b, _ := m.EnterStep("b", Inherit)
	// corrupt the arena directly
	m.store.mu.Lock()
	m.store.nodes[a].Parent = b
	m.store.mu.Unlock()

	_, _, err := m.GetAt(b, "missing")
	re := rterrors.AsRuntimeError(err)
	if re == nil || re.Code != rterrors.CodeCycleDetected || re.Recoverable {
		t.Fatalf("expected fatal CYCLE_DETECTED, got %v", err)
	}
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic from Get on cyclic chain")
		}
	}()
	m.Get("missing")
}
