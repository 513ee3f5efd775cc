package checkpoint

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	rterrors "github.com/jllopis/rtfscore/pkg/errors"
	"github.com/jllopis/rtfscore/pkg/execctx"
	"github.com/jllopis/rtfscore/pkg/value"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	db, err := sql.Open("sqlite", "file:checkpoint_store_test?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	sqlite, err := NewSQLiteStore(db)
	if err != nil {
		t.Fatalf("new sqlite store: %v", err)
	}
	file, err := NewFileStore(filepath.Join(t.TempDir(), "cp", "checkpoints.jsonl"))
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
		"file":   file,
	}
}

func TestStoresThroughManager(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
			st := execctx.NewStore(execctx.WithClock(func() time.Time {
				clock = clock.Add(time.Second)
				return clock
			}))
			mgr := execctx.NewManager(execctx.WithStore(st), execctx.WithCheckpointSink(store))
			if _, err := mgr.Initialize(""); err != nil {
				t.Fatalf("initialize: %v", err)
			}
			_ = mgr.Set("timeout", value.Int(30))
			first, err := mgr.Checkpoint(ctx, "start")
			if err != nil {
				t.Fatalf("checkpoint: %v", err)
			}
			step, _ := mgr.EnterStep("fetch", execctx.Inherit)
			_ = mgr.Set("url", value.String("https://example.org"))
			second, err := mgr.Checkpoint(ctx, "fetch")
			if err != nil {
				t.Fatalf("checkpoint: %v", err)
			}

			all, err := store.List(ctx, Filter{})
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(all) != 2 || all[0].ID != first.ID || all[1].ID != second.ID {
				t.Fatalf("unexpected checkpoints %+v", all)
			}
			byCtx, _ := store.List(ctx, Filter{ContextID: step})
			if len(byCtx) != 1 || byCtx[0].Depth != 2 {
				t.Fatalf("filter by context: %+v", byCtx)
			}
			limited, _ := store.List(ctx, Filter{Limit: 1})
			if len(limited) != 1 || limited[0].ID != first.ID {
				t.Fatalf("limit should keep the oldest: %+v", limited)
			}
			latest, err := Latest(ctx, store, Filter{})
			if err != nil || latest.ID != second.ID {
				t.Fatalf("latest = %+v, %v", latest, err)
			}
			if _, err := store.Get(ctx, "missing"); !rterrors.HasCode(err, rterrors.CodeNotFound) {
				t.Fatalf("expected NOT_FOUND, got %v", err)
			}

			fresh := execctx.NewManager()
			cp, err := Restore(ctx, store, second.ID, fresh)
			if err != nil {
				t.Fatalf("restore: %v", err)
			}
			if cp.Label != "fetch" || !cp.CreatedAt.Equal(second.CreatedAt) {
				t.Fatalf("restored checkpoint metadata %+v", cp)
			}
			if fresh.CurrentID() != step {
				t.Fatalf("current = %s, want %s", fresh.CurrentID(), step)
			}
			if v, ok := fresh.Get("timeout"); !ok || !value.Equal(v, value.Int(30)) {
				t.Fatalf("timeout not restored: %v", v)
			}
			if v, ok := fresh.Get("url"); !ok || !value.Equal(v, value.String("https://example.org")) {
				t.Fatalf("url not restored: %v", v)
			}
			if err := store.Close(); err != nil {
				t.Fatalf("close: %v", err)
			}
		})
	}
}

func TestLatestEmpty(t *testing.T) {
	if _, err := Latest(context.Background(), NewMemoryStore(), Filter{}); !rterrors.HasCode(err, rterrors.CodeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestFileStoreLastLineWins(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(filepath.Join(t.TempDir(), "cp.jsonl"))
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	cp := execctx.Checkpoint{ID: "a", Label: "one", Payload: []byte(`{}`), CreatedAt: time.Now()}
	if err := store.SaveCheckpoint(ctx, cp); err != nil {
		t.Fatalf("save: %v", err)
	}
	cp.Label = "two"
	if err := store.SaveCheckpoint(ctx, cp); err != nil {
		t.Fatalf("save: %v", err)
	}
	all, _ := store.List(ctx, Filter{})
	if len(all) != 1 || all[0].Label != "two" {
		t.Fatalf("unexpected list %+v", all)
	}
	cp.Payload = []byte("not json")
	if err := store.SaveCheckpoint(ctx, cp); err == nil {
		t.Fatalf("non-JSON payload should be rejected")
	}
}
