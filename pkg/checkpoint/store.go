// Package checkpoint persists execution-context checkpoints.
//
// Every store implements execctx.CheckpointSink, so it can be handed to a
// Manager directly, and adds lookups used for recovery and inspection.
package checkpoint

import (
	"context"
	"fmt"
	"sort"
	"sync"

	rterrors "github.com/jllopis/rtfscore/pkg/errors"
	"github.com/jllopis/rtfscore/pkg/execctx"
)

// Store persists checkpoints.
type Store interface {
	SaveCheckpoint(ctx context.Context, cp execctx.Checkpoint) error
	Get(ctx context.Context, id string) (execctx.Checkpoint, error)
	List(ctx context.Context, filter Filter) ([]execctx.Checkpoint, error)
	Close() error
}

// Filter limits checkpoint queries. Results are ordered oldest first.
type Filter struct {
	ContextID execctx.ID
	Label     string
	Limit     int
}

func (f Filter) match(cp execctx.Checkpoint) bool {
	if f.ContextID != "" && cp.ContextID != f.ContextID {
		return false
	}
	if f.Label != "" && cp.Label != f.Label {
		return false
	}
	return true
}

// Latest returns the newest checkpoint matching filter.
func Latest(ctx context.Context, s Store, filter Filter) (execctx.Checkpoint, error) {
	filter.Limit = 0
	cps, err := s.List(ctx, filter)
	if err != nil {
		return execctx.Checkpoint{}, err
	}
	if len(cps) == 0 {
		return execctx.Checkpoint{}, rterrors.New(rterrors.CodeNotFound, "no matching checkpoint", nil)
	}
	return cps[len(cps)-1], nil
}

// Restore loads checkpoint id into mgr, replacing its store contents with
// the checkpointed chain.
func Restore(ctx context.Context, s Store, id string, mgr *execctx.Manager) (execctx.Checkpoint, error) {
	cp, err := s.Get(ctx, id)
	if err != nil {
		return execctx.Checkpoint{}, err
	}
	if err := mgr.Deserialize(cp.Payload); err != nil {
		return cp, err
	}
	return cp, nil
}

func notFound(id string) error {
	return rterrors.New(rterrors.CodeNotFound, fmt.Sprintf("checkpoint %q not found", id), nil)
}

func clone(cp execctx.Checkpoint) execctx.Checkpoint {
	cp.NodeIDs = append([]execctx.ID(nil), cp.NodeIDs...)
	cp.Payload = append([]byte(nil), cp.Payload...)
	return cp
}

// MemoryStore keeps checkpoints in memory.
type MemoryStore struct {
	mu  sync.RWMutex
	cps []execctx.Checkpoint
	idx map[string]int
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{idx: make(map[string]int)}
}

// SaveCheckpoint stores cp, replacing an earlier checkpoint with the same id.
func (s *MemoryStore) SaveCheckpoint(_ context.Context, cp execctx.Checkpoint) error {
	if cp.ID == "" {
		return rterrors.New(rterrors.CodeInvalidInput, "checkpoint id is required", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if i, ok := s.idx[cp.ID]; ok {
		s.cps[i] = clone(cp)
		return nil
	}
	s.idx[cp.ID] = len(s.cps)
	s.cps = append(s.cps, clone(cp))
	return nil
}

// Get returns checkpoint id.
func (s *MemoryStore) Get(_ context.Context, id string) (execctx.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.idx[id]
	if !ok {
		return execctx.Checkpoint{}, notFound(id)
	}
	return clone(s.cps[i]), nil
}

// List returns the checkpoints matching filter.
func (s *MemoryStore) List(_ context.Context, filter Filter) ([]execctx.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]execctx.Checkpoint, 0, len(s.cps))
	for _, cp := range s.cps {
		if filter.match(cp) {
			out = append(out, clone(cp))
		}
	}
	sortByTime(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

func sortByTime(cps []execctx.Checkpoint) {
	sort.SliceStable(cps, func(i, j int) bool { return cps[i].CreatedAt.Before(cps[j].CreatedAt) })
}

var (
	_ Store                  = (*MemoryStore)(nil)
	_ execctx.CheckpointSink = (*MemoryStore)(nil)
)
