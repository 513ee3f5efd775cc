package execctx

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Checkpoint is a serialized copy of the active chain (current node and its
// ancestors). Payload decodes with DecodeSnapshot.
type Checkpoint struct {
	ID        string
	Label     string
	ContextID ID
	RootID    ID
	Depth     int
	NodeIDs   []ID
	CreatedAt time.Time
	Payload   []byte
}

// Checkpoint serializes the active chain, records the checkpoint id on the
// current node and hands the result to the configured sink. The chain is
// captured under the store write lock, so it never interleaves with a merge.
func (m *Manager) Checkpoint(ctx context.Context, label string) (Checkpoint, error) {
	cur, err := m.requireCurrent()
	if err != nil {
		return Checkpoint{}, err
	}

	s := m.store
	s.mu.Lock()
	chain, err := s.chainLocked(cur)
	if err != nil {
		s.mu.Unlock()
		return Checkpoint{}, err
	}
	cp := Checkpoint{
		ID:        uuid.NewString(),
		Label:     label,
		ContextID: cur,
		RootID:    s.root,
		Depth:     len(chain),
		NodeIDs:   chain,
		CreatedAt: s.now(),
	}
	s.nodes[cur].Metadata.CheckpointID = cp.ID
	payload, err := s.snapshotLocked(chain, cur)
	if err != nil {
		s.nodes[cur].Metadata.CheckpointID = ""
		s.mu.Unlock()
		return Checkpoint{}, err
	}
	cp.Payload = payload
	s.lastCheckpoint = cp.CreatedAt
	s.mu.Unlock()

	if m.sink != nil {
		if err := m.sink.SaveCheckpoint(ctx, cp); err != nil {
			m.logger.Warn("execctx.checkpoint.save_failed",
				slog.String("checkpoint_id", cp.ID),
				slog.String("error", err.Error()),
			)
			return cp, err
		}
	}
	if m.observer != nil {
		m.observer.Checkpointed(cp)
	}
	m.logger.Debug("execctx.checkpoint",
		slog.String("checkpoint_id", cp.ID),
		slog.String("label", label),
		slog.String("context_id", string(cur)),
		slog.Int("depth", cp.Depth),
	)
	return cp, nil
}

// LastCheckpoint returns when the store was last checkpointed.
func (s *Store) LastCheckpoint() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastCheckpoint
}

func (m *Manager) maybeCheckpoint(label string) {
	if m.checkpointEvery <= 0 {
		return
	}
	last := m.store.LastCheckpoint()
	if last.IsZero() {
		last = m.started
	}
	if m.store.now().Sub(last) < m.checkpointEvery {
		return
	}
	if _, err := m.Checkpoint(context.Background(), "auto:"+label); err != nil {
		m.logger.Warn("execctx.checkpoint.auto_failed", slog.String("error", err.Error()))
	}
}
