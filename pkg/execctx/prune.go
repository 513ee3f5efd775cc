package execctx

import (
	"log/slog"
	"time"
)

// PruneOptions controls which finished nodes Prune reclaims.
type PruneOptions struct {
	// RequireCheckpoint only reclaims nodes that were merged or left before
	// the most recent checkpoint.
	RequireCheckpoint bool
	// AbandonedAfter reclaims unpinned parallel branches that were never
	// merged nor finished and are older than this. Branches restored from a
	// snapshot are the usual case. Zero keeps them forever.
	AbandonedAfter time.Duration
}

// Prune removes subtrees rooted at a node that is no longer needed: a scope
// that was left, a branch that was abandoned, a branch merged and not
// written since, or an unpinned branch older than AbandonedAfter. It never
// touches the root, the chain under the current node of any live Manager or
// View, a forked branch still waiting for its merge, or the chain of any node
// referenced by a value bound in a surviving node. It returns the number of
// nodes removed.
func (m *Manager) Prune(opts PruneOptions) int {
	s := m.store
	s.mu.Lock()
	if s.root == "" {
		s.mu.Unlock()
		return 0
	}
	now := s.now()

	protected := make(map[ID]bool)
	protect := func(at ID) bool {
		chain, err := s.chainLocked(at)
		if err != nil {
			return false
		}
		added := false
		for _, id := range chain {
			if !protected[id] {
				protected[id] = true
				added = true
			}
		}
		return added
	}
	for _, at := range s.cursors {
		if at != "" {
			protect(at)
		}
	}
	for id := range s.pins {
		protect(id)
	}

	ids := make([]ID, 0, len(s.nodes))
	for id := range s.nodes {
		ids = append(ids, id)
	}
	sortIDs(ids)

	// Protecting a referenced chain can save a subtree that holds further
	// references, so repeat until nothing new is protected.
	var doomed map[ID]bool
	var roots []ID
	for {
		doomed, roots = s.doomedLocked(ids, protected, opts, now)
		grew := false
		for _, id := range ids {
			if doomed[id] {
				continue
			}
			for _, v := range s.nodes[id].Bindings {
				for _, ref := range Refs(v) {
					if protect(ref) {
						grew = true
					}
				}
			}
		}
		if !grew {
			break
		}
	}

	for _, id := range roots {
		parent := s.nodes[id].Parent
		if p, ok := s.nodes[parent]; ok && !doomed[parent] {
			p.Children = removeID(p.Children, id)
		}
	}
	for id := range doomed {
		delete(s.nodes, id)
		delete(s.pins, id)
	}
	removed := len(doomed)
	s.mu.Unlock()

	if removed > 0 {
		m.logger.Debug("execctx.prune", slog.Int("removed", removed))
		if m.observer != nil {
			m.observer.Pruned(removed)
		}
	}
	return removed
}

// doomedLocked returns every node Prune would remove given the protected
// set, and the subtree roots they hang from.
func (s *Store) doomedLocked(ids []ID, protected map[ID]bool, opts PruneOptions, now time.Time) (map[ID]bool, []ID) {
	doomed := make(map[ID]bool)
	var roots []ID
	for _, id := range ids {
		n := s.nodes[id]
		if n.Parent == "" || protected[id] || doomed[id] {
			continue
		}
		if !s.reclaimable(n, opts, now) {
			continue
		}
		subtree := s.subtreeLocked(id)
		if containsAny(subtree, protected) {
			continue
		}
		for _, sid := range subtree {
			doomed[sid] = true
		}
		roots = append(roots, id)
	}
	return doomed, roots
}

func (s *Store) reclaimable(n *Node, opts PruneOptions, now time.Time) bool {
	if _, pinned := s.pins[n.ID]; pinned {
		return false
	}
	md := n.Metadata
	switch {
	case md.Finished():
		return s.covered(md.FinishedAt, opts)
	case md.Merged():
		if md.MergedVersion != md.Version {
			return false
		}
		return s.covered(md.MergedAt, opts)
	}
	return md.Parallel && opts.AbandonedAfter > 0 && now.Sub(md.CreatedAt) >= opts.AbandonedAfter
}

// covered reports whether an event at t is safe to forget under opts.
func (s *Store) covered(t time.Time, opts PruneOptions) bool {
	if !opts.RequireCheckpoint {
		return true
	}
	return !s.lastCheckpoint.IsZero() && !t.After(s.lastCheckpoint)
}

func (s *Store) subtreeLocked(id ID) []ID {
	out := []ID{id}
	for i := 0; i < len(out); i++ {
		n, ok := s.nodes[out[i]]
		if !ok {
			continue
		}
		for _, c := range n.Children {
			if _, ok := s.nodes[c]; ok {
				out = append(out, c)
			}
		}
	}
	return out
}

func containsAny(ids []ID, set map[ID]bool) bool {
	for _, id := range ids {
		if set[id] {
			return true
		}
	}
	return false
}

func removeID(ids []ID, target ID) []ID {
	out := ids[:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}
