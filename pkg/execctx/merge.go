package execctx

import (
	"log/slog"
	"sort"

	rterrors "github.com/jllopis/rtfscore/pkg/errors"
	"github.com/jllopis/rtfscore/pkg/value"
)

// MergeStats summarizes a merge.
type MergeStats struct {
	Added     int
	Replaced  int
	Kept      int
	Conflicts int
	Skipped   bool
}

// MergeChildToParent copies the child's local bindings into its parent,
// which must be the current node. Keys only in the child are added; on
// collision the policy decides. Merges hold the store write lock, so at most
// one merge runs at a time and a checkpoint never observes a half-merged
// parent.
func (m *Manager) MergeChildToParent(child ID, policy ConflictResolution) error {
	cur, err := m.requireCurrent()
	if err != nil {
		return err
	}

	s := m.store
	s.mu.Lock()
	c, ok := s.nodes[child]
	if !ok {
		s.mu.Unlock()
		return notFound(child)
	}
	if c.Parent == "" {
		s.mu.Unlock()
		return rterrors.New(rterrors.CodeInvalidInput, "root context has no parent to merge into", nil).
			WithContext("context_id", string(child))
	}
	if c.Parent != cur {
		s.mu.Unlock()
		return rterrors.Newf(rterrors.CodeMergeTargetMismatch,
			"context %s belongs to %s, current is %s", child, c.Parent, cur).
			WithContext("context_id", string(child)).
			WithContext("parent_id", string(c.Parent)).
			WithContext("current_id", string(cur))
	}
	p, ok := s.nodes[c.Parent]
	if !ok {
		s.mu.Unlock()
		return notFound(c.Parent)
	}
	stats := mergeLocked(p, c, policy)
	c.Metadata.MergedAt = s.now()
	c.Metadata.MergedVersion = c.Metadata.Version
	c.Metadata.MergedPolicy = policy
	delete(s.pins, child)
	s.mu.Unlock()

	m.logger.Debug("execctx.merge",
		slog.String("context_id", string(child)),
		slog.String("parent_id", string(cur)),
		slog.String("policy", policy.String()),
		slog.Int("added", stats.Added),
		slog.Int("replaced", stats.Replaced),
		slog.Int("conflicts", stats.Conflicts),
		slog.Bool("skipped", stats.Skipped),
	)
	if m.observer != nil {
		m.observer.Merged(child, cur, policy, stats)
	}
	return nil
}

func mergeLocked(p, c *Node, policy ConflictResolution) MergeStats {
	var stats MergeStats
	// KeepExisting and Overwrite are idempotent by construction. Merge is
	// not (vectors concatenate), so an unmodified child merged again with
	// the same policy is a no-op.
	if policy == Merge && c.Metadata.Merged() &&
		c.Metadata.MergedPolicy == Merge && c.Metadata.MergedVersion == c.Metadata.Version {
		stats.Skipped = true
		return stats
	}

	keys := make([]string, 0, len(c.Bindings))
	for k := range c.Bindings {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	changed := false
	for _, k := range keys {
		cv := c.Bindings[k]
		pv, exists := p.Bindings[k]
		if !exists {
			p.Bindings[k] = value.Clone(cv)
			stats.Added++
			changed = true
			continue
		}
		if value.Equal(pv, cv) {
			stats.Kept++
			continue
		}
		stats.Conflicts++
		switch policy {
		case KeepExisting:
			stats.Kept++
		case Overwrite:
			p.Bindings[k] = value.Clone(cv)
			stats.Replaced++
			changed = true
		case Merge:
			p.Bindings[k] = deepMerge(pv, cv)
			stats.Replaced++
			changed = true
		}
	}
	if changed {
		p.Metadata.Version++
	}
	return stats
}

// deepMerge combines two maps key by key, concatenates two vectors and
// otherwise returns the incoming value.
func deepMerge(existing, incoming value.Value) value.Value {
	switch in := incoming.(type) {
	case value.Map:
		ex, ok := existing.(value.Map)
		if !ok {
			return value.Clone(in)
		}
		out := value.Clone(ex).(value.Map)
		for k, v := range in {
			if cur, ok := out[k]; ok {
				out[k] = deepMerge(cur, v)
				continue
			}
			out[k] = value.Clone(v)
		}
		return out
	case value.Vector:
		ex, ok := existing.(value.Vector)
		if !ok {
			return value.Clone(in)
		}
		out := make(value.Vector, 0, len(ex)+len(in))
		out = append(out, value.Clone(ex).(value.Vector)...)
		return append(out, value.Clone(in).(value.Vector)...)
	default:
		return value.Clone(incoming)
	}
}
