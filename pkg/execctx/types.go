// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package execctx implements the hierarchical execution context used by the
// RTFS evaluator: an arena of scopes addressed by id, a per-owner "current"
// cursor, and the step/branch/merge/checkpoint operations built on top.
package execctx

import (
	"fmt"
	"strings"
	"time"

	"github.com/jllopis/rtfscore/pkg/value"
)

// ID identifies a context node within a store.
type ID string

// IsolationLevel controls read visibility of a node's ancestors.
type IsolationLevel int

const (
	// Inherit reads fall through to the parent on miss; writes are local.
	Inherit IsolationLevel = iota
	// Isolated reads fall through; writes are local and only reach the
	// parent through an explicit merge.
	Isolated
	// Sandboxed nodes never read through to the parent.
	Sandboxed
)

func (l IsolationLevel) String() string {
	switch l {
	case Inherit:
		return "inherit"
	case Isolated:
		return "isolated"
	case Sandboxed:
		return "sandboxed"
	default:
		return fmt.Sprintf("isolation(%d)", int(l))
	}
}

// ParseIsolation accepts the names produced by String, case-insensitively.
func ParseIsolation(s string) (IsolationLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "inherit":
		return Inherit, nil
	case "isolated":
		return Isolated, nil
	case "sandboxed", "sandbox":
		return Sandboxed, nil
	default:
		return Inherit, fmt.Errorf("unknown isolation level %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (l IsolationLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *IsolationLevel) UnmarshalText(text []byte) error {
	parsed, err := ParseIsolation(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// ConflictResolution decides which side wins when a merged key exists in
// both parent and child. Keys present on one side only are always kept.
type ConflictResolution int

const (
	// KeepExisting keeps the parent's value (parent wins).
	KeepExisting ConflictResolution = iota
	// Overwrite takes the child's value (child wins).
	Overwrite
	// Merge deep-merges maps, concatenates vectors, and otherwise lets the
	// child win.
	Merge
)

func (c ConflictResolution) String() string {
	switch c {
	case KeepExisting:
		return "keep-existing"
	case Overwrite:
		return "overwrite"
	case Merge:
		return "merge"
	default:
		return fmt.Sprintf("policy(%d)", int(c))
	}
}

// ParseConflictResolution accepts the spellings used by step-parallel's
// :merge-policy option.
func ParseConflictResolution(s string) (ConflictResolution, error) {
	switch strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), ":")) {
	case "", "keep-existing", "keep_existing", "parent-wins", "parent_wins":
		return KeepExisting, nil
	case "overwrite", "child-wins", "child_wins":
		return Overwrite, nil
	case "merge":
		return Merge, nil
	default:
		return KeepExisting, fmt.Errorf("unknown merge policy %q: want keep-existing | overwrite | merge", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (c ConflictResolution) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *ConflictResolution) UnmarshalText(text []byte) error {
	parsed, err := ParseConflictResolution(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Metadata is bookkeeping attached to a node. It never affects lookups.
type Metadata struct {
	CreatedAt    time.Time
	StepName     string
	CheckpointID string
	Parallel     bool
	Tags         map[string]string

	// Version increments on every local write.
	Version uint64

	MergedAt      time.Time
	MergedVersion uint64
	MergedPolicy  ConflictResolution

	// FinishedAt is set once the scope has been left for good or the
	// branch was abandoned.
	FinishedAt time.Time
}

// Merged reports whether the node has been merged into its parent at least once.
func (m Metadata) Merged() bool {
	return !m.MergedAt.IsZero()
}

// Finished reports whether the scope was left or abandoned.
func (m Metadata) Finished() bool {
	return !m.FinishedAt.IsZero()
}

// ContextRef is implemented by values that keep a context node alive after
// it is left, such as closures capturing their defining scope.
type ContextRef interface {
	ContextRef() ID
}

// Refs returns the nodes referenced by v and by any value nested in it.
func Refs(v value.Value) []ID {
	var out []ID
	collectRefs(v, &out)
	return out
}

func collectRefs(v value.Value, out *[]ID) {
	switch x := v.(type) {
	case ContextRef:
		if id := x.ContextRef(); id != "" {
			*out = append(*out, id)
		}
	case value.Vector:
		for _, e := range x {
			collectRefs(e, out)
		}
	case value.List:
		for _, e := range x {
			collectRefs(e, out)
		}
	case value.Map:
		for _, e := range x {
			collectRefs(e, out)
		}
	}
}

// Node is a single scope. Parent is empty for the root.
type Node struct {
	ID        ID
	Parent    ID
	Bindings  map[string]value.Value
	Isolation IsolationLevel
	Metadata  Metadata
	Children  []ID
}

// IsRoot reports whether the node has no parent.
func (n *Node) IsRoot() bool {
	return n.Parent == ""
}

func (n *Node) clone() *Node {
	cp := *n
	cp.Bindings = make(map[string]value.Value, len(n.Bindings))
	for k, v := range n.Bindings {
		cp.Bindings[k] = value.Clone(v)
	}
	cp.Children = append([]ID(nil), n.Children...)
	if n.Metadata.Tags != nil {
		cp.Metadata.Tags = make(map[string]string, len(n.Metadata.Tags))
		for k, v := range n.Metadata.Tags {
			cp.Metadata.Tags[k] = v
		}
	}
	return &cp
}
