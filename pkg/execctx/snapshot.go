package execctx

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	rterrors "github.com/jllopis/rtfscore/pkg/errors"
	"github.com/jllopis/rtfscore/pkg/value"
)

// SnapshotVersion is the current wire format version.
const SnapshotVersion = 1

// Snapshot is the decoded form of a serialized store or chain.
type Snapshot struct {
	Version int
	Root    ID
	Current ID
	Nodes   []*Node
}

// Node returns the node with the given id, or nil.
func (s *Snapshot) Node(id ID) *Node {
	for _, n := range s.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

type snapshotWire struct {
	Version int        `json:"version"`
	Root    ID         `json:"root"`
	Current ID         `json:"current"`
	Nodes   []nodeWire `json:"nodes"`
}

type nodeWire struct {
	ID        ID                      `json:"id"`
	Parent    ID                      `json:"parent,omitempty"`
	Isolation IsolationLevel          `json:"isolation"`
	Bindings  map[string]value.Tagged `json:"bindings"`
	Children  []ID                    `json:"children,omitempty"`
	Meta      metadataWire            `json:"meta"`
}

type metadataWire struct {
	CreatedAt     time.Time          `json:"created_at"`
	StepName      string             `json:"step,omitempty"`
	CheckpointID  string             `json:"checkpoint_id,omitempty"`
	Parallel      bool               `json:"parallel,omitempty"`
	Tags          map[string]string  `json:"tags,omitempty"`
	Version       uint64             `json:"version"`
	MergedAt      *time.Time         `json:"merged_at,omitempty"`
	MergedVersion uint64             `json:"merged_version,omitempty"`
	MergedPolicy  ConflictResolution `json:"merged_policy"`
	FinishedAt    *time.Time         `json:"finished_at,omitempty"`
}

func toWire(n *Node, keep func(ID) bool) nodeWire {
	w := nodeWire{
		ID:        n.ID,
		Parent:    n.Parent,
		Isolation: n.Isolation,
		Bindings:  make(map[string]value.Tagged, len(n.Bindings)),
		Meta: metadataWire{
			CreatedAt:     n.Metadata.CreatedAt,
			StepName:      n.Metadata.StepName,
			CheckpointID:  n.Metadata.CheckpointID,
			Parallel:      n.Metadata.Parallel,
			Tags:          n.Metadata.Tags,
			Version:       n.Metadata.Version,
			MergedVersion: n.Metadata.MergedVersion,
			MergedPolicy:  n.Metadata.MergedPolicy,
		},
	}
	if n.Metadata.Merged() {
		at := n.Metadata.MergedAt
		w.Meta.MergedAt = &at
	}
	if n.Metadata.Finished() {
		at := n.Metadata.FinishedAt
		w.Meta.FinishedAt = &at
	}
	for k, v := range n.Bindings {
		w.Bindings[k] = value.Tagged{Value: v}
	}
	for _, c := range n.Children {
		if keep == nil || keep(c) {
			w.Children = append(w.Children, c)
		}
	}
	return w
}

func fromWire(w nodeWire) *Node {
	n := &Node{
		ID:        w.ID,
		Parent:    w.Parent,
		Isolation: w.Isolation,
		Bindings:  make(map[string]value.Value, len(w.Bindings)),
		Children:  w.Children,
		Metadata: Metadata{
			CreatedAt:     w.Meta.CreatedAt,
			StepName:      w.Meta.StepName,
			CheckpointID:  w.Meta.CheckpointID,
			Parallel:      w.Meta.Parallel,
			Tags:          w.Meta.Tags,
			Version:       w.Meta.Version,
			MergedVersion: w.Meta.MergedVersion,
			MergedPolicy:  w.Meta.MergedPolicy,
		},
	}
	if w.Meta.MergedAt != nil {
		n.Metadata.MergedAt = *w.Meta.MergedAt
	}
	if w.Meta.FinishedAt != nil {
		n.Metadata.FinishedAt = *w.Meta.FinishedAt
	}
	for k, v := range w.Bindings {
		n.Bindings[k] = value.OrNil(v.Value)
	}
	return n
}

func serializationError(msg string, cause error) *rterrors.RuntimeError {
	return rterrors.New(rterrors.CodeSerialization, msg, cause)
}

// DecodeSnapshot parses and validates a payload produced by Serialize or a
// checkpoint. It never touches a live store.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	var w snapshotWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, serializationError("malformed context payload", err)
	}
	if w.Version != SnapshotVersion {
		return nil, serializationError(fmt.Sprintf("unsupported payload version %d", w.Version), nil).
			WithContext("version", w.Version)
	}
	snap := &Snapshot{Version: w.Version, Root: w.Root, Current: w.Current}
	byID := make(map[ID]*Node, len(w.Nodes))
	for _, nw := range w.Nodes {
		if nw.ID == "" {
			return nil, serializationError("node without id", nil)
		}
		if _, dup := byID[nw.ID]; dup {
			return nil, serializationError(fmt.Sprintf("duplicate node %s", nw.ID), nil)
		}
		n := fromWire(nw)
		byID[n.ID] = n
		snap.Nodes = append(snap.Nodes, n)
	}
	if err := validateArena(snap.Root, snap.Current, byID); err != nil {
		return nil, err
	}
	return snap, nil
}

func validateArena(root, current ID, nodes map[ID]*Node) error {
	r, ok := nodes[root]
	if !ok {
		return serializationError(fmt.Sprintf("root %q missing from payload", root), nil)
	}
	if r.Parent != "" {
		return serializationError("root has a parent", nil)
	}
	for id, n := range nodes {
		if id != root && n.Parent == "" {
			return serializationError(fmt.Sprintf("node %s has no parent", id), nil)
		}
		if n.Parent != "" {
			if _, ok := nodes[n.Parent]; !ok {
				return serializationError(fmt.Sprintf("node %s references missing parent %s", id, n.Parent), nil)
			}
		}
		seen := 0
		for p := n; p.Parent != ""; p = nodes[p.Parent] {
			seen++
			if seen > len(nodes) {
				return serializationError(fmt.Sprintf("cycle through node %s", id), nil)
			}
		}
	}
	if current != "" {
		if _, ok := nodes[current]; !ok {
			return serializationError(fmt.Sprintf("current %q missing from payload", current), nil)
		}
	}
	return nil
}

func (s *Store) snapshotLocked(ids []ID, current ID) ([]byte, error) {
	keep := make(map[ID]bool, len(ids))
	for _, id := range ids {
		keep[id] = true
	}
	w := snapshotWire{Version: SnapshotVersion, Root: s.root, Current: current}
	for _, id := range ids {
		w.Nodes = append(w.Nodes, toWire(s.nodes[id], func(c ID) bool { return keep[c] }))
	}
	data, err := json.Marshal(w)
	if err != nil {
		return nil, serializationError("encode context payload", err)
	}
	return data, nil
}

// Serialize encodes every node of the store together with the manager's
// current pointer.
func (m *Manager) Serialize() ([]byte, error) {
	if _, err := m.requireCurrent(); err != nil {
		return nil, err
	}
	s := m.store
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]ID, 0, len(s.nodes))
	for id := range s.nodes {
		ids = append(ids, id)
	}
	sortIDs(ids)
	return s.snapshotLocked(ids, m.CurrentID())
}

// Deserialize replaces the store contents with a serialized payload and
// moves current to the payload's current node. On any error the live store
// is left untouched. Cursors of other views that no longer resolve are
// cleared.
func (m *Manager) Deserialize(data []byte) error {
	snap, err := DecodeSnapshot(data)
	if err != nil {
		return err
	}
	return m.Restore(snap)
}

// Restore installs a decoded snapshot.
func (m *Manager) Restore(snap *Snapshot) error {
	nodes := make(map[ID]*Node, len(snap.Nodes))
	for _, n := range snap.Nodes {
		nodes[n.ID] = n.clone()
	}
	if err := validateArena(snap.Root, snap.Current, nodes); err != nil {
		return err
	}
	current := snap.Current
	if current == "" {
		current = snap.Root
	}

	s := m.store
	s.mu.Lock()
	s.nodes = nodes
	s.root = snap.Root
	for k, at := range s.cursors {
		if _, ok := nodes[at]; !ok {
			s.cursors[k] = ""
		}
	}
	for id := range s.pins {
		if _, ok := nodes[id]; !ok {
			delete(s.pins, id)
		}
	}
	s.mu.Unlock()

	m.setCurrent(current)
	m.logger.Info("execctx.restore",
		slog.String("root_id", string(snap.Root)),
		slog.String("current_id", string(current)),
		slog.Int("nodes", len(nodes)),
	)
	return nil
}
