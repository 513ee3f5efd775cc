package execctx

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	rterrors "github.com/jllopis/rtfscore/pkg/errors"
	"github.com/jllopis/rtfscore/pkg/value"
)

// DefaultRootID is used when Initialize is called without an explicit id.
const DefaultRootID ID = "root"

// Store is the arena of context nodes. Nodes reference their parent by id
// and are never removed except by Prune or Reset. Store is safe for
// concurrent use: node creation and local writes take the lock briefly,
// merges and checkpoints hold it for their whole duration.
type Store struct {
	mu    sync.RWMutex
	nodes map[ID]*Node
	root  ID
	newID func() ID
	now   func() time.Time

	// cursors maps a Manager's cursor id to its current node so that Prune
	// never removes a chain somebody is still standing on.
	cursors    map[uint64]ID
	nextCursor uint64

	// pins holds forked branches until they are merged or abandoned.
	pins map[ID]struct{}

	lastCheckpoint time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithIDGenerator overrides the uuid-based id generator.
func WithIDGenerator(fn func() ID) StoreOption {
	return func(s *Store) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// WithClock overrides time.Now, mainly for tests.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore creates an empty store. Call Initialize (usually through a
// Manager) before use.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		nodes:   make(map[ID]*Node),
		cursors: make(map[uint64]ID),
		pins:    make(map[ID]struct{}),
		newID:   func() ID { return ID(uuid.NewString()) },
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Initialize creates and returns the root node. It fails if the store
// already has a root.
func (s *Store) Initialize(rootID ID) (ID, error) {
	if rootID == "" {
		rootID = DefaultRootID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.root != "" {
		return "", rterrors.New(rterrors.CodeAlreadyInitialized, "context store already has a root", nil).
			WithContext("root_id", string(s.root))
	}
	s.nodes[rootID] = &Node{
		ID:        rootID,
		Bindings:  make(map[string]value.Value),
		Isolation: Inherit,
		Metadata:  Metadata{CreatedAt: s.now(), StepName: string(rootID)},
	}
	s.root = rootID
	return rootID, nil
}

// Reset tears the store down as a unit.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes = make(map[ID]*Node)
	s.root = ""
	s.lastCheckpoint = time.Time{}
	s.pins = make(map[ID]struct{})
	for k := range s.cursors {
		s.cursors[k] = ""
	}
}

// Root returns the root id, or "" when uninitialized.
func (s *Store) Root() ID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.root
}

// Len returns the number of nodes held by the store.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}

// Has reports whether id exists.
func (s *Store) Has(id ID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.nodes[id]
	return ok
}

// Node returns a deep copy of the node.
func (s *Store) Node(id ID) (*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return nil, notFound(id)
	}
	return n.clone(), nil
}

// IDs returns every node id in sorted order.
func (s *Store) IDs() []ID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]ID, 0, len(s.nodes))
	for id := range s.nodes {
		ids = append(ids, id)
	}
	sortIDs(ids)
	return ids
}

func sortIDs(ids []ID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}

// Lookup resolves key starting at node id: the local binding if present,
// otherwise the parent's for Inherit and Isolated nodes. A cycle in the
// parent chain is reported as a fatal CodeCycleDetected error.
func (s *Store) Lookup(id ID, key string) (value.Value, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lookupLocked(id, key)
}

func (s *Store) lookupLocked(id ID, key string) (value.Value, bool, error) {
	n, ok := s.nodes[id]
	if !ok {
		return nil, false, notFound(id)
	}
	for steps := 0; ; steps++ {
		if steps > len(s.nodes) {
			return nil, false, cycleDetected(id)
		}
		if v, ok := n.Bindings[key]; ok {
			return v, true, nil
		}
		if n.Parent == "" || n.Isolation == Sandboxed {
			return nil, false, nil
		}
		parent, ok := s.nodes[n.Parent]
		if !ok {
			return nil, false, nil
		}
		n = parent
	}
}

// Bind writes key locally on node id. Isolation never blocks a local write.
func (s *Store) Bind(id ID, key string, v value.Value) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return notFound(id)
	}
	n.Bindings[key] = value.OrNil(v)
	n.Metadata.Version++
	return nil
}

// Unbind removes a local binding, revealing the parent's again.
func (s *Store) Unbind(id ID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return notFound(id)
	}
	if _, ok := n.Bindings[key]; ok {
		delete(n.Bindings, key)
		n.Metadata.Version++
	}
	return nil
}

// Depth returns the ancestor count of id plus one; the root has depth 1.
func (s *Store) Depth(id ID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain, err := s.chainLocked(id)
	if err != nil {
		return 0, err
	}
	return len(chain), nil
}

// Chain returns id followed by its ancestors up to the root.
func (s *Store) Chain(id ID) ([]ID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.chainLocked(id)
}

func (s *Store) chainLocked(id ID) ([]ID, error) {
	n, ok := s.nodes[id]
	if !ok {
		return nil, notFound(id)
	}
	chain := []ID{id}
	for n.Parent != "" {
		if len(chain) > len(s.nodes) {
			return nil, cycleDetected(id)
		}
		parent, ok := s.nodes[n.Parent]
		if !ok {
			return nil, rterrors.New(rterrors.CodeNotFound, "parent missing from store", nil).
				WithContext("context_id", string(n.ID)).
				WithContext("parent_id", string(n.Parent))
		}
		chain = append(chain, parent.ID)
		n = parent
	}
	return chain, nil
}

// createChild appends a new child of parent.
func (s *Store) createChild(parent ID, label string, isolation IsolationLevel, parallel bool) (ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.nodes[parent]
	if !ok {
		return "", notFound(parent)
	}
	id := s.newID()
	for {
		if _, taken := s.nodes[id]; !taken {
			break
		}
		id = s.newID()
	}
	s.nodes[id] = &Node{
		ID:        id,
		Parent:    parent,
		Bindings:  make(map[string]value.Value),
		Isolation: isolation,
		Metadata: Metadata{
			CreatedAt: s.now(),
			StepName:  label,
			Parallel:  parallel,
		},
	}
	p.Children = append(p.Children, id)
	if parallel {
		s.pins[id] = struct{}{}
	}
	return id, nil
}

// finish marks id as left. A node is finished at most once.
func (s *Store) finish(id ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return notFound(id)
	}
	if n.Metadata.FinishedAt.IsZero() {
		n.Metadata.FinishedAt = s.now()
	}
	return nil
}

// Pinned reports whether id is a forked branch still waiting for its merge.
func (s *Store) Pinned(id ID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.pins[id]
	return ok
}

// SetTag attaches a metadata tag to a node.
func (s *Store) SetTag(id ID, key, val string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return notFound(id)
	}
	if n.Metadata.Tags == nil {
		n.Metadata.Tags = make(map[string]string)
	}
	n.Metadata.Tags[key] = val
	return nil
}

func (s *Store) registerCursor(at ID) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextCursor++
	s.cursors[s.nextCursor] = at
	return s.nextCursor
}

func (s *Store) moveCursor(cursor uint64, to ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cursors[cursor]; ok {
		s.cursors[cursor] = to
	}
}

func (s *Store) releaseCursor(cursor uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cursors, cursor)
}

func notFound(id ID) *rterrors.RuntimeError {
	return rterrors.Newf(rterrors.CodeNotFound, "context %s not found", id).
		WithContext("context_id", string(id))
}

func cycleDetected(id ID) *rterrors.RuntimeError {
	return rterrors.Newf(rterrors.CodeCycleDetected, "cycle in parent chain of context %s", id).
		WithContext("context_id", string(id))
}
