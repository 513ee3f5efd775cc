// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package execctx

import (
	"context"
	"log/slog"
	"sync"
	"time"

	rterrors "github.com/jllopis/rtfscore/pkg/errors"
	"github.com/jllopis/rtfscore/pkg/value"
)

// Observer receives lifecycle notifications from a Manager. Implementations
// must not call back into the Manager.
type Observer interface {
	NodeCreated(id, parent ID, isolation IsolationLevel, parallel bool)
	Merged(child, parent ID, policy ConflictResolution, stats MergeStats)
	Checkpointed(cp Checkpoint)
	Pruned(removed int)
}

// CheckpointSink persists checkpoints produced by Manager.Checkpoint.
type CheckpointSink interface {
	SaveCheckpoint(ctx context.Context, cp Checkpoint) error
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger; slog.Default() is used otherwise.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithObserver registers a lifecycle observer.
func WithObserver(obs Observer) Option {
	return func(m *Manager) {
		m.observer = obs
	}
}

// WithCheckpointSink sets where checkpoints are written.
func WithCheckpointSink(sink CheckpointSink) Option {
	return func(m *Manager) {
		m.sink = sink
	}
}

// WithCheckpointInterval enables automatic checkpoints from EnterStep once
// the interval has elapsed since the last checkpoint. Zero disables them.
func WithCheckpointInterval(d time.Duration) Option {
	return func(m *Manager) {
		m.checkpointEvery = d
	}
}

// WithStore makes the manager operate on an existing store.
func WithStore(store *Store) Option {
	return func(m *Manager) {
		if store != nil {
			m.store = store
		}
	}
}

// Manager owns a "current" cursor over a Store and implements stepping,
// branching, merging and checkpointing. A Manager is meant to be driven by a
// single goroutine; use View to hand a branch to another goroutine.
type Manager struct {
	store  *Store
	cursor uint64

	mu      sync.Mutex
	current ID

	logger          *slog.Logger
	observer        Observer
	sink            CheckpointSink
	checkpointEvery time.Duration
	started         time.Time
}

// NewManager builds a manager over a fresh store unless WithStore is given.
func NewManager(opts ...Option) *Manager {
	m := &Manager{logger: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	if m.store == nil {
		m.store = NewStore()
	}
	m.current = m.store.Root()
	m.started = m.store.now()
	m.cursor = m.store.registerCursor(m.current)
	return m
}

// Store exposes the underlying arena.
func (m *Manager) Store() *Store { return m.store }

// Initialize creates the root node and makes it current. An empty rootID
// selects DefaultRootID.
func (m *Manager) Initialize(rootID ID) (ID, error) {
	id, err := m.store.Initialize(rootID)
	if err != nil {
		return "", err
	}
	m.setCurrent(id)
	m.started = m.store.now()
	m.notifyCreated(id, "", Inherit, false)
	m.logger.Debug("execctx.initialize", slog.String("root_id", string(id)))
	return id, nil
}

// Reset drops every node so Initialize can be called again.
func (m *Manager) Reset() {
	m.store.Reset()
	m.setCurrent("")
}

// CurrentID returns the current node, or "" before Initialize.
func (m *Manager) CurrentID() ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// RootID returns the store root.
func (m *Manager) RootID() ID { return m.store.Root() }

func (m *Manager) setCurrent(id ID) {
	m.mu.Lock()
	m.current = id
	m.mu.Unlock()
	m.store.moveCursor(m.cursor, id)
}

func (m *Manager) requireCurrent() (ID, error) {
	cur := m.CurrentID()
	if cur == "" {
		return "", rterrors.New(rterrors.CodeNotInitialized, "context manager is not initialized", nil)
	}
	return cur, nil
}

// Get resolves key from the current node. A cycle in the parent chain is a
// corrupted arena and panics with the CodeCycleDetected error.
func (m *Manager) Get(key string) (value.Value, bool) {
	cur := m.CurrentID()
	if cur == "" {
		return nil, false
	}
	v, ok, err := m.store.Lookup(cur, key)
	if err != nil {
		if rterrors.HasCode(err, rterrors.CodeCycleDetected) {
			panic(err)
		}
		return nil, false
	}
	return v, ok
}

// GetAt resolves key starting at an arbitrary node.
func (m *Manager) GetAt(id ID, key string) (value.Value, bool, error) {
	return m.store.Lookup(id, key)
}

// Set binds key on the current node.
func (m *Manager) Set(key string, v value.Value) error {
	cur, err := m.requireCurrent()
	if err != nil {
		return err
	}
	return m.store.Bind(cur, key, v)
}

// Unset removes a local binding from the current node.
func (m *Manager) Unset(key string) error {
	cur, err := m.requireCurrent()
	if err != nil {
		return err
	}
	return m.store.Unbind(cur, key)
}

// Depth of the current node; 0 before Initialize.
func (m *Manager) Depth() int {
	cur := m.CurrentID()
	if cur == "" {
		return 0
	}
	d, err := m.store.Depth(cur)
	if err != nil {
		if rterrors.HasCode(err, rterrors.CodeCycleDetected) {
			panic(err)
		}
		return 0
	}
	return d
}

// DepthOf returns the depth of any node.
func (m *Manager) DepthOf(id ID) (int, error) {
	return m.store.Depth(id)
}

// EnterStep creates a child of the current node and makes it current.
func (m *Manager) EnterStep(label string, isolation IsolationLevel) (ID, error) {
	cur, err := m.requireCurrent()
	if err != nil {
		return "", err
	}
	id, err := m.store.createChild(cur, label, isolation, false)
	if err != nil {
		return "", err
	}
	m.setCurrent(id)
	m.notifyCreated(id, cur, isolation, false)
	m.logger.Debug("execctx.enter_step",
		slog.String("context_id", string(id)),
		slog.String("parent_id", string(cur)),
		slog.String("step", label),
		slog.String("isolation", isolation.String()),
	)
	m.maybeCheckpoint(label)
	return id, nil
}

// ExitStep moves current to its parent. The exited node is kept but marked
// finished, so Prune may reclaim it once nothing references it.
func (m *Manager) ExitStep() (ID, error) {
	cur, err := m.requireCurrent()
	if err != nil {
		return "", err
	}
	n, err := m.store.Node(cur)
	if err != nil {
		return "", err
	}
	if n.IsRoot() {
		return "", rterrors.New(rterrors.CodeInvalidInput, "cannot exit the root context", nil).
			WithContext("context_id", string(cur))
	}
	if err := m.store.finish(cur); err != nil {
		return "", err
	}
	m.setCurrent(n.Parent)
	return n.Parent, nil
}

// Leave marks the scope id finished and makes to current. It is the exit
// path for scopes that return somewhere other than their parent, such as a
// function body returning to its caller.
func (m *Manager) Leave(id, to ID) error {
	if !m.store.Has(to) {
		return notFound(to)
	}
	if err := m.store.finish(id); err != nil {
		return err
	}
	m.setCurrent(to)
	return nil
}

// Abandon releases forked branches that will never be merged. They become
// finished and Prune reclaims them like any left scope. Unknown ids are
// ignored.
func (m *Manager) Abandon(ids ...ID) {
	s := m.store
	s.mu.Lock()
	now := s.now()
	released := 0
	for _, id := range ids {
		n, ok := s.nodes[id]
		if !ok {
			continue
		}
		delete(s.pins, id)
		if n.Metadata.FinishedAt.IsZero() {
			n.Metadata.FinishedAt = now
		}
		released++
	}
	s.mu.Unlock()
	if released > 0 {
		m.logger.Debug("execctx.abandon", slog.Int("branches", released))
	}
}

// SwitchTo moves the current pointer.
func (m *Manager) SwitchTo(id ID) error {
	if !m.store.Has(id) {
		return notFound(id)
	}
	m.setCurrent(id)
	return nil
}

// CreateParallelContext forks an Isolated branch of the current node without
// switching to it. The branch is pinned against Prune until it is merged back
// or abandoned.
func (m *Manager) CreateParallelContext(label string) (ID, error) {
	return m.fork(label, Isolated, true)
}

// CreateBranch is CreateParallelContext with an explicit isolation level.
func (m *Manager) CreateBranch(label string, isolation IsolationLevel) (ID, error) {
	return m.fork(label, isolation, true)
}

func (m *Manager) fork(label string, isolation IsolationLevel, parallel bool) (ID, error) {
	cur, err := m.requireCurrent()
	if err != nil {
		return "", err
	}
	id, err := m.store.createChild(cur, label, isolation, parallel)
	if err != nil {
		return "", err
	}
	m.notifyCreated(id, cur, isolation, parallel)
	m.logger.Debug("execctx.fork",
		slog.String("context_id", string(id)),
		slog.String("parent_id", string(cur)),
		slog.String("isolation", isolation.String()),
	)
	return id, nil
}

// BeginIsolated forks an Isolated child and switches into it.
func (m *Manager) BeginIsolated(label string) (ID, error) {
	id, err := m.fork(label, Isolated, false)
	if err != nil {
		return "", err
	}
	m.setCurrent(id)
	return id, nil
}

// EndIsolated returns to the parent of the current node and merges the
// finished child into it.
func (m *Manager) EndIsolated(policy ConflictResolution) error {
	child, err := m.requireCurrent()
	if err != nil {
		return err
	}
	if _, err := m.ExitStep(); err != nil {
		return err
	}
	return m.MergeChildToParent(child, policy)
}

// Ancestors returns the parents of the current node, nearest first.
func (m *Manager) Ancestors() ([]ID, error) {
	cur, err := m.requireCurrent()
	if err != nil {
		return nil, err
	}
	chain, err := m.store.Chain(cur)
	if err != nil {
		return nil, err
	}
	return chain[1:], nil
}

// Children returns the direct children of id in creation order.
func (m *Manager) Children(id ID) ([]ID, error) {
	n, err := m.store.Node(id)
	if err != nil {
		return nil, err
	}
	return n.Children, nil
}

// Siblings returns the other children of the current node's parent.
func (m *Manager) Siblings() ([]ID, error) {
	cur, err := m.requireCurrent()
	if err != nil {
		return nil, err
	}
	n, err := m.store.Node(cur)
	if err != nil {
		return nil, err
	}
	if n.IsRoot() {
		return nil, nil
	}
	kids, err := m.Children(n.Parent)
	if err != nil {
		return nil, err
	}
	out := make([]ID, 0, len(kids))
	for _, k := range kids {
		if k != cur {
			out = append(out, k)
		}
	}
	return out, nil
}

// Node returns a copy of a node.
func (m *Manager) Node(id ID) (*Node, error) { return m.store.Node(id) }

// View returns a manager sharing this store with its own cursor at id. It
// inherits logger, observer and sink. Close the view when done so retention
// no longer protects its chain.
func (m *Manager) View(id ID) (*Manager, error) {
	if !m.store.Has(id) {
		return nil, notFound(id)
	}
	v := &Manager{
		store:           m.store,
		current:         id,
		logger:          m.logger,
		observer:        m.observer,
		sink:            m.sink,
		checkpointEvery: 0,
	}
	v.cursor = m.store.registerCursor(id)
	return v, nil
}

// Close releases the manager's cursor.
func (m *Manager) Close() {
	m.store.releaseCursor(m.cursor)
}

func (m *Manager) notifyCreated(id, parent ID, isolation IsolationLevel, parallel bool) {
	if m.observer != nil {
		m.observer.NodeCreated(id, parent, isolation, parallel)
	}
}
