// Package audit records step lifecycle events and host dispatches.
package audit

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Kind separates step events from host dispatches.
type Kind string

const (
	KindStep     Kind = "step"
	KindDispatch Kind = "dispatch"
)

// Event is one audit record. For steps Name is the step label and Status
// is started, completed or failed; for dispatches Name is the called symbol
// and Status is the policy decision, or failed.
type Event struct {
	SessionID string
	Kind      Kind
	Name      string
	ContextID string
	ParentID  string
	Status    string
	Parallel  bool
	Output    any
	ErrorCode string
	Error     string
	Attempts  int
	Duration  time.Duration
	At        time.Time
}

// Store persists audit events.
type Store interface {
	Record(ctx context.Context, event Event) error
	List(ctx context.Context, filter Filter) ([]Event, error)
}

// Filter limits audit queries.
type Filter struct {
	SessionID string
	Kind      Kind
	Name      string
	Status    string
	Limit     int
}

func (f Filter) match(ev Event) bool {
	if f.SessionID != "" && ev.SessionID != f.SessionID {
		return false
	}
	if f.Kind != "" && ev.Kind != f.Kind {
		return false
	}
	if f.Name != "" && ev.Name != f.Name {
		return false
	}
	if f.Status != "" && ev.Status != f.Status {
		return false
	}
	return true
}

// MemoryStore keeps audit events in memory.
type MemoryStore struct {
	mu     sync.Mutex
	events []Event
}

// NewMemoryStore returns an in-memory audit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Record appends an audit event.
func (s *MemoryStore) Record(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// List returns filtered audit events in recording order.
func (s *MemoryStore) List(_ context.Context, filter Filter) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, 0, len(s.events))
	for _, ev := range s.events {
		if !filter.match(ev) {
			continue
		}
		out = append(out, ev)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func encodeOutput(output any) ([]byte, error) {
	if output == nil {
		return []byte("null"), nil
	}
	return json.Marshal(output)
}

func decodeOutput(raw []byte) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC()
}
