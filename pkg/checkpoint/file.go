package checkpoint

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jllopis/rtfscore/pkg/execctx"
)

// FileStore appends checkpoints to a JSON-lines file. A later line with
// the same id supersedes an earlier one.
type FileStore struct {
	path string
	mu   sync.Mutex
}

type fileRecord struct {
	ID        string          `json:"id"`
	Label     string          `json:"label"`
	ContextID execctx.ID      `json:"context_id"`
	RootID    execctx.ID      `json:"root_id"`
	Depth     int             `json:"depth"`
	NodeIDs   []execctx.ID    `json:"node_ids"`
	CreatedAt time.Time       `json:"created_at"`
	Payload   json.RawMessage `json:"payload"`
}

// NewFileStore uses path, creating its directory if needed.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("checkpoint file path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &FileStore{path: path}, nil
}

// Path returns the file path.
func (s *FileStore) Path() string { return s.path }

// SaveCheckpoint appends cp.
func (s *FileStore) SaveCheckpoint(_ context.Context, cp execctx.Checkpoint) error {
	if !json.Valid(cp.Payload) {
		return fmt.Errorf("checkpoint %s: payload is not JSON", cp.ID)
	}
	line, err := json.Marshal(fileRecord{
		ID:        cp.ID,
		Label:     cp.Label,
		ContextID: cp.ContextID,
		RootID:    cp.RootID,
		Depth:     cp.Depth,
		NodeIDs:   cp.NodeIDs,
		CreatedAt: cp.CreatedAt.UTC(),
		Payload:   cp.Payload,
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Get returns checkpoint id.
func (s *FileStore) Get(_ context.Context, id string) (execctx.Checkpoint, error) {
	all, err := s.readAll()
	if err != nil {
		return execctx.Checkpoint{}, err
	}
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].ID == id {
			return all[i], nil
		}
	}
	return execctx.Checkpoint{}, notFound(id)
}

// List returns the checkpoints matching filter.
func (s *FileStore) List(_ context.Context, filter Filter) ([]execctx.Checkpoint, error) {
	all, err := s.readAll()
	if err != nil {
		return nil, err
	}
	out := make([]execctx.Checkpoint, 0, len(all))
	for _, cp := range all {
		if filter.match(cp) {
			out = append(out, cp)
		}
	}
	sortByTime(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Close is a no-op; the file is opened per write.
func (s *FileStore) Close() error { return nil }

func (s *FileStore) readAll() ([]execctx.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var (
		out  []execctx.Checkpoint
		seen = map[string]int{}
		r    = bufio.NewReader(f)
		n    int
	)
	for {
		line, err := r.ReadBytes('\n')
		n++
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			var rec fileRecord
			if jerr := json.Unmarshal(trimmed, &rec); jerr != nil {
				return nil, fmt.Errorf("%s:%d: %w", s.path, n, jerr)
			}
			cp := execctx.Checkpoint{
				ID:        rec.ID,
				Label:     rec.Label,
				ContextID: rec.ContextID,
				RootID:    rec.RootID,
				Depth:     rec.Depth,
				NodeIDs:   rec.NodeIDs,
				CreatedAt: rec.CreatedAt,
				Payload:   []byte(rec.Payload),
			}
			if i, ok := seen[cp.ID]; ok {
				out[i] = cp
			} else {
				seen[cp.ID] = len(out)
				out = append(out, cp)
			}
		}
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

var _ Store = (*FileStore)(nil)
