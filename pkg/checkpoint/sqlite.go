package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jllopis/rtfscore/pkg/execctx"
	_ "modernc.org/sqlite"
)

// SQLiteStore persists checkpoints in SQLite.
type SQLiteStore struct {
	db    *sql.DB
	owned bool
}

// NewSQLiteStore uses db and ensures the schema.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, errors.New("db is nil")
	}
	if err := ensureCheckpointSchema(db); err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// OpenSQLiteStore opens dsn with the sqlite driver. Close closes the
// database.
func OpenSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	s, err := NewSQLiteStore(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// SaveCheckpoint inserts or replaces cp.
func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, cp execctx.Checkpoint) error {
	nodes, err := json.Marshal(cp.NodeIDs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO context_checkpoints (
			id, label, context_id, root_id, depth, node_ids, payload, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		cp.ID,
		cp.Label,
		string(cp.ContextID),
		string(cp.RootID),
		cp.Depth,
		string(nodes),
		cp.Payload,
		cp.CreatedAt.UTC().UnixNano(),
	)
	return err
}

// Get returns checkpoint id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (execctx.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, label, context_id, root_id, depth, node_ids, payload, created_at
		FROM context_checkpoints WHERE id = ?
	`, id)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return execctx.Checkpoint{}, notFound(id)
	}
	return cp, err
}

// List returns the checkpoints matching filter.
func (s *SQLiteStore) List(ctx context.Context, filter Filter) ([]execctx.Checkpoint, error) {
	query := `
		SELECT id, label, context_id, root_id, depth, node_ids, payload, created_at
		FROM context_checkpoints
	`
	var args []any
	where := ""
	addFilter := func(clause string, value any) {
		if where == "" {
			where = " WHERE " + clause
		} else {
			where += " AND " + clause
		}
		args = append(args, value)
	}
	if filter.ContextID != "" {
		addFilter("context_id = ?", string(filter.ContextID))
	}
	if filter.Label != "" {
		addFilter("label = ?", filter.Label)
	}
	query += where + " ORDER BY created_at ASC, rowid ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []execctx.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// Close closes the database when the store opened it.
func (s *SQLiteStore) Close() error {
	if s.owned {
		return s.db.Close()
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(sc scanner) (execctx.Checkpoint, error) {
	var (
		cp        execctx.Checkpoint
		contextID string
		rootID    string
		nodes     string
		created   int64
	)
	if err := sc.Scan(&cp.ID, &cp.Label, &contextID, &rootID, &cp.Depth, &nodes, &cp.Payload, &created); err != nil {
		return execctx.Checkpoint{}, err
	}
	cp.ContextID = execctx.ID(contextID)
	cp.RootID = execctx.ID(rootID)
	if nodes != "" {
		if err := json.Unmarshal([]byte(nodes), &cp.NodeIDs); err != nil {
			return execctx.Checkpoint{}, err
		}
	}
	cp.CreatedAt = time.Unix(0, created).UTC()
	return cp, nil
}

func ensureCheckpointSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS context_checkpoints (
			id TEXT PRIMARY KEY,
			label TEXT NOT NULL,
			context_id TEXT NOT NULL,
			root_id TEXT NOT NULL,
			depth INTEGER NOT NULL,
			node_ids TEXT NOT NULL,
			payload BLOB NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_context_checkpoints_context ON context_checkpoints(context_id);
		CREATE INDEX IF NOT EXISTS idx_context_checkpoints_label ON context_checkpoints(label);
	`)
	return err
}

var _ Store = (*SQLiteStore)(nil)
