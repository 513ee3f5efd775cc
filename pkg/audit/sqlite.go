package audit

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists audit events in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a SQLite-backed audit store and ensures schema.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, errors.New("db is nil")
	}
	if err := ensureSchema(db); err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// Record stores a single audit event.
func (s *SQLiteStore) Record(ctx context.Context, event Event) error {
	output, err := encodeOutput(event.Output)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rtfs_audit_events (
			session_id, kind, name, context_id, parent_id, status, parallel,
			output_json, error_code, error_text, attempts, duration_ns, at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		event.SessionID,
		string(event.Kind),
		event.Name,
		event.ContextID,
		event.ParentID,
		event.Status,
		event.Parallel,
		string(output),
		event.ErrorCode,
		event.Error,
		event.Attempts,
		int64(event.Duration),
		normalizeTime(event.At),
	)
	return err
}

// List returns audit events matching the filter.
func (s *SQLiteStore) List(ctx context.Context, filter Filter) ([]Event, error) {
	query := `
		SELECT session_id, kind, name, context_id, parent_id, status, parallel,
			output_json, error_code, error_text, attempts, duration_ns, at
		FROM rtfs_audit_events
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
	if filter.SessionID != "" {
		addFilter("session_id = ?", filter.SessionID)
	}
	if filter.Kind != "" {
		addFilter("kind = ?", string(filter.Kind))
	}
	if filter.Name != "" {
		addFilter("name = ?", filter.Name)
	}
	if filter.Status != "" {
		addFilter("status = ?", filter.Status)
	}
	query += where + " ORDER BY id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			ev         Event
			kind       string
			outputJSON string
			durationNS int64
			at         sql.NullTime
		)
		if err := rows.Scan(
			&ev.SessionID,
			&kind,
			&ev.Name,
			&ev.ContextID,
			&ev.ParentID,
			&ev.Status,
			&ev.Parallel,
			&outputJSON,
			&ev.ErrorCode,
			&ev.Error,
			&ev.Attempts,
			&durationNS,
			&at,
		); err != nil {
			return nil, err
		}
		ev.Kind = Kind(kind)
		ev.Duration = time.Duration(durationNS)
		if outputJSON != "" {
			if out, err := decodeOutput([]byte(outputJSON)); err == nil {
				ev.Output = out
			}
		}
		if at.Valid {
			ev.At = at.Time
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func ensureSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS rtfs_audit_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			name TEXT NOT NULL,
			context_id TEXT,
			parent_id TEXT,
			status TEXT NOT NULL,
			parallel BOOLEAN NOT NULL DEFAULT 0,
			output_json TEXT,
			error_code TEXT,
			error_text TEXT,
			attempts INTEGER NOT NULL DEFAULT 0,
			duration_ns INTEGER NOT NULL DEFAULT 0,
			at TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_rtfs_audit_session ON rtfs_audit_events(session_id);
		CREATE INDEX IF NOT EXISTS idx_rtfs_audit_name ON rtfs_audit_events(name);
		CREATE INDEX IF NOT EXISTS idx_rtfs_audit_status ON rtfs_audit_events(status);
	`)
	return err
}
