package runtime

import (
	"database/sql"
	"strings"

	"github.com/jllopis/rtfscore/pkg/audit"
	"github.com/jllopis/rtfscore/pkg/checkpoint"
	"github.com/jllopis/rtfscore/pkg/config"
	rterrors "github.com/jllopis/rtfscore/pkg/errors"
)

// Stores holds the configured checkpoint and audit stores. Stores backed
// by the same SQLite DSN share one database handle.
type Stores struct {
	Checkpoints checkpoint.Store
	// Audit is nil when audit.store is "none".
	Audit audit.Store

	dbs map[string]*sql.DB
}

// OpenStores opens the stores named by cfg. Sessions do this themselves;
// OpenStores serves tools that inspect what earlier sessions left behind.
func OpenStores(cfg *config.Config) (*Stores, error) {
	return openStores(cfg, true, true)
}

func openStores(cfg *config.Config, wantCheckpoints, wantAudit bool) (*Stores, error) {
	st := &Stores{dbs: make(map[string]*sql.DB)}
	var err error
	if wantCheckpoints {
		if st.Checkpoints, err = st.openCheckpointStore(cfg.Checkpoint); err != nil {
			_ = st.Close()
			return nil, err
		}
	}
	if wantAudit {
		if st.Audit, err = st.openAuditStore(cfg.Audit); err != nil {
			_ = st.Close()
			return nil, err
		}
	}
	return st, nil
}

// Close closes the checkpoint store and every database handle.
func (st *Stores) Close() error {
	var first error
	if st.Checkpoints != nil {
		first = st.Checkpoints.Close()
	}
	for dsn, db := range st.dbs {
		if err := db.Close(); err != nil && first == nil {
			first = err
		}
		delete(st.dbs, dsn)
	}
	return first
}

func (st *Stores) sqlDB(dsn string) (*sql.DB, error) {
	if db, ok := st.dbs[dsn]; ok {
		return db, nil
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// One connection keeps ":memory:" databases shared between stores.
	db.SetMaxOpenConns(1)
	st.dbs[dsn] = db
	return db, nil
}

func (st *Stores) openCheckpointStore(cfg config.CheckpointConfig) (checkpoint.Store, error) {
	switch strings.ToLower(cfg.Store) {
	case "", "memory":
		return checkpoint.NewMemoryStore(), nil
	case "sqlite":
		db, err := st.sqlDB(cfg.DSN)
		if err != nil {
			return nil, err
		}
		store, err := checkpoint.NewSQLiteStore(db)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "file":
		store, err := checkpoint.NewFileStore(cfg.Path)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, rterrors.Newf(rterrors.CodeInvalidInput, "unknown checkpoint store %q", cfg.Store)
	}
}

func (st *Stores) openAuditStore(cfg config.AuditConfig) (audit.Store, error) {
	switch strings.ToLower(cfg.Store) {
	case "none":
		return nil, nil
	case "", "memory":
		return audit.NewMemoryStore(), nil
	case "sqlite":
		db, err := st.sqlDB(cfg.DSN)
		if err != nil {
			return nil, err
		}
		store, err := audit.NewSQLiteStore(db)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, rterrors.Newf(rterrors.CodeInvalidInput, "unknown audit store %q", cfg.Store)
	}
}
