package directory

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/yago-123/dapn/pkg/peer"
)

const (
	// DefaultDBFileName is the SQLite filename under the data directory
	DefaultDBFileName = "peers.db"
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS known_peers (
  identity        TEXT PRIMARY KEY,
  address         TEXT NOT NULL,
  updated_at      INTEGER NOT NULL
);
`,
}

// SQLiteStore persists known peers across restarts. Reads are served from an in-memory copy
// loaded on open, writes go to the database first
type SQLiteStore struct {
	db    *sql.DB
	cache *MemoryStore
}

// OpenSQLite opens (or creates) the peer database under dataDir and loads its contents
func OpenSQLite(dataDir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if errPing := db.Ping(); errPing != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", errPing)
	}

	s := &SQLiteStore{
		db:    db,
		cache: NewMemoryStore(),
	}

	if errMigrate := s.applyMigrations(); errMigrate != nil {
		_ = db.Close()
		return nil, errMigrate
	}

	if errLoad := s.load(); errLoad != nil {
		_ = db.Close()
		return nil, errLoad
	}

	return s, nil
}

func (s *SQLiteStore) Remember(id peer.Identity, addr peer.Address) error {
	_, err := s.db.Exec(
		`INSERT INTO known_peers (identity, address, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(identity) DO UPDATE SET address = excluded.address, updated_at = excluded.updated_at`,
		string(id), addr.String(), time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("store peer %s: %w", id, err)
	}

	return s.cache.Remember(id, addr)
}

func (s *SQLiteStore) Lookup(id peer.Identity) (peer.Address, bool) {
	return s.cache.Lookup(id)
}

func (s *SQLiteStore) Forget(id peer.Identity) error {
	if _, err := s.db.Exec(`DELETE FROM known_peers WHERE identity = ?`, string(id)); err != nil {
		return fmt.Errorf("delete peer %s: %w", id, err)
	}

	return s.cache.Forget(id)
}

func (s *SQLiteStore) Known() []peer.KnownPeer {
	return s.cache.Known()
}

// Close closes the underlying database
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) load() error {
	rows, err := s.db.Query(`SELECT identity, address FROM known_peers`)
	if err != nil {
		return fmt.Errorf("query known peers: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, rawAddr string
		if errScan := rows.Scan(&id, &rawAddr); errScan != nil {
			return fmt.Errorf("scan known peer: %w", errScan)
		}

		addr, errAddr := peer.ParseAddress(rawAddr)
		if errAddr != nil {
			// skip rows written by a broken writer rather than refusing to start
			continue
		}

		_ = s.cache.Remember(peer.Identity(id), addr)
	}

	return rows.Err()
}

func (s *SQLiteStore) applyMigrations() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, errExec := tx.Exec(migrations[i]); errExec != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, errExec)
		}
		if _, errExec := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); errExec != nil {
			return fmt.Errorf("set schema version %d: %w", i+1, errExec)
		}
	}

	if errCommit := tx.Commit(); errCommit != nil {
		return fmt.Errorf("commit migration transaction: %w", errCommit)
	}

	return nil
}
