// Package store persists identities, prekeys, sessions and trust
// decisions in a single embedded SQLite database.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/omemo-im/omemo-go/internal/axolotl"
)

// Store wraps a SQLite database and implements the axolotl protocol
// store interfaces plus the trust and device-activity surface.
type Store struct {
	db *sql.DB

	// Local identity, cached by GetOrCreateLocalIdentity.
	identity       *axolotl.IdentityKeyPair
	registrationID uint32
}

// Compile-time interface checks.
var (
	_ axolotl.IdentityStore     = (*Store)(nil)
	_ axolotl.PreKeyStore       = (*Store)(nil)
	_ axolotl.SignedPreKeyStore = (*Store)(nil)
	_ axolotl.SessionStore      = (*Store)(nil)
)

const schema = `
CREATE TABLE IF NOT EXISTS account (
	key TEXT PRIMARY KEY,
	value BLOB
);
CREATE TABLE IF NOT EXISTS identity (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	address TEXT NOT NULL,
	public_key BLOB NOT NULL,
	trust INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	UNIQUE (address, public_key)
);
CREATE TABLE IF NOT EXISTS pre_key (
	id INTEGER PRIMARY KEY,
	record BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS signed_pre_key (
	id INTEGER PRIMARY KEY,
	record BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS session (
	address TEXT NOT NULL,
	device_id INTEGER NOT NULL,
	record BLOB NOT NULL,
	identity BLOB,
	active INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (address, device_id)
);
`

// Open opens or creates a SQLite store at the given path.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("store: create dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}

	// WAL keeps reads cheap; synchronous=FULL makes commits durable so a
	// crash mid-transaction leaves the prior consistent snapshot.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA synchronous=FULL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: set synchronous: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
