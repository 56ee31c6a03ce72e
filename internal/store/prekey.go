package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/omemo-im/omemo-go/internal/axolotl"
)

// LoadPreKey loads a one-time prekey record by id. Returns nil, nil when
// absent (consumed or never generated).
func (s *Store) LoadPreKey(id uint32) (*axolotl.PreKeyRecord, error) {
	var data []byte
	err := s.db.QueryRow("SELECT record FROM pre_key WHERE id = ?", id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: load pre-key: %w", err)
	}
	var rec axolotl.PreKeyRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("store: unmarshal pre-key: %w", err)
	}
	return &rec, nil
}

// StorePreKey stores a one-time prekey record.
func (s *Store) StorePreKey(rec *axolotl.PreKeyRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: marshal pre-key: %w", err)
	}
	if _, err := s.db.Exec(
		"INSERT OR REPLACE INTO pre_key (id, record) VALUES (?, ?)", rec.ID, data,
	); err != nil {
		return fmt.Errorf("store: store pre-key: %w", err)
	}
	return nil
}

// RemovePreKey deletes a one-time prekey record. Idempotent.
func (s *Store) RemovePreKey(id uint32) error {
	if _, err := s.db.Exec("DELETE FROM pre_key WHERE id = ?", id); err != nil {
		return fmt.Errorf("store: remove pre-key: %w", err)
	}
	return nil
}

// ContainsPreKey reports whether a prekey with this id is stored.
func (s *Store) ContainsPreKey(id uint32) (bool, error) {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM pre_key WHERE id = ?", id).Scan(&n); err != nil {
		return false, fmt.Errorf("store: contains pre-key: %w", err)
	}
	return n > 0, nil
}

// NextPreKeyID returns one more than the highest stored prekey id, for
// batch replenishment.
func (s *Store) NextPreKeyID() (uint32, error) {
	var max sql.NullInt64
	if err := s.db.QueryRow("SELECT MAX(id) FROM pre_key").Scan(&max); err != nil {
		return 0, fmt.Errorf("store: next pre-key id: %w", err)
	}
	return uint32(max.Int64) + 1, nil
}

// FirstPreKey returns the stored prekey with the lowest id, or nil when
// the pool is empty. Used to assemble our published bundle.
func (s *Store) FirstPreKey() (*axolotl.PreKeyRecord, error) {
	var id uint32
	err := s.db.QueryRow("SELECT id FROM pre_key ORDER BY id LIMIT 1").Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: first pre-key: %w", err)
	}
	return s.LoadPreKey(id)
}

// LoadSignedPreKey loads a signed prekey record by id. Returns nil, nil
// when absent.
func (s *Store) LoadSignedPreKey(id uint32) (*axolotl.SignedPreKeyRecord, error) {
	var data []byte
	err := s.db.QueryRow("SELECT record FROM signed_pre_key WHERE id = ?", id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: load signed pre-key: %w", err)
	}
	var rec axolotl.SignedPreKeyRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("store: unmarshal signed pre-key: %w", err)
	}
	return &rec, nil
}

// StoreSignedPreKey stores a signed prekey record.
func (s *Store) StoreSignedPreKey(rec *axolotl.SignedPreKeyRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: marshal signed pre-key: %w", err)
	}
	if _, err := s.db.Exec(
		"INSERT OR REPLACE INTO signed_pre_key (id, record) VALUES (?, ?)", rec.ID, data,
	); err != nil {
		return fmt.Errorf("store: store signed pre-key: %w", err)
	}
	return nil
}

// RemoveSignedPreKey deletes a signed prekey record. Idempotent.
func (s *Store) RemoveSignedPreKey(id uint32) error {
	if _, err := s.db.Exec("DELETE FROM signed_pre_key WHERE id = ?", id); err != nil {
		return fmt.Errorf("store: remove signed pre-key: %w", err)
	}
	return nil
}

// ContainsSignedPreKey reports whether a signed prekey with this id is stored.
func (s *Store) ContainsSignedPreKey(id uint32) (bool, error) {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM signed_pre_key WHERE id = ?", id).Scan(&n); err != nil {
		return false, fmt.Errorf("store: contains signed pre-key: %w", err)
	}
	return n > 0, nil
}

// CurrentSignedPreKey returns the signed prekey with the highest id, or
// nil when none exists. The highest id is the most recently rotated one.
func (s *Store) CurrentSignedPreKey() (*axolotl.SignedPreKeyRecord, error) {
	var id uint32
	err := s.db.QueryRow("SELECT id FROM signed_pre_key ORDER BY id DESC LIMIT 1").Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: current signed pre-key: %w", err)
	}
	return s.LoadSignedPreKey(id)
}
