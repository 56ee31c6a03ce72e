package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/omemo-im/omemo-go/internal/axolotl"
)

// IdentityRecord is one observed peer identity key with its trust state,
// as rendered on the fingerprint surface.
type IdentityRecord struct {
	ID        int64
	Address   string
	PublicKey []byte
	Trust     TrustState
	CreatedAt time.Time
}

// SaveIdentity records a peer identity key if it is new; re-saving an
// existing (address, key) pair never changes its trust. Reports whether
// a row was inserted.
func (s *Store) SaveIdentity(address string, key axolotl.IdentityKey) (bool, error) {
	res, err := s.db.Exec(
		"INSERT OR IGNORE INTO identity (address, public_key, trust, created_at) VALUES (?, ?, ?, ?)",
		address, key.Bytes(), int(Undecided), time.Now().Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("store: save identity: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: save identity: %w", err)
	}
	return n > 0, nil
}

// LoadIdentityKeys returns every identity record observed for address.
func (s *Store) LoadIdentityKeys(address string) ([]IdentityRecord, error) {
	rows, err := s.db.Query(
		"SELECT id, address, public_key, trust, created_at FROM identity WHERE address = ? ORDER BY id",
		address,
	)
	if err != nil {
		return nil, fmt.Errorf("store: load identity keys: %w", err)
	}
	defer rows.Close()
	return scanIdentityRecords(rows)
}

// AllIdentityRecords returns every identity record in the store, for the
// fingerprint UI surface.
func (s *Store) AllIdentityRecords() ([]IdentityRecord, error) {
	rows, err := s.db.Query(
		"SELECT id, address, public_key, trust, created_at FROM identity ORDER BY address, id",
	)
	if err != nil {
		return nil, fmt.Errorf("store: list identity records: %w", err)
	}
	defer rows.Close()
	return scanIdentityRecords(rows)
}

func scanIdentityRecords(rows *sql.Rows) ([]IdentityRecord, error) {
	var recs []IdentityRecord
	for rows.Next() {
		var rec IdentityRecord
		var trust int
		var created int64
		if err := rows.Scan(&rec.ID, &rec.Address, &rec.PublicKey, &trust, &created); err != nil {
			return nil, fmt.Errorf("store: scan identity record: %w", err)
		}
		rec.Trust = TrustState(trust)
		rec.CreatedAt = time.Unix(created, 0)
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate identity records: %w", err)
	}
	return recs, nil
}

// SetTrust updates the trust state of one identity record.
func (s *Store) SetTrust(recordID int64, trust TrustState) error {
	res, err := s.db.Exec("UPDATE identity SET trust = ? WHERE id = ?", int(trust), recordID)
	if err != nil {
		return fmt.Errorf("store: set trust: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: set trust: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("store: identity record %d not found", recordID)
	}
	return nil
}

// Trust returns the trust state recorded for (address, key). The second
// return is false when the key has never been observed.
func (s *Store) Trust(address string, key []byte) (TrustState, bool, error) {
	var trust int
	err := s.db.QueryRow(
		"SELECT trust FROM identity WHERE address = ? AND public_key = ?",
		address, key,
	).Scan(&trust)
	if errors.Is(err, sql.ErrNoRows) {
		return Undecided, false, nil
	}
	if err != nil {
		return Undecided, false, fmt.Errorf("store: get trust: %w", err)
	}
	return TrustState(trust), true, nil
}

// TrustForDevice resolves the trust state of the identity key bound to
// the session with (address, deviceID). The second return is false when
// no session or no matching identity record exists, meaning the device's
// key has never been observed.
func (s *Store) TrustForDevice(address string, deviceID uint32) (TrustState, bool, error) {
	var identity []byte
	err := s.db.QueryRow(
		"SELECT identity FROM session WHERE address = ? AND device_id = ?",
		address, deviceID,
	).Scan(&identity)
	if errors.Is(err, sql.ErrNoRows) {
		return Undecided, false, nil
	}
	if err != nil {
		return Undecided, false, fmt.Errorf("store: device identity: %w", err)
	}
	if identity == nil {
		return Undecided, false, nil
	}
	return s.Trust(address, identity)
}
