package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/omemo-im/omemo-go/internal/axolotl"
)

// LoadSession loads the session record for addr. Returns nil, nil when
// no session exists.
func (s *Store) LoadSession(addr axolotl.Address) (*axolotl.SessionRecord, error) {
	var data []byte
	err := s.db.QueryRow(
		"SELECT record FROM session WHERE address = ? AND device_id = ?",
		addr.Name, addr.DeviceID,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: load session: %w", err)
	}
	rec, err := axolotl.ParseSessionRecord(data)
	if err != nil {
		return nil, fmt.Errorf("store: parse session: %w", err)
	}
	return rec, nil
}

// StoreSession stores the session record for addr, binding the session's
// remote identity key alongside for trust resolution.
func (s *Store) StoreSession(addr axolotl.Address, rec *axolotl.SessionRecord) error {
	data, err := rec.Marshal()
	if err != nil {
		return fmt.Errorf("store: marshal session: %w", err)
	}
	if _, err := s.db.Exec(
		"INSERT OR REPLACE INTO session (address, device_id, record, identity, active) VALUES (?, ?, ?, ?, 1)",
		addr.Name, addr.DeviceID, data, rec.RemoteIdentity.Bytes(),
	); err != nil {
		return fmt.Errorf("store: store session: %w", err)
	}
	return nil
}

// ContainsSession reports whether a session exists for addr.
func (s *Store) ContainsSession(addr axolotl.Address) (bool, error) {
	var n int
	if err := s.db.QueryRow(
		"SELECT COUNT(*) FROM session WHERE address = ? AND device_id = ?",
		addr.Name, addr.DeviceID,
	).Scan(&n); err != nil {
		return false, fmt.Errorf("store: contains session: %w", err)
	}
	return n > 0, nil
}

// DeleteSession removes the session for addr. Idempotent.
func (s *Store) DeleteSession(addr axolotl.Address) error {
	if _, err := s.db.Exec(
		"DELETE FROM session WHERE address = ? AND device_id = ?",
		addr.Name, addr.DeviceID,
	); err != nil {
		return fmt.Errorf("store: delete session: %w", err)
	}
	return nil
}

// DeleteAllSessions removes every session for a peer address.
func (s *Store) DeleteAllSessions(name string) error {
	if _, err := s.db.Exec("DELETE FROM session WHERE address = ?", name); err != nil {
		return fmt.Errorf("store: delete all sessions: %w", err)
	}
	return nil
}

// ActiveDeviceTuples returns every (address, device) with an active
// session. Seeds the device manager at startup.
func (s *Store) ActiveDeviceTuples() ([]axolotl.Address, error) {
	rows, err := s.db.Query("SELECT address, device_id FROM session WHERE active = 1 ORDER BY address, device_id")
	if err != nil {
		return nil, fmt.Errorf("store: active device tuples: %w", err)
	}
	defer rows.Close()

	var tuples []axolotl.Address
	for rows.Next() {
		var addr axolotl.Address
		if err := rows.Scan(&addr.Name, &addr.DeviceID); err != nil {
			return nil, fmt.Errorf("store: scan device tuple: %w", err)
		}
		tuples = append(tuples, addr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate device tuples: %w", err)
	}
	return tuples, nil
}

// SetActiveState reconciles the advertised device set for a peer with
// what we hold: sessions for devices no longer advertised are flagged
// inactive but their records are retained.
func (s *Store) SetActiveState(address string, deviceIDs []uint32) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("UPDATE session SET active = 0 WHERE address = ?", address); err != nil {
		return fmt.Errorf("store: deactivate sessions: %w", err)
	}
	for _, id := range deviceIDs {
		if _, err := tx.Exec(
			"UPDATE session SET active = 1 WHERE address = ? AND device_id = ?",
			address, id,
		); err != nil {
			return fmt.Errorf("store: activate session %d: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// IsActiveDevice reports whether (address, device) is flagged active.
func (s *Store) IsActiveDevice(address string, deviceID uint32) (bool, error) {
	var active int
	err := s.db.QueryRow(
		"SELECT active FROM session WHERE address = ? AND device_id = ?",
		address, deviceID,
	).Scan(&active)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: device active state: %w", err)
	}
	return active != 0, nil
}
