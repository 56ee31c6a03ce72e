package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/omemo-im/omemo-go/internal/axolotl"
)

// localIdentity is the persisted form of our own key material.
type localIdentity struct {
	RegistrationID uint32                   `json:"registrationId"`
	Identity       *axolotl.IdentityKeyPair `json:"identity"`
}

const identityKey = "local_identity"

// GetOrCreateLocalIdentity loads our identity key pair and registration
// id, generating and persisting them on first call. Idempotent across
// restarts: later callers observe the first caller's result.
func (s *Store) GetOrCreateLocalIdentity() (*axolotl.IdentityKeyPair, uint32, error) {
	if s.identity != nil {
		return s.identity, s.registrationID, nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, 0, fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	var data []byte
	err = tx.QueryRow("SELECT value FROM account WHERE key = ?", identityKey).Scan(&data)
	switch {
	case err == nil:
		var li localIdentity
		if err := json.Unmarshal(data, &li); err != nil {
			return nil, 0, fmt.Errorf("store: unmarshal local identity: %w", err)
		}
		s.identity = li.Identity
		s.registrationID = li.RegistrationID
		return s.identity, s.registrationID, nil

	case errors.Is(err, sql.ErrNoRows):
		// First run: generate and persist.
		pair, err := axolotl.GenerateIdentityKeyPair()
		if err != nil {
			return nil, 0, fmt.Errorf("store: generate identity: %w", err)
		}
		regID, err := axolotl.GenerateRegistrationID()
		if err != nil {
			return nil, 0, fmt.Errorf("store: generate registration id: %w", err)
		}
		data, err := json.Marshal(localIdentity{RegistrationID: regID, Identity: pair})
		if err != nil {
			return nil, 0, fmt.Errorf("store: marshal local identity: %w", err)
		}
		if _, err := tx.Exec("INSERT INTO account (key, value) VALUES (?, ?)", identityKey, data); err != nil {
			return nil, 0, fmt.Errorf("store: save local identity: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, 0, fmt.Errorf("store: commit: %w", err)
		}
		s.identity = pair
		s.registrationID = regID
		return pair, regID, nil

	default:
		return nil, 0, fmt.Errorf("store: load local identity: %w", err)
	}
}

// SetLocalRegistrationID fixes the registration id before first use,
// generating the identity around it. Fails once an identity exists.
func (s *Store) SetLocalRegistrationID(regID uint32) error {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM account WHERE key = ?", identityKey).Scan(&n); err != nil {
		return fmt.Errorf("store: check local identity: %w", err)
	}
	if n > 0 {
		return errors.New("store: local identity already initialized")
	}

	pair, err := axolotl.GenerateIdentityKeyPair()
	if err != nil {
		return fmt.Errorf("store: generate identity: %w", err)
	}
	data, err := json.Marshal(localIdentity{RegistrationID: regID, Identity: pair})
	if err != nil {
		return fmt.Errorf("store: marshal local identity: %w", err)
	}
	if _, err := s.db.Exec("INSERT INTO account (key, value) VALUES (?, ?)", identityKey, data); err != nil {
		return fmt.Errorf("store: save local identity: %w", err)
	}
	s.identity = pair
	s.registrationID = regID
	return nil
}

// IdentityKeyPair returns the local identity key pair.
func (s *Store) IdentityKeyPair() (*axolotl.IdentityKeyPair, error) {
	if s.identity == nil {
		if _, _, err := s.GetOrCreateLocalIdentity(); err != nil {
			return nil, err
		}
	}
	return s.identity, nil
}

// LocalRegistrationID returns the local registration id.
func (s *Store) LocalRegistrationID() (uint32, error) {
	if s.identity == nil {
		if _, _, err := s.GetOrCreateLocalIdentity(); err != nil {
			return 0, err
		}
	}
	return s.registrationID, nil
}
