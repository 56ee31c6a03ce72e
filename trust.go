package omemo

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Fingerprint is one observed identity key as rendered for the user.
type Fingerprint struct {
	RecordID    int64
	Address     string
	Fingerprint string
	Trust       TrustState
	FirstSeen   time.Time
}

// FormatFingerprint renders identity key bytes as lowercase hex in
// 8-character groups.
func FormatFingerprint(key []byte) string {
	// Only the DH half identifies the device to the user.
	if len(key) > 32 {
		key = key[:32]
	}
	h := hex.EncodeToString(key)
	groups := make([]string, 0, (len(h)+7)/8)
	for len(h) > 8 {
		groups = append(groups, h[:8])
		h = h[8:]
	}
	groups = append(groups, h)
	return strings.Join(groups, " ")
}

// OwnFingerprint returns the fingerprint of our own identity key.
func (m *Manager) OwnFingerprint() (string, error) {
	pair, err := m.store.IdentityKeyPair()
	if err != nil {
		return "", err
	}
	return FormatFingerprint(pair.Public().Bytes()), nil
}

// Fingerprints lists every observed identity with its trust state.
func (m *Manager) Fingerprints() ([]Fingerprint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	recs, err := m.store.AllIdentityRecords()
	if err != nil {
		return nil, err
	}
	out := make([]Fingerprint, 0, len(recs))
	for _, rec := range recs {
		out = append(out, Fingerprint{
			RecordID:    rec.ID,
			Address:     rec.Address,
			Fingerprint: FormatFingerprint(rec.PublicKey),
			Trust:       rec.Trust,
			FirstSeen:   rec.CreatedAt,
		})
	}
	return out, nil
}

// SetTrust applies a user trust decision to one identity record.
// Undecided is the observation default, never a decision, so it is
// rejected here.
func (m *Manager) SetTrust(recordID int64, state TrustState) error {
	if state == Undecided {
		return fmt.Errorf("cannot set trust to %s", state)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.SetTrust(recordID, state)
}
