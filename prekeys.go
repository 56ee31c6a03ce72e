package omemo

import (
	"fmt"

	"github.com/omemo-im/omemo-go/internal/axolotl"
)

// GeneratePreKeys creates and stores count fresh one-time prekeys,
// continuing from the highest stored id. Call after the directory
// reports the published pool running low.
func (m *Manager) GeneratePreKeys(count int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generatePreKeysLocked(count)
}

func (m *Manager) generatePreKeysLocked(count int) error {
	start, err := m.store.NextPreKeyID()
	if err != nil {
		return err
	}
	recs, err := axolotl.GeneratePreKeys(start, count)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if err := m.store.StorePreKey(rec); err != nil {
			return err
		}
	}
	m.log.Debug("generated prekeys", "start", start, "count", count)
	return nil
}

// RotateSignedPreKey creates and stores a new signed prekey. Old records
// stay in the store so in-flight first flights against them still
// complete; the rotation schedule is the caller's concern.
func (m *Manager) RotateSignedPreKey() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rotateSignedPreKeyLocked()
}

func (m *Manager) rotateSignedPreKeyLocked() error {
	pair, err := m.store.IdentityKeyPair()
	if err != nil {
		return err
	}
	var next uint32 = 1
	if cur, err := m.store.CurrentSignedPreKey(); err != nil {
		return err
	} else if cur != nil {
		next = cur.ID + 1
	}
	rec, err := axolotl.GenerateSignedPreKey(pair, next, m.clock())
	if err != nil {
		return err
	}
	if err := m.store.StoreSignedPreKey(rec); err != nil {
		return err
	}
	m.log.Debug("rotated signed prekey", "id", next)
	return nil
}

// Bundle assembles our publishable prekey bundle: identity key, current
// signed prekey and the lowest-id one-time prekey (omitted when the pool
// is empty).
func (m *Manager) Bundle() (*PreKeyBundle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pair, err := m.store.IdentityKeyPair()
	if err != nil {
		return nil, err
	}
	regID, err := m.store.LocalRegistrationID()
	if err != nil {
		return nil, err
	}
	spk, err := m.store.CurrentSignedPreKey()
	if err != nil {
		return nil, err
	}
	if spk == nil {
		return nil, fmt.Errorf("no signed prekey to publish")
	}

	b := &PreKeyBundle{
		RegistrationID:        regID,
		DeviceID:              m.devices.OwnDevice(),
		SignedPreKeyID:        spk.ID,
		SignedPreKey:          spk.Key.Pub,
		SignedPreKeySignature: spk.Signature,
		Identity:              pair.Public(),
	}
	if opk, err := m.store.FirstPreKey(); err != nil {
		return nil, err
	} else if opk != nil {
		b.PreKeyID = opk.ID
		b.PreKey = opk.Key.Pub
	}
	return b, nil
}

// ResetSession discards the session with one device. The next send to it
// rebuilds from a fresh bundle. Explicit user action only; the engine
// never resets on its own.
func (m *Manager) ResetSession(name string, deviceID uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.DeleteSession(Address{Name: name, DeviceID: deviceID})
}
