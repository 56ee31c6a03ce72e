package omemo

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"fmt"
	"io"

	"github.com/omemo-im/omemo-go/internal/axolotl"
	"github.com/omemo-im/omemo-go/internal/wire"
)

const (
	payloadKeySize = 16 // AES-128
	gcmTagSize     = 16
)

// EncryptMessage encrypts plaintext for every eligible device of target
// (an account address or a room address) and returns the assembled
// envelope. Session state advances immediately; use Send when delivery
// and session commit must be coupled.
func (m *Manager) EncryptMessage(ctx context.Context, target string, plaintext []byte) (*Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	env, staged, err := m.encryptLocked(ctx, target, plaintext)
	if err != nil {
		return nil, err
	}
	if err := staged.Commit(); err != nil {
		return nil, err
	}
	return env, nil
}

// Send encrypts plaintext for target and hands the envelope to the
// transport. Session counters are committed only after Deliver returns,
// so a cancelled or failed send never burns ratchet state for ciphertext
// that was never emitted.
func (m *Manager) Send(ctx context.Context, t Transport, target string, plaintext []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	env, staged, err := m.encryptLocked(ctx, target, plaintext)
	if err != nil {
		return err
	}
	if err := t.Deliver(ctx, target, env); err != nil {
		return fmt.Errorf("deliver to %s: %w", target, err)
	}
	return staged.Commit()
}

// encryptLocked runs the fan-out against a staged store and returns the
// envelope plus the uncommitted session state.
func (m *Manager) encryptLocked(ctx context.Context, target string, plaintext []byte) (*Envelope, *axolotl.Staged, error) {
	recipients, err := m.devices.DevicesForEncryption(target)
	if err != nil {
		return nil, nil, err
	}

	key := make([]byte, payloadKeySize)
	iv := make([]byte, wire.IVSize)
	if _, err := io.ReadFull(m.rand, key); err != nil {
		return nil, nil, fmt.Errorf("generate payload key: %w", err)
	}
	if _, err := io.ReadFull(m.rand, iv); err != nil {
		return nil, nil, fmt.Errorf("generate iv: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, err
	}
	sealed := gcm.Seal(nil, iv, plaintext, nil)

	// The tag travels with the key, not the ciphertext: a recipient can
	// only authenticate the payload after unwrapping its key, and a forged
	// payload is useless without the matching tag.
	payload := sealed[:len(sealed)-gcmTagSize]
	material := append(append([]byte(nil), key...), sealed[len(sealed)-gcmTagSize:]...)

	staged := axolotl.NewStaged(m.store)
	env := &Envelope{
		SenderDevice: m.devices.OwnDevice(),
		IV:           iv,
		Payload:      payload,
	}

	for _, addr := range recipients {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		msg, err := m.wrapFor(ctx, staged, addr, material)
		if err != nil {
			m.log.Warn("skipping device", "device", addr.String(), "err", err)
			m.emit(DeviceSkippedEvent{Device: addr, Err: err})
			continue
		}
		env.Keys = append(env.Keys, MessageKey{
			RecipientDevice: addr.DeviceID,
			PreKey:          msg.PreKey,
			Wrapped:         msg.Bytes,
		})
	}
	if len(env.Keys) == 0 {
		return nil, nil, ErrNoDevices
	}
	return env, staged, nil
}

// wrapFor encrypts the payload key for one device, building a session
// from a directory bundle first when none exists.
func (m *Manager) wrapFor(ctx context.Context, staged *axolotl.Staged, addr Address, material []byte) (*axolotl.KeyMessage, error) {
	has, err := staged.ContainsSession(addr)
	if err != nil {
		return nil, err
	}
	if !has {
		if m.directory == nil {
			return nil, ErrNoSession
		}
		bundle, err := m.directory.FetchBundle(ctx, addr.Name, addr.DeviceID)
		if err != nil {
			return nil, fmt.Errorf("fetch bundle: %w", err)
		}
		if err := axolotl.BuildSession(staged, addr, bundle); err != nil {
			return nil, err
		}
	}
	return axolotl.EncryptKey(staged, addr, material)
}
