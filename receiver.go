package omemo

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"iter"

	"github.com/omemo-im/omemo-go/internal/axolotl"
)

// Message is one decrypted incoming message.
type Message struct {
	From       string
	FromDevice uint32
	Plaintext  []byte
}

// DecryptEnvelope decrypts the envelope's payload for our own device.
// Returns nil, nil when the envelope carries no key for us. Trust never
// gates decryption; declining to decrypt would silently discard
// messages, while declining to send is visible and recoverable.
func (m *Manager) DecryptEnvelope(from string, env *Envelope) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := env.KeyFor(m.devices.OwnDevice())
	if key == nil {
		return nil, nil
	}
	sender := Address{Name: from, DeviceID: env.SenderDevice}

	// A first flight may carry a never-seen identity key. The engine
	// records it (undecided) while establishing the inbound session; peek
	// it here so the new-fingerprint event fires once decryption sticks.
	var newIdentity []byte
	if key.PreKey {
		identity, err := axolotl.PeekPreKeyIdentity(key.Wrapped)
		if err != nil {
			return nil, err
		}
		if _, known, err := m.store.Trust(from, identity.Bytes()); err != nil {
			return nil, err
		} else if !known {
			newIdentity = identity.Bytes()
		}
	}

	material, err := axolotl.DecryptKey(m.store, sender, key.Wrapped, key.PreKey)
	if err != nil {
		if errors.Is(err, ErrUntrustedIdentity) {
			m.emit(UntrustedIdentityEvent{Device: sender})
		}
		return nil, err
	}
	if newIdentity != nil {
		m.emit(NewFingerprintEvent{
			Address:     from,
			Fingerprint: FormatFingerprint(newIdentity),
		})
	}
	if len(material) != payloadKeySize+gcmTagSize {
		return nil, ErrInvalidMessage
	}

	block, err := aes.NewCipher(material[:payloadKeySize])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	sealed := append(append([]byte(nil), env.Payload...), material[payloadKeySize:]...)
	plaintext, err := gcm.Open(nil, env.IV, sealed, nil)
	if err != nil {
		return nil, ErrInvalidMessage
	}
	if plaintext == nil {
		// Open yields nil for an empty message; nil is reserved for
		// "no key addressed to us".
		plaintext = []byte{}
	}
	return plaintext, nil
}

// Receive decrypts envelopes from the transport and yields messages.
// Duplicates and sessionless ciphertexts are dropped silently, invalid
// messages are logged and dropped; identity changes are yielded as
// errors so the caller can surface them. The iterator ends when the
// transport fails or the context is cancelled.
func (m *Manager) Receive(ctx context.Context, t Transport) iter.Seq2[*Message, error] {
	return func(yield func(*Message, error) bool) {
		for in, err := range t.Receive(ctx) {
			if err != nil {
				yield(nil, err)
				return
			}
			plaintext, err := m.DecryptEnvelope(in.From, in.Envelope)
			switch {
			case errors.Is(err, ErrDuplicateMessage), errors.Is(err, ErrNoSession):
				continue
			case errors.Is(err, ErrInvalidMessage):
				m.log.Warn("dropping invalid message", "from", in.From, "device", in.Envelope.SenderDevice)
				continue
			case err != nil:
				if !yield(nil, err) {
					return
				}
				continue
			case plaintext == nil:
				// Not addressed to this device.
				continue
			}
			msg := &Message{
				From:       in.From,
				FromDevice: in.Envelope.SenderDevice,
				Plaintext:  plaintext,
			}
			if !yield(msg, nil) {
				return
			}
		}
	}
}
