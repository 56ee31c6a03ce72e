package axolotl

import "crypto/ed25519"

// PreKeyBundle is the published key material needed to start a session
// with a remote device asynchronously. PreKeyID 0 means no one-time
// prekey was available; the handshake then omits the fourth DH.
type PreKeyBundle struct {
	RegistrationID uint32
	DeviceID       uint32

	PreKeyID uint32
	PreKey   [32]byte

	SignedPreKeyID        uint32
	SignedPreKey          [32]byte
	SignedPreKeySignature []byte

	Identity IdentityKey
}

// Verify checks the signed prekey signature against the bundle's
// identity key. Returns ErrInvalidBundle on mismatch.
func (b *PreKeyBundle) Verify() error {
	if !ed25519.Verify(b.Identity.Sign[:], b.SignedPreKey[:], b.SignedPreKeySignature) {
		return ErrInvalidBundle
	}
	return nil
}
