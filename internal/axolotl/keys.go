package axolotl

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"time"

	"golang.org/x/crypto/curve25519"
)

// KeyPair is an X25519 key pair used for Diffie-Hellman.
type KeyPair struct {
	Priv [32]byte `json:"priv"`
	Pub  [32]byte `json:"pub"`
}

// GenerateKeyPair creates a fresh X25519 key pair.
func GenerateKeyPair() (KeyPair, error) {
	var kp KeyPair
	if _, err := rand.Read(kp.Priv[:]); err != nil {
		return KeyPair{}, err
	}
	clamp(&kp.Priv)
	pub, err := curve25519.X25519(kp.Priv[:], curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, err
	}
	copy(kp.Pub[:], pub)
	return kp, nil
}

func clamp(priv *[32]byte) {
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
}

// IdentityKey is the public half of a device's long-term identity. It
// carries both a DH key (X25519) and a signature key (Ed25519); the
// serialized form is the 64-byte concatenation DH || Sign.
type IdentityKey struct {
	DH   [32]byte `json:"dh"`
	Sign [32]byte `json:"sign"`
}

// IdentityKeySize is the length of a serialized IdentityKey.
const IdentityKeySize = 64

// Bytes returns the serialized form.
func (k IdentityKey) Bytes() []byte {
	out := make([]byte, IdentityKeySize)
	copy(out, k.DH[:])
	copy(out[32:], k.Sign[:])
	return out
}

// ParseIdentityKey reconstructs an IdentityKey from its serialized form.
func ParseIdentityKey(data []byte) (IdentityKey, error) {
	var k IdentityKey
	if len(data) != IdentityKeySize {
		return k, ErrInvalidKey
	}
	copy(k.DH[:], data[:32])
	copy(k.Sign[:], data[32:])
	return k, nil
}

// Equal reports whether two identity keys are byte-identical.
func (k IdentityKey) Equal(o IdentityKey) bool {
	return k.DH == o.DH && k.Sign == o.Sign
}

// IdentityKeyPair is a device's long-term identity: an X25519 pair for
// the X3DH handshake and an Ed25519 pair for signing prekeys.
type IdentityKeyPair struct {
	DH       KeyPair            `json:"dh"`
	SignPriv ed25519.PrivateKey `json:"signPriv"`
	SignPub  ed25519.PublicKey  `json:"signPub"`
}

// GenerateIdentityKeyPair creates a fresh long-term identity.
func GenerateIdentityKeyPair() (*IdentityKeyPair, error) {
	dh, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	signPub, signPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &IdentityKeyPair{DH: dh, SignPriv: signPriv, SignPub: signPub}, nil
}

// Public returns the public identity key.
func (p *IdentityKeyPair) Public() IdentityKey {
	var k IdentityKey
	k.DH = p.DH.Pub
	copy(k.Sign[:], p.SignPub)
	return k
}

// GenerateRegistrationID returns a random positive 31-bit registration id.
func GenerateRegistrationID() (uint32, error) {
	var buf [4]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, err
		}
		id := binary.BigEndian.Uint32(buf[:]) & 0x7fffffff
		if id != 0 {
			return id, nil
		}
	}
}

// PreKeyRecord is a one-time prekey. Consumed on first successful
// session establishment that references it.
type PreKeyRecord struct {
	ID  uint32  `json:"id"`
	Key KeyPair `json:"key"`
}

// GeneratePreKeys creates count one-time prekeys with ids start..start+count-1.
func GeneratePreKeys(start uint32, count int) ([]*PreKeyRecord, error) {
	recs := make([]*PreKeyRecord, 0, count)
	for i := 0; i < count; i++ {
		kp, err := GenerateKeyPair()
		if err != nil {
			return nil, err
		}
		recs = append(recs, &PreKeyRecord{ID: start + uint32(i), Key: kp})
	}
	return recs, nil
}

// SignedPreKeyRecord is a medium-term prekey signed by the identity key.
type SignedPreKeyRecord struct {
	ID        uint32  `json:"id"`
	Key       KeyPair `json:"key"`
	Signature []byte  `json:"signature"`
	CreatedAt int64   `json:"createdAt"` // unix seconds
}

// GenerateSignedPreKey creates a signed prekey whose public key is signed
// by identity's Ed25519 key.
func GenerateSignedPreKey(identity *IdentityKeyPair, id uint32, now time.Time) (*SignedPreKeyRecord, error) {
	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	sig := ed25519.Sign(identity.SignPriv, kp.Pub[:])
	return &SignedPreKeyRecord{
		ID:        id,
		Key:       kp,
		Signature: sig,
		CreatedAt: now.Unix(),
	}, nil
}
