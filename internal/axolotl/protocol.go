package axolotl

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// KeyMessage is a session-wrapped blob ready for the envelope. PreKey
// marks first-flight messages that carry session-establishment material.
type KeyMessage struct {
	Bytes  []byte
	PreKey bool
}

// BuildSession establishes a fresh outgoing session with remote from a
// fetched prekey bundle. The bundle's signed prekey signature is verified
// against the bundle's identity key first; the identity key is recorded
// in the store (new keys land as undecided trust).
func BuildSession(st ProtocolStore, remote Address, bundle *PreKeyBundle) error {
	if err := bundle.Verify(); err != nil {
		return err
	}

	local, err := st.IdentityKeyPair()
	if err != nil {
		return err
	}

	base, err := GenerateKeyPair()
	if err != nil {
		return err
	}

	secret, err := initiatorSecret(local, base, bundle)
	if err != nil {
		return err
	}

	rec := &SessionRecord{
		RemoteIdentity: bundle.Identity,
		Root:           secret,
		PeerDH:         bundle.SignedPreKey,
		Skipped:        make(map[string][]byte),
		Pending: &PendingPreKey{
			PreKeyID:       bundle.PreKeyID,
			SignedPreKeyID: bundle.SignedPreKeyID,
			BaseKey:        base.Pub,
		},
	}
	if err := ratchetStepSend(rec); err != nil {
		return err
	}

	if _, err := st.SaveIdentity(remote.Name, bundle.Identity); err != nil {
		return err
	}
	return st.StoreSession(remote, rec)
}

// EncryptKey wraps material (the payload key and tag) for one recipient
// device, advancing its session. Fails with ErrNoSession when no session
// exists; the caller is expected to build one from a bundle first.
func EncryptKey(st ProtocolStore, remote Address, material []byte) (*KeyMessage, error) {
	rec, err := st.LoadSession(remote)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrNoSession
	}

	local, err := st.IdentityKeyPair()
	if err != nil {
		return nil, err
	}

	ad := associatedData(local.Public(), rec.RemoteIdentity)
	h, ct, err := ratchetEncrypt(rec, ad, material)
	if err != nil {
		return nil, err
	}
	msg := encodeKeyMessage(h, ct)

	out := &KeyMessage{Bytes: msg}
	if rec.Pending != nil {
		regID, err := st.LocalRegistrationID()
		if err != nil {
			return nil, err
		}
		out.Bytes = encodePreKeyMessage(&preKeyMessage{
			RegistrationID: regID,
			PreKeyID:       rec.Pending.PreKeyID,
			SignedPreKeyID: rec.Pending.SignedPreKeyID,
			BaseKey:        rec.Pending.BaseKey,
			Identity:       local.Public(),
			Message:        msg,
		})
		out.PreKey = true
	}

	if err := st.StoreSession(remote, rec); err != nil {
		return nil, err
	}
	return out, nil
}

// DecryptKey unwraps material from one sender device. With preKey set the
// blob carries session-establishment material and may create the session;
// otherwise an existing session is required. Failed attempts leave the
// stored session untouched.
func DecryptKey(st ProtocolStore, remote Address, data []byte, preKey bool) ([]byte, error) {
	if preKey {
		return decryptPreKeyMessage(st, remote, data)
	}

	rec, err := st.LoadSession(remote)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrNoSession
	}
	return decryptOnSession(st, remote, rec, data)
}

func decryptPreKeyMessage(st ProtocolStore, remote Address, data []byte) ([]byte, error) {
	msg, err := decodePreKeyMessage(data)
	if err != nil {
		return nil, err
	}

	rec, err := st.LoadSession(remote)
	if err != nil {
		return nil, err
	}

	if rec != nil {
		if !rec.RemoteIdentity.Equal(msg.Identity) {
			// Mid-session identity change. Surface loudly; never
			// silently reset the session.
			return nil, ErrUntrustedIdentity
		}
		if rec.RemoteBaseKey == msg.BaseKey {
			// Retransmission of a first flight we already completed.
			return decryptOnSession(st, remote, rec, msg.Message)
		}
	}

	// Fresh (or re-established) inbound session.
	fresh, usedPreKey, err := responderSession(st, msg)
	if err != nil {
		return nil, err
	}

	if _, err := st.SaveIdentity(remote.Name, msg.Identity); err != nil {
		return nil, err
	}

	local, err := st.IdentityKeyPair()
	if err != nil {
		return nil, err
	}
	ad := associatedData(msg.Identity, local.Public())

	h, ct, err := decodeKeyMessage(msg.Message)
	if err != nil {
		return nil, err
	}
	pt, err := ratchetDecrypt(fresh, ad, h, ct)
	if err != nil {
		return nil, err
	}

	if err := st.StoreSession(remote, fresh); err != nil {
		return nil, err
	}
	if usedPreKey != 0 {
		if err := st.RemovePreKey(usedPreKey); err != nil {
			return nil, err
		}
	}
	return pt, nil
}

// decryptOnSession runs the ratchet on a clone and commits only on success.
func decryptOnSession(st ProtocolStore, remote Address, rec *SessionRecord, message []byte) ([]byte, error) {
	local, err := st.IdentityKeyPair()
	if err != nil {
		return nil, err
	}
	ad := associatedData(rec.RemoteIdentity, local.Public())

	h, ct, err := decodeKeyMessage(message)
	if err != nil {
		return nil, err
	}

	work := rec.clone()
	pt, err := ratchetDecrypt(work, ad, h, ct)
	if err != nil {
		return nil, err
	}

	// A completed round trip retires the pending prekey material.
	work.Pending = nil

	if err := st.StoreSession(remote, work); err != nil {
		return nil, err
	}
	return pt, nil
}

// responderSession derives the shared secret on the receiving side of a
// first flight and returns the new session plus the consumed prekey id
// (0 when the flight used no one-time prekey).
func responderSession(st ProtocolStore, msg *preKeyMessage) (*SessionRecord, uint32, error) {
	local, err := st.IdentityKeyPair()
	if err != nil {
		return nil, 0, err
	}

	spk, err := st.LoadSignedPreKey(msg.SignedPreKeyID)
	if err != nil {
		return nil, 0, err
	}
	if spk == nil {
		return nil, 0, ErrInvalidMessage
	}

	var opk *PreKeyRecord
	if msg.PreKeyID != 0 {
		opk, err = st.LoadPreKey(msg.PreKeyID)
		if err != nil {
			return nil, 0, err
		}
		if opk == nil {
			// One-time prekey already consumed and no matching
			// session: nothing left to establish with.
			return nil, 0, ErrInvalidMessage
		}
	}

	secret, err := responderSecret(local, spk, opk, msg)
	if err != nil {
		return nil, 0, err
	}

	rec := &SessionRecord{
		RemoteIdentity: msg.Identity,
		RemoteBaseKey:  msg.BaseKey,
		Root:           secret,
		DHPriv:         spk.Key.Priv,
		DHPub:          spk.Key.Pub,
		Skipped:        make(map[string][]byte),
	}
	var used uint32
	if opk != nil {
		used = opk.ID
	}
	return rec, used, nil
}

// initiatorSecret computes the X3DH shared secret on the sending side:
// DH(IK_A, SPK_B) || DH(EK_A, IK_B) || DH(EK_A, SPK_B) [|| DH(EK_A, OPK_B)].
func initiatorSecret(local *IdentityKeyPair, base KeyPair, bundle *PreKeyBundle) ([]byte, error) {
	dh1, err := curve25519.X25519(local.DH.Priv[:], bundle.SignedPreKey[:])
	if err != nil {
		return nil, err
	}
	dh2, err := curve25519.X25519(base.Priv[:], bundle.Identity.DH[:])
	if err != nil {
		return nil, err
	}
	dh3, err := curve25519.X25519(base.Priv[:], bundle.SignedPreKey[:])
	if err != nil {
		return nil, err
	}
	ikm := append(append(append([]byte(nil), dh1...), dh2...), dh3...)
	if bundle.PreKeyID != 0 {
		dh4, err := curve25519.X25519(base.Priv[:], bundle.PreKey[:])
		if err != nil {
			return nil, err
		}
		ikm = append(ikm, dh4...)
	}
	return deriveRoot(ikm)
}

// responderSecret mirrors initiatorSecret on the receiving side.
func responderSecret(local *IdentityKeyPair, spk *SignedPreKeyRecord, opk *PreKeyRecord, msg *preKeyMessage) ([]byte, error) {
	dh1, err := curve25519.X25519(spk.Key.Priv[:], msg.Identity.DH[:])
	if err != nil {
		return nil, err
	}
	dh2, err := curve25519.X25519(local.DH.Priv[:], msg.BaseKey[:])
	if err != nil {
		return nil, err
	}
	dh3, err := curve25519.X25519(spk.Key.Priv[:], msg.BaseKey[:])
	if err != nil {
		return nil, err
	}
	ikm := append(append(append([]byte(nil), dh1...), dh2...), dh3...)
	if opk != nil {
		dh4, err := curve25519.X25519(opk.Key.Priv[:], msg.BaseKey[:])
		if err != nil {
			return nil, err
		}
		ikm = append(ikm, dh4...)
	}
	return deriveRoot(ikm)
}

func deriveRoot(ikm []byte) ([]byte, error) {
	root := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, ikm, nil, []byte("OMEMO X3DH")), root); err != nil {
		return nil, fmt.Errorf("derive root: %w", err)
	}
	return root, nil
}

// associatedData binds ciphertexts to both identities, sender first.
func associatedData(sender, receiver IdentityKey) []byte {
	out := make([]byte, 0, 64)
	out = append(out, sender.DH[:]...)
	return append(out, receiver.DH[:]...)
}
