package axolotl

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// header is the per-message ratchet header: the sender's current ratchet
// public key plus the chain counters.
type header struct {
	DHPub [32]byte
	PN    uint32
	N     uint32
}

// ratchetEncrypt derives the next sending message key, advances the chain
// and seals plaintext. The responder's first send performs a DH ratchet
// step here because its sending chain is still empty.
func ratchetEncrypt(st *SessionRecord, ad, plaintext []byte) (header, []byte, error) {
	if len(st.SendChain) == 0 {
		if err := ratchetStepSend(st); err != nil {
			return header{}, nil, err
		}
	}

	mk, next := kdfCK(st.SendChain)
	st.SendChain = next
	h := header{DHPub: st.DHPub, PN: st.PN, N: st.Ns}

	ct, err := seal(mk, h, ad, plaintext)
	if err != nil {
		return header{}, nil, err
	}
	st.Ns++
	return h, ct, nil
}

// ratchetDecrypt opens a message, handling skipped keys and DH ratchet
// steps on new remote ratchet keys. The caller must pass a clone of the
// stored state; st is mutated even on some failure paths.
func ratchetDecrypt(st *SessionRecord, ad []byte, h header, ciphertext []byte) ([]byte, error) {
	// A stashed key from an earlier out-of-order gap wins outright, even
	// if the remote ratchet key has moved on since.
	id := skippedKeyID(h.DHPub, h.N)
	if mk, ok := st.Skipped[id]; ok {
		delete(st.Skipped, id)
		pt, err := open(mk, h, ad, ciphertext)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		return pt, nil
	}

	if h.DHPub != st.PeerDH {
		// New remote ratchet key: finish the old receiving chain, then
		// step both chains.
		if st.RecvChain != nil {
			if err := skipRecvKeys(st, h.PN); err != nil {
				return nil, err
			}
		}
		if h.N > st.maxSkip() {
			return nil, ErrInvalidMessage
		}
		if err := ratchetStepRecv(st, h.DHPub); err != nil {
			return nil, err
		}
		if err := skipRecvKeys(st, h.N); err != nil {
			return nil, err
		}
		return openCurrent(st, h, ad, ciphertext)
	}

	if st.RecvChain == nil {
		return nil, ErrInvalidMessage
	}
	if h.N < st.Nr {
		// The message key for this counter was already consumed.
		return nil, ErrDuplicateMessage
	}
	if err := skipRecvKeys(st, h.N); err != nil {
		return nil, err
	}
	return openCurrent(st, h, ad, ciphertext)
}

func openCurrent(st *SessionRecord, h header, ad, ciphertext []byte) ([]byte, error) {
	mk, next := kdfCK(st.RecvChain)
	pt, err := open(mk, h, ad, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	st.RecvChain = next
	st.Nr++
	return pt, nil
}

// ratchetStepRecv advances the root chain with the new remote ratchet key
// and resets the receiving chain.
func ratchetStepRecv(st *SessionRecord, peer [32]byte) error {
	dh, err := curve25519.X25519(st.DHPriv[:], peer[:])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	root, recv := kdfRK(st.Root, dh)
	st.Root = root
	st.RecvChain = recv
	st.PeerDH = peer
	st.PN = st.Ns
	st.Ns = 0
	st.Nr = 0
	st.SendChain = nil
	return nil
}

// ratchetStepSend generates a fresh ratchet key pair and derives a new
// sending chain against the current remote ratchet key.
func ratchetStepSend(st *SessionRecord) error {
	kp, err := GenerateKeyPair()
	if err != nil {
		return err
	}
	dh, err := curve25519.X25519(kp.Priv[:], st.PeerDH[:])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	root, send := kdfRK(st.Root, dh)
	st.Root = root
	st.SendChain = send
	st.DHPriv = kp.Priv
	st.DHPub = kp.Pub
	return nil
}

// skipRecvKeys derives and stashes message keys up to counter until,
// bounded by the skipped-key window.
func skipRecvKeys(st *SessionRecord, until uint32) error {
	if until > st.Nr && until-st.Nr > st.maxSkip() {
		return ErrInvalidMessage
	}
	for st.Nr < until {
		mk, next := kdfCK(st.RecvChain)
		if uint32(len(st.Skipped)) >= st.maxSkip() {
			return ErrInvalidMessage
		}
		st.Skipped[skippedKeyID(st.PeerDH, st.Nr)] = mk
		st.RecvChain = next
		st.Nr++
	}
	return nil
}

func skippedKeyID(peer [32]byte, n uint32) string {
	var buf [36]byte
	copy(buf[:], peer[:])
	binary.BigEndian.PutUint32(buf[32:], n)
	return hex.EncodeToString(buf[:])
}

func seal(mk []byte, h header, ad, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint32(nonce[len(nonce)-4:], h.N)
	return aead.Seal(nil, nonce, plaintext, append(headerBytes(h), ad...)), nil
}

func open(mk []byte, h header, ad, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint32(nonce[len(nonce)-4:], h.N)
	return aead.Open(nil, nonce, ciphertext, append(headerBytes(h), ad...))
}

func headerBytes(h header) []byte {
	out := make([]byte, 0, 40)
	out = append(out, h.DHPub[:]...)
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], h.PN)
	out = append(out, b[:]...)
	binary.BigEndian.PutUint32(b[:], h.N)
	return append(out, b[:]...)
}

// kdfRK advances the root chain with fresh DH output.
func kdfRK(root, dh []byte) (newRoot, chain []byte) {
	r := hkdf.New(sha256.New, dh, root, []byte("OMEMO Root Chain"))
	newRoot = make([]byte, 32)
	chain = make([]byte, 32)
	io.ReadFull(r, newRoot)
	io.ReadFull(r, chain)
	return
}

// kdfCK derives the next message key and chain key from a chain key.
func kdfCK(ck []byte) (mk, next []byte) {
	r := hkdf.New(sha256.New, ck, nil, []byte("OMEMO Message Keys"))
	mk = make([]byte, 32)
	next = make([]byte, 32)
	io.ReadFull(r, mk)
	io.ReadFull(r, next)
	return
}
