package axolotl

import (
	"crypto/ed25519"
	"testing"
	"time"
)

func TestGenerateRegistrationID(t *testing.T) {
	for i := 0; i < 100; i++ {
		id, err := GenerateRegistrationID()
		if err != nil {
			t.Fatal(err)
		}
		if id == 0 || id > 0x7fffffff {
			t.Fatalf("registration id out of range: %d", id)
		}
	}
}

func TestIdentityKeyRoundTrip(t *testing.T) {
	pair, err := GenerateIdentityKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	pub := pair.Public()

	got, err := ParseIdentityKey(pub.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(pub) {
		t.Fatal("identity key round trip mismatch")
	}

	if _, err := ParseIdentityKey([]byte("short")); err != ErrInvalidKey {
		t.Fatalf("want ErrInvalidKey, got %v", err)
	}
}

func TestSignedPreKeySignature(t *testing.T) {
	pair, err := GenerateIdentityKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	spk, err := GenerateSignedPreKey(pair, 7, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if !ed25519.Verify(pair.SignPub, spk.Key.Pub[:], spk.Signature) {
		t.Fatal("signature does not verify")
	}
}

func TestGeneratePreKeysIDs(t *testing.T) {
	recs, err := GeneratePreKeys(100, 5)
	if err != nil {
		t.Fatal(err)
	}
	for i, rec := range recs {
		if rec.ID != 100+uint32(i) {
			t.Fatalf("prekey %d has id %d", i, rec.ID)
		}
	}
}
