package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/omemo-im/omemo-go/internal/axolotl"
)

func tempStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLocalIdentityPersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	pair1, reg1, err := s.GetOrCreateLocalIdentity()
	if err != nil {
		t.Fatalf("create identity: %v", err)
	}
	if reg1 == 0 || reg1 > 0x7fffffff {
		t.Fatalf("registration id %d out of range", reg1)
	}

	// Second call on the same handle returns the cached identity.
	pair2, reg2, err := s.GetOrCreateLocalIdentity()
	if err != nil {
		t.Fatalf("reload identity: %v", err)
	}
	if reg2 != reg1 || !pair2.Public().Equal(pair1.Public()) {
		t.Fatal("identity changed on second call")
	}
	s.Close()

	// Reopen from disk.
	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer s.Close()
	pair3, reg3, err := s.GetOrCreateLocalIdentity()
	if err != nil {
		t.Fatalf("reload identity after reopen: %v", err)
	}
	if reg3 != reg1 || !pair3.Public().Equal(pair1.Public()) {
		t.Fatal("identity changed across reopen")
	}
}

func TestSetLocalRegistrationID(t *testing.T) {
	s := tempStore(t)
	if err := s.SetLocalRegistrationID(5000); err != nil {
		t.Fatalf("set registration id: %v", err)
	}
	_, reg, err := s.GetOrCreateLocalIdentity()
	if err != nil {
		t.Fatalf("load identity: %v", err)
	}
	if reg != 5000 {
		t.Fatalf("registration id = %d, want 5000", reg)
	}
	if err := s.SetLocalRegistrationID(6000); err == nil {
		t.Fatal("expected error re-initializing local identity")
	}
}

func TestPreKeys(t *testing.T) {
	s := tempStore(t)

	recs, err := axolotl.GeneratePreKeys(1, 5)
	if err != nil {
		t.Fatalf("generate prekeys: %v", err)
	}
	for _, rec := range recs {
		if err := s.StorePreKey(rec); err != nil {
			t.Fatalf("store prekey %d: %v", rec.ID, err)
		}
	}

	ok, err := s.ContainsPreKey(3)
	if err != nil || !ok {
		t.Fatalf("contains prekey 3 = %v, %v", ok, err)
	}
	loaded, err := s.LoadPreKey(3)
	if err != nil {
		t.Fatalf("load prekey: %v", err)
	}
	if loaded == nil || loaded.Key.Pub != recs[2].Key.Pub {
		t.Fatal("loaded prekey does not match stored")
	}

	first, err := s.FirstPreKey()
	if err != nil {
		t.Fatalf("first prekey: %v", err)
	}
	if first == nil || first.ID != 1 {
		t.Fatalf("first prekey = %v, want id 1", first)
	}

	next, err := s.NextPreKeyID()
	if err != nil {
		t.Fatalf("next prekey id: %v", err)
	}
	if next != 6 {
		t.Fatalf("next prekey id = %d, want 6", next)
	}

	if err := s.RemovePreKey(1); err != nil {
		t.Fatalf("remove prekey: %v", err)
	}
	gone, err := s.LoadPreKey(1)
	if err != nil {
		t.Fatalf("load removed prekey: %v", err)
	}
	if gone != nil {
		t.Fatal("removed prekey still loadable")
	}
	first, err = s.FirstPreKey()
	if err != nil || first == nil || first.ID != 2 {
		t.Fatalf("first prekey after removal = %v, %v", first, err)
	}
}

func TestSignedPreKeys(t *testing.T) {
	s := tempStore(t)

	pair, _, err := s.GetOrCreateLocalIdentity()
	if err != nil {
		t.Fatalf("identity: %v", err)
	}

	for id := uint32(1); id <= 2; id++ {
		rec, err := axolotl.GenerateSignedPreKey(pair, id, time.Now())
		if err != nil {
			t.Fatalf("generate signed prekey: %v", err)
		}
		if err := s.StoreSignedPreKey(rec); err != nil {
			t.Fatalf("store signed prekey: %v", err)
		}
	}

	cur, err := s.CurrentSignedPreKey()
	if err != nil {
		t.Fatalf("current signed prekey: %v", err)
	}
	if cur == nil || cur.ID != 2 {
		t.Fatalf("current signed prekey = %v, want id 2", cur)
	}

	ok, err := s.ContainsSignedPreKey(1)
	if err != nil || !ok {
		t.Fatalf("contains signed prekey 1 = %v, %v", ok, err)
	}
	if err := s.RemoveSignedPreKey(1); err != nil {
		t.Fatalf("remove signed prekey: %v", err)
	}
	gone, err := s.LoadSignedPreKey(1)
	if err != nil || gone != nil {
		t.Fatalf("removed signed prekey still loadable: %v, %v", gone, err)
	}
}

func testSession(t *testing.T, identity axolotl.IdentityKey) *axolotl.SessionRecord {
	t.Helper()
	return &axolotl.SessionRecord{
		RemoteIdentity: identity,
		Root:           []byte("root"),
		SendChain:      []byte("send"),
		Skipped:        make(map[string][]byte),
		MaxSkip:        axolotl.DefaultMaxSkip,
	}
}

func TestSessions(t *testing.T) {
	s := tempStore(t)

	peer, err := axolotl.GenerateIdentityKeyPair()
	if err != nil {
		t.Fatalf("generate peer identity: %v", err)
	}
	addr := axolotl.Address{Name: "alice@example.com", DeviceID: 42}

	if rec, err := s.LoadSession(addr); err != nil || rec != nil {
		t.Fatalf("load absent session = %v, %v", rec, err)
	}

	if err := s.StoreSession(addr, testSession(t, peer.Public())); err != nil {
		t.Fatalf("store session: %v", err)
	}
	ok, err := s.ContainsSession(addr)
	if err != nil || !ok {
		t.Fatalf("contains session = %v, %v", ok, err)
	}
	rec, err := s.LoadSession(addr)
	if err != nil {
		t.Fatalf("load session: %v", err)
	}
	if rec == nil || !rec.RemoteIdentity.Equal(peer.Public()) {
		t.Fatal("loaded session does not match stored")
	}

	other := axolotl.Address{Name: "alice@example.com", DeviceID: 43}
	if err := s.StoreSession(other, testSession(t, peer.Public())); err != nil {
		t.Fatalf("store second session: %v", err)
	}
	if err := s.DeleteSession(addr); err != nil {
		t.Fatalf("delete session: %v", err)
	}
	if ok, _ := s.ContainsSession(addr); ok {
		t.Fatal("deleted session still present")
	}
	if ok, _ := s.ContainsSession(other); !ok {
		t.Fatal("sibling session deleted")
	}

	if err := s.DeleteAllSessions("alice@example.com"); err != nil {
		t.Fatalf("delete all sessions: %v", err)
	}
	if ok, _ := s.ContainsSession(other); ok {
		t.Fatal("session survived DeleteAllSessions")
	}
}

func TestActiveDeviceState(t *testing.T) {
	s := tempStore(t)

	peer, err := axolotl.GenerateIdentityKeyPair()
	if err != nil {
		t.Fatalf("generate peer identity: %v", err)
	}
	for _, id := range []uint32{1, 2, 3} {
		addr := axolotl.Address{Name: "bob@example.com", DeviceID: id}
		if err := s.StoreSession(addr, testSession(t, peer.Public())); err != nil {
			t.Fatalf("store session %d: %v", id, err)
		}
	}

	tuples, err := s.ActiveDeviceTuples()
	if err != nil {
		t.Fatalf("active device tuples: %v", err)
	}
	if len(tuples) != 3 {
		t.Fatalf("got %d tuples, want 3", len(tuples))
	}

	// Device 2 drops off the advertised list.
	if err := s.SetActiveState("bob@example.com", []uint32{1, 3}); err != nil {
		t.Fatalf("set active state: %v", err)
	}
	if active, _ := s.IsActiveDevice("bob@example.com", 2); active {
		t.Fatal("device 2 still active")
	}
	if active, _ := s.IsActiveDevice("bob@example.com", 1); !active {
		t.Fatal("device 1 not active")
	}
	// The session record itself is retained.
	if ok, _ := s.ContainsSession(axolotl.Address{Name: "bob@example.com", DeviceID: 2}); !ok {
		t.Fatal("inactive session was deleted")
	}
}

func TestIdentityTrust(t *testing.T) {
	s := tempStore(t)

	peer, err := axolotl.GenerateIdentityKeyPair()
	if err != nil {
		t.Fatalf("generate peer identity: %v", err)
	}
	key := peer.Public()

	inserted, err := s.SaveIdentity("carol@example.com", key)
	if err != nil || !inserted {
		t.Fatalf("save identity = %v, %v", inserted, err)
	}
	// Saving the same key again is a no-op.
	inserted, err = s.SaveIdentity("carol@example.com", key)
	if err != nil || inserted {
		t.Fatalf("re-save identity = %v, %v", inserted, err)
	}

	state, known, err := s.Trust("carol@example.com", key.Bytes())
	if err != nil || !known || state != Undecided {
		t.Fatalf("trust = %v, %v, %v; want undecided, known", state, known, err)
	}

	recs, err := s.LoadIdentityKeys("carol@example.com")
	if err != nil || len(recs) != 1 {
		t.Fatalf("identity records = %v, %v", recs, err)
	}
	if err := s.SetTrust(recs[0].ID, Verified); err != nil {
		t.Fatalf("set trust: %v", err)
	}
	state, _, err = s.Trust("carol@example.com", key.Bytes())
	if err != nil || state != Verified {
		t.Fatalf("trust after update = %v, %v", state, err)
	}

	if _, known, _ := s.Trust("carol@example.com", make([]byte, 64)); known {
		t.Fatal("unknown key reported as known")
	}

	if err := s.SetTrust(9999, Trusted); err == nil {
		t.Fatal("expected error for missing record id")
	}
}

func TestTrustForDevice(t *testing.T) {
	s := tempStore(t)

	peer, err := axolotl.GenerateIdentityKeyPair()
	if err != nil {
		t.Fatalf("generate peer identity: %v", err)
	}
	addr := axolotl.Address{Name: "dave@example.com", DeviceID: 7}

	// No session yet: the device's key has never been observed.
	if _, known, err := s.TrustForDevice(addr.Name, addr.DeviceID); err != nil || known {
		t.Fatalf("trust for sessionless device = known %v, %v", known, err)
	}

	if _, err := s.SaveIdentity(addr.Name, peer.Public()); err != nil {
		t.Fatalf("save identity: %v", err)
	}
	if err := s.StoreSession(addr, testSession(t, peer.Public())); err != nil {
		t.Fatalf("store session: %v", err)
	}

	state, known, err := s.TrustForDevice(addr.Name, addr.DeviceID)
	if err != nil || !known || state != Undecided {
		t.Fatalf("trust for device = %v, %v, %v", state, known, err)
	}

	recs, err := s.LoadIdentityKeys(addr.Name)
	if err != nil || len(recs) != 1 {
		t.Fatalf("identity records = %v, %v", recs, err)
	}
	if err := s.SetTrust(recs[0].ID, Trusted); err != nil {
		t.Fatalf("set trust: %v", err)
	}
	state, _, _ = s.TrustForDevice(addr.Name, addr.DeviceID)
	if !state.CanEncrypt() {
		t.Fatalf("trusted device cannot encrypt, state %v", state)
	}
}
