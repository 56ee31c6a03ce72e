package omemo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"
	"path/filepath"
	"testing"
)

// testDirectory resolves bundles and device lists against live Managers.
type testDirectory struct {
	peers     map[Address]*Manager
	published map[string][]uint32
}

func newTestDirectory() *testDirectory {
	return &testDirectory{
		peers:     make(map[Address]*Manager),
		published: make(map[string][]uint32),
	}
}

func (d *testDirectory) register(m *Manager) {
	d.peers[Address{Name: m.Name(), DeviceID: m.OwnDevice()}] = m
}

func (d *testDirectory) FetchBundle(_ context.Context, name string, deviceID uint32) (*PreKeyBundle, error) {
	m, ok := d.peers[Address{Name: name, DeviceID: deviceID}]
	if !ok {
		return nil, fmt.Errorf("no bundle for %s:%d", name, deviceID)
	}
	return m.Bundle()
}

func (d *testDirectory) FetchDeviceList(_ context.Context, name string) ([]uint32, error) {
	var ids []uint32
	for addr := range d.peers {
		if addr.Name == name {
			ids = append(ids, addr.DeviceID)
		}
	}
	return ids, nil
}

func (d *testDirectory) PublishDeviceList(_ context.Context, name string, ids []uint32) error {
	d.published[name] = ids
	return nil
}

// eventLog collects emitted events.
type eventLog struct {
	events []Event
}

func (l *eventLog) HandleEvent(ev Event) { l.events = append(l.events, ev) }

func newTestManager(t *testing.T, name string, regID uint32, opts ...Option) *Manager {
	t.Helper()
	opts = append(opts, WithRegistrationID(regID))
	m, err := New(name, filepath.Join(t.TempDir(), "omemo.db"), opts...)
	if err != nil {
		t.Fatalf("new manager for %s: %v", name, err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

// trustPeer flips the trust state of the identity record matching the
// peer manager's own fingerprint.
func trustPeer(t *testing.T, m *Manager, peer *Manager, state TrustState) {
	t.Helper()
	want, err := peer.OwnFingerprint()
	if err != nil {
		t.Fatalf("peer fingerprint: %v", err)
	}
	fps, err := m.Fingerprints()
	if err != nil {
		t.Fatalf("fingerprints: %v", err)
	}
	for _, fp := range fps {
		if fp.Address == peer.Name() && fp.Fingerprint == want {
			if err := m.SetTrust(fp.RecordID, state); err != nil {
				t.Fatalf("set trust: %v", err)
			}
			return
		}
	}
	t.Fatalf("no identity record for %s with fingerprint %s", peer.Name(), want)
}

func TestBootstrap(t *testing.T) {
	alice := newTestManager(t, "alice@example", 5000)

	if alice.OwnDevice() != 5001 {
		t.Fatalf("own device = %d, want 5001", alice.OwnDevice())
	}
	publish := alice.DevicesForPublish()
	if len(publish) != 1 || publish[0] != 5001 {
		t.Fatalf("devices for publish = %v, want [5001]", publish)
	}
	fps, err := alice.Fingerprints()
	if err != nil {
		t.Fatalf("fingerprints: %v", err)
	}
	if len(fps) != 0 {
		t.Fatalf("fresh store has %d identity records", len(fps))
	}
}

func TestOwnDeviceStableAcrossRestarts(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "omemo.db")

	m, err := New("alice@example", path, WithRegistrationID(5000))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	first := m.OwnDevice()
	m.Close()

	m, err = New("alice@example", path, WithRegistrationID(5000))
	if err != nil {
		t.Fatalf("reopen manager: %v", err)
	}
	defer m.Close()
	if m.OwnDevice() != first {
		t.Fatalf("own device changed across restart: %d != %d", m.OwnDevice(), first)
	}
}

func TestFirstContactPreKeyFlight(t *testing.T) {
	ctx := context.Background()
	dir := newTestDirectory()
	var bobEvents eventLog

	alice := newTestManager(t, "alice@example", 5000, WithDirectory(dir))
	bob := newTestManager(t, "bob@example", 9000, WithObserver(&bobEvents))
	dir.register(bob)

	if bob.OwnDevice() != 9001 {
		t.Fatalf("bob device = %d, want 9001", bob.OwnDevice())
	}
	if err := alice.UpdateDeviceList("bob@example", []uint32{9001}); err != nil {
		t.Fatalf("update device list: %v", err)
	}

	env, err := alice.EncryptMessage(ctx, "bob@example", []byte("hello"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if env.SenderDevice != 5001 {
		t.Fatalf("sender device = %d, want 5001", env.SenderDevice)
	}
	if len(env.Keys) != 1 || env.Keys[0].RecipientDevice != 9001 || !env.Keys[0].PreKey {
		t.Fatalf("keys = %+v, want one prekey entry for 9001", env.Keys)
	}

	plaintext, err := bob.DecryptEnvelope("alice@example", env)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(plaintext) != "hello" {
		t.Fatalf("plaintext = %q", plaintext)
	}

	// Bob now holds one undecided identity record and a session for
	// alice's device.
	fps, err := bob.Fingerprints()
	if err != nil {
		t.Fatalf("fingerprints: %v", err)
	}
	if len(fps) != 1 || fps[0].Address != "alice@example" || fps[0].Trust != Undecided {
		t.Fatalf("identity records = %+v", fps)
	}
	if ok, _ := bob.store.ContainsSession(Address{Name: "alice@example", DeviceID: 5001}); !ok {
		t.Fatal("bob has no session for alice:5001")
	}

	// The new fingerprint surfaced as an event.
	var sawFingerprint bool
	for _, ev := range bobEvents.events {
		if fp, ok := ev.(NewFingerprintEvent); ok && fp.Address == "alice@example" {
			sawFingerprint = true
		}
	}
	if !sawFingerprint {
		t.Fatal("no new-fingerprint event raised")
	}
}

func TestTrustGate(t *testing.T) {
	ctx := context.Background()
	dir := newTestDirectory()

	alice := newTestManager(t, "alice@example", 5000, WithDirectory(dir))
	bob1 := newTestManager(t, "bob@example", 9000) // device 9001
	bob2 := newTestManager(t, "bob@example", 9001) // device 9002
	dir.register(bob1)
	dir.register(bob2)

	if err := alice.UpdateDeviceList("bob@example", []uint32{9001, 9002}); err != nil {
		t.Fatalf("update device list: %v", err)
	}

	// First contact reaches both devices: neither key has been seen.
	env, err := alice.EncryptMessage(ctx, "bob@example", []byte("hi"))
	if err != nil {
		t.Fatalf("first encrypt: %v", err)
	}
	if len(env.Keys) != 2 {
		t.Fatalf("first envelope has %d keys, want 2", len(env.Keys))
	}

	// Now both keys are recorded undecided; trust only device 9002.
	trustPeer(t, alice, bob2, Trusted)

	env, err = alice.EncryptMessage(ctx, "bob@example", []byte("again"))
	if err != nil {
		t.Fatalf("second encrypt: %v", err)
	}
	if len(env.Keys) != 1 || env.Keys[0].RecipientDevice != 9002 {
		t.Fatalf("keys = %+v, want only device 9002", env.Keys)
	}
}

func TestGroupFanOut(t *testing.T) {
	ctx := context.Background()
	dir := newTestDirectory()

	alice := newTestManager(t, "alice@example", 5000, WithDirectory(dir))
	bob := newTestManager(t, "bob@example", 9000)     // device 9001
	carol1 := newTestManager(t, "carol@example", 7000) // device 7001
	carol2 := newTestManager(t, "carol@example", 7001) // device 7002
	for _, m := range []*Manager{bob, carol1, carol2} {
		dir.register(m)
	}

	if err := alice.UpdateDeviceList("bob@example", []uint32{9001}); err != nil {
		t.Fatal(err)
	}
	if err := alice.UpdateDeviceList("carol@example", []uint32{7001, 7002}); err != nil {
		t.Fatal(err)
	}

	// Establish sessions and identity records via first contact.
	if _, err := alice.EncryptMessage(ctx, "bob@example", []byte("hi")); err != nil {
		t.Fatalf("contact bob: %v", err)
	}
	if _, err := alice.EncryptMessage(ctx, "carol@example", []byte("hi")); err != nil {
		t.Fatalf("contact carol: %v", err)
	}
	trustPeer(t, alice, bob, Trusted)
	trustPeer(t, alice, carol1, Trusted)
	// carol's second device stays undecided.

	alice.AddRoomMember("room@conf", "alice@example")
	alice.AddRoomMember("room@conf", "bob@example")
	alice.AddRoomMember("room@conf", "carol@example")

	env, err := alice.EncryptMessage(ctx, "room@conf", []byte("hi all"))
	if err != nil {
		t.Fatalf("room encrypt: %v", err)
	}

	got := make(map[uint32]bool)
	for _, k := range env.Keys {
		got[k.RecipientDevice] = true
	}
	if len(got) != 2 || !got[9001] || !got[7001] {
		t.Fatalf("recipients = %v, want exactly {9001, 7001}", got)
	}
	if got[5001] || got[7002] {
		t.Fatal("own device or undecided device received a copy")
	}

	// Both trusted recipients can read it.
	for _, m := range []*Manager{bob, carol1} {
		pt, err := m.DecryptEnvelope("alice@example", env)
		if err != nil {
			t.Fatalf("%s decrypt: %v", m.Name(), err)
		}
		if string(pt) != "hi all" {
			t.Fatalf("%s plaintext = %q", m.Name(), pt)
		}
	}
}

func TestReplayIsDuplicate(t *testing.T) {
	ctx := context.Background()
	dir := newTestDirectory()

	alice := newTestManager(t, "alice@example", 5000, WithDirectory(dir))
	bob := newTestManager(t, "bob@example", 9000)
	dir.register(bob)

	if err := alice.UpdateDeviceList("bob@example", []uint32{9001}); err != nil {
		t.Fatal(err)
	}

	var third *Envelope
	for i := 1; i <= 3; i++ {
		env, err := alice.EncryptMessage(ctx, "bob@example", []byte(fmt.Sprintf("msg %d", i)))
		if err != nil {
			t.Fatalf("encrypt %d: %v", i, err)
		}
		third = env
		if _, err := bob.DecryptEnvelope("alice@example", env); err != nil {
			t.Fatalf("decrypt %d: %v", i, err)
		}
	}

	addr := Address{Name: "alice@example", DeviceID: 5001}
	before, err := bob.store.LoadSession(addr)
	if err != nil || before == nil {
		t.Fatalf("load session: %v", err)
	}

	if _, err := bob.DecryptEnvelope("alice@example", third); !errors.Is(err, ErrDuplicateMessage) {
		t.Fatalf("replay returned %v, want ErrDuplicateMessage", err)
	}

	after, err := bob.store.LoadSession(addr)
	if err != nil || after == nil {
		t.Fatalf("reload session: %v", err)
	}
	if after.Nr != before.Nr || after.Ns != before.Ns {
		t.Fatalf("session advanced on replay: before %d/%d, after %d/%d",
			before.Ns, before.Nr, after.Ns, after.Nr)
	}
}

func TestIdentityChangeMidSession(t *testing.T) {
	ctx := context.Background()
	dir := newTestDirectory()
	var aliceEvents eventLog

	alice := newTestManager(t, "alice@example", 5000,
		WithDirectory(dir), WithObserver(&aliceEvents))
	bob := newTestManager(t, "bob@example", 9000)
	dir.register(bob)
	dir.register(alice)

	if err := alice.UpdateDeviceList("bob@example", []uint32{9001}); err != nil {
		t.Fatal(err)
	}

	// A few successful exchanges first.
	for i := 0; i < 3; i++ {
		env, err := alice.EncryptMessage(ctx, "bob@example", []byte("ping"))
		if err != nil {
			t.Fatalf("encrypt: %v", err)
		}
		if _, err := bob.DecryptEnvelope("alice@example", env); err != nil {
			t.Fatalf("decrypt: %v", err)
		}
	}

	// Mallory claims bob's address and device id with a fresh identity.
	mallDir := newTestDirectory()
	mallDir.register(alice)
	mallory := newTestManager(t, "bob@example", 9000, WithDirectory(mallDir))
	if err := mallory.UpdateDeviceList("alice@example", []uint32{5001}); err != nil {
		t.Fatal(err)
	}
	forged, err := mallory.EncryptMessage(ctx, "alice@example", []byte("it's me"))
	if err != nil {
		t.Fatalf("mallory encrypt: %v", err)
	}

	recordsBefore, _ := alice.Fingerprints()

	if _, err := alice.DecryptEnvelope("bob@example", forged); !errors.Is(err, ErrUntrustedIdentity) {
		t.Fatalf("got %v, want ErrUntrustedIdentity", err)
	}

	// No new identity record; the original is untouched.
	recordsAfter, _ := alice.Fingerprints()
	if len(recordsAfter) != len(recordsBefore) {
		t.Fatalf("identity records changed: %d -> %d", len(recordsBefore), len(recordsAfter))
	}

	var sawEvent bool
	for _, ev := range aliceEvents.events {
		if _, ok := ev.(UntrustedIdentityEvent); ok {
			sawEvent = true
		}
	}
	if !sawEvent {
		t.Fatal("no untrusted-identity event raised")
	}

	// After an explicit reset the new key can establish a session and is
	// recorded undecided.
	if err := alice.ResetSession("bob@example", 9001); err != nil {
		t.Fatalf("reset session: %v", err)
	}
	if _, err := alice.DecryptEnvelope("bob@example", forged); err != nil {
		t.Fatalf("decrypt after reset: %v", err)
	}
	recordsReset, _ := alice.Fingerprints()
	if len(recordsReset) != len(recordsBefore)+1 {
		t.Fatalf("expected one new identity record after reset, got %d -> %d",
			len(recordsBefore), len(recordsReset))
	}
}

func TestNoTrustedDevices(t *testing.T) {
	ctx := context.Background()
	dir := newTestDirectory()

	alice := newTestManager(t, "alice@example", 5000, WithDirectory(dir))
	bob := newTestManager(t, "bob@example", 9000)
	dir.register(bob)

	if err := alice.UpdateDeviceList("bob@example", []uint32{9001}); err != nil {
		t.Fatal(err)
	}
	if _, err := alice.EncryptMessage(ctx, "bob@example", []byte("hi")); err != nil {
		t.Fatalf("first contact: %v", err)
	}
	trustPeer(t, alice, bob, NotTrusted)

	if _, err := alice.EncryptMessage(ctx, "bob@example", []byte("again")); !errors.Is(err, ErrNoDevices) {
		t.Fatalf("got %v, want ErrNoDevices", err)
	}
}

func TestSetTrustRejectsUndecided(t *testing.T) {
	alice := newTestManager(t, "alice@example", 5000)
	if err := alice.SetTrust(1, Undecided); err == nil {
		t.Fatal("setting trust to undecided succeeded")
	}
}

// failTransport always fails delivery.
type failTransport struct{}

func (failTransport) Deliver(context.Context, string, *Envelope) error {
	return errors.New("transport down")
}
func (failTransport) Receive(context.Context) iter.Seq2[*Incoming, error] { return nil }
func (failTransport) Close() error                                        { return nil }

// chanTransport delivers envelopes into an in-memory queue.
type chanTransport struct {
	from string
	ch   chan *Incoming
}

func (c *chanTransport) Deliver(_ context.Context, _ string, env *Envelope) error {
	c.ch <- &Incoming{From: c.from, Envelope: env}
	return nil
}

func (c *chanTransport) Receive(ctx context.Context) iter.Seq2[*Incoming, error] {
	return func(yield func(*Incoming, error) bool) {
		for {
			select {
			case <-ctx.Done():
				yield(nil, ctx.Err())
				return
			case in, ok := <-c.ch:
				if !ok {
					return
				}
				if !yield(in, nil) {
					return
				}
			}
		}
	}
}

func (c *chanTransport) Close() error { return nil }

func TestSendCommitsOnlyAfterDelivery(t *testing.T) {
	ctx := context.Background()
	dir := newTestDirectory()

	alice := newTestManager(t, "alice@example", 5000, WithDirectory(dir))
	bob := newTestManager(t, "bob@example", 9000)
	dir.register(bob)

	if err := alice.UpdateDeviceList("bob@example", []uint32{9001}); err != nil {
		t.Fatal(err)
	}
	// Establish the session first so a counter exists to observe.
	if _, err := alice.EncryptMessage(ctx, "bob@example", []byte("hi")); err != nil {
		t.Fatalf("first contact: %v", err)
	}
	trustPeer(t, alice, bob, Trusted)

	addr := Address{Name: "bob@example", DeviceID: 9001}
	before, err := alice.store.LoadSession(addr)
	if err != nil || before == nil {
		t.Fatalf("load session: %v", err)
	}

	if err := alice.Send(ctx, failTransport{}, "bob@example", []byte("lost")); err == nil {
		t.Fatal("send over dead transport succeeded")
	}

	after, err := alice.store.LoadSession(addr)
	if err != nil || after == nil {
		t.Fatalf("reload session: %v", err)
	}
	if after.Ns != before.Ns {
		t.Fatalf("counter advanced despite failed delivery: %d -> %d", before.Ns, after.Ns)
	}

	// A working transport commits.
	ok := &chanTransport{from: "alice@example", ch: make(chan *Incoming, 1)}
	if err := alice.Send(ctx, ok, "bob@example", []byte("delivered")); err != nil {
		t.Fatalf("send: %v", err)
	}
	after, _ = alice.store.LoadSession(addr)
	if after.Ns != before.Ns+1 {
		t.Fatalf("counter = %d, want %d", after.Ns, before.Ns+1)
	}
}

func TestReceiveLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dir := newTestDirectory()

	alice := newTestManager(t, "alice@example", 5000, WithDirectory(dir))
	bob := newTestManager(t, "bob@example", 9000)
	dir.register(bob)

	if err := alice.UpdateDeviceList("bob@example", []uint32{9001}); err != nil {
		t.Fatal(err)
	}

	tr := &chanTransport{from: "alice@example", ch: make(chan *Incoming, 4)}
	for _, text := range []string{"one", "two"} {
		if err := alice.Send(ctx, tr, "bob@example", []byte(text)); err != nil {
			t.Fatalf("send %q: %v", text, err)
		}
	}
	close(tr.ch)

	var got []string
	for msg, err := range bob.Receive(ctx, tr) {
		if err != nil {
			t.Fatalf("receive: %v", err)
		}
		if msg.From != "alice@example" || msg.FromDevice != 5001 {
			t.Fatalf("message addressing: %+v", msg)
		}
		got = append(got, string(msg.Plaintext))
	}
	if len(got) != 2 || got[0] != "one" || got[1] != "two" {
		t.Fatalf("received %v", got)
	}
}

func TestEmptyMessageRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := newTestDirectory()

	alice := newTestManager(t, "alice@example", 5000, WithDirectory(dir))
	bob := newTestManager(t, "bob@example", 9000)
	dir.register(bob)

	if err := alice.UpdateDeviceList("bob@example", []uint32{9001}); err != nil {
		t.Fatal(err)
	}

	env, err := alice.EncryptMessage(ctx, "bob@example", []byte{})
	if err != nil {
		t.Fatalf("encrypt empty message: %v", err)
	}
	plaintext, err := bob.DecryptEnvelope("alice@example", env)
	if err != nil {
		t.Fatalf("decrypt empty message: %v", err)
	}
	// nil means "no key addressed to us"; an empty message must come back
	// as a non-nil empty slice.
	if plaintext == nil {
		t.Fatal("empty message decrypted to nil")
	}
	if len(plaintext) != 0 {
		t.Fatalf("plaintext = %q, want empty", plaintext)
	}

	// The receive loop must deliver it rather than drop it.
	tr := &chanTransport{from: "alice@example", ch: make(chan *Incoming, 1)}
	if err := alice.Send(ctx, tr, "bob@example", []byte{}); err != nil {
		t.Fatalf("send empty message: %v", err)
	}
	close(tr.ch)

	var got int
	for msg, err := range bob.Receive(ctx, tr) {
		if err != nil {
			t.Fatalf("receive: %v", err)
		}
		if len(msg.Plaintext) != 0 {
			t.Fatalf("plaintext = %q, want empty", msg.Plaintext)
		}
		got++
	}
	if got != 1 {
		t.Fatalf("received %d messages, want 1", got)
	}
}

// seqReader yields a deterministic byte sequence.
type seqReader struct{ next byte }

func (r *seqReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = r.next
		r.next++
	}
	return len(p), nil
}

func TestWithRandControlsPayloadMaterial(t *testing.T) {
	ctx := context.Background()
	dir := newTestDirectory()

	alice := newTestManager(t, "alice@example", 5000,
		WithDirectory(dir), WithRand(&seqReader{}))
	bob := newTestManager(t, "bob@example", 9000)
	dir.register(bob)

	if err := alice.UpdateDeviceList("bob@example", []uint32{9001}); err != nil {
		t.Fatal(err)
	}

	env, err := alice.EncryptMessage(ctx, "bob@example", []byte("hi"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	// The reader serves the 16-byte payload key first, then the IV.
	want := make([]byte, 12)
	for i := range want {
		want[i] = byte(16 + i)
	}
	if !bytes.Equal(env.IV, want) {
		t.Fatalf("iv = %x, want %x", env.IV, want)
	}

	// The deterministic payload material still decrypts.
	if pt, err := bob.DecryptEnvelope("alice@example", env); err != nil || string(pt) != "hi" {
		t.Fatalf("decrypt = %q, %v", pt, err)
	}
}

func TestFormatFingerprint(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	got := FormatFingerprint(key)
	want := "00010203 04050607 08090a0b 0c0d0e0f 10111213 14151617 18191a1b 1c1d1e1f"
	if got != want {
		t.Fatalf("fingerprint = %q, want %q", got, want)
	}
}
