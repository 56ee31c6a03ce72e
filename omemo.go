// Package omemo is a host-agnostic core for OMEMO-style Double Ratchet
// end-to-end encryption: identity and prekey management, per-device
// sessions, device lists, trust decisions and per-recipient fan-out of
// encrypted payloads. The host supplies transport and directory
// collaborators; this package never talks to a server on its own.
package omemo

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/omemo-im/omemo-go/internal/axolotl"
	"github.com/omemo-im/omemo-go/internal/devices"
	"github.com/omemo-im/omemo-go/internal/store"
	"github.com/omemo-im/omemo-go/internal/wire"
)

// Aliases so callers never import internal packages.
type (
	// Address identifies one device of one account.
	Address = axolotl.Address
	// PreKeyBundle is the published material needed to start a session.
	PreKeyBundle = axolotl.PreKeyBundle
	// Envelope is the fan-out unit delivered by the transport.
	Envelope = wire.Envelope
	// MessageKey is one device's wrapped copy of a payload key.
	MessageKey = wire.MessageKey
	// TrustState is the authorization level of one peer identity key.
	TrustState = store.TrustState
)

// Trust states, in the order a key moves through them.
const (
	Undecided  = store.Undecided
	Trusted    = store.Trusted
	NotTrusted = store.NotTrusted
	Verified   = store.Verified
)

// Failure kinds, re-exported for errors.Is at the API boundary.
var (
	ErrNoDevices         = devices.ErrNoDevices
	ErrNoSession         = axolotl.ErrNoSession
	ErrDuplicateMessage  = axolotl.ErrDuplicateMessage
	ErrInvalidMessage    = axolotl.ErrInvalidMessage
	ErrInvalidBundle     = axolotl.ErrInvalidBundle
	ErrUntrustedIdentity = axolotl.ErrUntrustedIdentity
)

// Directory publishes our device list and fetches peers' bundles and
// device lists. Implementations wrap whatever discovery the host uses.
type Directory interface {
	FetchBundle(ctx context.Context, name string, deviceID uint32) (*PreKeyBundle, error)
	FetchDeviceList(ctx context.Context, name string) ([]uint32, error)
	PublishDeviceList(ctx context.Context, name string, deviceIDs []uint32) error
}

// Incoming is one envelope received from the transport.
type Incoming struct {
	From     string
	Envelope *Envelope
}

// Transport delivers and receives envelopes. Deliver must not return
// before the envelope is handed off; session state is committed only
// after it returns nil.
type Transport interface {
	Deliver(ctx context.Context, to string, env *Envelope) error
	Receive(ctx context.Context) iter.Seq2[*Incoming, error]
	Close() error
}

const initialPreKeyCount = 100

// Manager is the per-account encryption core. All operations on one
// Manager are serialized on an internal lock; separate accounts get
// separate Managers and run in parallel.
type Manager struct {
	mu  sync.Mutex
	log *slog.Logger

	name    string
	store   *store.Store
	devices *devices.Manager

	directory Directory
	observer  Observer

	clock func() time.Time
	rand  io.Reader
}

// Option configures a Manager.
type Option func(*options)

type options struct {
	log       *slog.Logger
	directory Directory
	observer  Observer
	clock     func() time.Time
	rand      io.Reader
	regID     uint32
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithDirectory sets the bundle/device-list directory. Without one,
// devices we hold no session for are skipped during fan-out.
func WithDirectory(d Directory) Option {
	return func(o *options) { o.directory = d }
}

// WithObserver sets the event observer.
func WithObserver(obs Observer) Option {
	return func(o *options) { o.observer = obs }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

// WithRand overrides the randomness source for payload keys and IVs,
// for tests. Identity, prekey and ratchet key generation always draws
// from crypto/rand.
func WithRand(r io.Reader) Option {
	return func(o *options) { o.rand = r }
}

// WithRegistrationID fixes the registration id on first run. Has no
// effect when the store already holds an identity with the same id;
// fails when it holds a different one.
func WithRegistrationID(regID uint32) Option {
	return func(o *options) { o.regID = regID }
}

// New opens (or initializes) the store at dbPath and returns a ready
// Manager for the account name. First run generates the identity key
// pair, registration id, a signed prekey and an initial prekey batch.
func New(name, dbPath string, opts ...Option) (*Manager, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = slog.Default()
	}
	if o.clock == nil {
		o.clock = time.Now
	}
	if o.rand == nil {
		o.rand = rand.Reader
	}

	st, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}

	if o.regID != 0 {
		if err := st.SetLocalRegistrationID(o.regID); err != nil {
			existing, lerr := st.LocalRegistrationID()
			if lerr != nil || existing != o.regID {
				st.Close()
				return nil, err
			}
		}
	}
	if _, _, err := st.GetOrCreateLocalIdentity(); err != nil {
		st.Close()
		return nil, err
	}

	dm, err := devices.New(st, name, o.log)
	if err != nil {
		st.Close()
		return nil, err
	}

	m := &Manager{
		log:       o.log,
		name:      name,
		store:     st,
		devices:   dm,
		directory: o.directory,
		observer:  o.observer,
		clock:     o.clock,
		rand:      o.rand,
	}
	if err := m.provision(); err != nil {
		st.Close()
		return nil, err
	}
	return m, nil
}

// provision tops up key material on first run.
func (m *Manager) provision() error {
	spk, err := m.store.CurrentSignedPreKey()
	if err != nil {
		return err
	}
	if spk == nil {
		if err := m.rotateSignedPreKeyLocked(); err != nil {
			return err
		}
	}
	first, err := m.store.FirstPreKey()
	if err != nil {
		return err
	}
	if first == nil {
		if err := m.generatePreKeysLocked(initialPreKeyCount); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying store.
func (m *Manager) Close() error {
	return m.store.Close()
}

// Name returns the account address this Manager serves.
func (m *Manager) Name() string { return m.name }

// OwnDevice returns our own device id, derived from the registration id
// and stable across restarts.
func (m *Manager) OwnDevice() uint32 { return m.devices.OwnDevice() }

func (m *Manager) emit(ev Event) {
	if m.observer != nil {
		m.observer.HandleEvent(ev)
	}
}

// wsTransport adapts a framed WebSocket connection to the Transport
// interface.
type wsTransport struct {
	conn *wire.Conn
	from string
}

// DialTransport connects the reference WebSocket transport. from is
// stamped on every outgoing frame.
func DialTransport(ctx context.Context, url, from string) (Transport, error) {
	conn, err := wire.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return &wsTransport{conn: conn, from: from}, nil
}

func (t *wsTransport) Deliver(ctx context.Context, to string, env *Envelope) error {
	return t.conn.WriteFrame(ctx, &wire.Frame{From: t.from, To: to, Envelope: env.Marshal()})
}

func (t *wsTransport) Receive(ctx context.Context) iter.Seq2[*Incoming, error] {
	return func(yield func(*Incoming, error) bool) {
		for f, err := range t.conn.Frames(ctx) {
			if err != nil {
				yield(nil, err)
				return
			}
			env, err := wire.ParseEnvelope(f.Envelope)
			if err != nil {
				yield(nil, fmt.Errorf("frame from %s: %w", f.From, err))
				return
			}
			if !yield(&Incoming{From: f.From, Envelope: env}, nil) {
				return
			}
		}
	}
}

func (t *wsTransport) Close() error { return t.conn.Close() }
