package axolotl

// The engine consumes storage through these interfaces; the concrete
// implementation is an embedded database, with an in-memory variant for
// tests.

// IdentityStore holds our own long-term identity and the identity keys
// observed for peers.
type IdentityStore interface {
	IdentityKeyPair() (*IdentityKeyPair, error)
	LocalRegistrationID() (uint32, error)

	// SaveIdentity records a peer identity key. It reports whether the
	// (name, key) pair was newly inserted; re-saving is a no-op and
	// never changes an existing record's trust.
	SaveIdentity(name string, key IdentityKey) (bool, error)
}

// PreKeyStore holds one-time prekeys.
type PreKeyStore interface {
	LoadPreKey(id uint32) (*PreKeyRecord, error) // nil, nil when absent
	StorePreKey(rec *PreKeyRecord) error
	RemovePreKey(id uint32) error
	ContainsPreKey(id uint32) (bool, error)
}

// SignedPreKeyStore holds signed prekeys.
type SignedPreKeyStore interface {
	LoadSignedPreKey(id uint32) (*SignedPreKeyRecord, error) // nil, nil when absent
	StoreSignedPreKey(rec *SignedPreKeyRecord) error
	RemoveSignedPreKey(id uint32) error
	ContainsSignedPreKey(id uint32) (bool, error)
}

// SessionStore holds Double Ratchet session records keyed by address.
type SessionStore interface {
	LoadSession(addr Address) (*SessionRecord, error) // nil, nil when absent
	StoreSession(addr Address, rec *SessionRecord) error
	ContainsSession(addr Address) (bool, error)
	DeleteSession(addr Address) error
	DeleteAllSessions(name string) error
}

// ProtocolStore bundles everything the engine needs.
type ProtocolStore interface {
	IdentityStore
	PreKeyStore
	SignedPreKeyStore
	SessionStore
}
