package axolotl

// MemoryStore is an in-memory ProtocolStore for tests and ephemeral use.
// Loads return clones so the caller owns what it mutates.
type MemoryStore struct {
	identity       *IdentityKeyPair
	registrationID uint32
	identities     map[string][]IdentityKey
	preKeys        map[uint32]*PreKeyRecord
	signedPreKeys  map[uint32]*SignedPreKeyRecord
	sessions       map[Address]*SessionRecord
}

var _ ProtocolStore = (*MemoryStore)(nil)

// NewMemoryStore creates a store around an existing local identity.
func NewMemoryStore(identity *IdentityKeyPair, registrationID uint32) *MemoryStore {
	return &MemoryStore{
		identity:       identity,
		registrationID: registrationID,
		identities:     map[string][]IdentityKey{},
		preKeys:        map[uint32]*PreKeyRecord{},
		signedPreKeys:  map[uint32]*SignedPreKeyRecord{},
		sessions:       map[Address]*SessionRecord{},
	}
}

func (s *MemoryStore) IdentityKeyPair() (*IdentityKeyPair, error) {
	return s.identity, nil
}

func (s *MemoryStore) LocalRegistrationID() (uint32, error) {
	return s.registrationID, nil
}

func (s *MemoryStore) SaveIdentity(name string, key IdentityKey) (bool, error) {
	for _, k := range s.identities[name] {
		if k.Equal(key) {
			return false, nil
		}
	}
	s.identities[name] = append(s.identities[name], key)
	return true, nil
}

// IdentityKeys returns every identity key observed for name.
func (s *MemoryStore) IdentityKeys(name string) []IdentityKey {
	return s.identities[name]
}

func (s *MemoryStore) LoadPreKey(id uint32) (*PreKeyRecord, error) {
	rec := s.preKeys[id]
	if rec == nil {
		return nil, nil
	}
	c := *rec
	return &c, nil
}

func (s *MemoryStore) StorePreKey(rec *PreKeyRecord) error {
	s.preKeys[rec.ID] = rec
	return nil
}

func (s *MemoryStore) RemovePreKey(id uint32) error {
	delete(s.preKeys, id)
	return nil
}

func (s *MemoryStore) ContainsPreKey(id uint32) (bool, error) {
	_, ok := s.preKeys[id]
	return ok, nil
}

func (s *MemoryStore) LoadSignedPreKey(id uint32) (*SignedPreKeyRecord, error) {
	rec := s.signedPreKeys[id]
	if rec == nil {
		return nil, nil
	}
	c := *rec
	return &c, nil
}

func (s *MemoryStore) StoreSignedPreKey(rec *SignedPreKeyRecord) error {
	s.signedPreKeys[rec.ID] = rec
	return nil
}

func (s *MemoryStore) RemoveSignedPreKey(id uint32) error {
	delete(s.signedPreKeys, id)
	return nil
}

func (s *MemoryStore) ContainsSignedPreKey(id uint32) (bool, error) {
	_, ok := s.signedPreKeys[id]
	return ok, nil
}

func (s *MemoryStore) LoadSession(addr Address) (*SessionRecord, error) {
	rec := s.sessions[addr]
	if rec == nil {
		return nil, nil
	}
	return rec.clone(), nil
}

func (s *MemoryStore) StoreSession(addr Address, rec *SessionRecord) error {
	s.sessions[addr] = rec.clone()
	return nil
}

func (s *MemoryStore) ContainsSession(addr Address) (bool, error) {
	_, ok := s.sessions[addr]
	return ok, nil
}

func (s *MemoryStore) DeleteSession(addr Address) error {
	delete(s.sessions, addr)
	return nil
}

func (s *MemoryStore) DeleteAllSessions(name string) error {
	for addr := range s.sessions {
		if addr.Name == name {
			delete(s.sessions, addr)
		}
	}
	return nil
}
