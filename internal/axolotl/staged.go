package axolotl

// Staged buffers session writes and prekey removals over a backing store.
// A fan-out encrypts against a Staged store and commits only once the
// envelope has been handed off, so a cancelled fan-out never leaves a
// session counter advanced past ciphertext that was actually emitted.
type Staged struct {
	ProtocolStore

	sessions map[Address]*SessionRecord
	removed  map[uint32]bool
}

var _ ProtocolStore = (*Staged)(nil)

// NewStaged wraps st with a write buffer.
func NewStaged(st ProtocolStore) *Staged {
	return &Staged{
		ProtocolStore: st,
		sessions:      map[Address]*SessionRecord{},
		removed:       map[uint32]bool{},
	}
}

func (s *Staged) LoadSession(addr Address) (*SessionRecord, error) {
	if rec, ok := s.sessions[addr]; ok {
		return rec.clone(), nil
	}
	return s.ProtocolStore.LoadSession(addr)
}

func (s *Staged) StoreSession(addr Address, rec *SessionRecord) error {
	s.sessions[addr] = rec.clone()
	return nil
}

func (s *Staged) ContainsSession(addr Address) (bool, error) {
	if _, ok := s.sessions[addr]; ok {
		return true, nil
	}
	return s.ProtocolStore.ContainsSession(addr)
}

func (s *Staged) LoadPreKey(id uint32) (*PreKeyRecord, error) {
	if s.removed[id] {
		return nil, nil
	}
	return s.ProtocolStore.LoadPreKey(id)
}

func (s *Staged) RemovePreKey(id uint32) error {
	s.removed[id] = true
	return nil
}

// Commit flushes the buffered writes to the backing store.
func (s *Staged) Commit() error {
	for addr, rec := range s.sessions {
		if err := s.ProtocolStore.StoreSession(addr, rec); err != nil {
			return err
		}
	}
	for id := range s.removed {
		if err := s.ProtocolStore.RemovePreKey(id); err != nil {
			return err
		}
	}
	s.sessions = map[Address]*SessionRecord{}
	s.removed = map[uint32]bool{}
	return nil
}
