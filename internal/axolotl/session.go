package axolotl

import "encoding/json"

// DefaultMaxSkip is the skipped-message-key window: how far ahead of the
// receiving chain a message counter may run before it is rejected.
const DefaultMaxSkip = 1000

// PendingPreKey is the handshake material an initiator keeps attaching to
// outgoing messages until the first reply proves the session is complete.
type PendingPreKey struct {
	PreKeyID       uint32   `json:"preKeyId"`
	SignedPreKeyID uint32   `json:"signedPreKeyId"`
	BaseKey        [32]byte `json:"baseKey"`
}

// SessionRecord is the full Double Ratchet state for one (peer, device).
// It is opaque to every component except this package; the store persists
// it as a serialized blob.
type SessionRecord struct {
	RemoteIdentity IdentityKey `json:"remoteIdentity"`

	// RemoteBaseKey is the initiator's ephemeral base key, kept on the
	// responder side to recognize retransmitted first flights.
	RemoteBaseKey [32]byte `json:"remoteBaseKey"`

	Root      []byte   `json:"root"`
	DHPriv    [32]byte `json:"dhPriv"`
	DHPub     [32]byte `json:"dhPub"`
	PeerDH    [32]byte `json:"peerDh"`
	SendChain []byte   `json:"sendChain"`
	RecvChain []byte   `json:"recvChain"`

	Ns uint32 `json:"ns"` // next send counter
	Nr uint32 `json:"nr"` // next receive counter
	PN uint32 `json:"pn"` // sends on the previous chain

	// Skipped maps hex(ratchet pub || counter) to stashed message keys
	// for out-of-order delivery.
	Skipped map[string][]byte `json:"skipped"`

	MaxSkip int `json:"maxSkip"`

	Pending *PendingPreKey `json:"pending,omitempty"`
}

// Marshal serializes the record for persistence.
func (r *SessionRecord) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// ParseSessionRecord reconstructs a record from its serialized form.
func ParseSessionRecord(data []byte) (*SessionRecord, error) {
	var r SessionRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	if r.Skipped == nil {
		r.Skipped = make(map[string][]byte)
	}
	return &r, nil
}

// clone returns a deep copy. Decryption works on a clone so that a failed
// attempt leaves the stored state untouched.
func (r *SessionRecord) clone() *SessionRecord {
	c := *r
	c.Root = append([]byte(nil), r.Root...)
	c.SendChain = append([]byte(nil), r.SendChain...)
	c.RecvChain = append([]byte(nil), r.RecvChain...)
	c.Skipped = make(map[string][]byte, len(r.Skipped))
	for k, v := range r.Skipped {
		c.Skipped[k] = append([]byte(nil), v...)
	}
	if r.Pending != nil {
		p := *r.Pending
		c.Pending = &p
	}
	return &c
}

func (r *SessionRecord) maxSkip() uint32 {
	if r.MaxSkip <= 0 {
		return DefaultMaxSkip
	}
	return uint32(r.MaxSkip)
}
