package axolotl

import (
	"google.golang.org/protobuf/encoding/protowire"
)

// Wrapped-key blobs travel inside the envelope as protobuf wire format.
//
// message KeyMessage {         message PreKeyMessage {
//   bytes  ratchet_key = 1;      uint32 registration_id = 1;
//   uint32 pn          = 2;      uint32 pre_key_id      = 2;
//   uint32 n           = 3;      uint32 signed_pre_key_id = 3;
//   bytes  ciphertext  = 4;      bytes  base_key        = 4;
// }                              bytes  identity_key    = 5;
//                                bytes  message         = 6;
//                              }

type preKeyMessage struct {
	RegistrationID uint32
	PreKeyID       uint32
	SignedPreKeyID uint32
	BaseKey        [32]byte
	Identity       IdentityKey
	Message        []byte
}

func encodeKeyMessage(h header, ciphertext []byte) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, h.DHPub[:])
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(h.PN))
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(h.N))
	b = protowire.AppendTag(b, 4, protowire.BytesType)
	b = protowire.AppendBytes(b, ciphertext)
	return b
}

func decodeKeyMessage(data []byte) (header, []byte, error) {
	var h header
	var ct []byte
	var sawKey bool
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return header{}, nil, ErrInvalidMessage
		}
		data = data[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 || len(v) != 32 {
				return header{}, nil, ErrInvalidMessage
			}
			copy(h.DHPub[:], v)
			sawKey = true
			data = data[n:]
		case 2:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return header{}, nil, ErrInvalidMessage
			}
			h.PN = uint32(v)
			data = data[n:]
		case 3:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return header{}, nil, ErrInvalidMessage
			}
			h.N = uint32(v)
			data = data[n:]
		case 4:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return header{}, nil, ErrInvalidMessage
			}
			ct = append([]byte(nil), v...)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return header{}, nil, ErrInvalidMessage
			}
			data = data[n:]
		}
	}
	if !sawKey || ct == nil {
		return header{}, nil, ErrInvalidMessage
	}
	return h, ct, nil
}

func encodePreKeyMessage(m *preKeyMessage) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.RegistrationID))
	if m.PreKeyID != 0 {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.PreKeyID))
	}
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.SignedPreKeyID))
	b = protowire.AppendTag(b, 4, protowire.BytesType)
	b = protowire.AppendBytes(b, m.BaseKey[:])
	b = protowire.AppendTag(b, 5, protowire.BytesType)
	b = protowire.AppendBytes(b, m.Identity.Bytes())
	b = protowire.AppendTag(b, 6, protowire.BytesType)
	b = protowire.AppendBytes(b, m.Message)
	return b
}

func decodePreKeyMessage(data []byte) (*preKeyMessage, error) {
	var m preKeyMessage
	var sawBase, sawIdentity bool
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, ErrInvalidMessage
		}
		data = data[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, ErrInvalidMessage
			}
			m.RegistrationID = uint32(v)
			data = data[n:]
		case 2:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, ErrInvalidMessage
			}
			m.PreKeyID = uint32(v)
			data = data[n:]
		case 3:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, ErrInvalidMessage
			}
			m.SignedPreKeyID = uint32(v)
			data = data[n:]
		case 4:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 || len(v) != 32 {
				return nil, ErrInvalidMessage
			}
			copy(m.BaseKey[:], v)
			sawBase = true
			data = data[n:]
		case 5:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, ErrInvalidMessage
			}
			key, err := ParseIdentityKey(v)
			if err != nil {
				return nil, ErrInvalidMessage
			}
			m.Identity = key
			sawIdentity = true
			data = data[n:]
		case 6:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, ErrInvalidMessage
			}
			m.Message = append([]byte(nil), v...)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, ErrInvalidMessage
			}
			data = data[n:]
		}
	}
	if !sawBase || !sawIdentity || m.Message == nil {
		return nil, ErrInvalidMessage
	}
	return &m, nil
}

// PeekPreKeyIdentity extracts the sender's identity key from a prekey
// message without decrypting it, so the caller can record it (and raise a
// new-fingerprint event) before attempting decryption.
func PeekPreKeyIdentity(data []byte) (IdentityKey, error) {
	m, err := decodePreKeyMessage(data)
	if err != nil {
		return IdentityKey{}, err
	}
	return m.Identity, nil
}
