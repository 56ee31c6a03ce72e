// Package wire defines the envelope that carries one encrypted message to
// many devices, and a WebSocket transport that frames envelopes between
// accounts.
package wire

import (
	"errors"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrInvalidEnvelope is returned when envelope or frame bytes cannot be
// decoded.
var ErrInvalidEnvelope = errors.New("wire: invalid envelope")

// IVSize is the length of the payload nonce.
const IVSize = 12

// MessageKey is one recipient device's wrapped copy of the payload key.
type MessageKey struct {
	RecipientDevice uint32
	// PreKey marks a session-establishing wrapped key; the recipient must
	// run the handshake path before ratcheting.
	PreKey  bool
	Wrapped []byte
}

// Envelope is the fan-out unit: one symmetric payload plus a wrapped key
// per recipient device.
//
// message MessageKey {            message Envelope {
//   uint32 recipient_device = 1;    uint32 sender_device = 1;
//   bool   pre_key          = 2;    bytes  iv            = 2;
//   bytes  wrapped          = 3;    bytes  payload       = 3;
// }                                 repeated MessageKey keys = 4;
//                                 }
type Envelope struct {
	SenderDevice uint32
	IV           []byte
	Payload      []byte
	Keys         []MessageKey
}

// KeyFor returns the wrapped key addressed to deviceID, or nil when the
// envelope carries no copy for it.
func (e *Envelope) KeyFor(deviceID uint32) *MessageKey {
	for i := range e.Keys {
		if e.Keys[i].RecipientDevice == deviceID {
			return &e.Keys[i]
		}
	}
	return nil
}

// Marshal serializes the envelope to protobuf wire format.
func (e *Envelope) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.SenderDevice))
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, e.IV)
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendBytes(b, e.Payload)
	for _, k := range e.Keys {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeMessageKey(k))
	}
	return b
}

func encodeMessageKey(k MessageKey) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(k.RecipientDevice))
	if k.PreKey {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendBytes(b, k.Wrapped)
	return b
}

// ParseEnvelope decodes an envelope from protobuf wire format.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	var sawIV, sawPayload bool
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, ErrInvalidEnvelope
		}
		data = data[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, ErrInvalidEnvelope
			}
			e.SenderDevice = uint32(v)
			data = data[n:]
		case 2:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 || len(v) != IVSize {
				return nil, ErrInvalidEnvelope
			}
			e.IV = append([]byte(nil), v...)
			sawIV = true
			data = data[n:]
		case 3:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, ErrInvalidEnvelope
			}
			e.Payload = append([]byte(nil), v...)
			sawPayload = true
			data = data[n:]
		case 4:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, ErrInvalidEnvelope
			}
			k, err := decodeMessageKey(v)
			if err != nil {
				return nil, err
			}
			e.Keys = append(e.Keys, k)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, ErrInvalidEnvelope
			}
			data = data[n:]
		}
	}
	if e.SenderDevice == 0 || !sawIV || !sawPayload {
		return nil, ErrInvalidEnvelope
	}
	return &e, nil
}

func decodeMessageKey(data []byte) (MessageKey, error) {
	var k MessageKey
	var sawWrapped bool
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return MessageKey{}, ErrInvalidEnvelope
		}
		data = data[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return MessageKey{}, ErrInvalidEnvelope
			}
			k.RecipientDevice = uint32(v)
			data = data[n:]
		case 2:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return MessageKey{}, ErrInvalidEnvelope
			}
			k.PreKey = v != 0
			data = data[n:]
		case 3:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return MessageKey{}, ErrInvalidEnvelope
			}
			k.Wrapped = append([]byte(nil), v...)
			sawWrapped = true
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return MessageKey{}, ErrInvalidEnvelope
			}
			data = data[n:]
		}
	}
	if k.RecipientDevice == 0 || !sawWrapped {
		return MessageKey{}, ErrInvalidEnvelope
	}
	return k, nil
}
