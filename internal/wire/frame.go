package wire

import "google.golang.org/protobuf/encoding/protowire"

// Frame addresses one envelope on the transport.
//
// message Frame {
//   string from     = 1;
//   string to       = 2;
//   bytes  envelope = 3;
// }
type Frame struct {
	From     string
	To       string
	Envelope []byte
}

// Marshal serializes the frame to protobuf wire format.
func (f *Frame) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, f.From)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, f.To)
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendBytes(b, f.Envelope)
	return b
}

// ParseFrame decodes a frame from protobuf wire format.
func ParseFrame(data []byte) (*Frame, error) {
	var f Frame
	var sawEnvelope bool
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, ErrInvalidEnvelope
		}
		data = data[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, ErrInvalidEnvelope
			}
			f.From = v
			data = data[n:]
		case 2:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, ErrInvalidEnvelope
			}
			f.To = v
			data = data[n:]
		case 3:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, ErrInvalidEnvelope
			}
			f.Envelope = append([]byte(nil), v...)
			sawEnvelope = true
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, ErrInvalidEnvelope
			}
			data = data[n:]
		}
	}
	if f.From == "" || !sawEnvelope {
		return nil, ErrInvalidEnvelope
	}
	return &f, nil
}
