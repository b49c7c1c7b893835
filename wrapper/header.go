package wrapper

import (
	"encoding/binary"

	"github.com/cybroslabs/dlms-engine/base"
)

const (
	HeaderLength = 8
	Version      = 1
	maxPayload   = 0xffff
)

type Header struct {
	Version     uint16
	Source      uint16
	Destination uint16
	Length      uint16
}

func (h Header) Encode() []byte {
	out := make([]byte, HeaderLength)
	binary.BigEndian.PutUint16(out, h.Version)
	binary.BigEndian.PutUint16(out[2:], h.Source)
	binary.BigEndian.PutUint16(out[4:], h.Destination)
	binary.BigEndian.PutUint16(out[6:], h.Length)
	return out
}

func parseheader(src []byte) (h Header, err error) {
	if len(src) < HeaderLength {
		return h, base.NewFrameInvalid("too short wrapper header: %d bytes", len(src))
	}
	h.Version = binary.BigEndian.Uint16(src)
	h.Source = binary.BigEndian.Uint16(src[2:])
	h.Destination = binary.BigEndian.Uint16(src[4:])
	h.Length = binary.BigEndian.Uint16(src[6:])
	if h.Version != Version {
		return h, base.NewFrameInvalid("invalid header version %d", h.Version)
	}
	return h, nil
}

// DecodeHeader decodes one whole wrapper message and returns its header and payload,
// the length field has to match the bytes following the header exactly.
func DecodeHeader(src []byte) (Header, []byte, error) {
	h, err := parseheader(src)
	if err != nil {
		return h, nil, err
	}
	if int(h.Length) != len(src)-HeaderLength {
		return h, nil, base.NewFrameInvalid("length %d does not match %d payload bytes", h.Length, len(src)-HeaderLength)
	}
	return h, src[HeaderLength:], nil
}
