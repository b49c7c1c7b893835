package hdlc

import (
	"fmt"

	"github.com/cybroslabs/dlms-engine/base"
)

const (
	MinInfoLength = 128
	MaxInfoLength = 2030
	MinWindow     = 1
	MaxWindow     = 7

	paramFormat       = 0x81
	paramGroupHdlc    = 0x80
	paramGroupUser    = 0xf0
	paramMaxTransmit  = 0x05
	paramMaxReceive   = 0x06
	paramTransmitWind = 0x07
	paramReceiveWind  = 0x08
)

// Parameters are the link parameters exchanged in SNRM and UA, seen from the side that
// sends them.
type Parameters struct {
	MaxTransmitInfoLength uint16
	MaxReceiveInfoLength  uint16
	TransmitWindow        uint8
	ReceiveWindow         uint8
}

func DefaultParameters() Parameters {
	return Parameters{
		MaxTransmitInfoLength: MinInfoLength,
		MaxReceiveInfoLength:  MinInfoLength,
		TransmitWindow:        MinWindow,
		ReceiveWindow:         MinWindow,
	}
}

func clamp[T uint8 | uint16](v T, lo T, hi T) T {
	return max(lo, min(v, hi))
}

// Bounded clamps every parameter into the protocol range.
func (p Parameters) Bounded() Parameters {
	return Parameters{
		MaxTransmitInfoLength: clamp(p.MaxTransmitInfoLength, MinInfoLength, MaxInfoLength),
		MaxReceiveInfoLength:  clamp(p.MaxReceiveInfoLength, MinInfoLength, MaxInfoLength),
		TransmitWindow:        clamp(p.TransmitWindow, MinWindow, MaxWindow),
		ReceiveWindow:         clamp(p.ReceiveWindow, MinWindow, MaxWindow),
	}
}

// Negotiate intersects local capabilities with the parameters announced by the peer. The
// peer's receive limits bound what we transmit and vice versa.
func (p Parameters) Negotiate(peer Parameters) Parameters {
	return Parameters{
		MaxTransmitInfoLength: min(p.MaxTransmitInfoLength, peer.MaxReceiveInfoLength),
		MaxReceiveInfoLength:  min(p.MaxReceiveInfoLength, peer.MaxTransmitInfoLength),
		TransmitWindow:        min(p.TransmitWindow, peer.ReceiveWindow),
		ReceiveWindow:         min(p.ReceiveWindow, peer.TransmitWindow),
	}.Bounded()
}

func (p Parameters) String() string {
	return fmt.Sprintf("tx %d/%d, rx %d/%d", p.MaxTransmitInfoLength, p.TransmitWindow, p.MaxReceiveInfoLength, p.ReceiveWindow)
}

func putparam(dst []byte, id byte, v uint32) []byte {
	switch {
	case v <= 0xff:
		return append(dst, id, 1, byte(v))
	case v <= 0xffff:
		return append(dst, id, 2, byte(v>>8), byte(v))
	}
	return append(dst, id, 4, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

// Encode produces the SNRM/UA information field.
func (p Parameters) Encode() []byte {
	out := make([]byte, 3, 23)
	out[0] = paramFormat
	out[1] = paramGroupHdlc
	out = putparam(out, paramMaxTransmit, uint32(p.MaxTransmitInfoLength))
	out = putparam(out, paramMaxReceive, uint32(p.MaxReceiveInfoLength))
	out = putparam(out, paramTransmitWind, uint32(p.TransmitWindow))
	out = putparam(out, paramReceiveWind, uint32(p.ReceiveWindow))
	out[2] = byte(len(out) - 3)
	return out
}

func readparam(t []byte) (int, uint32, error) {
	if len(t) < 1 {
		return 0, 0, base.NewFrameInvalid("too short parameter")
	}
	l := int(t[0])
	switch l {
	case 1, 2, 4:
	default:
		return 0, 0, base.NewFrameInvalid("invalid parameter length %d", l)
	}
	if len(t) < l+1 {
		return 0, 0, base.NewFrameInvalid("too short parameter")
	}
	v := uint32(0)
	for _, b := range t[1 : l+1] {
		v = v<<8 | uint32(b)
	}
	return l + 1, v, nil
}

// DecodeParameters parses the SNRM/UA information field, missing values keep their
// defaults. An empty field yields the defaults.
func DecodeParameters(src []byte) (Parameters, error) {
	p := DefaultParameters()
	if len(src) == 0 {
		return p, nil
	}
	if src[0] != paramFormat {
		return p, base.NewFrameInvalid("information field is no parameter negotiation: %02x", src[0])
	}
	src = src[1:]
	for len(src) > 0 {
		if len(src) < 2 || int(src[1]) > len(src)-2 {
			return p, base.NewFrameInvalid("invalid parameter group length")
		}
		group := src[0]
		data := src[2 : 2+int(src[1])]
		src = src[2+int(src[1]):]
		if group == paramGroupUser { // user defined, skip
			continue
		}
		if group != paramGroupHdlc {
			return p, base.NewFrameInvalid("unknown parameter group %02x", group)
		}
		for len(data) > 0 {
			id := data[0]
			n, v, err := readparam(data[1:])
			if err != nil {
				return p, err
			}
			data = data[1+n:]
			switch id {
			case paramMaxTransmit:
				p.MaxTransmitInfoLength = uint16(min(v, 0xffff))
			case paramMaxReceive:
				p.MaxReceiveInfoLength = uint16(min(v, 0xffff))
			case paramTransmitWind:
				p.TransmitWindow = uint8(min(v, 0xff))
			case paramReceiveWind:
				p.ReceiveWindow = uint8(min(v, 0xff))
			default:
				return p, base.NewFrameInvalid("unknown parameter %02x", id)
			}
		}
	}
	return p, nil
}
