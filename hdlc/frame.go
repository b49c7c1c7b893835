package hdlc

import (
	"fmt"

	"github.com/cybroslabs/dlms-engine/base"
)

const (
	flag           = 0x7e
	formatType     = 0xa0
	segmentBit     = 0x08
	pollFinalBit   = 0x10
	maxFrameLength = 0x7ff // 11 bits of format field
	minFrameLength = 7     // format, 1+1 address, control, fcs
)

type FrameType byte

const (
	FrameI FrameType = iota
	FrameRR
	FrameRNR
	FrameSNRM
	FrameDISC
	FrameUA
	FrameDM
	FrameFRMR
	FrameUI
)

func (t FrameType) String() string {
	switch t {
	case FrameI:
		return "I"
	case FrameRR:
		return "RR"
	case FrameRNR:
		return "RNR"
	case FrameSNRM:
		return "SNRM"
	case FrameDISC:
		return "DISC"
	case FrameUA:
		return "UA"
	case FrameDM:
		return "DM"
	case FrameFRMR:
		return "FRMR"
	case FrameUI:
		return "UI"
	}
	return fmt.Sprintf("frame-%d", byte(t))
}

// unnumbered frames, poll/final bit cleared
var ucontrol = map[FrameType]byte{
	FrameSNRM: 0x83,
	FrameDISC: 0x43,
	FrameUA:   0x63,
	FrameDM:   0x0f,
	FrameFRMR: 0x87,
	FrameUI:   0x03,
}

// Address is one side of the address field. Client addresses use Upper only, server
// addresses carry the logical device in Upper and the physical device in Lower.
// Size is the encoded length (1, 2 or 4 bytes), zero picks the shortest form.
type Address struct {
	Upper uint16
	Lower uint16
	Size  int
}

func (a Address) size() int {
	if a.Size != 0 {
		return a.Size
	}
	if a.Upper <= 0x7f {
		if a.Lower == 0 {
			return 1
		}
		if a.Lower <= 0x7f {
			return 2
		}
	}
	return 4
}

func (a Address) validate() error {
	switch a.size() {
	case 1:
		if a.Upper > 0x7f || a.Lower != 0 {
			return fmt.Errorf("address %v does not fit into one byte", a)
		}
	case 2:
		if a.Upper > 0x7f || a.Lower > 0x7f {
			return fmt.Errorf("address %v does not fit into two bytes", a)
		}
	case 4:
		if a.Upper > 0x3fff || a.Lower > 0x3fff {
			return fmt.Errorf("address %v does not fit into four bytes", a)
		}
	default:
		return fmt.Errorf("invalid address size %d", a.Size)
	}
	return nil
}

func (a Address) put(dst []byte) int {
	switch a.size() {
	case 1:
		dst[0] = byte(a.Upper<<1) | 1
		return 1
	case 2:
		dst[0] = byte(a.Upper << 1)
		dst[1] = byte(a.Lower<<1) | 1
		return 2
	}
	dst[0] = byte(a.Upper>>7) << 1
	dst[1] = byte(a.Upper << 1)
	dst[2] = byte(a.Lower>>7) << 1
	dst[3] = byte(a.Lower<<1) | 1
	return 4
}

func parseaddress(src []byte) (a Address, n int, err error) {
	for n < len(src) && n < 4 {
		if src[n]&1 != 0 {
			n++
			break
		}
		n++
	}
	if n == 0 || src[n-1]&1 == 0 {
		return a, 0, base.NewFrameInvalid("no termination bit in address field")
	}
	switch n {
	case 1:
		a.Upper = uint16(src[0] >> 1)
	case 2:
		a.Upper = uint16(src[0] >> 1)
		a.Lower = uint16(src[1] >> 1)
	case 4:
		a.Upper = uint16(src[0]>>1)<<7 | uint16(src[1]>>1)
		a.Lower = uint16(src[2]>>1)<<7 | uint16(src[3]>>1)
	default:
		return a, 0, base.NewFrameInvalid("invalid address field length %d", n)
	}
	a.Size = n
	return a, n, nil
}

// AddressPair identifies one association on a possibly shared physical link.
type AddressPair struct {
	Logical  uint16
	Physical uint16
	Client   byte
}

func (p AddressPair) String() string {
	return fmt.Sprintf("%d/%d<->%d", p.Logical, p.Physical, p.Client)
}

func (p AddressPair) server() Address {
	return Address{Upper: p.Logical, Lower: p.Physical}
}

func (p AddressPair) client() Address {
	return Address{Upper: uint16(p.Client), Size: 1}
}

// Frame is one decoded HDLC frame of the 0xA0 format type.
type Frame struct {
	Destination Address
	Source      Address
	Type        FrameType
	SendSeq     uint8 // N(S), I frames only
	RecvSeq     uint8 // N(R), I, RR and RNR frames
	PollFinal   bool
	Segmented   bool
	Info        []byte
}

// Pair returns the address pair of a frame travelling from the server to the client when
// fromServer is set, from the client to the server otherwise.
func (f *Frame) Pair(fromServer bool) AddressPair {
	s, c := f.Destination, f.Source
	if fromServer {
		s, c = f.Source, f.Destination
	}
	return AddressPair{Logical: s.Upper, Physical: s.Lower, Client: byte(c.Upper)}
}

func (f *Frame) control() (byte, error) {
	var c byte
	switch f.Type {
	case FrameI:
		c = f.RecvSeq<<5 | (f.SendSeq&7)<<1
	case FrameRR:
		c = f.RecvSeq<<5 | 0x01
	case FrameRNR:
		c = f.RecvSeq<<5 | 0x05
	default:
		u, ok := ucontrol[f.Type]
		if !ok {
			return 0, fmt.Errorf("unknown frame type %v", f.Type)
		}
		c = u
	}
	if f.PollFinal {
		c |= pollFinalBit
	}
	return c, nil
}

func (f *Frame) setcontrol(c byte) error {
	f.PollFinal = c&pollFinalBit != 0
	switch {
	case c&1 == 0:
		f.Type = FrameI
		f.SendSeq = (c >> 1) & 7
		f.RecvSeq = c >> 5
		return nil
	case c&0x0f == 0x01:
		f.Type = FrameRR
		f.RecvSeq = c >> 5
		return nil
	case c&0x0f == 0x05:
		f.Type = FrameRNR
		f.RecvSeq = c >> 5
		return nil
	}
	u := c &^ pollFinalBit
	for t, v := range ucontrol {
		if v == u {
			f.Type = t
			return nil
		}
	}
	return base.NewFrameInvalid("unrecognized control byte %02x", c)
}

// EncodeFrame encodes the frame including both opening and closing flags.
func EncodeFrame(f *Frame) ([]byte, error) {
	if err := f.Destination.validate(); err != nil {
		return nil, err
	}
	if err := f.Source.validate(); err != nil {
		return nil, err
	}
	if f.SendSeq > 7 || f.RecvSeq > 7 {
		return nil, fmt.Errorf("sequence numbers out of range: %d/%d", f.SendSeq, f.RecvSeq)
	}
	control, err := f.control()
	if err != nil {
		return nil, err
	}
	hl := 2 + f.Destination.size() + f.Source.size() + 1 // format, addresses, control
	length := hl + 2
	if len(f.Info) > 0 {
		length += len(f.Info) + 2
	}
	if length > maxFrameLength {
		return nil, fmt.Errorf("too long frame to encode: %d", length)
	}

	out := make([]byte, length+2)
	out[0] = flag
	out[1] = formatType | byte(length>>8)
	if f.Segmented {
		out[1] |= segmentBit
	}
	out[2] = byte(length)
	off := 3
	off += f.Destination.put(out[off:])
	off += f.Source.put(out[off:])
	out[off] = control
	off++
	if len(f.Info) > 0 {
		putcrc(out[off:], crc16(out[1:off]))
		off += 2
		off += copy(out[off:], f.Info)
	}
	putcrc(out[off:], crc16(out[1:off]))
	off += 2
	out[off] = flag
	return out, nil
}

// DecodeFrame decodes exactly one frame including both flags.
func DecodeFrame(src []byte) (*Frame, error) {
	if len(src) < minFrameLength+2 {
		return nil, base.NewFrameInvalid("too short frame: %d bytes", len(src))
	}
	if src[0] != flag || src[len(src)-1] != flag {
		return nil, base.NewFrameInvalid("missing flag")
	}
	if src[1]&0xf0 != formatType {
		return nil, base.NewFrameInvalid("invalid format type %02x", src[1])
	}
	length := int(src[1]&7)<<8 | int(src[2])
	if length != len(src)-2 {
		return nil, base.NewFrameInvalid("frame length %d does not match %d received bytes", length, len(src)-2)
	}
	body := src[1 : len(src)-1]
	f := &Frame{Segmented: body[0]&segmentBit != 0}

	off := 2
	var n int
	var err error
	f.Destination, n, err = parseaddress(body[off:])
	if err != nil {
		return nil, err
	}
	off += n
	f.Source, n, err = parseaddress(body[off:])
	if err != nil {
		return nil, err
	}
	off += n
	if off+3 > len(body) {
		return nil, base.NewFrameInvalid("too short frame for control and fcs")
	}
	if err = f.setcontrol(body[off]); err != nil {
		return nil, err
	}
	off++

	rem := len(body) - off
	switch {
	case rem == 2:
	case rem <= 4:
		return nil, base.NewFrameInvalid("invalid frame length, no room for information")
	default:
		if crc16(body[:off]) != getcrc(body[off:]) {
			return nil, base.NewFrameInvalid("hcs mismatch")
		}
		f.Info = body[off+2 : len(body)-2]
	}
	if crc16(body[:len(body)-2]) != getcrc(body[len(body)-2:]) {
		return nil, base.NewFrameInvalid("fcs mismatch")
	}
	return f, nil
}
