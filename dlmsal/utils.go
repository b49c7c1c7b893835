package dlmsal

import (
	"bytes"
	"fmt"

	"github.com/cybroslabs/dlms-engine/base"
)

func codedlength(len uint) int {
	if len < 128 {
		return 1
	}
	if len < 256 {
		return 2
	}
	if len < 65536 {
		return 3
	}
	if len < 16777216 {
		return 4
	}
	return 5
}

func encodelength(dst *bytes.Buffer, len uint) {
	if len < 128 {
		dst.WriteByte(byte(len))
		return
	}
	if len < 256 {
		dst.WriteByte(0x81)
		dst.WriteByte(byte(len))
		return
	}
	if len < 65536 {
		dst.WriteByte(0x82)
		dst.WriteByte(byte(len >> 8))
		dst.WriteByte(byte(len))
		return
	}
	if len < 16777216 {
		dst.WriteByte(0x83)
		dst.WriteByte(byte(len >> 16))
		dst.WriteByte(byte(len >> 8))
		dst.WriteByte(byte(len))
		return
	}
	dst.WriteByte(0x84)
	dst.WriteByte(byte(len >> 24))
	dst.WriteByte(byte(len >> 16))
	dst.WriteByte(byte(len >> 8))
	dst.WriteByte(byte(len))
}

func encodetag(dst *bytes.Buffer, tag byte, data []byte) {
	dst.WriteByte(tag)
	encodelength(dst, uint(len(data)))
	dst.Write(data)
}

func encodetag2(dst *bytes.Buffer, tag byte, innertag byte, data []byte) {
	dst.WriteByte(tag)
	encodelength(dst, uint(len(data)+1+codedlength(uint(len(data)))))
	dst.WriteByte(innertag)
	encodelength(dst, uint(len(data)))
	dst.Write(data)
}

// decodelength returns the length and the number of bytes it occupies.
func decodelength(src []byte) (uint, int, error) {
	if len(src) == 0 {
		return 0, 0, fmt.Errorf("no data for length")
	}
	b := src[0]
	if b < 128 {
		return uint(b), 1, nil
	}
	if b == 128 {
		return 0, 0, fmt.Errorf("unsupported infinite length")
	}
	c := int(b & 0x7f)
	if c > 4 {
		return 0, 0, fmt.Errorf("too much bytes for length")
	}
	if len(src) < c+1 {
		return 0, 0, fmt.Errorf("no data for length")
	}
	r := uint(0)
	for i := range c {
		r = (r << 8) | uint(src[1+i])
	}
	return r, c + 1, nil
}

// decodetag splits tag, length and content, n is the whole encoded size.
func decodetag(src []byte) (tag byte, n int, data []byte, err error) {
	if len(src) < 2 {
		return 0, 0, nil, fmt.Errorf("no data available")
	}
	tag = src[0]
	dlen, c, err := decodelength(src[1:])
	if err != nil {
		return 0, 0, nil, err
	}
	if len(src) < c+1+int(dlen) {
		return 0, 0, nil, fmt.Errorf("no data left in source")
	}
	return tag, c + 1 + int(dlen), src[1+c : 1+c+int(dlen)], nil
}

// decodeblock reads last flag, 4 byte block number and a length prefixed raw block.
func decodeblock(src []byte) (last bool, number uint32, raw []byte, n int, err error) {
	if len(src) < 6 {
		return false, 0, nil, 0, fmt.Errorf("%w: too short data block", base.ErrProtocol)
	}
	last = src[0] != 0
	number = uint32(src[1])<<24 | uint32(src[2])<<16 | uint32(src[3])<<8 | uint32(src[4])
	l, c, err := decodelength(src[5:])
	if err != nil {
		return false, 0, nil, 0, err
	}
	if len(src) < 5+c+int(l) {
		return false, 0, nil, 0, fmt.Errorf("%w: truncated data block", base.ErrProtocol)
	}
	return last, number, src[5+c : 5+c+int(l)], 5 + c + int(l), nil
}

func encodeblock(dst *bytes.Buffer, last bool, number uint32, raw []byte) {
	if last {
		dst.WriteByte(1)
	} else {
		dst.WriteByte(0)
	}
	put32(dst, number)
	encodelength(dst, uint(len(raw)))
	dst.Write(raw)
}

func put32(dst *bytes.Buffer, v uint32) {
	dst.WriteByte(byte(v >> 24))
	dst.WriteByte(byte(v >> 16))
	dst.WriteByte(byte(v >> 8))
	dst.WriteByte(byte(v))
}

func get32(src []byte) uint32 {
	return uint32(src[0])<<24 | uint32(src[1])<<16 | uint32(src[2])<<8 | uint32(src[3])
}

func newcopy(src []byte) []byte {
	dst := make([]byte, len(src))
	copy(dst, src)
	return dst
}
