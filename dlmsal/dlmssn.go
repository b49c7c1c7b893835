package dlmsal

import (
	"bytes"
	"fmt"

	"github.com/cybroslabs/dlms-engine/base"
)

// snspec is one variable access specification of READ or WRITE.
type snspec struct {
	choice     byte
	address    uint16
	descriptor byte
	params     []byte
	block      uint16
}

func encodesnspec(dst *bytes.Buffer, item *DlmsSNRequestItem) {
	if item.HasAccess {
		dst.WriteByte(snParameterizedAccess)
		dst.WriteByte(byte(item.Address >> 8))
		dst.WriteByte(byte(item.Address))
		dst.WriteByte(item.AccessDescriptor)
		dst.Write(item.AccessData)
		return
	}
	dst.WriteByte(snVariableName)
	dst.WriteByte(byte(item.Address >> 8))
	dst.WriteByte(byte(item.Address))
}

func decodesnspec(src []byte) (s snspec, n int, err error) {
	if len(src) < 3 {
		return s, 0, fmt.Errorf("%w: truncated variable access specification", base.ErrProtocol)
	}
	s.choice = src[0]
	v := uint16(src[1])<<8 | uint16(src[2])
	switch s.choice {
	case snVariableName:
		s.address = v
		return s, 3, nil
	case snBlockNumberAccess:
		s.block = v
		return s, 3, nil
	case snParameterizedAccess:
		s.address = v
		if len(src) < 4 {
			return s, 0, fmt.Errorf("%w: truncated parameterized access", base.ErrProtocol)
		}
		s.descriptor = src[3]
		l, err := datalength(src[4:])
		if err != nil {
			return s, 0, fmt.Errorf("%w: %w", base.ErrProtocol, err)
		}
		s.params = src[4 : 4+l]
		return s, 4 + l, nil
	}
	return s, 0, fmt.Errorf("%w: unsupported variable access specification %d", base.ErrProtocol, s.choice)
}

// DataBlock-R of READ, 16 bit block numbers
func encodeblockr(dst *bytes.Buffer, last bool, number uint16, raw []byte) {
	if last {
		dst.WriteByte(1)
	} else {
		dst.WriteByte(0)
	}
	dst.WriteByte(byte(number >> 8))
	dst.WriteByte(byte(number))
	encodelength(dst, uint(len(raw)))
	dst.Write(raw)
}

func decodeblockr(src []byte) (last bool, number uint16, raw []byte, err error) {
	if len(src) < 4 {
		return false, 0, nil, fmt.Errorf("%w: too short data block", base.ErrProtocol)
	}
	last = src[0] != 0
	number = uint16(src[1])<<8 | uint16(src[2])
	l, c, err := decodelength(src[3:])
	if err != nil {
		return false, 0, nil, fmt.Errorf("%w: %w", base.ErrProtocol, err)
	}
	if len(src) != 3+c+int(l) {
		return false, 0, nil, fmt.Errorf("%w: invalid data block length", base.ErrProtocol)
	}
	return last, number, src[3+c:], nil
}
