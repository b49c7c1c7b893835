package dlmsal

import (
	"bytes"
	"fmt"

	"github.com/cybroslabs/dlms-engine/base"
)

type dataTag byte

const (
	TagNull               dataTag = 0
	TagArray              dataTag = 1
	TagStructure          dataTag = 2
	TagBoolean            dataTag = 3
	TagBitString          dataTag = 4
	TagDoubleLong         dataTag = 5
	TagDoubleLongUnsigned dataTag = 6
	TagFloatingPoint      dataTag = 7
	TagOctetString        dataTag = 9
	TagVisibleString      dataTag = 10
	TagUTF8String         dataTag = 12
	TagBCD                dataTag = 13
	TagInteger            dataTag = 15
	TagLong               dataTag = 16
	TagUnsigned           dataTag = 17
	TagLongUnsigned       dataTag = 18
	TagCompactArray       dataTag = 19
	TagLong64             dataTag = 20
	TagLong64Unsigned     dataTag = 21
	TagEnum               dataTag = 22
	TagFloat32            dataTag = 23
	TagFloat64            dataTag = 24
	TagDateTime           dataTag = 25
	TagDate               dataTag = 26
	TagTime               dataTag = 27
	TagDontCare           dataTag = 255
)

const maxdatadepth = 32

// fixed content sizes, zero means variable or unsupported
var datasizes = [...]int{
	TagNull:               0,
	TagBoolean:            1,
	TagDoubleLong:         4,
	TagDoubleLongUnsigned: 4,
	TagFloatingPoint:      4,
	TagBCD:                1,
	TagInteger:            1,
	TagLong:               2,
	TagUnsigned:           1,
	TagLongUnsigned:       2,
	TagLong64:             8,
	TagLong64Unsigned:     8,
	TagEnum:               1,
	TagFloat32:            4,
	TagFloat64:            8,
	TagDateTime:           12,
	TagDate:               5,
	TagTime:               4,
}

// datalength returns the encoded size of the first A-XDR Data element in src, values
// are never decoded, this is enough to split lists.
func datalength(src []byte) (int, error) {
	return datalengthdepth(src, 0)
}

func datalengthdepth(src []byte, depth int) (int, error) {
	if depth > maxdatadepth {
		return 0, fmt.Errorf("data nested too deep")
	}
	if len(src) == 0 {
		return 0, fmt.Errorf("no data available")
	}
	t := dataTag(src[0])
	switch t {
	case TagNull, TagDontCare:
		return 1, nil
	case TagArray, TagStructure:
		cnt, c, err := decodelength(src[1:])
		if err != nil {
			return 0, err
		}
		off := 1 + c
		for range cnt {
			n, err := datalengthdepth(src[off:], depth+1)
			if err != nil {
				return 0, err
			}
			off += n
		}
		return off, nil
	case TagOctetString, TagVisibleString, TagUTF8String:
		l, c, err := decodelength(src[1:])
		if err != nil {
			return 0, err
		}
		if len(src) < 1+c+int(l) {
			return 0, fmt.Errorf("no data left for string")
		}
		return 1 + c + int(l), nil
	case TagBitString:
		l, c, err := decodelength(src[1:])
		if err != nil {
			return 0, err
		}
		bl := int((l + 7) >> 3)
		if len(src) < 1+c+bl {
			return 0, fmt.Errorf("no data left for bitstring")
		}
		return 1 + c + bl, nil
	case TagCompactArray:
		return 0, fmt.Errorf("compact array not supported")
	}
	if int(t) >= len(datasizes) || datasizes[t] == 0 {
		return 0, fmt.Errorf("unknown data tag %d", t)
	}
	if len(src) < 1+datasizes[t] {
		return 0, fmt.Errorf("no data left for tag %d", t)
	}
	return 1 + datasizes[t], nil
}

// splitdata splits cnt consecutive Data elements.
func splitdata(src []byte, cnt int) ([][]byte, []byte, error) {
	ret := make([][]byte, cnt)
	for i := range ret {
		n, err := datalength(src)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %w", base.ErrProtocol, err)
		}
		ret[i] = src[:n]
		src = src[n:]
	}
	return ret, src, nil
}

// EncodeOctetString encodes b as an A-XDR octet-string Data element.
func EncodeOctetString(b []byte) []byte {
	var out bytes.Buffer
	encodetag(&out, byte(TagOctetString), b)
	return out.Bytes()
}

// DecodeOctetString returns the content of an octet-string Data element, nothing else
// may follow it.
func DecodeOctetString(src []byte) ([]byte, error) {
	tag, n, data, err := decodetag(src)
	if err != nil {
		return nil, err
	}
	if tag != byte(TagOctetString) {
		return nil, fmt.Errorf("expected octet string, got tag %d", tag)
	}
	if n != len(src) {
		return nil, fmt.Errorf("trailing bytes after octet string")
	}
	return data, nil
}

// EncodeLongUnsigned encodes a long-unsigned Data element.
func EncodeLongUnsigned(v uint16) []byte {
	return []byte{byte(TagLongUnsigned), byte(v >> 8), byte(v)}
}
