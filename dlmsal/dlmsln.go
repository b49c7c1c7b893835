package dlmsal

import (
	"bytes"
	"fmt"

	"github.com/cybroslabs/dlms-engine/base"
)

func encodelncosemattr(dst *bytes.Buffer, classid uint16, obis DlmsObis, id int8) {
	dst.WriteByte(byte(classid >> 8))
	dst.WriteByte(byte(classid))
	dst.Write(obis.Bytes())
	dst.WriteByte(byte(id))
}

func encodeaccess(dst *bytes.Buffer, has bool, descriptor byte, data []byte) {
	if !has {
		dst.WriteByte(0)
		return
	}
	dst.WriteByte(1)
	dst.WriteByte(descriptor)
	dst.Write(data)
}

func encodelngetitem(dst *bytes.Buffer, item *DlmsLNRequestItem) {
	encodelncosemattr(dst, item.ClassId, item.Obis, item.Attribute)
	encodeaccess(dst, item.HasAccess, item.AccessDescriptor, item.AccessData)
}

// decodelnattr reads a cosem attribute descriptor with an optional access selection.
func decodelnattr(src []byte) (a AttributeAddress, n int, err error) {
	if len(src) < 10 {
		return a, 0, fmt.Errorf("%w: truncated attribute descriptor", base.ErrProtocol)
	}
	a.ClassId = uint16(src[0])<<8 | uint16(src[1])
	a.Obis, _ = NewDlmsObisFromSlice(src[2:8])
	a.Attribute = int8(src[8])
	switch src[9] {
	case 0:
		return a, 10, nil
	case 1:
		if len(src) < 11 {
			return a, 0, fmt.Errorf("%w: truncated access selection", base.ErrProtocol)
		}
		a.HasAccess = true
		a.AccessDescriptor = src[10]
		l, err := datalength(src[11:])
		if err != nil {
			return a, 0, fmt.Errorf("%w: %w", base.ErrProtocol, err)
		}
		a.AccessData = src[11 : 11+l]
		return a, 11 + l, nil
	}
	return a, 0, fmt.Errorf("%w: invalid access selection flag %d", base.ErrProtocol, src[9])
}

func decodelnmethod(src []byte) (m MethodAddress, err error) {
	if len(src) < 9 {
		return m, fmt.Errorf("%w: truncated method descriptor", base.ErrProtocol)
	}
	m.ClassId = uint16(src[0])<<8 | uint16(src[1])
	m.Obis, _ = NewDlmsObisFromSlice(src[2:8])
	m.Method = int8(src[8])
	return m, nil
}

// encodegetresult writes Get-Data-Result, data for success otherwise the access result.
func encodegetresult(dst *bytes.Buffer, data []byte, result base.DlmsResultTag) {
	if result == base.TagResultSuccess {
		dst.WriteByte(0)
		dst.Write(data)
		return
	}
	dst.WriteByte(1)
	dst.WriteByte(byte(result))
}

func decodegetresult(src []byte) (d DlmsData, n int, err error) {
	if len(src) < 2 {
		return d, 0, fmt.Errorf("%w: truncated result", base.ErrProtocol)
	}
	switch src[0] {
	case 0:
		l, err := datalength(src[1:])
		if err != nil {
			return d, 0, fmt.Errorf("%w: %w", base.ErrProtocol, err)
		}
		return DlmsData{Data: newcopy(src[1 : 1+l])}, 1 + l, nil
	case 1:
		return DlmsData{Result: base.DlmsResultTag(src[1])}, 2, nil
	}
	return d, 0, fmt.Errorf("%w: invalid result choice %d", base.ErrProtocol, src[0])
}

// decodegetresults reads count followed by that many results, nothing may follow.
func decodegetresults(src []byte, expected int) ([]DlmsData, error) {
	cnt, c, err := decodelength(src)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", base.ErrProtocol, err)
	}
	if int(cnt) != expected {
		return nil, fmt.Errorf("%w: expected %d results, got %d", base.ErrProtocol, expected, cnt)
	}
	src = src[c:]
	ret := make([]DlmsData, cnt)
	for i := range ret {
		var n int
		if ret[i], n, err = decodegetresult(src); err != nil {
			return nil, err
		}
		src = src[n:]
	}
	if len(src) != 0 {
		return nil, fmt.Errorf("%w: trailing bytes after results", base.ErrProtocol)
	}
	return ret, nil
}

func encodesetresults(dst *bytes.Buffer, results []base.DlmsResultTag) {
	encodelength(dst, uint(len(results)))
	for _, r := range results {
		dst.WriteByte(byte(r))
	}
}

func decodesetresults(src []byte, expected int) ([]base.DlmsResultTag, []byte, error) {
	cnt, c, err := decodelength(src)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", base.ErrProtocol, err)
	}
	if int(cnt) != expected || len(src) < c+int(cnt) {
		return nil, nil, fmt.Errorf("%w: expected %d results, got %d", base.ErrProtocol, expected, cnt)
	}
	ret := make([]base.DlmsResultTag, cnt)
	for i := range ret {
		ret[i] = base.DlmsResultTag(src[c+i])
	}
	return ret, src[c+int(cnt):], nil
}

// decodeblockg reads DataBlock-G, result is set when the block carries an access error.
func decodeblockg(src []byte) (last bool, number uint32, raw []byte, result *base.DlmsResultTag, err error) {
	if len(src) < 7 {
		return false, 0, nil, nil, fmt.Errorf("%w: too short data block", base.ErrProtocol)
	}
	last = src[0] != 0
	number = get32(src[1:])
	switch src[5] {
	case 0:
		l, c, err := decodelength(src[6:])
		if err != nil {
			return false, 0, nil, nil, fmt.Errorf("%w: %w", base.ErrProtocol, err)
		}
		if len(src) != 6+c+int(l) {
			return false, 0, nil, nil, fmt.Errorf("%w: invalid data block length", base.ErrProtocol)
		}
		return last, number, src[6+c:], nil, nil
	case 1:
		r := base.DlmsResultTag(src[6])
		return last, number, nil, &r, nil
	}
	return false, 0, nil, nil, fmt.Errorf("%w: invalid data block choice %d", base.ErrProtocol, src[5])
}

func encodeblockg(dst *bytes.Buffer, last bool, number uint32, raw []byte) {
	if last {
		dst.WriteByte(1)
	} else {
		dst.WriteByte(0)
	}
	put32(dst, number)
	dst.WriteByte(0)
	encodelength(dst, uint(len(raw)))
	dst.Write(raw)
}
