package dlmsal

import (
	"bytes"
	"fmt"

	"github.com/cybroslabs/dlms-engine/base"
)

func (d *dlmsal) Write(items []DlmsSNRequestItem) ([]base.DlmsResultTag, error) {
	if len(items) == 0 {
		return nil, base.ErrNothingToRead
	}
	for _, i := range items {
		if err := checkdata(i.WriteData); err != nil {
			return nil, err
		}
	}
	d.rmu.Lock()
	defer d.rmu.Unlock()
	required := Conformance(base.ConformanceBlockWrite)
	if len(items) > 1 {
		required |= base.ConformanceBlockMultipleReferences
	}
	for _, i := range items {
		if i.HasAccess {
			required |= base.ConformanceBlockParametrizedAccess
		}
	}
	if err := d.checkopen(required); err != nil {
		return nil, err
	}

	var pdu bytes.Buffer
	pdu.WriteByte(byte(base.TagWriteRequest))
	encodelength(&pdu, uint(len(items)))
	for i := range items {
		encodesnspec(&pdu, &items[i])
	}
	encodelength(&pdu, uint(len(items)))
	for _, i := range items {
		pdu.Write(i.WriteData)
	}
	if !fits(pdu.Len(), d.maxsend) {
		return nil, fmt.Errorf("PDU size exceeds maximum size: %v > %v", pdu.Len(), d.maxsend)
	}
	rsp, err := d.exchange(snkey, pdu.Bytes())
	if err != nil {
		return nil, err
	}
	ret, err := decodewriteresults(rsp[1:], len(items))
	if err != nil {
		return nil, d.fatal(err)
	}
	return ret, nil
}

func decodewriteresults(src []byte, expected int) ([]base.DlmsResultTag, error) {
	cnt, c, err := decodelength(src)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", base.ErrProtocol, err)
	}
	if int(cnt) != expected {
		return nil, fmt.Errorf("%w: expected %d results, got %d", base.ErrProtocol, expected, cnt)
	}
	src = src[c:]
	ret := make([]base.DlmsResultTag, cnt)
	for i := range ret {
		if len(src) < 1 {
			return nil, fmt.Errorf("%w: truncated write result", base.ErrProtocol)
		}
		switch src[0] {
		case 0:
			src = src[1:]
		case 1:
			if len(src) < 2 {
				return nil, fmt.Errorf("%w: truncated write result", base.ErrProtocol)
			}
			ret[i] = base.DlmsResultTag(src[1])
			src = src[2:]
		default:
			return nil, fmt.Errorf("%w: unexpected write result %d", base.ErrProtocol, src[0])
		}
	}
	if len(src) != 0 {
		return nil, fmt.Errorf("%w: trailing bytes after write results", base.ErrProtocol)
	}
	return ret, nil
}
