package dlmsal

import (
	"bytes"
	"fmt"

	"github.com/cybroslabs/dlms-engine/base"
)

// Read reads short name variables, without multiple references negotiated the items go
// one by one.
func (d *dlmsal) Read(items []DlmsSNRequestItem) ([]DlmsData, error) {
	switch len(items) {
	case 0:
		return nil, base.ErrNothingToRead
	case 1:
	default:
		d.rmu.Lock()
		multi := d.conf.Has(base.ConformanceBlockMultipleReferences)
		d.rmu.Unlock()
		if !multi {
			ret := make([]DlmsData, 0, len(items))
			for _, item := range items {
				data, err := d.Read([]DlmsSNRequestItem{item})
				if err != nil {
					return nil, err
				}
				ret = append(ret, data[0])
			}
			return ret, nil
		}
	}

	d.rmu.Lock()
	defer d.rmu.Unlock()
	required := Conformance(base.ConformanceBlockRead)
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
	pdu.WriteByte(byte(base.TagReadRequest))
	encodelength(&pdu, uint(len(items)))
	for i := range items {
		encodesnspec(&pdu, &items[i])
	}
	if !fits(pdu.Len(), d.maxsend) {
		return nil, fmt.Errorf("PDU size exceeds maximum size: %v > %v", pdu.Len(), d.maxsend)
	}
	rsp, err := d.exchange(snkey, pdu.Bytes())
	if err != nil {
		return nil, err
	}
	body := rsp[1:]
	// data-block-result comes alone and carries the whole response inside
	if len(body) > 2 && body[0] == 1 && body[1] == snResultDataBlockResult {
		if body, err = d.readblocks(body[2:]); err != nil {
			return nil, err
		}
	}
	ret, err := decodereadresults(body, len(items))
	if err != nil {
		return nil, d.fatal(err)
	}
	return ret, nil
}

// readblocks asks for every next block by its number until the last one.
func (d *dlmsal) readblocks(block []byte) ([]byte, error) {
	if err := d.conf.Require(base.ConformanceBlockBlockTransferWithGetOrRead); err != nil {
		return nil, d.fatal(fmt.Errorf("%w: blocks received without negotiation", base.ErrProtocol))
	}
	recv := newBlockReceiver()
	for {
		last, number, raw, err := decodeblockr(block)
		if err != nil {
			return nil, d.fatal(err)
		}
		if err = recv.Add(last, uint32(number), raw); err != nil {
			return nil, d.fatal(err)
		}
		if last {
			return recv.Bytes(), nil
		}
		next := []byte{byte(base.TagReadRequest), 1, snBlockNumberAccess, byte((number + 1) >> 8), byte(number + 1)}
		rsp, err := d.exchange(snkey, next)
		if err != nil {
			return nil, err
		}
		if len(rsp) < 3 || rsp[1] != 1 {
			return nil, d.fatal(fmt.Errorf("%w: unexpected read response in block transfer", base.ErrProtocol))
		}
		switch rsp[2] {
		case snResultDataBlockResult:
			block = rsp[3:]
		case snResultDataAccessError:
			// server gave up, the whole response is that single error
			return rsp[1:], nil
		default:
			return nil, d.fatal(fmt.Errorf("%w: unexpected read result %d in block transfer", base.ErrProtocol, rsp[2]))
		}
	}
}

func decodereadresults(src []byte, expected int) ([]DlmsData, error) {
	cnt, c, err := decodelength(src)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", base.ErrProtocol, err)
	}
	src = src[c:]
	if int(cnt) != expected {
		// aborted block transfer, one error for all
		if cnt == 1 && len(src) == 2 && src[0] == snResultDataAccessError {
			ret := make([]DlmsData, expected)
			for i := range ret {
				ret[i].Result = base.DlmsResultTag(src[1])
			}
			return ret, nil
		}
		return nil, fmt.Errorf("%w: expected %d results, got %d", base.ErrProtocol, expected, cnt)
	}
	ret := make([]DlmsData, cnt)
	for i := range ret {
		if len(src) < 2 {
			return nil, fmt.Errorf("%w: truncated read result", base.ErrProtocol)
		}
		switch src[0] {
		case snResultData:
			l, err := datalength(src[1:])
			if err != nil {
				return nil, fmt.Errorf("%w: %w", base.ErrProtocol, err)
			}
			ret[i] = DlmsData{Data: newcopy(src[1 : 1+l])}
			src = src[1+l:]
		case snResultDataAccessError:
			ret[i] = DlmsData{Result: base.DlmsResultTag(src[1])}
			src = src[2:]
		default:
			return nil, fmt.Errorf("%w: unexpected read result %d", base.ErrProtocol, src[0])
		}
	}
	if len(src) != 0 {
		return nil, fmt.Errorf("%w: trailing bytes after read results", base.ErrProtocol)
	}
	return ret, nil
}
