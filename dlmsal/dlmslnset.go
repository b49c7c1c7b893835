package dlmsal

import (
	"bytes"
	"fmt"

	"github.com/cybroslabs/dlms-engine/base"
)

func checkdata(data []byte) error {
	n, err := datalength(data)
	if err != nil {
		return fmt.Errorf("invalid value: %w", err)
	}
	if n != len(data) {
		return fmt.Errorf("invalid value: trailing bytes")
	}
	return nil
}

// Set writes attributes, unconfirmed requests return no results.
func (d *dlmsal) Set(items []DlmsLNRequestItem) ([]base.DlmsResultTag, error) {
	if len(items) == 0 {
		return nil, base.ErrNothingToRead
	}
	d.rmu.Lock()
	defer d.rmu.Unlock()

	required := Conformance(base.ConformanceBlockSet)
	if len(items) > 1 {
		required |= base.ConformanceBlockMultipleReferences
	}
	for _, i := range items {
		if i.HasAccess {
			required |= base.ConformanceBlockSelectiveAccess
		}
		if i.Attribute == 0 {
			required |= base.ConformanceBlockAttribute0SupportedWithSet
		}
		if err := checkdata(i.SetData); err != nil {
			return nil, err
		}
	}
	if err := d.checkopen(required); err != nil {
		return nil, err
	}

	id := d.nextid()
	inv := d.invoke(id)
	var header bytes.Buffer
	var payload bytes.Buffer
	header.WriteByte(byte(base.TagSetRequest))
	if len(items) > 1 {
		header.WriteByte(byte(TagSetRequestWithList))
		header.WriteByte(inv)
		encodelength(&header, uint(len(items)))
		encodelength(&payload, uint(len(items)))
	} else {
		header.WriteByte(byte(TagSetRequestNormal))
		header.WriteByte(inv)
	}
	for i := range items {
		encodelngetitem(&header, &items[i])
		payload.Write(items[i].SetData)
	}

	if fits(header.Len()+payload.Len(), d.maxsend) {
		pdu := append(header.Bytes(), payload.Bytes()...)
		if !d.settings.ConfirmedRequests {
			return nil, d.send(pdu)
		}
		rsp, err := d.exchange(id, pdu)
		if err != nil {
			return nil, err
		}
		return d.setresults(rsp, len(items), false, 0)
	}

	if !d.settings.ConfirmedRequests {
		return nil, fmt.Errorf("unconfirmed set is too big for one PDU")
	}
	if err := d.conf.Require(base.ConformanceBlockBlockTransferWithSetOrWrite); err != nil {
		return nil, fmt.Errorf("set request too big: %w", err)
	}
	// first block request carries descriptors, the choice is switched to its block variant
	hdr := header.Bytes()
	if len(items) > 1 {
		hdr[1] = byte(TagSetRequestWithListAndFirstDataBlock)
	} else {
		hdr[1] = byte(TagSetRequestWithFirstDataBlock)
	}
	snd, err := newBlockSender(payload.Bytes(), d.maxsend-len(hdr))
	if err != nil {
		return nil, err
	}
	for {
		raw, number, last := snd.Next()
		var pdu bytes.Buffer
		if number == 1 {
			pdu.Write(hdr)
		} else {
			pdu.Write([]byte{byte(base.TagSetRequest), byte(TagSetRequestWithDataBlock), inv})
		}
		encodeblock(&pdu, last, number, raw)
		rsp, err := d.exchange(id, pdu.Bytes())
		if err != nil {
			return nil, err
		}
		if last {
			return d.setresults(rsp, len(items), true, number)
		}
		if len(rsp) < 3 {
			return nil, d.fatal(fmt.Errorf("%w: too short set response", base.ErrProtocol))
		}
		if SetResponseTag(rsp[1]) != TagSetResponseDataBlock {
			// server gave up in the middle
			return d.setresults(rsp, len(items), false, 0)
		}
		if len(rsp) != 7 {
			return nil, d.fatal(fmt.Errorf("%w: invalid set block acknowledge", base.ErrProtocol))
		}
		if ack := get32(rsp[3:]); ack != number {
			return nil, d.fatal(fmt.Errorf("%w: acknowledged %d, sent %d", base.ErrBlockNumber, ack, number))
		}
	}
}

// setresults decodes the final set response, block is the number of the last block sent.
func (d *dlmsal) setresults(rsp []byte, cnt int, blocks bool, block uint32) ([]base.DlmsResultTag, error) {
	if len(rsp) < 4 {
		return nil, d.fatal(fmt.Errorf("%w: too short set response", base.ErrProtocol))
	}
	var ret []base.DlmsResultTag
	var rest []byte
	var err error
	switch SetResponseTag(rsp[1]) {
	case TagSetResponseNormal, TagSetResponseLastDataBlock:
		ret = make([]base.DlmsResultTag, cnt)
		for i := range ret {
			ret[i] = base.DlmsResultTag(rsp[3])
		}
		rest = rsp[4:]
	case TagSetResponseWithList, TagSetResponseLastDataBlockWithList:
		if ret, rest, err = decodesetresults(rsp[3:], cnt); err != nil {
			return nil, d.fatal(err)
		}
	default:
		return nil, d.fatal(fmt.Errorf("%w: unexpected set response %d", base.ErrProtocol, rsp[1]))
	}

	switch SetResponseTag(rsp[1]) {
	case TagSetResponseLastDataBlock, TagSetResponseLastDataBlockWithList:
		if !blocks || len(rest) != 4 {
			return nil, d.fatal(fmt.Errorf("%w: unexpected last block response", base.ErrProtocol))
		}
		if ack := get32(rest); ack != block {
			return nil, d.fatal(fmt.Errorf("%w: acknowledged %d, sent %d", base.ErrBlockNumber, ack, block))
		}
	default:
		if len(rest) != 0 {
			return nil, d.fatal(fmt.Errorf("%w: trailing bytes in set response", base.ErrProtocol))
		}
	}
	return ret, nil
}
