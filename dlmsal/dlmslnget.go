package dlmsal

import (
	"bytes"
	"fmt"

	"github.com/cybroslabs/dlms-engine/base"
)

func (d *dlmsal) Get(items []DlmsLNRequestItem) ([]DlmsData, error) {
	if len(items) == 0 {
		return nil, base.ErrNothingToRead
	}
	d.rmu.Lock()
	defer d.rmu.Unlock()

	required := Conformance(base.ConformanceBlockGet)
	if len(items) > 1 {
		required |= base.ConformanceBlockMultipleReferences
	}
	for _, i := range items {
		if i.HasAccess {
			required |= base.ConformanceBlockSelectiveAccess
		}
		if i.Attribute == 0 {
			required |= base.ConformanceBlockAttribute0SupportedWithGet
		}
	}
	if err := d.checkopen(required); err != nil {
		return nil, err
	}

	id := d.nextid()
	inv := d.invoke(id)
	var pdu bytes.Buffer
	pdu.WriteByte(byte(base.TagGetRequest))
	if len(items) > 1 {
		pdu.WriteByte(byte(TagGetRequestWithList))
		pdu.WriteByte(inv)
		encodelength(&pdu, uint(len(items)))
	} else {
		pdu.WriteByte(byte(TagGetRequestNormal))
		pdu.WriteByte(inv)
	}
	for i := range items {
		encodelngetitem(&pdu, &items[i])
	}
	if !fits(pdu.Len(), d.maxsend) {
		return nil, fmt.Errorf("PDU size exceeds maximum size: %v > %v", pdu.Len(), d.maxsend)
	}

	rsp, err := d.exchange(id, pdu.Bytes())
	if err != nil {
		return nil, err
	}
	if len(rsp) < 4 {
		return nil, d.fatal(fmt.Errorf("%w: too short get response", base.ErrProtocol))
	}

	var body []byte
	switch GetResponseTag(rsp[1]) {
	case TagGetResponseNormal, TagGetResponseWithList:
		body = rsp[3:]
	case TagGetResponseWithDataBlock:
		var res *base.DlmsResultTag
		body, res, err = d.getblocks(id, inv, rsp)
		if err != nil {
			return nil, err
		}
		if res != nil { // transfer aborted by the server
			d.logf("Block transfer aborted: %v", *res)
			ret := make([]DlmsData, len(items))
			for i := range ret {
				ret[i].Result = *res
			}
			return ret, nil
		}
		if len(items) == 1 {
			n, err := datalength(body)
			if err != nil || n != len(body) {
				return nil, d.fatal(fmt.Errorf("%w: invalid data in blocks", base.ErrProtocol))
			}
			return []DlmsData{{Data: body}}, nil
		}
		ret, err := decodegetresults(body, len(items))
		if err != nil {
			return nil, d.fatal(err)
		}
		return ret, nil
	default:
		return nil, d.fatal(fmt.Errorf("%w: unexpected get response %d", base.ErrProtocol, rsp[1]))
	}

	if len(items) == 1 {
		if GetResponseTag(rsp[1]) != TagGetResponseNormal {
			return nil, d.fatal(fmt.Errorf("%w: list response for a single item", base.ErrProtocol))
		}
		r, n, err := decodegetresult(body)
		if err != nil || n != len(body) {
			return nil, d.fatal(fmt.Errorf("%w: invalid get response", base.ErrProtocol))
		}
		return []DlmsData{r}, nil
	}
	if GetResponseTag(rsp[1]) != TagGetResponseWithList {
		// some devices answer a whole list with a normal error response
		r, _, err := decodegetresult(body)
		if err != nil || r.Ok() {
			return nil, d.fatal(fmt.Errorf("%w: normal response for a list", base.ErrProtocol))
		}
		ret := make([]DlmsData, len(items))
		for i := range ret {
			ret[i].Result = r.Result
		}
		return ret, nil
	}
	ret, err := decodegetresults(body, len(items))
	if err != nil {
		return nil, d.fatal(err)
	}
	return ret, nil
}

// getblocks collects a get-response-with-datablock sequence asking for every next block.
// Numbering violation aborts the connection.
func (d *dlmsal) getblocks(id byte, inv byte, rsp []byte) ([]byte, *base.DlmsResultTag, error) {
	if err := d.conf.Require(base.ConformanceBlockBlockTransferWithGetOrRead); err != nil {
		return nil, nil, d.fatal(fmt.Errorf("%w: blocks received without negotiation", base.ErrProtocol))
	}
	recv := newBlockReceiver()
	for {
		if GetResponseTag(rsp[1]) == TagGetResponseNormal {
			r, _, err := decodegetresult(rsp[3:])
			if err != nil {
				return nil, nil, d.fatal(err)
			}
			if r.Ok() {
				return nil, nil, d.fatal(fmt.Errorf("%w: data outside of block transfer", base.ErrProtocol))
			}
			return nil, &r.Result, nil
		}
		if GetResponseTag(rsp[1]) != TagGetResponseWithDataBlock {
			return nil, nil, d.fatal(fmt.Errorf("%w: unexpected get response %d in block transfer", base.ErrProtocol, rsp[1]))
		}
		last, number, raw, res, err := decodeblockg(rsp[3:])
		if err != nil {
			return nil, nil, d.fatal(err)
		}
		if res != nil {
			return nil, res, nil
		}
		if err = recv.Add(last, number, raw); err != nil {
			return nil, nil, d.fatal(err)
		}
		d.dlogf("Received block %d, last %v, %d bytes", number, last, len(raw))
		if last {
			return recv.Bytes(), nil, nil
		}

		var next bytes.Buffer
		next.Write([]byte{byte(base.TagGetRequest), byte(TagGetRequestNext), inv})
		put32(&next, recv.Number())
		if rsp, err = d.exchange(id, next.Bytes()); err != nil {
			return nil, nil, err
		}
		if len(rsp) < 4 {
			return nil, nil, d.fatal(fmt.Errorf("%w: too short get response", base.ErrProtocol))
		}
	}
}
