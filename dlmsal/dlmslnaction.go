package dlmsal

import (
	"bytes"
	"fmt"

	"github.com/cybroslabs/dlms-engine/base"
)

// Action invokes a method, Attribute of the item is the method id and SetData the
// optional parameter. Non success result is returned as *ActionError together with
// returned data if any.
func (d *dlmsal) Action(item DlmsLNRequestItem) (*DlmsData, error) {
	if item.SetData != nil {
		if err := checkdata(item.SetData); err != nil {
			return nil, err
		}
	}
	d.rmu.Lock()
	defer d.rmu.Unlock()
	if err := d.checkopen(base.ConformanceBlockAction); err != nil {
		return nil, err
	}
	return d.action(&item)
}

// action is called with rmu held.
func (d *dlmsal) action(item *DlmsLNRequestItem) (*DlmsData, error) {
	id := d.nextid()
	inv := d.invoke(id)
	var header bytes.Buffer
	header.Write([]byte{byte(base.TagActionRequest), byte(TagActionRequestNormal), inv})
	encodelncosemattr(&header, item.ClassId, item.Obis, item.Attribute)

	var rsp []byte
	var err error
	if fits(header.Len()+1+len(item.SetData), d.maxsend) {
		pdu := header.Bytes()
		if item.SetData != nil {
			pdu = append(pdu, 1)
			pdu = append(pdu, item.SetData...)
		} else {
			pdu = append(pdu, 0)
		}
		if !d.settings.ConfirmedRequests {
			return nil, d.send(pdu)
		}
		if rsp, err = d.exchange(id, pdu); err != nil {
			return nil, err
		}
	} else {
		if rsp, err = d.actionblocks(id, inv, header.Bytes(), item.SetData); err != nil {
			return nil, err
		}
	}
	return d.actionresult(id, inv, rsp)
}

func (d *dlmsal) actionblocks(id byte, inv byte, hdr []byte, data []byte) ([]byte, error) {
	if !d.settings.ConfirmedRequests {
		return nil, fmt.Errorf("unconfirmed action is too big for one PDU")
	}
	if err := d.conf.Require(base.ConformanceBlockBlockTransferWithAction); err != nil {
		return nil, fmt.Errorf("action request too big: %w", err)
	}
	hdr[1] = byte(TagActionRequestWithFirstPBlock)
	snd, err := newBlockSender(data, d.maxsend-len(hdr))
	if err != nil {
		return nil, err
	}
	for {
		raw, number, last := snd.Next()
		var pdu bytes.Buffer
		if number == 1 {
			pdu.Write(hdr)
		} else {
			pdu.Write([]byte{byte(base.TagActionRequest), byte(TagActionRequestWithPBlock), inv})
		}
		encodeblock(&pdu, last, number, raw)
		rsp, err := d.exchange(id, pdu.Bytes())
		if err != nil {
			return nil, err
		}
		if last || len(rsp) < 2 || ActionResponseTag(rsp[1]) != TagActionResponseNextPBlock {
			return rsp, nil
		}
		if len(rsp) != 7 {
			return nil, d.fatal(fmt.Errorf("%w: invalid next pblock response", base.ErrProtocol))
		}
		if ack := get32(rsp[3:]); ack != number {
			return nil, d.fatal(fmt.Errorf("%w: acknowledged %d, sent %d", base.ErrBlockNumber, ack, number))
		}
	}
}

func (d *dlmsal) actionresult(id byte, inv byte, rsp []byte) (*DlmsData, error) {
	if len(rsp) < 4 {
		return nil, d.fatal(fmt.Errorf("%w: too short action response", base.ErrProtocol))
	}
	var body []byte
	switch ActionResponseTag(rsp[1]) {
	case TagActionResponseNormal:
		body = rsp[3:]
	case TagActionResponseWithPBlock:
		if err := d.conf.Require(base.ConformanceBlockBlockTransferWithAction); err != nil {
			return nil, d.fatal(fmt.Errorf("%w: blocks received without negotiation", base.ErrProtocol))
		}
		recv := newBlockReceiver()
		for {
			last, number, raw, _, err := decodeblock(rsp[3:])
			if err != nil {
				return nil, d.fatal(err)
			}
			if err = recv.Add(last, number, raw); err != nil {
				return nil, d.fatal(err)
			}
			if last {
				break
			}
			var next bytes.Buffer
			next.Write([]byte{byte(base.TagActionRequest), byte(TagActionRequestNextPBlock), inv})
			put32(&next, number)
			if rsp, err = d.exchange(id, next.Bytes()); err != nil {
				return nil, err
			}
			if len(rsp) < 4 || ActionResponseTag(rsp[1]) != TagActionResponseWithPBlock {
				return nil, d.fatal(fmt.Errorf("%w: unexpected response in action block transfer", base.ErrProtocol))
			}
		}
		body = recv.Bytes()
	default:
		return nil, d.fatal(fmt.Errorf("%w: unexpected action response %d", base.ErrProtocol, rsp[1]))
	}

	res, data, err := decodeactionbody(body)
	if err != nil {
		return nil, d.fatal(err)
	}
	if res != base.TagActionSuccess {
		return data, &ActionError{Result: res}
	}
	return data, nil
}

// decodeactionbody reads Action-Response-With-Optional-Data.
func decodeactionbody(body []byte) (base.ActionResultTag, *DlmsData, error) {
	if len(body) < 1 {
		return 0, nil, fmt.Errorf("%w: empty action response", base.ErrProtocol)
	}
	res := base.ActionResultTag(body[0])
	if len(body) == 1 || (len(body) == 2 && body[1] == 0) {
		return res, nil, nil
	}
	if body[1] != 1 || len(body) < 4 {
		return 0, nil, fmt.Errorf("%w: invalid action return parameters", base.ErrProtocol)
	}
	r, n, err := decodegetresult(body[2:])
	if err != nil {
		return 0, nil, err
	}
	if n != len(body)-2 {
		return 0, nil, fmt.Errorf("%w: trailing bytes in action response", base.ErrProtocol)
	}
	return res, &r, nil
}

func encodeactionbody(dst *bytes.Buffer, res base.ActionResultTag, data []byte) {
	dst.WriteByte(byte(res))
	if data == nil {
		dst.WriteByte(0)
		return
	}
	dst.WriteByte(1)
	dst.WriteByte(0)
	dst.Write(data)
}
