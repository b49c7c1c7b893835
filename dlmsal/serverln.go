package dlmsal

import (
	"bytes"
	"fmt"

	"github.com/cybroslabs/dlms-engine/base"
)

func confirmed(inv byte) bool {
	return inv&0x40 != 0
}

// getvalue asks the directory and makes sure a success carries exactly one Data element.
func (c *serverconn) getvalue(a AttributeAddress) ([]byte, base.DlmsResultTag) {
	data, res := c.srv.dir.Get(c.id.LogicalDevice, a, c.id)
	if res != base.TagResultSuccess {
		return nil, res
	}
	if err := checkdata(data); err != nil {
		c.logf("Directory returned invalid value for %v: %v", a, err)
		return nil, base.TagResultOtherReason
	}
	return data, res
}

func encodeblockgerror(dst *bytes.Buffer, number uint32, result base.DlmsResultTag) {
	dst.WriteByte(1)
	put32(dst, number)
	dst.WriteByte(1)
	dst.WriteByte(byte(result))
}

func (c *serverconn) handleget(pdu []byte) error {
	if len(pdu) < 4 {
		return c.malformed(fmt.Errorf("too short get request"))
	}
	inv := pdu[2]
	switch GetRequestTag(pdu[1]) {
	case TagGetRequestNormal:
		a, n, err := decodelnattr(pdu[3:])
		if err != nil {
			return c.malformed(err)
		}
		if 3+n != len(pdu) {
			return c.malformed(fmt.Errorf("trailing bytes in get request"))
		}
		c.get = nil
		data, res := c.getvalue(a)
		var rsp bytes.Buffer
		rsp.Write([]byte{byte(base.TagGetResponse), byte(TagGetResponseNormal), inv})
		encodegetresult(&rsp, data, res)
		return c.respondget(inv, rsp.Bytes(), data)
	case TagGetRequestWithList:
		if !c.conf.Has(base.ConformanceBlockMultipleReferences) {
			return c.exception(base.StateErrorServiceNotAllowed, base.ServiceErrorServiceNotSupported)
		}
		cnt, cl, err := decodelength(pdu[3:])
		if err != nil {
			return c.malformed(err)
		}
		src := pdu[3+cl:]
		var results bytes.Buffer
		encodelength(&results, cnt)
		for range cnt {
			a, n, err := decodelnattr(src)
			if err != nil {
				return c.malformed(err)
			}
			src = src[n:]
			data, res := c.getvalue(a)
			encodegetresult(&results, data, res)
		}
		if len(src) != 0 {
			return c.malformed(fmt.Errorf("trailing bytes in get request"))
		}
		c.get = nil
		rsp := append([]byte{byte(base.TagGetResponse), byte(TagGetResponseWithList), inv}, results.Bytes()...)
		return c.respondget(inv, rsp, results.Bytes())
	case TagGetRequestNext:
		if len(pdu) != 7 {
			return c.malformed(fmt.Errorf("invalid get next request length"))
		}
		number := get32(pdu[3:])
		var rsp bytes.Buffer
		rsp.Write([]byte{byte(base.TagGetResponse), byte(TagGetResponseWithDataBlock), inv})
		switch {
		case c.get == nil:
			encodeblockgerror(&rsp, number, base.TagResultNoLongGetInProgress)
		case inv != c.getinv:
			encodeblockgerror(&rsp, number, base.TagResultLongGetAborted)
			return c.violation(rsp.Bytes(), fmt.Errorf("%w: get next with invoke id %02x, transfer runs on %02x", base.ErrProtocol, inv, c.getinv))
		case c.get.Number() != number:
			encodeblockgerror(&rsp, number, base.TagResultLongGetAborted)
			return c.violation(rsp.Bytes(), fmt.Errorf("%w: get block %d acknowledged, %d sent", base.ErrBlockNumber, number, c.get.Number()))
		default:
			return c.nextget(inv)
		}
		return c.send(rsp.Bytes())
	}
	return c.exception(base.StateErrorServiceUnknown, base.ServiceErrorServiceNotSupported)
}

// respondget sends the whole response when it fits, else raw goes out in blocks.
func (c *serverconn) respondget(inv byte, rsp []byte, raw []byte) error {
	if fits(len(rsp), c.maxsend) {
		return c.send(rsp)
	}
	if !c.conf.Has(base.ConformanceBlockBlockTransferWithGetOrRead) {
		return c.exception(base.StateErrorServiceNotAllowed, base.ServiceErrorPduTooLong)
	}
	snd, err := newBlockSender(raw, c.maxsend-3)
	if err != nil {
		c.logf("Unable to send blocks: %v", err)
		return c.exception(base.StateErrorServiceNotAllowed, base.ServiceErrorPduTooLong)
	}
	c.get = snd
	c.getinv = inv
	return c.nextget(inv)
}

func (c *serverconn) nextget(inv byte) error {
	raw, number, last := c.get.Next()
	if last {
		c.get = nil
	}
	c.dlogf("Sending get block %d, last %v, %d bytes", number, last, len(raw))
	var rsp bytes.Buffer
	rsp.Write([]byte{byte(base.TagGetResponse), byte(TagGetResponseWithDataBlock), inv})
	encodeblockg(&rsp, last, number, raw)
	return c.send(rsp.Bytes())
}

func (c *serverconn) setvalue(a AttributeAddress, value []byte) base.DlmsResultTag {
	if err := checkdata(value); err != nil {
		return base.TagResultTypeUnmatched
	}
	return c.srv.dir.Set(c.id.LogicalDevice, a, value, c.id)
}

// decodeattrs reads count and that many attribute descriptors.
func decodeattrs(src []byte) ([]AttributeAddress, int, error) {
	cnt, cl, err := decodelength(src)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", base.ErrProtocol, err)
	}
	off := cl
	ret := make([]AttributeAddress, 0, cnt)
	for range cnt {
		a, n, err := decodelnattr(src[off:])
		if err != nil {
			return nil, 0, err
		}
		ret = append(ret, a)
		off += n
	}
	return ret, off, nil
}

// setlist writes count+values to attrs.
func (c *serverconn) setlist(attrs []AttributeAddress, values []byte) ([]base.DlmsResultTag, error) {
	cnt, cl, err := decodelength(values)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", base.ErrProtocol, err)
	}
	if int(cnt) != len(attrs) {
		return nil, fmt.Errorf("%w: %d values for %d attributes", base.ErrProtocol, cnt, len(attrs))
	}
	data, rest, err := splitdata(values[cl:], int(cnt))
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: trailing bytes after values", base.ErrProtocol)
	}
	ret := make([]base.DlmsResultTag, len(attrs))
	for i, a := range attrs {
		ret[i] = c.setvalue(a, data[i])
	}
	return ret, nil
}

func (c *serverconn) handleset(pdu []byte) error {
	if len(pdu) < 4 {
		return c.malformed(fmt.Errorf("too short set request"))
	}
	inv := pdu[2]
	switch SetRequestTag(pdu[1]) {
	case TagSetRequestNormal:
		a, n, err := decodelnattr(pdu[3:])
		if err != nil {
			return c.malformed(err)
		}
		c.set = nil
		res := c.setvalue(a, pdu[3+n:])
		if !confirmed(inv) {
			return nil
		}
		return c.send([]byte{byte(base.TagSetResponse), byte(TagSetResponseNormal), inv, byte(res)})
	case TagSetRequestWithList:
		if !c.conf.Has(base.ConformanceBlockMultipleReferences) {
			return c.exception(base.StateErrorServiceNotAllowed, base.ServiceErrorServiceNotSupported)
		}
		attrs, n, err := decodeattrs(pdu[3:])
		if err != nil {
			return c.malformed(err)
		}
		c.set = nil
		results, err := c.setlist(attrs, pdu[3+n:])
		if err != nil {
			return c.malformed(err)
		}
		if !confirmed(inv) {
			return nil
		}
		rsp := bytes.NewBuffer([]byte{byte(base.TagSetResponse), byte(TagSetResponseWithList), inv})
		encodesetresults(rsp, results)
		return c.send(rsp.Bytes())
	case TagSetRequestWithFirstDataBlock, TagSetRequestWithListAndFirstDataBlock:
		if !c.conf.Has(base.ConformanceBlockBlockTransferWithSetOrWrite) {
			return c.exception(base.StateErrorServiceNotAllowed, base.ServiceErrorServiceNotSupported)
		}
		p := &pendingset{recv: newBlockReceiver()}
		var n int
		var err error
		if SetRequestTag(pdu[1]) == TagSetRequestWithListAndFirstDataBlock {
			p.list = true
			p.attrs, n, err = decodeattrs(pdu[3:])
		} else {
			var a AttributeAddress
			a, n, err = decodelnattr(pdu[3:])
			p.attrs = []AttributeAddress{a}
		}
		if err != nil {
			return c.malformed(err)
		}
		c.set = p
		return c.setblock(inv, pdu[3+n:])
	case TagSetRequestWithDataBlock:
		if c.set == nil {
			return c.send([]byte{byte(base.TagSetResponse), byte(TagSetResponseNormal), inv, byte(base.TagResultNoLongSetInProgress)})
		}
		return c.setblock(inv, pdu[3:])
	}
	return c.exception(base.StateErrorServiceUnknown, base.ServiceErrorServiceNotSupported)
}

func (c *serverconn) setblock(inv byte, src []byte) error {
	last, number, raw, n, err := decodeblock(src)
	if err == nil && n != len(src) {
		err = fmt.Errorf("%w: trailing bytes after data block", base.ErrProtocol)
	}
	if err != nil {
		return c.malformed(err)
	}
	p := c.set
	if err = p.recv.Add(last, number, raw); err != nil {
		return c.violation([]byte{byte(base.TagSetResponse), byte(TagSetResponseNormal), inv, byte(base.TagResultDataBlockNumberInvalid)}, err)
	}
	rsp := bytes.NewBuffer([]byte{byte(base.TagSetResponse), 0, inv})
	if !last {
		rsp.Bytes()[1] = byte(TagSetResponseDataBlock)
		put32(rsp, number)
		return c.send(rsp.Bytes())
	}
	c.set = nil
	if !p.list {
		rsp.Bytes()[1] = byte(TagSetResponseLastDataBlock)
		rsp.WriteByte(byte(c.setvalue(p.attrs[0], p.recv.Bytes())))
	} else {
		results, err := c.setlist(p.attrs, p.recv.Bytes())
		if err != nil {
			return c.malformed(err)
		}
		rsp.Bytes()[1] = byte(TagSetResponseLastDataBlockWithList)
		encodesetresults(rsp, results)
	}
	put32(rsp, number)
	return c.send(rsp.Bytes())
}

func (c *serverconn) handleaction(pdu []byte) error {
	if len(pdu) < 4 {
		return c.malformed(fmt.Errorf("too short action request"))
	}
	inv := pdu[2]
	switch ActionRequestTag(pdu[1]) {
	case TagActionRequestNormal:
		m, err := decodelnmethod(pdu[3:])
		if err != nil || len(pdu) < 13 {
			return c.malformed(fmt.Errorf("invalid method descriptor"))
		}
		var param []byte
		switch pdu[12] {
		case 0:
			if len(pdu) != 13 {
				return c.malformed(fmt.Errorf("trailing bytes in action request"))
			}
		case 1:
			param = pdu[13:]
			if err = checkdata(param); err != nil {
				return c.malformed(err)
			}
		default:
			return c.malformed(fmt.Errorf("invalid parameter flag %d", pdu[12]))
		}
		c.act = nil
		c.actout = nil
		data, res := c.invoke(m, param)
		if !confirmed(inv) {
			return nil
		}
		return c.respondaction(inv, res, data)
	case TagActionRequestWithFirstPBlock:
		if !c.conf.Has(base.ConformanceBlockBlockTransferWithAction) {
			return c.exception(base.StateErrorServiceNotAllowed, base.ServiceErrorServiceNotSupported)
		}
		m, err := decodelnmethod(pdu[3:])
		if err != nil {
			return c.malformed(err)
		}
		c.actout = nil
		c.act = &pendingaction{method: m, recv: newBlockReceiver()}
		return c.actionblock(inv, pdu[12:])
	case TagActionRequestWithPBlock:
		if c.act == nil {
			return c.respondaction(inv, base.TagActionNoLongActionInProgress, nil)
		}
		return c.actionblock(inv, pdu[3:])
	case TagActionRequestNextPBlock:
		if len(pdu) != 7 {
			return c.malformed(fmt.Errorf("invalid next pblock request length"))
		}
		number := get32(pdu[3:])
		switch {
		case c.actout == nil:
			return c.respondaction(inv, base.TagActionNoLongActionInProgress, nil)
		case c.actout.Number() != number:
			var rsp bytes.Buffer
			rsp.Write([]byte{byte(base.TagActionResponse), byte(TagActionResponseNormal), inv})
			encodeactionbody(&rsp, base.TagActionLongActionAborted, nil)
			return c.violation(rsp.Bytes(), fmt.Errorf("%w: action block %d acknowledged, %d sent", base.ErrBlockNumber, number, c.actout.Number()))
		}
		return c.nextaction(inv)
	}
	return c.exception(base.StateErrorServiceUnknown, base.ServiceErrorServiceNotSupported)
}

func (c *serverconn) invoke(m MethodAddress, param []byte) ([]byte, base.ActionResultTag) {
	data, res := c.srv.dir.Invoke(c.id.LogicalDevice, m, param, c.id)
	if data != nil {
		if err := checkdata(data); err != nil {
			c.logf("Directory returned invalid data for %v: %v", m, err)
			return nil, base.TagActionOtherReason
		}
	}
	return data, res
}

func (c *serverconn) actionblock(inv byte, src []byte) error {
	last, number, raw, n, err := decodeblock(src)
	if err == nil && n != len(src) {
		err = fmt.Errorf("%w: trailing bytes after data block", base.ErrProtocol)
	}
	if err != nil {
		return c.malformed(err)
	}
	p := c.act
	if err = p.recv.Add(last, number, raw); err != nil {
		var rsp bytes.Buffer
		rsp.Write([]byte{byte(base.TagActionResponse), byte(TagActionResponseNormal), inv})
		encodeactionbody(&rsp, base.TagActionLongActionAborted, nil)
		return c.violation(rsp.Bytes(), err)
	}
	if !last {
		rsp := bytes.NewBuffer([]byte{byte(base.TagActionResponse), byte(TagActionResponseNextPBlock), inv})
		put32(rsp, number)
		return c.send(rsp.Bytes())
	}
	c.act = nil
	param := p.recv.Bytes()
	if err = checkdata(param); err != nil {
		return c.respondaction(inv, base.TagActionTypeUnmatched, nil)
	}
	data, res := c.invoke(p.method, param)
	return c.respondaction(inv, res, data)
}

// respondaction sends Action-Response-With-Optional-Data, in pblocks when too long.
func (c *serverconn) respondaction(inv byte, res base.ActionResultTag, data []byte) error {
	var body bytes.Buffer
	encodeactionbody(&body, res, data)
	rsp := append([]byte{byte(base.TagActionResponse), byte(TagActionResponseNormal), inv}, body.Bytes()...)
	if fits(len(rsp), c.maxsend) {
		return c.send(rsp)
	}
	if !c.conf.Has(base.ConformanceBlockBlockTransferWithAction) {
		return c.exception(base.StateErrorServiceNotAllowed, base.ServiceErrorPduTooLong)
	}
	snd, err := newBlockSender(body.Bytes(), c.maxsend-3)
	if err != nil {
		c.logf("Unable to send blocks: %v", err)
		return c.exception(base.StateErrorServiceNotAllowed, base.ServiceErrorPduTooLong)
	}
	c.actout = snd
	return c.nextaction(inv)
}

func (c *serverconn) nextaction(inv byte) error {
	raw, number, last := c.actout.Next()
	if last {
		c.actout = nil
	}
	rsp := bytes.NewBuffer([]byte{byte(base.TagActionResponse), byte(TagActionResponseWithPBlock), inv})
	encodeblock(rsp, last, number, raw)
	return c.send(rsp.Bytes())
}
