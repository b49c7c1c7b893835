package dlmsal

import (
	"bytes"
	"fmt"

	"github.com/cybroslabs/dlms-engine/base"
)

// unsupported variable access specifications are refused as a service error
func (c *serverconn) snunsupported(choice byte, err error) error {
	c.logf("Refusing short name request: %v", err)
	return c.send(encodeServiceError(choice, serviceErrorService, 2))
}

func (c *serverconn) resolve(address uint16) (AttributeAddress, bool) {
	if c.srv.names == nil {
		return AttributeAddress{}, false
	}
	return c.srv.names.ResolveShortName(c.id.LogicalDevice, address)
}

// decodespecs reads count and that many variable access specifications.
func decodespecs(src []byte) ([]snspec, int, error) {
	cnt, cl, err := decodelength(src)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", base.ErrProtocol, err)
	}
	off := cl
	ret := make([]snspec, 0, cnt)
	for range cnt {
		s, n, err := decodesnspec(src[off:])
		if err != nil {
			return nil, 0, err
		}
		ret = append(ret, s)
		off += n
	}
	return ret, off, nil
}

func (c *serverconn) handleread(pdu []byte) error {
	specs, n, err := decodespecs(pdu[1:])
	if err != nil {
		return c.snunsupported(confirmedRead, err)
	}
	if 1+n != len(pdu) {
		return c.malformed(fmt.Errorf("trailing bytes in read request"))
	}
	if len(specs) == 0 {
		return c.malformed(fmt.Errorf("empty read request"))
	}
	if len(specs) == 1 && specs[0].choice == snBlockNumberAccess {
		return c.readnext(specs[0].block)
	}
	if len(specs) > 1 && !c.conf.Has(base.ConformanceBlockMultipleReferences) {
		return c.exception(base.StateErrorServiceNotAllowed, base.ServiceErrorServiceNotSupported)
	}
	for _, s := range specs {
		if s.choice != snVariableName {
			return c.snunsupported(confirmedRead, fmt.Errorf("access specification %d", s.choice))
		}
	}
	c.read = nil

	var results bytes.Buffer
	encodelength(&results, uint(len(specs)))
	for _, s := range specs {
		a, ok := c.resolve(s.address)
		if !ok {
			results.Write([]byte{snResultDataAccessError, byte(base.TagResultObjectUndefined)})
			continue
		}
		data, res := c.getvalue(a)
		if res != base.TagResultSuccess {
			results.Write([]byte{snResultDataAccessError, byte(res)})
			continue
		}
		results.WriteByte(snResultData)
		results.Write(data)
	}
	rsp := append([]byte{byte(base.TagReadResponse)}, results.Bytes()...)
	if fits(len(rsp), c.maxsend) {
		return c.send(rsp)
	}
	if !c.conf.Has(base.ConformanceBlockBlockTransferWithGetOrRead) {
		return c.snunsupported(confirmedRead, fmt.Errorf("read response too long, %d bytes", len(rsp)))
	}
	snd, err := newBlockSender(results.Bytes(), c.maxsend-3)
	if err != nil {
		return c.snunsupported(confirmedRead, err)
	}
	c.read = snd
	return c.nextread()
}

// readnext serves a block-number-access, it names the block wanted.
func (c *serverconn) readnext(number uint16) error {
	switch {
	case c.read == nil:
		return c.send([]byte{byte(base.TagReadResponse), 1, snResultDataAccessError, byte(base.TagResultNoLongGetInProgress)})
	case uint16(c.read.Number()+1) != number:
		return c.violation([]byte{byte(base.TagReadResponse), 1, snResultDataAccessError, byte(base.TagResultDataBlockNumberInvalid)},
			fmt.Errorf("%w: read block %d requested, %d sent", base.ErrBlockNumber, number, c.read.Number()))
	}
	return c.nextread()
}

func (c *serverconn) nextread() error {
	raw, number, last := c.read.Next()
	if last {
		c.read = nil
	}
	rsp := bytes.NewBuffer([]byte{byte(base.TagReadResponse), 1, snResultDataBlockResult})
	encodeblockr(rsp, last, uint16(number), raw)
	return c.send(rsp.Bytes())
}

func (c *serverconn) handlewrite(pdu []byte) error {
	specs, n, err := decodespecs(pdu[1:])
	if err != nil {
		return c.snunsupported(confirmedWrite, err)
	}
	if len(specs) == 0 {
		return c.malformed(fmt.Errorf("empty write request"))
	}
	if len(specs) > 1 && !c.conf.Has(base.ConformanceBlockMultipleReferences) {
		return c.exception(base.StateErrorServiceNotAllowed, base.ServiceErrorServiceNotSupported)
	}
	for _, s := range specs {
		if s.choice != snVariableName {
			return c.snunsupported(confirmedWrite, fmt.Errorf("access specification %d", s.choice))
		}
	}
	src := pdu[1+n:]
	cnt, cl, err := decodelength(src)
	if err != nil {
		return c.malformed(err)
	}
	if int(cnt) != len(specs) {
		return c.malformed(fmt.Errorf("%d values for %d variables", cnt, len(specs)))
	}
	values, rest, err := splitdata(src[cl:], int(cnt))
	if err != nil {
		return c.malformed(err)
	}
	if len(rest) != 0 {
		return c.malformed(fmt.Errorf("trailing bytes in write request"))
	}

	var rsp bytes.Buffer
	rsp.WriteByte(byte(base.TagWriteResponse))
	encodelength(&rsp, uint(len(specs)))
	for i, s := range specs {
		res := base.TagResultObjectUndefined
		if a, ok := c.resolve(s.address); ok {
			res = c.setvalue(a, values[i])
		}
		if res == base.TagResultSuccess {
			rsp.WriteByte(0)
		} else {
			rsp.Write([]byte{1, byte(res)})
		}
	}
	return c.send(rsp.Bytes())
}
