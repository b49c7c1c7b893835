package hdlc

import (
	"bufio"
	"bytes"
	"io"

	"github.com/cybroslabs/dlms-engine/base"
)

const maxBytesBefore7e = 100

// FrameReader pulls whole frames out of a byte stream. Garbage before an opening flag is
// skipped up to a limit, closing flag of one frame can also open the next one.
type FrameReader struct {
	r       *bufio.Reader
	buf     [maxFrameLength + 2]byte
	flagged bool // previous closing flag is a candidate opening flag
}

func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReaderSize(r, 2*(maxFrameLength+2))}
}

// ReadFrame returns the decoded frame together with its raw bytes including both flags.
// Decoding failures wrap base.ErrFrameInvalid, stream errors are returned as they are.
func (fr *FrameReader) ReadFrame() (*Frame, []byte, error) {
	skipped := 0
	if !fr.flagged {
		for {
			b, err := fr.r.ReadByte()
			if err != nil {
				return nil, nil, err
			}
			if b == flag {
				break
			}
			skipped++
			if skipped > maxBytesBefore7e {
				return nil, nil, base.NewFrameInvalid("too many bytes before any 0x7e found")
			}
		}
	}
	fr.flagged = false

	b := fr.buf[:]
	b[0] = flag
	for { // repeated flags are fine, take the last one as opening
		c, err := fr.r.ReadByte()
		if err != nil {
			return nil, nil, err
		}
		if c != flag {
			b[1] = c
			break
		}
		skipped++
		if skipped > maxBytesBefore7e {
			return nil, nil, base.NewFrameInvalid("too many flags without any frame")
		}
	}
	if b[1]&0xf0 != formatType {
		return nil, nil, base.NewFrameInvalid("invalid starting packet: %02X", b[1])
	}
	c, err := fr.r.ReadByte()
	if err != nil {
		return nil, nil, err
	}
	b[2] = c
	length := int(b[1]&7)<<8 | int(b[2])
	if length < minFrameLength {
		return nil, nil, base.NewFrameInvalid("invalid packet length %d, too short", length)
	}
	if _, err = io.ReadFull(fr.r, b[3:length+2]); err != nil {
		return nil, nil, err
	}
	if b[length+1] != flag {
		return nil, nil, base.NewFrameInvalid("there is no closing tag found")
	}
	fr.flagged = true

	raw := bytes.Clone(b[:length+2])
	f, err := DecodeFrame(raw)
	if err != nil {
		return nil, raw, err
	}
	return f, raw, nil
}
