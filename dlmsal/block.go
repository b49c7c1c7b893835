package dlmsal

import (
	"bytes"
	"fmt"

	"github.com/cybroslabs/dlms-engine/base"
	"github.com/cybroslabs/dlms-engine/ciphering"
)

const (
	pduoverhead   = 6 + 5 + ciphering.GCM_TAG_LENGTH + 9  // service header, glo length, sc+fc and tag
	blockoverhead = 16 + 5 + ciphering.GCM_TAG_LENGTH + 9 // additional block header here
)

// blockReceiver collects numbered blocks, numbering starts at 1 and has no gaps.
type blockReceiver struct {
	expected uint32
	buf      bytes.Buffer
	last     bool
}

func newBlockReceiver() *blockReceiver {
	return &blockReceiver{expected: 1}
}

func (b *blockReceiver) Add(last bool, number uint32, raw []byte) error {
	if b.last {
		return fmt.Errorf("%w: block %d after the last one", base.ErrBlockNumber, number)
	}
	if number != b.expected {
		return fmt.Errorf("%w: got %d, expected %d", base.ErrBlockNumber, number, b.expected)
	}
	b.buf.Write(raw)
	b.expected++
	b.last = last
	return nil
}

func (b *blockReceiver) Done() bool {
	return b.last
}

// Number is the number of the last accepted block.
func (b *blockReceiver) Number() uint32 {
	return b.expected - 1
}

func (b *blockReceiver) Bytes() []byte {
	return b.buf.Bytes()
}

// blockSender cuts a payload into blocks fitting the peer's max pdu.
type blockSender struct {
	data   []byte
	size   int
	number uint32
}

func newBlockSender(data []byte, peerMaxPdu int) (*blockSender, error) {
	size := peerMaxPdu - blockoverhead
	if size <= 0 {
		return nil, fmt.Errorf("peer max pdu %d too small for block transfer", peerMaxPdu)
	}
	return &blockSender{data: data, size: size}, nil
}

// fits is true when the payload can go at once inside of a pdu of this size.
func fits(payload int, peerMaxPdu int) bool {
	return payload+pduoverhead <= peerMaxPdu
}

// Next returns the following block, its 1 based number and whether it is the last one.
func (b *blockSender) Next() (raw []byte, number uint32, last bool) {
	n := min(b.size, len(b.data))
	raw = b.data[:n]
	b.data = b.data[n:]
	b.number++
	return raw, b.number, len(b.data) == 0
}

func (b *blockSender) Number() uint32 {
	return b.number
}
