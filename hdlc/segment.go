package hdlc

import (
	"fmt"

	"github.com/cybroslabs/dlms-engine/base"
)

const maxBody = 10000000

// Segment splits payload into information fields of at most maxInfo bytes, the negotiated
// max information length of the sending side. There is always at least one segment, an
// empty payload gives one empty segment.
func Segment(payload []byte, maxInfo int) [][]byte {
	size := maxInfo
	if size < 1 {
		size = 1
	}
	if len(payload) <= size {
		return [][]byte{payload}
	}
	out := make([][]byte, 0, (len(payload)+size-1)/size)
	for len(payload) > size {
		out = append(out, payload[:size])
		payload = payload[size:]
	}
	if len(payload) > 0 {
		out = append(out, payload)
	}
	return out
}

// Reassembler joins segmented I frames into one message and keeps track of the expected
// send sequence of the peer, that is N(R) for our outgoing frames.
type Reassembler struct {
	buf    []byte
	next   uint8
	active bool
}

// Next returns the receive sequence number to put into RR and I frames.
func (r *Reassembler) Next() uint8 {
	return r.next
}

// Reset drops partial data and restarts sequence numbering, used after link establishment.
func (r *Reassembler) Reset() {
	r.buf = nil
	r.next = 0
	r.active = false
}

// Add buffers the frame information, complete is true once a frame without the segment
// bit arrived and Bytes holds the whole message.
func (r *Reassembler) Add(f *Frame) (complete bool, err error) {
	if f.Type != FrameI {
		if r.active {
			return false, fmt.Errorf("%w: %v frame while reassembling", base.ErrProtocol, f.Type)
		}
		return false, fmt.Errorf("%w: %v frame is no information frame", base.ErrProtocol, f.Type)
	}
	if f.SendSeq != r.next {
		return false, fmt.Errorf("%w: out of sequence frame, got N(S) %d, expected %d", base.ErrProtocol, f.SendSeq, r.next)
	}
	if !r.active {
		r.buf = r.buf[:0]
		r.active = true
	}
	if len(r.buf)+len(f.Info) > maxBody {
		return false, fmt.Errorf("%w: too long message", base.ErrProtocol)
	}
	r.next = (r.next + 1) & 7
	r.buf = append(r.buf, f.Info...)
	if f.Segmented {
		return false, nil
	}
	r.active = false
	return true, nil
}

// Bytes returns a copy of the last complete message.
func (r *Reassembler) Bytes() []byte {
	out := make([]byte, len(r.buf))
	copy(out, r.buf)
	return out
}
