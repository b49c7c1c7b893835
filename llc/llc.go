// Package llc adds and strips the LLC header carried in front of every APDU inside HDLC
// information fields.
package llc

import (
	"fmt"

	"github.com/cybroslabs/dlms-engine/base"
)

const (
	dsap = 0xe6
	// lsap of a request, client to server
	requestSsap = 0xe6
	// lsap of a response, server to client
	responseSsap = 0xe7
	quality      = 0x00

	HeaderLength = 3
)

// Wrap prepends the LLC header, response selects the server to client variant.
func Wrap(apdu []byte, response bool) []byte {
	out := make([]byte, HeaderLength+len(apdu))
	out[0] = dsap
	out[1] = requestSsap
	if response {
		out[1] = responseSsap
	}
	out[2] = quality
	copy(out[HeaderLength:], apdu)
	return out
}

// Strip checks and removes the LLC header, response is the direction expected.
func Strip(src []byte, response bool) ([]byte, error) {
	if len(src) < HeaderLength {
		return nil, fmt.Errorf("%w: too short message for LLC header", base.ErrProtocol)
	}
	ssap := byte(requestSsap)
	if response {
		ssap = responseSsap
	}
	if src[0] != dsap || src[1] != ssap || src[2] != quality {
		return nil, fmt.Errorf("%w: invalid LLC received header %02X%02X%02X", base.ErrProtocol, src[0], src[1], src[2])
	}
	return src[HeaderLength:], nil
}
