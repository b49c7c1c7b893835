// Package base holds the interfaces shared by every layer of the stack together with
// DLMS constants and the error taxonomy.
//
// Layers are stacked bottom-up: a Stream moves raw bytes (tcp, directserial), a Session
// moves whole APDUs over a Stream (hdlc, wrapper), and the application layer (dlmsal)
// works with Sessions only.
package base

import (
	"time"

	"go.uber.org/zap"
)

type Stream interface {
	Close() error
	Open() error
	Disconnect() error // hard end of connection without solving any unassociation or so
	IsOpen() bool
	SetLogger(logger *zap.SugaredLogger)
	SetDeadline(t time.Time)     // zero time means no deadline
	SetMaxReceivedBytes(m int64) // every call resets current counter, exceeding bytes count means comm error, only incomming bytes are counted
	Read(p []byte) (n int, err error)
	Write(src []byte) error // always write everything
	GetRxTxBytes() (int64, int64)
}

// Session is a message oriented layer, one Send is one APDU on the peer side and one
// Receive returns exactly one APDU, whatever framing or segmentation happens below.
type Session interface {
	Open() error // link establishment, snrm/ua for hdlc, no-op for wrapper
	Send(apdu []byte) error
	Receive() ([]byte, error) // io.EOF after the peer closed the link gracefully
	Close() error             // graceful, disc for hdlc
	Disconnect() error        // hard close of the underlying stream
	SetLogger(logger *zap.SugaredLogger)
}

// AddressedSession is a session that knows the address pair used by the peer. Server
// sessions learn it from the peer, hdlc after Open and wrapper after the first Receive.
type AddressedSession interface {
	Session
	Addresses() (local uint16, peer uint16) // logical device and client address on the server side
}
