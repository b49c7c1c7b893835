// Package wrapper implements the DLMS Wrapper protocol for TCP/IP transport.
//
// The Wrapper protocol provides a simple framing mechanism for DLMS messages over TCP/IP,
// as an alternative to HDLC. It's typically used with direct TCP connections to meters.
//
// The wrapper adds a 8-byte header containing:
//   - Version (2 bytes): Always 0x0001
//   - Source WPORT (2 bytes): Logical address of sender
//   - Destination WPORT (2 bytes): Logical address of receiver
//   - Length (2 bytes): Payload length
//
// There is no segmentation at this layer, one message is one APDU. The server side learns
// its port pair from the first message received.
//
// Usage:
//
//	session := wrapper.New(tcpTransport, 1, 1)
//	err = session.Open()
package wrapper

import (
	"fmt"
	"io"
	"sync"

	"github.com/cybroslabs/dlms-engine/base"
	"go.uber.org/zap"
)

type wrapper struct {
	transport   base.Stream
	logger      *zap.SugaredLogger
	source      uint16
	destination uint16
	server      bool
	learned     bool // server only, pair taken from the first message
	header      [HeaderLength]byte
	wmu         sync.Mutex
}

func (w *wrapper) logf(format string, v ...any) {
	if w.logger != nil {
		w.logger.Infof(format, v...)
	}
}

// New creates a client session, source and destination are the WPORT addresses put into
// the header of every outgoing message.
func New(transport base.Stream, source uint16, destination uint16) base.Session {
	return &wrapper{
		transport:   transport,
		source:      source,
		destination: destination,
	}
}

// NewServer creates a server session answering to whatever pair the first request uses.
func NewServer(transport base.Stream) base.Session {
	return &wrapper{
		transport: transport,
		server:    true,
	}
}

func (w *wrapper) Close() error {
	return w.transport.Close()
}

func (w *wrapper) Disconnect() error {
	return w.transport.Disconnect()
}

func (w *wrapper) Open() error {
	if w.server {
		w.logf("Opening wrapper server session")
	} else {
		w.logf("Opening wrapper with source %d and destination %d", w.source, w.destination)
	}
	if w.transport.IsOpen() {
		return nil
	}
	return w.transport.Open()
}

func (w *wrapper) SetLogger(logger *zap.SugaredLogger) {
	w.logger = logger
	w.transport.SetLogger(logger)
}

// Send writes header and payload in one piece.
func (w *wrapper) Send(apdu []byte) error {
	if len(apdu) > maxPayload {
		return fmt.Errorf("packet too big: size=%d max=%d", len(apdu), maxPayload)
	}
	if w.server && !w.learned {
		return fmt.Errorf("no request received yet, unknown destination")
	}
	h := Header{Version: Version, Source: w.source, Destination: w.destination, Length: uint16(len(apdu))}
	out := append(h.Encode(), apdu...)

	w.wmu.Lock()
	defer w.wmu.Unlock()
	return w.transport.Write(out)
}

// Receive reads exactly one message. A message for an unexpected pair is consumed first
// so the stream stays aligned and only then reported.
func (w *wrapper) Receive() ([]byte, error) {
	if _, err := io.ReadFull(w.transport, w.header[:]); err != nil {
		return nil, err
	}
	h, err := parseheader(w.header[:])
	if err != nil {
		return nil, err
	}
	payload := make([]byte, h.Length)
	if _, err = io.ReadFull(w.transport, payload); err != nil {
		return nil, err
	}

	if w.server && !w.learned {
		w.source = h.Destination
		w.destination = h.Source
		w.learned = true
		w.logf("Wrapper pair learned, client %d, server %d", w.destination, w.source)
	}
	if h.Source != w.destination || h.Destination != w.source {
		return nil, fmt.Errorf("%w: invalid source or destination %d->%d, expected %d->%d", base.ErrProtocol, h.Source, h.Destination, w.destination, w.source)
	}
	return payload, nil
}

// Addresses implements base.AddressedSession.
func (w *wrapper) Addresses() (uint16, uint16) {
	return w.source, w.destination
}
