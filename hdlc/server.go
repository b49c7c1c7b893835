package hdlc

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/cybroslabs/dlms-engine/base"
	"github.com/cybroslabs/dlms-engine/llc"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

type ServerSettings struct {
	MaxRcv uint
	MaxSnd uint
	// Accept decides whether an SNRM for the pair is answered by UA, nil accepts everything.
	Accept func(pair AddressPair) bool
}

// serverlayer is the server side of one HDLC link. It is driven synchronously by
// Receive and Send from one goroutine, no dispatcher is involved.
type serverlayer struct {
	transport base.Stream
	reader    *FrameReader
	settings  ServerSettings
	logger    *zap.SugaredLogger

	pair        AddressPair
	params      Parameters
	sendseq     uint8
	reassembler Reassembler
	isopen      atomic.Bool
	wmu         sync.Mutex
}

func NewServer(transport base.Stream, settings *ServerSettings) base.Session {
	return &serverlayer{
		transport: transport,
		reader:    NewFrameReader(transport),
		settings:  *settings,
	}
}

func (s *serverlayer) logf(format string, v ...any) {
	if s.logger != nil {
		s.logger.Infof(format, v...)
	}
}

func (s *serverlayer) dlogf(format string, v ...any) {
	if s.logger != nil {
		s.logger.Debugf(format, v...)
	}
}

func (s *serverlayer) SetLogger(logger *zap.SugaredLogger) {
	s.logger = logger
	s.transport.SetLogger(logger)
}

func (s *serverlayer) local() Parameters {
	return Parameters{
		MaxTransmitInfoLength: uint16(min(s.settings.MaxSnd, MaxInfoLength)),
		MaxReceiveInfoLength:  uint16(min(s.settings.MaxRcv, MaxInfoLength)),
		TransmitWindow:        MinWindow,
		ReceiveWindow:         MinWindow,
	}.Bounded()
}

func (s *serverlayer) readframe() (*Frame, error) {
	for {
		f, raw, err := s.reader.ReadFrame()
		if err != nil {
			return nil, err
		}
		s.dlogf("%s", base.LogHex(fmt.Sprintf("RX %v", f.Type), raw))
		if f.Type == FrameUI {
			s.dlogf("discarding UI frame")
			continue
		}
		return f, nil
	}
}

func (s *serverlayer) writeframe(f *Frame) error {
	f.Destination = s.pair.client()
	f.Source = s.pair.server()
	b, err := EncodeFrame(f)
	if err != nil {
		return err
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	s.dlogf("%s", base.LogHex(fmt.Sprintf("TX %v", f.Type), b))
	return s.transport.Write(b)
}

func (s *serverlayer) reply(request *Frame, t FrameType, info []byte) error {
	pair := s.pair
	s.pair = request.Pair(false)
	defer func() {
		if s.isopen.Load() {
			s.pair = pair
		}
	}()
	return s.writeframe(&Frame{Type: t, PollFinal: true, Info: info})
}

// accept handles SNRM, the link is (re)established with fresh sequence numbers.
func (s *serverlayer) accept(f *Frame) error {
	pair := f.Pair(false)
	if s.isopen.Load() && pair != s.pair {
		s.logf("snrm from %v while %v is connected, refusing", pair, s.pair)
		return s.reply(f, FrameDM, nil)
	}
	if s.settings.Accept != nil && !s.settings.Accept(pair) {
		s.logf("snrm from %v refused", pair)
		return s.reply(f, FrameDM, nil)
	}
	peer, err := DecodeParameters(f.Info)
	if err != nil {
		return err
	}
	s.pair = pair
	s.params = s.local().Negotiate(peer)
	s.sendseq = 0
	s.reassembler.Reset()
	s.isopen.Store(true)
	s.logf("snrm from %v accepted, negotiated %v", pair, s.params)
	// ua carries parameters from the server point of view
	return s.writeframe(&Frame{Type: FrameUA, PollFinal: true, Info: s.params.Encode()})
}

// Open waits for SNRM, frames arriving before it are answered by DM.
func (s *serverlayer) Open() error {
	if s.isopen.Load() {
		return nil
	}
	if !s.transport.IsOpen() {
		if err := s.transport.Open(); err != nil {
			return err
		}
	}
	for !s.isopen.Load() {
		f, err := s.readframe()
		if err != nil {
			return err
		}
		switch f.Type {
		case FrameSNRM:
			if err = s.accept(f); err != nil {
				return err
			}
		case FrameDISC, FrameI, FrameRR, FrameRNR:
			s.dlogf("%v frame in disconnected mode", f.Type)
			if err = s.reply(f, FrameDM, nil); err != nil {
				return err
			}
		default:
			s.logf("ignoring %v frame in disconnected mode", f.Type)
		}
	}
	return nil
}

// Receive returns the next reassembled APDU, io.EOF after DISC.
func (s *serverlayer) Receive() ([]byte, error) {
	if !s.isopen.Load() {
		return nil, base.ErrNotOpened
	}
	for {
		f, err := s.readframe()
		if err != nil {
			return nil, err
		}
		if f.Pair(false) != s.pair {
			if f.Type == FrameSNRM {
				_ = s.reply(f, FrameDM, nil)
			}
			s.logf("skipping %v frame for other address pair %v", f.Type, f.Pair(false))
			continue
		}
		switch f.Type {
		case FrameSNRM:
			if err = s.accept(f); err != nil {
				return nil, err
			}
		case FrameDISC:
			s.isopen.Store(false)
			if err = s.writeframe(&Frame{Type: FrameUA, PollFinal: true}); err != nil {
				return nil, err
			}
			s.logf("link %v disconnected by client", s.pair)
			return nil, io.EOF
		case FrameRR:
			if f.PollFinal {
				if err = s.writeframe(&Frame{Type: FrameRR, PollFinal: true, RecvSeq: s.reassembler.Next()}); err != nil {
					return nil, err
				}
			}
		case FrameI:
			complete, err := s.reassembler.Add(f)
			if err != nil {
				_ = s.writeframe(&Frame{Type: FrameFRMR, PollFinal: true})
				return nil, err
			}
			if !complete {
				if err = s.writeframe(&Frame{Type: FrameRR, PollFinal: true, RecvSeq: s.reassembler.Next()}); err != nil {
					return nil, err
				}
				continue
			}
			return llc.Strip(s.reassembler.Bytes(), false)
		default:
			s.logf("ignoring %v frame", f.Type)
		}
	}
}

// Send segments the response, waiting for the client RR between segments.
func (s *serverlayer) Send(apdu []byte) error {
	if !s.isopen.Load() {
		return base.ErrNotOpened
	}
	segs := Segment(llc.Wrap(apdu, true), int(s.params.MaxTransmitInfoLength))
	for i, seg := range segs {
		last := i == len(segs)-1
		f := &Frame{
			Type:      FrameI,
			SendSeq:   s.sendseq,
			RecvSeq:   s.reassembler.Next(),
			PollFinal: true,
			Segmented: !last,
			Info:      seg,
		}
		s.sendseq = (s.sendseq + 1) & 7
		if err := s.writeframe(f); err != nil {
			return err
		}
		if !last {
			if err := s.waitack(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *serverlayer) waitack() error {
	for {
		f, err := s.readframe()
		if err != nil {
			return err
		}
		if f.Pair(false) != s.pair {
			s.logf("skipping %v frame for other address pair %v", f.Type, f.Pair(false))
			continue
		}
		switch f.Type {
		case FrameRR:
			if f.RecvSeq == s.sendseq {
				return nil
			}
			return fmt.Errorf("%w: RR with N(R) %d, expected %d", base.ErrProtocol, f.RecvSeq, s.sendseq)
		case FrameDISC:
			s.isopen.Store(false)
			_ = s.writeframe(&Frame{Type: FrameUA, PollFinal: true})
			return io.EOF
		default:
			return fmt.Errorf("%w: %v frame while sending segments", base.ErrProtocol, f.Type)
		}
	}
}

// Close on the server side only drops the link, DISC is up to the client.
func (s *serverlayer) Close() error {
	s.isopen.Store(false)
	return s.transport.Close()
}

func (s *serverlayer) Disconnect() error {
	s.isopen.Store(false)
	err := s.transport.Disconnect()
	if err != nil && !errors.Is(err, base.ErrNotOpened) {
		return err
	}
	return nil
}

// Addresses implements base.AddressedSession, the logical device and the client address.
func (s *serverlayer) Addresses() (uint16, uint16) {
	return s.pair.Logical, uint16(s.pair.Client)
}
