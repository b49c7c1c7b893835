package hdlc

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cybroslabs/dlms-engine/base"
	"github.com/cybroslabs/dlms-engine/llc"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const (
	receiveQueue = 16
	ackQueue     = 8
)

type Settings struct {
	Logical         uint16
	Physical        uint16
	Client          byte
	MaxRcv          uint
	MaxSnd          uint
	ResponseTimeout time.Duration // zero waits forever
}

func (s *Settings) pair() AddressPair {
	return AddressPair{Logical: s.Logical, Physical: s.Physical, Client: s.Client}
}

func (s *Settings) parameters() Parameters {
	return Parameters{
		MaxTransmitInfoLength: uint16(min(s.MaxSnd, MaxInfoLength)),
		MaxReceiveInfoLength:  uint16(min(s.MaxRcv, MaxInfoLength)),
		TransmitWindow:        MinWindow, // no windowing yet
		ReceiveWindow:         MinWindow,
	}.Bounded()
}

// maclayer is the client side of one association multiplexed by a Dispatcher.
type maclayer struct {
	dispatcher *Dispatcher
	pair       AddressPair
	settings   Settings
	logger     *zap.SugaredLogger

	mu          sync.Mutex // sequence numbers and reassembly, shared with the dispatcher goroutine
	sendseq     uint8
	reassembler Reassembler
	params      Parameters
	isopen      atomic.Bool

	acks     chan uint8
	messages chan []byte
	dead     chan struct{}
	deaderr  error
	deadonce sync.Once
	smu      sync.Mutex // one Send at a time
}

// New creates a client session on the dispatcher link, nothing is sent before Open.
func New(dispatcher *Dispatcher, settings *Settings) (base.Session, error) {
	if settings.Logical > 0x3fff {
		return nil, fmt.Errorf("invalid logical address")
	}
	if settings.Physical > 0x3fff {
		return nil, fmt.Errorf("invalid physical address")
	}
	if settings.Client > 0x7f {
		return nil, fmt.Errorf("invalid client address")
	}
	return &maclayer{
		dispatcher: dispatcher,
		pair:       settings.pair(),
		settings:   *settings,
		logger:     dispatcher.logger,
		params:     settings.parameters(),
		dead:       make(chan struct{}),
	}, nil
}

func (w *maclayer) logf(format string, v ...any) {
	if w.logger != nil {
		w.logger.Infof(format, v...)
	}
}

func (w *maclayer) SetLogger(logger *zap.SugaredLogger) {
	w.logger = logger
}

func (w *maclayer) timeout() <-chan time.Time {
	if w.settings.ResponseTimeout <= 0 {
		return nil
	}
	return w.dispatcher.clock.After(w.settings.ResponseTimeout)
}

func (w *maclayer) frame(t FrameType) *Frame {
	return &Frame{
		Destination: w.pair.server(),
		Source:      w.pair.client(),
		Type:        t,
		PollFinal:   true,
	}
}

// exchange sends a U frame and waits for one of the accepted answers.
func (w *maclayer) exchange(f *Frame, accept ...FrameType) (*Frame, error) {
	pending, err := w.dispatcher.BeginExchange(w.pair)
	if err != nil {
		return nil, err
	}
	defer w.dispatcher.EndExchange(w.pair)

	if err = w.dispatcher.WriteFrame(f); err != nil {
		return nil, err
	}
	tm := w.timeout()
	for {
		select {
		case r := <-pending:
			for _, a := range accept {
				if r.Type == a {
					return r, nil
				}
			}
			w.logf("ignoring %v frame while waiting for answer to %v", r.Type, f.Type)
		case <-tm:
			return nil, fmt.Errorf("%w: no answer to %v", base.ErrResponseTimeout, f.Type)
		case <-w.dead:
			return nil, w.deaderr
		}
	}
}

func (w *maclayer) Open() error {
	if w.isopen.Load() {
		return nil
	}
	w.acks = make(chan uint8, ackQueue)
	w.messages = make(chan []byte, receiveQueue)
	w.dead = make(chan struct{})
	w.deadonce = sync.Once{}
	w.deaderr = nil
	if err := w.dispatcher.Register(w.pair, w); err != nil {
		return err
	}

	local := w.settings.parameters()
	snrm := w.frame(FrameSNRM)
	snrm.Info = local.Encode()
	r, err := w.exchange(snrm, FrameUA, FrameDM)
	if err != nil {
		w.dispatcher.Unregister(w.pair)
		return err
	}
	if r.Type == FrameDM {
		w.dispatcher.Unregister(w.pair)
		return fmt.Errorf("%w: snrm refused by DM", base.ErrProtocol)
	}
	peer, err := DecodeParameters(r.Info)
	if err != nil {
		w.dispatcher.Unregister(w.pair)
		return err
	}

	w.mu.Lock()
	w.params = local.Negotiate(peer)
	w.sendseq = 0
	w.reassembler.Reset()
	w.isopen.Store(true)
	w.mu.Unlock()
	w.logf("snrm completed for %v, negotiated %v", w.pair, w.params)
	return nil
}

// Send wraps the apdu into LLC and segments it, every non-final segment has to be
// acknowledged by RR before the next one goes out.
func (w *maclayer) Send(apdu []byte) error {
	if !w.isopen.Load() {
		return base.ErrNotOpened
	}
	w.smu.Lock()
	defer w.smu.Unlock()

	w.mu.Lock()
	maxinfo := int(w.params.MaxTransmitInfoLength)
	w.mu.Unlock()
	segs := Segment(llc.Wrap(apdu, false), maxinfo)
	for i, s := range segs {
		last := i == len(segs)-1
		w.mu.Lock()
		f := w.frame(FrameI)
		f.SendSeq = w.sendseq
		f.RecvSeq = w.reassembler.Next()
		f.Segmented = !last
		f.Info = s
		w.sendseq = (w.sendseq + 1) & 7
		next := w.sendseq
		w.mu.Unlock()

		if err := w.dispatcher.WriteFrame(f); err != nil {
			return err
		}
		if !last {
			if err := w.waitack(next); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *maclayer) waitack(next uint8) error {
	tm := w.timeout()
	for {
		select {
		case n := <-w.acks:
			if n == next {
				return nil
			}
			w.logf("unexpected RR with N(R) %d, waiting for %d", n, next)
		case <-tm:
			return fmt.Errorf("%w: no RR for segment", base.ErrResponseTimeout)
		case <-w.dead:
			return w.deaderr
		}
	}
}

func (w *maclayer) Receive() ([]byte, error) {
	if !w.isopen.Load() {
		return nil, base.ErrNotOpened
	}
	select {
	case m := <-w.messages:
		return m, nil
	case <-w.dead:
		select { // prefer data which made it in before the failure
		case m := <-w.messages:
			return m, nil
		default:
		}
		return nil, w.deaderr
	}
}

// FrameReceived runs on the dispatcher goroutine.
func (w *maclayer) FrameReceived(f *Frame) {
	switch f.Type {
	case FrameRR:
		select {
		case w.acks <- f.RecvSeq:
		default:
			w.logf("dropping RR, nobody is waiting")
		}
	case FrameRNR:
		w.logf("peer is not ready, N(R) %d", f.RecvSeq)
	case FrameI:
		w.mu.Lock()
		complete, err := w.reassembler.Add(f)
		var msg []byte
		if complete {
			msg = w.reassembler.Bytes()
		}
		next := w.reassembler.Next()
		w.mu.Unlock()
		if err != nil {
			w.fail(err)
			return
		}
		if !complete {
			rr := w.frame(FrameRR)
			rr.RecvSeq = next
			if err = w.dispatcher.WriteFrame(rr); err != nil {
				w.fail(err)
			}
			return
		}
		apdu, err := llc.Strip(msg, true)
		if err != nil {
			w.fail(err)
			return
		}
		select {
		case w.messages <- apdu:
		case <-w.dead:
		}
	case FrameDM, FrameDISC:
		w.fail(fmt.Errorf("%w: peer disconnected the link by %v", base.ErrProtocol, f.Type))
	case FrameFRMR:
		w.fail(fmt.Errorf("%w: frame rejected by peer", base.ErrProtocol))
	default:
		w.logf("ignoring %v frame", f.Type)
	}
}

func (w *maclayer) ConnectionInterrupted(err error) {
	w.fail(err)
}

func (w *maclayer) fail(err error) {
	w.deadonce.Do(func() {
		w.logf("association %v failed: %v", w.pair, err)
		w.deaderr = err
		close(w.dead)
	})
}

// Close sends DISC, missing answer is only logged.
func (w *maclayer) Close() error {
	if !w.isopen.Load() {
		return nil
	}
	w.smu.Lock()
	defer w.smu.Unlock()

	_, err := w.exchange(w.frame(FrameDISC), FrameUA, FrameDM)
	switch {
	case err == nil:
	case errors.Is(err, base.ErrResponseTimeout):
		w.logf("no answer to disconnect, closing anyway")
	default:
		w.logf("disconnect failed: %v", err)
	}
	w.isopen.Store(false)
	w.fail(io.EOF)
	w.dispatcher.Unregister(w.pair)
	return nil
}

// Disconnect drops the association without DISC, the link itself is closed together
// with the last association.
func (w *maclayer) Disconnect() error {
	w.isopen.Store(false)
	w.fail(base.ErrNotOpened)
	w.dispatcher.Unregister(w.pair)
	return nil
}

// Parameters returns negotiated link parameters, valid after Open.
func (w *maclayer) Parameters() Parameters {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.params
}
