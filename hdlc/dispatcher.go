package hdlc

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cybroslabs/dlms-engine/base"
	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

const pendingFrames = 8

// FrameListener receives frames addressed to one client association. Both callbacks run
// on the dispatcher goroutine.
type FrameListener interface {
	FrameReceived(f *Frame)
	ConnectionInterrupted(err error)
}

type registration struct {
	listener FrameListener
	pending  chan *Frame // set while snrm or disc is in progress
}

// Dispatcher owns one physical link shared by several client associations, each one
// identified by its AddressPair. A single goroutine reads the link, everything else
// goes through the listener table guarded by one mutex.
type Dispatcher struct {
	transport base.Stream
	logger    *zap.SugaredLogger
	clock     clock.Clock

	omu       sync.Mutex // link open and close, held by Register and Unregister
	mu        sync.Mutex
	listeners map[AddressPair]*registration
	running   bool
	gen       int // reader generation, bumped whenever the link is reopened

	wmu sync.Mutex
}

// NewDispatcher creates a dispatcher for the stream, nil clock means the real one.
func NewDispatcher(transport base.Stream, logger *zap.SugaredLogger, clk clock.Clock) *Dispatcher {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Dispatcher{
		transport: transport,
		logger:    logger,
		clock:     clk,
		listeners: make(map[AddressPair]*registration),
	}
}

func (d *Dispatcher) logf(format string, v ...any) {
	if d.logger != nil {
		d.logger.Infof(format, v...)
	}
}

func (d *Dispatcher) dlogf(format string, v ...any) {
	if d.logger != nil {
		d.logger.Debugf(format, v...)
	}
}

// Register adds a listener for the pair, opening the link and starting the reader if this
// is the first one. The link is opened under omu only, lookups of other associations go on
// meanwhile.
func (d *Dispatcher) Register(pair AddressPair, l FrameListener) error {
	d.omu.Lock()
	defer d.omu.Unlock()

	if d.registered(pair) {
		return fmt.Errorf("address pair %v is already in use", pair)
	}
	if !d.transport.IsOpen() {
		if err := d.transport.Open(); err != nil {
			return err
		}
	}
	d.transport.SetDeadline(time.Time{})

	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners[pair] = &registration{listener: l}
	if !d.running {
		d.running = true
		d.gen++
		go d.run(d.gen)
	}
	return nil
}

func (d *Dispatcher) registered(pair AddressPair) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.listeners[pair]
	return ok
}

// Unregister removes the pair, the link is closed when no association is left.
func (d *Dispatcher) Unregister(pair AddressPair) {
	d.omu.Lock()
	defer d.omu.Unlock()
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.listeners, pair)
	if len(d.listeners) == 0 && d.transport.IsOpen() {
		d.logf("last association left, closing link")
		d.running = false
		d.gen++
		_ = d.transport.Disconnect()
	}
}

// BeginExchange makes frames for the pair go to the returned channel instead of the
// listener, used during link establishment and teardown.
func (d *Dispatcher) BeginExchange(pair AddressPair) (<-chan *Frame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	r, ok := d.listeners[pair]
	if !ok {
		return nil, fmt.Errorf("address pair %v is not registered", pair)
	}
	r.pending = make(chan *Frame, pendingFrames)
	return r.pending, nil
}

func (d *Dispatcher) EndExchange(pair AddressPair) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if r, ok := d.listeners[pair]; ok {
		r.pending = nil
	}
}

// WriteFrame encodes and writes one frame, writes of all associations are serialized.
func (d *Dispatcher) WriteFrame(f *Frame) error {
	b, err := EncodeFrame(f)
	if err != nil {
		return err
	}
	d.wmu.Lock()
	defer d.wmu.Unlock()
	d.dlogf("%s", base.LogHex(fmt.Sprintf("TX %v", f.Type), b))
	return d.transport.Write(b)
}

// Run is the link reader loop. Every frame goes to the association of its address pair,
// to the pending exchange channel while SNRM or DISC is in progress and to the
// FrameListener otherwise. UI frames and frames of unknown pairs are dropped.
// Run returns when the stream fails or is closed, the listeners left get
// ConnectionInterrupted then. It returns as well once Unregister of the last association
// closed the link or a later Run took it over. Register starts the loop on its own
// goroutine, calling Run directly only makes sense for a registered link whose reader stopped.
func (d *Dispatcher) Run() {
	d.mu.Lock()
	d.running = true
	d.gen++
	gen := d.gen
	d.mu.Unlock()
	d.run(gen)
}

func (d *Dispatcher) run(gen int) {
	fr := NewFrameReader(d.transport)
	for d.current(gen) {
		f, raw, err := fr.ReadFrame()
		if err != nil {
			d.stop(gen, err)
			return
		}
		d.dlogf("%s", base.LogHex(fmt.Sprintf("RX %v", f.Type), raw))
		d.route(f)
	}
}

func (d *Dispatcher) current(gen int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return gen == d.gen
}

func (d *Dispatcher) route(f *Frame) {
	if f.Type == FrameUI {
		d.dlogf("discarding UI frame")
		return
	}
	pair := f.Pair(true)
	d.mu.Lock()
	r, ok := d.listeners[pair]
	var pending chan *Frame
	if ok {
		pending = r.pending
	}
	d.mu.Unlock()

	switch {
	case !ok:
		d.logf("dropping frame for unknown address pair %v", pair)
	case pending != nil:
		select {
		case pending <- f:
		default:
			d.logf("dropping %v frame for %v, nobody is waiting", f.Type, pair)
		}
	default:
		r.listener.FrameReceived(f)
	}
}

func (d *Dispatcher) stop(gen int, err error) {
	d.mu.Lock()
	if gen != d.gen { // link was reopened meanwhile, someone else reads now
		d.mu.Unlock()
		return
	}
	ls := make([]FrameListener, 0, len(d.listeners))
	for _, r := range d.listeners {
		ls = append(ls, r.listener)
	}
	clear(d.listeners)
	d.running = false
	open := d.transport.IsOpen()
	d.mu.Unlock()

	if len(ls) == 0 && !open {
		d.dlogf("link reader finished: %v", err)
		return
	}
	d.logf("link failed: %v", err)
	if errors.Is(err, base.ErrFrameInvalid) {
		_ = d.transport.Disconnect()
	}
	for _, l := range ls {
		l.ConnectionInterrupted(err)
	}
}
