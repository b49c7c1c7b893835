// Package dlmsal implements the DLMS/COSEM application layer, the association with its
// security and the xDLMS services, for both the client and the server side.
//
// The client works on top of any base.Session (hdlc, wrapper). One reader goroutine
// per client receives APDUs and hands them over to the waiting request by invoke id,
// requests themselves are serialized.
//
// Basic usage:
//
//	settings, _ := dlmsal.NewSettingsWithLowAuthenticationLN("password")
//	session := wrapper.New(tcp.New("192.168.1.100", 4059, 30*time.Second), 1, 1)
//	client := dlmsal.New(session, settings)
//	err := client.Open()
//
//	items := []dlmsal.DlmsLNRequestItem{{
//		ClassId:   3,
//		Obis:      dlmsal.DlmsObis{A: 1, B: 0, C: 1, D: 8, E: 0, F: 255},
//		Attribute: 2,
//	}}
//	data, err := client.Get(items)
//
// Values are passed around as encoded A-XDR Data elements, this package does not
// interpret them.
package dlmsal

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cybroslabs/dlms-engine/base"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

type DlmsClient interface {
	Open() error
	Close() error
	Disconnect() error
	SetLogger(logger *zap.SugaredLogger)
	SetRawMessageListener(l RawMessageListener)
	SetEventListener(l EventListener)
	State() ConnectionState
	Get(items []DlmsLNRequestItem) ([]DlmsData, error)
	Set(items []DlmsLNRequestItem) ([]base.DlmsResultTag, error)
	Action(item DlmsLNRequestItem) (*DlmsData, error)
	Read(items []DlmsSNRequestItem) ([]DlmsData, error)
	Write(items []DlmsSNRequestItem) ([]base.DlmsResultTag, error)
}

// ConnectionState is a snapshot of a negotiated association.
type ConnectionState struct {
	Open              bool
	Association       string
	Conformance       Conformance
	MaxPduSendSize    int
	MaxPduRecvSize    int
	ServerSystemTitle []byte
	VAAddress         uint16
}

// ActionError is a non success action result, the association stays usable.
type ActionError struct {
	Result base.ActionResultTag
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("action failed: %v", e.Result)
}

type dlmsal struct {
	session  base.Session
	settings *DlmsSettings
	clock    clock.Clock
	logger   *zap.SugaredLogger

	rmu      sync.Mutex // one request at a time, also guards the fields below
	isopen   atomic.Bool
	done     chan struct{} // closed when the reader ends
	corr     *correlator
	assoc    chan response
	sec      *security
	state    *association
	invokeid atomic.Uint32
	maxsend  int
	conf     Conformance
	vaa      uint16
	title    []byte

	lmu     sync.RWMutex
	rawl    RawMessageListener
	eventl  EventListener
	suspend atomic.Bool // logging suspended during confidential exchange
}

// New creates a client on top of an unopened session, nothing is sent before Open.
func New(session base.Session, settings *DlmsSettings) DlmsClient {
	return NewWithClock(session, settings, clock.RealClock{})
}

// NewWithClock is New with a custom time source for response timeouts.
func NewWithClock(session base.Session, settings *DlmsSettings, clk clock.Clock) DlmsClient {
	return &dlmsal{
		session:  session,
		settings: settings,
		clock:    clk,
	}
}

func (d *dlmsal) logf(format string, v ...any) {
	if d.logger != nil {
		d.logger.Infof(format, v...)
	}
}

func (d *dlmsal) dlogf(format string, v ...any) {
	if d.logger != nil && !d.suspend.Load() {
		d.logger.Debugf(format, v...)
	}
}

func (d *dlmsal) SetLogger(logger *zap.SugaredLogger) {
	d.logger = logger
	d.session.SetLogger(logger)
}

func (d *dlmsal) SetRawMessageListener(l RawMessageListener) {
	d.lmu.Lock()
	d.rawl = l
	d.lmu.Unlock()
}

func (d *dlmsal) SetEventListener(l EventListener) {
	d.lmu.Lock()
	d.eventl = l
	d.lmu.Unlock()
}

func (d *dlmsal) State() ConnectionState {
	d.rmu.Lock()
	defer d.rmu.Unlock()
	ret := ConnectionState{
		Open:              d.isopen.Load(),
		Conformance:       d.conf,
		MaxPduSendSize:    d.maxsend,
		MaxPduRecvSize:    d.settings.MaxPduRecvSize,
		ServerSystemTitle: d.title,
		VAAddress:         d.vaa,
	}
	if d.state != nil {
		ret.Association = d.state.state()
	}
	return ret
}

func (d *dlmsal) raw(source MessageSource, wire []byte, plain []byte, sec *SecurityHeader) {
	d.lmu.RLock()
	l := d.rawl
	d.lmu.RUnlock()
	if l != nil {
		l(&RawMessageData{Source: source, Raw: wire, APdu: newapdu(plain, sec)})
	}
}

// logstate suppresses logging of all layers while a LOW password goes over the wire.
func (d *dlmsal) logstate(st bool) bool {
	if d.settings.ShowSecuredValues || d.settings.suite.authentication != base.AuthenticationLow {
		return false
	}
	if st {
		d.session.SetLogger(d.logger)
		d.suspend.Store(false)
	} else {
		d.logf("Temporarily suppressing logs due to packet with confidential content")
		d.session.SetLogger(nil)
		d.suspend.Store(true)
	}
	return true
}

// fatal tears the connection down, every pending and future request fails with err.
func (d *dlmsal) fatal(err error) error {
	d.logf("Connection failed: %v", err)
	d.isopen.Store(false)
	if c := d.corr; c != nil {
		c.fail(err)
	}
	_ = d.session.Disconnect()
	return err
}

// startreader keeps a running reader unless it is already failed, a failed one ends
// soon as the session is disconnected by then.
func (d *dlmsal) startreader() {
	if d.done != nil {
		select {
		case <-d.done:
		default:
			if !d.corr.isdead() {
				return
			}
			<-d.done
		}
	}
	d.corr = newcorrelator(d.clock, d.logf)
	d.assoc = make(chan response, 1)
	d.done = make(chan struct{})
	go d.reader(d.corr, d.assoc, d.done)
}

func (d *dlmsal) reader(c *correlator, assoc chan response, done chan struct{}) {
	defer close(done)
	for {
		wire, err := d.session.Receive()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				d.logf("Receive failed: %v", err)
			}
			d.isopen.Store(false)
			c.fail(fmt.Errorf("%w: %w", base.ErrNotOpened, err))
			select {
			case assoc <- response{err: err}:
			default:
			}
			return
		}
		d.dlogf(base.LogHex("Received", wire))
		if len(wire) == 0 {
			d.logf("Dropping empty apdu")
			continue
		}
		if err = d.dispatch(c, assoc, wire); err != nil {
			_ = d.fatal(err)
		}
	}
}

func (d *dlmsal) dispatch(c *correlator, assoc chan response, wire []byte) error {
	switch base.CosemTag(wire[0]) {
	case base.TagAARE, base.TagRLRE:
		d.raw(MessageReceived, wire, wire, nil)
		select {
		case assoc <- response{apdu: wire}:
		default:
			d.logf("Dropping unexpected %02x", wire[0])
		}
		return nil
	}

	plain := wire
	var sh *SecurityHeader
	if isglo(wire[0]) {
		sec := d.sec
		if sec == nil {
			return fmt.Errorf("%w: ciphered apdu without security context", base.ErrProtocol)
		}
		var err error
		if plain, sh, err = sec.unwrap(wire); err != nil {
			return err
		}
		d.dlogf(base.LogHex("Deciphered", plain))
	} else if d.sec != nil && d.sec.encrypt && base.CosemTag(wire[0]) != base.TagExceptionResponse {
		return fmt.Errorf("%w: plain apdu %02x in ciphered association", base.ErrProtocol, wire[0])
	}
	d.raw(MessageReceived, wire, plain, sh)

	r := response{apdu: plain, sec: sh}
	switch base.CosemTag(plain[0]) {
	case base.TagGetResponse, base.TagSetResponse, base.TagActionResponse:
		if len(plain) < 3 {
			return fmt.Errorf("%w: too short response", base.ErrProtocol)
		}
		c.put(plain[2]&0x0f, r)
	case base.TagReadResponse, base.TagWriteResponse:
		c.put(snkey, r)
	case base.TagExceptionResponse, base.TagConfirmedServiceError:
		c.broadcast(r)
	case base.TagEventNotificationRequest:
		ev, err := decodeEventNotification(plain)
		if err != nil {
			d.logf("Ignoring invalid event notification: %v", err)
			return nil
		}
		d.lmu.RLock()
		l := d.eventl
		d.lmu.RUnlock()
		if l != nil {
			l(ev)
		} else {
			d.logf("Event notification %d/%v/%d without listener", ev.ClassId, ev.Obis, ev.Attribute)
		}
	default:
		d.logf("Dropping unexpected apdu %02x", plain[0])
	}
	return nil
}

// send ciphers when needed and writes one apdu.
func (d *dlmsal) send(apdu []byte) error {
	wire := apdu
	var sh *SecurityHeader
	if d.sec != nil && d.sec.encrypt {
		var err error
		if wire, sh, err = d.sec.wrap(apdu); err != nil {
			return err
		}
	}
	d.dlogf(base.LogHex("Sending", wire))
	d.raw(MessageSent, wire, apdu, sh)
	if err := d.session.Send(wire); err != nil {
		return d.fatal(err)
	}
	return nil
}

// exchange sends a request and waits for its response. Exceptions are decoded, any other
// error than a timeout is fatal already.
func (d *dlmsal) exchange(key byte, apdu []byte) ([]byte, error) {
	if err := d.corr.expect(key); err != nil {
		return nil, err
	}
	if err := d.send(apdu); err != nil {
		d.corr.cancel(key)
		return nil, err
	}
	rsp, _, err := d.corr.wait(key, d.settings.ResponseTimeout)
	if err != nil {
		return nil, err
	}
	switch base.CosemTag(rsp[0]) {
	case base.TagExceptionResponse, base.TagConfirmedServiceError:
		return nil, decodeException(rsp)
	}
	return rsp, nil
}

func (d *dlmsal) nextid() byte {
	return byte(d.invokeid.Inc() & 0x0f)
}

func (d *dlmsal) invoke(id byte) byte {
	return id | d.settings.invokebyte()
}

// checkopen is called with rmu held.
func (d *dlmsal) checkopen(required Conformance) error {
	if !d.isopen.Load() {
		return base.ErrNotOpened
	}
	if d.settings.HighPriority {
		required |= base.ConformanceBlockPriorityMgmtSupported
	}
	return d.conf.Require(required)
}

func (d *dlmsal) waitassoc() ([]byte, error) {
	var tc <-chan time.Time
	if d.settings.ResponseTimeout > 0 {
		tc = d.clock.After(d.settings.ResponseTimeout)
	}
	select {
	case r := <-d.assoc:
		if r.err != nil {
			return nil, r.err
		}
		return r.apdu, nil
	case <-tc:
		return nil, base.ErrResponseTimeout
	}
}

func (d *dlmsal) Open() error {
	d.rmu.Lock()
	defer d.rmu.Unlock()
	if d.isopen.Load() {
		return nil
	}
	s := d.settings
	if err := s.validate(); err != nil {
		return err
	}
	if err := d.session.Open(); err != nil {
		return err
	}
	d.startreader()
	d.state = newassociation(d.logf)
	d.sec = nil

	req := &aarq{ApplicationContext: s.ApplicationContext, UserId: s.UserId}
	var ctos []byte
	if s.suite.usescipher() {
		if s.suite.authentication == base.AuthenticationHighGmac {
			ctos = make([]byte, s.ChallengeLength)
			if _, err := rand.Read(ctos); err != nil {
				return err
			}
		}
		c, err := s.suite.newcipher(s.systemtitle, ctos)
		if err != nil {
			return err
		}
		d.sec = newsecurity(c, s.framecounter, s.suite.encryption != EncryptionNone)
		req.CallingTitle = s.systemtitle
	}
	switch s.suite.authentication {
	case base.AuthenticationLow:
		req.HasMechanism = true
		req.Mechanism = base.AuthenticationLow
		req.AuthenticationValue = s.suite.password
	case base.AuthenticationHighGmac:
		req.HasMechanism = true
		req.Mechanism = base.AuthenticationHighGmac
		req.AuthenticationValue = ctos
	}
	req.UserInformation = encodeInitiateRequest(&initiateRequest{Conformance: s.ConformanceBlock, MaxPdu: uint16(s.MaxPduRecvSize)})
	if d.sec != nil && d.sec.encrypt {
		var err error
		if req.UserInformation, _, err = d.sec.wrap(req.UserInformation); err != nil {
			return err
		}
	}
	if err := d.state.event(eventPropose); err != nil {
		return err
	}

	b, nosec := encodeAARQ(req)
	if d.logstate(false) {
		d.logf(base.LogHex("AARQ (sec values zeroed)", nosec))
	} else {
		d.dlogf(base.LogHex("AARQ", b))
	}
	d.raw(MessageSent, nosec, nosec, nil)
	err := d.session.Send(b)
	d.logstate(true)
	if err != nil {
		return d.fatal(err)
	}
	rsp, err := d.waitassoc()
	if err != nil {
		return d.fatal(fmt.Errorf("unable to receive AARE: %w", err))
	}
	if err = d.processaare(rsp); err != nil {
		_ = d.state.event(eventReject)
		var ae *base.AssociationError
		if errors.As(err, &ae) {
			_ = d.session.Close()
			return err
		}
		return d.fatal(err)
	}
	return nil
}

// processaare is called with rmu held.
func (d *dlmsal) processaare(src []byte) error {
	s := d.settings
	r, err := decodeAARE(src)
	if err != nil {
		return fmt.Errorf("unable to parse AARE: %w", err)
	}
	d.logf("AARE result: %v, diagnostic: %v", r.Result, r.Diagnostic)
	if r.Result != base.AssociationResultAccepted {
		return &base.AssociationError{Result: r.Result, Diagnostic: r.Diagnostic}
	}
	if r.ApplicationContext != s.ApplicationContext {
		return fmt.Errorf("%w: application contexts differ: %v != %v", base.ErrProtocol, r.ApplicationContext, s.ApplicationContext)
	}
	hls := s.suite.authentication == base.AuthenticationHighGmac
	if d.sec != nil {
		if r.RespondingTitle == nil {
			return fmt.Errorf("%w: no server system title in AARE", base.ErrProtocol)
		}
		var stoc []byte
		if hls {
			if len(r.AuthenticationValue) < minChallengeLength || len(r.AuthenticationValue) > maxChallengeLength {
				return fmt.Errorf("%w: invalid StoC length %d", base.ErrAuthentication, len(r.AuthenticationValue))
			}
			stoc = r.AuthenticationValue
		}
		if err = d.sec.setup(r.RespondingTitle, stoc); err != nil {
			return err
		}
		d.title = r.RespondingTitle
	}
	if r.UserInformation == nil {
		return fmt.Errorf("%w: no user information in AARE", base.ErrProtocol)
	}
	ui := r.UserInformation
	if len(ui) > 0 && isglo(ui[0]) {
		if d.sec == nil {
			return fmt.Errorf("%w: ciphered user information without ciphering", base.ErrProtocol)
		}
		if ui, _, err = d.sec.unwrap(ui); err != nil {
			return err
		}
	}
	if len(ui) == 0 {
		return fmt.Errorf("%w: empty user information", base.ErrProtocol)
	}
	switch base.CosemTag(ui[0]) {
	case base.TagInitiateResponse:
	case base.TagConfirmedServiceError:
		return decodeException(ui)
	default:
		return fmt.Errorf("%w: unexpected user information tag %02x", base.ErrProtocol, ui[0])
	}
	ir, err := decodeInitiateResponse(ui[1:])
	if err != nil {
		return err
	}
	d.conf = ir.NegotiatedConformance
	d.maxsend = int(ir.ServerMaxReceivePduSize)
	if d.maxsend == 0 {
		d.maxsend = 0xffff
	}
	d.vaa = ir.VAAddress
	d.logf("Negotiated conformance: %v, max PDU size: %v, VAA: %04x", d.conf, d.maxsend, d.vaa)

	if !hls {
		if r.Diagnostic != base.SourceDiagnosticNone {
			return fmt.Errorf("%w: accepted with diagnostic %v", base.ErrProtocol, r.Diagnostic)
		}
		d.isopen.Store(true)
		return d.state.event(eventAccept)
	}
	if r.Diagnostic != base.SourceDiagnosticAuthenticationRequired {
		return fmt.Errorf("%w: unexpected diagnostic %v for HLS", base.ErrAuthentication, r.Diagnostic)
	}
	if err = d.state.event(eventChallenge); err != nil {
		return err
	}
	d.isopen.Store(true) // action has to pass
	if err = d.replytohls(); err != nil {
		d.isopen.Store(false)
		return err
	}
	return d.state.event(eventAccept)
}

// Close releases the association and closes the session. Missing RLRE is an error,
// the session gets closed anyway.
func (d *dlmsal) Close() error {
	d.rmu.Lock()
	defer d.rmu.Unlock()
	if !d.isopen.Load() {
		return d.session.Close()
	}
	d.isopen.Store(false)

	rl := encodeRLRQ(d.settings)
	d.dlogf(base.LogHex("RLRQ", rl))
	d.raw(MessageSent, rl, rl, nil)
	if err := d.session.Send(rl); err != nil {
		_ = d.session.Close()
		return err
	}
	rsp, err := d.waitassoc()
	if err != nil {
		_ = d.session.Close()
		return fmt.Errorf("unable to receive RLRE: %w", err)
	}
	if _, err = decodeRelease(rsp, base.TagRLRE); err != nil {
		d.logf("Invalid RLRE: %v", err) // some devices return non-standard responses
	}
	_ = d.state.event(eventRelease)
	return d.session.Close()
}

func (d *dlmsal) Disconnect() error {
	d.isopen.Store(false)
	if c := d.corr; c != nil {
		c.fail(base.ErrNotOpened)
	}
	return d.session.Disconnect()
}
