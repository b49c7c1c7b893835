package dlmsal

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/cybroslabs/dlms-engine/base"
	"github.com/cybroslabs/dlms-engine/ciphering"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

// sessions without addressing are served as the public client of the management device
const (
	defaultLogicalDevice = managementDevice
	defaultClientId      = 16
)

// Listener hands over accepted byte streams, tcp.Listener is one.
type Listener interface {
	Accept() (base.Stream, error)
}

// SessionFactory wraps an accepted stream into the session layer, hdlc.NewServer or
// wrapper.NewServer usually.
type SessionFactory func(stream base.Stream) base.Session

// Server serves associations of many clients against one Directory. Every session is
// served by its own goroutine, requests of one session are processed in order.
type Server struct {
	settings *ServerSettings
	dir      Directory
	names    ShortNameResolver
	clock    clock.WithDelayedExecution
	logger   *zap.SugaredLogger

	lmu  sync.RWMutex
	rawl RawMessageListener

	mu     sync.Mutex
	conns  map[uint64]*serverconn
	nextid atomic.Uint64
}

// NewServer validates the settings, the directory gets the SAP assignment of the
// management device on top. Short names work when the directory is a ShortNameResolver.
func NewServer(dir Directory, settings *ServerSettings) (*Server, error) {
	return NewServerWithClock(dir, settings, clock.RealClock{})
}

// NewServerWithClock is NewServer with a custom time source for inactivity timeouts.
func NewServerWithClock(dir Directory, settings *ServerSettings, clk clock.WithDelayedExecution) (*Server, error) {
	if dir == nil {
		return nil, fmt.Errorf("no directory")
	}
	if settings == nil {
		return nil, fmt.Errorf("no server settings")
	}
	if err := settings.validate(); err != nil {
		return nil, err
	}
	s := &Server{
		settings: settings,
		dir:      newSapDirectory(dir, settings.LogicalDevices),
		clock:    clk,
		conns:    make(map[uint64]*serverconn),
	}
	s.names, _ = dir.(ShortNameResolver)
	return s, nil
}

// SetLogger is used for sessions served afterwards.
func (s *Server) SetLogger(logger *zap.SugaredLogger) {
	s.logger = logger
}

func (s *Server) SetRawMessageListener(l RawMessageListener) {
	s.lmu.Lock()
	s.rawl = l
	s.lmu.Unlock()
}

func (s *Server) logf(format string, v ...any) {
	if s.logger != nil {
		s.logger.Infof(format, v...)
	}
}

func (s *Server) raw(source MessageSource, wire []byte, plain []byte, sec *SecurityHeader) {
	s.lmu.RLock()
	l := s.rawl
	s.lmu.RUnlock()
	if l != nil {
		l(&RawMessageData{Source: source, Raw: wire, APdu: newapdu(plain, sec)})
	}
}

// Serve accepts streams until the listener fails and serves each in its own goroutine.
// The accept error is returned, closing the listener is the way to stop.
func (s *Server) Serve(l Listener, factory SessionFactory) error {
	for {
		stream, err := l.Accept()
		if err != nil {
			return err
		}
		go func() {
			if err := s.ServeSession(factory(stream)); err != nil {
				s.logf("Session ended: %v", err)
			}
		}()
	}
}

// ServeSession opens the session and serves it until the peer leaves, the link fails or
// the inactivity timeout hits. The session is disconnected at the end.
func (s *Server) ServeSession(session base.Session) error {
	session.SetLogger(s.logger)
	if err := session.Open(); err != nil {
		return err
	}
	c := s.newconn(session)
	defer s.remove(c)
	defer func() { _ = session.Disconnect() }()
	c.watch()
	defer c.unwatch()

	for {
		wire, err := session.Receive()
		if err != nil {
			if c.expired.Load() {
				c.logf("Connection %d closed after inactivity", c.id.Id)
				return nil
			}
			if errors.Is(err, io.EOF) {
				c.logf("Connection %d closed by peer", c.id.Id)
				return nil
			}
			return err
		}
		c.touch()
		if len(wire) == 0 {
			c.logf("Dropping empty apdu")
			continue
		}
		c.mu.Lock()
		err = c.handle(wire)
		c.mu.Unlock()
		if err != nil {
			return err
		}
	}
}

func (s *Server) newconn(session base.Session) *serverconn {
	c := &serverconn{
		srv:     s,
		session: session,
		id:      ConnectionId{Id: s.nextid.Inc(), LogicalDevice: defaultLogicalDevice, ClientId: defaultClientId},
		logger:  s.logger,
	}
	s.mu.Lock()
	s.conns[c.id.Id] = c
	s.mu.Unlock()
	return c
}

func (s *Server) remove(c *serverconn) {
	s.mu.Lock()
	delete(s.conns, c.id.Id)
	s.mu.Unlock()
}

func (s *Server) conn(id uint64) *serverconn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[id]
}

// Connections lists the sessions being served.
func (s *Server) Connections() []ConnectionId {
	s.mu.Lock()
	defer s.mu.Unlock()
	ret := make([]ConnectionId, 0, len(s.conns))
	for _, c := range s.conns {
		c.mu.Lock()
		ret = append(ret, c.id)
		c.mu.Unlock()
	}
	return ret
}

// Notify sends an event-notification-request to an associated client. It must not be
// called from Directory callbacks of the same connection.
func (s *Server) Notify(conn uint64, ev *EventNotification) error {
	c := s.conn(conn)
	if c == nil {
		return fmt.Errorf("%w: no connection %d", base.ErrNotOpened, conn)
	}
	if err := checkdata(ev.Value); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == nil || !c.state.authenticated() {
		return fmt.Errorf("%w: connection %d not associated", base.ErrNotOpened, conn)
	}
	if err := c.conf.Require(base.ConformanceBlockEventNotification); err != nil {
		return err
	}
	return c.send(encodeEventNotification(ev))
}

// Close disconnects every session, their ServeSession calls return.
func (s *Server) Close() error {
	s.mu.Lock()
	conns := make([]*serverconn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	var errs []error
	for _, c := range conns {
		if err := c.session.Disconnect(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// serverconn is one served session, associations come and go on it. Everything except
// the watchdog is guarded by mu.
type serverconn struct {
	srv     *Server
	session base.Session
	logger  *zap.SugaredLogger

	mu      sync.Mutex
	id      ConnectionId
	state   *association
	suite   *SecuritySuite
	sec     *security
	conf    Conformance
	maxsend int
	sn      bool

	get    *blockSender
	getinv byte
	read   *blockSender
	actout *blockSender
	set    *pendingset
	act    *pendingaction

	timer   clock.Timer
	expired atomic.Bool
}

type pendingset struct {
	attrs []AttributeAddress
	list  bool
	recv  *blockReceiver
}

type pendingaction struct {
	method MethodAddress
	recv   *blockReceiver
}

func (c *serverconn) logf(format string, v ...any) {
	if c.logger != nil {
		c.logger.Infof(format, v...)
	}
}

func (c *serverconn) dlogf(format string, v ...any) {
	if c.logger != nil {
		c.logger.Debugf(format, v...)
	}
}

func (c *serverconn) watch() {
	t := c.srv.settings.InactivityTimeout
	if t == nil {
		return
	}
	c.timer = c.srv.clock.AfterFunc(*t, func() {
		c.expired.Store(true)
		c.logf("Connection %d inactive for %v, disconnecting", c.id.Id, *t)
		_ = c.session.Disconnect()
	})
}

func (c *serverconn) touch() {
	if c.timer != nil && !c.expired.Load() {
		c.timer.Reset(*c.srv.settings.InactivityTimeout)
	}
}

func (c *serverconn) unwatch() {
	if c.timer != nil {
		c.timer.Stop()
	}
}

// reset drops the association and every transfer in progress.
func (c *serverconn) reset() {
	c.state = nil
	c.suite = nil
	c.sec = nil
	c.conf = 0
	c.maxsend = 0
	c.sn = false
	c.abort()
}

func (c *serverconn) abort() {
	c.get = nil
	c.read = nil
	c.actout = nil
	c.set = nil
	c.act = nil
}

// send ciphers xdlms responses when the association encrypts, exceptions and ACSE go plain.
func (c *serverconn) send(apdu []byte) error {
	wire := apdu
	var sh *SecurityHeader
	if c.sec != nil && c.sec.encrypt {
		if _, ok := glotags[base.CosemTag(apdu[0])]; ok {
			var err error
			if wire, sh, err = c.sec.wrap(apdu); err != nil {
				return err
			}
		}
	}
	c.dlogf(base.LogHex("Sending", wire))
	c.srv.raw(MessageSent, wire, apdu, sh)
	return c.session.Send(wire)
}

func (c *serverconn) exception(state byte, service byte) error {
	return c.send(encodeException(state, service))
}

// violation sends the last answer and drops the association, the returned error ends
// the session.
func (c *serverconn) violation(answer []byte, err error) error {
	c.logf("Closing connection %d: %v", c.id.Id, err)
	serr := c.send(answer)
	c.reset()
	return errors.Join(err, serr)
}

// malformed answers a request that cannot be parsed and closes the connection.
func (c *serverconn) malformed(err error) error {
	if !errors.Is(err, base.ErrProtocol) {
		err = fmt.Errorf("%w: %w", base.ErrProtocol, err)
	}
	return c.violation(encodeException(base.StateErrorServiceUnknown, base.ServiceErrorOtherReason), err)
}

func (c *serverconn) handle(wire []byte) error {
	switch base.CosemTag(wire[0]) {
	case base.TagAARQ:
		return c.send(c.processinitial(wire))
	case base.TagRLRQ:
		return c.release(wire)
	}
	c.dlogf(base.LogHex("Received", wire))

	plain := wire
	var sh *SecurityHeader
	if isglo(wire[0]) {
		if c.sec == nil || !c.sec.encrypt {
			c.srv.raw(MessageReceived, wire, nil, nil)
			if c.state == nil {
				return c.exception(base.StateErrorServiceNotAllowed, base.ServiceErrorOperationNotPossible)
			}
			return c.violation(encodeException(base.StateErrorServiceNotAllowed, base.ServiceErrorOperationNotPossible),
				fmt.Errorf("%w: ciphered apdu %02x in plain association", base.ErrAuthentication, wire[0]))
		}
		var err error
		if plain, sh, err = c.sec.unwrap(wire); err != nil {
			c.srv.raw(MessageReceived, wire, nil, nil)
			service := base.ServiceErrorDecipheringError
			if errors.Is(err, ciphering.ErrReplay) {
				service = base.ServiceErrorInvocationCounterError
			}
			return c.violation(encodeException(base.StateErrorServiceNotAllowed, service), err)
		}
		c.dlogf(base.LogHex("Deciphered", plain))
	} else if c.sec != nil && c.sec.encrypt {
		c.srv.raw(MessageReceived, wire, wire, nil)
		return c.violation(encodeException(base.StateErrorServiceNotAllowed, base.ServiceErrorOperationNotPossible),
			fmt.Errorf("%w: plain apdu %02x in ciphered association", base.ErrAuthentication, wire[0]))
	}
	c.srv.raw(MessageReceived, wire, plain, sh)

	tag := base.CosemTag(plain[0])
	switch {
	case c.state == nil:
		return c.exception(base.StateErrorServiceNotAllowed, base.ServiceErrorOperationNotPossible)
	case c.state.challenged():
		if tag != base.TagActionRequest {
			return c.exception(base.StateErrorServiceNotAllowed, base.ServiceErrorOperationNotPossible)
		}
		return c.replytohls(plain)
	case !c.state.authenticated():
		return c.exception(base.StateErrorServiceNotAllowed, base.ServiceErrorOperationNotPossible)
	}

	var required Conformance
	switch tag {
	case base.TagGetRequest:
		required = base.ConformanceBlockGet
	case base.TagSetRequest:
		required = base.ConformanceBlockSet
	case base.TagActionRequest:
		required = base.ConformanceBlockAction
	case base.TagReadRequest:
		required = base.ConformanceBlockRead
	case base.TagWriteRequest:
		required = base.ConformanceBlockWrite
	default:
		c.logf("Unsupported service %02x", plain[0])
		return c.exception(base.StateErrorServiceUnknown, base.ServiceErrorServiceNotSupported)
	}
	if !c.conf.Has(required) {
		return c.exception(base.StateErrorServiceNotAllowed, base.ServiceErrorServiceNotSupported)
	}
	switch tag {
	case base.TagGetRequest:
		return c.handleget(plain)
	case base.TagSetRequest:
		return c.handleset(plain)
	case base.TagActionRequest:
		return c.handleaction(plain)
	case base.TagReadRequest:
		return c.handleread(plain)
	default:
		return c.handlewrite(plain)
	}
}

func (c *serverconn) release(wire []byte) error {
	c.dlogf(base.LogHex("Received", wire))
	c.srv.raw(MessageReceived, wire, wire, nil)
	reason, err := decodeRelease(wire, base.TagRLRQ)
	if err != nil {
		c.logf("Invalid RLRQ: %v", err)
	}
	var rsp *base.ReleaseRequestReason
	if reason != nil {
		normal := base.ReleaseRequestReasonNormal
		rsp = &normal
	}
	if c.state != nil {
		_ = c.state.event(eventRelease)
	}
	c.reset()
	return c.send(encodeRLRE(rsp))
}
