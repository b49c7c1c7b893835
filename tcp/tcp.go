package tcp

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cybroslabs/dlms-engine/base"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

type tcp struct {
	hostname        string
	port            int
	logger          *zap.SugaredLogger
	connected       atomic.Bool
	timeout         time.Duration
	mu              sync.Mutex // conn swap
	conn            net.Conn
	offset          int
	read            int
	buffer          []byte
	deadline        time.Time
	totalincoming   atomic.Int64
	totaloutgoing   atomic.Int64
	currentincoming int64
	maxincoming     int64
}

// New creates a client stream, timeout bounds only the connect.
func New(hostname string, port int, timeout time.Duration) base.Stream {
	return &tcp{
		hostname: hostname,
		port:     port,
		timeout:  timeout,
		buffer:   make([]byte, 2048),
	}
}

// NewFromConn wraps an already established connection, accepted one or net.Pipe end.
func NewFromConn(conn net.Conn) base.Stream {
	t := &tcp{
		hostname: conn.RemoteAddr().String(),
		conn:     conn,
		buffer:   make([]byte, 2048),
	}
	t.connected.Store(true)
	return t
}

func (t *tcp) logf(format string, v ...any) {
	if t.logger != nil {
		t.logger.Infof(format, v...)
	}
}

func (t *tcp) Close() error {
	return nil // do nothing as there is no association, this is usual behaviour
}

func (t *tcp) Open() error {
	if t.connected.Load() {
		return nil
	}
	if t.port == 0 {
		return fmt.Errorf("unable to reopen accepted connection from %s", t.hostname)
	}
	address := net.JoinHostPort(t.hostname, strconv.Itoa(t.port))
	conn, err := net.DialTimeout("tcp", address, t.timeout)
	if err != nil {
		t.logf("Connect to %s failed: %v", address, err)
		return fmt.Errorf("connect failed: %w", err)
	}
	t.logf("Connected to %s", address)

	t.mu.Lock()
	t.conn = conn
	t.offset = 0
	t.read = 0
	t.mu.Unlock()
	t.connected.Store(true)
	return nil
}

func (t *tcp) Disconnect() error {
	if !t.connected.CompareAndSwap(true, false) {
		return nil
	}
	t.mu.Lock()
	if t.conn != nil {
		_ = t.conn.Close()
	}
	t.mu.Unlock()

	t.logf("Disconnected from %s", t.hostname)
	t.logf("Total bytes incoming: %v, outgoing: %v", t.totalincoming.Load(), t.totaloutgoing.Load())
	return nil
}

func (t *tcp) IsOpen() bool {
	return t.connected.Load()
}

func (t *tcp) SetMaxReceivedBytes(m int64) {
	t.currentincoming = 0
	t.maxincoming = m
}

func (t *tcp) SetDeadline(d time.Time) {
	t.deadline = d
}

func (t *tcp) SetLogger(logger *zap.SugaredLogger) {
	t.logger = logger
}

func (t *tcp) getconn() net.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn
}

func (t *tcp) Write(src []byte) error {
	if !t.connected.Load() {
		return base.ErrNotOpened
	}
	conn := t.getconn()
	for len(src) > 0 {
		_ = conn.SetWriteDeadline(t.deadline)
		n, err := conn.Write(src)
		if err != nil {
			return fmt.Errorf("write failed: %w", err)
		}
		t.totaloutgoing.Add(int64(n))
		if t.logger != nil {
			t.logger.Debugf("%s", base.LogHex("TX "+t.hostname, src[:n]))
		}
		src = src[n:]
	}
	return nil
}

func (t *tcp) Read(p []byte) (n int, err error) {
	if !t.connected.Load() {
		return 0, base.ErrNotOpened
	}
	if len(p) == 0 {
		return 0, base.ErrNothingToRead
	}

	n = len(p)
	rem := t.read - t.offset
	if rem > 0 { // having something unread in the buffer
		if n > rem {
			n = rem
		}
		copy(p, t.buffer[t.offset:t.offset+n])
		t.offset += n
		return
	}

	conn := t.getconn()
	_ = conn.SetReadDeadline(t.deadline)
	rx, err := conn.Read(t.buffer)
	t.totalincoming.Add(int64(rx))
	t.currentincoming += int64(rx)
	if t.maxincoming > 0 && t.currentincoming > t.maxincoming {
		return 0, fmt.Errorf("received more than allowed")
	}

	n = 0
	if rx > 0 {
		t.read = rx
		n = min(len(p), rx)
		copy(p, t.buffer[:n])
		t.offset = n

		if t.logger != nil {
			t.logger.Debugf("%s", base.LogHex("RX "+t.hostname, t.buffer[:rx]))
		}
	}
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return n, fmt.Errorf("%w: %w", base.ErrCommunicationTimeout, err)
		}
		return n, err
	}
	if rx == 0 { // this is a bit questionable
		return 0, io.EOF
	}
	return
}

func (t *tcp) GetRxTxBytes() (int64, int64) {
	return t.totalincoming.Load(), t.totaloutgoing.Load()
}
