// Package directserial is a byte stream over a local serial port, used for HDLC on an
// optical probe or RS-485 line.
package directserial

import (
	"fmt"
	"time"

	"github.com/cybroslabs/dlms-engine/base"
	"go.bug.st/serial"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

type opener func(name string, mode *serial.Mode) (serial.Port, error)

type directSerial struct {
	name     string
	mode     serial.Mode
	open     opener
	port     serial.Port
	isopen   bool
	deadline time.Time

	totalincoming   atomic.Int64
	totaloutgoing   atomic.Int64
	currentincoming int64
	maxincoming     int64

	logger *zap.SugaredLogger
}

func (r *directSerial) logf(format string, v ...any) {
	if r.logger != nil {
		r.logger.Infof(format, v...)
	}
}

func mode(settings *base.SerialStreamSettings) (serial.Mode, error) {
	m := serial.Mode{BaudRate: settings.BaudRate, DataBits: int(settings.DataBits)}
	if m.BaudRate == 0 {
		m.BaudRate = 9600
	}
	if m.DataBits == 0 {
		m.DataBits = 8
	}
	switch settings.Parity {
	case 0, base.SerialNoParity:
		m.Parity = serial.NoParity
	case base.SerialOddParity:
		m.Parity = serial.OddParity
	case base.SerialEvenParity:
		m.Parity = serial.EvenParity
	case base.SerialMarkParity:
		m.Parity = serial.MarkParity
	case base.SerialSpaceParity:
		m.Parity = serial.SpaceParity
	default:
		return m, fmt.Errorf("unsupported parity %v", settings.Parity)
	}
	switch settings.StopBits {
	case 0, base.SerialOneStopBit:
		m.StopBits = serial.OneStopBit
	case base.SerialOneAndHalfStopBits:
		m.StopBits = serial.OnePointFiveStopBits
	case base.SerialTwoStopBits:
		m.StopBits = serial.TwoStopBits
	default:
		return m, fmt.Errorf("unsupported stop bits %v", settings.StopBits)
	}
	return m, nil
}

// New creates a stream for the named port, nothing is opened yet.
func New(name string, settings *base.SerialStreamSettings) (base.SerialStream, error) {
	m, err := mode(settings)
	if err != nil {
		return nil, err
	}
	return &directSerial{
		name: name,
		mode: m,
		open: serial.Open,
	}, nil
}

// Close implements SerialStream.
func (r *directSerial) Close() error {
	return nil // just do nothing, yes, bad semantic, should be renamed
}

// Disconnect implements SerialStream.
func (r *directSerial) Disconnect() error {
	if !r.isopen {
		return nil
	}
	r.isopen = false
	r.logf("Closing %s, total bytes incoming: %v, outgoing: %v", r.name, r.totalincoming.Load(), r.totaloutgoing.Load())
	return r.port.Close()
}

// GetRxTxBytes implements SerialStream.
func (r *directSerial) GetRxTxBytes() (int64, int64) {
	return r.totalincoming.Load(), r.totaloutgoing.Load()
}

func (r *directSerial) IsOpen() bool {
	return r.isopen
}

// Open implements SerialStream.
func (r *directSerial) Open() error {
	if r.isopen {
		return nil
	}
	p, err := r.open(r.name, &r.mode)
	if err != nil {
		return fmt.Errorf("unable to open %s: %w", r.name, err)
	}
	r.logf("Opened %s at %d baud", r.name, r.mode.BaudRate)
	r.port = p
	r.isopen = true
	return nil
}

// Read implements SerialStream. Zero bytes from the port mean the deadline passed.
func (r *directSerial) Read(p []byte) (n int, err error) {
	if !r.isopen {
		return 0, base.ErrNotOpened
	}
	if len(p) == 0 {
		return 0, base.ErrNothingToRead
	}
	to := serial.NoTimeout
	if !r.deadline.IsZero() {
		to = time.Until(r.deadline)
		if to <= 0 {
			return 0, base.ErrCommunicationTimeout
		}
	}
	if err = r.port.SetReadTimeout(to); err != nil {
		return 0, err
	}
	n, err = r.port.Read(p)
	if err != nil {
		return n, err
	}
	if n == 0 {
		return 0, base.ErrCommunicationTimeout
	}
	r.totalincoming.Add(int64(n))
	r.currentincoming += int64(n)
	if r.maxincoming > 0 && r.currentincoming > r.maxincoming {
		return 0, fmt.Errorf("received more than allowed")
	}
	if r.logger != nil {
		r.logger.Debugf("%s", base.LogHex("RX "+r.name, p[:n]))
	}
	return n, nil
}

// SetDeadline implements SerialStream.
func (r *directSerial) SetDeadline(t time.Time) {
	r.deadline = t
}

// SetLogger implements SerialStream.
func (r *directSerial) SetLogger(logger *zap.SugaredLogger) {
	r.logger = logger
}

// SetMaxReceivedBytes implements SerialStream.
func (r *directSerial) SetMaxReceivedBytes(m int64) {
	r.currentincoming = 0
	r.maxincoming = m
}

func (r *directSerial) SetDTR(dtr bool) error {
	if !r.isopen {
		return base.ErrNotOpened
	}
	r.logf("SetDTR: %v", dtr)
	return r.port.SetDTR(dtr)
}

// SetFlowControl implements SerialStream. Only RTS driven lines are known to the port
// library, other modes are logged and ignored.
func (r *directSerial) SetFlowControl(flowControl base.SerialFlowControl) error {
	if !r.isopen {
		return base.ErrNotOpened
	}
	switch flowControl {
	case base.SerialHWFlowControl:
		return r.port.SetRTS(true)
	case base.SerialNoFlowControl:
		return r.port.SetRTS(false)
	}
	r.logf("SetFlowControl: %v (ignoring)", flowControl)
	return nil
}

// SetSpeed implements SerialStream.
func (r *directSerial) SetSpeed(baudRate int, dataBits base.SerialDataBits, parity base.SerialParity, stopBits base.SerialStopBits) error {
	if !r.isopen {
		return base.ErrNotOpened
	}
	m, err := mode(&base.SerialStreamSettings{BaudRate: baudRate, DataBits: dataBits, Parity: parity, StopBits: stopBits})
	if err != nil {
		return err
	}
	r.logf("SetSpeed: %d,%v,%v,%v", baudRate, dataBits, parity, stopBits)
	r.mode = m
	return r.port.SetMode(&r.mode)
}

// Write implements SerialStream.
func (r *directSerial) Write(src []byte) error {
	if !r.isopen {
		return base.ErrNotOpened
	}
	for len(src) > 0 {
		n, err := r.port.Write(src)
		if err != nil {
			return fmt.Errorf("write failed: %w", err)
		}
		r.totaloutgoing.Add(int64(n))
		if r.logger != nil {
			r.logger.Debugf("%s", base.LogHex("TX "+r.name, src[:n]))
		}
		src = src[n:]
	}
	return nil
}
