package directserial

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/cybroslabs/dlms-engine/base"
	"go.bug.st/serial"
)

// fakeport implements only what the stream touches, the embedded interface panics on the rest
type fakeport struct {
	serial.Port
	rx      *bytes.Buffer
	tx      bytes.Buffer
	dtr     bool
	mode    *serial.Mode
	timeout time.Duration
	closed  bool
}

func (f *fakeport) Read(p []byte) (int, error) {
	if f.rx.Len() == 0 {
		return 0, nil // timeout
	}
	return f.rx.Read(p)
}

func (f *fakeport) Write(p []byte) (int, error) { return f.tx.Write(p) }
func (f *fakeport) SetDTR(dtr bool) error { f.dtr = dtr; return nil }
func (f *fakeport) SetMode(m *serial.Mode) error { f.mode = m; return nil }
func (f *fakeport) SetReadTimeout(t time.Duration) error { f.timeout = t; return nil }
func (f *fakeport) Close() error { f.closed = true; return nil }

func newfake(t *testing.T, rx []byte) (*directSerial, *fakeport) {
	t.Helper()
	s, err := New("/dev/ttyUSB0", &base.SerialStreamSettings{BaudRate: 300, DataBits: base.Serial7DataBits, Parity: base.SerialEvenParity, StopBits: base.SerialOneStopBit})
	if err != nil {
		t.Fatal(err)
	}
	fp := &fakeport{rx: bytes.NewBuffer(rx)}
	ds := s.(*directSerial)
	ds.open = func(name string, m *serial.Mode) (serial.Port, error) {
		fp.mode = m
		return fp, nil
	}
	return ds, fp
}

func TestOpenReadWrite(t *testing.T) {
	ds, fp := newfake(t, []byte{0x7e, 0xa0})
	if err := ds.Write([]byte{1}); !errors.Is(err, base.ErrNotOpened) {
		t.Errorf("write before open: %v", err)
	}
	if err := ds.Open(); err != nil {
		t.Fatal(err)
	}
	if fp.mode.BaudRate != 300 || fp.mode.DataBits != 7 || fp.mode.Parity != serial.EvenParity {
		t.Errorf("unexpected mode %+v", fp.mode)
	}
	if err := ds.Write([]byte{0x7e, 0xa0, 0x07}); err != nil {
		t.Fatal(err)
	}
	p := make([]byte, 8)
	n, err := ds.Read(p)
	if err != nil || n != 2 {
		t.Fatalf("read %d %v", n, err)
	}
	if fp.timeout != serial.NoTimeout {
		t.Errorf("timeout without deadline %v", fp.timeout)
	}
	// empty port read is a timeout
	ds.SetDeadline(time.Now().Add(time.Minute))
	if _, err = ds.Read(p); !errors.Is(err, base.ErrCommunicationTimeout) {
		t.Errorf("expected timeout, got %v", err)
	}
	rx, tx := ds.GetRxTxBytes()
	if rx != 2 || tx != 3 {
		t.Errorf("counters %d/%d", rx, tx)
	}

	if err = ds.SetDTR(true); err != nil || !fp.dtr {
		t.Errorf("dtr %v %v", fp.dtr, err)
	}
	if err = ds.SetSpeed(9600, base.Serial8DataBits, base.SerialNoParity, base.SerialOneStopBit); err != nil {
		t.Fatal(err)
	}
	if fp.mode.BaudRate != 9600 || fp.mode.Parity != serial.NoParity {
		t.Errorf("mode after speed change %+v", fp.mode)
	}
	if err = ds.Disconnect(); err != nil || !fp.closed {
		t.Errorf("disconnect %v", err)
	}
}

func TestUnsupportedParity(t *testing.T) {
	if _, err := New("COM1", &base.SerialStreamSettings{Parity: 42}); err == nil {
		t.Error("invalid parity accepted")
	}
}
