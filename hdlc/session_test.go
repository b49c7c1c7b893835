package hdlc

import (
	"bytes"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/cybroslabs/dlms-engine/base"
	"github.com/cybroslabs/dlms-engine/tcp"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	testingclock "k8s.io/utils/clock/testing"
)

func pipe(t *testing.T) (base.Stream, base.Stream) {
	a, b := net.Pipe()
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return tcp.NewFromConn(a), tcp.NewFromConn(b)
}

func TestClientServerSegmented(t *testing.T) {
	cs, ss := pipe(t)
	logger := zap.NewExample().Sugar()

	request := bytes.Repeat([]byte{0xc0, 0x01, 0x02}, 200)
	response := bytes.Repeat([]byte{0xc4, 0x01}, 700)

	srv := NewServer(ss, &ServerSettings{MaxRcv: 256, MaxSnd: 256})
	srv.SetLogger(logger)
	done := make(chan error, 1)
	go func() {
		done <- func() error {
			if err := srv.Open(); err != nil {
				return err
			}
			got, err := srv.Receive()
			if err != nil {
				return err
			}
			if !bytes.Equal(got, request) {
				return errors.New("request mismatch")
			}
			if err = srv.Send(response); err != nil {
				return err
			}
			_, err = srv.Receive()
			return err
		}()
	}()

	d := NewDispatcher(cs, logger, nil)
	cl, err := New(d, &Settings{Logical: 1, Physical: 17, Client: 16, MaxRcv: 512, MaxSnd: 128, ResponseTimeout: 5 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	if err = cl.Open(); err != nil {
		t.Fatal(err)
	}
	p := cl.(*maclayer).Parameters()
	if p.MaxTransmitInfoLength != 128 || p.MaxReceiveInfoLength != 256 {
		t.Errorf("negotiated %v", p)
	}
	if err = cl.Send(request); err != nil {
		t.Fatal(err)
	}
	got, err := cl.Receive()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, response) {
		t.Errorf("response mismatch, %d bytes", len(got))
	}
	if err = cl.Close(); err != nil {
		t.Fatal(err)
	}
	if err = <-done; !errors.Is(err, io.EOF) {
		t.Errorf("server finished with %v", err)
	}
	if _, err = cl.Receive(); !errors.Is(err, base.ErrNotOpened) {
		t.Errorf("receive after close: %v", err)
	}
}

func TestClientSnrmTimeout(t *testing.T) {
	cs, ss := pipe(t)
	go func() {
		_, _ = io.Copy(io.Discard, ss)
	}()

	fc := testingclock.NewFakeClock(time.Now())
	d := NewDispatcher(cs, zap.NewExample().Sugar(), fc)
	cl, err := New(d, &Settings{Logical: 1, Client: 16, ResponseTimeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	result := make(chan error, 1)
	go func() {
		result <- cl.Open()
	}()
	for !fc.HasWaiters() {
		time.Sleep(time.Millisecond)
	}
	fc.Step(time.Second)
	if err = <-result; !errors.Is(err, base.ErrResponseTimeout) {
		t.Errorf("expected timeout, got %v", err)
	}
}

func TestClientRefusedByDM(t *testing.T) {
	cs, ss := pipe(t)
	srv := NewServer(ss, &ServerSettings{MaxRcv: 128, MaxSnd: 128, Accept: func(p AddressPair) bool { return p.Client != 16 }})
	go func() {
		_ = srv.Open()
	}()

	d := NewDispatcher(cs, nil, nil)
	cl, err := New(d, &Settings{Logical: 1, Client: 16, ResponseTimeout: 5 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	if err = cl.Open(); !errors.Is(err, base.ErrProtocol) {
		t.Errorf("expected refusal, got %v", err)
	}
}

func TestDispatcherTwoAssociations(t *testing.T) {
	cs, ss := pipe(t)
	logger := zap.NewExample().Sugar()

	// minimal server answering both associations on one link
	go func() {
		fr := NewFrameReader(ss)
		seqs := map[AddressPair]uint8{}
		for {
			f, _, err := fr.ReadFrame()
			if err != nil {
				return
			}
			pair := f.Pair(false)
			r := &Frame{Destination: pair.client(), Source: pair.server(), PollFinal: true}
			switch f.Type {
			case FrameSNRM:
				r.Type = FrameUA
				seqs[pair] = 0
			case FrameDISC:
				r.Type = FrameUA
			case FrameI:
				r.Type = FrameI
				r.SendSeq = seqs[pair]
				r.RecvSeq = (f.SendSeq + 1) & 7
				seqs[pair]++
				r.Info = append([]byte{0xe6, 0xe7, 0x00, byte(pair.Client)}, f.Info[3:]...)
			default:
				continue
			}
			b, _ := EncodeFrame(r)
			if ss.Write(b) != nil {
				return
			}
		}
	}()

	d := NewDispatcher(cs, logger, nil)
	var sessions []base.Session
	for _, c := range []byte{16, 17} {
		cl, err := New(d, &Settings{Logical: 1, Client: c, ResponseTimeout: 5 * time.Second})
		if err != nil {
			t.Fatal(err)
		}
		if err = cl.Open(); err != nil {
			t.Fatal(err)
		}
		sessions = append(sessions, cl)
	}
	if err := d.Register(AddressPair{Logical: 1, Client: 16}, nil); err == nil {
		t.Error("duplicate address pair registered")
	}

	for i, cl := range sessions {
		if err := cl.Send([]byte{0xaa}); err != nil {
			t.Fatal(err)
		}
		got, err := cl.Receive()
		if err != nil {
			t.Fatal(err)
		}
		if want := []byte{byte(16 + i), 0xaa}; !bytes.Equal(got, want) {
			t.Errorf("session %d got %X", i, got)
		}
	}
	for _, cl := range sessions {
		if err := cl.Close(); err != nil {
			t.Fatal(err)
		}
	}
	if cs.IsOpen() {
		t.Error("link still open after last association closed")
	}
}

// slowopen is a closed link whose Open hangs until released.
type slowopen struct {
	base.Stream
	open    atomic.Bool
	opening chan struct{}
	release chan struct{}
}

func (s *slowopen) IsOpen() bool {
	return s.open.Load()
}

func (s *slowopen) Open() error {
	close(s.opening)
	<-s.release
	s.open.Store(true)
	return nil
}

func TestRegisterOpensLinkOutsideLock(t *testing.T) {
	cs, _ := pipe(t)
	link := &slowopen{Stream: cs, opening: make(chan struct{}), release: make(chan struct{})}
	d := NewDispatcher(link, nil, nil)
	pair := AddressPair{Logical: 1, Client: 16}

	registered := make(chan error, 1)
	go func() {
		registered <- d.Register(pair, nil)
	}()
	<-link.opening

	looked := make(chan error, 1)
	go func() {
		_, err := d.BeginExchange(AddressPair{Logical: 1, Client: 17})
		looked <- err
	}()
	select {
	case err := <-looked:
		if err == nil {
			t.Error("exchange started for unknown address pair")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("lookup blocked while the link opens")
	}

	close(link.release)
	if err := <-registered; err != nil {
		t.Fatal(err)
	}
	if _, err := d.BeginExchange(pair); err != nil {
		t.Error(err)
	}
	d.Unregister(pair)
}
