package hdlc

import (
	"bytes"
	"errors"
	"net"
	"slices"
	"testing"

	"github.com/cybroslabs/dlms-engine/base"
	"github.com/cybroslabs/dlms-engine/tcp"
)

func TestSegmentReassemble(t *testing.T) {
	const size = 128
	for _, l := range []int{0, 1, size - 1, size, size + 1, 3 * size, 3*size + 17, 10000} {
		payload := make([]byte, l)
		for i := range payload {
			payload[i] = byte(i * 7)
		}
		segs := Segment(payload, size)
		if want := max(1, (l+size-1)/size); len(segs) != want {
			t.Errorf("%d: %d segments, want %d", l, len(segs), want)
		}

		var r Reassembler
		for i, s := range segs {
			if len(s) > size {
				t.Fatalf("%d: segment of %d bytes", l, len(s))
			}
			f := &Frame{Type: FrameI, SendSeq: uint8(i) & 7, Segmented: i < len(segs)-1, Info: s}
			complete, err := r.Add(f)
			if err != nil {
				t.Fatal(err)
			}
			if complete != (i == len(segs)-1) {
				t.Fatalf("%d: completion at segment %d of %d", l, i, len(segs))
			}
		}
		if got := r.Bytes(); !bytes.Equal(got, payload) {
			t.Errorf("%d: reassembled %d bytes differ", l, len(got))
		}
		if r.Next() != uint8(len(segs))&7 {
			t.Errorf("%d: next sequence %d", l, r.Next())
		}
	}
}

func TestServerSegmentsFillInfoField(t *testing.T) {
	a, b := net.Pipe()
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	srv := NewServer(tcp.NewFromConn(b), &ServerSettings{MaxRcv: 128, MaxSnd: 128})
	payload := bytes.Repeat([]byte{0xc4, 0x01}, 150)
	done := make(chan error, 1)
	go func() {
		done <- func() error {
			if err := srv.Open(); err != nil {
				return err
			}
			return srv.Send(payload)
		}()
	}()

	pair := AddressPair{Logical: 1, Physical: 17, Client: 16}
	write := func(f *Frame) {
		f.Destination = pair.server()
		f.Source = pair.client()
		raw, err := EncodeFrame(f)
		if err != nil {
			t.Fatal(err)
		}
		if _, err = a.Write(raw); err != nil {
			t.Fatal(err)
		}
	}
	fr := NewFrameReader(a)
	write(&Frame{Type: FrameSNRM, PollFinal: true, Info: Parameters{MaxTransmitInfoLength: 128, MaxReceiveInfoLength: 128, TransmitWindow: 1, ReceiveWindow: 1}.Encode()})
	if f, _, err := fr.ReadFrame(); err != nil || f.Type != FrameUA {
		t.Fatalf("no ua: %v", err)
	}

	var info []byte
	var sizes []int
	for {
		f, _, err := fr.ReadFrame()
		if err != nil {
			t.Fatal(err)
		}
		info = append(info, f.Info...)
		sizes = append(sizes, len(f.Info))
		if !f.Segmented {
			break
		}
		write(&Frame{Type: FrameRR, PollFinal: true, RecvSeq: (f.SendSeq + 1) & 7})
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	// llc header and 300 bytes in full 128 byte information fields
	if !slices.Equal(sizes, []int{128, 128, 47}) {
		t.Errorf("information fields %v", sizes)
	}
	if !bytes.Equal(info[3:], payload) {
		t.Error("payload differs")
	}
}

func TestReassemblerViolations(t *testing.T) {
	var r Reassembler
	if _, err := r.Add(&Frame{Type: FrameI, SendSeq: 0, Segmented: true, Info: []byte{1}}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Add(&Frame{Type: FrameRR}); !errors.Is(err, base.ErrProtocol) {
		t.Errorf("RR while reassembling: %v", err)
	}
	if _, err := r.Add(&Frame{Type: FrameI, SendSeq: 2, Info: []byte{2}}); !errors.Is(err, base.ErrProtocol) {
		t.Errorf("out of sequence frame: %v", err)
	}

	r.Reset()
	if complete, err := r.Add(&Frame{Type: FrameI, SendSeq: 0, Info: []byte{3}}); err != nil || !complete {
		t.Errorf("after reset: %v %v", complete, err)
	}
}
