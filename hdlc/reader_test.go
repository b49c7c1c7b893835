package hdlc

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/cybroslabs/dlms-engine/base"
)

func TestReadFrameHunting(t *testing.T) {
	a, _ := EncodeFrame(&Frame{Destination: Address{Upper: 16, Size: 1}, Source: Address{Upper: 1}, Type: FrameUA, PollFinal: true, Info: DefaultParameters().Encode()})
	b, _ := EncodeFrame(&Frame{Destination: Address{Upper: 16, Size: 1}, Source: Address{Upper: 1}, Type: FrameI, PollFinal: true, Info: []byte{0xe6, 0xe7, 0x00, 0x01}})
	c, _ := EncodeFrame(&Frame{Destination: Address{Upper: 16, Size: 1}, Source: Address{Upper: 1}, Type: FrameRR, RecvSeq: 1})

	var stream []byte
	stream = append(stream, 0x00, 0x13, 0xff) // line noise
	stream = append(stream, a...)
	stream = append(stream, b[1:]...) // shared flag
	stream = append(stream, 0x7e)     // doubled flag
	stream = append(stream, c...)

	fr := NewFrameReader(bytes.NewReader(stream))
	for _, want := range []FrameType{FrameUA, FrameI, FrameRR} {
		f, _, err := fr.ReadFrame()
		if err != nil {
			t.Fatalf("%v: %v", want, err)
		}
		if f.Type != want {
			t.Errorf("got %v, want %v", f.Type, want)
		}
	}
	if _, _, err := fr.ReadFrame(); !errors.Is(err, io.EOF) {
		t.Errorf("expected EOF, got %v", err)
	}
}

func TestReadFrameGarbage(t *testing.T) {
	fr := NewFrameReader(bytes.NewReader(bytes.Repeat([]byte{0x55}, maxBytesBefore7e+10)))
	if _, _, err := fr.ReadFrame(); !errors.Is(err, base.ErrFrameInvalid) {
		t.Errorf("expected invalid frame, got %v", err)
	}

	fr = NewFrameReader(bytes.NewReader([]byte{0x7e, 0x12, 0x34, 0x7e}))
	if _, _, err := fr.ReadFrame(); !errors.Is(err, base.ErrFrameInvalid) {
		t.Errorf("expected invalid format, got %v", err)
	}
}
