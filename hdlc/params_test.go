package hdlc

import (
	"bytes"
	"errors"
	"testing"

	"github.com/cybroslabs/dlms-engine/base"
)

func TestParametersEncode(t *testing.T) {
	p := Parameters{MaxTransmitInfoLength: 0x80, MaxReceiveInfoLength: 0x80, TransmitWindow: 1, ReceiveWindow: 1}
	if got := p.Encode(); !bytes.Equal(got, decodeHex(t, "81800C050180060180070101080101")) {
		t.Errorf("got %X", got)
	}

	p = Parameters{MaxTransmitInfoLength: 0x200, MaxReceiveInfoLength: 0x80, TransmitWindow: 7, ReceiveWindow: 1}
	if got := p.Encode(); !bytes.Equal(got, decodeHex(t, "81800D05020200060180070107080101")) {
		t.Errorf("got %X", got)
	}
}

func TestParametersDecode(t *testing.T) {
	// typical meter answer with four byte windows
	p, err := DecodeParameters(decodeHex(t, "818014050200EF060200EF070400000001080400000001"))
	if err != nil {
		t.Fatal(err)
	}
	want := Parameters{MaxTransmitInfoLength: 0xef, MaxReceiveInfoLength: 0xef, TransmitWindow: 1, ReceiveWindow: 1}
	if p != want {
		t.Errorf("got %v", p)
	}

	p, err = DecodeParameters(nil)
	if err != nil || p != DefaultParameters() {
		t.Errorf("empty information: %v %v", p, err)
	}

	// user group is skipped, missing values keep defaults
	p, err = DecodeParameters(decodeHex(t, "81F00201028004060200F0"))
	if err != nil {
		t.Fatal(err)
	}
	if p.MaxReceiveInfoLength != 0xf0 || p.MaxTransmitInfoLength != MinInfoLength {
		t.Errorf("got %v", p)
	}

	for _, s := range []string{"82800305010F", "818005050380", "8180030901FF"} {
		if _, err = DecodeParameters(decodeHex(t, s)); !errors.Is(err, base.ErrFrameInvalid) {
			t.Errorf("%s: expected invalid frame, got %v", s, err)
		}
	}
}

func TestNegotiate(t *testing.T) {
	local := Parameters{MaxTransmitInfoLength: 1024, MaxReceiveInfoLength: 512, TransmitWindow: 1, ReceiveWindow: 1}
	tests := []Parameters{
		{MaxTransmitInfoLength: 128, MaxReceiveInfoLength: 128, TransmitWindow: 1, ReceiveWindow: 1},
		{MaxTransmitInfoLength: 2030, MaxReceiveInfoLength: 2030, TransmitWindow: 7, ReceiveWindow: 7},
		{MaxTransmitInfoLength: 300, MaxReceiveInfoLength: 600, TransmitWindow: 3, ReceiveWindow: 1},
		{MaxTransmitInfoLength: 40, MaxReceiveInfoLength: 5000, TransmitWindow: 0, ReceiveWindow: 9},
	}
	for _, peer := range tests {
		n := local.Negotiate(peer)
		if n.MaxTransmitInfoLength > max(local.MaxTransmitInfoLength, MinInfoLength) || n.MaxTransmitInfoLength > max(peer.MaxReceiveInfoLength, MinInfoLength) {
			t.Errorf("%v: transmit length %d exceeds proposals", peer, n.MaxTransmitInfoLength)
		}
		if n.MaxReceiveInfoLength > max(local.MaxReceiveInfoLength, MinInfoLength) || n.MaxReceiveInfoLength > max(peer.MaxTransmitInfoLength, MinInfoLength) {
			t.Errorf("%v: receive length %d exceeds proposals", peer, n.MaxReceiveInfoLength)
		}
		if n != n.Bounded() {
			t.Errorf("%v: result %v out of bounds", peer, n)
		}
	}

	n := local.Negotiate(tests[2])
	want := Parameters{MaxTransmitInfoLength: 600, MaxReceiveInfoLength: 300, TransmitWindow: 1, ReceiveWindow: 1}
	if n != want {
		t.Errorf("got %v, want %v", n, want)
	}
}
