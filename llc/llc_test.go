package llc

import (
	"bytes"
	"errors"
	"testing"

	"github.com/cybroslabs/dlms-engine/base"
)

func TestWrapDirection(t *testing.T) {
	req := Wrap([]byte{0xc0, 0x01}, false)
	if !bytes.Equal(req, []byte{0xe6, 0xe6, 0x00, 0xc0, 0x01}) {
		t.Errorf("request header: %X", req)
	}
	res := Wrap([]byte{0xc4}, true)
	if !bytes.Equal(res, []byte{0xe6, 0xe7, 0x00, 0xc4}) {
		t.Errorf("response header: %X", res)
	}
}

func TestStrip(t *testing.T) {
	p, err := Strip([]byte{0xe6, 0xe7, 0x00, 0xc4, 0x01}, true)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(p, []byte{0xc4, 0x01}) {
		t.Errorf("payload: %X", p)
	}

	_, err = Strip([]byte{0xe6, 0xe6, 0x00, 0xc4}, true)
	if !errors.Is(err, base.ErrProtocol) {
		t.Errorf("wrong direction accepted: %v", err)
	}
	_, err = Strip([]byte{0xe6}, false)
	if err == nil {
		t.Error("short header accepted")
	}
}
