package dlmsal

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/cybroslabs/dlms-engine/base"
	"go.uber.org/zap"
	testingclock "k8s.io/utils/clock/testing"
)

func TestBlockReceiver(t *testing.T) {
	r := newBlockReceiver()
	if err := r.Add(false, 1, []byte{1, 2}); err != nil {
		t.Fatal(err)
	}
	if err := r.Add(false, 3, []byte{5}); !errors.Is(err, base.ErrBlockNumber) {
		t.Errorf("expected block number error, got %v", err)
	}
	if err := r.Add(true, 2, []byte{3, 4}); err != nil {
		t.Fatal(err)
	}
	if !r.Done() || r.Number() != 2 {
		t.Errorf("done %v, number %d", r.Done(), r.Number())
	}
	if err := r.Add(true, 3, []byte{5}); !errors.Is(err, base.ErrBlockNumber) {
		t.Errorf("block after the last one: %v", err)
	}
	if !bytes.Equal(r.Bytes(), []byte{1, 2, 3, 4}) {
		t.Errorf("got %X", r.Bytes())
	}
}

func TestBlockSender(t *testing.T) {
	data := profiledata(250)
	s, err := newBlockSender(data, 142)
	if err != nil {
		t.Fatal(err)
	}
	var out []byte
	var blocks int
	for {
		raw, number, last := s.Next()
		blocks++
		if number != uint32(blocks) {
			t.Fatalf("block %d numbered %d", blocks, number)
		}
		if len(raw) > 142-blockoverhead {
			t.Errorf("block %d has %d bytes", number, len(raw))
		}
		out = append(out, raw...)
		if last {
			break
		}
	}
	if blocks != 3 || s.Number() != 3 {
		t.Errorf("%d blocks", blocks)
	}
	if !bytes.Equal(out, data) {
		t.Error("reassembled data differs")
	}

	if _, err = newBlockSender(data, blockoverhead); err == nil {
		t.Error("sender without room for data created")
	}
	if !fits(100, 100+pduoverhead) || fits(101, 100+pduoverhead) {
		t.Error("fits is off by one")
	}
}

func TestDataBlock(t *testing.T) {
	var buf bytes.Buffer
	encodeblock(&buf, false, 0x01020304, []byte{0xaa})
	buf.WriteByte(0xee)
	last, number, raw, n, err := decodeblock(buf.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if last || number != 0x01020304 || !bytes.Equal(raw, []byte{0xaa}) || n != 7 {
		t.Errorf("decoded %v %08x %X %d", last, number, raw, n)
	}
	if _, _, _, _, err = decodeblock([]byte{0x01, 0, 0, 0, 1, 0x05, 0xaa}); !errors.Is(err, base.ErrProtocol) {
		t.Errorf("expected protocol error, got %v", err)
	}
}

func TestCorrelatorInterleaved(t *testing.T) {
	c := newcorrelator(testingclock.NewFakeClock(time.Now()), zap.NewExample().Sugar().Infof)
	for _, id := range []byte{1, 2, snkey} {
		if err := c.expect(id); err != nil {
			t.Fatal(err)
		}
	}
	if err := c.expect(1); err == nil {
		t.Error("same invoke id pending twice")
	}
	c.put(2, response{apdu: []byte{0xc4, 0x01, 0x42}})
	c.put(1, response{apdu: []byte{0xc4, 0x01, 0x41}})
	c.put(7, response{apdu: []byte{0xc4, 0x01, 0x47}})
	c.put(snkey, response{apdu: []byte{0x0c, 0x01, 0x00, 0x00}})

	for _, tc := range []struct {
		id   byte
		want byte
	}{{1, 0x41}, {2, 0x42}, {snkey, 0x00}} {
		rsp, _, err := c.wait(tc.id, 0)
		if err != nil {
			t.Fatal(err)
		}
		if rsp[len(rsp)-1] != tc.want {
			t.Errorf("invoke id %d got %X", tc.id, rsp)
		}
	}
	if _, _, err := c.wait(1, 0); err == nil {
		t.Error("answered request still pending")
	}
}

func TestCorrelatorTimeout(t *testing.T) {
	fc := testingclock.NewFakeClock(time.Now())
	c := newcorrelator(fc, nil)
	if err := c.expect(3); err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() {
		_, _, err := c.wait(3, 5*time.Second)
		done <- err
	}()
	for !fc.HasWaiters() {
		time.Sleep(time.Millisecond)
	}
	fc.Step(5 * time.Second)
	if err := <-done; !errors.Is(err, base.ErrResponseTimeout) {
		t.Errorf("expected timeout, got %v", err)
	}
	// late response is dropped, the id is free again
	c.put(3, response{apdu: []byte{0xc4}})
	if err := c.expect(3); err != nil {
		t.Errorf("id not released: %v", err)
	}
}

func TestCorrelatorFailAndBroadcast(t *testing.T) {
	c := newcorrelator(testingclock.NewFakeClock(time.Now()), nil)
	_ = c.expect(1)
	_ = c.expect(2)
	c.broadcast(response{apdu: []byte{0xd8, 0x01, 0x02}})
	for _, id := range []byte{1, 2} {
		rsp, _, err := c.wait(id, 0)
		if err != nil || !bytes.Equal(rsp, []byte{0xd8, 0x01, 0x02}) {
			t.Errorf("invoke id %d: %X %v", id, rsp, err)
		}
	}

	_ = c.expect(4)
	c.fail(base.ErrNotOpened)
	if _, _, err := c.wait(4, 0); !errors.Is(err, base.ErrNotOpened) {
		t.Errorf("pending request got %v", err)
	}
	if err := c.expect(5); !errors.Is(err, base.ErrNotOpened) {
		t.Errorf("dead correlator accepted a request: %v", err)
	}
	if !c.isdead() {
		t.Error("not dead")
	}
}

func TestConformance(t *testing.T) {
	offer := Conformance(base.ConformanceBlockGet | base.ConformanceBlockSet | base.ConformanceBlockGeneralProtection)
	neg := DefaultServerConformance.Negotiate(offer | 0xff000000)
	if neg != base.ConformanceBlockGet|base.ConformanceBlockSet {
		t.Errorf("negotiated %v", neg)
	}
	if err := neg.Require(base.ConformanceBlockGet); err != nil {
		t.Error(err)
	}
	err := neg.Require(base.ConformanceBlockGet | base.ConformanceBlockAction)
	if !errors.Is(err, base.ErrFeatureNotNegotiated) {
		t.Errorf("expected not negotiated, got %v", err)
	}
	if !strings.Contains(err.Error(), "action") {
		t.Errorf("missing feature not named: %v", err)
	}
	if s := neg.String(); s != "[set,get]" {
		t.Errorf("string %s", s)
	}
}
