// Package ciphering implements security suite 0 of DLMS: AES-GCM-128 protection of
// APDUs and the GMAC based HLS authentication. It is symmetric, the same code serves
// client and server, "local" is always the own side and "peer" the other one.
package ciphering

import (
	"errors"
	"fmt"

	"github.com/cybroslabs/dlms-engine/base"
	"go.uber.org/atomic"
)

const (
	GCM_TAG_LENGTH      = 12
	SYSTEM_TITLE_LENGTH = 8

	// security control byte of the whole suite 0 family, key set and compression bits clear
	SecurityAuthentication          = 0x10
	SecurityEncryption              = 0x20
	SecurityAuthenticatedEncryption = 0x30
)

var ErrReplay = errors.New("frame counter replayed")

type Ciphering interface {
	// Setup stores peer system title and the challenge the peer sent to us.
	Setup(peerTitle []byte, peerChallenge []byte) error
	// Hash computes f(peerChallenge) with the local title, the tag only.
	Hash(sc byte, fc uint32) ([]byte, error)
	// Verify checks the peer's answer to our own challenge.
	Verify(sc byte, fc uint32, hash []byte) (bool, error)
	GetEncryptLength(scControl byte, apdu []byte) (int, error)
	// ret can be nil in case of not reused, IV uses the local title
	Encrypt(ret []byte, sc byte, fc uint32, apdu []byte) ([]byte, error)
	// ret can be nil in case of not reused, IV uses the peer title
	Decrypt(ret []byte, sc byte, fc uint32, apdu []byte) ([]byte, error)
	LocalTitle() []byte
	PeerTitle() []byte
}

type CipheringSettings struct {
	EncryptionKey     []byte
	AuthenticationKey []byte
	SystemTitle       []byte // local one
	Challenge         []byte // own challenge, CtoS on the client and StoC on the server
}

func (s *CipheringSettings) Validate() error {
	switch len(s.EncryptionKey) {
	case 16, 24, 32:
	default:
		return fmt.Errorf("EK has to be 16, 24 or 32 bytes long")
	}
	if s.AuthenticationKey != nil {
		switch len(s.AuthenticationKey) {
		case 16, 24, 32:
		default:
			return fmt.Errorf("AK has to be 16, 24 or 32 bytes long")
		}
	}
	if len(s.SystemTitle) != SYSTEM_TITLE_LENGTH {
		return fmt.Errorf("systitle has to be 8 bytes long")
	}
	return nil
}

// ProcessChallenge computes the complete HLS-GMAC answer SC || FC || tag to a challenge.
func ProcessChallenge(challenge []byte, ek []byte, ak []byte, systemTitle []byte, fc uint32) ([]byte, error) {
	g, err := New(&CipheringSettings{EncryptionKey: ek, AuthenticationKey: ak, SystemTitle: systemTitle})
	if err != nil {
		return nil, err
	}
	if err = g.Setup(systemTitle, challenge); err != nil {
		return nil, err
	}
	tag, err := g.Hash(SecurityAuthentication, fc)
	if err != nil {
		return nil, err
	}
	return EncodeAuthenticationValue(SecurityAuthentication, fc, tag), nil
}

// EncodeAuthenticationValue builds SC || FC || tag as carried by reply_to_HLS_authentication.
func EncodeAuthenticationValue(sc byte, fc uint32, tag []byte) []byte {
	out := make([]byte, 5, 5+len(tag))
	out[0] = sc
	out[1] = byte(fc >> 24)
	out[2] = byte(fc >> 16)
	out[3] = byte(fc >> 8)
	out[4] = byte(fc)
	return append(out, tag...)
}

// DecodeAuthenticationValue splits SC || FC || tag.
func DecodeAuthenticationValue(src []byte) (sc byte, fc uint32, tag []byte, err error) {
	if len(src) != 5+GCM_TAG_LENGTH {
		return 0, 0, nil, fmt.Errorf("%w: invalid authentication value length %d", base.ErrAuthentication, len(src))
	}
	fc = uint32(src[1])<<24 | uint32(src[2])<<16 | uint32(src[3])<<8 | uint32(src[4])
	return src[0], fc, src[5:], nil
}

// FrameCounter is the invocation counter of one direction. The own counter is only
// advanced by Next, the peer counter only by Accept.
type FrameCounter struct {
	v    atomic.Uint32
	seen atomic.Bool
}

func NewFrameCounter(start uint32) *FrameCounter {
	c := &FrameCounter{}
	c.v.Store(start)
	return c
}

// Next pre-increments and returns the new value.
func (c *FrameCounter) Next() uint32 {
	return c.v.Inc()
}

func (c *FrameCounter) Current() uint32 {
	return c.v.Load()
}

// Accept records a counter received from the peer, anything not greater than the last
// accepted value is a replay.
func (c *FrameCounter) Accept(fc uint32) error {
	for {
		last := c.v.Load()
		if c.seen.Load() && fc <= last {
			return fmt.Errorf("%w: %d, last accepted %d", ErrReplay, fc, last)
		}
		if c.v.CompareAndSwap(last, fc) {
			c.seen.Store(true)
			return nil
		}
	}
}
