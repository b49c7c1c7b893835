package ciphering

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"slices"
)

// this is not thread safe at all, one instance per association
type gcm struct {
	nist          cipher.AEAD
	aad           []byte // sc || ak
	localTitle    []byte
	peerTitle     []byte
	challenge     []byte
	peerChallenge []byte
	iv            [12]byte
}

func New(settings *CipheringSettings) (Ciphering, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	cr, err := aes.NewCipher(settings.EncryptionKey)
	if err != nil {
		return nil, err
	}
	enc, err := cipher.NewGCMWithTagSize(cr, GCM_TAG_LENGTH)
	if err != nil {
		return nil, err
	}
	ret := &gcm{
		nist:       enc,
		aad:        make([]byte, 1+len(settings.AuthenticationKey)),
		localTitle: slices.Clone(settings.SystemTitle),
		challenge:  slices.Clone(settings.Challenge),
	}
	copy(ret.aad[1:], settings.AuthenticationKey)
	return ret, nil
}

func (g *gcm) Setup(peerTitle []byte, peerChallenge []byte) error {
	if len(peerTitle) != SYSTEM_TITLE_LENGTH {
		return fmt.Errorf("systitle has to be 8 bytes long")
	}
	g.peerTitle = slices.Clone(peerTitle)
	g.peerChallenge = slices.Clone(peerChallenge)
	return nil
}

func (g *gcm) LocalTitle() []byte {
	return g.localTitle
}

func (g *gcm) PeerTitle() []byte {
	return g.peerTitle
}

func (g *gcm) Hash(sc byte, fc uint32) ([]byte, error) {
	e, err := g.encryptinternal(nil, sc, fc, g.localTitle, g.peerChallenge)
	if err != nil {
		return nil, err
	}
	if len(e) < GCM_TAG_LENGTH { // definitely shouldnt happen
		return nil, fmt.Errorf("encrypted data too short")
	}
	return e[len(e)-GCM_TAG_LENGTH:], nil
}

func (g *gcm) Verify(sc byte, fc uint32, hash []byte) (bool, error) {
	if g.peerTitle == nil {
		return false, fmt.Errorf("peer system title is unknown")
	}
	e, err := g.encryptinternal(nil, sc, fc, g.peerTitle, g.challenge)
	if err != nil {
		return false, err
	}
	if len(e) < GCM_TAG_LENGTH { // definitely shouldnt happen
		return false, fmt.Errorf("encrypted data too short")
	}
	return bytes.Equal(e[len(e)-GCM_TAG_LENGTH:], hash), nil
}

func (g *gcm) Encrypt(ret []byte, sc byte, fc uint32, apdu []byte) ([]byte, error) {
	return g.encryptinternal(ret, sc, fc, g.localTitle, apdu)
}

func (g *gcm) Decrypt(ret []byte, sc byte, fc uint32, apdu []byte) ([]byte, error) {
	if sc&0x80 != 0 {
		return nil, fmt.Errorf("compression not yet supported")
	}
	if sc&0x40 != 0 {
		return nil, fmt.Errorf("only unicast keys are supported")
	}
	if g.peerTitle == nil {
		return nil, fmt.Errorf("peer system title is unknown")
	}

	copy(g.iv[:], g.peerTitle)
	binary.BigEndian.PutUint32(g.iv[8:], fc)
	switch sc & 0x30 {
	case SecurityAuthentication:
		if len(apdu) < GCM_TAG_LENGTH {
			return nil, fmt.Errorf("too short ciphered data, no space for tag")
		}
		aad := make([]byte, len(g.aad)+len(apdu)-GCM_TAG_LENGTH)
		aad[0] = sc
		copy(aad[1:], g.aad[1:])
		copy(aad[len(g.aad):], apdu[:len(apdu)-GCM_TAG_LENGTH])
		if _, err := g.nist.Open(nil, g.iv[:], apdu[len(apdu)-GCM_TAG_LENGTH:], aad); err != nil {
			return nil, err
		}
		return append(ret[:0], apdu[:len(apdu)-GCM_TAG_LENGTH]...), nil
	case SecurityEncryption:
		// no tag, plain counter mode over the gcm counter block starting at 2
		return g.ctr(ret, apdu), nil
	case SecurityAuthenticatedEncryption:
		if len(apdu) < GCM_TAG_LENGTH {
			return nil, fmt.Errorf("too short ciphered data, no space for tag")
		}
		g.aad[0] = sc
		return g.nist.Open(ret[:0], g.iv[:], apdu, g.aad)
	default:
		return nil, fmt.Errorf("scControl %02X not supported", sc)
	}
}

func (g *gcm) encryptinternal(ret []byte, sc byte, fc uint32, title []byte, apdu []byte) ([]byte, error) {
	if sc&0x80 != 0 {
		return nil, fmt.Errorf("compression not yet supported")
	}
	if sc&0x40 != 0 {
		return nil, fmt.Errorf("only unicast keys are supported")
	}

	copy(g.iv[:], title)
	binary.BigEndian.PutUint32(g.iv[8:], fc)
	switch sc & 0x30 {
	case SecurityAuthentication:
		aad := make([]byte, len(g.aad)+len(apdu))
		aad[0] = sc
		copy(aad[1:], g.aad[1:])
		copy(aad[len(g.aad):], apdu)

		tag := g.nist.Seal(nil, g.iv[:], nil, aad)
		ret = append(ret[:0], apdu...)
		return append(ret, tag...), nil
	case SecurityEncryption:
		return g.ctr(ret, apdu), nil
	case SecurityAuthenticatedEncryption:
		g.aad[0] = sc
		return g.nist.Seal(ret[:0], g.iv[:], apdu, g.aad), nil
	default:
		return nil, fmt.Errorf("unsupported security control byte: %v", sc)
	}
}

// ctr is the gcm keystream without authentication, used by encryption only suites
func (g *gcm) ctr(ret []byte, src []byte) []byte {
	// sealing with empty aad and dropping the tag gives exactly the gcm keystream
	out := g.nist.Seal(ret[:0], g.iv[:], src, nil)
	return out[:len(src)]
}

func (g *gcm) GetEncryptLength(sc byte, apdu []byte) (int, error) {
	switch sc & 0x30 {
	case SecurityAuthentication, SecurityAuthenticatedEncryption:
		return len(apdu) + GCM_TAG_LENGTH, nil
	case SecurityEncryption:
		return len(apdu), nil
	}
	return 0, fmt.Errorf("GetEncryptLength not implemented for scControl %02X", sc)
}
