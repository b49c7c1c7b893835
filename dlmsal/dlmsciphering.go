package dlmsal

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/cybroslabs/dlms-engine/base"
	"github.com/cybroslabs/dlms-engine/ciphering"
)

var glotags = map[base.CosemTag]base.CosemTag{
	base.TagInitiateRequest:          base.TagGloInitiateRequest,
	base.TagInitiateResponse:         base.TagGloInitiateResponse,
	base.TagConfirmedServiceError:    base.TagGloConfirmedServiceError,
	base.TagReadRequest:              base.TagGloReadRequest,
	base.TagWriteRequest:             base.TagGloWriteRequest,
	base.TagReadResponse:             base.TagGloReadResponse,
	base.TagWriteResponse:            base.TagGloWriteResponse,
	base.TagGetRequest:               base.TagGloGetRequest,
	base.TagSetRequest:               base.TagGloSetRequest,
	base.TagEventNotificationRequest: base.TagGloEventNotificationRequest,
	base.TagActionRequest:            base.TagGloActionRequest,
	base.TagGetResponse:              base.TagGloGetResponse,
	base.TagSetResponse:              base.TagGloSetResponse,
	base.TagActionResponse:           base.TagGloActionResponse,
}

var plaintags = func() map[base.CosemTag]base.CosemTag {
	ret := make(map[base.CosemTag]base.CosemTag, len(glotags))
	for k, v := range glotags {
		ret[v] = k
	}
	return ret
}()

func isglo(tag byte) bool {
	_, ok := plaintags[base.CosemTag(tag)]
	return ok
}

// security is the ciphering context of one association. The gcm state is not safe for
// concurrent use, the reader goroutine and requests share it under the mutex.
type security struct {
	mu      sync.Mutex
	cipher  ciphering.Ciphering
	local   *ciphering.FrameCounter
	peer    *ciphering.FrameCounter
	encrypt bool
}

func newsecurity(c ciphering.Ciphering, fc uint32, encrypt bool) *security {
	return &security{
		cipher:  c,
		local:   ciphering.NewFrameCounter(fc),
		peer:    ciphering.NewFrameCounter(0),
		encrypt: encrypt,
	}
}

func (s *security) setup(peerTitle []byte, peerChallenge []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cipher.Setup(peerTitle, peerChallenge)
}

// wrap ciphers a plain xdlms apdu into its glo counterpart with authenticated encryption.
func (s *security) wrap(apdu []byte) ([]byte, *SecurityHeader, error) {
	if len(apdu) == 0 {
		return nil, nil, fmt.Errorf("empty apdu")
	}
	tag, ok := glotags[base.CosemTag(apdu[0])]
	if !ok {
		return nil, nil, fmt.Errorf("no glo tag for %02x", apdu[0])
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	fc := s.local.Next()
	ct, err := s.cipher.Encrypt(nil, ciphering.SecurityAuthenticatedEncryption, fc, apdu)
	if err != nil {
		return nil, nil, err
	}
	var out bytes.Buffer
	out.WriteByte(byte(tag))
	encodelength(&out, uint(5+len(ct)))
	out.WriteByte(ciphering.SecurityAuthenticatedEncryption)
	put32(&out, fc)
	out.Write(ct)
	return out.Bytes(), &SecurityHeader{SystemTitle: s.cipher.LocalTitle(), SC: ciphering.SecurityAuthenticatedEncryption, FrameCounter: fc}, nil
}

// unwrap deciphers a glo apdu, the frame counter is accepted only after the tag checks.
func (s *security) unwrap(apdu []byte) ([]byte, *SecurityHeader, error) {
	tag, n, content, err := decodetag(apdu)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", base.ErrProtocol, err)
	}
	plain, ok := plaintags[base.CosemTag(tag)]
	if !ok {
		return nil, nil, fmt.Errorf("%w: not a glo apdu %02x", base.ErrProtocol, tag)
	}
	if n != len(apdu) || len(content) < 5 {
		return nil, nil, fmt.Errorf("%w: invalid ciphered apdu length", base.ErrProtocol)
	}
	sc := content[0]
	fc := get32(content[1:])

	s.mu.Lock()
	defer s.mu.Unlock()
	pt, err := s.cipher.Decrypt(nil, sc, fc, content[5:])
	if err != nil {
		return nil, nil, fmt.Errorf("%w: deciphering failed: %w", base.ErrAuthentication, err)
	}
	if err = s.peer.Accept(fc); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", base.ErrAuthentication, err)
	}
	if len(pt) == 0 || pt[0] != byte(plain) {
		return nil, nil, fmt.Errorf("%w: ciphered content does not match %02x", base.ErrProtocol, tag)
	}
	return pt, &SecurityHeader{SystemTitle: s.cipher.PeerTitle(), SC: sc, FrameCounter: fc}, nil
}

// answer computes SC || FC || f(peer challenge) with the next own frame counter.
func (s *security) answer() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fc := s.local.Next()
	tag, err := s.cipher.Hash(ciphering.SecurityAuthentication, fc)
	if err != nil {
		return nil, err
	}
	return ciphering.EncodeAuthenticationValue(ciphering.SecurityAuthentication, fc, tag), nil
}

// check verifies the peer's SC || FC || f(own challenge). The counter is not recorded,
// the answer is computed before the apdu carrying it gets its own counter.
func (s *security) check(value []byte) error {
	sc, fc, tag, err := ciphering.DecodeAuthenticationValue(value)
	if err != nil {
		return err
	}
	if sc != ciphering.SecurityAuthentication {
		return fmt.Errorf("%w: unexpected security control %02x", base.ErrAuthentication, sc)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ok, err := s.cipher.Verify(sc, fc, tag)
	if err != nil {
		return fmt.Errorf("%w: %w", base.ErrAuthentication, err)
	}
	if !ok {
		return fmt.Errorf("%w: challenge response mismatch", base.ErrAuthentication)
	}
	return nil
}
