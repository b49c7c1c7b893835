package dlmsal

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/cybroslabs/dlms-engine/base"
)

var (
	appctxprefix = []byte{0x06, 0x07, 0x60, 0x85, 0x74, 0x05, 0x08, 0x01}
	mechprefix   = []byte{0x60, 0x85, 0x74, 0x05, 0x08, 0x02}
)

// aarq holds the fields of an association request this stack understands, the rest is
// skipped on decode.
type aarq struct {
	ApplicationContext  base.ApplicationContext
	CallingTitle        []byte
	UserId              *byte
	HasMechanism        bool
	Mechanism           base.Authentication
	AuthenticationValue []byte
	UserInformation     []byte // xdlms initiate request, plain or glo ciphered
}

type aare struct {
	ApplicationContext  base.ApplicationContext
	Result              base.AssociationResult
	Diagnostic          base.SourceDiagnostic
	RespondingTitle     []byte
	HasMechanism        bool
	Mechanism           base.Authentication
	AuthenticationValue []byte
	UserInformation     []byte
}

type initiateRequest struct {
	DedicatedKey []byte
	Conformance  Conformance
	MaxPdu       uint16
	Version      byte
}

type initiateResponse struct {
	NegotiatedQualityOfService byte
	NegotiatedConformance      Conformance
	ServerMaxReceivePduSize    uint16
	VAAddress                  uint16
}

// initiate error values inside of confirmed-service-error
const (
	initiateErrorOther              = 0
	initiateErrorVersionTooLow      = 1
	initiateErrorIncompatibleConf   = 2
	initiateErrorPduSizeTooShort    = 3
	initiateErrorRefusedByVDEHandle = 4
)

func putappctxname(dst *bytes.Buffer, ctx base.ApplicationContext) {
	dst.WriteByte(base.BERTypeContext | base.BERTypeConstructed | base.PduTypeApplicationContextName)
	dst.WriteByte(9)
	dst.Write(appctxprefix)
	dst.WriteByte(byte(ctx))
}

func putmechname(dst *bytes.Buffer, tag byte, mech base.Authentication) {
	dst.WriteByte(tag)
	dst.WriteByte(7)
	dst.Write(mechprefix)
	dst.WriteByte(byte(mech))
}

// encodeAARQ returns the whole AARQ and the same with the authentication value zeroed
// for logging.
func encodeAARQ(r *aarq) (out []byte, outnosec []byte) {
	var buf bytes.Buffer
	var content bytes.Buffer

	putappctxname(&content, r.ApplicationContext)
	if r.CallingTitle != nil {
		encodetag2(&content, base.BERTypeContext|base.BERTypeConstructed|base.PduTypeCallingAPTitle, 0x04, r.CallingTitle)
	}
	if r.UserId != nil {
		encodetag2(&content, base.BERTypeContext|base.BERTypeConstructed|base.PduTypeCallingAEInvocationID, 0x02, []byte{*r.UserId})
	}
	if r.HasMechanism && r.Mechanism != base.AuthenticationNone {
		encodetag(&content, base.BERTypeContext|base.PduTypeSenderAcseRequirements, []byte{0x07, 0x80})
		putmechname(&content, base.BERTypeContext|base.PduTypeMechanismName, r.Mechanism)
	}
	st := content.Len()
	if r.AuthenticationValue != nil {
		encodetag2(&content, base.BERTypeContext|base.BERTypeConstructed|base.PduTypeCallingAuthenticationValue, 0x80, r.AuthenticationValue)
	}
	en := content.Len()
	if r.UserInformation != nil {
		encodetag2(&content, base.BERTypeContext|base.BERTypeConstructed|base.PduTypeUserInformation, 0x04, r.UserInformation)
	}

	encodetag(&buf, byte(base.TagAARQ), content.Bytes())
	out = buf.Bytes()
	outnosec = newcopy(out)
	// content starts after the tag and its length
	hl := len(out) - content.Len()
	clear(outnosec[hl+st : hl+en])
	return
}

func encodeAARE(r *aare) []byte {
	var buf bytes.Buffer
	var content bytes.Buffer

	putappctxname(&content, r.ApplicationContext)
	content.Write([]byte{base.BERTypeContext | base.BERTypeConstructed | 2, 0x03, 0x02, 0x01, byte(r.Result)})
	content.Write([]byte{base.BERTypeContext | base.BERTypeConstructed | 3, 0x05, 0xa1, 0x03, 0x02, 0x01, byte(r.Diagnostic)})
	if r.RespondingTitle != nil {
		encodetag2(&content, base.BERTypeContext|base.BERTypeConstructed|4, 0x04, r.RespondingTitle)
	}
	if r.HasMechanism && r.Mechanism != base.AuthenticationNone {
		encodetag(&content, base.BERTypeContext|8, []byte{0x07, 0x80})
		putmechname(&content, base.BERTypeContext|9, r.Mechanism)
	}
	if r.AuthenticationValue != nil {
		encodetag2(&content, base.BERTypeContext|base.BERTypeConstructed|10, 0x80, r.AuthenticationValue)
	}
	if r.UserInformation != nil {
		encodetag2(&content, base.BERTypeContext|base.BERTypeConstructed|base.PduTypeUserInformation, 0x04, r.UserInformation)
	}
	encodetag(&buf, byte(base.TagAARE), content.Bytes())
	return buf.Bytes()
}

// splittags iterates BER elements of the outer content, the callback gets tag and value.
func splittags(src []byte, expected base.CosemTag, f func(tag byte, data []byte) error) error {
	tag, n, content, err := decodetag(src)
	if err != nil {
		return fmt.Errorf("%w: %w", base.ErrProtocol, err)
	}
	if tag != byte(expected) {
		return fmt.Errorf("%w: unexpected tag %02x", base.ErrProtocol, tag)
	}
	if n != len(src) {
		return fmt.Errorf("%w: trailing bytes after %02x", base.ErrProtocol, tag)
	}
	for len(content) > 0 {
		t, l, data, err := decodetag(content)
		if err != nil {
			return fmt.Errorf("%w: %w", base.ErrProtocol, err)
		}
		if err = f(t, data); err != nil {
			return fmt.Errorf("%w: %w", base.ErrProtocol, err)
		}
		content = content[l:]
	}
	return nil
}

func parseApplicationContextName(data []byte) (base.ApplicationContext, error) {
	if len(data) != 9 || !bytes.Equal(data[:8], appctxprefix) {
		return 0, fmt.Errorf("invalid application context name")
	}
	return base.ApplicationContext(data[8]), nil
}

func parseMechanismName(data []byte) (base.Authentication, error) {
	if len(data) != 7 || !bytes.Equal(data[:6], mechprefix) {
		return 0, fmt.Errorf("invalid mechanism name")
	}
	return base.Authentication(data[6]), nil
}

// parseinner unwraps one inner tlv of the expected tag.
func parseinner(data []byte, expected byte) ([]byte, error) {
	t, _, d, err := decodetag(data)
	if err != nil {
		return nil, err
	}
	if t != expected {
		return nil, fmt.Errorf("unexpected inner tag %02x", t)
	}
	return newcopy(d), nil
}

func decodeAARQ(src []byte) (*aarq, error) {
	ret := &aarq{}
	hasctx := false
	err := splittags(src, base.TagAARQ, func(tag byte, data []byte) (err error) {
		switch tag {
		case base.BERTypeContext | base.BERTypeConstructed | base.PduTypeApplicationContextName:
			ret.ApplicationContext, err = parseApplicationContextName(data)
			hasctx = true
		case base.BERTypeContext | base.BERTypeConstructed | base.PduTypeCallingAPTitle:
			ret.CallingTitle, err = parseinner(data, 0x04)
		case base.BERTypeContext | base.BERTypeConstructed | base.PduTypeCallingAEInvocationID:
			var id []byte
			if id, err = parseinner(data, 0x02); err == nil {
				if len(id) != 1 {
					return fmt.Errorf("invalid user id length")
				}
				ret.UserId = &id[0]
			}
		case base.BERTypeContext | base.PduTypeMechanismName:
			ret.Mechanism, err = parseMechanismName(data)
			ret.HasMechanism = true
		case base.BERTypeContext | base.BERTypeConstructed | base.PduTypeCallingAuthenticationValue:
			ret.AuthenticationValue, err = parseinner(data, 0x80)
		case base.BERTypeContext | base.BERTypeConstructed | base.PduTypeUserInformation:
			ret.UserInformation, err = parseinner(data, 0x04)
		}
		return
	})
	if err != nil {
		return nil, err
	}
	if !hasctx {
		return nil, fmt.Errorf("%w: missing application context name", base.ErrProtocol)
	}
	return ret, nil
}

func decodeAARE(src []byte) (*aare, error) {
	ret := &aare{}
	hasresult := false
	err := splittags(src, base.TagAARE, func(tag byte, data []byte) (err error) {
		switch tag {
		case base.BERTypeContext | base.BERTypeConstructed | base.PduTypeApplicationContextName:
			ret.ApplicationContext, err = parseApplicationContextName(data)
		case base.BERTypeContext | base.BERTypeConstructed | 2:
			if len(data) != 3 || data[0] != 0x02 || data[1] != 0x01 {
				return fmt.Errorf("invalid association result")
			}
			ret.Result = base.AssociationResult(data[2])
			hasresult = true
		case base.BERTypeContext | base.BERTypeConstructed | 3:
			if len(data) != 5 || !bytes.Equal(data[1:4], []byte{0x03, 0x02, 0x01}) {
				return fmt.Errorf("invalid source diagnostic")
			}
			ret.Diagnostic = base.SourceDiagnostic(data[4])
		case base.BERTypeContext | base.BERTypeConstructed | 4:
			ret.RespondingTitle, err = parseinner(data, 0x04)
		case base.BERTypeContext | 9:
			ret.Mechanism, err = parseMechanismName(data)
			ret.HasMechanism = true
		case base.BERTypeContext | base.BERTypeConstructed | 10:
			ret.AuthenticationValue, err = parseinner(data, 0x80)
		case base.BERTypeContext | base.BERTypeConstructed | base.PduTypeUserInformation:
			ret.UserInformation, err = parseinner(data, 0x04)
		}
		return
	})
	if err != nil {
		return nil, err
	}
	if !hasresult {
		return nil, fmt.Errorf("%w: missing association result", base.ErrProtocol)
	}
	return ret, nil
}

func encodeInitiateRequest(r *initiateRequest) []byte {
	var out bytes.Buffer
	out.WriteByte(byte(base.TagInitiateRequest))
	if r.DedicatedKey != nil {
		out.WriteByte(1)
		encodelength(&out, uint(len(r.DedicatedKey)))
		out.Write(r.DedicatedKey)
	} else {
		out.WriteByte(0)
	}
	out.WriteByte(0) // response-allowed default true
	out.WriteByte(0) // proposed quality of service
	out.WriteByte(base.DlmsVersion)
	out.Write([]byte{0x5f, 0x1f, 0x04})
	put32(&out, uint32(r.Conformance&conformancemask))
	out.WriteByte(byte(r.MaxPdu >> 8))
	out.WriteByte(byte(r.MaxPdu))
	return out.Bytes()
}

// decodeInitiateRequest expects the whole apdu including its tag.
func decodeInitiateRequest(src []byte) (ret initiateRequest, err error) {
	if len(src) < 1 || src[0] != byte(base.TagInitiateRequest) {
		return ret, fmt.Errorf("%w: not an initiate request", base.ErrProtocol)
	}
	src = src[1:]
	// dedicated key, response-allowed, quality of service, all optional
	for i := range 3 {
		if len(src) < 1 {
			return ret, fmt.Errorf("%w: truncated initiate request", base.ErrProtocol)
		}
		if src[0] == 0 {
			src = src[1:]
			continue
		}
		switch i {
		case 0:
			l, c, err := decodelength(src[1:])
			if err != nil || len(src) < 1+c+int(l) {
				return ret, fmt.Errorf("%w: invalid dedicated key", base.ErrProtocol)
			}
			ret.DedicatedKey = newcopy(src[1+c : 1+c+int(l)])
			src = src[1+c+int(l):]
		default:
			if len(src) < 2 {
				return ret, fmt.Errorf("%w: truncated initiate request", base.ErrProtocol)
			}
			src = src[2:]
		}
	}
	if len(src) != 10 {
		return ret, fmt.Errorf("%w: invalid initiate request length", base.ErrProtocol)
	}
	ret.Version = src[0]
	if !bytes.Equal(src[1:4], []byte{0x5f, 0x1f, 0x04}) {
		return ret, fmt.Errorf("%w: invalid conformance tag", base.ErrProtocol)
	}
	ret.Conformance = Conformance(binary.BigEndian.Uint32(src[4:8])) & conformancemask
	ret.MaxPdu = binary.BigEndian.Uint16(src[8:10])
	return ret, nil
}

func encodeInitiateResponse(r *initiateResponse) []byte {
	var out bytes.Buffer
	out.WriteByte(byte(base.TagInitiateResponse))
	out.WriteByte(0)
	out.WriteByte(base.DlmsVersion)
	out.Write([]byte{0x5f, 0x1f, 0x04})
	put32(&out, uint32(r.NegotiatedConformance&conformancemask))
	out.WriteByte(byte(r.ServerMaxReceivePduSize >> 8))
	out.WriteByte(byte(r.ServerMaxReceivePduSize))
	out.WriteByte(byte(r.VAAddress >> 8))
	out.WriteByte(byte(r.VAAddress))
	return out.Bytes()
}

// decodeInitiateResponse expects the apdu without its tag.
func decodeInitiateResponse(src []byte) (out initiateResponse, err error) {
	if len(src) < 1 {
		return out, fmt.Errorf("%w: empty initiate response", base.ErrProtocol)
	}
	if src[0] == 0x01 {
		if len(src) < 2 {
			return out, fmt.Errorf("%w: invalid initiate response length", base.ErrProtocol)
		}
		out.NegotiatedQualityOfService = src[1]
		src = src[2:]
	} else {
		src = src[1:]
	}
	// some units omit the last byte of the vaa name, it is always the LN one then
	if len(src) == 11 {
		src = append(newcopy(src), 0x07)
	}
	if len(src) != 12 {
		return out, fmt.Errorf("%w: invalid initiate response length", base.ErrProtocol)
	}
	if src[0] != base.DlmsVersion {
		return out, fmt.Errorf("%w: wrong dlms version", base.ErrProtocol)
	}
	if !bytes.Equal(src[1:4], []byte{0x5F, 0x1F, 0x04}) {
		return out, fmt.Errorf("%w: invalid initiate response content", base.ErrProtocol)
	}
	out.NegotiatedConformance = Conformance(binary.BigEndian.Uint32(src[4:8])) & conformancemask
	out.ServerMaxReceivePduSize = binary.BigEndian.Uint16(src[8:10])
	out.VAAddress = binary.BigEndian.Uint16(src[10:12])
	return
}

// encodeInitiateError is confirmed-service-error(initiateError, initiate(value)).
func encodeInitiateError(value byte) []byte {
	return []byte{byte(base.TagConfirmedServiceError), 1, 6, value}
}
