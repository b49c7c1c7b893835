package dlmsal

import (
	"bytes"
	"crypto/rand"
	"crypto/subtle"
	"fmt"

	"github.com/cybroslabs/dlms-engine/base"
	"github.com/cybroslabs/dlms-engine/ciphering"
)

// rejection ends the association attempt, userinfo optionally carries the initiate error.
type rejection struct {
	diagnostic base.SourceDiagnostic
	userinfo   []byte
}

func (r *rejection) Error() string {
	return fmt.Sprintf("association rejected: %v", r.diagnostic)
}

func reject(diagnostic base.SourceDiagnostic) *rejection {
	return &rejection{diagnostic: diagnostic}
}

func ciphered(ctx base.ApplicationContext) bool {
	return ctx == base.ApplicationContextLNCiphering || ctx == base.ApplicationContextSNCiphering
}

// processinitial answers an AARQ with an AARE, any previous association on the session
// is dropped first.
func (c *serverconn) processinitial(wire []byte) []byte {
	c.reset()
	if as, ok := c.session.(base.AddressedSession); ok {
		c.id.LogicalDevice, c.id.ClientId = as.Addresses()
	}
	c.state = newassociation(c.logf)

	req, err := decodeAARQ(wire)
	if err != nil {
		c.dlogf(base.LogHex("Received", wire))
		c.srv.raw(MessageReceived, wire, wire, nil)
		c.logf("Invalid AARQ: %v", err)
		return c.rejected(base.ApplicationContextLNNoCiphering, reject(base.SourceDiagnosticNoReasonGiven))
	}
	if req.Mechanism == base.AuthenticationLow && req.AuthenticationValue != nil {
		_, nosec := encodeAARQ(req)
		c.dlogf(base.LogHex("Received AARQ (sec values zeroed)", nosec))
		c.srv.raw(MessageReceived, nosec, nosec, nil)
	} else {
		c.dlogf(base.LogHex("Received", wire))
		c.srv.raw(MessageReceived, wire, wire, nil)
	}

	rsp, rej := c.associate(req)
	if rej != nil {
		return c.rejected(req.ApplicationContext, rej)
	}
	c.logf("Client %d associated to logical device %d: %v, conformance %v, max PDU %d", c.id.ClientId, c.id.LogicalDevice, c.state.state(), c.conf, c.maxsend)
	return encodeAARE(rsp)
}

func (c *serverconn) rejected(ctx base.ApplicationContext, rej *rejection) []byte {
	c.logf("Client %d to logical device %d rejected: %v", c.id.ClientId, c.id.LogicalDevice, rej.diagnostic)
	_ = c.state.event(eventReject)
	c.sec = nil
	c.suite = nil
	return encodeAARE(&aare{
		ApplicationContext: ctx,
		Result:             base.AssociationResultPermanentRejected,
		Diagnostic:         rej.diagnostic,
		UserInformation:    rej.userinfo,
	})
}

// associate decides about the AARQ, the order of checks matters for the diagnostic.
func (c *serverconn) associate(req *aarq) (*aare, *rejection) {
	ld := c.srv.settings.device(c.id.LogicalDevice)
	if ld == nil {
		return nil, reject(base.SourceDiagnosticNoReasonGiven)
	}
	ctx := req.ApplicationContext
	switch ctx {
	case base.ApplicationContextLNNoCiphering, base.ApplicationContextSNNoCiphering, base.ApplicationContextLNCiphering, base.ApplicationContextSNCiphering:
	default:
		return nil, reject(base.SourceDiagnosticApplicationContextNameNotSupported)
	}
	rsp := &aare{ApplicationContext: ctx, Result: base.AssociationResultAccepted}

	if len(ld.Restrictions) == 0 {
		if ciphered(ctx) {
			return nil, reject(base.SourceDiagnosticApplicationContextNameNotSupported)
		}
		c.suite, _ = NewSecuritySuite(base.AuthenticationNone, EncryptionNone, nil, nil, nil)
		if rej := c.initiate(req, rsp); rej != nil {
			return nil, rej
		}
		return rsp, c.accept()
	}

	suite := ld.restriction(c.id.ClientId)
	if suite == nil {
		return nil, reject(base.SourceDiagnosticNoReasonGiven)
	}
	if ciphered(ctx) != (suite.encryption != EncryptionNone) {
		return nil, reject(base.SourceDiagnosticApplicationContextNameNotSupported)
	}
	c.suite = suite

	var stoc []byte
	switch {
	case !req.HasMechanism && suite.authentication != base.AuthenticationNone:
		return nil, reject(base.SourceDiagnosticAuthenticationMechanismNameRequired)
	case !req.HasMechanism:
	case req.Mechanism == base.AuthenticationNone:
		if suite.authentication != base.AuthenticationNone {
			return nil, reject(base.SourceDiagnosticAuthenticationRequired)
		}
	case req.Mechanism != suite.authentication:
		return nil, reject(base.SourceDiagnosticAuthenticationFailure)
	case req.Mechanism == base.AuthenticationLow:
		if subtle.ConstantTimeCompare(req.AuthenticationValue, suite.password) != 1 {
			return nil, reject(base.SourceDiagnosticAuthenticationFailure)
		}
		rsp.HasMechanism = true
		rsp.Mechanism = base.AuthenticationLow
	case req.Mechanism == base.AuthenticationHighGmac:
		l := len(req.AuthenticationValue)
		if l < minChallengeLength || l > maxChallengeLength {
			return nil, reject(base.SourceDiagnosticAuthenticationFailure)
		}
		stoc = make([]byte, l)
		if _, err := rand.Read(stoc); err != nil {
			c.logf("Unable to generate challenge: %v", err)
			return nil, reject(base.SourceDiagnosticNoReasonGiven)
		}
	default:
		return nil, reject(base.SourceDiagnosticAuthenticationMechanismNameNotRecognized)
	}

	if suite.usescipher() {
		if len(req.CallingTitle) != ciphering.SYSTEM_TITLE_LENGTH {
			return nil, reject(base.SourceDiagnosticAuthenticationFailure)
		}
		cp, err := suite.newcipher(c.srv.settings.SystemTitle, stoc)
		if err != nil {
			c.logf("Unable to create ciphering: %v", err)
			return nil, reject(base.SourceDiagnosticNoReasonGiven)
		}
		c.sec = newsecurity(cp, 1, suite.encryption != EncryptionNone)
		var ctos []byte
		if stoc != nil {
			ctos = req.AuthenticationValue
		}
		if err = c.sec.setup(req.CallingTitle, ctos); err != nil {
			c.logf("Unable to set up ciphering: %v", err)
			return nil, reject(base.SourceDiagnosticAuthenticationFailure)
		}
		rsp.RespondingTitle = c.srv.settings.SystemTitle
	}

	if rej := c.initiate(req, rsp); rej != nil {
		return nil, rej
	}
	if stoc == nil {
		return rsp, c.accept()
	}
	rsp.Diagnostic = base.SourceDiagnosticAuthenticationRequired
	rsp.HasMechanism = true
	rsp.Mechanism = base.AuthenticationHighGmac
	rsp.AuthenticationValue = stoc
	if err := c.state.event(eventChallenge); err != nil {
		return nil, reject(base.SourceDiagnosticNoReasonGiven)
	}
	return rsp, nil
}

func (c *serverconn) accept() *rejection {
	if err := c.state.event(eventAccept); err != nil {
		return reject(base.SourceDiagnosticNoReasonGiven)
	}
	return nil
}

// initiate negotiates the xdlms context and fills the user information of the AARE.
func (c *serverconn) initiate(req *aarq, rsp *aare) *rejection {
	ui := req.UserInformation
	if len(ui) == 0 {
		return reject(base.SourceDiagnosticNoReasonGiven)
	}
	encrypt := c.sec != nil && c.sec.encrypt
	if isglo(ui[0]) {
		if !encrypt {
			return reject(base.SourceDiagnosticNoReasonGiven)
		}
		var err error
		if ui, _, err = c.sec.unwrap(ui); err != nil {
			c.logf("Unable to decipher initiate request: %v", err)
			return reject(base.SourceDiagnosticNoReasonGiven)
		}
	} else if encrypt {
		return reject(base.SourceDiagnosticNoReasonGiven)
	}
	ir, err := decodeInitiateRequest(ui)
	if err != nil {
		c.logf("Invalid initiate request: %v", err)
		return reject(base.SourceDiagnosticNoReasonGiven)
	}
	if ir.DedicatedKey != nil {
		c.logf("Ignoring dedicated key, global keys only")
	}
	if ir.Version < base.DlmsVersion {
		return &rejection{diagnostic: base.SourceDiagnosticNoReasonGiven, userinfo: encodeInitiateError(initiateErrorVersionTooLow)}
	}
	neg := c.srv.settings.Conformance.Negotiate(ir.Conformance)
	if neg == 0 {
		return &rejection{diagnostic: base.SourceDiagnosticNoReasonGiven, userinfo: encodeInitiateError(initiateErrorIncompatibleConf)}
	}
	maxpdu := int(ir.MaxPdu)
	if maxpdu == 0 {
		maxpdu = 0xffff
	}
	if maxpdu < 12 {
		return &rejection{diagnostic: base.SourceDiagnosticNoReasonGiven, userinfo: encodeInitiateError(initiateErrorPduSizeTooShort)}
	}
	c.conf = neg
	c.maxsend = maxpdu
	c.sn = req.ApplicationContext == base.ApplicationContextSNNoCiphering || req.ApplicationContext == base.ApplicationContextSNCiphering

	vaa := uint16(base.VAANameLN)
	if c.sn {
		vaa = base.VAANameSN
	}
	out := encodeInitiateResponse(&initiateResponse{
		NegotiatedConformance:   neg,
		ServerMaxReceivePduSize: c.srv.settings.MaxPduSize,
		VAAddress:               vaa,
	})
	if encrypt {
		if out, _, err = c.sec.wrap(out); err != nil {
			c.logf("Unable to cipher initiate response: %v", err)
			return reject(base.SourceDiagnosticNoReasonGiven)
		}
	}
	rsp.UserInformation = out
	return nil
}

// replytohls serves the only request allowed while the challenge is pending, the
// client's f(StoC) is checked and f(CtoS) goes back.
func (c *serverconn) replytohls(pdu []byte) error {
	if len(pdu) < 13 || ActionRequestTag(pdu[1]) != TagActionRequestNormal {
		return c.exception(base.StateErrorServiceNotAllowed, base.ServiceErrorOperationNotPossible)
	}
	inv := pdu[2]
	m, err := decodelnmethod(pdu[3:])
	if err != nil {
		return c.malformed(err)
	}
	if m.ClassId != associationLNClass || m.Obis != associationLNObis || m.Method != replyToHLSMethod || pdu[12] != 1 {
		return c.exception(base.StateErrorServiceNotAllowed, base.ServiceErrorOperationNotPossible)
	}

	var body bytes.Buffer
	value, err := DecodeOctetString(pdu[13:])
	if err == nil {
		err = c.sec.check(value)
	}
	if err != nil {
		c.logf("Client %d failed HLS: %v", c.id.ClientId, err)
		_ = c.state.event(eventReject)
		encodeactionbody(&body, base.TagActionReadWriteDenied, nil)
		return c.send(append([]byte{byte(base.TagActionResponse), byte(TagActionResponseNormal), inv}, body.Bytes()...))
	}
	answer, err := c.sec.answer()
	if err != nil {
		return err
	}
	if err = c.state.event(eventAccept); err != nil {
		return err
	}
	c.logf("Client %d authenticated", c.id.ClientId)
	encodeactionbody(&body, base.TagActionSuccess, EncodeOctetString(answer))
	return c.send(append([]byte{byte(base.TagActionResponse), byte(TagActionResponseNormal), inv}, body.Bytes()...))
}
