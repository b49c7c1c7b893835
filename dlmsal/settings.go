package dlmsal

import (
	"fmt"
	"slices"
	"time"

	"github.com/cybroslabs/dlms-engine/base"
	"github.com/cybroslabs/dlms-engine/ciphering"
	"k8s.io/utils/ptr"
)

type EncryptionMechanism byte

const (
	EncryptionNone      EncryptionMechanism = 0
	EncryptionAesGcm128 EncryptionMechanism = 1
)

func (e EncryptionMechanism) String() string {
	if e == EncryptionAesGcm128 {
		return "aes-gcm-128"
	}
	return "none"
}

const (
	minChallengeLength     = 8
	maxChallengeLength     = 64
	defaultChallengeLength = 16
	defaultMaxPdu          = 1024
)

// SecuritySuite is validated by NewSecuritySuite and never changes afterwards.
type SecuritySuite struct {
	authentication base.Authentication
	encryption     EncryptionMechanism
	password       []byte
	ak             []byte
	ek             []byte
}

// NewSecuritySuite checks that the keys fit the mechanisms. LOW needs a password, HLS-GMAC
// and AES-GCM both need the encryption and authentication keys.
func NewSecuritySuite(authentication base.Authentication, encryption EncryptionMechanism, password []byte, ak []byte, ek []byte) (*SecuritySuite, error) {
	switch authentication {
	case base.AuthenticationNone:
	case base.AuthenticationLow:
		if len(password) == 0 {
			return nil, fmt.Errorf("low authentication requires password")
		}
	case base.AuthenticationHighGmac:
	default:
		return nil, fmt.Errorf("unsupported authentication mechanism %v", authentication)
	}
	switch encryption {
	case EncryptionNone:
	case EncryptionAesGcm128:
	default:
		return nil, fmt.Errorf("unsupported encryption mechanism %v", encryption)
	}
	if authentication == base.AuthenticationHighGmac || encryption == EncryptionAesGcm128 {
		if len(ek) != 16 {
			return nil, fmt.Errorf("encryption key has to be 16 bytes long")
		}
		if len(ak) != 16 {
			return nil, fmt.Errorf("authentication key has to be 16 bytes long")
		}
	}
	return &SecuritySuite{
		authentication: authentication,
		encryption:     encryption,
		password:       slices.Clone(password),
		ak:             slices.Clone(ak),
		ek:             slices.Clone(ek),
	}, nil
}

func (s *SecuritySuite) Authentication() base.Authentication {
	return s.authentication
}

func (s *SecuritySuite) Encryption() EncryptionMechanism {
	return s.encryption
}

// usescipher is true when GCM is involved either for authentication or for APDUs.
func (s *SecuritySuite) usescipher() bool {
	return s.authentication == base.AuthenticationHighGmac || s.encryption == EncryptionAesGcm128
}

func (s *SecuritySuite) newcipher(systemtitle []byte, challenge []byte) (ciphering.Ciphering, error) {
	return ciphering.New(&ciphering.CipheringSettings{
		EncryptionKey:     s.ek,
		AuthenticationKey: s.ak,
		SystemTitle:       systemtitle,
		Challenge:         challenge,
	})
}

func (s *SecuritySuite) String() string {
	return fmt.Sprintf("%v/%v", s.authentication, s.encryption)
}

// DlmsSettings contains the configuration parameters of a client association.
type DlmsSettings struct {
	ConformanceBlock   Conformance
	MaxPduRecvSize     int
	HighPriority       bool
	ConfirmedRequests  bool
	EmptyRLRQ          bool
	UserId             *byte
	ChallengeLength    int
	ResponseTimeout    time.Duration // zero waits forever
	ApplicationContext base.ApplicationContext
	ShowSecuredValues  bool // force to show secured values in logs, dangerous, debug purpose only !!!

	suite        *SecuritySuite
	systemtitle  []byte
	framecounter uint32
}

const (
	lnconformance = base.ConformanceBlockBlockTransferWithGetOrRead | base.ConformanceBlockBlockTransferWithSetOrWrite |
		base.ConformanceBlockBlockTransferWithAction | base.ConformanceBlockAction | base.ConformanceBlockGet | base.ConformanceBlockSet |
		base.ConformanceBlockSelectiveAccess | base.ConformanceBlockMultipleReferences | base.ConformanceBlockAttribute0SupportedWithGet |
		base.ConformanceBlockPriorityMgmtSupported | base.ConformanceBlockEventNotification
	snconformance = base.ConformanceBlockBlockTransferWithGetOrRead | base.ConformanceBlockBlockTransferWithSetOrWrite |
		base.ConformanceBlockRead | base.ConformanceBlockWrite | base.ConformanceBlockMultipleReferences
)

func newsettings(ctx base.ApplicationContext, conformance Conformance, suite *SecuritySuite) *DlmsSettings {
	return &DlmsSettings{
		ConformanceBlock:   conformance,
		MaxPduRecvSize:     defaultMaxPdu,
		HighPriority:       true,
		ConfirmedRequests:  true,
		EmptyRLRQ:          true,
		ChallengeLength:    defaultChallengeLength,
		ResponseTimeout:    30 * time.Second,
		ApplicationContext: ctx,
		suite:              suite,
	}
}

// NewSettingsWithLowAuthenticationSN creates DLMS settings for Short Name (SN) referencing with low-level authentication.
func NewSettingsWithLowAuthenticationSN(password string) (*DlmsSettings, error) {
	suite, err := NewSecuritySuite(base.AuthenticationLow, EncryptionNone, []byte(password), nil, nil)
	if err != nil {
		return nil, err
	}
	ret := newsettings(base.ApplicationContextSNNoCiphering, snconformance, suite)
	ret.HighPriority = false
	return ret, nil
}

// NewSettingsWithNoAuthenticationSN creates DLMS settings for Short Name (SN) referencing without authentication.
func NewSettingsWithNoAuthenticationSN() (*DlmsSettings, error) {
	suite, _ := NewSecuritySuite(base.AuthenticationNone, EncryptionNone, nil, nil, nil)
	ret := newsettings(base.ApplicationContextSNNoCiphering, snconformance, suite)
	ret.HighPriority = false
	return ret, nil
}

// NewSettingsWithLowAuthenticationLN creates DLMS settings for Logical Name (LN) referencing with low-level authentication.
func NewSettingsWithLowAuthenticationLN(password string) (*DlmsSettings, error) {
	suite, err := NewSecuritySuite(base.AuthenticationLow, EncryptionNone, []byte(password), nil, nil)
	if err != nil {
		return nil, err
	}
	return newsettings(base.ApplicationContextLNNoCiphering, lnconformance, suite), nil
}

// NewSettingsWithNoAuthenticationLN creates DLMS settings for Logical Name (LN) referencing without authentication.
func NewSettingsWithNoAuthenticationLN() (*DlmsSettings, error) {
	suite, _ := NewSecuritySuite(base.AuthenticationNone, EncryptionNone, nil, nil, nil)
	return newsettings(base.ApplicationContextLNNoCiphering, lnconformance, suite), nil
}

// NewSettingsWithCipheringLN creates DLMS settings for LN referencing with the GCM based suite.
// The systemtitle must be 8 bytes, fc is the last used frame counter, the first APDU goes
// out with fc+1. The ciphered application context is used only when the suite encrypts.
func NewSettingsWithCipheringLN(systemtitle []byte, suite *SecuritySuite, fc uint32) (*DlmsSettings, error) {
	if len(systemtitle) != ciphering.SYSTEM_TITLE_LENGTH {
		return nil, fmt.Errorf("systemtitle has to be 8 bytes long")
	}
	if suite == nil || !suite.usescipher() {
		return nil, fmt.Errorf("security suite without gcm")
	}
	ctx := base.ApplicationContextLNNoCiphering
	conf := Conformance(lnconformance)
	if suite.encryption != EncryptionNone {
		ctx = base.ApplicationContextLNCiphering
		conf |= base.ConformanceBlockGeneralProtection
	}
	ret := newsettings(ctx, conf, suite)
	ret.systemtitle = slices.Clone(systemtitle)
	ret.framecounter = fc
	return ret, nil
}

// WithUserId sets the calling AE invocation id sent in the AARQ.
func (d *DlmsSettings) WithUserId(id byte) *DlmsSettings {
	d.UserId = ptr.To(id)
	return d
}

func (d *DlmsSettings) invokebyte() byte {
	var r byte
	if d.HighPriority {
		r |= 0x80
	}
	if d.ConfirmedRequests {
		r |= 0x40
	}
	return r
}

func (d *DlmsSettings) validate() error {
	if d.suite == nil {
		return fmt.Errorf("no security suite set")
	}
	if d.suite.usescipher() && len(d.systemtitle) != ciphering.SYSTEM_TITLE_LENGTH {
		return fmt.Errorf("gcm requires 8 bytes long system title")
	}
	if d.suite.authentication == base.AuthenticationHighGmac && (d.ChallengeLength < minChallengeLength || d.ChallengeLength > maxChallengeLength) {
		return fmt.Errorf("challenge length has to be between %d and %d", minChallengeLength, maxChallengeLength)
	}
	if d.MaxPduRecvSize < 12 || d.MaxPduRecvSize > 0xffff {
		return fmt.Errorf("invalid max pdu size %d", d.MaxPduRecvSize)
	}
	return nil
}

// ClientRestriction binds a client address to the security it has to use.
type ClientRestriction struct {
	ClientId uint16
	Suite    *SecuritySuite
}

// LogicalDevice is one addressable device of a server. Without restrictions every client
// is accepted without authentication.
type LogicalDevice struct {
	Id           uint16
	Name         string
	Restrictions []ClientRestriction
}

func (l *LogicalDevice) restriction(client uint16) *SecuritySuite {
	for _, r := range l.Restrictions {
		if r.ClientId == client {
			return r.Suite
		}
	}
	return nil
}

type ServerSettings struct {
	LogicalDevices    []LogicalDevice
	SystemTitle       []byte
	MaxPduSize        uint16
	Conformance       Conformance
	InactivityTimeout *time.Duration // nil keeps idle connections forever
}

// NewServerSettings fills defaults, the inactivity timeout is set only when positive.
func NewServerSettings(systemtitle []byte, inactivity time.Duration, devices ...LogicalDevice) (*ServerSettings, error) {
	if len(systemtitle) != ciphering.SYSTEM_TITLE_LENGTH {
		return nil, fmt.Errorf("systemtitle has to be 8 bytes long")
	}
	ret := &ServerSettings{
		LogicalDevices: devices,
		SystemTitle:    slices.Clone(systemtitle),
		MaxPduSize:     defaultMaxPdu,
		Conformance:    DefaultServerConformance,
	}
	if inactivity > 0 {
		ret.InactivityTimeout = ptr.To(inactivity)
	}
	return ret, ret.validate()
}

func (s *ServerSettings) validate() error {
	if len(s.SystemTitle) != ciphering.SYSTEM_TITLE_LENGTH {
		return fmt.Errorf("systemtitle has to be 8 bytes long")
	}
	seen := make(map[uint16]bool)
	for _, ld := range s.LogicalDevices {
		if seen[ld.Id] {
			return fmt.Errorf("duplicate logical device %d", ld.Id)
		}
		seen[ld.Id] = true
		for _, r := range ld.Restrictions {
			if r.Suite == nil {
				return fmt.Errorf("logical device %d: no suite for client %d", ld.Id, r.ClientId)
			}
		}
	}
	if s.MaxPduSize < 64 {
		return fmt.Errorf("max pdu size too small: %d", s.MaxPduSize)
	}
	return nil
}

func (s *ServerSettings) device(id uint16) *LogicalDevice {
	for i := range s.LogicalDevices {
		if s.LogicalDevices[i].Id == id {
			return &s.LogicalDevices[i]
		}
	}
	return nil
}
