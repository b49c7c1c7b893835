package dlmsal

import (
	"bytes"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/cybroslabs/dlms-engine/base"
	"github.com/cybroslabs/dlms-engine/ciphering"
	"github.com/cybroslabs/dlms-engine/hdlc"
	"github.com/cybroslabs/dlms-engine/tcp"
	"github.com/cybroslabs/dlms-engine/wrapper"
	"go.uber.org/zap/zaptest"
	"k8s.io/utils/clock"
	testingclock "k8s.io/utils/clock/testing"
)

const (
	lowClient    = 0x20
	hlsClient    = 0x30
	gmacClient   = 0x40
	testPassword = "12345678"
)

var (
	serverTitle = []byte{0x4d, 0x4d, 0x4d, 0x00, 0x00, 0xbc, 0x61, 0x4e}
	clientTitle = []byte{0x4d, 0x4d, 0x4d, 0x00, 0x00, 0x00, 0x00, 0x01}
	testEK      = []byte{0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f}
	testAK      = []byte{0xd0, 0xd1, 0xd2, 0xd3, 0xd4, 0xd5, 0xd6, 0xd7, 0xd8, 0xd9, 0xda, 0xdb, 0xdc, 0xdd, 0xde, 0xdf}

	serialObis  = DlmsObis{A: 0, B: 0, C: 96, D: 1, E: 0, F: 255}
	energyObis  = DlmsObis{A: 1, B: 0, C: 1, D: 8, E: 0, F: 255}
	profileObis = DlmsObis{A: 1, B: 0, C: 99, D: 1, E: 0, F: 255}
	echoObis    = DlmsObis{A: 0, B: 0, C: 10, D: 0, E: 0, F: 255}
)

func mustsuite(t *testing.T, auth base.Authentication, enc EncryptionMechanism, password []byte) *SecuritySuite {
	t.Helper()
	s, err := NewSecuritySuite(auth, enc, password, testAK, testEK)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func profiledata(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i * 7)
	}
	return b
}

// testregistry holds a serial number, a writable energy register, a 10 KB profile, a
// writable buffer and an echo method.
func testregistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	var mu sync.Mutex
	energy := []byte{byte(TagDoubleLongUnsigned), 0x00, 0x00, 0x30, 0x39}
	buffer := EncodeOctetString(nil)

	errs := []error{
		r.RegisterValue(1, 1, serialObis, 2, EncodeOctetString([]byte("MMM00012345"))),
		r.RegisterAttribute(1, 3, energyObis, 2, AttributeAccessor{
			Get: func(AttributeAddress, ConnectionId) ([]byte, base.DlmsResultTag) {
				mu.Lock()
				defer mu.Unlock()
				return energy, base.TagResultSuccess
			},
			Set: func(_ AttributeAddress, value []byte, _ ConnectionId) base.DlmsResultTag {
				if value[0] != byte(TagDoubleLongUnsigned) {
					return base.TagResultTypeUnmatched
				}
				mu.Lock()
				defer mu.Unlock()
				energy = newcopy(value)
				return base.TagResultSuccess
			},
		}),
		r.RegisterAttribute(1, 3, energyObis, 3, AttributeAccessor{}),
		r.RegisterValue(1, 7, profileObis, 2, EncodeOctetString(profiledata(10000))),
		r.RegisterAttribute(1, 1, echoObis, 2, AttributeAccessor{
			Get: func(AttributeAddress, ConnectionId) ([]byte, base.DlmsResultTag) {
				mu.Lock()
				defer mu.Unlock()
				return buffer, base.TagResultSuccess
			},
			Set: func(_ AttributeAddress, value []byte, _ ConnectionId) base.DlmsResultTag {
				mu.Lock()
				defer mu.Unlock()
				buffer = newcopy(value)
				return base.TagResultSuccess
			},
		}),
		r.RegisterMethod(1, 1, echoObis, 1, func(_ MethodAddress, param []byte, _ ConnectionId) ([]byte, base.ActionResultTag) {
			return param, base.TagActionSuccess
		}),
		r.RegisterMethod(1, 1, echoObis, 2, nil),
		r.RegisterShortName(1, 0x0100, 3, energyObis, 3),
		r.RegisterShortName(1, 0x0200, 7, profileObis, 2),
		r.RegisterShortName(2, 0x0100, 3, energyObis, 3),
		r.RegisterValue(2, 3, energyObis, 2, []byte{byte(TagDoubleLongUnsigned), 0, 0, 0, 1}),
	}
	for _, err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}
	return r
}

func testserversettings(t *testing.T) *ServerSettings {
	t.Helper()
	ss, err := NewServerSettings(serverTitle, 0,
		LogicalDevice{Id: 1, Name: "MMM00012345", Restrictions: []ClientRestriction{
			{ClientId: lowClient, Suite: mustsuite(t, base.AuthenticationLow, EncryptionNone, []byte(testPassword))},
			{ClientId: hlsClient, Suite: mustsuite(t, base.AuthenticationHighGmac, EncryptionAesGcm128, nil)},
			{ClientId: gmacClient, Suite: mustsuite(t, base.AuthenticationHighGmac, EncryptionNone, nil)},
		}},
		LogicalDevice{Id: 2, Name: "public"},
	)
	if err != nil {
		t.Fatal(err)
	}
	return ss
}

type testenv struct {
	client *dlmsal
	server *Server
	done   chan error
}

// newenv serves one wrapper session over a pipe, the client is not opened yet.
func newenv(t *testing.T, settings *DlmsSettings, client uint16, device uint16, ss *ServerSettings, clk clock.WithDelayedExecution) *testenv {
	t.Helper()
	if ss == nil {
		ss = testserversettings(t)
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	srv, err := NewServerWithClock(testregistry(t), ss, clk)
	if err != nil {
		t.Fatal(err)
	}
	srv.SetLogger(zaptest.NewLogger(t).Sugar())

	a, b := net.Pipe()
	env := &testenv{server: srv, done: make(chan error, 1)}
	go func() {
		env.done <- srv.ServeSession(wrapper.NewServer(tcp.NewFromConn(b)))
	}()
	env.client = New(wrapper.New(tcp.NewFromConn(a), client, device), settings).(*dlmsal)
	env.client.SetLogger(zaptest.NewLogger(t).Sugar())
	t.Cleanup(func() {
		_ = env.client.Disconnect()
		_ = a.Close()
		_ = b.Close()
		<-env.done
		if env.client.done != nil {
			<-env.client.done
		}
	})
	return env
}

func lowsettings(t *testing.T) *DlmsSettings {
	t.Helper()
	s, err := NewSettingsWithLowAuthenticationLN(testPassword)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestLowAuthenticationServices(t *testing.T) {
	settings := lowsettings(t)
	env := newenv(t, settings, lowClient, 1, nil, nil)

	var mu sync.Mutex
	var raws []*RawMessageData
	env.client.SetRawMessageListener(func(m *RawMessageData) {
		mu.Lock()
		raws = append(raws, m)
		mu.Unlock()
	})
	env.server.SetRawMessageListener(func(m *RawMessageData) {
		mu.Lock()
		raws = append(raws, m)
		mu.Unlock()
	})

	c := env.client
	if err := c.Open(); err != nil {
		t.Fatal(err)
	}
	st := c.State()
	if !st.Open || st.Association != stateAuthenticated {
		t.Fatalf("unexpected state %+v", st)
	}
	if !st.Conformance.Has(base.ConformanceBlockGet | base.ConformanceBlockBlockTransferWithGetOrRead) {
		t.Errorf("negotiated %v", st.Conformance)
	}
	if st.VAAddress != base.VAANameLN {
		t.Errorf("vaa %04x", st.VAAddress)
	}

	data, err := c.Get([]DlmsLNRequestItem{{ClassId: 1, Obis: serialObis, Attribute: 2}})
	if err != nil {
		t.Fatal(err)
	}
	if s, err := DecodeOctetString(data[0].Data); err != nil || string(s) != "MMM00012345" {
		t.Errorf("serial number %X, %v", data[0].Data, err)
	}

	newvalue := []byte{byte(TagDoubleLongUnsigned), 0x00, 0x01, 0x00, 0x00}
	res, err := c.Set([]DlmsLNRequestItem{{ClassId: 3, Obis: energyObis, Attribute: 2, SetData: newvalue}})
	if err != nil {
		t.Fatal(err)
	}
	if res[0] != base.TagResultSuccess {
		t.Errorf("set result %v", res[0])
	}

	data, err = c.Get([]DlmsLNRequestItem{
		{ClassId: 3, Obis: energyObis, Attribute: 2},
		{ClassId: 3, Obis: energyObis, Attribute: 3},
		{ClassId: 3, Obis: energyObis, Attribute: 4},
		{ClassId: 4, Obis: energyObis, Attribute: 2},
	})
	if err != nil {
		t.Fatal(err)
	}
	want := []DlmsData{
		{Data: newvalue},
		{Result: base.TagResultReadWriteDenied},
		{Result: base.TagResultObjectUndefined},
		{Result: base.TagResultObjectClassInconsistent},
	}
	for i := range want {
		if !bytes.Equal(data[i].Data, want[i].Data) || data[i].Result != want[i].Result {
			t.Errorf("item %d: got %+v, want %+v", i, data[i], want[i])
		}
	}

	param := EncodeLongUnsigned(0x1234)
	ret, err := c.Action(DlmsLNRequestItem{ClassId: 1, Obis: echoObis, Attribute: 1, SetData: param})
	if err != nil {
		t.Fatal(err)
	}
	if ret == nil || !bytes.Equal(ret.Data, param) {
		t.Errorf("echo returned %+v", ret)
	}
	_, err = c.Action(DlmsLNRequestItem{ClassId: 1, Obis: echoObis, Attribute: 2})
	var ae *ActionError
	if !errors.As(err, &ae) || ae.Result != base.TagActionReadWriteDenied {
		t.Errorf("expected denied action, got %v", err)
	}

	if err = c.Close(); err != nil {
		t.Fatal(err)
	}
	if c.State().Open {
		t.Error("still open after close")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(raws) == 0 {
		t.Fatal("no raw messages")
	}
	for _, m := range raws {
		if bytes.Contains(m.Raw, []byte(testPassword)) {
			t.Errorf("password visible in %v message %X", m.Source, m.Raw)
		}
	}
}

func TestAssociationRejections(t *testing.T) {
	nonesettings, _ := NewSettingsWithNoAuthenticationLN()
	wrongpassword, _ := NewSettingsWithLowAuthenticationLN("87654321")
	hls, err := NewSettingsWithCipheringLN(clientTitle, mustsuite(t, base.AuthenticationHighGmac, EncryptionAesGcm128, nil), 0)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name       string
		settings   *DlmsSettings
		client     uint16
		device     uint16
		diagnostic base.SourceDiagnostic
	}{
		{"wrong password", wrongpassword, lowClient, 1, base.SourceDiagnosticAuthenticationFailure},
		{"unknown client", lowsettings(t), 0x10, 1, base.SourceDiagnosticNoReasonGiven},
		{"unknown device", lowsettings(t), lowClient, 9, base.SourceDiagnosticNoReasonGiven},
		{"missing mechanism", nonesettings, lowClient, 1, base.SourceDiagnosticAuthenticationMechanismNameRequired},
		{"mechanism mismatch", lowsettings(t), gmacClient, 1, base.SourceDiagnosticAuthenticationFailure},
		{"ciphered context mismatch", hls, gmacClient, 1, base.SourceDiagnosticApplicationContextNameNotSupported},
		{"ciphered context without keys", hls, hlsClient, 2, base.SourceDiagnosticApplicationContextNameNotSupported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newenv(t, tt.settings, tt.client, tt.device, nil, nil)
			err := env.client.Open()
			var ae *base.AssociationError
			if !errors.As(err, &ae) {
				t.Fatalf("expected association error, got %v", err)
			}
			if ae.Result != base.AssociationResultPermanentRejected || ae.Diagnostic != tt.diagnostic {
				t.Errorf("got %v/%v, want %v", ae.Result, ae.Diagnostic, tt.diagnostic)
			}
			if env.client.State().Open {
				t.Error("open after rejection")
			}
		})
	}
}

func TestWrongPasswordIsAuthenticationError(t *testing.T) {
	settings, _ := NewSettingsWithLowAuthenticationLN("wrong")
	env := newenv(t, settings, lowClient, 1, nil, nil)
	if err := env.client.Open(); !errors.Is(err, base.ErrAuthentication) {
		t.Errorf("expected authentication error, got %v", err)
	}
}

func TestPublicDeviceWithoutRestrictions(t *testing.T) {
	settings, _ := NewSettingsWithNoAuthenticationLN()
	env := newenv(t, settings, 0x10, 2, nil, nil)
	if err := env.client.Open(); err != nil {
		t.Fatal(err)
	}
	data, err := env.client.Get([]DlmsLNRequestItem{{ClassId: 3, Obis: energyObis, Attribute: 2}})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data[0].Data, []byte{byte(TagDoubleLongUnsigned), 0, 0, 0, 1}) {
		t.Errorf("got %X", data[0].Data)
	}
}

func TestHlsGmacWithEncryption(t *testing.T) {
	settings, err := NewSettingsWithCipheringLN(clientTitle, mustsuite(t, base.AuthenticationHighGmac, EncryptionAesGcm128, nil), 100)
	if err != nil {
		t.Fatal(err)
	}
	env := newenv(t, settings, hlsClient, 1, nil, nil)
	var mu sync.Mutex
	var tags []byte
	env.client.SetRawMessageListener(func(m *RawMessageData) {
		mu.Lock()
		tags = append(tags, m.Raw[0])
		mu.Unlock()
	})

	c := env.client
	if err = c.Open(); err != nil {
		t.Fatal(err)
	}
	st := c.State()
	if st.Association != stateAuthenticated {
		t.Errorf("association %s", st.Association)
	}
	if !bytes.Equal(st.ServerSystemTitle, serverTitle) {
		t.Errorf("server title %X", st.ServerSystemTitle)
	}

	data, err := c.Get([]DlmsLNRequestItem{{ClassId: 1, Obis: serialObis, Attribute: 2}})
	if err != nil {
		t.Fatal(err)
	}
	if s, _ := DecodeOctetString(data[0].Data); string(s) != "MMM00012345" {
		t.Errorf("serial number %X", data[0].Data)
	}
	res, err := c.Set([]DlmsLNRequestItem{{ClassId: 1, Obis: echoObis, Attribute: 2, SetData: EncodeOctetString([]byte{1, 2, 3})}})
	if err != nil || res[0] != base.TagResultSuccess {
		t.Fatalf("set %v, %v", res, err)
	}

	mu.Lock()
	defer mu.Unlock()
	seen := map[base.CosemTag]bool{}
	for _, tag := range tags {
		seen[base.CosemTag(tag)] = true
	}
	for _, tag := range []base.CosemTag{base.TagGloActionRequest, base.TagGloActionResponse, base.TagGloGetRequest, base.TagGloGetResponse, base.TagGloSetRequest} {
		if !seen[tag] {
			t.Errorf("no %02x on the wire", byte(tag))
		}
	}
	for _, tag := range []base.CosemTag{base.TagGetRequest, base.TagGetResponse, base.TagActionRequest} {
		if seen[tag] {
			t.Errorf("plain %02x on the wire", byte(tag))
		}
	}
}

func TestHlsGmacWrongKey(t *testing.T) {
	suite, err := NewSecuritySuite(base.AuthenticationHighGmac, EncryptionNone, nil, testEK, testEK)
	if err != nil {
		t.Fatal(err)
	}
	settings, err := NewSettingsWithCipheringLN(clientTitle, suite, 0)
	if err != nil {
		t.Fatal(err)
	}
	env := newenv(t, settings, gmacClient, 1, nil, nil)
	if err = env.client.Open(); !errors.Is(err, base.ErrAuthentication) {
		t.Errorf("expected authentication failure, got %v", err)
	}
	if env.client.State().Open {
		t.Error("open with a wrong key")
	}
}

func TestHlsGmacWithoutEncryption(t *testing.T) {
	settings, err := NewSettingsWithCipheringLN(clientTitle, mustsuite(t, base.AuthenticationHighGmac, EncryptionNone, nil), 0)
	if err != nil {
		t.Fatal(err)
	}
	settings.ChallengeLength = 64
	env := newenv(t, settings, gmacClient, 1, nil, nil)
	if err = env.client.Open(); err != nil {
		t.Fatal(err)
	}
	if _, err = env.client.Get([]DlmsLNRequestItem{{ClassId: 3, Obis: energyObis, Attribute: 2}}); err != nil {
		t.Fatal(err)
	}
}

func TestLargeGetInBlocks(t *testing.T) {
	settings := lowsettings(t)
	settings.MaxPduRecvSize = 200
	env := newenv(t, settings, lowClient, 1, nil, nil)
	var mu sync.Mutex
	nexts := 0
	env.client.SetRawMessageListener(func(m *RawMessageData) {
		if m.Source == MessageSent && len(m.Raw) > 1 && m.Raw[0] == byte(base.TagGetRequest) && m.Raw[1] == byte(TagGetRequestNext) {
			mu.Lock()
			nexts++
			mu.Unlock()
		}
		if len(m.Raw) > 200 {
			t.Errorf("%v apdu of %d bytes", m.Source, len(m.Raw))
		}
	})
	if err := env.client.Open(); err != nil {
		t.Fatal(err)
	}
	data, err := env.client.Get([]DlmsLNRequestItem{{ClassId: 7, Obis: profileObis, Attribute: 2}})
	if err != nil {
		t.Fatal(err)
	}
	v, err := DecodeOctetString(data[0].Data)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(v, profiledata(10000)) {
		t.Error("profile differs")
	}
	mu.Lock()
	defer mu.Unlock()
	if nexts < 10000/200 {
		t.Errorf("only %d blocks asked", nexts)
	}

	// list response in blocks as well
	data, err = env.client.Get([]DlmsLNRequestItem{
		{ClassId: 1, Obis: serialObis, Attribute: 2},
		{ClassId: 7, Obis: profileObis, Attribute: 2},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 2 || !data[1].Ok() || len(data[1].Data) != 10004 {
		t.Errorf("list in blocks returned %d items", len(data))
	}
}

func TestSetAndActionInBlocks(t *testing.T) {
	settings := lowsettings(t)
	settings.MaxPduRecvSize = 200
	ss := testserversettings(t)
	ss.MaxPduSize = 128
	env := newenv(t, settings, lowClient, 1, ss, nil)
	c := env.client
	if err := c.Open(); err != nil {
		t.Fatal(err)
	}
	if c.State().MaxPduSendSize != 128 {
		t.Fatalf("server max pdu %d", c.State().MaxPduSendSize)
	}

	value := EncodeOctetString(profiledata(1000))
	res, err := c.Set([]DlmsLNRequestItem{{ClassId: 1, Obis: echoObis, Attribute: 2, SetData: value}})
	if err != nil {
		t.Fatal(err)
	}
	if res[0] != base.TagResultSuccess {
		t.Errorf("set result %v", res[0])
	}
	res, err = c.Set([]DlmsLNRequestItem{
		{ClassId: 1, Obis: echoObis, Attribute: 2, SetData: value},
		{ClassId: 3, Obis: energyObis, Attribute: 2, SetData: EncodeOctetString([]byte{1})},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res[0] != base.TagResultSuccess || res[1] != base.TagResultTypeUnmatched {
		t.Errorf("set list results %v", res)
	}
	data, err := c.Get([]DlmsLNRequestItem{{ClassId: 1, Obis: echoObis, Attribute: 2}})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data[0].Data, value) {
		t.Error("value written in blocks differs")
	}

	ret, err := c.Action(DlmsLNRequestItem{ClassId: 1, Obis: echoObis, Attribute: 1, SetData: value})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(ret.Data, value) {
		t.Error("echo in blocks differs")
	}
}

func TestShortNameReadWrite(t *testing.T) {
	settings, err := NewSettingsWithLowAuthenticationSN(testPassword)
	if err != nil {
		t.Fatal(err)
	}
	settings.MaxPduRecvSize = 256
	settings.ConformanceBlock |= base.ConformanceBlockParametrizedAccess
	ss := testserversettings(t)
	ss.Conformance |= base.ConformanceBlockParametrizedAccess
	env := newenv(t, settings, lowClient, 1, ss, nil)
	c := env.client
	if err = c.Open(); err != nil {
		t.Fatal(err)
	}
	if c.State().VAAddress != base.VAANameSN {
		t.Errorf("vaa %04x", c.State().VAAddress)
	}
	if _, err = c.Get([]DlmsLNRequestItem{{ClassId: 3, Obis: energyObis, Attribute: 2}}); !errors.Is(err, base.ErrFeatureNotNegotiated) {
		t.Errorf("get in short name association: %v", err)
	}

	value := []byte{byte(TagDoubleLongUnsigned), 0, 0, 0, 42}
	res, err := c.Write([]DlmsSNRequestItem{{Address: 0x0108, WriteData: value}, {Address: 0x0110, WriteData: value}})
	if err != nil {
		t.Fatal(err)
	}
	if res[0] != base.TagResultSuccess || res[1] != base.TagResultReadWriteDenied {
		t.Errorf("write results %v", res)
	}

	data, err := c.Read([]DlmsSNRequestItem{{Address: 0x0108}, {Address: 0x0700}})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data[0].Data, value) || data[1].Result != base.TagResultObjectUndefined {
		t.Errorf("read %+v", data)
	}

	data, err = c.Read([]DlmsSNRequestItem{{Address: 0x0208}})
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := DecodeOctetString(data[0].Data); !bytes.Equal(v, profiledata(10000)) {
		t.Error("profile read in blocks differs")
	}

	_, err = c.Read([]DlmsSNRequestItem{{Address: 0x0108, HasAccess: true, AccessDescriptor: 1, AccessData: []byte{0}}})
	var ee *base.ExceptionError
	if !errors.As(err, &ee) || ee.Tag != base.TagConfirmedServiceError {
		t.Errorf("parameterized access: %v", err)
	}
}

func TestSapAssignment(t *testing.T) {
	env := newenv(t, lowsettings(t), lowClient, 1, nil, nil)
	if err := env.client.Open(); err != nil {
		t.Fatal(err)
	}
	data, err := env.client.Get([]DlmsLNRequestItem{{ClassId: SapAssignmentClass, Obis: SapAssignmentObis, Attribute: SapAssignmentAttribute}})
	if err != nil {
		t.Fatal(err)
	}
	expected := EncodeSapAssignment(testserversettings(t).LogicalDevices)
	if !bytes.Equal(data[0].Data, expected) {
		t.Errorf("sap %X", data[0].Data)
	}
}

func TestEventNotification(t *testing.T) {
	env := newenv(t, lowsettings(t), lowClient, 1, nil, nil)
	events := make(chan *EventNotification, 1)
	env.client.SetEventListener(func(ev *EventNotification) {
		events <- ev
	})
	if err := env.client.Open(); err != nil {
		t.Fatal(err)
	}
	conns := env.server.Connections()
	if len(conns) != 1 || conns[0].ClientId != lowClient || conns[0].LogicalDevice != 1 {
		t.Fatalf("connections %+v", conns)
	}
	ev := &EventNotification{ClassId: 1, Obis: serialObis, Attribute: 2, Value: EncodeOctetString([]byte("alarm"))}
	if err := env.server.Notify(conns[0].Id, ev); err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-events:
		if got.ClassId != 1 || got.Obis != serialObis || got.Attribute != 2 || !bytes.Equal(got.Value, ev.Value) {
			t.Errorf("event %+v", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no event")
	}
	if err := env.server.Notify(conns[0].Id+100, ev); !errors.Is(err, base.ErrNotOpened) {
		t.Errorf("notify unknown connection: %v", err)
	}
}

func TestInactivityTimeout(t *testing.T) {
	fc := testingclock.NewFakeClock(time.Now())
	ss := testserversettings(t)
	inactivity := 2 * time.Minute
	ss.InactivityTimeout = &inactivity
	env := newenv(t, lowsettings(t), lowClient, 1, ss, fc)
	if err := env.client.Open(); err != nil {
		t.Fatal(err)
	}
	if !fc.HasWaiters() {
		t.Fatal("no inactivity timer")
	}
	fc.Step(time.Minute)
	if _, err := env.client.Get([]DlmsLNRequestItem{{ClassId: 3, Obis: energyObis, Attribute: 2}}); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-env.done:
		t.Fatalf("session ended early: %v", err)
	default:
	}
	fc.Step(inactivity)
	select {
	case err := <-env.done:
		if err != nil {
			t.Errorf("session ended with %v", err)
		}
		env.done <- err
	case <-time.After(5 * time.Second):
		t.Fatal("session not closed after inactivity")
	}
}

// ended waits for ServeSession and leaves its result for the cleanup.
func (env *testenv) ended(t *testing.T) error {
	t.Helper()
	select {
	case err := <-env.done:
		env.done <- err
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("session still served")
	}
	return nil
}

// answers collects the apdus the client receives, including answers to requests sent
// straight through the session.
func answers(c *dlmsal) <-chan []byte {
	ch := make(chan []byte, 16)
	c.SetRawMessageListener(func(m *RawMessageData) {
		if m.Source == MessageReceived {
			ch <- newcopy(m.Raw)
		}
	})
	return ch
}

func nextanswer(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case apdu := <-ch:
		return apdu
	case <-time.After(5 * time.Second):
		t.Fatal("no answer")
	}
	return nil
}

func TestSecurityFailureClosesSession(t *testing.T) {
	plainget := []byte{0xc0, 0x01, 0xc1, 0x00, 0x01, 0x00, 0x00, 0x60, 0x01, 0x00, 0xff, 0x02, 0x00}
	tests := []struct {
		name    string
		apdu    func(glo []byte) []byte
		want    error
		service byte
	}{
		{"replayed frame counter", func(glo []byte) []byte { return glo }, ciphering.ErrReplay, base.ServiceErrorInvocationCounterError},
		{"tampered ciphertext", func(glo []byte) []byte {
			b := newcopy(glo)
			b[len(b)-1] ^= 0xff
			return b
		}, base.ErrAuthentication, base.ServiceErrorDecipheringError},
		{"plain apdu", func([]byte) []byte { return plainget }, base.ErrAuthentication, base.ServiceErrorOperationNotPossible},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			settings, err := NewSettingsWithCipheringLN(clientTitle, mustsuite(t, base.AuthenticationHighGmac, EncryptionAesGcm128, nil), 100)
			if err != nil {
				t.Fatal(err)
			}
			env := newenv(t, settings, hlsClient, 1, nil, nil)
			c := env.client
			if err = c.Open(); err != nil {
				t.Fatal(err)
			}
			var mu sync.Mutex
			var glo []byte
			ch := make(chan []byte, 16)
			c.SetRawMessageListener(func(m *RawMessageData) {
				switch {
				case m.Source == MessageSent && m.Raw[0] == byte(base.TagGloGetRequest):
					mu.Lock()
					glo = newcopy(m.Raw)
					mu.Unlock()
				case m.Source == MessageReceived:
					ch <- newcopy(m.Raw)
				}
			})
			if _, err = c.Get([]DlmsLNRequestItem{{ClassId: 1, Obis: serialObis, Attribute: 2}}); err != nil {
				t.Fatal(err)
			}
			<-ch
			mu.Lock()
			apdu := tt.apdu(glo)
			mu.Unlock()

			if err = c.session.Send(apdu); err != nil {
				t.Fatal(err)
			}
			if rsp := nextanswer(t, ch); !bytes.Equal(rsp, []byte{0xd8, base.StateErrorServiceNotAllowed, tt.service}) {
				t.Errorf("answer %X", rsp)
			}
			if err = env.ended(t); !errors.Is(err, tt.want) {
				t.Errorf("session ended with %v", err)
			}
			if _, err = c.Get([]DlmsLNRequestItem{{ClassId: 1, Obis: serialObis, Attribute: 2}}); err == nil {
				t.Error("served after the session ended")
			}
		})
	}
}

func TestBlockTransferViolationClosesSession(t *testing.T) {
	getprofile := []byte{0xc0, 0x01, 0xc1, 0x00, 0x07, 0x01, 0x00, 0x63, 0x01, 0x00, 0xff, 0x02, 0x00}
	setecho := []byte{0xc1, 0x02, 0xc1, 0x00, 0x01, 0x00, 0x00, 0x0a, 0x00, 0x00, 0xff, 0x02, 0x00,
		0x00, 0x00, 0x00, 0x00, 0x01, 0x02, 0x09, 0x04}
	tests := []struct {
		name   string
		first  []byte
		next   []byte
		answer []byte
		want   error
	}{
		{"get next with other invoke id", getprofile,
			[]byte{0xc0, 0x02, 0xc2, 0x00, 0x00, 0x00, 0x01},
			[]byte{0xc4, 0x02, 0xc2, 0x01, 0x00, 0x00, 0x00, 0x01, 0x01, byte(base.TagResultLongGetAborted)}, base.ErrProtocol},
		{"get next with wrong block number", getprofile,
			[]byte{0xc0, 0x02, 0xc1, 0x00, 0x00, 0x00, 0x02},
			[]byte{0xc4, 0x02, 0xc1, 0x01, 0x00, 0x00, 0x00, 0x02, 0x01, byte(base.TagResultLongGetAborted)}, base.ErrBlockNumber},
		{"set block out of order", setecho,
			[]byte{0xc1, 0x03, 0xc1, 0x00, 0x00, 0x00, 0x00, 0x03, 0x01, 0x05},
			[]byte{0xc5, 0x01, 0xc1, byte(base.TagResultDataBlockNumberInvalid)}, base.ErrBlockNumber},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			settings := lowsettings(t)
			settings.MaxPduRecvSize = 200
			env := newenv(t, settings, lowClient, 1, nil, nil)
			c := env.client
			if err := c.Open(); err != nil {
				t.Fatal(err)
			}
			ch := answers(c)

			if err := c.session.Send(tt.first); err != nil {
				t.Fatal(err)
			}
			if rsp := nextanswer(t, ch); rsp[0] != tt.first[0]|0x04 || rsp[2] != 0xc1 {
				t.Fatalf("first answer %X", rsp)
			}
			if err := c.session.Send(tt.next); err != nil {
				t.Fatal(err)
			}
			if rsp := nextanswer(t, ch); !bytes.Equal(rsp, tt.answer) {
				t.Errorf("answer %X", rsp)
			}
			if err := env.ended(t); !errors.Is(err, tt.want) {
				t.Errorf("session ended with %v", err)
			}
		})
	}
}

func TestRequestWithoutAssociation(t *testing.T) {
	srv, err := NewServer(testregistry(t), testserversettings(t))
	if err != nil {
		t.Fatal(err)
	}
	a, b := net.Pipe()
	done := make(chan error, 1)
	go func() {
		done <- srv.ServeSession(wrapper.NewServer(tcp.NewFromConn(b)))
	}()
	cl := wrapper.New(tcp.NewFromConn(a), lowClient, 1)
	if err = cl.Open(); err != nil {
		t.Fatal(err)
	}
	defer func() {
		_ = a.Close()
		<-done
	}()

	req := []byte{0xc0, 0x01, 0xc1, 0x00, 0x03, 0x01, 0x00, 0x01, 0x08, 0x00, 0xff, 0x02, 0x00}
	go func() {
		_ = cl.Send(req)
	}()
	rsp, err := cl.Receive()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(rsp, []byte{0xd8, 0x01, 0x01}) {
		t.Errorf("got %X", rsp)
	}
}

func TestOverHdlc(t *testing.T) {
	srv, err := NewServer(testregistry(t), testserversettings(t))
	if err != nil {
		t.Fatal(err)
	}
	srv.SetLogger(zaptest.NewLogger(t).Sugar())
	a, b := net.Pipe()
	done := make(chan error, 1)
	go func() {
		done <- srv.ServeSession(hdlc.NewServer(tcp.NewFromConn(b), &hdlc.ServerSettings{MaxRcv: 128, MaxSnd: 128}))
	}()
	defer func() {
		_ = a.Close()
		_ = b.Close()
	}()

	session, err := hdlc.New(hdlc.NewDispatcher(tcp.NewFromConn(a), nil, nil), &hdlc.Settings{
		Logical: 1, Physical: 17, Client: lowClient, MaxRcv: 128, MaxSnd: 128, ResponseTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	settings := lowsettings(t)
	settings.MaxPduRecvSize = 512
	c := New(session, settings)
	if err = c.Open(); err != nil {
		t.Fatal(err)
	}
	conns := srv.Connections()
	if len(conns) != 1 || conns[0].ClientId != lowClient || conns[0].LogicalDevice != 1 {
		t.Errorf("connections %+v", conns)
	}
	// segmented hdlc frames inside of get blocks
	data, err := c.Get([]DlmsLNRequestItem{{ClassId: 7, Obis: profileObis, Attribute: 2}})
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := DecodeOctetString(data[0].Data); !bytes.Equal(v, profiledata(10000)) {
		t.Error("profile differs")
	}
	if err = c.Close(); err != nil {
		t.Fatal(err)
	}
	select {
	case err = <-done:
		if err != nil {
			t.Errorf("server ended with %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server still running after disconnect")
	}
	_ = c.Disconnect()
	if d := c.(*dlmsal).done; d != nil {
		<-d
	}
}

func TestServeOverTcp(t *testing.T) {
	srv, err := NewServer(testregistry(t), testserversettings(t))
	if err != nil {
		t.Fatal(err)
	}
	l, err := tcp.Listen("127.0.0.1:0", nil)
	if err != nil {
		t.Fatal(err)
	}
	served := make(chan error, 1)
	go func() {
		served <- srv.Serve(l, func(s base.Stream) base.Session { return wrapper.NewServer(s) })
	}()

	addr := l.Addr().(*net.TCPAddr)
	c := New(wrapper.New(tcp.New("127.0.0.1", addr.Port, 5*time.Second), lowClient, 1), lowsettings(t))
	if err = c.Open(); err != nil {
		t.Fatal(err)
	}
	if _, err = c.Get([]DlmsLNRequestItem{{ClassId: 1, Obis: serialObis, Attribute: 2}}); err != nil {
		t.Fatal(err)
	}
	if err = c.Close(); err != nil {
		t.Fatal(err)
	}
	_ = c.Disconnect()
	if d := c.(*dlmsal).done; d != nil {
		<-d
	}

	deadline := time.Now().Add(5 * time.Second)
	for len(srv.Connections()) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("connection still served after disconnect")
		}
		time.Sleep(time.Millisecond)
	}
	_ = l.Close()
	if err = <-served; err == nil {
		t.Error("serve returned without error after listener close")
	}
}

func TestServerClose(t *testing.T) {
	env := newenv(t, lowsettings(t), lowClient, 1, nil, nil)
	if err := env.client.Open(); err != nil {
		t.Fatal(err)
	}
	if err := env.server.Close(); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-env.done:
		env.done <- err
	case <-time.After(5 * time.Second):
		t.Fatal("session still served after close")
	}
	if _, err := env.client.Get([]DlmsLNRequestItem{{ClassId: 3, Obis: energyObis, Attribute: 2}}); err == nil {
		t.Error("get succeeded on a closed server")
	}
}
