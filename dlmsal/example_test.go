package dlmsal_test

import (
	"fmt"
	"net"

	"github.com/cybroslabs/dlms-engine/base"
	"github.com/cybroslabs/dlms-engine/dlmsal"
	"github.com/cybroslabs/dlms-engine/tcp"
	"github.com/cybroslabs/dlms-engine/wrapper"
)

func Example() {
	serial := dlmsal.DlmsObis{A: 0, B: 0, C: 96, D: 1, E: 0, F: 255}

	dir := dlmsal.NewRegistry()
	_ = dir.RegisterValue(1, 1, serial, 2, dlmsal.EncodeOctetString([]byte("MMM00012345")))

	suite, _ := dlmsal.NewSecuritySuite(base.AuthenticationLow, dlmsal.EncryptionNone, []byte("12345678"), nil, nil)
	ss, _ := dlmsal.NewServerSettings([]byte("MMM00001"), 0, dlmsal.LogicalDevice{
		Id:           1,
		Name:         "MMM00012345",
		Restrictions: []dlmsal.ClientRestriction{{ClientId: 0x20, Suite: suite}},
	})
	srv, _ := dlmsal.NewServer(dir, ss)

	a, b := net.Pipe()
	done := make(chan error, 1)
	go func() {
		done <- srv.ServeSession(wrapper.NewServer(tcp.NewFromConn(b)))
	}()

	settings, _ := dlmsal.NewSettingsWithLowAuthenticationLN("12345678")
	client := dlmsal.New(wrapper.New(tcp.NewFromConn(a), 0x20, 1), settings)
	if err := client.Open(); err != nil {
		fmt.Println(err)
		return
	}
	data, err := client.Get([]dlmsal.DlmsLNRequestItem{{ClassId: 1, Obis: serial, Attribute: 2}})
	if err != nil {
		fmt.Println(err)
		return
	}
	value, _ := dlmsal.DecodeOctetString(data[0].Data)
	fmt.Println(string(value))

	_ = client.Close()
	_ = client.Disconnect()
	fmt.Println(<-done)
	// Output:
	// MMM00012345
	// <nil>
}
