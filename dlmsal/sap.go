package dlmsal

import (
	"bytes"

	"github.com/cybroslabs/dlms-engine/base"
)

// SAP assignment object, always present in the management logical device
const (
	SapAssignmentClass     = 17
	SapAssignmentAttribute = 2
	managementDevice       = 1
)

var SapAssignmentObis = DlmsObis{A: 0, B: 0, C: 41, D: 0, E: 0, F: 255}

// EncodeSapAssignment encodes the SAP_assignment_list, array of structure of logical
// device id and its name.
func EncodeSapAssignment(devices []LogicalDevice) []byte {
	var out bytes.Buffer
	out.WriteByte(byte(TagArray))
	encodelength(&out, uint(len(devices)))
	for _, d := range devices {
		out.Write([]byte{byte(TagStructure), 2})
		out.Write(EncodeLongUnsigned(d.Id))
		encodetag(&out, byte(TagOctetString), []byte(d.Name))
	}
	return out.Bytes()
}

func issap(ld uint16, a AttributeAddress) bool {
	return ld == managementDevice && a.ClassId == SapAssignmentClass && a.Obis == SapAssignmentObis && a.Attribute == SapAssignmentAttribute
}

// sapDirectory answers the SAP assignment from the settings and passes the rest on.
type sapDirectory struct {
	Directory
	sap []byte
}

func newSapDirectory(dir Directory, devices []LogicalDevice) *sapDirectory {
	return &sapDirectory{Directory: dir, sap: EncodeSapAssignment(devices)}
}

func (s *sapDirectory) Get(ld uint16, a AttributeAddress, conn ConnectionId) ([]byte, base.DlmsResultTag) {
	if issap(ld, a) {
		return s.sap, base.TagResultSuccess
	}
	return s.Directory.Get(ld, a, conn)
}

func (s *sapDirectory) Set(ld uint16, a AttributeAddress, value []byte, conn ConnectionId) base.DlmsResultTag {
	if issap(ld, a) {
		return base.TagResultReadWriteDenied
	}
	return s.Directory.Set(ld, a, value, conn)
}
