package dlmsal

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/cybroslabs/dlms-engine/base"
)

type GetRequestTag byte

const (
	TagGetRequestNormal   GetRequestTag = 0x1
	TagGetRequestNext     GetRequestTag = 0x2
	TagGetRequestWithList GetRequestTag = 0x3
)

type GetResponseTag byte

const (
	TagGetResponseNormal        GetResponseTag = 0x1
	TagGetResponseWithDataBlock GetResponseTag = 0x2
	TagGetResponseWithList      GetResponseTag = 0x3
)

type SetRequestTag byte

const (
	TagSetRequestNormal                    SetRequestTag = 0x1
	TagSetRequestWithFirstDataBlock        SetRequestTag = 0x2
	TagSetRequestWithDataBlock             SetRequestTag = 0x3
	TagSetRequestWithList                  SetRequestTag = 0x4
	TagSetRequestWithListAndFirstDataBlock SetRequestTag = 0x5
)

type SetResponseTag byte

const (
	TagSetResponseNormal                SetResponseTag = 0x1
	TagSetResponseDataBlock             SetResponseTag = 0x2
	TagSetResponseLastDataBlock         SetResponseTag = 0x3
	TagSetResponseLastDataBlockWithList SetResponseTag = 0x4
	TagSetResponseWithList              SetResponseTag = 0x5
)

type ActionRequestTag byte

const (
	TagActionRequestNormal                 ActionRequestTag = 0x1
	TagActionRequestNextPBlock             ActionRequestTag = 0x2
	TagActionRequestWithList               ActionRequestTag = 0x3
	TagActionRequestWithFirstPBlock        ActionRequestTag = 0x4
	TagActionRequestWithListAndFirstPBlock ActionRequestTag = 0x5
	TagActionRequestWithPBlock             ActionRequestTag = 0x6
)

type ActionResponseTag byte

const (
	TagActionResponseNormal     ActionResponseTag = 0x1
	TagActionResponseWithPBlock ActionResponseTag = 0x2
	TagActionResponseWithList   ActionResponseTag = 0x3
	TagActionResponseNextPBlock ActionResponseTag = 0x4
)

// variable access specification choices of READ and WRITE
const (
	snVariableName         = 2
	snParameterizedAccess  = 4
	snBlockNumberAccess    = 5
	snReadDataBlockAccess  = 6
	snWriteDataBlockAccess = 7
)

// read response choices
const (
	snResultData            = 0
	snResultDataAccessError = 1
	snResultDataBlockResult = 2
)

type DlmsObis struct {
	A byte
	B byte
	C byte
	D byte
	E byte
	F byte
}

func (o DlmsObis) String() string {
	return fmt.Sprintf("%d-%d:%d.%d.%d.%d", o.A, o.B, o.C, o.D, o.E, o.F)
}

func (o DlmsObis) Bytes() []byte {
	return []byte{o.A, o.B, o.C, o.D, o.E, o.F}
}

func NewDlmsObisFromSlice(src []byte) (ob DlmsObis, err error) {
	if len(src) < 6 {
		err = fmt.Errorf("invalid length")
		return
	}
	return DlmsObis{A: src[0], B: src[1], C: src[2], D: src[3], E: src[4], F: src[5]}, nil
}

var obisregexp = regexp.MustCompile(`^(\d+)-(\d+):(\d+)\.(\d+)\.(\d+)\.(\d+)$`)

// NewDlmsObisFromString parses the full A-B:C.D.E.F form.
func NewDlmsObisFromString(src string) (ob DlmsObis, err error) {
	m := obisregexp.FindStringSubmatch(src)
	if m == nil {
		return ob, fmt.Errorf("invalid obis format: %s", src)
	}
	var v [6]byte
	for i := range v {
		n, err := strconv.Atoi(m[i+1])
		if err != nil || n > 255 {
			return ob, fmt.Errorf("invalid obis value: %s", src)
		}
		v[i] = byte(n)
	}
	return DlmsObis{A: v[0], B: v[1], C: v[2], D: v[3], E: v[4], F: v[5]}, nil
}

// DlmsLNRequestItem addresses one attribute or method by logical name. Values are encoded
// A-XDR Data elements.
type DlmsLNRequestItem struct {
	ClassId uint16
	Obis    DlmsObis
	// also method id
	Attribute        int8
	HasAccess        bool
	AccessDescriptor byte
	AccessData       []byte
	// also action data
	SetData []byte
}

type DlmsSNRequestItem struct {
	Address          uint16
	HasAccess        bool
	AccessDescriptor byte
	AccessData       []byte
	WriteData        []byte
}

// DlmsData is one returned value, Data holds an encoded A-XDR Data element when Result
// is success.
type DlmsData struct {
	Data   []byte
	Result base.DlmsResultTag
}

func (d DlmsData) Ok() bool {
	return d.Result == base.TagResultSuccess
}

// AttributeAddress is what the server passes to the directory for GET, SET and READ/WRITE.
type AttributeAddress struct {
	ClassId          uint16
	Obis             DlmsObis
	Attribute        int8
	HasAccess        bool
	AccessDescriptor byte
	AccessData       []byte
}

func (a AttributeAddress) String() string {
	return fmt.Sprintf("%d/%v/%d", a.ClassId, a.Obis, a.Attribute)
}

type MethodAddress struct {
	ClassId uint16
	Obis    DlmsObis
	Method  int8
}

func (m MethodAddress) String() string {
	return fmt.Sprintf("%d/%v/m%d", m.ClassId, m.Obis, m.Method)
}

// ConnectionId identifies one server side association.
type ConnectionId struct {
	Id            uint64
	ClientId      uint16
	LogicalDevice uint16
}

// SecurityHeader describes the ciphering envelope of a received or sent APDU.
type SecurityHeader struct {
	SystemTitle  []byte
	SC           byte
	FrameCounter uint32
}

// APdu is one application message split into its ACSE and xDLMS parts, at least one
// of them is present.
type APdu struct {
	ACSE     []byte
	Cosem    []byte
	Security *SecurityHeader
}
