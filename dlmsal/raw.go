package dlmsal

import (
	"fmt"

	"github.com/cybroslabs/dlms-engine/base"
)

type MessageSource int

const (
	MessageSent MessageSource = iota
	MessageReceived
)

func (m MessageSource) String() string {
	if m == MessageSent {
		return "sent"
	}
	return "received"
}

// RawMessageData is one APDU as it went over the session. Raw is the wire form, ciphered
// when ciphering is on, APdu carries the plain content. LOW passwords are zeroed in both.
type RawMessageData struct {
	Source MessageSource
	Raw    []byte
	APdu   *APdu
}

// RawMessageListener is called synchronously from the sending goroutine or the reader,
// it must not block.
type RawMessageListener func(msg *RawMessageData)

// EventNotification is an unsolicited event-notification-request. Value is an encoded
// Data element, Time is the optional date-time octet string.
type EventNotification struct {
	Time      []byte
	ClassId   uint16
	Obis      DlmsObis
	Attribute int8
	Value     []byte
}

type EventListener func(ev *EventNotification)

func newapdu(plain []byte, sec *SecurityHeader) *APdu {
	ret := &APdu{Security: sec}
	if len(plain) > 0 {
		switch base.CosemTag(plain[0]) {
		case base.TagAARQ, base.TagAARE, base.TagRLRQ, base.TagRLRE:
			ret.ACSE = plain
		default:
			ret.Cosem = plain
		}
	}
	return ret
}

func encodeEventNotification(ev *EventNotification) []byte {
	out := make([]byte, 0, 12+len(ev.Time)+len(ev.Value))
	out = append(out, byte(base.TagEventNotificationRequest))
	if ev.Time != nil {
		out = append(out, 1, byte(len(ev.Time)))
		out = append(out, ev.Time...)
	} else {
		out = append(out, 0)
	}
	out = append(out, byte(ev.ClassId>>8), byte(ev.ClassId))
	out = append(out, ev.Obis.Bytes()...)
	out = append(out, byte(ev.Attribute))
	return append(out, ev.Value...)
}

// decodeEventNotification expects the apdu including its tag.
func decodeEventNotification(src []byte) (*EventNotification, error) {
	if len(src) < 2 || src[0] != byte(base.TagEventNotificationRequest) {
		return nil, fmt.Errorf("%w: not an event notification", base.ErrProtocol)
	}
	ret := &EventNotification{}
	src = src[1:]
	if src[0] != 0 {
		if len(src) < 2 || len(src) < 2+int(src[1]) {
			return nil, fmt.Errorf("%w: truncated event time", base.ErrProtocol)
		}
		ret.Time = newcopy(src[2 : 2+int(src[1])])
		src = src[2+int(src[1]):]
	} else {
		src = src[1:]
	}
	if len(src) < 10 {
		return nil, fmt.Errorf("%w: truncated event descriptor", base.ErrProtocol)
	}
	ret.ClassId = uint16(src[0])<<8 | uint16(src[1])
	ret.Obis, _ = NewDlmsObisFromSlice(src[2:8])
	ret.Attribute = int8(src[8])
	n, err := datalength(src[9:])
	if err != nil || n != len(src)-9 {
		return nil, fmt.Errorf("%w: invalid event value", base.ErrProtocol)
	}
	ret.Value = newcopy(src[9:])
	return ret, nil
}
