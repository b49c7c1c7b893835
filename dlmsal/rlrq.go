package dlmsal

import (
	"fmt"

	"github.com/cybroslabs/dlms-engine/base"
)

func encodeRLRQ(s *DlmsSettings) []byte {
	if s.EmptyRLRQ {
		return []byte{byte(base.TagRLRQ), 0}
	}
	return []byte{byte(base.TagRLRQ), 3, base.BERTypeContext, 1, byte(base.ReleaseRequestReasonNormal)}
}

func encodeRLRE(reason *base.ReleaseRequestReason) []byte {
	if reason == nil {
		return []byte{byte(base.TagRLRE), 0}
	}
	return []byte{byte(base.TagRLRE), 3, base.BERTypeContext, 1, byte(*reason)}
}

// decodeRelease parses RLRQ or RLRE, the reason is nil when not present. Anything else
// inside, like user information, is skipped.
func decodeRelease(src []byte, expected base.CosemTag) (reason *base.ReleaseRequestReason, err error) {
	err = splittags(src, expected, func(tag byte, data []byte) error {
		if tag == base.BERTypeContext {
			if len(data) != 1 {
				return fmt.Errorf("invalid release reason")
			}
			r := base.ReleaseRequestReason(data[0])
			reason = &r
		}
		return nil
	})
	return
}
