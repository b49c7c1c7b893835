package dlmsal

import (
	"fmt"
	"strings"

	"github.com/cybroslabs/dlms-engine/base"
)

// Conformance is the 24 bit conformance block exchanged in the initiate request and response.
type Conformance uint32

const conformancemask = 0xffffff

var conformancenames = [...]string{
	"action", "event-notification", "selective-access", "set",
	"get", "parameterized-access", "access", "data-notification",
	"information-report", "multiple-references", "block-transfer-with-action", "block-transfer-with-set-or-write",
	"block-transfer-with-get-or-read", "attribute0-supported-with-get", "priority-mgmt-supported", "attribute0-supported-with-set",
	"reserved-seven", "reserved-six", "unconfirmed-write", "write",
	"read", "general-block-transfer", "general-protection", "reserved-zero",
}

// LN server default support
const DefaultServerConformance Conformance = base.ConformanceBlockGet | base.ConformanceBlockSet | base.ConformanceBlockAction |
	base.ConformanceBlockSelectiveAccess | base.ConformanceBlockMultipleReferences | base.ConformanceBlockPriorityMgmtSupported |
	base.ConformanceBlockBlockTransferWithGetOrRead | base.ConformanceBlockBlockTransferWithSetOrWrite | base.ConformanceBlockBlockTransferWithAction |
	base.ConformanceBlockAttribute0SupportedWithGet | base.ConformanceBlockRead | base.ConformanceBlockWrite |
	base.ConformanceBlockEventNotification

func (c Conformance) Has(bits Conformance) bool {
	return c&bits == bits
}

// Negotiate is the intersection of a proposal and the own support.
func (c Conformance) Negotiate(proposal Conformance) Conformance {
	return c & proposal & conformancemask
}

// Require fails unless all bits are negotiated.
func (c Conformance) Require(bits Conformance) error {
	if missing := bits &^ c; missing != 0 {
		return fmt.Errorf("%w: %v", base.ErrFeatureNotNegotiated, missing)
	}
	return nil
}

func (c Conformance) String() string {
	var names []string
	for i, n := range conformancenames {
		if c&(1<<i) != 0 {
			names = append(names, n)
		}
	}
	return "[" + strings.Join(names, ",") + "]"
}
