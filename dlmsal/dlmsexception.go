package dlmsal

import (
	"fmt"

	"github.com/cybroslabs/dlms-engine/base"
)

// service error classes of confirmed-service-error
const (
	serviceErrorApplicationReference = 0
	serviceErrorHardwareResource     = 1
	serviceErrorVdeState             = 2
	serviceErrorService              = 3
	serviceErrorDefinition           = 4
	serviceErrorAccess               = 5
	serviceErrorInitiate             = 6
)

// confirmed service choices of confirmed-service-error
const (
	confirmedInitiateError = 1
	confirmedRead          = 5
	confirmedWrite         = 6
)

func encodeException(state byte, service byte) []byte {
	return []byte{byte(base.TagExceptionResponse), state, service}
}

// encodeServiceError answers a READ or WRITE the server cannot serve.
func encodeServiceError(choice byte, class byte, value byte) []byte {
	return []byte{byte(base.TagConfirmedServiceError), choice, class, value}
}

// decodeException handles exception-response and confirmed-service-error, for the latter
// StateError holds the error class and ServiceError its value.
func decodeException(src []byte) error {
	if len(src) < 3 {
		return fmt.Errorf("%w: too short exception", base.ErrProtocol)
	}
	switch base.CosemTag(src[0]) {
	case base.TagExceptionResponse:
		return &base.ExceptionError{Tag: base.TagExceptionResponse, StateError: src[1], ServiceError: src[2]}
	case base.TagConfirmedServiceError:
		if len(src) < 4 {
			return fmt.Errorf("%w: too short confirmed service error", base.ErrProtocol)
		}
		return &base.ExceptionError{Tag: base.TagConfirmedServiceError, StateError: src[2], ServiceError: src[3]}
	}
	return fmt.Errorf("%w: not an exception %02x", base.ErrProtocol, src[0])
}
