package base

import (
	"errors"
	"fmt"
)

var ErrNothingToRead = errors.New("nothing to read")
var ErrNotOpened = errors.New("connection is not open")
var ErrCommunicationTimeout = errors.New("communication timeout")

var ErrFrameInvalid = errors.New("invalid frame")
var ErrProtocol = errors.New("protocol violation")
var ErrBlockNumber = errors.New("unexpected block number")
var ErrResponseTimeout = errors.New("response timeout")
var ErrFeatureNotNegotiated = errors.New("feature not negotiated")
var ErrAuthentication = errors.New("authentication failed")

// FrameInvalidError is returned by frame and header decoders, it always matches ErrFrameInvalid.
type FrameInvalidError struct {
	Reason string
}

func (e *FrameInvalidError) Error() string {
	return "invalid frame: " + e.Reason
}

func (e *FrameInvalidError) Unwrap() error {
	return ErrFrameInvalid
}

func NewFrameInvalid(format string, v ...any) error {
	return &FrameInvalidError{Reason: fmt.Sprintf(format, v...)}
}

// AssociationError carries the ACSE result of a rejected association.
type AssociationError struct {
	Result     AssociationResult
	Diagnostic SourceDiagnostic
}

func (e *AssociationError) Error() string {
	return fmt.Sprintf("association rejected: %v, %v", e.Result, e.Diagnostic)
}

func (e *AssociationError) Unwrap() error {
	switch e.Diagnostic {
	case SourceDiagnosticAuthenticationFailure, SourceDiagnosticAuthenticationRequired, SourceDiagnosticAuthenticationMechanismNameRequired:
		return ErrAuthentication
	}
	return nil
}

// ExceptionError is an exception-response or confirmed-service-error returned by the peer.
type ExceptionError struct {
	Tag          CosemTag
	StateError   byte
	ServiceError byte
}

func (e *ExceptionError) Error() string {
	if e.Tag == TagConfirmedServiceError {
		return fmt.Sprintf("confirmed service error: %d/%d", e.StateError, e.ServiceError)
	}
	return fmt.Sprintf("exception received: %d/%d", e.StateError, e.ServiceError)
}

func (e *ExceptionError) Unwrap() error {
	return ErrProtocol
}
