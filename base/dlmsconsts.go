package base

import "fmt"

const (
	DlmsVersion = 0x06

	VAANameLN = 0x0007
	VAANameSN = 0xFA00
)

type Authentication byte

const (
	AuthenticationNone     Authentication = 0 // No authentication is used.
	AuthenticationLow      Authentication = 1 // Low authentication is used.
	AuthenticationHigh     Authentication = 2 // High authentication is used.
	AuthenticationHighGmac Authentication = 5 // High authentication is used. Password is hashed with GMAC.
)

type DlmsSecurity byte

const (
	SecurityAuthentication DlmsSecurity = 0x10 // Authentication security is used.
	SecurityEncryption     DlmsSecurity = 0x20 // Encryption security is used.
)

func (a Authentication) String() string {
	switch a {
	case AuthenticationNone:
		return "none"
	case AuthenticationLow:
		return "low"
	case AuthenticationHigh:
		return "high"
	case AuthenticationHighGmac:
		return "high-gmac"
	}
	return fmt.Sprintf("mechanism-%d", byte(a))
}

type AssociationResult byte

const (
	AssociationResultAccepted          AssociationResult = 0
	AssociationResultPermanentRejected AssociationResult = 1
	AssociationResultTransientRejected AssociationResult = 2
)

func (a AssociationResult) String() string {
	switch a {
	case AssociationResultAccepted:
		return "accepted"
	case AssociationResultPermanentRejected:
		return "rejected-permanent"
	case AssociationResultTransientRejected:
		return "rejected-transient"
	}
	return fmt.Sprintf("result-%d", byte(a))
}

type SourceDiagnostic byte

const (
	SourceDiagnosticNone                                     SourceDiagnostic = 0
	SourceDiagnosticNoReasonGiven                            SourceDiagnostic = 1
	SourceDiagnosticApplicationContextNameNotSupported       SourceDiagnostic = 2
	SourceDiagnosticAuthenticationMechanismNameNotRecognized SourceDiagnostic = 11
	SourceDiagnosticAuthenticationMechanismNameRequired      SourceDiagnostic = 12
	SourceDiagnosticAuthenticationFailure                    SourceDiagnostic = 13
	SourceDiagnosticAuthenticationRequired                   SourceDiagnostic = 14
)

func (s SourceDiagnostic) String() string {
	switch s {
	case SourceDiagnosticNone:
		return "null"
	case SourceDiagnosticNoReasonGiven:
		return "no-reason-given"
	case SourceDiagnosticApplicationContextNameNotSupported:
		return "application-context-name-not-supported"
	case SourceDiagnosticAuthenticationMechanismNameNotRecognized:
		return "authentication-mechanism-name-not-recognised"
	case SourceDiagnosticAuthenticationMechanismNameRequired:
		return "authentication-mechanism-name-required"
	case SourceDiagnosticAuthenticationFailure:
		return "authentication-failure"
	case SourceDiagnosticAuthenticationRequired:
		return "authentication-required"
	}
	return fmt.Sprintf("diagnostic-%d", byte(s))
}

type ApplicationContext byte

// Application context definitions
const (
	ApplicationContextLNNoCiphering ApplicationContext = 1
	ApplicationContextSNNoCiphering ApplicationContext = 2
	ApplicationContextLNCiphering   ApplicationContext = 3
	ApplicationContextSNCiphering   ApplicationContext = 4
)

const (
	PduTypeApplicationContextName     = 1
	PduTypeCallingAPTitle             = 6
	PduTypeCallingAEInvocationID      = 9
	PduTypeSenderAcseRequirements     = 10
	PduTypeMechanismName              = 11
	PduTypeCallingAuthenticationValue = 12
	PduTypeUserInformation            = 30
)

const (
	BERTypeContext     = 0x80
	BERTypeConstructed = 0x20
)

// Conformance block
const (
	ConformanceBlockGeneralProtection = 0b010000000000000000000000
	ConformanceBlockRead              = 0b000100000000000000000000
	ConformanceBlockWrite             = 0b000010000000000000000000

	ConformanceBlockAttribute0SupportedWithSet = 0b000000001000000000000000
	ConformanceBlockPriorityMgmtSupported      = 0b000000000100000000000000
	ConformanceBlockAttribute0SupportedWithGet = 0b000000000010000000000000
	ConformanceBlockBlockTransferWithGetOrRead = 0b000000000001000000000000

	ConformanceBlockBlockTransferWithSetOrWrite = 0b000000000000100000000000
	ConformanceBlockBlockTransferWithAction     = 0b000000000000010000000000
	ConformanceBlockMultipleReferences          = 0b000000000000001000000000

	ConformanceBlockParametrizedAccess = 0b000000000000000000100000
	ConformanceBlockGet                = 0b000000000000000000010000

	ConformanceBlockSet               = 0b000000000000000000001000
	ConformanceBlockSelectiveAccess   = 0b000000000000000000000100
	ConformanceBlockEventNotification = 0b000000000000000000000010
	ConformanceBlockAction            = 0b000000000000000000000001
)

type CosemTag byte

const (
	// ---- standardized DLMS APDUs
	TagInitiateRequest          CosemTag = 1
	TagReadRequest              CosemTag = 5
	TagWriteRequest             CosemTag = 6
	TagInitiateResponse         CosemTag = 8
	TagReadResponse             CosemTag = 12
	TagWriteResponse            CosemTag = 13
	TagConfirmedServiceError    CosemTag = 14
	TagGloInitiateRequest       CosemTag = 33
	TagGloInitiateResponse      CosemTag = 40
	TagGloConfirmedServiceError CosemTag = 46
	TagAARQ                     CosemTag = 96
	TagAARE                     CosemTag = 97
	TagRLRQ                     CosemTag = 98
	TagRLRE                     CosemTag = 99
	// --- APDUs used for data communication services
	TagGetRequest               CosemTag = 192
	TagSetRequest               CosemTag = 193
	TagEventNotificationRequest CosemTag = 194
	TagActionRequest            CosemTag = 195
	TagGetResponse              CosemTag = 196
	TagSetResponse              CosemTag = 197
	TagActionResponse           CosemTag = 199
	// --- global ciphered pdus
	TagGloReadRequest              CosemTag = 37
	TagGloWriteRequest             CosemTag = 38
	TagGloReadResponse             CosemTag = 44
	TagGloWriteResponse            CosemTag = 45
	TagGloGetRequest               CosemTag = 200
	TagGloSetRequest               CosemTag = 201
	TagGloEventNotificationRequest CosemTag = 202
	TagGloActionRequest            CosemTag = 203
	TagGloGetResponse              CosemTag = 204
	TagGloSetResponse              CosemTag = 205
	TagGloActionResponse           CosemTag = 207
	TagExceptionResponse           CosemTag = 216
)

type DlmsResultTag byte

const (
	// DataAccessResult
	TagResultSuccess                 DlmsResultTag = 0
	TagResultHardwareFault           DlmsResultTag = 1
	TagResultTemporaryFailure        DlmsResultTag = 2
	TagResultReadWriteDenied         DlmsResultTag = 3
	TagResultObjectUndefined         DlmsResultTag = 4
	TagResultObjectClassInconsistent DlmsResultTag = 9
	TagResultObjectUnavailable       DlmsResultTag = 11
	TagResultTypeUnmatched           DlmsResultTag = 12
	TagResultScopeAccessViolated     DlmsResultTag = 13
	TagResultDataBlockUnavailable    DlmsResultTag = 14
	TagResultLongGetAborted          DlmsResultTag = 15
	TagResultNoLongGetInProgress     DlmsResultTag = 16
	TagResultLongSetAborted          DlmsResultTag = 17
	TagResultNoLongSetInProgress     DlmsResultTag = 18
	TagResultDataBlockNumberInvalid  DlmsResultTag = 19
	TagResultOtherReason             DlmsResultTag = 250
)

func (s DlmsResultTag) String() string {
	switch s {
	case TagResultSuccess:
		return "success"
	case TagResultHardwareFault:
		return "hardware-fault"
	case TagResultTemporaryFailure:
		return "temporary-failure"
	case TagResultReadWriteDenied:
		return "read-write-denied"
	case TagResultObjectUndefined:
		return "object-undefined"
	case TagResultObjectClassInconsistent:
		return "object-class-inconsistent"
	case TagResultObjectUnavailable:
		return "object-unavailable"
	case TagResultTypeUnmatched:
		return "type-unmatched"
	case TagResultScopeAccessViolated:
		return "scope-of-access-violated"
	case TagResultDataBlockUnavailable:
		return "data-block-unavailable"
	case TagResultLongGetAborted:
		return "long-get-aborted"
	case TagResultNoLongGetInProgress:
		return "no-long-get-in-progress"
	case TagResultLongSetAborted:
		return "long-set-aborted"
	case TagResultNoLongSetInProgress:
		return "no-long-set-in-progress"
	case TagResultDataBlockNumberInvalid:
		return "data-block-number-invalid"
	case TagResultOtherReason:
		return "other-reason"
	default:
		return "unknown"
	}
}

type ReleaseRequestReason byte

const (
	ReleaseRequestReasonNormal ReleaseRequestReason = 0
)

type ActionResultTag byte

const (
	TagActionSuccess                ActionResultTag = 0
	TagActionHardwareFault          ActionResultTag = 1
	TagActionTemporaryFailure       ActionResultTag = 2
	TagActionReadWriteDenied        ActionResultTag = 3
	TagActionObjectUndefined        ActionResultTag = 4
	TagActionObjectClassInconsitent ActionResultTag = 9
	TagActionObjectUnavailable      ActionResultTag = 11
	TagActionTypeUnmatched          ActionResultTag = 12
	TagActionScopeAccessViolated    ActionResultTag = 13
	TagActionDataBlockUnavailable   ActionResultTag = 14
	TagActionLongActionAborted      ActionResultTag = 15
	TagActionNoLongActionInProgress ActionResultTag = 16
	TagActionOtherReason            ActionResultTag = 250
)

func (s ActionResultTag) String() string {
	switch s {
	case TagActionSuccess:
		return "success"
	case TagActionHardwareFault:
		return "hardware-fault"
	case TagActionTemporaryFailure:
		return "temporary-failure"
	case TagActionReadWriteDenied:
		return "read-write-denied"
	case TagActionObjectUndefined:
		return "object-undefined"
	case TagActionObjectClassInconsitent:
		return "object-class-inconsistent"
	case TagActionObjectUnavailable:
		return "object-unavailable"
	case TagActionTypeUnmatched:
		return "type-unmatched"
	case TagActionScopeAccessViolated:
		return "scope-of-access-violated"
	case TagActionDataBlockUnavailable:
		return "data-block-unavailable"
	case TagActionLongActionAborted:
		return "long-action-aborted"
	case TagActionNoLongActionInProgress:
		return "no-long-action-in-progress"
	case TagActionOtherReason:
		return "other-reason"
	default:
		return "unknown"
	}
}

// exception-response state and service errors
const (
	StateErrorServiceNotAllowed byte = 1
	StateErrorServiceUnknown    byte = 2

	ServiceErrorOperationNotPossible   byte = 1
	ServiceErrorServiceNotSupported    byte = 2
	ServiceErrorOtherReason            byte = 3
	ServiceErrorPduTooLong             byte = 4
	ServiceErrorDecipheringError       byte = 5
	ServiceErrorInvocationCounterError byte = 6
)
