// Package contracts defines the shared domain types of the court: cases,
// claims, submissions, evidence, jury panels, ballots, seal jobs, agreements,
// and the stable error codes every surface reports.
//
// Types here are wire-shaped (camelCase JSON) and carry no behaviour beyond
// validation and normalisation. Storage and transport layers depend on this
// package, never the other way around.
package contracts

import (
	"errors"
	"fmt"
)

// Stable error codes. These are the contract clients program against;
// renaming one is a breaking change.
const (
	CodeMissingAuthHeaders  = "MISSING_AUTH_HEADERS"
	CodeSignatureInvalid    = "SIGNATURE_INVALID"
	CodeNonceReused         = "NONCE_REUSED"
	CodeTimestampExpired    = "TIMESTAMP_EXPIRED"
	CodeAgentNotFound       = "AGENT_NOT_FOUND"
	CodeAgentBanned         = "AGENT_BANNED"
	CodeCaseNotFound        = "CASE_NOT_FOUND"
	CodeCaseNotDraft        = "CASE_NOT_DRAFT"
	CodeCaseNotVoting       = "CASE_NOT_VOTING"
	CodeNotProsecution      = "NOT_PROSECUTION"
	CodeNotDefence          = "NOT_DEFENCE"
	CodeNotJuror            = "NOT_JUROR"
	CodeNotPendingJuror     = "NOT_PENDING_JUROR"
	CodeJurorNotActive      = "JUROR_NOT_ACTIVE"
	CodeDefenceAlreadyTaken = "DEFENCE_ALREADY_TAKEN"
	CodeDefenceWindowClosed = "DEFENCE_WINDOW_CLOSED"
	CodeDefenceReserved     = "DEFENCE_RESERVED_FOR_NAMED_DEFENDANT"
	CodeTreasuryTxReplay    = "TREASURY_TX_REPLAY"
	CodeTreasuryNotFinal    = "TREASURY_TX_NOT_FINALISED"
	CodeSoftCapExceeded     = "SOFT_CAP_EXCEEDED"
	CodeBallotAlreadyCast   = "BALLOT_ALREADY_SUBMITTED"
	CodeBallotDeadline      = "BALLOT_DEADLINE_PASSED"
	CodeEvidenceStage       = "EVIDENCE_STAGE_REQUIRED"
	CodeEvidenceLimit       = "EVIDENCE_LIMIT_REACHED"
	CodeIdemInProgress      = "IDEMPOTENCY_IN_PROGRESS"
	CodeIdemPayloadMismatch = "IDEMPOTENCY_KEY_REUSED_WITH_DIFFERENT_PAYLOAD"
	CodeProposalNotFound    = "PROPOSAL_NOT_FOUND"
	CodeDuplicateAgreement  = "DUPLICATE_AGREEMENT"
	CodeInsufficientSigs    = "INSUFFICIENT_SIGNATURES"
	CodeInternal            = "INTERNAL_ERROR"

	CodeReadinessDeadline  = "READINESS_DEADLINE_PASSED"
	CodeSealJobFinalised   = "SEAL_JOB_ALREADY_FINALISED"
	CodeStageMismatch      = "STAGE_MISMATCH"
	CodeValidation         = "VALIDATION_ERROR"
	CodeNotFound           = "NOT_FOUND"
	CodeRateLimited        = "RATE_LIMITED"
	CodeBodyTooLarge       = "BODY_TOO_LARGE"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeAgentExists        = "AGENT_ALREADY_REGISTERED"
	CodeAgreementNotOpen   = "AGREEMENT_NOT_PENDING"
	CodeAgreementExpired   = "AGREEMENT_EXPIRED"
	CodeNotAgreementParty  = "NOT_AGREEMENT_PARTY"
	CodeTermsHashMismatch  = "TERMS_HASH_MISMATCH"
	CodeCapabilityInvalid  = "CAPABILITY_INVALID"
	CodeBeaconUnavailable  = "BEACON_UNAVAILABLE"
	CodeJuryPoolExhausted  = "JURY_POOL_EXHAUSTED"
	CodeSubmissionTooLong  = "SUBMISSION_TOO_LONG"
	CodeClaimLimitReached  = "CLAIM_LIMIT_REACHED"
	CodeEndpointDeprecated = "ENDPOINT_DEPRECATED"
)

// CodedError is a domain error carrying a stable code. Handlers return
// these; the HTTP layer maps them onto the uniform error envelope.
type CodedError struct {
	Code        string
	Message     string
	Details     map[string]interface{}
	RetryAfterS int

	wrapped error
}

func (e *CodedError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *CodedError) Unwrap() error { return e.wrapped }

// Coded builds a CodedError with a plain message.
func Coded(code, message string) *CodedError {
	return &CodedError{Code: code, Message: message}
}

// Codedf builds a CodedError with a formatted message.
func Codedf(code, format string, args ...interface{}) *CodedError {
	return &CodedError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodedWrap attaches a stable code to an underlying error while keeping
// the chain intact for errors.Is/As.
func CodedWrap(code, message string, err error) *CodedError {
	return &CodedError{Code: code, Message: message, wrapped: err}
}

// WithDetails returns a copy carrying structured detail fields.
func (e *CodedError) WithDetails(details map[string]interface{}) *CodedError {
	dup := *e
	dup.Details = details
	return &dup
}

// WithRetryAfter returns a copy carrying a retry hint in seconds.
func (e *CodedError) WithRetryAfter(seconds int) *CodedError {
	dup := *e
	dup.RetryAfterS = seconds
	return &dup
}

// CodeOf extracts the stable code from an error chain, defaulting to
// INTERNAL_ERROR for anything uncoded.
func CodeOf(err error) string {
	var ce *CodedError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CodeInternal
}

// AsCoded returns the CodedError in the chain, or a generic internal one.
func AsCoded(err error) *CodedError {
	var ce *CodedError
	if errors.As(err, &ce) {
		return ce
	}
	return &CodedError{Code: CodeInternal, Message: "internal error", wrapped: err}
}
