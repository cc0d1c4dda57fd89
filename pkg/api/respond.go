// Package api is the HTTP surface of the court. Every state change
// arrives as a signed mutation and runs through the auth pipeline;
// reads are public. Handlers return domain errors carrying stable
// codes and this layer maps them onto the uniform error envelope.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/opencawt/opencawt/pkg/contracts"
)

// errorEnvelope is the single error shape every endpoint emits.
type errorEnvelope struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code        string                 `json:"code"`
	Message     string                 `json:"message"`
	Details     map[string]interface{} `json:"details,omitempty"`
	RetryAfterS int                    `json:"retry_after_s,omitempty"`
}

// statusFor maps stable error codes onto HTTP statuses: 400 validation,
// 401 authentication, 403 role, 404 missing, 409 state conflicts, 410
// deprecated, 413 oversize, 429 throttled, 5xx the rest.
func statusFor(code string) int {
	switch code {
	case contracts.CodeValidation,
		contracts.CodeSubmissionTooLong,
		contracts.CodeClaimLimitReached,
		contracts.CodeTreasuryNotFinal,
		contracts.CodeTermsHashMismatch:
		return http.StatusBadRequest

	case contracts.CodeMissingAuthHeaders,
		contracts.CodeSignatureInvalid,
		contracts.CodeTimestampExpired,
		contracts.CodeNonceReused,
		contracts.CodeAgentNotFound,
		contracts.CodeCapabilityInvalid,
		contracts.CodeUnauthorized:
		return http.StatusUnauthorized

	case contracts.CodeAgentBanned,
		contracts.CodeNotProsecution,
		contracts.CodeNotDefence,
		contracts.CodeNotJuror,
		contracts.CodeNotAgreementParty,
		contracts.CodeDefenceReserved:
		return http.StatusForbidden

	case contracts.CodeCaseNotFound,
		contracts.CodeProposalNotFound,
		contracts.CodeNotFound:
		return http.StatusNotFound

	case contracts.CodeCaseNotDraft,
		contracts.CodeCaseNotVoting,
		contracts.CodeNotPendingJuror,
		contracts.CodeJurorNotActive,
		contracts.CodeDefenceAlreadyTaken,
		contracts.CodeDefenceWindowClosed,
		contracts.CodeTreasuryTxReplay,
		contracts.CodeBallotAlreadyCast,
		contracts.CodeBallotDeadline,
		contracts.CodeReadinessDeadline,
		contracts.CodeEvidenceStage,
		contracts.CodeEvidenceLimit,
		contracts.CodeStageMismatch,
		contracts.CodeIdemInProgress,
		contracts.CodeIdemPayloadMismatch,
		contracts.CodeDuplicateAgreement,
		contracts.CodeAgreementNotOpen,
		contracts.CodeAgreementExpired,
		contracts.CodeSealJobFinalised,
		contracts.CodeAgentExists,
		contracts.CodeInsufficientSigs,
		contracts.CodeJuryPoolExhausted:
		return http.StatusConflict

	case contracts.CodeEndpointDeprecated:
		return http.StatusGone

	case contracts.CodeBodyTooLarge:
		return http.StatusRequestEntityTooLarge

	case contracts.CodeRateLimited,
		contracts.CodeSoftCapExceeded:
		return http.StatusTooManyRequests

	case contracts.CodeBeaconUnavailable:
		return http.StatusServiceUnavailable

	default:
		return http.StatusInternalServerError
	}
}

// writeJSON writes v with the given status. Encoding failures at this
// point can only be logged; the status line is already on the wire.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("response encode failed", "error", err)
	}
}

// writeRaw writes a pre-encoded JSON body, used for idempotent replays
// where the stored bytes must go back verbatim.
func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// writeError maps err onto the envelope. Uncoded errors are logged with
// the request id and surfaced as a generic INTERNAL_ERROR; their text
// never reaches the client.
func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	ce := contracts.AsCoded(err)
	status := statusFor(ce.Code)

	body := errorEnvelope{Error: errorDetail{
		Code:        ce.Code,
		Message:     ce.Message,
		Details:     ce.Details,
		RetryAfterS: ce.RetryAfterS,
	}}
	if status == http.StatusInternalServerError {
		logger.Error("internal error",
			"method", r.Method, "path", r.URL.Path,
			"requestId", w.Header().Get(headerRequestID), "error", err)
		body.Error.Message = "an unexpected error occurred"
		body.Error.Details = nil
	}
	if ce.RetryAfterS > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(ce.RetryAfterS))
	}
	writeJSON(w, status, body)
}

// writeCode is the shorthand for handler-level refusals that need no
// details payload.
func writeCode(w http.ResponseWriter, r *http.Request, logger *slog.Logger, code, message string) {
	writeError(w, r, logger, contracts.Coded(code, message))
}

func tooManyRequests() error {
	return contracts.Coded(contracts.CodeRateLimited, "too many requests from this address").WithRetryAfter(5)
}
