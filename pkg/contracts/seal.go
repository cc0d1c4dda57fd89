package contracts

import (
	"encoding/json"
	"strings"
	"time"
)

// SealJobStatus is the lifecycle of a queued mint.
type SealJobStatus string

const (
	SealJobQueued  SealJobStatus = "queued"
	SealJobMinting SealJobStatus = "minting"
	SealJobMinted  SealJobStatus = "minted"
	SealJobFailed  SealJobStatus = "failed"
)

// NonRetryablePrefix marks a worker error that must never be retried.
const NonRetryablePrefix = "NON_RETRYABLE:"

// SealKind distinguishes what a seal job anchors.
type SealKind string

const (
	SealKindCase      SealKind = "case"
	SealKindAgreement SealKind = "agreement"
)

// SealJob is the unit of work handed to the mint worker. At most one
// exists per case or agreement.
type SealJob struct {
	JobID        string          `json:"jobId"`
	Kind         SealKind        `json:"kind"`
	RefID        string          `json:"refId"`
	Status       SealJobStatus   `json:"status"`
	Attempts     int             `json:"attempts"`
	LastError    string          `json:"lastError,omitempty"`
	PayloadHash  string          `json:"payloadHash"`
	RequestJSON  json.RawMessage `json:"requestJson"`
	ResponseJSON json.RawMessage `json:"responseJson,omitempty"`
	ClaimedAt    *time.Time      `json:"claimedAt,omitempty"`
	CompletedAt  *time.Time      `json:"completedAt,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// Retryable reports whether the job may be re-queued by the sweeper.
func (j *SealJob) Retryable(maxAttempts int) bool {
	if j.Status != SealJobQueued && j.Status != SealJobFailed {
		return false
	}
	if strings.HasPrefix(j.LastError, NonRetryablePrefix) {
		return false
	}
	return j.Attempts < maxAttempts
}

// SealRequest is the body POSTed to the mint worker.
type SealRequest struct {
	Kind        SealKind               `json:"kind"`
	RefID       string                 `json:"refId"`
	PublicCode  string                 `json:"publicCode"`
	ContentHash string                 `json:"contentHash"`
	ExternalURL string                 `json:"externalUrl"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// SealResultStatus discriminates the worker's terminal response.
type SealResultStatus string

const (
	SealResultMinted SealResultStatus = "minted"
	SealResultFailed SealResultStatus = "failed"
)

// SealResponse is the mint worker's terminal answer for one request.
type SealResponse struct {
	Status       SealResultStatus `json:"status"`
	AssetID      string           `json:"assetId,omitempty"`
	TxSig        string           `json:"txSig,omitempty"`
	SealedURI    string           `json:"sealedUri,omitempty"`
	MetadataURI  string           `json:"metadataUri,omitempty"`
	SealedAtISO  string           `json:"sealedAtIso,omitempty"`
	ErrorCode    string           `json:"errorCode,omitempty"`
	ErrorMessage string           `json:"errorMessage,omitempty"`
}

// NonRetryable reports whether a failed response must not be retried.
func (r *SealResponse) NonRetryable() bool {
	return r.Status == SealResultFailed && strings.HasPrefix(r.ErrorCode, "NON_RETRYABLE")
}

// SealReceipt is the durable record of a successful mint.
type SealReceipt struct {
	AssetID     string    `json:"assetId"`
	TxSig       string    `json:"txSig"`
	SealedURI   string    `json:"sealedUri"`
	MetadataURI string    `json:"metadataUri"`
	SealedAt    time.Time `json:"sealedAt"`
}
