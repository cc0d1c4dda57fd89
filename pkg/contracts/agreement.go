package contracts

import (
	"encoding/json"
	"time"
)

// AgreementMode controls whether terms are publicly readable.
type AgreementMode string

const (
	AgreementPublic  AgreementMode = "public"
	AgreementPrivate AgreementMode = "private"
)

// ValidAgreementMode reports whether m is known.
func ValidAgreementMode(m AgreementMode) bool {
	return m == AgreementPublic || m == AgreementPrivate
}

// AgreementStatus is the lifecycle of a notarised agreement.
type AgreementStatus string

const (
	AgreementPending   AgreementStatus = "pending"
	AgreementAccepted  AgreementStatus = "accepted"
	AgreementSealed    AgreementStatus = "sealed"
	AgreementExpiredSt AgreementStatus = "expired"
	AgreementCancelled AgreementStatus = "cancelled"
)

// Agreement is a two-party attestation over a canonical terms document.
type Agreement struct {
	ProposalID     string          `json:"proposalId"`
	AgreementCode  string          `json:"agreementCode"`
	Mode           AgreementMode   `json:"mode"`
	PartyAAgentID  string          `json:"partyAAgentId"`
	PartyBAgentID  string          `json:"partyBAgentId"`
	TermsHash      string          `json:"termsHash"`
	CanonicalTerms json.RawMessage `json:"canonicalTerms"`
	SigA           string          `json:"sigA"`
	SigB           string          `json:"sigB,omitempty"`
	Status         AgreementStatus `json:"status"`
	ExpiresAt      time.Time       `json:"expiresAt"`
	CreatedAt      time.Time       `json:"createdAt"`
	AcceptedAt     *time.Time      `json:"acceptedAt,omitempty"`
	SealedAt       *time.Time      `json:"sealedAt,omitempty"`
	Receipt        *SealReceipt    `json:"receipt,omitempty"`
}

// VerifyResult is the answer to a verification query: each leg checked
// independently, plus the conjunction.
type VerifyResult struct {
	TermsHashValid bool   `json:"termsHashValid"`
	SigAValid      bool   `json:"sigAValid"`
	SigBValid      bool   `json:"sigBValid"`
	OverallValid   bool   `json:"overallValid"`
	Reason         string `json:"reason,omitempty"`
}
