package contracts

import (
	"encoding/json"
	"time"
)

// CaseStatus is the coarse lifecycle of a case. Status moves forward
// only; closed, sealed and void are terminal for staging purposes.
type CaseStatus string

const (
	CaseDraft        CaseStatus = "draft"
	CaseFiled        CaseStatus = "filed"
	CaseJurySelected CaseStatus = "jury_selected"
	CaseVoting       CaseStatus = "voting"
	CaseClosed       CaseStatus = "closed"
	CaseSealed       CaseStatus = "sealed"
	CaseVoid         CaseStatus = "void"
)

// Terminal reports whether no further stage transitions may occur.
func (s CaseStatus) Terminal() bool {
	return s == CaseClosed || s == CaseSealed || s == CaseVoid
}

// SessionStage is the fine-grained position inside a running session.
type SessionStage string

const (
	StagePreSession       SessionStage = "pre_session"
	StageJuryReadiness    SessionStage = "jury_readiness"
	StageOpeningAddresses SessionStage = "opening_addresses"
	StageEvidence         SessionStage = "evidence"
	StageClosingAddresses SessionStage = "closing_addresses"
	StageSummingUp        SessionStage = "summing_up"
	StageVoting           SessionStage = "voting"
	StageClosed           SessionStage = "closed"
	StageVoid             SessionStage = "void"
)

// submissionStages orders the four submission stages; each side files
// one submission per stage before its deadline.
var submissionStages = []SessionStage{
	StageOpeningAddresses,
	StageEvidence,
	StageClosingAddresses,
	StageSummingUp,
}

// SubmissionStages returns the ordered submission stages.
func SubmissionStages() []SessionStage {
	out := make([]SessionStage, len(submissionStages))
	copy(out, submissionStages)
	return out
}

// NextStage returns the stage after s in the happy path, or "" when s
// has no successor.
func NextStage(s SessionStage) SessionStage {
	switch s {
	case StagePreSession:
		return StageJuryReadiness
	case StageJuryReadiness:
		return StageOpeningAddresses
	case StageOpeningAddresses:
		return StageEvidence
	case StageEvidence:
		return StageClosingAddresses
	case StageClosingAddresses:
		return StageSummingUp
	case StageSummingUp:
		return StageVoting
	case StageVoting:
		return StageClosed
	}
	return ""
}

// DefenceState tracks how the defence seat gets filled.
type DefenceState string

const (
	// DefenceUnassigned means the seat is open to volunteers.
	DefenceUnassigned DefenceState = "unassigned"
	// DefenceReserved means a named defendant holds an exclusive window.
	// Volunteers are admitted once the window lapses, even though the
	// stored state stays reserved until someone takes the seat.
	DefenceReserved DefenceState = "reserved"
	DefenceAssigned DefenceState = "assigned"
)

// Outcome is the overall result of a decided case.
type Outcome string

const (
	OutcomeForProsecution Outcome = "for_prosecution"
	OutcomeForDefence     Outcome = "for_defence"
	OutcomeVoid           Outcome = "void"
)

// SealStatus tracks the case's receipt progress.
type SealStatus string

const (
	SealNone    SealStatus = "none"
	SealPending SealStatus = "pending"
	SealMinting SealStatus = "minting"
	SealSealed  SealStatus = "sealed"
	SealFailed  SealStatus = "failed"
)

// InviteStatus tracks delivery of the defence invite webhook.
type InviteStatus string

const (
	InviteNone      InviteStatus = "none"
	InviteQueued    InviteStatus = "queued"
	InviteDelivered InviteStatus = "delivered"
	InviteFailed    InviteStatus = "failed"
)

// VoidReason names why a case terminated without a verdict.
type VoidReason string

const (
	VoidMissingDefence    VoidReason = "missing_defence_assignment"
	VoidMissingOpening    VoidReason = "missing_opening_submission"
	VoidMissingEvidence   VoidReason = "missing_evidence_submission"
	VoidMissingClosing    VoidReason = "missing_closing_submission"
	VoidMissingSummingUp  VoidReason = "missing_summing_submission"
	VoidVotingTimeout     VoidReason = "voting_timeout"
	VoidInconclusive      VoidReason = "inconclusive_verdict"
	VoidJuryPoolExhausted VoidReason = "jury_pool_exhausted"
)

// VoidClass aggregates reasons into the coarse buckets used by stats.
func VoidClass(r VoidReason) string {
	switch r {
	case VoidMissingDefence:
		return "no_defence"
	case VoidInconclusive:
		return "inconclusive"
	default:
		return "other_timeout"
	}
}

// MissingSubmissionReason maps a submission stage to its void reason.
func MissingSubmissionReason(stage SessionStage) VoidReason {
	switch stage {
	case StageOpeningAddresses:
		return VoidMissingOpening
	case StageEvidence:
		return VoidMissingEvidence
	case StageClosingAddresses:
		return VoidMissingClosing
	case StageSummingUp:
		return VoidMissingSummingUp
	}
	return ""
}

// Case is the primary dispute record.
type Case struct {
	CaseID     string `json:"caseId"`
	PublicSlug string `json:"publicSlug"`
	Title      string `json:"title"`
	Summary    string `json:"summary,omitempty"`

	Status         CaseStatus   `json:"status"`
	SessionStage   SessionStage `json:"sessionStage"`
	RulesetVersion string       `json:"rulesetVersion"`

	ProsecutionAgentID string       `json:"prosecutionAgentId"`
	DefendantAgentID   string       `json:"defendantAgentId,omitempty"`
	DefenceAgentID     string       `json:"defenceAgentId,omitempty"`
	DefenceState       DefenceState `json:"defenceState"`

	DefenceInviteStatus    InviteStatus `json:"defenceInviteStatus"`
	DefenceInviteAttempts  int          `json:"defenceInviteAttempts"`
	DefenceInviteLastError string       `json:"defenceInviteLastError,omitempty"`

	ReplacementCountReady int `json:"replacementCountReady"`
	ReplacementCountVote  int `json:"replacementCountVote"`

	TreasuryTxSig string `json:"treasuryTxSig,omitempty"`

	DrandRound       uint64          `json:"drandRound,omitempty"`
	DrandRandomness  string          `json:"drandRandomness,omitempty"`
	PoolSnapshotHash string          `json:"poolSnapshotHash,omitempty"`
	SelectionProof   json.RawMessage `json:"selectionProof,omitempty"`

	Outcome       Outcome         `json:"outcome,omitempty"`
	VerdictHash   string          `json:"verdictHash,omitempty"`
	VerdictBundle json.RawMessage `json:"verdictBundle,omitempty"`

	SealStatus  SealStatus `json:"sealStatus"`
	SealAssetID string     `json:"sealAssetId,omitempty"`
	SealTxSig   string     `json:"sealTxSig,omitempty"`
	SealURI     string     `json:"sealUri,omitempty"`
	MetadataURI string     `json:"metadataUri,omitempty"`
	SealedAt    *time.Time `json:"sealedAt,omitempty"`

	LastEventSeqNo int64 `json:"lastEventSeqNo"`

	FiledAt   *time.Time `json:"filedAt,omitempty"`
	ClosedAt  *time.Time `json:"closedAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// CaseRuntime mirrors the authoritative deadline state for a case. It
// is written in the same transaction as the case row, never separately.
type CaseRuntime struct {
	CaseID                  string       `json:"caseId"`
	CurrentStage            SessionStage `json:"currentStage"`
	StageStartedAt          time.Time    `json:"stageStartedAt"`
	StageDeadlineAt         *time.Time   `json:"stageDeadlineAt,omitempty"`
	ScheduledSessionStartAt *time.Time   `json:"scheduledSessionStartAt,omitempty"`
	DefenceCutoffAt         *time.Time   `json:"defenceCutoffAt,omitempty"`
	NamedExclusiveUntil     *time.Time   `json:"namedExclusiveUntil,omitempty"`
	VotingHardDeadlineAt    *time.Time   `json:"votingHardDeadlineAt,omitempty"`
	VoidReason              VoidReason   `json:"voidReason,omitempty"`
	VoidedAt                *time.Time   `json:"voidedAt,omitempty"`
}

// UsedTreasuryTx prevents a filing payment signature from being spent
// on more than one case.
type UsedTreasuryTx struct {
	TxSig          string    `json:"txSig"`
	CaseID         string    `json:"caseId"`
	AgentID        string    `json:"agentId"`
	AmountLamports int64     `json:"amountLamports"`
	CreatedAt      time.Time `json:"createdAt"`
}
