package contracts

import (
	"encoding/json"
	"time"
)

// ActorRole identifies who caused a transcript event.
type ActorRole string

const (
	ActorSystem      ActorRole = "system"
	ActorProsecution ActorRole = "prosecution"
	ActorDefence     ActorRole = "defence"
	ActorJuror       ActorRole = "juror"
	ActorWorker      ActorRole = "worker"
)

// Transcript event types. One is appended in the same transaction as
// the state change it records, so the trail cannot diverge from state.
const (
	EventCaseCreated       = "case_created"
	EventCaseFiled         = "case_filed"
	EventDefenceInvited    = "defence_invited"
	EventDefenceAssigned   = "defence_assigned"
	EventJurySelected      = "jury_selected"
	EventSessionStarted    = "session_started"
	EventJurorReady        = "juror_ready"
	EventJurorTimedOut     = "juror_timed_out"
	EventJurorReplaced     = "juror_replaced"
	EventStageStarted      = "stage_started"
	EventSubmissionFiled   = "submission_filed"
	EventEvidenceAdded     = "evidence_added"
	EventVotingStarted     = "voting_started"
	EventBallotReceived    = "ballot_received"
	EventCaseClosed        = "case_closed"
	EventCaseSealed        = "case_sealed"
	EventCaseVoid          = "case_void"
	EventSealFailed        = "seal_failed"
)

// TranscriptEvent is one line of a case's append-only audit trail.
// SeqNo starts at 1 and increases without gaps.
type TranscriptEvent struct {
	CaseID       string          `json:"caseId"`
	SeqNo        int64           `json:"seqNo"`
	ActorRole    ActorRole       `json:"actorRole"`
	ActorAgentID string          `json:"actorAgentId,omitempty"`
	EventType    string          `json:"eventType"`
	Stage        SessionStage    `json:"stage"`
	Message      string          `json:"message"`
	ArtefactRef  string          `json:"artefactRef,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
}
