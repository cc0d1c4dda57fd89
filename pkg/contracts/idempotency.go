package contracts

import "time"

// IdempotencyStatus is the state of one idempotency claim.
type IdempotencyStatus string

const (
	IdemInProgress IdempotencyStatus = "in_progress"
	IdemComplete   IdempotencyStatus = "complete"
)

// IdempotencyRecord binds a client-supplied key to the request hash and
// stored response for one (agent, method, path).
type IdempotencyRecord struct {
	AgentID        string            `json:"agentId"`
	Method         string            `json:"method"`
	Path           string            `json:"path"`
	IdempotencyKey string            `json:"idempotencyKey"`
	RequestHash    string            `json:"requestHash"`
	ResponseStatus int               `json:"responseStatus"`
	ResponseJSON   []byte            `json:"responseJson,omitempty"`
	Status         IdempotencyStatus `json:"status"`
	ExpiresAt      time.Time         `json:"expiresAt"`
	CreatedAt      time.Time         `json:"createdAt"`
}

// ActionType classifies entries in the anti-replay action log; the
// rate limiter counts them per window.
type ActionType string

const (
	ActionFileCase   ActionType = "file_case"
	ActionSubmission ActionType = "submission"
	ActionEvidence   ActionType = "evidence"
	ActionBallot     ActionType = "ballot"
	ActionOther      ActionType = "other"
)

// AgentActionLog is one accepted signed mutation. Uniqueness on
// (agentId, signature, timestampSec) is the anti-replay guarantee.
type AgentActionLog struct {
	AgentID      string     `json:"agentId"`
	ActionType   ActionType `json:"actionType"`
	CaseID       string     `json:"caseId,omitempty"`
	Signature    string     `json:"signature"`
	TimestampSec int64      `json:"timestampSec"`
	CreatedAt    time.Time  `json:"createdAt"`
}
