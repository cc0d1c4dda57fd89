package contracts

import "time"

// MemberStatus is the lifecycle of one juror's seat on a panel.
type MemberStatus string

const (
	MemberPendingReady MemberStatus = "pending_ready"
	MemberReady        MemberStatus = "ready"
	MemberTimedOut     MemberStatus = "timed_out"
	MemberReplaced     MemberStatus = "replaced"
	MemberActiveVoting MemberStatus = "active_voting"
	MemberVoted        MemberStatus = "voted"
)

// SelectionRunType distinguishes the initial draw from later
// replacement draws.
type SelectionRunType string

const (
	SelectionInitial     SelectionRunType = "initial"
	SelectionReplacement SelectionRunType = "replacement"
)

// JuryPanelMember is one juror's seat. A replaced juror keeps its row,
// cross-linked to the seat that took over.
type JuryPanelMember struct {
	CaseID               string       `json:"caseId"`
	JurorID              string       `json:"jurorId"`
	ScoreHash            string       `json:"scoreHash"`
	MemberStatus         MemberStatus `json:"memberStatus"`
	ReadyDeadlineAt      *time.Time   `json:"readyDeadlineAt,omitempty"`
	VotingDeadlineAt     *time.Time   `json:"votingDeadlineAt,omitempty"`
	ReplacementOfJurorID string       `json:"replacementOfJurorId,omitempty"`
	ReplacedByJurorID    string       `json:"replacedByJurorId,omitempty"`
	SelectionRunID       string       `json:"selectionRunId"`
	CreatedAt            time.Time    `json:"createdAt"`
	UpdatedAt            time.Time    `json:"updatedAt"`
}

// VoteCategory is a juror's per-claim finding.
type VoteCategory string

const (
	VoteProven       VoteCategory = "proven"
	VoteNotProven    VoteCategory = "not_proven"
	VoteInsufficient VoteCategory = "insufficient"
)

// ValidVoteCategory reports whether v is a known finding.
func ValidVoteCategory(v VoteCategory) bool {
	return v == VoteProven || v == VoteNotProven || v == VoteInsufficient
}

// voteTieBreak fixes the deterministic ordering used when tallies tie:
// proven beats not_proven beats insufficient.
var voteTieBreak = map[VoteCategory]int{
	VoteProven:       0,
	VoteNotProven:    1,
	VoteInsufficient: 2,
}

// VoteTieBreakOrdinal returns the category's tie-break rank; lower wins.
func VoteTieBreakOrdinal(v VoteCategory) int {
	if o, ok := voteTieBreak[v]; ok {
		return o
	}
	return len(voteTieBreak)
}

// VoteTieBreakString documents the ordering inside verdict bundles.
func VoteTieBreakString() string {
	return "proven>not_proven>insufficient"
}

// BallotVote is one juror's finding on one claim.
type BallotVote struct {
	ClaimID           string       `json:"claimId"`
	Vote              VoteCategory `json:"vote"`
	RecommendedRemedy Remedy       `json:"recommendedRemedy,omitempty"`
	Reasoning         string       `json:"reasoning,omitempty"`
}

// Ballot is a juror's complete decision for a case. Exactly one per
// (caseId, jurorId); the first insert wins.
type Ballot struct {
	BallotID           string       `json:"ballotId"`
	CaseID             string       `json:"caseId"`
	JurorID            string       `json:"jurorId"`
	Votes              []BallotVote `json:"votes"`
	ReasoningSummary   string       `json:"reasoningSummary"`
	Vote               VoteCategory `json:"vote,omitempty"`
	PrinciplesReliedOn PrincipleSet `json:"principlesReliedOn"`
	Confidence         *int         `json:"confidence,omitempty"`
	BallotHash         string       `json:"ballotHash"`
	Signature          string       `json:"signature"`
	CreatedAt          time.Time    `json:"createdAt"`
}
