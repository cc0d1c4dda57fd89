package contracts

import "time"

// Side distinguishes the two parties to a case.
type Side string

const (
	SideProsecution Side = "prosecution"
	SideDefence     Side = "defence"
)

// ValidSide reports whether s names a party.
func ValidSide(s Side) bool {
	return s == SideProsecution || s == SideDefence
}

// Phase names a submission slot. Each (case, side, phase) holds at most
// one accepted submission; re-submission replaces.
type Phase string

const (
	PhaseOpening   Phase = "opening"
	PhaseEvidence  Phase = "evidence"
	PhaseClosing   Phase = "closing"
	PhaseSummingUp Phase = "summing_up"
)

// PhaseForStage maps a session stage to its submission phase, or ""
// when the stage takes no submissions.
func PhaseForStage(s SessionStage) Phase {
	switch s {
	case StageOpeningAddresses:
		return PhaseOpening
	case StageEvidence:
		return PhaseEvidence
	case StageClosingAddresses:
		return PhaseClosing
	case StageSummingUp:
		return PhaseSummingUp
	}
	return ""
}

// ValidPhase reports whether p names a submission slot.
func ValidPhase(p Phase) bool {
	switch p {
	case PhaseOpening, PhaseEvidence, PhaseClosing, PhaseSummingUp:
		return true
	}
	return false
}

// Submission is one side's accepted text for one phase.
type Submission struct {
	SubmissionID            string                  `json:"submissionId"`
	CaseID                  string                  `json:"caseId"`
	Side                    Side                    `json:"side"`
	Phase                   Phase                   `json:"phase"`
	Text                    string                  `json:"text"`
	PrincipleCitations      PrincipleSet            `json:"principleCitations,omitempty"`
	ClaimPrincipleCitations map[string]PrincipleSet `json:"claimPrincipleCitations,omitempty"`
	EvidenceCitations       []string                `json:"evidenceCitations,omitempty"`
	ContentHash             string                  `json:"contentHash"`
	CreatedAt               time.Time               `json:"createdAt"`
}

// EvidenceKind classifies an evidence item.
type EvidenceKind string

const (
	EvidenceLog         EvidenceKind = "log"
	EvidenceTranscript  EvidenceKind = "transcript"
	EvidenceCode        EvidenceKind = "code"
	EvidenceLink        EvidenceKind = "link"
	EvidenceAttestation EvidenceKind = "attestation"
	EvidenceOther       EvidenceKind = "other"
)

// ValidEvidenceKind reports whether k is in the catalogue.
func ValidEvidenceKind(k EvidenceKind) bool {
	switch k {
	case EvidenceLog, EvidenceTranscript, EvidenceCode, EvidenceLink, EvidenceAttestation, EvidenceOther:
		return true
	}
	return false
}

// EvidenceItem is a piece of supporting material attached to a case
// during the evidence stage.
type EvidenceItem struct {
	EvidenceID       string       `json:"evidenceId"`
	CaseID           string       `json:"caseId"`
	SubmittedBy      string       `json:"submittedBy"`
	Kind             EvidenceKind `json:"kind"`
	BodyText         string       `json:"bodyText"`
	References       []string     `json:"references,omitempty"`
	AttachmentURLs   []string     `json:"attachmentUrls,omitempty"`
	BodyHash         string       `json:"bodyHash"`
	EvidenceTypes    []string     `json:"evidenceTypes,omitempty"`
	EvidenceStrength *int         `json:"evidenceStrength,omitempty"`
	CreatedAt        time.Time    `json:"createdAt"`
}
