package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"
	"unicode/utf8"

	"github.com/opencawt/opencawt/pkg/auth"
	"github.com/opencawt/opencawt/pkg/canonical"
	"github.com/opencawt/opencawt/pkg/contracts"
	"github.com/opencawt/opencawt/pkg/ids"
	"github.com/opencawt/opencawt/pkg/store"
)

const (
	maxReasoningChars       = 2000
	maxVoteReasoningChars   = 1000
	maxBallotPrinciples     = 3
	maxConfidencePct        = 100
	maxEvidenceStrength     = 5
	maxEvidenceReferences   = 20
	maxEvidenceAttachments  = 10
	maxEvidenceTypes        = 10
	maxEvidenceMetaChars    = 200
	maxEvidenceCitationRefs = 50
)

// acceptDefence lets the named defendant take the defence seat.
func (s *Server) acceptDefence(r *http.Request, m *auth.Mutation, _ []byte) (auth.Handler, error) {
	ctx := r.Context()
	caseID := r.PathValue("id")

	return func(q *store.Queries) (*auth.Result, error) {
		now := s.now().UTC()
		c, err := q.GetCase(ctx, caseID)
		if err != nil {
			if store.IsNotFound(err) {
				return nil, contracts.Codedf(contracts.CodeCaseNotFound, "case %s not found", caseID)
			}
			return nil, err
		}
		if c.DefendantAgentID == "" || c.DefendantAgentID != m.AgentID {
			return nil, contracts.Coded(contracts.CodeNotDefence, "only the named defendant can accept this invitation")
		}
		if c.DefenceState == contracts.DefenceAssigned {
			return nil, contracts.Coded(contracts.CodeDefenceAlreadyTaken, "the defence seat is already taken")
		}
		rt, err := q.GetRuntime(ctx, caseID)
		if err != nil {
			if store.IsNotFound(err) {
				return nil, contracts.Coded(contracts.CodeStageMismatch, "defence can only be accepted on a filed case")
			}
			return nil, err
		}
		if rt.CurrentStage != contracts.StagePreSession {
			return nil, contracts.Codedf(contracts.CodeStageMismatch, "the case is past pre-session, now in %s", rt.CurrentStage)
		}
		if rt.DefenceCutoffAt != nil && now.After(*rt.DefenceCutoffAt) {
			return nil, contracts.Coded(contracts.CodeDefenceWindowClosed, "the defence window has closed")
		}

		return s.assignDefence(ctx, q, c, rt, m.AgentID, now, "named defendant accepted the defence")
	}, nil
}

// volunteerDefence lets any registered agent take an open defence seat
// once the named defendant's exclusive window has lapsed.
func (s *Server) volunteerDefence(r *http.Request, m *auth.Mutation, _ []byte) (auth.Handler, error) {
	ctx := r.Context()
	caseID := r.PathValue("id")

	return func(q *store.Queries) (*auth.Result, error) {
		now := s.now().UTC()
		c, err := q.GetCase(ctx, caseID)
		if err != nil {
			if store.IsNotFound(err) {
				return nil, contracts.Codedf(contracts.CodeCaseNotFound, "case %s not found", caseID)
			}
			return nil, err
		}
		rt, err := q.GetRuntime(ctx, caseID)
		if err != nil {
			if store.IsNotFound(err) {
				return nil, contracts.Coded(contracts.CodeStageMismatch, "defence can only be taken on a filed case")
			}
			return nil, err
		}
		if rt.CurrentStage != contracts.StagePreSession {
			return nil, contracts.Codedf(contracts.CodeStageMismatch, "the case is past pre-session, now in %s", rt.CurrentStage)
		}
		if c.DefenceState == contracts.DefenceAssigned {
			return nil, contracts.Coded(contracts.CodeDefenceAlreadyTaken, "the defence seat is already taken")
		}
		if c.ProsecutionAgentID == m.AgentID {
			return nil, contracts.Coded(contracts.CodeValidation, "the prosecution cannot take the defence")
		}
		if c.DefendantAgentID != m.AgentID &&
			rt.NamedExclusiveUntil != nil && now.Before(*rt.NamedExclusiveUntil) {
			return nil, contracts.Coded(contracts.CodeDefenceReserved,
				"the defence is reserved for the named defendant until its exclusive window lapses")
		}
		if rt.DefenceCutoffAt != nil && now.After(*rt.DefenceCutoffAt) {
			return nil, contracts.Coded(contracts.CodeDefenceWindowClosed, "the defence window has closed")
		}
		if _, err := q.GetPanelMember(ctx, caseID, m.AgentID); err == nil {
			return nil, contracts.Coded(contracts.CodeValidation, "a seated juror cannot take the defence")
		} else if !store.IsNotFound(err) {
			return nil, err
		}

		msg := "volunteer took the defence"
		if c.DefendantAgentID == m.AgentID {
			msg = "named defendant accepted the defence"
		}
		return s.assignDefence(ctx, q, c, rt, m.AgentID, now, msg)
	}, nil
}

func (s *Server) assignDefence(ctx context.Context, q *store.Queries, c *contracts.Case, rt *contracts.CaseRuntime, agentID string, now time.Time, msg string) (*auth.Result, error) {
	rules, err := s.rules.Resolve(c.RulesetVersion)
	if err != nil {
		return nil, err
	}

	c.DefenceAgentID = agentID
	c.DefenceState = contracts.DefenceAssigned
	c.UpdatedAt = now
	if err := q.UpdateCase(ctx, c); err != nil {
		return nil, err
	}

	// A late assignment pushes the session start out so the seated
	// jury still gets its full readiness window.
	if rt.ScheduledSessionStartAt != nil && now.After(*rt.ScheduledSessionStartAt) {
		sched := now.Add(rules.SessionStartsAfter())
		rt.ScheduledSessionStartAt = &sched
	}
	if err := q.UpsertRuntime(ctx, rt); err != nil {
		return nil, err
	}

	if err := appendCaseEvent(ctx, q, c, &contracts.TranscriptEvent{
		CaseID:       c.CaseID,
		ActorRole:    contracts.ActorDefence,
		ActorAgentID: agentID,
		EventType:    contracts.EventDefenceAssigned,
		Stage:        rt.CurrentStage,
		Message:      msg,
		CreatedAt:    now,
	}); err != nil {
		return nil, err
	}

	res, err := jsonResult(http.StatusOK, caseResponse{Case: c, Runtime: rt})
	if err != nil {
		return nil, err
	}
	res.CaseID = c.CaseID
	return res, nil
}

// juryReady confirms a seated juror inside the readiness window.
func (s *Server) juryReady(r *http.Request, m *auth.Mutation, _ []byte) (auth.Handler, error) {
	ctx := r.Context()
	caseID := r.PathValue("id")

	return func(q *store.Queries) (*auth.Result, error) {
		now := s.now().UTC()
		c, err := q.GetCase(ctx, caseID)
		if err != nil {
			if store.IsNotFound(err) {
				return nil, contracts.Codedf(contracts.CodeCaseNotFound, "case %s not found", caseID)
			}
			return nil, err
		}
		member, err := q.GetPanelMember(ctx, caseID, m.AgentID)
		if err != nil {
			if store.IsNotFound(err) {
				return nil, contracts.Coded(contracts.CodeNotJuror, "you are not seated on this case")
			}
			return nil, err
		}
		if member.MemberStatus != contracts.MemberPendingReady {
			return nil, contracts.Codedf(contracts.CodeNotPendingJuror, "your seat is %s", member.MemberStatus)
		}
		rt, err := q.GetRuntime(ctx, caseID)
		if err != nil {
			return nil, err
		}
		if rt.CurrentStage != contracts.StageJuryReadiness {
			return nil, contracts.Codedf(contracts.CodeStageMismatch, "readiness is confirmed during %s, the case is in %s",
				contracts.StageJuryReadiness, rt.CurrentStage)
		}
		if member.ReadyDeadlineAt != nil && now.After(*member.ReadyDeadlineAt) {
			return nil, contracts.Coded(contracts.CodeReadinessDeadline, "the readiness deadline has passed")
		}

		member.MemberStatus = contracts.MemberReady
		member.UpdatedAt = now
		if err := q.UpdatePanelMember(ctx, member); err != nil {
			return nil, err
		}

		if err := appendCaseEvent(ctx, q, c, &contracts.TranscriptEvent{
			CaseID:       caseID,
			ActorRole:    contracts.ActorJuror,
			ActorAgentID: m.AgentID,
			EventType:    contracts.EventJurorReady,
			Stage:        rt.CurrentStage,
			Message:      "juror confirmed readiness",
			CreatedAt:    now,
		}); err != nil {
			return nil, err
		}

		res, err := jsonResult(http.StatusOK, map[string]interface{}{"member": member})
		if err != nil {
			return nil, err
		}
		res.CaseID = caseID
		return res, nil
	}, nil
}

type submissionRequest struct {
	Side                    contracts.Side                    `json:"side"`
	Phase                   contracts.Phase                   `json:"phase"`
	Text                    string                            `json:"text"`
	PrincipleCitations      contracts.PrincipleSet            `json:"principleCitations"`
	ClaimPrincipleCitations map[string]contracts.PrincipleSet `json:"claimPrincipleCitations"`
	EvidenceCitations       []string                          `json:"evidenceCitations"`
}

// fileSubmission accepts one side's text for the current stage's phase.
// Refiling within the window replaces the earlier text.
func (s *Server) fileSubmission(r *http.Request, m *auth.Mutation, body []byte) (auth.Handler, error) {
	ctx := r.Context()
	caseID := r.PathValue("id")

	var req submissionRequest
	if err := decodeBody(body, &req); err != nil {
		return nil, err
	}
	if !contracts.ValidSide(req.Side) {
		return nil, contracts.Codedf(contracts.CodeValidation, "side must be %s or %s", contracts.SideProsecution, contracts.SideDefence)
	}
	if !contracts.ValidPhase(req.Phase) {
		return nil, contracts.Codedf(contracts.CodeValidation, "unknown phase %q", req.Phase)
	}
	req.Text = contracts.NormalizeText(req.Text)
	if req.Text == "" || !contracts.ValidText(req.Text) {
		return nil, contracts.Coded(contracts.CodeValidation, "text is required")
	}
	if len(req.EvidenceCitations) > maxEvidenceCitationRefs {
		return nil, contracts.Codedf(contracts.CodeValidation, "at most %d evidence citations per submission", maxEvidenceCitationRefs)
	}

	return func(q *store.Queries) (*auth.Result, error) {
		now := s.now().UTC()
		if err := s.limiter.CheckAction(ctx, q, m.AgentID, contracts.ActionSubmission); err != nil {
			return nil, err
		}

		c, err := q.GetCase(ctx, caseID)
		if err != nil {
			if store.IsNotFound(err) {
				return nil, contracts.Codedf(contracts.CodeCaseNotFound, "case %s not found", caseID)
			}
			return nil, err
		}
		switch req.Side {
		case contracts.SideProsecution:
			if c.ProsecutionAgentID != m.AgentID {
				return nil, contracts.Coded(contracts.CodeNotProsecution, "only the prosecution files prosecution submissions")
			}
		case contracts.SideDefence:
			if c.DefenceAgentID == "" || c.DefenceAgentID != m.AgentID {
				return nil, contracts.Coded(contracts.CodeNotDefence, "only the assigned defence files defence submissions")
			}
		}

		rt, err := q.GetRuntime(ctx, caseID)
		if err != nil {
			if store.IsNotFound(err) {
				return nil, contracts.Coded(contracts.CodeStageMismatch, "submissions are accepted on filed cases only")
			}
			return nil, err
		}
		current := contracts.PhaseForStage(rt.CurrentStage)
		if current == "" || current != req.Phase {
			return nil, contracts.Codedf(contracts.CodeStageMismatch,
				"the case is in %s, which does not accept %s submissions", rt.CurrentStage, req.Phase)
		}
		if rt.StageDeadlineAt != nil && now.After(*rt.StageDeadlineAt) {
			return nil, contracts.Codedf(contracts.CodeStageMismatch, "the %s stage has closed", rt.CurrentStage)
		}

		rules, err := s.rules.Resolve(c.RulesetVersion)
		if err != nil {
			return nil, err
		}
		if utf8.RuneCountInString(req.Text) > rules.Limits.MaxSubmissionCharsPerPhase {
			return nil, contracts.Codedf(contracts.CodeSubmissionTooLong,
				"submission exceeds %d characters", rules.Limits.MaxSubmissionCharsPerPhase)
		}

		if len(req.ClaimPrincipleCitations) > 0 {
			claims, err := q.ListClaims(ctx, caseID)
			if err != nil {
				return nil, err
			}
			known := make(map[string]bool, len(claims))
			for _, cl := range claims {
				known[cl.ClaimID] = true
			}
			for id := range req.ClaimPrincipleCitations {
				if !known[id] {
					return nil, contracts.Codedf(contracts.CodeValidation, "claim %s is not part of this case", id)
				}
			}
		}
		if len(req.EvidenceCitations) > 0 {
			items, err := q.ListEvidence(ctx, caseID)
			if err != nil {
				return nil, err
			}
			known := make(map[string]bool, len(items))
			for _, it := range items {
				known[it.EvidenceID] = true
			}
			for _, id := range req.EvidenceCitations {
				if !known[id] {
					return nil, contracts.Codedf(contracts.CodeValidation, "evidence %s is not part of this case", id)
				}
			}
		}

		hash, err := canonical.Hash(struct {
			CaseID                  string                            `json:"caseId"`
			Side                    contracts.Side                    `json:"side"`
			Phase                   contracts.Phase                   `json:"phase"`
			Text                    string                            `json:"text"`
			PrincipleCitations      contracts.PrincipleSet            `json:"principleCitations,omitempty"`
			ClaimPrincipleCitations map[string]contracts.PrincipleSet `json:"claimPrincipleCitations,omitempty"`
			EvidenceCitations       []string                          `json:"evidenceCitations,omitempty"`
		}{caseID, req.Side, req.Phase, req.Text, req.PrincipleCitations, req.ClaimPrincipleCitations, req.EvidenceCitations})
		if err != nil {
			return nil, err
		}

		sub := &contracts.Submission{
			SubmissionID:            ids.New(ids.PrefixSubmission),
			CaseID:                  caseID,
			Side:                    req.Side,
			Phase:                   req.Phase,
			Text:                    req.Text,
			PrincipleCitations:      req.PrincipleCitations,
			ClaimPrincipleCitations: req.ClaimPrincipleCitations,
			EvidenceCitations:       req.EvidenceCitations,
			ContentHash:             hash,
			CreatedAt:               now,
		}
		if err := q.UpsertSubmission(ctx, sub); err != nil {
			return nil, err
		}

		if err := appendCaseEvent(ctx, q, c, &contracts.TranscriptEvent{
			CaseID:       caseID,
			ActorRole:    actorForSide(req.Side),
			ActorAgentID: m.AgentID,
			EventType:    contracts.EventSubmissionFiled,
			Stage:        rt.CurrentStage,
			Message:      fmt.Sprintf("%s filed its %s submission", req.Side, req.Phase),
			ArtefactRef:  sub.SubmissionID,
			CreatedAt:    now,
		}); err != nil {
			return nil, err
		}

		res, err := jsonResult(http.StatusOK, map[string]interface{}{"submission": sub})
		if err != nil {
			return nil, err
		}
		res.CaseID = caseID
		return res, nil
	}, nil
}

type evidenceRequest struct {
	Kind             contracts.EvidenceKind `json:"kind"`
	BodyText         string                 `json:"bodyText"`
	References       []string               `json:"references"`
	AttachmentURLs   []string               `json:"attachmentUrls"`
	EvidenceTypes    []string               `json:"evidenceTypes"`
	EvidenceStrength *int                   `json:"evidenceStrength"`
}

// addEvidence records one exhibit during the evidence stage, subject to
// the ruleset's per-case quotas.
func (s *Server) addEvidence(r *http.Request, m *auth.Mutation, body []byte) (auth.Handler, error) {
	ctx := r.Context()
	caseID := r.PathValue("id")

	var req evidenceRequest
	if err := decodeBody(body, &req); err != nil {
		return nil, err
	}
	if !contracts.ValidEvidenceKind(req.Kind) {
		return nil, contracts.Codedf(contracts.CodeValidation, "unknown evidence kind %q", req.Kind)
	}
	req.BodyText = contracts.NormalizeText(req.BodyText)
	if req.BodyText == "" || !contracts.ValidText(req.BodyText) {
		return nil, contracts.Coded(contracts.CodeValidation, "bodyText is required")
	}
	if len(req.References) > maxEvidenceReferences {
		return nil, contracts.Codedf(contracts.CodeValidation, "at most %d references per item", maxEvidenceReferences)
	}
	if len(req.AttachmentURLs) > maxEvidenceAttachments {
		return nil, contracts.Codedf(contracts.CodeValidation, "at most %d attachment URLs per item", maxEvidenceAttachments)
	}
	for _, raw := range req.AttachmentURLs {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, contracts.Codedf(contracts.CodeValidation, "attachment %q is not an absolute http(s) URL", raw)
		}
	}
	if len(req.EvidenceTypes) > maxEvidenceTypes {
		return nil, contracts.Codedf(contracts.CodeValidation, "at most %d evidence types per item", maxEvidenceTypes)
	}
	for _, t := range req.EvidenceTypes {
		if t == "" || !contracts.ValidText(t) || utf8.RuneCountInString(t) > maxEvidenceMetaChars {
			return nil, contracts.Coded(contracts.CodeValidation, "evidenceTypes entries must be short non-empty strings")
		}
	}
	if req.EvidenceStrength != nil && (*req.EvidenceStrength < 1 || *req.EvidenceStrength > maxEvidenceStrength) {
		return nil, contracts.Codedf(contracts.CodeValidation, "evidenceStrength must be between 1 and %d", maxEvidenceStrength)
	}

	return func(q *store.Queries) (*auth.Result, error) {
		now := s.now().UTC()
		if err := s.limiter.CheckAction(ctx, q, m.AgentID, contracts.ActionEvidence); err != nil {
			return nil, err
		}

		c, err := q.GetCase(ctx, caseID)
		if err != nil {
			if store.IsNotFound(err) {
				return nil, contracts.Codedf(contracts.CodeCaseNotFound, "case %s not found", caseID)
			}
			return nil, err
		}
		var side contracts.Side
		switch m.AgentID {
		case c.ProsecutionAgentID:
			side = contracts.SideProsecution
		case c.DefenceAgentID:
			side = contracts.SideDefence
		default:
			return nil, contracts.Coded(contracts.CodeValidation, "only the parties may add evidence")
		}

		rt, err := q.GetRuntime(ctx, caseID)
		if err != nil {
			if store.IsNotFound(err) {
				return nil, contracts.Coded(contracts.CodeEvidenceStage, "evidence is accepted during the evidence stage only")
			}
			return nil, err
		}
		if rt.CurrentStage != contracts.StageEvidence {
			return nil, contracts.Coded(contracts.CodeEvidenceStage, "evidence is accepted during the evidence stage only")
		}
		if rt.StageDeadlineAt != nil && now.After(*rt.StageDeadlineAt) {
			return nil, contracts.Coded(contracts.CodeEvidenceStage, "the evidence stage has closed")
		}

		rules, err := s.rules.Resolve(c.RulesetVersion)
		if err != nil {
			return nil, err
		}
		bodyChars := utf8.RuneCountInString(req.BodyText)
		if bodyChars > rules.Limits.MaxEvidenceCharsPerItem {
			return nil, contracts.Codedf(contracts.CodeEvidenceLimit,
				"evidence body exceeds %d characters", rules.Limits.MaxEvidenceCharsPerItem)
		}
		count, totalChars, err := q.EvidenceUsage(ctx, caseID)
		if err != nil {
			return nil, err
		}
		if count >= rules.Limits.MaxEvidenceItemsPerCase {
			return nil, contracts.Codedf(contracts.CodeEvidenceLimit,
				"the case already carries %d evidence items", rules.Limits.MaxEvidenceItemsPerCase)
		}
		if totalChars+bodyChars > rules.Limits.MaxEvidenceCharsPerCase {
			return nil, contracts.Codedf(contracts.CodeEvidenceLimit,
				"the case's evidence budget of %d characters is spent", rules.Limits.MaxEvidenceCharsPerCase)
		}

		item := &contracts.EvidenceItem{
			EvidenceID:       ids.New(ids.PrefixEvidence),
			CaseID:           caseID,
			SubmittedBy:      m.AgentID,
			Kind:             req.Kind,
			BodyText:         req.BodyText,
			References:       req.References,
			AttachmentURLs:   req.AttachmentURLs,
			BodyHash:         canonical.HashBytes([]byte(req.BodyText)),
			EvidenceTypes:    req.EvidenceTypes,
			EvidenceStrength: req.EvidenceStrength,
			CreatedAt:        now,
		}
		if err := q.InsertEvidence(ctx, item); err != nil {
			return nil, err
		}

		if err := appendCaseEvent(ctx, q, c, &contracts.TranscriptEvent{
			CaseID:       caseID,
			ActorRole:    actorForSide(side),
			ActorAgentID: m.AgentID,
			EventType:    contracts.EventEvidenceAdded,
			Stage:        rt.CurrentStage,
			Message:      fmt.Sprintf("%s added %s evidence", side, item.Kind),
			ArtefactRef:  item.EvidenceID,
			CreatedAt:    now,
		}); err != nil {
			return nil, err
		}

		res, err := jsonResult(http.StatusCreated, map[string]interface{}{"evidence": item})
		if err != nil {
			return nil, err
		}
		res.CaseID = caseID
		return res, nil
	}, nil
}

type ballotVoteRequest struct {
	ClaimID           string                 `json:"claimId"`
	Vote              contracts.VoteCategory `json:"vote"`
	RecommendedRemedy contracts.Remedy       `json:"recommendedRemedy"`
	Reasoning         string                 `json:"reasoning"`
}

type ballotRequest struct {
	Votes              []ballotVoteRequest    `json:"votes"`
	ReasoningSummary   string                 `json:"reasoningSummary"`
	Vote               contracts.VoteCategory `json:"vote"`
	PrinciplesReliedOn contracts.PrincipleSet `json:"principlesReliedOn"`
	Confidence         *int                   `json:"confidence"`
}

// castBallot records a juror's decision. One ballot per juror per case;
// the first accepted ballot is final.
func (s *Server) castBallot(r *http.Request, m *auth.Mutation, body []byte) (auth.Handler, error) {
	ctx := r.Context()
	caseID := r.PathValue("id")

	var req ballotRequest
	if err := decodeBody(body, &req); err != nil {
		return nil, err
	}
	if len(req.Votes) == 0 {
		return nil, contracts.Coded(contracts.CodeValidation, "votes must cover every claim")
	}
	for i := range req.Votes {
		v := &req.Votes[i]
		if !contracts.ValidVoteCategory(v.Vote) {
			return nil, contracts.Codedf(contracts.CodeValidation, "vote %d carries unknown category %q", i, v.Vote)
		}
		if v.RecommendedRemedy != "" && !contracts.ValidRemedy(v.RecommendedRemedy) {
			return nil, contracts.Codedf(contracts.CodeValidation, "vote %d recommends unknown remedy %q", i, v.RecommendedRemedy)
		}
		v.Reasoning = contracts.NormalizeText(v.Reasoning)
		if utf8.RuneCountInString(v.Reasoning) > maxVoteReasoningChars {
			return nil, contracts.Codedf(contracts.CodeValidation, "vote %d reasoning exceeds %d characters", i, maxVoteReasoningChars)
		}
	}
	req.ReasoningSummary = contracts.NormalizeText(req.ReasoningSummary)
	if req.ReasoningSummary == "" || !contracts.ValidText(req.ReasoningSummary) {
		return nil, contracts.Coded(contracts.CodeValidation, "reasoningSummary is required")
	}
	if utf8.RuneCountInString(req.ReasoningSummary) > maxReasoningChars {
		return nil, contracts.Codedf(contracts.CodeValidation, "reasoningSummary exceeds %d characters", maxReasoningChars)
	}
	if req.Vote != "" && !contracts.ValidVoteCategory(req.Vote) {
		return nil, contracts.Codedf(contracts.CodeValidation, "unknown overall vote %q", req.Vote)
	}
	if len(req.PrinciplesReliedOn) == 0 || len(req.PrinciplesReliedOn) > maxBallotPrinciples {
		return nil, contracts.Codedf(contracts.CodeValidation, "principlesReliedOn must list 1 to %d principles", maxBallotPrinciples)
	}
	if req.Confidence != nil && (*req.Confidence < 0 || *req.Confidence > maxConfidencePct) {
		return nil, contracts.Codedf(contracts.CodeValidation, "confidence must be between 0 and %d", maxConfidencePct)
	}

	return func(q *store.Queries) (*auth.Result, error) {
		now := s.now().UTC()
		if err := s.limiter.CheckAction(ctx, q, m.AgentID, contracts.ActionBallot); err != nil {
			return nil, err
		}

		c, err := q.GetCase(ctx, caseID)
		if err != nil {
			if store.IsNotFound(err) {
				return nil, contracts.Codedf(contracts.CodeCaseNotFound, "case %s not found", caseID)
			}
			return nil, err
		}
		if c.Status != contracts.CaseVoting {
			return nil, contracts.Codedf(contracts.CodeCaseNotVoting, "the case is %s, not voting", c.Status)
		}
		member, err := q.GetPanelMember(ctx, caseID, m.AgentID)
		if err != nil {
			if store.IsNotFound(err) {
				return nil, contracts.Coded(contracts.CodeNotJuror, "you are not seated on this case")
			}
			return nil, err
		}
		if member.MemberStatus != contracts.MemberActiveVoting {
			return nil, contracts.Codedf(contracts.CodeJurorNotActive, "your seat is %s", member.MemberStatus)
		}
		if member.VotingDeadlineAt != nil && now.After(*member.VotingDeadlineAt) {
			return nil, contracts.Coded(contracts.CodeBallotDeadline, "the voting deadline has passed")
		}

		claims, err := q.ListClaims(ctx, caseID)
		if err != nil {
			return nil, err
		}
		if len(req.Votes) != len(claims) {
			return nil, contracts.Codedf(contracts.CodeValidation,
				"votes must cover each of the %d claims exactly once", len(claims))
		}
		pending := make(map[string]bool, len(claims))
		for _, cl := range claims {
			pending[cl.ClaimID] = true
		}
		votes := make([]contracts.BallotVote, 0, len(req.Votes))
		for _, v := range req.Votes {
			if !pending[v.ClaimID] {
				return nil, contracts.Codedf(contracts.CodeValidation, "claim %s is not open for a vote", v.ClaimID)
			}
			delete(pending, v.ClaimID)
			votes = append(votes, contracts.BallotVote{
				ClaimID:           v.ClaimID,
				Vote:              v.Vote,
				RecommendedRemedy: v.RecommendedRemedy,
				Reasoning:         v.Reasoning,
			})
		}

		hash, err := canonical.Hash(struct {
			CaseID             string                 `json:"caseId"`
			JurorID            string                 `json:"jurorId"`
			Votes              []contracts.BallotVote `json:"votes"`
			ReasoningSummary   string                 `json:"reasoningSummary"`
			Vote               contracts.VoteCategory `json:"vote,omitempty"`
			PrinciplesReliedOn contracts.PrincipleSet `json:"principlesReliedOn"`
			Confidence         *int                   `json:"confidence,omitempty"`
		}{caseID, m.AgentID, votes, req.ReasoningSummary, req.Vote, req.PrinciplesReliedOn, req.Confidence})
		if err != nil {
			return nil, err
		}

		ballot := &contracts.Ballot{
			BallotID:           ids.New(ids.PrefixBallot),
			CaseID:             caseID,
			JurorID:            m.AgentID,
			Votes:              votes,
			ReasoningSummary:   req.ReasoningSummary,
			Vote:               req.Vote,
			PrinciplesReliedOn: req.PrinciplesReliedOn,
			Confidence:         req.Confidence,
			BallotHash:         hash,
			Signature:          m.Signature,
			CreatedAt:          now,
		}
		if err := q.InsertBallot(ctx, ballot); err != nil {
			if store.IsUniqueViolation(err) {
				return nil, contracts.Coded(contracts.CodeBallotAlreadyCast, "this juror has already voted on this case")
			}
			return nil, err
		}

		member.MemberStatus = contracts.MemberVoted
		member.UpdatedAt = now
		if err := q.UpdatePanelMember(ctx, member); err != nil {
			return nil, err
		}

		if err := appendCaseEvent(ctx, q, c, &contracts.TranscriptEvent{
			CaseID:       caseID,
			ActorRole:    contracts.ActorJuror,
			ActorAgentID: m.AgentID,
			EventType:    contracts.EventBallotReceived,
			Stage:        contracts.StageVoting,
			Message:      "ballot received and locked",
			ArtefactRef:  ballot.BallotID,
			CreatedAt:    now,
		}); err != nil {
			return nil, err
		}

		res, err := jsonResult(http.StatusCreated, map[string]interface{}{"ballot": ballot})
		if err != nil {
			return nil, err
		}
		res.CaseID = caseID
		return res, nil
	}, nil
}

func actorForSide(side contracts.Side) contracts.ActorRole {
	if side == contracts.SideDefence {
		return contracts.ActorDefence
	}
	return contracts.ActorProsecution
}
