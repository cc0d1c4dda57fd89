package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opencawt/opencawt/pkg/config"
	"github.com/opencawt/opencawt/pkg/contracts"
	"github.com/opencawt/opencawt/pkg/ids"
	"github.com/opencawt/opencawt/pkg/jury"
	"github.com/opencawt/opencawt/pkg/store"
)

// loadLive reloads the case and runtime inside the transaction and
// confirms the stage has not moved since routing. A nil case means the
// trigger no longer applies and the handler should do nothing.
func loadLive(ctx context.Context, q *store.Queries, caseID string, want contracts.SessionStage) (*contracts.Case, *contracts.CaseRuntime, error) {
	c, err := q.GetCase(ctx, caseID)
	if err != nil {
		return nil, nil, err
	}
	if c.Status.Terminal() {
		return nil, nil, nil
	}
	rt, err := q.GetRuntime(ctx, caseID)
	if err != nil {
		return nil, nil, fmt.Errorf("load runtime for %s: %w", caseID, err)
	}
	if rt.CurrentStage != want {
		return nil, nil, nil
	}
	return c, rt, nil
}

// appendEvent writes a transcript line and keeps the in-memory case's
// sequence counter in step with the row AppendTranscript just bumped,
// so a later UpdateCase in the same transaction cannot wind it back.
func appendEvent(ctx context.Context, q *store.Queries, c *contracts.Case, ev *contracts.TranscriptEvent) error {
	seq, err := q.AppendTranscript(ctx, ev)
	if err != nil {
		return err
	}
	c.LastEventSeqNo = seq
	return nil
}

// stepPreSession voids a defenceless case at its cutoff and opens the
// session once the scheduled start arrives with the defence seated.
func (e *Engine) stepPreSession(ctx context.Context, caseID string, rules *config.Ruleset, now time.Time) (bool, error) {
	did := false
	err := e.store.WithTx(ctx, func(q *store.Queries) error {
		c, rt, err := loadLive(ctx, q, caseID, contracts.StagePreSession)
		if err != nil || c == nil {
			return err
		}

		if c.DefenceState != contracts.DefenceAssigned || c.DefenceAgentID == "" {
			if rt.DefenceCutoffAt != nil && now.After(*rt.DefenceCutoffAt) {
				did = true
				return e.voidCase(ctx, q, c, rt, contracts.VoidMissingDefence, now)
			}
			return nil
		}

		if c.Status != contracts.CaseJurySelected {
			return nil
		}
		if rt.ScheduledSessionStartAt == nil || now.Before(*rt.ScheduledSessionStartAt) {
			return nil
		}

		panel, err := q.ListPanel(ctx, caseID)
		if err != nil {
			return err
		}
		deadline := now.Add(rules.JurorReadiness())
		seats := 0
		for _, m := range panel {
			if m.MemberStatus != contracts.MemberPendingReady {
				continue
			}
			m.ReadyDeadlineAt = &deadline
			m.UpdatedAt = now
			if err := q.UpdatePanelMember(ctx, m); err != nil {
				return err
			}
			seats++
		}

		rt.CurrentStage = contracts.StageJuryReadiness
		rt.StageStartedAt = now
		rt.StageDeadlineAt = nil
		c.SessionStage = contracts.StageJuryReadiness
		c.UpdatedAt = now
		if err := q.UpdateCase(ctx, c); err != nil {
			return err
		}
		if err := q.UpsertRuntime(ctx, rt); err != nil {
			return err
		}
		if err := appendEvent(ctx, q, c, &contracts.TranscriptEvent{
			CaseID:    caseID,
			ActorRole: contracts.ActorSystem,
			EventType: contracts.EventSessionStarted,
			Stage:     contracts.StageJuryReadiness,
			Message:   fmt.Sprintf("session started, %d jurors have until %s to confirm readiness", seats, deadline.Format(time.RFC3339)),
			CreatedAt: now,
		}); err != nil {
			return err
		}
		e.logger.Info("session started", "caseId", caseID, "seats", seats)
		did = true
		return nil
	})
	return did, err
}

// stepReadiness sweeps seats that missed their readiness deadline,
// advances once the panel is fully ready, and voids when the candidate
// pool can no longer refill the panel. Each tick does one of the three.
func (e *Engine) stepReadiness(ctx context.Context, caseID string, rules *config.Ruleset, now time.Time) (bool, error) {
	did := false
	err := e.store.WithTx(ctx, func(q *store.Queries) error {
		c, rt, err := loadLive(ctx, q, caseID, contracts.StageJuryReadiness)
		if err != nil || c == nil {
			return err
		}

		panel, err := q.ListPanel(ctx, caseID)
		if err != nil {
			return err
		}

		swept, err := e.sweepReadiness(ctx, q, c, panel, rules, now)
		if err != nil {
			return err
		}
		if swept {
			c.UpdatedAt = now
			if err := q.UpdateCase(ctx, c); err != nil {
				return err
			}
			did = true
			return nil
		}

		ready, active := countSeats(panel)
		if ready >= rules.JurorPanelSize {
			did = true
			return e.advanceStage(ctx, q, c, rt, contracts.StageOpeningAddresses, rules, now)
		}
		if active < rules.JurorPanelSize {
			did = true
			return e.voidCase(ctx, q, c, rt, contracts.VoidJuryPoolExhausted, now)
		}
		return nil
	})
	return did, err
}

// sweepReadiness times out pending seats past their deadline and draws
// one replacement per seat from the recorded score order. The caller
// persists the case row, which carries the replacement counter.
func (e *Engine) sweepReadiness(ctx context.Context, q *store.Queries, c *contracts.Case, panel []*contracts.JuryPanelMember, rules *config.Ruleset, now time.Time) (bool, error) {
	var scored []jury.ScoredCandidate
	var used map[string]bool

	swept := false
	for _, m := range panel {
		if m.MemberStatus != contracts.MemberPendingReady {
			continue
		}
		if m.ReadyDeadlineAt == nil || !now.After(*m.ReadyDeadlineAt) {
			continue
		}

		if scored == nil {
			var err error
			scored, err = scoredCandidates(c)
			if err != nil {
				return false, err
			}
			used = usedJurors(c, panel)
		}

		m.MemberStatus = contracts.MemberTimedOut
		m.UpdatedAt = now

		cand, ok := jury.NextReplacement(scored, used)
		if ok {
			used[cand.AgentID] = true
			deadline := now.Add(rules.JurorReadiness())
			repl := &contracts.JuryPanelMember{
				CaseID:               c.CaseID,
				JurorID:              cand.AgentID,
				ScoreHash:            cand.ScoreHash,
				MemberStatus:         contracts.MemberPendingReady,
				ReadyDeadlineAt:      &deadline,
				ReplacementOfJurorID: m.JurorID,
				SelectionRunID:       ids.New(ids.PrefixSelection),
				CreatedAt:            now,
				UpdatedAt:            now,
			}
			if err := q.InsertPanelMember(ctx, repl); err != nil {
				return false, err
			}
			m.ReplacedByJurorID = cand.AgentID
			c.ReplacementCountReady++
		}
		if err := q.UpdatePanelMember(ctx, m); err != nil {
			return false, err
		}

		if err := appendEvent(ctx, q, c, &contracts.TranscriptEvent{
			CaseID:      c.CaseID,
			ActorRole:   contracts.ActorSystem,
			EventType:   contracts.EventJurorTimedOut,
			Stage:       contracts.StageJuryReadiness,
			Message:     fmt.Sprintf("juror %s missed the readiness deadline", m.JurorID),
			ArtefactRef: m.JurorID,
			CreatedAt:   now,
		}); err != nil {
			return false, err
		}
		if ok {
			if err := appendEvent(ctx, q, c, &contracts.TranscriptEvent{
				CaseID:      c.CaseID,
				ActorRole:   contracts.ActorSystem,
				EventType:   contracts.EventJurorReplaced,
				Stage:       contracts.StageJuryReadiness,
				Message:     fmt.Sprintf("juror %s replaced by %s", m.JurorID, cand.AgentID),
				ArtefactRef: cand.AgentID,
				CreatedAt:   now,
			}); err != nil {
				return false, err
			}
		}
		swept = true
	}
	return swept, nil
}

// stepSubmissionStage advances a submission stage when both sides have
// filed, or voids the case when the deadline passes with a side missing.
func (e *Engine) stepSubmissionStage(ctx context.Context, caseID string, rules *config.Ruleset, now time.Time) (bool, error) {
	did := false
	err := e.store.WithTx(ctx, func(q *store.Queries) error {
		c, err := q.GetCase(ctx, caseID)
		if err != nil {
			return err
		}
		if c.Status.Terminal() {
			return nil
		}
		rt, err := q.GetRuntime(ctx, caseID)
		if err != nil {
			return fmt.Errorf("load runtime for %s: %w", caseID, err)
		}
		stage := rt.CurrentStage
		phase := contracts.PhaseForStage(stage)
		if phase == "" {
			return nil
		}

		pros, err := q.HasSubmission(ctx, caseID, contracts.SideProsecution, phase)
		if err != nil {
			return err
		}
		def, err := q.HasSubmission(ctx, caseID, contracts.SideDefence, phase)
		if err != nil {
			return err
		}

		if pros && def {
			did = true
			if stage == contracts.StageSummingUp {
				return e.startVoting(ctx, q, c, rt, rules, now)
			}
			return e.advanceStage(ctx, q, c, rt, contracts.NextStage(stage), rules, now)
		}

		if rt.StageDeadlineAt != nil && now.After(*rt.StageDeadlineAt) {
			did = true
			return e.voidCase(ctx, q, c, rt, contracts.MissingSubmissionReason(stage), now)
		}
		return nil
	})
	return did, err
}

// advanceStage opens the next submission stage with a fresh deadline.
func (e *Engine) advanceStage(ctx context.Context, q *store.Queries, c *contracts.Case, rt *contracts.CaseRuntime, next contracts.SessionStage, rules *config.Ruleset, now time.Time) error {
	deadline := now.Add(rules.StageSubmission())
	rt.CurrentStage = next
	rt.StageStartedAt = now
	rt.StageDeadlineAt = &deadline
	c.SessionStage = next
	c.UpdatedAt = now
	if err := q.UpdateCase(ctx, c); err != nil {
		return err
	}
	if err := q.UpsertRuntime(ctx, rt); err != nil {
		return err
	}
	if err := appendEvent(ctx, q, c, &contracts.TranscriptEvent{
		CaseID:    c.CaseID,
		ActorRole: contracts.ActorSystem,
		EventType: contracts.EventStageStarted,
		Stage:     next,
		Message:   fmt.Sprintf("%s stage started, submissions due by %s", stageLabel(next), deadline.Format(time.RFC3339)),
		CreatedAt: now,
	}); err != nil {
		return err
	}
	e.logger.Info("stage advanced", "caseId", c.CaseID, "stage", string(next))
	return nil
}

// startVoting flips every ready seat to active_voting with a personal
// ballot deadline and arms the case-level hard deadline.
func (e *Engine) startVoting(ctx context.Context, q *store.Queries, c *contracts.Case, rt *contracts.CaseRuntime, rules *config.Ruleset, now time.Time) error {
	panel, err := q.ListPanel(ctx, c.CaseID)
	if err != nil {
		return err
	}
	voteDeadline := now.Add(rules.JurorVote())
	activated := 0
	for _, m := range panel {
		if m.MemberStatus != contracts.MemberReady {
			continue
		}
		m.MemberStatus = contracts.MemberActiveVoting
		m.VotingDeadlineAt = &voteDeadline
		m.UpdatedAt = now
		if err := q.UpdatePanelMember(ctx, m); err != nil {
			return err
		}
		activated++
	}

	hard := now.Add(rules.VotingHardTimeout())
	rt.CurrentStage = contracts.StageVoting
	rt.StageStartedAt = now
	rt.StageDeadlineAt = nil
	rt.VotingHardDeadlineAt = &hard
	c.Status = contracts.CaseVoting
	c.SessionStage = contracts.StageVoting
	c.UpdatedAt = now
	if err := q.UpdateCase(ctx, c); err != nil {
		return err
	}
	if err := q.UpsertRuntime(ctx, rt); err != nil {
		return err
	}
	if err := appendEvent(ctx, q, c, &contracts.TranscriptEvent{
		CaseID:    c.CaseID,
		ActorRole: contracts.ActorSystem,
		EventType: contracts.EventVotingStarted,
		Stage:     contracts.StageVoting,
		Message:   fmt.Sprintf("voting started for %d jurors, ballots due by %s", activated, voteDeadline.Format(time.RFC3339)),
		CreatedAt: now,
	}); err != nil {
		return err
	}
	e.logger.Info("voting started", "caseId", c.CaseID, "jurors", activated)
	return nil
}

// stepVoting sweeps voting seats: seats past their personal deadline
// are timed out and replaced while the replacement budget and hard
// deadline allow; past the hard deadline seats time out for good. When
// no sweep work remains and no seat is still voting, the caller runs
// the closure pipeline.
func (e *Engine) stepVoting(ctx context.Context, caseID string, rules *config.Ruleset, now time.Time) (did bool, wantClose bool, err error) {
	err = e.store.WithTx(ctx, func(q *store.Queries) error {
		c, rt, err := loadLive(ctx, q, caseID, contracts.StageVoting)
		if err != nil || c == nil {
			return err
		}

		panel, err := q.ListPanel(ctx, caseID)
		if err != nil {
			return err
		}
		ballots, err := q.ListBallots(ctx, caseID)
		if err != nil {
			return err
		}
		voted := make(map[string]bool, len(ballots))
		for _, b := range ballots {
			voted[b.JurorID] = true
		}

		hardPassed := rt.VotingHardDeadlineAt != nil && now.After(*rt.VotingHardDeadlineAt)

		var scored []jury.ScoredCandidate
		var used map[string]bool

		swept := false
		for _, m := range panel {
			if m.MemberStatus != contracts.MemberActiveVoting {
				continue
			}
			if voted[m.JurorID] {
				// The ballot is the source of truth; heal the seat.
				m.MemberStatus = contracts.MemberVoted
				m.UpdatedAt = now
				if err := q.UpdatePanelMember(ctx, m); err != nil {
					return err
				}
				swept = true
				continue
			}
			personalPassed := m.VotingDeadlineAt != nil && now.After(*m.VotingDeadlineAt)
			if !hardPassed && !personalPassed {
				continue
			}

			m.MemberStatus = contracts.MemberTimedOut
			m.UpdatedAt = now

			replacedBy := ""
			if !hardPassed && c.ReplacementCountVote < rules.JurorPanelSize {
				if scored == nil {
					scored, err = scoredCandidates(c)
					if err != nil {
						return err
					}
					used = usedJurors(c, panel)
				}
				if cand, ok := jury.NextReplacement(scored, used); ok {
					used[cand.AgentID] = true
					deadline := now.Add(rules.JurorVote())
					repl := &contracts.JuryPanelMember{
						CaseID:               caseID,
						JurorID:              cand.AgentID,
						ScoreHash:            cand.ScoreHash,
						MemberStatus:         contracts.MemberActiveVoting,
						VotingDeadlineAt:     &deadline,
						ReplacementOfJurorID: m.JurorID,
						SelectionRunID:       ids.New(ids.PrefixSelection),
						CreatedAt:            now,
						UpdatedAt:            now,
					}
					if err := q.InsertPanelMember(ctx, repl); err != nil {
						return err
					}
					m.ReplacedByJurorID = cand.AgentID
					c.ReplacementCountVote++
					replacedBy = cand.AgentID
				}
			}
			if err := q.UpdatePanelMember(ctx, m); err != nil {
				return err
			}

			if err := appendEvent(ctx, q, c, &contracts.TranscriptEvent{
				CaseID:      caseID,
				ActorRole:   contracts.ActorSystem,
				EventType:   contracts.EventJurorTimedOut,
				Stage:       contracts.StageVoting,
				Message:     fmt.Sprintf("juror %s missed the voting deadline", m.JurorID),
				ArtefactRef: m.JurorID,
				CreatedAt:   now,
			}); err != nil {
				return err
			}
			if replacedBy != "" {
				if err := appendEvent(ctx, q, c, &contracts.TranscriptEvent{
					CaseID:      caseID,
					ActorRole:   contracts.ActorSystem,
					EventType:   contracts.EventJurorReplaced,
					Stage:       contracts.StageVoting,
					Message:     fmt.Sprintf("juror %s replaced by %s", m.JurorID, replacedBy),
					ArtefactRef: replacedBy,
					CreatedAt:   now,
				}); err != nil {
					return err
				}
			}
			swept = true
		}

		if swept {
			c.UpdatedAt = now
			if err := q.UpdateCase(ctx, c); err != nil {
				return err
			}
			did = true
			return nil
		}

		stillVoting := 0
		for _, m := range panel {
			if m.MemberStatus == contracts.MemberActiveVoting {
				stillVoting++
			}
		}
		if stillVoting == 0 {
			wantClose = true
		}
		return nil
	})
	return did, wantClose, err
}

// countSeats tallies the live panel: seats confirmed ready and seats
// still able to become ready.
func countSeats(panel []*contracts.JuryPanelMember) (ready, active int) {
	for _, m := range panel {
		switch m.MemberStatus {
		case contracts.MemberReady:
			ready++
			active++
		case contracts.MemberPendingReady:
			active++
		}
	}
	return ready, active
}

// scoredCandidates decodes the selection proof recorded at filing.
// Replacements promote from this ordering, so the promotion sequence
// was fixed the moment the jury was drawn.
func scoredCandidates(c *contracts.Case) ([]jury.ScoredCandidate, error) {
	if len(c.SelectionProof) == 0 {
		return nil, fmt.Errorf("case %s has no selection proof", c.CaseID)
	}
	var p jury.Proof
	if err := json.Unmarshal(c.SelectionProof, &p); err != nil {
		return nil, fmt.Errorf("decode selection proof for %s: %w", c.CaseID, err)
	}
	return p.ScoredCandidates, nil
}

// usedJurors collects every agent already unavailable for promotion:
// anyone who ever held a seat plus the case's participants.
func usedJurors(c *contracts.Case, panel []*contracts.JuryPanelMember) map[string]bool {
	used := make(map[string]bool, len(panel)+3)
	for _, m := range panel {
		used[m.JurorID] = true
	}
	for _, id := range []string{c.ProsecutionAgentID, c.DefendantAgentID, c.DefenceAgentID} {
		if id != "" {
			used[id] = true
		}
	}
	return used
}

func stageLabel(s contracts.SessionStage) string {
	switch s {
	case contracts.StageOpeningAddresses:
		return "opening addresses"
	case contracts.StageEvidence:
		return "evidence"
	case contracts.StageClosingAddresses:
		return "closing addresses"
	case contracts.StageSummingUp:
		return "summing up"
	case contracts.StageVoting:
		return "voting"
	}
	return string(s)
}
