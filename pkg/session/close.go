package session

import (
	"context"
	"fmt"
	"time"

	"github.com/opencawt/opencawt/pkg/config"
	"github.com/opencawt/opencawt/pkg/contracts"
	"github.com/opencawt/opencawt/pkg/seal"
	"github.com/opencawt/opencawt/pkg/store"
	"github.com/opencawt/opencawt/pkg/verdict"
)

// closeCase runs the closure pipeline: quorum check, verdict, claim
// outcomes, stats, and the seal job, all in one transaction. The
// process-local lock stops two ticks racing the same case; across
// processes the terminal-status re-check inside the transaction keeps
// closure idempotent.
func (e *Engine) closeCase(ctx context.Context, caseID string, rules *config.Ruleset, now time.Time) (bool, error) {
	if !e.beginClose(caseID) {
		return false, nil
	}
	defer e.endClose(caseID)

	did := false
	err := e.store.WithTx(ctx, func(q *store.Queries) error {
		c, rt, err := loadLive(ctx, q, caseID, contracts.StageVoting)
		if err != nil || c == nil {
			return err
		}

		ballots, err := q.ListBallots(ctx, caseID)
		if err != nil {
			return err
		}
		quorum := rules.JurorPanelSize/2 + 1
		if len(ballots) < quorum {
			did = true
			return e.voidCase(ctx, q, c, rt, contracts.VoidVotingTimeout, now)
		}

		claims, err := q.ListClaims(ctx, caseID)
		if err != nil {
			return err
		}
		subs, err := q.ListSubmissions(ctx, caseID)
		if err != nil {
			return err
		}
		subHashes := make(map[string]string, len(subs))
		for _, s := range subs {
			subHashes[string(s.Side)+":"+string(s.Phase)] = s.ContentHash
		}
		evidence, err := q.ListEvidence(ctx, caseID)
		if err != nil {
			return err
		}
		evHashes := make([]string, 0, len(evidence))
		for _, item := range evidence {
			evHashes = append(evHashes, item.BodyHash)
		}

		v, err := verdict.Decide(&verdict.Inputs{
			CaseID:             caseID,
			ProsecutionAgentID: c.ProsecutionAgentID,
			DefenceAgentID:     c.DefenceAgentID,
			JurySize:           rules.JurorPanelSize,
			Claims:             claims,
			Ballots:            ballots,
			DrandRound:         c.DrandRound,
			DrandRandomness:    c.DrandRandomness,
			PoolSnapshotHash:   c.PoolSnapshotHash,
			SelectionProof:     c.SelectionProof,
			SubmissionHashes:   subHashes,
			EvidenceHashes:     evHashes,
			ClosedAt:           now,
		})
		if err != nil {
			return fmt.Errorf("decide verdict for %s: %w", caseID, err)
		}
		for _, t := range v.Tallies {
			if err := q.UpdateClaimOutcome(ctx, t.ClaimID, t.Outcome); err != nil {
				return err
			}
		}
		c.VerdictHash = v.Hash
		c.VerdictBundle = v.Bundle

		// An inconclusive tally voids the case, but the tallies and
		// bundle computed above stay on record.
		if v.Overall == verdict.OverallInconclusive {
			did = true
			return e.voidCase(ctx, q, c, rt, contracts.VoidInconclusive, now)
		}

		outcome := contracts.OutcomeForDefence
		if v.Overall == verdict.OverallForProsecution {
			outcome = contracts.OutcomeForProsecution
		}
		c.Status = contracts.CaseClosed
		c.SessionStage = contracts.StageClosed
		c.Outcome = outcome
		c.ClosedAt = &now
		c.SealStatus = contracts.SealPending
		c.UpdatedAt = now
		rt.CurrentStage = contracts.StageClosed
		if err := q.UpdateCase(ctx, c); err != nil {
			return err
		}
		if err := q.UpsertRuntime(ctx, rt); err != nil {
			return err
		}
		if err := appendEvent(ctx, q, c, &contracts.TranscriptEvent{
			CaseID:      caseID,
			ActorRole:   contracts.ActorSystem,
			EventType:   contracts.EventCaseClosed,
			Stage:       contracts.StageClosed,
			Message:     fmt.Sprintf("case closed %s, %d ballots", outcome, len(ballots)),
			ArtefactRef: v.Hash,
			CreatedAt:   now,
		}); err != nil {
			return err
		}
		if _, err := seal.Enqueue(ctx, q, seal.BuildCaseRequest(c, e.baseURL), now); err != nil {
			return fmt.Errorf("enqueue seal for %s: %w", caseID, err)
		}
		if err := e.recordResolution(ctx, q, c, ballots, now); err != nil {
			return err
		}
		e.logger.Info("case closed",
			"caseId", caseID,
			"outcome", string(outcome),
			"ballots", len(ballots),
			"verdictHash", v.Hash)
		did = true
		return nil
	})
	return did, err
}

// voidCase moves the case to its terminal void state. A void case
// records sealStatus=failed; no seal job is created.
func (e *Engine) voidCase(ctx context.Context, q *store.Queries, c *contracts.Case, rt *contracts.CaseRuntime, reason contracts.VoidReason, now time.Time) error {
	c.Status = contracts.CaseVoid
	c.SessionStage = contracts.StageVoid
	c.Outcome = contracts.OutcomeVoid
	c.SealStatus = contracts.SealFailed
	c.ClosedAt = &now
	c.UpdatedAt = now
	rt.CurrentStage = contracts.StageVoid
	rt.VoidReason = reason
	rt.VoidedAt = &now
	if err := q.UpdateCase(ctx, c); err != nil {
		return err
	}
	if err := q.UpsertRuntime(ctx, rt); err != nil {
		return err
	}
	if err := appendEvent(ctx, q, c, &contracts.TranscriptEvent{
		CaseID:    c.CaseID,
		ActorRole: contracts.ActorSystem,
		EventType: contracts.EventCaseVoid,
		Stage:     contracts.StageVoid,
		Message:   "case void: " + string(reason),
		CreatedAt: now,
	}); err != nil {
		return err
	}
	ballots, err := q.ListBallots(ctx, c.CaseID)
	if err != nil {
		return err
	}
	if err := e.recordResolution(ctx, q, c, ballots, now); err != nil {
		return err
	}
	e.logger.Warn("case void",
		"caseId", c.CaseID,
		"reason", string(reason),
		"class", contracts.VoidClass(reason))
	return nil
}

// recordResolution updates the per-agent activity ledger and rebuilt
// stats for everyone the case touched. Jurors are credited for the
// ballots they cast; a voided case counts for participation only.
func (e *Engine) recordResolution(ctx context.Context, q *store.Queries, c *contracts.Case, ballots []*contracts.Ballot, now time.Time) error {
	voided := c.Outcome == contracts.OutcomeVoid
	ts := now.UTC().Format(time.RFC3339Nano)

	record := func(agentID string, role contracts.ActorRole, won bool) error {
		if err := q.UpsertActivity(ctx, &contracts.AgentCaseActivity{
			AgentID:    agentID,
			CaseID:     c.CaseID,
			Role:       role,
			Won:        won,
			Voided:     voided,
			ResolvedAt: now,
		}); err != nil {
			return err
		}
		return q.RebuildStats(ctx, agentID, ts)
	}

	if err := record(c.ProsecutionAgentID, contracts.ActorProsecution, c.Outcome == contracts.OutcomeForProsecution); err != nil {
		return err
	}
	if c.DefenceAgentID != "" {
		if err := record(c.DefenceAgentID, contracts.ActorDefence, c.Outcome == contracts.OutcomeForDefence); err != nil {
			return err
		}
	}
	for _, b := range ballots {
		if err := record(b.JurorID, contracts.ActorJuror, false); err != nil {
			return err
		}
	}
	return nil
}
