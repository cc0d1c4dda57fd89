package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opencawt/opencawt/pkg/canonical"
	"github.com/opencawt/opencawt/pkg/config"
	"github.com/opencawt/opencawt/pkg/contracts"
	"github.com/opencawt/opencawt/pkg/drand"
	"github.com/opencawt/opencawt/pkg/ids"
	"github.com/opencawt/opencawt/pkg/jury"
	"github.com/opencawt/opencawt/pkg/store"
)

// EligiblePool returns the juror pool for a case: poolable agents minus
// the case's own participants.
func EligiblePool(ctx context.Context, q *store.Queries, c *contracts.Case) ([]string, error) {
	all, err := q.EligibleJurorIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("load eligible jurors: %w", err)
	}
	excluded := map[string]bool{
		c.ProsecutionAgentID: true,
		c.DefendantAgentID:   true,
		c.DefenceAgentID:     true,
	}
	pool := make([]string, 0, len(all))
	for _, id := range all {
		if !excluded[id] {
			pool = append(pool, id)
		}
	}
	return pool, nil
}

// SeatPanel runs jury selection for a filed case and seats the panel
// inside the caller's transaction: panel rows, selection artefacts on
// the case, status jury_selected, and the transcript entry. Seats start
// pending_ready with no deadline; deadlines are set when the session
// opens. Returns jury.ErrPoolExhausted (wrapped) when the pool cannot
// fill the panel.
func SeatPanel(ctx context.Context, q *store.Queries, c *contracts.Case, round *drand.Round, chainHash string, eligible []string, jurySize int, now time.Time) error {
	sel, err := jury.Select(c.CaseID, eligible, round, chainHash, jurySize)
	if err != nil {
		return fmt.Errorf("select jury for %s: %w", c.CaseID, err)
	}
	proofJSON, err := canonical.Marshal(sel.Proof)
	if err != nil {
		return fmt.Errorf("encode selection proof: %w", err)
	}

	runID := ids.New(ids.PrefixSelection)
	scoreByJuror := make(map[string]string, len(sel.ScoredCandidates))
	for _, cand := range sel.ScoredCandidates {
		scoreByJuror[cand.AgentID] = cand.ScoreHash
	}
	for _, jurorID := range sel.SelectedJurors {
		m := &contracts.JuryPanelMember{
			CaseID:         c.CaseID,
			JurorID:        jurorID,
			ScoreHash:      scoreByJuror[jurorID],
			MemberStatus:   contracts.MemberPendingReady,
			SelectionRunID: runID,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := q.InsertPanelMember(ctx, m); err != nil {
			return err
		}
	}

	c.Status = contracts.CaseJurySelected
	c.DrandRound = round.Round
	c.DrandRandomness = round.Randomness
	c.PoolSnapshotHash = sel.PoolSnapshotHash
	c.SelectionProof = proofJSON
	c.UpdatedAt = now
	if err := q.UpdateCase(ctx, c); err != nil {
		return err
	}

	return appendEvent(ctx, q, c, &contracts.TranscriptEvent{
		CaseID:      c.CaseID,
		ActorRole:   contracts.ActorSystem,
		EventType:   contracts.EventJurySelected,
		Stage:       contracts.StagePreSession,
		Message:     fmt.Sprintf("jury of %d selected from a pool of %d using drand round %d", jurySize, len(sel.ScoredCandidates), round.Round),
		ArtefactRef: runID,
		CreatedAt:   now,
	})
}

// recoverSelection reruns jury selection for a case stranded in filed.
// The beacon round is fetched for the filing instant, so recovery lands
// on the round the filing itself would have used; the rest is a pure
// function of that round and converges on the same panel.
func (e *Engine) recoverSelection(ctx context.Context, caseID string, rules *config.Ruleset, now time.Time) (bool, error) {
	c, err := e.store.GetCase(ctx, caseID)
	if err != nil {
		return false, err
	}
	if c.Status != contracts.CaseFiled {
		return false, nil
	}

	at := now
	if c.FiledAt != nil {
		at = *c.FiledAt
	}
	info, err := e.beacon.ChainInfo(ctx)
	if err != nil {
		return false, fmt.Errorf("beacon chain info: %w", err)
	}
	round, err := e.beacon.RoundAt(ctx, at)
	if err != nil {
		return false, fmt.Errorf("beacon round: %w", err)
	}
	eligible, err := EligiblePool(ctx, e.store.Queries, c)
	if err != nil {
		return false, err
	}

	did := false
	err = e.store.WithTx(ctx, func(q *store.Queries) error {
		c, err := q.GetCase(ctx, caseID)
		if err != nil {
			return err
		}
		if c.Status != contracts.CaseFiled {
			return nil
		}
		if err := SeatPanel(ctx, q, c, round, info.Hash, eligible, rules.JurorPanelSize, now); err != nil {
			if errors.Is(err, jury.ErrPoolExhausted) {
				rt, rerr := q.GetRuntime(ctx, caseID)
				if rerr != nil {
					return rerr
				}
				did = true
				return e.voidCase(ctx, q, c, rt, contracts.VoidJuryPoolExhausted, now)
			}
			return err
		}
		e.logger.Info("jury selection recovered", "caseId", caseID, "drandRound", round.Round)
		did = true
		return nil
	})
	return did, err
}
