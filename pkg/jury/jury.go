// Package jury selects a case's panel from the eligible pool using
// public beacon randomness. Selection is a pure function of
// (randomness, caseId, eligible set): any observer holding the proof
// can reproduce the panel bit for bit.
package jury

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"

	"github.com/opencawt/opencawt/pkg/canonical"
	"github.com/opencawt/opencawt/pkg/drand"
)

// Algorithm names the scoring scheme recorded in proofs.
const Algorithm = "sha256-lowest-score-v1"

// ErrPoolExhausted means the eligible pool cannot seat a full panel.
var ErrPoolExhausted = errors.New("eligible pool smaller than jury size")

// ScoredCandidate pairs a pool member with its selection score.
type ScoredCandidate struct {
	AgentID   string `json:"agentId"`
	ScoreHash string `json:"scoreHash"`
}

// Proof is the persisted audit record of one selection run.
type Proof struct {
	Algorithm        string            `json:"algorithm"`
	CaseID           string            `json:"caseId"`
	DrandRound       uint64            `json:"drandRound"`
	DrandRandomness  string            `json:"drandRandomness"`
	ChainHash        string            `json:"chainHash,omitempty"`
	PoolSnapshotHash string            `json:"poolSnapshotHash"`
	JurySize         int               `json:"jurySize"`
	ScoredCandidates []ScoredCandidate `json:"scoredCandidates"`
	SelectedJurors   []string          `json:"selectedJurors"`
}

// Selection is the outcome of one draw.
type Selection struct {
	SelectedJurors   []string
	ScoredCandidates []ScoredCandidate
	PoolSnapshotHash string
	Proof            *Proof
}

// Score computes one candidate's selection score: the hex SHA-256 of
// the randomness, case id and agent id concatenated in that order.
func Score(randomness, caseID, agentID string) string {
	sum := sha256.Sum256([]byte(randomness + caseID + agentID))
	return hex.EncodeToString(sum[:])
}

// Select draws a panel of jurySize from eligible. The pool is deduped
// and sorted before hashing so the snapshot hash does not depend on
// query order.
func Select(caseID string, eligible []string, round *drand.Round, chainHash string, jurySize int) (*Selection, error) {
	if jurySize <= 0 {
		return nil, fmt.Errorf("jury size %d", jurySize)
	}
	pool := dedupeSorted(eligible)
	if len(pool) < jurySize {
		return nil, fmt.Errorf("pool %d, need %d: %w", len(pool), jurySize, ErrPoolExhausted)
	}

	snapshotHash, err := canonical.Hash(pool)
	if err != nil {
		return nil, fmt.Errorf("pool snapshot hash: %w", err)
	}

	scored := make([]ScoredCandidate, len(pool))
	for i, id := range pool {
		scored[i] = ScoredCandidate{AgentID: id, ScoreHash: Score(round.Randomness, caseID, id)}
	}
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].ScoreHash != scored[j].ScoreHash {
			return scored[i].ScoreHash < scored[j].ScoreHash
		}
		return scored[i].AgentID < scored[j].AgentID
	})

	selected := make([]string, jurySize)
	for i := 0; i < jurySize; i++ {
		selected[i] = scored[i].AgentID
	}

	return &Selection{
		SelectedJurors:   selected,
		ScoredCandidates: scored,
		PoolSnapshotHash: snapshotHash,
		Proof: &Proof{
			Algorithm:        Algorithm,
			CaseID:           caseID,
			DrandRound:       round.Round,
			DrandRandomness:  round.Randomness,
			ChainHash:        chainHash,
			PoolSnapshotHash: snapshotHash,
			JurySize:         jurySize,
			ScoredCandidates: scored,
			SelectedJurors:   selected,
		},
	}, nil
}

// NextReplacement promotes the best-scored candidate not yet used on
// the panel. Replacement reuses the original randomness, so the
// promotion order is fixed at selection time.
func NextReplacement(scored []ScoredCandidate, used map[string]bool) (ScoredCandidate, bool) {
	for _, c := range scored {
		if !used[c.AgentID] {
			return c, true
		}
	}
	return ScoredCandidate{}, false
}

// Verify recomputes a proof from its own inputs and reports whether the
// recorded panel matches.
func Verify(p *Proof, eligible []string) error {
	round := &drand.Round{Round: p.DrandRound, Randomness: p.DrandRandomness}
	sel, err := Select(p.CaseID, eligible, round, p.ChainHash, p.JurySize)
	if err != nil {
		return err
	}
	if sel.PoolSnapshotHash != p.PoolSnapshotHash {
		return fmt.Errorf("pool snapshot hash mismatch: recorded %s, recomputed %s", p.PoolSnapshotHash, sel.PoolSnapshotHash)
	}
	if len(sel.SelectedJurors) != len(p.SelectedJurors) {
		return fmt.Errorf("panel size mismatch: recorded %d, recomputed %d", len(p.SelectedJurors), len(sel.SelectedJurors))
	}
	for i, id := range sel.SelectedJurors {
		if p.SelectedJurors[i] != id {
			return fmt.Errorf("seat %d mismatch: recorded %s, recomputed %s", i, p.SelectedJurors[i], id)
		}
	}
	return nil
}

func dedupeSorted(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
