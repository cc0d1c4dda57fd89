// Package verdict turns a closed case's ballots into a decided outcome
// and a canonical, hashable verdict bundle.
//
// The computation is pure: the same claims, ballots, and integrity
// artefacts always yield byte-identical bundles and the same hash, no
// matter the order the inputs arrive in.
package verdict

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/opencawt/opencawt/pkg/canonical"
	"github.com/opencawt/opencawt/pkg/contracts"
)

// Overall is the case-level result of the tally.
type Overall string

const (
	OverallForProsecution Overall = "for_prosecution"
	OverallForDefence     Overall = "for_defence"

	// OverallInconclusive means neither side carried a majority of
	// claims. The case voids instead of sealing.
	OverallInconclusive Overall = "inconclusive"
)

// ClaimTally is the recorded vote count and decided finding for one claim.
type ClaimTally struct {
	ClaimID      string                 `json:"claimId"`
	ClaimIndex   int                    `json:"claimIndex"`
	Proven       int                    `json:"proven"`
	NotProven    int                    `json:"notProven"`
	Insufficient int                    `json:"insufficient"`
	Finding      contracts.VoteCategory `json:"finding"`
	Outcome      contracts.ClaimOutcome `json:"outcome"`
	Remedy       contracts.Remedy       `json:"remedy"`
}

// Inputs carries everything Decide needs. Slice and map order does not
// matter; Decide canonicalises internally.
type Inputs struct {
	CaseID             string
	ProsecutionAgentID string
	DefenceAgentID     string
	JurySize           int
	Claims             []*contracts.Claim
	Ballots            []*contracts.Ballot

	DrandRound       uint64
	DrandRandomness  string
	PoolSnapshotHash string
	SelectionProof   json.RawMessage

	// SubmissionHashes is keyed "side:stage", e.g. "prosecution:opening".
	SubmissionHashes map[string]string
	EvidenceHashes   []string

	ClosedAt time.Time
}

// Bundle is the canonical verdict document whose hash anchors the case.
type Bundle struct {
	CaseID             string                   `json:"caseId"`
	ProsecutionAgentID string                   `json:"prosecutionAgentId"`
	DefenceAgentID     string                   `json:"defenceAgentId"`
	JurySize           int                      `json:"jurySize"`
	BallotCount        int                      `json:"ballotCount"`
	ClosedAt           string                   `json:"closedAt"`
	Overall            Overall                  `json:"overall"`
	Tallies            []ClaimTally             `json:"tallies"`
	ClaimOutcomes      []contracts.ClaimOutcome `json:"claimOutcomes"`
	DrandRound         uint64                   `json:"drandRound"`
	DrandRandomness    string                   `json:"drandRandomness"`
	PoolSnapshotHash   string                   `json:"poolSnapshotHash"`
	SelectionProofHash string                   `json:"jurySelectionProofHash,omitempty"`
	SubmissionHashes   map[string]string        `json:"submissionHashes,omitempty"`
	EvidenceHashes     []string                 `json:"evidenceHashes,omitempty"`
	BallotHashes       []string                 `json:"ballotHashes"`
	TieBreak           string                   `json:"tieBreak"`
	RemedyOrder        string                   `json:"remedyOrder"`
}

// Verdict is the decided result plus the bundle that proves it.
type Verdict struct {
	Overall Overall
	Tallies []ClaimTally
	Bundle  json.RawMessage
	Hash    string
}

// Decide tallies ballots per claim, resolves findings and remedies with
// the fixed tie-break orders, derives the overall outcome, and returns
// the canonical bundle with its hash.
func Decide(in *Inputs) (*Verdict, error) {
	if len(in.Claims) == 0 {
		return nil, fmt.Errorf("verdict: case %s has no claims", in.CaseID)
	}

	claims := make([]*contracts.Claim, len(in.Claims))
	copy(claims, in.Claims)
	sort.Slice(claims, func(i, j int) bool { return claims[i].ClaimIndex < claims[j].ClaimIndex })

	// One vote per claim per ballot; a duplicate claimId inside a ballot
	// keeps the first occurrence.
	votes := make([]map[string]contracts.BallotVote, len(in.Ballots))
	for i, b := range in.Ballots {
		m := make(map[string]contracts.BallotVote, len(b.Votes))
		for _, v := range b.Votes {
			if _, ok := m[v.ClaimID]; !ok {
				m[v.ClaimID] = v
			}
		}
		votes[i] = m
	}

	tallies := make([]ClaimTally, 0, len(claims))
	outcomes := make([]contracts.ClaimOutcome, 0, len(claims))
	for _, c := range claims {
		t := ClaimTally{ClaimID: c.ClaimID, ClaimIndex: c.ClaimIndex}
		for _, m := range votes {
			v, ok := m[c.ClaimID]
			if !ok {
				continue
			}
			switch v.Vote {
			case contracts.VoteProven:
				t.Proven++
			case contracts.VoteNotProven:
				t.NotProven++
			case contracts.VoteInsufficient:
				t.Insufficient++
			}
		}
		t.Finding = winningCategory(t)
		t.Outcome = outcomeFor(t.Finding)
		t.Remedy = majorityRemedy(c.ClaimID, t.Finding, votes)
		tallies = append(tallies, t)
		outcomes = append(outcomes, t.Outcome)
	}

	bundle := &Bundle{
		CaseID:             in.CaseID,
		ProsecutionAgentID: in.ProsecutionAgentID,
		DefenceAgentID:     in.DefenceAgentID,
		JurySize:           in.JurySize,
		BallotCount:        len(in.Ballots),
		ClosedAt:           in.ClosedAt.UTC().Format(time.RFC3339Nano),
		Overall:            overallOutcome(tallies),
		Tallies:            tallies,
		ClaimOutcomes:      outcomes,
		DrandRound:         in.DrandRound,
		DrandRandomness:    in.DrandRandomness,
		PoolSnapshotHash:   in.PoolSnapshotHash,
		SubmissionHashes:   in.SubmissionHashes,
		EvidenceHashes:     sortedCopy(in.EvidenceHashes),
		BallotHashes:       ballotHashes(in.Ballots),
		TieBreak:           contracts.VoteTieBreakString(),
		RemedyOrder:        contracts.RemedyOrderString(),
	}
	if len(in.SelectionProof) > 0 {
		h, err := canonical.HashRaw(in.SelectionProof)
		if err != nil {
			return nil, fmt.Errorf("verdict: selection proof: %w", err)
		}
		bundle.SelectionProofHash = h
	}

	raw, err := canonical.Marshal(bundle)
	if err != nil {
		return nil, fmt.Errorf("verdict: bundle: %w", err)
	}

	return &Verdict{
		Overall: bundle.Overall,
		Tallies: tallies,
		Bundle:  raw,
		Hash:    canonical.HashBytes(raw),
	}, nil
}

// winningCategory picks the category with the most votes. Ties fall to
// the lower tie-break ordinal, so proven beats not_proven beats
// insufficient.
func winningCategory(t ClaimTally) contracts.VoteCategory {
	type entry struct {
		cat   contracts.VoteCategory
		count int
	}
	entries := []entry{
		{contracts.VoteProven, t.Proven},
		{contracts.VoteNotProven, t.NotProven},
		{contracts.VoteInsufficient, t.Insufficient},
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].count != entries[j].count {
			return entries[i].count > entries[j].count
		}
		return contracts.VoteTieBreakOrdinal(entries[i].cat) < contracts.VoteTieBreakOrdinal(entries[j].cat)
	})
	return entries[0].cat
}

func outcomeFor(v contracts.VoteCategory) contracts.ClaimOutcome {
	switch v {
	case contracts.VoteProven:
		return contracts.ClaimForProsecution
	case contracts.VoteNotProven:
		return contracts.ClaimForDefence
	default:
		return contracts.ClaimUndecided
	}
}

// majorityRemedy is the modal recommendedRemedy among ballots whose vote
// on the claim matched the winning category. Count ties fall to the
// lower remedy ordinal. Claims where no matching ballot recommends
// anything get RemedyNone.
func majorityRemedy(claimID string, winning contracts.VoteCategory, votes []map[string]contracts.BallotVote) contracts.Remedy {
	counts := make(map[contracts.Remedy]int)
	for _, m := range votes {
		v, ok := m[claimID]
		if !ok || v.Vote != winning || v.RecommendedRemedy == "" {
			continue
		}
		counts[v.RecommendedRemedy]++
	}
	if len(counts) == 0 {
		return contracts.RemedyNone
	}
	best := contracts.Remedy("")
	bestN := -1
	for r, n := range counts {
		if n > bestN || (n == bestN && contracts.RemedyOrdinal(r) < contracts.RemedyOrdinal(best)) {
			best, bestN = r, n
		}
	}
	return best
}

// overallOutcome needs a strict majority of claims decided one way.
func overallOutcome(tallies []ClaimTally) Overall {
	var proven, notProven int
	for _, t := range tallies {
		switch t.Outcome {
		case contracts.ClaimForProsecution:
			proven++
		case contracts.ClaimForDefence:
			notProven++
		}
	}
	half := len(tallies) / 2
	switch {
	case proven > half:
		return OverallForProsecution
	case notProven > half:
		return OverallForDefence
	default:
		return OverallInconclusive
	}
}

func ballotHashes(ballots []*contracts.Ballot) []string {
	out := make([]string, 0, len(ballots))
	for _, b := range ballots {
		out = append(out, b.BallotHash)
	}
	sort.Strings(out)
	return out
}

func sortedCopy(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	return out
}
