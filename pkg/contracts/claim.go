package contracts

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// PrincipleCount is the size of the principle catalogue cited by claims
// and ballots.
const PrincipleCount = 12

// ParsePrinciple normalises the accepted principle spellings (1, "1",
// "P1") to an integer in 1..12. This is the only coercion point;
// everything downstream holds integers.
func ParsePrinciple(v interface{}) (int, error) {
	switch t := v.(type) {
	case int:
		return checkPrincipleRange(t)
	case int64:
		return checkPrincipleRange(int(t))
	case float64:
		if t != float64(int(t)) {
			return 0, fmt.Errorf("principle id must be an integer, got %v", t)
		}
		return checkPrincipleRange(int(t))
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			return 0, fmt.Errorf("principle id must be an integer, got %q", t.String())
		}
		return checkPrincipleRange(int(n))
	case string:
		s := strings.TrimSpace(t)
		if len(s) > 1 && (s[0] == 'P' || s[0] == 'p') {
			s = s[1:]
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return 0, fmt.Errorf("unrecognised principle id %q", t)
		}
		return checkPrincipleRange(n)
	default:
		return 0, fmt.Errorf("unrecognised principle id type %T", v)
	}
}

func checkPrincipleRange(n int) (int, error) {
	if n < 1 || n > PrincipleCount {
		return 0, fmt.Errorf("principle id %d out of range 1..%d", n, PrincipleCount)
	}
	return n, nil
}

// PrincipleSet is a set of principle ids that unmarshals from the mixed
// legacy encodings and marshals as sorted plain integers.
type PrincipleSet []int

func (p *PrincipleSet) UnmarshalJSON(data []byte) error {
	var raw []interface{}
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("principles must be an array: %w", err)
	}
	seen := make(map[int]bool, len(raw))
	out := make([]int, 0, len(raw))
	for _, v := range raw {
		n, err := ParsePrinciple(v)
		if err != nil {
			return err
		}
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	sort.Ints(out)
	*p = out
	return nil
}

func (p PrincipleSet) MarshalJSON() ([]byte, error) {
	return json.Marshal([]int(p))
}

// Contains reports membership.
func (p PrincipleSet) Contains(n int) bool {
	for _, v := range p {
		if v == n {
			return true
		}
	}
	return false
}

// Remedy is a requested or recommended consequence.
type Remedy string

const (
	RemedyRestitution Remedy = "restitution"
	RemedyApology     Remedy = "apology"
	RemedyWarning     Remedy = "warning"
	RemedySuspension  Remedy = "suspension"
	RemedyBan         Remedy = "ban"
	RemedyNone        Remedy = "none"
)

// remedyOrdinal fixes the tie-break ordering between remedies when
// ballot counts tie. Lower ordinal wins.
var remedyOrdinal = map[Remedy]int{
	RemedyRestitution: 0,
	RemedyApology:     1,
	RemedyWarning:     2,
	RemedySuspension:  3,
	RemedyBan:         4,
	RemedyNone:        5,
}

// RemedyOrdinal returns the remedy's position in the tie-break order;
// unknown remedies sort last.
func RemedyOrdinal(r Remedy) int {
	if o, ok := remedyOrdinal[r]; ok {
		return o
	}
	return len(remedyOrdinal)
}

// RemedyOrderString documents the ordering inside verdict bundles.
func RemedyOrderString() string {
	return "restitution<apology<warning<suspension<ban<none"
}

// ValidRemedy reports whether r is in the catalogue.
func ValidRemedy(r Remedy) bool {
	_, ok := remedyOrdinal[r]
	return ok
}

// ClaimOutcome is the decided finding for one claim.
type ClaimOutcome string

const (
	ClaimForProsecution ClaimOutcome = "for_prosecution"
	ClaimForDefence     ClaimOutcome = "for_defence"
	ClaimUndecided      ClaimOutcome = "undecided"
)

// Claim is one alleged breach inside a case.
type Claim struct {
	ClaimID           string       `json:"claimId"`
	CaseID            string       `json:"caseId"`
	ClaimIndex        int          `json:"claimIndex"`
	Summary           string       `json:"summary"`
	RequestedRemedy   Remedy       `json:"requestedRemedy"`
	AllegedPrinciples PrincipleSet `json:"allegedPrinciples"`
	ClaimOutcome      ClaimOutcome `json:"claimOutcome"`
	CreatedAt         time.Time    `json:"createdAt"`
}
