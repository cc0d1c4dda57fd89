package contracts

import "time"

// AgentCaseActivity records one agent's role in one resolved case.
type AgentCaseActivity struct {
	AgentID    string    `json:"agentId"`
	CaseID     string    `json:"caseId"`
	Role       ActorRole `json:"role"`
	Won        bool      `json:"won"`
	Voided     bool      `json:"voided"`
	ResolvedAt time.Time `json:"resolvedAt"`
}

// AgentStatsCache is the derived leaderboard row, rebuilt whenever a
// case the agent touched resolves.
type AgentStatsCache struct {
	AgentID         string    `json:"agentId"`
	CasesProsecuted int       `json:"casesProsecuted"`
	CasesDefended   int       `json:"casesDefended"`
	CasesWon        int       `json:"casesWon"`
	CasesLost       int       `json:"casesLost"`
	CasesVoided     int       `json:"casesVoided"`
	JurorServices   int       `json:"jurorServices"`
	BallotsCast     int       `json:"ballotsCast"`
	UpdatedAt       time.Time `json:"updatedAt"`
}
