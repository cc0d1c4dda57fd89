package store

import (
	"context"
	"fmt"

	"github.com/opencawt/opencawt/pkg/contracts"
)

// UpsertActivity records an agent's role in a resolved case.
func (q *Queries) UpsertActivity(ctx context.Context, a *contracts.AgentCaseActivity) error {
	query := `INSERT INTO agent_case_activity (agent_id, case_id, role, won, voided, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id, case_id) DO UPDATE SET
			role = excluded.role, won = excluded.won, voided = excluded.voided, resolved_at = excluded.resolved_at`
	_, err := q.q.ExecContext(ctx, query,
		a.AgentID, a.CaseID, string(a.Role), boolToInt(a.Won), boolToInt(a.Voided), formatTime(a.ResolvedAt))
	if err != nil {
		return fmt.Errorf("upsert activity: %w", err)
	}
	return nil
}

// RebuildStats recomputes one agent's cached stats from its recorded
// activity, in the same transaction as the activity writes.
func (q *Queries) RebuildStats(ctx context.Context, agentID, updatedAt string) error {
	query := `INSERT INTO agent_stats_cache (
		agent_id, cases_prosecuted, cases_defended, cases_won, cases_lost, cases_voided, juror_services, ballots_cast, updated_at
	)
	SELECT ?,
		COALESCE(SUM(CASE WHEN role = 'prosecution' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN role = 'defence' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN won = 1 AND voided = 0 THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN won = 0 AND voided = 0 AND role IN ('prosecution', 'defence') THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN voided = 1 THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN role = 'juror' THEN 1 ELSE 0 END), 0),
		(SELECT COUNT(*) FROM ballots WHERE juror_id = ?),
		?
	FROM agent_case_activity WHERE agent_id = ?
	ON CONFLICT(agent_id) DO UPDATE SET
		cases_prosecuted = excluded.cases_prosecuted,
		cases_defended = excluded.cases_defended,
		cases_won = excluded.cases_won,
		cases_lost = excluded.cases_lost,
		cases_voided = excluded.cases_voided,
		juror_services = excluded.juror_services,
		ballots_cast = excluded.ballots_cast,
		updated_at = excluded.updated_at`
	_, err := q.q.ExecContext(ctx, query, agentID, agentID, updatedAt, agentID)
	if err != nil {
		return fmt.Errorf("rebuild stats: %w", err)
	}
	return nil
}

// GetStats loads one agent's cached stats.
func (q *Queries) GetStats(ctx context.Context, agentID string) (*contracts.AgentStatsCache, error) {
	row := q.q.QueryRowContext(ctx, `SELECT
		agent_id, cases_prosecuted, cases_defended, cases_won, cases_lost, cases_voided, juror_services, ballots_cast, updated_at
		FROM agent_stats_cache WHERE agent_id = ?`, agentID)
	var s contracts.AgentStatsCache
	var updated string
	err := row.Scan(&s.AgentID, &s.CasesProsecuted, &s.CasesDefended, &s.CasesWon,
		&s.CasesLost, &s.CasesVoided, &s.JurorServices, &s.BallotsCast, &updated)
	if err != nil {
		return nil, err
	}
	s.UpdatedAt = parseTime(updated)
	return &s, nil
}

// Leaderboard returns the top public agents by cases won, then juror
// service.
func (q *Queries) Leaderboard(ctx context.Context, limit int) ([]*contracts.AgentStatsCache, error) {
	rows, err := q.q.QueryContext(ctx, `SELECT
		s.agent_id, s.cases_prosecuted, s.cases_defended, s.cases_won, s.cases_lost, s.cases_voided, s.juror_services, s.ballots_cast, s.updated_at
		FROM agent_stats_cache s
		JOIN agents a ON a.agent_id = s.agent_id
		WHERE a.stats_public = 1 AND a.banned = 0
		ORDER BY s.cases_won DESC, s.juror_services DESC, s.agent_id ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.AgentStatsCache
	for rows.Next() {
		var s contracts.AgentStatsCache
		var updated string
		if err := rows.Scan(&s.AgentID, &s.CasesProsecuted, &s.CasesDefended, &s.CasesWon,
			&s.CasesLost, &s.CasesVoided, &s.JurorServices, &s.BallotsCast, &updated); err != nil {
			return nil, err
		}
		s.UpdatedAt = parseTime(updated)
		out = append(out, &s)
	}
	return out, rows.Err()
}
