package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/opencawt/opencawt/pkg/contracts"
)

// InsertAgent creates an agent row. The caller maps a uniqueness
// violation to AGENT_ALREADY_REGISTERED.
func (q *Queries) InsertAgent(ctx context.Context, a *contracts.Agent) error {
	query := `INSERT INTO agents (
		agent_id, display_name, bio, banned, juror_eligible, notify_url, stats_public, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := q.q.ExecContext(ctx, query,
		a.AgentID, a.DisplayName, a.Bio, boolToInt(a.Banned), boolToInt(a.JurorEligible),
		a.NotifyURL, boolToInt(a.StatsPublic), formatTime(a.CreatedAt), formatTime(a.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert agent: %w", err)
	}
	return nil
}

// GetAgent loads one agent by id.
func (q *Queries) GetAgent(ctx context.Context, agentID string) (*contracts.Agent, error) {
	row := q.q.QueryRowContext(ctx, `SELECT
		agent_id, display_name, bio, banned, juror_eligible, notify_url, stats_public, created_at, updated_at
		FROM agents WHERE agent_id = ?`, agentID)
	return scanAgent(row)
}

// UpdateAgentProfile persists the mutable profile fields.
func (q *Queries) UpdateAgentProfile(ctx context.Context, a *contracts.Agent) error {
	query := `UPDATE agents SET display_name = ?, bio = ?, juror_eligible = ?, notify_url = ?, stats_public = ?, updated_at = ?
		WHERE agent_id = ?`
	res, err := q.q.ExecContext(ctx, query,
		a.DisplayName, a.Bio, boolToInt(a.JurorEligible), a.NotifyURL, boolToInt(a.StatsPublic),
		formatTime(a.UpdatedAt), a.AgentID,
	)
	if err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	return requireOneRow(res, "agent", a.AgentID)
}

// SetAgentBanned flips the ban flag.
func (q *Queries) SetAgentBanned(ctx context.Context, agentID string, banned bool, updatedAt string) error {
	res, err := q.q.ExecContext(ctx,
		`UPDATE agents SET banned = ?, updated_at = ? WHERE agent_id = ?`,
		boolToInt(banned), updatedAt, agentID)
	if err != nil {
		return fmt.Errorf("set agent banned: %w", err)
	}
	return requireOneRow(res, "agent", agentID)
}

// ListAgents returns agents ordered by creation, newest first.
func (q *Queries) ListAgents(ctx context.Context, limit int) ([]*contracts.Agent, error) {
	rows, err := q.q.QueryContext(ctx, `SELECT
		agent_id, display_name, bio, banned, juror_eligible, notify_url, stats_public, created_at, updated_at
		FROM agents ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// EligibleJurorIDs returns the agents poolable for jury duty: juror
// eligible, not banned, with an availability row.
func (q *Queries) EligibleJurorIDs(ctx context.Context) ([]string, error) {
	rows, err := q.q.QueryContext(ctx, `SELECT a.agent_id
		FROM agents a JOIN juror_availability ja ON ja.agent_id = a.agent_id
		WHERE a.juror_eligible = 1 AND a.banned = 0
		ORDER BY a.agent_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ListEligibleJurors returns the public directory view of the pool,
// same membership rule as EligibleJurorIDs.
func (q *Queries) ListEligibleJurors(ctx context.Context) ([]*contracts.JurorListing, error) {
	rows, err := q.q.QueryContext(ctx, `SELECT a.agent_id, a.display_name, ja.availability, ja.profile
		FROM agents a JOIN juror_availability ja ON ja.agent_id = a.agent_id
		WHERE a.juror_eligible = 1 AND a.banned = 0
		ORDER BY a.agent_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.JurorListing
	for rows.Next() {
		var j contracts.JurorListing
		if err := rows.Scan(&j.AgentID, &j.DisplayName, &j.Availability, &j.Profile); err != nil {
			return nil, err
		}
		out = append(out, &j)
	}
	return out, rows.Err()
}

// UpsertJurorAvailability records or updates an agent's availability.
func (q *Queries) UpsertJurorAvailability(ctx context.Context, ja *contracts.JurorAvailability) error {
	query := `INSERT INTO juror_availability (agent_id, availability, profile, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET availability = excluded.availability,
			profile = excluded.profile, updated_at = excluded.updated_at`
	_, err := q.q.ExecContext(ctx, query, ja.AgentID, ja.Availability, ja.Profile, formatTime(ja.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert juror availability: %w", err)
	}
	return nil
}

// GetJurorAvailability loads one availability row.
func (q *Queries) GetJurorAvailability(ctx context.Context, agentID string) (*contracts.JurorAvailability, error) {
	row := q.q.QueryRowContext(ctx,
		`SELECT agent_id, availability, profile, updated_at FROM juror_availability WHERE agent_id = ?`, agentID)
	var ja contracts.JurorAvailability
	var updated string
	if err := row.Scan(&ja.AgentID, &ja.Availability, &ja.Profile, &updated); err != nil {
		return nil, err
	}
	ja.UpdatedAt = parseTime(updated)
	return &ja, nil
}

// InsertCapability stores a capability hash row.
func (q *Queries) InsertCapability(ctx context.Context, c *contracts.AgentCapability) error {
	query := `INSERT INTO agent_capabilities (token_hash, agent_id, scope, expires_at, revoked_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`
	_, err := q.q.ExecContext(ctx, query,
		c.TokenHash, c.AgentID, c.Scope, formatTimePtr(c.ExpiresAt), formatTimePtr(c.RevokedAt), formatTime(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert capability: %w", err)
	}
	return nil
}

// GetCapabilityByHash loads a capability by its token hash.
func (q *Queries) GetCapabilityByHash(ctx context.Context, tokenHash string) (*contracts.AgentCapability, error) {
	row := q.q.QueryRowContext(ctx,
		`SELECT token_hash, agent_id, scope, expires_at, revoked_at, created_at
		 FROM agent_capabilities WHERE token_hash = ?`, tokenHash)
	var c contracts.AgentCapability
	var expires, revoked sql.NullString
	var created string
	if err := row.Scan(&c.TokenHash, &c.AgentID, &c.Scope, &expires, &revoked, &created); err != nil {
		return nil, err
	}
	c.ExpiresAt = parseTimePtr(expires)
	c.RevokedAt = parseTimePtr(revoked)
	c.CreatedAt = parseTime(created)
	return &c, nil
}

// RevokeCapability stamps revoked_at on an active capability.
func (q *Queries) RevokeCapability(ctx context.Context, tokenHash, revokedAt string) error {
	res, err := q.q.ExecContext(ctx,
		`UPDATE agent_capabilities SET revoked_at = ? WHERE token_hash = ? AND revoked_at IS NULL`,
		revokedAt, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke capability: %w", err)
	}
	return requireOneRow(res, "capability", tokenHash)
}

// ListCapabilities returns an agent's capabilities, newest first.
func (q *Queries) ListCapabilities(ctx context.Context, agentID string) ([]*contracts.AgentCapability, error) {
	rows, err := q.q.QueryContext(ctx,
		`SELECT token_hash, agent_id, scope, expires_at, revoked_at, created_at
		 FROM agent_capabilities WHERE agent_id = ? ORDER BY created_at DESC`, agentID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.AgentCapability
	for rows.Next() {
		var c contracts.AgentCapability
		var expires, revoked sql.NullString
		var created string
		if err := rows.Scan(&c.TokenHash, &c.AgentID, &c.Scope, &expires, &revoked, &created); err != nil {
			return nil, err
		}
		c.ExpiresAt = parseTimePtr(expires)
		c.RevokedAt = parseTimePtr(revoked)
		c.CreatedAt = parseTime(created)
		out = append(out, &c)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*contracts.Agent, error) {
	var a contracts.Agent
	var banned, eligible, statsPublic int
	var created, updated string
	err := row.Scan(&a.AgentID, &a.DisplayName, &a.Bio, &banned, &eligible, &a.NotifyURL, &statsPublic, &created, &updated)
	if err != nil {
		return nil, err
	}
	a.Banned = banned != 0
	a.JurorEligible = eligible != 0
	a.StatsPublic = statsPublic != 0
	a.CreatedAt = parseTime(created)
	a.UpdatedAt = parseTime(updated)
	return &a, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func requireOneRow(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", entity, id, ErrNotFound)
	}
	return nil
}

// IsNotFound reports whether err means a missing row.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
