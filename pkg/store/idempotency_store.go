package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/opencawt/opencawt/pkg/contracts"
)

// GetIdempotency loads the record for one (agent, method, path, key).
func (q *Queries) GetIdempotency(ctx context.Context, agentID, method, path, key string) (*contracts.IdempotencyRecord, error) {
	row := q.q.QueryRowContext(ctx, `SELECT
		agent_id, method, path, idempotency_key, request_hash, response_status, response_json, status, expires_at, created_at
		FROM idempotency_records
		WHERE agent_id = ? AND method = ? AND path = ? AND idempotency_key = ?`,
		agentID, method, path, key)

	var r contracts.IdempotencyRecord
	var responseJSON sql.NullString
	var status, expires, created string
	err := row.Scan(&r.AgentID, &r.Method, &r.Path, &r.IdempotencyKey, &r.RequestHash,
		&r.ResponseStatus, &responseJSON, &status, &expires, &created)
	if err != nil {
		return nil, err
	}
	if responseJSON.Valid {
		r.ResponseJSON = []byte(responseJSON.String)
	}
	r.Status = contracts.IdempotencyStatus(status)
	r.ExpiresAt = parseTime(expires)
	r.CreatedAt = parseTime(created)
	return &r, nil
}

// ClaimIdempotency inserts the in_progress row. A unique violation
// means another request holds or held the key.
func (q *Queries) ClaimIdempotency(ctx context.Context, r *contracts.IdempotencyRecord) error {
	_, err := q.q.ExecContext(ctx, `INSERT INTO idempotency_records (
		agent_id, method, path, idempotency_key, request_hash, response_status, response_json, status, expires_at, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.AgentID, r.Method, r.Path, r.IdempotencyKey, r.RequestHash,
		r.ResponseStatus, rawOrNil(r.ResponseJSON), string(r.Status),
		formatTime(r.ExpiresAt), formatTime(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("claim idempotency: %w", err)
	}
	return nil
}

// CompleteIdempotency stores the response and flips the claim to
// complete.
func (q *Queries) CompleteIdempotency(ctx context.Context, agentID, method, path, key string, responseStatus int, responseJSON []byte) error {
	res, err := q.q.ExecContext(ctx,
		`UPDATE idempotency_records SET status = ?, response_status = ?, response_json = ?
		 WHERE agent_id = ? AND method = ? AND path = ? AND idempotency_key = ? AND status = ?`,
		string(contracts.IdemComplete), responseStatus, rawOrNil(responseJSON),
		agentID, method, path, key, string(contracts.IdemInProgress))
	if err != nil {
		return fmt.Errorf("complete idempotency: %w", err)
	}
	return requireOneRow(res, "idempotency record", key)
}

// ReleaseIdempotency drops an in_progress claim so the client can
// retry after a failure.
func (q *Queries) ReleaseIdempotency(ctx context.Context, agentID, method, path, key string) error {
	_, err := q.q.ExecContext(ctx,
		`DELETE FROM idempotency_records
		 WHERE agent_id = ? AND method = ? AND path = ? AND idempotency_key = ? AND status = ?`,
		agentID, method, path, key, string(contracts.IdemInProgress))
	if err != nil {
		return fmt.Errorf("release idempotency: %w", err)
	}
	return nil
}

// SweepIdempotency deletes expired records and returns how many went.
func (q *Queries) SweepIdempotency(ctx context.Context, now string) (int64, error) {
	res, err := q.q.ExecContext(ctx,
		`DELETE FROM idempotency_records WHERE expires_at < ?`, now)
	if err != nil {
		return 0, fmt.Errorf("sweep idempotency: %w", err)
	}
	return res.RowsAffected()
}

// InsertAction appends to the anti-replay action log. A violation on
// (agent, signature, timestamp) means the exact signed request was
// seen before.
func (q *Queries) InsertAction(ctx context.Context, a *contracts.AgentActionLog) error {
	_, err := q.q.ExecContext(ctx,
		`INSERT INTO agent_action_log (agent_id, action_type, case_id, signature, timestamp_sec, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		a.AgentID, string(a.ActionType), a.CaseID, a.Signature, a.TimestampSec, formatTime(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert action: %w", err)
	}
	return nil
}

// CountActions counts one agent's actions of a type since the cutoff.
func (q *Queries) CountActions(ctx context.Context, agentID string, actionType contracts.ActionType, since string) (int, error) {
	var n int
	err := q.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM agent_action_log
		 WHERE agent_id = ? AND action_type = ? AND created_at >= ?`,
		agentID, string(actionType), since).Scan(&n)
	return n, err
}

// CountActionsAllAgents counts service-wide actions of a type since
// the cutoff, for the soft daily cap.
func (q *Queries) CountActionsAllAgents(ctx context.Context, actionType contracts.ActionType, since string) (int, error) {
	var n int
	err := q.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM agent_action_log WHERE action_type = ? AND created_at >= ?`,
		string(actionType), since).Scan(&n)
	return n, err
}

// OldestActionSince returns the earliest in-window action time, or the
// empty string when none exists. Rate limiting uses it to compute when
// the window frees up.
func (q *Queries) OldestActionSince(ctx context.Context, agentID string, actionType contracts.ActionType, since string) (string, error) {
	var oldest sql.NullString
	err := q.q.QueryRowContext(ctx,
		`SELECT MIN(created_at) FROM agent_action_log
		 WHERE agent_id = ? AND action_type = ? AND created_at >= ?`,
		agentID, string(actionType), since).Scan(&oldest)
	if err != nil {
		return "", err
	}
	if !oldest.Valid {
		return "", nil
	}
	return oldest.String, nil
}
