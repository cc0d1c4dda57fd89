package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/opencawt/opencawt/pkg/contracts"
)

// InsertPanelMember creates one seat on a case's jury panel.
func (q *Queries) InsertPanelMember(ctx context.Context, m *contracts.JuryPanelMember) error {
	query := `INSERT INTO jury_panel_members (
		case_id, juror_id, score_hash, member_status, ready_deadline_at, voting_deadline_at,
		replacement_of_juror_id, replaced_by_juror_id, selection_run_id, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := q.q.ExecContext(ctx, query,
		m.CaseID, m.JurorID, m.ScoreHash, string(m.MemberStatus),
		formatTimePtr(m.ReadyDeadlineAt), formatTimePtr(m.VotingDeadlineAt),
		m.ReplacementOfJurorID, m.ReplacedByJurorID, m.SelectionRunID,
		formatTime(m.CreatedAt), formatTime(m.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert panel member: %w", err)
	}
	return nil
}

// UpdatePanelMember rewrites a seat's mutable fields.
func (q *Queries) UpdatePanelMember(ctx context.Context, m *contracts.JuryPanelMember) error {
	query := `UPDATE jury_panel_members SET
		member_status = ?, ready_deadline_at = ?, voting_deadline_at = ?,
		replacement_of_juror_id = ?, replaced_by_juror_id = ?, updated_at = ?
		WHERE case_id = ? AND juror_id = ?`
	res, err := q.q.ExecContext(ctx, query,
		string(m.MemberStatus), formatTimePtr(m.ReadyDeadlineAt), formatTimePtr(m.VotingDeadlineAt),
		m.ReplacementOfJurorID, m.ReplacedByJurorID, formatTime(m.UpdatedAt),
		m.CaseID, m.JurorID)
	if err != nil {
		return fmt.Errorf("update panel member: %w", err)
	}
	return requireOneRow(res, "panel member", m.CaseID+"/"+m.JurorID)
}

// GetPanelMember loads one seat.
func (q *Queries) GetPanelMember(ctx context.Context, caseID, jurorID string) (*contracts.JuryPanelMember, error) {
	row := q.q.QueryRowContext(ctx, `SELECT
		case_id, juror_id, score_hash, member_status, ready_deadline_at, voting_deadline_at,
		replacement_of_juror_id, replaced_by_juror_id, selection_run_id, created_at, updated_at
		FROM jury_panel_members WHERE case_id = ? AND juror_id = ?`, caseID, jurorID)
	return scanPanelMember(row)
}

// ListPanel returns every seat ever created for a case, including
// replaced ones, in creation order.
func (q *Queries) ListPanel(ctx context.Context, caseID string) ([]*contracts.JuryPanelMember, error) {
	rows, err := q.q.QueryContext(ctx, `SELECT
		case_id, juror_id, score_hash, member_status, ready_deadline_at, voting_deadline_at,
		replacement_of_juror_id, replaced_by_juror_id, selection_run_id, created_at, updated_at
		FROM jury_panel_members WHERE case_id = ? ORDER BY created_at ASC, juror_id ASC`, caseID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.JuryPanelMember
	for rows.Next() {
		m, err := scanPanelMember(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanPanelMember(row rowScanner) (*contracts.JuryPanelMember, error) {
	var m contracts.JuryPanelMember
	var status, created, updated string
	var readyAt, votingAt sql.NullString
	err := row.Scan(&m.CaseID, &m.JurorID, &m.ScoreHash, &status, &readyAt, &votingAt,
		&m.ReplacementOfJurorID, &m.ReplacedByJurorID, &m.SelectionRunID, &created, &updated)
	if err != nil {
		return nil, err
	}
	m.MemberStatus = contracts.MemberStatus(status)
	m.ReadyDeadlineAt = parseTimePtr(readyAt)
	m.VotingDeadlineAt = parseTimePtr(votingAt)
	m.CreatedAt = parseTime(created)
	m.UpdatedAt = parseTime(updated)
	return &m, nil
}

// InsertBallot stores a juror's ballot. The (case_id, juror_id) unique
// constraint makes the first insert win; callers translate violations
// to BALLOT_ALREADY_SUBMITTED.
func (q *Queries) InsertBallot(ctx context.Context, b *contracts.Ballot) error {
	votes, err := json.Marshal(b.Votes)
	if err != nil {
		return fmt.Errorf("marshal votes: %w", err)
	}
	principles, err := json.Marshal(b.PrinciplesReliedOn)
	if err != nil {
		return fmt.Errorf("marshal principles: %w", err)
	}
	query := `INSERT INTO ballots (
		ballot_id, case_id, juror_id, votes, reasoning_summary, vote, principles_relied_on, confidence, ballot_hash, signature, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	var confidence any
	if b.Confidence != nil {
		confidence = *b.Confidence
	}
	_, err = q.q.ExecContext(ctx, query,
		b.BallotID, b.CaseID, b.JurorID, string(votes), b.ReasoningSummary,
		string(b.Vote), string(principles), confidence, b.BallotHash, b.Signature,
		formatTime(b.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert ballot: %w", err)
	}
	return nil
}

// GetBallot loads one juror's ballot for a case.
func (q *Queries) GetBallot(ctx context.Context, caseID, jurorID string) (*contracts.Ballot, error) {
	row := q.q.QueryRowContext(ctx, `SELECT
		ballot_id, case_id, juror_id, votes, reasoning_summary, vote, principles_relied_on, confidence, ballot_hash, signature, created_at
		FROM ballots WHERE case_id = ? AND juror_id = ?`, caseID, jurorID)
	return scanBallot(row)
}

// ListBallots returns a case's ballots in arrival order.
func (q *Queries) ListBallots(ctx context.Context, caseID string) ([]*contracts.Ballot, error) {
	rows, err := q.q.QueryContext(ctx, `SELECT
		ballot_id, case_id, juror_id, votes, reasoning_summary, vote, principles_relied_on, confidence, ballot_hash, signature, created_at
		FROM ballots WHERE case_id = ? ORDER BY created_at ASC, ballot_id ASC`, caseID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.Ballot
	for rows.Next() {
		b, err := scanBallot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// CountBallots returns the number of distinct ballots for a case.
func (q *Queries) CountBallots(ctx context.Context, caseID string) (int, error) {
	var n int
	err := q.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM ballots WHERE case_id = ?`, caseID).Scan(&n)
	return n, err
}

func scanBallot(row rowScanner) (*contracts.Ballot, error) {
	var b contracts.Ballot
	var votes, vote, principles, created string
	var confidence sql.NullInt64
	err := row.Scan(&b.BallotID, &b.CaseID, &b.JurorID, &votes, &b.ReasoningSummary,
		&vote, &principles, &confidence, &b.BallotHash, &b.Signature, &created)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(votes), &b.Votes); err != nil {
		return nil, fmt.Errorf("decode votes: %w", err)
	}
	if err := json.Unmarshal([]byte(principles), &b.PrinciplesReliedOn); err != nil {
		return nil, fmt.Errorf("decode principles: %w", err)
	}
	b.Vote = contracts.VoteCategory(vote)
	if confidence.Valid {
		v := int(confidence.Int64)
		b.Confidence = &v
	}
	b.CreatedAt = parseTime(created)
	return &b, nil
}
