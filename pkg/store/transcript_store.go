package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/opencawt/opencawt/pkg/contracts"
)

// AppendTranscript allocates the next seqNo from the case row and
// writes the event. Must run inside the same transaction as the state
// change it records; the increment on cases serialises writers.
func (q *Queries) AppendTranscript(ctx context.Context, ev *contracts.TranscriptEvent) (int64, error) {
	res, err := q.q.ExecContext(ctx,
		`UPDATE cases SET last_event_seq_no = last_event_seq_no + 1 WHERE case_id = ?`, ev.CaseID)
	if err != nil {
		return 0, fmt.Errorf("bump seq no: %w", err)
	}
	if err := requireOneRow(res, "case", ev.CaseID); err != nil {
		return 0, err
	}

	var seq int64
	if err := q.q.QueryRowContext(ctx,
		`SELECT last_event_seq_no FROM cases WHERE case_id = ?`, ev.CaseID).Scan(&seq); err != nil {
		return 0, fmt.Errorf("read seq no: %w", err)
	}
	ev.SeqNo = seq

	query := `INSERT INTO transcript_events (
		case_id, seq_no, actor_role, actor_agent_id, event_type, stage, message, artefact_ref, payload, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = q.q.ExecContext(ctx, query,
		ev.CaseID, ev.SeqNo, string(ev.ActorRole), ev.ActorAgentID, ev.EventType,
		string(ev.Stage), ev.Message, ev.ArtefactRef, rawOrNil(ev.Payload), formatTime(ev.CreatedAt))
	if err != nil {
		return 0, fmt.Errorf("insert transcript event: %w", err)
	}
	return seq, nil
}

// ListTranscript pages a case's transcript after a seqNo cursor.
func (q *Queries) ListTranscript(ctx context.Context, caseID string, afterSeq int64, limit int) ([]*contracts.TranscriptEvent, error) {
	rows, err := q.q.QueryContext(ctx, `SELECT
		case_id, seq_no, actor_role, actor_agent_id, event_type, stage, message, artefact_ref, payload, created_at
		FROM transcript_events WHERE case_id = ? AND seq_no > ? ORDER BY seq_no ASC LIMIT ?`,
		caseID, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.TranscriptEvent
	for rows.Next() {
		var ev contracts.TranscriptEvent
		var role, stage, created string
		var payload sql.NullString
		if err := rows.Scan(&ev.CaseID, &ev.SeqNo, &role, &ev.ActorAgentID, &ev.EventType,
			&stage, &ev.Message, &ev.ArtefactRef, &payload, &created); err != nil {
			return nil, err
		}
		ev.ActorRole = contracts.ActorRole(role)
		ev.Stage = contracts.SessionStage(stage)
		if payload.Valid {
			ev.Payload = []byte(payload.String)
		}
		ev.CreatedAt = parseTime(created)
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// CountTranscript returns the number of events for a case.
func (q *Queries) CountTranscript(ctx context.Context, caseID string) (int64, error) {
	var n int64
	err := q.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM transcript_events WHERE case_id = ?`, caseID).Scan(&n)
	return n, err
}
