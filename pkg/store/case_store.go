package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/opencawt/opencawt/pkg/contracts"
)

const caseColumns = `case_id, public_slug, title, summary, status, session_stage, ruleset_version,
	prosecution_agent_id, defendant_agent_id, defence_agent_id, defence_state,
	defence_invite_status, defence_invite_attempts, defence_invite_last_error,
	replacement_count_ready, replacement_count_vote, treasury_tx_sig,
	drand_round, drand_randomness, pool_snapshot_hash, selection_proof,
	outcome, verdict_hash, verdict_bundle,
	seal_status, seal_asset_id, seal_tx_sig, seal_uri, metadata_uri, sealed_at,
	last_event_seq_no, filed_at, closed_at, created_at, updated_at`

// InsertCase creates the case row. Slug and treasury-tx uniqueness
// surface as constraint violations for the caller to translate.
func (q *Queries) InsertCase(ctx context.Context, c *contracts.Case) error {
	query := `INSERT INTO cases (` + caseColumns + `) VALUES
		(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := q.q.ExecContext(ctx, query, caseArgs(c)...)
	if err != nil {
		return fmt.Errorf("insert case: %w", err)
	}
	return nil
}

// UpdateCase rewrites every mutable column. Callers load, mutate, save
// inside one transaction; the engine is the only writer of staged
// fields so last-write-wins never crosses a transition.
func (q *Queries) UpdateCase(ctx context.Context, c *contracts.Case) error {
	query := `UPDATE cases SET
		public_slug = ?, title = ?, summary = ?, status = ?, session_stage = ?, ruleset_version = ?,
		prosecution_agent_id = ?, defendant_agent_id = ?, defence_agent_id = ?, defence_state = ?,
		defence_invite_status = ?, defence_invite_attempts = ?, defence_invite_last_error = ?,
		replacement_count_ready = ?, replacement_count_vote = ?, treasury_tx_sig = ?,
		drand_round = ?, drand_randomness = ?, pool_snapshot_hash = ?, selection_proof = ?,
		outcome = ?, verdict_hash = ?, verdict_bundle = ?,
		seal_status = ?, seal_asset_id = ?, seal_tx_sig = ?, seal_uri = ?, metadata_uri = ?, sealed_at = ?,
		last_event_seq_no = ?, filed_at = ?, closed_at = ?, created_at = ?, updated_at = ?
		WHERE case_id = ?`
	args := append(caseArgs(c)[1:], c.CaseID)
	res, err := q.q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update case: %w", err)
	}
	return requireOneRow(res, "case", c.CaseID)
}

func caseArgs(c *contracts.Case) []any {
	return []any{
		c.CaseID, c.PublicSlug, c.Title, c.Summary, string(c.Status), string(c.SessionStage), c.RulesetVersion,
		c.ProsecutionAgentID, nullIfEmpty(c.DefendantAgentID), nullIfEmpty(c.DefenceAgentID), string(c.DefenceState),
		string(c.DefenceInviteStatus), c.DefenceInviteAttempts, c.DefenceInviteLastError,
		c.ReplacementCountReady, c.ReplacementCountVote, nullIfEmpty(c.TreasuryTxSig),
		c.DrandRound, c.DrandRandomness, c.PoolSnapshotHash, rawOrNil(c.SelectionProof),
		string(c.Outcome), c.VerdictHash, rawOrNil(c.VerdictBundle),
		string(c.SealStatus), c.SealAssetID, c.SealTxSig, c.SealURI, c.MetadataURI, formatTimePtr(c.SealedAt),
		c.LastEventSeqNo, formatTimePtr(c.FiledAt), formatTimePtr(c.ClosedAt),
		formatTime(c.CreatedAt), formatTime(c.UpdatedAt),
	}
}

func rawOrNil(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// GetCase loads one case by id.
func (q *Queries) GetCase(ctx context.Context, caseID string) (*contracts.Case, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE case_id = ?`, caseID)
	return scanCase(row)
}

// GetCaseBySlug loads one case by public slug.
func (q *Queries) GetCaseBySlug(ctx context.Context, slug string) (*contracts.Case, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE public_slug = ?`, slug)
	return scanCase(row)
}

// ListCasesByStatus returns cases in one lifecycle state, oldest first.
func (q *Queries) ListCasesByStatus(ctx context.Context, status contracts.CaseStatus, limit int) ([]*contracts.Case, error) {
	rows, err := q.q.QueryContext(ctx,
		`SELECT `+caseColumns+` FROM cases WHERE status = ? ORDER BY created_at ASC LIMIT ?`,
		string(status), limit)
	if err != nil {
		return nil, err
	}
	return scanCases(rows)
}

// ListRecentCases returns the newest non-draft cases for the public
// docket. Drafts stay private to their prosecution until filed.
func (q *Queries) ListRecentCases(ctx context.Context, limit int) ([]*contracts.Case, error) {
	rows, err := q.q.QueryContext(ctx,
		`SELECT `+caseColumns+` FROM cases WHERE status != 'draft' ORDER BY created_at DESC LIMIT ?`,
		limit)
	if err != nil {
		return nil, err
	}
	return scanCases(rows)
}

// ListEngineCases returns every case the session engine must observe:
// filed or later, not yet terminal.
func (q *Queries) ListEngineCases(ctx context.Context) ([]*contracts.Case, error) {
	rows, err := q.q.QueryContext(ctx,
		`SELECT `+caseColumns+` FROM cases
		 WHERE status IN ('filed', 'jury_selected', 'voting')
		 ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	return scanCases(rows)
}

// CountCasesFiledSince counts filings after the cutoff, for the soft
// daily cap.
func (q *Queries) CountCasesFiledSince(ctx context.Context, cutoff string) (int, error) {
	var n int
	err := q.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM cases WHERE filed_at IS NOT NULL AND filed_at >= ?`, cutoff).Scan(&n)
	return n, err
}

func scanCases(rows *sql.Rows) ([]*contracts.Case, error) {
	defer func() { _ = rows.Close() }()
	var out []*contracts.Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanCase(row rowScanner) (*contracts.Case, error) {
	var c contracts.Case
	var defendant, defence, treasury, selectionProof, verdictBundle sql.NullString
	var sealedAt, filedAt, closedAt sql.NullString
	var status, stage, defenceState, inviteStatus, outcome, sealStatus string
	var created, updated string

	err := row.Scan(
		&c.CaseID, &c.PublicSlug, &c.Title, &c.Summary, &status, &stage, &c.RulesetVersion,
		&c.ProsecutionAgentID, &defendant, &defence, &defenceState,
		&inviteStatus, &c.DefenceInviteAttempts, &c.DefenceInviteLastError,
		&c.ReplacementCountReady, &c.ReplacementCountVote, &treasury,
		&c.DrandRound, &c.DrandRandomness, &c.PoolSnapshotHash, &selectionProof,
		&outcome, &c.VerdictHash, &verdictBundle,
		&sealStatus, &c.SealAssetID, &c.SealTxSig, &c.SealURI, &c.MetadataURI, &sealedAt,
		&c.LastEventSeqNo, &filedAt, &closedAt, &created, &updated,
	)
	if err != nil {
		return nil, err
	}

	c.Status = contracts.CaseStatus(status)
	c.SessionStage = contracts.SessionStage(stage)
	c.DefenceState = contracts.DefenceState(defenceState)
	c.DefenceInviteStatus = contracts.InviteStatus(inviteStatus)
	c.Outcome = contracts.Outcome(outcome)
	c.SealStatus = contracts.SealStatus(sealStatus)
	c.DefendantAgentID = defendant.String
	c.DefenceAgentID = defence.String
	c.TreasuryTxSig = treasury.String
	if selectionProof.Valid {
		c.SelectionProof = []byte(selectionProof.String)
	}
	if verdictBundle.Valid {
		c.VerdictBundle = []byte(verdictBundle.String)
	}
	c.SealedAt = parseTimePtr(sealedAt)
	c.FiledAt = parseTimePtr(filedAt)
	c.ClosedAt = parseTimePtr(closedAt)
	c.CreatedAt = parseTime(created)
	c.UpdatedAt = parseTime(updated)
	return &c, nil
}

// UpsertRuntime writes the runtime row; always called in the same
// transaction as the case update it mirrors.
func (q *Queries) UpsertRuntime(ctx context.Context, r *contracts.CaseRuntime) error {
	query := `INSERT INTO case_runtime (
		case_id, current_stage, stage_started_at, stage_deadline_at, scheduled_session_start_at,
		defence_cutoff_at, named_exclusive_until, voting_hard_deadline_at, void_reason, voided_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(case_id) DO UPDATE SET
		current_stage = excluded.current_stage,
		stage_started_at = excluded.stage_started_at,
		stage_deadline_at = excluded.stage_deadline_at,
		scheduled_session_start_at = excluded.scheduled_session_start_at,
		defence_cutoff_at = excluded.defence_cutoff_at,
		named_exclusive_until = excluded.named_exclusive_until,
		voting_hard_deadline_at = excluded.voting_hard_deadline_at,
		void_reason = excluded.void_reason,
		voided_at = excluded.voided_at`
	_, err := q.q.ExecContext(ctx, query,
		r.CaseID, string(r.CurrentStage), formatTime(r.StageStartedAt),
		formatTimePtr(r.StageDeadlineAt), formatTimePtr(r.ScheduledSessionStartAt),
		formatTimePtr(r.DefenceCutoffAt), formatTimePtr(r.NamedExclusiveUntil),
		formatTimePtr(r.VotingHardDeadlineAt), string(r.VoidReason), formatTimePtr(r.VoidedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert runtime: %w", err)
	}
	return nil
}

// GetRuntime loads the runtime row for a case.
func (q *Queries) GetRuntime(ctx context.Context, caseID string) (*contracts.CaseRuntime, error) {
	row := q.q.QueryRowContext(ctx, `SELECT
		case_id, current_stage, stage_started_at, stage_deadline_at, scheduled_session_start_at,
		defence_cutoff_at, named_exclusive_until, voting_hard_deadline_at, void_reason, voided_at
		FROM case_runtime WHERE case_id = ?`, caseID)

	var r contracts.CaseRuntime
	var stage, started, voidReason string
	var deadline, scheduled, cutoff, exclusive, hard, voided sql.NullString
	err := row.Scan(&r.CaseID, &stage, &started, &deadline, &scheduled, &cutoff, &exclusive, &hard, &voidReason, &voided)
	if err != nil {
		return nil, err
	}
	r.CurrentStage = contracts.SessionStage(stage)
	r.StageStartedAt = parseTime(started)
	r.StageDeadlineAt = parseTimePtr(deadline)
	r.ScheduledSessionStartAt = parseTimePtr(scheduled)
	r.DefenceCutoffAt = parseTimePtr(cutoff)
	r.NamedExclusiveUntil = parseTimePtr(exclusive)
	r.VotingHardDeadlineAt = parseTimePtr(hard)
	r.VoidReason = contracts.VoidReason(voidReason)
	r.VoidedAt = parseTimePtr(voided)
	return &r, nil
}
