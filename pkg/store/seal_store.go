package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/opencawt/opencawt/pkg/contracts"
)

const sealJobColumns = `job_id, kind, ref_id, status, attempts, last_error, payload_hash,
	request_json, response_json, claimed_at, completed_at, created_at, updated_at`

// InsertSealJob enqueues a job. The (kind, ref_id) unique constraint
// guarantees at most one job per case or agreement; callers translate
// the violation.
func (q *Queries) InsertSealJob(ctx context.Context, j *contracts.SealJob) error {
	query := `INSERT INTO seal_jobs (` + sealJobColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := q.q.ExecContext(ctx, query,
		j.JobID, string(j.Kind), j.RefID, string(j.Status), j.Attempts, j.LastError,
		j.PayloadHash, string(j.RequestJSON), rawOrNil(j.ResponseJSON),
		formatTimePtr(j.ClaimedAt), formatTimePtr(j.CompletedAt),
		formatTime(j.CreatedAt), formatTime(j.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert seal job: %w", err)
	}
	return nil
}

// GetSealJob loads one job by id.
func (q *Queries) GetSealJob(ctx context.Context, jobID string) (*contracts.SealJob, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+sealJobColumns+` FROM seal_jobs WHERE job_id = ?`, jobID)
	return scanSealJob(row)
}

// GetSealJobByRef loads the job anchoring one case or agreement.
func (q *Queries) GetSealJobByRef(ctx context.Context, kind contracts.SealKind, refID string) (*contracts.SealJob, error) {
	row := q.q.QueryRowContext(ctx,
		`SELECT `+sealJobColumns+` FROM seal_jobs WHERE kind = ? AND ref_id = ?`, string(kind), refID)
	return scanSealJob(row)
}

// ClaimSealJob conditionally moves queued -> minting and bumps the
// attempt counter. The WHERE clause makes the claim at-most-once across
// concurrent pickers; false means someone else holds it.
func (q *Queries) ClaimSealJob(ctx context.Context, jobID, claimedAt string) (bool, error) {
	res, err := q.q.ExecContext(ctx,
		`UPDATE seal_jobs SET status = ?, attempts = attempts + 1, claimed_at = ?, updated_at = ?
		 WHERE job_id = ? AND status = ?`,
		string(contracts.SealJobMinting), claimedAt, claimedAt,
		jobID, string(contracts.SealJobQueued))
	if err != nil {
		return false, fmt.Errorf("claim seal job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CompleteSealJob records the worker's terminal response.
func (q *Queries) CompleteSealJob(ctx context.Context, jobID string, status contracts.SealJobStatus, lastError string, responseJSON []byte, completedAt string) error {
	res, err := q.q.ExecContext(ctx,
		`UPDATE seal_jobs SET status = ?, last_error = ?, response_json = ?, completed_at = ?, updated_at = ?
		 WHERE job_id = ?`,
		string(status), lastError, rawOrNil(responseJSON), completedAt, completedAt, jobID)
	if err != nil {
		return fmt.Errorf("complete seal job: %w", err)
	}
	return requireOneRow(res, "seal job", jobID)
}

// RequeueSealJob puts a failed job back in the queue for the sweeper.
func (q *Queries) RequeueSealJob(ctx context.Context, jobID, updatedAt string) error {
	res, err := q.q.ExecContext(ctx,
		`UPDATE seal_jobs SET status = ?, updated_at = ? WHERE job_id = ? AND status = ?`,
		string(contracts.SealJobQueued), updatedAt, jobID, string(contracts.SealJobFailed))
	if err != nil {
		return fmt.Errorf("requeue seal job: %w", err)
	}
	return requireOneRow(res, "seal job", jobID)
}

// ListRetryableSealJobs returns jobs the sweeper may drive: queued or
// failed, not marked non-retryable, under the attempt budget, and not
// touched after the cutoff. The caller applies the per-attempt backoff
// on top of this coarse filter.
func (q *Queries) ListRetryableSealJobs(ctx context.Context, olderThan string, maxAttempts, limit int) ([]*contracts.SealJob, error) {
	rows, err := q.q.QueryContext(ctx,
		`SELECT `+sealJobColumns+` FROM seal_jobs
		 WHERE status IN (?, ?)
		   AND (last_error = '' OR last_error NOT LIKE ?)
		   AND attempts < ?
		   AND updated_at <= ?
		 ORDER BY created_at ASC LIMIT ?`,
		string(contracts.SealJobQueued), string(contracts.SealJobFailed),
		contracts.NonRetryablePrefix+"%", maxAttempts, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.SealJob
	for rows.Next() {
		j, err := scanSealJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// CountSealJobsByStatus returns queue depths for diagnostics.
func (q *Queries) CountSealJobsByStatus(ctx context.Context) (map[contracts.SealJobStatus]int, error) {
	rows, err := q.q.QueryContext(ctx, `SELECT status, COUNT(*) FROM seal_jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[contracts.SealJobStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[contracts.SealJobStatus(status)] = n
	}
	return out, rows.Err()
}

func scanSealJob(row rowScanner) (*contracts.SealJob, error) {
	var j contracts.SealJob
	var kind, status, request, created, updated string
	var response, claimedAt, completedAt sql.NullString
	err := row.Scan(&j.JobID, &kind, &j.RefID, &status, &j.Attempts, &j.LastError,
		&j.PayloadHash, &request, &response, &claimedAt, &completedAt, &created, &updated)
	if err != nil {
		return nil, err
	}
	j.Kind = contracts.SealKind(kind)
	j.Status = contracts.SealJobStatus(status)
	j.RequestJSON = []byte(request)
	if response.Valid {
		j.ResponseJSON = []byte(response.String)
	}
	j.ClaimedAt = parseTimePtr(claimedAt)
	j.CompletedAt = parseTimePtr(completedAt)
	j.CreatedAt = parseTime(created)
	j.UpdatedAt = parseTime(updated)
	return &j, nil
}

// InsertUsedTreasuryTx burns a filing payment signature. A violation
// means the signature was already spent.
func (q *Queries) InsertUsedTreasuryTx(ctx context.Context, t *contracts.UsedTreasuryTx) error {
	_, err := q.q.ExecContext(ctx,
		`INSERT INTO used_treasury_tx (tx_sig, case_id, agent_id, amount_lamports, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		t.TxSig, t.CaseID, t.AgentID, t.AmountLamports, formatTime(t.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert used treasury tx: %w", err)
	}
	return nil
}
