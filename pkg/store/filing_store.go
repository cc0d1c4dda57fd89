package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/opencawt/opencawt/pkg/contracts"
)

// InsertClaim creates one claim row.
func (q *Queries) InsertClaim(ctx context.Context, c *contracts.Claim) error {
	principles, err := json.Marshal(c.AllegedPrinciples)
	if err != nil {
		return fmt.Errorf("marshal principles: %w", err)
	}
	query := `INSERT INTO claims (claim_id, case_id, claim_index, summary, requested_remedy, alleged_principles, claim_outcome, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = q.q.ExecContext(ctx, query,
		c.ClaimID, c.CaseID, c.ClaimIndex, c.Summary, string(c.RequestedRemedy),
		string(principles), string(c.ClaimOutcome), formatTime(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert claim: %w", err)
	}
	return nil
}

// ListClaims returns a case's claims in claim-index order.
func (q *Queries) ListClaims(ctx context.Context, caseID string) ([]*contracts.Claim, error) {
	rows, err := q.q.QueryContext(ctx,
		`SELECT claim_id, case_id, claim_index, summary, requested_remedy, alleged_principles, claim_outcome, created_at
		 FROM claims WHERE case_id = ? ORDER BY claim_index ASC`, caseID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.Claim
	for rows.Next() {
		var c contracts.Claim
		var remedy, outcome, principles, created string
		if err := rows.Scan(&c.ClaimID, &c.CaseID, &c.ClaimIndex, &c.Summary, &remedy, &principles, &outcome, &created); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(principles), &c.AllegedPrinciples); err != nil {
			return nil, fmt.Errorf("decode principles for %s: %w", c.ClaimID, err)
		}
		c.RequestedRemedy = contracts.Remedy(remedy)
		c.ClaimOutcome = contracts.ClaimOutcome(outcome)
		c.CreatedAt = parseTime(created)
		out = append(out, &c)
	}
	return out, rows.Err()
}

// UpdateClaimOutcome records the decided finding for a claim.
func (q *Queries) UpdateClaimOutcome(ctx context.Context, claimID string, outcome contracts.ClaimOutcome) error {
	res, err := q.q.ExecContext(ctx,
		`UPDATE claims SET claim_outcome = ? WHERE claim_id = ?`, string(outcome), claimID)
	if err != nil {
		return fmt.Errorf("update claim outcome: %w", err)
	}
	return requireOneRow(res, "claim", claimID)
}

// UpsertSubmission inserts or replaces the (case, side, phase) slot.
func (q *Queries) UpsertSubmission(ctx context.Context, s *contracts.Submission) error {
	citations, err := json.Marshal(s.PrincipleCitations)
	if err != nil {
		return fmt.Errorf("marshal principle citations: %w", err)
	}
	claimCitations, err := json.Marshal(s.ClaimPrincipleCitations)
	if err != nil {
		return fmt.Errorf("marshal claim citations: %w", err)
	}
	evidenceCitations, err := json.Marshal(s.EvidenceCitations)
	if err != nil {
		return fmt.Errorf("marshal evidence citations: %w", err)
	}
	query := `INSERT INTO submissions (
		submission_id, case_id, side, phase, text, principle_citations, claim_principle_citations, evidence_citations, content_hash, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(case_id, side, phase) DO UPDATE SET
		submission_id = excluded.submission_id,
		text = excluded.text,
		principle_citations = excluded.principle_citations,
		claim_principle_citations = excluded.claim_principle_citations,
		evidence_citations = excluded.evidence_citations,
		content_hash = excluded.content_hash,
		created_at = excluded.created_at`
	_, err = q.q.ExecContext(ctx, query,
		s.SubmissionID, s.CaseID, string(s.Side), string(s.Phase), s.Text,
		string(citations), string(claimCitations), string(evidenceCitations),
		s.ContentHash, formatTime(s.CreatedAt))
	if err != nil {
		return fmt.Errorf("upsert submission: %w", err)
	}
	return nil
}

// GetSubmission loads the accepted submission for one slot.
func (q *Queries) GetSubmission(ctx context.Context, caseID string, side contracts.Side, phase contracts.Phase) (*contracts.Submission, error) {
	row := q.q.QueryRowContext(ctx,
		`SELECT submission_id, case_id, side, phase, text, principle_citations, claim_principle_citations, evidence_citations, content_hash, created_at
		 FROM submissions WHERE case_id = ? AND side = ? AND phase = ?`,
		caseID, string(side), string(phase))
	return scanSubmission(row)
}

// ListSubmissions returns every accepted submission for a case.
func (q *Queries) ListSubmissions(ctx context.Context, caseID string) ([]*contracts.Submission, error) {
	rows, err := q.q.QueryContext(ctx,
		`SELECT submission_id, case_id, side, phase, text, principle_citations, claim_principle_citations, evidence_citations, content_hash, created_at
		 FROM submissions WHERE case_id = ? ORDER BY created_at ASC`, caseID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.Submission
	for rows.Next() {
		s, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// HasSubmission reports whether a slot is filled.
func (q *Queries) HasSubmission(ctx context.Context, caseID string, side contracts.Side, phase contracts.Phase) (bool, error) {
	var n int
	err := q.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM submissions WHERE case_id = ? AND side = ? AND phase = ?`,
		caseID, string(side), string(phase)).Scan(&n)
	return n > 0, err
}

func scanSubmission(row rowScanner) (*contracts.Submission, error) {
	var s contracts.Submission
	var side, phase, citations, claimCitations, evidenceCitations, created string
	err := row.Scan(&s.SubmissionID, &s.CaseID, &side, &phase, &s.Text,
		&citations, &claimCitations, &evidenceCitations, &s.ContentHash, &created)
	if err != nil {
		return nil, err
	}
	s.Side = contracts.Side(side)
	s.Phase = contracts.Phase(phase)
	if err := json.Unmarshal([]byte(citations), &s.PrincipleCitations); err != nil {
		return nil, fmt.Errorf("decode principle citations: %w", err)
	}
	if err := json.Unmarshal([]byte(claimCitations), &s.ClaimPrincipleCitations); err != nil {
		return nil, fmt.Errorf("decode claim citations: %w", err)
	}
	if err := json.Unmarshal([]byte(evidenceCitations), &s.EvidenceCitations); err != nil {
		return nil, fmt.Errorf("decode evidence citations: %w", err)
	}
	s.CreatedAt = parseTime(created)
	return &s, nil
}

// InsertEvidence adds one evidence item.
func (q *Queries) InsertEvidence(ctx context.Context, e *contracts.EvidenceItem) error {
	refs, err := json.Marshal(e.References)
	if err != nil {
		return fmt.Errorf("marshal references: %w", err)
	}
	urls, err := json.Marshal(e.AttachmentURLs)
	if err != nil {
		return fmt.Errorf("marshal attachment urls: %w", err)
	}
	types, err := json.Marshal(e.EvidenceTypes)
	if err != nil {
		return fmt.Errorf("marshal evidence types: %w", err)
	}
	query := `INSERT INTO evidence_items (
		evidence_id, case_id, submitted_by, kind, body_text, refs, attachment_urls, body_hash, evidence_types, evidence_strength, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	var strength any
	if e.EvidenceStrength != nil {
		strength = *e.EvidenceStrength
	}
	_, err = q.q.ExecContext(ctx, query,
		e.EvidenceID, e.CaseID, e.SubmittedBy, string(e.Kind), e.BodyText,
		string(refs), string(urls), e.BodyHash, string(types), strength, formatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert evidence: %w", err)
	}
	return nil
}

// ListEvidence returns a case's evidence in submission order.
func (q *Queries) ListEvidence(ctx context.Context, caseID string) ([]*contracts.EvidenceItem, error) {
	rows, err := q.q.QueryContext(ctx,
		`SELECT evidence_id, case_id, submitted_by, kind, body_text, refs, attachment_urls, body_hash, evidence_types, evidence_strength, created_at
		 FROM evidence_items WHERE case_id = ? ORDER BY created_at ASC, evidence_id ASC`, caseID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.EvidenceItem
	for rows.Next() {
		var e contracts.EvidenceItem
		var kind, refs, urls, types, created string
		var strength sql.NullInt64
		if err := rows.Scan(&e.EvidenceID, &e.CaseID, &e.SubmittedBy, &kind, &e.BodyText,
			&refs, &urls, &e.BodyHash, &types, &strength, &created); err != nil {
			return nil, err
		}
		e.Kind = contracts.EvidenceKind(kind)
		if err := json.Unmarshal([]byte(refs), &e.References); err != nil {
			return nil, fmt.Errorf("decode references: %w", err)
		}
		if err := json.Unmarshal([]byte(urls), &e.AttachmentURLs); err != nil {
			return nil, fmt.Errorf("decode attachment urls: %w", err)
		}
		if err := json.Unmarshal([]byte(types), &e.EvidenceTypes); err != nil {
			return nil, fmt.Errorf("decode evidence types: %w", err)
		}
		if strength.Valid {
			v := int(strength.Int64)
			e.EvidenceStrength = &v
		}
		e.CreatedAt = parseTime(created)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// EvidenceUsage returns the per-case item count and total body
// characters, for quota checks.
func (q *Queries) EvidenceUsage(ctx context.Context, caseID string) (count int, totalChars int, err error) {
	err = q.q.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(LENGTH(body_text)), 0) FROM evidence_items WHERE case_id = ?`,
		caseID).Scan(&count, &totalChars)
	return count, totalChars, err
}
