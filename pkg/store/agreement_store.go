package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/opencawt/opencawt/pkg/contracts"
)

const agreementColumns = `proposal_id, agreement_code, mode, party_a_agent_id, party_b_agent_id,
	terms_hash, canonical_terms, sig_a, sig_b, status, expires_at, created_at, accepted_at, sealed_at, receipt_json`

// InsertAgreement persists a freshly proposed agreement.
func (q *Queries) InsertAgreement(ctx context.Context, a *contracts.Agreement) error {
	var receipt any
	if a.Receipt != nil {
		data, err := json.Marshal(a.Receipt)
		if err != nil {
			return fmt.Errorf("marshal receipt: %w", err)
		}
		receipt = string(data)
	}
	query := `INSERT INTO agreements (` + agreementColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := q.q.ExecContext(ctx, query,
		a.ProposalID, a.AgreementCode, string(a.Mode), a.PartyAAgentID, a.PartyBAgentID,
		a.TermsHash, string(a.CanonicalTerms), a.SigA, a.SigB, string(a.Status),
		formatTime(a.ExpiresAt), formatTime(a.CreatedAt),
		formatTimePtr(a.AcceptedAt), formatTimePtr(a.SealedAt), receipt)
	if err != nil {
		return fmt.Errorf("insert agreement: %w", err)
	}
	return nil
}

// GetAgreement loads one agreement by proposal id.
func (q *Queries) GetAgreement(ctx context.Context, proposalID string) (*contracts.Agreement, error) {
	row := q.q.QueryRowContext(ctx,
		`SELECT `+agreementColumns+` FROM agreements WHERE proposal_id = ?`, proposalID)
	return scanAgreement(row)
}

// GetAgreementByCode loads one agreement by its public code.
func (q *Queries) GetAgreementByCode(ctx context.Context, code string) (*contracts.Agreement, error) {
	row := q.q.QueryRowContext(ctx,
		`SELECT `+agreementColumns+` FROM agreements WHERE agreement_code = ?`, code)
	return scanAgreement(row)
}

// UpdateAgreement rewrites the mutable agreement fields.
func (q *Queries) UpdateAgreement(ctx context.Context, a *contracts.Agreement) error {
	var receipt any
	if a.Receipt != nil {
		data, err := json.Marshal(a.Receipt)
		if err != nil {
			return fmt.Errorf("marshal receipt: %w", err)
		}
		receipt = string(data)
	}
	query := `UPDATE agreements SET
		sig_b = ?, status = ?, accepted_at = ?, sealed_at = ?, receipt_json = ?
		WHERE proposal_id = ?`
	res, err := q.q.ExecContext(ctx, query,
		a.SigB, string(a.Status), formatTimePtr(a.AcceptedAt), formatTimePtr(a.SealedAt), receipt,
		a.ProposalID)
	if err != nil {
		return fmt.Errorf("update agreement: %w", err)
	}
	return requireOneRow(res, "agreement", a.ProposalID)
}

// ListPendingAgreements returns pending agreements, earliest expiry
// first. Whether an expiry has actually passed is decided by the caller
// on parsed timestamps; the stored strings only order the scan.
func (q *Queries) ListPendingAgreements(ctx context.Context, limit int) ([]*contracts.Agreement, error) {
	rows, err := q.q.QueryContext(ctx,
		`SELECT `+agreementColumns+` FROM agreements
		 WHERE status = ? ORDER BY expires_at ASC LIMIT ?`,
		string(contracts.AgreementPending), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.Agreement
	for rows.Next() {
		a, err := scanAgreement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAgreement(row rowScanner) (*contracts.Agreement, error) {
	var a contracts.Agreement
	var mode, terms, status, expires, created string
	var acceptedAt, sealedAt, receipt sql.NullString
	err := row.Scan(&a.ProposalID, &a.AgreementCode, &mode, &a.PartyAAgentID, &a.PartyBAgentID,
		&a.TermsHash, &terms, &a.SigA, &a.SigB, &status, &expires, &created,
		&acceptedAt, &sealedAt, &receipt)
	if err != nil {
		return nil, err
	}
	a.Mode = contracts.AgreementMode(mode)
	a.CanonicalTerms = []byte(terms)
	a.Status = contracts.AgreementStatus(status)
	a.ExpiresAt = parseTime(expires)
	a.CreatedAt = parseTime(created)
	a.AcceptedAt = parseTimePtr(acceptedAt)
	a.SealedAt = parseTimePtr(sealedAt)
	if receipt.Valid && receipt.String != "" {
		var r contracts.SealReceipt
		if err := json.Unmarshal([]byte(receipt.String), &r); err != nil {
			return nil, fmt.Errorf("decode receipt: %w", err)
		}
		a.Receipt = &r
	}
	return &a, nil
}
