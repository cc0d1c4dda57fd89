// Package seal runs the receipt pipeline. A closed case or an accepted
// agreement gets exactly one seal job; a driver claims jobs at most
// once, an external worker mints the NFT receipt, and the reconciler
// applies worker results idempotently so retries and replays are safe.
package seal

import (
	"context"
	"fmt"
	"time"

	"github.com/opencawt/opencawt/pkg/canonical"
	"github.com/opencawt/opencawt/pkg/contracts"
	"github.com/opencawt/opencawt/pkg/ids"
	"github.com/opencawt/opencawt/pkg/store"
)

// BuildCaseRequest assembles the mint request anchoring a closed case.
func BuildCaseRequest(c *contracts.Case, baseURL string) *contracts.SealRequest {
	return &contracts.SealRequest{
		Kind:        contracts.SealKindCase,
		RefID:       c.CaseID,
		PublicCode:  ids.PublicCode(c.CaseID),
		ContentHash: c.VerdictHash,
		ExternalURL: fmt.Sprintf("%s/cases/%s", baseURL, c.PublicSlug),
		Metadata: map[string]interface{}{
			"publicSlug": c.PublicSlug,
			"outcome":    string(c.Outcome),
			"title":      c.Title,
		},
	}
}

// BuildAgreementRequest assembles the mint request anchoring an
// accepted agreement.
func BuildAgreementRequest(a *contracts.Agreement, baseURL string) *contracts.SealRequest {
	return &contracts.SealRequest{
		Kind:        contracts.SealKindAgreement,
		RefID:       a.ProposalID,
		PublicCode:  a.AgreementCode,
		ContentHash: a.TermsHash,
		ExternalURL: fmt.Sprintf("%s/verify?code=%s", baseURL, a.AgreementCode),
		Metadata: map[string]interface{}{
			"partyAAgentId": a.PartyAAgentID,
			"partyBAgentId": a.PartyBAgentID,
			"mode":          string(a.Mode),
		},
	}
}

// Enqueue creates the seal job for req inside the caller's transaction.
// The (kind, refId) unique constraint makes enqueuing idempotent: a
// second call returns the existing job untouched.
func Enqueue(ctx context.Context, q *store.Queries, req *contracts.SealRequest, now time.Time) (*contracts.SealJob, error) {
	requestJSON, err := canonical.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("seal: marshal request: %w", err)
	}

	job := &contracts.SealJob{
		JobID:       ids.New(ids.PrefixSealJob),
		Kind:        req.Kind,
		RefID:       req.RefID,
		Status:      contracts.SealJobQueued,
		PayloadHash: canonical.HashBytes(requestJSON),
		RequestJSON: requestJSON,
		CreatedAt:   now.UTC(),
		UpdatedAt:   now.UTC(),
	}
	if err := q.InsertSealJob(ctx, job); err != nil {
		if store.IsUniqueViolation(err) {
			return q.GetSealJobByRef(ctx, req.Kind, req.RefID)
		}
		return nil, err
	}
	return job, nil
}
