package seal

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/opencawt/opencawt/pkg/canonical"
	"github.com/opencawt/opencawt/pkg/contracts"
	"github.com/opencawt/opencawt/pkg/store"
)

// Result is the reconciler's answer to one worker report.
type Result struct {
	Job      *contracts.SealJob `json:"job"`
	Replayed bool               `json:"replayed"`
}

// Reconciler applies worker results to jobs and the records they
// anchor. Apply is idempotent: a repeated identical report replays, a
// conflicting one is rejected.
type Reconciler struct {
	store  *store.Store
	logger *slog.Logger
	now    func() time.Time
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithReconcilerClock injects the time source.
func WithReconcilerClock(now func() time.Time) ReconcilerOption {
	return func(r *Reconciler) { r.now = now }
}

// NewReconciler builds a reconciler over the store.
func NewReconciler(st *store.Store, logger *slog.Logger, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		store:  st,
		logger: logger.With("component", "seal"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Apply records resp against the job and, when the mint succeeded,
// seals the case or agreement the job anchors in the same transaction.
// A report for an already terminal job replays when its canonical hash
// matches the stored response and fails SEAL_JOB_ALREADY_FINALISED when
// it does not.
func (r *Reconciler) Apply(ctx context.Context, jobID string, resp *contracts.SealResponse) (*Result, error) {
	var result *Result
	err := r.store.WithTx(ctx, func(q *store.Queries) error {
		job, err := q.GetSealJob(ctx, jobID)
		if store.IsNotFound(err) {
			return contracts.Codedf(contracts.CodeNotFound, "seal job %s not found", jobID)
		}
		if err != nil {
			return err
		}

		if job.Status == contracts.SealJobMinted || job.Status == contracts.SealJobFailed {
			replay, err := sameResponse(job, resp)
			if err != nil {
				return err
			}
			if !replay {
				return contracts.Codedf(contracts.CodeSealJobFinalised,
					"seal job %s already finalised with a different result", jobID)
			}
			result = &Result{Job: job, Replayed: true}
			return nil
		}

		responseJSON, err := canonical.Marshal(resp)
		if err != nil {
			return fmt.Errorf("seal: marshal response: %w", err)
		}
		now := r.now().UTC()
		ts := now.Format(time.RFC3339Nano)

		switch resp.Status {
		case contracts.SealResultMinted:
			if err := q.CompleteSealJob(ctx, jobID, contracts.SealJobMinted, "", responseJSON, ts); err != nil {
				return err
			}
			switch job.Kind {
			case contracts.SealKindCase:
				err = r.sealCase(ctx, q, job, resp, now)
			case contracts.SealKindAgreement:
				err = r.sealAgreement(ctx, q, job, resp, now)
			default:
				err = fmt.Errorf("seal: job %s has unknown kind %q", jobID, job.Kind)
			}
			if err != nil {
				return err
			}
			r.logger.Info("seal minted",
				"jobId", jobID, "kind", string(job.Kind), "refId", job.RefID, "assetId", resp.AssetID)

		case contracts.SealResultFailed:
			lastErr := workerError(resp)
			if err := q.CompleteSealJob(ctx, jobID, contracts.SealJobFailed, lastErr, responseJSON, ts); err != nil {
				return err
			}
			if job.Kind == contracts.SealKindCase {
				if err := r.failCase(ctx, q, job, lastErr, now); err != nil {
					return err
				}
			}
			r.logger.Warn("seal failed",
				"jobId", jobID, "kind", string(job.Kind), "refId", job.RefID, "error", lastErr)

		default:
			return contracts.Codedf(contracts.CodeValidation, "unknown seal result status %q", resp.Status)
		}

		job, err = q.GetSealJob(ctx, jobID)
		if err != nil {
			return err
		}
		result = &Result{Job: job}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (r *Reconciler) sealCase(ctx context.Context, q *store.Queries, job *contracts.SealJob, resp *contracts.SealResponse, now time.Time) error {
	c, err := q.GetCase(ctx, job.RefID)
	if err != nil {
		return fmt.Errorf("seal: load case %s: %w", job.RefID, err)
	}

	sealedAt := parseSealedAt(resp.SealedAtISO, now)
	c.Status = contracts.CaseSealed
	c.SealStatus = contracts.SealSealed
	c.SealAssetID = resp.AssetID
	c.SealTxSig = resp.TxSig
	c.SealURI = resp.SealedURI
	c.MetadataURI = resp.MetadataURI
	c.SealedAt = &sealedAt
	c.UpdatedAt = now
	if err := q.UpdateCase(ctx, c); err != nil {
		return err
	}

	_, err = q.AppendTranscript(ctx, &contracts.TranscriptEvent{
		CaseID:      c.CaseID,
		ActorRole:   contracts.ActorWorker,
		EventType:   contracts.EventCaseSealed,
		Stage:       c.SessionStage,
		Message:     fmt.Sprintf("decision sealed as %s", resp.AssetID),
		ArtefactRef: resp.AssetID,
		Payload:     job.RequestJSON,
		CreatedAt:   now,
	})
	return err
}

func (r *Reconciler) failCase(ctx context.Context, q *store.Queries, job *contracts.SealJob, lastErr string, now time.Time) error {
	c, err := q.GetCase(ctx, job.RefID)
	if err != nil {
		return fmt.Errorf("seal: load case %s: %w", job.RefID, err)
	}
	c.SealStatus = contracts.SealFailed
	c.UpdatedAt = now
	if err := q.UpdateCase(ctx, c); err != nil {
		return err
	}

	_, err = q.AppendTranscript(ctx, &contracts.TranscriptEvent{
		CaseID:    c.CaseID,
		ActorRole: contracts.ActorWorker,
		EventType: contracts.EventSealFailed,
		Stage:     c.SessionStage,
		Message:   "seal attempt failed: " + lastErr,
		CreatedAt: now,
	})
	return err
}

func (r *Reconciler) sealAgreement(ctx context.Context, q *store.Queries, job *contracts.SealJob, resp *contracts.SealResponse, now time.Time) error {
	a, err := q.GetAgreement(ctx, job.RefID)
	if err != nil {
		return fmt.Errorf("seal: load agreement %s: %w", job.RefID, err)
	}

	sealedAt := parseSealedAt(resp.SealedAtISO, now)
	a.Status = contracts.AgreementSealed
	a.SealedAt = &sealedAt
	a.Receipt = &contracts.SealReceipt{
		AssetID:     resp.AssetID,
		TxSig:       resp.TxSig,
		SealedURI:   resp.SealedURI,
		MetadataURI: resp.MetadataURI,
		SealedAt:    sealedAt,
	}
	return q.UpdateAgreement(ctx, a)
}

// sameResponse reports whether resp matches the job's stored terminal
// response, compared over canonical JSON.
func sameResponse(job *contracts.SealJob, resp *contracts.SealResponse) (bool, error) {
	if len(job.ResponseJSON) == 0 {
		return false, nil
	}
	storedHash, err := canonical.HashRaw(job.ResponseJSON)
	if err != nil {
		return false, fmt.Errorf("seal: stored response for %s: %w", job.JobID, err)
	}
	incomingHash, err := canonical.Hash(resp)
	if err != nil {
		return false, fmt.Errorf("seal: incoming response: %w", err)
	}
	return storedHash == incomingHash, nil
}

// workerError flattens a failed response into the job's lastError,
// keeping the non-retryable marker at the front where the sweeper
// filter expects it.
func workerError(resp *contracts.SealResponse) string {
	msg := resp.ErrorCode
	if resp.ErrorMessage != "" {
		if msg != "" {
			msg += ": "
		}
		msg += resp.ErrorMessage
	}
	if msg == "" {
		msg = "worker reported failure"
	}
	if resp.NonRetryable() && !strings.HasPrefix(msg, contracts.NonRetryablePrefix) {
		msg = contracts.NonRetryablePrefix + " " + msg
	}
	return msg
}

func parseSealedAt(iso string, fallback time.Time) time.Time {
	if iso == "" {
		return fallback
	}
	t, err := time.Parse(time.RFC3339Nano, iso)
	if err != nil {
		return fallback
	}
	return t.UTC()
}
