// Package agreement implements the two-party notarisation flow. Party A
// proposes a canonical terms document and signs an attestation over it,
// party B countersigns to accept, and the accepted record is anchored
// through the seal pipeline. Verification re-derives every hash and
// signature from the stored record, so a third party never has to trust
// the service's bookkeeping.
package agreement

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/opencawt/opencawt/pkg/canonical"
	"github.com/opencawt/opencawt/pkg/contracts"
	"github.com/opencawt/opencawt/pkg/crypto"
	"github.com/opencawt/opencawt/pkg/ids"
	"github.com/opencawt/opencawt/pkg/seal"
	"github.com/opencawt/opencawt/pkg/store"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// MaxTermsBytes bounds the raw terms document accepted at propose.
const MaxTermsBytes = 32 * 1024

const termsSchemaURL = "https://opencawt.io/schemas/agreement-terms.json"

// termsSchemaJSON is the structural contract for terms documents. It
// bounds shape, not meaning: parties stay free to put whatever
// obligations they negotiated inside the object.
const termsSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"minProperties": 1,
	"maxProperties": 64,
	"properties": {
		"title": {"type": "string", "minLength": 1, "maxLength": 200},
		"obligations": {
			"type": "array",
			"minItems": 1,
			"maxItems": 50,
			"items": {"type": "object", "minProperties": 1}
		}
	}
}`

var termsSchema = compileTermsSchema()

func compileTermsSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(termsSchemaURL, strings.NewReader(termsSchemaJSON)); err != nil {
		panic(fmt.Sprintf("agreement: load terms schema: %v", err))
	}
	compiled, err := c.Compile(termsSchemaURL)
	if err != nil {
		panic(fmt.Sprintf("agreement: compile terms schema: %v", err))
	}
	return compiled
}

// Service owns the agreement lifecycle. Mutations run on the queries
// handle the caller passes in, so the signed-mutation pipeline can
// commit an acceptance, its seal job, and the action log in one
// transaction; minting then runs through the same sweep/reconcile
// pipeline as case seals.
type Service struct {
	store   *store.Store
	baseURL string
	maxTTL  time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock injects a deterministic clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService builds the agreement service. maxTTL bounds how far in the
// future a proposal's expiry may sit.
func NewService(st *store.Store, baseURL string, maxTTL time.Duration, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store:   st,
		baseURL: baseURL,
		maxTTL:  maxTTL,
		logger:  logger.With("component", "agreement"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ProposeRequest carries a new proposal. The proposer mints proposalId
// locally with the agr_ prefix, derives the agreement code with the
// same deterministic function the service uses, and signs the
// attestation digest before submitting. The expiry enters the digest as
// its canonical RFC 3339 UTC rendering, so that is the form party A
// must sign over.
type ProposeRequest struct {
	ProposalID    string                  `json:"proposalId"`
	Mode          contracts.AgreementMode `json:"mode"`
	PartyAAgentID string                  `json:"partyAAgentId"`
	PartyBAgentID string                  `json:"partyBAgentId"`
	Terms         json.RawMessage         `json:"terms"`
	ExpiresAt     time.Time               `json:"expiresAt"`
	SigA          string                  `json:"sigA"`
}

// Propose validates and persists a pending agreement. caller must be
// party A; the attestation signature is checked before anything is
// written, so an unsigned or mis-signed proposal leaves no trace.
func (s *Service) Propose(ctx context.Context, q *store.Queries, caller string, req *ProposeRequest) (*contracts.Agreement, error) {
	now := s.now().UTC()

	if !ids.HasPrefix(req.ProposalID, ids.PrefixAgreement) {
		return nil, contracts.Codedf(contracts.CodeValidation, "proposalId must carry the %s_ prefix", ids.PrefixAgreement)
	}
	if !contracts.ValidAgreementMode(req.Mode) {
		return nil, contracts.Codedf(contracts.CodeValidation, "unknown agreement mode %q", req.Mode)
	}
	pubA, err := crypto.DecodeAgentID(req.PartyAAgentID)
	if err != nil {
		return nil, contracts.Coded(contracts.CodeValidation, "partyAAgentId is not a valid public key")
	}
	if !crypto.ValidAgentID(req.PartyBAgentID) {
		return nil, contracts.Coded(contracts.CodeValidation, "partyBAgentId is not a valid public key")
	}
	if req.PartyAAgentID == req.PartyBAgentID {
		return nil, contracts.Coded(contracts.CodeValidation, "an agreement needs two distinct parties")
	}
	if caller != req.PartyAAgentID {
		return nil, contracts.Coded(contracts.CodeNotAgreementParty, "only party A can propose")
	}
	if req.ExpiresAt.IsZero() || !req.ExpiresAt.After(now) {
		return nil, contracts.Coded(contracts.CodeValidation, "expiresAt must be in the future")
	}
	if req.ExpiresAt.After(now.Add(s.maxTTL)) {
		return nil, contracts.Codedf(contracts.CodeValidation, "expiresAt exceeds the maximum window of %s", s.maxTTL)
	}

	canonicalTerms, err := checkTerms(req.Terms)
	if err != nil {
		return nil, err
	}

	a := &contracts.Agreement{
		ProposalID:     req.ProposalID,
		AgreementCode:  ids.PublicCode(req.ProposalID),
		Mode:           req.Mode,
		PartyAAgentID:  req.PartyAAgentID,
		PartyBAgentID:  req.PartyBAgentID,
		TermsHash:      canonical.HashBytes(canonicalTerms),
		CanonicalTerms: canonicalTerms,
		SigA:           req.SigA,
		Status:         contracts.AgreementPending,
		ExpiresAt:      req.ExpiresAt.UTC(),
		CreatedAt:      now,
	}

	ok, err := verifyParty(pubA, req.SigA, a)
	if err != nil {
		return nil, contracts.CodedWrap(contracts.CodeSignatureInvalid, "sigA is malformed", err)
	}
	if !ok {
		return nil, contracts.Coded(contracts.CodeSignatureInvalid, "sigA does not verify over the attestation digest")
	}

	if err := q.InsertAgreement(ctx, a); err != nil {
		if store.IsUniqueViolation(err) {
			return nil, contracts.Codedf(contracts.CodeDuplicateAgreement, "proposal %s already exists", req.ProposalID)
		}
		return nil, fmt.Errorf("agreement: insert %s: %w", req.ProposalID, err)
	}

	s.logger.Info("agreement proposed",
		"proposalId", a.ProposalID, "code", a.AgreementCode,
		"mode", string(a.Mode), "expiresAt", expiresISO(a))
	return a, nil
}

// Accept countersigns a pending proposal. The status flip, sigB, and
// the seal job land on q together, so a failure anywhere rolls back
// with the caller's transaction. Expiry refuses acceptance here even
// when the sweeper has not yet flipped the status.
func (s *Service) Accept(ctx context.Context, q *store.Queries, caller, proposalID, sigB string) (*contracts.Agreement, error) {
	now := s.now().UTC()

	a, err := q.GetAgreement(ctx, proposalID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, contracts.Codedf(contracts.CodeProposalNotFound, "proposal %s not found", proposalID)
		}
		return nil, err
	}
	if caller != a.PartyBAgentID {
		return nil, contracts.Coded(contracts.CodeNotAgreementParty, "only party B can accept")
	}
	if a.Status != contracts.AgreementPending {
		if a.Status == contracts.AgreementExpiredSt {
			return nil, contracts.Coded(contracts.CodeAgreementExpired, "proposal expired before acceptance")
		}
		return nil, contracts.Codedf(contracts.CodeAgreementNotOpen, "agreement is %s", a.Status)
	}
	if now.After(a.ExpiresAt) {
		return nil, contracts.Coded(contracts.CodeAgreementExpired, "proposal expired before acceptance")
	}

	pubB, err := crypto.DecodeAgentID(a.PartyBAgentID)
	if err != nil {
		return nil, fmt.Errorf("agreement: party B key: %w", err)
	}
	ok, err := verifyParty(pubB, sigB, a)
	if err != nil {
		return nil, contracts.CodedWrap(contracts.CodeSignatureInvalid, "sigB is malformed", err)
	}
	if !ok {
		return nil, contracts.Coded(contracts.CodeSignatureInvalid, "sigB does not verify over the attestation digest")
	}

	a.SigB = sigB
	a.Status = contracts.AgreementAccepted
	a.AcceptedAt = &now
	if err := q.UpdateAgreement(ctx, a); err != nil {
		return nil, err
	}
	if _, err := seal.Enqueue(ctx, q, seal.BuildAgreementRequest(a, s.baseURL), now); err != nil {
		return nil, err
	}

	s.logger.Info("agreement accepted", "proposalId", a.ProposalID, "code", a.AgreementCode)
	return a, nil
}

// Cancel withdraws a pending proposal. Either party can cancel: party A
// retracts an offer, party B declines one. Anything past pending is
// already countersigned and can no longer be withdrawn.
func (s *Service) Cancel(ctx context.Context, q *store.Queries, caller, proposalID string) (*contracts.Agreement, error) {
	a, err := q.GetAgreement(ctx, proposalID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, contracts.Codedf(contracts.CodeProposalNotFound, "proposal %s not found", proposalID)
		}
		return nil, err
	}
	if caller != a.PartyAAgentID && caller != a.PartyBAgentID {
		return nil, contracts.Coded(contracts.CodeNotAgreementParty, "only a party to the proposal can cancel it")
	}
	if a.Status != contracts.AgreementPending {
		return nil, contracts.Codedf(contracts.CodeAgreementNotOpen, "agreement is %s", a.Status)
	}
	a.Status = contracts.AgreementCancelled
	if err := q.UpdateAgreement(ctx, a); err != nil {
		return nil, err
	}

	s.logger.Info("agreement cancelled", "proposalId", a.ProposalID, "by", caller)
	return a, nil
}

// Get loads one agreement by proposal id or public code.
func (s *Service) Get(ctx context.Context, ref string) (*contracts.Agreement, error) {
	return s.lookup(ctx, ref)
}

// Verify loads one agreement and re-derives its attestation. ref is a
// proposal id or a public agreement code.
func (s *Service) Verify(ctx context.Context, ref string) (*contracts.Agreement, *contracts.VerifyResult, error) {
	a, err := s.lookup(ctx, ref)
	if err != nil {
		return nil, nil, err
	}
	return a, CheckAttestation(a), nil
}

func (s *Service) lookup(ctx context.Context, ref string) (*contracts.Agreement, error) {
	var (
		a   *contracts.Agreement
		err error
	)
	switch {
	case ids.HasPrefix(ref, ids.PrefixAgreement):
		a, err = s.store.GetAgreement(ctx, ref)
	case ids.ValidCode(ref):
		a, err = s.store.GetAgreementByCode(ctx, ref)
	default:
		return nil, contracts.Coded(contracts.CodeValidation, "ref must be a proposal id or a 10-character agreement code")
	}
	if err != nil {
		if store.IsNotFound(err) {
			return nil, contracts.Codedf(contracts.CodeProposalNotFound, "no agreement for %q", ref)
		}
		return nil, err
	}
	return a, nil
}

// CheckAttestation inspects one stored agreement. Each leg is reported
// independently: a tampered terms document flips termsHashValid while
// the signatures, made over the stored hash, still verify.
func CheckAttestation(a *contracts.Agreement) *contracts.VerifyResult {
	res := &contracts.VerifyResult{}

	if recomputed, err := canonical.MarshalRaw(a.CanonicalTerms); err == nil {
		res.TermsHashValid = crypto.ConstantTimeEqualHex(canonical.HashBytes(recomputed), a.TermsHash)
	}
	if pubA, err := crypto.DecodeAgentID(a.PartyAAgentID); err == nil {
		ok, verr := verifyParty(pubA, a.SigA, a)
		res.SigAValid = verr == nil && ok
	}
	if a.SigB != "" {
		if pubB, err := crypto.DecodeAgentID(a.PartyBAgentID); err == nil {
			ok, verr := verifyParty(pubB, a.SigB, a)
			res.SigBValid = verr == nil && ok
		}
	}

	res.OverallValid = res.TermsHashValid && res.SigAValid && res.SigBValid
	if !res.OverallValid {
		res.Reason = verifyReason(res, a)
	}
	return res
}

func verifyReason(res *contracts.VerifyResult, a *contracts.Agreement) string {
	switch {
	case !res.TermsHashValid:
		return contracts.CodeTermsHashMismatch
	case a.SigB == "":
		return contracts.CodeInsufficientSigs
	default:
		return contracts.CodeSignatureInvalid
	}
}

// checkTerms bounds, parses, schema-checks, and canonicalises a terms
// document.
func checkTerms(raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		return nil, contracts.Coded(contracts.CodeValidation, "terms are required")
	}
	if len(raw) > MaxTermsBytes {
		return nil, contracts.Codedf(contracts.CodeValidation, "terms exceed %d bytes", MaxTermsBytes)
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, contracts.CodedWrap(contracts.CodeValidation, "terms are not valid JSON", err)
	}
	if err := termsSchema.Validate(doc); err != nil {
		return nil, contracts.CodedWrap(contracts.CodeValidation, "terms failed schema validation", err)
	}
	canonicalTerms, err := canonical.MarshalRaw(raw)
	if err != nil {
		return nil, contracts.CodedWrap(contracts.CodeValidation, "terms cannot be canonicalised", err)
	}
	return canonicalTerms, nil
}

// expiresISO is the canonical expiry rendering bound into the
// attestation digest.
func expiresISO(a *contracts.Agreement) string {
	return a.ExpiresAt.UTC().Format(time.RFC3339Nano)
}

func verifyParty(pub ed25519.PublicKey, sig string, a *contracts.Agreement) (bool, error) {
	return crypto.VerifyAttestation(pub, sig,
		a.ProposalID, a.TermsHash, a.AgreementCode,
		a.PartyAAgentID, a.PartyBAgentID, expiresISO(a))
}
