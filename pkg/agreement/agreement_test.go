package agreement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencawt/opencawt/pkg/canonical"
	"github.com/opencawt/opencawt/pkg/contracts"
	"github.com/opencawt/opencawt/pkg/crypto"
	"github.com/opencawt/opencawt/pkg/ids"
	"github.com/opencawt/opencawt/pkg/store"
)

var notaryTime = time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type notary struct {
	st  *store.Store
	svc *Service
	now time.Time
}

func newNotary(t *testing.T) *notary {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "notary.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	n := &notary{st: st, now: notaryTime}
	n.svc = NewService(st, "https://court.test", 72*time.Hour, discard(),
		WithClock(func() time.Time { return n.now }))
	return n
}

type party struct {
	kp *crypto.Keypair
	id string
}

func newParty(t *testing.T, seed byte) *party {
	t.Helper()
	kp, err := crypto.KeypairFromSeed(bytes.Repeat([]byte{seed}, 32))
	require.NoError(t, err)
	return &party{kp: kp, id: kp.AgentID()}
}

// proposeReq assembles a correctly signed proposal the way a client
// would: canonicalise terms locally, derive the code from the minted
// id, sign the attestation digest.
func (n *notary) proposeReq(t *testing.T, a, b *party, proposalID, terms string, expires time.Time) *ProposeRequest {
	t.Helper()
	canonicalTerms, err := canonical.MarshalRaw(json.RawMessage(terms))
	require.NoError(t, err)
	sigA := a.kp.SignAttestation(
		proposalID, canonical.HashBytes(canonicalTerms), ids.PublicCode(proposalID),
		a.id, b.id, expires.UTC().Format(time.RFC3339Nano))
	return &ProposeRequest{
		ProposalID:    proposalID,
		Mode:          contracts.AgreementPublic,
		PartyAAgentID: a.id,
		PartyBAgentID: b.id,
		Terms:         json.RawMessage(terms),
		ExpiresAt:     expires,
		SigA:          sigA,
	}
}

func (n *notary) propose(t *testing.T, a, b *party, proposalID, terms string, expires time.Time) *contracts.Agreement {
	t.Helper()
	got, err := n.svc.Propose(context.Background(), n.st.Queries, a.id, n.proposeReq(t, a, b, proposalID, terms, expires))
	require.NoError(t, err)
	return got
}

func signAccept(b *party, a *contracts.Agreement) string {
	return b.kp.SignAttestation(
		a.ProposalID, a.TermsHash, a.AgreementCode,
		a.PartyAAgentID, a.PartyBAgentID, a.ExpiresAt.UTC().Format(time.RFC3339Nano))
}

func TestProposeAcceptVerify(t *testing.T) {
	n := newNotary(t)
	ctx := context.Background()
	alice := newParty(t, 0xA1)
	bob := newParty(t, 0xB2)

	expires := notaryTime.Add(48 * time.Hour)
	terms := `{"fee":250,"title":"Security audit of deploy pipeline","obligations":[{"party":"A","action":"deliver report"}]}`
	a := n.propose(t, alice, bob, "agr_audit_2026", terms, expires)

	assert.Equal(t, contracts.AgreementPending, a.Status)
	assert.Equal(t, ids.PublicCode("agr_audit_2026"), a.AgreementCode)
	assert.True(t, ids.ValidCode(a.AgreementCode))
	assert.Empty(t, a.SigB)
	assert.True(t, a.CreatedAt.Equal(notaryTime))
	assert.True(t, a.ExpiresAt.Equal(expires))

	// Key order is canonicalised, values untouched.
	wantTerms, err := canonical.MarshalRaw(json.RawMessage(terms))
	require.NoError(t, err)
	assert.Equal(t, string(wantTerms), string(a.CanonicalTerms))
	assert.Equal(t, canonical.HashBytes(wantTerms), a.TermsHash)

	// No seal job until both parties have signed.
	_, err = n.st.GetSealJobByRef(ctx, contracts.SealKindAgreement, a.ProposalID)
	require.Error(t, err)
	assert.True(t, store.IsNotFound(err))

	n.now = notaryTime.Add(2 * time.Hour)
	accepted, err := n.svc.Accept(ctx, n.st.Queries, bob.id, a.ProposalID, signAccept(bob, a))
	require.NoError(t, err)
	assert.Equal(t, contracts.AgreementAccepted, accepted.Status)
	assert.NotEmpty(t, accepted.SigB)
	require.NotNil(t, accepted.AcceptedAt)
	assert.True(t, accepted.AcceptedAt.Equal(n.now))
	assert.Nil(t, accepted.Receipt)

	job, err := n.st.GetSealJobByRef(ctx, contracts.SealKindAgreement, a.ProposalID)
	require.NoError(t, err)
	assert.Equal(t, contracts.SealJobQueued, job.Status)
	assert.Equal(t, a.ProposalID, job.RefID)
	assert.NotEmpty(t, job.PayloadHash)

	// Both lookup forms answer, and every leg checks out.
	for _, ref := range []string{a.ProposalID, a.AgreementCode} {
		got, res, err := n.svc.Verify(ctx, ref)
		require.NoError(t, err)
		assert.Equal(t, a.ProposalID, got.ProposalID)
		assert.True(t, res.TermsHashValid)
		assert.True(t, res.SigAValid)
		assert.True(t, res.SigBValid)
		assert.True(t, res.OverallValid)
		assert.Empty(t, res.Reason)
	}

	_, err = n.svc.Accept(ctx, n.st.Queries, bob.id, a.ProposalID, signAccept(bob, a))
	require.Error(t, err)
	assert.Equal(t, contracts.CodeAgreementNotOpen, contracts.CodeOf(err))
}

func TestVerifyReportsEachLegIndependently(t *testing.T) {
	n := newNotary(t)
	ctx := context.Background()
	alice := newParty(t, 0x11)
	bob := newParty(t, 0x22)

	a := n.propose(t, alice, bob, "agr_tamper", `{"fee":500}`, notaryTime.Add(24*time.Hour))
	_, err := n.svc.Accept(ctx, n.st.Queries, bob.id, a.ProposalID, signAccept(bob, a))
	require.NoError(t, err)

	stored, err := n.st.GetAgreement(ctx, a.ProposalID)
	require.NoError(t, err)
	require.True(t, CheckAttestation(stored).OverallValid)

	// Tampered terms: the hash leg fails, but both signatures were made
	// over the stored hash and still verify.
	tampered := *stored
	tampered.CanonicalTerms = json.RawMessage(`{"fee":501}`)
	res := CheckAttestation(&tampered)
	assert.False(t, res.TermsHashValid)
	assert.True(t, res.SigAValid)
	assert.True(t, res.SigBValid)
	assert.False(t, res.OverallValid)
	assert.Equal(t, contracts.CodeTermsHashMismatch, res.Reason)

	// A swapped hash drags the signatures down with it: the digest the
	// parties signed no longer derives.
	rehashed := *stored
	rehashed.TermsHash = canonical.HashBytes([]byte(`{"fee":501}`))
	res = CheckAttestation(&rehashed)
	assert.False(t, res.TermsHashValid)
	assert.False(t, res.SigAValid)
	assert.False(t, res.SigBValid)
	assert.Equal(t, contracts.CodeTermsHashMismatch, res.Reason)
}

func TestProposeRejectsWrongSigner(t *testing.T) {
	n := newNotary(t)
	ctx := context.Background()
	alice := newParty(t, 0x31)
	bob := newParty(t, 0x42)

	req := n.proposeReq(t, alice, bob, "agr_forged", `{"fee":1}`, notaryTime.Add(time.Hour))
	forged := *req
	forged.SigA = bob.kp.SignAttestation(
		req.ProposalID, canonical.HashBytes(req.Terms), ids.PublicCode(req.ProposalID),
		alice.id, bob.id, req.ExpiresAt.UTC().Format(time.RFC3339Nano))

	_, err := n.svc.Propose(ctx, n.st.Queries, alice.id, &forged)
	require.Error(t, err)
	assert.Equal(t, contracts.CodeSignatureInvalid, contracts.CodeOf(err))

	// A rejected proposal leaves no record behind.
	_, err = n.svc.Get(ctx, req.ProposalID)
	require.Error(t, err)
	assert.Equal(t, contracts.CodeProposalNotFound, contracts.CodeOf(err))
}

func TestProposeValidation(t *testing.T) {
	n := newNotary(t)
	ctx := context.Background()
	alice := newParty(t, 0x51)
	bob := newParty(t, 0x62)

	oversized := `{"title":"big","pad":"` + strings.Repeat("a", MaxTermsBytes) + `"}`

	cases := []struct {
		name   string
		caller string
		mutate func(r *ProposeRequest)
		code   string
	}{
		{"foreign id prefix", alice.id, func(r *ProposeRequest) { r.ProposalID = "case_abc" }, contracts.CodeValidation},
		{"unknown mode", alice.id, func(r *ProposeRequest) { r.Mode = "secret" }, contracts.CodeValidation},
		{"party A not a key", alice.id, func(r *ProposeRequest) { r.PartyAAgentID = "tooshort" }, contracts.CodeValidation},
		{"party B not a key", alice.id, func(r *ProposeRequest) { r.PartyBAgentID = "tooshort" }, contracts.CodeValidation},
		{"same party twice", alice.id, func(r *ProposeRequest) { r.PartyBAgentID = alice.id }, contracts.CodeValidation},
		{"caller is not party A", bob.id, func(r *ProposeRequest) {}, contracts.CodeNotAgreementParty},
		{"expiry in the past", alice.id, func(r *ProposeRequest) { r.ExpiresAt = notaryTime.Add(-time.Hour) }, contracts.CodeValidation},
		{"expiry at the current instant", alice.id, func(r *ProposeRequest) { r.ExpiresAt = notaryTime }, contracts.CodeValidation},
		{"expiry beyond the window", alice.id, func(r *ProposeRequest) { r.ExpiresAt = notaryTime.Add(72*time.Hour + time.Second) }, contracts.CodeValidation},
		{"terms missing", alice.id, func(r *ProposeRequest) { r.Terms = nil }, contracts.CodeValidation},
		{"terms not json", alice.id, func(r *ProposeRequest) { r.Terms = json.RawMessage(`{"fee":`) }, contracts.CodeValidation},
		{"terms not an object", alice.id, func(r *ProposeRequest) { r.Terms = json.RawMessage(`"just text"`) }, contracts.CodeValidation},
		{"terms empty object", alice.id, func(r *ProposeRequest) { r.Terms = json.RawMessage(`{}`) }, contracts.CodeValidation},
		{"terms oversized", alice.id, func(r *ProposeRequest) { r.Terms = json.RawMessage(oversized) }, contracts.CodeValidation},
	}
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := n.proposeReq(t, alice, bob,
				fmt.Sprintf("agr_val_%02d", i), `{"fee":10}`, notaryTime.Add(time.Hour))
			tc.mutate(req)
			got, err := n.svc.Propose(ctx, n.st.Queries, tc.caller, req)
			require.Error(t, err)
			assert.Equal(t, tc.code, contracts.CodeOf(err))
			assert.Nil(t, got)
		})
	}

	// An expiry exactly on the window bound is still inside it.
	atCap := n.proposeReq(t, alice, bob, "agr_at_cap", `{"fee":10}`, notaryTime.Add(72*time.Hour))
	_, err := n.svc.Propose(ctx, n.st.Queries, alice.id, atCap)
	require.NoError(t, err)
}

func TestProposeDuplicateProposalID(t *testing.T) {
	n := newNotary(t)
	ctx := context.Background()
	alice := newParty(t, 0x71)
	bob := newParty(t, 0x82)

	n.propose(t, alice, bob, "agr_dup", `{"fee":1}`, notaryTime.Add(time.Hour))

	_, err := n.svc.Propose(ctx, n.st.Queries, alice.id,
		n.proposeReq(t, alice, bob, "agr_dup", `{"fee":2}`, notaryTime.Add(time.Hour)))
	require.Error(t, err)
	assert.Equal(t, contracts.CodeDuplicateAgreement, contracts.CodeOf(err))
}

func TestAcceptGuards(t *testing.T) {
	n := newNotary(t)
	ctx := context.Background()
	alice := newParty(t, 0x91)
	bob := newParty(t, 0xA2)
	carol := newParty(t, 0xB3)

	_, err := n.svc.Accept(ctx, n.st.Queries, bob.id, "agr_ghost", "sig")
	require.Error(t, err)
	assert.Equal(t, contracts.CodeProposalNotFound, contracts.CodeOf(err))

	expires := notaryTime.Add(6 * time.Hour)
	a := n.propose(t, alice, bob, "agr_guard", `{"fee":5}`, expires)

	_, err = n.svc.Accept(ctx, n.st.Queries, carol.id, a.ProposalID, signAccept(carol, a))
	require.Error(t, err)
	assert.Equal(t, contracts.CodeNotAgreementParty, contracts.CodeOf(err))

	// Party B signing the wrong digest is refused and nothing sticks.
	bad := *a
	bad.TermsHash = "0000"
	_, err = n.svc.Accept(ctx, n.st.Queries, bob.id, a.ProposalID, signAccept(bob, &bad))
	require.Error(t, err)
	assert.Equal(t, contracts.CodeSignatureInvalid, contracts.CodeOf(err))
	cur, err := n.st.GetAgreement(ctx, a.ProposalID)
	require.NoError(t, err)
	assert.Equal(t, contracts.AgreementPending, cur.Status)

	// At the expiry instant the window is still open.
	n.now = expires
	accepted, err := n.svc.Accept(ctx, n.st.Queries, bob.id, a.ProposalID, signAccept(bob, a))
	require.NoError(t, err)
	assert.Equal(t, contracts.AgreementAccepted, accepted.Status)

	// One millisecond past it is not.
	late := n.propose(t, alice, bob, "agr_late", `{"fee":6}`, expires.Add(time.Minute))
	n.now = expires.Add(time.Minute + time.Millisecond)
	_, err = n.svc.Accept(ctx, n.st.Queries, bob.id, late.ProposalID, signAccept(bob, late))
	require.Error(t, err)
	assert.Equal(t, contracts.CodeAgreementExpired, contracts.CodeOf(err))
}

func TestCancel(t *testing.T) {
	n := newNotary(t)
	ctx := context.Background()
	alice := newParty(t, 0xC1)
	bob := newParty(t, 0xD2)
	carol := newParty(t, 0xE3)

	expires := notaryTime.Add(24 * time.Hour)

	retracted := n.propose(t, alice, bob, "agr_retracted", `{"fee":7}`, expires)
	got, err := n.svc.Cancel(ctx, n.st.Queries, alice.id, retracted.ProposalID)
	require.NoError(t, err)
	assert.Equal(t, contracts.AgreementCancelled, got.Status)

	declined := n.propose(t, alice, bob, "agr_declined", `{"fee":8}`, expires)
	got, err = n.svc.Cancel(ctx, n.st.Queries, bob.id, declined.ProposalID)
	require.NoError(t, err)
	assert.Equal(t, contracts.AgreementCancelled, got.Status)

	open := n.propose(t, alice, bob, "agr_open", `{"fee":9}`, expires)
	_, err = n.svc.Cancel(ctx, n.st.Queries, carol.id, open.ProposalID)
	require.Error(t, err)
	assert.Equal(t, contracts.CodeNotAgreementParty, contracts.CodeOf(err))

	_, err = n.svc.Accept(ctx, n.st.Queries, bob.id, declined.ProposalID, signAccept(bob, declined))
	require.Error(t, err)
	assert.Equal(t, contracts.CodeAgreementNotOpen, contracts.CodeOf(err))

	_, err = n.svc.Accept(ctx, n.st.Queries, bob.id, open.ProposalID, signAccept(bob, open))
	require.NoError(t, err)
	_, err = n.svc.Cancel(ctx, n.st.Queries, alice.id, open.ProposalID)
	require.Error(t, err)
	assert.Equal(t, contracts.CodeAgreementNotOpen, contracts.CodeOf(err))
}

func TestExpirySweeper(t *testing.T) {
	n := newNotary(t)
	ctx := context.Background()
	alice := newParty(t, 0xF1)
	bob := newParty(t, 0x12)

	soon := n.propose(t, alice, bob, "agr_soon", `{"fee":11}`, notaryTime.Add(time.Hour))
	later := n.propose(t, alice, bob, "agr_later", `{"fee":12}`, notaryTime.Add(48*time.Hour))
	settled := n.propose(t, alice, bob, "agr_settled", `{"fee":13}`, notaryTime.Add(time.Hour))
	_, err := n.svc.Accept(ctx, n.st.Queries, bob.id, settled.ProposalID, signAccept(bob, settled))
	require.NoError(t, err)

	sweeper := NewSweeper(n.st, discard(), SweepConfig{Now: func() time.Time { return n.now }})

	// At the expiry instant nothing is overdue yet.
	n.now = notaryTime.Add(time.Hour)
	expired, err := sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, expired)

	n.now = notaryTime.Add(time.Hour + time.Millisecond)
	expired, err = sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	for ref, want := range map[string]contracts.AgreementStatus{
		soon.ProposalID:    contracts.AgreementExpiredSt,
		later.ProposalID:   contracts.AgreementPending,
		settled.ProposalID: contracts.AgreementAccepted,
	} {
		cur, err := n.st.GetAgreement(ctx, ref)
		require.NoError(t, err)
		assert.Equal(t, want, cur.Status, ref)
	}

	_, err = n.svc.Accept(ctx, n.st.Queries, bob.id, soon.ProposalID, signAccept(bob, soon))
	require.Error(t, err)
	assert.Equal(t, contracts.CodeAgreementExpired, contracts.CodeOf(err))

	// A single signature is not an attestation.
	_, res, err := n.svc.Verify(ctx, soon.ProposalID)
	require.NoError(t, err)
	assert.True(t, res.TermsHashValid)
	assert.True(t, res.SigAValid)
	assert.False(t, res.SigBValid)
	assert.False(t, res.OverallValid)
	assert.Equal(t, contracts.CodeInsufficientSigs, res.Reason)

	expired, err = sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, expired)
}

func TestVerifyUnknownRef(t *testing.T) {
	n := newNotary(t)
	ctx := context.Background()

	_, _, err := n.svc.Verify(ctx, "not a ref")
	require.Error(t, err)
	assert.Equal(t, contracts.CodeValidation, contracts.CodeOf(err))

	_, _, err = n.svc.Verify(ctx, "agr_missing")
	require.Error(t, err)
	assert.Equal(t, contracts.CodeProposalNotFound, contracts.CodeOf(err))

	_, _, err = n.svc.Verify(ctx, "ABCDEFGHJK")
	require.Error(t, err)
	assert.Equal(t, contracts.CodeProposalNotFound, contracts.CodeOf(err))
}
