package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencawt/opencawt/pkg/contracts"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "cawt.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testTime(sec int) time.Time {
	return time.Date(2026, 3, 14, 9, 0, sec, 0, time.UTC)
}

func testCase(id, slug string) *contracts.Case {
	return &contracts.Case{
		CaseID:              id,
		PublicSlug:          slug,
		Title:               "Breach of handoff protocol",
		Status:              contracts.CaseDraft,
		SessionStage:        contracts.StagePreSession,
		RulesetVersion:      "1.0.0",
		ProsecutionAgentID:  "agentA",
		DefenceState:        contracts.DefenceUnassigned,
		DefenceInviteStatus: contracts.InviteNone,
		SealStatus:          contracts.SealNone,
		CreatedAt:           testTime(0),
		UpdatedAt:           testTime(0),
	}
}

func TestCaseRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	filed := testTime(10)
	c := testCase("case-1", "swift-falcon-42")
	c.Status = contracts.CaseFiled
	c.DefendantAgentID = "agentB"
	c.TreasuryTxSig = "sig111"
	c.FiledAt = &filed
	require.NoError(t, s.InsertCase(ctx, c))

	got, err := s.GetCase(ctx, "case-1")
	require.NoError(t, err)
	assert.Equal(t, c.PublicSlug, got.PublicSlug)
	assert.Equal(t, contracts.CaseFiled, got.Status)
	assert.Equal(t, "agentB", got.DefendantAgentID)
	assert.Equal(t, "sig111", got.TreasuryTxSig)
	require.NotNil(t, got.FiledAt)
	assert.True(t, got.FiledAt.Equal(filed))

	bySlug, err := s.GetCaseBySlug(ctx, "swift-falcon-42")
	require.NoError(t, err)
	assert.Equal(t, "case-1", bySlug.CaseID)

	got.Status = contracts.CaseJurySelected
	got.DrandRound = 4792310
	got.DrandRandomness = "deadbeef"
	got.SelectionProof = []byte(`{"round":4792310}`)
	got.UpdatedAt = testTime(20)
	require.NoError(t, s.UpdateCase(ctx, got))

	again, err := s.GetCase(ctx, "case-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.CaseJurySelected, again.Status)
	assert.Equal(t, uint64(4792310), again.DrandRound)
	assert.JSONEq(t, `{"round":4792310}`, string(again.SelectionProof))

	engine, err := s.ListEngineCases(ctx)
	require.NoError(t, err)
	require.Len(t, engine, 1)
	assert.Equal(t, "case-1", engine[0].CaseID)

	_, err = s.GetCase(ctx, "missing")
	assert.True(t, IsNotFound(err))
}

func TestSlugAndTreasuryUniqueness(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := testCase("case-1", "same-slug")
	first.TreasuryTxSig = "sigX"
	require.NoError(t, s.InsertCase(ctx, first))

	dupSlug := testCase("case-2", "same-slug")
	err := s.InsertCase(ctx, dupSlug)
	require.Error(t, err)
	assert.True(t, IsUniqueViolation(err))

	dupSig := testCase("case-3", "other-slug")
	dupSig.TreasuryTxSig = "sigX"
	err = s.InsertCase(ctx, dupSig)
	require.Error(t, err)
	assert.True(t, IsUniqueViolation(err))

	// Cases without a treasury signature must not collide with each
	// other: the column is nullable and NULLs are distinct.
	require.NoError(t, s.InsertCase(ctx, testCase("case-4", "slug-4")))
	require.NoError(t, s.InsertCase(ctx, testCase("case-5", "slug-5")))
}

func TestUsedTreasuryTxBurn(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tx := &contracts.UsedTreasuryTx{TxSig: "sig1", CaseID: "case-1", AgentID: "agentA", AmountLamports: 5000, CreatedAt: testTime(0)}
	require.NoError(t, s.InsertUsedTreasuryTx(ctx, tx))

	tx.CaseID = "case-2"
	err := s.InsertUsedTreasuryTx(ctx, tx)
	require.Error(t, err)
	assert.True(t, IsUniqueViolation(err))
}

func TestTranscriptSequence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.InsertCase(ctx, testCase("case-1", "slug-1")))

	for i, typ := range []string{contracts.EventCaseCreated, contracts.EventCaseFiled, contracts.EventJurySelected} {
		seq, err := s.AppendTranscript(ctx, &contracts.TranscriptEvent{
			CaseID:    "case-1",
			ActorRole: contracts.ActorSystem,
			EventType: typ,
			Stage:     contracts.StagePreSession,
			Message:   typ,
			CreatedAt: testTime(i),
		})
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), seq)
	}

	events, err := s.ListTranscript(ctx, "case-1", 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.SeqNo)
	}

	tail, err := s.ListTranscript(ctx, "case-1", 1, 10)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, int64(2), tail[0].SeqNo)

	n, err := s.CountTranscript(ctx, "case-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	c, err := s.GetCase(ctx, "case-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), c.LastEventSeqNo)

	_, err = s.AppendTranscript(ctx, &contracts.TranscriptEvent{CaseID: "nope", EventType: "x", CreatedAt: testTime(0)})
	assert.True(t, IsNotFound(err))
}

func TestBallotFirstInsertWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conf := 4
	b := &contracts.Ballot{
		BallotID: "ballot-1",
		CaseID:   "case-1",
		JurorID:  "juror-1",
		Votes: []contracts.BallotVote{
			{ClaimID: "claim-1", Vote: contracts.VoteProven, RecommendedRemedy: contracts.RemedyApology},
		},
		ReasoningSummary:   "clear breach of the stated commitment",
		PrinciplesReliedOn: contracts.PrincipleSet{1, 4},
		Confidence:         &conf,
		BallotHash:         "hash1",
		Signature:          "sig1",
		CreatedAt:          testTime(0),
	}
	require.NoError(t, s.InsertBallot(ctx, b))

	dup := *b
	dup.BallotID = "ballot-2"
	dup.BallotHash = "hash2"
	err := s.InsertBallot(ctx, &dup)
	require.Error(t, err)
	assert.True(t, IsUniqueViolation(err))

	got, err := s.GetBallot(ctx, "case-1", "juror-1")
	require.NoError(t, err)
	assert.Equal(t, "ballot-1", got.BallotID)
	require.Len(t, got.Votes, 1)
	assert.Equal(t, contracts.VoteProven, got.Votes[0].Vote)
	assert.Equal(t, contracts.PrincipleSet{1, 4}, got.PrinciplesReliedOn)
	require.NotNil(t, got.Confidence)
	assert.Equal(t, 4, *got.Confidence)

	n, err := s.CountBallots(ctx, "case-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSealJobLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := &contracts.SealJob{
		JobID:       "job-1",
		Kind:        contracts.SealKindCase,
		RefID:       "case-1",
		Status:      contracts.SealJobQueued,
		PayloadHash: "ph1",
		RequestJSON: []byte(`{"kind":"case","refId":"case-1"}`),
		CreatedAt:   testTime(0),
		UpdatedAt:   testTime(0),
	}
	require.NoError(t, s.InsertSealJob(ctx, job))

	// One job per (kind, ref).
	dup := *job
	dup.JobID = "job-2"
	err := s.InsertSealJob(ctx, &dup)
	require.Error(t, err)
	assert.True(t, IsUniqueViolation(err))

	claimed, err := s.ClaimSealJob(ctx, "job-1", formatTime(testTime(1)))
	require.NoError(t, err)
	assert.True(t, claimed)

	// Already minting: the second claim loses.
	claimed, err = s.ClaimSealJob(ctx, "job-1", formatTime(testTime(2)))
	require.NoError(t, err)
	assert.False(t, claimed)

	got, err := s.GetSealJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.SealJobMinting, got.Status)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.ClaimedAt)

	require.NoError(t, s.CompleteSealJob(ctx, "job-1", contracts.SealJobFailed, "RPC_TIMEOUT: rpc deadline", nil, formatTime(testTime(3))))

	retryable, err := s.ListRetryableSealJobs(ctx, formatTime(testTime(100)), 8, 10)
	require.NoError(t, err)
	require.Len(t, retryable, 1)
	assert.Equal(t, "job-1", retryable[0].JobID)

	require.NoError(t, s.RequeueSealJob(ctx, "job-1", formatTime(testTime(4))))
	claimed, err = s.ClaimSealJob(ctx, "job-1", formatTime(testTime(5)))
	require.NoError(t, err)
	assert.True(t, claimed)

	// A non-retryable failure drops out of the sweeper's view.
	require.NoError(t, s.CompleteSealJob(ctx, "job-1", contracts.SealJobFailed,
		contracts.NonRetryablePrefix+" payload rejected", []byte(`{"status":"failed"}`), formatTime(testTime(6))))
	retryable, err = s.ListRetryableSealJobs(ctx, formatTime(testTime(100)), 8, 10)
	require.NoError(t, err)
	assert.Empty(t, retryable)

	byRef, err := s.GetSealJobByRef(ctx, contracts.SealKindCase, "case-1")
	require.NoError(t, err)
	assert.Equal(t, "job-1", byRef.JobID)
	assert.Equal(t, 2, byRef.Attempts)

	counts, err := s.CountSealJobsByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[contracts.SealJobFailed])
}

func TestIdempotencyLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := &contracts.IdempotencyRecord{
		AgentID:        "agentA",
		Method:         "POST",
		Path:           "/cases",
		IdempotencyKey: "key-1",
		RequestHash:    "rh1",
		Status:         contracts.IdemInProgress,
		ExpiresAt:      testTime(30),
		CreatedAt:      testTime(0),
	}
	require.NoError(t, s.ClaimIdempotency(ctx, rec))

	err := s.ClaimIdempotency(ctx, rec)
	require.Error(t, err)
	assert.True(t, IsUniqueViolation(err))

	got, err := s.GetIdempotency(ctx, "agentA", "POST", "/cases", "key-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.IdemInProgress, got.Status)
	assert.Equal(t, "rh1", got.RequestHash)

	require.NoError(t, s.CompleteIdempotency(ctx, "agentA", "POST", "/cases", "key-1", 201, []byte(`{"caseId":"case-1"}`)))

	got, err = s.GetIdempotency(ctx, "agentA", "POST", "/cases", "key-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.IdemComplete, got.Status)
	assert.Equal(t, 201, got.ResponseStatus)
	assert.JSONEq(t, `{"caseId":"case-1"}`, string(got.ResponseJSON))

	// Completing twice is a no-op failure: the claim is no longer held.
	err = s.CompleteIdempotency(ctx, "agentA", "POST", "/cases", "key-1", 201, nil)
	assert.True(t, IsNotFound(err))

	// Release only removes claims still in progress.
	require.NoError(t, s.ReleaseIdempotency(ctx, "agentA", "POST", "/cases", "key-1"))
	_, err = s.GetIdempotency(ctx, "agentA", "POST", "/cases", "key-1")
	require.NoError(t, err)

	rec2 := *rec
	rec2.IdempotencyKey = "key-2"
	require.NoError(t, s.ClaimIdempotency(ctx, &rec2))
	require.NoError(t, s.ReleaseIdempotency(ctx, "agentA", "POST", "/cases", "key-2"))
	_, err = s.GetIdempotency(ctx, "agentA", "POST", "/cases", "key-2")
	assert.True(t, IsNotFound(err))

	swept, err := s.SweepIdempotency(ctx, formatTime(testTime(59)))
	require.NoError(t, err)
	assert.Equal(t, int64(1), swept)
}

func TestActionLogReplayGuard(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := &contracts.AgentActionLog{
		AgentID:      "agentA",
		ActionType:   contracts.ActionFileCase,
		CaseID:       "case-1",
		Signature:    "sig1",
		TimestampSec: 1700000000,
		CreatedAt:    testTime(0),
	}
	require.NoError(t, s.InsertAction(ctx, a))

	err := s.InsertAction(ctx, a)
	require.Error(t, err)
	assert.True(t, IsUniqueViolation(err))

	// Same signature at a different timestamp is a distinct request.
	a.TimestampSec = 1700000001
	require.NoError(t, s.InsertAction(ctx, a))

	n, err := s.CountActions(ctx, "agentA", contracts.ActionFileCase, formatTime(testTime(0).Add(-time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.CountActionsAllAgents(ctx, contracts.ActionFileCase, formatTime(testTime(0).Add(-time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.CountActions(ctx, "agentA", contracts.ActionBallot, formatTime(testTime(0).Add(-time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSubmissionReplace(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := &contracts.Submission{
		SubmissionID:       "sub-1",
		CaseID:             "case-1",
		Side:               contracts.SideProsecution,
		Phase:              contracts.PhaseOpening,
		Text:               "first draft",
		PrincipleCitations: contracts.PrincipleSet{2},
		ContentHash:        "h1",
		CreatedAt:          testTime(0),
	}
	require.NoError(t, s.UpsertSubmission(ctx, first))

	second := *first
	second.SubmissionID = "sub-2"
	second.Text = "amended opening"
	second.ContentHash = "h2"
	second.CreatedAt = testTime(10)
	require.NoError(t, s.UpsertSubmission(ctx, &second))

	got, err := s.GetSubmission(ctx, "case-1", contracts.SideProsecution, contracts.PhaseOpening)
	require.NoError(t, err)
	assert.Equal(t, "sub-2", got.SubmissionID)
	assert.Equal(t, "amended opening", got.Text)

	all, err := s.ListSubmissions(ctx, "case-1")
	require.NoError(t, err)
	assert.Len(t, all, 1)

	ok, err := s.HasSubmission(ctx, "case-1", contracts.SideProsecution, contracts.PhaseOpening)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.HasSubmission(ctx, "case-1", contracts.SideDefence, contracts.PhaseOpening)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvidenceUsage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, body := range []string{"abcd", "efghij"} {
		item := &contracts.EvidenceItem{
			EvidenceID:  "ev-" + string(rune('a'+i)),
			CaseID:      "case-1",
			SubmittedBy: "agentA",
			Kind:        contracts.EvidenceLog,
			BodyText:    body,
			BodyHash:    "h",
			CreatedAt:   testTime(i),
		}
		require.NoError(t, s.InsertEvidence(ctx, item))
	}

	count, chars, err := s.EvidenceUsage(ctx, "case-1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Equal(t, 10, chars)
}

func TestWithTxRollback(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(q *Queries) error {
		if err := q.InsertAgent(ctx, &contracts.Agent{AgentID: "agentA", CreatedAt: testTime(0), UpdatedAt: testTime(0)}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.GetAgent(ctx, "agentA")
	assert.True(t, IsNotFound(err))

	err = s.WithTx(ctx, func(q *Queries) error {
		return q.InsertAgent(ctx, &contracts.Agent{AgentID: "agentA", CreatedAt: testTime(0), UpdatedAt: testTime(0)})
	})
	require.NoError(t, err)
	got, err := s.GetAgent(ctx, "agentA")
	require.NoError(t, err)
	assert.Equal(t, "agentA", got.AgentID)
}

func TestEligibleJurorIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	add := func(id string, eligible, banned, available bool) {
		require.NoError(t, s.InsertAgent(ctx, &contracts.Agent{
			AgentID: id, JurorEligible: eligible, Banned: banned,
			CreatedAt: testTime(0), UpdatedAt: testTime(0),
		}))
		if available {
			require.NoError(t, s.UpsertJurorAvailability(ctx, &contracts.JurorAvailability{
				AgentID: id, Availability: contracts.AvailabilityAvailable, UpdatedAt: testTime(0),
			}))
		}
	}
	add("charlie", true, false, true)
	add("alice", true, false, true)
	add("bob", true, true, true)    // banned
	add("dave", false, false, true) // not eligible
	add("erin", true, false, false) // no availability row

	ids, err := s.EligibleJurorIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "charlie"}, ids)
}

func TestStatsRebuildAndLeaderboard(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertAgent(ctx, &contracts.Agent{AgentID: "agentA", StatsPublic: true, CreatedAt: testTime(0), UpdatedAt: testTime(0)}))
	require.NoError(t, s.InsertAgent(ctx, &contracts.Agent{AgentID: "agentB", StatsPublic: false, CreatedAt: testTime(0), UpdatedAt: testTime(0)}))

	activities := []*contracts.AgentCaseActivity{
		{AgentID: "agentA", CaseID: "case-1", Role: contracts.ActorProsecution, Won: true, ResolvedAt: testTime(1)},
		{AgentID: "agentA", CaseID: "case-2", Role: contracts.ActorDefence, Won: false, ResolvedAt: testTime(2)},
		{AgentID: "agentA", CaseID: "case-3", Role: contracts.ActorProsecution, Voided: true, ResolvedAt: testTime(3)},
		{AgentID: "agentA", CaseID: "case-4", Role: contracts.ActorJuror, ResolvedAt: testTime(4)},
		{AgentID: "agentB", CaseID: "case-1", Role: contracts.ActorDefence, Won: false, ResolvedAt: testTime(1)},
	}
	for _, a := range activities {
		require.NoError(t, s.UpsertActivity(ctx, a))
	}
	require.NoError(t, s.InsertBallot(ctx, &contracts.Ballot{
		BallotID: "b1", CaseID: "case-4", JurorID: "agentA",
		Votes:      []contracts.BallotVote{{ClaimID: "c", Vote: contracts.VoteProven}},
		BallotHash: "h", Signature: "sig", CreatedAt: testTime(4),
	}))

	require.NoError(t, s.RebuildStats(ctx, "agentA", formatTime(testTime(5))))
	require.NoError(t, s.RebuildStats(ctx, "agentB", formatTime(testTime(5))))

	stats, err := s.GetStats(ctx, "agentA")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.CasesProsecuted)
	assert.Equal(t, 1, stats.CasesDefended)
	assert.Equal(t, 1, stats.CasesWon)
	assert.Equal(t, 1, stats.CasesLost)
	assert.Equal(t, 1, stats.CasesVoided)
	assert.Equal(t, 1, stats.JurorServices)
	assert.Equal(t, 1, stats.BallotsCast)

	// agentB opted out, so only agentA shows.
	board, err := s.Leaderboard(ctx, 10)
	require.NoError(t, err)
	require.Len(t, board, 1)
	assert.Equal(t, "agentA", board[0].AgentID)

	// Re-resolving the same case updates in place rather than double
	// counting.
	require.NoError(t, s.UpsertActivity(ctx, activities[0]))
	require.NoError(t, s.RebuildStats(ctx, "agentA", formatTime(testTime(6))))
	stats, err = s.GetStats(ctx, "agentA")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.CasesProsecuted)
}

func TestRuntimeRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	deadline := testTime(30)
	r := &contracts.CaseRuntime{
		CaseID:          "case-1",
		CurrentStage:    contracts.StageOpeningAddresses,
		StageStartedAt:  testTime(0),
		StageDeadlineAt: &deadline,
	}
	require.NoError(t, s.UpsertRuntime(ctx, r))

	got, err := s.GetRuntime(ctx, "case-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.StageOpeningAddresses, got.CurrentStage)
	require.NotNil(t, got.StageDeadlineAt)
	assert.True(t, got.StageDeadlineAt.Equal(deadline))
	assert.Nil(t, got.VotingHardDeadlineAt)

	hard := testTime(50)
	r.CurrentStage = contracts.StageVoting
	r.VotingHardDeadlineAt = &hard
	r.StageDeadlineAt = nil
	require.NoError(t, s.UpsertRuntime(ctx, r))

	got, err = s.GetRuntime(ctx, "case-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.StageVoting, got.CurrentStage)
	assert.Nil(t, got.StageDeadlineAt)
	require.NotNil(t, got.VotingHardDeadlineAt)
	assert.True(t, got.VotingHardDeadlineAt.Equal(hard))
}

func TestAgreementLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := &contracts.Agreement{
		ProposalID:     "prop-1",
		AgreementCode:  "CAWT-7F3K",
		Mode:           contracts.AgreementPublic,
		PartyAAgentID:  "agentA",
		PartyBAgentID:  "agentB",
		TermsHash:      "th1",
		CanonicalTerms: []byte(`{"deliverable":"report"}`),
		SigA:           "sigA",
		Status:         contracts.AgreementPending,
		ExpiresAt:      testTime(40),
		CreatedAt:      testTime(0),
	}
	require.NoError(t, s.InsertAgreement(ctx, a))

	dup := *a
	dup.ProposalID = "prop-2"
	err := s.InsertAgreement(ctx, &dup)
	require.Error(t, err)
	assert.True(t, IsUniqueViolation(err))

	byCode, err := s.GetAgreementByCode(ctx, "CAWT-7F3K")
	require.NoError(t, err)
	assert.Equal(t, "prop-1", byCode.ProposalID)
	assert.Nil(t, byCode.Receipt)

	accepted := testTime(5)
	sealed := testTime(8)
	byCode.SigB = "sigB"
	byCode.Status = contracts.AgreementSealed
	byCode.AcceptedAt = &accepted
	byCode.SealedAt = &sealed
	byCode.Receipt = &contracts.SealReceipt{AssetID: "asset1", TxSig: "tx1", SealedAt: sealed}
	require.NoError(t, s.UpdateAgreement(ctx, byCode))

	got, err := s.GetAgreement(ctx, "prop-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.AgreementSealed, got.Status)
	assert.Equal(t, "sigB", got.SigB)
	require.NotNil(t, got.Receipt)
	assert.Equal(t, "asset1", got.Receipt.AssetID)

	open, err := s.ListPendingAgreements(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, open)

	late := *a
	late.ProposalID = "prop-3"
	late.AgreementCode = "CAWT-9Q2M"
	require.NoError(t, s.InsertAgreement(ctx, &late))
	early := *a
	early.ProposalID = "prop-4"
	early.AgreementCode = "CAWT-4B8X"
	early.ExpiresAt = testTime(20)
	require.NoError(t, s.InsertAgreement(ctx, &early))

	open, err = s.ListPendingAgreements(ctx, 10)
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, "prop-4", open[0].ProposalID)
	assert.Equal(t, "prop-3", open[1].ProposalID)
}

func TestClaimsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, remedy := range []contracts.Remedy{contracts.RemedyApology, contracts.RemedyWarning} {
		c := &contracts.Claim{
			ClaimID:           "claim-" + string(rune('a'+i)),
			CaseID:            "case-1",
			ClaimIndex:        i,
			Summary:           "claim body",
			RequestedRemedy:   remedy,
			AllegedPrinciples: contracts.PrincipleSet{1, 7},
			ClaimOutcome:      contracts.ClaimUndecided,
			CreatedAt:         testTime(i),
		}
		require.NoError(t, s.InsertClaim(ctx, c))
	}

	claims, err := s.ListClaims(ctx, "case-1")
	require.NoError(t, err)
	require.Len(t, claims, 2)
	assert.Equal(t, 0, claims[0].ClaimIndex)
	assert.Equal(t, contracts.PrincipleSet{1, 7}, claims[0].AllegedPrinciples)

	require.NoError(t, s.UpdateClaimOutcome(ctx, "claim-a", contracts.ClaimForProsecution))
	claims, err = s.ListClaims(ctx, "case-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.ClaimForProsecution, claims[0].ClaimOutcome)

	// Duplicate index on the same case is rejected.
	err = s.InsertClaim(ctx, &contracts.Claim{
		ClaimID: "claim-x", CaseID: "case-1", ClaimIndex: 0,
		RequestedRemedy: contracts.RemedyNone, CreatedAt: testTime(9),
	})
	require.Error(t, err)
	assert.True(t, IsUniqueViolation(err))
}

func TestQueries_ExecFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer func() { _ = db.Close() }()

	q := &Queries{q: db}
	ctx := context.Background()

	mock.ExpectExec("INSERT INTO agents").
		WillReturnError(errors.New("disk I/O error"))

	err = q.InsertAgent(ctx, &contracts.Agent{AgentID: "agentA", CreatedAt: testTime(0), UpdatedAt: testTime(0)})
	if err == nil {
		t.Fatal("expected the driver error to propagate")
	}
	assert.Contains(t, err.Error(), "insert agent")

	mock.ExpectExec("UPDATE seal_jobs").
		WillReturnResult(sqlmock.NewResult(0, 0))
	claimed, err := q.ClaimSealJob(ctx, "job-1", formatTime(testTime(0)))
	require.NoError(t, err)
	assert.False(t, claimed)

	require.NoError(t, mock.ExpectationsWereMet())
}
