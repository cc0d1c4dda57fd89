package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencawt/opencawt/pkg/agreement"
	"github.com/opencawt/opencawt/pkg/auth"
	"github.com/opencawt/opencawt/pkg/canonical"
	"github.com/opencawt/opencawt/pkg/config"
	"github.com/opencawt/opencawt/pkg/contracts"
	"github.com/opencawt/opencawt/pkg/crypto"
	"github.com/opencawt/opencawt/pkg/drand"
	"github.com/opencawt/opencawt/pkg/ids"
	"github.com/opencawt/opencawt/pkg/ratelimit"
	"github.com/opencawt/opencawt/pkg/seal"
	"github.com/opencawt/opencawt/pkg/store"
)

var apiTime = time.Date(2026, 6, 2, 9, 0, 0, 0, time.UTC)

// apiRules is a small-panel profile with tight evidence quotas so the
// quota tests need a handful of items, not dozens. Timings keep the
// defaults; the clock is driven by hand.
const apiRules = "1.0.9"

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// bench is the full HTTP surface wired against a temp store, every
// component sharing one hand-driven clock.
type bench struct {
	st    *store.Store
	srv   *Server
	h     http.Handler
	rules *config.Ruleset
	now   time.Time
	nonce int
}

func newBench(t *testing.T) *bench {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	reg := config.NewRulesetRegistry()
	r := config.DefaultRuleset()
	r.Version = apiRules
	r.JurorPanelSize = 3
	r.Limits.MaxSubmissionCharsPerPhase = 2000
	r.Limits.MaxEvidenceCharsPerItem = 400
	r.Limits.MaxEvidenceCharsPerCase = 600
	r.Limits.MaxEvidenceItemsPerCase = 2
	require.NoError(t, reg.Register(r))

	b := &bench{st: st, rules: r, now: apiTime}
	clock := func() time.Time { return b.now }

	issuer, err := auth.NewCapabilityIssuer(bytes.Repeat([]byte{0x5c}, 32), clock)
	require.NoError(t, err)
	limiter := ratelimit.New(ratelimit.Quotas{
		FilingPer24h:       20,
		EvidencePerHour:    50,
		SubmissionsPerHour: 50,
		BallotsPerHour:     50,
	}, discard(), ratelimit.WithClock(clock))
	agreements := agreement.NewService(st, "https://court.test", 72*time.Hour, discard(),
		agreement.WithClock(clock))

	b.srv = NewServer(Deps{
		Store:        st,
		Pipeline:     auth.NewPipeline(st, discard(), auth.WithClock(clock)),
		Limiter:      limiter,
		Rules:        reg,
		Agreements:   agreements,
		Reconciler:   seal.NewReconciler(st, discard(), seal.WithReconcilerClock(clock)),
		Issuer:       issuer,
		Beacon:       drand.NewStub(),
		Treasury:     StubTreasury{},
		BaseURL:      "https://court.test",
		WorkerToken:  "worker-secret",
		SystemKey:    "system-secret",
		// httptest requests all share one remote address.
		IPRatePerSec: 10000,
		IPBurst:      10000,
		Logger:       discard(),
		Now:          clock,
	})
	t.Cleanup(b.srv.Close)
	b.h = b.srv.Handler()
	return b
}

type agentKey struct {
	kp *crypto.Keypair
	id string
}

func newAgentKey(t *testing.T, seed byte) *agentKey {
	t.Helper()
	kp, err := crypto.KeypairFromSeed(bytes.Repeat([]byte{seed}, 32))
	require.NoError(t, err)
	return &agentKey{kp: kp, id: kp.AgentID()}
}

// sign stamps the v1 auth headers onto req. Ed25519 is deterministic,
// so rebuilding the same request yields the same signature.
func (b *bench) sign(req *http.Request, key *agentKey, raw []byte, nonce string) {
	ts := b.now.Unix()
	hash := crypto.BodySHA256(raw)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(auth.HeaderAgentID, key.id)
	req.Header.Set(auth.HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(auth.HeaderNonce, nonce)
	req.Header.Set(auth.HeaderBodySHA256, hash)
	req.Header.Set(auth.HeaderSignatureVersion, auth.SignatureVersionV1)
	req.Header.Set(auth.HeaderSignature, key.kp.SignMutation(req.Method, req.URL.Path, ts, nonce, hash))
}

func (b *bench) nextNonce() string {
	b.nonce++
	return fmt.Sprintf("n%08d", b.nonce)
}

func (b *bench) newSigned(t *testing.T, method, path string, key *agentKey, body interface{}) *http.Request {
	t.Helper()
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		require.NoError(t, err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	b.sign(req, key, raw, b.nextNonce())
	return req
}

func (b *bench) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	b.h.ServeHTTP(rec, req)
	return rec
}

func (b *bench) signed(t *testing.T, method, path string, key *agentKey, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	return b.do(b.newSigned(t, method, path, key, body))
}

func (b *bench) get(path string) *httptest.ResponseRecorder {
	return b.do(httptest.NewRequest(http.MethodGet, path, nil))
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
}

func errCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return env.Error.Code
}

func (b *bench) register(t *testing.T, key *agentKey, name string, juror bool) {
	t.Helper()
	rec := b.signed(t, http.MethodPost, "/agents/register", key, map[string]interface{}{
		"displayName":   name,
		"jurorEligible": juror,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	if juror {
		rec = b.signed(t, http.MethodPost, "/agents/availability", key, map[string]interface{}{
			"availability": contracts.AvailabilityAvailable,
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}
}

// txSig fabricates a distinct well-formed payment signature per fill
// byte; the stub treasury accepts any base58-encoded 64 bytes.
func txSig(fill byte) string {
	return base58.Encode(bytes.Repeat([]byte{fill}, 64))
}

func TestHealthz(t *testing.T) {
	b := newBench(t)

	rec := b.get("/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var out map[string]string
	decodeJSON(t, rec, &out)
	assert.Equal(t, "ok", out["status"])
}

func TestRegisterAndPublicProfile(t *testing.T) {
	b := newBench(t)
	key := newAgentKey(t, 0x01)

	rec := b.signed(t, http.MethodPost, "/agents/register", key, map[string]interface{}{
		"displayName": "Clerk of Records",
		"bio":         "Keeps the docket tidy.",
		"notifyUrl":   "https://agents.example/clerk/hooks",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created struct {
		Agent *contracts.Agent `json:"agent"`
	}
	decodeJSON(t, rec, &created)
	assert.Equal(t, key.id, created.Agent.AgentID)
	assert.True(t, created.Agent.StatsPublic)

	// Registering the same key again is a conflict, not an update.
	rec = b.signed(t, http.MethodPost, "/agents/register", key, map[string]interface{}{
		"displayName": "Clerk again",
	})
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "AGENT_ALREADY_REGISTERED", errCode(t, rec))

	// The public view never leaks the notify URL.
	rec = b.get("/agents/" + key.id)
	require.Equal(t, http.StatusOK, rec.Code)
	var pub struct {
		Agent map[string]interface{} `json:"agent"`
	}
	decodeJSON(t, rec, &pub)
	assert.Equal(t, "Clerk of Records", pub.Agent["displayName"])
	assert.NotContains(t, pub.Agent, "notifyUrl")

	rec = b.signed(t, http.MethodPost, "/agents/profile", key, map[string]interface{}{
		"bio": "Keeps the docket tidy. Now also files it.",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var updated struct {
		Agent *contracts.Agent `json:"agent"`
	}
	decodeJSON(t, rec, &updated)
	assert.Equal(t, "Keeps the docket tidy. Now also files it.", updated.Agent.Bio)
	assert.Equal(t, "Clerk of Records", updated.Agent.DisplayName)
}

func TestJurorDirectory(t *testing.T) {
	b := newBench(t)

	rec := b.get("/jurors")
	require.Equal(t, http.StatusOK, rec.Code)
	var empty struct {
		Jurors []*contracts.JurorListing `json:"jurors"`
	}
	decodeJSON(t, rec, &empty)
	assert.Empty(t, empty.Jurors)

	juror := newAgentKey(t, 0x31)
	bystander := newAgentKey(t, 0x32)
	b.register(t, juror, "duty bound", true)
	b.register(t, bystander, "spectator", false)

	rec = b.get("/jurors")
	require.Equal(t, http.StatusOK, rec.Code)
	var out struct {
		Jurors []*contracts.JurorListing `json:"jurors"`
	}
	decodeJSON(t, rec, &out)
	require.Len(t, out.Jurors, 1)
	assert.Equal(t, juror.id, out.Jurors[0].AgentID)
	assert.Equal(t, "duty bound", out.Jurors[0].DisplayName)
	assert.Equal(t, contracts.AvailabilityAvailable, out.Jurors[0].Availability)
}

func TestSignedRequestRejections(t *testing.T) {
	b := newBench(t)
	key := newAgentKey(t, 0x02)
	b.register(t, key, "signer", false)

	body := map[string]interface{}{"bio": "still here"}

	t.Run("missing headers", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/agents/profile", strings.NewReader("{}"))
		rec := b.do(req)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "MISSING_AUTH_HEADERS", errCode(t, rec))
	})

	t.Run("tampered body", func(t *testing.T) {
		req := b.newSigned(t, http.MethodPost, "/agents/profile", key, body)
		req.Header.Set(auth.HeaderBodySHA256, crypto.BodySHA256([]byte(`{"bio":"forged"}`)))
		rec := b.do(req)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "SIGNATURE_INVALID", errCode(t, rec))
	})

	t.Run("unknown agent", func(t *testing.T) {
		stranger := newAgentKey(t, 0x03)
		rec := b.signed(t, http.MethodPost, "/agents/profile", stranger, body)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "AGENT_NOT_FOUND", errCode(t, rec))
	})

	t.Run("stale timestamp", func(t *testing.T) {
		req := b.newSigned(t, http.MethodPost, "/agents/profile", key, body)
		stale := b.now.Add(-6 * time.Minute).Unix()
		req.Header.Set(auth.HeaderTimestamp, strconv.FormatInt(stale, 10))
		rec := b.do(req)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "TIMESTAMP_EXPIRED", errCode(t, rec))
	})

	t.Run("exact resend", func(t *testing.T) {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		nonce := b.nextNonce()

		build := func() *http.Request {
			req := httptest.NewRequest(http.MethodPost, "/agents/profile", bytes.NewReader(raw))
			b.sign(req, key, raw, nonce)
			return req
		}
		rec := b.do(build())
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		rec = b.do(build())
		require.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "NONCE_REUSED", errCode(t, rec))
	})
}

func TestBodyTooLarge(t *testing.T) {
	b := newBench(t)

	huge := strings.Repeat("x", (256<<10)+1)
	req := httptest.NewRequest(http.MethodPost, "/agents/register", strings.NewReader(huge))
	rec := b.do(req)
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "BODY_TOO_LARGE", errCode(t, rec))
}

// courtroom is a registered cast plus one case, built over HTTP the way
// real clients would.
type courtroom struct {
	pros   *agentKey
	dfnt   *agentKey
	jurors []*agentKey
	caseID string
	slug   string
	claims []string
}

func (cr *courtroom) jurorKey(t *testing.T, jurorID string) *agentKey {
	t.Helper()
	for _, k := range cr.jurors {
		if k.id == jurorID {
			return k
		}
	}
	t.Fatalf("no key for juror %s", jurorID)
	return nil
}

func (b *bench) createCase(t *testing.T, pros *agentKey, title string, defendant string) *courtroom {
	t.Helper()
	rec := b.signed(t, http.MethodPost, "/cases", pros, map[string]interface{}{
		"title":            title,
		"summary":          "The defendant shipped unreviewed changes to a shared pipeline.",
		"defendantAgentId": defendant,
		"claims": []map[string]interface{}{
			{
				"summary":           "Pushed to the protected branch without review",
				"requestedRemedy":   contracts.RemedyApology,
				"allegedPrinciples": []int{1, 4},
			},
			{
				"summary":           "Ignored the rollback request for six hours",
				"requestedRemedy":   contracts.RemedyRestitution,
				"allegedPrinciples": []int{2},
			},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var out struct {
		Case   *contracts.Case    `json:"case"`
		Claims []*contracts.Claim `json:"claims"`
	}
	decodeJSON(t, rec, &out)
	cr := &courtroom{pros: pros, caseID: out.Case.CaseID, slug: out.Case.PublicSlug}
	for _, cl := range out.Claims {
		cr.claims = append(cr.claims, cl.ClaimID)
	}
	return cr
}

// fileNamedCase registers a prosecution, a named defendant and three
// jurors, then files a case and has the defendant take the defence.
func (b *bench) fileNamedCase(t *testing.T, fill byte) *courtroom {
	t.Helper()
	pros := newAgentKey(t, 0x11)
	dfnt := newAgentKey(t, 0x22)
	b.register(t, pros, "prosecution", false)
	b.register(t, dfnt, "defendant", false)
	var jurors []*agentKey
	for i := 0; i < 3; i++ {
		k := newAgentKey(t, byte(0x31+i))
		b.register(t, k, fmt.Sprintf("juror %d", i), true)
		jurors = append(jurors, k)
	}

	cr := b.createCase(t, pros, "Broken Deployment Covenant", dfnt.id)
	cr.dfnt = dfnt
	cr.jurors = jurors

	rec := b.signed(t, http.MethodPost, "/cases/"+cr.caseID+"/file", pros,
		map[string]interface{}{"treasuryTxSig": txSig(fill)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = b.signed(t, http.MethodPost, "/cases/"+cr.caseID+"/defence/accept", dfnt, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return cr
}

func TestCaseFilingLifecycle(t *testing.T) {
	b := newBench(t)
	ctx := context.Background()

	pros := newAgentKey(t, 0x11)
	dfnt := newAgentKey(t, 0x22)
	b.register(t, pros, "prosecution", false)
	b.register(t, dfnt, "defendant", false)
	for i := 0; i < 3; i++ {
		b.register(t, newAgentKey(t, byte(0x31+i)), fmt.Sprintf("juror %d", i), true)
	}

	cr := b.createCase(t, pros, "Broken Deployment Covenant", dfnt.id)
	require.Len(t, cr.claims, 2)
	assert.True(t, strings.HasPrefix(cr.slug, "broken-deployment-covenant-"), cr.slug)

	draft, err := b.st.GetCase(ctx, cr.caseID)
	require.NoError(t, err)
	assert.Equal(t, contracts.CaseDraft, draft.Status)
	assert.Equal(t, apiRules, draft.RulesetVersion)

	// Filing under an idempotency key; the response must replay
	// byte for byte on a retry even though the case left draft.
	fileBody := map[string]interface{}{"treasuryTxSig": txSig(7)}
	req := b.newSigned(t, http.MethodPost, "/cases/"+cr.caseID+"/file", pros, fileBody)
	req.Header.Set(auth.HeaderIdempotencyKey, "file-once")
	rec := b.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	firstBody := rec.Body.String()

	var filed struct {
		Case    *contracts.Case        `json:"case"`
		Runtime *contracts.CaseRuntime `json:"runtime"`
	}
	decodeJSON(t, rec, &filed)
	assert.Equal(t, contracts.CaseJurySelected, filed.Case.Status)
	assert.NotZero(t, filed.Case.DrandRound)
	assert.NotEmpty(t, filed.Case.PoolSnapshotHash)
	require.NotNil(t, filed.Runtime.ScheduledSessionStartAt)
	assert.True(t, filed.Runtime.ScheduledSessionStartAt.Equal(apiTime.Add(time.Hour)))
	require.NotNil(t, filed.Runtime.NamedExclusiveUntil)
	assert.True(t, filed.Runtime.NamedExclusiveUntil.Equal(apiTime.Add(15*time.Minute)))
	require.NotNil(t, filed.Runtime.DefenceCutoffAt)
	assert.True(t, filed.Runtime.DefenceCutoffAt.Equal(apiTime.Add(24*time.Hour)))

	req = b.newSigned(t, http.MethodPost, "/cases/"+cr.caseID+"/file", pros, fileBody)
	req.Header.Set(auth.HeaderIdempotencyKey, "file-once")
	rec = b.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "true", rec.Header().Get("X-Idempotent-Replay"))
	assert.Equal(t, firstBody, rec.Body.String())

	// The same key with a different payload is refused outright.
	req = b.newSigned(t, http.MethodPost, "/cases/"+cr.caseID+"/file", pros,
		map[string]interface{}{"treasuryTxSig": txSig(8)})
	req.Header.Set(auth.HeaderIdempotencyKey, "file-once")
	rec = b.do(req)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "IDEMPOTENCY_KEY_REUSED_WITH_DIFFERENT_PAYLOAD", errCode(t, rec))

	// Without the key the filed guard answers.
	rec = b.signed(t, http.MethodPost, "/cases/"+cr.caseID+"/file", pros, fileBody)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "CASE_NOT_DRAFT", errCode(t, rec))

	rec = b.signed(t, http.MethodPost, "/cases/"+cr.caseID+"/defence/accept", dfnt, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var accepted struct {
		Case *contracts.Case `json:"case"`
	}
	decodeJSON(t, rec, &accepted)
	assert.Equal(t, contracts.DefenceAssigned, accepted.Case.DefenceState)
	assert.Equal(t, dfnt.id, accepted.Case.DefenceAgentID)

	// The transcript is gapless and in cause-and-effect order.
	rec = b.get("/cases/" + cr.caseID + "/transcript")
	require.Equal(t, http.StatusOK, rec.Code)
	var tr struct {
		CaseID  string                       `json:"caseId"`
		Events  []*contracts.TranscriptEvent `json:"events"`
		LastSeq int64                        `json:"lastSeq"`
	}
	decodeJSON(t, rec, &tr)
	require.Len(t, tr.Events, 5)
	assert.Equal(t, int64(5), tr.LastSeq)
	wantEvents := []string{
		contracts.EventCaseCreated,
		contracts.EventCaseFiled,
		contracts.EventDefenceInvited,
		contracts.EventJurySelected,
		contracts.EventDefenceAssigned,
	}
	for i, ev := range tr.Events {
		assert.Equal(t, int64(i+1), ev.SeqNo)
		assert.Equal(t, wantEvents[i], ev.EventType)
	}

	// Open-court detail by slug: claims and panel, never ballots.
	rec = b.get("/cases/" + cr.slug)
	require.Equal(t, http.StatusOK, rec.Code)
	var detail struct {
		Case    *contracts.Case              `json:"case"`
		Runtime *contracts.CaseRuntime       `json:"runtime"`
		Claims  []*contracts.Claim           `json:"claims"`
		Panel   []*contracts.JuryPanelMember `json:"panel"`
	}
	decodeJSON(t, rec, &detail)
	assert.Equal(t, cr.caseID, detail.Case.CaseID)
	require.NotNil(t, detail.Runtime)
	assert.Len(t, detail.Claims, 2)
	assert.Len(t, detail.Panel, 3)
	for _, m := range detail.Panel {
		assert.Equal(t, contracts.MemberPendingReady, m.MemberStatus)
	}

	// A spent payment signature cannot fund a second filing.
	second := b.createCase(t, pros, "Second Grievance", dfnt.id)
	rec = b.signed(t, http.MethodPost, "/cases/"+second.caseID+"/file", pros, fileBody)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "TREASURY_TX_REPLAY", errCode(t, rec))
}

func TestFilingGuards(t *testing.T) {
	b := newBench(t)
	pros := newAgentKey(t, 0x11)
	other := newAgentKey(t, 0x12)
	b.register(t, pros, "prosecution", false)
	b.register(t, other, "bystander", false)

	cr := b.createCase(t, pros, "Unattended Cron Dispute", "")

	rec := b.signed(t, http.MethodPost, "/cases/"+cr.caseID+"/file", other,
		map[string]interface{}{"treasuryTxSig": txSig(1)})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "NOT_PROSECUTION", errCode(t, rec))

	rec = b.signed(t, http.MethodPost, "/cases/"+cr.caseID+"/file", pros,
		map[string]interface{}{"treasuryTxSig": "not-base58!!"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION", errCode(t, rec))

	rec = b.signed(t, http.MethodPost, "/cases/case_nonexistent/file", pros,
		map[string]interface{}{"treasuryTxSig": txSig(1)})
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "CASE_NOT_FOUND", errCode(t, rec))

	// A defendant outside the registry cannot be named at all.
	rec = b.signed(t, http.MethodPost, "/cases", pros, map[string]interface{}{
		"title":            "Ghost Defendant",
		"defendantAgentId": newAgentKey(t, 0x13).id,
		"claims": []map[string]interface{}{
			{"summary": "claim", "requestedRemedy": contracts.RemedyWarning, "allegedPrinciples": []int{3}},
		},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION", errCode(t, rec))
}

func TestDefenceWindows(t *testing.T) {
	t.Run("named defendant exclusivity", func(t *testing.T) {
		b := newBench(t)
		pros := newAgentKey(t, 0x11)
		dfnt := newAgentKey(t, 0x22)
		vol := newAgentKey(t, 0x23)
		b.register(t, pros, "prosecution", false)
		b.register(t, dfnt, "defendant", false)
		b.register(t, vol, "volunteer", false)
		for i := 0; i < 3; i++ {
			b.register(t, newAgentKey(t, byte(0x31+i)), fmt.Sprintf("juror %d", i), true)
		}

		cr := b.createCase(t, pros, "Exclusive Window Case", dfnt.id)
		rec := b.signed(t, http.MethodPost, "/cases/"+cr.caseID+"/file", pros,
			map[string]interface{}{"treasuryTxSig": txSig(2)})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		// Inside the 15 minute window only the named defendant may act.
		rec = b.signed(t, http.MethodPost, "/cases/"+cr.caseID+"/defence/volunteer", vol, nil)
		require.Equal(t, http.StatusForbidden, rec.Code)
		assert.Equal(t, "DEFENCE_RESERVED_FOR_NAMED_DEFENDANT", errCode(t, rec))

		rec = b.signed(t, http.MethodPost, "/cases/"+cr.caseID+"/defence/volunteer", pros, nil)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "VALIDATION", errCode(t, rec))

		b.now = b.now.Add(16 * time.Minute)
		rec = b.signed(t, http.MethodPost, "/cases/"+cr.caseID+"/defence/volunteer", vol, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var out struct {
			Case *contracts.Case `json:"case"`
		}
		decodeJSON(t, rec, &out)
		assert.Equal(t, vol.id, out.Case.DefenceAgentID)
		assert.Equal(t, contracts.DefenceAssigned, out.Case.DefenceState)

		// The seat is taken; the named defendant is too late.
		rec = b.signed(t, http.MethodPost, "/cases/"+cr.caseID+"/defence/accept", dfnt, nil)
		require.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "DEFENCE_ALREADY_TAKEN", errCode(t, rec))
	})

	t.Run("open case cutoff", func(t *testing.T) {
		b := newBench(t)
		pros := newAgentKey(t, 0x11)
		vol := newAgentKey(t, 0x23)
		b.register(t, pros, "prosecution", false)
		b.register(t, vol, "volunteer", false)
		for i := 0; i < 3; i++ {
			b.register(t, newAgentKey(t, byte(0x31+i)), fmt.Sprintf("juror %d", i), true)
		}

		cr := b.createCase(t, pros, "Open Seat Case", "")
		rec := b.signed(t, http.MethodPost, "/cases/"+cr.caseID+"/file", pros,
			map[string]interface{}{"treasuryTxSig": txSig(3)})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		// No named defendant, so accept has nobody to admit.
		rec = b.signed(t, http.MethodPost, "/cases/"+cr.caseID+"/defence/accept", vol, nil)
		require.Equal(t, http.StatusForbidden, rec.Code)
		assert.Equal(t, "NOT_DEFENCE", errCode(t, rec))

		// A seated juror cannot double as the defence.
		panel, err := b.st.ListPanel(context.Background(), cr.caseID)
		require.NoError(t, err)
		require.Len(t, panel, 3)

		b.now = b.now.Add(46 * time.Minute)
		rec = b.signed(t, http.MethodPost, "/cases/"+cr.caseID+"/defence/volunteer", vol, nil)
		require.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "DEFENCE_WINDOW_CLOSED", errCode(t, rec))
	})
}

// setStage force-writes the runtime the way the engine would between
// ticks, so the stage-gated handlers can be exercised directly.
func (b *bench) setStage(t *testing.T, caseID string, stage contracts.SessionStage, deadline time.Time) {
	t.Helper()
	ctx := context.Background()
	rt, err := b.st.GetRuntime(ctx, caseID)
	require.NoError(t, err)
	rt.CurrentStage = stage
	rt.StageStartedAt = b.now
	rt.StageDeadlineAt = &deadline
	require.NoError(t, b.st.UpsertRuntime(ctx, rt))
}

func TestJuryReadiness(t *testing.T) {
	b := newBench(t)
	ctx := context.Background()
	cr := b.fileNamedCase(t, 4)

	panel, err := b.st.ListPanel(ctx, cr.caseID)
	require.NoError(t, err)
	require.Len(t, panel, 3)
	j0 := cr.jurorKey(t, panel[0].JurorID)
	j1 := cr.jurorKey(t, panel[1].JurorID)

	// Readiness before the session opens is a stage mismatch.
	rec := b.signed(t, http.MethodPost, "/cases/"+cr.caseID+"/jury/ready", j0, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "STAGE_MISMATCH", errCode(t, rec))

	deadline := b.now.Add(time.Minute)
	b.setStage(t, cr.caseID, contracts.StageJuryReadiness, deadline)
	for _, m := range panel {
		m.ReadyDeadlineAt = &deadline
		require.NoError(t, b.st.UpdatePanelMember(ctx, m))
	}

	rec = b.signed(t, http.MethodPost, "/cases/"+cr.caseID+"/jury/ready", j0, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out struct {
		Member *contracts.JuryPanelMember `json:"member"`
	}
	decodeJSON(t, rec, &out)
	assert.Equal(t, contracts.MemberReady, out.Member.MemberStatus)

	rec = b.signed(t, http.MethodPost, "/cases/"+cr.caseID+"/jury/ready", j0, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "NOT_PENDING_JUROR", errCode(t, rec))

	rec = b.signed(t, http.MethodPost, "/cases/"+cr.caseID+"/jury/ready", cr.pros, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "NOT_JUROR", errCode(t, rec))

	b.now = b.now.Add(61 * time.Second)
	rec = b.signed(t, http.MethodPost, "/cases/"+cr.caseID+"/jury/ready", j1, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "READINESS_DEADLINE_PASSED", errCode(t, rec))
}

func TestSubmissions(t *testing.T) {
	b := newBench(t)
	ctx := context.Background()
	cr := b.fileNamedCase(t, 5)
	b.setStage(t, cr.caseID, contracts.StageOpeningAddresses, b.now.Add(30*time.Minute))

	opening := func(side contracts.Side, text string) map[string]interface{} {
		return map[string]interface{}{
			"side":  side,
			"phase": contracts.PhaseOpening,
			"text":  text,
		}
	}

	// The evidence phase is not open yet.
	rec := b.signed(t, http.MethodPost, "/cases/"+cr.caseID+"/submissions", cr.pros, map[string]interface{}{
		"side":  contracts.SideProsecution,
		"phase": contracts.PhaseEvidence,
		"text":  "too early",
	})
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "STAGE_MISMATCH", errCode(t, rec))

	rec = b.signed(t, http.MethodPost, "/cases/"+cr.caseID+"/submissions", cr.pros, map[string]interface{}{
		"side":                    contracts.SideProsecution,
		"phase":                   contracts.PhaseOpening,
		"text":                    "The prosecution will show a covenant was broken.",
		"claimPrincipleCitations": map[string][]int{cr.claims[0]: {1, 4}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out struct {
		Submission *contracts.Submission `json:"submission"`
	}
	decodeJSON(t, rec, &out)
	assert.Equal(t, contracts.PhaseOpening, out.Submission.Phase)
	assert.NotEmpty(t, out.Submission.ContentHash)

	// Refiling inside the window replaces, never duplicates.
	rec = b.signed(t, http.MethodPost, "/cases/"+cr.caseID+"/submissions", cr.pros,
		opening(contracts.SideProsecution, "Revised opening: the covenant and its breach."))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	subs, err := b.st.ListSubmissions(ctx, cr.caseID)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "Revised opening: the covenant and its breach.", subs[0].Text)

	rec = b.signed(t, http.MethodPost, "/cases/"+cr.caseID+"/submissions", cr.dfnt,
		opening(contracts.SideDefence, "The defence disputes both the covenant and the breach."))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Only the seated defence may speak for the defence.
	rec = b.signed(t, http.MethodPost, "/cases/"+cr.caseID+"/submissions", cr.pros,
		opening(contracts.SideDefence, "impersonation"))
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "NOT_DEFENCE", errCode(t, rec))

	rec = b.signed(t, http.MethodPost, "/cases/"+cr.caseID+"/submissions", cr.pros,
		opening(contracts.SideProsecution, strings.Repeat("a", 2001)))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "SUBMISSION_TOO_LONG", errCode(t, rec))

	rec = b.signed(t, http.MethodPost, "/cases/"+cr.caseID+"/submissions", cr.pros, map[string]interface{}{
		"side":                    contracts.SideProsecution,
		"phase":                   contracts.PhaseOpening,
		"text":                    "citing a claim from another case",
		"claimPrincipleCitations": map[string][]int{"clm_other_case": {1}},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION", errCode(t, rec))

	b.now = b.now.Add(31 * time.Minute)
	rec = b.signed(t, http.MethodPost, "/cases/"+cr.caseID+"/submissions", cr.pros,
		opening(contracts.SideProsecution, "after the whistle"))
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "STAGE_MISMATCH", errCode(t, rec))
}

func TestEvidence(t *testing.T) {
	b := newBench(t)
	cr := b.fileNamedCase(t, 6)

	item := func(n int) map[string]interface{} {
		return map[string]interface{}{
			"kind":     contracts.EvidenceLog,
			"bodyText": strings.Repeat("x", n),
		}
	}

	// Outside the evidence stage nothing is accepted.
	rec := b.signed(t, http.MethodPost, "/cases/"+cr.caseID+"/evidence", cr.pros, item(100))
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "EVIDENCE_STAGE_REQUIRED", errCode(t, rec))

	b.setStage(t, cr.caseID, contracts.StageEvidence, b.now.Add(30*time.Minute))

	rec = b.signed(t, http.MethodPost, "/cases/"+cr.caseID+"/evidence", cr.pros, map[string]interface{}{
		"kind":             contracts.EvidenceLog,
		"bodyText":         strings.Repeat("x", 300),
		"references":       []string{"deploy log 2026-06-01"},
		"evidenceTypes":    []string{"ci-log"},
		"evidenceStrength": 4,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var out struct {
		Evidence *contracts.EvidenceItem `json:"evidence"`
	}
	decodeJSON(t, rec, &out)
	assert.Equal(t, cr.pros.id, out.Evidence.SubmittedBy)
	assert.NotEmpty(t, out.Evidence.BodyHash)

	// Per item limit is 400 runes under this profile.
	rec = b.signed(t, http.MethodPost, "/cases/"+cr.caseID+"/evidence", cr.pros, item(450))
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "EVIDENCE_LIMIT_REACHED", errCode(t, rec))

	// 350 more would push the case total past 600.
	rec = b.signed(t, http.MethodPost, "/cases/"+cr.caseID+"/evidence", cr.dfnt, item(350))
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "EVIDENCE_LIMIT_REACHED", errCode(t, rec))

	rec = b.signed(t, http.MethodPost, "/cases/"+cr.caseID+"/evidence", cr.dfnt, item(200))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// Two items fill the per case count quota.
	rec = b.signed(t, http.MethodPost, "/cases/"+cr.caseID+"/evidence", cr.pros, item(10))
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "EVIDENCE_LIMIT_REACHED", errCode(t, rec))

	stranger := newAgentKey(t, 0x44)
	b.register(t, stranger, "stranger", false)
	rec = b.signed(t, http.MethodPost, "/cases/"+cr.caseID+"/evidence", stranger, item(10))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION", errCode(t, rec))
}

func TestBallots(t *testing.T) {
	b := newBench(t)
	ctx := context.Background()
	cr := b.fileNamedCase(t, 9)

	goodBallot := map[string]interface{}{
		"votes": []map[string]interface{}{
			{"claimId": cr.claims[0], "vote": contracts.VoteProven, "recommendedRemedy": contracts.RemedyApology},
			{"claimId": cr.claims[1], "vote": contracts.VoteNotProven},
		},
		"reasoningSummary":   "The first claim is documented in the deploy log; the second rests on hearsay.",
		"vote":               contracts.VoteProven,
		"principlesReliedOn": []int{1, 4},
		"confidence":         80,
	}

	panel, err := b.st.ListPanel(ctx, cr.caseID)
	require.NoError(t, err)
	require.Len(t, panel, 3)
	j0 := cr.jurorKey(t, panel[0].JurorID)
	j1 := cr.jurorKey(t, panel[1].JurorID)

	// Voting has not opened.
	rec := b.signed(t, http.MethodPost, "/cases/"+cr.caseID+"/ballots", j0, goodBallot)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "CASE_NOT_VOTING", errCode(t, rec))

	c, err := b.st.GetCase(ctx, cr.caseID)
	require.NoError(t, err)
	c.Status = contracts.CaseVoting
	require.NoError(t, b.st.UpdateCase(ctx, c))
	voteDeadline := b.now.Add(15 * time.Minute)
	for _, m := range panel {
		m.MemberStatus = contracts.MemberActiveVoting
		m.VotingDeadlineAt = &voteDeadline
		require.NoError(t, b.st.UpdatePanelMember(ctx, m))
	}

	rec = b.signed(t, http.MethodPost, "/cases/"+cr.caseID+"/ballots", cr.pros, goodBallot)
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "NOT_JUROR", errCode(t, rec))

	// Every claim must be voted exactly once.
	rec = b.signed(t, http.MethodPost, "/cases/"+cr.caseID+"/ballots", j0, map[string]interface{}{
		"votes": []map[string]interface{}{
			{"claimId": cr.claims[0], "vote": contracts.VoteProven},
		},
		"reasoningSummary":   "only half an answer",
		"principlesReliedOn": []int{1},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION", errCode(t, rec))

	rec = b.signed(t, http.MethodPost, "/cases/"+cr.caseID+"/ballots", j0, goodBallot)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var out struct {
		Ballot *contracts.Ballot `json:"ballot"`
	}
	decodeJSON(t, rec, &out)
	assert.NotEmpty(t, out.Ballot.BallotHash)
	assert.Len(t, out.Ballot.Votes, 2)

	m0, err := b.st.GetPanelMember(ctx, cr.caseID, j0.id)
	require.NoError(t, err)
	assert.Equal(t, contracts.MemberVoted, m0.MemberStatus)

	// A seat stuck in active_voting after a crash still cannot vote
	// twice; the ballot's uniqueness holds the line.
	m0.MemberStatus = contracts.MemberActiveVoting
	require.NoError(t, b.st.UpdatePanelMember(ctx, m0))
	rec = b.signed(t, http.MethodPost, "/cases/"+cr.caseID+"/ballots", j0, goodBallot)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "BALLOT_ALREADY_SUBMITTED", errCode(t, rec))

	b.now = b.now.Add(16 * time.Minute)
	rec = b.signed(t, http.MethodPost, "/cases/"+cr.caseID+"/ballots", j1, goodBallot)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "BALLOT_DEADLINE_PASSED", errCode(t, rec))

	// Ballots stay out of the open-court view while voting runs.
	rec = b.get("/cases/" + cr.caseID)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "ballotHash")
}

func TestListCases(t *testing.T) {
	b := newBench(t)
	pros := newAgentKey(t, 0x11)
	b.register(t, pros, "prosecution", false)
	for i := 0; i < 3; i++ {
		b.register(t, newAgentKey(t, byte(0x31+i)), fmt.Sprintf("juror %d", i), true)
	}

	draft := b.createCase(t, pros, "Still A Draft", "")
	filed := b.createCase(t, pros, "Docketed Dispute", "")
	rec := b.signed(t, http.MethodPost, "/cases/"+filed.caseID+"/file", pros,
		map[string]interface{}{"treasuryTxSig": txSig(10)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = b.get("/cases")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Cases []*contracts.Case `json:"cases"`
	}
	decodeJSON(t, rec, &list)
	require.Len(t, list.Cases, 1)
	assert.Equal(t, filed.caseID, list.Cases[0].CaseID)

	rec = b.get("/cases?status=jury_selected")
	require.Equal(t, http.StatusOK, rec.Code)
	decodeJSON(t, rec, &list)
	assert.Len(t, list.Cases, 1)

	rec = b.get("/cases?status=draft")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = b.get("/cases?status=bogus")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// Drafts stay reachable by direct reference for their parties.
	rec = b.get("/cases/" + draft.caseID)
	require.Equal(t, http.StatusOK, rec.Code)
}

// proposeBody builds a correctly attested proposal the way a client
// library would: canonicalise the terms, hash, sign.
func proposeBody(t *testing.T, a, b *agentKey, proposalID, terms string, mode contracts.AgreementMode, expires time.Time) *agreement.ProposeRequest {
	t.Helper()
	canonicalTerms, err := canonical.MarshalRaw(json.RawMessage(terms))
	require.NoError(t, err)
	sigA := a.kp.SignAttestation(
		proposalID, canonical.HashBytes(canonicalTerms), ids.PublicCode(proposalID),
		a.id, b.id, expires.UTC().Format(time.RFC3339Nano))
	return &agreement.ProposeRequest{
		ProposalID:    proposalID,
		Mode:          mode,
		PartyAAgentID: a.id,
		PartyBAgentID: b.id,
		Terms:         json.RawMessage(terms),
		ExpiresAt:     expires,
		SigA:          sigA,
	}
}

func signAccept(b *agentKey, a *contracts.Agreement) string {
	return b.kp.SignAttestation(
		a.ProposalID, a.TermsHash, a.AgreementCode,
		a.PartyAAgentID, a.PartyBAgentID, a.ExpiresAt.UTC().Format(time.RFC3339Nano))
}

func TestAgreementEndpoints(t *testing.T) {
	b := newBench(t)
	ctx := context.Background()
	alice := newAgentKey(t, 0xA1)
	bob := newAgentKey(t, 0xB2)
	b.register(t, alice, "alice", false)
	b.register(t, bob, "bob", false)

	terms := `{"fee":250,"title":"Security audit of deploy pipeline"}`
	expires := b.now.Add(48 * time.Hour)

	rec := b.signed(t, http.MethodPost, "/agreements/propose", alice,
		proposeBody(t, alice, bob, "agr_audit_2026", terms, contracts.AgreementPublic, expires))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var proposed struct {
		Agreement *contracts.Agreement `json:"agreement"`
	}
	decodeJSON(t, rec, &proposed)
	a := proposed.Agreement
	assert.Equal(t, contracts.AgreementPending, a.Status)
	assert.Equal(t, ids.PublicCode("agr_audit_2026"), a.AgreementCode)

	// Party B accepts with its own attestation over the same digest.
	rec = b.signed(t, http.MethodPost, "/agreements/"+a.ProposalID+"/accept", bob,
		map[string]interface{}{"sigB": signAccept(bob, a)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var accepted struct {
		Agreement *contracts.Agreement `json:"agreement"`
	}
	decodeJSON(t, rec, &accepted)
	assert.Equal(t, contracts.AgreementAccepted, accepted.Agreement.Status)
	assert.NotEmpty(t, accepted.Agreement.SigB)

	// Acceptance queues the receipt mint.
	job, err := b.st.GetSealJobByRef(ctx, contracts.SealKindAgreement, a.ProposalID)
	require.NoError(t, err)
	assert.Equal(t, contracts.SealJobQueued, job.Status)

	// Both reference forms resolve, and verification checks out.
	for _, ref := range []string{a.ProposalID, a.AgreementCode} {
		rec = b.get("/agreements/" + ref + "/verify")
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var ver struct {
			Agreement    *contracts.Agreement    `json:"agreement"`
			Verification *contracts.VerifyResult `json:"verification"`
		}
		decodeJSON(t, rec, &ver)
		assert.True(t, ver.Verification.OverallValid, ver.Verification.Reason)
	}

	// Private agreements hide the terms but keep the hash public.
	priv := proposeBody(t, alice, bob, "agr_private_2026",
		`{"fee":900,"title":"Confidential retainer"}`, contracts.AgreementPrivate, expires)
	rec = b.signed(t, http.MethodPost, "/agreements/propose", alice, priv)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = b.get("/agreements/agr_private_2026")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "Confidential retainer")
	var redacted struct {
		Agreement *contracts.Agreement `json:"agreement"`
	}
	decodeJSON(t, rec, &redacted)
	assert.NotEmpty(t, redacted.Agreement.TermsHash)

	// Only a pending proposal can be cancelled, by one of its parties.
	stranger := newAgentKey(t, 0xC3)
	b.register(t, stranger, "stranger", false)
	rec = b.signed(t, http.MethodPost, "/agreements/agr_private_2026/cancel", stranger, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "NOT_AGREEMENT_PARTY", errCode(t, rec))

	rec = b.signed(t, http.MethodPost, "/agreements/agr_private_2026/cancel", alice, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var cancelled struct {
		Agreement *contracts.Agreement `json:"agreement"`
	}
	decodeJSON(t, rec, &cancelled)
	assert.Equal(t, contracts.AgreementCancelled, cancelled.Agreement.Status)

	rec = b.signed(t, http.MethodPost, "/agreements/"+a.ProposalID+"/cancel", alice, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "AGREEMENT_NOT_PENDING", errCode(t, rec))
}

func TestSealResultCallback(t *testing.T) {
	b := newBench(t)
	ctx := context.Background()
	alice := newAgentKey(t, 0xA1)
	bob := newAgentKey(t, 0xB2)
	b.register(t, alice, "alice", false)
	b.register(t, bob, "bob", false)

	rec := b.signed(t, http.MethodPost, "/agreements/propose", alice,
		proposeBody(t, alice, bob, "agr_sealed_2026", `{"fee":1}`, contracts.AgreementPublic, b.now.Add(time.Hour)))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var proposed struct {
		Agreement *contracts.Agreement `json:"agreement"`
	}
	decodeJSON(t, rec, &proposed)
	rec = b.signed(t, http.MethodPost, "/agreements/agr_sealed_2026/accept", bob,
		map[string]interface{}{"sigB": signAccept(bob, proposed.Agreement)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	job, err := b.st.GetSealJobByRef(ctx, contracts.SealKindAgreement, "agr_sealed_2026")
	require.NoError(t, err)

	workerPost := func(token string, body interface{}) *httptest.ResponseRecorder {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodPost, "/internal/seal-result", bytes.NewReader(raw))
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		return b.do(req)
	}

	minted := map[string]interface{}{
		"jobId": job.JobID,
		"result": map[string]interface{}{
			"status":      "minted",
			"assetId":     "asset_9f3",
			"txSig":       txSig(12),
			"sealedUri":   "https://seals.example/agr_sealed_2026",
			"metadataUri": "https://seals.example/agr_sealed_2026/meta.json",
			"sealedAtIso": b.now.Format(time.RFC3339Nano),
		},
	}

	rec = workerPost("", minted)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = workerPost("wrong-token", minted)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = workerPost("worker-secret", minted)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var applied struct {
		Job      *contracts.SealJob `json:"job"`
		Replayed bool               `json:"replayed"`
	}
	decodeJSON(t, rec, &applied)
	assert.Equal(t, contracts.SealJobMinted, applied.Job.Status)
	assert.False(t, applied.Replayed)

	got, err := b.st.GetAgreement(ctx, "agr_sealed_2026")
	require.NoError(t, err)
	assert.Equal(t, contracts.AgreementSealed, got.Status)
	require.NotNil(t, got.Receipt)
	assert.Equal(t, "asset_9f3", got.Receipt.AssetID)

	// The worker retries after a lost response; same payload replays.
	rec = workerPost("worker-secret", minted)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decodeJSON(t, rec, &applied)
	assert.True(t, applied.Replayed)

	// A different terminal answer for the same job is a conflict.
	conflicting := map[string]interface{}{
		"jobId":  job.JobID,
		"result": map[string]interface{}{"status": "failed", "errorCode": "RPC_DOWN"},
	}
	rec = workerPost("worker-secret", conflicting)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "SEAL_JOB_ALREADY_FINALISED", errCode(t, rec))

	rec = workerPost("worker-secret", map[string]interface{}{
		"jobId":  "job_missing",
		"result": map[string]interface{}{"status": "minted"},
	})
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = workerPost("worker-secret", map[string]interface{}{
		"jobId":  job.JobID,
		"result": map[string]interface{}{"status": "sideways"},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCapabilitiesAndDiagnostics(t *testing.T) {
	b := newBench(t)
	key := newAgentKey(t, 0x0D)
	b.register(t, key, "operator", false)

	rec := b.get("/internal/diagnostics")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	sysReq := httptest.NewRequest(http.MethodGet, "/internal/diagnostics", nil)
	sysReq.Header.Set("X-System-Key", "system-secret")
	rec = b.do(sysReq)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var diag map[string]interface{}
	decodeJSON(t, rec, &diag)
	assert.Contains(t, diag, "sealJobs")
	assert.Contains(t, diag, "uptimeSeconds")
	assert.Contains(t, diag, "treasuryAddress")

	rec = b.signed(t, http.MethodPost, "/agents/capabilities", key, map[string]interface{}{
		"scope":      contracts.ScopeDiagnostics,
		"ttlSeconds": 3600,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var minted struct {
		Token      string                     `json:"token"`
		Capability *contracts.AgentCapability `json:"capability"`
	}
	decodeJSON(t, rec, &minted)
	require.NotEmpty(t, minted.Token)
	assert.Equal(t, contracts.ScopeDiagnostics, minted.Capability.Scope)

	bearer := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("Authorization", "Bearer "+minted.Token)
		return b.do(req)
	}

	rec = bearer("/internal/diagnostics")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = bearer("/agents/capabilities")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var listed struct {
		Capabilities []*contracts.AgentCapability `json:"capabilities"`
	}
	decodeJSON(t, rec, &listed)
	require.Len(t, listed.Capabilities, 1)

	rec = b.signed(t, http.MethodPost, "/agents/capabilities/revoke", key, map[string]interface{}{
		"tokenHash": auth.TokenHash(minted.Token),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Revoking again reports the row unchanged.
	rec = b.signed(t, http.MethodPost, "/agents/capabilities/revoke", key, map[string]interface{}{
		"tokenHash": auth.TokenHash(minted.Token),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = bearer("/internal/diagnostics")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "UNAUTHORIZED", errCode(t, rec))

	rec = b.signed(t, http.MethodPost, "/agents/capabilities", key, map[string]interface{}{
		"scope": "root",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION", errCode(t, rec))
}
