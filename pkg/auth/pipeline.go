// Package auth implements the signed-mutation pipeline: every
// state-changing request carries an Ed25519 signature over a canonical
// signing string, a freshness window, an anti-replay action log, and an
// optional idempotency key bound to the request payload.
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/opencawt/opencawt/pkg/contracts"
	"github.com/opencawt/opencawt/pkg/crypto"
	"github.com/opencawt/opencawt/pkg/store"
)

// Signed-mutation headers.
const (
	HeaderAgentID          = "X-Agent-Id"
	HeaderTimestamp        = "X-Timestamp"
	HeaderNonce            = "X-Nonce"
	HeaderBodySHA256       = "X-Body-Sha256"
	HeaderSignature        = "X-Signature"
	HeaderSignatureVersion = "X-Signature-Version"
	HeaderIdempotencyKey   = "Idempotency-Key"
)

// SignatureVersionV1 is the only signing-string layout currently accepted.
const SignatureVersionV1 = "v1"

// DefaultTimestampWindow bounds |now - X-Timestamp|. A timestamp
// exactly at the boundary is rejected.
const DefaultTimestampWindow = 5 * time.Minute

// VerifyInput is one mutating request as seen by the verifier.
type VerifyInput struct {
	Method           string
	Path             string
	AgentID          string
	Timestamp        string
	Nonce            string
	BodyHash         string
	Signature        string
	SignatureVersion string
	IdempotencyKey   string
	Body             []byte

	// AllowUnknownAgent admits signers without an agent row. Only the
	// registration endpoint sets this; the signature still has to
	// verify against the presented key.
	AllowUnknownAgent bool

	// ActionType classifies the mutation in the action log for rate
	// limiting. Empty means "other".
	ActionType contracts.ActionType
}

// FromRequest extracts the auth material from a request whose body has
// already been read.
func FromRequest(r *http.Request, body []byte) *VerifyInput {
	return &VerifyInput{
		Method:           r.Method,
		Path:             r.URL.Path,
		AgentID:          r.Header.Get(HeaderAgentID),
		Timestamp:        r.Header.Get(HeaderTimestamp),
		Nonce:            r.Header.Get(HeaderNonce),
		BodyHash:         r.Header.Get(HeaderBodySHA256),
		Signature:        r.Header.Get(HeaderSignature),
		SignatureVersion: r.Header.Get(HeaderSignatureVersion),
		IdempotencyKey:   r.Header.Get(HeaderIdempotencyKey),
		Body:             body,
	}
}

// Mutation is a verified signed request, ready for Execute.
type Mutation struct {
	AgentID        string
	Agent          *contracts.Agent // nil for a not-yet-registered signer
	Method         string
	Path           string
	TimestampSec   int64
	Nonce          string
	Signature      string
	BodyHash       string
	IdempotencyKey string
	ActionType     contracts.ActionType
}

// Result is what a handler produced: the status and body to send, and
// the case the action log entry should reference.
type Result struct {
	Status   int
	Body     []byte
	CaseID   string
	Replayed bool
}

// Handler runs inside the mutation's transaction.
type Handler func(q *store.Queries) (*Result, error)

// Pipeline verifies signed mutations and executes their handlers under
// the idempotency and anti-replay guarantees.
type Pipeline struct {
	store  *store.Store
	logger *slog.Logger
	now    func() time.Time
	window time.Duration
	ttl    time.Duration
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithTimestampWindow overrides the freshness window.
func WithTimestampWindow(d time.Duration) Option {
	return func(p *Pipeline) { p.window = d }
}

// WithIdempotencyTTL overrides how long completed idempotency records
// are replayable.
func WithIdempotencyTTL(d time.Duration) Option {
	return func(p *Pipeline) { p.ttl = d }
}

func NewPipeline(st *store.Store, logger *slog.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:  st,
		logger: logger.With("component", "auth"),
		now:    time.Now,
		window: DefaultTimestampWindow,
		ttl:    24 * time.Hour,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Verify checks headers, payload binding, signer identity, freshness
// and the Ed25519 signature, in that order. Nonce replay is enforced
// later, when Execute records the action log entry.
func (p *Pipeline) Verify(ctx context.Context, in *VerifyInput) (*Mutation, error) {
	if in.AgentID == "" || in.Timestamp == "" || in.Nonce == "" || in.BodyHash == "" || in.Signature == "" {
		return nil, contracts.Coded(contracts.CodeMissingAuthHeaders,
			"X-Agent-Id, X-Timestamp, X-Nonce, X-Body-Sha256 and X-Signature are required")
	}
	if in.SignatureVersion != "" && in.SignatureVersion != SignatureVersionV1 {
		return nil, contracts.Codedf(contracts.CodeSignatureInvalid,
			"unsupported signature version %q", in.SignatureVersion)
	}
	ts, err := strconv.ParseInt(in.Timestamp, 10, 64)
	if err != nil {
		return nil, contracts.Coded(contracts.CodeMissingAuthHeaders, "X-Timestamp must be unix seconds")
	}
	if !contracts.ValidNonce(in.Nonce) {
		return nil, contracts.Codedf(contracts.CodeMissingAuthHeaders,
			"X-Nonce must be %d-%d alphanumeric characters", contracts.NonceMinLen, contracts.NonceMaxLen)
	}
	if !crypto.ConstantTimeEqualHex(in.BodyHash, crypto.BodySHA256(in.Body)) {
		return nil, contracts.Coded(contracts.CodeSignatureInvalid, "X-Body-Sha256 does not match the request body")
	}

	pub, err := crypto.DecodeAgentID(in.AgentID)
	if err != nil {
		return nil, contracts.Coded(contracts.CodeSignatureInvalid, "X-Agent-Id is not a valid Ed25519 public key")
	}

	agent, err := p.store.GetAgent(ctx, in.AgentID)
	switch {
	case err == nil:
		if agent.Banned {
			return nil, contracts.Coded(contracts.CodeAgentBanned, "agent is banned")
		}
	case store.IsNotFound(err):
		if !in.AllowUnknownAgent {
			return nil, contracts.Codedf(contracts.CodeAgentNotFound, "agent %s is not registered", in.AgentID)
		}
		agent = nil
	default:
		return nil, fmt.Errorf("load agent: %w", err)
	}

	skew := p.now().Unix() - ts
	if skew < 0 {
		skew = -skew
	}
	if time.Duration(skew)*time.Second >= p.window {
		return nil, contracts.Codedf(contracts.CodeTimestampExpired,
			"timestamp is outside the %s acceptance window", p.window)
	}

	ok, err := crypto.VerifyMutation(pub, in.Method, in.Path, ts, in.Nonce, in.BodyHash, in.Signature)
	if err != nil || !ok {
		return nil, contracts.Coded(contracts.CodeSignatureInvalid, "signature verification failed")
	}

	actionType := in.ActionType
	if actionType == "" {
		actionType = contracts.ActionOther
	}
	return &Mutation{
		AgentID:        in.AgentID,
		Agent:          agent,
		Method:         in.Method,
		Path:           in.Path,
		TimestampSec:   ts,
		Nonce:          in.Nonce,
		Signature:      in.Signature,
		BodyHash:       in.BodyHash,
		IdempotencyKey: in.IdempotencyKey,
		ActionType:     actionType,
	}, nil
}

// Execute runs the handler inside one transaction, enforcing
// idempotency and nonce replay.
//
// With an Idempotency-Key: a completed record with the same request
// hash replays its stored response verbatim; a different hash fails;
// an in-progress claim fails; otherwise this request claims the key,
// and releases it again if the handler errors. The completion and the
// action-log entry commit atomically with the handler's writes, so a
// crash can never record a response for work that did not happen.
//
// Without a key, an exact replay of an already-processed signed
// request fails NONCE_REUSED through the action log's uniqueness.
func (p *Pipeline) Execute(ctx context.Context, m *Mutation, handler Handler) (*Result, error) {
	if m.IdempotencyKey == "" {
		return p.runTx(ctx, m, handler, false)
	}

	now := p.now()
	claim := &contracts.IdempotencyRecord{
		AgentID:        m.AgentID,
		Method:         m.Method,
		Path:           m.Path,
		IdempotencyKey: m.IdempotencyKey,
		RequestHash:    m.BodyHash,
		Status:         contracts.IdemInProgress,
		ExpiresAt:      now.Add(p.ttl),
		CreatedAt:      now,
	}
	claimed := false
	for attempt := 0; attempt < 2 && !claimed; attempt++ {
		err := p.store.ClaimIdempotency(ctx, claim)
		if err == nil {
			claimed = true
			break
		}
		if !store.IsUniqueViolation(err) {
			return nil, err
		}
		existing, gerr := p.store.GetIdempotency(ctx, m.AgentID, m.Method, m.Path, m.IdempotencyKey)
		if gerr != nil {
			if store.IsNotFound(gerr) {
				// Swept between our claim and read; claim again.
				continue
			}
			return nil, fmt.Errorf("load idempotency record: %w", gerr)
		}
		if existing.Status == contracts.IdemComplete {
			if existing.RequestHash != m.BodyHash {
				return nil, contracts.Coded(contracts.CodeIdemPayloadMismatch,
					"idempotency key was already used with a different payload")
			}
			return &Result{Status: existing.ResponseStatus, Body: existing.ResponseJSON, Replayed: true}, nil
		}
		return nil, contracts.Coded(contracts.CodeIdemInProgress,
			"a request with this idempotency key is still in progress").WithRetryAfter(1)
	}
	if !claimed {
		return nil, contracts.Coded(contracts.CodeIdemInProgress,
			"a request with this idempotency key is still in progress").WithRetryAfter(1)
	}

	res, err := p.runTx(ctx, m, handler, true)
	if err != nil {
		if rerr := p.store.ReleaseIdempotency(ctx, m.AgentID, m.Method, m.Path, m.IdempotencyKey); rerr != nil {
			p.logger.Warn("failed to release idempotency claim",
				"agent", m.AgentID, "path", m.Path, "error", rerr)
		}
		return nil, err
	}
	return res, nil
}

// Replay peeks for a completed idempotency record before any handler
// work runs. Retried requests must replay even when the first attempt
// already moved the state their guards check, so callers consult this
// between Verify and their own validation. A miss is not authoritative;
// Execute still arbitrates concurrent claims.
func (p *Pipeline) Replay(ctx context.Context, m *Mutation) (*Result, bool, error) {
	if m.IdempotencyKey == "" {
		return nil, false, nil
	}
	existing, err := p.store.GetIdempotency(ctx, m.AgentID, m.Method, m.Path, m.IdempotencyKey)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("load idempotency record: %w", err)
	}
	if existing.Status != contracts.IdemComplete {
		return nil, false, contracts.Coded(contracts.CodeIdemInProgress,
			"a request with this idempotency key is still in progress").WithRetryAfter(1)
	}
	if existing.RequestHash != m.BodyHash {
		return nil, false, contracts.Coded(contracts.CodeIdemPayloadMismatch,
			"idempotency key was already used with a different payload")
	}
	return &Result{Status: existing.ResponseStatus, Body: existing.ResponseJSON, Replayed: true}, true, nil
}

func (p *Pipeline) runTx(ctx context.Context, m *Mutation, handler Handler, complete bool) (*Result, error) {
	var res *Result
	err := p.store.WithTx(ctx, func(q *store.Queries) error {
		r, err := handler(q)
		if err != nil {
			return err
		}
		res = r
		if complete {
			if err := q.CompleteIdempotency(ctx, m.AgentID, m.Method, m.Path, m.IdempotencyKey, r.Status, r.Body); err != nil {
				return fmt.Errorf("complete idempotency: %w", err)
			}
		}
		err = q.InsertAction(ctx, &contracts.AgentActionLog{
			AgentID:      m.AgentID,
			ActionType:   m.ActionType,
			CaseID:       r.CaseID,
			Signature:    m.Signature,
			TimestampSec: m.TimestampSec,
			CreatedAt:    p.now(),
		})
		if err != nil {
			if store.IsUniqueViolation(err) {
				return contracts.Coded(contracts.CodeNonceReused, "this signed request was already processed")
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// SweepExpired drops idempotency records past their TTL. Run from the
// background sweep loop.
func (p *Pipeline) SweepExpired(ctx context.Context) (int64, error) {
	return p.store.SweepIdempotency(ctx, p.now().UTC().Format(time.RFC3339Nano))
}
