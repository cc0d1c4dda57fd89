package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/opencawt/opencawt/pkg/auth"
	"github.com/opencawt/opencawt/pkg/config"
	"github.com/opencawt/opencawt/pkg/contracts"
	"github.com/opencawt/opencawt/pkg/crypto"
	"github.com/opencawt/opencawt/pkg/drand"
	"github.com/opencawt/opencawt/pkg/ids"
	"github.com/opencawt/opencawt/pkg/jury"
	"github.com/opencawt/opencawt/pkg/session"
	"github.com/opencawt/opencawt/pkg/store"
	"github.com/opencawt/opencawt/pkg/webhook"
)

const (
	maxCaseTitleChars   = 200
	maxCaseSummaryChars = 2000
	beaconFetchTimeout  = 5 * time.Second
)

// appendCaseEvent writes one transcript entry and syncs the in-memory
// sequence number, matching the engine's bookkeeping.
func appendCaseEvent(ctx context.Context, q *store.Queries, c *contracts.Case, ev *contracts.TranscriptEvent) error {
	seq, err := q.AppendTranscript(ctx, ev)
	if err != nil {
		return err
	}
	c.LastEventSeqNo = seq
	return nil
}

// slugify derives the public slug: a readable fragment of the title
// plus the case's deterministic public code.
func slugify(title, caseID string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(title) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
		if b.Len() >= 48 {
			break
		}
	}
	frag := strings.Trim(b.String(), "-")
	code := strings.ToLower(ids.PublicCode(caseID))
	if frag == "" {
		return code
	}
	return frag + "-" + code
}

type createClaimRequest struct {
	Summary           string                 `json:"summary"`
	RequestedRemedy   contracts.Remedy       `json:"requestedRemedy"`
	AllegedPrinciples contracts.PrincipleSet `json:"allegedPrinciples"`
}

type createCaseRequest struct {
	Title            string               `json:"title"`
	Summary          string               `json:"summary"`
	DefendantAgentID string               `json:"defendantAgentId"`
	Claims           []createClaimRequest `json:"claims"`
}

type caseResponse struct {
	Case    *contracts.Case        `json:"case"`
	Runtime *contracts.CaseRuntime `json:"runtime,omitempty"`
	Claims  []*contracts.Claim     `json:"claims,omitempty"`
}

// createCase opens a draft. The draft is invisible to the session
// engine until filing burns a treasury transaction.
func (s *Server) createCase(r *http.Request, m *auth.Mutation, body []byte) (auth.Handler, error) {
	ctx := r.Context()
	var req createCaseRequest
	if err := decodeBody(body, &req); err != nil {
		return nil, err
	}

	title, err := normText(req.Title, "title", maxCaseTitleChars)
	if err != nil {
		return nil, err
	}
	if title == "" {
		return nil, contracts.Coded(contracts.CodeValidation, "title is required")
	}
	summary, err := normText(req.Summary, "summary", maxCaseSummaryChars)
	if err != nil {
		return nil, err
	}
	if req.DefendantAgentID != "" {
		if !crypto.ValidAgentID(req.DefendantAgentID) {
			return nil, contracts.Coded(contracts.CodeValidation, "defendantAgentId is not a valid public key")
		}
		if req.DefendantAgentID == m.AgentID {
			return nil, contracts.Coded(contracts.CodeValidation, "an agent cannot prosecute itself")
		}
	}

	rules := s.rules.Latest()
	if len(req.Claims) == 0 {
		return nil, contracts.Coded(contracts.CodeValidation, "at least one claim is required")
	}
	if len(req.Claims) > rules.Limits.MaxClaimsPerCase {
		return nil, contracts.Codedf(contracts.CodeClaimLimitReached,
			"a case carries at most %d claims", rules.Limits.MaxClaimsPerCase)
	}
	for i := range req.Claims {
		cl := &req.Claims[i]
		cl.Summary = contracts.NormalizeText(cl.Summary)
		if cl.Summary == "" || !contracts.ValidText(cl.Summary) {
			return nil, contracts.Codedf(contracts.CodeValidation, "claim %d needs a summary", i)
		}
		if utf8.RuneCountInString(cl.Summary) > rules.Limits.MaxClaimSummaryChars {
			return nil, contracts.Codedf(contracts.CodeValidation,
				"claim %d summary exceeds %d characters", i, rules.Limits.MaxClaimSummaryChars)
		}
		if !contracts.ValidRemedy(cl.RequestedRemedy) {
			return nil, contracts.Codedf(contracts.CodeValidation, "claim %d requests an unknown remedy %q", i, cl.RequestedRemedy)
		}
		if len(cl.AllegedPrinciples) == 0 {
			return nil, contracts.Codedf(contracts.CodeValidation, "claim %d must cite at least one principle", i)
		}
	}

	return func(q *store.Queries) (*auth.Result, error) {
		now := s.now().UTC()

		if req.DefendantAgentID != "" {
			if _, err := q.GetAgent(ctx, req.DefendantAgentID); err != nil {
				if store.IsNotFound(err) {
					return nil, contracts.Coded(contracts.CodeValidation, "defendantAgentId is not a registered agent")
				}
				return nil, err
			}
		}

		caseID := ids.New(ids.PrefixCase)
		state := contracts.DefenceUnassigned
		if req.DefendantAgentID != "" {
			state = contracts.DefenceReserved
		}
		c := &contracts.Case{
			CaseID:              caseID,
			PublicSlug:          slugify(title, caseID),
			Title:               title,
			Summary:             summary,
			Status:              contracts.CaseDraft,
			SessionStage:        contracts.StagePreSession,
			RulesetVersion:      rules.Version,
			ProsecutionAgentID:  m.AgentID,
			DefendantAgentID:    req.DefendantAgentID,
			DefenceState:        state,
			DefenceInviteStatus: contracts.InviteNone,
			SealStatus:          contracts.SealNone,
			CreatedAt:           now,
			UpdatedAt:           now,
		}
		if err := q.InsertCase(ctx, c); err != nil {
			return nil, err
		}

		claims := make([]*contracts.Claim, 0, len(req.Claims))
		for i, cl := range req.Claims {
			claim := &contracts.Claim{
				ClaimID:           ids.New(ids.PrefixClaim),
				CaseID:            caseID,
				ClaimIndex:        i,
				Summary:           cl.Summary,
				RequestedRemedy:   cl.RequestedRemedy,
				AllegedPrinciples: cl.AllegedPrinciples,
				ClaimOutcome:      contracts.ClaimUndecided,
				CreatedAt:         now,
			}
			if err := q.InsertClaim(ctx, claim); err != nil {
				return nil, err
			}
			claims = append(claims, claim)
		}

		if err := appendCaseEvent(ctx, q, c, &contracts.TranscriptEvent{
			CaseID:       caseID,
			ActorRole:    contracts.ActorProsecution,
			ActorAgentID: m.AgentID,
			EventType:    contracts.EventCaseCreated,
			Stage:        contracts.StagePreSession,
			Message:      fmt.Sprintf("case drafted with %d claims under ruleset %s", len(claims), rules.Version),
			CreatedAt:    now,
		}); err != nil {
			return nil, err
		}

		res, err := jsonResult(http.StatusCreated, caseResponse{Case: c, Claims: claims})
		if err != nil {
			return nil, err
		}
		res.CaseID = caseID
		return res, nil
	}, nil
}

type fileCaseRequest struct {
	TreasuryTxSig string `json:"treasuryTxSig"`
}

// inviteIntent is what the filing transaction decides about the defence
// invite; the dispatch itself happens after commit.
type inviteIntent struct {
	caseID string
	url    string
	reason string // set when the invite cannot be sent
	data   map[string]interface{}
}

// fileCase burns the filing payment, opens the defence windows, and
// seats the jury when the randomness beacon answers in time. A beacon
// outage files the case anyway; the engine recovers the selection with
// the same filing-anchored round.
func (s *Server) fileCase(w http.ResponseWriter, r *http.Request) {
	var invite *inviteIntent

	res, ok := s.runSigned(w, r, contracts.ActionFileCase, false,
		func(r *http.Request, m *auth.Mutation, body []byte) (auth.Handler, error) {
			ctx := r.Context()
			caseID := r.PathValue("id")

			var req fileCaseRequest
			if err := decodeBody(body, &req); err != nil {
				return nil, err
			}
			if req.TreasuryTxSig == "" {
				return nil, contracts.Coded(contracts.CodeValidation, "treasuryTxSig is required")
			}

			// Cheap guards against the live store before paying for the
			// treasury RPC. The transaction re-checks them all.
			c, err := s.store.GetCase(ctx, caseID)
			if err != nil {
				if store.IsNotFound(err) {
					return nil, contracts.Codedf(contracts.CodeCaseNotFound, "case %s not found", caseID)
				}
				return nil, err
			}
			if c.ProsecutionAgentID != m.AgentID {
				return nil, contracts.Coded(contracts.CodeNotProsecution, "only the prosecution can file its case")
			}
			if c.Status != contracts.CaseDraft {
				return nil, contracts.Codedf(contracts.CodeCaseNotDraft, "case is %s", c.Status)
			}
			if err := s.treasury.Validate(ctx, req.TreasuryTxSig); err != nil {
				return nil, err
			}

			rules, err := s.rules.Resolve(c.RulesetVersion)
			if err != nil {
				return nil, err
			}
			round, chainHash := s.fetchBeacon(ctx)

			return func(q *store.Queries) (*auth.Result, error) {
				now := s.now().UTC()
				if err := s.limiter.CheckAction(ctx, q, m.AgentID, contracts.ActionFileCase); err != nil {
					return nil, err
				}

				c, err := q.GetCase(ctx, caseID)
				if err != nil {
					return nil, err
				}
				if c.ProsecutionAgentID != m.AgentID {
					return nil, contracts.Coded(contracts.CodeNotProsecution, "only the prosecution can file its case")
				}
				if c.Status != contracts.CaseDraft {
					return nil, contracts.Codedf(contracts.CodeCaseNotDraft, "case is %s", c.Status)
				}

				if err := q.InsertUsedTreasuryTx(ctx, &contracts.UsedTreasuryTx{
					TxSig:     req.TreasuryTxSig,
					CaseID:    caseID,
					AgentID:   m.AgentID,
					CreatedAt: now,
				}); err != nil {
					if store.IsUniqueViolation(err) {
						return nil, contracts.Coded(contracts.CodeTreasuryTxReplay,
							"treasury transaction was already spent on a filing")
					}
					return nil, err
				}

				c.Status = contracts.CaseFiled
				c.TreasuryTxSig = req.TreasuryTxSig
				c.FiledAt = &now
				c.UpdatedAt = now
				if err := q.UpdateCase(ctx, c); err != nil {
					return nil, err
				}

				rt := filingRuntime(c, rules, now)
				if err := q.UpsertRuntime(ctx, rt); err != nil {
					return nil, err
				}

				if err := appendCaseEvent(ctx, q, c, &contracts.TranscriptEvent{
					CaseID:       caseID,
					ActorRole:    contracts.ActorProsecution,
					ActorAgentID: m.AgentID,
					EventType:    contracts.EventCaseFiled,
					Stage:        contracts.StagePreSession,
					Message:      "filing payment accepted, case entered the docket",
					CreatedAt:    now,
				}); err != nil {
					return nil, err
				}

				if c.DefendantAgentID != "" {
					iv, err := s.prepareInvite(ctx, q, c, rt, now)
					if err != nil {
						return nil, err
					}
					invite = iv
				}

				if round != nil {
					eligible, err := session.EligiblePool(ctx, q, c)
					if err != nil {
						return nil, err
					}
					if err := session.SeatPanel(ctx, q, c, round, chainHash, eligible, rules.JurorPanelSize, now); err != nil {
						if !errors.Is(err, jury.ErrPoolExhausted) {
							return nil, err
						}
						// Leave the case filed; the engine's recovery
						// pass voids it if the pool stays short.
						s.logger.Warn("jury pool exhausted at filing", "caseId", caseID)
					}
				}

				res, err := jsonResult(http.StatusOK, caseResponse{Case: c, Runtime: rt})
				if err != nil {
					return nil, err
				}
				res.CaseID = caseID
				return res, nil
			}, nil
		})

	if ok && !res.Replayed && invite != nil {
		s.dispatchInvite(r.Context(), invite)
	}
}

// fetchBeacon grabs the chain info and current round on a short budget.
// Failures return nil; filing never blocks on the beacon.
func (s *Server) fetchBeacon(ctx context.Context) (*drand.Round, string) {
	bctx, cancel := context.WithTimeout(ctx, beaconFetchTimeout)
	defer cancel()
	info, err := s.beacon.ChainInfo(bctx)
	if err != nil {
		s.logger.Warn("beacon chain info unavailable at filing", "error", err)
		return nil, ""
	}
	round, err := s.beacon.RoundAt(bctx, s.now().UTC())
	if err != nil {
		s.logger.Warn("beacon round unavailable at filing", "error", err)
		return nil, ""
	}
	return round, info.Hash
}

// filingRuntime computes the deadline windows a freshly filed case
// carries: the scheduled session start always, and the defence cutoff
// according to whether a defendant was named.
func filingRuntime(c *contracts.Case, rules *config.Ruleset, now time.Time) *contracts.CaseRuntime {
	sched := now.Add(rules.SessionStartsAfter())
	rt := &contracts.CaseRuntime{
		CaseID:                  c.CaseID,
		CurrentStage:            contracts.StagePreSession,
		StageStartedAt:          now,
		ScheduledSessionStartAt: &sched,
	}
	if c.DefendantAgentID != "" {
		excl := now.Add(rules.NamedDefendantExclusive())
		cutoff := now.Add(rules.NamedDefendantResponse())
		rt.NamedExclusiveUntil = &excl
		rt.DefenceCutoffAt = &cutoff
	} else {
		cutoff := now.Add(rules.DefenceAssignmentCutoff())
		rt.DefenceCutoffAt = &cutoff
	}
	return rt
}

// prepareInvite records the invite in the transcript and decides how it
// leaves the building once the transaction commits.
func (s *Server) prepareInvite(ctx context.Context, q *store.Queries, c *contracts.Case, rt *contracts.CaseRuntime, now time.Time) (*inviteIntent, error) {
	defendant, err := q.GetAgent(ctx, c.DefendantAgentID)
	if err != nil {
		if store.IsNotFound(err) {
			return &inviteIntent{caseID: c.CaseID, reason: "defendant is not registered"}, nil
		}
		return nil, err
	}

	if err := appendCaseEvent(ctx, q, c, &contracts.TranscriptEvent{
		CaseID:       c.CaseID,
		ActorRole:    contracts.ActorSystem,
		ActorAgentID: c.DefendantAgentID,
		EventType:    contracts.EventDefenceInvited,
		Stage:        contracts.StagePreSession,
		Message:      "named defendant invited to take the defence",
		CreatedAt:    now,
	}); err != nil {
		return nil, err
	}

	iv := &inviteIntent{
		caseID: c.CaseID,
		url:    defendant.NotifyURL,
		data: map[string]interface{}{
			"caseId":             c.CaseID,
			"publicSlug":         c.PublicSlug,
			"title":              c.Title,
			"prosecutionAgentId": c.ProsecutionAgentID,
			"acceptPath":         fmt.Sprintf("/cases/%s/defence/accept", c.CaseID),
		},
	}
	if rt.DefenceCutoffAt != nil {
		iv.data["defenceCutoffAt"] = rt.DefenceCutoffAt.UTC().Format(time.RFC3339Nano)
	}
	if rt.NamedExclusiveUntil != nil {
		iv.data["namedExclusiveUntil"] = rt.NamedExclusiveUntil.UTC().Format(time.RFC3339Nano)
	}
	if defendant.NotifyURL == "" {
		iv.reason = "defendant has no notify url"
	}
	return iv, nil
}

// dispatchInvite runs after the filing commit: queue the webhook when
// it can be sent, record the drop when it cannot.
func (s *Server) dispatchInvite(ctx context.Context, iv *inviteIntent) {
	if s.invites == nil {
		return
	}
	if iv.reason != "" || iv.url == "" || s.hooks == nil {
		reason := iv.reason
		if reason == "" {
			reason = "webhook dispatch is not configured"
		}
		if err := s.invites.Dropped(ctx, iv.caseID, reason); err != nil {
			s.logger.Error("invite drop not recorded", "caseId", iv.caseID, "error", err)
		}
		return
	}

	if err := s.invites.Queued(ctx, iv.caseID); err != nil {
		s.logger.Error("invite queue not recorded", "caseId", iv.caseID, "error", err)
		return
	}
	ev := webhook.NewEvent(webhook.EventDefenceInvite, iv.caseID, iv.data, s.now().UTC())
	if !s.hooks.Enqueue(&webhook.Delivery{URL: iv.url, Event: ev, Done: s.invites.Done(iv.caseID)}) {
		if err := s.invites.Dropped(ctx, iv.caseID, "webhook queue full"); err != nil {
			s.logger.Error("invite drop not recorded", "caseId", iv.caseID, "error", err)
		}
	}
}
